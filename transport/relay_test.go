package transport_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/David-ssnd/rayz-web-sub000/device"
	errs "github.com/David-ssnd/rayz-web-sub000/errors"
	"github.com/David-ssnd/rayz-web-sub000/events"
	"github.com/David-ssnd/rayz-web-sub000/metric"
	"github.com/David-ssnd/rayz-web-sub000/protocol"
	"github.com/David-ssnd/rayz-web-sub000/testutil"
	"github.com/David-ssnd/rayz-web-sub000/transport"
)

type relayHarness struct {
	relay   *transport.Relay
	channel *testutil.MockRelay
	metrics *metric.Metrics
	states  []device.DeviceState
	errors  []error
	errIDs  []string
}

func newRelayHarness(t *testing.T, opts transport.RelayOptions, present ...string) *relayHarness {
	t.Helper()
	h := &relayHarness{
		channel: testutil.NewMockRelay(present...),
		metrics: metric.NewMetrics(),
	}
	relay, err := transport.NewRelay(opts, transport.Dependencies{
		Channel: h.channel,
		Metrics: h.metrics,
	})
	require.NoError(t, err)
	h.relay = relay
	relay.OnStateChange(func(s device.DeviceState) { h.states = append(h.states, s) })
	relay.OnError(func(id string, err error) {
		h.errIDs = append(h.errIDs, id)
		h.errors = append(h.errors, err)
	})
	t.Cleanup(relay.Close)
	return h
}

func (h *relayHarness) connect(t *testing.T) {
	t.Helper()
	require.NoError(t, h.relay.Connect(context.Background()))
}

func TestNewRelay_RequiresChannel(t *testing.T) {
	_, err := transport.NewRelay(transport.RelayOptions{}, transport.Dependencies{})
	require.Error(t, err)
	assert.ErrorIs(t, err, errs.ErrMissingConfig)
	assert.True(t, errs.IsFatal(err))
}

func TestRelay_ConnectReportsPresentDevices(t *testing.T) {
	h := newRelayHarness(t, transport.RelayOptions{}, "b", "a")
	assert.Equal(t, transport.ModeRelay, h.relay.Mode())
	h.connect(t)

	assert.Equal(t, []string{"a", "b"}, h.relay.ConnectedDevices())
	assert.True(t, h.relay.IsDeviceConnected("a"))
	assert.False(t, h.relay.IsDeviceConnected("c"))

	require.Len(t, h.states, 2)
	assert.Equal(t, "a", h.states[0].ID)
	assert.Equal(t, device.StateConnected, h.states[0].State)
	assert.False(t, h.states[0].LastConnected.IsZero())
	assert.Equal(t, 2.0, promtest.ToFloat64(h.metrics.PresenceDevices))
	assert.Equal(t, 1.0, promtest.ToFloat64(h.metrics.RelayConnected))

	// connecting again is a no-op
	h.connect(t)
	assert.Len(t, h.states, 2)
}

func TestRelay_ConnectTimeout(t *testing.T) {
	h := newRelayHarness(t, transport.RelayOptions{ConnectTimeout: 50 * time.Millisecond})
	h.channel.Hang = true

	err := h.relay.Connect(context.Background())
	require.Error(t, err)

	var relayErr *transport.RelayError
	require.ErrorAs(t, err, &relayErr)
	assert.Equal(t, "connect", relayErr.Op)
	assert.ErrorIs(t, err, errs.ErrRelayTimeout)
	assert.Equal(t, 1, h.channel.CloseCalls())
	assert.Empty(t, h.relay.ConnectedDevices())
}

func TestRelay_ConnectFailsFastOnFailedState(t *testing.T) {
	h := newRelayHarness(t, transport.RelayOptions{ConnectTimeout: 10 * time.Second})
	h.channel.ConnectFailure = fmt.Errorf("%w: authorization violation", errs.ErrRelayFailed)

	start := time.Now()
	err := h.relay.Connect(context.Background())
	require.Error(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)

	var relayErr *transport.RelayError
	require.ErrorAs(t, err, &relayErr)
	assert.ErrorIs(t, err, errs.ErrRelayFailed)
	assert.Contains(t, err.Error(), "authorization violation")

	// the failure is returned, not broadcast as a device error
	assert.Empty(t, h.errors)
}

func TestRelay_ConnectError(t *testing.T) {
	h := newRelayHarness(t, transport.RelayOptions{})
	h.channel.ConnectErr = errors.New("no servers available for connection")

	err := h.relay.Connect(context.Background())
	var relayErr *transport.RelayError
	require.ErrorAs(t, err, &relayErr)
	assert.ErrorIs(t, err, errs.ErrRelayFailed)
	assert.Equal(t, 0.0, promtest.ToFloat64(h.metrics.RelayConnected))
}

func TestRelay_ConnectHonoursCallerContext(t *testing.T) {
	h := newRelayHarness(t, transport.RelayOptions{ConnectTimeout: time.Minute})
	h.channel.Hang = true

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := h.relay.Connect(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, errs.ErrRelayFailed)
}

func TestRelay_SendTargetsPresentDevice(t *testing.T) {
	h := newRelayHarness(t, transport.RelayOptions{}, "dev-1")
	h.connect(t)

	ok := h.relay.Send("dev-1", &protocol.GameCommand{Command: protocol.CommandStart})
	require.True(t, ok)

	published := h.channel.Published()
	require.Len(t, published, 1)
	assert.Equal(t, "dev-1", published[0].Target)

	env := published[0].Envelope(t)
	assert.Equal(t, "dev-1", env.Target)
	assert.Empty(t, env.Source)
	msg, err := protocol.OpenClientEnvelope(env, "dev-1")
	require.NoError(t, err)
	cmd, isCmd := msg.(*protocol.GameCommand)
	require.True(t, isCmd)
	assert.Equal(t, protocol.CommandStart, cmd.Command)

	assert.False(t, h.relay.Send("dev-2", &protocol.GetStatus{}), "absent device")
	assert.Len(t, h.channel.Published(), 1)
}

func TestRelay_SendBeforeConnect(t *testing.T) {
	h := newRelayHarness(t, transport.RelayOptions{}, "dev-1")
	assert.False(t, h.relay.Send("dev-1", &protocol.GetStatus{}))
	assert.Equal(t, 0, h.relay.Broadcast(&protocol.GetStatus{}))
	assert.Empty(t, h.channel.Published())
}

func TestRelay_SendFailure(t *testing.T) {
	h := newRelayHarness(t, transport.RelayOptions{}, "dev-1")
	h.connect(t)
	h.channel.PublishErr = errors.New("nats: connection closed")

	assert.False(t, h.relay.Send("dev-1", &protocol.Heartbeat{}))
	require.Len(t, h.errors, 1)
	assert.Equal(t, "dev-1", h.errIDs[0])
	assert.ErrorIs(t, h.errors[0], errs.ErrSendFailed)
	assert.True(t, errs.IsTransient(h.errors[0]))
	assert.Equal(t, 1.0, promtest.ToFloat64(h.metrics.SendFailures.WithLabelValues("dev-1")))

	// send failures do not change presence
	assert.True(t, h.relay.IsDeviceConnected("dev-1"))
}

func TestRelay_SendUnencodableMessage(t *testing.T) {
	h := newRelayHarness(t, transport.RelayOptions{}, "dev-1")
	h.connect(t)

	assert.False(t, h.relay.Send("dev-1", &protocol.GameCommand{Command: "explode"}))
	assert.Empty(t, h.channel.Published())
	require.Len(t, h.errors, 1)
	assert.True(t, errs.IsInvalid(h.errors[0]))
}

func TestRelay_Broadcast(t *testing.T) {
	h := newRelayHarness(t, transport.RelayOptions{}, "a", "b", "c")
	h.connect(t)

	n := h.relay.Broadcast(&protocol.GameCommand{Command: protocol.CommandStop})
	assert.Equal(t, 3, n)

	published := h.channel.Published()
	require.Len(t, published, 1, "one publish reaches every device")
	assert.Empty(t, published[0].Target)
	assert.Empty(t, published[0].Envelope(t).Target)

	h.channel.SetPresent()
	assert.Equal(t, 0, h.relay.Broadcast(&protocol.GetStatus{}))
	assert.Len(t, h.channel.Published(), 1)
}

func TestRelay_DemultiplexesBySource(t *testing.T) {
	h := newRelayHarness(t, transport.RelayOptions{}, "a", "b")
	h.connect(t)

	var fromA, all []string
	h.relay.OnMessage("a", func(id string, msg protocol.DeviceMessage) {
		fromA = append(fromA, id+":"+msg.MessageType())
	})
	h.relay.OnMessage(events.Wildcard, func(id string, msg protocol.DeviceMessage) {
		all = append(all, id+":"+msg.MessageType())
	})

	h.channel.DeliverFrom(t, "a", &protocol.ShotFired{AmmoRemaining: 9})
	h.channel.DeliverFrom(t, "b", &protocol.HitReport{ShooterID: 1, HeartsRemaining: 2})
	h.channel.DeliverFrom(t, "a", &protocol.Respawn{CurrentHearts: 5})

	assert.Equal(t, []string{"a:shot_fired", "a:respawn"}, fromA)
	assert.Equal(t, []string{"a:shot_fired", "b:hit_report", "a:respawn"}, all)

	stateA, ok := h.relay.DeviceState("a")
	require.True(t, ok)
	assert.Equal(t, 9, stateA.Ammo)
	assert.Equal(t, 5, stateA.Hearts)
	assert.Equal(t, 1, stateA.Shots)
}

func TestRelay_StatusUpdatesState(t *testing.T) {
	h := newRelayHarness(t, transport.RelayOptions{}, "a")
	h.connect(t)

	h.channel.DeliverFrom(t, "a", &protocol.Status{
		PlayerID: 4,
		TeamID:   2,
		Stats:    &protocol.Stats{EnemyKills: 3, Deaths: 1},
		Firmware: "2.1.0",
	})

	state, ok := h.relay.DeviceState("a")
	require.True(t, ok)
	assert.Equal(t, 4, state.PlayerID)
	assert.Equal(t, 2, state.TeamID)
	assert.Equal(t, 3, state.Kills)
	assert.Equal(t, 1, state.Deaths)
	assert.Equal(t, "2.1.0", state.Firmware)
	assert.False(t, state.LastStatus.IsZero())
}

func TestRelay_DropsForeignEnvelopes(t *testing.T) {
	h := newRelayHarness(t, transport.RelayOptions{}, "a")
	h.connect(t)

	var received int
	h.relay.OnMessage(events.Wildcard, func(string, protocol.DeviceMessage) { received++ })

	// device that is not present
	h.channel.DeliverFrom(t, "intruder", &protocol.ShotFired{})
	// another client's command on the shared channel
	clientFrame, err := protocol.SealClient("a", &protocol.GetStatus{}, time.Now())
	require.NoError(t, err)
	h.channel.Deliver(clientFrame)
	// garbage
	h.channel.Deliver([]byte("not json"))

	assert.Zero(t, received)
	assert.Equal(t, 1.0, promtest.ToFloat64(h.metrics.RelayDropped.WithLabelValues("unknown_source")))
	assert.Equal(t, 1.0, promtest.ToFloat64(h.metrics.RelayDropped.WithLabelValues("no_source")))
	assert.Equal(t, 1.0, promtest.ToFloat64(h.metrics.RelayDropped.WithLabelValues("malformed")))
	assert.Empty(t, h.errors, "dropped envelopes are not reported as device errors")
	_, tracked := h.relay.DeviceState("intruder")
	assert.False(t, tracked)
}

func TestRelay_UndecodablePayloadReported(t *testing.T) {
	h := newRelayHarness(t, transport.RelayOptions{}, "a")
	h.connect(t)

	h.channel.Deliver([]byte(`{"source":"a","payload":{"type":"teleport"},"timestamp":1}`))

	require.Len(t, h.errors, 1)
	assert.Equal(t, "a", h.errIDs[0])
	assert.True(t, errs.IsInvalid(h.errors[0]))
	id, ok := errs.DeviceOf(h.errors[0])
	require.True(t, ok)
	assert.Equal(t, "a", id)
	assert.True(t, h.relay.IsDeviceConnected("a"))
}

func TestRelay_PresenceChanges(t *testing.T) {
	h := newRelayHarness(t, transport.RelayOptions{}, "a", "b")
	h.connect(t)
	h.states = nil

	h.channel.SetPresent("a", "c")

	require.Len(t, h.states, 2)
	assert.Equal(t, "b", h.states[0].ID)
	assert.Equal(t, device.StateDisconnected, h.states[0].State)
	assert.Equal(t, "c", h.states[1].ID)
	assert.Equal(t, device.StateConnected, h.states[1].State)
	assert.Equal(t, []string{"a", "c"}, h.relay.ConnectedDevices())

	// b is remembered while absent
	state, ok := h.relay.DeviceState("b")
	require.True(t, ok)
	assert.Equal(t, device.StateDisconnected, state.State)

	// an unchanged presence list emits nothing
	h.states = nil
	h.channel.SetPresent("c", "a", "a")
	assert.Empty(t, h.states)
}

func TestRelay_LostConnectionReported(t *testing.T) {
	h := newRelayHarness(t, transport.RelayOptions{}, "a")
	h.connect(t)

	h.channel.Status(false, errors.New("nats: disconnected"))
	require.Len(t, h.errors, 1)
	assert.Equal(t, events.Wildcard, h.errIDs[0])
	assert.Equal(t, 0.0, promtest.ToFloat64(h.metrics.RelayConnected))
	// presence is kept while the client reconnects
	assert.True(t, h.relay.IsDeviceConnected("a"))

	h.channel.Status(true, nil)
	assert.Equal(t, 1.0, promtest.ToFloat64(h.metrics.RelayConnected))

	h.channel.Status(false, fmt.Errorf("%w: connection closed", errs.ErrRelayFailed))
	assert.Len(t, h.errors, 2)
	assert.ErrorIs(t, h.errors[1], errs.ErrRelayFailed)
	assert.Empty(t, h.relay.ConnectedDevices())
}

func TestRelay_Disconnect(t *testing.T) {
	h := newRelayHarness(t, transport.RelayOptions{}, "a", "b")
	h.connect(t)
	h.states = nil

	require.NoError(t, h.relay.Disconnect())
	assert.False(t, h.channel.Connected())
	assert.Empty(t, h.relay.ConnectedDevices())
	require.Len(t, h.states, 2)
	for _, s := range h.states {
		assert.Equal(t, device.StateDisconnected, s.State)
	}
	assert.False(t, h.relay.Send("a", &protocol.GetStatus{}))
}

func TestRelay_StaleSnapshotDoesNotOverrideChannelUpdate(t *testing.T) {
	h := newRelayHarness(t, transport.RelayOptions{}, "a")
	// the channel announces b while the join snapshot, still showing a, is in flight
	h.channel.AfterSnapshot = func() { h.channel.SetPresent("b") }
	h.connect(t)

	assert.Equal(t, []string{"b"}, h.relay.ConnectedDevices())
	assert.False(t, h.relay.IsDeviceConnected("a"))
	require.Len(t, h.states, 1)
	assert.Equal(t, "b", h.states[0].ID)
}

func TestRelay_PresenceAfterDisconnectIgnored(t *testing.T) {
	h := newRelayHarness(t, transport.RelayOptions{}, "a")
	h.connect(t)
	require.NoError(t, h.relay.Disconnect())
	h.states = nil

	// a late notification from the closed join
	h.channel.SetPresent("a", "b")
	assert.Empty(t, h.relay.ConnectedDevices())
	assert.Empty(t, h.states)

	// a fresh join picks presence up again
	h.connect(t)
	assert.Equal(t, []string{"a", "b"}, h.relay.ConnectedDevices())
}

func TestRelay_Unsubscribe(t *testing.T) {
	h := newRelayHarness(t, transport.RelayOptions{}, "a")
	h.connect(t)

	var received int
	unsubscribe := h.relay.OnMessage("a", func(string, protocol.DeviceMessage) { received++ })
	h.channel.DeliverFrom(t, "a", &protocol.ShotFired{})
	unsubscribe()
	unsubscribe()
	h.channel.DeliverFrom(t, "a", &protocol.ShotFired{})

	assert.Equal(t, 1, received)
}
