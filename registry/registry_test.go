package registry_test

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/David-ssnd/rayz-web-sub000/device"
	errs "github.com/David-ssnd/rayz-web-sub000/errors"
	"github.com/David-ssnd/rayz-web-sub000/events"
	"github.com/David-ssnd/rayz-web-sub000/protocol"
	"github.com/David-ssnd/rayz-web-sub000/registry"
	"github.com/David-ssnd/rayz-web-sub000/testutil"
)

const (
	deviceA = "192.0.2.10"
	deviceB = "192.0.2.11"
	deviceC = "192.0.2.12"
)

// newRegistry returns a registry whose dials succeed except for the given
// unreachable device ids
func newRegistry(t *testing.T, unreachable ...string) (*registry.Registry, *testutil.FakeDialer, *testutil.FakeClock) {
	t.Helper()
	down := make(map[string]bool)
	for _, id := range unreachable {
		down[device.URL(id)] = true
	}

	dialer := testutil.NewFakeDialer()
	dialer.Auto = func(url string) (*testutil.FakeSocket, error) {
		if down[url] {
			return nil, errors.New("connect: no route to host")
		}
		return testutil.NewFakeSocket(url), nil
	}
	clock := testutil.NewFakeClock()

	reg := registry.New(device.DefaultOptions(), registry.Dependencies{Dialer: dialer, Clock: clock})
	t.Cleanup(reg.Dispose)
	return reg, dialer, clock
}

func waitConnected(t *testing.T, reg *registry.Registry, ids ...string) {
	t.Helper()
	for _, id := range ids {
		require.Eventually(t, func() bool { return reg.IsDeviceConnected(id) },
			time.Second, 5*time.Millisecond, "device %s never connected", id)
	}
}

func waitRetrying(t *testing.T, reg *registry.Registry, id string) {
	t.Helper()
	require.Eventually(t, func() bool {
		s, ok := reg.DeviceState(id)
		return ok && s.ReconnectPending
	}, time.Second, 5*time.Millisecond)
}

func waitWritten(t *testing.T, sock *testutil.FakeSocket, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return len(sock.Written()) >= n }, time.Second, 5*time.Millisecond)
}

func TestRegistry_AddDeviceIsIdempotent(t *testing.T) {
	reg, dialer, _ := newRegistry(t)

	first, err := reg.AddDevice(deviceA)
	require.NoError(t, err)
	second, err := reg.AddDevice(deviceA)
	require.NoError(t, err)

	assert.Same(t, first, second)
	waitConnected(t, reg, deviceA)

	_, err = reg.AddDevice(deviceA)
	require.NoError(t, err)
	assert.Equal(t, 1, dialer.Dials())
	assert.Len(t, dialer.Sockets(device.URL(deviceA)), 1)
	assert.Equal(t, []string{deviceA}, reg.Devices())
}

func TestRegistry_AddDeviceRejectsBadIDs(t *testing.T) {
	reg, _, _ := newRegistry(t)

	for _, id := range []string{"", events.Wildcard} {
		_, err := reg.AddDevice(id)
		require.Error(t, err)
		assert.True(t, errs.IsInvalid(err))
	}
	assert.Empty(t, reg.Devices())
}

func TestRegistry_BroadcastSkipsDisconnected(t *testing.T) {
	reg, dialer, _ := newRegistry(t, deviceC)

	for _, id := range []string{deviceA, deviceB, deviceC} {
		_, err := reg.AddDevice(id)
		require.NoError(t, err)
	}
	waitConnected(t, reg, deviceA, deviceB)
	waitRetrying(t, reg, deviceC)

	sockA := dialer.Latest(device.URL(deviceA))
	sockB := dialer.Latest(device.URL(deviceB))
	waitWritten(t, sockA, 1)
	waitWritten(t, sockB, 1)

	assert.Equal(t, 2, reg.BroadcastCommand(protocol.CommandStart))

	for _, sock := range []*testutil.FakeSocket{sockA, sockB} {
		types := sock.SentTypes(t)
		assert.Equal(t, protocol.TypeGameCommand, types[len(types)-1])
	}
	assert.Empty(t, dialer.Sockets(device.URL(deviceC)), "unreachable device never had a socket")

	hearts := 3
	assert.Equal(t, 2, reg.BroadcastConfig(&protocol.ConfigUpdate{MaxHearts: &hearts}))
	assert.Equal(t, 0, reg.BroadcastConfig(nil))

	sent := sockA.Sent(t)
	cfg, ok := sent[len(sent)-1].(*protocol.ConfigUpdate)
	require.True(t, ok)
	assert.Equal(t, 3, *cfg.MaxHearts)
}

func TestRegistry_BroadcastCountsOnlySuccessfulSends(t *testing.T) {
	reg, dialer, _ := newRegistry(t)
	for _, id := range []string{deviceA, deviceB} {
		_, err := reg.AddDevice(id)
		require.NoError(t, err)
	}
	waitConnected(t, reg, deviceA, deviceB)

	dialer.Latest(device.URL(deviceB)).FailWrites(errors.New("write: broken pipe"))

	assert.Equal(t, 1, reg.BroadcastCommand(protocol.CommandStop))
	state, _ := reg.DeviceState(deviceB)
	assert.Equal(t, device.StateError, state.State)
	assert.True(t, reg.IsDeviceConnected(deviceA))
}

func TestRegistry_ConnectedDevices(t *testing.T) {
	reg, _, _ := newRegistry(t, deviceB)
	for _, id := range []string{deviceC, deviceA, deviceB} {
		_, err := reg.AddDevice(id)
		require.NoError(t, err)
	}
	waitConnected(t, reg, deviceA, deviceC)

	assert.Equal(t, []string{deviceA, deviceC}, reg.ConnectedDevices())
	assert.True(t, reg.IsDeviceConnected(deviceA))
	assert.False(t, reg.IsDeviceConnected(deviceB))
	assert.False(t, reg.IsDeviceConnected("198.51.100.1"))

	states := reg.States()
	require.Len(t, states, 3)
	assert.Equal(t, device.StateConnected, states[deviceC].State)
}

func TestRegistry_AggregateState(t *testing.T) {
	reg, _, _ := newRegistry(t, deviceB, deviceC)
	assert.Equal(t, device.StateDisconnected, reg.AggregateState(), "no devices")

	for _, id := range []string{deviceB, deviceC} {
		_, err := reg.AddDevice(id)
		require.NoError(t, err)
	}
	waitRetrying(t, reg, deviceB)
	waitRetrying(t, reg, deviceC)
	assert.Equal(t, device.StateConnecting, reg.AggregateState(), "every device mid-retry")

	_, err := reg.AddDevice(deviceA)
	require.NoError(t, err)
	waitConnected(t, reg, deviceA)
	assert.Equal(t, device.StateConnected, reg.AggregateState(), "any device connected")

	reg.DisconnectAll()
	assert.Equal(t, device.StateDisconnected, reg.AggregateState())
	assert.Empty(t, reg.ConnectedDevices())

	reg.ConnectAll()
	waitConnected(t, reg, deviceA)
	assert.Equal(t, device.StateConnected, reg.AggregateState())
}

func TestRegistry_RemoveDevice(t *testing.T) {
	reg, dialer, clock := newRegistry(t, deviceB)
	for _, id := range []string{deviceA, deviceB} {
		_, err := reg.AddDevice(id)
		require.NoError(t, err)
	}
	waitConnected(t, reg, deviceA)
	waitRetrying(t, reg, deviceB)

	assert.True(t, reg.RemoveDevice(deviceA))
	assert.True(t, dialer.Latest(device.URL(deviceA)).IsClosed())
	_, ok := reg.GetConnection(deviceA)
	assert.False(t, ok)

	assert.True(t, reg.RemoveDevice(deviceB))
	dials := dialer.Dials()
	clock.Advance(time.Minute)
	assert.Equal(t, dials, dialer.Dials(), "removed device's reconnect timer was cancelled")

	assert.False(t, reg.RemoveDevice(deviceB))
	assert.Empty(t, reg.Devices())
	assert.Empty(t, reg.Health().SubStatuses)
}

func TestRegistry_RoutesEvents(t *testing.T) {
	reg, dialer, _ := newRegistry(t)

	var mu sync.Mutex
	var connection []device.ConnectionState
	var messages, statuses []string
	reg.Router().Subscribe(deviceA, events.CategoryConnection, func(_ string, p any) {
		mu.Lock()
		defer mu.Unlock()
		connection = append(connection, p.(device.DeviceState).State)
	})
	reg.Router().Subscribe(events.Wildcard, events.CategoryMessage, func(_ string, p any) {
		mu.Lock()
		defer mu.Unlock()
		messages = append(messages, p.(protocol.DeviceMessage).MessageType())
	})
	reg.Router().Subscribe(events.Wildcard, protocol.TypeStatus, func(id string, _ any) {
		mu.Lock()
		defer mu.Unlock()
		statuses = append(statuses, id)
	})

	_, err := reg.AddDevice(deviceA)
	require.NoError(t, err)
	waitConnected(t, reg, deviceA)

	sock := dialer.Latest(device.URL(deviceA))
	sock.DeliverDevice(t, protocol.BinaryCodec{}, &protocol.Status{Stats: &protocol.Stats{EnemyKills: 3}})
	sock.DeliverDevice(t, protocol.BinaryCodec{}, &protocol.ShotFired{AmmoRemaining: 5})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(messages) == 2
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	assert.Equal(t, []device.ConnectionState{device.StateConnecting, device.StateConnected}, connection)
	assert.Equal(t, []string{protocol.TypeStatus, protocol.TypeShotFired}, messages)
	assert.Equal(t, []string{deviceA}, statuses)
	mu.Unlock()

	state, ok := reg.DeviceState(deviceA)
	require.True(t, ok)
	assert.Equal(t, 3, state.Kills)
	assert.Equal(t, 5, state.Ammo)
}

func TestRegistry_RoutesErrors(t *testing.T) {
	reg, _, _ := newRegistry(t, deviceA)

	reported := make(chan error, 4)
	reg.Router().Subscribe(deviceA, events.CategoryError, func(_ string, p any) {
		reported <- p.(error)
	})

	_, err := reg.AddDevice(deviceA)
	require.NoError(t, err)

	select {
	case err := <-reported:
		assert.Contains(t, err.Error(), "no route to host")
		id, ok := errs.DeviceOf(err)
		assert.True(t, ok)
		assert.Equal(t, deviceA, id)
	case <-time.After(time.Second):
		t.Fatal("no error event")
	}
}

func TestRegistry_SendAndRetry(t *testing.T) {
	reg, dialer, _ := newRegistry(t)

	assert.False(t, reg.Send(deviceA, &protocol.KillConfirmed{}))
	err := reg.RetryDevice(deviceA)
	require.Error(t, err)
	assert.ErrorIs(t, err, errs.ErrUnknownDevice)

	_, err = reg.AddDevice(deviceA)
	require.NoError(t, err)
	waitConnected(t, reg, deviceA)
	sock := dialer.Latest(device.URL(deviceA))
	waitWritten(t, sock, 1)

	assert.True(t, reg.Send(deviceA, &protocol.KillConfirmed{}))
	assert.Equal(t, []string{protocol.TypeGetStatus, protocol.TypeKillConfirmed}, sock.SentTypes(t))

	require.NoError(t, reg.RetryDevice(deviceA))
	assert.True(t, sock.IsClosed())
	waitConnected(t, reg, deviceA)
	assert.Len(t, dialer.Sockets(device.URL(deviceA)), 2)
}

func TestRegistry_Health(t *testing.T) {
	reg, _, _ := newRegistry(t, deviceB)
	assert.True(t, reg.Health().IsUnhealthy(), "nothing tracked")

	for _, id := range []string{deviceA, deviceB} {
		_, err := reg.AddDevice(id)
		require.NoError(t, err)
	}
	waitConnected(t, reg, deviceA)
	waitRetrying(t, reg, deviceB)

	// health follows state events, which are delivered asynchronously
	require.Eventually(t, func() bool {
		status := reg.Health()
		return len(status.SubStatuses) == 2 &&
			status.SubStatuses[0].IsHealthy() &&
			status.SubStatuses[1].Metrics != nil &&
			status.SubStatuses[1].Metrics.RetryCount == 1
	}, time.Second, 5*time.Millisecond)

	status := reg.Health()
	assert.Equal(t, registry.HealthComponent, status.Component)
	assert.True(t, status.IsHealthy())
	assert.Equal(t, "some devices connected", status.Message)
	assert.Equal(t, deviceA, status.SubStatuses[0].Component)
	assert.Equal(t, deviceB, status.SubStatuses[1].Component)
	assert.True(t, status.SubStatuses[1].IsUnhealthy())
	assert.Contains(t, status.SubStatuses[1].Message, "no route to host")
	assert.NotContains(t, status.SubStatuses[1].Message, "ws://")
}

func TestRegistry_Dispose(t *testing.T) {
	reg, dialer, _ := newRegistry(t)
	for _, id := range []string{deviceA, deviceB} {
		_, err := reg.AddDevice(id)
		require.NoError(t, err)
	}
	waitConnected(t, reg, deviceA, deviceB)
	reg.Router().Subscribe(events.Wildcard, events.CategoryMessage, func(string, any) {})

	reg.Dispose()
	reg.Dispose()

	assert.True(t, dialer.Latest(device.URL(deviceA)).IsClosed())
	assert.True(t, dialer.Latest(device.URL(deviceB)).IsClosed())
	assert.Empty(t, reg.Devices())
	assert.Equal(t, 0, reg.Router().Count())

	_, err := reg.AddDevice(deviceA)
	require.Error(t, err)
	assert.ErrorIs(t, err, errs.ErrDisposed)
}

func TestRegistry_DisposeLeavesInjectedRouter(t *testing.T) {
	router := events.NewRouter(nil, nil)
	dialer := testutil.NewFakeDialer()
	dialer.Auto = func(url string) (*testutil.FakeSocket, error) { return testutil.NewFakeSocket(url), nil }
	reg := registry.New(device.DefaultOptions(), registry.Dependencies{
		Router: router,
		Dialer: dialer,
		Clock:  testutil.NewFakeClock(),
	})
	require.Same(t, router, reg.Router())

	var calls int
	router.Subscribe(events.Wildcard, events.CategoryError, func(string, any) { calls++ })

	reg.Dispose()
	assert.Equal(t, 1, router.Count(), "the caller's subscriptions survive")
	router.Emit(deviceA, events.CategoryError, errs.ErrConnectionLost)
	assert.Equal(t, 1, calls)
}
