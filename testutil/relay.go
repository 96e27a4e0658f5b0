package testutil

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/David-ssnd/rayz-web-sub000/protocol"
	"github.com/David-ssnd/rayz-web-sub000/transport"
)

// Published is one envelope handed to MockRelay.Publish
type Published struct {
	Target string
	Data   []byte
}

// Envelope parses the published data
func (p Published) Envelope(t testing.TB) protocol.Envelope {
	t.Helper()
	env, err := protocol.ParseEnvelope(p.Data)
	require.NoError(t, err)
	return env
}

// MockRelay is an in-memory transport.RelayChannel. Tests drive presence,
// inbound envelopes and status changes; publishes are recorded.
type MockRelay struct {
	mu         sync.Mutex
	handlers   transport.RelayHandlers
	connected  bool
	present    []string
	published  []Published
	closeCalls int

	// ConnectErr is returned by Connect when set
	ConnectErr error
	// ConnectFailure is reported through the Status handler during Connect,
	// which then blocks until its context is done
	ConnectFailure error
	// Hang makes Connect block until its context is done
	Hang bool
	// PublishErr is returned by Publish when set
	PublishErr error
	// AfterSnapshot, when set, runs once inside Present after the snapshot
	// is taken and before it is returned
	AfterSnapshot func()
}

var _ transport.RelayChannel = (*MockRelay)(nil)

// NewMockRelay creates a relay channel with the given devices already present
func NewMockRelay(present ...string) *MockRelay {
	return &MockRelay{present: append([]string(nil), present...)}
}

// Connect implements transport.RelayChannel
func (m *MockRelay) Connect(ctx context.Context, handlers transport.RelayHandlers) error {
	m.mu.Lock()
	m.handlers = handlers
	connectErr, failure, hang := m.ConnectErr, m.ConnectFailure, m.Hang
	m.mu.Unlock()

	switch {
	case connectErr != nil:
		return connectErr
	case failure != nil:
		if handlers.Status != nil {
			handlers.Status(false, failure)
		}
		<-ctx.Done()
		return ctx.Err()
	case hang:
		<-ctx.Done()
		return ctx.Err()
	}

	m.mu.Lock()
	m.connected = true
	m.mu.Unlock()
	return nil
}

// Close implements transport.RelayChannel
func (m *MockRelay) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = false
	m.closeCalls++
	return nil
}

// Publish implements transport.RelayChannel
func (m *MockRelay) Publish(target string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return errors.New("relay channel closed")
	}
	if m.PublishErr != nil {
		return m.PublishErr
	}
	m.published = append(m.published, Published{Target: target, Data: append([]byte(nil), data...)})
	return nil
}

// Present implements transport.RelayChannel
func (m *MockRelay) Present() []string {
	m.mu.Lock()
	snapshot := append([]string(nil), m.present...)
	hook := m.AfterSnapshot
	m.AfterSnapshot = nil
	m.mu.Unlock()
	if hook != nil {
		hook()
	}
	return snapshot
}

// Connected reports whether Connect succeeded and Close has not been called
func (m *MockRelay) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

// CloseCalls returns how many times Close was called
func (m *MockRelay) CloseCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closeCalls
}

// Published returns a copy of every recorded publish
func (m *MockRelay) Published() []Published {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Published(nil), m.published...)
}

// SetPresent replaces the present devices and notifies the Presence handler
func (m *MockRelay) SetPresent(ids ...string) {
	m.mu.Lock()
	m.present = append([]string(nil), ids...)
	h := m.handlers.Presence
	m.mu.Unlock()
	if h != nil {
		h(append([]string(nil), ids...))
	}
}

// Deliver hands raw envelope data to the Envelope handler
func (m *MockRelay) Deliver(data []byte) {
	m.mu.Lock()
	h := m.handlers.Envelope
	m.mu.Unlock()
	if h != nil {
		h(data)
	}
}

// DeliverFrom seals msg as sent by source and delivers it
func (m *MockRelay) DeliverFrom(t testing.TB, source string, msg protocol.DeviceMessage) {
	t.Helper()
	data, err := protocol.SealDevice(source, msg, time.Now())
	require.NoError(t, err)
	m.Deliver(data)
}

// Status reports a connectivity change through the Status handler
func (m *MockRelay) Status(connected bool, err error) {
	m.mu.Lock()
	h := m.handlers.Status
	m.mu.Unlock()
	if h != nil {
		h(connected, err)
	}
}
