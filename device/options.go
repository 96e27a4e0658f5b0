package device

import (
	"log/slog"
	"time"

	"github.com/David-ssnd/rayz-web-sub000/metric"
	"github.com/David-ssnd/rayz-web-sub000/pkg/retry"
	"github.com/David-ssnd/rayz-web-sub000/protocol"
)

// Options holds per-device connection behaviour
type Options struct {
	AutoReconnect     bool
	Backoff           retry.Backoff
	ConnectTimeout    time.Duration
	HeartbeatInterval time.Duration // <= 0 disables heartbeats
	BinaryProtocol    bool

	// SecureContext is set when the host is served over a secure origin.
	// Plaintext device sockets are refused there unless a relay is configured.
	SecureContext   bool
	RelayConfigured bool
}

// DefaultOptions returns the documented defaults
func DefaultOptions() Options {
	return Options{
		AutoReconnect:     true,
		Backoff:           retry.DefaultBackoff(),
		ConnectTimeout:    5 * time.Second,
		HeartbeatInterval: 30 * time.Second,
		BinaryProtocol:    true,
	}
}

// Option configures a Connection's collaborators
type Option func(*Connection)

// WithDialer sets the socket dialer
func WithDialer(d Dialer) Option {
	return func(c *Connection) {
		if d != nil {
			c.dialer = d
		}
	}
}

// WithClock sets the clock used for all timers
func WithClock(clock Clock) Option {
	return func(c *Connection) {
		if clock != nil {
			c.clock = clock
		}
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(c *Connection) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithMetrics sets the metrics sink
func WithMetrics(m *metric.Metrics) Option {
	return func(c *Connection) {
		c.metrics = m
	}
}

// WithListener sets the receiver of state, message and error events
func WithListener(l Listener) Option {
	return func(c *Connection) {
		if l != nil {
			c.listener = l
		}
	}
}

// WithCodec overrides the codec chosen from Options.BinaryProtocol
func WithCodec(codec protocol.Codec) Option {
	return func(c *Connection) {
		if codec != nil {
			c.codec = codec
		}
	}
}

// Listener receives events from a Connection. Calls for one connection are
// never concurrent and arrive in the order the events happened.
type Listener interface {
	OnStateChange(state DeviceState)
	OnMessage(id string, msg protocol.DeviceMessage)
	OnError(id string, err error)
}

// ListenerFuncs adapts plain functions to Listener; nil fields are skipped
type ListenerFuncs struct {
	StateChange func(state DeviceState)
	Message     func(id string, msg protocol.DeviceMessage)
	Error       func(id string, err error)
}

func (l ListenerFuncs) OnStateChange(state DeviceState) {
	if l.StateChange != nil {
		l.StateChange(state)
	}
}

func (l ListenerFuncs) OnMessage(id string, msg protocol.DeviceMessage) {
	if l.Message != nil {
		l.Message(id, msg)
	}
}

func (l ListenerFuncs) OnError(id string, err error) {
	if l.Error != nil {
		l.Error(id, err)
	}
}
