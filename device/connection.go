package device

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/gorilla/websocket"

	errs "github.com/David-ssnd/rayz-web-sub000/errors"
	"github.com/David-ssnd/rayz-web-sub000/metric"
	"github.com/David-ssnd/rayz-web-sub000/protocol"
)

type eventKind int

const (
	eventState eventKind = iota
	eventMessage
	eventError
)

type event struct {
	kind  eventKind
	state DeviceState
	msg   protocol.DeviceMessage
	err   error
}

// Connection owns the socket of one device and drives its lifecycle:
// disconnected -> connecting -> connected|error -> disconnected, with
// exponential backoff between attempts.
//
// At most one socket (or pending dial) exists per Connection. Timer
// callbacks carry the attempt generation they were armed for and are
// ignored once a newer attempt, Disconnect or Close superseded it.
type Connection struct {
	id       string
	url      string
	opts     Options
	codec    protocol.Codec
	dialer   Dialer
	clock    Clock
	logger   *slog.Logger
	metrics  *metric.Metrics
	listener Listener

	writeMu sync.Mutex

	mu               sync.Mutex
	state            DeviceState
	socket           Socket
	dialing          bool
	cancelDial       context.CancelFunc
	gen              uint64
	retries          int
	failures         int
	reconnectEnabled bool
	exhausted        bool
	disposed         bool
	connectTimer     Timer
	heartbeatTimer   Timer
	reconnectTimer   Timer

	pending  []event
	draining bool
}

// NewConnection creates a disconnected Connection for the device id. Nothing
// is dialed until Connect.
func NewConnection(id string, opts Options, options ...Option) *Connection {
	c := &Connection{
		id:               id,
		url:              URL(id),
		opts:             opts,
		codec:            protocol.NewCodec(opts.BinaryProtocol),
		dialer:           WSDialer{},
		clock:            RealClock(),
		logger:           slog.Default(),
		listener:         ListenerFuncs{},
		reconnectEnabled: opts.AutoReconnect,
		state: DeviceState{
			ID:    id,
			State: StateDisconnected,
		},
	}
	for _, opt := range options {
		opt(c)
	}
	c.logger = c.logger.With("component", "device", "device_id", id)
	return c
}

// ID returns the device identifier
func (c *Connection) ID() string { return c.id }

// URL returns the socket URL the connection dials
func (c *Connection) URL() string { return c.url }

// Snapshot returns a copy of the device state
func (c *Connection) Snapshot() DeviceState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// State returns the current connection state
func (c *Connection) State() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.State
}

// IsConnected reports whether the socket is open and the device connected
func (c *Connection) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.socket != nil && c.state.State == StateConnected
}

// Connect starts a connection attempt. It is a no-op while an attempt is in
// flight or a socket is open.
func (c *Connection) Connect() {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return
	}
	c.reconnectEnabled = c.opts.AutoReconnect && !c.exhausted
	c.startLocked()
	c.mu.Unlock()
	c.drain()
}

// Disconnect closes the socket, cancels every timer and disables automatic
// reconnection until the next Connect or RetryDevice.
func (c *Connection) Disconnect() {
	c.mu.Lock()
	c.reconnectEnabled = false
	sock := c.teardownLocked()
	if c.state.State != StateDisconnected {
		c.setStateLocked(StateDisconnected)
	}
	c.mu.Unlock()

	if sock != nil {
		_ = sock.Close()
	}
	c.drain()
}

// RetryDevice resets the retry budget, drops any socket or pending reconnect
// and starts a fresh attempt immediately.
func (c *Connection) RetryDevice() {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return
	}
	sock := c.teardownLocked()
	c.retries = 0
	c.failures = 0
	c.state.RetryCount = 0
	c.exhausted = false
	c.reconnectEnabled = c.opts.AutoReconnect
	if c.state.State != StateDisconnected {
		c.setStateLocked(StateDisconnected)
	}
	c.logger.Info("Manual retry requested")
	c.startLocked()
	c.mu.Unlock()

	if sock != nil {
		_ = sock.Close()
	}
	c.drain()
}

// Close disposes the connection. It cannot be reconnected afterwards.
func (c *Connection) Close() {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return
	}
	c.disposed = true
	c.mu.Unlock()
	c.Disconnect()
}

// Send encodes and writes msg. It returns false when no socket is open, when
// the message cannot be encoded, or when the write fails; a failed write
// moves the device to the error state but leaves the socket open.
func (c *Connection) Send(msg protocol.ClientMessage) bool {
	c.mu.Lock()
	sock := c.socket
	c.mu.Unlock()
	if sock == nil {
		return false
	}

	kind, data, err := c.codec.EncodeClient(msg)
	if err != nil {
		c.logger.Warn("Dropping unencodable message", "error", err)
		c.mu.Lock()
		c.enqueueLocked(event{kind: eventError, err: errs.ForDevice(c.id, err)})
		c.mu.Unlock()
		c.drain()
		return false
	}

	c.writeMu.Lock()
	err = sock.WriteMessage(messageType(kind), data)
	c.writeMu.Unlock()

	if err != nil {
		c.metrics.RecordSendFailure(c.id)
		wrapped := errs.ForDevice(c.id, errs.WrapTransient(
			fmt.Errorf("%w: %v", errs.ErrSendFailed, err), "Connection", "Send", "write "+msg.MessageType()))
		c.logger.Warn("Send failed", "type", msg.MessageType(), "error", err)

		c.mu.Lock()
		if c.socket == sock {
			c.state.LastError = fmt.Sprintf("send %s failed: %v", msg.MessageType(), err)
			c.setStateLocked(StateError)
		}
		c.enqueueLocked(event{kind: eventError, err: wrapped})
		c.mu.Unlock()
		c.drain()
		return false
	}

	c.metrics.RecordMessageSent("direct", msg.MessageType(), kind.String())
	return true
}

// RequestStatus asks the device for a status snapshot
func (c *Connection) RequestStatus() bool {
	return c.Send(&protocol.GetStatus{})
}

// UpdateConfig sends a partial configuration
func (c *Connection) UpdateConfig(cfg *protocol.ConfigUpdate) bool {
	if cfg == nil {
		return false
	}
	return c.Send(cfg)
}

// SendGameCommand sends start, stop or reset
func (c *Connection) SendGameCommand(cmd protocol.Command) bool {
	return c.Send(&protocol.GameCommand{Command: cmd})
}

// ForwardHit tells this device that its shot hit shooterID's target
func (c *Connection) ForwardHit(shooterID int) bool {
	return c.Send(&protocol.HitForward{ShooterID: shooterID})
}

// ConfirmKill credits a kill to this device
func (c *Connection) ConfirmKill() bool {
	return c.Send(&protocol.KillConfirmed{})
}

// PlayRemoteSound plays a stored sound on the device
func (c *Connection) PlayRemoteSound(soundID int) bool {
	return c.Send(&protocol.RemoteSound{SoundID: soundID})
}

// startLocked begins an attempt unless one is in flight or a socket is open
func (c *Connection) startLocked() {
	if c.disposed || c.dialing || c.socket != nil {
		return
	}

	c.stopTimer(&c.reconnectTimer)
	c.state.ReconnectPending = false

	if c.insecureLocked() {
		c.reconnectEnabled = false
		c.state.LastError = fmt.Sprintf(
			"cannot open %s from a secure context: device sockets are plaintext, configure a relay (relay.url) to reach devices",
			c.url)
		c.setStateLocked(StateError)
		c.enqueueLocked(event{kind: eventError, err: errs.ForDevice(c.id,
			errs.WrapFatal(errs.ErrInsecureContext, "Connection", "Connect", "check socket scheme"))})
		c.logger.Error("Refusing insecure device socket", "url", c.url)
		return
	}

	c.gen++
	gen := c.gen
	ctx, cancel := context.WithCancel(context.Background())
	c.cancelDial = cancel
	c.dialing = true

	c.setStateLocked(StateConnecting)
	if c.opts.ConnectTimeout > 0 {
		c.connectTimer = c.clock.AfterFunc(c.opts.ConnectTimeout, func() { c.onConnectTimeout(gen) })
	}
	c.metrics.RecordConnectAttempt(c.id)
	c.logger.Debug("Connecting", "url", c.url, "attempt", c.retries)

	go c.dial(ctx, gen)
}

func (c *Connection) insecureLocked() bool {
	return c.opts.SecureContext && !c.opts.RelayConfigured && strings.HasPrefix(c.url, "ws://")
}

func (c *Connection) dial(ctx context.Context, gen uint64) {
	sock, err := c.dialer.Dial(ctx, c.url)

	c.mu.Lock()
	if gen != c.gen || !c.dialing || c.disposed {
		c.mu.Unlock()
		if sock != nil {
			_ = sock.Close()
		}
		return
	}
	c.dialing = false
	c.cancelDial = nil

	if err != nil {
		c.failLocked(errs.WrapTransient(err, "Connection", "dial", "open "+c.url))
		c.closedLocked(true)
		c.mu.Unlock()
		c.drain()
		return
	}

	c.socket = sock
	c.stopTimer(&c.connectTimer)
	c.retries = 0
	c.failures = 0
	c.state.RetryCount = 0
	c.state.LastError = ""
	c.state.LastConnected = c.clock.Now()
	if c.exhausted {
		// the device is back; normal reconnect policy applies again
		c.exhausted = false
		c.reconnectEnabled = c.opts.AutoReconnect
	}
	c.setStateLocked(StateConnected)
	c.armHeartbeatLocked(gen)
	c.logger.Info("Device connected")
	c.mu.Unlock()

	go c.readLoop(sock, gen)
	c.drain()
	c.RequestStatus()
}

func (c *Connection) readLoop(sock Socket, gen uint64) {
	for {
		mt, data, err := sock.ReadMessage()
		if err != nil {
			c.onSocketClosed(sock, gen, err)
			return
		}
		c.onFrame(gen, mt, data)
	}
}

func (c *Connection) onFrame(gen uint64, mt int, data []byte) {
	kind, ok := frameKind(mt)
	if !ok {
		return
	}

	msg, err := protocol.DecodeDevice(kind, data)
	if err != nil {
		c.metrics.RecordDecodeError("direct")
		c.logger.Warn("Dropping malformed frame", "frame", kind.String(), "size", len(data), "error", err)
		c.mu.Lock()
		c.enqueueLocked(event{kind: eventError, err: errs.ForDevice(c.id, err)})
		c.mu.Unlock()
		c.drain()
		return
	}

	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	c.state.Apply(msg, c.clock.Now())
	c.enqueueLocked(event{kind: eventMessage, msg: msg})
	c.mu.Unlock()

	c.metrics.RecordMessageReceived("direct", msg.MessageType())
	c.drain()
}

func (c *Connection) onSocketClosed(sock Socket, gen uint64, err error) {
	c.mu.Lock()
	if gen != c.gen || c.socket != sock {
		c.mu.Unlock()
		return
	}
	c.socket = nil
	if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		c.failLocked(errs.WrapTransient(fmt.Errorf("%w: %v", errs.ErrConnectionLost, err), "Connection", "readLoop", "read frame"))
	}
	c.closedLocked(false)
	c.mu.Unlock()

	_ = sock.Close()
	c.drain()
}

func (c *Connection) onConnectTimeout(gen uint64) {
	c.mu.Lock()
	if gen != c.gen || !c.dialing {
		c.mu.Unlock()
		return
	}
	c.connectTimer = nil
	c.dialing = false
	if c.cancelDial != nil {
		c.cancelDial()
		c.cancelDial = nil
	}
	c.logger.Warn("Connect timed out", "timeout", c.opts.ConnectTimeout)
	c.failLocked(errs.WrapTransient(errs.ErrConnectionTimeout, "Connection", "Connect",
		fmt.Sprintf("open socket within %s", c.opts.ConnectTimeout)))
	c.closedLocked(true)
	c.mu.Unlock()
	c.drain()
}

func (c *Connection) onReconnect(gen uint64) {
	c.mu.Lock()
	if gen != c.gen || !c.reconnectEnabled || c.disposed {
		c.mu.Unlock()
		return
	}
	c.reconnectTimer = nil
	c.startLocked()
	c.mu.Unlock()
	c.drain()
}

func (c *Connection) armHeartbeatLocked(gen uint64) {
	if c.opts.HeartbeatInterval <= 0 {
		return
	}
	c.heartbeatTimer = c.clock.AfterFunc(c.opts.HeartbeatInterval, func() { c.onHeartbeat(gen) })
}

func (c *Connection) onHeartbeat(gen uint64) {
	c.mu.Lock()
	if gen != c.gen || c.socket == nil {
		c.mu.Unlock()
		return
	}
	c.armHeartbeatLocked(gen)
	c.mu.Unlock()

	c.Send(&protocol.Heartbeat{})
}

// failLocked records a transport error: error state plus LastError
func (c *Connection) failLocked(err error) {
	c.state.LastError = err.Error()
	c.setStateLocked(StateError)
	c.enqueueLocked(event{kind: eventError, err: errs.ForDevice(c.id, err)})
}

// closedLocked handles the end of a socket or attempt: timers are cleared,
// a reconnect is scheduled while the retry budget lasts and the device goes
// to disconnected. failed marks an attempt that never opened; MaxRetries
// consecutive failed attempts make the device offline. The published
// snapshot already carries the new retry count.
func (c *Connection) closedLocked(failed bool) {
	c.stopTimer(&c.connectTimer)
	c.stopTimer(&c.heartbeatTimer)
	if failed {
		c.failures++
	}

	if c.disposed {
		c.setStateLocked(StateDisconnected)
		return
	}
	if c.exhausted {
		// a manual attempt after exhaustion failed; stay offline
		c.state.LastError = offlineMessage(c.failures)
		c.setStateLocked(StateError)
		return
	}
	if !c.reconnectEnabled {
		c.setStateLocked(StateDisconnected)
		return
	}

	if failed && c.opts.Backoff.Exhausted(c.failures) {
		c.reconnectEnabled = false
		c.exhausted = true
		c.setStateLocked(StateDisconnected)

		err := errs.WrapFatal(fmt.Errorf("%w after %d attempts", errs.ErrDeviceOffline, c.failures),
			"Connection", "reconnect", "schedule retry")
		c.state.LastError = offlineMessage(c.failures)
		c.setStateLocked(StateError)
		c.enqueueLocked(event{kind: eventError, err: errs.ForDevice(c.id, err)})
		c.logger.Error("Device offline, automatic reconnect disabled", "attempts", c.failures)
		return
	}

	delay := c.opts.Backoff.Delay(c.retries)
	c.retries++
	c.state.RetryCount = c.retries
	c.state.ReconnectPending = true
	gen := c.gen
	c.reconnectTimer = c.clock.AfterFunc(delay, func() { c.onReconnect(gen) })
	c.metrics.RecordReconnectScheduled(c.id)
	c.logger.Info("Reconnect scheduled", "attempt", c.retries, "delay", delay)
	c.setStateLocked(StateDisconnected)
}

func offlineMessage(attempts int) string {
	return fmt.Sprintf("device offline after %d attempts", attempts)
}

// teardownLocked invalidates the current attempt, stops every timer and
// detaches the socket, which the caller closes after unlocking
func (c *Connection) teardownLocked() Socket {
	c.gen++
	c.stopTimer(&c.connectTimer)
	c.stopTimer(&c.heartbeatTimer)
	c.stopTimer(&c.reconnectTimer)
	c.state.ReconnectPending = false
	if c.cancelDial != nil {
		c.cancelDial()
		c.cancelDial = nil
	}
	c.dialing = false
	sock := c.socket
	c.socket = nil
	return sock
}

func (c *Connection) stopTimer(t *Timer) {
	if *t != nil {
		(*t).Stop()
		*t = nil
	}
}

func (c *Connection) setStateLocked(s ConnectionState) {
	c.state.State = s
	c.metrics.RecordDeviceState(c.id, s.metricValue())
	c.enqueueLocked(event{kind: eventState, state: c.state})
}

func (c *Connection) enqueueLocked(ev event) {
	c.pending = append(c.pending, ev)
}

// drain delivers queued events outside the lock. Only one goroutine drains
// at a time, so listener calls stay ordered and a listener may call back
// into the connection.
func (c *Connection) drain() {
	c.mu.Lock()
	if c.draining {
		c.mu.Unlock()
		return
	}
	c.draining = true
	for len(c.pending) > 0 {
		ev := c.pending[0]
		c.pending = c.pending[1:]
		c.mu.Unlock()
		c.deliver(ev)
		c.mu.Lock()
	}
	c.draining = false
	c.mu.Unlock()
}

func (c *Connection) deliver(ev event) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("Listener panicked", "panic", r)
		}
	}()

	switch ev.kind {
	case eventState:
		c.listener.OnStateChange(ev.state)
	case eventMessage:
		c.listener.OnMessage(c.id, ev.msg)
	case eventError:
		c.listener.OnError(c.id, ev.err)
	}
}
