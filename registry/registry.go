package registry

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/David-ssnd/rayz-web-sub000/device"
	errs "github.com/David-ssnd/rayz-web-sub000/errors"
	"github.com/David-ssnd/rayz-web-sub000/events"
	"github.com/David-ssnd/rayz-web-sub000/health"
	"github.com/David-ssnd/rayz-web-sub000/metric"
	"github.com/David-ssnd/rayz-web-sub000/protocol"
)

// HealthComponent is the component name of the aggregated device health
const HealthComponent = "devices"

// Dependencies holds the collaborators shared by every managed connection.
// Zero values fall back to real implementations.
type Dependencies struct {
	Router  *events.Router
	Logger  *slog.Logger
	Metrics *metric.Metrics
	Dialer  device.Dialer
	Clock   device.Clock
}

// Registry owns one device.Connection per device id and fans their events
// into an events.Router: inbound messages under their message type, state
// snapshots under "connection" and errors under "error".
type Registry struct {
	opts    device.Options
	deps    Dependencies
	router  *events.Router
	logger  *slog.Logger
	monitor *health.Monitor

	// ownsRouter is set when the registry created router itself
	ownsRouter bool

	mu       sync.RWMutex
	conns    map[string]*device.Connection
	disposed bool
}

// New creates an empty registry. Every device added later uses opts.
func New(opts device.Options, deps Dependencies) *Registry {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	router := deps.Router
	if router == nil {
		router = events.NewRouter(logger, deps.Metrics)
	}
	return &Registry{
		opts:       opts,
		deps:       deps,
		router:     router,
		logger:     logger.With("component", "registry"),
		monitor:    health.NewMonitor(),
		ownsRouter: deps.Router == nil,
		conns:      make(map[string]*device.Connection),
	}
}

// Router returns the router events are emitted on
func (r *Registry) Router() *events.Router {
	return r.router
}

// AddDevice starts tracking id and connects it. Adding an id that is already
// tracked returns the existing connection untouched.
func (r *Registry) AddDevice(id string) (*device.Connection, error) {
	if id == "" || id == events.Wildcard {
		return nil, errs.WrapInvalid(fmt.Errorf("%w: device id %q", errs.ErrInvalidData, id),
			"Registry", "AddDevice", "validate device id")
	}

	r.mu.Lock()
	if r.disposed {
		r.mu.Unlock()
		return nil, errs.WrapFatal(errs.ErrDisposed, "Registry", "AddDevice", "add "+id)
	}
	if conn, ok := r.conns[id]; ok {
		r.mu.Unlock()
		return conn, nil
	}

	// events only flow after Connect, by which time conn is assigned
	var conn *device.Connection
	live := func() bool { return r.tracked(id, conn) }
	conn = device.NewConnection(id, r.opts,
		device.WithLogger(r.deps.Logger),
		device.WithMetrics(r.deps.Metrics),
		device.WithDialer(r.deps.Dialer),
		device.WithClock(r.deps.Clock),
		device.WithListener(r.listener(live)),
	)
	r.conns[id] = conn
	r.mu.Unlock()

	r.monitor.Observe(id, deviceHealth(conn.Snapshot()))
	r.logger.Info("Device added", "device_id", id, "url", conn.URL())

	conn.Connect()
	return conn, nil
}

// RemoveDevice disconnects id and stops tracking it
func (r *Registry) RemoveDevice(id string) bool {
	r.mu.Lock()
	conn, ok := r.conns[id]
	if ok {
		delete(r.conns, id)
	}
	r.mu.Unlock()
	if !ok {
		return false
	}

	conn.Close()
	r.monitor.Forget(id)
	r.deps.Metrics.ForgetDevice(id)
	r.logger.Info("Device removed", "device_id", id)
	return true
}

// GetConnection returns the connection for id
func (r *Registry) GetConnection(id string) (*device.Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.conns[id]
	return conn, ok
}

// Devices returns every tracked id, sorted
func (r *Registry) Devices() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.conns))
	for id := range r.conns {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// snapshot returns the tracked connections in id order
func (r *Registry) snapshot() []*device.Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conns := make([]*device.Connection, 0, len(r.conns))
	for _, conn := range r.conns {
		conns = append(conns, conn)
	}
	sort.Slice(conns, func(i, j int) bool { return conns[i].ID() < conns[j].ID() })
	return conns
}

// ConnectAll connects every tracked device
func (r *Registry) ConnectAll() {
	for _, conn := range r.snapshot() {
		conn.Connect()
	}
}

// DisconnectAll disconnects every tracked device and disables their
// automatic reconnection
func (r *Registry) DisconnectAll() {
	for _, conn := range r.snapshot() {
		conn.Disconnect()
	}
}

// Broadcast sends msg to every connected device and returns how many sends
// succeeded. Devices added while the broadcast runs are not included.
func (r *Registry) Broadcast(msg protocol.ClientMessage) int {
	sent := 0
	for _, conn := range r.snapshot() {
		if !conn.IsConnected() {
			continue
		}
		if conn.Send(msg) {
			sent++
		}
	}
	r.logger.Debug("Broadcast", "type", msg.MessageType(), "sent", sent)
	return sent
}

// BroadcastCommand sends a game command to every connected device
func (r *Registry) BroadcastCommand(cmd protocol.Command) int {
	return r.Broadcast(&protocol.GameCommand{Command: cmd})
}

// BroadcastConfig sends a partial configuration to every connected device
func (r *Registry) BroadcastConfig(cfg *protocol.ConfigUpdate) int {
	if cfg == nil {
		return 0
	}
	return r.Broadcast(cfg)
}

// Send sends msg to one device
func (r *Registry) Send(id string, msg protocol.ClientMessage) bool {
	conn, ok := r.GetConnection(id)
	if !ok {
		return false
	}
	return conn.Send(msg)
}

// ConnectedDevices returns the ids of connected devices, sorted
func (r *Registry) ConnectedDevices() []string {
	var ids []string
	for _, conn := range r.snapshot() {
		if conn.IsConnected() {
			ids = append(ids, conn.ID())
		}
	}
	return ids
}

// IsDeviceConnected reports whether id is tracked and connected
func (r *Registry) IsDeviceConnected(id string) bool {
	conn, ok := r.GetConnection(id)
	return ok && conn.IsConnected()
}

// DeviceState returns the snapshot of id
func (r *Registry) DeviceState(id string) (device.DeviceState, bool) {
	conn, ok := r.GetConnection(id)
	if !ok {
		return device.DeviceState{}, false
	}
	return conn.Snapshot(), true
}

// States returns the snapshot of every tracked device keyed by id
func (r *Registry) States() map[string]device.DeviceState {
	conns := r.snapshot()
	states := make(map[string]device.DeviceState, len(conns))
	for _, conn := range conns {
		states[conn.ID()] = conn.Snapshot()
	}
	return states
}

// AggregateState derives a single state for the whole registry: connected
// if any device is connected, connecting if none is but every device is
// mid-attempt or waiting to retry, disconnected otherwise.
func (r *Registry) AggregateState() device.ConnectionState {
	conns := r.snapshot()
	if len(conns) == 0 {
		return device.StateDisconnected
	}

	retrying := 0
	for _, conn := range conns {
		s := conn.Snapshot()
		switch {
		case s.State == device.StateConnected:
			return device.StateConnected
		case s.State == device.StateConnecting || s.ReconnectPending:
			retrying++
		}
	}
	if retrying == len(conns) {
		return device.StateConnecting
	}
	return device.StateDisconnected
}

// RetryDevice resets the retry budget of id and reconnects it immediately
func (r *Registry) RetryDevice(id string) error {
	conn, ok := r.GetConnection(id)
	if !ok {
		return errs.WrapInvalid(fmt.Errorf("%w: %s", errs.ErrUnknownDevice, id), "Registry", "RetryDevice", "look up device")
	}
	conn.RetryDevice()
	return nil
}

// Health aggregates one status per tracked device
func (r *Registry) Health() health.Status {
	return r.monitor.Rollup(HealthComponent)
}

// Dispose closes every connection and refuses further additions. The router
// is cleared only when the registry created it; an injected router belongs to
// the caller.
func (r *Registry) Dispose() {
	r.mu.Lock()
	if r.disposed {
		r.mu.Unlock()
		return
	}
	r.disposed = true
	conns := r.conns
	r.conns = make(map[string]*device.Connection)
	r.mu.Unlock()

	for id, conn := range conns {
		conn.Close()
		r.deps.Metrics.ForgetDevice(id)
	}
	r.monitor.Reset()
	if r.ownsRouter {
		r.router.Clear()
	}
	r.logger.Info("Registry disposed", "devices", len(conns))
}

func (r *Registry) tracked(id string, conn *device.Connection) bool {
	current, ok := r.GetConnection(id)
	return ok && current == conn
}

// listener fans connection events into the router. Health is only recorded
// while live reports the connection is still tracked.
func (r *Registry) listener(live func() bool) device.Listener {
	return device.ListenerFuncs{
		StateChange: func(state device.DeviceState) {
			if live() {
				r.monitor.Observe(state.ID, deviceHealth(state))
			}
			r.router.Emit(state.ID, events.CategoryConnection, state)
		},
		Message: func(id string, msg protocol.DeviceMessage) {
			r.router.Emit(id, msg.MessageType(), msg)
		},
		Error: func(id string, err error) {
			r.router.Emit(id, events.CategoryError, err)
		},
	}
}

func deviceHealth(s device.DeviceState) health.Status {
	return health.FromConnection(s.ID, string(s.State), s.LastError, &health.Metrics{
		RetryCount:    s.RetryCount,
		LastConnected: s.LastConnected,
	})
}
