package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/David-ssnd/rayz-web-sub000/device"
	errs "github.com/David-ssnd/rayz-web-sub000/errors"
	"github.com/David-ssnd/rayz-web-sub000/events"
	"github.com/David-ssnd/rayz-web-sub000/metric"
	"github.com/David-ssnd/rayz-web-sub000/protocol"
)

// DefaultRelayConnectTimeout bounds Relay.Connect
const DefaultRelayConnectTimeout = 10 * time.Second

// RelayChannel is one shared session channel on a message relay
type RelayChannel interface {
	// Connect joins the session. It must return when ctx is done.
	Connect(ctx context.Context, handlers RelayHandlers) error
	Close() error
	// Publish sends an envelope to target, or to every device when target is empty
	Publish(target string, data []byte) error
	// Present returns the device ids currently in presence
	Present() []string
}

// RelayHandlers receive channel callbacks. They may be called from any
// goroutine but never concurrently with each other for the same kind.
type RelayHandlers struct {
	Envelope func(data []byte)
	Presence func(present []string)
	// Status reports connectivity changes; an error wrapping
	// errors.ErrRelayFailed means the channel gave up for good
	Status func(connected bool, err error)
}

// RelayError is returned when the relay cannot be reached. Err wraps
// errors.ErrRelayTimeout or errors.ErrRelayFailed.
type RelayError struct {
	Op  string
	Err error
}

func (e *RelayError) Error() string {
	return fmt.Sprintf("relay %s: %v", e.Op, e.Err)
}

func (e *RelayError) Unwrap() error {
	return e.Err
}

// RelayOptions tunes a Relay
type RelayOptions struct {
	ConnectTimeout time.Duration
	Now            func() time.Time
}

// Relay reaches devices through one shared channel. Device presence on the
// channel stands in for socket state: a device is connected while present.
type Relay struct {
	channel        RelayChannel
	router         *events.Router
	logger         *slog.Logger
	metrics        *metric.Metrics
	connectTimeout time.Duration
	now            func() time.Time

	mu        sync.RWMutex
	connected bool
	failed    chan error
	states    map[string]device.DeviceState

	// presenceMu orders presence updates. epoch changes on every Connect and
	// Disconnect so updates from an earlier join are ignored; presenceSeq
	// counts updates delivered by the channel.
	presenceMu  sync.Mutex
	epoch       uint64
	presenceSeq uint64
}

var _ Transport = (*Relay)(nil)

// NewRelay creates a relay transport over deps.Channel
func NewRelay(opts RelayOptions, deps Dependencies) (*Relay, error) {
	if deps.Channel == nil {
		return nil, errs.WrapFatal(fmt.Errorf("%w: relay channel", errs.ErrMissingConfig), "Relay", "NewRelay", "check dependencies")
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = DefaultRelayConnectTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Relay{
		channel:        deps.Channel,
		router:         deps.router(),
		logger:         deps.logger().With("component", "relay"),
		metrics:        deps.Metrics,
		connectTimeout: opts.ConnectTimeout,
		now:            opts.Now,
		states:         make(map[string]device.DeviceState),
	}, nil
}

// Mode implements Transport
func (r *Relay) Mode() Mode { return ModeRelay }

// Connect joins the relay session. It fails with a *RelayError when the
// channel does not connect within the connect timeout or reports a terminal
// failure while connecting.
func (r *Relay) Connect(ctx context.Context) error {
	r.mu.Lock()
	if r.connected {
		r.mu.Unlock()
		return nil
	}
	failed := make(chan error, 1)
	r.failed = failed
	r.mu.Unlock()
	epoch := r.nextEpoch()

	defer func() {
		r.mu.Lock()
		r.failed = nil
		r.mu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(ctx, r.connectTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- r.channel.Connect(ctx, r.handlers(epoch)) }()

	var err error
	select {
	case err = <-done:
	case err = <-failed:
	case <-ctx.Done():
		err = ctx.Err()
	}

	if err != nil {
		_ = r.channel.Close()
		relayErr := &RelayError{Op: "connect", Err: fmt.Errorf("%w: %v", errs.ErrRelayFailed, err)}
		if errors.Is(err, context.DeadlineExceeded) {
			relayErr.Err = fmt.Errorf("%w after %s", errs.ErrRelayTimeout, r.connectTimeout)
		}
		r.metrics.RecordRelayStatus(false)
		r.logger.Error("Relay connect failed", "error", relayErr)
		return relayErr
	}

	r.mu.Lock()
	r.connected = true
	r.mu.Unlock()
	r.metrics.RecordRelayStatus(true)
	r.logger.Info("Relay connected")

	r.seedPresence(epoch)
	return nil
}

func (r *Relay) handlers(epoch uint64) RelayHandlers {
	return RelayHandlers{
		Envelope: r.onEnvelope,
		Presence: func(present []string) { r.onPresence(epoch, present) },
		Status:   func(connected bool, err error) { r.onStatus(epoch, connected, err) },
	}
}

func (r *Relay) nextEpoch() uint64 {
	r.presenceMu.Lock()
	defer r.presenceMu.Unlock()
	r.epoch++
	return r.epoch
}

// Disconnect leaves the session. Every present device is reported
// disconnected.
func (r *Relay) Disconnect() error {
	r.mu.Lock()
	r.connected = false
	r.mu.Unlock()
	epoch := r.nextEpoch()

	err := r.channel.Close()
	r.metrics.RecordRelayStatus(false)
	r.applyPresence(epoch, nil, false)
	if err != nil {
		return errs.WrapTransient(err, "Relay", "Disconnect", "close channel")
	}
	return nil
}

// Close disconnects and drops every subscription
func (r *Relay) Close() {
	if err := r.Disconnect(); err != nil {
		r.logger.Warn("Relay close failed", "error", err)
	}
	r.router.Clear()
}

// Send publishes msg to one present device
func (r *Relay) Send(deviceID string, msg protocol.ClientMessage) bool {
	if !r.IsDeviceConnected(deviceID) {
		return false
	}
	return r.publish(deviceID, msg)
}

// Broadcast publishes msg once to every device and returns the number of
// devices present when it was sent
func (r *Relay) Broadcast(msg protocol.ClientMessage) int {
	present := r.ConnectedDevices()
	if len(present) == 0 {
		return 0
	}
	if !r.publish("", msg) {
		return 0
	}
	return len(present)
}

func (r *Relay) publish(target string, msg protocol.ClientMessage) bool {
	r.mu.RLock()
	connected := r.connected
	r.mu.RUnlock()
	if !connected || msg == nil {
		return false
	}

	data, err := protocol.SealClient(target, msg, r.now())
	if err != nil {
		r.logger.Warn("Dropping unencodable message", "target", target, "error", err)
		r.emitError(target, err)
		return false
	}

	if err := r.channel.Publish(target, data); err != nil {
		r.metrics.RecordSendFailure(target)
		wrapped := errs.WrapTransient(fmt.Errorf("%w: %v", errs.ErrSendFailed, err), "Relay", "Send", "publish "+msg.MessageType())
		r.logger.Warn("Relay publish failed", "target", target, "type", msg.MessageType(), "error", err)
		r.emitError(target, wrapped)
		return false
	}

	r.metrics.RecordMessageSent("relay", msg.MessageType(), protocol.FrameText.String())
	return true
}

// emitError reports err for deviceID, or relay-wide when deviceID is empty
func (r *Relay) emitError(deviceID string, err error) {
	if deviceID == "" {
		r.router.Emit(events.Wildcard, events.CategoryError, err)
		return
	}
	r.router.Emit(deviceID, events.CategoryError, errs.ForDevice(deviceID, err))
}

func (r *Relay) onEnvelope(data []byte) {
	env, err := protocol.ParseEnvelope(data)
	if err != nil {
		r.metrics.RecordDecodeError("relay")
		r.metrics.RecordRelayDropped("malformed")
		r.logger.Debug("Dropping malformed envelope", "size", len(data), "error", err)
		return
	}
	if env.Source == "" {
		// client traffic sharing the channel
		r.metrics.RecordRelayDropped("no_source")
		return
	}

	msg, err := protocol.OpenEnvelope(env, r.expectedSource(env.Source))
	if err != nil {
		if errors.Is(err, errs.ErrSourceMismatch) {
			r.metrics.RecordRelayDropped("unknown_source")
			r.logger.Debug("Dropping envelope from absent device", "source", env.Source)
			return
		}
		r.metrics.RecordDecodeError("relay")
		r.metrics.RecordRelayDropped("decode")
		r.emitError(env.Source, err)
		return
	}

	r.mu.Lock()
	state, ok := r.states[env.Source]
	if ok {
		state.Apply(msg, r.now())
		r.states[env.Source] = state
	}
	r.mu.Unlock()

	r.metrics.RecordMessageReceived("relay", msg.MessageType())
	r.router.Emit(env.Source, msg.MessageType(), msg)
}

// expectedSource returns source if that device is present, else ""
func (r *Relay) expectedSource(source string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if state, ok := r.states[source]; ok && state.State == device.StateConnected {
		return source
	}
	return ""
}

// onPresence applies an update the channel joined at epoch delivered
func (r *Relay) onPresence(epoch uint64, present []string) {
	r.applyPresence(epoch, present, true)
}

// seedPresence applies the channel's presence snapshot after a join, unless
// the channel delivered an update while the snapshot was being read.
func (r *Relay) seedPresence(epoch uint64) {
	r.presenceMu.Lock()
	seq := r.presenceSeq
	r.presenceMu.Unlock()

	present := r.channel.Present()

	r.presenceMu.Lock()
	if r.presenceSeq != seq {
		r.presenceMu.Unlock()
		r.logger.Debug("Skipping stale presence snapshot")
		return
	}
	changed, count, ok := r.presenceChangesLocked(epoch, present)
	r.presenceMu.Unlock()
	if ok {
		r.publishPresence(changed, count)
	}
}

func (r *Relay) applyPresence(epoch uint64, present []string, fromChannel bool) {
	r.presenceMu.Lock()
	changed, count, ok := r.presenceChangesLocked(epoch, present)
	if ok && fromChannel {
		r.presenceSeq++
	}
	r.presenceMu.Unlock()
	if ok {
		r.publishPresence(changed, count)
	}
}

// presenceChangesLocked updates device states to match present and returns
// the states that changed. It does nothing for a stale epoch. Requires
// presenceMu.
func (r *Relay) presenceChangesLocked(epoch uint64, present []string) ([]device.DeviceState, int, bool) {
	if epoch != r.epoch {
		return nil, 0, false
	}
	now := r.now()
	seen := make(map[string]bool, len(present))
	var changed []device.DeviceState

	r.mu.Lock()
	for _, id := range present {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		state, ok := r.states[id]
		if !ok {
			state = device.DeviceState{ID: id}
		}
		if state.State != device.StateConnected {
			state.State = device.StateConnected
			state.LastConnected = now
			state.LastError = ""
			r.states[id] = state
			changed = append(changed, state)
		}
	}
	for id, state := range r.states {
		if seen[id] || state.State == device.StateDisconnected {
			continue
		}
		state.State = device.StateDisconnected
		r.states[id] = state
		changed = append(changed, state)
	}
	r.mu.Unlock()

	sort.Slice(changed, func(i, j int) bool { return changed[i].ID < changed[j].ID })
	return changed, len(seen), true
}

// publishPresence records and emits changed states. Handlers run without
// locks held and may call back into the relay.
func (r *Relay) publishPresence(changed []device.DeviceState, count int) {
	r.metrics.RecordPresence(count)
	for _, state := range changed {
		value := metric.StateValueDisconnected
		if state.State == device.StateConnected {
			value = metric.StateValueConnected
		}
		r.metrics.RecordDeviceState(state.ID, value)
		r.logger.Info("Device presence changed", "device_id", state.ID, "state", state.State)
		r.router.Emit(state.ID, events.CategoryConnection, state)
	}
}

func (r *Relay) onStatus(epoch uint64, connected bool, err error) {
	r.mu.Lock()
	failed := r.failed
	wasConnected := r.connected
	if r.failed == nil {
		r.connected = connected
	}
	r.mu.Unlock()

	r.metrics.RecordRelayStatus(connected)
	if connected {
		if !wasConnected && failed == nil {
			r.logger.Info("Relay reconnected")
		}
		return
	}

	if failed != nil && err != nil && errors.Is(err, errs.ErrRelayFailed) {
		select {
		case failed <- err:
		default:
		}
		return
	}

	if err != nil {
		r.logger.Warn("Relay connection lost", "error", err)
		r.emitError("", err)
	}
	if errors.Is(err, errs.ErrRelayFailed) {
		r.applyPresence(epoch, nil, true)
	}
}

// ConnectedDevices returns the present device ids, sorted
func (r *Relay) ConnectedDevices() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var ids []string
	for id, state := range r.states {
		if state.State == device.StateConnected {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// IsDeviceConnected reports whether id is present
func (r *Relay) IsDeviceConnected(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	state, ok := r.states[id]
	return ok && state.State == device.StateConnected
}

// DeviceState returns the last known snapshot of id
func (r *Relay) DeviceState(id string) (device.DeviceState, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	state, ok := r.states[id]
	return state, ok
}

// OnMessage implements Transport
func (r *Relay) OnMessage(deviceID string, h MessageHandler) func() {
	return subscribeMessages(r.router, deviceID, h)
}

// OnStateChange implements Transport
func (r *Relay) OnStateChange(h StateHandler) func() {
	return subscribeStates(r.router, h)
}

// OnError implements Transport
func (r *Relay) OnError(h ErrorHandler) func() {
	return subscribeErrors(r.router, h)
}
