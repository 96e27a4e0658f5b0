// Package events routes per-device events to subscribers.
//
// Subscriptions are keyed by device id (or Wildcard) and category. Emitting
// an event for a device delivers it, in order, to
//
//	(device, category), (*, category)
//
// and, when category is not a lifecycle category, additionally to
//
//	(device, "message"), (*, "message")
//
// so a single "message" subscription observes every inbound device message
// regardless of its type. Lifecycle categories ("connection" and "error") are
// never mirrored onto "message".
package events

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/David-ssnd/rayz-web-sub000/metric"
)

// Wildcard subscribes to every device
const Wildcard = "*"

// Well-known categories. Inbound device messages use their message type as
// category ("status", "shot_fired", ...).
const (
	CategoryConnection = "connection"
	CategoryError      = "error"
	CategoryMessage    = "message"
)

// Handler receives an event. payload is a device.DeviceState for
// "connection", an error for "error" and a protocol.DeviceMessage otherwise.
type Handler func(deviceID string, payload any)

// IsLifecycle reports whether category is a lifecycle category
func IsLifecycle(category string) bool {
	return category == CategoryConnection || category == CategoryError
}

type key struct {
	device   string
	category string
}

type subscription struct {
	id      uint64
	handler Handler
}

// Router is a concurrency-safe subscription table. Handlers run on the
// emitting goroutine, outside the router lock.
type Router struct {
	logger  *slog.Logger
	metrics *metric.Metrics

	mu     sync.RWMutex
	subs   map[key][]subscription
	nextID uint64
}

// NewRouter creates an empty router. A nil logger uses slog.Default();
// metrics may be nil.
func NewRouter(logger *slog.Logger, metrics *metric.Metrics) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		logger:  logger.With("component", "router"),
		metrics: metrics,
		subs:    make(map[key][]subscription),
	}
}

// Subscribe registers handler for events of category from deviceID, or from
// every device when deviceID is Wildcard. The returned function removes the
// subscription; calling it more than once is a no-op.
func (r *Router) Subscribe(deviceID, category string, handler Handler) func() {
	if handler == nil {
		return func() {}
	}

	r.mu.Lock()
	r.nextID++
	id := r.nextID
	k := key{device: deviceID, category: category}
	r.subs[k] = append(r.subs[k], subscription{id: id, handler: handler})
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { r.remove(k, id) })
	}
}

func (r *Router) remove(k key, id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	list := r.subs[k]
	for i, s := range list {
		if s.id != id {
			continue
		}
		// copy so snapshots taken by in-flight emissions stay intact
		next := make([]subscription, 0, len(list)-1)
		next = append(next, list[:i]...)
		next = append(next, list[i+1:]...)
		if len(next) == 0 {
			delete(r.subs, k)
		} else {
			r.subs[k] = next
		}
		return
	}
}

// Emit delivers payload to every matching subscription. Changes made by
// handlers to the subscription table apply to later emissions only.
func (r *Router) Emit(deviceID, category string, payload any) {
	categories := []string{category}
	if !IsLifecycle(category) && category != CategoryMessage {
		categories = append(categories, CategoryMessage)
	}

	r.mu.RLock()
	var targets []subscription
	for _, cat := range categories {
		if deviceID != Wildcard {
			targets = append(targets, r.subs[key{device: deviceID, category: cat}]...)
		}
		targets = append(targets, r.subs[key{device: Wildcard, category: cat}]...)
	}
	r.mu.RUnlock()

	for _, s := range targets {
		r.invoke(s.handler, deviceID, category, payload)
	}
}

func (r *Router) invoke(h Handler, deviceID, category string, payload any) {
	defer func() {
		if rec := recover(); rec != nil {
			r.metrics.RecordHandlerPanic(category)
			r.logger.Error("Event handler panicked",
				"device_id", deviceID,
				"category", category,
				"panic", fmt.Sprint(rec))
		}
	}()
	h(deviceID, payload)
}

// Count returns the number of active subscriptions
func (r *Router) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, list := range r.subs {
		n += len(list)
	}
	return n
}

// Clear removes every subscription
func (r *Router) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subs = make(map[key][]subscription)
}
