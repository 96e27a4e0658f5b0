package transport

import (
	"context"
	"log/slog"

	"github.com/David-ssnd/rayz-web-sub000/device"
	"github.com/David-ssnd/rayz-web-sub000/events"
	"github.com/David-ssnd/rayz-web-sub000/metric"
	"github.com/David-ssnd/rayz-web-sub000/protocol"
)

// Mode names a transport backend
type Mode string

// Available modes
const (
	ModeDirect Mode = "direct"
	ModeRelay  Mode = "relay"
)

// MessageHandler receives decoded device messages
type MessageHandler func(deviceID string, msg protocol.DeviceMessage)

// StateHandler receives device state snapshots
type StateHandler func(state device.DeviceState)

// ErrorHandler receives errors attributed to a device
type ErrorHandler func(deviceID string, err error)

// Transport is the uniform way to reach devices, whichever backend is
// active. Subscription methods return a function that removes the handler.
type Transport interface {
	Mode() Mode

	// Connect prepares the transport. For direct sockets it does nothing:
	// devices connect individually as they are added.
	Connect(ctx context.Context) error
	Disconnect() error

	Send(deviceID string, msg protocol.ClientMessage) bool
	Broadcast(msg protocol.ClientMessage) int

	// OnMessage subscribes to messages from deviceID, or from every device
	// with events.Wildcard
	OnMessage(deviceID string, h MessageHandler) func()
	OnStateChange(h StateHandler) func()
	OnError(h ErrorHandler) func()

	ConnectedDevices() []string
	IsDeviceConnected(id string) bool
	DeviceState(id string) (device.DeviceState, bool)
}

// Dependencies are the collaborators shared by both backends. Nil fields fall
// back to defaults; Channel is required in relay mode.
type Dependencies struct {
	Logger  *slog.Logger
	Metrics *metric.Metrics
	Router  *events.Router
	Channel RelayChannel

	// Direct mode only
	Dialer device.Dialer
	Clock  device.Clock
}

func (d Dependencies) logger() *slog.Logger {
	if d.Logger == nil {
		return slog.Default()
	}
	return d.Logger
}

func (d Dependencies) router() *events.Router {
	if d.Router == nil {
		return events.NewRouter(d.logger(), d.Metrics)
	}
	return d.Router
}

// subscribeMessages adapts a MessageHandler onto the router's message category
func subscribeMessages(router *events.Router, deviceID string, h MessageHandler) func() {
	if h == nil {
		return func() {}
	}
	return router.Subscribe(deviceID, events.CategoryMessage, func(id string, payload any) {
		if msg, ok := payload.(protocol.DeviceMessage); ok {
			h(id, msg)
		}
	})
}

func subscribeStates(router *events.Router, h StateHandler) func() {
	if h == nil {
		return func() {}
	}
	return router.Subscribe(events.Wildcard, events.CategoryConnection, func(_ string, payload any) {
		if state, ok := payload.(device.DeviceState); ok {
			h(state)
		}
	})
}

func subscribeErrors(router *events.Router, h ErrorHandler) func() {
	if h == nil {
		return func() {}
	}
	return router.Subscribe(events.Wildcard, events.CategoryError, func(id string, payload any) {
		if err, ok := payload.(error); ok {
			h(id, err)
		}
	})
}
