package transport

import (
	"context"

	"github.com/David-ssnd/rayz-web-sub000/device"
	"github.com/David-ssnd/rayz-web-sub000/protocol"
	"github.com/David-ssnd/rayz-web-sub000/registry"
)

// Direct reaches every device over its own socket through a registry
type Direct struct {
	registry *registry.Registry
}

var _ Transport = (*Direct)(nil)

// NewDirect creates a direct-socket transport. opts apply to every device
// added later.
func NewDirect(opts device.Options, deps Dependencies) *Direct {
	return &Direct{
		registry: registry.New(opts, registry.Dependencies{
			Router:  deps.router(),
			Logger:  deps.logger(),
			Metrics: deps.Metrics,
			Dialer:  deps.Dialer,
			Clock:   deps.Clock,
		}),
	}
}

// Mode implements Transport
func (d *Direct) Mode() Mode { return ModeDirect }

// Registry exposes the underlying registry
func (d *Direct) Registry() *registry.Registry { return d.registry }

// Connect implements Transport. Devices connect as they are added.
func (d *Direct) Connect(_ context.Context) error { return nil }

// Disconnect closes every device socket. Devices stay tracked and can be
// reconnected with ConnectAll on the registry.
func (d *Direct) Disconnect() error {
	d.registry.DisconnectAll()
	return nil
}

// AddDevice starts tracking and connecting id
func (d *Direct) AddDevice(id string) error {
	_, err := d.registry.AddDevice(id)
	return err
}

// RemoveDevice disconnects and forgets id
func (d *Direct) RemoveDevice(id string) bool {
	return d.registry.RemoveDevice(id)
}

// Close disposes the registry and every subscription
func (d *Direct) Close() {
	d.registry.Dispose()
	d.registry.Router().Clear()
}

// Send implements Transport
func (d *Direct) Send(deviceID string, msg protocol.ClientMessage) bool {
	return d.registry.Send(deviceID, msg)
}

// Broadcast implements Transport
func (d *Direct) Broadcast(msg protocol.ClientMessage) int {
	return d.registry.Broadcast(msg)
}

// OnMessage implements Transport
func (d *Direct) OnMessage(deviceID string, h MessageHandler) func() {
	return subscribeMessages(d.registry.Router(), deviceID, h)
}

// OnStateChange implements Transport
func (d *Direct) OnStateChange(h StateHandler) func() {
	return subscribeStates(d.registry.Router(), h)
}

// OnError implements Transport
func (d *Direct) OnError(h ErrorHandler) func() {
	return subscribeErrors(d.registry.Router(), h)
}

// ConnectedDevices implements Transport
func (d *Direct) ConnectedDevices() []string {
	return d.registry.ConnectedDevices()
}

// IsDeviceConnected implements Transport
func (d *Direct) IsDeviceConnected(id string) bool {
	return d.registry.IsDeviceConnected(id)
}

// DeviceState implements Transport
func (d *Direct) DeviceState(id string) (device.DeviceState, bool) {
	return d.registry.DeviceState(id)
}
