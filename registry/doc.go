// Package registry tracks the set of devices reached over direct sockets.
//
// A Registry owns exactly one device.Connection per device id. Adding an id
// that is already tracked is a no-op, so callers that set up twice in quick
// succession never open duplicate sockets. Removing an id disconnects it,
// cancelling its timers, before the entry is dropped.
//
// Every connection reports into the registry's events.Router:
//
//	category "connection"   payload device.DeviceState
//	category "error"        payload error (attributed with errors.ForDevice)
//	category <message type> payload protocol.DeviceMessage
//
// Registry-wide operations (ConnectAll, DisconnectAll, Broadcast*) iterate a
// snapshot of the tracked devices taken when the call starts; a failure on
// one device never stops the loop.
//
// Health reports one sub-status per device through a health.Monitor; the
// aggregate is healthy while any device is connected.
package registry
