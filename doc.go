// Package rayz is the communication layer between a game-session client and
// networked laser-tag devices.
//
// # Layers
//
// The module is built bottom-up:
//
//   - protocol: the device wire protocol. Client and device messages are two
//     closed families, encoded as JSON text frames or MessagePack binary frames, plus
//     the envelope used on relay channels.
//   - device: one websocket per device with a connection state machine
//     (disconnected, connecting, connected, error), a heartbeat and
//     exponential reconnect backoff.
//   - events: the router that carries device messages, state changes and
//     errors to subscribers by device id and category, with a wildcard id.
//   - registry: the set of device connections, their aggregate state and
//     health.
//   - transport: one interface over two backends. Direct talks to each device
//     over its own socket; Relay talks to every device through one shared
//     session.
//   - natsclient: the NATS implementation of the relay session, with
//     JetStream KV presence.
//
// Supporting packages:
//
//   - config: JSON configuration with RAYZ_* environment overrides
//   - errors: classified errors (transient, invalid, fatal) and the
//     communication sentinels
//   - metric: Prometheus metrics for connections and traffic
//   - health: health statuses built from connection state
//   - pkg/retry: backoff schedule and retry loop
//   - testutil: fake clock, sockets and relay channel for tests
//
// # Running
//
// cmd/rayzcomm runs the layer as a daemon:
//
//	RAYZ_DEVICES=192.168.1.40,192.168.1.41 rayzcomm --log-format=text
//
// It logs device events and serves /metrics and /health.
//
// # Embedding
//
//	cfg, err := config.NewLoader().LoadFile("rayz.json")
//	if err != nil {
//		return err
//	}
//	tr, err := transport.New(cfg, transport.Dependencies{Logger: logger})
//	if err != nil {
//		return err
//	}
//	tr.OnMessage(events.Wildcard, func(id string, msg protocol.DeviceMessage) {
//		// ...
//	})
//	tr.Broadcast(&protocol.GameCommand{Command: protocol.CommandStart})
package rayz
