// Package transport gives calling code one way to reach game devices,
// whichever backend carries the traffic.
//
// Two backends implement Transport:
//
//   - Direct opens one websocket per device through a registry.Registry.
//     Connect does nothing; devices connect as AddDevice is called and
//     reconnect on their own with backoff.
//   - Relay joins one shared session on a message relay through a
//     RelayChannel. A device counts as connected while it is present on the
//     session. Outgoing messages are wrapped in an envelope addressed to one
//     device or to all of them; incoming envelopes are accepted only from
//     devices currently present.
//
// New picks the backend from config.Config.Mode:
//
//	tr, err := transport.New(cfg, transport.Dependencies{
//		Logger:  logger,
//		Metrics: metrics,
//		Channel: channel, // relay mode only
//	})
//	if err != nil {
//		return err
//	}
//	if err := tr.Connect(ctx); err != nil {
//		var relayErr *transport.RelayError
//		if errors.As(err, &relayErr) {
//			// relay unreachable
//		}
//		return err
//	}
//	defer tr.Disconnect()
//
//	tr.OnMessage(events.Wildcard, func(id string, msg protocol.DeviceMessage) {
//		log.Printf("%s sent %s", id, msg.MessageType())
//	})
//	tr.Broadcast(&protocol.GameCommand{Command: protocol.CommandStart})
//
// Callers that need to manage the device set check for DeviceManager.
//
// Relay.Connect waits at most RelayOptions.ConnectTimeout (10s by default)
// and returns a *RelayError as soon as the channel reports a terminal
// failure. Relay-wide errors after that are reported to OnError handlers with
// the device id events.Wildcard.
package transport
