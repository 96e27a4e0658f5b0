// Package natsclient carries relay traffic over NATS.
//
// Client owns one NATS connection and its JetStream context. It tracks the
// connection through Disconnected, Connecting, Connected, Reconnecting and
// Failed, and tells StatusHandlers about every change. Failed is terminal: the
// server went away and reconnects ran out. The error passed with it wraps
// errors.ErrRelayFailed.
//
// Channel implements transport.RelayChannel on top of a Client. A session
// named by ChannelConfig uses:
//
//	<prefix>:<session>              session-wide envelopes
//	<prefix>:<session>:devices      envelopes addressed to one device
//	KV <prefix>_<session>_presence  devices.<id> for every live device,
//	                                clients.<uuid> for every live client
//
// Presence entries expire after ChannelConfig.PresenceTTL unless refreshed.
// Devices (or a simulator using Announce) put their own entry; the channel
// watches devices.> and reports changes to the relay.
//
// Basic usage:
//
//	client, err := natsclient.NewClient("nats://localhost:4222",
//		natsclient.WithNoEcho(),
//		natsclient.WithLogger(logger),
//	)
//	if err != nil {
//		return err
//	}
//	defer client.Close(context.Background())
//
//	channel, err := natsclient.NewChannel(client, natsclient.ChannelConfig{
//		SessionID: "arena-1",
//	}, logger)
//	if err != nil {
//		return err
//	}
//	relay, err := transport.NewRelay(transport.RelayOptions{}, transport.Dependencies{
//		Channel: channel,
//	})
//
// Channel.Close leaves the session but keeps the Client open, so one Client
// can serve several sessions.
//
// # Testing
//
// NewTestClient starts a NATS server with testcontainers. Tests that use it
// carry the integration build tag:
//
//	go test -tags integration ./natsclient/...
package natsclient
