// Package device manages the WebSocket connection to a single game device.
//
// # Lifecycle
//
// A Connection moves through four states:
//
//	disconnected --Connect--> connecting --open--> connected
//	      ^                       |                   |
//	      |                  fail/timeout       close/drop
//	      |                       v                   |
//	      +------ backoff ------ error <--------------+
//
// A failed or lost socket always passes through error (with LastError set)
// before settling in disconnected. While AutoReconnect is on, a reconnect is
// then scheduled after Backoff.Delay(retries): 1s, 2s, 4s, ... capped at 30s.
// Once Backoff.MaxRetries scheduled retries have failed, the device is
// reported offline and automatic reconnection stops until RetryDevice.
//
// A clean close by the device (normal closure or going away) skips the error
// state but still schedules a reconnect.
//
// # Usage
//
//	conn := device.NewConnection("192.0.2.10", device.DefaultOptions(),
//	    device.WithLogger(logger),
//	    device.WithListener(listener),
//	)
//	conn.Connect()
//	defer conn.Close()
//
//	conn.SendGameCommand(protocol.CommandStart)
//
// Send and the convenience wrappers never block on a disconnected device:
// they return false when no socket is open.
//
// # Events
//
// The Listener receives state snapshots, decoded device messages and errors.
// Calls for one Connection are serialized and arrive in the order the events
// happened. They are made without internal locks held, so a listener may call
// Send, Disconnect or RetryDevice on the same Connection.
//
// # Secure contexts
//
// When Options.SecureContext is set and no relay is configured, plaintext
// ws:// device sockets are refused: the connection goes straight to the error
// state with a fatal ErrInsecureContext and is not retried.
//
// # Testing
//
// Dialer and Clock are interfaces so tests can script dials and advance timers
// deterministically. See the testutil package for fakes.
package device
