// Package testutil provides fakes for testing device connections and
// transports without real devices or a relay server.
//
// # Sockets
//
// FakeDialer implements device.Dialer. Each Dial blocks until the test takes
// the attempt from Next and completes it with Accept or Fail, so the
// test decides exactly when a connection opens. Setting Auto completes dials
// immediately instead, which suits tests that manage many devices.
//
// FakeSocket implements device.Socket. Deliver and DeliverDevice queue
// inbound frames; RemoteClose and Drop end the read loop the way a device
// closing or a network failure would. Written, Sent and SentTypes expose what
// the connection wrote.
//
// # Time
//
// FakeClock implements device.Clock. Timers fire only when the test calls
// Advance; Pending lists the durations of armed timers, which makes backoff
// schedules directly observable.
//
// # Relay
//
// MockRelay implements transport.RelayChannel in memory. SetPresent,
// Deliver, DeliverFrom and Status drive the relay from the device side;
// Published records what the client sent. ConnectErr, ConnectFailure and Hang
// reproduce the ways joining a session can fail.
//
// A real NATS relay for integration tests is started by the natsclient
// package on testcontainers.
package testutil
