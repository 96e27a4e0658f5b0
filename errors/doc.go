// Package errors provides standardized error handling for the device communication layer.
//
// # Overview
//
// Failures are sorted into three classes that map onto how the comm layer
// reacts to them:
//
//   - Transient: socket errors, dial failures, connect timeouts, send-time
//     write errors. Recovered by the per-device reconnect backoff and surfaced
//     only as a state change plus a human-readable last error.
//   - Invalid: malformed or unparsable payloads, unknown message types and
//     relay envelopes whose source does not match the expected device. The
//     single message is dropped; the connection stays up.
//   - Fatal: exhausted retry budgets (ErrDeviceOffline), policy errors such as
//     a plaintext device socket from a secure context (ErrInsecureContext),
//     and relay connections that reached a failed state (ErrRelayFailed).
//     These are terminal until an explicit operator action.
//
// # Error Wrapping Pattern
//
// All wrapping follows the format:
//
//	"component.method: action failed: %w"
//
// Three wrappers set the class explicitly:
//
//	errors.WrapTransient(err, "Connection", "Send", "write frame")
//	errors.WrapInvalid(err, "BinaryCodec", "Decode", "unmarshal frame")
//	errors.WrapFatal(errors.ErrInsecureContext, "Connection", "Connect", "check scheme")
//
// Wrap() adds context without changing the class of the wrapped error.
//
// # Per-device attribution
//
// ForDevice attaches a device identifier so that errors reported on a shared
// error channel can be traced back without string parsing:
//
//	err := errors.ForDevice("192.0.2.10", errors.ErrDeviceOffline)
//	id, _ := errors.DeviceOf(err) // "192.0.2.10"
//
// # Thread Safety
//
// Error variables are immutable and the classification helpers hold no state,
// so everything here is safe for concurrent use.
package errors
