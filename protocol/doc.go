// Package protocol defines the messages exchanged with game devices and their
// encodings.
//
// Two closed families exist: ClientMessage (client to device) and
// DeviceMessage (device to client). Each message carries a string type and a
// small integer op that mirrors it. Consumers switch exhaustively on the
// concrete type:
//
//	switch m := msg.(type) {
//	case *protocol.Status:
//	case *protocol.HitReport:
//	}
//
// JSONCodec writes text frames. BinaryCodec writes MessagePack maps with
// both type and op keys and falls back to JSON when encoding fails. Decoding
// looks at the frame kind first, so a device may answer a binary frame with
// text or the other way around.
//
// In relay mode payloads travel inside an Envelope. OpenEnvelope refuses an
// envelope whose source is not the device the caller expects.
package protocol
