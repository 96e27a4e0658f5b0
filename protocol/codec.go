package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	errs "github.com/David-ssnd/rayz-web-sub000/errors"
)

// FrameKind is the socket frame type a payload travels in
type FrameKind int

const (
	FrameText FrameKind = iota + 1
	FrameBinary
)

func (k FrameKind) String() string {
	switch k {
	case FrameText:
		return "text"
	case FrameBinary:
		return "binary"
	default:
		return "unknown"
	}
}

// Codec encodes outgoing messages. Decoding does not depend on the codec:
// DecodeDevice and DecodeClient branch on the frame kind that arrived.
type Codec interface {
	Name() string
	EncodeClient(msg ClientMessage) (FrameKind, []byte, error)
	EncodeDevice(msg DeviceMessage) (FrameKind, []byte, error)
}

// NewCodec returns the binary codec when binary is set, JSON otherwise
func NewCodec(binary bool) Codec {
	if binary {
		return BinaryCodec{}
	}
	return JSONCodec{}
}

// JSONCodec writes UTF-8 JSON text frames. Op is not part of the JSON form.
type JSONCodec struct{}

func (JSONCodec) Name() string { return "json" }

func (c JSONCodec) EncodeClient(msg ClientMessage) (FrameKind, []byte, error) {
	return c.encode(msg, "EncodeClient")
}

func (c JSONCodec) EncodeDevice(msg DeviceMessage) (FrameKind, []byte, error) {
	return c.encode(msg, "EncodeDevice")
}

func (JSONCodec) encode(msg Message, method string) (FrameKind, []byte, error) {
	if err := prepare(msg); err != nil {
		return 0, nil, errs.WrapInvalid(err, "JSONCodec", method, "validate message")
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return 0, nil, errs.WrapInvalid(err, "JSONCodec", method, "marshal message")
	}
	return FrameText, data, nil
}

// BinaryCodec writes MessagePack map frames carrying both type and op, the
// format device firmware decodes. If encoding fails the message is sent as
// JSON instead and the returned kind says so.
type BinaryCodec struct{}

func (BinaryCodec) Name() string { return "binary" }

func (c BinaryCodec) EncodeClient(msg ClientMessage) (FrameKind, []byte, error) {
	return c.encode(msg, "EncodeClient")
}

func (c BinaryCodec) EncodeDevice(msg DeviceMessage) (FrameKind, []byte, error) {
	return c.encode(msg, "EncodeDevice")
}

func (BinaryCodec) encode(msg Message, method string) (FrameKind, []byte, error) {
	if err := prepare(msg); err != nil {
		return 0, nil, errs.WrapInvalid(err, "BinaryCodec", method, "validate message")
	}
	data, err := msgpack.Marshal(msg)
	if err == nil {
		return FrameBinary, data, nil
	}
	return JSONCodec{}.encode(msg, method)
}

func prepare(msg Message) error {
	if msg == nil {
		return fmt.Errorf("%w: nil message", errs.ErrInvalidData)
	}
	msg.stamp()
	if gc, ok := msg.(*GameCommand); ok && !gc.Command.Valid() {
		return fmt.Errorf("%w: unknown game command %q", errs.ErrInvalidData, gc.Command)
	}
	return nil
}

// DecodeDevice parses a frame received from a device
func DecodeDevice(kind FrameKind, data []byte) (DeviceMessage, error) {
	typ, err := peekType(kind, data, "DecodeDevice")
	if err != nil {
		return nil, err
	}
	newMsg, ok := deviceKinds[typ]
	if !ok {
		return nil, errs.WrapInvalid(fmt.Errorf("%w: %q", errs.ErrUnknownMessage, typ), "protocol", "DecodeDevice", "resolve type")
	}
	msg := newMsg()
	if err := unmarshal(kind, data, msg); err != nil {
		return nil, errs.WrapInvalid(err, "protocol", "DecodeDevice", "unmarshal "+typ)
	}
	msg.stamp()
	return msg, nil
}

// DecodeClient parses a frame sent by a client. Used by device simulators
// and relay bridges.
func DecodeClient(kind FrameKind, data []byte) (ClientMessage, error) {
	typ, err := peekType(kind, data, "DecodeClient")
	if err != nil {
		return nil, err
	}
	newMsg, ok := clientKinds[typ]
	if !ok {
		return nil, errs.WrapInvalid(fmt.Errorf("%w: %q", errs.ErrUnknownMessage, typ), "protocol", "DecodeClient", "resolve type")
	}
	msg := newMsg()
	if err := unmarshal(kind, data, msg); err != nil {
		return nil, errs.WrapInvalid(err, "protocol", "DecodeClient", "unmarshal "+typ)
	}
	msg.stamp()
	return msg, nil
}

func peekType(kind FrameKind, data []byte, method string) (string, error) {
	if len(data) == 0 {
		return "", errs.WrapInvalid(fmt.Errorf("%w: empty frame", errs.ErrInvalidData), "protocol", method, "read header")
	}
	var h Header
	if err := unmarshal(kind, data, &h); err != nil {
		return "", errs.WrapInvalid(err, "protocol", method, "read header")
	}
	if h.Type != "" {
		return h.Type, nil
	}
	if typ, ok := opTypes[h.Op]; ok {
		return typ, nil
	}
	return "", errs.WrapInvalid(fmt.Errorf("%w: frame has no type", errs.ErrInvalidData), "protocol", method, "read header")
}

func unmarshal(kind FrameKind, data []byte, v any) error {
	switch kind {
	case FrameBinary:
		if err := msgpack.Unmarshal(data, v); err != nil {
			return fmt.Errorf("%w: %v", errs.ErrParsingFailed, err)
		}
	case FrameText:
		if err := json.Unmarshal(data, v); err != nil {
			return fmt.Errorf("%w: %v", errs.ErrParsingFailed, err)
		}
	default:
		return fmt.Errorf("%w: frame kind %d", errs.ErrInvalidData, kind)
	}
	return nil
}
