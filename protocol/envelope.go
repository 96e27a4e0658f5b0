package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	errs "github.com/David-ssnd/rayz-web-sub000/errors"
	"github.com/David-ssnd/rayz-web-sub000/pkg/timestamp"
)

// Envelope wraps a payload on the shared relay channel. Client traffic sets
// Target (empty = broadcast); device traffic sets Source.
type Envelope struct {
	Source    string          `json:"source,omitempty"`
	Target    string          `json:"target,omitempty"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp int64           `json:"timestamp"`
}

// Time returns the envelope timestamp
func (e Envelope) Time() time.Time {
	return timestamp.FromUnixMs(e.Timestamp)
}

// SealClient wraps msg for target. An empty target addresses every device.
func SealClient(target string, msg ClientMessage, now time.Time) ([]byte, error) {
	_, payload, err := JSONCodec{}.EncodeClient(msg)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Target: target, Payload: payload, Timestamp: timestamp.ToUnixMs(now)})
}

// SealDevice wraps msg as sent by source
func SealDevice(source string, msg DeviceMessage, now time.Time) ([]byte, error) {
	if source == "" {
		return nil, errs.WrapInvalid(fmt.Errorf("%w: empty source", errs.ErrInvalidData), "protocol", "SealDevice", "validate source")
	}
	_, payload, err := JSONCodec{}.EncodeDevice(msg)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Source: source, Payload: payload, Timestamp: timestamp.ToUnixMs(now)})
}

// ParseEnvelope decodes a relay frame without opening the payload
func ParseEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, errs.WrapInvalid(fmt.Errorf("%w: %v", errs.ErrParsingFailed, err), "protocol", "ParseEnvelope", "unmarshal envelope")
	}
	if len(env.Payload) == 0 {
		return Envelope{}, errs.WrapInvalid(fmt.Errorf("%w: envelope without payload", errs.ErrInvalidData), "protocol", "ParseEnvelope", "validate envelope")
	}
	return env, nil
}

// OpenEnvelope decodes a device payload, rejecting envelopes whose source is
// not expectedSource
func OpenEnvelope(env Envelope, expectedSource string) (DeviceMessage, error) {
	if env.Source == "" || env.Source != expectedSource {
		return nil, errs.WrapInvalid(
			fmt.Errorf("%w: got %q, want %q", errs.ErrSourceMismatch, env.Source, expectedSource),
			"protocol", "OpenEnvelope", "check source")
	}
	return DecodeDevice(FrameText, env.Payload)
}

// OpenClientEnvelope decodes a client payload addressed to deviceID or to
// every device
func OpenClientEnvelope(env Envelope, deviceID string) (ClientMessage, error) {
	if env.Target != "" && env.Target != deviceID {
		return nil, errs.WrapInvalid(
			fmt.Errorf("%w: addressed to %q", errs.ErrSourceMismatch, env.Target),
			"protocol", "OpenClientEnvelope", "check target")
	}
	return DecodeClient(FrameText, env.Payload)
}
