package errors

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorClass_String(t *testing.T) {
	assert.Equal(t, "transient", ErrorTransient.String())
	assert.Equal(t, "invalid", ErrorInvalid.String())
	assert.Equal(t, "fatal", ErrorFatal.String())
	assert.Equal(t, "unknown", ErrorClass(999).String())
}

// Each case names the class the failure must land in; the predicates and
// Classify are checked against it together.
func TestClassification(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		class ErrorClass
	}{
		{"connect timeout", ErrConnectionTimeout, ErrorTransient},
		{"socket dropped", ErrConnectionLost, ErrorTransient},
		{"write failed", ErrSendFailed, ErrorTransient},
		{"relay timeout", ErrRelayTimeout, ErrorTransient},
		{"deadline", context.DeadlineExceeded, ErrorTransient},
		{"cancelled", context.Canceled, ErrorTransient},
		{"dial refused", fmt.Errorf("dial tcp 192.0.2.10:80: connect: connection refused"), ErrorTransient},

		{"malformed frame", ErrInvalidData, ErrorInvalid},
		{"unparseable", ErrParsingFailed, ErrorInvalid},
		{"unknown type", ErrUnknownMessage, ErrorInvalid},
		{"spoofed source", ErrSourceMismatch, ErrorInvalid},

		{"insecure context", ErrInsecureContext, ErrorFatal},
		{"retries exhausted", fmt.Errorf("after 10 attempts: %w", ErrDeviceOffline), ErrorFatal},
		{"relay refused", ErrRelayFailed, ErrorFatal},
		{"disposed", ErrDisposed, ErrorFatal},
		{"bad config", ErrInvalidConfig, ErrorFatal},
		{"missing config", ErrMissingConfig, ErrorFatal},

		{"explicit class beats text",
			&ClassifiedError{Class: ErrorInvalid, Err: fmt.Errorf("connection garbage")}, ErrorInvalid},
		{"explicit fatal", &ClassifiedError{Class: ErrorFatal, Err: ErrConnectionLost}, ErrorFatal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.class, Classify(tt.err))
			assert.Equal(t, tt.class == ErrorTransient, IsTransient(tt.err), "IsTransient")
			assert.Equal(t, tt.class == ErrorInvalid, IsInvalid(tt.err), "IsInvalid")
			assert.Equal(t, tt.class == ErrorFatal, IsFatal(tt.err), "IsFatal")
		})
	}
}

func TestClassification_Nil(t *testing.T) {
	assert.False(t, IsTransient(nil))
	assert.False(t, IsInvalid(nil))
	assert.False(t, IsFatal(nil))
	assert.Equal(t, ErrorTransient, Classify(nil))
}

func TestClassify_UnknownDefaultsToTransient(t *testing.T) {
	err := fmt.Errorf("gremlins")
	assert.Equal(t, ErrorTransient, Classify(err))
	assert.False(t, IsTransient(err))
}

func TestClassifiedError(t *testing.T) {
	base := fmt.Errorf("write: broken pipe")
	ce := newClassified(ErrorTransient, base, "Connection", "Send", "send failed for 192.0.2.10")

	assert.Equal(t, "Connection", ce.Component)
	assert.Equal(t, "Send", ce.Operation)
	assert.Equal(t, "send failed for 192.0.2.10", ce.Error())
	assert.ErrorIs(t, ce, base)

	assert.Equal(t, "write: broken pipe", newClassified(ErrorTransient, base, "Connection", "Send", "").Error())
}

func TestWrap(t *testing.T) {
	assert.NoError(t, Wrap(nil, "BinaryCodec", "DecodeDevice", "unmarshal frame"))

	err := Wrap(fmt.Errorf("unexpected end of input"), "BinaryCodec", "DecodeDevice", "unmarshal frame")
	assert.EqualError(t, err, "BinaryCodec.DecodeDevice: unmarshal frame failed: unexpected end of input")
}

func TestWrapClassified(t *testing.T) {
	wrappers := map[ErrorClass]func(error, string, string, string) error{
		ErrorTransient: WrapTransient,
		ErrorInvalid:   WrapInvalid,
		ErrorFatal:     WrapFatal,
	}

	for class, wrap := range wrappers {
		t.Run(class.String(), func(t *testing.T) {
			assert.NoError(t, wrap(nil, "Relay", "Connect", "join session"))

			err := wrap(ErrConnectionLost, "Relay", "Connect", "join session")
			var ce *ClassifiedError
			require.True(t, errors.As(err, &ce))
			assert.Equal(t, class, ce.Class)
			assert.Equal(t, "Relay.Connect: join session failed: connection lost", ce.Error())
			assert.ErrorIs(t, err, ErrConnectionLost)
		})
	}
}

func TestForDevice(t *testing.T) {
	assert.NoError(t, ForDevice("192.0.2.10", nil))

	err := ForDevice("192.0.2.10", WrapFatal(ErrDeviceOffline, "Connection", "handleClose", "reconnect"))
	assert.EqualError(t, err, "device 192.0.2.10: Connection.handleClose: reconnect failed: device offline")

	id, ok := DeviceOf(err)
	assert.True(t, ok)
	assert.Equal(t, "192.0.2.10", id)
	assert.True(t, Is(err, ErrDeviceOffline))
	assert.Equal(t, ErrorFatal, Classify(err))

	_, ok = DeviceOf(ErrConnectionLost)
	assert.False(t, ok)
}

func BenchmarkClassify(b *testing.B) {
	err := fmt.Errorf("read: %w", ErrConnectionLost)
	for i := 0; i < b.N; i++ {
		Classify(err)
	}
}
