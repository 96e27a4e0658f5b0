// Package errors provides the error taxonomy for the device communication layer.
// It classifies failures so callers can decide between automatic recovery,
// dropping a single message, and surfacing a terminal condition to an operator.
package errors

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrorClass represents the classification of errors for handling purposes
type ErrorClass int

const (
	// ErrorTransient represents socket-level failures recovered by reconnect backoff
	ErrorTransient ErrorClass = iota
	// ErrorInvalid represents malformed payloads or bad input; the message is dropped
	ErrorInvalid
	// ErrorFatal represents terminal conditions that are never retried automatically
	ErrorFatal
)

// String returns the string representation of ErrorClass
func (ec ErrorClass) String() string {
	switch ec {
	case ErrorTransient:
		return "transient"
	case ErrorInvalid:
		return "invalid"
	case ErrorFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Standard error variables for common conditions
var (
	// Connection and networking errors
	ErrNotOpen           = errors.New("socket not open")
	ErrConnectionLost    = errors.New("connection lost")
	ErrConnectionTimeout = errors.New("connection timeout")
	ErrSendFailed        = errors.New("send failed")

	// Device lifecycle errors
	ErrDeviceOffline  = errors.New("device offline")
	ErrUnknownDevice  = errors.New("unknown device")
	ErrDisposed       = errors.New("connection disposed")
	ErrAlreadyStarted = errors.New("already started")

	// Policy errors
	ErrInsecureContext = errors.New("insecure device socket from secure context")

	// Data processing errors
	ErrInvalidData    = errors.New("invalid data format")
	ErrParsingFailed  = errors.New("parsing failed")
	ErrUnknownMessage = errors.New("unknown message type")
	ErrSourceMismatch = errors.New("envelope source mismatch")

	// Relay errors
	ErrRelayFailed  = errors.New("relay connection failed")
	ErrRelayTimeout = errors.New("relay connection timeout")

	// Configuration errors
	ErrInvalidConfig = errors.New("invalid configuration")
	ErrMissingConfig = errors.New("missing required configuration")
)

// ClassifiedError wraps an error with its classification
type ClassifiedError struct {
	Class     ErrorClass
	Err       error
	Message   string
	Component string
	Operation string
}

// Error implements the error interface
func (ce *ClassifiedError) Error() string {
	if ce.Message != "" {
		return ce.Message
	}
	return ce.Err.Error()
}

// Unwrap returns the underlying error
func (ce *ClassifiedError) Unwrap() error {
	return ce.Err
}

// IsTransient checks if an error is transient and recoverable by reconnecting
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class == ErrorTransient
	}

	if IsFatal(err) || IsInvalid(err) {
		return false
	}

	if errors.Is(err, ErrConnectionTimeout) ||
		errors.Is(err, ErrConnectionLost) ||
		errors.Is(err, ErrSendFailed) ||
		errors.Is(err, ErrRelayTimeout) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, context.Canceled) {
		return true
	}

	errStr := strings.ToLower(err.Error())
	transientPatterns := []string{
		"timeout",
		"connection",
		"network",
		"refused",
		"reset by peer",
		"broken pipe",
		"unexpected eof",
	}

	for _, pattern := range transientPatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}

	return false
}

// IsFatal checks if an error is terminal and must not be retried automatically
func IsFatal(err error) bool {
	if err == nil {
		return false
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class == ErrorFatal
	}

	return errors.Is(err, ErrInsecureContext) ||
		errors.Is(err, ErrDeviceOffline) ||
		errors.Is(err, ErrRelayFailed) ||
		errors.Is(err, ErrDisposed) ||
		errors.Is(err, ErrInvalidConfig) ||
		errors.Is(err, ErrMissingConfig)
}

// IsInvalid checks if an error is due to a malformed or unexpected payload
func IsInvalid(err error) bool {
	if err == nil {
		return false
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class == ErrorInvalid
	}

	return errors.Is(err, ErrInvalidData) ||
		errors.Is(err, ErrParsingFailed) ||
		errors.Is(err, ErrUnknownMessage) ||
		errors.Is(err, ErrSourceMismatch)
}

// Classify returns the error class for an error
func Classify(err error) ErrorClass {
	if err == nil {
		return ErrorTransient
	}

	// Classified errors carry their class explicitly; check before pattern matching
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class
	}

	if IsFatal(err) {
		return ErrorFatal
	}
	if IsInvalid(err) {
		return ErrorInvalid
	}

	// Unknown errors default to transient so reconnect backoff handles them
	return ErrorTransient
}

func newClassified(class ErrorClass, err error, component, operation, message string) *ClassifiedError {
	return &ClassifiedError{
		Class:     class,
		Err:       err,
		Message:   message,
		Component: component,
		Operation: operation,
	}
}

// Wrap creates a standardized error with context following the pattern:
// "component.method: action failed: %w"
func Wrap(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s.%s: %s failed: %w", component, method, action, err)
}

// WrapTransient wraps an error as transient with context
func WrapTransient(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	wrappedErr := Wrap(err, component, method, action)
	return newClassified(ErrorTransient, wrappedErr, component, method, wrappedErr.Error())
}

// WrapFatal wraps an error as fatal with context
func WrapFatal(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	wrappedErr := Wrap(err, component, method, action)
	return newClassified(ErrorFatal, wrappedErr, component, method, wrappedErr.Error())
}

// WrapInvalid wraps an error as invalid with context
func WrapInvalid(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	wrappedErr := Wrap(err, component, method, action)
	return newClassified(ErrorInvalid, wrappedErr, component, method, wrappedErr.Error())
}

// DeviceError attributes a failure to a single device so that one device's
// failure can be reported without aborting operations on the others.
type DeviceError struct {
	DeviceID string
	Err      error
}

// Error implements the error interface
func (de *DeviceError) Error() string {
	return fmt.Sprintf("device %s: %v", de.DeviceID, de.Err)
}

// Unwrap returns the underlying error
func (de *DeviceError) Unwrap() error {
	return de.Err
}

// ForDevice attributes err to deviceID; nil stays nil
func ForDevice(deviceID string, err error) error {
	if err == nil {
		return nil
	}
	return &DeviceError{DeviceID: deviceID, Err: err}
}

// DeviceOf returns the device id an error is attributed to, if any
func DeviceOf(err error) (string, bool) {
	var de *DeviceError
	if errors.As(err, &de) {
		return de.DeviceID, true
	}
	return "", false
}

// Is reports whether any error in err's chain matches target
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target
func As(err error, target any) bool {
	return errors.As(err, target)
}

// New returns an error that formats as the given text
func New(text string) error {
	return errors.New(text)
}
