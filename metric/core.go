package metric

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Device connection state values reported by the device_state gauge
const (
	StateValueDisconnected = 0
	StateValueConnecting   = 1
	StateValueConnected    = 2
	StateValueError        = 3
)

// Metrics contains the device communication metrics. Every method is safe to
// call on a nil receiver so components can run without a registry.
type Metrics struct {
	// Device connection metrics
	DeviceState         *prometheus.GaugeVec
	ConnectAttempts     *prometheus.CounterVec
	ReconnectsScheduled *prometheus.CounterVec
	SendFailures        *prometheus.CounterVec

	// Message metrics
	MessagesReceived *prometheus.CounterVec
	MessagesSent     *prometheus.CounterVec
	DecodeErrors     *prometheus.CounterVec
	HandlerPanics    *prometheus.CounterVec

	// Relay metrics
	RelayConnected  prometheus.Gauge
	RelayDropped    *prometheus.CounterVec
	PresenceDevices prometheus.Gauge
}

// NewMetrics creates the comm metrics. They are not registered until handed
// to a MetricsRegistry.
func NewMetrics() *Metrics {
	return &Metrics{
		DeviceState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "rayz",
				Subsystem: "device",
				Name:      "state",
				Help:      "Device connection state (0=disconnected, 1=connecting, 2=connected, 3=error)",
			},
			[]string{"device"},
		),

		ConnectAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "rayz",
				Subsystem: "device",
				Name:      "connect_attempts_total",
				Help:      "Total socket connection attempts",
			},
			[]string{"device"},
		),

		ReconnectsScheduled: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "rayz",
				Subsystem: "device",
				Name:      "reconnects_scheduled_total",
				Help:      "Total reconnects scheduled by backoff",
			},
			[]string{"device"},
		),

		SendFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "rayz",
				Subsystem: "device",
				Name:      "send_failures_total",
				Help:      "Total messages that could not be written",
			},
			[]string{"device"},
		),

		MessagesReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "rayz",
				Subsystem: "messages",
				Name:      "received_total",
				Help:      "Total device messages received",
			},
			[]string{"transport", "type"},
		),

		MessagesSent: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "rayz",
				Subsystem: "messages",
				Name:      "sent_total",
				Help:      "Total client messages sent",
			},
			[]string{"transport", "type", "frame"},
		),

		DecodeErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "rayz",
				Subsystem: "messages",
				Name:      "decode_errors_total",
				Help:      "Total inbound frames dropped as malformed",
			},
			[]string{"transport"},
		),

		HandlerPanics: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "rayz",
				Subsystem: "events",
				Name:      "handler_panics_total",
				Help:      "Total subscriber panics recovered by the router",
			},
			[]string{"category"},
		),

		RelayConnected: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "rayz",
				Subsystem: "relay",
				Name:      "connected",
				Help:      "Relay connection status (1=connected, 0=disconnected)",
			},
		),

		RelayDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "rayz",
				Subsystem: "relay",
				Name:      "envelopes_dropped_total",
				Help:      "Total relay envelopes discarded",
			},
			[]string{"reason"},
		),

		PresenceDevices: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "rayz",
				Subsystem: "relay",
				Name:      "presence_devices",
				Help:      "Devices currently present on the relay channel",
			},
		),
	}
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.DeviceState,
		m.ConnectAttempts,
		m.ReconnectsScheduled,
		m.SendFailures,
		m.MessagesReceived,
		m.MessagesSent,
		m.DecodeErrors,
		m.HandlerPanics,
		m.RelayConnected,
		m.RelayDropped,
		m.PresenceDevices,
	}
}

// RecordDeviceState sets the state gauge for a device
func (m *Metrics) RecordDeviceState(device string, value int) {
	if m == nil {
		return
	}
	m.DeviceState.WithLabelValues(device).Set(float64(value))
}

// ForgetDevice drops every per-device series for a removed device
func (m *Metrics) ForgetDevice(device string) {
	if m == nil {
		return
	}
	m.DeviceState.DeleteLabelValues(device)
	m.ConnectAttempts.DeleteLabelValues(device)
	m.ReconnectsScheduled.DeleteLabelValues(device)
	m.SendFailures.DeleteLabelValues(device)
}

// RecordConnectAttempt increments the connect attempt counter
func (m *Metrics) RecordConnectAttempt(device string) {
	if m == nil {
		return
	}
	m.ConnectAttempts.WithLabelValues(device).Inc()
}

// RecordReconnectScheduled increments the scheduled reconnect counter
func (m *Metrics) RecordReconnectScheduled(device string) {
	if m == nil {
		return
	}
	m.ReconnectsScheduled.WithLabelValues(device).Inc()
}

// RecordSendFailure increments the send failure counter
func (m *Metrics) RecordSendFailure(device string) {
	if m == nil {
		return
	}
	m.SendFailures.WithLabelValues(device).Inc()
}

// RecordMessageReceived increments the received counter
func (m *Metrics) RecordMessageReceived(transport, messageType string) {
	if m == nil {
		return
	}
	m.MessagesReceived.WithLabelValues(transport, messageType).Inc()
}

// RecordMessageSent increments the sent counter
func (m *Metrics) RecordMessageSent(transport, messageType, frame string) {
	if m == nil {
		return
	}
	m.MessagesSent.WithLabelValues(transport, messageType, frame).Inc()
}

// RecordDecodeError increments the decode error counter
func (m *Metrics) RecordDecodeError(transport string) {
	if m == nil {
		return
	}
	m.DecodeErrors.WithLabelValues(transport).Inc()
}

// RecordHandlerPanic increments the recovered panic counter
func (m *Metrics) RecordHandlerPanic(category string) {
	if m == nil {
		return
	}
	m.HandlerPanics.WithLabelValues(category).Inc()
}

// RecordRelayStatus updates the relay connection gauge
func (m *Metrics) RecordRelayStatus(connected bool) {
	if m == nil {
		return
	}
	value := 0.0
	if connected {
		value = 1.0
	}
	m.RelayConnected.Set(value)
}

// RecordRelayDropped increments the dropped envelope counter
func (m *Metrics) RecordRelayDropped(reason string) {
	if m == nil {
		return
	}
	m.RelayDropped.WithLabelValues(reason).Inc()
}

// RecordPresence sets the number of devices present on the relay
func (m *Metrics) RecordPresence(count int) {
	if m == nil {
		return
	}
	m.PresenceDevices.Set(float64(count))
}
