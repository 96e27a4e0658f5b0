// Package health provides health reporting for device connections and the
// transports built on them
package health

import (
	"regexp"
	"strings"
	"time"
)

var (
	httpURLRegex    = regexp.MustCompile(`https?://[^\s]+`)
	natsURLRegex    = regexp.MustCompile(`nats://[^\s]+`)
	wsURLRegex      = regexp.MustCompile(`wss?://[^\s]+`)
	credentialRegex = regexp.MustCompile(`(?i)(password|token|key|secret|credential)[^a-zA-Z]*[:=][^,\s}]+`)
)

// Status represents the health state of a device, transport or system
type Status struct {
	Component   string    `json:"component"`
	Healthy     bool      `json:"healthy"` // true if status is "healthy"
	Status      string    `json:"status"`  // "healthy", "unhealthy", "degraded"
	Message     string    `json:"message"`
	Timestamp   time.Time `json:"timestamp"`
	SubStatuses []Status  `json:"sub_statuses,omitempty"`
	Metrics     *Metrics  `json:"metrics,omitempty"`
}

// Metrics contains connection figures attached to a status
type Metrics struct {
	RetryCount    int       `json:"retry_count"`
	LastConnected time.Time `json:"last_connected,omitempty"`
}

// IsHealthy returns true if the status is healthy
func (s Status) IsHealthy() bool {
	return s.Status == "healthy"
}

// IsDegraded returns true if the status is degraded
func (s Status) IsDegraded() bool {
	return s.Status == "degraded"
}

// IsUnhealthy returns true if the status is unhealthy
func (s Status) IsUnhealthy() bool {
	return s.Status == "unhealthy"
}

// WithMetrics returns a copy of the status with metrics attached
func (s Status) WithMetrics(metrics *Metrics) Status {
	s.Metrics = metrics
	return s
}

// sanitizeErrorMessage strips URLs and credentials from an error string.
// Device addresses are kept: they are the component names operators look for.
func sanitizeErrorMessage(err string) string {
	if err == "" {
		return ""
	}

	sanitized := httpURLRegex.ReplaceAllString(err, "[URL]")
	sanitized = natsURLRegex.ReplaceAllString(sanitized, "[URL]")
	sanitized = wsURLRegex.ReplaceAllString(sanitized, "[URL]")

	lower := strings.ToLower(sanitized)
	if strings.Contains(lower, "password") || strings.Contains(lower, "token") ||
		strings.Contains(lower, "key") || strings.Contains(lower, "secret") ||
		strings.Contains(lower, "credential") {
		sanitized = credentialRegex.ReplaceAllString(sanitized, "[REDACTED]")
	}

	return sanitized
}

// FromConnection maps a connection state to a status: connected is healthy,
// connecting is degraded, anything else is unhealthy
func FromConnection(name, state, lastError string, metrics *Metrics) Status {
	var status Status
	switch state {
	case "connected":
		status = NewHealthy(name, "connected")
	case "connecting":
		status = NewDegraded(name, "connecting")
	default:
		message := state
		if lastError != "" {
			message = state + ": " + sanitizeErrorMessage(lastError)
		}
		status = NewUnhealthy(name, message)
	}
	status.Metrics = metrics
	return status
}
