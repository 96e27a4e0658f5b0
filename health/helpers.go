package health

import (
	"encoding/json"
	"net/http"
	"sort"
	"time"
)

// NewHealthy creates a new healthy status
func NewHealthy(component, message string) Status {
	return Status{
		Component: component,
		Healthy:   true,
		Status:    "healthy",
		Message:   message,
		Timestamp: time.Now(),
	}
}

// NewUnhealthy creates a new unhealthy status
func NewUnhealthy(component, message string) Status {
	return Status{
		Component: component,
		Healthy:   false,
		Status:    "unhealthy",
		Message:   message,
		Timestamp: time.Now(),
	}
}

// NewDegraded creates a new degraded status
func NewDegraded(component, message string) Status {
	return Status{
		Component: component,
		Healthy:   false,
		Status:    "degraded",
		Message:   message,
		Timestamp: time.Now(),
	}
}

// Aggregate rolls device statuses up into one. Any healthy device makes the
// whole healthy, since a game can run with part of the devices offline.
// Otherwise any degraded device makes it degraded, else unhealthy.
// Sub-statuses are sorted by component name.
func Aggregate(component string, subStatuses []Status) Status {
	if len(subStatuses) == 0 {
		return NewUnhealthy(component, "no devices tracked")
	}

	healthy, degraded := 0, 0
	for _, sub := range subStatuses {
		if sub.IsHealthy() {
			healthy++
		} else if sub.IsDegraded() {
			degraded++
		}
	}

	var status Status
	switch {
	case healthy == len(subStatuses):
		status = NewHealthy(component, "all devices connected")
	case healthy > 0:
		status = NewHealthy(component, "some devices connected")
	case degraded > 0:
		status = NewDegraded(component, "devices connecting")
	default:
		status = NewUnhealthy(component, "no device connected")
	}

	status.SubStatuses = make([]Status, len(subStatuses))
	copy(status.SubStatuses, subStatuses)
	sort.Slice(status.SubStatuses, func(i, j int) bool {
		return status.SubStatuses[i].Component < status.SubStatuses[j].Component
	})

	return status
}

// Handler serves the status returned by source as JSON. Unhealthy answers 503.
func Handler(source func() Status) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		status := source()
		code := http.StatusOK
		if status.IsUnhealthy() {
			code = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(status)
	})
}
