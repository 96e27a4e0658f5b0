// Package health reports connection health as a tree of Status values.
//
// FromConnection maps a device's connection state onto a status: connected
// is healthy, connecting is degraded, error and disconnected are unhealthy.
// The registry keeps one status per device in a Monitor and exposes the
// aggregate; Handler serves any status source as JSON for /health checks.
//
//	monitor := health.NewMonitor()
//	monitor.Observe("192.0.2.10", health.FromConnection("192.0.2.10", "connected", "", nil))
//	status := monitor.Rollup("devices")
//
// Aggregation favours availability: one connected device is enough for the
// aggregate to be healthy, matching how a game session treats stragglers.
package health
