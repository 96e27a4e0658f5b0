// Package metric provides Prometheus metrics for the device communication
// layer and the HTTP server that exposes them.
//
// NewMetricsRegistry registers the comm metrics (Metrics) together with the Go
// runtime collectors. Components receive the *Metrics value and call its
// Record methods; every method is a no-op on a nil receiver, so tests and
// embedders can skip metrics entirely:
//
//	registry := metric.NewMetricsRegistry()
//	m := registry.CommMetrics()
//	m.RecordDeviceState("192.0.2.10", metric.StateValueConnected)
//
// Components that own extra collectors register them under their own name:
//
//	registry.Register("natsclient", "rtt", rttGauge)
//
// Server exposes /metrics in OpenMetrics format and /health:
//
//	server := metric.NewServer(9090, "/metrics", registry, healthHandler)
//	go server.Start()
//	defer server.Stop()
package metric
