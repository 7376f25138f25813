// Package metrics defines the Prometheus metrics exported by the service.
// Metrics are registered on an explicit registry so tests and multiple
// servers in one process do not collide.
package metrics
