// Package metrics is the optional Prometheus observability boundary for
// the engine and cache packages. Neither pkg/engine nor pkg/cache import
// Prometheus directly: they depend only on small local Metrics interfaces
// (engine.Metrics, cache.Metrics), and this package supplies concrete
// implementations through constructor functions that return nil — zero
// overhead — until InitRegistry has been called.
//
// pkg/metrics/prometheus registers the real constructors in its init(),
// mirroring the indirection used throughout the teacher codebase's own
// pkg/metrics/*.go + pkg/metrics/prometheus/*.go split: callers that never
// import pkg/metrics/prometheus get nil constructors and no metrics. This
// package itself imports the Prometheus client for its registry, so
// importing pkg/metrics does pull that dependency in.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	mu       sync.Mutex
	registry *prometheus.Registry
)

// InitRegistry enables metrics collection, creating a fresh Prometheus
// registry. Call once at process startup before constructing any
// engine/cache instances that should be observed.
func InitRegistry() *prometheus.Registry {
	mu.Lock()
	defer mu.Unlock()
	registry = prometheus.NewRegistry()
	return registry
}

// IsEnabled reports whether InitRegistry has been called.
func IsEnabled() bool {
	mu.Lock()
	defer mu.Unlock()
	return registry != nil
}

// GetRegistry returns the active registry, or nil if metrics aren't
// enabled.
func GetRegistry() *prometheus.Registry {
	mu.Lock()
	defer mu.Unlock()
	return registry
}
