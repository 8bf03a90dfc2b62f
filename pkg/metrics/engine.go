package metrics

import "github.com/mojoe-playground/blobcache/pkg/engine"

// newEngineMetrics is filled in by pkg/metrics/prometheus's init(). The
// indirection keeps the concrete collectors in pkg/metrics/prometheus;
// pkg/metrics itself only holds the registry.
var newEngineMetrics func() engine.Metrics

// RegisterEngineMetricsConstructor is called by
// pkg/metrics/prometheus.init() to install the real constructor.
func RegisterEngineMetricsConstructor(constructor func() engine.Metrics) {
	newEngineMetrics = constructor
}

// NewEngineMetrics returns a Prometheus-backed engine.Metrics, or nil if
// metrics aren't enabled (InitRegistry not called) or
// pkg/metrics/prometheus was never imported. engine.Engine treats a nil
// Metrics field in its Config as a no-op implementation, so passing this
// straight through is always safe.
func NewEngineMetrics() engine.Metrics {
	if !IsEnabled() || newEngineMetrics == nil {
		return nil
	}
	return newEngineMetrics()
}
