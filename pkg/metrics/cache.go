package metrics

import "github.com/mojoe-playground/blobcache/pkg/cache"

// newCacheMetrics is filled in by pkg/metrics/prometheus's init().
var newCacheMetrics func() cache.Metrics

// RegisterCacheMetricsConstructor is called by
// pkg/metrics/prometheus.init() to install the real constructor.
func RegisterCacheMetricsConstructor(constructor func() cache.Metrics) {
	newCacheMetrics = constructor
}

// NewCacheMetrics returns a Prometheus-backed cache.Metrics, or nil if
// metrics aren't enabled or pkg/metrics/prometheus was never imported.
// cache.Config defaults a nil Metrics to a no-op implementation.
func NewCacheMetrics() cache.Metrics {
	if !IsEnabled() || newCacheMetrics == nil {
		return nil
	}
	return newCacheMetrics()
}
