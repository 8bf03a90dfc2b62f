package prometheus

import (
	"github.com/mojoe-playground/blobcache/pkg/cache"
	"github.com/mojoe-playground/blobcache/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

func init() {
	metrics.RegisterCacheMetricsConstructor(newCacheMetrics)
}

type cacheMetrics struct {
	added            prometheus.Counter
	addedBytes       prometheus.Counter
	hits             prometheus.Counter
	hitBytes         prometheus.Counter
	misses           prometheus.Counter
	removed          prometheus.Counter
	cleanupRuns      prometheus.Counter
	cleanupHeads     prometheus.Counter
	cleanupData      prometheus.Counter
	cleanupReclaimed prometheus.Counter
}

func newCacheMetrics() cache.Metrics {
	reg := metrics.GetRegistry()
	if reg == nil {
		return nil
	}

	return &cacheMetrics{
		added: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "blobcache_cache_added_total",
			Help: "Total number of successful cache Add calls.",
		}),
		addedBytes: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "blobcache_cache_added_bytes_total",
			Help: "Total original (uncompressed) bytes passed to Add.",
		}),
		hits: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "blobcache_cache_hits_total",
			Help: "Total number of Get calls that found a valid entry.",
		}),
		hitBytes: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "blobcache_cache_hit_bytes_total",
			Help: "Total decoded bytes returned by Get.",
		}),
		misses: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "blobcache_cache_misses_total",
			Help: "Total number of Get/Exists calls that found no valid entry.",
		}),
		removed: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "blobcache_cache_removed_total",
			Help: "Total number of successful explicit Remove calls.",
		}),
		cleanupRuns: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "blobcache_cache_cleanup_runs_total",
			Help: "Total number of Cleanup passes run.",
		}),
		cleanupHeads: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "blobcache_cache_cleanup_heads_removed_total",
			Help: "Total number of head chunks removed across all Cleanup passes.",
		}),
		cleanupData: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "blobcache_cache_cleanup_data_removed_total",
			Help: "Total number of data chunks removed across all Cleanup passes.",
		}),
		cleanupReclaimed: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "blobcache_cache_cleanup_reclaimed_bytes_total",
			Help: "Total file bytes reclaimed across all Cleanup passes.",
		}),
	}
}

func (m *cacheMetrics) Added(bytes int) {
	m.added.Inc()
	m.addedBytes.Add(float64(bytes))
}

func (m *cacheMetrics) Hit(bytes int) {
	m.hits.Inc()
	m.hitBytes.Add(float64(bytes))
}

func (m *cacheMetrics) Miss() {
	m.misses.Inc()
}

func (m *cacheMetrics) Removed() {
	m.removed.Inc()
}

func (m *cacheMetrics) CleanupRun(removedHeads, removedData int, reclaimedBytes int64) {
	m.cleanupRuns.Inc()
	m.cleanupHeads.Add(float64(removedHeads))
	m.cleanupData.Add(float64(removedData))
	if reclaimedBytes > 0 {
		m.cleanupReclaimed.Add(float64(reclaimedBytes))
	}
}
