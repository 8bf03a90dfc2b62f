// Package prometheus supplies the concrete Prometheus-backed
// implementations of engine.Metrics and cache.Metrics, registering their
// constructors with pkg/metrics on import (mirroring the teacher
// codebase's pkg/metrics/prometheus/*.go init-time registration pattern).
// Importing this package for side effects is what turns metrics on, once
// metrics.InitRegistry has also been called.
package prometheus

import (
	"github.com/mojoe-playground/blobcache/pkg/engine"
	"github.com/mojoe-playground/blobcache/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

func init() {
	metrics.RegisterEngineMetricsConstructor(newEngineMetrics)
}

type engineMetrics struct {
	chunksAdded   prometheus.Counter
	chunksRemoved prometheus.Counter
	chunksRead    prometheus.Counter
	bytesAdded    prometheus.Counter
	bytesRemoved  prometheus.Counter
	bytesRead     prometheus.Counter
	lockWaits     prometheus.Counter
}

func newEngineMetrics() engine.Metrics {
	reg := metrics.GetRegistry()
	if reg == nil {
		return nil
	}

	return &engineMetrics{
		chunksAdded: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "blobcache_engine_chunks_added_total",
			Help: "Total number of chunks added to the storage engine.",
		}),
		chunksRemoved: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "blobcache_engine_chunks_removed_total",
			Help: "Total number of chunks removed from the storage engine.",
		}),
		chunksRead: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "blobcache_engine_chunks_read_total",
			Help: "Total number of chunk payloads streamed out.",
		}),
		bytesAdded: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "blobcache_engine_bytes_added_total",
			Help: "Total payload bytes written via add_chunk.",
		}),
		bytesRemoved: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "blobcache_engine_bytes_removed_total",
			Help: "Total payload bytes freed via remove_chunk.",
		}),
		bytesRead: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "blobcache_engine_bytes_read_total",
			Help: "Total payload bytes streamed via read_chunks.",
		}),
		lockWaits: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "blobcache_engine_lock_waits_total",
			Help: "Total number of coordinator lock acquisitions that failed (timeout or cancellation).",
		}),
	}
}

func (m *engineMetrics) ChunkAdded(size int) {
	m.chunksAdded.Inc()
	m.bytesAdded.Add(float64(size))
}

func (m *engineMetrics) ChunkRemoved(size int) {
	m.chunksRemoved.Inc()
	m.bytesRemoved.Add(float64(size))
}

func (m *engineMetrics) ChunkRead(size int) {
	m.chunksRead.Inc()
	m.bytesRead.Add(float64(size))
}

func (m *engineMetrics) LockWait() {
	m.lockWaits.Inc()
}
