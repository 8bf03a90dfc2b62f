package prometheus

import (
	"testing"

	"github.com/mojoe-playground/blobcache/pkg/metrics"
)

func TestEngineMetricsNilWhenDisabled(t *testing.T) {
	if m := metrics.NewEngineMetrics(); m != nil {
		t.Fatal("expected nil engine metrics before InitRegistry")
	}
}

func TestEngineMetricsRecordsAfterInit(t *testing.T) {
	metrics.InitRegistry()
	m := metrics.NewEngineMetrics()
	if m == nil {
		t.Fatal("expected non-nil engine metrics after InitRegistry")
	}
	m.ChunkAdded(256)
	m.ChunkRemoved(128)
	m.ChunkRead(64)
	m.LockWait()
}

func TestCacheMetricsRecordsAfterInit(t *testing.T) {
	metrics.InitRegistry()
	m := metrics.NewCacheMetrics()
	if m == nil {
		t.Fatal("expected non-nil cache metrics after InitRegistry")
	}
	m.Added(1024)
	m.Hit(1024)
	m.Miss()
	m.Removed()
	m.CleanupRun(1, 2, 4096)
}
