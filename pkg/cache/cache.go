package cache

import (
	"context"
	"os"

	"github.com/mojoe-playground/blobcache/pkg/blobcache"
	"github.com/mojoe-playground/blobcache/pkg/engine"
)

// Cache is a keyed, TTL-expiring value store built on top of an Engine.
// The zero value is not usable; construct with New.
type Cache struct {
	engine *engine.Engine
	cfg    Config
	index  *headIndex
	path   string
}

// New returns a Cache backed by the storage file at path. Call Initialize
// before any other method.
func New(path string, cfg Config) (*Cache, error) {
	cfg = cfg.withDefaults()
	if cfg.Coordinator == nil {
		return nil, blobcache.New(blobcache.CodeInvalidArgument, "cache: Config.Coordinator is required")
	}

	eng, err := engine.New(path, engine.Config{
		Coordinator: cfg.Coordinator,
		Clock:       cfg.Clock,
		Logger:      cfg.Logger,
		Metrics:     cfg.EngineMetrics,
	})
	if err != nil {
		return nil, err
	}

	return &Cache{
		engine: eng,
		cfg:    cfg,
		index:  newHeadIndex(),
		path:   path,
	}, nil
}

// Close releases the underlying engine's file handle and coordinator
// attachment.
func (c *Cache) Close() error {
	return c.engine.Close()
}

// Initialize opens or creates the backing file and, unless
// SkipCleanupAtInitialize is set, runs one Cleanup pass (spec.md §4.4
// initialize).
//
// A file more than twice MaximumSize is deleted outright before the
// engine ever opens it, on the theory that something has gone badly
// wrong (a runaway writer, a disabled cleanup) and starting fresh beats
// refusing to start. Deletion failures (permissions, another process
// holding the file) are ignored, matching the spec's "try to delete ...
// ignoring permission/locking errors" — Initialize proceeds to open
// whatever is there.
func (c *Cache) Initialize(ctx context.Context) error {
	if c.cfg.MaximumSize > 0 {
		if st, err := os.Stat(c.path); err == nil && st.Size() > 2*c.cfg.MaximumSize {
			_ = os.Remove(c.path)
		}
	}

	ok, err := c.engine.Initialize(ctx)
	if (err != nil || !ok) && c.cfg.RemoveInvalidCache {
		_ = os.Remove(c.path)
		ok, err = c.engine.Initialize(ctx)
		// The backing file was just replaced out from under the engine;
		// any head-index buckets cached from the old file no longer
		// correspond to anything on disk and must not be reused.
		c.index.invalidateAll()
	}
	if err != nil {
		return err
	}
	if !ok {
		return blobcache.New(blobcache.CodeUnsupportedFormat, "cache: storage file has an unsupported format")
	}

	if !c.cfg.SkipCleanupAtInitialize {
		if err := c.Cleanup(ctx, c.cfg.Clock.Now()); err != nil {
			return err
		}
	}
	return nil
}

// Exists reports whether key currently has a valid (unexpired, fully
// present) value (spec.md §4.4 exists).
func (c *Cache) Exists(ctx context.Context, key string) (bool, error) {
	head, _, err := c.latestValidHead(ctx, key, c.cfg.Clock.Now())
	if err != nil {
		return false, err
	}
	if head == nil {
		c.cfg.Metrics.Miss()
		return false, nil
	}
	return true, nil
}
