// Package cache implements the keyed TTL store built on top of
// pkg/engine: values are split across DATA chunks and linked by a HEAD
// chunk, with read-through head lookups, TTL expiry, and size-capped
// cleanup (spec.md §4.4).
package cache

import (
	"log/slog"
	"strings"
	"time"

	"github.com/mojoe-playground/blobcache/pkg/blobcache"
	"github.com/mojoe-playground/blobcache/pkg/coordinator"
	"github.com/mojoe-playground/blobcache/pkg/engine"
)

// KeyComparer controls how cache keys fold for comparison — the spec names
// this as a pluggable, out-of-scope collaborator (§1, §6 "key_comparer:
// {case-sensitive, case-insensitive}").
//
// Fold returns the canonical form of key used both to compute its bucket
// hash and to compare it against other keys; Equal must agree with Fold
// (Equal(a, b) == (Fold(a) == Fold(b))), since the hash a key is stored
// under is Fold's output, not the raw key.
type KeyComparer interface {
	Equal(a, b string) bool
	Fold(key string) string
}

// CaseSensitive compares keys byte-for-byte.
type CaseSensitive struct{}

func (CaseSensitive) Equal(a, b string) bool { return a == b }
func (CaseSensitive) Fold(key string) string { return key }

// CaseInsensitive folds keys with strings.ToLower before hashing or
// comparing.
type CaseInsensitive struct{}

func (CaseInsensitive) Equal(a, b string) bool { return strings.ToLower(a) == strings.ToLower(b) }
func (CaseInsensitive) Fold(key string) string { return strings.ToLower(key) }

// DefaultCutbackRatio is the fraction of MaximumSize a size-capped cleanup
// shrinks the file down to (spec.md §6: "cutback_ratio: f64 (default
// 0.8)").
const DefaultCutbackRatio = 0.8

// MaxBlockSize is the largest single DATA chunk a value is split into
// (spec.md §4.4 add step 2: "Split the value into blocks of <=5 MiB").
const MaxBlockSize = 5 * 1024 * 1024

// OrphanAge is how long an unreferenced DATA chunk survives before cleanup
// reaps it (spec.md §4.4 cleanup step 2: "added < now - 24h").
const OrphanAge = 24 * time.Hour

// Config configures a Cache.
type Config struct {
	// MaximumSize caps the backing file's size; 0 means unbounded.
	MaximumSize int64

	// CutbackRatio is the fraction of MaximumSize a size-capped cleanup
	// targets. Defaults to DefaultCutbackRatio if zero.
	CutbackRatio float64

	// CanCompress enables DEFLATE compression of data blocks on Add.
	CanCompress bool

	// RemoveInvalidCache, if true, deletes and recreates the backing file
	// when engine initialization fails rather than propagating the error.
	RemoveInvalidCache bool

	// SkipCleanupAtInitialize suppresses the Cleanup call Initialize
	// otherwise runs once on success (spec.md §4.4 initialize: "if
	// cleanup is configured, run cleanup immediately" — the zero value
	// runs it, matching the spec's default-on behavior).
	SkipCleanupAtInitialize bool

	// KeyComparer defaults to CaseSensitive{}.
	KeyComparer KeyComparer

	// Clock defaults to blobcache.SystemClock{}.
	Clock blobcache.Clock

	// Coordinator is forwarded to the underlying engine; required.
	Coordinator coordinator.Coordinator

	// Logger is forwarded to the underlying engine.
	Logger *slog.Logger

	// EngineMetrics is forwarded to the underlying engine, for
	// chunk-level observability (add/remove/read/lock-wait).
	EngineMetrics engine.Metrics

	// Metrics receives cache-level observability events (hits, misses,
	// cleanup outcomes). Defaults to a no-op implementation.
	Metrics Metrics
}

func (c Config) withDefaults() Config {
	if c.CutbackRatio <= 0 {
		c.CutbackRatio = DefaultCutbackRatio
	}
	if c.KeyComparer == nil {
		c.KeyComparer = CaseSensitive{}
	}
	if c.Clock == nil {
		c.Clock = blobcache.SystemClock{}
	}
	if c.Metrics == nil {
		c.Metrics = noopMetrics{}
	}
	return c
}
