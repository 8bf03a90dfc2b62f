package cache

import (
	"bytes"
	"context"
	"io"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/mojoe-playground/blobcache/pkg/coordinator"
	"github.com/stretchr/testify/require"
)

// testClock is a controllable blobcache.Clock for deterministic TTL and
// cleanup tests.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock(start time.Time) *testClock {
	return &testClock{now: start}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestCache(t *testing.T, clock *testClock) *Cache {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cache.blob")
	c, err := New(path, Config{
		Coordinator:             coordinator.NewInProcess(0),
		Clock:                   clock,
		SkipCleanupAtInitialize: true,
	})
	require.NoError(t, err)
	require.NoError(t, c.Initialize(context.Background()))
	t.Cleanup(func() { c.Close() })
	return c
}

func getBytes(t *testing.T, c *Cache, key string) ([]byte, int32, bool) {
	t.Helper()
	var got []byte
	var length int32
	ok, err := c.Get(context.Background(), key, func(l int32, r io.Reader) error {
		length = l
		b, err := io.ReadAll(r)
		got = b
		return err
	})
	require.NoError(t, err)
	return got, length, ok
}

func TestAddGetByteExact(t *testing.T) {
	clock := newTestClock(time.Unix(0, 0).UTC())
	c := newTestCache(t, clock)

	payload := bytes.Repeat([]byte{0xAB}, 4096)
	maxTTL := time.Unix(0, 0).UTC().Add(100 * 365 * 24 * time.Hour)

	require.NoError(t, c.Add(context.Background(), "xunit.core.xml", maxTTL, payload))

	got, length, ok := getBytes(t, c, "xunit.core.xml")
	require.True(t, ok, "expected key to be found")
	require.Equal(t, int32(len(payload)), length)
	require.Equal(t, payload, got)

	exists, err := c.Exists(context.Background(), "xunit.core.xml")
	require.NoError(t, err)
	require.True(t, exists)
}

func TestExpiredEntryIsNotFound(t *testing.T) {
	clock := newTestClock(time.Unix(0, 0).UTC())
	c := newTestCache(t, clock)

	ttl := clock.Now().Add(-time.Minute)
	require.NoError(t, c.Add(context.Background(), "k", ttl, []byte("v")))

	_, _, ok := getBytes(t, c, "k")
	require.False(t, ok, "expected expired entry to be not found")

	exists, err := c.Exists(context.Background(), "k")
	require.NoError(t, err)
	require.False(t, exists)
}

func TestCleanupReapsExpiredKeepsValid(t *testing.T) {
	clock := newTestClock(time.Unix(0, 0).UTC())
	c := newTestCache(t, clock)
	ctx := context.Background()

	maxTTL := clock.Now().Add(100 * 365 * 24 * time.Hour)
	shortTTL := clock.Now().Add(2 * time.Minute)

	require.NoError(t, c.Add(ctx, "keeper", maxTTL, []byte("keep me")))
	require.NoError(t, c.Add(ctx, "expiring", shortTTL, []byte("gone soon")))

	statsBefore, err := c.engine.Statistics()
	require.NoError(t, err)

	clock.Advance(2 * 24 * time.Hour)
	require.NoError(t, c.Cleanup(ctx, clock.Now()))

	statsAfter, err := c.engine.Statistics()
	require.NoError(t, err)
	require.Less(t, statsAfter.FileSize, statsBefore.FileSize, "expected file size to shrink after cleanup")
	require.Equal(t, 2, statsAfter.TotalChunks, "expected exactly one head and one data chunk to remain")

	_, _, ok := getBytes(t, c, "keeper")
	require.True(t, ok, "expected surviving key to still be readable")

	_, _, ok = getBytes(t, c, "expiring")
	require.False(t, ok, "expected expired key to be gone")
}

func TestOverwriteReclaimsOldChunks(t *testing.T) {
	clock := newTestClock(time.Unix(0, 0).UTC())
	c := newTestCache(t, clock)
	ctx := context.Background()

	maxTTL := clock.Now().Add(time.Hour)
	a := bytes.Repeat([]byte{1}, 1000)
	b := bytes.Repeat([]byte{2}, 1000)

	require.NoError(t, c.Add(ctx, "k", maxTTL, a))
	require.NoError(t, c.Add(ctx, "k", maxTTL, b))

	got, _, ok := getBytes(t, c, "k")
	require.True(t, ok, "expected key to be found")
	require.Equal(t, b, got, "expected latest value after overwrite")

	stats, err := c.engine.Statistics()
	require.NoError(t, err)
	require.LessOrEqual(t, stats.FileSize, int64(len(a)+len(b))*2, "file grew unexpectedly large after overwrite")
}

func TestRemoveDeletesKey(t *testing.T) {
	clock := newTestClock(time.Unix(0, 0).UTC())
	c := newTestCache(t, clock)
	ctx := context.Background()

	require.NoError(t, c.Add(ctx, "k", clock.Now().Add(time.Hour), []byte("v")))

	removed, err := c.Remove(ctx, "k")
	require.NoError(t, err)
	require.True(t, removed)

	removedAgain, err := c.Remove(ctx, "k")
	require.NoError(t, err)
	require.False(t, removedAgain)
}

func TestCaseInsensitiveKeyComparer(t *testing.T) {
	clock := newTestClock(time.Unix(0, 0).UTC())
	path := filepath.Join(t.TempDir(), "cache.blob")
	c, err := New(path, Config{
		Coordinator:             coordinator.NewInProcess(0),
		Clock:                   clock,
		SkipCleanupAtInitialize: true,
		KeyComparer:             CaseInsensitive{},
	})
	require.NoError(t, err)
	require.NoError(t, c.Initialize(context.Background()))
	t.Cleanup(func() { c.Close() })

	require.NoError(t, c.Add(context.Background(), "Key", clock.Now().Add(time.Hour), []byte("v")))

	_, _, ok := getBytes(t, c, "key")
	require.True(t, ok, "expected case-insensitive lookup to find the key")
}
