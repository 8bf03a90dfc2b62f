package cache

import (
	"context"
	"io"
	"time"

	"github.com/mojoe-playground/blobcache/pkg/blobcache"
	"github.com/mojoe-playground/blobcache/pkg/cachehead"
	"github.com/mojoe-playground/blobcache/pkg/chunk"
)

func headHashSet(visible []chunk.Chunk) map[uint32]struct{} {
	set := make(map[uint32]struct{})
	for _, c := range visible {
		if c.Type == chunk.TypeHead {
			set[c.UserData] = struct{}{}
		}
	}
	return set
}

// loadHeadsByHash streams every currently visible HEAD chunk whose
// user_data matches *hash (or every HEAD chunk at all, if hash is nil)
// and decodes its payload.
func (c *Cache) loadHeadsByHash(ctx context.Context, hash *uint32) ([]headEntry, error) {
	meta := make(map[uint32]chunk.Chunk)

	selector := func(visible []chunk.Chunk) ([]uint32, error) {
		var ids []uint32
		for _, ch := range visible {
			if ch.Type != chunk.TypeHead {
				continue
			}
			if hash != nil && ch.UserData != *hash {
				continue
			}
			ids = append(ids, ch.ID)
			meta[ch.ID] = ch
		}
		return ids, nil
	}

	var entries []headEntry
	sink := func(id uint32, r io.Reader, size int64) error {
		buf := make([]byte, size)
		if _, err := io.ReadFull(r, buf); err != nil {
			return blobcache.Wrap(blobcache.CodeIO, "cache: read head payload", err)
		}
		decoded, err := cachehead.Decode(buf)
		if err != nil {
			return blobcache.Wrap(blobcache.CodeInvalidChunk, "cache: decode head payload", err)
		}
		entries = append(entries, headEntry{
			ChunkID: id,
			Hash:    meta[id].UserData,
			Added:   meta[id].Added,
			Head:    decoded,
		})
		return nil
	}

	if err := c.engine.ReadChunks(ctx, selector, sink); err != nil {
		return nil, err
	}
	return entries, nil
}

// findAllHeads loads every head in the store, consulting and refreshing
// the "all heads" head-index bucket (spec.md §4.4 cleanup step 1: "Load
// all heads").
func (c *Cache) findAllHeads(ctx context.Context) ([]headEntry, error) {
	visible, added, removed, err := c.engine.Snapshot()
	if err != nil {
		return nil, err
	}
	c.index.sync(added, removed, headHashSet(visible))

	if heads, ok := c.index.get(""); ok {
		return heads, nil
	}

	heads, err := c.loadHeadsByHash(ctx, nil)
	if err != nil {
		return nil, err
	}
	c.index.store("", 0, false, heads)
	return heads, nil
}

// findHeadsForKey loads the heads recorded for key, consulting and
// refreshing that key's head-index bucket, and returns them alongside the
// key's 32-bit hash.
func (c *Cache) findHeadsForKey(ctx context.Context, key string) ([]headEntry, uint32, error) {
	hash := c.keyHash(key)

	visible, added, removed, err := c.engine.Snapshot()
	if err != nil {
		return nil, hash, err
	}
	c.index.sync(added, removed, headHashSet(visible))

	if heads, ok := c.index.get(key); ok {
		return heads, hash, nil
	}

	raw, err := c.loadHeadsByHash(ctx, &hash)
	if err != nil {
		return nil, hash, err
	}

	heads := make([]headEntry, 0, len(raw))
	for _, e := range raw {
		if c.cfg.KeyComparer.Equal(e.Head.Key, key) {
			heads = append(heads, e)
		}
	}
	c.index.store(key, hash, true, heads)
	return heads, hash, nil
}

// dataChunksValid reports whether every id in ids is currently visible as
// a DATA chunk tagged with the given hash — the "(i) has all referenced
// data-chunk ids present with matching user_data" half of spec.md §4.4's
// "Latest valid head" test, also reused by cleanup's bad-head filter.
func dataChunksValid(visible []chunk.Chunk, hash uint32, ids []uint32) bool {
	byID := make(map[uint32]chunk.Chunk, len(visible))
	for _, c := range visible {
		byID[c.ID] = c
	}
	for _, id := range ids {
		c, ok := byID[id]
		if !ok || c.Type != chunk.TypeData || c.UserData != hash {
			return false
		}
	}
	return true
}

// latestValidHead implements spec.md §4.4's "Latest valid head": among all
// heads found for key, the one with the largest HEAD-chunk Added timestamp
// that is unexpired and whose data chunks are all present.
func (c *Cache) latestValidHead(ctx context.Context, key string, now time.Time) (*headEntry, uint32, error) {
	heads, hash, err := c.findHeadsForKey(ctx, key)
	if err != nil {
		return nil, hash, err
	}
	if len(heads) == 0 {
		return nil, hash, nil
	}

	visible, _, _, err := c.engine.Snapshot()
	if err != nil {
		return nil, hash, err
	}

	var best *headEntry
	for i := range heads {
		e := &heads[i]
		if !e.Head.TTL.After(now) {
			continue
		}
		if !dataChunksValid(visible, e.Hash, e.Head.Chunks) {
			continue
		}
		if best == nil || e.Added.After(best.Added) {
			best = e
		}
	}
	return best, hash, nil
}
