package cache

import (
	"bytes"
	"context"
	"time"

	"github.com/klauspost/compress/flate"
	"github.com/mojoe-playground/blobcache/pkg/cachehead"
	"github.com/mojoe-playground/blobcache/pkg/chunk"
	"github.com/mojoe-playground/blobcache/pkg/datahead"
)

// Add stores value under key with the given expiry, replacing any prior
// value for key (spec.md §4.4 add).
func (c *Cache) Add(ctx context.Context, key string, ttl time.Time, value []byte) error {
	hash := c.keyHash(key)

	priorHeads, _, err := c.findHeadsForKey(ctx, key)
	if err != nil {
		return err
	}

	ids := make([]uint32, 0, (len(value)/MaxBlockSize)+1)
	remaining := value
	for len(remaining) > 0 {
		freeSizes, err := c.engine.GetFreeChunkSizes()
		if err != nil {
			return err
		}
		blockLen := chooseBlockSize(len(remaining), freeSizes)
		block := remaining[:blockLen]
		remaining = remaining[blockLen:]

		stored := block
		compression := datahead.None
		if c.cfg.CanCompress {
			compressed, err := deflateCompress(block)
			if err != nil {
				return err
			}
			if len(compressed) < len(block) {
				stored = compressed
				compression = datahead.Deflate
			}
		}
		payload := datahead.Encode(compression, stored)

		ch, err := c.engine.AddChunk(ctx, chunk.TypeData, hash, payload)
		if err != nil {
			return err
		}
		ids = append(ids, ch.ID)
	}

	head := cachehead.Head{Key: key, TTL: ttl, Length: int32(len(value)), Chunks: ids}
	if _, err := c.engine.AddChunk(ctx, chunk.TypeHead, hash, head.Encode()); err != nil {
		return err
	}

	if err := c.removeHeadsAndData(ctx, priorHeads); err != nil {
		return err
	}
	c.cfg.Metrics.Added(len(value))
	return nil
}

// chooseBlockSize picks the byte length of the next block cut from a
// remaining value of length remainingLen, per spec.md §4.4 add step 2:
// prefer an existing free chunk's size when remainingLen > 1024 and some
// free chunk has room for a block sized strictly greater than blockCap/20
// and at most blockCap, so the block lands in existing free space instead
// of always appending; otherwise take the full block, up to MaxBlockSize.
// The block is sized so that it plus its datahead descriptor byte exactly
// fills the chosen free chunk.
func chooseBlockSize(remainingLen int, freeSizes []uint32) int {
	blockCap := remainingLen
	if blockCap > MaxBlockSize {
		blockCap = MaxBlockSize
	}

	if remainingLen > 1024 {
		lowerBound := blockCap / 20
		best := 0
		for _, s := range freeSizes {
			size := int(s) - datahead.Size
			if size > lowerBound && size <= blockCap && size > best {
				best = size
			}
		}
		if best > 0 {
			return best
		}
	}
	return blockCap
}

func deflateCompress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := flate.NewWriter(&buf, flate.DefaultCompression)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// removeChunkByID removes exactly the chunk with the given id, if it is
// currently visible.
func (c *Cache) removeChunkByID(ctx context.Context, id uint32) error {
	return c.engine.RemoveChunk(ctx, func(visible []chunk.Chunk) (uint32, bool) {
		for _, ch := range visible {
			if ch.ID == id {
				return id, true
			}
		}
		return 0, false
	})
}

// removeHeadsAndData removes each head in heads and every data chunk any
// of them reference (spec.md §4.4 add step 5, and remove). Heads are
// removed before their data so a concurrent reader never observes a head
// pointing at data that's already gone; the head-index invalidates itself
// on the next lookup via the engine's removed_version bump.
func (c *Cache) removeHeadsAndData(ctx context.Context, heads []headEntry) error {
	dataIDs := make(map[uint32]struct{})
	for _, h := range heads {
		for _, id := range h.Head.Chunks {
			dataIDs[id] = struct{}{}
		}
	}

	for _, h := range heads {
		if err := c.removeChunkByID(ctx, h.ChunkID); err != nil {
			return err
		}
	}
	for id := range dataIDs {
		if err := c.removeChunkByID(ctx, id); err != nil {
			return err
		}
	}
	return nil
}
