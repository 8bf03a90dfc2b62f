package cache

import (
	"context"
	"sort"
	"time"

	"github.com/mojoe-playground/blobcache/pkg/chunk"
)

// Cleanup reaps expired/broken heads, orphaned data chunks, and (if
// configured) shrinks the file back under MaximumSize (spec.md §4.4
// cleanup).
func (c *Cache) Cleanup(ctx context.Context, now time.Time) error {
	statsBefore, err := c.engine.Statistics()
	if err != nil {
		return err
	}

	heads, err := c.findAllHeads(ctx)
	if err != nil {
		return err
	}

	visible, _, _, err := c.engine.Snapshot()
	if err != nil {
		return err
	}

	removedHeads, removedData := 0, 0

	good := make([]headEntry, 0, len(heads))
	for _, h := range heads {
		if !h.Head.TTL.After(now) || !dataChunksValid(visible, h.Hash, h.Head.Chunks) {
			if err := c.removeChunkByID(ctx, h.ChunkID); err != nil {
				return err
			}
			removedHeads++
			continue
		}
		good = append(good, h)
	}

	goodIDs := make(map[uint32]struct{})
	for _, h := range good {
		for _, id := range h.Head.Chunks {
			goodIDs[id] = struct{}{}
		}
	}

	orphanCutoff := now.Add(-OrphanAge)
	for _, ch := range visible {
		if ch.Type != chunk.TypeData {
			continue
		}
		if _, referenced := goodIDs[ch.ID]; referenced {
			continue
		}
		if !ch.Added.Before(orphanCutoff) {
			continue
		}
		if err := c.removeChunkByID(ctx, ch.ID); err != nil {
			return err
		}
		removedData++
	}

	if err := c.engine.CutBackPadding(ctx); err != nil {
		return err
	}

	if c.cfg.MaximumSize > 0 {
		stats, err := c.engine.Statistics()
		if err != nil {
			return err
		}
		if stats.FileSize >= c.cfg.MaximumSize {
			target := int64(float64(c.cfg.MaximumSize) * c.cfg.CutbackRatio)
			spaceNeeded := stats.FileSize - target

			heads, err = c.findAllHeads(ctx)
			if err != nil {
				return err
			}
			sort.Slice(heads, func(i, j int) bool {
				if !heads[i].Head.TTL.Equal(heads[j].Head.TTL) {
					return heads[i].Head.TTL.Before(heads[j].Head.TTL)
				}
				return heads[i].Added.Before(heads[j].Added)
			})

			for _, h := range heads {
				if spaceNeeded <= 0 {
					break
				}
				if err := c.removeHeadsAndData(ctx, []headEntry{h}); err != nil {
					return err
				}
				removedHeads++
				removedData += len(h.Head.Chunks)
				spaceNeeded -= int64(h.Head.Length)
			}

			if err := c.engine.CutBackPadding(ctx); err != nil {
				return err
			}
		}
	}

	statsAfter, err := c.engine.Statistics()
	if err != nil {
		return err
	}
	c.cfg.Metrics.CleanupRun(removedHeads, removedData, statsBefore.FileSize-statsAfter.FileSize)
	return nil
}
