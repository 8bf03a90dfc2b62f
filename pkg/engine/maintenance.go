package engine

import (
	"context"

	"github.com/mojoe-playground/blobcache/pkg/blobcache"
	"github.com/mojoe-playground/blobcache/pkg/chunk"
)

// CutBackPadding truncates the file while the last chunk in position order
// is free, shrinking both the file and the index (spec.md §4.3
// cut_back_padding).
func (e *Engine) CutBackPadding(ctx context.Context) error {
	if err := checkCancel(ctx); err != nil {
		return err
	}

	unlock, err := e.coord.Lock(ctx)
	if err != nil {
		e.metrics.LockWait()
		return blobcache.Wrap(blobcache.CodeTimeout, "engine: lock for cut_back_padding", err)
	}
	defer unlock()

	info, err := e.coord.ReadInfo()
	if err != nil {
		return blobcache.Wrap(blobcache.CodeIO, "engine: read storage info", err)
	}

	changed := false
	for info.Len() > 0 {
		last := info.Chunks()[info.Len()-1]
		if !last.IsFree() || last.Changing {
			break
		}
		if err := e.file.Truncate(last.Position); err != nil {
			return blobcache.Wrap(blobcache.CodeIO, "engine: truncate padding", err)
		}
		info.RemoveAt(info.Len() - 1)
		changed = true
	}

	if changed {
		return e.publish(info)
	}
	return nil
}

// Stats summarizes the current storage file (spec.md §4.3 statistics).
type Stats struct {
	FileSize      int64
	TotalChunks   int
	FreeChunks    int
	UsedBytes     int64
	FreeBytes     int64
	OverheadBytes int64
}

// Statistics returns sums of chunk sizes, counts, and overhead.
func (e *Engine) Statistics() (Stats, error) {
	info, err := e.coord.ReadInfo()
	if err != nil {
		return Stats{}, blobcache.Wrap(blobcache.CodeIO, "engine: read storage info", err)
	}

	var stats Stats
	for _, c := range info.Chunks() {
		stats.TotalChunks++
		stats.OverheadBytes += chunk.Overhead
		if c.IsFree() {
			stats.FreeChunks++
			stats.FreeBytes += int64(c.Size)
		} else {
			stats.UsedBytes += int64(c.Size)
		}
	}

	st, err := e.file.Stat()
	if err != nil {
		return Stats{}, blobcache.Wrap(blobcache.CodeIO, "engine: stat storage file", err)
	}
	stats.FileSize = st.Size()

	return stats, nil
}

// GetFreeChunkSizes returns the sizes of all free chunks in storage order.
func (e *Engine) GetFreeChunkSizes() ([]uint32, error) {
	info, err := e.coord.ReadInfo()
	if err != nil {
		return nil, blobcache.Wrap(blobcache.CodeIO, "engine: read storage info", err)
	}
	return info.FreeChunkSizes(), nil
}
