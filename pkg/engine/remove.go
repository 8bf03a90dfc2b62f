package engine

import (
	"context"

	"github.com/mojoe-playground/blobcache/pkg/blobcache"
	"github.com/mojoe-playground/blobcache/pkg/chunk"
	"github.com/mojoe-playground/blobcache/pkg/storageinfo"
)

// RemoveChunk asks selector to choose a chunk from the currently visible
// (non-free, non-changing) set and removes it, retrying while the chosen
// chunk has active readers. ok=false from selector is a successful no-op.
//
// See spec.md §4.3 remove_chunk. There is no separate signal_wait_required
// call: WaitForReadFinish always re-checks the real ReadCount values in the
// published storage-info rather than trusting a reset-able event in
// isolation, so a distinct "arm the event" step isn't needed (see
// DESIGN.md).
func (e *Engine) RemoveChunk(ctx context.Context, selector RemoveSelector) error {
	for {
		if err := checkCancel(ctx); err != nil {
			return err
		}

		unlock, err := e.coord.Lock(ctx)
		if err != nil {
			e.metrics.LockWait()
			return blobcache.Wrap(blobcache.CodeTimeout, "engine: lock for remove_chunk", err)
		}

		info, err := e.coord.ReadInfo()
		if err != nil {
			unlock()
			return blobcache.Wrap(blobcache.CodeIO, "engine: read storage info", err)
		}

		id, ok := selector(visibleChunks(info))
		if !ok {
			unlock()
			return nil
		}

		idx := info.IndexOf(id)
		if idx < 0 {
			unlock()
			return nil
		}
		chosen := info.Chunks()[idx]

		if chosen.ReadCount > 0 {
			unlock()
			if err := e.coord.WaitForReadFinish(ctx); err != nil {
				return blobcache.Wrap(blobcache.CodeTimeout, "engine: wait for readers to finish", err)
			}
			continue
		}

		survivor := mergeFree(info, idx, chosen)

		info.RemovedVersion++
		if err := e.publish(info); err != nil {
			unlock()
			return err
		}
		unlock()

		var hdr [chunk.HeaderSize]byte
		chunk.EncodeHeader(hdr[:], survivor, chunk.TypeFree)
		if _, err := e.file.WriteAt(hdr[:], survivor.Position); err != nil {
			return blobcache.Wrap(blobcache.CodeIO, "engine: write freed chunk header", err)
		}

		unlock, err = e.coord.Lock(ctx)
		if err != nil {
			e.metrics.LockWait()
			return blobcache.Wrap(blobcache.CodeTimeout, "engine: lock to commit remove_chunk", err)
		}

		info, err = e.coord.ReadInfo()
		if err != nil {
			unlock()
			return blobcache.Wrap(blobcache.CodeIO, "engine: read storage info", err)
		}
		if idx := info.IndexOf(survivor.ID); idx >= 0 {
			c := info.Chunks()[idx]
			c.Changing = false
			info.Replace(idx, c)
		}
		err = e.publish(info)
		unlock()
		if err != nil {
			return err
		}

		e.metrics.ChunkRemoved(int(chosen.Size))
		return nil
	}
}

// mergeFree reclaims chosen (at index idx) as free space, coalescing with
// an immediately adjacent free, non-changing neighbor on either side
// (spec.md §4.3 step 3). It mutates info in place and returns the
// surviving free chunk.
//
// Like planAllocation's carve math, the merged size conserves the total
// on-disk span of chosen plus any absorbed neighbor(s) using
// chunk.Overhead (28 bytes: header+footer) rather than the prose's "+26",
// for the same reason — see DESIGN.md.
func mergeFree(info *storageinfo.Info, idx int, chosen chunk.Chunk) chunk.Chunk {
	chunks := info.Chunks()

	var prev, next chunk.Chunk
	mergePrev := idx-1 >= 0 && chunks[idx-1].IsFree() && !chunks[idx-1].Changing
	if mergePrev {
		prev = chunks[idx-1]
	}
	mergeNext := idx+1 < len(chunks) && chunks[idx+1].IsFree() && !chunks[idx+1].Changing
	if mergeNext {
		next = chunks[idx+1]
	}

	survivor := chosen
	survivor.Type = chunk.TypeFree
	survivor.UserData = 0
	survivor.Changing = true

	if mergeNext {
		survivor.Size += next.Size + chunk.Overhead
		info.RemoveAt(idx + 1)
	}
	if mergePrev {
		survivor.Position = prev.Position
		survivor.Size += prev.Size + chunk.Overhead
		info.RemoveAt(idx - 1)
		idx--
	}

	info.Replace(idx, survivor)
	return survivor
}
