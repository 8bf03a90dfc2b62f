package engine

import (
	"context"
	"io"
	"time"

	"github.com/mojoe-playground/blobcache/pkg/blobcache"
	"github.com/mojoe-playground/blobcache/pkg/chunk"
	"github.com/mojoe-playground/blobcache/pkg/storageinfo"
)

// AddChunk allocates a new chunk for payload, tagged with typ and
// userData, and returns the committed chunk record (its Changing flag
// cleared). See spec.md §4.3 add_chunk for the slot-selection priority and
// the write-as-free-then-stamp crash-safety discipline.
func (e *Engine) AddChunk(ctx context.Context, typ, userData uint32, payload []byte) (chunk.Chunk, error) {
	if uint64(len(payload)) > chunk.MaxPayloadSize {
		return chunk.Chunk{}, blobcache.New(blobcache.CodeSizeOverflow, "engine: payload too large")
	}
	if err := checkCancel(ctx); err != nil {
		return chunk.Chunk{}, err
	}

	unlock, err := e.coord.Lock(ctx)
	if err != nil {
		e.metrics.LockWait()
		return chunk.Chunk{}, blobcache.Wrap(blobcache.CodeTimeout, "engine: lock for add_chunk", err)
	}

	info, err := e.coord.ReadInfo()
	if err != nil {
		unlock()
		return chunk.Chunk{}, blobcache.Wrap(blobcache.CodeIO, "engine: read storage info", err)
	}

	id := info.NextFreeID()
	newChunk, residual, hadResidual := planAllocation(info, id, typ, userData, e.clock.Now(), payload)

	if err := e.publish(info); err != nil {
		unlock()
		return chunk.Chunk{}, err
	}
	unlock()

	if err := e.writeAllocation(newChunk, residual, hadResidual, typ, payload); err != nil {
		return chunk.Chunk{}, err
	}

	if err := checkCancel(ctx); err != nil {
		return chunk.Chunk{}, err
	}

	unlock, err = e.coord.Lock(ctx)
	if err != nil {
		e.metrics.LockWait()
		return chunk.Chunk{}, blobcache.Wrap(blobcache.CodeTimeout, "engine: lock to commit add_chunk", err)
	}
	defer unlock()

	info, err = e.coord.ReadInfo()
	if err != nil {
		return chunk.Chunk{}, blobcache.Wrap(blobcache.CodeIO, "engine: read storage info", err)
	}

	if idx := info.IndexOf(newChunk.ID); idx >= 0 {
		c := info.Chunks()[idx]
		c.Changing = false
		info.Replace(idx, c)
		newChunk = c
	}
	if hadResidual {
		if idx := info.IndexOf(residual.ID); idx >= 0 {
			c := info.Chunks()[idx]
			c.Changing = false
			info.Replace(idx, c)
		}
	}
	info.AddedVersion++

	if err := e.publish(info); err != nil {
		return chunk.Chunk{}, err
	}

	e.metrics.ChunkAdded(len(payload))
	return newChunk, nil
}

// planAllocation chooses a slot per spec.md §4.3 step 1-2 and mutates info
// in place to reflect the (still-"changing") new chunk and, for a carved
// free chunk, its residual free chunk. It does not touch AddedVersion —
// that only happens once the on-disk write has committed.
//
// Case (b)'s carve arithmetic conserves the free extent's total on-disk
// span rather than following the prose's literal "+26" figure: a free
// chunk of size S can be carved into a new chunk (28+payloadSize total
// bytes) only if a residual free chunk (28+residualSize total bytes) still
// fits in the remaining 28+S-28-payloadSize bytes, i.e. the carve
// threshold and the residual size both use chunk.Overhead (28), not 26.
// This keeps the no-gap invariant exact; see DESIGN.md for why the prose's
// dimension is off by the footer's 2 bytes.
func planAllocation(info *storageinfo.Info, id, typ, userData uint32, now time.Time, payload []byte) (newChunk, residual chunk.Chunk, hadResidual bool) {
	size := uint32(len(payload))

	chunks := info.Chunks()
	for idx, c := range chunks {
		if !c.IsFree() || c.Changing {
			continue
		}
		if c.Size == size {
			newChunk = chunk.Chunk{
				ID: id, Type: typ, UserData: userData, Size: size,
				Added: now, Position: c.Position, Changing: true,
			}
			info.Replace(idx, newChunk)
			return newChunk, chunk.Chunk{}, false
		}
	}

	for idx, c := range chunks {
		if !c.IsFree() || c.Changing {
			continue
		}
		if c.Size > size+chunk.Overhead {
			newChunk = chunk.Chunk{
				ID: id, Type: typ, UserData: userData, Size: size,
				Added: now, Position: c.Position, Changing: true,
			}
			residual = chunk.Chunk{
				ID: c.ID, Type: chunk.TypeFree, Size: c.Size - size - chunk.Overhead,
				Added: c.Added, Position: newChunk.NextPosition(), Changing: true,
			}
			info.Replace(idx, newChunk)
			info.Insert(idx+1, residual)
			return newChunk, residual, true
		}
	}

	pos := int64(prefixSize)
	if len(chunks) > 0 {
		pos = chunks[len(chunks)-1].NextPosition()
	}
	newChunk = chunk.Chunk{
		ID: id, Type: typ, UserData: userData, Size: size,
		Added: now, Position: pos, Changing: true,
	}
	info.Append(newChunk)
	return newChunk, chunk.Chunk{}, false
}

// writeAllocation performs spec.md §4.3 step 3: write the new chunk's
// header+payload+footer with its on-disk type stamped as FREE, write the
// residual free chunk's header if one was carved, then stamp the new
// chunk's real type in place.
func (e *Engine) writeAllocation(newChunk, residual chunk.Chunk, hadResidual bool, realType uint32, payload []byte) error {
	w := io.NewOffsetWriter(e.file, newChunk.Position)
	if err := chunk.WriteChunk(w, newChunk, chunk.TypeFree, payload); err != nil {
		return blobcache.Wrap(blobcache.CodeIO, "engine: write new chunk", err)
	}

	if hadResidual {
		var hdr [chunk.HeaderSize]byte
		chunk.EncodeHeader(hdr[:], residual, chunk.TypeFree)
		if _, err := e.file.WriteAt(hdr[:], residual.Position); err != nil {
			return blobcache.Wrap(blobcache.CodeIO, "engine: write residual free chunk header", err)
		}
	}

	if err := chunk.StampType(e.file, newChunk, newChunk.Position, realType); err != nil {
		return blobcache.Wrap(blobcache.CodeIO, "engine: stamp chunk type", err)
	}
	return nil
}
