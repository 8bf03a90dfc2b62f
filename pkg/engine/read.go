package engine

import (
	"context"
	"io"

	"github.com/mojoe-playground/blobcache/internal/bufpool"
	"github.com/mojoe-playground/blobcache/pkg/blobcache"
	"github.com/mojoe-playground/blobcache/pkg/chunk"
)

// ReadChunks asks selector to choose an ordered list of chunk ids from the
// currently visible (non-free, non-changing) set, streams each chosen
// chunk's payload to sink in order, and always runs the read_count
// decrement step afterward even if a read or sink returns an error
// (spec.md §4.3 read_chunks). A selector error returns before any
// read_count is raised.
func (e *Engine) ReadChunks(ctx context.Context, selector ReadSelector, sink Sink) error {
	if err := checkCancel(ctx); err != nil {
		return err
	}

	unlock, err := e.coord.Lock(ctx)
	if err != nil {
		e.metrics.LockWait()
		return blobcache.Wrap(blobcache.CodeTimeout, "engine: lock for read_chunks", err)
	}

	info, err := e.coord.ReadInfo()
	if err != nil {
		unlock()
		return blobcache.Wrap(blobcache.CodeIO, "engine: read storage info", err)
	}

	ids, selErr := selector(visibleChunks(info))
	if selErr != nil {
		unlock()
		return selErr
	}

	chosen := make([]chunk.Chunk, 0, len(ids))
	for _, id := range ids {
		idx := info.IndexOf(id)
		if idx < 0 {
			unlock()
			return blobcache.New(blobcache.CodeInvalidArgument, "engine: selector chose an id not currently visible")
		}
		c := info.Chunks()[idx]
		c.ReadCount++
		info.Replace(idx, c)
		chosen = append(chosen, c)
	}
	if err := e.publish(info); err != nil {
		unlock()
		return err
	}
	unlock()

	streamErr := e.streamAll(ctx, chosen, sink)

	unlock, err = e.coord.Lock(ctx)
	if err != nil {
		e.metrics.LockWait()
		return blobcache.Wrap(blobcache.CodeTimeout, "engine: lock to release read_chunks", err)
	}
	defer unlock()

	info, err = e.coord.ReadInfo()
	if err != nil {
		return blobcache.Wrap(blobcache.CodeIO, "engine: read storage info", err)
	}

	anyCleared := false
	for _, c := range chosen {
		idx := info.IndexOf(c.ID)
		if idx < 0 {
			continue
		}
		cur := info.Chunks()[idx]
		if cur.ReadCount > 0 {
			cur.ReadCount--
		}
		info.Replace(idx, cur)
		if cur.ReadCount == 0 {
			anyCleared = true
		}
	}
	if err := e.publish(info); err != nil {
		return err
	}
	if anyCleared {
		e.coord.SignalReadFinish()
	}

	return streamErr
}

func (e *Engine) streamAll(ctx context.Context, chosen []chunk.Chunk, sink Sink) error {
	for _, c := range chosen {
		if err := checkCancel(ctx); err != nil {
			return err
		}
		r := io.NewSectionReader(e.file, c.PayloadOffset(), int64(c.Size))
		if err := sink(c.ID, r, int64(c.Size)); err != nil {
			return blobcache.Wrap(blobcache.CodeIO, "engine: stream chunk payload", err)
		}
		e.metrics.ChunkRead(int(c.Size))
	}
	return nil
}

// CopyPayload drains src (exactly size bytes, as handed to a Sink) into dst
// using a pooled 64KiB buffer, matching spec.md §4.3's "streaming uses
// <=64 KiB buffers". Exported so pkg/cache's sinks don't need their own
// buffering.
func CopyPayload(dst io.Writer, src io.Reader, size int64) error {
	buf := bufpool.Get()
	defer bufpool.Put(buf)
	_, err := io.CopyBuffer(dst, io.LimitReader(src, size), buf)
	return err
}
