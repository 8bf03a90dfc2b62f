package cache

import (
	"bytes"
	"context"
	"io"

	"github.com/klauspost/compress/flate"
	"github.com/mojoe-playground/blobcache/pkg/blobcache"
	"github.com/mojoe-playground/blobcache/pkg/chunk"
	"github.com/mojoe-playground/blobcache/pkg/datahead"
)

// Get locates the latest valid head for key and, if found, calls sink
// once with the value's original length and a reader yielding exactly
// that many decompressed bytes. ok is false (with a nil error) when no
// valid head exists, matching spec.md §4.4's "get ... if none, return
// not found" — a graceful outcome, not an error (see spec.md's error
// propagation notes: "the cache layer downgrades missing/mismatched ids
// to a graceful not found rather than an error").
func (c *Cache) Get(ctx context.Context, key string, sink func(length int32, r io.Reader) error) (ok bool, err error) {
	head, hash, err := c.latestValidHead(ctx, key, c.cfg.Clock.Now())
	if err != nil {
		return false, err
	}
	if head == nil {
		c.cfg.Metrics.Miss()
		return false, nil
	}

	ids := head.Head.Chunks
	found := false

	selector := func(visible []chunk.Chunk) ([]uint32, error) {
		byID := make(map[uint32]chunk.Chunk, len(visible))
		for _, ch := range visible {
			byID[ch.ID] = ch
		}
		for _, id := range ids {
			ch, present := byID[id]
			if !present || ch.Type != chunk.TypeData || ch.UserData != hash {
				return nil, nil
			}
		}
		found = true
		return ids, nil
	}

	var buf bytes.Buffer
	streamErr := c.engine.ReadChunks(ctx, selector, func(id uint32, r io.Reader, size int64) error {
		raw := make([]byte, size)
		if _, err := io.ReadFull(r, raw); err != nil {
			return blobcache.Wrap(blobcache.CodeIO, "cache: read data chunk", err)
		}
		compression, payload, err := datahead.Decode(raw)
		if err != nil {
			return blobcache.Wrap(blobcache.CodeInvalidChunk, "cache: decode data head", err)
		}
		if compression == datahead.Deflate {
			payload, err = deflateDecompress(payload)
			if err != nil {
				return blobcache.Wrap(blobcache.CodeInvalidChunk, "cache: inflate data chunk", err)
			}
		}
		_, err = buf.Write(payload)
		return err
	})
	if streamErr != nil {
		return false, streamErr
	}
	if !found {
		c.cfg.Metrics.Miss()
		return false, nil
	}

	if err := sink(head.Head.Length, bytes.NewReader(buf.Bytes())); err != nil {
		return false, err
	}
	c.cfg.Metrics.Hit(int(head.Head.Length))
	return true, nil
}

// Remove removes every head chunk for key and its referenced data chunks,
// reporting whether anything was removed (spec.md §4.4 remove).
func (c *Cache) Remove(ctx context.Context, key string) (bool, error) {
	heads, _, err := c.findHeadsForKey(ctx, key)
	if err != nil {
		return false, err
	}
	if len(heads) == 0 {
		return false, nil
	}
	if err := c.removeHeadsAndData(ctx, heads); err != nil {
		return false, err
	}
	c.cfg.Metrics.Removed()
	return true, nil
}

func deflateDecompress(data []byte) ([]byte, error) {
	r := flate.NewReader(bytes.NewReader(data))
	defer r.Close()
	return io.ReadAll(r)
}
