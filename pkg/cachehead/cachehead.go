// Package cachehead implements the payload codec for a cache HEAD chunk:
// key, TTL, decoded length, and the ordered list of DATA chunk ids that
// make up the value (spec.md §3 "Cache head", §6 "Cache head payload").
package cachehead

import (
	"encoding/binary"
	"fmt"
	"time"
)

// Head is the decoded payload of one HEAD chunk.
type Head struct {
	Key    string
	TTL    time.Time
	Length int32
	Chunks []uint32
}

// timeToTicks and ticksToTime match pkg/chunk's 100-nanosecond tick
// convention; duplicated here since pkg/chunk does not export them (see pkg/storageinfo/codec.go for the same
// duplication and its rationale).
func timeToTicks(t time.Time) uint64 { return uint64(t.UnixNano() / 100) }
func ticksToTime(ticks uint64) time.Time { return time.Unix(0, int64(ticks)*100).UTC() }

// EncodedSize returns the number of bytes Encode will produce for h.
func (h Head) EncodedSize() int {
	return 4 + len(h.Key) + 8 + 4 + 4 + 4*len(h.Chunks)
}

// Encode serializes h per spec.md §6: key as a length-prefixed UTF-8
// string, ttl_ticks, length, chunk_count, then chunk_count x u32 ids.
func (h Head) Encode() []byte {
	buf := make([]byte, h.EncodedSize())
	off := 0

	binary.LittleEndian.PutUint32(buf[off:], uint32(len(h.Key)))
	off += 4
	off += copy(buf[off:], h.Key)

	binary.LittleEndian.PutUint64(buf[off:], timeToTicks(h.TTL))
	off += 8

	binary.LittleEndian.PutUint32(buf[off:], uint32(h.Length))
	off += 4

	binary.LittleEndian.PutUint32(buf[off:], uint32(len(h.Chunks)))
	off += 4

	for _, id := range h.Chunks {
		binary.LittleEndian.PutUint32(buf[off:], id)
		off += 4
	}

	return buf
}

// Decode parses a Head from buf.
func Decode(buf []byte) (Head, error) {
	if len(buf) < 4 {
		return Head{}, fmt.Errorf("blobcache: cache head too short for key length")
	}
	off := 0
	keyLen := int(binary.LittleEndian.Uint32(buf[off:]))
	off += 4

	if len(buf) < off+keyLen+8+4+4 {
		return Head{}, fmt.Errorf("blobcache: cache head truncated")
	}
	key := string(buf[off : off+keyLen])
	off += keyLen

	ttl := ticksToTime(binary.LittleEndian.Uint64(buf[off:]))
	off += 8

	length := int32(binary.LittleEndian.Uint32(buf[off:]))
	off += 4

	count := int(binary.LittleEndian.Uint32(buf[off:]))
	off += 4

	if len(buf) < off+4*count {
		return Head{}, fmt.Errorf("blobcache: cache head truncated in chunk id list")
	}
	ids := make([]uint32, count)
	for i := 0; i < count; i++ {
		ids[i] = binary.LittleEndian.Uint32(buf[off:])
		off += 4
	}

	return Head{Key: key, TTL: ttl, Length: length, Chunks: ids}, nil
}
