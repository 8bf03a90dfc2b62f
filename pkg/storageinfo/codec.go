package storageinfo

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/mojoe-playground/blobcache/pkg/chunk"
)

// timeToTicks and ticksToTime mirror the 100-nanosecond tick convention used
// by pkg/chunk's header codec (see chunk.go), duplicated here since the
// chunk package does not export its tick helpers.
func timeToTicks(t time.Time) uint64 {
	return uint64(t.UnixNano() / 100)
}

func ticksToTime(ticks uint64) time.Time {
	return time.Unix(0, int64(ticks)*100).UTC()
}

// headerSize is the fixed-size prefix of the shared-buffer wire format:
// initialized(1) + modified_version(8) + added_version(8) + removed_version(8) + chunk_count(4).
const headerSize = 1 + 8 + 8 + 8 + 4

// entrySize is the fixed size of one serialized chunk entry:
// position(8) + type(4) + id(4) + user_data(4) + size(4) + added_ticks(8) + crc16(2) + changing(1) + read_count(4).
const entrySize = 8 + 4 + 4 + 4 + 4 + 8 + 2 + 1 + 4

// ErrTruncated indicates a shared buffer is too short to hold the chunk
// count it declares.
var ErrTruncated = fmt.Errorf("blobcache: storage-info buffer truncated")

// EncodedSize returns the number of bytes Encode will write for info.
func (info *Info) EncodedSize() int {
	return headerSize + entrySize*len(info.chunks)
}

// Encode serializes info into buf per the coordinator shared-memory wire
// format, for writing into the cross-process coordinator's shared memory
// segment (or for in-process snapshotting/debugging). buf must be at least
// EncodedSize() bytes.
func (info *Info) Encode(buf []byte) int {
	n := info.EncodedSize()
	_ = buf[:n]

	off := 0
	if info.Initialized {
		buf[off] = 1
	} else {
		buf[off] = 0
	}
	off++
	binary.LittleEndian.PutUint64(buf[off:], info.ModifiedVersion)
	off += 8
	binary.LittleEndian.PutUint64(buf[off:], info.AddedVersion)
	off += 8
	binary.LittleEndian.PutUint64(buf[off:], info.RemovedVersion)
	off += 8
	binary.LittleEndian.PutUint32(buf[off:], uint32(len(info.chunks)))
	off += 4

	for _, c := range info.chunks {
		binary.LittleEndian.PutUint64(buf[off:], uint64(c.Position))
		off += 8
		binary.LittleEndian.PutUint32(buf[off:], c.Type)
		off += 4
		binary.LittleEndian.PutUint32(buf[off:], c.ID)
		off += 4
		binary.LittleEndian.PutUint32(buf[off:], c.UserData)
		off += 4
		binary.LittleEndian.PutUint32(buf[off:], c.Size)
		off += 4
		binary.LittleEndian.PutUint64(buf[off:], timeToTicks(c.Added))
		off += 8
		binary.LittleEndian.PutUint16(buf[off:], c.CRC16)
		off += 2
		if c.Changing {
			buf[off] = 1
		} else {
			buf[off] = 0
		}
		off++
		binary.LittleEndian.PutUint32(buf[off:], uint32(c.ReadCount))
		off += 4
	}

	return off
}

// Decode parses a shared-buffer image written by Encode into a fresh Info.
func Decode(buf []byte) (*Info, error) {
	if len(buf) < headerSize {
		return nil, ErrTruncated
	}

	info := New()
	off := 0
	info.Initialized = buf[off] != 0
	off++
	info.ModifiedVersion = binary.LittleEndian.Uint64(buf[off:])
	off += 8
	info.AddedVersion = binary.LittleEndian.Uint64(buf[off:])
	off += 8
	info.RemovedVersion = binary.LittleEndian.Uint64(buf[off:])
	off += 8
	count := binary.LittleEndian.Uint32(buf[off:])
	off += 4

	if len(buf) < headerSize+entrySize*int(count) {
		return nil, ErrTruncated
	}

	info.chunks = make([]chunk.Chunk, 0, count)
	for i := uint32(0); i < count; i++ {
		var c chunk.Chunk
		c.Position = int64(binary.LittleEndian.Uint64(buf[off:]))
		off += 8
		c.Type = binary.LittleEndian.Uint32(buf[off:])
		off += 4
		c.ID = binary.LittleEndian.Uint32(buf[off:])
		off += 4
		c.UserData = binary.LittleEndian.Uint32(buf[off:])
		off += 4
		c.Size = binary.LittleEndian.Uint32(buf[off:])
		off += 4
		c.Added = ticksToTime(binary.LittleEndian.Uint64(buf[off:]))
		off += 8
		c.CRC16 = binary.LittleEndian.Uint16(buf[off:])
		off += 2
		c.Changing = buf[off] != 0
		off++
		c.ReadCount = int(binary.LittleEndian.Uint32(buf[off:]))
		off += 4

		info.Append(c)
	}

	return info, nil
}
