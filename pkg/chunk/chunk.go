// Package chunk defines the on-disk record format for the blob storage
// engine: a 26-byte header, a variable-length payload, and a 2-byte footer.
//
// Chunks are laid out contiguously starting at byte 24 of the backing file
// (the 24-byte file prefix lives before the first chunk). Every chunk is
// self-describing: its header carries the type, id, user-supplied tag,
// payload size, creation timestamp, and a CRC-16 over the rest of the
// header. The trailing 2-byte footer is reserved and always zero; its
// purpose is not recoverable from the source this module was distilled
// from (see DESIGN.md), so it is treated as padding that participates in
// layout arithmetic but is never validated.
package chunk

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/mojoe-playground/blobcache/pkg/crc16"
)

// Reserved chunk types. User-defined types must avoid these values; the
// engine itself only ever writes Free, and the cache layer only ever writes
// Data and Head. Blob is reserved for callers that want a single untyped
// chunk type and don't need the cache layer's Data/Head split.
const (
	TypeFree uint32 = 0
	TypeData uint32 = 1
	TypeHead uint32 = 2
	TypeBlob uint32 = 3
)

// HeaderSize is the fixed size, in bytes, of a chunk header.
const HeaderSize = 26

// FooterSize is the fixed size, in bytes, of a chunk footer.
const FooterSize = 2

// Overhead is the total non-payload size contributed by one chunk.
const Overhead = HeaderSize + FooterSize

// PrefixSize is the size of the file-level prefix that precedes the first
// chunk.
const PrefixSize = 24

// MaxPayloadSize is the largest payload size representable in the 32-bit
// size field, matching the spec's size_overflow boundary.
const MaxPayloadSize = 1<<32 - 1

// ErrInvalidChunk indicates a header failed CRC validation, or its declared
// size runs past the end of the file.
var ErrInvalidChunk = errors.New("blobcache: invalid chunk")

// ErrSizeOverflow indicates a payload is too large to represent in a chunk
// header.
var ErrSizeOverflow = errors.New("blobcache: chunk payload too large")

// Chunk is the in-memory representation of one on-disk record, including
// the two runtime-only fields (Changing, ReadCount) that never reach disk.
//
// Treat Chunk as a plain value. The authoritative copy lives in the
// storage-info list under the coordinator's lock; clones handed to
// selectors are read-only and mutating them has no effect on the index.
type Chunk struct {
	ID       uint32
	Type     uint32
	UserData uint32
	Size     uint32
	Added    time.Time
	Position int64
	CRC16    uint16

	// Changing is true while the chunk's on-disk bytes are being written
	// or reclaimed by a concurrent add/remove under the coordinator's
	// lock. Runtime-only; never serialized to the chunk header itself
	// (it is, however, part of the storage-info wire format, see
	// pkg/storageinfo).
	Changing bool

	// ReadCount is the number of in-flight readers currently streaming
	// this chunk's payload. Runtime-only.
	ReadCount int
}

// TotalSize returns the number of bytes this chunk occupies on disk,
// including header and footer.
func (c Chunk) TotalSize() int64 {
	return int64(HeaderSize) + int64(c.Size) + int64(FooterSize)
}

// PayloadOffset returns the file offset of the first payload byte.
func (c Chunk) PayloadOffset() int64 {
	return c.Position + HeaderSize
}

// NextPosition returns the file offset immediately following this chunk,
// i.e. where the next contiguous chunk's header would begin.
func (c Chunk) NextPosition() int64 {
	return c.Position + c.TotalSize()
}

// IsFree reports whether this chunk's type marks it as free space.
func (c Chunk) IsFree() bool {
	return c.Type == TypeFree
}

// ticksToTime and timeToTicks convert between the wire format's UTC ticks
// (100-nanosecond units, the .NET tick unit of the format this was distilled
// from, counted from the Unix epoch) and time.Time. A future format
// version bump could migrate to Unix nanoseconds; see spec.md Open Question
// (c).
const ticksPerSecond = 10_000_000

func timeToTicks(t time.Time) uint64 {
	return uint64(t.UnixNano() / 100)
}

func ticksToTime(ticks uint64) time.Time {
	return time.Unix(0, int64(ticks)*100).UTC()
}

// EncodeHeader writes the 26-byte header for c into buf[:HeaderSize],
// computing and filling in the CRC over the first 24 bytes.
//
// onDiskType is the type written into the header instead of c.Type, which
// lets add_chunk stamp the on-disk type as Free first and rewrite the header
// with the real type later via StampType (spec.md §4.3 step 3's
// write-as-free-then-stamp discipline); the CRC is computed over whichever
// type is written. Callers that don't need that trick pass c.Type.
func EncodeHeader(buf []byte, c Chunk, onDiskType uint32) {
	_ = buf[:HeaderSize] // bounds check hint
	binary.LittleEndian.PutUint32(buf[0:4], onDiskType)
	binary.LittleEndian.PutUint32(buf[4:8], c.ID)
	binary.LittleEndian.PutUint32(buf[8:12], c.UserData)
	binary.LittleEndian.PutUint32(buf[12:16], c.Size)
	binary.LittleEndian.PutUint64(buf[16:24], timeToTicks(c.Added))
	crc := crc16.Checksum(buf[0:24])
	binary.LittleEndian.PutUint16(buf[24:26], crc)
}

// DecodeHeader parses a 26-byte header at the given file position, verifying
// its CRC. It returns ErrInvalidChunk if the CRC does not match.
func DecodeHeader(buf []byte, position int64) (Chunk, error) {
	if len(buf) < HeaderSize {
		return Chunk{}, fmt.Errorf("blobcache: short header buffer: %w", ErrInvalidChunk)
	}

	want := binary.LittleEndian.Uint16(buf[24:26])
	got := crc16.Checksum(buf[0:24])
	if want != got {
		return Chunk{}, ErrInvalidChunk
	}

	return Chunk{
		Type:     binary.LittleEndian.Uint32(buf[0:4]),
		ID:       binary.LittleEndian.Uint32(buf[4:8]),
		UserData: binary.LittleEndian.Uint32(buf[8:12]),
		Size:     binary.LittleEndian.Uint32(buf[12:16]),
		Added:    ticksToTime(binary.LittleEndian.Uint64(buf[16:24])),
		Position: position,
		CRC16:    got,
	}, nil
}

// ReadHeaderAt decodes a chunk header from r at the given position, checking
// that the declared payload fits before fileSize. position is an absolute
// offset in r; callers pass the storage *os.File directly.
func ReadHeaderAt(r io.ReaderAt, position, fileSize int64) (Chunk, error) {
	var hdr [HeaderSize]byte
	if position+HeaderSize > fileSize {
		return Chunk{}, fmt.Errorf("blobcache: header runs past EOF: %w", ErrInvalidChunk)
	}
	if _, err := r.ReadAt(hdr[:], position); err != nil {
		return Chunk{}, err
	}

	c, err := DecodeHeader(hdr[:], position)
	if err != nil {
		return Chunk{}, err
	}

	if c.TotalSize()+position > fileSize {
		return Chunk{}, fmt.Errorf("blobcache: payload runs past EOF: %w", ErrInvalidChunk)
	}

	return c, nil
}

// WriteChunk writes a complete chunk (header, payload, footer) to w starting
// at the current write position, stamping the header's on-disk type field
// as onDiskType rather than c.Type. Use onDiskType == chunk.TypeFree to
// implement the write-as-free-then-stamp crash-safety discipline described
// in spec.md §4.3 step 3, and onDiskType == c.Type otherwise.
func WriteChunk(w io.Writer, c Chunk, onDiskType uint32, payload []byte) error {
	if uint64(len(payload)) > MaxPayloadSize {
		return ErrSizeOverflow
	}

	var hdr [HeaderSize]byte
	EncodeHeader(hdr[:], c, onDiskType)

	bw := bufio.NewWriterSize(w, HeaderSize+len(payload)+FooterSize)
	if _, err := bw.Write(hdr[:]); err != nil {
		return err
	}
	if _, err := bw.Write(payload); err != nil {
		return err
	}
	var footer [FooterSize]byte
	if _, err := bw.Write(footer[:]); err != nil {
		return err
	}
	return bw.Flush()
}

// StampType rewrites the header at position so its on-disk type becomes
// onDiskType, recomputing the CRC to match. This is the second half of the
// write-as-free-then-stamp discipline: once the payload and footer are
// durably on disk as a valid Free chunk, the engine publishes the real type
// by rewriting the header in place.
//
// The header's CRC necessarily changes along with the type, since the CRC
// covers the type field (spec.md §4.1). A crash strictly between the two
// header writes leaves a fully self-consistent Free chunk (the first write
// already flushed a valid header+payload+footer with a CRC matching type
// Free); a crash during this second, in-place header write — a single
// 26-byte aligned rewrite — can leave a torn header that fails CRC on the
// next recovery scan, which is within the crash-recovery guarantees this
// engine makes (spec.md's Non-goals explicitly exclude preserving in-flight
// writes).
func StampType(w io.WriterAt, c Chunk, position int64, onDiskType uint32) error {
	var hdr [HeaderSize]byte
	EncodeHeader(hdr[:], c, onDiskType)
	_, err := w.WriteAt(hdr[:], position)
	return err
}
