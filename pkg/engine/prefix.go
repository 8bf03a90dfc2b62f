package engine

import (
	"encoding/binary"

	"github.com/google/uuid"
)

// magic is the 4-byte tag at the start of every storage file.
var magic = [4]byte{'B', 'L', 'O', 'B'}

// formatVersion is the version this engine writes; files with any version
// up to and including it are accepted.
const formatVersion uint32 = 1

// filePrefix is the fixed 24-byte header preceding the first chunk:
// magic(4) + version(4) + file-id(16).
type filePrefix struct {
	Version uint32
	FileID  [16]byte
}

func encodePrefix(p filePrefix) []byte {
	buf := make([]byte, prefixSize)
	copy(buf[0:4], magic[:])
	binary.LittleEndian.PutUint32(buf[4:8], p.Version)
	copy(buf[8:24], p.FileID[:])
	return buf
}

// decodePrefix parses buf (must be prefixSize bytes) into a filePrefix,
// reporting ok=false if the magic doesn't match or the version is newer
// than this engine understands — both are unsupported_format conditions
// per spec.md §7, not errors.
func decodePrefix(buf []byte) (filePrefix, bool) {
	if len(buf) < prefixSize {
		return filePrefix{}, false
	}
	if buf[0] != magic[0] || buf[1] != magic[1] || buf[2] != magic[2] || buf[3] != magic[3] {
		return filePrefix{}, false
	}

	version := binary.LittleEndian.Uint32(buf[4:8])
	if version > formatVersion {
		return filePrefix{}, false
	}

	var p filePrefix
	p.Version = version
	copy(p.FileID[:], buf[8:24])
	return p, true
}

// newFileID returns a fresh random, stable file-id, used to name
// cross-process coordination primitives (pkg/coordinator).
func newFileID() [16]byte {
	return [16]byte(uuid.New())
}
