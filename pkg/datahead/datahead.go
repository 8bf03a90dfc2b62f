// Package datahead implements the 1-byte compression descriptor prefixing
// every DATA chunk's payload (spec.md §4.5).
package datahead

import "fmt"

// Compression identifies how a data chunk's payload (after the 1-byte
// descriptor) is encoded.
type Compression byte

const (
	None    Compression = 0
	Deflate Compression = 1
)

// Size is the fixed width of the descriptor itself.
const Size = 1

// Decode reads the descriptor byte from the front of buf, returning the
// compression and the remaining payload bytes. Unknown descriptor values
// are an error per spec.md §4.5 ("readers decode by matching on this byte;
// unknown values are an error").
func Decode(buf []byte) (Compression, []byte, error) {
	if len(buf) < Size {
		return None, nil, fmt.Errorf("blobcache: data chunk shorter than its compression descriptor")
	}
	c := Compression(buf[0])
	switch c {
	case None, Deflate:
		return c, buf[Size:], nil
	default:
		return None, nil, fmt.Errorf("blobcache: unknown data head compression value %d", buf[0])
	}
}

// Encode prepends c's descriptor byte to payload.
func Encode(c Compression, payload []byte) []byte {
	out := make([]byte, Size+len(payload))
	out[0] = byte(c)
	copy(out[Size:], payload)
	return out
}
