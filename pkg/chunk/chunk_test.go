package chunk

import (
	"bytes"
	"io"
	"os"
	"testing"
	"time"
)

func testChunk() Chunk {
	return Chunk{
		ID:       1,
		Type:     TypeData,
		UserData: 42,
		Size:     256,
		Added:    time.Now().UTC().Round(time.Microsecond),
		Position: PrefixSize,
	}
}

func TestEncodeDecodeHeaderRoundTrip(t *testing.T) {
	c := testChunk()
	var hdr [HeaderSize]byte
	EncodeHeader(hdr[:], c, c.Type)

	decoded, err := DecodeHeader(hdr[:], c.Position)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	if decoded.ID != c.ID || decoded.Type != c.Type || decoded.UserData != c.UserData || decoded.Size != c.Size {
		t.Fatalf("round trip mismatch: got %+v want %+v", decoded, c)
	}
	if decoded.Added.Unix() != c.Added.Unix() {
		t.Fatalf("added mismatch: got %v want %v", decoded.Added, c.Added)
	}
}

func TestDecodeHeaderBadCRC(t *testing.T) {
	c := testChunk()
	var hdr [HeaderSize]byte
	EncodeHeader(hdr[:], c, c.Type)
	hdr[0] ^= 0xFF // corrupt type byte without fixing CRC

	if _, err := DecodeHeader(hdr[:], c.Position); err == nil {
		t.Fatal("expected invalid_chunk error for corrupted header")
	}
}

func TestWriteAndReadChunk(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "chunk")
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	c := testChunk()
	payload := bytes.Repeat([]byte{0xAB}, int(c.Size))

	if err := WriteChunk(io.NewOffsetWriter(f, c.Position), c, c.Type, payload); err != nil {
		t.Fatalf("write: %v", err)
	}

	info, err := f.Stat()
	if err != nil {
		t.Fatal(err)
	}

	got, err := ReadHeaderAt(f, c.Position, info.Size())
	if err != nil {
		t.Fatalf("read header: %v", err)
	}
	if got.Type != c.Type || got.Size != c.Size {
		t.Fatalf("mismatch: %+v", got)
	}

	gotPayload := make([]byte, c.Size)
	if _, err := f.ReadAt(gotPayload, got.PayloadOffset()); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(gotPayload, payload) {
		t.Fatal("payload mismatch")
	}
}

func TestWriteAsFreeThenStamp(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "chunk")
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	c := testChunk()
	payload := bytes.Repeat([]byte{0x01}, int(c.Size))

	// Phase 1: write as Free.
	if err := WriteChunk(io.NewOffsetWriter(f, c.Position), c, TypeFree, payload); err != nil {
		t.Fatal(err)
	}

	info, _ := f.Stat()
	afterPhase1, err := ReadHeaderAt(f, c.Position, info.Size())
	if err != nil {
		t.Fatalf("phase 1 should decode as a valid Free chunk: %v", err)
	}
	if afterPhase1.Type != TypeFree {
		t.Fatalf("expected Free type after phase 1, got %d", afterPhase1.Type)
	}

	// Phase 2: stamp the real type.
	if err := StampType(f, c, c.Position, c.Type); err != nil {
		t.Fatal(err)
	}

	afterPhase2, err := ReadHeaderAt(f, c.Position, info.Size())
	if err != nil {
		t.Fatalf("phase 2 should still decode cleanly: %v", err)
	}
	if afterPhase2.Type != c.Type {
		t.Fatalf("expected real type after stamp, got %d", afterPhase2.Type)
	}
}

func TestSizeOverflow(t *testing.T) {
	// A payload whose length overflows MaxPayloadSize can't be constructed
	// in memory in a unit test (it would require 4GB+ of RAM), so this
	// documents the guard exists and is reachable via the public API;
	// engine-level size bookkeeping is exercised in pkg/engine.
	if MaxPayloadSize != 1<<32-1 {
		t.Fatalf("unexpected MaxPayloadSize: %d", MaxPayloadSize)
	}
}
