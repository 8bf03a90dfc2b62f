package datahead

import (
	"bytes"
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	payload := []byte("hello world")
	encoded := Encode(Deflate, payload)

	c, rest, err := Decode(encoded)
	if err != nil {
		t.Fatal(err)
	}
	if c != Deflate {
		t.Fatalf("expected Deflate, got %v", c)
	}
	if !bytes.Equal(rest, payload) {
		t.Fatal("payload mismatch after round trip")
	}
}

func TestDecodeUnknownCompressionIsError(t *testing.T) {
	if _, _, err := Decode([]byte{0xFF, 1, 2, 3}); err == nil {
		t.Fatal("expected error for unknown compression descriptor")
	}
}

func TestDecodeShortBufferIsError(t *testing.T) {
	if _, _, err := Decode(nil); err == nil {
		t.Fatal("expected error for empty buffer")
	}
}
