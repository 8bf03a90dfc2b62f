package storageinfo

import (
	"testing"
	"time"

	"github.com/mojoe-playground/blobcache/pkg/chunk"
)

func sampleInfo() *Info {
	info := New()
	info.Initialized = true
	info.AddedVersion = 3
	info.RemovedVersion = 1
	info.ModifiedVersion = 4

	info.Append(chunk.Chunk{
		ID:       1,
		Type:     chunk.TypeData,
		UserData: 7,
		Size:     128,
		Added:    time.Now().UTC().Round(time.Microsecond),
		Position: chunk.PrefixSize,
		CRC16:    0xBEEF,
		Changing: false,
		ReadCount: 0,
	})
	info.Append(chunk.Chunk{
		ID:        2,
		Type:      chunk.TypeFree,
		Size:      64,
		Added:     time.Now().UTC().Round(time.Microsecond),
		Position:  chunk.PrefixSize + 128 + chunk.Overhead,
		Changing:  true,
		ReadCount: 2,
	})

	return info
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	want := sampleInfo()

	buf := make([]byte, want.EncodedSize())
	n := want.Encode(buf)
	if n != len(buf) {
		t.Fatalf("encode wrote %d bytes, want %d", n, len(buf))
	}

	got, err := Decode(buf)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	if got.Initialized != want.Initialized ||
		got.AddedVersion != want.AddedVersion ||
		got.RemovedVersion != want.RemovedVersion ||
		got.ModifiedVersion != want.ModifiedVersion ||
		got.Len() != want.Len() {
		t.Fatalf("header mismatch: got %+v want %+v", got, want)
	}

	for i, wc := range want.Chunks() {
		gc := got.Chunks()[i]
		if gc.ID != wc.ID || gc.Type != wc.Type || gc.UserData != wc.UserData ||
			gc.Size != wc.Size || gc.Position != wc.Position || gc.CRC16 != wc.CRC16 ||
			gc.Changing != wc.Changing || gc.ReadCount != wc.ReadCount {
			t.Fatalf("chunk %d mismatch: got %+v want %+v", i, gc, wc)
		}
		if gc.Added.Unix() != wc.Added.Unix() {
			t.Fatalf("chunk %d added mismatch: got %v want %v", i, gc.Added, wc.Added)
		}
	}
}

func TestDecodeTruncated(t *testing.T) {
	info := sampleInfo()
	buf := make([]byte, info.EncodedSize())
	info.Encode(buf)

	if _, err := Decode(buf[:headerSize-1]); err != ErrTruncated {
		t.Fatalf("expected ErrTruncated for short header, got %v", err)
	}
	if _, err := Decode(buf[:headerSize+entrySize-1]); err != ErrTruncated {
		t.Fatalf("expected ErrTruncated for short entry list, got %v", err)
	}
}

func TestNextFreeID(t *testing.T) {
	info := New()
	info.Append(chunk.Chunk{ID: 1})
	info.Append(chunk.Chunk{ID: 3})

	if got := info.NextFreeID(); got != 2 {
		t.Fatalf("NextFreeID = %d, want 2", got)
	}
}

func TestInsertAndRemoveAt(t *testing.T) {
	info := New()
	info.Append(chunk.Chunk{ID: 1, Position: 0})
	info.Append(chunk.Chunk{ID: 2, Position: 100})

	info.Insert(1, chunk.Chunk{ID: 3, Position: 50})
	if info.Len() != 3 {
		t.Fatalf("expected 3 chunks after insert, got %d", info.Len())
	}
	if idx := info.IndexOf(2); idx != 2 {
		t.Fatalf("expected chunk 2 shifted to index 2, got %d", idx)
	}

	info.RemoveAt(0)
	if info.Len() != 2 {
		t.Fatalf("expected 2 chunks after remove, got %d", info.Len())
	}
	if _, ok := info.ByID(1); ok {
		t.Fatal("expected chunk 1 to be gone")
	}
	if idx := info.IndexOf(2); idx != 1 {
		t.Fatalf("expected chunk 2 at index 1 after remove, got %d", idx)
	}
}

func TestCloneIsIndependent(t *testing.T) {
	info := sampleInfo()
	clone := info.Clone()

	clone.AddedVersion = 999
	clone.RemoveAt(0)

	if info.AddedVersion == 999 {
		t.Fatal("mutating clone's version affected original")
	}
	if info.Len() == clone.Len() {
		t.Fatal("mutating clone's chunk list affected original")
	}
}

func TestFreeChunkSizes(t *testing.T) {
	info := New()
	info.Append(chunk.Chunk{ID: 1, Type: chunk.TypeData, Size: 10})
	info.Append(chunk.Chunk{ID: 2, Type: chunk.TypeFree, Size: 20})
	info.Append(chunk.Chunk{ID: 3, Type: chunk.TypeFree, Size: 30})

	sizes := info.FreeChunkSizes()
	if len(sizes) != 2 || sizes[0] != 20 || sizes[1] != 30 {
		t.Fatalf("unexpected free sizes: %v", sizes)
	}
}
