package engine

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/mojoe-playground/blobcache/pkg/chunk"
	"github.com/mojoe-playground/blobcache/pkg/coordinator"
)

const testType = 100

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	path := filepath.Join(t.TempDir(), "storage.blob")
	e, err := New(path, Config{Coordinator: coordinator.NewInProcess(0)})
	if err != nil {
		t.Fatal(err)
	}
	ok, err := e.Initialize(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("expected Initialize to succeed on a fresh file")
	}
	t.Cleanup(func() { e.Close() })
	return e
}

func readAll(t *testing.T, e *Engine, id uint32) []byte {
	t.Helper()
	var got []byte
	err := e.ReadChunks(context.Background(),
		func(visible []chunk.Chunk) ([]uint32, error) { return []uint32{id}, nil },
		func(gotID uint32, r io.Reader, size int64) error {
			buf := make([]byte, size)
			if _, err := io.ReadFull(r, buf); err != nil {
				return err
			}
			got = buf
			return nil
		})
	if err != nil {
		t.Fatal(err)
	}
	return got
}

func TestFreshFileAddAndRead(t *testing.T) {
	e := newTestEngine(t)

	payload := bytes.Repeat([]byte{1}, 256)
	c, err := e.AddChunk(context.Background(), testType, 11, payload)
	if err != nil {
		t.Fatal(err)
	}
	if c.ID != 1 || c.UserData != 11 || c.Size != 256 {
		t.Fatalf("unexpected chunk: %+v", c)
	}

	got := readAll(t, e, 1)
	if !bytes.Equal(got, payload) {
		t.Fatal("read did not return written payload")
	}
}

func TestThreeAddsTwoRemovesShrinksList(t *testing.T) {
	e := newTestEngine(t)
	payload := bytes.Repeat([]byte{1}, 256)

	var ids []uint32
	for i := 0; i < 3; i++ {
		c, err := e.AddChunk(context.Background(), testType, 0, payload)
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, c.ID)
	}

	info, _ := e.coord.ReadInfo()
	if info.Len() != 3 {
		t.Fatalf("expected 3 chunks after three adds, got %d", info.Len())
	}

	removeByID := func(target uint32) RemoveSelector {
		return func(visible []chunk.Chunk) (uint32, bool) {
			for _, c := range visible {
				if c.ID == target {
					return c.ID, true
				}
			}
			return 0, false
		}
	}

	if err := e.RemoveChunk(context.Background(), removeByID(ids[1])); err != nil {
		t.Fatal(err)
	}
	info, _ = e.coord.ReadInfo()
	if info.Len() != 3 {
		t.Fatalf("expected 3 entries (one now free) after first remove, got %d", info.Len())
	}

	if err := e.RemoveChunk(context.Background(), removeByID(ids[0])); err != nil {
		t.Fatal(err)
	}
	info, _ = e.coord.ReadInfo()
	if info.Len() != 2 {
		t.Fatalf("expected 2 entries after second remove coalesced, got %d", info.Len())
	}

	freeCount := 0
	for _, c := range info.Chunks() {
		if c.IsFree() {
			freeCount++
		}
	}
	if freeCount != 1 {
		t.Fatalf("expected exactly one free chunk, got %d", freeCount)
	}
}

func TestRemoveThenAddReusesID(t *testing.T) {
	e := newTestEngine(t)
	payload := bytes.Repeat([]byte{1}, 256)

	var ids []uint32
	for i := 0; i < 3; i++ {
		c, err := e.AddChunk(context.Background(), testType, 0, payload)
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, c.ID)
	}

	for _, target := range []uint32{ids[0], ids[1]} {
		id := target
		err := e.RemoveChunk(context.Background(), func(visible []chunk.Chunk) (uint32, bool) {
			for _, c := range visible {
				if c.ID == id {
					return c.ID, true
				}
			}
			return 0, false
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	c, err := e.AddChunk(context.Background(), testType, 14, payload)
	if err != nil {
		t.Fatal(err)
	}
	if c.ID != 1 {
		t.Fatalf("expected reused id 1, got %d", c.ID)
	}
}

func TestCrashSimulationTornStampLeavesFreeChunk(t *testing.T) {
	path := filepath.Join(t.TempDir(), "storage.blob")
	e, err := New(path, Config{Coordinator: coordinator.NewInProcess(0)})
	if err != nil {
		t.Fatal(err)
	}
	if ok, err := e.Initialize(context.Background()); err != nil || !ok {
		t.Fatalf("initialize: ok=%v err=%v", ok, err)
	}

	info, _ := e.coord.ReadInfo()
	id := info.NextFreeID()
	payload := bytes.Repeat([]byte{9}, 64)
	newChunk, _, _ := planAllocation(info, id, testType, 0, e.clock.Now(), payload)
	if err := e.publish(info); err != nil {
		t.Fatal(err)
	}

	// Simulate a crash: the data+footer are written (still stamped FREE),
	// but the type-stamping rewrite never happens.
	w := io.NewOffsetWriter(e.file, newChunk.Position)
	if err := chunk.WriteChunk(w, newChunk, chunk.TypeFree, payload); err != nil {
		t.Fatal(err)
	}
	e.Close()

	// Reopen: a fresh Engine/Coordinator pair simulates a new process.
	e2, err := New(path, Config{Coordinator: coordinator.NewInProcess(0)})
	if err != nil {
		t.Fatal(err)
	}
	defer e2.Close()
	if ok, err := e2.Initialize(context.Background()); err != nil || !ok {
		t.Fatalf("reinitialize: ok=%v err=%v", ok, err)
	}

	info2, _ := e2.coord.ReadInfo()
	if info2.Len() != 1 {
		t.Fatalf("expected exactly one recovered chunk, got %d", info2.Len())
	}
	if !info2.Chunks()[0].IsFree() {
		t.Fatal("expected the torn chunk to recover as FREE")
	}

	st, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if st.Size() != newChunk.NextPosition() {
		t.Fatalf("expected no trailing gap, file size = %d, want %d", st.Size(), newChunk.NextPosition())
	}
}

func TestCutBackPadding(t *testing.T) {
	e := newTestEngine(t)
	payload := bytes.Repeat([]byte{1}, 256)

	c, err := e.AddChunk(context.Background(), testType, 0, payload)
	if err != nil {
		t.Fatal(err)
	}

	if err := e.RemoveChunk(context.Background(), func(visible []chunk.Chunk) (uint32, bool) {
		return c.ID, true
	}); err != nil {
		t.Fatal(err)
	}

	if err := e.CutBackPadding(context.Background()); err != nil {
		t.Fatal(err)
	}

	st, err := os.Stat(e.path)
	if err != nil {
		t.Fatal(err)
	}
	if st.Size() != chunk.PrefixSize {
		t.Fatalf("expected file truncated back to prefix, got size %d", st.Size())
	}

	info, _ := e.coord.ReadInfo()
	if info.Len() != 0 {
		t.Fatalf("expected empty index after cut_back_padding, got %d", info.Len())
	}
}

func TestStatisticsAndFreeChunkSizes(t *testing.T) {
	e := newTestEngine(t)
	payload := bytes.Repeat([]byte{1}, 100)

	a, err := e.AddChunk(context.Background(), testType, 0, payload)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := e.AddChunk(context.Background(), testType, 0, payload); err != nil {
		t.Fatal(err)
	}
	if err := e.RemoveChunk(context.Background(), func(visible []chunk.Chunk) (uint32, bool) {
		return a.ID, true
	}); err != nil {
		t.Fatal(err)
	}

	stats, err := e.Statistics()
	if err != nil {
		t.Fatal(err)
	}
	if stats.TotalChunks != 2 || stats.FreeChunks != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}

	sizes, err := e.GetFreeChunkSizes()
	if err != nil {
		t.Fatal(err)
	}
	if len(sizes) != 1 || sizes[0] != 100 {
		t.Fatalf("unexpected free chunk sizes: %v", sizes)
	}
}
