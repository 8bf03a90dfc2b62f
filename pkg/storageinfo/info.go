// Package storageinfo holds the in-memory index of every chunk in a blob
// storage file: an ordered chunk list, an id→index map for O(1) lookup, and
// the monotonically increasing version counters consumers use to
// invalidate their own caches (see pkg/cache's head-index).
//
// Info is owned by the coordinator (pkg/coordinator); the engine only ever
// mutates it while holding the coordinator's lock, and callers elsewhere
// only ever see read-only snapshots.
package storageinfo

import "github.com/mojoe-playground/blobcache/pkg/chunk"

// Info is the in-memory index of all chunks in one storage file.
type Info struct {
	Initialized bool

	AddedVersion    uint64
	RemovedVersion  uint64
	ModifiedVersion uint64

	chunks  []chunk.Chunk
	byID    map[uint32]int // chunk id -> index into chunks
}

// New returns an empty, uninitialized Info.
func New() *Info {
	return &Info{byID: make(map[uint32]int)}
}

// Clone returns a deep copy of info, safe to hand to a selector or reader
// outside the coordinator's lock. Chunk values are already plain value
// types, so cloning the slice is sufficient.
func (info *Info) Clone() *Info {
	out := &Info{
		Initialized:     info.Initialized,
		AddedVersion:    info.AddedVersion,
		RemovedVersion:  info.RemovedVersion,
		ModifiedVersion: info.ModifiedVersion,
		chunks:          append([]chunk.Chunk(nil), info.chunks...),
		byID:            make(map[uint32]int, len(info.byID)),
	}
	for id, idx := range info.byID {
		out.byID[id] = idx
	}
	return out
}

// Chunks returns the chunk list in storage (position) order. The returned
// slice must not be mutated by the caller; callers needing to mutate should
// clone first.
func (info *Info) Chunks() []chunk.Chunk {
	return info.chunks
}

// Len returns the number of chunks in the index, including free chunks.
func (info *Info) Len() int {
	return len(info.chunks)
}

// ByID returns the chunk with the given id and true, or the zero Chunk and
// false if no such chunk exists.
func (info *Info) ByID(id uint32) (chunk.Chunk, bool) {
	idx, ok := info.byID[id]
	if !ok {
		return chunk.Chunk{}, false
	}
	return info.chunks[idx], true
}

// IndexOf returns the position of id within Chunks(), or -1 if absent.
func (info *Info) IndexOf(id uint32) int {
	idx, ok := info.byID[id]
	if !ok {
		return -1
	}
	return idx
}

// NextFreeID returns the smallest positive integer not currently assigned
// to any chunk, per spec.md §4.3 step 2: "the smallest positive integer not
// present among current chunk ids (scan in ascending order)".
func (info *Info) NextFreeID() uint32 {
	candidate := uint32(1)
	for {
		if _, exists := info.byID[candidate]; !exists {
			return candidate
		}
		candidate++
	}
}

// Append adds c to the end of the chunk list (used during initial recovery
// scan, where chunks are discovered in storage order) and indexes it.
func (info *Info) Append(c chunk.Chunk) {
	info.chunks = append(info.chunks, c)
	info.byID[c.ID] = len(info.chunks) - 1
}

// Replace overwrites the chunk at index idx in place, keeping the id index
// consistent (the id may legitimately change, e.g. a Free chunk being
// reused with a fresh id).
func (info *Info) Replace(idx int, c chunk.Chunk) {
	old := info.chunks[idx]
	if old.ID != c.ID {
		delete(info.byID, old.ID)
	}
	info.chunks[idx] = c
	info.byID[c.ID] = idx
}

// Insert adds c at position idx, shifting subsequent entries right. Used
// when carving a free chunk (spec.md §4.3 step 2, case b) creates a new
// residual free chunk immediately after the newly allocated one.
func (info *Info) Insert(idx int, c chunk.Chunk) {
	info.chunks = append(info.chunks, chunk.Chunk{})
	copy(info.chunks[idx+1:], info.chunks[idx:])
	info.chunks[idx] = c
	info.reindexFrom(idx)
}

// RemoveAt deletes the chunk at index idx from the list entirely (used when
// coalescing consumes a neighbor chunk during remove_chunk).
func (info *Info) RemoveAt(idx int) {
	delete(info.byID, info.chunks[idx].ID)
	info.chunks = append(info.chunks[:idx], info.chunks[idx+1:]...)
	info.reindexFrom(idx)
}

func (info *Info) reindexFrom(start int) {
	for i := start; i < len(info.chunks); i++ {
		info.byID[info.chunks[i].ID] = i
	}
}

// FreeChunkSizes returns the sizes of all Free chunks in storage order, for
// the engine's get_free_chunk_sizes operation.
func (info *Info) FreeChunkSizes() []uint32 {
	var sizes []uint32
	for _, c := range info.chunks {
		if c.IsFree() {
			sizes = append(sizes, c.Size)
		}
	}
	return sizes
}
