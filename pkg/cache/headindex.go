package cache

import (
	"sync"
	"time"

	"github.com/mojoe-playground/blobcache/pkg/cachehead"
)

// headEntry is one decoded HEAD chunk plus the chunk id it lives at, the
// hash (user_data) it was stored under, and the HEAD chunk's own Added
// timestamp (used to rank heads for the same key — spec.md §4.4 "Latest
// valid head": "the one with the largest added timestamp").
type headEntry struct {
	ChunkID uint32
	Hash    uint32
	Added   time.Time
	Head    cachehead.Head
}

// headBucket is one head-index slot: the heads found for a query key (or
// "all heads" for the empty key), tagged with the hash they were queried
// under so an added_version invalidation can target just this entry.
type headBucket struct {
	hash    uint32
	hasHash bool
	heads   []headEntry
}

// headIndex is the in-memory read-through cache of decoded heads keyed by
// query key, invalidated against the engine's added_version/
// removed_version counters (spec.md §4.4 "Head-index").
//
// Invalidation needs the current set of HEAD chunk user_data values, not
// just the version counters, to implement "drop any entry whose stored
// hash is now present among current HEAD chunks' user_data" — callers
// supply that set on every sync() call, since they've just read the live
// chunk list anyway to answer the lookup that triggered the sync.
type headIndex struct {
	mu               sync.Mutex
	buckets          map[string]headBucket
	lastAdded        uint64
	lastRemoved      uint64
	haveSeenVersions bool
}

func newHeadIndex() *headIndex {
	return &headIndex{buckets: make(map[string]headBucket)}
}

// sync applies the invalidation rules for the latest observed
// added_version/removed_version. currentHeadHashes is the set of
// user_data values carried by every HEAD chunk visible right now.
func (h *headIndex) sync(added, removed uint64, currentHeadHashes map[uint32]struct{}) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.haveSeenVersions {
		h.lastAdded = added
		h.lastRemoved = removed
		h.haveSeenVersions = true
		return
	}

	if removed != h.lastRemoved {
		h.buckets = make(map[string]headBucket)
		h.lastRemoved = removed
		h.lastAdded = added
		return
	}

	if added != h.lastAdded {
		delete(h.buckets, "")
		for key, b := range h.buckets {
			if b.hasHash {
				if _, present := currentHeadHashes[b.hash]; present {
					delete(h.buckets, key)
				}
			}
		}
		h.lastAdded = added
	}
}

func (h *headIndex) get(queryKey string) ([]headEntry, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	b, ok := h.buckets[queryKey]
	if !ok {
		return nil, false
	}
	return b.heads, true
}

func (h *headIndex) store(queryKey string, hash uint32, hasHash bool, heads []headEntry) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.buckets[queryKey] = headBucket{hash: hash, hasHash: hasHash, heads: heads}
}

func (h *headIndex) invalidateAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.buckets = make(map[string]headBucket)
}
