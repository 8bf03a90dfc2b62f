package cache

import "github.com/cespare/xxhash/v2"

// hashKey computes the 32-bit opaque bucket tag stored as a chunk's
// user_data field (spec.md §4.4 add step 1: "Hash the key (32-bit)").
// xxhash's 64-bit digest is truncated to the low 32 bits, matching the
// truncated-xxhash approach other_examples/rpcpool-yellowstone-faithful
// uses for its compact index keys.
//
// key must already be folded through the cache's configured KeyComparer
// (see (*Cache).keyHash) so that keys the comparer treats as equal land in
// the same bucket — hashing the raw key would make CaseInsensitive a no-op,
// since "Key" and "key" would hash to different user_data tags and never
// find each other's HEAD chunk.
func hashKey(key string) uint32 {
	return uint32(xxhash.Sum64String(key))
}

// keyHash folds key through c's configured KeyComparer before hashing it,
// so every lookup and every stored chunk agree on which bucket a key
// belongs to regardless of case.
func (c *Cache) keyHash(key string) uint32 {
	return hashKey(c.cfg.KeyComparer.Fold(key))
}
