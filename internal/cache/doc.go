// Package cache provides caches for immutable blob blocks.
//
// Blocks are addressed by Key, which carries the generation of the blob they
// were read from. A rewritten blob gets a new generation, so callers never
// invalidate entries explicitly and old blocks are evicted naturally.
//
// # Implementations
//
//   - LRUBlockCache: a single LRU list that reserves memory through a
//     resource.Controller
//   - ShardedLRUBlockCache: 64 LRU shards selected by an xxhash of the key
//   - RistrettoBlockCache: ristretto with TinyLFU admission and cost-based
//     eviction
package cache
