package cache

import (
	"context"

	"github.com/hupe1980/blockstore/internal/resource"
)

const numShards = 64

// ShardedLRUBlockCache spreads blocks over 64 LRU shards to reduce lock
// contention under parallel reads.
type ShardedLRUBlockCache struct {
	shards [numShards]*LRUBlockCache
}

// NewShardedLRUBlockCache creates a new sharded LRU cache.
// The capacity is divided evenly across all shards.
func NewShardedLRUBlockCache(capacity int64, rc *resource.Controller) *ShardedLRUBlockCache {
	shardCapacity := max(capacity/numShards, 1)

	s := &ShardedLRUBlockCache{}
	for i := range numShards {
		s.shards[i] = NewLRUBlockCache(shardCapacity, rc)
	}
	return s
}

func (s *ShardedLRUBlockCache) shard(key Key) *LRUBlockCache {
	return s.shards[key.Hash()%numShards]
}

// Get returns a cached block.
func (s *ShardedLRUBlockCache) Get(ctx context.Context, key Key) ([]byte, bool) {
	return s.shard(key).Get(ctx, key)
}

// Set caches a block.
func (s *ShardedLRUBlockCache) Set(ctx context.Context, key Key, b []byte) {
	s.shard(key).Set(ctx, key, b)
}

// Delete drops a block.
func (s *ShardedLRUBlockCache) Delete(key Key) {
	s.shard(key).Delete(key)
}

// Close closes all shards.
func (s *ShardedLRUBlockCache) Close() error {
	for _, sh := range s.shards {
		if err := sh.Close(); err != nil {
			return err
		}
	}
	return nil
}

// Stats returns aggregated hit/miss statistics.
func (s *ShardedLRUBlockCache) Stats() (hits, misses int64) {
	for _, sh := range s.shards {
		h, m := sh.Stats()
		hits += h
		misses += m
	}
	return hits, misses
}

// Size returns the total size across all shards.
func (s *ShardedLRUBlockCache) Size() int64 {
	var total int64
	for _, sh := range s.shards {
		total += sh.Size()
	}
	return total
}

// nonEmptyShards reports how many shards hold at least one block.
func (s *ShardedLRUBlockCache) nonEmptyShards() int {
	n := 0
	for _, sh := range s.shards {
		if sh.Len() > 0 {
			n++
		}
	}
	return n
}
