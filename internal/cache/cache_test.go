package cache

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/blockstore/internal/resource"
)

func TestKey(t *testing.T) {
	a := Key{Path: "a", Generation: 1, Block: 2}
	assert.Equal(t, a.Hash(), Key{Path: "a", Generation: 1, Block: 2}.Hash())
	assert.NotEqual(t, a.Hash(), Key{Path: "a", Generation: 2, Block: 2}.Hash())
	assert.NotEqual(t, a.String(), Key{Path: "a", Generation: 1, Block: 3}.String())
	assert.NotEqual(t, Key{Path: "a1", Generation: 2}.String(), Key{Path: "a", Generation: 0x12}.String())
}

func TestLRU_EdgeCases(t *testing.T) {
	rc := resource.NewController(resource.Config{MemoryLimitBytes: 100})
	c := NewLRUBlockCache(50, rc)
	ctx := context.Background()
	k := Key{Path: "blob", Block: 1}

	c.Set(ctx, k, make([]byte, 60))
	_, ok := c.Get(ctx, k)
	assert.False(t, ok, "item larger than the capacity must not be cached")

	c.Set(ctx, k, make([]byte, 10))
	assert.Equal(t, int64(10), c.Size())
	c.Set(ctx, k, make([]byte, 20))
	assert.Equal(t, int64(20), c.Size())
	c.Set(ctx, k, make([]byte, 5))
	assert.Equal(t, int64(5), c.Size())
	assert.Equal(t, int64(5), rc.MemoryUsage())

	rc2 := resource.NewController(resource.Config{MemoryLimitBytes: 10})
	c2 := NewLRUBlockCache(50, rc2)
	c2.Set(ctx, k, make([]byte, 8))
	c2.Set(ctx, k, make([]byte, 12))

	_, ok = c2.Get(ctx, k)
	assert.False(t, ok, "a block refused by the controller is dropped")
	assert.Zero(t, rc2.MemoryUsage())
	assert.Zero(t, c2.Len())
}

func TestLRU_Eviction(t *testing.T) {
	c := NewLRUBlockCache(30, nil)
	ctx := context.Background()

	for i := range 3 {
		c.Set(ctx, Key{Path: "b", Block: uint64(i)}, make([]byte, 10))
	}
	_, ok := c.Get(ctx, Key{Path: "b", Block: 0})
	require.True(t, ok)

	c.Set(ctx, Key{Path: "b", Block: 3}, make([]byte, 10))

	_, ok = c.Get(ctx, Key{Path: "b", Block: 1})
	assert.False(t, ok, "least recently used block must be evicted")
	_, ok = c.Get(ctx, Key{Path: "b", Block: 0})
	assert.True(t, ok)
	assert.Equal(t, int64(30), c.Size())
}

func TestLRU_StatsAndDelete(t *testing.T) {
	rc := resource.NewController(resource.Config{})
	c := NewLRUBlockCache(100, rc)
	ctx := context.Background()
	k := Key{Path: "x", Block: 1}
	c.Set(ctx, k, []byte{1})
	c.Get(ctx, k)
	c.Get(ctx, Key{Path: "y"})

	hits, misses := c.Stats()
	assert.Equal(t, int64(1), hits)
	assert.Equal(t, int64(1), misses)

	c.Delete(k)
	_, ok := c.Get(ctx, k)
	assert.False(t, ok)
	assert.Zero(t, rc.MemoryUsage())

	c.Set(ctx, k, []byte{1, 2})
	require.NoError(t, c.Close())
	assert.Zero(t, c.Size())
	assert.Zero(t, rc.MemoryUsage())
}

func TestShardedLRU(t *testing.T) {
	c := NewShardedLRUBlockCache(64<<20, nil)
	ctx := context.Background()
	data := make([]byte, 1024)

	for i := range 1000 {
		c.Set(ctx, Key{Path: fmt.Sprintf("blob-%d", i%100), Block: uint64(i)}, data)
	}
	assert.Greater(t, c.nonEmptyShards(), 30)
	assert.Equal(t, int64(1000*1024), c.Size())

	got, ok := c.Get(ctx, Key{Path: "blob-7", Block: 7})
	require.True(t, ok)
	assert.Len(t, got, 1024)

	c.Delete(Key{Path: "blob-7", Block: 7})
	_, ok = c.Get(ctx, Key{Path: "blob-7", Block: 7})
	assert.False(t, ok)
}

func TestShardedLRU_Concurrent(t *testing.T) {
	c := NewShardedLRUBlockCache(1<<20, nil)
	ctx := context.Background()

	var wg sync.WaitGroup
	for g := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range 500 {
				k := Key{Path: "p", Generation: uint64(g), Block: uint64(i)}
				c.Set(ctx, k, []byte{byte(i)})
				if v, ok := c.Get(ctx, k); ok {
					assert.Equal(t, byte(i), v[0])
				}
			}
		}()
	}
	wg.Wait()

	hits, _ := c.Stats()
	assert.Positive(t, hits)
}

func TestRistretto(t *testing.T) {
	_, err := NewRistrettoBlockCache(0)
	require.Error(t, err)

	c, err := NewRistrettoBlockCache(1 << 20)
	require.NoError(t, err)
	defer c.Close()

	ctx := context.Background()
	k := Key{Path: "blob", Generation: 3, Block: 9}
	c.Set(ctx, k, []byte("block"))
	c.Wait()

	got, ok := c.Get(ctx, k)
	require.True(t, ok)
	assert.Equal(t, []byte("block"), got)

	_, ok = c.Get(ctx, Key{Path: "blob", Generation: 4, Block: 9})
	assert.False(t, ok)

	c.Delete(k)
	_, ok = c.Get(ctx, k)
	assert.False(t, ok)

	hits, misses := c.Stats()
	assert.Equal(t, int64(1), hits)
	assert.Equal(t, int64(2), misses)
}
