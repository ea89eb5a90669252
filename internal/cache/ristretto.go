package cache

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/dgraph-io/ristretto/v2"
)

// RistrettoBlockCache is a BlockCache backed by ristretto. Admission is
// frequency based, so a Set is not guaranteed to be retained.
type RistrettoBlockCache struct {
	c *ristretto.Cache[string, []byte]

	hits   atomic.Int64
	misses atomic.Int64
}

// NewRistrettoBlockCache creates a cache holding up to maxBytes of blocks.
func NewRistrettoBlockCache(maxBytes int64) (*RistrettoBlockCache, error) {
	if maxBytes <= 0 {
		return nil, fmt.Errorf("cache: invalid capacity %d", maxBytes)
	}
	// Ten counters per expected item, assuming 4 KiB blocks.
	counters := max(maxBytes/4096*10, 1000)
	c, err := ristretto.NewCache(&ristretto.Config[string, []byte]{
		NumCounters: counters,
		MaxCost:     maxBytes,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("cache: %w", err)
	}
	return &RistrettoBlockCache{c: c}, nil
}

// Get returns a cached block.
func (r *RistrettoBlockCache) Get(_ context.Context, key Key) ([]byte, bool) {
	b, ok := r.c.Get(key.String())
	if ok {
		r.hits.Add(1)
	} else {
		r.misses.Add(1)
	}
	return b, ok
}

// Set offers a block to the cache.
func (r *RistrettoBlockCache) Set(_ context.Context, key Key, b []byte) {
	r.c.Set(key.String(), b, int64(len(b)))
}

// Delete drops a block.
func (r *RistrettoBlockCache) Delete(key Key) {
	r.c.Del(key.String())
}

// Wait blocks until buffered writes have been applied.
func (r *RistrettoBlockCache) Wait() {
	r.c.Wait()
}

func (r *RistrettoBlockCache) Close() error {
	r.c.Close()
	return nil
}

func (r *RistrettoBlockCache) Stats() (hits, misses int64) {
	return r.hits.Load(), r.misses.Load()
}
