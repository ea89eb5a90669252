package cache

import (
	"container/list"
	"context"
	"sync"
	"sync/atomic"

	"github.com/hupe1980/blockstore/internal/resource"
)

// LRUBlockCache is a BlockCache bounded by the total size of its blocks.
// Cached bytes are also charged to the resource controller, if any, so a
// cache cannot push the process over the shared memory limit.
type LRUBlockCache struct {
	capacity int64
	rc       *resource.Controller

	mu    sync.Mutex
	used  int64
	index map[Key]*list.Element
	order *list.List // front is most recently used

	hits   atomic.Int64
	misses atomic.Int64
}

type lruItem struct {
	key  Key
	data []byte
}

// NewLRUBlockCache returns a cache holding up to capacity bytes. rc may be
// nil.
func NewLRUBlockCache(capacity int64, rc *resource.Controller) *LRUBlockCache {
	return &LRUBlockCache{
		capacity: capacity,
		rc:       rc,
		index:    make(map[Key]*list.Element),
		order:    list.New(),
	}
}

func (c *LRUBlockCache) Get(_ context.Context, key Key) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.index[key]
	if !ok {
		c.misses.Add(1)
		return nil, false
	}
	c.hits.Add(1)
	c.order.MoveToFront(el)
	return el.Value.(*lruItem).data, true
}

// Set caches b under key. Blocks larger than the capacity, and blocks the
// resource controller refuses, are dropped.
func (c *LRUBlockCache) Set(_ context.Context, key Key, b []byte) {
	size := int64(len(b))
	if size > c.capacity {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.index[key]; ok {
		c.remove(el)
	}
	// Evict before reserving so the controller sees the released bytes.
	c.shrinkTo(c.capacity - size)
	if c.rc.AcquireMemory(size) != nil {
		return
	}
	c.index[key] = c.order.PushFront(&lruItem{key: key, data: b})
	c.used += size
}

func (c *LRUBlockCache) Delete(key Key) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.index[key]; ok {
		c.remove(el)
	}
}

// Close drops every block and releases its memory.
func (c *LRUBlockCache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.shrinkTo(0)
	return nil
}

func (c *LRUBlockCache) Stats() (hits, misses int64) {
	return c.hits.Load(), c.misses.Load()
}

// Size returns the cached bytes.
func (c *LRUBlockCache) Size() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.used
}

// Len returns the number of cached blocks.
func (c *LRUBlockCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// shrinkTo evicts least recently used blocks until at most limit bytes
// remain. c.mu must be held.
func (c *LRUBlockCache) shrinkTo(limit int64) {
	for c.used > limit {
		el := c.order.Back()
		if el == nil {
			return
		}
		c.remove(el)
	}
}

func (c *LRUBlockCache) remove(el *list.Element) {
	it := c.order.Remove(el).(*lruItem)
	delete(c.index, it.key)
	size := int64(len(it.data))
	c.used -= size
	c.rc.ReleaseMemory(size)
}
