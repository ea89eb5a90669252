package arena

import (
	"errors"
	"fmt"
	"math"
	"sync/atomic"
	"unsafe"

	"github.com/dustin/go-humanize"

	"github.com/hupe1980/blockstore/internal/mmap"
)

// MemoryAcquirer reserves memory against a global budget.
// *resource.Controller satisfies it.
type MemoryAcquirer interface {
	AcquireMemory(amount int64) error
	ReleaseMemory(amount int64)
}

var (
	// ErrInvalidCapacity is returned when the requested capacity is zero or too large.
	ErrInvalidCapacity = errors.New("arena: invalid capacity")
	// ErrClosed is returned by operations on a closed arena.
	ErrClosed = errors.New("arena: closed")
)

// MaxCapacity is the largest heap an arena can address with 32-bit offsets.
const MaxCapacity = math.MaxUint32

// Stats tracks arena usage.
type Stats struct {
	Capacity     uint64 // Heap size in bytes
	BytesUsed    uint64 // Current: cursor position
	TotalAllocs  uint64 // Historical: successful allocations
	TotalFrees   uint64 // Historical: successful LIFO frees
	FailedAllocs uint64 // Historical: allocations rejected for lack of space
}

type atomicStats struct {
	TotalAllocs  atomic.Uint64
	TotalFrees   atomic.Uint64
	FailedAllocs atomic.Uint64
}

// Arena is a concurrent bump allocator over a fixed heap.
type Arena struct {
	mapping  *mmap.Mapping
	heap     []byte
	next     atomic.Uint32
	stats    atomicStats
	acquirer MemoryAcquirer
	reserved int64
}

// Option is a configuration option for Arena.
type Option func(*Arena)

// WithMemoryAcquirer charges the heap size against acquirer when the arena is
// created and releases it on Close.
func WithMemoryAcquirer(acquirer MemoryAcquirer) Option {
	return func(a *Arena) {
		a.acquirer = acquirer
	}
}

// New maps a heap of capacity bytes.
func New(capacity int, opts ...Option) (*Arena, error) {
	if capacity <= 0 || uint64(capacity) > MaxCapacity {
		return nil, fmt.Errorf("%w: %d", ErrInvalidCapacity, capacity)
	}

	a := &Arena{}
	for _, opt := range opts {
		opt(a)
	}

	if a.acquirer != nil {
		if err := a.acquirer.AcquireMemory(int64(capacity)); err != nil {
			return nil, fmt.Errorf("arena: reserve %d bytes: %w", capacity, err)
		}
		a.reserved = int64(capacity)
	}

	mapping, err := mmap.MapAnon(capacity)
	if err != nil {
		if a.acquirer != nil {
			a.acquirer.ReleaseMemory(a.reserved)
		}
		return nil, fmt.Errorf("arena: map heap: %w", err)
	}

	a.mapping = mapping
	a.heap = mapping.Bytes()
	return a, nil
}

// Alloc reserves size bytes and returns their offset and a view of them.
// ok is false if the remaining capacity is insufficient; the arena is unchanged.
func (a *Arena) Alloc(size int) (offset uint32, buf []byte, ok bool) {
	if size <= 0 || a.heap == nil {
		return 0, nil, false
	}

	n := uint64(size)
	limit := uint64(len(a.heap))
	for {
		cur := a.next.Load()
		end := uint64(cur) + n
		if end > limit {
			a.stats.FailedAllocs.Add(1)
			return 0, nil, false
		}
		if a.next.CompareAndSwap(cur, uint32(end)) { //nolint:gosec // end <= len(heap) <= MaxCapacity
			a.stats.TotalAllocs.Add(1)
			return cur, a.heap[cur:end:end], true
		}
	}
}

// Calloc is Alloc followed by zero-filling the returned bytes.
// Memory handed back by Free may hold stale data, so Alloc does not zero.
func (a *Arena) Calloc(size int) (uint32, []byte, bool) {
	off, buf, ok := a.Alloc(size)
	if !ok {
		return 0, nil, false
	}
	clear(buf)
	return off, buf, true
}

// Free releases the allocation at offset if it is the most recent one.
// It returns false, leaving the arena unchanged, for any other allocation.
func (a *Arena) Free(offset uint32, size int) bool {
	if size <= 0 {
		return false
	}
	end := uint64(offset) + uint64(size)
	if end > uint64(len(a.heap)) {
		return false
	}
	if !a.next.CompareAndSwap(uint32(end), offset) { //nolint:gosec // bounded above
		return false
	}
	a.stats.TotalFrees.Add(1)
	return true
}

// FreeAll resets the cursor to the start of the heap.
// Every offset and slice handed out before becomes invalid.
// It must not run concurrently with Alloc.
func (a *Arena) FreeAll() {
	a.next.Store(0)
}

// ToOffset translates a slice returned by Alloc into its heap offset.
// It panics if buf does not point into the heap.
func (a *Arena) ToOffset(buf []byte) uint32 {
	if len(buf) == 0 || len(a.heap) == 0 {
		panic("arena: empty slice has no offset")
	}
	base := uintptr(unsafe.Pointer(unsafe.SliceData(a.heap)))
	p := uintptr(unsafe.Pointer(unsafe.SliceData(buf)))
	if p < base || p+uintptr(len(buf)) > base+uintptr(len(a.heap)) {
		panic("arena: pointer outside heap")
	}
	off := uint64(p - base)
	if off > math.MaxUint32 {
		panic(fmt.Sprintf("arena: offset %d exceeds 32 bits", off))
	}
	return uint32(off)
}

// ToPointer returns the address of the heap byte at offset.
// It panics if offset is outside the heap.
func (a *Arena) ToPointer(offset uint32) unsafe.Pointer {
	if uint64(offset) >= uint64(len(a.heap)) {
		panic("arena: offset outside heap")
	}
	return unsafe.Pointer(&a.heap[offset]) //nolint:gosec // unsafe is required for arena implementation
}

// Bytes returns a view of size bytes starting at offset.
// It panics if the range is outside the heap.
func (a *Arena) Bytes(offset uint32, size int) []byte {
	end := uint64(offset) + uint64(size)
	if size < 0 || end > uint64(len(a.heap)) {
		panic("arena: range outside heap")
	}
	return a.heap[offset:end:end]
}

// Capacity returns the heap size in bytes.
func (a *Arena) Capacity() int {
	return len(a.heap)
}

// Used returns the number of bytes below the cursor.
func (a *Arena) Used() int {
	return int(a.next.Load())
}

// Available returns the number of bytes that can still be allocated.
func (a *Arena) Available() int {
	return len(a.heap) - a.Used()
}

// Stats returns the current arena statistics.
func (a *Arena) Stats() Stats {
	return Stats{
		Capacity:     uint64(len(a.heap)),
		BytesUsed:    uint64(a.next.Load()),
		TotalAllocs:  a.stats.TotalAllocs.Load(),
		TotalFrees:   a.stats.TotalFrees.Load(),
		FailedAllocs: a.stats.FailedAllocs.Load(),
	}
}

// Close unmaps the heap and releases reserved memory.
// The arena must not be used afterwards.
func (a *Arena) Close() error {
	if a.mapping == nil {
		return ErrClosed
	}
	err := a.mapping.Close()
	a.mapping = nil
	a.heap = nil
	a.next.Store(0)
	if a.acquirer != nil && a.reserved > 0 {
		a.acquirer.ReleaseMemory(a.reserved)
		a.reserved = 0
	}
	return err
}

func (a *Arena) String() string {
	stats := a.Stats()
	return fmt.Sprintf(
		"Arena{capacity: %s, used: %s, allocs: %d, frees: %d, failed: %d}",
		humanize.IBytes(stats.Capacity),
		humanize.IBytes(stats.BytesUsed),
		stats.TotalAllocs,
		stats.TotalFrees,
		stats.FailedAllocs,
	)
}
