package strmap

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"sync/atomic"
	"unsafe"

	"github.com/hupe1980/blockstore/internal/arena"
	"github.com/hupe1980/blockstore/internal/hash"
)

const (
	// MaxLoadFactor bounds Count relative to the table size.
	MaxLoadFactor = 0.6
	// MinTableSize is the smallest entry table.
	MinTableSize = 16
	// DefaultStringFactor sizes the key heap when no string capacity is given.
	DefaultStringFactor = 17
	// MaxStringCapacity is the largest key heap addressable by 16-bit offsets.
	MaxStringCapacity = math.MaxUint16 - 1

	emptyKey     = 0
	tombstoneKey = 1
	entrySize    = 4
)

var (
	// ErrInvalidCapacity is returned for a non-positive capacity.
	ErrInvalidCapacity = errors.New("strmap: invalid capacity")
	// ErrLayoutTooLarge is returned when the key heap cannot be addressed with 16-bit offsets.
	ErrLayoutTooLarge = errors.New("strmap: string capacity exceeds 16-bit key offsets")
)

// Entry is a key/value pair stored in the map.
type Entry struct {
	Key   string
	Value uint16
}

// Map is a lock-free open-addressing hash map from strings to uint16.
type Map struct {
	arena    *arena.Arena
	entries  []atomic.Uint32
	mask     uint64
	capacity int64
	count    atomic.Int64
	// keysBase makes the first key offset encode as 2, past the reserved markers.
	keysBase uint32
	strCap   int
}

// Option configures a Map.
type Option func(*config)

type config struct {
	acquirer arena.MemoryAcquirer
}

// WithMemoryAcquirer charges the backing arena against acquirer.
func WithMemoryAcquirer(acquirer arena.MemoryAcquirer) Option {
	return func(c *config) {
		c.acquirer = acquirer
	}
}

// TableSize returns the entry table size used for capacity.
func TableSize(capacity int) int {
	size := MinTableSize
	for float64(size)*MaxLoadFactor < float64(capacity) {
		size <<= 1
	}
	return size
}

// New creates a map for up to capacity keys. stringCapacity is the key heap
// size in bytes, including terminators; 0 selects DefaultStringFactor*capacity
// capped at MaxStringCapacity.
func New(capacity, stringCapacity int, opts ...Option) (*Map, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidCapacity, capacity)
	}
	if stringCapacity <= 0 {
		stringCapacity = min(DefaultStringFactor*capacity, MaxStringCapacity)
	}
	if stringCapacity > MaxStringCapacity {
		return nil, fmt.Errorf("%w: %d", ErrLayoutTooLarge, stringCapacity)
	}

	cfg := config{}
	for _, opt := range opts {
		opt(&cfg)
	}

	size := TableSize(capacity)
	tableBytes := size * entrySize

	var arenaOpts []arena.Option
	if cfg.acquirer != nil {
		arenaOpts = append(arenaOpts, arena.WithMemoryAcquirer(cfg.acquirer))
	}
	a, err := arena.New(tableBytes+stringCapacity, arenaOpts...)
	if err != nil {
		return nil, err
	}

	off, _, ok := a.Calloc(tableBytes)
	if !ok || off != 0 {
		_ = a.Close()
		return nil, fmt.Errorf("strmap: allocate entry table of %d bytes", tableBytes)
	}

	return &Map{
		arena:    a,
		entries:  unsafe.Slice((*atomic.Uint32)(a.ToPointer(0)), size),
		mask:     uint64(size - 1),
		capacity: int64(size) * 3 / 5,
		keysBase: uint32(tableBytes - 2), //nolint:gosec // tableBytes fits the arena
		strCap:   stringCapacity,
	}, nil
}

func pack(keyOffset, value uint16) uint32 {
	return uint32(keyOffset)<<16 | uint32(value)
}

func keyOffsetOf(e uint32) uint16 { return uint16(e >> 16) }
func valueOf(e uint32) uint16     { return uint16(e) }

// keyAt returns the key stored at encoded offset ko, without its terminator.
func (m *Map) keyAt(ko uint16) []byte {
	start := m.keysBase + uint32(ko)
	rest := m.arena.Bytes(start, m.arena.Capacity()-int(start))
	for i, b := range rest {
		if b == 0 {
			return rest[:i]
		}
	}
	return rest
}

func (m *Map) keyEquals(ko uint16, key string) bool {
	start := uint64(m.keysBase) + uint64(ko)
	end := start + uint64(len(key))
	if end >= uint64(m.arena.Capacity()) {
		return false
	}
	stored := m.arena.Bytes(uint32(start), len(key)+1) //nolint:gosec // bounded above
	return stored[len(key)] == 0 && string(stored[:len(key)]) == key
}

func (m *Map) entry(e uint32) Entry {
	return Entry{Key: string(m.keyAt(keyOffsetOf(e))), Value: valueOf(e)}
}

// Find looks up key.
func (m *Map) Find(key string) (Entry, bool) {
	return m.FindHash(key, hash.String(key))
}

// FindHash looks up key using a precomputed hash.
func (m *Map) FindHash(key string, h uint64) (Entry, bool) {
	i := h & m.mask
	for n := 0; n < len(m.entries); n++ {
		e := m.entries[i].Load()
		switch ko := keyOffsetOf(e); ko {
		case emptyKey:
			return Entry{}, false
		case tombstoneKey:
		default:
			if m.keyEquals(ko, key) {
				return Entry{Key: key, Value: valueOf(e)}, true
			}
		}
		i = (i + 1) & m.mask
	}
	return Entry{}, false
}

// Insert adds key with value. If key is already present the existing entry is
// returned unchanged. ok is false when the map or its key heap is full, or
// when key contains a NUL byte.
func (m *Map) Insert(key string, value uint16) (Entry, bool) {
	return m.InsertHash(key, value, hash.String(key))
}

// InsertHash is Insert with a precomputed hash.
func (m *Map) InsertHash(key string, value uint16, h uint64) (Entry, bool) {
	if strings.IndexByte(key, 0) >= 0 {
		return Entry{}, false
	}
	if !m.reserve() {
		return Entry{}, false
	}

	keyLen := len(key) + 1
	off, buf, ok := m.arena.Alloc(keyLen)
	if !ok {
		m.count.Add(-1)
		return Entry{}, false
	}
	copy(buf, key)
	buf[len(key)] = 0
	packed := pack(uint16(off-m.keysBase), value) //nolint:gosec // key heap <= MaxStringCapacity

	start := h & m.mask
	for {
		target, old, existing, found := m.findSlot(start, key)
		if found {
			m.arena.Free(off, keyLen)
			m.count.Add(-1)
			return m.entryWithKey(existing, key), true
		}
		if target < 0 {
			m.arena.Free(off, keyLen)
			m.count.Add(-1)
			return Entry{}, false
		}
		if !m.entries[target].CompareAndSwap(old, packed) {
			// Another writer claimed the slot first; scan again so a racing
			// insert of the same key is detected.
			continue
		}
		if m.settle(start, target, packed, key) {
			return Entry{Key: key, Value: value}, true
		}
	}
}

// settle decides an insert just published at slot target. A writer that
// passed a slot before it became a tombstone can publish the same key
// further down the chain while another writer claims that tombstone. Every
// writer that sees a second live copy withdraws its own and retries, so at
// most one copy survives. It reports false after a withdrawal.
func (m *Map) settle(start uint64, target int, packed uint32, key string) bool {
	if !m.hasOther(start, target, key) {
		return true
	}
	// A failed swap means a concurrent Remove took this copy; the insert
	// took effect and was undone.
	return !m.entries[target].CompareAndSwap(packed, pack(tombstoneKey, 0))
}

// hasOther reports whether the chain from start holds a live copy of key in
// a slot other than self.
func (m *Map) hasOther(start uint64, self int, key string) bool {
	i := start
	for n := 0; n < len(m.entries); n++ {
		e := m.entries[i].Load()
		switch ko := keyOffsetOf(e); ko {
		case emptyKey:
			return false
		case tombstoneKey:
		default:
			if int(i) != self && m.keyEquals(ko, key) { //nolint:gosec // i <= mask
				return true
			}
		}
		i = (i + 1) & m.mask
	}
	return false
}

// findSlot walks the chain for key. It returns the slot to claim (the first
// tombstone or the terminating empty slot) with its current word, or the
// existing entry when key is already present.
func (m *Map) findSlot(start uint64, key string) (target int, old uint32, existing uint32, found bool) {
	target = -1
	i := start
	for n := 0; n < len(m.entries); n++ {
		e := m.entries[i].Load()
		switch ko := keyOffsetOf(e); ko {
		case emptyKey:
			if target < 0 {
				return int(i), e, 0, false //nolint:gosec // i <= mask
			}
			return target, old, 0, false
		case tombstoneKey:
			if target < 0 {
				target, old = int(i), e //nolint:gosec // i <= mask
			}
		default:
			if m.keyEquals(ko, key) {
				return -1, 0, e, true
			}
		}
		i = (i + 1) & m.mask
	}
	return target, old, 0, false
}

func (m *Map) entryWithKey(e uint32, key string) Entry {
	return Entry{Key: key, Value: valueOf(e)}
}

// reserve claims one unit of capacity.
func (m *Map) reserve() bool {
	for {
		c := m.count.Load()
		if c >= m.capacity {
			return false
		}
		if m.count.CompareAndSwap(c, c+1) {
			return true
		}
	}
}

// Remove deletes key. It returns false if key is absent.
func (m *Map) Remove(key string) bool {
	return m.RemoveHash(key, hash.String(key))
}

// RemoveHash is Remove with a precomputed hash.
func (m *Map) RemoveHash(key string, h uint64) bool {
	i := h & m.mask
	for n := 0; n < len(m.entries); {
		e := m.entries[i].Load()
		switch ko := keyOffsetOf(e); ko {
		case emptyKey:
			return false
		case tombstoneKey:
		default:
			if m.keyEquals(ko, key) {
				if !m.entries[i].CompareAndSwap(e, pack(tombstoneKey, 0)) {
					// Slot changed under us; re-read it.
					continue
				}
				m.count.Add(-1)
				m.arena.Free(m.keysBase+uint32(ko), len(key)+1)
				return true
			}
		}
		i = (i + 1) & m.mask
		n++
	}
	return false
}

// Range calls fn for every live entry until fn returns false.
// Entries inserted or removed concurrently may or may not be visited.
func (m *Map) Range(fn func(key string, value uint16) bool) {
	for i := range m.entries {
		e := m.entries[i].Load()
		if keyOffsetOf(e) <= tombstoneKey {
			continue
		}
		ent := m.entry(e)
		if !fn(ent.Key, ent.Value) {
			return
		}
	}
}

// Count returns the number of live keys.
func (m *Map) Count() int {
	return int(m.count.Load())
}

// Capacity returns the maximum number of keys.
func (m *Map) Capacity() int {
	return int(m.capacity)
}

// TableSize returns the number of entry slots.
func (m *Map) TableSize() int {
	return len(m.entries)
}

// StringCapacity returns the key heap size in bytes.
func (m *Map) StringCapacity() int {
	return m.strCap
}

// Close releases the backing arena.
func (m *Map) Close() error {
	m.entries = nil
	return m.arena.Close()
}
