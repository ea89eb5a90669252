package strmap

import (
	"fmt"
	"sync"
	"testing"

	"github.com/hupe1980/blockstore/internal/resource"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMap(t *testing.T, capacity, stringCapacity int) *Map {
	t.Helper()
	m, err := New(capacity, stringCapacity)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func TestTableSize(t *testing.T) {
	tests := []struct {
		capacity int
		size     int
	}{
		{1, 16},
		{9, 16},
		{10, 32},
		{19, 32},
		{20, 64},
		{600, 1024},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.capacity), func(t *testing.T) {
			assert.Equal(t, tt.size, TableSize(tt.capacity))
		})
	}
}

func TestNew(t *testing.T) {
	m := newMap(t, 10, 0)
	assert.Equal(t, 32, m.TableSize())
	assert.Equal(t, 19, m.Capacity())
	assert.Equal(t, 170, m.StringCapacity())

	_, err := New(0, 0)
	assert.ErrorIs(t, err, ErrInvalidCapacity)

	_, err = New(10, MaxStringCapacity+1)
	assert.ErrorIs(t, err, ErrLayoutTooLarge)

	big := newMap(t, 10000, 0)
	assert.Equal(t, MaxStringCapacity, big.StringCapacity())
}

func TestInsertFind(t *testing.T) {
	m := newMap(t, 100, 0)

	for i := 0; i < 50; i++ {
		e, ok := m.Insert(fmt.Sprintf("/field/%d", i), uint16(i))
		require.True(t, ok)
		assert.Equal(t, uint16(i), e.Value)
	}
	assert.Equal(t, 50, m.Count())

	for i := 0; i < 50; i++ {
		e, ok := m.Find(fmt.Sprintf("/field/%d", i))
		require.True(t, ok)
		assert.Equal(t, fmt.Sprintf("/field/%d", i), e.Key)
		assert.Equal(t, uint16(i), e.Value)
	}

	_, ok := m.Find("/field/50")
	assert.False(t, ok)
	_, ok = m.Find("/field/1x")
	assert.False(t, ok)
}

func TestInsertDuplicateKeepsFirst(t *testing.T) {
	m := newMap(t, 16, 0)

	_, ok := m.Insert("name", 1)
	require.True(t, ok)
	used := m.arena.Used()

	e, ok := m.Insert("name", 2)
	require.True(t, ok)
	assert.Equal(t, uint16(1), e.Value)
	assert.Equal(t, 1, m.Count())
	assert.Equal(t, used, m.arena.Used(), "duplicate key bytes are returned to the arena")
}

func TestInsertRejectsNUL(t *testing.T) {
	m := newMap(t, 16, 0)
	_, ok := m.Insert("a\x00b", 1)
	assert.False(t, ok)
	assert.Zero(t, m.Count())
}

func TestCapacityExhaustion(t *testing.T) {
	m := newMap(t, 9, 0)
	require.Equal(t, 9, m.Capacity())

	for i := 0; i < m.Capacity(); i++ {
		_, ok := m.Insert(fmt.Sprint(i), uint16(i))
		require.True(t, ok)
	}
	_, ok := m.Insert("overflow", 1)
	assert.False(t, ok)
	assert.Equal(t, m.Capacity(), m.Count())
}

func TestStringHeapExhaustion(t *testing.T) {
	m := newMap(t, 16, 8)

	_, ok := m.Insert("abcd", 1) // 5 bytes
	require.True(t, ok)
	_, ok = m.Insert("efgh", 2) // needs 5, 3 left
	assert.False(t, ok)
	assert.Equal(t, 1, m.Count())
}

func TestRemove(t *testing.T) {
	m := newMap(t, 16, 0)

	m.Insert("a", 1)
	m.Insert("b", 2)

	assert.True(t, m.Remove("b"))
	assert.False(t, m.Remove("b"))
	assert.False(t, m.Remove("missing"))
	assert.Equal(t, 1, m.Count())

	_, ok := m.Find("b")
	assert.False(t, ok)
	e, ok := m.Find("a")
	require.True(t, ok)
	assert.Equal(t, uint16(1), e.Value)

	e, ok = m.Insert("b", 3)
	require.True(t, ok)
	assert.Equal(t, uint16(3), e.Value)
}

func TestTombstonesDoNotHideKeys(t *testing.T) {
	m := newMap(t, 16, 0)

	// Same hash forces all keys onto one chain.
	const h = 5
	m.InsertHash("x", 1, h)
	m.InsertHash("y", 2, h)
	m.InsertHash("z", 3, h)

	require.True(t, m.RemoveHash("x", h))

	e, ok := m.FindHash("z", h)
	require.True(t, ok, "lookups skip tombstones")
	assert.Equal(t, uint16(3), e.Value)

	// Re-inserting an existing key past the tombstone must not duplicate it.
	e, ok = m.InsertHash("z", 9, h)
	require.True(t, ok)
	assert.Equal(t, uint16(3), e.Value)
	assert.Equal(t, 2, m.Count())

	// A new key reuses the tombstone slot.
	_, ok = m.InsertHash("w", 4, h)
	require.True(t, ok)
	assert.Equal(t, 3, m.Count())
	assert.True(t, m.RemoveHash("w", h))
	assert.True(t, m.RemoveHash("z", h))
	assert.True(t, m.RemoveHash("y", h))
	assert.Zero(t, m.Count())
}

func TestInsertWithdrawsDuplicateOnTombstone(t *testing.T) {
	m := newMap(t, 16, 0)

	const h = 0
	m.InsertHash("x", 1, h) // slot 0
	e, ok := m.InsertHash("k", 7, h)
	require.True(t, ok)
	require.Equal(t, uint16(7), e.Value) // slot 1, published past the live x
	require.True(t, m.RemoveHash("x", h))

	// A second writer of k checked slot 1 while it was still empty and now
	// claims the tombstone at slot 0.
	off, buf, ok := m.arena.Alloc(len("k") + 1)
	require.True(t, ok)
	copy(buf, "k\x00")
	packed := pack(uint16(off-m.keysBase), 9) //nolint:gosec // small arena
	require.True(t, m.entries[0].CompareAndSwap(pack(tombstoneKey, 0), packed))

	assert.False(t, m.settle(h, 0, packed, "k"), "the later copy is withdrawn")
	assert.Equal(t, pack(tombstoneKey, 0), m.entries[0].Load())
	assert.True(t, m.settle(h, 1, m.entries[1].Load(), "k"), "the remaining copy stands")

	e, ok = m.FindHash("k", h)
	require.True(t, ok)
	assert.Equal(t, uint16(7), e.Value)

	copies := 0
	m.Range(func(k string, _ uint16) bool {
		if k == "k" {
			copies++
		}
		return true
	})
	assert.Equal(t, 1, copies)
}

func TestConcurrentInsertRemoveOneChain(t *testing.T) {
	const (
		workers = 8
		rounds  = 200
		h       = 3
	)
	m := newMap(t, 64, 8192)
	keys := []string{"a", "b", "c", "d"}

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < rounds; i++ {
				k := keys[(w+i)%len(keys)]
				if i%3 == 2 {
					m.RemoveHash(k, h)
					continue
				}
				m.InsertHash(k, uint16(w), h)
			}
		}(w)
	}
	wg.Wait()

	seen := map[string]int{}
	m.Range(func(k string, _ uint16) bool {
		seen[k]++
		return true
	})
	for k, n := range seen {
		assert.Equal(t, 1, n, "key %q is stored once", k)
	}
	assert.Equal(t, len(seen), m.Count())
}

func TestRange(t *testing.T) {
	m := newMap(t, 16, 0)
	m.Insert("a", 1)
	m.Insert("b", 2)
	m.Insert("c", 3)
	m.Remove("b")

	got := map[string]uint16{}
	m.Range(func(k string, v uint16) bool {
		got[k] = v
		return true
	})
	assert.Equal(t, map[string]uint16{"a": 1, "c": 3}, got)

	visited := 0
	m.Range(func(string, uint16) bool {
		visited++
		return false
	})
	assert.Equal(t, 1, visited)
}

func TestConcurrentInsertRemove(t *testing.T) {
	const (
		workers = 8
		perWork = 40
	)
	m := newMap(t, workers*perWork, 0)

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWork; i++ {
				_, ok := m.Insert(fmt.Sprintf("w%d/%d", w, i), uint16(i))
				assert.True(t, ok)
			}
		}(w)
	}
	wg.Wait()
	require.Equal(t, workers*perWork, m.Count())

	// Racing inserts of one key: exactly one value wins.
	var winners sync.Map
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			e, ok := m.Insert("w0/0", uint16(1000+w))
			if ok {
				winners.Store(e.Value, true)
			}
		}(w)
	}
	wg.Wait()
	n := 0
	winners.Range(func(any, any) bool { n++; return true })
	assert.Equal(t, 1, n)

	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWork; i++ {
				assert.True(t, m.Remove(fmt.Sprintf("w%d/%d", w, i)))
			}
		}(w)
	}
	wg.Wait()
	assert.Zero(t, m.Count())
}

func TestMemoryAcquirer(t *testing.T) {
	rc := resource.NewController(resource.Config{MemoryLimitBytes: 1024})

	_, err := New(1000, 0, WithMemoryAcquirer(rc))
	assert.ErrorIs(t, err, resource.ErrMemoryLimitExceeded)

	m, err := New(4, 64, WithMemoryAcquirer(rc))
	require.NoError(t, err)
	assert.Equal(t, int64(16*4+64), rc.MemoryUsage())
	require.NoError(t, m.Close())
	assert.Zero(t, rc.MemoryUsage())
}
