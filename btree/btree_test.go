package btree

import (
	"cmp"
	"errors"
	"math"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/blockstore/internal/block"
	"github.com/hupe1980/blockstore/internal/fs"
	"github.com/hupe1980/blockstore/internal/resource"
	"github.com/hupe1980/blockstore/testutil"
)

func payloadOf(id uint64) []byte {
	return testutil.Payload(id, testutil.PayloadSize(id, 16, 1024))
}

func openTree(t *testing.T, dir string, opts ...Option) *Tree {
	t.Helper()
	tr, err := Open(dir, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = tr.Close() })
	return tr
}

func fill(t *testing.T, tr *Tree, ids []uint64) {
	t.Helper()
	for _, id := range ids {
		ok, err := tr.Append(id, payloadOf(id))
		require.NoError(t, err)
		require.True(t, ok, "id %d", id)
	}
}

func requireContent(t *testing.T, tr *Tree, ids []uint64) {
	t.Helper()
	require.Equal(t, len(ids), tr.Size())
	for _, id := range ids {
		data, found, err := tr.DataOf(id)
		require.NoError(t, err)
		require.True(t, found, "id %d", id)
		require.Equal(t, payloadOf(id), data, "id %d", id)

		size, found, err := tr.SizeOf(id)
		require.NoError(t, err)
		require.True(t, found)
		require.Equal(t, len(payloadOf(id)), size)
	}

	listed, err := tr.ListIDs()
	require.NoError(t, err)
	want := slices.Clone(ids)
	slices.Sort(want)
	require.Equal(t, want, listed)
}

// descending lists every item above id 0, highest id first.
func descending(t *testing.T, tr *Tree) []Pair[int] {
	t.Helper()
	got, err := ScanDescending(tr, math.MaxUint64, 0, math.MaxInt, func(b []byte) (int, error) { return len(b), nil }, nil)
	require.NoError(t, err)
	require.True(t, slices.IsSortedFunc(got, func(a, b Pair[int]) int { return cmp.Compare(b.ID, a.ID) }))
	return got
}

// crash closes the leaves of tr without flushing it.
func crash(t *testing.T, tr *Tree) {
	t.Helper()
	tr.mu.Lock()
	defer tr.mu.Unlock()
	require.NoError(t, tr.closeLeaves())
	tr.closed = true
}

func TestAppendSplitsNodes(t *testing.T) {
	tr := openTree(t, t.TempDir(), WithNodeCapacity(16))
	ids := testutil.NewRNG(1).Perm(500)
	fill(t, tr, ids)

	requireContent(t, tr, ids)
	assert.Greater(t, tr.LeafCount(), 16)
	assert.GreaterOrEqual(t, tr.Height(), 3)

	ok, err := tr.Append(42, payloadOf(42))
	require.NoError(t, err)
	assert.False(t, ok, "identical item is rejected")
	assert.Equal(t, 500, tr.Size())

	has, err := tr.ContainsID(500)
	require.NoError(t, err)
	assert.False(t, has)
}

func TestMultiValue(t *testing.T) {
	tr := openTree(t, t.TempDir(), WithNodeCapacity(4))
	fill(t, tr, []uint64{1, 2, 3, 4, 5, 6})

	for _, v := range []string{"x", "y"} {
		ok, err := tr.Append(3, []byte(v))
		require.NoError(t, err)
		require.True(t, ok)
	}
	assert.Equal(t, 8, tr.Size())

	n, err := tr.ItemCount(3)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	items, err := tr.GetItems(3)
	require.NoError(t, err)
	assert.Len(t, items, 3)
	assert.Contains(t, items, []byte("x"))

	has, err := tr.Contains(3, []byte("y"))
	require.NoError(t, err)
	assert.True(t, has)

	ok, err := tr.Remove(3, []byte("y"))
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = tr.Remove(3, []byte("y"))
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = tr.RemoveID(3)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 5, tr.Size())

	has, err = tr.ContainsID(3)
	require.NoError(t, err)
	assert.False(t, has)
}

func TestRemoveMergesNodes(t *testing.T) {
	dir := t.TempDir()
	tr := openTree(t, dir, WithNodeCapacity(16))
	rng := testutil.NewRNG(2)
	ids := rng.Perm(500)
	fill(t, tr, ids)
	leaves := tr.LeafCount()

	removeOrder := rng.Perm(500)
	for i, id := range removeOrder {
		ok, err := tr.Remove(id, payloadOf(id))
		require.NoError(t, err)
		require.True(t, ok, "id %d", id)

		if i == 400 {
			assert.Less(t, tr.LeafCount(), leaves)
			requireContent(t, tr, removeOrder[401:])
		}
	}

	assert.Zero(t, tr.Size())
	assert.Zero(t, tr.LeafCount())
	assert.Zero(t, tr.Height())

	ok, err := tr.RemoveID(1)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, tr.Flush())
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, e := range entries {
		assert.False(t, strings.HasPrefix(e.Name(), LeafFilePrefix), "leftover %s", e.Name())
	}
}

func TestLeafIDsAreRecycled(t *testing.T) {
	tr := openTree(t, t.TempDir(), WithNodeCapacity(4))
	fill(t, tr, testutil.NewRNG(3).Perm(64))

	for id := uint64(0); id < 48; id++ {
		ok, err := tr.RemoveID(id)
		require.NoError(t, err)
		require.True(t, ok)
	}
	// Ids of emptied leaves wait for the next metadata install.
	require.False(t, tr.retired.IsEmpty())
	require.NoError(t, tr.Flush())
	require.True(t, tr.retired.IsEmpty())
	require.False(t, tr.free.IsEmpty())
	next := tr.nextID
	freed := tr.free.GetCardinality()

	fill(t, tr, []uint64{100, 101, 102, 103, 104, 105, 106, 107})
	assert.Less(t, tr.free.GetCardinality(), freed)
	assert.Equal(t, next, tr.nextID)
}

func TestFlushAndReopen(t *testing.T) {
	for _, mode := range []LoadMode{LoadClean, LoadLazy} {
		t.Run(mode.String(), func(t *testing.T) {
			dir := t.TempDir()
			ids := testutil.NewRNG(4).Perm(500)

			tr, err := Open(dir, WithNodeCapacity(16))
			require.NoError(t, err)
			fill(t, tr, ids)
			height := tr.Height()
			desc := descending(t, tr)
			require.NoError(t, tr.Close())

			re := openTree(t, dir, WithNodeCapacity(16), WithLoadMode(mode))
			requireContent(t, re, ids)
			assert.LessOrEqual(t, re.Height(), height)
			assert.Equal(t, desc, descending(t, re))

			// The reloaded tree keeps working.
			ok, err := re.Append(1000, payloadOf(1000))
			require.NoError(t, err)
			assert.True(t, ok)
			ok, err = re.RemoveID(0)
			require.NoError(t, err)
			assert.True(t, ok)
			assert.Equal(t, 500, re.Size())
		})
	}
}

func TestReopenAfterCrash(t *testing.T) {
	for _, mode := range []LoadMode{LoadClean, LoadLazy} {
		t.Run(mode.String(), func(t *testing.T) {
			dir := t.TempDir()
			ids := testutil.NewRNG(11).Perm(64)

			tr, err := Open(dir, WithNodeCapacity(4))
			require.NoError(t, err)
			fill(t, tr, ids)
			require.NoError(t, tr.Flush())
			for id := uint64(0); id < 40; id++ {
				ok, err := tr.RemoveID(id)
				require.NoError(t, err)
				require.True(t, ok)
			}
			require.False(t, tr.retired.IsEmpty())
			crash(t, tr)

			re := openTree(t, dir, WithNodeCapacity(4), WithLoadMode(mode))
			requireContent(t, re, ids)

			// A completed flush drops the files of emptied leaves.
			for id := uint64(0); id < 40; id++ {
				ok, err := re.RemoveID(id)
				require.NoError(t, err)
				require.True(t, ok)
			}
			require.NoError(t, re.Flush())
			entries, err := os.ReadDir(dir)
			require.NoError(t, err)
			var files int
			for _, e := range entries {
				if strings.HasPrefix(e.Name(), LeafFilePrefix) {
					files++
				}
			}
			assert.Equal(t, re.LeafCount(), files)
		})
	}
}

func TestRemoveLeafMinimumWaitsForWriters(t *testing.T) {
	tr := openTree(t, t.TempDir(), WithNodeCapacity(4))
	var ids []uint64
	for id := uint64(10); id <= 160; id += 10 {
		ids = append(ids, id)
	}
	fill(t, tr, ids)

	var b *leaf
	for l := tr.first().right; l != nil; l = l.right {
		if l.size() > tr.minCap {
			b = l
			break
		}
	}
	require.NotNil(t, b)
	lo := b.minID()

	// Hold the tree shared like a writer that has already routed to b.
	tr.mu.RLock()
	done := make(chan error, 1)
	go func() {
		_, err := tr.Remove(lo, payloadOf(lo))
		done <- err
	}()
	require.Eventually(t, func() bool {
		if tr.mu.TryRLock() {
			tr.mu.RUnlock()
			return false
		}
		return true
	}, 5*time.Second, time.Millisecond, "removal of a leaf minimum takes the tree lock")

	b.mu.Lock()
	has, err := b.seg.ContainsID(lo)
	require.NoError(t, err)
	assert.True(t, has)
	ok, err := b.seg.Append(lo+3, payloadOf(lo+3))
	require.NoError(t, err)
	require.True(t, ok)
	b.mu.Unlock()
	tr.items.Add(1)
	tr.mu.RUnlock()

	require.NoError(t, <-done)
	ok, err = tr.Append(lo+7, payloadOf(lo+7))
	require.NoError(t, err)
	require.True(t, ok)

	want := slices.DeleteFunc(slices.Clone(ids), func(id uint64) bool { return id == lo })
	requireContent(t, tr, append(want, lo+3, lo+7))
}

func TestCleanLoadFallsBackToLazy(t *testing.T) {
	dir := t.TempDir()
	tr, err := Open(dir, WithNodeCapacity(16))
	require.NoError(t, err)
	ids := testutil.NewRNG(5).Perm(300)
	fill(t, tr, ids)
	leaves := tr.LeafCount()
	require.Greater(t, leaves, 4)
	require.NoError(t, tr.Close())

	rc := resource.NewController(resource.Config{MemoryLimitBytes: 4 * block.DefaultBlockSize})
	re := openTree(t, dir, WithNodeCapacity(16), WithMemoryController(rc))
	assert.Less(t, re.LoadedBlockCount(), leaves)
	requireContent(t, re, ids)
	assert.LessOrEqual(t, rc.MemoryUsage(), rc.MemoryLimit())
}

func TestScan(t *testing.T) {
	tr := openTree(t, t.TempDir(), WithNodeCapacity(8))
	fill(t, tr, testutil.NewRNG(6).Perm(300))

	decode := func(b []byte) (int, error) { return len(b), nil }
	all := func(int) bool { return true }

	t.Run("ascending", func(t *testing.T) {
		got, err := ScanAscending(tr, 100, 200, 1000, decode, all)
		require.NoError(t, err)
		require.Len(t, got, 100)
		for i, p := range got {
			assert.Equal(t, uint64(100+i), p.ID)
			assert.Equal(t, len(payloadOf(p.ID)), p.Value)
		}
	})

	t.Run("descending", func(t *testing.T) {
		got, err := ScanDescending(tr, 200, 100, 1000, decode, nil)
		require.NoError(t, err)
		require.Len(t, got, 100)
		for i, p := range got {
			assert.Equal(t, uint64(200-i), p.ID)
		}
	})

	t.Run("limit and predicate", func(t *testing.T) {
		idOf := func(b []byte) (uint64, error) { return testutilID(b), nil }
		got, err := ScanAscending(tr, 0, 300, 10, idOf, func(id uint64) bool { return id%2 == 0 })
		require.NoError(t, err)
		require.Len(t, got, 10)
		for i, p := range got {
			assert.Equal(t, uint64(2*i), p.Value)
		}

		got, err = ScanDescending(tr, 299, 0, 5, idOf, func(id uint64) bool { return id%3 == 0 })
		require.NoError(t, err)
		assert.Equal(t, []uint64{297, 294, 291, 288, 285}, values(got))
	})

	t.Run("zero limit", func(t *testing.T) {
		got, err := ScanAscending(tr, 0, 300, 0, decode, nil)
		require.NoError(t, err)
		assert.Nil(t, got)
	})

	t.Run("empty range", func(t *testing.T) {
		got, err := ScanAscending(tr, 200, 100, 10, decode, nil)
		require.NoError(t, err)
		assert.Empty(t, got)
	})

	t.Run("decode error", func(t *testing.T) {
		boom := errors.New("boom")
		_, err := ScanAscending(tr, 0, 300, 10, func([]byte) (int, error) { return 0, boom }, nil)
		assert.ErrorIs(t, err, boom)
	})
}

func testutilID(b []byte) uint64 {
	var id uint64
	for _, c := range b[:min(8, len(b))] {
		id = id<<8 | uint64(c)
	}
	return id
}

func values[T any](pairs []Pair[T]) []T {
	out := make([]T, len(pairs))
	for i, p := range pairs {
		out[i] = p.Value
	}
	return out
}

func TestConcurrentDisjointWorkers(t *testing.T) {
	tr := openTree(t, t.TempDir(), WithNodeCapacity(8))

	const (
		workers = 8
		perWork = 100
	)
	partition := func(w int) []uint64 {
		ids := make([]uint64, perWork)
		for i := range ids {
			ids[i] = uint64(i*workers + w) //nolint:gosec // small test values
		}
		return ids
	}

	var g errgroup.Group
	for w := range workers {
		g.Go(func() error {
			for _, id := range partition(w) {
				if _, err := tr.Append(id, payloadOf(id)); err != nil {
					return err
				}
				if ok, err := tr.ContainsID(id); err != nil || !ok {
					return errors.Join(err, errors.New("appended id not visible"))
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	assert.Equal(t, workers*perWork, tr.Size())

	all := make([]uint64, 0, workers*perWork)
	for w := range workers {
		all = append(all, partition(w)...)
	}
	requireContent(t, tr, all)

	for w := range workers {
		g.Go(func() error {
			for _, id := range partition(w) {
				ok, err := tr.RemoveID(id)
				if err != nil {
					return err
				}
				if !ok {
					return errors.New("id vanished")
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	assert.Zero(t, tr.Size())
	assert.Zero(t, tr.LeafCount())
}

func TestMetadataErrors(t *testing.T) {
	dir := t.TempDir()
	tr, err := Open(dir)
	require.NoError(t, err)
	fill(t, tr, []uint64{1, 2, 3})
	require.NoError(t, tr.Close())

	path := filepath.Join(dir, MetadataFileName)
	data, err := os.ReadFile(path)
	require.NoError(t, err)

	t.Run("checksum", func(t *testing.T) {
		bad := slices.Clone(data)
		bad[len(bad)-1] ^= 0xff
		require.NoError(t, os.WriteFile(path, bad, 0o644))
		_, err := Open(dir)
		assert.ErrorIs(t, err, ErrCorruptedMetadata)
	})

	t.Run("magic", func(t *testing.T) {
		bad := slices.Clone(data)
		bad[0] ^= 0xff
		require.NoError(t, os.WriteFile(path, bad, 0o644))
		_, err := Open(dir)
		assert.ErrorIs(t, err, ErrIncompatibleFormat)
	})

	t.Run("missing leaf", func(t *testing.T) {
		require.NoError(t, os.WriteFile(path, data, 0o644))
		require.NoError(t, os.Remove(filepath.Join(dir, LeafFilePrefix+"0")))
		_, err := Open(dir)
		assert.ErrorIs(t, err, os.ErrNotExist)
	})
}

func TestMetadataRoundTrip(t *testing.T) {
	m := &metadata{Items: 42, Leaves: []uint32{3, 1, 7}}
	m.FreeIDs = roaring.BitmapOf(0, 2, 4)

	data, err := m.marshal()
	require.NoError(t, err)
	got, err := unmarshalMetadata(data)
	require.NoError(t, err)
	assert.Equal(t, m.Items, got.Items)
	assert.Equal(t, m.Leaves, got.Leaves)
	assert.True(t, m.FreeIDs.Equals(got.FreeIDs))

	_, err = unmarshalMetadata(data[:10])
	assert.ErrorIs(t, err, ErrCorruptedMetadata)
}

func TestFlushFault(t *testing.T) {
	faulty := fs.NewFaultyFS(nil)
	faulty.AddRule(MetadataFileName, fs.Fault{FailAfterBytes: 0})

	tr := openTree(t, t.TempDir(), WithFileSystem(faulty))
	fill(t, tr, []uint64{1, 2, 3})
	assert.ErrorIs(t, tr.Flush(), fs.ErrInjected)

	faulty.ClearRules()
	assert.NoError(t, tr.Flush())
}

func TestMetadataInstallFault(t *testing.T) {
	dir := t.TempDir()
	faulty := fs.NewFaultyFS(nil)
	faulty.AddRule(MetadataFileName, fs.Fault{FailAfterBytes: -1, FailOnRename: true})

	tr, err := Open(dir, WithFileSystem(faulty), WithNodeCapacity(8))
	require.NoError(t, err)
	ids := testutil.NewRNG(9).Perm(40)
	fill(t, tr, ids)

	require.ErrorIs(t, tr.Flush(), fs.ErrInjected)
	_, err = os.Stat(filepath.Join(dir, MetadataFileName+".tmp"))
	assert.ErrorIs(t, err, os.ErrNotExist, "temporary metadata is removed")

	faulty.ClearRules()
	require.NoError(t, tr.Close())

	re := openTree(t, dir, WithNodeCapacity(8))
	requireContent(t, re, ids)
}

func TestClosed(t *testing.T) {
	tr, err := Open(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, tr.Close())
	require.NoError(t, tr.Close())

	_, err = tr.Append(1, []byte("x"))
	assert.ErrorIs(t, err, ErrClosed)
	_, err = tr.ContainsID(1)
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, tr.Flush(), ErrClosed)
	_, err = ScanAscending(tr, 0, 10, 10, func(b []byte) ([]byte, error) { return b, nil }, nil)
	assert.ErrorIs(t, err, ErrClosed)
}
