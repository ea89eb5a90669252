package catalog

import (
	"fmt"
	"math/rand/v2"
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func keysOf(tr *Trie) []string {
	var keys []string
	for k := range tr.All() {
		keys = append(keys, k)
	}
	return keys
}

func TestTrieBasic(t *testing.T) {
	tr := NewTrie()
	assert.Zero(t, tr.Len())
	assert.Nil(t, tr.Begin())
	assert.False(t, tr.Contains(""))
	assert.False(t, tr.Contains("/"))
	assert.False(t, tr.Contains("/users"))

	tr.Insert("/users", NewTypeSet(ColumnObject))
	assert.True(t, tr.Contains("/users"))
	assert.False(t, tr.Contains("/user"))
	assert.False(t, tr.Contains("/users/"))

	tr.Insert("/data", NewTypeSet(ColumnObject, ColumnArray))
	it := tr.Find("/data")
	require.True(t, it.Valid())
	defer it.Release()
	assert.Equal(t, "/data", it.Key())
	assert.Equal(t, NewTypeSet(ColumnObject, ColumnArray), it.Types())
	assert.Equal(t, 2, tr.Len())

	assert.Nil(t, tr.Find("/missing"))
	var missing *Iterator
	assert.False(t, missing.Valid())
	assert.False(t, missing.Next())
	missing.Release()
}

func TestTrieLatestVersionWins(t *testing.T) {
	tr := NewTrie()
	v1 := tr.Insert("/data", NewTypeSet(ColumnObject))
	v2 := tr.Insert("/data", NewTypeSet(ColumnArray))
	assert.Greater(t, v2, v1)
	assert.Equal(t, v2, tr.CurrentVersion())
	assert.Equal(t, 1, tr.Len())

	it := tr.Find("/data")
	require.NotNil(t, it)
	defer it.Release()
	assert.Equal(t, NewTypeSet(ColumnArray), it.Types())
	assert.False(t, it.Types().Has(ColumnObject))
	assert.Equal(t, v2, it.Version())

	v3 := tr.Insert("/other", NewTypeSet(ColumnString))
	assert.Greater(t, v3, v2)
}

func TestTriePinnedVersionSurvivesCleanup(t *testing.T) {
	tr := NewTrie()
	v1 := tr.Insert("/data", NewTypeSet(ColumnObject))
	old := tr.Find("/data")
	require.NotNil(t, old)
	assert.Equal(t, 1, old.Entry().Refs())

	v2 := tr.Insert("/data", NewTypeSet(ColumnArray))
	assert.Equal(t, NewTypeSet(ColumnObject), old.Types())

	assert.Zero(t, tr.Cleanup())
	assert.Equal(t, []uint64{v1, v2}, tr.Versions("/data"))

	entry := old.Entry()
	old.Release()
	assert.Zero(t, entry.Refs())
	assert.False(t, old.Valid())

	assert.Equal(t, 1, tr.Cleanup())
	assert.Equal(t, []uint64{v2}, tr.Versions("/data"))

	// The current version is kept even when nothing pins it.
	assert.Zero(t, tr.Cleanup())
	assert.True(t, tr.Contains("/data"))
}

func TestTriePrefixSplit(t *testing.T) {
	tr := NewTrie()
	for _, k := range []string{"/application", "/app", "/apple", "/apply"} {
		tr.Insert(k, NewTypeSet(ColumnObject))
	}
	for _, k := range []string{"/application", "/app", "/apple", "/apply"} {
		assert.True(t, tr.Contains(k), k)
	}
	for _, k := range []string{"/ap", "/appl", "/applic", "/applications"} {
		assert.False(t, tr.Contains(k), k)
	}

	tr.Insert("/ap", NewTypeSet(ColumnObject))
	assert.True(t, tr.Contains("/ap"))
	assert.Equal(t, []string{"/ap", "/app", "/apple", "/application", "/apply"}, keysOf(tr))
}

func TestTrieJSONPointerPaths(t *testing.T) {
	tr := NewTrie()
	paths := []string{
		"/", "/users", "/users/0", "/users/0/name", "/users/0/age", "/users/0/profile",
		"/users/0/profile/avatar", "/users/123", "/users/123/tags", "/config", "/config/debug",
	}
	for _, p := range paths {
		tr.Insert(p, NewTypeSet(ColumnObject))
	}
	for _, p := range paths {
		assert.True(t, tr.Contains(p), p)
	}
	for _, p := range []string{"/user", "/users/0/nam", "/users/0/profile/", "/users/456", "/confi"} {
		assert.False(t, tr.Contains(p), p)
	}

	want := slices.Clone(paths)
	slices.Sort(want)
	assert.Equal(t, want, keysOf(tr))
}

func TestTrieErase(t *testing.T) {
	tr := NewTrie()
	for _, k := range []string{"/users", "/users/123", "/users/123/name", "/users/456", "/config"} {
		tr.Insert(k, NewTypeSet(ColumnObject))
	}

	assert.False(t, tr.Erase("/nonexistent"))
	assert.False(t, tr.Erase("/users/1"))

	assert.True(t, tr.Erase("/users/123/name"))
	assert.False(t, tr.Contains("/users/123/name"))
	assert.True(t, tr.Contains("/users/123"))
	assert.False(t, tr.Erase("/users/123/name"))

	// Children survive their parent.
	assert.True(t, tr.Erase("/users"))
	assert.False(t, tr.Contains("/users"))
	assert.True(t, tr.Contains("/users/123"))
	assert.True(t, tr.Contains("/users/456"))
	assert.Equal(t, []string{"/config", "/users/123", "/users/456"}, keysOf(tr))

	assert.True(t, tr.Erase("/users/123"))
	assert.True(t, tr.Erase("/users/456"))
	assert.True(t, tr.Erase("/config"))
	assert.Zero(t, tr.Len())
	assert.Nil(t, tr.Begin())
	assert.Empty(t, tr.root.children)
}

func TestTrieErasePinned(t *testing.T) {
	tr := NewTrie()
	vx := tr.Insert("/x", NewTypeSet(ColumnInt))
	tr.Insert("/y", NewTypeSet(ColumnString))

	it := tr.Find("/x")
	require.NotNil(t, it)
	require.True(t, tr.Erase("/x"))
	assert.False(t, tr.Contains("/x"))
	assert.Nil(t, tr.Find("/x"))
	assert.Equal(t, NewTypeSet(ColumnInt), it.Types())
	assert.Equal(t, []uint64{vx}, tr.Versions("/x"))

	assert.Zero(t, tr.Cleanup())
	it.Release()
	assert.Equal(t, 1, tr.Cleanup())
	assert.Nil(t, tr.Versions("/x"))

	// The versionless "/" node folds into its remaining child.
	require.Len(t, tr.root.children, 1)
	assert.Equal(t, "/y", tr.root.children[0].prefix)
	assert.True(t, tr.Contains("/y"))
}

func TestTrieEmptyKey(t *testing.T) {
	tr := NewTrie()
	tr.Insert("", NewTypeSet(ColumnObject))
	tr.Insert("a", NewTypeSet(ColumnString))
	assert.True(t, tr.Contains(""))
	assert.Equal(t, []string{"", "a"}, keysOf(tr))

	assert.True(t, tr.Erase(""))
	assert.False(t, tr.Contains(""))
	assert.True(t, tr.Contains("a"))
	assert.NotNil(t, tr.root)
}

func TestTrieMultipleVersionsHideOldTypes(t *testing.T) {
	tr := NewTrie()
	tr.Insert("/multi", NewTypeSet(ColumnInt))
	tr.Insert("/multi", NewTypeSet(ColumnString))
	tr.Insert("/multi", NewTypeSet(ColumnObject, ColumnArray))

	it := tr.Find("/multi")
	require.NotNil(t, it)
	defer it.Release()
	assert.Equal(t, NewTypeSet(ColumnObject, ColumnArray), it.Types())
	assert.False(t, it.Types().Has(ColumnInt))

	// Unpinned older versions are dropped; the pinned current one stays.
	assert.Equal(t, 2, tr.Cleanup())
	assert.Len(t, tr.Versions("/multi"), 1)
}

func TestTrieIteratorSurvivesMutation(t *testing.T) {
	tr := NewTrie()
	for _, k := range []string{"/a", "/b", "/ba", "/c"} {
		tr.Insert(k, NewTypeSet(ColumnBool))
	}

	it := tr.Begin()
	require.True(t, it.Valid())
	assert.Equal(t, "/a", it.Key())

	tr.Erase("/b")
	tr.Insert("/aa", NewTypeSet(ColumnBool))
	tr.Cleanup()

	var seen []string
	for ok := it.Next(); ok; ok = it.Next() {
		seen = append(seen, it.Key())
	}
	assert.Equal(t, []string{"/aa", "/ba", "/c"}, seen)
	assert.False(t, it.Valid())
}

func TestTrieIterationOrder(t *testing.T) {
	tr := NewTrie()
	rng := rand.New(rand.NewPCG(3, 4))
	want := make([]string, 0, 500)
	for i := range 500 {
		want = append(want, fmt.Sprintf("/k/%d/v%d", i%37, i))
	}
	for _, i := range rng.Perm(len(want)) {
		tr.Insert(want[i], NewTypeSet(ColumnUint))
	}
	slices.Sort(want)
	assert.Equal(t, want, keysOf(tr))
	assert.Equal(t, len(want), tr.Len())

	var n int
	for range tr.All() {
		n++
		if n == 10 {
			break
		}
	}
	assert.Equal(t, 10, n)
}

func TestIsPathValid(t *testing.T) {
	tr := NewTrie()
	assert.True(t, tr.IsPathValid(""))
	assert.True(t, tr.IsPathValid("/users"))
	assert.False(t, tr.IsPathValid("/users/1/id"))

	tr.Insert("/users", NewTypeSet(ColumnArray))
	assert.False(t, tr.IsPathValid("/users/1/id"))
	tr.Insert("/users/1", NewTypeSet(ColumnObject))
	assert.True(t, tr.IsPathValid("/users/1/id"))

	tr.Erase("/users")
	assert.False(t, tr.IsPathValid("/users/1/id"))
}

func TestTrieConcurrentAccess(t *testing.T) {
	tr := NewTrie()
	const (
		writers = 8
		perW    = 200
	)

	var g errgroup.Group
	for w := range writers {
		g.Go(func() error {
			for i := range perW {
				key := fmt.Sprintf("/w%d/%d", w, i)
				tr.Insert(key, NewTypeSet(ColumnInt))
				it := tr.Find(key)
				if it == nil {
					return fmt.Errorf("key %s not found after insert", key)
				}
				it.Release()
			}
			return nil
		})
	}
	g.Go(func() error {
		for range 50 {
			prev := ""
			for k := range tr.All() {
				if k <= prev && prev != "" {
					return fmt.Errorf("iteration out of order: %q after %q", k, prev)
				}
				prev = k
			}
			tr.Cleanup()
		}
		return nil
	})
	require.NoError(t, g.Wait())

	assert.Equal(t, writers*perW, tr.Len())
	assert.Equal(t, uint64(writers*perW), tr.CurrentVersion())
}
