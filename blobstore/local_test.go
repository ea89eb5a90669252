package blobstore

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/blockstore/internal/cache"
)

// testStores returns one fresh instance of every in-process BlobStore.
func testStores(t *testing.T) map[string]BlobStore {
	t.Helper()
	return map[string]BlobStore{
		"local":   NewLocalStore(t.TempDir()),
		"memory":  NewMemoryStore(),
		"caching": NewCachingStore(NewMemoryStore(), cache.NewLRUBlockCache(1<<20, nil), 8),
	}
}

func writeBlob(t *testing.T, s BlobStore, name string, chunks ...string) {
	t.Helper()
	w, err := s.Create(context.Background(), name)
	require.NoError(t, err)
	for _, c := range chunks {
		_, err := io.WriteString(w, c)
		require.NoError(t, err)
	}
	require.NoError(t, w.Sync())
	require.NoError(t, w.Close())
}

func TestBlobStores(t *testing.T) {
	for kind, s := range testStores(t) {
		t.Run(kind, func(t *testing.T) {
			ctx := context.Background()
			leaf := "page0:0123456789|page1:abcdefghij"

			writeBlob(t, s, "snapshots/a/1.leaf", leaf[:17], leaf[17:])
			require.NoError(t, s.Put(ctx, "snapshots/a/MANIFEST", []byte(`{"id":"a"}`)))
			require.NoError(t, s.Put(ctx, "CURRENT", []byte("a")))

			b, err := s.Open(ctx, "snapshots/a/1.leaf")
			require.NoError(t, err)
			assert.Equal(t, int64(len(leaf)), b.Size())

			buf := make([]byte, 10)
			n, err := b.ReadAt(ctx, buf, 6)
			require.NoError(t, err)
			assert.Equal(t, "0123456789", string(buf[:n]))

			n, err = b.ReadAt(ctx, buf, int64(len(leaf)-4))
			assert.ErrorIs(t, err, io.EOF)
			assert.Equal(t, "ghij", string(buf[:n]))

			_, err = b.ReadAt(ctx, buf, int64(len(leaf)))
			assert.ErrorIs(t, err, io.EOF)

			r, err := b.ReadRange(ctx, 17, 100)
			require.NoError(t, err)
			tail, err := io.ReadAll(r)
			require.NoError(t, err)
			require.NoError(t, r.Close())
			assert.Equal(t, leaf[17:], string(tail))

			_, err = b.ReadRange(ctx, int64(len(leaf)), 1)
			assert.ErrorIs(t, err, io.EOF)
			_, err = b.ReadRange(ctx, -1, 1)
			assert.Error(t, err)
			require.NoError(t, b.Close())

			names, err := s.List(ctx, "")
			require.NoError(t, err)
			assert.Equal(t, []string{"CURRENT", "snapshots/a/1.leaf", "snapshots/a/MANIFEST"}, names)
			names, err = s.List(ctx, "snapshots/")
			require.NoError(t, err)
			assert.Len(t, names, 2)

			require.NoError(t, s.Put(ctx, "CURRENT", []byte("b")))
			current, err := ReadAll(ctx, s, "CURRENT")
			require.NoError(t, err)
			assert.Equal(t, "b", string(current))

			require.NoError(t, s.Delete(ctx, "snapshots/a/1.leaf"))
			require.NoError(t, s.Delete(ctx, "snapshots/a/1.leaf"), "deleting a missing blob")
			_, err = s.Open(ctx, "snapshots/a/1.leaf")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestBlobStores_EmptyAndCanceled(t *testing.T) {
	for kind, s := range testStores(t) {
		t.Run(kind, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, s.Put(ctx, "empty", nil))
			got, err := ReadAll(ctx, s, "empty")
			require.NoError(t, err)
			assert.Empty(t, got)

			canceled, cancel := context.WithCancel(ctx)
			cancel()
			_, err = s.Open(canceled, "empty")
			assert.ErrorIs(t, err, context.Canceled)
			assert.ErrorIs(t, s.Put(canceled, "x", []byte("x")), context.Canceled)
		})
	}
}

func TestLocalStore_Layout(t *testing.T) {
	root := t.TempDir()
	s := NewLocalStore(root)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "snapshots/a/MANIFEST", []byte("{}")))
	require.NoError(t, s.Put(ctx, "snapshots/a/MANIFEST", []byte(`{"v":1}`)))
	writeBlob(t, s, "snapshots/a/2.leaf", "data")

	entries, err := os.ReadDir(filepath.Join(root, "snapshots", "a"))
	require.NoError(t, err)
	var files []string
	for _, e := range entries {
		files = append(files, e.Name())
	}
	assert.Equal(t, []string{"2.leaf", "MANIFEST"}, files, "no temporary files are left behind")

	for _, bad := range []string{"", "../escape", "/abs"} {
		_, err := s.Open(ctx, bad)
		assert.Error(t, err, bad)
		assert.NotErrorIs(t, err, ErrNotFound, bad)
	}
}

func TestLocalStore_ListMissingRoot(t *testing.T) {
	s := NewLocalStore(filepath.Join(t.TempDir(), "absent"))
	names, err := s.List(context.Background(), "")
	require.NoError(t, err)
	assert.Empty(t, names)
}

func TestCreateVisibility(t *testing.T) {
	for kind, s := range testStores(t) {
		t.Run(kind, func(t *testing.T) {
			ctx := context.Background()
			w, err := s.Create(ctx, "pending")
			require.NoError(t, err)
			_, err = w.Write([]byte("xyz"))
			require.NoError(t, err)

			_, err = s.Open(ctx, "pending")
			assert.ErrorIs(t, err, ErrNotFound, "blob is not visible before Close")
			require.NoError(t, w.Close())

			got, err := ReadAll(ctx, s, "pending")
			require.NoError(t, err)
			assert.Equal(t, "xyz", string(got))

			aborted, err := s.Create(ctx, "aborted")
			require.NoError(t, err)
			_, err = aborted.Write([]byte("partial"))
			require.NoError(t, err)
			a, ok := aborted.(interface{ Abort() error })
			require.True(t, ok)
			require.NoError(t, a.Abort())
			_, err = s.Open(ctx, "aborted")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}
