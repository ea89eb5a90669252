package fs

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalFS(t *testing.T) {
	lfs := LocalFS{}
	dir := filepath.Join(t.TempDir(), "tree")
	require.NoError(t, lfs.MkdirAll(dir, 0o755))

	leaf := filepath.Join(dir, "segmented_block0")
	f, err := lfs.OpenFile(leaf, os.O_CREATE|os.O_RDWR, 0o644)
	require.NoError(t, err)
	_, err = f.WriteAt([]byte("page"), 8)
	require.NoError(t, err)
	require.NoError(t, f.Truncate(12))
	require.NoError(t, f.Sync())

	info, err := f.Stat()
	require.NoError(t, err)
	assert.Equal(t, int64(12), info.Size())
	assert.Equal(t, leaf, f.Name())
	require.NoError(t, f.Close())

	moved := filepath.Join(dir, "segmented_block1")
	require.NoError(t, lfs.Rename(leaf, moved))
	require.NoError(t, SyncDir(lfs, dir))

	entries, err := lfs.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "segmented_block1", entries[0].Name())

	require.NoError(t, lfs.Remove(moved))
	_, err = os.Stat(moved)
	assert.ErrorIs(t, err, os.ErrNotExist)

	assert.Equal(t, Default, OrDefault(nil))
}

func TestFaultyFSLimit(t *testing.T) {
	ffs := NewFaultyFS(nil)
	ffs.SetLimit(5)

	f, err := ffs.OpenFile(filepath.Join(t.TempDir(), "metadata"), os.O_CREATE|os.O_RDWR, 0o644)
	require.NoError(t, err)
	defer f.Close()

	n, err := f.Write([]byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	n, err = f.Write([]byte("!"))
	assert.ErrorIs(t, err, ErrInjected)
	assert.Zero(t, n)

	_, err = f.WriteAt([]byte("!"), 0)
	assert.ErrorIs(t, err, ErrInjected)
	assert.Equal(t, int64(5), ffs.Written())

	ffs.SetLimit(-1)
	_, err = f.WriteAt([]byte("!"), 0)
	assert.NoError(t, err)
}

func TestFaultyFSSyncDir(t *testing.T) {
	dir := t.TempDir()
	ffs := NewFaultyFS(nil)
	require.NoError(t, SyncDir(ffs, dir))

	ffs.AddRule(filepath.Base(dir), Fault{FailAfterBytes: -1, FailOnSync: true})
	assert.ErrorIs(t, SyncDir(ffs, dir), ErrInjected)

	require.NoError(t, ffs.MkdirAll(filepath.Join(dir, "sub"), 0o755))
	entries, err := ffs.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestFaultyFS_Rules(t *testing.T) {
	tmp := t.TempDir()
	ffs := NewFaultyFS(nil)
	boom := errors.New("boom")

	ffs.AddRule("segmented_block", Fault{FailAfterBytes: 4, FailOnSync: true, FailOnTruncate: true, Err: boom})

	leaf, err := ffs.OpenFile(filepath.Join(tmp, "segmented_block1"), os.O_CREATE|os.O_RDWR, 0644)
	require.NoError(t, err)
	defer leaf.Close()

	_, err = leaf.WriteAt([]byte("abcd"), 16)
	require.NoError(t, err)
	_, err = leaf.WriteAt([]byte("e"), 0)
	assert.ErrorIs(t, err, boom)
	assert.ErrorIs(t, leaf.Sync(), boom)
	assert.ErrorIs(t, leaf.Truncate(0), boom)

	meta, err := ffs.OpenFile(filepath.Join(tmp, "metadata"), os.O_CREATE|os.O_RDWR, 0644)
	require.NoError(t, err)
	defer meta.Close()
	_, err = meta.WriteAt([]byte("unaffected"), 0)
	assert.NoError(t, err)
	assert.NoError(t, meta.Sync())

	ffs.AddRule("closing", Fault{FailAfterBytes: -1, FailOnClose: true})
	c, err := ffs.OpenFile(filepath.Join(tmp, "closing"), os.O_CREATE|os.O_RDWR, 0644)
	require.NoError(t, err)
	assert.ErrorIs(t, c.Close(), ErrInjected)

	ffs.ClearRules()
	again, err := ffs.OpenFile(filepath.Join(tmp, "segmented_block1"), os.O_RDWR, 0644)
	require.NoError(t, err)
	assert.NoError(t, again.Sync())
	assert.NoError(t, again.Close())
}

func TestFaultyFS_RenameAndPrecedence(t *testing.T) {
	tmp := t.TempDir()
	ffs := NewFaultyFS(nil)

	ffs.AddRule("metadata", Fault{FailAfterBytes: -1, FailOnRename: true})
	src := filepath.Join(tmp, "metadata.tmp")
	f, err := ffs.OpenFile(src, os.O_CREATE|os.O_RDWR, 0o644)
	require.NoError(t, err)
	require.NoError(t, f.Close())
	assert.ErrorIs(t, ffs.Rename(src, filepath.Join(tmp, "metadata")), ErrInjected)

	// A later rule for the same path replaces the earlier one.
	ffs.AddRule("metadata", noFault)
	require.NoError(t, ffs.Rename(src, filepath.Join(tmp, "metadata")))
	_, err = os.Stat(filepath.Join(tmp, "metadata"))
	assert.NoError(t, err)
}
