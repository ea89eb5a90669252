// Package fs provides filesystem abstractions for testability and fault injection.
//
//   - [File]: an open file with positional read/write, truncate and sync
//   - [FileSystem]: open, remove, rename, mkdir, readdir
//   - [SyncDir]: fsync a directory after renames
//
// [LocalFS] is the production implementation. [FaultyFS] wraps another
// FileSystem and injects write, sync, truncate, close and rename failures so tests can
// check that a failed flush leaves a tree loadable:
//
//	ffs := fs.NewFaultyFS(nil)
//	ffs.AddRule("segmented_block", fs.Fault{FailAfterBytes: 4096})
//	tree, _ := btree.Open(dir, btree.WithFileSystem(ffs))
//
// Filesystem calls take no context: local syscalls cannot be interrupted.
// Remote objects go through blobstore, which is context-aware.
package fs
