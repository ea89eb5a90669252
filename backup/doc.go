// Package backup ships flushed trees to a blobstore.BlobStore and brings
// them back.
//
// A snapshot is a set of objects below "snapshots/<uuid>/": one compressed
// object per tree file and a JSON MANIFEST recording the size and CRC32C of
// every file. CURRENT names the latest complete snapshot and is written last,
// so readers never observe a partial snapshot.
//
//	m, err := backup.Snapshot(ctx, store, dir, backup.WithCodec(backup.CodecLZ4))
//	...
//	_, err = backup.Restore(ctx, store, dir)
//
// Restore verifies every file before renaming it into place. Transfers run
// in parallel and can be throttled with a resource.Controller.
package backup
