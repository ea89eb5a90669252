// Package blockstore provides an embedded, persistent ordered multimap from
// uint64 ids to byte payloads.
//
// A store is a B+tree whose leaves are segment trees: each leaf owns one
// file of slotted pages, sorted by id and payload. Pages are loaded eagerly
// or on first access, are charged against an optional memory limit, and are
// unloaded from idle leaves when the limit is reached.
//
// # Quick Start
//
//	ctx := context.Background()
//	db, err := blockstore.Open("./data")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer db.Close()
//
//	_, _ = db.Put(ctx, 42, []byte("hello"))
//	_, _ = db.Put(ctx, 42, []byte("world")) // several payloads per id
//
//	data, found, _ := db.Get(ctx, 42)        // first payload
//	all, _ := db.GetAll(ctx, 42)             // every payload
//
// # Range Scans
//
// Scan and ReverseScan decode payloads and filter them with a predicate:
//
//	pairs, err := blockstore.Scan(ctx, db, 100, 200, 10, blockstore.Bytes, nil)
//
// All streams copies of every payload in a range:
//
//	for p, err := range db.All(ctx, 0, math.MaxUint64) {
//	    ...
//	}
//
// # Durability
//
// Writes are applied in memory. Flush writes modified pages and the
// metadata file; Close flushes as well:
//
//	db.Put(ctx, id, payload) // buffered in memory
//	db.Flush(ctx)            // durable after this
//
// # Backups
//
// Backup uploads a flushed snapshot to any blobstore.BlobStore (local
// directory, MinIO, S3) and Restore recreates a store from the current one:
//
//	store := blobstore.NewLocalStore("/backups/orders")
//	m, err := db.Backup(ctx, store)
//	...
//	db, err = blockstore.Restore(ctx, store, "./data")
package blockstore
