package blockstore_test

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/hupe1980/blockstore"
	"github.com/hupe1980/blockstore/backup"
	"github.com/hupe1980/blockstore/blobstore"
)

// Example demonstrates storing several payloads under one id.
func Example() {
	dir, err := os.MkdirTemp("", "blockstore-example")
	if err != nil {
		log.Fatal(err)
	}
	defer os.RemoveAll(dir)

	ctx := context.Background()
	db, err := blockstore.Open(dir)
	if err != nil {
		log.Fatal(err)
	}
	defer db.Close()

	_, _ = db.Put(ctx, 7, []byte("beta"))
	_, _ = db.Put(ctx, 7, []byte("alpha"))
	added, _ := db.Put(ctx, 7, []byte("alpha"))

	all, _ := db.GetAll(ctx, 7)
	for _, v := range all {
		fmt.Println(string(v))
	}
	fmt.Println(added, db.Len())
	// Output:
	// alpha
	// beta
	// false 2
}

// ExampleScan demonstrates a filtered range scan with a decoder.
func ExampleScan() {
	dir, err := os.MkdirTemp("", "blockstore-example")
	if err != nil {
		log.Fatal(err)
	}
	defer os.RemoveAll(dir)

	ctx := context.Background()
	db, err := blockstore.Open(dir)
	if err != nil {
		log.Fatal(err)
	}
	defer db.Close()

	for id := range uint64(10) {
		_, _ = db.Put(ctx, id, fmt.Appendf(nil, "item-%d", id))
	}

	decode := func(b []byte) (string, error) { return string(b), nil }
	even := func(s string) bool { return (s[len(s)-1]-'0')%2 == 0 }

	pairs, err := blockstore.Scan(ctx, db, 2, 9, 3, decode, even)
	if err != nil {
		log.Fatal(err)
	}
	for _, p := range pairs {
		fmt.Println(p.ID, p.Value)
	}
	// Output:
	// 2 item-2
	// 4 item-4
	// 6 item-6
}

// ExampleStore_Backup demonstrates a backup to a directory and a restore
// into a new store.
func ExampleStore_Backup() {
	root, err := os.MkdirTemp("", "blockstore-example")
	if err != nil {
		log.Fatal(err)
	}
	defer os.RemoveAll(root)

	ctx := context.Background()
	db, err := blockstore.Open(root + "/live")
	if err != nil {
		log.Fatal(err)
	}
	_, _ = db.Put(ctx, 1, []byte("one"))

	store := blobstore.NewLocalStore(root + "/backups")
	if _, err := db.Backup(ctx, store, backup.WithCodec(backup.CodecLZ4)); err != nil {
		log.Fatal(err)
	}
	_ = db.Close()

	restored, err := blockstore.Restore(ctx, store, root+"/restored")
	if err != nil {
		log.Fatal(err)
	}
	defer restored.Close()

	data, found, _ := restored.Get(ctx, 1)
	fmt.Println(string(data), found)
	// Output: one true
}
