package cache

import (
	"context"
	"encoding/binary"
	"strconv"

	"github.com/cespare/xxhash/v2"
)

// Key identifies an immutable block of a blob. Generation changes whenever
// the blob is rewritten, so stale blocks are never served and simply age out.
type Key struct {
	Path       string
	Generation uint64
	Block      uint64
}

// Hash returns a stable 64-bit hash of k.
func (k Key) Hash() uint64 {
	var buf [16]byte
	binary.LittleEndian.PutUint64(buf[:8], k.Generation)
	binary.LittleEndian.PutUint64(buf[8:], k.Block)

	d := xxhash.New()
	_, _ = d.WriteString(k.Path)
	_, _ = d.Write(buf[:])
	return d.Sum64()
}

// String encodes k as a map key that cannot collide for distinct keys.
func (k Key) String() string {
	b := make([]byte, 0, len(k.Path)+24)
	b = append(b, k.Path...)
	b = append(b, 0)
	b = strconv.AppendUint(b, k.Generation, 16)
	b = append(b, ':')
	b = strconv.AppendUint(b, k.Block, 16)
	return string(b)
}

// BlockCache is a byte-oriented cache for immutable blocks.
// Returned slices must be treated as read-only.
type BlockCache interface {
	// Get returns a cached block. ok=false if missing.
	Get(ctx context.Context, key Key) (b []byte, ok bool)
	// Set caches a block. Implementations may retain b; the caller must treat
	// it as immutable.
	Set(ctx context.Context, key Key, b []byte)
	// Delete drops a block if present.
	Delete(key Key)
	// Close releases any resources (e.g. background workers).
	Close() error
	// Stats returns cache statistics.
	Stats() (hits, misses int64)
}
