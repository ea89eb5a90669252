package blobstore

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/blockstore/internal/cache"
)

// DefaultCacheBlockSize is the block size used by CachingStore when none
// is given.
const DefaultCacheBlockSize = 64 << 10

// maxInflightRuns bounds concurrent backend reads issued by one ReadAt.
const maxInflightRuns = 16

// CachingStore serves reads of another BlobStore from a block cache.
//
// Every write or delete through the store moves the blob to a new
// generation. Blobs opened afterwards use keys of the new generation, so
// blocks of the replaced content are never returned and age out of the
// cache on their own.
type CachingStore struct {
	inner     BlobStore
	cache     cache.BlockCache
	blockSize int64

	mu      sync.Mutex
	gens    map[string]uint64
	lastGen uint64
}

var _ BlobStore = (*CachingStore)(nil)

// NewCachingStore wraps inner. blockSize defaults to DefaultCacheBlockSize.
func NewCachingStore(inner BlobStore, c cache.BlockCache, blockSize int64) *CachingStore {
	if blockSize <= 0 {
		blockSize = DefaultCacheBlockSize
	}
	return &CachingStore{
		inner:     inner,
		cache:     c,
		blockSize: blockSize,
		gens:      make(map[string]uint64),
	}
}

func (s *CachingStore) currentGen(name string) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gens[name]
}

func (s *CachingStore) invalidate(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastGen++
	s.gens[name] = s.lastGen
}

func (s *CachingStore) Open(ctx context.Context, name string) (Blob, error) {
	gen := s.currentGen(name)
	b, err := s.inner.Open(ctx, name)
	if err != nil {
		return nil, err
	}
	return &cachedBlob{Blob: b, store: s, name: name, gen: gen}, nil
}

func (s *CachingStore) Create(ctx context.Context, name string) (WritableBlob, error) {
	w, err := s.inner.Create(ctx, name)
	if err != nil {
		return nil, err
	}
	return &invalidatingWriter{WritableBlob: w, store: s, name: name}, nil
}

func (s *CachingStore) Put(ctx context.Context, name string, data []byte) error {
	err := s.inner.Put(ctx, name, data)
	s.invalidate(name)
	return err
}

func (s *CachingStore) Delete(ctx context.Context, name string) error {
	err := s.inner.Delete(ctx, name)
	s.invalidate(name)
	return err
}

func (s *CachingStore) List(ctx context.Context, prefix string) ([]string, error) {
	return s.inner.List(ctx, prefix)
}

type invalidatingWriter struct {
	WritableBlob
	store *CachingStore
	name  string
}

func (w *invalidatingWriter) Close() error {
	err := w.WritableBlob.Close()
	w.store.invalidate(w.name)
	return err
}

// Abort forwards to the wrapped writer if it can abort.
func (w *invalidatingWriter) Abort() error {
	if a, ok := w.WritableBlob.(interface{ Abort() error }); ok {
		return a.Abort()
	}
	return nil
}

// cachedBlob reads whole blocks through the cache.
type cachedBlob struct {
	Blob
	store *CachingStore
	name  string
	gen   uint64
}

func (b *cachedBlob) key(blk int64) cache.Key {
	return cache.Key{Path: b.name, Generation: b.gen, Block: uint64(blk)} //nolint:gosec // blk >= 0
}

func (b *cachedBlob) ReadAt(ctx context.Context, p []byte, off int64) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	end, err := clampRange(off, int64(len(p)), b.Size())
	if err != nil {
		return 0, err
	}

	bs := b.store.blockSize
	first, last := off/bs, (end-1)/bs
	blocks, err := b.blocks(ctx, first, last)
	if err != nil {
		return 0, err
	}

	n := 0
	for i, data := range blocks {
		base := (first + int64(i)) * bs
		lo := max(off-base, 0)
		hi := min(end-base, int64(len(data)))
		if lo >= hi {
			break
		}
		n += copy(p[n:], data[lo:hi])
	}
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// blocks returns blocks first..last. Each run of consecutive misses is read
// with a single request to the wrapped blob.
func (b *cachedBlob) blocks(ctx context.Context, first, last int64) ([][]byte, error) {
	out := make([][]byte, last-first+1)
	c := b.store.cache

	type run struct{ from, to int64 }
	var misses []run
	for blk := first; blk <= last; blk++ {
		if data, ok := c.Get(ctx, b.key(blk)); ok {
			out[blk-first] = data
			continue
		}
		if n := len(misses); n > 0 && misses[n-1].to == blk {
			misses[n-1].to++
			continue
		}
		misses = append(misses, run{from: blk, to: blk + 1})
	}
	if len(misses) == 0 {
		return out, nil
	}

	bs := b.store.blockSize
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxInflightRuns)
	for _, r := range misses {
		g.Go(func() error {
			start := r.from * bs
			size := min((r.to-r.from)*bs, b.Size()-start)
			buf := make([]byte, size)
			n, err := b.Blob.ReadAt(gctx, buf, start)
			if err != nil && !errors.Is(err, io.EOF) {
				return err
			}
			buf = buf[:n]

			for blk := r.from; blk < r.to; blk++ {
				lo := (blk - r.from) * bs
				if lo >= int64(len(buf)) {
					break
				}
				// Cached blocks must not pin the whole run buffer.
				data := bytes.Clone(buf[lo:min(lo+bs, int64(len(buf)))])
				c.Set(gctx, b.key(blk), data)
				out[blk-first] = data
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// ReadRange reads through the cache in chunks requested by the caller.
func (b *cachedBlob) ReadRange(ctx context.Context, off, length int64) (io.ReadCloser, error) {
	end, err := clampRange(off, length, b.Size())
	if err != nil {
		return nil, err
	}
	return io.NopCloser(io.NewSectionReader(boundReaderAt{ctx: ctx, b: b}, off, end-off)), nil
}

// boundReaderAt binds a context to a Blob to satisfy io.ReaderAt.
type boundReaderAt struct {
	ctx context.Context
	b   Blob
}

func (r boundReaderAt) ReadAt(p []byte, off int64) (int, error) {
	return r.b.ReadAt(r.ctx, p, off)
}
