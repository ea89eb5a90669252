package blockstore

import (
	"bytes"
	"context"
	"iter"
	"sync"
	"time"

	"github.com/hupe1980/blockstore/backup"
	"github.com/hupe1980/blockstore/blobstore"
	"github.com/hupe1980/blockstore/btree"
	"github.com/hupe1980/blockstore/internal/resource"
)

// Pair is a decoded item returned by Scan and ReverseScan.
type Pair[T any] = btree.Pair[T]

// Store is a persistent ordered multimap from uint64 ids to byte payloads,
// backed by a B+tree of segment files in a single directory.
//
// All methods are safe for concurrent use.
type Store struct {
	// mu is held shared by every operation and exclusively by Backup and
	// Close so that a snapshot sees a quiescent directory.
	mu         sync.RWMutex
	dir        string
	tree       *btree.Tree
	rc         *resource.Controller
	metrics    MetricsCollector
	logger     *Logger
	backupOpts []backup.Option
}

// Open opens the store in dir, creating the directory if needed. An existing
// tree is loaded with the configured LoadMode; a clean load that hits the
// memory limit continues lazily.
func Open(dir string, optFns ...Option) (*Store, error) {
	o := applyOptions(optFns)
	return open(dir, o, newController(o))
}

// Restore downloads the snapshot committed as current in store into dir and
// opens it. dir must not be open. Any tree files in dir that are not part of
// the snapshot are removed.
func Restore(ctx context.Context, store blobstore.BlobStore, dir string, optFns ...Option) (*Store, error) {
	o := applyOptions(optFns)
	rc := newController(o)
	logger := o.logger.WithDir(dir)

	opts := append([]backup.Option{
		backup.WithResourceController(rc),
		backup.WithLogger(logger.Logger),
	}, o.backupOpts...)
	m, err := backup.Restore(ctx, store, dir, opts...)
	if err != nil {
		logger.LogBackup(ctx, "restore", "", 0, err)
		return nil, translateError(err)
	}
	logger.LogBackup(ctx, "restore", m.ID, m.TotalSize(), nil)
	return open(dir, o, rc)
}

func newController(o options) *resource.Controller {
	var cfg ResourceConfig
	if o.resources != nil {
		cfg = *o.resources
	}
	return resource.NewController(cfg)
}

func open(dir string, o options, rc *resource.Controller) (*Store, error) {
	logger := o.logger.WithDir(dir)
	treeOpts := []btree.Option{
		btree.WithNodeCapacity(o.nodeCapacity),
		btree.WithMemoryController(rc),
		btree.WithLogger(logger.Logger),
		btree.WithLoadMode(o.loadMode),
	}
	if o.flushConcurrency > 0 {
		treeOpts = append(treeOpts, btree.WithFlushConcurrency(o.flushConcurrency))
	}

	start := time.Now()
	tree, err := btree.Open(dir, treeOpts...)
	elapsed := time.Since(start)
	mode := o.loadMode.String()
	if err == nil {
		mode = tree.LoadMode().String()
	}
	o.metricsCollector.RecordLoad(mode, elapsed, err)
	if err != nil {
		logger.LogLoad(context.Background(), mode, 0, 0, elapsed, err)
		return nil, translateError(err)
	}
	logger.LogLoad(context.Background(), mode, tree.Size(), rc.MemoryUsage(), elapsed, nil)

	return &Store{
		dir:        dir,
		tree:       tree,
		rc:         rc,
		metrics:    o.metricsCollector,
		logger:     logger,
		backupOpts: o.backupOpts,
	}, nil
}

// Dir returns the directory of the store.
func (s *Store) Dir() string {
	return s.dir
}

// Put stores data under id. It reports false if the exact payload is
// already stored under id.
func (s *Store) Put(ctx context.Context, id uint64, data []byte) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	start := time.Now()
	added, err := s.tree.Append(id, data)
	err = translateError(err)
	s.metrics.RecordPut(time.Since(start), err)
	s.logger.LogAppend(ctx, id, len(data), added, err)
	return added, err
}

// Get returns a copy of the first payload stored under id.
func (s *Store) Get(ctx context.Context, id uint64) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	start := time.Now()
	data, found, err := s.tree.DataOf(id)
	err = translateError(err)
	s.metrics.RecordGet(time.Since(start), err)
	return data, found, err
}

// GetAll returns copies of every payload stored under id in payload order.
func (s *Store) GetAll(ctx context.Context, id uint64) ([][]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	start := time.Now()
	items, err := s.tree.GetItems(id)
	err = translateError(err)
	s.metrics.RecordGet(time.Since(start), err)
	return items, err
}

// Count returns the number of payloads stored under id.
func (s *Store) Count(ctx context.Context, id uint64) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	n, err := s.tree.ItemCount(id)
	return n, translateError(err)
}

// Contains reports whether id holds at least one payload.
func (s *Store) Contains(ctx context.Context, id uint64) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	found, err := s.tree.ContainsID(id)
	return found, translateError(err)
}

// ContainsValue reports whether the exact payload is stored under id.
func (s *Store) ContainsValue(ctx context.Context, id uint64, data []byte) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	found, err := s.tree.Contains(id, data)
	return found, translateError(err)
}

// Delete removes every payload stored under id.
func (s *Store) Delete(ctx context.Context, id uint64) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	start := time.Now()
	removed, err := s.tree.RemoveID(id)
	err = translateError(err)
	s.metrics.RecordDelete(time.Since(start), err)
	s.logger.LogRemove(ctx, id, removed, err)
	return removed, err
}

// DeleteValue removes a single payload stored under id.
func (s *Store) DeleteValue(ctx context.Context, id uint64, data []byte) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	start := time.Now()
	removed, err := s.tree.Remove(id, data)
	err = translateError(err)
	s.metrics.RecordDelete(time.Since(start), err)
	s.logger.LogRemove(ctx, id, removed, err)
	return removed, err
}

// Len returns the number of stored payloads.
func (s *Store) Len() int {
	return s.tree.Size()
}

// IDs returns every distinct id in ascending order.
func (s *Store) IDs(ctx context.Context) ([]uint64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids, err := s.tree.ListIDs()
	return ids, translateError(err)
}

// All returns an iterator over the payloads with start <= id < stop in
// ascending order of id and payload. Payloads are copies. A failed scan
// yields a single error as the last element. The loop body must not call
// back into the store.
//
// Example:
//
//	for p, err := range db.All(ctx, 0, math.MaxUint64) {
//	    if err != nil {
//	        return err
//	    }
//	    fmt.Println(p.ID, len(p.Value))
//	}
func (s *Store) All(ctx context.Context, start, stop uint64) iter.Seq2[Pair[[]byte], error] {
	return func(yield func(Pair[[]byte], error) bool) {
		if err := ctx.Err(); err != nil {
			yield(Pair[[]byte]{}, err)
			return
		}
		s.mu.RLock()
		defer s.mu.RUnlock()

		began := time.Now()
		n := 0
		stopped := false
		err := s.tree.Ascend(start, stop, func(id uint64, data []byte) bool {
			if ctx.Err() != nil {
				return false
			}
			n++
			if !yield(Pair[[]byte]{ID: id, Value: bytes.Clone(data)}, nil) {
				stopped = true
				return false
			}
			return true
		})
		if err == nil && !stopped {
			err = ctx.Err()
		}
		err = translateError(err)
		s.metrics.RecordScan(n, time.Since(began), err)
		if err != nil {
			yield(Pair[[]byte]{}, err)
		}
	}
}

// Scan decodes the payloads with start <= id < stop in ascending order and
// returns at most limit of those accepted by pred. A nil pred accepts every
// payload. decode receives a slice that is only valid during the call.
func Scan[T any](ctx context.Context, s *Store, start, stop uint64, limit int, decode func([]byte) (T, error), pred func(T) bool) ([]Pair[T], error) {
	return scan(ctx, s, func() ([]Pair[T], error) {
		return btree.ScanAscending(s.tree, start, stop, limit, decode, pred)
	})
}

// ReverseScan decodes the payloads with stop < id <= start in descending
// order and returns at most limit of those accepted by pred.
func ReverseScan[T any](ctx context.Context, s *Store, start, stop uint64, limit int, decode func([]byte) (T, error), pred func(T) bool) ([]Pair[T], error) {
	return scan(ctx, s, func() ([]Pair[T], error) {
		return btree.ScanDescending(s.tree, start, stop, limit, decode, pred)
	})
}

func scan[T any](ctx context.Context, s *Store, run func() ([]Pair[T], error)) ([]Pair[T], error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	start := time.Now()
	out, err := run()
	err = translateError(err)
	s.metrics.RecordScan(len(out), time.Since(start), err)
	return out, err
}

// Bytes is a decode function for Scan that copies the raw payload.
func Bytes(data []byte) ([]byte, error) {
	return bytes.Clone(data), nil
}

// Flush writes every modified page and the metadata file to disk.
func (s *Store) Flush(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.flush(ctx)
}

func (s *Store) flush(ctx context.Context) error {
	start := time.Now()
	err := translateError(s.tree.Flush())
	elapsed := time.Since(start)
	s.metrics.RecordFlush(elapsed, err)
	s.logger.LogFlush(ctx, s.tree.Size(), elapsed, err)
	return err
}

// Backup flushes the store and uploads a snapshot of its directory to
// store. Writers are blocked until the upload completes. The snapshot
// becomes current only once every file is stored.
func (s *Store) Backup(ctx context.Context, store blobstore.BlobStore, opts ...backup.Option) (*backup.Manifest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.flush(ctx); err != nil {
		return nil, err
	}

	all := append([]backup.Option{
		backup.WithResourceController(s.rc),
		backup.WithLogger(s.logger.Logger),
	}, s.backupOpts...)
	all = append(all, opts...)

	m, err := backup.Snapshot(ctx, store, s.dir, all...)
	if err != nil {
		s.logger.LogBackup(ctx, "backup", "", 0, err)
		return nil, err
	}
	s.logger.LogBackup(ctx, "backup", m.ID, m.StoredSize(), nil)
	return m, nil
}

// Stats describes the shape and memory use of a store.
type Stats struct {
	Items        int
	Leaves       int
	Height       int
	LoadedBlocks int
	MemoryBytes  int64
	LoadMode     string
}

// Stats returns a snapshot of the store shape.
func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return Stats{
		Items:        s.tree.Size(),
		Leaves:       s.tree.LeafCount(),
		Height:       s.tree.Height(),
		LoadedBlocks: s.tree.LoadedBlockCount(),
		MemoryBytes:  s.rc.MemoryUsage(),
		LoadMode:     s.tree.LoadMode().String(),
	}
}

// Close flushes the store and releases every leaf file. Further calls
// return ErrClosed; a second Close is a no-op.
func (s *Store) Close() error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	start := time.Now()
	err := translateError(s.tree.Close())
	s.metrics.RecordFlush(time.Since(start), err)
	if err != nil {
		s.logger.Error("close failed", "error", err)
	}
	return err
}
