package btree

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/hupe1980/blockstore/internal/fs"
	"github.com/hupe1980/blockstore/internal/segment"
)

var (
	// ErrClosed is returned by operations on a closed tree.
	ErrClosed = errors.New("btree: closed")
	// ErrIncompatibleFormat is returned when the metadata file has an unknown
	// magic number or version.
	ErrIncompatibleFormat = errors.New("btree: incompatible metadata format")
	// ErrCorruptedMetadata is returned when the metadata file fails validation.
	ErrCorruptedMetadata = errors.New("btree: corrupted metadata")
)

// Tree is a persistent B+tree of (id, payload) items. An id may hold several
// distinct payloads.
type Tree struct {
	// mu is held shared by every operation and exclusively by those that
	// restructure the tree, flush or load it.
	mu   sync.RWMutex
	dir  string
	opts options

	root   node
	items  atomic.Int64
	leaves int
	nextID uint32
	free   *roaring.Bitmap
	// retired holds ids of disposed leaves whose files the installed metadata
	// may still list. They join free once newer metadata is in place.
	retired *roaring.Bitmap
	mode    LoadMode
	closed  bool

	minCap     int
	mergeShare int
	maxCap     int
}

// Open opens the tree stored in dir, creating the directory if needed. An
// existing tree is loaded with the configured LoadMode.
func Open(dir string, opts ...Option) (*Tree, error) {
	o := applyOptions(opts)
	if err := o.fs.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("btree: create %s: %w", dir, err)
	}
	t := &Tree{
		dir:        dir,
		opts:       o,
		free:       roaring.New(),
		retired:    roaring.New(),
		minCap:     o.capacity / 4,
		mergeShare: o.capacity / 2,
		maxCap:     o.capacity,
	}
	if err := t.Load(o.loadMode); err != nil {
		return nil, err
	}
	return t, nil
}

// Dir returns the tree directory.
func (t *Tree) Dir() string {
	return t.dir
}

func (t *Tree) leafPath(id uint32) string {
	return filepath.Join(t.dir, LeafFilePrefix+strconv.FormatUint(uint64(id), 10))
}

func (t *Tree) segmentOptions() []segment.Option {
	opts := []segment.Option{segment.WithLogger(t.opts.logger)}
	if t.opts.memory != nil {
		opts = append(opts, segment.WithMemory(t.opts.memory), segment.WithReclaimer(t.reclaim))
	}
	return opts
}

// reclaim unloads the pages of idle leaves other than caller until bytes
// are released. It runs inside a leaf operation, so t.mu is already held and
// the leaf links are stable. Leaves that are busy are skipped.
func (t *Tree) reclaim(caller *segment.Tree, bytes int64) bool {
	var freed int64
	for l := t.first(); l != nil; l = l.right {
		if l.seg == caller {
			continue
		}
		n, err := l.seg.TryUnload()
		if err != nil {
			t.opts.logger.Warn("btree leaf unload failed", "dir", t.dir, "leaf", l.id, "error", err)
			continue
		}
		freed += n
		if freed >= bytes {
			return true
		}
	}
	return freed > 0
}

// allocID returns a recycled leaf id, or a fresh one.
func (t *Tree) allocID() uint32 {
	if !t.free.IsEmpty() {
		id := t.free.Minimum()
		t.free.Remove(id)
		return id
	}
	id := t.nextID
	t.nextID++
	return id
}

func (t *Tree) openLeafFile(id uint32) (fs.File, error) {
	f, err := t.opts.fs.OpenFile(t.leafPath(id), os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		t.free.Add(id)
		return nil, fmt.Errorf("btree: create leaf %d: %w", id, err)
	}
	return f, nil
}

func (t *Tree) newLeaf() (*leaf, error) {
	id := t.allocID()
	f, err := t.openLeafFile(id)
	if err != nil {
		return nil, err
	}
	t.leaves++
	return &leaf{id: id, seg: segment.New(f, t.segmentOptions()...)}, nil
}

// dispose drops an emptied leaf. Its file and id are kept until the next
// flush installs metadata that no longer lists it.
func (t *Tree) dispose(l *leaf) error {
	l.unlink()
	t.leaves--
	t.retired.Add(l.id)
	if err := l.seg.Close(); err != nil {
		return fmt.Errorf("btree: close leaf %d: %w", l.id, err)
	}
	return nil
}

// purge removes the files of retired leaves and recycles their ids.
func (t *Tree) purge() {
	for _, id := range t.retired.ToArray() {
		if err := t.opts.fs.Remove(t.leafPath(id)); err != nil && !errors.Is(err, os.ErrNotExist) {
			t.opts.logger.Warn("btree: remove retired leaf", "dir", t.dir, "leaf", id, "error", err)
		}
	}
	t.free.Or(t.retired)
	t.retired.Clear()
}

// descend latches the leaf routing id, exclusively when exclusive is set,
// coupling shared latches on the way down. t.mu must be held shared and the
// tree must not be empty. The caller unlatches the returned leaf.
func (t *Tree) descend(id uint64, exclusive bool) *leaf {
	lock := func(n node) {
		if _, ok := n.(*leaf); ok && exclusive {
			n.latch().Lock()
			return
		}
		n.latch().RLock()
	}

	n := t.root
	lock(n)
	for {
		in, ok := n.(*inner)
		if !ok {
			return n.(*leaf)
		}
		next := in.children[in.child(id)]
		lock(next)
		in.mu.RUnlock()
		n = next
	}
}

// path returns the inner nodes from the root down to the leaf routing id,
// and that leaf. t.mu must be held exclusively.
func (t *Tree) path(id uint64) ([]*inner, *leaf) {
	var parents []*inner
	n := t.root
	for {
		switch v := n.(type) {
		case *leaf:
			return parents, v
		case *inner:
			parents = append(parents, v)
			n = v.children[v.child(id)]
		}
	}
}

// read runs fn on the leaf routing id while holding it latched shared.
func (t *Tree) read(id uint64, fn func(*segment.Tree) error) error {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if t.closed {
		return ErrClosed
	}
	if t.root == nil {
		return nil
	}
	l := t.descend(id, false)
	defer l.mu.RUnlock()
	return fn(l.seg)
}

// write runs fn on the leaf routing id under an exclusive leaf latch when
// safe reports that fn cannot split or empty the leaf and cannot raise its
// minimum id. It returns false if
// the caller has to retry under the exclusive tree lock.
func (t *Tree) write(id uint64, safe func(l *leaf, isRoot bool) (bool, error), fn func(*segment.Tree) error) (bool, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if t.closed {
		return true, ErrClosed
	}
	if t.root == nil {
		return false, nil
	}
	_, isRoot := t.root.(*leaf)
	l := t.descend(id, true)
	defer l.mu.Unlock()

	ok, err := safe(l, isRoot)
	if err != nil || !ok {
		return ok, err
	}
	return true, fn(l.seg)
}

// Append inserts (id, data). It returns false if the identical item is
// already stored.
func (t *Tree) Append(id uint64, data []byte) (bool, error) {
	var added bool
	done, err := t.write(id,
		func(l *leaf, _ bool) (bool, error) {
			if l.size() < t.maxCap {
				return true, nil
			}
			return l.seg.ContainsID(id)
		},
		func(s *segment.Tree) (err error) {
			added, err = s.Append(id, data)
			return err
		})
	if !done && err == nil {
		added, err = t.appendSlow(id, data)
	}
	if added {
		t.items.Add(1)
	}
	return added, err
}

// Remove deletes the item (id, data).
func (t *Tree) Remove(id uint64, data []byte) (bool, error) {
	var removed bool
	done, err := t.write(id,
		func(l *leaf, isRoot bool) (bool, error) {
			if isRoot {
				return l.seg.Count() > 1, nil
			}
			n, err := l.seg.ItemCount(id)
			if err != nil || n != 1 {
				return true, err
			}
			return l.size() > t.minCap && !raisesMin(l, id), nil
		},
		func(s *segment.Tree) (err error) {
			removed, err = s.Remove(id, data)
			return err
		})
	if !done && err == nil {
		removed, err = t.removeSlow(id, func(s *segment.Tree) (int, error) {
			ok, err := s.Remove(id, data)
			if ok {
				return 1, err
			}
			return 0, err
		})
		return removed, err
	}
	if removed {
		t.items.Add(-1)
	}
	return removed, err
}

// RemoveID deletes every item stored under id.
func (t *Tree) RemoveID(id uint64) (bool, error) {
	var n int
	done, err := t.write(id,
		func(l *leaf, isRoot bool) (bool, error) {
			if isRoot {
				return l.size() > 1, nil
			}
			return l.size() > t.minCap && !raisesMin(l, id), nil
		},
		func(s *segment.Tree) error {
			var err error
			n, err = removeAll(s, id)
			return err
		})
	if !done && err == nil {
		return t.removeSlow(id, func(s *segment.Tree) (int, error) {
			return removeAll(s, id)
		})
	}
	t.items.Add(-int64(n))
	return n > 0, err
}

// raisesMin reports whether dropping every item of id from l raises the
// minimum id that inner nodes route by. A writer may already be waiting on
// l for an id below the new minimum, so such removals take the tree lock.
func raisesMin(l *leaf, id uint64) bool {
	return id == l.minID()
}

func removeAll(s *segment.Tree, id uint64) (int, error) {
	n, err := s.ItemCount(id)
	if err != nil || n == 0 {
		return 0, err
	}
	if _, err := s.RemoveID(id); err != nil {
		return 0, err
	}
	return n, nil
}

// Contains reports whether the item (id, data) is stored.
func (t *Tree) Contains(id uint64, data []byte) (bool, error) {
	var found bool
	err := t.read(id, func(s *segment.Tree) (err error) {
		found, err = s.Contains(id, data)
		return err
	})
	return found, err
}

// ContainsID reports whether id holds at least one item.
func (t *Tree) ContainsID(id uint64) (bool, error) {
	var found bool
	err := t.read(id, func(s *segment.Tree) (err error) {
		found, err = s.ContainsID(id)
		return err
	})
	return found, err
}

// ItemCount returns the number of items stored under id.
func (t *Tree) ItemCount(id uint64) (int, error) {
	var n int
	err := t.read(id, func(s *segment.Tree) (err error) {
		n, err = s.ItemCount(id)
		return err
	})
	return n, err
}

// GetItem returns a copy of the i-th item, in payload order, stored under id.
func (t *Tree) GetItem(id uint64, i int) ([]byte, bool, error) {
	var (
		data  []byte
		found bool
	)
	err := t.read(id, func(s *segment.Tree) (err error) {
		data, found, err = s.Item(id, i)
		return err
	})
	return data, found, err
}

// GetItems returns copies of every item stored under id.
func (t *Tree) GetItems(id uint64) ([][]byte, error) {
	var items [][]byte
	err := t.read(id, func(s *segment.Tree) (err error) {
		items, err = s.Items(id)
		return err
	})
	return items, err
}

// DataOf returns a copy of the first item stored under id.
func (t *Tree) DataOf(id uint64) ([]byte, bool, error) {
	return t.GetItem(id, 0)
}

// SizeOf returns the size of the first item stored under id.
func (t *Tree) SizeOf(id uint64) (int, bool, error) {
	var (
		size  int
		found bool
	)
	err := t.read(id, func(s *segment.Tree) (err error) {
		size, found, err = s.SizeOf(id)
		return err
	})
	return size, found, err
}

// Size returns the number of items.
func (t *Tree) Size() int {
	return int(t.items.Load())
}

// LoadMode returns the mode the last Load ended in. A clean load that hit
// the memory limit reports LoadLazy.
func (t *Tree) LoadMode() LoadMode {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.mode
}

// LeafCount returns the number of leaves.
func (t *Tree) LeafCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.leaves
}

// Height returns the number of levels, 0 for an empty tree.
func (t *Tree) Height() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	h := 0
	for n := t.root; n != nil; {
		h++
		in, ok := n.(*inner)
		if !ok {
			break
		}
		n = in.children[0]
	}
	return h
}

// LoadedBlockCount returns the number of resident pages across all leaves.
func (t *Tree) LoadedBlockCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n := 0
	for l := t.first(); l != nil; l = l.right {
		n += l.seg.LoadedBlockCount()
	}
	return n
}

// first returns the leftmost leaf, or nil. t.mu must be held.
func (t *Tree) first() *leaf {
	if t.root == nil {
		return nil
	}
	return leftmost(t.root)
}

// Close flushes the tree and closes every leaf.
func (t *Tree) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil
	}
	err := t.flushLocked()
	t.closed = true
	if cerr := t.closeLeaves(); err == nil {
		err = cerr
	}
	return err
}

func (t *Tree) closeLeaves() error {
	var errs []error
	for l := t.first(); l != nil; {
		next := l.right
		if err := l.seg.Close(); err != nil {
			errs = append(errs, fmt.Errorf("btree: close leaf %d: %w", l.id, err))
		}
		l.left, l.right = nil, nil
		l = next
	}
	t.root = nil
	return errors.Join(errs...)
}
