package btree

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/blockstore/internal/fs"
	"github.com/hupe1980/blockstore/internal/segment"
)

// Flush writes every leaf, in parallel, and then the metadata file.
func (t *Tree) Flush() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return ErrClosed
	}
	return t.flushLocked()
}

func (t *Tree) flushLocked() error {
	start := time.Now()

	var leaves []*leaf
	for l := t.first(); l != nil; l = l.right {
		leaves = append(leaves, l)
	}

	var g errgroup.Group
	g.SetLimit(t.opts.flushConcurrency)
	for _, l := range leaves {
		g.Go(func() error {
			if err := l.seg.Flush(); err != nil {
				return fmt.Errorf("btree: flush leaf %d: %w", l.id, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	m := &metadata{
		Items:   uint64(t.items.Load()), //nolint:gosec // item count is non-negative
		Leaves:  make([]uint32, len(leaves)),
		FreeIDs: roaring.Or(t.free, t.retired),
	}
	for i, l := range leaves {
		m.Leaves[i] = l.id
	}
	if err := writeMetadata(t.opts.fs, filepath.Join(t.dir, MetadataFileName), m); err != nil {
		return err
	}
	if err := fs.SyncDir(t.opts.fs, t.dir); err != nil {
		return fmt.Errorf("btree: sync %s: %w", t.dir, err)
	}
	t.purge()

	t.opts.logger.Debug("btree flushed",
		"dir", t.dir, "leaves", len(leaves), "items", m.Items, "took", time.Since(start))
	return nil
}

// Load discards the in-memory tree and reads the tree stored in the
// directory. A directory without a metadata file yields an empty tree.
//
// With LoadClean every page is read eagerly until the memory limit is
// reached; that leaf and all later ones are then loaded lazily.
func (t *Tree) Load(mode LoadMode) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return ErrClosed
	}
	if err := t.closeLeaves(); err != nil {
		return err
	}
	t.items.Store(0)
	t.leaves = 0
	t.nextID = 0
	t.mode = mode
	t.free = roaring.New()
	t.retired = roaring.New()

	m, err := readMetadata(t.opts.fs, filepath.Join(t.dir, MetadataFileName))
	if err != nil {
		return err
	}
	if m == nil {
		return nil
	}

	level, items, err := t.loadLeaves(m, mode)
	if err != nil {
		for _, n := range level {
			_ = n.(*leaf).seg.Close()
		}
		return err
	}
	if items != m.Items {
		for _, n := range level {
			_ = n.(*leaf).seg.Close()
		}
		return fmt.Errorf("%w: leaves hold %d items, metadata records %d", ErrCorruptedMetadata, items, m.Items)
	}

	t.free = m.FreeIDs
	if !t.free.IsEmpty() {
		t.nextID = max(t.nextID, t.free.Maximum()+1)
	}
	t.items.Store(int64(items)) //nolint:gosec // bounded by memory
	t.leaves = len(level)
	t.root = t.build(level)

	var resident uint64
	for l := t.first(); l != nil; l = l.right {
		resident += uint64(l.seg.LoadedBlockCount()) //nolint:gosec // counts are non-negative
	}
	t.opts.logger.Info("btree loaded",
		"dir", t.dir, "mode", t.mode.String(), "leaves", t.leaves, "items", items,
		"resident_pages", humanize.Comma(int64(resident))) //nolint:gosec // bounded by memory
	return nil
}

// loadLeaves opens the leaves listed in m and links them in order. The
// returned leaves are valid even on error so the caller can close them.
func (t *Tree) loadLeaves(m *metadata, mode LoadMode) ([]node, uint64, error) {
	level := make([]node, 0, len(m.Leaves))
	lazy := mode == LoadLazy
	var (
		items uint64
		prev  *leaf
	)
	for _, id := range m.Leaves {
		if m.FreeIDs.Contains(id) {
			return level, 0, fmt.Errorf("%w: leaf %d is listed as free", ErrCorruptedMetadata, id)
		}
		f, err := t.opts.fs.OpenFile(t.leafPath(id), os.O_RDWR, 0)
		if err != nil {
			return level, 0, fmt.Errorf("btree: open leaf %d: %w", id, err)
		}
		seg := segment.New(f, t.segmentOptions()...)
		l := &leaf{id: id, seg: seg}
		level = append(level, l)

		if lazy {
			err = seg.LazyLoad()
		} else {
			err = seg.CleanLoad()
			if errors.Is(err, segment.ErrOutOfMemory) {
				t.opts.logger.Warn("btree clean load exceeded the memory limit, continuing lazily",
					"dir", t.dir, "leaf", id, "error", err)
				lazy = true
				t.mode = LoadLazy
				err = nil
			}
		}
		if err != nil {
			return level, 0, fmt.Errorf("btree: load leaf %d: %w", id, err)
		}

		if seg.IsEmpty() {
			return level, 0, fmt.Errorf("%w: leaf %d is empty", ErrCorruptedMetadata, id)
		}
		if prev != nil {
			if prev.maxID() >= l.minID() {
				return level, 0, fmt.Errorf("%w: leaf %d overlaps leaf %d", ErrCorruptedMetadata, id, prev.id)
			}
			prev.link(l)
		}
		prev = l
		items += uint64(seg.Count()) //nolint:gosec // counts are non-negative
		t.nextID = max(t.nextID, id+1)
	}
	return level, items, nil
}

// build stacks inner levels over the leaves, packing (max+min)/2 children
// per node and keeping at least min children for the last node of a level.
func (t *Tree) build(level []node) node {
	if len(level) == 0 {
		return nil
	}
	pack := (t.maxCap + t.minCap) / 2
	for len(level) > 1 {
		var upper []node
		for i := 0; i < len(level); {
			n := len(level) - i
			if n >= pack+t.minCap {
				n = pack
			}
			upper = append(upper, &inner{children: slices.Clone(level[i : i+n])})
			i += n
		}
		level = upper
	}
	return level[0]
}
