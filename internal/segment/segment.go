package segment

import (
	"bytes"
	"cmp"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"math"
	"slices"
	"sort"
	"sync"

	"github.com/dustin/go-humanize"

	"github.com/hupe1980/blockstore/internal/block"
	"github.com/hupe1980/blockstore/internal/fs"
)

// MergeThreshold is the free fraction of a page above which a removal tries
// to merge the page with a neighbour.
const MergeThreshold = 0.8

var (
	// ErrIncompatibleFormat is returned when a file is not a segment file of
	// a supported version.
	ErrIncompatibleFormat = errors.New("segment: incompatible file format")
	// ErrOutOfMemory is returned when pages cannot be loaded within the memory limit.
	ErrOutOfMemory = errors.New("segment: out of memory")
	// ErrItemTooLarge is returned for payloads that do not fit the largest page.
	ErrItemTooLarge = errors.New("segment: item too large")
	// ErrTooManyBlocks is returned by Flush when the page records exceed the header.
	ErrTooManyBlocks = errors.New("segment: too many blocks")
	// ErrClosed is returned by operations on a closed tree.
	ErrClosed = errors.New("segment: closed")
)

// MemoryLimiter accounts for the memory held by loaded pages.
type MemoryLimiter interface {
	AcquireMemory(bytes int64) error
	ReleaseMemory(bytes int64)
}

// Option configures a Tree.
type Option func(*options)

// Reclaimer is called when a reservation fails even after the tree unloaded
// its own pages. It may free memory held elsewhere and reports whether it
// freed at least bytes. It must not block on caller.
type Reclaimer func(caller *Tree, bytes int64) bool

type options struct {
	mem     MemoryLimiter
	reclaim Reclaimer
	logger  *slog.Logger
}

// WithMemory charges loaded pages against m.
func WithMemory(m MemoryLimiter) Option {
	return func(o *options) {
		o.mem = m
	}
}

// WithReclaimer sets the hook used when unloading own pages is not enough.
func WithReclaimer(r Reclaimer) Option {
	return func(o *options) {
		o.reclaim = r
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

type node struct {
	blk      *block.Block // nil while unloaded
	offset   uint64
	size     uint64
	minID    uint64
	maxID    uint64
	lastUsed uint64
	modified bool
	// durable is set while the header on disk references [offset, offset+size).
	durable bool
}

func (n *node) refresh() {
	n.minID = n.blk.MinID()
	n.maxID = n.blk.MaxID()
}

// Tree is a segment tree. It is safe for concurrent use; iteration callbacks
// run with the tree locked and must not call back into it.
type Tree struct {
	mu    sync.Mutex
	file  fs.File
	opts  options
	nodes []*node
	gaps  gapTracker
	// retired holds ranges the header on disk still references. They are
	// reused only after the next Flush.
	retired []gap
	items   uint64
	uniques uint64
	// clock advances once per operation; pages touched in the current
	// operation are never unloaded by it.
	clock  uint64
	closed bool
}

// New creates an empty tree backed by file. Call CleanLoad or LazyLoad to
// read an existing file.
func New(file fs.File, opts ...Option) *Tree {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.New(slog.DiscardHandler)
	}
	return &Tree{file: file, opts: o, gaps: newGapTracker(HeaderSize)}
}

// Name returns the name of the backing file.
func (t *Tree) Name() string {
	return t.file.Name()
}

func (t *Tree) tick() {
	t.clock++
}

func (t *Tree) touch(n *node) {
	n.lastUsed = t.clock
}

func (t *Tree) acquire(bytes int64, evict bool) error {
	if t.opts.mem == nil {
		return nil
	}
	err := t.opts.mem.AcquireMemory(bytes)
	if err == nil {
		return nil
	}
	if evict {
		if uerr := t.unloadOld(); uerr != nil {
			return uerr
		}
		if err = t.opts.mem.AcquireMemory(bytes); err == nil {
			return nil
		}
		if t.opts.reclaim != nil && t.opts.reclaim(t, bytes) {
			if err = t.opts.mem.AcquireMemory(bytes); err == nil {
				return nil
			}
		}
	}
	return fmt.Errorf("%w: %s requested: %w", ErrOutOfMemory, humanize.IBytes(uint64(bytes)), err) //nolint:gosec // bytes > 0
}

func (t *Tree) release(bytes int64) {
	if t.opts.mem != nil && bytes > 0 {
		t.opts.mem.ReleaseMemory(bytes)
	}
}

func (t *Tree) newBlock(size int) (*block.Block, error) {
	if err := t.acquire(int64(size), true); err != nil {
		return nil, err
	}
	blk, err := block.New(size)
	if err != nil {
		t.release(int64(size))
		return nil, err
	}
	return blk, nil
}

func (t *Tree) readBlock(n *node, evict bool) error {
	if err := t.acquire(int64(n.size), evict); err != nil { //nolint:gosec // page sizes fit int64
		return err
	}
	buf := make([]byte, n.size)
	if _, err := t.file.ReadAt(buf, int64(n.offset)); err != nil { //nolint:gosec // offsets fit int64
		t.release(int64(n.size)) //nolint:gosec // page sizes fit int64
		return fmt.Errorf("segment: read page at %d in %s: %w", n.offset, t.file.Name(), err)
	}
	blk, err := block.Load(buf)
	if err != nil {
		t.release(int64(n.size)) //nolint:gosec // page sizes fit int64
		return fmt.Errorf("segment: page at %d in %s: %w", n.offset, t.file.Name(), err)
	}
	if blk.IsEmpty() || blk.MinID() != n.minID || blk.MaxID() != n.maxID {
		t.release(int64(n.size)) //nolint:gosec // page sizes fit int64
		return fmt.Errorf("%w: page at %d in %s does not match its record", block.ErrCorruptedPage, n.offset, t.file.Name())
	}
	n.blk = blk
	n.modified = false
	return nil
}

// load makes n resident and marks it used by the current operation.
func (t *Tree) load(n *node) error {
	t.touch(n)
	if n.blk != nil {
		return nil
	}
	return t.readBlock(n, true)
}

// unload writes n back if needed and drops its page. A page the header on
// disk references is written to a fresh range, so the flushed file stays
// readable until the next Flush.
func (t *Tree) unload(n *node) error {
	if n.blk == nil {
		return nil
	}
	if n.modified {
		if n.durable {
			t.retire(n)
			n.offset = t.gaps.find(n.size)
		}
		n.blk.RecalculateChecksum()
		if _, err := t.file.WriteAt(n.blk.Buffer(), int64(n.offset)); err != nil { //nolint:gosec // offsets fit int64
			return fmt.Errorf("segment: write page at %d in %s: %w", n.offset, t.file.Name(), err)
		}
		n.modified = false
	}
	n.blk = nil
	t.release(int64(n.size)) //nolint:gosec // page sizes fit int64
	return nil
}

// unloadOld unloads the least recently used half of the resident pages that
// the current operation has not touched.
func (t *Tree) unloadOld() error {
	var loaded []*node
	for _, n := range t.nodes {
		if n.blk != nil && n.lastUsed != t.clock {
			loaded = append(loaded, n)
		}
	}
	if len(loaded) == 0 {
		return nil
	}
	slices.SortFunc(loaded, func(a, b *node) int { return cmp.Compare(a.lastUsed, b.lastUsed) })

	victims := loaded[:max(len(loaded)/2, 1)]
	var freed uint64
	for _, n := range victims {
		freed += n.size
		if err := t.unload(n); err != nil {
			return err
		}
	}
	t.opts.logger.Warn("segment unloaded pages under memory pressure",
		"file", t.file.Name(), "pages", len(victims), "freed", humanize.IBytes(freed))
	return nil
}

// TryUnload writes back and unloads every resident page unless the tree is
// busy. It returns the number of bytes released.
func (t *Tree) TryUnload() (int64, error) {
	if !t.mu.TryLock() {
		return 0, nil
	}
	defer t.mu.Unlock()

	if t.closed {
		return 0, nil
	}
	var freed int64
	for _, n := range t.nodes {
		if n.blk == nil {
			continue
		}
		if err := t.unload(n); err != nil {
			return freed, err
		}
		freed += int64(n.size) //nolint:gosec // page sizes fit int64
	}
	return freed, nil
}

func (t *Tree) insertNode(i int, blk *block.Block) {
	size := uint64(blk.Size()) //nolint:gosec // page sizes are positive
	n := &node{blk: blk, size: size, offset: t.gaps.find(size), modified: true, lastUsed: t.clock}
	n.refresh()
	t.nodes = slices.Insert(t.nodes, i, n)
}

func (t *Tree) dropNode(i int) {
	n := t.detachNode(i)
	if n.blk != nil {
		t.release(int64(n.size)) //nolint:gosec // page sizes fit int64
	}
}

// detachNode removes node i and frees its file range. Memory stays charged.
func (t *Tree) detachNode(i int) *node {
	n := t.nodes[i]
	t.retire(n)
	t.nodes = slices.Delete(t.nodes, i, i+1)
	return n
}

// retire gives up the file range of n.
func (t *Tree) retire(n *node) {
	if !n.durable {
		t.gaps.release(n.offset, n.size)
		return
	}
	t.retired = append(t.retired, gap{offset: n.offset, size: n.size})
	n.durable = false
}

// findRange returns the nodes [lo, hi) whose id range covers id. When no
// node covers it, lo == hi is the position of the first node past id.
func (t *Tree) findRange(id uint64) (lo, hi int) {
	lo = sort.Search(len(t.nodes), func(i int) bool { return t.nodes[i].maxID >= id })
	hi = lo + sort.Search(len(t.nodes)-lo, func(i int) bool { return t.nodes[lo+i].minID > id })
	return lo, hi
}

// Append inserts (id, data). It returns false if the identical item is
// already present.
func (t *Tree) Append(id uint64, data []byte) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return false, ErrClosed
	}
	if int64(block.SizeFor(len(data))) > block.MaxBlockSize {
		return false, fmt.Errorf("%w: %s", ErrItemTooLarge, humanize.IBytes(uint64(len(data))))
	}
	t.tick()

	if len(t.nodes) == 0 {
		if err := t.insertNew(0, id, data); err != nil {
			return false, err
		}
		t.items++
		t.uniques++
		return true, nil
	}

	lo, hi := t.findRange(id)
	exists := false
	for _, n := range t.nodes[lo:hi] {
		if err := t.load(n); err != nil {
			return false, err
		}
		if n.blk.Contains(id, data) {
			return false, nil
		}
		exists = exists || n.blk.ContainsID(id)
	}

	if err := t.place(min(lo, len(t.nodes)-1), id, data); err != nil {
		return false, err
	}
	t.items++
	if !exists {
		t.uniques++
	}
	return true, nil
}

// place stores a new item, starting at the page at position i: that page,
// else its successor or predecessor, else a split.
func (t *Tree) place(i int, id uint64, data []byte) error {
	n := t.nodes[i]
	if err := t.load(n); err != nil {
		return err
	}

	switch {
	case n.blk.IsMemoryAvailable(len(data)):
		return t.appendTo(n, id, data)
	case n.maxID <= id:
		if i+1 < len(t.nodes) {
			next := t.nodes[i+1]
			if err := t.load(next); err != nil {
				return err
			}
			if next.blk.IsMemoryAvailable(len(data)) {
				return t.appendTo(next, id, data)
			}
		}
		return t.insertNew(i+1, id, data)
	case n.minID >= id:
		if i == 0 {
			return t.insertNew(0, id, data)
		}
		prev := t.nodes[i-1]
		if err := t.load(prev); err != nil {
			return err
		}
		if prev.blk.IsMemoryAvailable(len(data)) {
			return t.appendTo(prev, id, data)
		}
		return t.splitAppend(i-1, id, data)
	default:
		return t.splitAppend(i, id, data)
	}
}

func (t *Tree) appendTo(n *node, id uint64, data []byte) error {
	if !n.blk.Append(id, data) {
		return fmt.Errorf("segment: page at %d rejected item %d", n.offset, id)
	}
	n.modified = true
	n.refresh()
	return nil
}

func (t *Tree) insertNew(i int, id uint64, data []byte) error {
	blk, err := t.newBlock(block.SizeFor(len(data)))
	if err != nil {
		return err
	}
	blk.Append(id, data)
	t.insertNode(i, blk)
	return nil
}

func (t *Tree) splitAppend(i int, id uint64, data []byte) error {
	n := t.nodes[i]
	reserve := int64(2*n.blk.Size() + block.SizeFor(len(data)))
	if err := t.acquire(reserve, true); err != nil {
		return err
	}
	out, err := n.blk.SplitAppend(id, data)
	if err != nil {
		t.release(reserve)
		return err
	}
	var used int64
	for _, blk := range out {
		used += int64(blk.Size())
	}
	t.release(reserve - used)

	n.modified = true
	for j, blk := range out {
		t.insertNode(i+1+j, blk)
	}
	if n.blk.IsEmpty() {
		t.dropNode(i)
	} else {
		n.refresh()
	}
	return nil
}

// Remove deletes the item (id, data).
func (t *Tree) Remove(id uint64, data []byte) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return false, ErrClosed
	}
	t.tick()

	lo, hi := t.findRange(id)
	idx, total := -1, 0
	for i := lo; i < hi; i++ {
		n := t.nodes[i]
		if err := t.load(n); err != nil {
			return false, err
		}
		total += n.blk.ItemCount(id)
		if idx < 0 && n.blk.Contains(id, data) {
			idx = i
		}
	}
	if idx < 0 {
		return false, nil
	}

	n := t.nodes[idx]
	n.blk.Remove(id, data)
	n.modified = true
	t.items--
	if total == 1 {
		t.uniques--
	}
	if n.blk.IsEmpty() {
		t.dropNode(idx)
		return true, nil
	}
	n.refresh()
	return true, t.maybeMerge(idx)
}

// RemoveID deletes every item stored under id.
func (t *Tree) RemoveID(id uint64) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return false, ErrClosed
	}
	t.tick()

	lo, hi := t.findRange(id)
	for _, n := range t.nodes[lo:hi] {
		if err := t.load(n); err != nil {
			return false, err
		}
	}

	removed := 0
	for i := hi - 1; i >= lo; i-- {
		n := t.nodes[i]
		c := n.blk.ItemCount(id)
		if c == 0 {
			continue
		}
		n.blk.RemoveID(id)
		n.modified = true
		removed += c
		if n.blk.IsEmpty() {
			t.dropNode(i)
		} else {
			n.refresh()
		}
	}
	if removed == 0 {
		return false, nil
	}
	t.items -= uint64(removed)
	t.uniques--

	if lo < len(t.nodes) {
		if err := t.load(t.nodes[lo]); err != nil {
			return true, err
		}
		return true, t.maybeMerge(lo)
	}
	return true, nil
}

// maybeMerge folds the page at i into a neighbour when it is mostly empty.
func (t *Tree) maybeMerge(i int) error {
	n := t.nodes[i]
	if float64(n.blk.AvailableMemory())/float64(n.blk.Size()) <= MergeThreshold {
		return nil
	}

	if i+1 < len(t.nodes) {
		right := t.nodes[i+1]
		if err := t.load(right); err != nil {
			return err
		}
		if n.blk.Merge(right.blk) {
			n.modified = true
			n.refresh()
			t.dropNode(i + 1)
			return nil
		}
	}
	if i > 0 {
		left := t.nodes[i-1]
		if err := t.load(left); err != nil {
			return err
		}
		if left.blk.Merge(n.blk) {
			left.modified = true
			left.refresh()
			t.dropNode(i)
		}
	}
	return nil
}

// visit loads every page covering id and calls fn on it.
func (t *Tree) visit(id uint64, fn func(*block.Block) bool) error {
	if t.closed {
		return ErrClosed
	}
	t.tick()
	lo, hi := t.findRange(id)
	for _, n := range t.nodes[lo:hi] {
		if err := t.load(n); err != nil {
			return err
		}
		if !fn(n.blk) {
			return nil
		}
	}
	return nil
}

// ContainsID reports whether id has at least one item.
func (t *Tree) ContainsID(id uint64) (bool, error) {
	n, err := t.ItemCount(id)
	return n > 0, err
}

// Contains reports whether the item (id, data) is present.
func (t *Tree) Contains(id uint64, data []byte) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	found := false
	err := t.visit(id, func(b *block.Block) bool {
		found = b.Contains(id, data)
		return !found
	})
	return found, err
}

// ItemCount returns the number of items stored under id.
func (t *Tree) ItemCount(id uint64) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	total := 0
	err := t.visit(id, func(b *block.Block) bool {
		total += b.ItemCount(id)
		return true
	})
	return total, err
}

// Item returns a copy of the i-th item stored under id.
func (t *Tree) Item(id uint64, i int) ([]byte, bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []byte
	found := false
	err := t.visit(id, func(b *block.Block) bool {
		c := b.ItemCount(id)
		if i < c {
			data, _ := b.Item(id, i)
			out, found = bytes.Clone(data), true
			return false
		}
		i -= c
		return true
	})
	return out, found, err
}

// Items returns copies of every item stored under id.
func (t *Tree) Items(id uint64) ([][]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var out [][]byte
	err := t.visit(id, func(b *block.Block) bool {
		for _, data := range b.Items(id) {
			out = append(out, bytes.Clone(data))
		}
		return true
	})
	return out, err
}

// DataOf returns a copy of the first item stored under id.
func (t *Tree) DataOf(id uint64) ([]byte, bool, error) {
	return t.Item(id, 0)
}

// SizeOf returns the size of the first item stored under id.
func (t *Tree) SizeOf(id uint64) (int, bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	size, found := 0, false
	err := t.visit(id, func(b *block.Block) bool {
		size, found = b.SizeOf(id)
		return !found
	})
	return size, found, err
}

// Ascend calls fn for every item with an id >= from, in ascending order,
// until fn returns false. data is only valid during the call.
func (t *Tree) Ascend(from uint64, fn func(id uint64, data []byte) bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return ErrClosed
	}
	start := sort.Search(len(t.nodes), func(i int) bool { return t.nodes[i].maxID >= from })
	for _, n := range t.nodes[start:] {
		t.tick()
		if err := t.load(n); err != nil {
			return err
		}
		for j := n.blk.Search(from); j < n.blk.Count(); j++ {
			if !fn(n.blk.At(j)) {
				return nil
			}
		}
	}
	return nil
}

// Descend calls fn for every item with an id <= from, in descending order,
// until fn returns false. data is only valid during the call.
func (t *Tree) Descend(from uint64, fn func(id uint64, data []byte) bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return ErrClosed
	}
	last := sort.Search(len(t.nodes), func(i int) bool { return t.nodes[i].minID > from }) - 1
	for i := last; i >= 0; i-- {
		n := t.nodes[i]
		t.tick()
		if err := t.load(n); err != nil {
			return err
		}
		upper := n.blk.Count()
		if from < math.MaxUint64 {
			upper = n.blk.Search(from + 1)
		}
		for j := upper - 1; j >= 0; j-- {
			if !fn(n.blk.At(j)) {
				return nil
			}
		}
	}
	return nil
}

// All iterates every item in ascending order. Iteration stops early if a
// page cannot be loaded; use Ascend to observe the error.
func (t *Tree) All() iter.Seq2[uint64, []byte] {
	return func(yield func(uint64, []byte) bool) {
		_ = t.Ascend(0, yield)
	}
}

// Backward iterates every item in descending order. Iteration stops early if
// a page cannot be loaded; use Descend to observe the error.
func (t *Tree) Backward() iter.Seq2[uint64, []byte] {
	return func(yield func(uint64, []byte) bool) {
		_ = t.Descend(math.MaxUint64, yield)
	}
}

// Blocks iterates the resident pages in id order.
func (t *Tree) Blocks() iter.Seq[*block.Block] {
	return func(yield func(*block.Block) bool) {
		t.mu.Lock()
		defer t.mu.Unlock()
		for _, n := range t.nodes {
			if n.blk != nil && !yield(n.blk) {
				return
			}
		}
	}
}

// MinID returns the smallest id, or 0 if the tree is empty.
func (t *Tree) MinID() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.nodes) == 0 {
		return 0
	}
	return t.nodes[0].minID
}

// MaxID returns the largest id, or 0 if the tree is empty.
func (t *Tree) MaxID() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.nodes) == 0 {
		return 0
	}
	return t.nodes[len(t.nodes)-1].maxID
}

// Count returns the number of items.
func (t *Tree) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return int(t.items) //nolint:gosec // bounded by memory
}

// UniqueIDCount returns the number of distinct ids.
func (t *Tree) UniqueIDCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return int(t.uniques) //nolint:gosec // bounded by memory
}

// BlockCount returns the number of pages.
func (t *Tree) BlockCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.nodes)
}

// LoadedBlockCount returns the number of resident pages.
func (t *Tree) LoadedBlockCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, nd := range t.nodes {
		if nd.blk != nil {
			n++
		}
	}
	return n
}

// IsEmpty reports whether the tree holds no items.
func (t *Tree) IsEmpty() bool {
	return t.Count() == 0
}

// Flush compacts the file and writes the header and every modified resident page.
func (t *Tree) Flush() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return ErrClosed
	}
	if len(t.nodes) > MaxBlocks {
		return fmt.Errorf("%w: %d pages, at most %d", ErrTooManyBlocks, len(t.nodes), MaxBlocks)
	}
	for _, g := range t.retired {
		t.gaps.release(g.offset, g.size)
	}
	t.retired = t.retired[:0]
	if err := t.closeGaps(); err != nil {
		return err
	}

	hdr := make([]byte, headerPrefixSize+len(t.nodes)*recordSize)
	h := fileHeader{Magic: Magic, Version: Version, Blocks: uint64(len(t.nodes)), Items: t.items, Uniques: t.uniques}
	h.encode(hdr)
	for i, n := range t.nodes {
		r := record{Offset: n.offset, Size: n.size, MinID: n.minID, MaxID: n.maxID}
		r.encode(hdr[headerPrefixSize+i*recordSize:])
	}
	if _, err := t.file.WriteAt(hdr, 0); err != nil {
		return fmt.Errorf("segment: write header of %s: %w", t.file.Name(), err)
	}

	var written uint64
	for _, n := range t.nodes {
		if n.blk == nil || !n.modified {
			continue
		}
		n.blk.RecalculateChecksum()
		if _, err := t.file.WriteAt(n.blk.Buffer(), int64(n.offset)); err != nil { //nolint:gosec // offsets fit int64
			return fmt.Errorf("segment: write page at %d in %s: %w", n.offset, t.file.Name(), err)
		}
		n.modified = false
		written += n.size
	}

	if err := t.file.Truncate(int64(t.gaps.end())); err != nil { //nolint:gosec // offsets fit int64
		return fmt.Errorf("segment: truncate %s: %w", t.file.Name(), err)
	}
	if err := t.file.Sync(); err != nil {
		return fmt.Errorf("segment: sync %s: %w", t.file.Name(), err)
	}
	for _, n := range t.nodes {
		n.durable = true
	}

	t.opts.logger.Debug("segment flushed",
		"file", t.file.Name(), "pages", len(t.nodes), "items", t.items, "written", humanize.IBytes(written))
	return nil
}

// closeGaps moves pages down so they are contiguous after the header.
func (t *Tree) closeGaps() error {
	if t.gaps.holes() == 0 {
		return nil
	}

	order := slices.Clone(t.nodes)
	slices.SortFunc(order, func(a, b *node) int { return cmp.Compare(a.offset, b.offset) })

	cursor := uint64(HeaderSize)
	var buf []byte
	for _, n := range order {
		if n.offset != cursor {
			if n.blk == nil {
				buf = slices.Grow(buf[:0], int(n.size))[:n.size]               //nolint:gosec // page sizes fit int
				if _, err := t.file.ReadAt(buf, int64(n.offset)); err != nil { //nolint:gosec // offsets fit int64
					return fmt.Errorf("segment: move page at %d in %s: %w", n.offset, t.file.Name(), err)
				}
				if _, err := t.file.WriteAt(buf, int64(cursor)); err != nil { //nolint:gosec // offsets fit int64
					return fmt.Errorf("segment: move page to %d in %s: %w", cursor, t.file.Name(), err)
				}
			} else {
				n.modified = true
			}
			n.offset = cursor
		}
		cursor += n.size
	}
	t.gaps.reset(cursor)
	return nil
}

// dropResident releases every resident page without writing it back.
func (t *Tree) dropResident() {
	for _, n := range t.nodes {
		if n.blk != nil {
			n.blk = nil
			t.release(int64(n.size)) //nolint:gosec // page sizes fit int64
		}
	}
}

// readLayout replaces the in-memory state with the header of the file.
func (t *Tree) readLayout() error {
	t.dropResident()
	t.nodes = nil
	t.retired = nil
	t.items, t.uniques = 0, 0
	t.gaps.reset(HeaderSize)

	info, err := t.file.Stat()
	if err != nil {
		return fmt.Errorf("segment: stat %s: %w", t.file.Name(), err)
	}
	fileSize := uint64(info.Size()) //nolint:gosec // sizes are non-negative
	if fileSize == 0 {
		return nil
	}
	if fileSize < headerPrefixSize {
		return fmt.Errorf("%w: %s is %d bytes", ErrIncompatibleFormat, t.file.Name(), fileSize)
	}

	prefix := make([]byte, headerPrefixSize)
	if _, err := t.file.ReadAt(prefix, 0); err != nil {
		return fmt.Errorf("segment: read header of %s: %w", t.file.Name(), err)
	}
	h, err := decodeHeader(prefix)
	if err != nil {
		return fmt.Errorf("%s: %w", t.file.Name(), err)
	}

	recs := make([]byte, h.Blocks*recordSize)
	if _, err := t.file.ReadAt(recs, headerPrefixSize); err != nil {
		return fmt.Errorf("segment: read page records of %s: %w", t.file.Name(), err)
	}

	nodes := make([]*node, 0, h.Blocks)
	end := uint64(HeaderSize)
	for i := range int(h.Blocks) { //nolint:gosec // bounded by MaxBlocks
		r := decodeRecord(recs[i*recordSize:])
		if err := r.validate(fileSize); err != nil {
			return fmt.Errorf("%s: record %d: %w", t.file.Name(), i, err)
		}
		if i > 0 && r.MinID < nodes[i-1].maxID {
			return fmt.Errorf("%w: %s: record %d out of order", ErrIncompatibleFormat, t.file.Name(), i)
		}
		nodes = append(nodes, &node{offset: r.Offset, size: r.Size, minID: r.MinID, maxID: r.MaxID, durable: true})
		end = max(end, r.Offset+r.Size)
	}

	t.nodes = nodes
	t.items, t.uniques = h.Items, h.Uniques
	t.gaps.reset(end)
	return nil
}

// LazyLoad reads the page records; pages are read on first touch.
func (t *Tree) LazyLoad() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return ErrClosed
	}
	if err := t.readLayout(); err != nil {
		return err
	}
	t.opts.logger.Debug("segment loaded lazily", "file", t.file.Name(), "pages", len(t.nodes), "items", t.items)
	return nil
}

// CleanLoad reads every page. If the memory limit is reached it returns an
// error wrapping ErrOutOfMemory and leaves the tree in the lazily loaded state.
func (t *Tree) CleanLoad() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return ErrClosed
	}
	if err := t.readLayout(); err != nil {
		return err
	}
	t.tick()
	var loaded uint64
	for _, n := range t.nodes {
		if err := t.readBlock(n, false); err != nil {
			t.dropResident()
			return err
		}
		t.touch(n)
		loaded += n.size
	}
	t.opts.logger.Debug("segment loaded",
		"file", t.file.Name(), "pages", len(t.nodes), "items", t.items, "resident", humanize.IBytes(loaded))
	return nil
}

// Close releases resident pages and closes the file without flushing.
func (t *Tree) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil
	}
	t.closed = true
	t.dropResident()
	t.nodes = nil
	return t.file.Close()
}
