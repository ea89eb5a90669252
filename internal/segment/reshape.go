package segment

import (
	"fmt"
	"math"
	"slices"

	"github.com/hupe1980/blockstore/internal/fs"
)

// tally counts the items and distinct ids held by consecutive resident nodes.
func tally(nodes []*node) (items, uniques uint64) {
	for i, n := range nodes {
		items += uint64(n.blk.Count())           //nolint:gosec // counts are non-negative
		uniques += uint64(n.blk.UniqueIDCount()) //nolint:gosec // counts are non-negative
		if i > 0 && nodes[i-1].blk.MaxID() == n.blk.MinID() {
			uniques--
		}
	}
	return items, uniques
}

// kthFromTop returns the id such that exactly k distinct ids are >= it.
func (t *Tree) kthFromTop(k int) (uint64, error) {
	seen := 0
	var last uint64
	for i := len(t.nodes) - 1; i >= 0; i-- {
		n := t.nodes[i]
		t.tick()
		if err := t.load(n); err != nil {
			return 0, err
		}
		for id := range n.blk.Backward() {
			if seen == 0 || id != last {
				seen++
				last = id
				if seen == k {
					return id, nil
				}
			}
		}
	}
	return last, nil
}

// kthFromBottom returns the id such that exactly k distinct ids are <= it.
func (t *Tree) kthFromBottom(k int) (uint64, error) {
	seen := 0
	var last uint64
	for _, n := range t.nodes {
		t.tick()
		if err := t.load(n); err != nil {
			return 0, err
		}
		for id := range n.blk.All() {
			if seen == 0 || id != last {
				seen++
				last = id
				if seen == k {
					return id, nil
				}
			}
		}
	}
	return last, nil
}

// takeAbove detaches every item with an id >= b and returns the pages
// holding them in id order. All loads and reservations happen before the
// tree is modified.
func (t *Tree) takeAbove(b uint64) ([]*node, error) {
	t.tick()
	for i := len(t.nodes) - 1; i >= 0 && t.nodes[i].maxID >= b; i-- {
		n := t.nodes[i]
		if err := t.load(n); err != nil {
			return nil, err
		}
		if n.minID < b {
			if err := t.acquire(int64(n.size), true); err != nil { //nolint:gosec // page sizes fit int64
				return nil, err
			}
		}
	}

	var moved []*node
	for len(t.nodes) > 0 {
		i := len(t.nodes) - 1
		n := t.nodes[i]
		if n.maxID < b {
			break
		}
		if n.minID >= b {
			moved = append(moved, t.detachNode(i))
			continue
		}
		upper := n.blk.Split(n.blk.Count() - n.blk.Search(b))
		n.modified = true
		n.refresh()
		moved = append(moved, &node{blk: upper, size: n.size})
		break
	}
	slices.Reverse(moved)

	items, uniques := tally(moved)
	t.items -= items
	t.uniques -= uniques
	return moved, nil
}

// takeBelow detaches every item with an id <= b and returns the pages
// holding them in id order.
func (t *Tree) takeBelow(b uint64) ([]*node, error) {
	t.tick()
	for i := 0; i < len(t.nodes) && t.nodes[i].minID <= b; i++ {
		n := t.nodes[i]
		if err := t.load(n); err != nil {
			return nil, err
		}
		if n.maxID > b {
			if err := t.acquire(int64(n.size), true); err != nil { //nolint:gosec // page sizes fit int64
				return nil, err
			}
		}
	}

	var moved []*node
	for len(t.nodes) > 0 {
		n := t.nodes[0]
		if n.minID > b {
			break
		}
		if n.maxID <= b {
			moved = append(moved, t.detachNode(0))
			continue
		}
		// b < maxID, so b+1 does not overflow.
		upper := n.blk.Split(n.blk.Count() - n.blk.Search(b+1))
		lower := n.blk
		n.blk = upper
		n.modified = true
		n.refresh()
		moved = append(moved, &node{blk: lower, size: n.size})
		break
	}

	items, uniques := tally(moved)
	t.items -= items
	t.uniques -= uniques
	return moved, nil
}

// attach adds resident pages taken from another tree at the front or back.
func (t *Tree) attach(moved []*node, front bool) {
	if len(moved) == 0 {
		return
	}
	for _, n := range moved {
		n.offset = t.gaps.find(n.size)
		n.modified = true
		n.lastUsed = t.clock
		n.refresh()
	}

	items, uniques := tally(moved)
	if len(t.nodes) > 0 {
		if front && moved[len(moved)-1].maxID == t.nodes[0].minID {
			uniques--
		}
		if !front && t.nodes[len(t.nodes)-1].maxID == moved[0].minID {
			uniques--
		}
	}
	t.items += items
	t.uniques += uniques

	if front {
		t.nodes = slices.Insert(t.nodes, 0, moved...)
	} else {
		t.nodes = append(t.nodes, moved...)
	}
}

// Split moves the upper half of the distinct ids into a new tree backed by
// file. The new tree shares the options of t.
func (t *Tree) Split(file fs.File) (*Tree, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil, ErrClosed
	}
	if t.uniques < 2 {
		return nil, fmt.Errorf("segment: cannot split %s with %d distinct ids", t.file.Name(), t.uniques)
	}

	b, err := t.kthFromTop(int(t.uniques / 2)) //nolint:gosec // bounded by memory
	if err != nil {
		return nil, err
	}
	moved, err := t.takeAbove(b)
	if err != nil {
		return nil, err
	}

	nt := &Tree{file: file, opts: t.opts, gaps: newGapTracker(HeaderSize)}
	nt.attach(moved, false)
	return nt, nil
}

// BalanceWith moves distinct ids from the fuller of t and other into the
// other one until both hold about the same number. The trees must be
// non-empty neighbours with disjoint id ranges.
func (t *Tree) BalanceWith(other *Tree) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	other.mu.Lock()
	defer other.mu.Unlock()

	if t.closed || other.closed {
		return ErrClosed
	}
	if len(t.nodes) == 0 || len(other.nodes) == 0 {
		return fmt.Errorf("segment: cannot balance %s with %s: empty tree", t.file.Name(), other.file.Name())
	}

	src, dst := other, t
	if t.uniques > other.uniques {
		src, dst = t, other
	}
	k := int((src.uniques+dst.uniques)/2 - dst.uniques) //nolint:gosec // bounded by memory
	if k <= 0 {
		return nil
	}

	if dst.nodes[len(dst.nodes)-1].maxID < src.nodes[0].minID {
		// dst is the left neighbour: move the lowest ids of src.
		b, err := src.kthFromBottom(k)
		if err != nil {
			return err
		}
		moved, err := src.takeBelow(b)
		if err != nil {
			return err
		}
		dst.attach(moved, false)
		return nil
	}

	b, err := src.kthFromTop(k)
	if err != nil {
		return err
	}
	moved, err := src.takeAbove(b)
	if err != nil {
		return err
	}
	dst.attach(moved, true)
	return nil
}

// Merge moves every page of other into t. The id ranges must not overlap.
func (t *Tree) Merge(other *Tree) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	other.mu.Lock()
	defer other.mu.Unlock()

	if t.closed || other.closed {
		return ErrClosed
	}
	if len(other.nodes) == 0 {
		return nil
	}

	var moved []*node
	var err error
	if len(t.nodes) == 0 || other.nodes[0].minID > t.nodes[len(t.nodes)-1].maxID {
		moved, err = other.takeBelow(math.MaxUint64)
		if err != nil {
			return err
		}
		t.attach(moved, false)
		return nil
	}
	moved, err = other.takeAbove(0)
	if err != nil {
		return err
	}
	t.attach(moved, true)
	return nil
}
