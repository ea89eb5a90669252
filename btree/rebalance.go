package btree

import (
	"fmt"

	"github.com/hupe1980/blockstore/internal/segment"
)

// appendSlow appends under the exclusive tree lock, splitting a full leaf
// and its full ancestors.
func (t *Tree) appendSlow(id uint64, data []byte) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return false, ErrClosed
	}
	if t.root == nil {
		l, err := t.newLeaf()
		if err != nil {
			return false, err
		}
		t.root = l
		t.opts.logger.Debug("btree root leaf created", "dir", t.dir, "leaf", l.id)
	}

	parents, l := t.path(id)
	if l.size() >= t.maxCap {
		has, err := l.seg.ContainsID(id)
		if err != nil {
			return false, err
		}
		if !has {
			right, err := t.splitLeaf(l)
			if err != nil {
				return false, err
			}
			if id >= right.minID() {
				l = right
			}
			t.insertChild(parents, right)
		}
	}
	return l.seg.Append(id, data)
}

// splitLeaf moves the upper half of the ids of l into a new leaf linked to
// its right.
func (t *Tree) splitLeaf(l *leaf) (*leaf, error) {
	rid := t.allocID()
	f, err := t.openLeafFile(rid)
	if err != nil {
		return nil, err
	}
	seg, err := l.seg.Split(f)
	if err != nil {
		_ = f.Close()
		_ = t.opts.fs.Remove(t.leafPath(rid))
		t.free.Add(rid)
		return nil, fmt.Errorf("btree: split leaf %d: %w", l.id, err)
	}
	t.leaves++
	right := &leaf{id: rid, seg: seg}
	l.link(right)
	t.opts.logger.Debug("btree leaf split", "dir", t.dir, "leaf", l.id, "new", rid, "ids", right.size())
	return right, nil
}

// insertChild adds c next to its sibling below parents[len(parents)-1],
// splitting overfull ancestors and growing a new root when needed.
func (t *Tree) insertChild(parents []*inner, c node) {
	for i := len(parents) - 1; i >= 0; i-- {
		p := parents[i]
		p.insert(c)
		if len(p.children) <= t.maxCap {
			return
		}
		c = p.split()
	}
	t.root = &inner{children: []node{t.root, c}}
}

// removeSlow removes under the exclusive tree lock and restores the node
// size bounds along the path. remove returns the number of removed items.
func (t *Tree) removeSlow(id uint64, remove func(*segment.Tree) (int, error)) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return false, ErrClosed
	}
	if t.root == nil {
		return false, nil
	}

	parents, l := t.path(id)
	n, err := remove(l.seg)
	if err != nil || n == 0 {
		return false, err
	}
	t.items.Add(-int64(n))
	return true, t.rebalance(parents, l)
}

// rebalance fixes an underflow of n, walking up while merges shrink the
// parents.
func (t *Tree) rebalance(parents []*inner, n node) error {
	for {
		if len(parents) == 0 {
			return t.shrinkRoot()
		}
		p := parents[len(parents)-1]
		parents = parents[:len(parents)-1]
		i := p.indexOf(n)

		if n.size() == 0 {
			p.removeAt(i)
			if l, ok := n.(*leaf); ok {
				if err := t.dispose(l); err != nil {
					return err
				}
			}
			n = p
			continue
		}
		if n.size() >= t.minCap {
			return nil
		}

		var left, right node
		if i > 0 {
			left = p.children[i-1]
		}
		if i+1 < len(p.children) {
			right = p.children[i+1]
		}

		switch {
		case right != nil && right.size() <= t.mergeShare:
			if err := t.merge(n, right); err != nil {
				return err
			}
			p.removeAt(i + 1)
		case left != nil && left.size() <= t.mergeShare:
			if err := t.merge(left, n); err != nil {
				return err
			}
			p.removeAt(i)
		case right != nil:
			return t.balance(n, right)
		case left != nil:
			return t.balance(left, n)
		}
		n = p
	}
}

// merge moves every entry of r into its left neighbour l and drops r.
func (t *Tree) merge(l, r node) error {
	switch lv := l.(type) {
	case *leaf:
		rv := r.(*leaf)
		if err := lv.seg.Merge(rv.seg); err != nil {
			return fmt.Errorf("btree: merge leaf %d into %d: %w", rv.id, lv.id, err)
		}
		t.opts.logger.Debug("btree leaves merged", "dir", t.dir, "leaf", lv.id, "dropped", rv.id)
		return t.dispose(rv)
	case *inner:
		rv := r.(*inner)
		lv.children = append(lv.children, rv.children...)
		rv.children = nil
	}
	return nil
}

// balance evens out the entries of the neighbours l and r.
func (t *Tree) balance(l, r node) error {
	switch lv := l.(type) {
	case *leaf:
		rv := r.(*leaf)
		if err := lv.seg.BalanceWith(rv.seg); err != nil {
			return fmt.Errorf("btree: balance leaves %d and %d: %w", lv.id, rv.id, err)
		}
	case *inner:
		lv.balance(r.(*inner))
	}
	return nil
}

// shrinkRoot drops an empty root and replaces an inner root with a single
// child by that child.
func (t *Tree) shrinkRoot() error {
	for {
		switch r := t.root.(type) {
		case *leaf:
			if r.size() > 0 {
				return nil
			}
			t.root = nil
			return t.dispose(r)
		case *inner:
			switch len(r.children) {
			case 0:
				t.root = nil
				return nil
			case 1:
				t.root = r.children[0]
			default:
				return nil
			}
		default:
			return nil
		}
	}
}
