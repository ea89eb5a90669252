package btree

import (
	"slices"
	"sort"
	"sync"

	"github.com/hupe1980/blockstore/internal/segment"
)

// node is a leaf or an inner node. size is the number of distinct ids of a
// leaf and the number of children of an inner node.
type node interface {
	minID() uint64
	maxID() uint64
	size() int
	latch() *sync.RWMutex
}

type leaf struct {
	mu          sync.RWMutex
	id          uint32
	seg         *segment.Tree
	left, right *leaf
}

func (l *leaf) minID() uint64        { return l.seg.MinID() }
func (l *leaf) maxID() uint64        { return l.seg.MaxID() }
func (l *leaf) size() int            { return l.seg.UniqueIDCount() }
func (l *leaf) latch() *sync.RWMutex { return &l.mu }

// link inserts r to the right of l in the leaf chain.
func (l *leaf) link(r *leaf) {
	r.left = l
	r.right = l.right
	if l.right != nil {
		l.right.left = r
	}
	l.right = r
}

func (l *leaf) unlink() {
	if l.left != nil {
		l.left.right = l.right
	}
	if l.right != nil {
		l.right.left = l.left
	}
	l.left, l.right = nil, nil
}

type inner struct {
	mu       sync.RWMutex
	children []node
}

func (n *inner) minID() uint64        { return n.children[0].minID() }
func (n *inner) maxID() uint64        { return n.children[len(n.children)-1].maxID() }
func (n *inner) size() int            { return len(n.children) }
func (n *inner) latch() *sync.RWMutex { return &n.mu }

// child returns the index of the child whose range routes id: the last
// child with a minimum id <= id, or the first child.
func (n *inner) child(id uint64) int {
	i := sort.Search(len(n.children), func(i int) bool { return n.children[i].minID() > id })
	return max(i-1, 0)
}

func (n *inner) indexOf(c node) int {
	return slices.Index(n.children, c)
}

// insert adds c at its position by minimum id.
func (n *inner) insert(c node) {
	lo := c.minID()
	i := sort.Search(len(n.children), func(i int) bool { return n.children[i].minID() > lo })
	n.children = slices.Insert(n.children, i, c)
}

func (n *inner) removeAt(i int) {
	n.children = slices.Delete(n.children, i, i+1)
}

// split moves the upper half of the children into a new node.
func (n *inner) split() *inner {
	half := len(n.children) / 2
	upper := &inner{children: slices.Clone(n.children[len(n.children)-half:])}
	clear(n.children[len(n.children)-half:])
	n.children = n.children[:len(n.children)-half]
	return upper
}

// balance moves children from the fuller of n and its right neighbour r into
// the other until both hold about the same number.
func (n *inner) balance(r *inner) {
	total := len(n.children) + len(r.children)
	switch {
	case len(n.children) < len(r.children):
		k := total/2 - len(n.children)
		n.children = append(n.children, r.children[:k]...)
		r.children = slices.Delete(r.children, 0, k)
	case len(n.children) > len(r.children):
		k := total/2 - len(r.children)
		moved := slices.Clone(n.children[len(n.children)-k:])
		n.children = slices.Delete(n.children, len(n.children)-k, len(n.children))
		r.children = slices.Insert(r.children, 0, moved...)
	}
}

// leftmost returns the first leaf under n.
func leftmost(n node) *leaf {
	for {
		switch v := n.(type) {
		case *leaf:
			return v
		case *inner:
			n = v.children[0]
		}
	}
}
