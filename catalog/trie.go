package catalog

import (
	"iter"
	"slices"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
)

// VersionEntry is one version of the types stored under a path. Entries are
// never modified after they are published.
type VersionEntry struct {
	Version uint64
	Types   TypeSet

	refs atomic.Int32
}

// Refs returns the number of iterators pinning e.
func (e *VersionEntry) Refs() int {
	return int(e.refs.Load())
}

type trieNode struct {
	prefix   string
	parent   *trieNode
	children []*trieNode // ordered by prefix[0]
	versions []*VersionEntry
	// live is cleared by Erase. versions then only holds pinned entries.
	live bool
}

func (n *trieNode) current() *VersionEntry {
	if !n.live || len(n.versions) == 0 {
		return nil
	}
	return n.versions[len(n.versions)-1]
}

func (n *trieNode) childIndex(c byte) (int, bool) {
	i := sort.Search(len(n.children), func(i int) bool { return n.children[i].prefix[0] >= c })
	return i, i < len(n.children) && n.children[i].prefix[0] == c
}

func (n *trieNode) addChild(c *trieNode) {
	i, _ := n.childIndex(c.prefix[0])
	c.parent = n
	n.children = slices.Insert(n.children, i, c)
}

func (n *trieNode) removeChild(c *trieNode) {
	if i := slices.Index(n.children, c); i >= 0 {
		n.children = slices.Delete(n.children, i, i+1)
	}
	c.parent = nil
}

func (n *trieNode) adopt(children []*trieNode) {
	n.children = children
	for _, c := range children {
		c.parent = n
	}
}

// dropDead removes the entries that are neither current nor pinned and
// returns how many were removed.
func (n *trieNode) dropDead() int {
	cur := n.current()
	kept := n.versions[:0]
	for _, e := range n.versions {
		if e == cur || e.refs.Load() > 0 {
			kept = append(kept, e)
		}
	}
	removed := len(n.versions) - len(kept)
	clear(n.versions[len(kept):])
	n.versions = kept
	return removed
}

// Trie is a radix trie from paths to versioned type sets. It is safe for
// concurrent use: mutations hold the trie lock exclusively, lookups and
// iterator steps hold it shared.
type Trie struct {
	mu      sync.RWMutex
	root    *trieNode
	version atomic.Uint64
	size    int
}

// NewTrie returns an empty trie.
func NewTrie() *Trie {
	return &Trie{root: &trieNode{}}
}

func commonPrefix(a, b string) int {
	n := min(len(a), len(b))
	for i := range n {
		if a[i] != b[i] {
			return i
		}
	}
	return n
}

// lookup returns the node spelling key, or nil. t.mu must be held.
func (t *Trie) lookup(key string) *trieNode {
	n := t.root
	for len(key) > 0 {
		i, ok := n.childIndex(key[0])
		if !ok {
			return nil
		}
		c := n.children[i]
		if !strings.HasPrefix(key, c.prefix) {
			return nil
		}
		key = key[len(c.prefix):]
		n = c
	}
	return n
}

// split cuts the prefix of n at at, moving everything n holds into a new
// child that keeps the rest of the prefix.
func split(n *trieNode, at int) {
	c := &trieNode{prefix: n.prefix[at:], versions: n.versions, live: n.live}
	c.adopt(n.children)
	n.prefix = n.prefix[:at]
	n.versions = nil
	n.live = false
	n.children = nil
	n.addChild(c)
}

// Insert records types as the newest version of key and returns its version
// number. Earlier versions stay readable through iterators that pin them.
func (t *Trie) Insert(key string, types TypeSet) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := t.root
	for len(key) > 0 {
		i, ok := n.childIndex(key[0])
		if !ok {
			c := &trieNode{prefix: key}
			n.addChild(c)
			n = c
			break
		}
		c := n.children[i]
		l := commonPrefix(key, c.prefix)
		if l < len(c.prefix) {
			split(c, l)
		}
		key = key[l:]
		n = c
	}

	if n.current() == nil {
		t.size++
	}
	e := &VersionEntry{Version: t.version.Add(1), Types: types}
	n.versions = append(n.versions, e)
	n.live = true
	return e.Version
}

// Find returns an iterator pinned to the current version of key, or nil if
// key holds no version. The caller must Release it.
func (t *Trie) Find(key string) *Iterator {
	t.mu.RLock()
	defer t.mu.RUnlock()

	n := t.lookup(key)
	if n == nil {
		return nil
	}
	e := n.current()
	if e == nil {
		return nil
	}
	return t.pin(key, e)
}

// Contains reports whether key holds a version.
func (t *Trie) Contains(key string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n := t.lookup(key)
	return n != nil && n.current() != nil
}

// Erase deletes key. Descendant paths are kept. Versions pinned by
// iterators stay readable until they are released and Cleanup runs.
func (t *Trie) Erase(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := t.lookup(key)
	if n == nil || n.current() == nil {
		return false
	}
	n.live = false
	t.size--
	n.dropDead()
	t.prune(n)
	return true
}

// prune removes n if it holds neither versions nor children, repeating for
// its ancestors, and folds a versionless node into its only child. The root
// is never removed.
func (t *Trie) prune(n *trieNode) {
	for n != t.root && len(n.versions) == 0 {
		switch len(n.children) {
		case 0:
			p := n.parent
			p.removeChild(n)
			n = p
			continue
		case 1:
			c := n.children[0]
			n.prefix += c.prefix
			n.versions, n.live = c.versions, c.live
			n.adopt(c.children)
			c.parent, c.children, c.versions = nil, nil, nil
		}
		return
	}
}

// Cleanup drops every version that is neither current nor pinned, prunes
// the nodes left empty and returns the number of dropped versions.
func (t *Trie) Cleanup() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	var (
		removed int
		emptied []*trieNode
	)
	stack := []*trieNode{t.root}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if len(n.versions) > 0 {
			removed += n.dropDead()
			if len(n.versions) == 0 {
				emptied = append(emptied, n)
			}
		}
		stack = append(stack, n.children...)
	}

	// Deeper nodes were emptied later; prune them first.
	for _, n := range slices.Backward(emptied) {
		if n != t.root && n.parent == nil {
			continue
		}
		t.prune(n)
	}
	return removed
}

// seek returns the smallest key holding a version that is greater than
// after, or equal to it when inclusive is set. Keys below a node extend the
// node's key, so a pre-order walk over children ordered by first byte
// visits keys in lexicographic order. t.mu must be held.
func (t *Trie) seek(after string, inclusive bool) (string, *VersionEntry) {
	type frame struct {
		n   *trieNode
		key string
	}
	stack := []frame{{n: t.root}}
	for len(stack) > 0 {
		f := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if e := f.n.current(); e != nil && (f.key > after || inclusive && f.key == after) {
			return f.key, e
		}
		for _, c := range slices.Backward(f.n.children) {
			key := f.key + c.prefix
			if key < after && !strings.HasPrefix(after, key) {
				continue
			}
			stack = append(stack, frame{n: c, key: key})
		}
	}
	return "", nil
}

// Begin returns an iterator on the smallest key, or nil for an empty trie.
func (t *Trie) Begin() *Iterator {
	t.mu.RLock()
	defer t.mu.RUnlock()
	key, e := t.seek("", true)
	if e == nil {
		return nil
	}
	return t.pin(key, e)
}

// All iterates over every key and its current types in lexicographic order.
func (t *Trie) All() iter.Seq2[string, TypeSet] {
	return func(yield func(string, TypeSet) bool) {
		it := t.Begin()
		defer it.Release()
		for ; it.Valid(); it.Next() {
			if !yield(it.Key(), it.Types()) {
				return
			}
		}
	}
}

// IsPathValid reports whether every proper "/"-delimited prefix of key,
// such as "/users" and "/users/1" for "/users/1/id", holds a version.
func (t *Trie) IsPathValid(key string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for i := 1; i < len(key); i++ {
		if key[i] != '/' {
			continue
		}
		n := t.lookup(key[:i])
		if n == nil || n.current() == nil {
			return false
		}
	}
	return true
}

// Versions returns the version numbers still retained for key, oldest
// first. Erased keys may retain pinned versions.
func (t *Trie) Versions(key string) []uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n := t.lookup(key)
	if n == nil {
		return nil
	}
	out := make([]uint64, len(n.versions))
	for i, e := range n.versions {
		out[i] = e.Version
	}
	return out
}

// CurrentVersion returns the most recently assigned version number.
func (t *Trie) CurrentVersion() uint64 {
	return t.version.Load()
}

// Len returns the number of keys holding a version.
func (t *Trie) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.size
}

func (t *Trie) pin(key string, e *VersionEntry) *Iterator {
	e.refs.Add(1)
	return &Iterator{t: t, key: key, entry: e}
}
