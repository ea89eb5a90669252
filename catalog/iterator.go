package catalog

// Iterator stands on one key and pins the version it observed. The pinned
// version stays readable after the key is updated or erased. A nil Iterator
// is exhausted.
type Iterator struct {
	t     *Trie
	key   string
	entry *VersionEntry
}

// Valid reports whether the iterator stands on a key.
func (it *Iterator) Valid() bool {
	return it != nil && it.entry != nil
}

// Key returns the current key.
func (it *Iterator) Key() string {
	if !it.Valid() {
		return ""
	}
	return it.key
}

// Types returns the pinned type set.
func (it *Iterator) Types() TypeSet {
	if !it.Valid() {
		return 0
	}
	return it.entry.Types
}

// Version returns the pinned version number.
func (it *Iterator) Version() uint64 {
	if !it.Valid() {
		return 0
	}
	return it.entry.Version
}

// Entry returns the pinned version.
func (it *Iterator) Entry() *VersionEntry {
	if !it.Valid() {
		return nil
	}
	return it.entry
}

// Next moves to the next key in lexicographic order, pinning its current
// version and unpinning the previous one. It returns false once the keys
// are exhausted.
func (it *Iterator) Next() bool {
	if !it.Valid() {
		return false
	}
	it.t.mu.RLock()
	key, e := it.t.seek(it.key, false)
	if e != nil {
		e.refs.Add(1)
	}
	it.t.mu.RUnlock()

	it.entry.refs.Add(-1)
	it.key, it.entry = key, e
	return e != nil
}

// Release unpins the current version. The iterator is exhausted afterwards.
func (it *Iterator) Release() {
	if !it.Valid() {
		return
	}
	it.entry.refs.Add(-1)
	it.entry = nil
}
