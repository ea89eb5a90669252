package btree

import "fmt"

// Pair is a decoded item of a scan.
type Pair[T any] struct {
	ID    uint64
	Value T
}

// walk calls fn for the items of the leaves starting at the leaf routing
// from, moving right when forward is set and left otherwise. visit scans one
// leaf and reports whether to continue with the next one.
func (t *Tree) walk(from uint64, forward bool, visit func(l *leaf) (bool, error)) error {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if t.closed {
		return ErrClosed
	}
	if t.root == nil {
		return nil
	}

	l := t.descend(from, false)
	for {
		cont, err := visit(l)
		next := l.left
		if forward {
			next = l.right
		}
		l.mu.RUnlock()
		if err != nil || !cont || next == nil {
			return err
		}
		next.mu.RLock()
		l = next
	}
}

// Ascend calls fn for every item with start <= id < stop in ascending order
// of id and payload, until fn returns false. data is only valid during the
// call and fn must not call back into the tree.
func (t *Tree) Ascend(start, stop uint64, fn func(id uint64, data []byte) bool) error {
	if start >= stop {
		return nil
	}
	return t.ascend(start, func(id uint64) bool { return id >= stop }, fn)
}

// Descend calls fn for every item with stop < id <= start in descending
// order of id and payload, until fn returns false. data is only valid during
// the call and fn must not call back into the tree.
func (t *Tree) Descend(start, stop uint64, fn func(id uint64, data []byte) bool) error {
	if start <= stop {
		return nil
	}
	return t.descendFrom(start, func(id uint64) bool { return id <= stop }, fn)
}

func (t *Tree) ascend(start uint64, past func(uint64) bool, fn func(uint64, []byte) bool) error {
	return t.walk(start, true, func(l *leaf) (bool, error) {
		cont := true
		err := l.seg.Ascend(start, func(id uint64, data []byte) bool {
			if past(id) || !fn(id, data) {
				cont = false
			}
			return cont
		})
		return cont, err
	})
}

func (t *Tree) descendFrom(start uint64, past func(uint64) bool, fn func(uint64, []byte) bool) error {
	return t.walk(start, false, func(l *leaf) (bool, error) {
		cont := true
		err := l.seg.Descend(start, func(id uint64, data []byte) bool {
			if past(id) || !fn(id, data) {
				cont = false
			}
			return cont
		})
		return cont, err
	})
}

// ListIDs returns every distinct id in ascending order.
func (t *Tree) ListIDs() ([]uint64, error) {
	ids := make([]uint64, 0, t.Size())
	err := t.ascend(0, func(uint64) bool { return false }, func(id uint64, _ []byte) bool {
		if len(ids) == 0 || ids[len(ids)-1] != id {
			ids = append(ids, id)
		}
		return true
	})
	return ids, err
}

// ScanAscending decodes the items with start <= id < stop in ascending
// order and returns at most limit of those accepted by pred. A nil pred
// accepts every item. decode receives a slice that is only valid during the
// call.
func ScanAscending[T any](t *Tree, start, stop uint64, limit int, decode func([]byte) (T, error), pred func(T) bool) ([]Pair[T], error) {
	if limit <= 0 {
		return nil, nil
	}
	var (
		out  []Pair[T]
		derr error
	)
	err := t.Ascend(start, stop, collect(&out, &derr, limit, decode, pred))
	if err == nil {
		err = derr
	}
	return out, err
}

// ScanDescending decodes the items with stop < id <= start in descending
// order and returns at most limit of those accepted by pred. A nil pred
// accepts every item.
func ScanDescending[T any](t *Tree, start, stop uint64, limit int, decode func([]byte) (T, error), pred func(T) bool) ([]Pair[T], error) {
	if limit <= 0 {
		return nil, nil
	}
	var (
		out  []Pair[T]
		derr error
	)
	err := t.Descend(start, stop, collect(&out, &derr, limit, decode, pred))
	if err == nil {
		err = derr
	}
	return out, err
}

func collect[T any](out *[]Pair[T], derr *error, limit int, decode func([]byte) (T, error), pred func(T) bool) func(uint64, []byte) bool {
	return func(id uint64, data []byte) bool {
		v, err := decode(data)
		if err != nil {
			*derr = fmt.Errorf("btree: decode item %d: %w", id, err)
			return false
		}
		if pred == nil || pred(v) {
			*out = append(*out, Pair[T]{ID: id, Value: v})
		}
		return len(*out) < limit
	}
}
