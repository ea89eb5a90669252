package segment

import (
	"math"
	"sort"
)

type gap struct {
	offset uint64
	size   uint64
}

// gapTracker tracks free file ranges, sorted by offset. The last gap is
// unbounded, so find always succeeds.
type gapTracker struct {
	gaps []gap
}

func newGapTracker(start uint64) gapTracker {
	var g gapTracker
	g.reset(start)
	return g
}

func (g *gapTracker) reset(start uint64) {
	g.gaps = append(g.gaps[:0], gap{offset: start, size: math.MaxUint64 - start})
}

// find reserves size bytes at the first gap that fits.
func (g *gapTracker) find(size uint64) uint64 {
	for i := range g.gaps {
		if g.gaps[i].size < size {
			continue
		}
		off := g.gaps[i].offset
		if g.gaps[i].size == size {
			g.gaps = append(g.gaps[:i], g.gaps[i+1:]...)
		} else {
			g.gaps[i].offset += size
			g.gaps[i].size -= size
		}
		return off
	}
	panic("segment: gap tracker exhausted")
}

// release returns [offset, offset+size) and coalesces neighbours.
func (g *gapTracker) release(offset, size uint64) {
	i := sort.Search(len(g.gaps), func(i int) bool { return g.gaps[i].offset > offset })
	g.gaps = append(g.gaps, gap{})
	copy(g.gaps[i+1:], g.gaps[i:])
	g.gaps[i] = gap{offset: offset, size: size}
	g.coalesce()
}

func (g *gapTracker) coalesce() {
	for i := 0; i+1 < len(g.gaps); {
		if g.gaps[i].offset+g.gaps[i].size == g.gaps[i+1].offset {
			g.gaps[i].size += g.gaps[i+1].size
			g.gaps = append(g.gaps[:i+1], g.gaps[i+2:]...)
			continue
		}
		i++
	}
}

// end returns the start of the unbounded tail gap.
func (g *gapTracker) end() uint64 {
	return g.gaps[len(g.gaps)-1].offset
}

// holes returns the number of bounded gaps.
func (g *gapTracker) holes() int {
	return len(g.gaps) - 1
}
