package block

import (
	"bytes"
	"cmp"
	"encoding/binary"
	"errors"
	"fmt"
	"iter"
	"math"
	"slices"
	"sort"

	"github.com/hupe1980/blockstore/internal/hash"
)

const (
	// SectorSize is the allocation granularity of a page.
	SectorSize = 4096
	// DefaultBlockSize is the size of a freshly created page.
	DefaultBlockSize = 256 << 10
	// MaxBlockSize is the largest page addressable with 32-bit offsets.
	MaxBlockSize = math.MaxUint32 - 1

	// HeaderSize is the size of the page header.
	HeaderSize = 16
	// MetadataSize is the size of one directory entry.
	MetadataSize = 16
)

var (
	// ErrCorruptedPage is returned when a page fails validation.
	ErrCorruptedPage = errors.New("block: corrupted page")
	// ErrInvalidSize is returned for sizes that are not a positive multiple of SectorSize.
	ErrInvalidSize = errors.New("block: invalid size")
)

// AlignToBlockSize rounds size up to a multiple of DefaultBlockSize.
func AlignToBlockSize(size int) int {
	return (size + DefaultBlockSize - 1) / DefaultBlockSize * DefaultBlockSize
}

// SizeFor returns the smallest aligned page size holding one payload of n bytes.
func SizeFor(n int) int {
	return AlignToBlockSize(n + HeaderSize + MetadataSize)
}

// Block is a slotted page.
type Block struct {
	buf     []byte
	count   int
	unique  int
	dataEnd int
	valid   bool
}

func checkSize(size int) error {
	if size <= 0 || size%SectorSize != 0 || int64(size) > MaxBlockSize {
		return fmt.Errorf("%w: %d", ErrInvalidSize, size)
	}
	return nil
}

// New creates an empty page of size bytes.
func New(size int) (*Block, error) {
	if err := checkSize(size); err != nil {
		return nil, err
	}
	b := &Block{buf: make([]byte, size)}
	b.Reset()
	return b, nil
}

// Load takes ownership of buf, verifies its checksum and restores the page.
func Load(buf []byte) (*Block, error) {
	if err := checkSize(len(buf)); err != nil {
		return nil, err
	}
	b := &Block{buf: buf}
	if !b.VerifyChecksum() {
		return nil, fmt.Errorf("%w: checksum mismatch", ErrCorruptedPage)
	}
	if err := b.Restore(); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *Block) slot(i int) int {
	return len(b.buf) - (i+1)*MetadataSize
}

func (b *Block) idAt(i int) uint64 {
	return binary.LittleEndian.Uint64(b.buf[b.slot(i)+8:])
}

func (b *Block) locAt(i int) (off, size int) {
	s := b.slot(i)
	return int(binary.LittleEndian.Uint32(b.buf[s:])), int(binary.LittleEndian.Uint32(b.buf[s+4:]))
}

func (b *Block) dataAt(i int) []byte {
	off, n := b.locAt(i)
	return b.buf[off : off+n : off+n]
}

func (b *Block) setEntry(i, off, size int, id uint64) {
	s := b.slot(i)
	binary.LittleEndian.PutUint32(b.buf[s:], uint32(off))    //nolint:gosec // off < MaxBlockSize
	binary.LittleEndian.PutUint32(b.buf[s+4:], uint32(size)) //nolint:gosec // size < MaxBlockSize
	binary.LittleEndian.PutUint64(b.buf[s+8:], id)
}

func (b *Block) setOffset(i, off int) {
	binary.LittleEndian.PutUint32(b.buf[b.slot(i):], uint32(off)) //nolint:gosec // off < MaxBlockSize
}

func (b *Block) writeHeader() {
	binary.LittleEndian.PutUint32(b.buf[8:], uint32(b.count))   //nolint:gosec // bounded by page size
	binary.LittleEndian.PutUint32(b.buf[12:], uint32(b.unique)) //nolint:gosec // bounded by page size
}

// findRange returns the directory range [lo, hi) holding id.
func (b *Block) findRange(id uint64) (lo, hi int) {
	lo = sort.Search(b.count, func(i int) bool { return b.idAt(i) >= id })
	hi = lo + sort.Search(b.count-lo, func(i int) bool { return b.idAt(lo+i) > id })
	return lo, hi
}

// search returns the position of data inside the id range [lo, hi).
func (b *Block) search(lo, hi int, data []byte) (int, bool) {
	pos := lo + sort.Search(hi-lo, func(i int) bool { return bytes.Compare(b.dataAt(lo+i), data) >= 0 })
	return pos, pos < hi && bytes.Equal(b.dataAt(pos), data)
}

// Append inserts data under id. It returns false when the page lacks room
// or the identical item is already stored.
func (b *Block) Append(id uint64, data []byte) bool {
	if !b.valid || !b.IsMemoryAvailable(len(data)) {
		return false
	}
	lo, hi := b.findRange(id)
	pos, found := b.search(lo, hi, data)
	if found {
		return false
	}

	off := b.dataEnd
	copy(b.buf[off:], data)
	b.dataEnd += len(data)

	size := len(b.buf)
	copy(b.buf[size-(b.count+1)*MetadataSize:size-(pos+1)*MetadataSize], b.buf[size-b.count*MetadataSize:size-pos*MetadataSize])
	b.setEntry(pos, off, len(data), id)

	b.count++
	if lo == hi {
		b.unique++
	}
	b.writeHeader()
	return true
}

// appendLast appends an item that sorts after every stored item.
func (b *Block) appendLast(id uint64, data []byte) {
	off := b.dataEnd
	copy(b.buf[off:], data)
	b.dataEnd += len(data)
	if b.count == 0 || b.idAt(b.count-1) != id {
		b.unique++
	}
	b.setEntry(b.count, off, len(data), id)
	b.count++
	b.writeHeader()
}

// Remove deletes the item (id, data).
func (b *Block) Remove(id uint64, data []byte) bool {
	if !b.valid {
		return false
	}
	lo, hi := b.findRange(id)
	pos, found := b.search(lo, hi, data)
	if !found {
		return false
	}
	b.removeRange(pos, pos+1)
	if hi-lo == 1 {
		b.unique--
	}
	b.writeHeader()
	return true
}

// RemoveID deletes every item stored under id.
func (b *Block) RemoveID(id uint64) bool {
	if !b.valid {
		return false
	}
	lo, hi := b.findRange(id)
	if lo == hi {
		return false
	}
	b.removeRange(lo, hi)
	b.unique--
	b.writeHeader()
	return true
}

// removeRange drops directory entries [lo, hi) and repacks the data region.
func (b *Block) removeRange(lo, hi int) {
	n := hi - lo
	size := len(b.buf)
	copy(b.buf[size-(b.count-n)*MetadataSize:size-lo*MetadataSize], b.buf[size-b.count*MetadataSize:size-hi*MetadataSize])
	clear(b.buf[size-b.count*MetadataSize : size-(b.count-n)*MetadataSize])
	b.count -= n
	b.compact()
}

func (b *Block) compact() {
	order := make([]int, b.count)
	for i := range order {
		order[i] = i
	}
	slices.SortFunc(order, func(x, y int) int {
		ox, nx := b.locAt(x)
		oy, ny := b.locAt(y)
		if c := cmp.Compare(ox, oy); c != 0 {
			return c
		}
		return cmp.Compare(nx, ny)
	})

	cursor := HeaderSize
	for _, i := range order {
		off, n := b.locAt(i)
		if off != cursor {
			copy(b.buf[cursor:cursor+n], b.buf[off:off+n])
			b.setOffset(i, cursor)
		}
		cursor += n
	}
	clear(b.buf[cursor:b.dataEnd])
	b.dataEnd = cursor
}

// ContainsID reports whether any item is stored under id.
func (b *Block) ContainsID(id uint64) bool {
	lo, hi := b.findRange(id)
	return lo != hi
}

// Contains reports whether the item (id, data) is stored.
func (b *Block) Contains(id uint64, data []byte) bool {
	lo, hi := b.findRange(id)
	_, found := b.search(lo, hi, data)
	return found
}

// ItemCount returns the number of items stored under id.
func (b *Block) ItemCount(id uint64) int {
	lo, hi := b.findRange(id)
	return hi - lo
}

// Item returns the i-th item stored under id. The slice aliases the page and
// is valid until the next mutation.
func (b *Block) Item(id uint64, i int) ([]byte, bool) {
	lo, hi := b.findRange(id)
	if i < 0 || i >= hi-lo {
		return nil, false
	}
	return b.dataAt(lo + i), true
}

// Items returns every item stored under id, aliasing the page.
func (b *Block) Items(id uint64) [][]byte {
	lo, hi := b.findRange(id)
	if lo == hi {
		return nil
	}
	out := make([][]byte, 0, hi-lo)
	for i := lo; i < hi; i++ {
		out = append(out, b.dataAt(i))
	}
	return out
}

// DataOf returns the first item stored under id.
func (b *Block) DataOf(id uint64) ([]byte, bool) {
	return b.Item(id, 0)
}

// SizeOf returns the size of the first item stored under id.
func (b *Block) SizeOf(id uint64) (int, bool) {
	lo, hi := b.findRange(id)
	if lo == hi {
		return 0, false
	}
	_, n := b.locAt(lo)
	return n, true
}

// At returns the i-th item in directory order.
func (b *Block) At(i int) (uint64, []byte) {
	return b.idAt(i), b.dataAt(i)
}

// Search returns the directory position of the first item with an id >= id.
func (b *Block) Search(id uint64) int {
	return sort.Search(b.count, func(i int) bool { return b.idAt(i) >= id })
}

// Count returns the number of items.
func (b *Block) Count() int { return b.count }

// UniqueIDCount returns the number of distinct ids.
func (b *Block) UniqueIDCount() int { return b.unique }

// MinID returns the smallest stored id, or 0 if the page is empty.
func (b *Block) MinID() uint64 {
	if b.count == 0 {
		return 0
	}
	return b.idAt(0)
}

// MaxID returns the largest stored id, or 0 if the page is empty.
func (b *Block) MaxID() uint64 {
	if b.count == 0 {
		return 0
	}
	return b.idAt(b.count - 1)
}

// AvailableMemory returns the free bytes between data and directory.
func (b *Block) AvailableMemory() int {
	return len(b.buf) - b.dataEnd - b.count*MetadataSize
}

// OccupiedMemory returns the bytes used by payloads and directory entries.
func (b *Block) OccupiedMemory() int {
	return b.dataEnd - HeaderSize + b.count*MetadataSize
}

// IsMemoryAvailable reports whether a payload of n bytes fits.
func (b *Block) IsMemoryAvailable(n int) bool {
	return n+MetadataSize <= b.AvailableMemory()
}

// IsEmpty reports whether the page holds no items.
func (b *Block) IsEmpty() bool { return b.count == 0 }

// IsValid reports whether the page was initialized or restored successfully.
func (b *Block) IsValid() bool { return b.valid }

// All iterates items in ascending (id, payload) order.
func (b *Block) All() iter.Seq2[uint64, []byte] {
	return func(yield func(uint64, []byte) bool) {
		for i := 0; i < b.count; i++ {
			if !yield(b.idAt(i), b.dataAt(i)) {
				return
			}
		}
	}
}

// Backward iterates items in descending order.
func (b *Block) Backward() iter.Seq2[uint64, []byte] {
	return func(yield func(uint64, []byte) bool) {
		for i := b.count - 1; i >= 0; i-- {
			if !yield(b.idAt(i), b.dataAt(i)) {
				return
			}
		}
	}
}

// Buffer returns the raw page.
func (b *Block) Buffer() []byte { return b.buf }

// Size returns the page size in bytes.
func (b *Block) Size() int { return len(b.buf) }

// Reset empties the page.
func (b *Block) Reset() {
	clear(b.buf)
	b.count = 0
	b.unique = 0
	b.dataEnd = HeaderSize
	b.valid = true
	b.writeHeader()
}

// Restore rebuilds the in-memory cursors from the raw page and validates its
// directory.
func (b *Block) Restore() error {
	b.valid = false
	size := len(b.buf)
	if size < HeaderSize {
		return fmt.Errorf("%w: page of %d bytes", ErrCorruptedPage, size)
	}

	count := int(binary.LittleEndian.Uint32(b.buf[8:]))
	unique := int(binary.LittleEndian.Uint32(b.buf[12:]))
	if count > (size-HeaderSize)/MetadataSize || unique > count {
		return fmt.Errorf("%w: count %d unique %d", ErrCorruptedPage, count, unique)
	}
	dirStart := size - count*MetadataSize

	type span struct{ off, n int }
	spans := make([]span, 0, count)
	distinct, total := 0, 0
	var prev uint64
	for i := 0; i < count; i++ {
		off, n := b.locAt(i)
		id := b.idAt(i)
		if off < HeaderSize || off+n > dirStart {
			return fmt.Errorf("%w: entry %d out of bounds", ErrCorruptedPage, i)
		}
		switch {
		case i == 0 || id > prev:
			distinct++
		case id < prev:
			return fmt.Errorf("%w: entry %d out of order", ErrCorruptedPage, i)
		case bytes.Compare(b.dataAt(i-1), b.dataAt(i)) >= 0:
			return fmt.Errorf("%w: entry %d duplicated or out of order", ErrCorruptedPage, i)
		}
		prev = id
		total += n
		spans = append(spans, span{off, n})
	}
	if distinct != unique {
		return fmt.Errorf("%w: unique count %d, found %d", ErrCorruptedPage, unique, distinct)
	}

	slices.SortFunc(spans, func(x, y span) int {
		if c := cmp.Compare(x.off, y.off); c != 0 {
			return c
		}
		return cmp.Compare(x.n, y.n)
	})
	cursor := HeaderSize
	for _, s := range spans {
		if s.off != cursor {
			return fmt.Errorf("%w: data region is not packed", ErrCorruptedPage)
		}
		cursor += s.n
	}
	if cursor != HeaderSize+total || cursor > dirStart {
		return fmt.Errorf("%w: data overlaps directory", ErrCorruptedPage)
	}

	b.count = count
	b.unique = unique
	b.dataEnd = cursor
	b.valid = true
	return nil
}

// Resize moves the page into a buffer of newSize bytes.
func (b *Block) Resize(newSize int) error {
	if err := checkSize(newSize); err != nil {
		return err
	}
	if b.dataEnd+b.count*MetadataSize > newSize {
		return fmt.Errorf("%w: %d bytes cannot hold %d occupied", ErrInvalidSize, newSize, b.OccupiedMemory())
	}
	buf := make([]byte, newSize)
	copy(buf, b.buf[:b.dataEnd])
	dir := b.count * MetadataSize
	copy(buf[newSize-dir:], b.buf[len(b.buf)-dir:])
	b.buf = buf
	return nil
}

// Split moves the last count items to a new page of the same size.
func (b *Block) Split(count int) *Block {
	nb := &Block{buf: make([]byte, len(b.buf))}
	nb.Reset()
	if count <= 0 {
		return nb
	}
	if count >= b.count {
		*b, *nb = *nb, *b
		return nb
	}

	start := b.count - count
	for i := start; i < b.count; i++ {
		nb.appendLast(b.idAt(i), b.dataAt(i))
	}
	b.removeRange(start, b.count)
	b.unique = b.countUnique()
	b.writeHeader()
	return nb
}

// SplitUniques moves the items of the last count distinct ids to a new page.
func (b *Block) SplitUniques(count int) *Block {
	if count >= b.unique {
		return b.Split(b.count)
	}
	start, seen := b.count, 0
	for start > 0 {
		if start == b.count || b.idAt(start-1) != b.idAt(start) {
			if seen == count {
				break
			}
			seen++
		}
		start--
	}
	return b.Split(b.count - start)
}

// splitAbove moves every item with an id greater than id to a new page.
func (b *Block) splitAbove(id uint64) *Block {
	hi := sort.Search(b.count, func(i int) bool { return b.idAt(i) > id })
	return b.Split(b.count - hi)
}

func (b *Block) countUnique() int {
	n := 0
	for i := 0; i < b.count; i++ {
		if i == 0 || b.idAt(i) != b.idAt(i-1) {
			n++
		}
	}
	return n
}

// SplitAppend inserts (id, data) into a page that has no room for it by
// splitting the page. The caller must have checked that the item is absent.
// It returns the non-empty pages that follow b in id order; b keeps the lowest
// ids and may be left empty, in which case the caller drops it.
func (b *Block) SplitAppend(id uint64, data []byte) ([]*Block, error) {
	if b.Append(id, data) {
		return nil, nil
	}

	// Move the upper half, by bytes, to a sibling.
	k, acc := 0, 0
	for k < b.count && acc < len(b.buf)/2 {
		_, n := b.locAt(b.count - 1 - k)
		acc += n + MetadataSize
		k++
	}
	right := b.Split(k)
	goesRight := !right.IsEmpty() && id >= right.MinID()
	if goesRight {
		if right.Append(id, data) {
			return []*Block{right}, nil
		}
	} else if b.Append(id, data) {
		return []*Block{right}, nil
	}

	// Neither half has room: the item gets a page of its own between the ids
	// below and above it.
	mid, err := New(SizeFor(len(data)))
	if err != nil {
		return nil, err
	}
	mid.Append(id, data)
	if goesRight {
		upper := right.splitAbove(id)
		return nonEmpty(right, mid, upper), nil
	}
	upper := b.splitAbove(id)
	return nonEmpty(mid, upper, right), nil
}

func nonEmpty(blocks ...*Block) []*Block {
	out := blocks[:0]
	for _, blk := range blocks {
		if !blk.IsEmpty() {
			out = append(out, blk)
		}
	}
	return out
}

// Merge moves every item of other into b. It returns false, leaving both
// pages untouched, when b lacks the room.
func (b *Block) Merge(other *Block) bool {
	if other.OccupiedMemory() > b.AvailableMemory() {
		return false
	}
	for id, data := range other.All() {
		b.Append(id, data)
	}
	return true
}

func (b *Block) checksum() uint64 {
	return uint64(hash.CRC32C(b.buf[8:]))
}

// RecalculateChecksum stores the CRC32C of the page in its header.
func (b *Block) RecalculateChecksum() {
	binary.LittleEndian.PutUint64(b.buf[0:], b.checksum())
}

// VerifyChecksum reports whether the stored checksum matches the page.
func (b *Block) VerifyChecksum() bool {
	return binary.LittleEndian.Uint64(b.buf[0:]) == b.checksum()
}
