package segment

import (
	"encoding/binary"
	"fmt"

	"github.com/hupe1980/blockstore/internal/block"
)

const (
	// Magic identifies a segment file ("SEG1").
	Magic = 0x31474553
	// Version is the current file format version.
	Version = 1

	// HeaderSize is the space reserved for the header at the start of the file.
	HeaderSize = 2 * block.DefaultBlockSize

	headerPrefixSize = 4 + 4 + 8 + 8 + 8
	recordSize       = 8 + 8 + 8 + 8

	// MaxBlocks is the number of page records that fit the header.
	MaxBlocks = (HeaderSize - headerPrefixSize) / recordSize
)

// fileHeader is the decoded header prefix.
type fileHeader struct {
	Magic   uint32
	Version uint32
	Blocks  uint64
	Items   uint64
	Uniques uint64
}

func (h *fileHeader) encode(buf []byte) {
	binary.LittleEndian.PutUint32(buf[0:], h.Magic)
	binary.LittleEndian.PutUint32(buf[4:], h.Version)
	binary.LittleEndian.PutUint64(buf[8:], h.Blocks)
	binary.LittleEndian.PutUint64(buf[16:], h.Items)
	binary.LittleEndian.PutUint64(buf[24:], h.Uniques)
}

func decodeHeader(buf []byte) (fileHeader, error) {
	h := fileHeader{
		Magic:   binary.LittleEndian.Uint32(buf[0:]),
		Version: binary.LittleEndian.Uint32(buf[4:]),
		Blocks:  binary.LittleEndian.Uint64(buf[8:]),
		Items:   binary.LittleEndian.Uint64(buf[16:]),
		Uniques: binary.LittleEndian.Uint64(buf[24:]),
	}
	if h.Magic != Magic {
		return h, fmt.Errorf("%w: bad magic %#x", ErrIncompatibleFormat, h.Magic)
	}
	if h.Version != Version {
		return h, fmt.Errorf("%w: version %d", ErrIncompatibleFormat, h.Version)
	}
	if h.Blocks > MaxBlocks || h.Uniques > h.Items {
		return h, fmt.Errorf("%w: %d blocks, %d items, %d unique ids", ErrIncompatibleFormat, h.Blocks, h.Items, h.Uniques)
	}
	return h, nil
}

// record locates one page in the file.
type record struct {
	Offset uint64
	Size   uint64
	MinID  uint64
	MaxID  uint64
}

func (r *record) encode(buf []byte) {
	binary.LittleEndian.PutUint64(buf[0:], r.Offset)
	binary.LittleEndian.PutUint64(buf[8:], r.Size)
	binary.LittleEndian.PutUint64(buf[16:], r.MinID)
	binary.LittleEndian.PutUint64(buf[24:], r.MaxID)
}

func decodeRecord(buf []byte) record {
	return record{
		Offset: binary.LittleEndian.Uint64(buf[0:]),
		Size:   binary.LittleEndian.Uint64(buf[8:]),
		MinID:  binary.LittleEndian.Uint64(buf[16:]),
		MaxID:  binary.LittleEndian.Uint64(buf[24:]),
	}
}

func (r *record) validate(fileSize uint64) error {
	switch {
	case r.Offset < HeaderSize:
		return fmt.Errorf("%w: page at %d overlaps header", ErrIncompatibleFormat, r.Offset)
	case r.Size == 0 || r.Size%block.SectorSize != 0 || r.Size > block.MaxBlockSize:
		return fmt.Errorf("%w: page size %d", ErrIncompatibleFormat, r.Size)
	case r.Offset+r.Size > fileSize:
		return fmt.Errorf("%w: page at %d exceeds file size %d", ErrIncompatibleFormat, r.Offset, fileSize)
	case r.MinID > r.MaxID:
		return fmt.Errorf("%w: page id range [%d, %d]", ErrIncompatibleFormat, r.MinID, r.MaxID)
	}
	return nil
}
