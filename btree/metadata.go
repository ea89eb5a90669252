package btree

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/hupe1980/blockstore/internal/fs"
	"github.com/hupe1980/blockstore/internal/hash"
)

const (
	// MetadataFileName is the name of the metadata file in the tree directory.
	MetadataFileName = "metadata"
	// LeafFilePrefix prefixes the leaf id in leaf file names.
	LeafFilePrefix = "segmented_block"

	metadataMagic      = 0x31525442 // "BTR1"
	metadataVersion    = 1
	metadataHeaderSize = 16
)

// metadata is the persisted description of a tree.
//
// Format:
//
//	Magic (4 bytes)
//	Version (4 bytes)
//	Checksum (4 bytes) - CRC32C of payload
//	PayloadLength (4 bytes)
//	Payload:
//	  Items (8 bytes)
//	  NumLeaves (4 bytes)
//	  LeafIDs (4 bytes each, in key order)
//	  FreeIDs (roaring bitmap, to the end of the payload)
type metadata struct {
	Items   uint64
	Leaves  []uint32
	FreeIDs *roaring.Bitmap
}

func (m *metadata) marshal() ([]byte, error) {
	payload := make([]byte, 0, 12+4*len(m.Leaves))
	payload = binary.LittleEndian.AppendUint64(payload, m.Items)
	payload = binary.LittleEndian.AppendUint32(payload, uint32(len(m.Leaves))) //nolint:gosec // bounded by leaf ids
	for _, id := range m.Leaves {
		payload = binary.LittleEndian.AppendUint32(payload, id)
	}
	buf := bytes.NewBuffer(payload)
	if _, err := m.FreeIDs.WriteTo(buf); err != nil {
		return nil, fmt.Errorf("btree: encode free leaf ids: %w", err)
	}
	payload = buf.Bytes()

	out := make([]byte, metadataHeaderSize, metadataHeaderSize+len(payload))
	binary.LittleEndian.PutUint32(out[0:], metadataMagic)
	binary.LittleEndian.PutUint32(out[4:], metadataVersion)
	binary.LittleEndian.PutUint32(out[8:], hash.CRC32C(payload))
	binary.LittleEndian.PutUint32(out[12:], uint32(len(payload))) //nolint:gosec // metadata stays far below 4 GiB
	return append(out, payload...), nil
}

func unmarshalMetadata(data []byte) (*metadata, error) {
	if len(data) < metadataHeaderSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrCorruptedMetadata, len(data))
	}
	if magic := binary.LittleEndian.Uint32(data[0:]); magic != metadataMagic {
		return nil, fmt.Errorf("%w: bad magic %#x", ErrIncompatibleFormat, magic)
	}
	if version := binary.LittleEndian.Uint32(data[4:]); version != metadataVersion {
		return nil, fmt.Errorf("%w: version %d", ErrIncompatibleFormat, version)
	}
	checksum := binary.LittleEndian.Uint32(data[8:])
	length := binary.LittleEndian.Uint32(data[12:])
	payload := data[metadataHeaderSize:]
	if uint64(len(payload)) != uint64(length) {
		return nil, fmt.Errorf("%w: payload is %d bytes, want %d", ErrCorruptedMetadata, len(payload), length)
	}
	if hash.CRC32C(payload) != checksum {
		return nil, fmt.Errorf("%w: checksum mismatch", ErrCorruptedMetadata)
	}

	if len(payload) < 12 {
		return nil, fmt.Errorf("%w: truncated payload", ErrCorruptedMetadata)
	}
	m := &metadata{Items: binary.LittleEndian.Uint64(payload[0:])}
	n := int(binary.LittleEndian.Uint32(payload[8:]))
	payload = payload[12:]
	if len(payload) < 4*n {
		return nil, fmt.Errorf("%w: %d leaves in %d bytes", ErrCorruptedMetadata, n, len(payload))
	}
	m.Leaves = make([]uint32, n)
	for i := range m.Leaves {
		m.Leaves[i] = binary.LittleEndian.Uint32(payload[4*i:])
	}

	m.FreeIDs = roaring.New()
	if _, err := m.FreeIDs.ReadFrom(bytes.NewReader(payload[4*n:])); err != nil {
		return nil, fmt.Errorf("%w: free leaf ids: %w", ErrCorruptedMetadata, err)
	}
	return m, nil
}

// readMetadata returns nil, nil when the file does not exist.
func readMetadata(fsys fs.FileSystem, path string) (*metadata, error) {
	f, err := fsys.OpenFile(path, os.O_RDONLY, 0)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("btree: open metadata: %w", err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("btree: read metadata: %w", err)
	}
	return unmarshalMetadata(data)
}

// writeMetadata replaces the metadata file through a synced temporary file.
func writeMetadata(fsys fs.FileSystem, path string, m *metadata) error {
	data, err := m.marshal()
	if err != nil {
		return err
	}

	tmpPath := path + ".tmp"
	f, err := fsys.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("btree: create metadata: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = fsys.Remove(tmpPath)
		return fmt.Errorf("btree: write metadata: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = fsys.Remove(tmpPath)
		return fmt.Errorf("btree: sync metadata: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = fsys.Remove(tmpPath)
		return fmt.Errorf("btree: close metadata: %w", err)
	}
	if err := fsys.Rename(tmpPath, path); err != nil {
		_ = fsys.Remove(tmpPath)
		return fmt.Errorf("btree: install metadata: %w", err)
	}
	return nil
}
