package backup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"slices"
	"strings"
	"time"

	"github.com/hupe1980/blockstore/blobstore"
)

const (
	// ManifestFileName names the manifest inside a snapshot prefix.
	ManifestFileName = "MANIFEST"
	// CurrentFileName holds the id of the latest complete snapshot.
	CurrentFileName = "CURRENT"
	// SnapshotsPrefix prefixes every snapshot object.
	SnapshotsPrefix = "snapshots/"
	// FormatVersion is the version of the manifest format.
	FormatVersion = 1
)

// Manifest describes one snapshot of a tree directory.
type Manifest struct {
	Version   int        `json:"version"`
	ID        string     `json:"id"`
	CreatedAt time.Time  `json:"created_at"`
	Codec     Codec      `json:"codec"`
	Files     []FileInfo `json:"files"`
}

// FileInfo describes one file of a snapshot.
type FileInfo struct {
	// Name is the file name relative to the tree directory.
	Name string `json:"name"`
	// Size is the uncompressed size.
	Size int64 `json:"size"`
	// StoredSize is the size of the uploaded object.
	StoredSize int64 `json:"stored_size"`
	// CRC32C is the checksum of the uncompressed content.
	CRC32C uint32 `json:"crc32c"`
}

// TotalSize returns the uncompressed size of all files.
func (m *Manifest) TotalSize() int64 {
	var n int64
	for _, f := range m.Files {
		n += f.Size
	}
	return n
}

// StoredSize returns the uploaded size of all files.
func (m *Manifest) StoredSize() int64 {
	var n int64
	for _, f := range m.Files {
		n += f.StoredSize
	}
	return n
}

func snapshotPrefix(id string) string {
	return SnapshotsPrefix + id + "/"
}

func objectName(id, file string) string {
	return snapshotPrefix(id) + file
}

func validate(m *Manifest) error {
	if m.Version != FormatVersion {
		return fmt.Errorf("%w: manifest version %d", ErrIncompatibleFormat, m.Version)
	}
	if m.ID == "" {
		return fmt.Errorf("%w: manifest without id", ErrIncompatibleFormat)
	}
	for _, f := range m.Files {
		if f.Name == "" || path.Base(f.Name) != f.Name {
			return fmt.Errorf("%w: invalid file name %q", ErrIncompatibleFormat, f.Name)
		}
	}
	return nil
}

func saveManifest(ctx context.Context, store blobstore.BlobStore, m *Manifest) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	return store.Put(ctx, objectName(m.ID, ManifestFileName), data)
}

// Load reads the manifest of snapshot id.
func Load(ctx context.Context, store blobstore.BlobStore, id string) (*Manifest, error) {
	data, err := blobstore.ReadAll(ctx, store, objectName(id, ManifestFileName))
	if err != nil {
		if errors.Is(err, blobstore.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNoSnapshot, id)
		}
		return nil, err
	}
	m := &Manifest{}
	if err := json.Unmarshal(data, m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIncompatibleFormat, err)
	}
	if err := validate(m); err != nil {
		return nil, err
	}
	if m.ID != id {
		return nil, fmt.Errorf("%w: manifest of %s names %s", ErrIncompatibleFormat, id, m.ID)
	}
	return m, nil
}

// CurrentID returns the id recorded in CURRENT.
func CurrentID(ctx context.Context, store blobstore.BlobStore) (string, error) {
	data, err := blobstore.ReadAll(ctx, store, CurrentFileName)
	if err != nil {
		if errors.Is(err, blobstore.ErrNotFound) {
			return "", ErrNoSnapshot
		}
		return "", err
	}
	id := strings.TrimSpace(string(data))
	if id == "" {
		return "", ErrNoSnapshot
	}
	return id, nil
}

// Latest loads the manifest CURRENT points to.
func Latest(ctx context.Context, store blobstore.BlobStore) (*Manifest, error) {
	id, err := CurrentID(ctx, store)
	if err != nil {
		return nil, err
	}
	return Load(ctx, store, id)
}

// List returns the manifests of all complete snapshots, oldest first.
// Unreadable manifests are skipped.
func List(ctx context.Context, store blobstore.BlobStore) ([]*Manifest, error) {
	names, err := store.List(ctx, SnapshotsPrefix)
	if err != nil {
		return nil, err
	}
	var out []*Manifest
	for _, name := range names {
		rest, ok := strings.CutPrefix(name, SnapshotsPrefix)
		if !ok {
			continue
		}
		id, file, ok := strings.Cut(rest, "/")
		if !ok || file != ManifestFileName {
			continue
		}
		m, err := Load(ctx, store, id)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			continue
		}
		out = append(out, m)
	}
	slices.SortFunc(out, func(a, b *Manifest) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return out, nil
}

// Delete removes every object of snapshot id. The snapshot CURRENT points to
// cannot be deleted.
func Delete(ctx context.Context, store blobstore.BlobStore, id string) error {
	if id == "" || strings.Contains(id, "/") {
		return fmt.Errorf("backup: invalid snapshot id %q", id)
	}
	current, err := CurrentID(ctx, store)
	if err != nil && !errors.Is(err, ErrNoSnapshot) {
		return err
	}
	if current == id {
		return fmt.Errorf("%w: %s", ErrSnapshotInUse, id)
	}

	names, err := store.List(ctx, snapshotPrefix(id))
	if err != nil {
		return err
	}
	if len(names) == 0 {
		return fmt.Errorf("%w: %s", ErrNoSnapshot, id)
	}
	// The manifest goes first so a partial delete is never listed.
	manifest := objectName(id, ManifestFileName)
	if err := store.Delete(ctx, manifest); err != nil {
		return err
	}
	for _, name := range names {
		if name == manifest {
			continue
		}
		if err := store.Delete(ctx, name); err != nil {
			return err
		}
	}
	return nil
}
