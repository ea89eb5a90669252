package backup

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/blockstore/blobstore"
	"github.com/hupe1980/blockstore/btree"
	"github.com/hupe1980/blockstore/internal/fs"
	"github.com/hupe1980/blockstore/internal/hash"
	"github.com/hupe1980/blockstore/internal/resource"
)

// DefaultConcurrency bounds parallel transfers when no resource controller
// is configured.
const DefaultConcurrency = 4

const restoreSuffix = ".restore-tmp"

// Option configures Snapshot and Restore.
type Option func(*options)

type options struct {
	fs          fs.FileSystem
	codec       Codec
	concurrency int
	rc          *resource.Controller
	logger      *slog.Logger
	snapshotID  string
}

// WithFileSystem sets the file system holding the tree directory.
func WithFileSystem(fsys fs.FileSystem) Option {
	return func(o *options) {
		o.fs = fsys
	}
}

// WithCodec sets the compression of uploaded files. Default: CodecZstd.
func WithCodec(c Codec) Option {
	return func(o *options) {
		o.codec = c
	}
}

// WithConcurrency bounds parallel file transfers.
func WithConcurrency(n int) Option {
	return func(o *options) {
		o.concurrency = n
	}
}

// WithResourceController throttles transfers through the controller's IO
// limit and background slots.
func WithResourceController(rc *resource.Controller) Option {
	return func(o *options) {
		o.rc = rc
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// WithSnapshot makes Restore use snapshot id instead of CURRENT.
func WithSnapshot(id string) Option {
	return func(o *options) {
		o.snapshotID = id
	}
}

func applyOptions(opts []Option) options {
	o := options{codec: CodecZstd}
	for _, fn := range opts {
		fn(&o)
	}
	o.fs = fs.OrDefault(o.fs)
	if o.concurrency <= 0 {
		o.concurrency = DefaultConcurrency
		if o.rc != nil {
			o.concurrency = o.rc.MaxBackgroundWorkers()
		}
	}
	if o.logger == nil {
		o.logger = slog.New(slog.DiscardHandler)
	}
	return o
}

// isTreeFile reports whether name belongs to a flushed tree.
func isTreeFile(name string) bool {
	if name == btree.MetadataFileName {
		return true
	}
	id, ok := strings.CutPrefix(name, btree.LeafFilePrefix)
	if !ok {
		return false
	}
	_, err := strconv.ParseUint(id, 10, 32)
	return err == nil
}

func treeFiles(fsys fs.FileSystem, dir string) ([]string, error) {
	entries, err := fsys.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFlushed, dir)
		}
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if e.Type().IsRegular() && isTreeFile(e.Name()) {
			names = append(names, e.Name())
		}
	}
	slices.Sort(names)
	return names, nil
}

// Snapshot uploads the flushed tree in dir as a new snapshot and points
// CURRENT at it. The directory must not change while Snapshot runs.
func Snapshot(ctx context.Context, store blobstore.BlobStore, dir string, opts ...Option) (*Manifest, error) {
	o := applyOptions(opts)
	start := time.Now()

	names, err := treeFiles(o.fs, dir)
	if err != nil {
		return nil, err
	}
	if !slices.Contains(names, btree.MetadataFileName) {
		return nil, fmt.Errorf("%w: %s", ErrNotFlushed, dir)
	}

	m := &Manifest{
		Version:   FormatVersion,
		ID:        uuid.NewString(),
		CreatedAt: time.Now().UTC(),
		Codec:     o.codec,
		Files:     make([]FileInfo, len(names)),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.concurrency)
	for i, name := range names {
		g.Go(func() error {
			fi, err := upload(gctx, store, &o, dir, m.ID, name)
			if err != nil {
				return fmt.Errorf("backup: upload %s: %w", name, err)
			}
			m.Files[i] = fi
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		discard(context.WithoutCancel(ctx), store, m.ID, o.logger)
		return nil, err
	}

	if err := saveManifest(ctx, store, m); err != nil {
		discard(context.WithoutCancel(ctx), store, m.ID, o.logger)
		return nil, fmt.Errorf("backup: save manifest: %w", err)
	}
	if err := store.Put(ctx, CurrentFileName, []byte(m.ID)); err != nil {
		return nil, fmt.Errorf("backup: commit %s: %w", m.ID, err)
	}

	o.logger.Info("backup snapshot created",
		"id", m.ID, "dir", dir, "files", len(m.Files), "codec", m.Codec.String(),
		"size", humanize.IBytes(uint64(m.TotalSize())), //nolint:gosec // sizes are non-negative
		"stored", humanize.IBytes(uint64(m.StoredSize())), //nolint:gosec // sizes are non-negative
		"took", time.Since(start))
	return m, nil
}

// discard removes the objects of a failed snapshot.
func discard(ctx context.Context, store blobstore.BlobStore, id string, logger *slog.Logger) {
	names, err := store.List(ctx, snapshotPrefix(id))
	if err == nil {
		for _, name := range names {
			if err = store.Delete(ctx, name); err != nil {
				break
			}
		}
	}
	if err != nil {
		logger.Warn("backup cleanup failed", "id", id, "error", err)
	}
}

func upload(ctx context.Context, store blobstore.BlobStore, o *options, dir, id, name string) (FileInfo, error) {
	if err := o.rc.AcquireBackground(ctx); err != nil {
		return FileInfo{}, err
	}
	defer o.rc.ReleaseBackground()

	f, err := o.fs.OpenFile(filepath.Join(dir, name), os.O_RDONLY, 0)
	if err != nil {
		return FileInfo{}, err
	}
	defer f.Close()

	w, err := store.Create(ctx, objectName(id, name))
	if err != nil {
		return FileInfo{}, err
	}
	cw := &countingWriter{w: w}
	h := hash.NewCRC32C()

	n, err := func() (int64, error) {
		zw, err := compressor(o.codec, cw)
		if err != nil {
			return 0, err
		}
		src := resource.NewRateLimitedReader(ctx, f, o.rc)
		n, err := io.Copy(zw, io.TeeReader(src, h))
		if cerr := zw.Close(); err == nil {
			err = cerr
		}
		return n, err
	}()
	if err != nil {
		abort(w)
		return FileInfo{}, err
	}
	if err := w.Close(); err != nil {
		return FileInfo{}, err
	}
	return FileInfo{Name: name, Size: n, StoredSize: cw.n, CRC32C: h.Sum32()}, nil
}

// abort drops a partial upload. Stores without Abort publish nothing until
// Close, so the writer is simply left unclosed.
func abort(w blobstore.WritableBlob) {
	if a, ok := w.(interface{ Abort() error }); ok {
		_ = a.Abort()
	}
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

// Restore downloads a snapshot into dir, CURRENT unless WithSnapshot is
// given. Every file is verified before it replaces the local copy, and tree
// files that are not part of the snapshot are removed. The tree must not be
// open while Restore runs.
func Restore(ctx context.Context, store blobstore.BlobStore, dir string, opts ...Option) (*Manifest, error) {
	o := applyOptions(opts)
	start := time.Now()

	id := o.snapshotID
	if id == "" {
		var err error
		if id, err = CurrentID(ctx, store); err != nil {
			return nil, err
		}
	}
	m, err := Load(ctx, store, id)
	if err != nil {
		return nil, err
	}

	if err := o.fs.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.concurrency)
	for _, fi := range m.Files {
		g.Go(func() error {
			if err := download(gctx, store, &o, dir, m, fi); err != nil {
				return fmt.Errorf("backup: restore %s: %w", fi.Name, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	existing, err := treeFiles(o.fs, dir)
	if err != nil {
		return nil, err
	}
	for _, name := range existing {
		if !slices.ContainsFunc(m.Files, func(fi FileInfo) bool { return fi.Name == name }) {
			if err := o.fs.Remove(filepath.Join(dir, name)); err != nil {
				return nil, err
			}
		}
	}
	if err := fs.SyncDir(o.fs, dir); err != nil {
		return nil, err
	}

	o.logger.Info("backup snapshot restored",
		"id", m.ID, "dir", dir, "files", len(m.Files),
		"size", humanize.IBytes(uint64(m.TotalSize())), //nolint:gosec // sizes are non-negative
		"took", time.Since(start))
	return m, nil
}

func download(ctx context.Context, store blobstore.BlobStore, o *options, dir string, m *Manifest, fi FileInfo) (err error) {
	if err := o.rc.AcquireBackground(ctx); err != nil {
		return err
	}
	defer o.rc.ReleaseBackground()

	b, err := store.Open(ctx, objectName(m.ID, fi.Name))
	if err != nil {
		return err
	}
	defer b.Close()
	if b.Size() != fi.StoredSize {
		return fmt.Errorf("%w: object holds %d bytes, manifest records %d", ErrChecksumMismatch, b.Size(), fi.StoredSize)
	}

	var body io.Reader = bytes.NewReader(nil)
	if b.Size() > 0 {
		rc, err := b.ReadRange(ctx, 0, b.Size())
		if err != nil {
			return err
		}
		defer rc.Close()
		body = rc
	}
	dr, err := decompressor(m.Codec, resource.NewRateLimitedReader(ctx, body, o.rc))
	if err != nil {
		return err
	}
	defer dr.Close()

	tmp := filepath.Join(dir, fi.Name+restoreSuffix)
	f, err := o.fs.OpenFile(tmp, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = f.Close()
			_ = o.fs.Remove(tmp)
		}
	}()

	h := hash.NewCRC32C()
	n, err := io.Copy(io.MultiWriter(f, h), dr)
	if err != nil {
		return err
	}
	if n != fi.Size || h.Sum32() != fi.CRC32C {
		return fmt.Errorf("%w: got %d bytes crc %08x, want %d bytes crc %08x",
			ErrChecksumMismatch, n, h.Sum32(), fi.Size, fi.CRC32C)
	}
	if err = f.Sync(); err != nil {
		return err
	}
	if err = f.Close(); err != nil {
		return err
	}
	return o.fs.Rename(tmp, filepath.Join(dir, fi.Name))
}
