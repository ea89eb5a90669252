package minio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"
	"sync"

	"github.com/minio/minio-go/v7"

	"github.com/hupe1980/blockstore/blobstore"
)

// DefaultPartSize is the multipart chunk size used by Create.
const DefaultPartSize = 16 << 20

const contentType = "application/octet-stream"

var errAborted = errors.New("minio: upload aborted")

// Option configures a Store.
type Option func(*Store)

// WithPartSize sets the multipart chunk size for streamed uploads.
func WithPartSize(n uint64) Option {
	return func(s *Store) {
		if n > 0 {
			s.partSize = n
		}
	}
}

// Store is a blobstore.BlobStore over one prefix of a MinIO bucket.
type Store struct {
	client   *minio.Client
	bucket   string
	root     string
	partSize uint64
}

var _ blobstore.BlobStore = (*Store)(nil)

// NewStore returns a Store that keeps blob name at key root/name.
func NewStore(client *minio.Client, bucket, root string, opts ...Option) *Store {
	s := &Store{
		client:   client,
		bucket:   bucket,
		root:     normalizePrefix(root),
		partSize: DefaultPartSize,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func normalizePrefix(p string) string {
	p = strings.TrimLeft(p, "/")
	if p == "" || strings.HasSuffix(p, "/") {
		return p
	}
	return p + "/"
}

func (s *Store) key(name string) string {
	return s.root + name
}

func (s *Store) name(key string) string {
	return strings.TrimPrefix(key, s.root)
}

func isNotFound(err error) bool {
	code := minio.ToErrorResponse(err).Code
	return code == "NoSuchKey" || code == "NotFound"
}

// Open stats the object; reads are ranged GETs pinned to its ETag.
func (s *Store) Open(ctx context.Context, name string) (blobstore.Blob, error) {
	key := s.key(name)
	info, err := s.client.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{})
	switch {
	case err == nil:
	case isNotFound(err):
		return nil, fmt.Errorf("minio: open %s: %w", name, blobstore.ErrNotFound)
	default:
		return nil, fmt.Errorf("minio: stat %s: %w", name, err)
	}
	return &object{store: s, key: key, size: info.Size, etag: info.ETag}, nil
}

// Put uploads data in one request with a Content-MD5 header.
func (s *Store) Put(ctx context.Context, name string, data []byte) error {
	_, err := s.client.PutObject(ctx, s.bucket, s.key(name), bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType:    contentType,
		SendContentMd5: true,
	})
	if err != nil {
		return fmt.Errorf("minio: put %s: %w", name, err)
	}
	return nil
}

// Create streams writes into a multipart upload. The object appears when
// Close returns nil.
func (s *Store) Create(ctx context.Context, name string) (blobstore.WritableBlob, error) {
	ctx, cancel := context.WithCancel(ctx)
	pr, pw := io.Pipe()
	u := &upload{pw: pw, cancel: cancel, done: make(chan error, 1)}

	go func() {
		_, err := s.client.PutObject(ctx, s.bucket, s.key(name), pr, -1, minio.PutObjectOptions{
			ContentType: contentType,
			PartSize:    s.partSize,
		})
		_ = pr.CloseWithError(err)
		u.done <- err
	}()
	return u, nil
}

// Delete removes name. Missing objects are ignored.
func (s *Store) Delete(ctx context.Context, name string) error {
	err := s.client.RemoveObject(ctx, s.bucket, s.key(name), minio.RemoveObjectOptions{})
	if err == nil || isNotFound(err) {
		return nil
	}
	return fmt.Errorf("minio: delete %s: %w", name, err)
}

// List returns the sorted names below prefix.
func (s *Store) List(ctx context.Context, prefix string) ([]string, error) {
	objects := s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{
		Prefix:    s.key(prefix),
		Recursive: true,
	})

	var names []string
	for obj := range objects {
		if obj.Err != nil {
			return nil, fmt.Errorf("minio: list %s: %w", prefix, obj.Err)
		}
		if name := s.name(obj.Key); name != "" {
			names = append(names, name)
		}
	}
	slices.Sort(names)
	return names, nil
}

// object is an opened MinIO object.
type object struct {
	store *Store
	key   string
	size  int64
	etag  string
}

func (o *object) Size() int64  { return o.size }
func (o *object) Close() error { return nil }

func (o *object) ReadAt(ctx context.Context, p []byte, off int64) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	r, err := o.ReadRange(ctx, off, int64(len(p)))
	if err != nil {
		return 0, err
	}
	defer r.Close()

	n, err := io.ReadFull(r, p[:min(int64(len(p)), o.size-off)])
	if err != nil {
		return n, err
	}
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (o *object) ReadRange(ctx context.Context, off, length int64) (io.ReadCloser, error) {
	if off < 0 || length < 0 {
		return nil, fmt.Errorf("minio: invalid range %d+%d", off, length)
	}
	if off >= o.size {
		return nil, io.EOF
	}
	if length == 0 {
		return io.NopCloser(bytes.NewReader(nil)), nil
	}

	var opts minio.GetObjectOptions
	if err := opts.SetRange(off, min(off+length, o.size)-1); err != nil {
		return nil, err
	}
	if o.etag != "" {
		if err := opts.SetMatchETag(o.etag); err != nil {
			return nil, err
		}
	}
	obj, err := o.store.client.GetObject(ctx, o.store.bucket, o.key, opts)
	if err != nil {
		return nil, fmt.Errorf("minio: get %s: %w", o.key, err)
	}
	return obj, nil
}

// upload is a streamed PutObject fed through a pipe.
type upload struct {
	pw     *io.PipeWriter
	cancel context.CancelFunc
	done   chan error

	once sync.Once
	err  error
}

func (u *upload) Write(p []byte) (int, error) {
	return u.pw.Write(p)
}

// Sync is a no-op; parts are flushed by the client.
func (u *upload) Sync() error {
	return nil
}

// Close completes the upload. Later calls return the same result.
func (u *upload) Close() error {
	u.finish(nil)
	return u.err
}

// Abort cancels the upload. The object is not created.
func (u *upload) Abort() error {
	u.finish(errAborted)
	return nil
}

func (u *upload) finish(cause error) {
	u.once.Do(func() {
		defer u.cancel()
		if cause != nil {
			_ = u.pw.CloseWithError(cause)
			u.cancel()
			<-u.done
			u.err = cause
			return
		}
		if err := u.pw.Close(); err != nil {
			u.err = err
			return
		}
		u.err = <-u.done
	})
}
