package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/hupe1980/blockstore/blobstore"
)

// ErrConflict is returned by PutIfNotExists when the object already exists.
var ErrConflict = errors.New("s3: object already exists")

// Option configures a Store.
type Option func(*storeOptions)

type storeOptions struct {
	upload UploadConfig
	region string
}

func newStoreOptions(optFns []Option) storeOptions {
	o := storeOptions{upload: DefaultUploadConfig()}
	for _, fn := range optFns {
		fn(&o)
	}
	return o
}

// WithUploadConfig overrides the multipart upload settings.
func WithUploadConfig(cfg UploadConfig) Option {
	return func(o *storeOptions) {
		o.upload = cfg
	}
}

// WithRegion sets the region used by New.
func WithRegion(region string) Option {
	return func(o *storeOptions) {
		o.region = region
	}
}

// Store is a blobstore.BlobStore whose blobs are the objects below one key
// prefix of a bucket.
type Store struct {
	client   Client
	uploader *manager.Uploader
	bucket   string
	root     string
	checksum bool
}

var _ blobstore.BlobStore = (*Store)(nil)

// New loads the default AWS configuration chain and returns a Store for
// bucket/root.
func New(ctx context.Context, bucket, root string, optFns ...Option) (*Store, error) {
	o := newStoreOptions(optFns)

	var loadOpts []func(*config.LoadOptions) error
	if o.region != "" {
		loadOpts = append(loadOpts, config.WithRegion(o.region))
	}
	cfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("s3: load config: %w", err)
	}
	return NewStore(s3.NewFromConfig(cfg), bucket, root, optFns...), nil
}

// NewStore returns a Store that keeps blob name at key root/name.
func NewStore(client Client, bucket, root string, optFns ...Option) *Store {
	o := newStoreOptions(optFns)
	return &Store{
		client:   client,
		uploader: newUploader(client, o.upload),
		bucket:   bucket,
		root:     normalizePrefix(root),
		checksum: o.upload.EnableChecksum,
	}
}

func (s *Store) key(name string) string {
	return s.root + name
}

// Open reads the object size and ETag; reads issue ranged GETs against
// that ETag so a replaced object fails instead of mixing versions.
func (s *Store) Open(ctx context.Context, name string) (blobstore.Blob, error) {
	key := s.key(name)
	head, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	switch {
	case isNotFound(err):
		return nil, fmt.Errorf("s3: open %s: %w", name, blobstore.ErrNotFound)
	case err != nil:
		return nil, fmt.Errorf("s3: head %s: %w", name, err)
	}
	return &object{
		client: s.client,
		bucket: s.bucket,
		key:    key,
		size:   aws.ToInt64(head.ContentLength),
		etag:   aws.ToString(head.ETag),
	}, nil
}

// Create streams the blob through the upload manager.
func (s *Store) Create(ctx context.Context, name string) (blobstore.WritableBlob, error) {
	return newStreamingWritableBlob(ctx, s.uploader, s.bucket, s.key(name), s.checksum), nil
}

// Put uploads data in one request.
func (s *Store) Put(ctx context.Context, name string, data []byte) error {
	return putWithChecksum(ctx, s.client, s.bucket, s.key(name), data, nil)
}

// PutIfNotExists uploads data only if name does not exist yet and returns
// ErrConflict otherwise.
func (s *Store) PutIfNotExists(ctx context.Context, name string, data []byte) error {
	err := putWithChecksum(ctx, s.client, s.bucket, s.key(name), data, aws.String("*"))
	if isConflict(err) {
		return fmt.Errorf("%w: %s", ErrConflict, name)
	}
	return err
}

// Delete removes name. S3 reports success for missing keys.
func (s *Store) Delete(ctx context.Context, name string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(name)),
	})
	if err != nil {
		return fmt.Errorf("s3: delete %s: %w", name, err)
	}
	return nil
}

// List returns the sorted names below prefix.
func (s *Store) List(ctx context.Context, prefix string) ([]string, error) {
	pages := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(s.key(prefix)),
	})

	var names []string
	for pages.HasMorePages() {
		page, err := pages.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("s3: list %s: %w", prefix, err)
		}
		for _, obj := range page.Contents {
			name, ok := strings.CutPrefix(aws.ToString(obj.Key), s.root)
			if ok && name != "" {
				names = append(names, name)
			}
		}
	}
	slices.Sort(names)
	return names, nil
}

// object is an opened S3 object.
type object struct {
	client Client
	bucket string
	key    string
	size   int64
	etag   string
}

func (o *object) Size() int64  { return o.size }
func (o *object) Close() error { return nil }

func (o *object) ReadAt(ctx context.Context, p []byte, off int64) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	body, err := o.ReadRange(ctx, off, int64(len(p)))
	if err != nil {
		return 0, err
	}
	defer func() { _ = body.Close() }()

	want := min(int64(len(p)), o.size-off)
	n, err := io.ReadFull(body, p[:want])
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
		return nil, fmt.Errorf("s3: invalid range %d+%d", off, length)
	}
	if off >= o.size {
		return nil, io.EOF
	}
	if length == 0 {
		return io.NopCloser(bytes.NewReader(nil)), nil
	}
	end := min(off+length, o.size)

	in := &s3.GetObjectInput{
		Bucket: aws.String(o.bucket),
		Key:    aws.String(o.key),
		Range:  aws.String(fmt.Sprintf("bytes=%d-%d", off, end-1)),
	}
	if o.etag != "" {
		in.IfMatch = aws.String(o.etag)
	}
	out, err := o.client.GetObject(ctx, in)
	if err != nil {
		return nil, fmt.Errorf("s3: get %s: %w", o.key, err)
	}
	return out.Body, nil
}
