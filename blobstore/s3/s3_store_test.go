package s3

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/blockstore/blobstore"
)

// TestStore_Integration runs against the bucket named by S3_BUCKET using the
// default credential chain.
func TestStore_Integration(t *testing.T) {
	bucket := os.Getenv("S3_BUCKET")
	if bucket == "" {
		t.Skip("S3_BUCKET not set")
	}

	ctx := context.Background()
	s, err := New(ctx, bucket, fmt.Sprintf("blockstore-it/%d", time.Now().UnixNano()),
		WithUploadConfig(UploadConfig{PartSize: 5 << 20, Concurrency: 2, EnableChecksum: true}),
	)
	require.NoError(t, err)

	// Larger than one part so Create goes through a multipart upload.
	leaf := bytes.Repeat([]byte("0123456789abcdef"), (6<<20)/16)

	w, err := s.Create(ctx, "snapshots/a/1.leaf")
	require.NoError(t, err)
	_, err = io.Copy(w, bytes.NewReader(leaf))
	require.NoError(t, err)
	require.NoError(t, w.Close())
	require.NoError(t, s.Put(ctx, "CURRENT", []byte("a")))

	b, err := s.Open(ctx, "snapshots/a/1.leaf")
	require.NoError(t, err)
	assert.Equal(t, int64(len(leaf)), b.Size())

	buf := make([]byte, 32)
	_, err = b.ReadAt(ctx, buf, 5<<20)
	require.NoError(t, err)
	assert.Equal(t, leaf[5<<20:5<<20+32], buf)
	require.NoError(t, b.Close())

	require.ErrorIs(t, s.PutIfNotExists(ctx, "CURRENT", []byte("b")), ErrConflict)
	current, err := blobstore.ReadAll(ctx, s, "CURRENT")
	require.NoError(t, err)
	assert.Equal(t, "a", string(current))

	names, err := s.List(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"CURRENT", "snapshots/a/1.leaf"}, names)

	for _, name := range names {
		require.NoError(t, s.Delete(ctx, name))
	}
	_, err = s.Open(ctx, "CURRENT")
	assert.ErrorIs(t, err, blobstore.ErrNotFound)
}
