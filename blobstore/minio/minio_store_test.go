package minio

import (
	"context"
	"fmt"
	"io"
	"os"
	"testing"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/blockstore/blobstore"
)

// testClient connects to MINIO_ENDPOINT (default localhost:9000) and skips
// the test when no server answers.
func testClient(t *testing.T) (*minio.Client, string) {
	t.Helper()
	endpoint := os.Getenv("MINIO_ENDPOINT")
	if endpoint == "" {
		endpoint = "localhost:9000"
	}
	client, err := minio.New(endpoint, &minio.Options{
		Creds: credentials.NewStaticV4("minioadmin", "minioadmin", ""),
	})
	if err != nil {
		t.Skipf("minio client: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := client.ListBuckets(ctx); err != nil {
		t.Skipf("minio not reachable at %s: %v", endpoint, err)
	}

	const bucket = "blockstore-test"
	ok, err := client.BucketExists(ctx, bucket)
	require.NoError(t, err)
	if !ok {
		require.NoError(t, client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}))
	}
	return client, bucket
}

func TestStore_Integration(t *testing.T) {
	client, bucket := testClient(t)
	ctx := context.Background()
	s := NewStore(client, bucket, fmt.Sprintf("/run-%d", time.Now().UnixNano()), WithPartSize(5<<20))

	leaf := []byte("slotted page bytes of leaf 3")
	require.NoError(t, s.Put(ctx, "snapshots/a/3.leaf", leaf))

	w, err := s.Create(ctx, "snapshots/a/MANIFEST")
	require.NoError(t, err)
	_, err = io.WriteString(w, `{"id":"a"}`)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	got, err := blobstore.ReadAll(ctx, s, "snapshots/a/3.leaf")
	require.NoError(t, err)
	assert.Equal(t, leaf, got)

	b, err := s.Open(ctx, "snapshots/a/3.leaf")
	require.NoError(t, err)
	r, err := b.ReadRange(ctx, 8, 4)
	require.NoError(t, err)
	part, err := io.ReadAll(r)
	require.NoError(t, err)
	require.NoError(t, r.Close())
	assert.Equal(t, "page", string(part))

	buf := make([]byte, 8)
	n, err := b.ReadAt(ctx, buf, int64(len(leaf)-4))
	assert.ErrorIs(t, err, io.EOF)
	assert.Equal(t, "af 3", string(buf[:n]))
	require.NoError(t, b.Close())

	names, err := s.List(ctx, "snapshots/")
	require.NoError(t, err)
	assert.Equal(t, []string{"snapshots/a/3.leaf", "snapshots/a/MANIFEST"}, names)

	aborted, err := s.Create(ctx, "snapshots/b/1.leaf")
	require.NoError(t, err)
	_, _ = aborted.Write([]byte("partial"))
	require.NoError(t, aborted.(interface{ Abort() error }).Abort())
	_, err = s.Open(ctx, "snapshots/b/1.leaf")
	assert.ErrorIs(t, err, blobstore.ErrNotFound)

	for _, name := range names {
		require.NoError(t, s.Delete(ctx, name))
	}
	require.NoError(t, s.Delete(ctx, "snapshots/a/3.leaf"), "missing objects are ignored")
	_, err = s.Open(ctx, "snapshots/a/3.leaf")
	assert.ErrorIs(t, err, blobstore.ErrNotFound)
}

func TestNormalizePrefix(t *testing.T) {
	tests := map[string]string{
		"":             "",
		"/":            "",
		"trees":        "trees/",
		"/trees/a":     "trees/a/",
		"trees/a/":     "trees/a/",
		"//nested/x//": "nested/x//",
	}
	for in, want := range tests {
		assert.Equal(t, want, normalizePrefix(in), in)
	}

	s := NewStore(nil, "bucket", "root", WithPartSize(0))
	assert.Equal(t, "root/CURRENT", s.key("CURRENT"))
	assert.Equal(t, "CURRENT", s.name("root/CURRENT"))
	assert.Equal(t, uint64(DefaultPartSize), s.partSize)
}
