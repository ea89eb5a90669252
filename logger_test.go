package blockstore

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStructuredLogging(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	dir := t.TempDir()
	s, err := Open(dir, WithLogger(logger))
	require.NoError(t, err)

	ctx := context.Background()
	_, err = s.Put(ctx, 3, []byte("abc"))
	require.NoError(t, err)
	require.NoError(t, s.Flush(ctx))
	require.NoError(t, s.Close())

	out := buf.String()
	assert.Contains(t, out, `"msg":"load completed"`)
	assert.Contains(t, out, `"msg":"put completed"`)
	assert.Contains(t, out, `"msg":"flush completed"`)
	assert.Contains(t, out, `"dir":"`+dir)
	assert.Contains(t, out, `"items":"1"`)
}

func TestLoggerFailure(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(slog.NewTextHandler(&buf, nil))

	logger.LogAppend(context.Background(), 9, 4, false, errors.New("disk full"))
	logger.LogAppend(context.Background(), 9, 4, true, nil) // below info

	out := buf.String()
	assert.Contains(t, out, `msg="put failed"`)
	assert.Contains(t, out, `error="disk full"`)
	assert.NotContains(t, out, "added")
	assert.NotContains(t, out, "put completed")
}
