package local

import (
	"bytes"
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tessera/runtime/fault"
)

func TestPutGetRoundTrip(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	path := "infospace/1/reports/q1.pdf"
	require.NoError(t, s.Put(ctx, path, bytes.NewReader([]byte("first"))))
	require.NoError(t, s.Put(ctx, path, bytes.NewReader([]byte("second"))))

	rc, err := s.Get(ctx, path)
	require.NoError(t, err)
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	assert.Equal(t, "second", string(data))

	ok, err := s.Exists(ctx, path)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestDeleteRemovesBlob(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "a/b.txt", bytes.NewReader([]byte("x"))))
	require.NoError(t, s.Delete(ctx, "a/b.txt"))

	ok, err := s.Exists(ctx, "a/b.txt")
	require.NoError(t, err)
	assert.False(t, ok)

	err = s.Delete(ctx, "a/b.txt")
	assert.True(t, fault.IsKind(err, fault.KindNotFound))
}

func TestGetMissingIsNotFound(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)

	_, err = s.Get(context.Background(), "nope.bin")
	assert.True(t, fault.IsKind(err, fault.KindNotFound))
}

func TestEscapingPathsRejected(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	for _, path := range []string{"", "../outside.txt", "a/../../outside.txt", "/etc/passwd"} {
		err := s.Put(ctx, path, bytes.NewReader(nil))
		assert.True(t, fault.IsKind(err, fault.KindValidation), "path %q", path)
	}
}
