package storage

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStoreLifecycle(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	require.NoError(t, s.Put(ctx, "staging/a.csv", strings.NewReader("pn\nA\n"), 6))
	ok, err := s.Exists(ctx, "staging/a.csv")
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, s.Move(ctx, "staging/a.csv", "uploads/a.csv"))
	ok, _ = s.Exists(ctx, "staging/a.csv")
	assert.False(t, ok)
	assert.Equal(t, []string{"uploads/a.csv"}, s.Keys())

	assert.ErrorIs(t, s.Move(ctx, "missing", "x"), ErrNotFound)
	_, err = s.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.Delete(ctx, "uploads/a.csv"))
	assert.Empty(t, s.Keys())
}

func TestDownloadAndPutFile(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.Put(ctx, "uploads/b1/x/parts.csv", strings.NewReader("hello"), 5))

	dir := t.TempDir()
	local, err := Download(ctx, s, "uploads/b1/x/parts.csv", dir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "parts.csv"), local)
	data, err := os.ReadFile(local)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))

	require.NoError(t, PutFile(ctx, s, "copies/parts.csv", local))
	ok, _ := s.Exists(ctx, "copies/parts.csv")
	assert.True(t, ok)

	_, err = Download(ctx, s, "nope", dir)
	assert.ErrorIs(t, err, ErrNotFound)
}
