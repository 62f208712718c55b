package storage

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDiskStorage_WriteOpenDelete(t *testing.T) {
	d, err := NewDiskStorage(t.TempDir(), false)
	require.NoError(t, err)
	ctx := context.Background()

	h, n, err := d.Write(ctx, strings.NewReader("hello"), "My Book.EPUB")
	require.NoError(t, err)
	assert.Equal(t, int64(5), n)
	assert.True(t, strings.HasSuffix(h, ".epub"), "handle %q keeps the extension", h)

	rc, err := d.Open(ctx, h)
	require.NoError(t, err)
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	assert.Equal(t, "hello", string(data))

	require.NoError(t, d.Delete(ctx, h))
	require.NoError(t, d.Delete(ctx, h), "second delete must succeed")

	_, err = d.Open(ctx, h)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDiskStorage_HandlesAreUnique(t *testing.T) {
	d, err := NewDiskStorage(t.TempDir(), false)
	require.NoError(t, err)

	h1, _, err := d.Write(context.Background(), strings.NewReader("a"), "a.epub")
	require.NoError(t, err)
	h2, _, err := d.Write(context.Background(), strings.NewReader("b"), "a.epub")
	require.NoError(t, err)
	assert.NotEqual(t, h1, h2)
}

func TestDiskStorage_WipeRemovesLeftovers(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "uploads")
	require.NoError(t, os.MkdirAll(dir, 0o700))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "stale.epub"), []byte("x"), 0o600))

	_, err := NewDiskStorage(dir, true)
	require.NoError(t, err)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestDiskStorage_RejectsPathHandles(t *testing.T) {
	d, err := NewDiskStorage(t.TempDir(), false)
	require.NoError(t, err)

	_, err = d.Open(context.Background(), "../etc/passwd")
	assert.Error(t, err)
	assert.Error(t, d.Delete(context.Background(), ".."))
}

func TestDiskStorage_CanceledWriteLeavesNothing(t *testing.T) {
	dir := t.TempDir()
	d, err := NewDiskStorage(dir, false)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, _, err = d.Write(ctx, strings.NewReader("data"), "a.epub")
	assert.ErrorIs(t, err, context.Canceled)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestExtension(t *testing.T) {
	assert.Equal(t, ".epub", extension("Book.EPUB"))
	assert.Equal(t, ".kepub.epub", extension("dir/Book.kepub.epub"))
	assert.Equal(t, ".epub", extension(`C:\Users\me\Book.epub`))
	assert.Equal(t, "", extension("README"))
}
