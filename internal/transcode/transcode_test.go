package transcode

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pair.drop/internal/storage"
)

// fakeKepubify writes a shell script standing in for kepubify. The body
// sees the same argv: -v -u -o <out> <in>.
func fakeKepubify(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("needs a POSIX shell")
	}
	p := filepath.Join(t.TempDir(), "kepubify")
	require.NoError(t, os.WriteFile(p, []byte("#!/bin/sh\n"+body+"\n"), 0o700))
	return p
}

func newDisk(t *testing.T) *storage.DiskStorage {
	t.Helper()
	d, err := storage.NewDiskStorage(t.TempDir(), false)
	require.NoError(t, err)
	return d
}

func TestCommand_TranscodeStoresOutput(t *testing.T) {
	disk := newDisk(t)
	ctx := context.Background()

	in, _, err := disk.Write(ctx, strings.NewReader("epub-bytes"), "book.epub")
	require.NoError(t, err)

	c := &Command{
		Path:    fakeKepubify(t, `{ cat "$5"; printf '%s' '-converted'; } > "$4"`),
		Timeout: 10 * time.Second,
		Storage: disk,
	}
	out, size, err := c.Transcode(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, int64(len("epub-bytes-converted")), size)
	assert.NotEqual(t, in, out)
	assert.True(t, strings.HasSuffix(out, ".kepub.epub"))

	rc, err := disk.Open(ctx, out)
	require.NoError(t, err)
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "epub-bytes-converted", string(data))

	_, err = disk.Open(ctx, in)
	assert.NoError(t, err, "input is left for the caller to delete")
}

func TestCommand_NonZeroExit(t *testing.T) {
	disk := newDisk(t)
	ctx := context.Background()

	in, _, err := disk.Write(ctx, strings.NewReader("x"), "book.epub")
	require.NoError(t, err)

	c := &Command{Path: fakeKepubify(t, "echo broken >&2; exit 3"), Storage: disk}
	_, _, err = c.Transcode(ctx, in)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "error code 3")
}

func TestCommand_Timeout(t *testing.T) {
	disk := newDisk(t)
	ctx := context.Background()

	in, _, err := disk.Write(ctx, strings.NewReader("x"), "book.epub")
	require.NoError(t, err)

	c := &Command{Path: fakeKepubify(t, "exec sleep 5"), Timeout: 100 * time.Millisecond, Storage: disk}
	start := time.Now()
	_, _, err = c.Transcode(ctx, in)
	assert.Error(t, err)
	assert.Less(t, time.Since(start), 4*time.Second)
}

func TestCommand_MissingInput(t *testing.T) {
	c := &Command{Path: "kepubify", Storage: newDisk(t)}
	_, _, err := c.Transcode(context.Background(), "missing.epub")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestOutputName(t *testing.T) {
	c := &Command{}
	assert.Equal(t, "Book.kepub.epub", c.OutputName("Book.epub"))
	assert.Equal(t, "Book.kepub.epub", c.OutputName("Book.EPUB"))
	assert.Equal(t, "Book.kepub.epub", c.OutputName("Book.kepub.epub"))
	assert.Equal(t, "Book.kepub.epub", c.OutputName("Book.KePub.Epub"))
}
