package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
)

var _ Storage = (*DiskStorage)(nil)

// DiskStorage keeps files in a single directory it owns.
type DiskStorage struct {
	dir string
}

// NewDiskStorage prepares dir. With wipe set, anything left by a previous
// run is removed first; sessions never survive a restart, so neither
// should their files.
func NewDiskStorage(dir string, wipe bool) (*DiskStorage, error) {
	if wipe {
		if err := os.RemoveAll(dir); err != nil {
			return nil, fmt.Errorf("clearing upload dir: %w", err)
		}
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating upload dir: %w", err)
	}
	return &DiskStorage{dir: dir}, nil
}

func (d *DiskStorage) Write(ctx context.Context, r io.Reader, suggestedName string) (Handle, int64, error) {
	h := newHandle(suggestedName)
	p := filepath.Join(d.dir, h)

	f, err := os.OpenFile(p, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return "", 0, err
	}

	n, err := io.Copy(f, contextReader{ctx: ctx, r: r})
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(p)
		return "", 0, err
	}
	return h, n, nil
}

func (d *DiskStorage) Open(ctx context.Context, h Handle) (io.ReadCloser, error) {
	p, err := d.path(h)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	return f, err
}

func (d *DiskStorage) Delete(ctx context.Context, h Handle) error {
	p, err := d.path(h)
	if err != nil {
		return err
	}
	logrus.WithField("path", p).Debug("Deleting file")
	if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func (d *DiskStorage) path(h Handle) (string, error) {
	if h == "" || strings.ContainsAny(h, `/\`) || h == "." || h == ".." {
		return "", fmt.Errorf("invalid handle %q", h)
	}
	return filepath.Join(d.dir, h), nil
}

// contextReader stops a copy once ctx is done.
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
