// Package storage holds the bytes of uploaded files. Sessions only ever
// see a Handle.
package storage

import (
	"context"
	"errors"
	"io"
	"path"
	"strings"

	"github.com/google/uuid"
)

// ErrNotFound is returned by Open for a handle that no longer exists.
var ErrNotFound = errors.New("stored file not found")

// Handle names one stored file. It is opaque outside this package.
type Handle = string

// Storage is implemented by every backend.
type Storage interface {
	// Write stores r and returns its handle and size. suggestedName only
	// contributes its extension.
	Write(ctx context.Context, r io.Reader, suggestedName string) (Handle, int64, error)
	Open(ctx context.Context, h Handle) (io.ReadCloser, error)
	// Delete removes h. Deleting a missing handle succeeds.
	Delete(ctx context.Context, h Handle) error
}

// newHandle returns a fresh object name that keeps the lower-cased
// extension(s) of suggestedName, e.g. "<uuid>.kepub.epub".
func newHandle(suggestedName string) Handle {
	return uuid.NewString() + extension(suggestedName)
}

func extension(name string) string {
	base := strings.ToLower(path.Base(strings.ReplaceAll(name, "\\", "/")))
	if strings.HasSuffix(base, ".kepub.epub") {
		return ".kepub.epub"
	}
	ext := path.Ext(base)
	if len(ext) > 16 || strings.ContainsAny(ext, " /") {
		return ""
	}
	return ext
}
