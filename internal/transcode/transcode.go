// Package transcode converts uploaded EPUBs into the Kobo-flavoured
// KEPUB format by shelling out to kepubify.
package transcode

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"time"

	"github.com/sirupsen/logrus"

	"pair.drop/internal/storage"
)

// Transcoder turns one stored file into another and reports the size of
// the result. The input handle is left alone; the caller decides when to
// delete it.
type Transcoder interface {
	Transcode(ctx context.Context, in storage.Handle) (storage.Handle, int64, error)
	// OutputName maps the uploaded file name to the name of the result.
	OutputName(name string) string
}

var _ Transcoder = (*Command)(nil)

// Command runs `<Path> -v -u -o <out> <in>` on a local copy of the input.
type Command struct {
	Path    string
	Timeout time.Duration
	Storage storage.Storage
}

func (c *Command) Transcode(ctx context.Context, in storage.Handle) (storage.Handle, int64, error) {
	dir, err := os.MkdirTemp("", "kepubify-*")
	if err != nil {
		return "", 0, err
	}
	defer os.RemoveAll(dir)

	inPath := filepath.Join(dir, "in.epub")
	outPath := filepath.Join(dir, "out.kepub.epub")

	if err := c.fetch(ctx, in, inPath); err != nil {
		return "", 0, fmt.Errorf("staging input: %w", err)
	}

	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	var output bytes.Buffer
	cmd := exec.CommandContext(ctx, c.Path, "-v", "-u", "-o", outPath, inPath)
	cmd.Stdout = &output
	cmd.Stderr = &output
	cmd.WaitDelay = time.Second

	start := time.Now()
	err = cmd.Run()
	fields := logrus.Fields{
		"command":  c.Path,
		"input":    in,
		"duration": time.Since(start),
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			err = fmt.Errorf("%s error code %d", filepath.Base(c.Path), exitErr.ExitCode())
		}
		logrus.WithFields(fields).WithError(err).WithField("output", tail(output.String(), 2048)).Error("Transcode failed")
		return "", 0, err
	}
	logrus.WithFields(fields).Debug("Transcode finished")

	f, err := os.Open(outPath)
	if err != nil {
		return "", 0, fmt.Errorf("reading output: %w", err)
	}
	defer f.Close()

	h, n, err := c.Storage.Write(ctx, f, "out.kepub.epub")
	if err != nil {
		return "", 0, fmt.Errorf("storing output: %w", err)
	}
	return h, n, nil
}

var (
	kepubSuffix = regexp.MustCompile(`(?i)\.kepub\.epub$`)
	epubSuffix  = regexp.MustCompile(`(?i)\.epub$`)
)

// OutputName turns "Book.epub" and "Book.kepub.epub" into "Book.kepub.epub".
func (c *Command) OutputName(name string) string {
	name = kepubSuffix.ReplaceAllString(name, ".epub")
	return epubSuffix.ReplaceAllString(name, ".kepub.epub")
}

func (c *Command) fetch(ctx context.Context, h storage.Handle, dst string) error {
	rc, err := c.Storage.Open(ctx, h)
	if err != nil {
		return err
	}
	defer rc.Close()

	f, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, rc); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
