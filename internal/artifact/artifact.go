// Package artifact fetches model weights and voice tables from a remote
// artifact store into a local directory.
//
// Fetches are idempotent: a file that already exists locally is never
// downloaded again. Downloads are written to a temp file and renamed into
// place so an interrupted fetch never leaves a truncated artifact behind.
package artifact

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

// ErrNotFound is returned when the remote store has no such artifact.
var ErrNotFound = errors.New("artifact: not found")

// Fetcher makes a remote artifact available locally.
type Fetcher interface {
	// Fetch returns the local path of filename from repo, downloading it
	// first if it is not present yet.
	Fetch(ctx context.Context, repo, filename string) (string, error)
}

// localPath maps (repo, filename) to a path under dir. Path traversal in
// either component is rejected.
func localPath(dir, repo, filename string) (string, error) {
	for _, part := range []string{repo, filename} {
		if part == "" || strings.Contains(part, "..") || filepath.IsAbs(part) {
			return "", fmt.Errorf("artifact: invalid path component %q", part)
		}
	}
	return filepath.Join(dir, filepath.FromSlash(repo), filepath.FromSlash(filename)), nil
}

// exists reports whether path is a regular file.
func exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

// store copies r into dest atomically and logs the transfer.
func store(dest string, r io.Reader, source string) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("artifact: mkdir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(dest), "."+filepath.Base(dest)+".*.part")
	if err != nil {
		return fmt.Errorf("artifact: create temp: %w", err)
	}
	defer os.Remove(tmp.Name())

	start := time.Now()
	n, err := io.Copy(tmp, r)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("artifact: download %s: %w", source, err)
	}
	if err := os.Rename(tmp.Name(), dest); err != nil {
		return fmt.Errorf("artifact: rename: %w", err)
	}

	slog.Info("artifact downloaded",
		"source", source,
		"path", dest,
		"size", humanize.Bytes(uint64(n)),
		"duration", time.Since(start).Round(time.Millisecond),
	)
	return nil
}
