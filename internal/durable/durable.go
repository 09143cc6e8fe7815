// Package durable provides a best-effort persisted value backed by a single
// JSON file.
//
// A [File] never silently drops errors: [File.Load] distinguishes "absent"
// from "unreadable", and [File.Save] failures wrap [ErrSaveFailed] so callers
// can keep their in-memory state and report the failure as recoverable.
package durable

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
)

// ErrSaveFailed wraps every write failure returned by [File.Save].
var ErrSaveFailed = errors.New("durable: save failed")

// File is a JSON document of type T stored at a fixed path. Writes are
// atomic (temp file + rename). File is safe for concurrent use; concurrent
// saves are last-writer-wins.
type File[T any] struct {
	path string
	mu   sync.Mutex
}

// New returns a File for path. The file and its parent directory need not
// exist yet.
func New[T any](path string) *File[T] {
	return &File[T]{path: path}
}

// Path returns the file location.
func (f *File[T]) Path() string { return f.path }

// Load reads the stored value. ok is false (with a nil error) when the file
// does not exist. A present but undecodable file returns an error.
func (f *File[T]) Load() (v T, ok bool, err error) {
	data, err := os.ReadFile(f.path)
	if errors.Is(err, fs.ErrNotExist) {
		return v, false, nil
	}
	if err != nil {
		return v, false, fmt.Errorf("durable: read %s: %w", f.path, err)
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return v, false, fmt.Errorf("durable: decode %s: %w", f.path, err)
	}
	return v, true, nil
}

// Save atomically replaces the stored value. Every failure wraps
// [ErrSaveFailed].
func (f *File[T]) Save(v T) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: encode %s: %v", ErrSaveFailed, f.path, err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if err := WriteAtomic(f.path, data); err != nil {
		return fmt.Errorf("%w: %v", ErrSaveFailed, err)
	}
	return nil
}

// WriteAtomic writes data to path via a uniquely named sibling temp file and
// a rename, creating the parent directory when needed.
func WriteAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("durable: mkdir %s: %w", dir, err)
	}
	tmp := filepath.Join(dir, "."+filepath.Base(path)+"."+uuid.NewString()+".tmp")
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("durable: write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("durable: rename %s: %w", path, err)
	}
	return nil
}
