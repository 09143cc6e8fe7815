package resultcache

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"

	"github.com/MrWong99/voxbridge/internal/durable"
)

// DiskStore keeps one file per entry under a directory. The creation time is
// the file's modification time. With compression enabled, bodies are
// zstd-encoded and stored as <key>.wav.zst; plain entries are <key>.wav.
type DiskStore struct {
	dir string
	enc *zstd.Encoder
	dec *zstd.Decoder
}

// DiskOption configures a [DiskStore].
type DiskOption func(*DiskStore) error

// WithCompression enables zstd compression of stored entries.
func WithCompression() DiskOption {
	return func(s *DiskStore) error {
		enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			return fmt.Errorf("resultcache: zstd encoder: %w", err)
		}
		dec, err := zstd.NewReader(nil)
		if err != nil {
			return fmt.Errorf("resultcache: zstd decoder: %w", err)
		}
		s.enc, s.dec = enc, dec
		return nil
	}
}

// NewDiskStore creates dir if needed and returns a store rooted there.
func NewDiskStore(dir string, opts ...DiskOption) (*DiskStore, error) {
	if dir == "" {
		return nil, errors.New("resultcache: directory must not be empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("resultcache: mkdir %s: %w", dir, err)
	}
	s := &DiskStore{dir: dir}
	for _, o := range opts {
		if err := o(s); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *DiskStore) path(key string) string {
	if s.enc != nil {
		return filepath.Join(s.dir, key+".wav.zst")
	}
	return filepath.Join(s.dir, key+".wav")
}

// Get implements [Store].
func (s *DiskStore) Get(_ context.Context, key string) (Entry, bool, error) {
	p := s.path(key)
	data, err := os.ReadFile(p)
	if errors.Is(err, fs.ErrNotExist) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, err
	}
	info, err := os.Stat(p)
	if err != nil {
		return Entry{}, false, err
	}
	if s.dec != nil {
		if data, err = s.dec.DecodeAll(data, nil); err != nil {
			return Entry{}, false, fmt.Errorf("decompress %s: %w", key, err)
		}
	}
	return Entry{Audio: data, CreatedAt: info.ModTime()}, true, nil
}

// Put implements [Store]. Writes are atomic.
func (s *DiskStore) Put(_ context.Context, key string, e Entry) error {
	data := e.Audio
	if s.enc != nil {
		data = s.enc.EncodeAll(data, make([]byte, 0, len(data)/2))
	}
	p := s.path(key)
	if err := durable.WriteAtomic(p, data); err != nil {
		return err
	}
	if !e.CreatedAt.IsZero() {
		_ = os.Chtimes(p, e.CreatedAt, e.CreatedAt)
	}
	return nil
}

// Close implements [Store].
func (s *DiskStore) Close() error {
	if s.enc != nil {
		_ = s.enc.Close()
		s.dec.Close()
	}
	return nil
}
