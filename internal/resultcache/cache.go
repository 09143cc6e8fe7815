// Package resultcache is a content-addressed store for synthesized audio.
//
// Keys are a SHA-256 over the normalized text, the voice id and the backend
// identifier, so identical synthesis inputs always map to the same entry.
// Entries are append-only and never invalidated. There is no locking around
// computation: two concurrent misses on the same key both compute and the
// second write replaces the first with identical bytes.
package resultcache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"

	"github.com/MrWong99/voxbridge/internal/observe"
)

// ErrInvalidKey is returned for keys that are not produced by [Key].
var ErrInvalidKey = errors.New("resultcache: invalid key")

// Entry is one cached synthesis result.
type Entry struct {
	Audio     []byte
	CreatedAt time.Time
}

// Store is a durable key → entry mapping. Get reports ok=false for absent
// keys. Implementations must be safe for concurrent use.
type Store interface {
	Get(ctx context.Context, key string) (Entry, bool, error)
	Put(ctx context.Context, key string, e Entry) error
	Close() error
}

// Key returns the cache key for a synthesis input.
func Key(text, voiceID, backend string) string {
	h := sha256.New()
	h.Write([]byte(NormalizeText(text)))
	h.Write([]byte{0})
	h.Write([]byte(voiceID))
	h.Write([]byte{0})
	h.Write([]byte(backend))
	return hex.EncodeToString(h.Sum(nil))
}

// ValidKey reports whether key has the shape produced by [Key].
func ValidKey(key string) bool {
	if len(key) != sha256.Size*2 {
		return false
	}
	_, err := hex.DecodeString(key)
	return err == nil
}

// NormalizeText applies Unicode NFC, trims and collapses runs of whitespace.
func NormalizeText(text string) string {
	return strings.Join(strings.Fields(norm.NFC.String(text)), " ")
}

// Cache wraps a [Store] with compute-on-miss semantics.
type Cache struct {
	store   Store
	metrics *observe.Metrics
	now     func() time.Time
}

// Option configures a [Cache].
type Option func(*Cache)

// WithMetrics records lookups on m instead of the package default.
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Cache) { c.metrics = m }
}

// New returns a Cache over store.
func New(store Store, opts ...Option) *Cache {
	c := &Cache{store: store, now: time.Now}
	for _, o := range opts {
		o(c)
	}
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}
	return c
}

// Get returns the cached audio for key.
func (c *Cache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if !ValidKey(key) {
		return nil, false, ErrInvalidKey
	}
	e, ok, err := c.store.Get(ctx, key)
	if err != nil {
		return nil, false, fmt.Errorf("resultcache: get: %w", err)
	}
	return e.Audio, ok, nil
}

// Put stores audio under key.
func (c *Cache) Put(ctx context.Context, key string, audio []byte) error {
	if !ValidKey(key) {
		return ErrInvalidKey
	}
	if err := c.store.Put(ctx, key, Entry{Audio: audio, CreatedAt: c.now().UTC()}); err != nil {
		return fmt.Errorf("resultcache: put: %w", err)
	}
	return nil
}

// GetOrCompute returns the cached audio for key, or runs compute, stores its
// result and returns it. hit reports whether compute was skipped. A compute
// error is returned unchanged and nothing is stored. A failure to store a
// computed result is logged and does not fail the call.
func (c *Cache) GetOrCompute(ctx context.Context, key string, compute func(context.Context) ([]byte, error)) (audio []byte, hit bool, err error) {
	audio, ok, err := c.Get(ctx, key)
	if err != nil {
		slog.Warn("resultcache: lookup failed, recomputing", "key", key, "err", err)
	} else if ok {
		c.metrics.RecordCacheLookup(ctx, "hit")
		return audio, true, nil
	}
	c.metrics.RecordCacheLookup(ctx, "miss")

	audio, err = compute(ctx)
	if err != nil {
		return nil, false, err
	}
	if err := c.Put(ctx, key, audio); err != nil {
		slog.Warn("resultcache: store failed", "key", key, "err", err)
	}
	return audio, false, nil
}

// Close releases the underlying store.
func (c *Cache) Close() error {
	return c.store.Close()
}
