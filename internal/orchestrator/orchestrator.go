// Package orchestrator routes synthesis and cloning across the configured
// TTS backends.
//
// Backends form an ordered table: cloud first, then local. [Orchestrator.GenerateAudio]
// walks the table, skipping rows that are not available and falling through
// on failure; no row is retried and routing never depends on earlier
// outcomes. [Orchestrator.CloneVoice] fans out to every row at once.
//
// The default voice and the last serving backend are persisted in a small
// settings file that is loaded once at construction.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/voxbridge/internal/durable"
	"github.com/MrWong99/voxbridge/internal/observe"
	"github.com/MrWong99/voxbridge/pkg/provider/tts"
)

// SettingsFile is the settings file name inside the voices directory.
const SettingsFile = "tts_config.json"

// ErrUnknownBackend is returned for a backend selector that names no row of
// the routing table.
var ErrUnknownBackend = errors.New("orchestrator: unknown backend")

// Settings is the persisted orchestrator state.
type Settings struct {
	DefaultVoiceID  string `json:"default_voice_id,omitempty"`
	LastBackendUsed string `json:"last_backend_used,omitempty"`
}

// Request is a single synthesis request.
type Request struct {
	Text string
	// VoiceID selects the voice; empty uses the persisted default.
	VoiceID string
	// Backend restricts routing to one backend, by kind ("cloud", "local")
	// or by name ("fish_audio", "kokoro"). Empty means automatic.
	Backend string
}

// Result is the outcome of a successful synthesis.
type Result struct {
	Audio   []byte
	Backend string      // serving backend name
	Kind    tts.Backend // serving backend kind
	VoiceID string      // effective voice id
}

// backend is one row of the routing table.
type backend struct {
	name     string
	kind     tts.Backend
	provider tts.Provider
}

// Option is a functional option for configuring an Orchestrator.
type Option func(*Orchestrator)

// WithMetrics records on m instead of the package default.
func WithMetrics(m *observe.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// Orchestrator is safe for concurrent use.
type Orchestrator struct {
	backends []backend
	settings *durable.File[Settings]
	metrics  *observe.Metrics

	mu    sync.RWMutex
	state Settings

	// saveMu orders settings writes so the file always holds the state of
	// the most recent mutation.
	saveMu sync.Mutex

	initOnce     sync.Once
	initErr      error
	shutdownOnce sync.Once
	shutdownErr  error
}

// New creates an Orchestrator over providers, tried in the given order.
// Settings are loaded from dir/tts_config.json; an unreadable file is logged
// and treated as empty.
func New(dir string, providers []tts.Provider, opts ...Option) (*Orchestrator, error) {
	if len(providers) == 0 {
		return nil, errors.New("orchestrator: at least one backend is required")
	}
	o := &Orchestrator{
		settings: durable.New[Settings](filepath.Join(dir, SettingsFile)),
	}
	seen := make(map[string]bool)
	for _, p := range providers {
		if p == nil {
			return nil, errors.New("orchestrator: nil backend")
		}
		if seen[p.Name()] {
			return nil, fmt.Errorf("orchestrator: duplicate backend %q", p.Name())
		}
		seen[p.Name()] = true
		o.backends = append(o.backends, backend{name: p.Name(), kind: p.Kind(), provider: p})
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.metrics == nil {
		o.metrics = observe.DefaultMetrics()
	}

	st, ok, err := o.settings.Load()
	switch {
	case err != nil:
		slog.Warn("orchestrator: ignoring unreadable settings", "path", o.settings.Path(), "err", err)
	case ok:
		o.state = st
		slog.Info("orchestrator: settings loaded", "default_voice", st.DefaultVoiceID, "last_backend", st.LastBackendUsed)
	}
	return o, nil
}

// ---- lifecycle ----

// Init runs the Init hook of every backend that has one, exactly once.
// Failed backends stay in the table and report themselves unavailable; the
// joined failures are returned for logging.
func (o *Orchestrator) Init(ctx context.Context) error {
	o.initOnce.Do(func() {
		var errs []error
		for _, b := range o.backends {
			in, ok := b.provider.(tts.Initializer)
			if !ok {
				continue
			}
			if err := in.Init(ctx); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", b.name, err))
			}
		}
		o.initErr = errors.Join(errs...)
	})
	return o.initErr
}

// Shutdown closes every backend that implements io.Closer, exactly once.
func (o *Orchestrator) Shutdown(_ context.Context) error {
	o.shutdownOnce.Do(func() {
		var errs []error
		for _, b := range o.backends {
			c, ok := b.provider.(interface{ Close() error })
			if !ok {
				continue
			}
			if err := c.Close(); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", b.name, err))
			}
		}
		o.shutdownErr = errors.Join(errs...)
	})
	return o.shutdownErr
}

// ---- synthesis ----

// GenerateAudio synthesizes req.Text on the first available backend that
// succeeds. It returns [ErrUnknownBackend] for an unrecognised req.Backend,
// [tts.ErrNoProviderAvailable] when no backend could be attempted and a
// [*tts.SynthesisFailedError] wrapping the last failure when every attempted
// backend failed.
func (o *Orchestrator) GenerateAudio(ctx context.Context, req Request) (_ *Result, err error) {
	ctx, span := observe.StartSpan(ctx, "orchestrator.GenerateAudio")
	defer func() { observe.EndSpan(span, err) }()

	if strings.TrimSpace(req.Text) == "" {
		return nil, tts.ErrEmptyText
	}
	if err := o.CheckBackend(req.Backend); err != nil {
		return nil, err
	}
	voiceID := req.VoiceID
	if voiceID == "" {
		voiceID = o.DefaultVoice()
	}
	log := observe.Logger(ctx)

	var (
		lastErr  error
		lastName string
	)
	for _, b := range o.backends {
		if req.Backend != "" && !b.matches(req.Backend) {
			continue
		}
		if !b.provider.Available() {
			log.Debug("orchestrator: backend unavailable, skipping", "backend", b.name)
			continue
		}

		start := time.Now()
		audio, err := b.provider.Synthesize(ctx, req.Text, voiceID)
		elapsed := time.Since(start).Seconds()
		if err != nil {
			o.metrics.RecordSynthesis(ctx, b.name, "error", elapsed)
			o.metrics.RecordProviderError(ctx, b.name, string(b.kind))
			log.Warn("orchestrator: backend failed, trying next", "backend", b.name, "voice", voiceID, "err", err)
			lastErr, lastName = err, b.name
			continue
		}
		o.metrics.RecordSynthesis(ctx, b.name, "ok", elapsed)
		o.recordBackend(b.name)
		log.Info("orchestrator: synthesized", "backend", b.name, "voice", voiceID, "bytes", len(audio), "seconds", elapsed)
		return &Result{Audio: audio, Backend: b.name, Kind: b.kind, VoiceID: voiceID}, nil
	}

	if lastErr == nil {
		return nil, tts.ErrNoProviderAvailable
	}
	return nil, &tts.SynthesisFailedError{Backend: lastName, Err: lastErr}
}

// CheckBackend reports whether sel selects a row of the routing table. The
// empty selector means automatic routing and is always valid.
func (o *Orchestrator) CheckBackend(sel string) error {
	if sel == "" {
		return nil
	}
	for _, b := range o.backends {
		if b.matches(sel) {
			return nil
		}
	}
	return fmt.Errorf("%w %q", ErrUnknownBackend, sel)
}

func (b backend) matches(sel string) bool {
	return sel == string(b.kind) || sel == b.name
}

// recordBackend persists the serving backend when it changed. A save
// failure only affects status reporting and is logged.
func (o *Orchestrator) recordBackend(name string) {
	err := o.update(func(st *Settings) bool {
		if st.LastBackendUsed == name {
			return false
		}
		st.LastBackendUsed = name
		return true
	})
	if err != nil {
		slog.Warn("orchestrator: could not persist last backend", "backend", name, "err", err)
	}
}

// update applies fn to the settings and saves the result when fn reports a
// change. Mutation and save happen under saveMu, so concurrent updates reach
// the file in the order they were applied.
func (o *Orchestrator) update(fn func(*Settings) bool) error {
	o.saveMu.Lock()
	defer o.saveMu.Unlock()

	o.mu.Lock()
	changed := fn(&o.state)
	snapshot := o.state
	o.mu.Unlock()

	if !changed {
		return nil
	}
	return o.settings.Save(snapshot)
}

// ---- default voice ----

// DefaultVoice returns the persisted default voice id, or "".
func (o *Orchestrator) DefaultVoice() string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.state.DefaultVoiceID
}

// SetDefaultVoice sets and persists the default voice id. The id is not
// validated. On a save failure the new default stays in effect for this
// process and an error wrapping [durable.ErrSaveFailed] is returned.
func (o *Orchestrator) SetDefaultVoice(id string) error {
	err := o.update(func(st *Settings) bool {
		st.DefaultVoiceID = id
		return true
	})
	if err != nil {
		return fmt.Errorf("orchestrator: set default voice: %w", err)
	}
	slog.Info("orchestrator: default voice set", "voice", id)
	return nil
}

// ---- status ----

// BackendStatus describes one backend.
type BackendStatus struct {
	Name      string      `json:"name"`
	Kind      tts.Backend `json:"kind"`
	Available bool        `json:"available"`
	State     string      `json:"state,omitempty"`
}

// Status is a read-only snapshot for observability.
type Status struct {
	Backends        []BackendStatus `json:"backends"`
	DefaultVoiceID  string          `json:"default_voice_id,omitempty"`
	LastBackendUsed string          `json:"last_backend_used,omitempty"`
}

// Status returns the current backend flags and settings.
func (o *Orchestrator) Status() Status {
	st := Status{Backends: make([]BackendStatus, 0, len(o.backends))}
	for _, b := range o.backends {
		bs := BackendStatus{Name: b.name, Kind: b.kind, Available: b.provider.Available()}
		if r, ok := b.provider.(tts.StateReporter); ok {
			bs.State = r.State()
		}
		st.Backends = append(st.Backends, bs)
	}
	o.mu.RLock()
	st.DefaultVoiceID = o.state.DefaultVoiceID
	st.LastBackendUsed = o.state.LastBackendUsed
	o.mu.RUnlock()
	return st
}

// Available reports whether any backend is available.
func (o *Orchestrator) Available() bool {
	for _, b := range o.backends {
		if b.provider.Available() {
			return true
		}
	}
	return false
}

// ---- voices ----

// VoiceListing groups the voices of all backends.
type VoiceListing struct {
	Cloud          []tts.Voice `json:"cloud"`
	Local          []tts.Voice `json:"local"`
	DefaultVoiceID string      `json:"default_voice_id,omitempty"`
}

// ListVoices collects the voices of every backend. A failing backend is
// logged and contributes no voices.
func (o *Orchestrator) ListVoices(ctx context.Context) (*VoiceListing, error) {
	out := &VoiceListing{Cloud: []tts.Voice{}, Local: []tts.Voice{}, DefaultVoiceID: o.DefaultVoice()}
	for _, b := range o.backends {
		vs, err := b.provider.ListVoices(ctx)
		if err != nil {
			observe.Logger(ctx).Warn("orchestrator: list voices failed", "backend", b.name, "err", err)
			continue
		}
		if b.kind == tts.BackendCloud {
			out.Cloud = append(out.Cloud, vs...)
		} else {
			out.Local = append(out.Local, vs...)
		}
	}
	return out, nil
}
