// Package kokoro provides the local TTS backend: a Kokoro-82M ONNX model run
// in-process.
//
// The engine loads once. [Engine.Init] fetches the model, the default voice
// table and the tokenizer from the artifact store, opens the inference
// session and loads every custom voice table found in the voice store. From
// then on the session and the tables are read-only and shared by all
// synthesis calls. A failed load is final: the engine reports itself
// unavailable for the rest of the process.
//
// Synthesis chunks the text at sentence boundaries, phonemizes and tokenizes
// each chunk, selects a style row by token count, runs one inference per
// chunk and concatenates the waveforms into a 24 kHz mono WAV. Results are
// cached by (text, voice).
//
// Example:
//
//	eng, err := kokoro.New(kokoro.Config{Language: "es"},
//	    kokoro.WithFetcher(artifact.NewHuggingFace(modelsDir)),
//	    kokoro.WithCache(cache),
//	    kokoro.WithVoiceStore(voices),
//	)
//	if err := eng.Init(ctx); err != nil { ... }
//	wavBytes, err := eng.Synthesize(ctx, "Hola.", "")
package kokoro

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/MrWong99/voxbridge/internal/artifact"
	"github.com/MrWong99/voxbridge/internal/observe"
	"github.com/MrWong99/voxbridge/internal/resultcache"
	"github.com/MrWong99/voxbridge/internal/voicestore"
	"github.com/MrWong99/voxbridge/pkg/provider/tts"
	"github.com/MrWong99/voxbridge/pkg/provider/tts/kokoro/voicetable"
)

const (
	providerName = "kokoro"

	defaultRepo          = "onnx-community/Kokoro-82M-ONNX"
	defaultModelFile     = "onnx/model.onnx"
	defaultTokenizerFile = "tokenizer.json"
	defaultVoice         = "af_bella"
	defaultLanguage      = "es"
	defaultSpeed         = 1.0

	// StyleDim is the width of one style embedding.
	StyleDim = 256
)

// State is the engine lifecycle state.
type State int32

const (
	StateUninitialized State = iota
	StateLoading
	StateReady
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateLoading:
		return "loading"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Config holds the static engine settings. Zero values select defaults.
type Config struct {
	Repo          string // artifact repository
	ModelFile     string // model path inside Repo
	TokenizerFile string // tokenizer.json path inside Repo
	DefaultVoice  string // built-in voice; its table is fetched as voices/<name>.bin
	Language      string // phonemizer language
	Speed         float32
	ChunkSize     int // characters per inference call
	Workers       int // concurrent inference calls; default runtime.NumCPU()
}

func (c *Config) applyDefaults() {
	if c.Repo == "" {
		c.Repo = defaultRepo
	}
	if c.ModelFile == "" {
		c.ModelFile = defaultModelFile
	}
	if c.TokenizerFile == "" {
		c.TokenizerFile = defaultTokenizerFile
	}
	if c.DefaultVoice == "" {
		c.DefaultVoice = defaultVoice
	}
	if c.Language == "" {
		c.Language = defaultLanguage
	}
	if c.Speed == 0 {
		c.Speed = defaultSpeed
	}
	if c.ChunkSize <= 0 {
		c.ChunkSize = DefaultChunkSize
	}
	if c.Workers <= 0 {
		c.Workers = runtime.NumCPU()
	}
}

// Engine is the local synthesis backend. It is safe for concurrent use.
type Engine struct {
	cfg        Config
	fetcher    artifact.Fetcher
	open       SessionOpener
	phonemizer Phonemizer
	cache      *resultcache.Cache
	voices     *voicestore.Store
	metrics    *observe.Metrics
	workers    *semaphore.Weighted

	once    sync.Once
	state   atomic.Int32
	loadErr error

	// lifeMu orders session installation against Close.
	lifeMu sync.Mutex
	closed bool

	// Read-only once state is StateReady.
	session Session
	vocab   Vocabulary
	tables  map[string]*voicetable.Table
}

// Option is a functional option for configuring an Engine.
type Option func(*Engine)

// WithFetcher sets the artifact store used during Init.
func WithFetcher(f artifact.Fetcher) Option {
	return func(e *Engine) { e.fetcher = f }
}

// WithSessionOpener replaces the onnxruntime session loader.
func WithSessionOpener(open SessionOpener) Option {
	return func(e *Engine) { e.open = open }
}

// WithPhonemizer replaces the default espeak-ng phonemizer.
func WithPhonemizer(p Phonemizer) Option {
	return func(e *Engine) { e.phonemizer = p }
}

// WithCache enables result caching.
func WithCache(c *resultcache.Cache) Option {
	return func(e *Engine) { e.cache = c }
}

// WithVoiceStore enables cloning and custom voice tables.
func WithVoiceStore(s *voicestore.Store) Option {
	return func(e *Engine) { e.voices = s }
}

// WithMetrics records on m instead of the package default.
func WithMetrics(m *observe.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// New creates an Engine in [StateUninitialized]. Call [Engine.Init] before
// use.
func New(cfg Config, opts ...Option) (*Engine, error) {
	cfg.applyDefaults()
	e := &Engine{
		cfg:        cfg,
		open:       ONNXOpener(""),
		phonemizer: Espeak{},
		tables:     make(map[string]*voicetable.Table),
	}
	for _, o := range opts {
		o(e)
	}
	if e.fetcher == nil {
		return nil, errors.New("kokoro: an artifact fetcher is required")
	}
	if e.metrics == nil {
		e.metrics = observe.DefaultMetrics()
	}
	e.workers = semaphore.NewWeighted(int64(cfg.Workers))
	return e, nil
}

// Compile-time interface assertions.
var (
	_ tts.Provider      = (*Engine)(nil)
	_ tts.Initializer   = (*Engine)(nil)
	_ tts.StateReporter = (*Engine)(nil)
)

// Name implements tts.Provider.
func (e *Engine) Name() string { return providerName }

// Kind implements tts.Provider.
func (e *Engine) Kind() tts.Backend { return tts.BackendLocal }

// Available implements tts.Provider. It is true only in [StateReady].
func (e *Engine) Available() bool { return e.currentState() == StateReady }

// State implements tts.StateReporter.
func (e *Engine) State() string { return e.currentState().String() }

// Err returns the load error after a failed Init, or [ErrClosed] for an
// engine that was closed.
func (e *Engine) Err() error {
	if e.currentState() != StateFailed {
		return nil
	}
	if e.loadErr == nil {
		return ErrClosed
	}
	return e.loadErr
}

func (e *Engine) currentState() State { return State(e.state.Load()) }

// ---- lifecycle ----

// ErrClosed is the load error of an engine closed before its load finished.
var ErrClosed = errors.New("kokoro: engine closed")

// Init loads the engine. Only the first call does any work; later calls
// return the outcome of the first. An engine closed before or during the
// load ends up failed with [ErrClosed] and holds no session.
func (e *Engine) Init(ctx context.Context) error {
	e.once.Do(func() {
		e.state.Store(int32(StateLoading))
		start := time.Now()
		err := e.checkOpen()
		var sess Session
		if err == nil {
			sess, err = e.load(ctx)
		}
		if err == nil {
			err = e.install(sess)
		}
		if err != nil {
			e.loadErr = err
			e.state.Store(int32(StateFailed))
			slog.Error("kokoro: load failed, local synthesis disabled", "err", err)
			return
		}
		slog.Info("kokoro: ready",
			"voices", len(e.tables),
			"workers", e.cfg.Workers,
			"duration", time.Since(start).Round(time.Millisecond),
		)
	})
	return e.loadErr
}

func (e *Engine) checkOpen() error {
	e.lifeMu.Lock()
	defer e.lifeMu.Unlock()
	if e.closed {
		return ErrClosed
	}
	return nil
}

// load fetches the artifacts and opens the inference session. The session
// is returned rather than published; see install.
func (e *Engine) load(ctx context.Context) (Session, error) {
	if c, ok := e.phonemizer.(interface{ Check() error }); ok {
		if err := c.Check(); err != nil {
			return nil, err
		}
	}

	modelPath, err := e.fetcher.Fetch(ctx, e.cfg.Repo, e.cfg.ModelFile)
	if err != nil {
		return nil, fmt.Errorf("kokoro: fetch model: %w", err)
	}
	voicePath, err := e.fetcher.Fetch(ctx, e.cfg.Repo, "voices/"+e.cfg.DefaultVoice+".bin")
	if err != nil {
		return nil, fmt.Errorf("kokoro: fetch voice table: %w", err)
	}
	tokPath, err := e.fetcher.Fetch(ctx, e.cfg.Repo, e.cfg.TokenizerFile)
	if err != nil {
		return nil, fmt.Errorf("kokoro: fetch tokenizer: %w", err)
	}

	table, err := loadMigrated(voicePath)
	if err != nil {
		return nil, err
	}
	e.tables[e.cfg.DefaultVoice] = table

	if e.vocab, err = LoadVocabulary(tokPath); err != nil {
		return nil, err
	}

	if e.voices != nil {
		e.loadCustomTables(e.voices.LocalDir())
	}
	return e.open(modelPath)
}

// install publishes sess and marks the engine ready. If Close ran while the
// load was in flight, sess is closed instead.
func (e *Engine) install(sess Session) error {
	e.lifeMu.Lock()
	defer e.lifeMu.Unlock()
	if e.closed {
		if err := sess.Close(); err != nil {
			slog.Warn("kokoro: close session after shutdown", "err", err)
		}
		return ErrClosed
	}
	e.session = sess
	e.state.Store(int32(StateReady))
	return nil
}

// loadMigrated loads the native sibling of a legacy table, creating it on
// first use.
func loadMigrated(legacyPath string) (*voicetable.Table, error) {
	native := strings.TrimSuffix(legacyPath, filepath.Ext(legacyPath)) + voicetable.Ext
	if err := voicetable.Migrate(legacyPath, native, StyleDim); err != nil {
		return nil, fmt.Errorf("kokoro: migrate %s: %w", legacyPath, err)
	}
	t, err := voicetable.Load(native, StyleDim)
	if err != nil {
		return nil, fmt.Errorf("kokoro: %w", err)
	}
	return t, nil
}

// loadCustomTables registers every table in dir under its base name. Legacy
// ".bin" and ".npy" files are migrated first. Unreadable tables are skipped.
func (e *Engine) loadCustomTables(dir string) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		slog.Warn("kokoro: cannot list custom voices", "dir", dir, "err", err)
		return
	}
	seen := make(map[string]bool)
	for _, ent := range entries {
		ext := strings.ToLower(filepath.Ext(ent.Name()))
		if ent.IsDir() || (ext != voicetable.Ext && ext != ".bin" && ext != ".npy") {
			continue
		}
		name := strings.TrimSuffix(ent.Name(), filepath.Ext(ent.Name()))
		if seen[name] {
			continue
		}
		seen[name] = true

		t, err := loadMigrated(filepath.Join(dir, ent.Name()))
		if err != nil {
			slog.Warn("kokoro: skipping custom voice", "voice", name, "err", err)
			continue
		}
		e.tables[name] = t
		slog.Debug("kokoro: custom voice loaded", "voice", name, "rows", t.Rows())
	}
}

// Close releases the inference session and makes the engine unavailable.
// A load still in flight releases its session when it completes.
func (e *Engine) Close() error {
	e.lifeMu.Lock()
	defer e.lifeMu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	if e.session == nil {
		return nil
	}
	e.state.Store(int32(StateFailed))
	return e.session.Close()
}

// ---- Synthesize ----

// Synthesize implements tts.Provider. Unknown voice ids fall back to the
// default voice. Text is normalized the way cache keys are before it is
// rendered, so inputs sharing a key always render identically and identical
// (text, resolved voice) pairs are served from the cache.
func (e *Engine) Synthesize(ctx context.Context, text, voiceID string) ([]byte, error) {
	if !e.Available() {
		return nil, tts.ErrEngineNotReady
	}
	text = resultcache.NormalizeText(text)
	if text == "" {
		return nil, tts.ErrEmptyText
	}

	vid, table := e.resolveVoice(voiceID)
	render := func(ctx context.Context) ([]byte, error) {
		return e.render(ctx, text, table)
	}
	if e.cache == nil {
		return render(ctx)
	}
	audio, _, err := e.cache.GetOrCompute(ctx, resultcache.Key(text, vid, providerName), render)
	return audio, err
}

func (e *Engine) resolveVoice(voiceID string) (string, *voicetable.Table) {
	if t, ok := e.tables[voiceID]; ok {
		return voiceID, t
	}
	if voiceID != "" {
		slog.Debug("kokoro: unknown voice, using default", "voice", voiceID, "default", e.cfg.DefaultVoice)
	}
	return e.cfg.DefaultVoice, e.tables[e.cfg.DefaultVoice]
}

// StyleIndex selects the style row for a chunk of n tokens in a table of
// rows entries: n, clamped to rows-1.
func StyleIndex(n, rows int) int {
	return min(max(n, 0), rows-1)
}

func (e *Engine) render(ctx context.Context, text string, table *voicetable.Table) ([]byte, error) {
	var samples []float32
	for _, chunk := range Chunk(text, e.cfg.ChunkSize) {
		chunk = strings.TrimSpace(chunk)
		if chunk == "" {
			continue
		}
		phonemes, err := e.phonemizer.Phonemize(ctx, chunk, e.cfg.Language)
		if err != nil {
			return nil, &tts.InferenceError{Stage: "phonemize", Err: err}
		}
		tokens := e.vocab.Encode(phonemes)
		if len(tokens) == 0 {
			continue
		}
		style := table.Row(StyleIndex(len(tokens), table.Rows()))

		wave, err := e.infer(ctx, tokens, style)
		if err != nil {
			return nil, err
		}
		samples = append(samples, wave...)
	}
	if len(samples) == 0 {
		return nil, &tts.InferenceError{Stage: "tokenize", Err: errors.New("text has no speakable content")}
	}

	out, err := EncodeWAV(samples, SampleRate)
	if err != nil {
		return nil, &tts.InferenceError{Stage: "encode", Err: err}
	}
	return out, nil
}

// infer runs one model call on a worker slot. Waiting for a slot honours
// ctx; the call itself cannot be interrupted.
func (e *Engine) infer(ctx context.Context, tokens []int64, style []float32) ([]float32, error) {
	if err := e.workers.Acquire(ctx, 1); err != nil {
		return nil, &tts.InferenceError{Stage: "schedule", Err: err}
	}
	defer e.workers.Release(1)

	e.metrics.ActiveInferences.Add(ctx, 1)
	defer e.metrics.ActiveInferences.Add(ctx, -1)

	ids := make([]int64, 0, len(tokens)+2)
	ids = append(ids, 0)
	ids = append(ids, tokens...)
	ids = append(ids, 0)

	start := time.Now()
	wave, err := e.session.Run(ids, style, e.cfg.Speed)
	e.metrics.InferenceDuration.Record(ctx, time.Since(start).Seconds())
	if err != nil {
		return nil, &tts.InferenceError{Stage: "infer", Err: err}
	}
	return wave, nil
}

// ---- CloneVoice ----

// CloneVoice implements tts.Provider. The model has a fixed voice catalog,
// so cloning stores the sample for provenance only. The returned Voice's ID
// is the embedding the voice will synthesize with: a custom table of the
// same name if one was loaded, otherwise the default voice.
func (e *Engine) CloneVoice(_ context.Context, sample []byte, name string) (*tts.Voice, error) {
	if !e.Available() {
		return nil, tts.ErrEngineNotReady
	}
	if e.voices == nil {
		return nil, &tts.ConfigurationError{Backend: providerName, Reason: "no voice store"}
	}
	if len(sample) == 0 {
		return nil, errors.New("kokoro: clone: sample must not be empty")
	}

	embedding := e.cfg.DefaultVoice
	if _, ok := e.tables[voicestore.Slug(name)]; ok {
		embedding = voicestore.Slug(name)
	}

	rec, err := e.voices.SaveLocal(name, e.cfg.Language, sample, map[string]string{
		"embedding_id": embedding,
		"conditioning": "none",
	})
	if err != nil {
		return nil, fmt.Errorf("kokoro: clone: %w", err)
	}

	v := e.cloneVoice(rec)
	slog.Info("kokoro: voice sample stored", "name", name, "record", rec.ID, "embedding", embedding)
	return &v, nil
}

// cloneVoice presents a stored clone record under the embedding it
// synthesizes with. The record id moves to Metadata["record_id"].
func (e *Engine) cloneVoice(rec tts.Voice) tts.Voice {
	v := rec
	v.ID = cmp.Or(rec.Metadata["embedding_id"], e.cfg.DefaultVoice)
	v.Metadata = make(map[string]string, len(rec.Metadata)+1)
	for k, val := range rec.Metadata {
		v.Metadata[k] = val
	}
	v.Metadata["record_id"] = rec.ID
	return v
}

// ---- ListVoices ----

// ListVoices implements tts.Provider: built-in and custom embedding tables
// followed by stored clones. Every listed ID is a synthesizable embedding;
// clones carry their record id in Metadata["record_id"].
func (e *Engine) ListVoices(_ context.Context) ([]tts.Voice, error) {
	var out []tts.Voice
	if e.Available() {
		names := make([]string, 0, len(e.tables))
		for name := range e.tables {
			names = append(names, name)
		}
		slices.Sort(names)
		for _, name := range names {
			kind := "custom"
			if name == e.cfg.DefaultVoice {
				kind = "builtin"
			}
			out = append(out, tts.Voice{
				ID:          name,
				DisplayName: name,
				Language:    e.cfg.Language,
				Backend:     tts.BackendLocal,
				Metadata:    map[string]string{"embedding": kind},
			})
		}
	}
	if e.voices != nil {
		for _, rec := range e.voices.LocalVoices() {
			out = append(out, e.cloneVoice(rec))
		}
	}
	return out, nil
}
