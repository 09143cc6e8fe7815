// Package app wires every voxbridge component into a running service.
//
// New builds the voice store, the audio cache, the synthesis backends, the
// orchestrator, the optional chat responder and the HTTP surface. Run serves
// HTTP and loads the backends in the background; Shutdown tears everything
// down in reverse dependency order.
//
// Tests inject doubles through [WithRegistry] and [WithResponder]; without
// them New builds the real implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"path/filepath"
	"sync"
	"time"

	"github.com/MrWong99/voxbridge/internal/api"
	"github.com/MrWong99/voxbridge/internal/config"
	"github.com/MrWong99/voxbridge/internal/health"
	"github.com/MrWong99/voxbridge/internal/observe"
	"github.com/MrWong99/voxbridge/internal/orchestrator"
	"github.com/MrWong99/voxbridge/internal/resultcache"
	"github.com/MrWong99/voxbridge/internal/voicestore"
	"github.com/MrWong99/voxbridge/pkg/provider/llm"
	"github.com/MrWong99/voxbridge/pkg/provider/tts"
)

const readHeaderTimeout = 10 * time.Second

// App owns the service lifecycle.
type App struct {
	cfg      *config.Config
	registry *config.Registry
	metrics  *observe.Metrics
	tel      *observe.Telemetry

	voices   *voicestore.Store
	cache    *resultcache.Cache
	backends []tts.Provider
	orch     *orchestrator.Orchestrator
	chat     llm.Responder
	creds    api.CredentialSetter

	handler http.Handler
	server  *http.Server

	// closers are called in order during Shutdown.
	closers []func(context.Context) error

	stopOnce sync.Once
}

// Option configures an App.
type Option func(*App)

// WithRegistry replaces the builtin provider registry.
func WithRegistry(r *config.Registry) Option {
	return func(a *App) { a.registry = r }
}

// WithResponder sets the chat responder instead of building one from
// cfg.Chat.
func WithResponder(r llm.Responder) Option {
	return func(a *App) { a.chat = r }
}

// WithMetrics sets the metric instruments shared by every component.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithTelemetry serves /metrics from t instead of the default Prometheus
// registry.
func WithTelemetry(t *observe.Telemetry) Option {
	return func(a *App) { a.tel = t }
}

// New builds every component from cfg. Backends are constructed but not
// loaded; Run starts loading them.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{cfg: cfg}
	for _, opt := range opts {
		opt(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	voices, err := voicestore.Open(cfg.VoicesDir)
	if err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}
	a.voices = voices

	if err := a.initCache(); err != nil {
		a.closeAll(ctx)
		return nil, err
	}
	if a.registry == nil {
		a.registry = config.NewRegistry()
		a.registerBuiltinProviders(ctx, a.registry)
	}
	if err := a.initBackends(); err != nil {
		a.closeAll(ctx)
		return nil, err
	}

	orch, err := orchestrator.New(cfg.VoicesDir, a.backends, orchestrator.WithMetrics(a.metrics))
	if err != nil {
		a.closeAll(ctx)
		return nil, fmt.Errorf("app: %w", err)
	}
	a.orch = orch
	// Backends are closed by the orchestrator; it must run before the cache
	// they write into is closed.
	a.closers = append([]func(context.Context) error{orch.Shutdown}, a.closers...)

	if err := a.initChat(); err != nil {
		a.closeAll(ctx)
		return nil, err
	}
	a.initHTTP()
	return a, nil
}

func (a *App) initCache() error {
	dir := a.cfg.Cache.Dir
	if dir == "" {
		dir = filepath.Join(a.cfg.VoicesDir, "cache")
	}

	var store resultcache.Store
	switch a.cfg.Cache.Backend {
	case config.CacheOff:
		slog.Info("audio cache disabled")
		return nil
	case config.CacheBadger:
		s, err := resultcache.NewBadgerStore(dir)
		if err != nil {
			return fmt.Errorf("app: open cache: %w", err)
		}
		store = s
	default:
		var dopts []resultcache.DiskOption
		if a.cfg.Cache.Compress {
			dopts = append(dopts, resultcache.WithCompression())
		}
		s, err := resultcache.NewDiskStore(dir, dopts...)
		if err != nil {
			return fmt.Errorf("app: open cache: %w", err)
		}
		store = s
	}

	a.cache = resultcache.New(store, resultcache.WithMetrics(a.metrics))
	a.closers = append(a.closers, func(context.Context) error { return a.cache.Close() })
	slog.Info("audio cache ready", "backend", a.cfg.Cache.Backend, "dir", dir)
	return nil
}

// initBackends creates the cloud backend first and the local engine second;
// that order is the routing order.
func (a *App) initBackends() error {
	var names []string
	if !a.cfg.Cloud.Disabled {
		names = append(names, a.cfg.Cloud.Provider)
	}
	if a.cfg.Local.Enabled {
		names = append(names, a.cfg.Local.Provider)
	}
	if len(names) == 0 {
		return errors.New("app: no synthesis backend configured")
	}

	for _, name := range names {
		p, err := a.registry.CreateTTS(name, a.cfg)
		if err != nil {
			return fmt.Errorf("app: create backend %q: %w", name, err)
		}
		a.backends = append(a.backends, p)
		if cs, ok := p.(api.CredentialSetter); ok && a.creds == nil {
			a.creds = cs
		}
		slog.Info("synthesis backend created", "name", p.Name(), "kind", p.Kind())
	}
	return nil
}

func (a *App) initChat() error {
	if a.chat != nil {
		return nil
	}
	cc := a.cfg.Chat
	if cc.APIKey == "" {
		slog.Info("chat disabled: no api key configured")
		return nil
	}
	p, err := a.registry.CreateLLM(cc)
	if err != nil {
		return fmt.Errorf("app: create chat provider: %w", err)
	}
	chat, err := llm.NewChat(p, cc.Provider,
		llm.WithSystemPrompt(cc.SystemPrompt),
		llm.WithMaxTokens(cc.MaxTokens),
		llm.WithTemperature(cc.Temperature),
		llm.WithFallbackReply(cc.FallbackReply),
		llm.WithMetrics(a.metrics),
	)
	if err != nil {
		return fmt.Errorf("app: %w", err)
	}
	a.chat = chat
	return nil
}

func (a *App) initHTTP() {
	mux := http.NewServeMux()

	apiOpts := []api.Option{api.WithChat(a.chat)}
	if a.cache != nil {
		apiOpts = append(apiOpts, api.WithAudioCache(a.cache))
	}
	if a.creds != nil {
		apiOpts = append(apiOpts, api.WithCredentials(a.creds))
	}
	api.New(a.orch, apiOpts...).Register(mux)

	checks := []health.Checker{
		health.Availability("backends", a.orch.Available, "no synthesis backend available"),
	}
	for _, b := range a.backends {
		if sr, ok := b.(tts.StateReporter); ok {
			checks = append(checks, health.State(b.Name(), sr, "ready"))
		}
	}
	health.New(checks...).Register(mux)
	metricsHandler := observe.MetricsHandler()
	if a.tel != nil {
		metricsHandler = a.tel.MetricsHandler()
	}
	mux.Handle("GET /metrics", metricsHandler)

	a.handler = observe.Middleware(a.metrics)(mux)
}

// Handler returns the full HTTP handler.
func (a *App) Handler() http.Handler { return a.handler }

// Orchestrator returns the routing core.
func (a *App) Orchestrator() *orchestrator.Orchestrator { return a.orch }

// Backends returns the synthesis backends in routing order.
func (a *App) Backends() []tts.Provider { return a.backends }

// ChatEnabled reports whether the chat endpoint has a responder.
func (a *App) ChatEnabled() bool { return a.chat != nil }

// ApplyConfig applies the hot-reloadable parts of a config change. The log
// level is owned by the caller's handler.
func (a *App) ApplyConfig(d config.ConfigDiff) {
	if !d.CloudKeyChanged {
		return
	}
	if a.creds == nil {
		slog.Warn("cloud api key changed but no backend accepts credentials")
		return
	}
	if err := a.creds.SetAPIKey(d.NewCloudKey); err != nil {
		slog.Warn("failed to apply cloud api key", "err", err)
		return
	}
	slog.Info("cloud api key updated")
}

// Run serves HTTP on cfg.Server.ListenAddr until ctx is cancelled. Backend
// loading runs in the background; /readyz reflects its progress.
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.cfg.Server.ListenAddr)
	if err != nil {
		return fmt.Errorf("app: listen: %w", err)
	}
	return a.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	a.server = &http.Server{
		Handler:           a.handler,
		ReadHeaderTimeout: readHeaderTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	go func() {
		start := time.Now()
		if err := a.orch.Init(ctx); err != nil {
			slog.Warn("some backends failed to load", "err", err)
		}
		slog.Info("backend loading finished", "elapsed", time.Since(start).Round(time.Millisecond), "available", a.orch.Available())
	}()

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server listening", "addr", ln.Addr().String())
		errCh <- a.server.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: serve: %w", err)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown stops the HTTP server and releases every component. It respects
// the context deadline: once ctx expires the remaining closers are skipped
// and the context error is returned. Only the first call has an effect.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		if a.server != nil {
			if err := a.server.Shutdown(ctx); err != nil {
				slog.Warn("http server shutdown error", "err", err)
			}
		}
		shutdownErr = a.closeAll(ctx)
		slog.Info("shutdown complete")
	})
	return shutdownErr
}

func (a *App) closeAll(ctx context.Context) error {
	slog.Info("closing components", "closers", len(a.closers))
	for i, closer := range a.closers {
		select {
		case <-ctx.Done():
			slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
			return ctx.Err()
		default:
		}
		if err := closer(ctx); err != nil {
			slog.Warn("closer error", "index", i, "err", err)
		}
	}
	a.closers = nil
	return nil
}
