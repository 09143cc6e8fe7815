package app

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/MrWong99/voxbridge/internal/artifact"
	"github.com/MrWong99/voxbridge/internal/config"
	"github.com/MrWong99/voxbridge/pkg/provider/llm"
	"github.com/MrWong99/voxbridge/pkg/provider/llm/openai"
	"github.com/MrWong99/voxbridge/pkg/provider/tts"
	"github.com/MrWong99/voxbridge/pkg/provider/tts/fishaudio"
	"github.com/MrWong99/voxbridge/pkg/provider/tts/kokoro"
)

// registerBuiltinProviders registers the factories for every backend
// compiled into the binary. The factories share the App's voice store,
// cache and metrics.
func (a *App) registerBuiltinProviders(ctx context.Context, reg *config.Registry) {
	reg.RegisterTTS("fish_audio", func(cfg *config.Config) (tts.Provider, error) {
		c := cfg.Cloud
		opts := []fishaudio.Option{
			fishaudio.WithTimeouts(c.SynthesisTimeout, c.CloneTimeout),
			fishaudio.WithMetrics(a.metrics),
		}
		if c.BaseURL != "" {
			opts = append(opts, fishaudio.WithBaseURL(c.BaseURL))
		}
		if c.BootstrapSample != "" {
			opts = append(opts, fishaudio.WithBootstrapSample(c.BootstrapSample))
		}
		return fishaudio.New(a.voices, c.APIKey, opts...)
	})

	reg.RegisterTTS("kokoro", func(cfg *config.Config) (tts.Provider, error) {
		fetcher, err := newFetcher(ctx, cfg)
		if err != nil {
			return nil, err
		}
		l := cfg.Local
		opts := []kokoro.Option{
			kokoro.WithFetcher(fetcher),
			kokoro.WithSessionOpener(kokoro.ONNXOpener(l.ONNXRuntimeLib)),
			kokoro.WithVoiceStore(a.voices),
			kokoro.WithMetrics(a.metrics),
		}
		if l.Phonemizer == config.PhonemizerGrapheme {
			opts = append(opts, kokoro.WithPhonemizer(kokoro.Grapheme{}))
		} else {
			opts = append(opts, kokoro.WithPhonemizer(kokoro.Espeak{Path: l.EspeakPath}))
		}
		if a.cache != nil {
			opts = append(opts, kokoro.WithCache(a.cache))
		}
		return kokoro.New(kokoro.Config{
			Repo:          l.Repo,
			ModelFile:     l.ModelFile,
			TokenizerFile: l.TokenizerFile,
			DefaultVoice:  l.DefaultVoice,
			Language:      l.Language,
			Speed:         float32(l.Speed),
			ChunkSize:     l.ChunkSize,
			Workers:       l.Workers,
		}, opts...)
	})

	newOpenAI := func(defaultBaseURL string) config.LLMFactory {
		return func(cc config.ChatConfig) (llm.Provider, error) {
			base := cc.BaseURL
			if base == "" {
				base = defaultBaseURL
			}
			var opts []openai.Option
			if base != "" {
				opts = append(opts, openai.WithBaseURL(base))
			}
			if cc.Referer != "" {
				opts = append(opts, openai.WithHeader("HTTP-Referer", cc.Referer))
			}
			if cc.Title != "" {
				opts = append(opts, openai.WithHeader("X-Title", cc.Title))
			}
			return openai.New(cc.APIKey, cc.Model, opts...)
		}
	}
	reg.RegisterLLM("openrouter", newOpenAI(openai.OpenRouterBaseURL))
	reg.RegisterLLM("openai", newOpenAI(""))
}

// newFetcher builds the model artifact source. Files land in
// cfg.Local.ModelsDir, defaulting to a "models" directory next to the
// voices directory.
func newFetcher(ctx context.Context, cfg *config.Config) (artifact.Fetcher, error) {
	dir := cfg.Local.ModelsDir
	if dir == "" {
		dir = filepath.Join(filepath.Dir(filepath.Clean(cfg.VoicesDir)), "models")
	}
	ac := cfg.Artifacts

	switch ac.Source {
	case config.SourceS3:
		f, err := artifact.NewS3FromConfig(ctx, dir, artifact.S3Config{
			Bucket:   ac.Bucket,
			Prefix:   ac.Prefix,
			Region:   ac.Region,
			Endpoint: ac.Endpoint,
		})
		if err != nil {
			return nil, fmt.Errorf("app: %w", err)
		}
		slog.Info("model artifacts from s3", "bucket", ac.Bucket, "dir", dir)
		return f, nil
	default:
		var opts []artifact.HFOption
		if ac.Token != "" {
			opts = append(opts, artifact.WithToken(ac.Token))
		}
		slog.Info("model artifacts from hugging face", "dir", dir)
		return artifact.NewHuggingFace(dir, opts...), nil
	}
}
