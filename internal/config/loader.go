package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known backend names per kind.
// Used by [Validate] to warn about unrecognised names.
var ValidProviderNames = map[string][]string{
	"cloud": {"fish_audio"},
	"local": {"kokoro"},
	"chat":  {"openrouter", "openai"},
}

// Load reads the YAML configuration file at path, applies environment
// overrides and defaults, and returns a validated [Config].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies VOXBRIDGE_*
// environment overrides and defaults, and validates the result. An empty
// document yields the default configuration.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("config: environment: %w", err)
	}
	cfg.ApplyDefaults()
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	validateProviderName("cloud", cfg.Cloud.Provider)
	validateProviderName("local", cfg.Local.Provider)
	validateProviderName("chat", cfg.Chat.Provider)

	// Cloud
	if cfg.Cloud.SynthesisTimeout < 0 {
		errs = append(errs, fmt.Errorf("cloud.synthesis_timeout %s must not be negative", cfg.Cloud.SynthesisTimeout))
	}
	if cfg.Cloud.CloneTimeout < 0 {
		errs = append(errs, fmt.Errorf("cloud.clone_timeout %s must not be negative", cfg.Cloud.CloneTimeout))
	}
	if !cfg.Cloud.Disabled && cfg.Cloud.APIKey == "" {
		slog.Warn("cloud.api_key is empty; the cloud backend stays unavailable until a key is set")
	}

	// Local
	if cfg.Local.Phonemizer != "" && !cfg.Local.Phonemizer.IsValid() {
		errs = append(errs, fmt.Errorf("local.phonemizer %q is invalid; valid values: espeak, grapheme", cfg.Local.Phonemizer))
	}
	if cfg.Local.Speed != 0 && (cfg.Local.Speed < 0.5 || cfg.Local.Speed > 2.0) {
		errs = append(errs, fmt.Errorf("local.speed %.2f is out of range [0.5, 2.0]", cfg.Local.Speed))
	}
	if cfg.Local.Workers < 0 {
		errs = append(errs, fmt.Errorf("local.workers %d must not be negative", cfg.Local.Workers))
	}
	if cfg.Local.ChunkSize < 0 {
		errs = append(errs, fmt.Errorf("local.chunk_size %d must not be negative", cfg.Local.ChunkSize))
	}

	// At least one synthesis backend.
	if cfg.Cloud.Disabled && !cfg.Local.Enabled {
		errs = append(errs, errors.New("no synthesis backend: cloud is disabled and local is not enabled"))
	}

	// Artifacts
	if cfg.Artifacts.Source != "" && !cfg.Artifacts.Source.IsValid() {
		errs = append(errs, fmt.Errorf("artifacts.source %q is invalid; valid values: huggingface, s3", cfg.Artifacts.Source))
	}
	if cfg.Artifacts.Source == SourceS3 && cfg.Artifacts.Bucket == "" {
		errs = append(errs, errors.New("artifacts.bucket is required when artifacts.source is s3"))
	}

	// Cache
	if cfg.Cache.Backend != "" && !cfg.Cache.Backend.IsValid() {
		errs = append(errs, fmt.Errorf("cache.backend %q is invalid; valid values: disk, badger, off", cfg.Cache.Backend))
	}

	// Chat
	if cfg.Chat.MaxTokens < 0 {
		errs = append(errs, fmt.Errorf("chat.max_tokens %d must not be negative", cfg.Chat.MaxTokens))
	}
	if cfg.Chat.Temperature < 0 || cfg.Chat.Temperature > 2 {
		errs = append(errs, fmt.Errorf("chat.temperature %.2f is out of range [0, 2]", cfg.Chat.Temperature))
	}
	if cfg.Chat.APIKey == "" {
		slog.Warn("chat.api_key is empty; POST /api/chat will be disabled")
	}

	// Telemetry
	if r := cfg.Telemetry.SampleRatio; r < 0 || r > 1 {
		errs = append(errs, fmt.Errorf("telemetry.sample_ratio %.2f is out of range [0, 1]", r))
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok || slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown backend name, may be a typo or a third-party registration",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
