// Package config provides the configuration schema, loader, and backend
// registry for voxbridge.
package config

import "time"

// LogLevel controls log verbosity for the voxbridge server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Phonemizer selects the grapheme-to-phoneme front end of the local engine.
type Phonemizer string

const (
	// PhonemizerEspeak shells out to espeak-ng.
	PhonemizerEspeak Phonemizer = "espeak"

	// PhonemizerGrapheme uses the built-in rule set.
	PhonemizerGrapheme Phonemizer = "grapheme"
)

// IsValid reports whether p is a recognised phonemizer.
func (p Phonemizer) IsValid() bool {
	return p == PhonemizerEspeak || p == PhonemizerGrapheme
}

// ArtifactSource selects where model files are downloaded from.
type ArtifactSource string

const (
	SourceHuggingFace ArtifactSource = "huggingface"
	SourceS3          ArtifactSource = "s3"
)

// IsValid reports whether s is a recognised artifact source.
func (s ArtifactSource) IsValid() bool {
	return s == SourceHuggingFace || s == SourceS3
}

// CacheBackend selects the synthesis result cache implementation.
type CacheBackend string

const (
	CacheDisk   CacheBackend = "disk"
	CacheBadger CacheBackend = "badger"
	CacheOff    CacheBackend = "off"
)

// IsValid reports whether b is a recognised cache backend.
func (b CacheBackend) IsValid() bool {
	switch b {
	case CacheDisk, CacheBadger, CacheOff:
		return true
	}
	return false
}

// Config is the root configuration structure for voxbridge.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader];
// selected fields can be overridden from VOXBRIDGE_* environment variables.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	VoicesDir string          `yaml:"voices_dir" env:"VOXBRIDGE_VOICES_DIR"`
	Cloud     CloudConfig     `yaml:"cloud"`
	Local     LocalConfig     `yaml:"local"`
	Artifacts ArtifactsConfig `yaml:"artifacts"`
	Cache     CacheConfig     `yaml:"cache"`
	Chat      ChatConfig      `yaml:"chat"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr" env:"VOXBRIDGE_LISTEN_ADDR"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level" env:"VOXBRIDGE_LOG_LEVEL"`
}

// CloudConfig configures the cloud synthesis backend.
type CloudConfig struct {
	// Provider selects the registered cloud backend. Default "fish_audio".
	Provider string `yaml:"provider"`

	// Disabled removes the cloud backend from the routing table.
	Disabled bool `yaml:"disabled"`

	// APIKey is the initial credential. A key persisted through the API
	// takes precedence.
	APIKey string `yaml:"api_key" env:"VOXBRIDGE_FISH_API_KEY"`

	// BaseURL overrides the API endpoint.
	BaseURL string `yaml:"base_url" env:"VOXBRIDGE_FISH_BASE_URL"`

	// SynthesisTimeout and CloneTimeout bound each remote call.
	SynthesisTimeout time.Duration `yaml:"synthesis_timeout"`
	CloneTimeout     time.Duration `yaml:"clone_timeout"`

	// BootstrapSample is cloned on first use when no cloud voice exists.
	BootstrapSample string `yaml:"bootstrap_sample"`
}

// LocalConfig configures the on-device synthesis engine.
type LocalConfig struct {
	// Provider selects the registered local backend. Default "kokoro".
	Provider string `yaml:"provider"`

	// Enabled adds the local engine to the routing table.
	Enabled bool `yaml:"enabled" env:"VOXBRIDGE_LOCAL_ENABLED"`

	Repo          string `yaml:"repo"`
	ModelFile     string `yaml:"model_file"`
	TokenizerFile string `yaml:"tokenizer_file"`
	DefaultVoice  string `yaml:"default_voice"`
	Language      string `yaml:"language"`

	// Speed is the speaking rate; 0 means 1.0.
	Speed float64 `yaml:"speed"`

	// ChunkSize is the per-inference character budget.
	ChunkSize int `yaml:"chunk_size"`

	// Workers bounds concurrent inferences. 0 means one per CPU.
	Workers int `yaml:"workers" env:"VOXBRIDGE_LOCAL_WORKERS"`

	Phonemizer Phonemizer `yaml:"phonemizer"`
	EspeakPath string     `yaml:"espeak_path"`

	// ONNXRuntimeLib is the path to the onnxruntime shared library.
	ONNXRuntimeLib string `yaml:"onnxruntime_lib" env:"VOXBRIDGE_ONNXRUNTIME_LIB"`

	// ModelsDir is the artifact download directory.
	ModelsDir string `yaml:"models_dir" env:"VOXBRIDGE_MODELS_DIR"`
}

// ArtifactsConfig configures model file retrieval.
type ArtifactsConfig struct {
	Source ArtifactSource `yaml:"source"`

	// Token authenticates against the Hugging Face hub.
	Token string `yaml:"token" env:"VOXBRIDGE_HF_TOKEN"`

	// S3 mirror settings, used when Source is "s3".
	Bucket   string `yaml:"bucket" env:"VOXBRIDGE_S3_BUCKET"`
	Region   string `yaml:"region" env:"VOXBRIDGE_S3_REGION"`
	Endpoint string `yaml:"endpoint" env:"VOXBRIDGE_S3_ENDPOINT"`
	Prefix   string `yaml:"prefix"`
}

// CacheConfig configures the synthesis result cache.
type CacheConfig struct {
	Backend  CacheBackend `yaml:"backend"`
	Dir      string       `yaml:"dir" env:"VOXBRIDGE_CACHE_DIR"`
	Compress bool         `yaml:"compress"`
}

// ChatConfig configures the LLM chat collaborator. Chat is disabled when
// no API key is configured.
type ChatConfig struct {
	// Provider selects the registered LLM backend. Default "openrouter".
	Provider     string  `yaml:"provider"`
	APIKey       string  `yaml:"api_key" env:"VOXBRIDGE_OPENROUTER_API_KEY"`
	BaseURL      string  `yaml:"base_url"`
	Model        string  `yaml:"model" env:"VOXBRIDGE_CHAT_MODEL"`
	SystemPrompt string  `yaml:"system_prompt"`
	MaxTokens    int     `yaml:"max_tokens"`
	Temperature  float64 `yaml:"temperature"`

	// FallbackReply is returned when the model call fails. Empty surfaces
	// the error instead.
	FallbackReply string `yaml:"fallback_reply"`

	// Referer and Title are sent as HTTP-Referer and X-Title.
	Referer string `yaml:"referer"`
	Title   string `yaml:"title"`
}

// TelemetryConfig configures OpenTelemetry resources.
type TelemetryConfig struct {
	ServiceName string `yaml:"service_name"`
	// SampleRatio is the fraction of new traces recorded, in [0, 1]. Zero
	// records every trace.
	SampleRatio float64 `yaml:"sample_ratio" env:"VOXBRIDGE_TRACE_SAMPLE_RATIO"`
}

// ---- defaults ----

// Default values applied by [ApplyDefaults].
const (
	DefaultListenAddr    = ":8080"
	DefaultVoicesDir     = "voices"
	DefaultCloudProvider = "fish_audio"
	DefaultLocalProvider = "kokoro"
	DefaultChatProvider  = "openrouter"
	DefaultChatModel     = "openai/gpt-4o-mini"
	DefaultMaxTokens     = 500
	DefaultTemperature   = 0.7
	DefaultServiceName   = "voxbridge"
)

// ApplyDefaults fills zero values with their defaults. Paths left empty
// under the voices directory are derived from it.
func (c *Config) ApplyDefaults() {
	if c.Server.ListenAddr == "" {
		c.Server.ListenAddr = DefaultListenAddr
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = LogInfo
	}
	if c.VoicesDir == "" {
		c.VoicesDir = DefaultVoicesDir
	}
	if c.Cloud.Provider == "" {
		c.Cloud.Provider = DefaultCloudProvider
	}
	if c.Local.Provider == "" {
		c.Local.Provider = DefaultLocalProvider
	}
	if c.Local.Phonemizer == "" {
		c.Local.Phonemizer = PhonemizerEspeak
	}
	if c.Artifacts.Source == "" {
		c.Artifacts.Source = SourceHuggingFace
	}
	if c.Cache.Backend == "" {
		c.Cache.Backend = CacheDisk
	}
	if c.Chat.Provider == "" {
		c.Chat.Provider = DefaultChatProvider
	}
	if c.Chat.Model == "" {
		c.Chat.Model = DefaultChatModel
	}
	if c.Chat.MaxTokens == 0 {
		c.Chat.MaxTokens = DefaultMaxTokens
	}
	if c.Chat.Temperature == 0 {
		c.Chat.Temperature = DefaultTemperature
	}
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = DefaultServiceName
	}
}
