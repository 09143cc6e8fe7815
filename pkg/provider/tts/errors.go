package tts

import (
	"errors"
	"fmt"
)

var (
	// ErrNotConfigured is the ConfigurationError sentinel: the backend lacks
	// credentials or was disabled. Callers fall back or report status.
	ErrNotConfigured = errors.New("tts: backend not configured")

	// ErrEngineNotReady is returned by a local engine outside its Ready state.
	// The load is never retried.
	ErrEngineNotReady = errors.New("tts: engine not ready")

	// ErrNoProviderAvailable is returned when no backend could be attempted.
	ErrNoProviderAvailable = errors.New("tts: no provider available")

	// ErrEmptyText is returned for blank synthesis input.
	ErrEmptyText = errors.New("tts: text must not be empty")
)

// ConfigurationError describes why a backend is not usable. It matches
// [ErrNotConfigured] with [errors.Is].
type ConfigurationError struct {
	Backend string
	Reason  string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("tts: %s not configured: %s", e.Backend, e.Reason)
}

// Is reports whether target is [ErrNotConfigured].
func (e *ConfigurationError) Is(target error) bool {
	return target == ErrNotConfigured
}

// UpstreamError is a non-success response from a remote API. Body holds the
// (possibly truncated) response body verbatim.
type UpstreamError struct {
	Backend    string
	StatusCode int
	Body       string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("tts: %s: upstream status %d: %s", e.Backend, e.StatusCode, e.Body)
}

// InferenceError wraps a numeric or session failure during local synthesis.
// Stage names the pipeline step that failed ("phonemize", "tokenize",
// "infer", "encode").
type InferenceError struct {
	Stage string
	Err   error
}

func (e *InferenceError) Error() string {
	return fmt.Sprintf("tts: inference failed at %s: %v", e.Stage, e.Err)
}

func (e *InferenceError) Unwrap() error { return e.Err }

// SynthesisFailedError is returned when every attempted backend failed. Err
// is the last backend's error.
type SynthesisFailedError struct {
	Backend string
	Err     error
}

func (e *SynthesisFailedError) Error() string {
	return fmt.Sprintf("tts: synthesis failed (last backend %s): %v", e.Backend, e.Err)
}

func (e *SynthesisFailedError) Unwrap() error { return e.Err }
