// Package tts defines the uniform contract over text-to-speech backends.
//
// A backend is either a cloud voice-cloning API or a locally loaded neural
// model. Both synthesize a complete utterance into a WAV byte buffer and both
// accept a short reference sample to register a voice. The orchestrator
// treats every backend identically through [Provider]; backend-specific
// behaviour is expressed only through [Provider.Available] and the errors in
// this package.
//
// Implementations must be safe for concurrent use.
package tts

import (
	"context"
)

// Provider is the abstraction over any TTS backend.
type Provider interface {
	// Name returns the stable backend identifier (e.g. "fish_audio",
	// "kokoro"). It is used in cache keys, metrics and status reports.
	Name() string

	// Kind reports whether the backend is a cloud API or a local model.
	Kind() Backend

	// Available reports whether the backend may be attempted right now. For a
	// cloud backend this means credentials are present; for a local backend it
	// means the model finished loading.
	Available() bool

	// Synthesize renders text with the given voice and returns the encoded
	// audio. An empty voiceID selects the backend's own default voice.
	Synthesize(ctx context.Context, text, voiceID string) ([]byte, error)

	// CloneVoice registers a voice from a single reference sample. The
	// returned Voice's ID is the identifier to pass to Synthesize.
	CloneVoice(ctx context.Context, sample []byte, name string) (*Voice, error)

	// ListVoices returns the voices this backend can synthesize with.
	ListVoices(ctx context.Context) ([]Voice, error)
}

// Initializer is implemented by backends that need a one-time load step
// before they become [Provider.Available].
type Initializer interface {
	Init(ctx context.Context) error
}

// StateReporter is implemented by backends that expose a lifecycle state
// beyond the boolean [Provider.Available].
type StateReporter interface {
	State() string
}
