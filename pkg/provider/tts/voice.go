package tts

import "time"

// Backend distinguishes the two families of TTS backends.
type Backend string

const (
	// BackendCloud is a remote voice-cloning API.
	BackendCloud Backend = "cloud"

	// BackendLocal is an in-process neural model.
	BackendLocal Backend = "local"
)

// Voice identifies a speaker style within one backend's namespace.
type Voice struct {
	// ID is unique within the backend namespace.
	ID string `json:"id"`

	// DisplayName is the human-readable name chosen at clone time.
	DisplayName string `json:"display_name"`

	// Language is a BCP-47-ish tag such as "es" or "en-us". May be empty.
	Language string `json:"language,omitempty"`

	// Backend is the namespace the ID belongs to.
	Backend Backend `json:"backend"`

	// ReferenceAudioPath is the owned copy of the cloning sample, if any.
	ReferenceAudioPath string `json:"reference_audio_path,omitempty"`

	// CreatedAt is zero for built-in catalog voices.
	CreatedAt time.Time `json:"created_at,omitzero"`

	// Metadata holds backend-specific facts (embedding id, sample duration).
	Metadata map[string]string `json:"metadata,omitempty"`
}
