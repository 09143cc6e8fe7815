// Package mock provides a test double for the tts.Provider interface.
//
// Use Provider to return controlled audio and to verify which text, voice
// and samples reached the backend.
//
// Example:
//
//	p := &mock.Provider{
//	    ProviderName:    "fish_audio",
//	    Backend:         tts.BackendCloud,
//	    SynthesizeAudio: []byte("RIFF..."),
//	}
//	audio, _ := p.Synthesize(ctx, "hola", "v1")
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/voxbridge/pkg/provider/tts"
)

// SynthesizeCall records a single invocation of Synthesize.
type SynthesizeCall struct {
	// Ctx is the context passed to Synthesize.
	Ctx context.Context
	// Text is the text passed to Synthesize.
	Text string
	// VoiceID is the voice id passed to Synthesize.
	VoiceID string
}

// CloneVoiceCall records a single invocation of CloneVoice.
type CloneVoiceCall struct {
	// Ctx is the context passed to CloneVoice.
	Ctx context.Context
	// Sample is a copy of the reference sample passed to CloneVoice.
	Sample []byte
	// Name is the voice name passed to CloneVoice.
	Name string
}

// Provider is a mock implementation of tts.Provider. It also implements
// tts.Initializer and tts.StateReporter.
type Provider struct {
	mu sync.Mutex

	// --- Configurable responses ---

	// ProviderName is returned by Name. Defaults to "mock".
	ProviderName string

	// Backend is returned by Kind. Defaults to tts.BackendLocal.
	Backend tts.Backend

	// Unavailable makes Available report false.
	Unavailable bool

	// SynthesizeAudio is returned by Synthesize.
	SynthesizeAudio []byte

	// SynthesizeErr, if non-nil, is returned as the error from Synthesize.
	SynthesizeErr error

	// SynthesizeFunc, if set, replaces SynthesizeAudio and SynthesizeErr.
	SynthesizeFunc func(ctx context.Context, text, voiceID string) ([]byte, error)

	// CloneVoiceResult is returned by CloneVoice. May be nil.
	CloneVoiceResult *tts.Voice

	// CloneVoiceErr, if non-nil, is returned as the error from CloneVoice.
	CloneVoiceErr error

	// ListVoicesResult is returned by ListVoices.
	ListVoicesResult []tts.Voice

	// ListVoicesErr, if non-nil, is returned as the error from ListVoices.
	ListVoicesErr error

	// InitErr is returned by Init.
	InitErr error

	// StateResult is returned by State. Defaults to "ready" or "unavailable".
	StateResult string

	// --- Call records ---

	// SynthesizeCalls records every call to Synthesize in order.
	SynthesizeCalls []SynthesizeCall

	// CloneVoiceCalls records every call to CloneVoice in order.
	CloneVoiceCalls []CloneVoiceCall

	// InitCalls counts calls to Init.
	InitCalls int
}

// Name implements tts.Provider.
func (p *Provider) Name() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ProviderName == "" {
		return "mock"
	}
	return p.ProviderName
}

// Kind implements tts.Provider.
func (p *Provider) Kind() tts.Backend {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Backend == "" {
		return tts.BackendLocal
	}
	return p.Backend
}

// Available implements tts.Provider.
func (p *Provider) Available() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.Unavailable
}

// SetAvailable changes availability. Thread-safe.
func (p *Provider) SetAvailable(ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Unavailable = !ok
}

// Synthesize records the call and returns SynthesizeAudio, SynthesizeErr, or
// the result of SynthesizeFunc.
func (p *Provider) Synthesize(ctx context.Context, text, voiceID string) ([]byte, error) {
	p.mu.Lock()
	p.SynthesizeCalls = append(p.SynthesizeCalls, SynthesizeCall{Ctx: ctx, Text: text, VoiceID: voiceID})
	fn, audio, err := p.SynthesizeFunc, p.SynthesizeAudio, p.SynthesizeErr
	p.mu.Unlock()

	if fn != nil {
		return fn(ctx, text, voiceID)
	}
	if err != nil {
		return nil, err
	}
	return audio, nil
}

// CloneVoice records the call and returns CloneVoiceResult, CloneVoiceErr.
func (p *Provider) CloneVoice(ctx context.Context, sample []byte, name string) (*tts.Voice, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.CloneVoiceCalls = append(p.CloneVoiceCalls, CloneVoiceCall{
		Ctx:    ctx,
		Sample: append([]byte(nil), sample...),
		Name:   name,
	})
	return p.CloneVoiceResult, p.CloneVoiceErr
}

// ListVoices returns ListVoicesResult, ListVoicesErr.
func (p *Provider) ListVoices(_ context.Context) ([]tts.Voice, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ListVoicesResult, p.ListVoicesErr
}

// Init counts the call and returns InitErr.
func (p *Provider) Init(_ context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.InitCalls++
	return p.InitErr
}

// State returns StateResult.
func (p *Provider) State() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch {
	case p.StateResult != "":
		return p.StateResult
	case p.Unavailable:
		return "unavailable"
	default:
		return "ready"
	}
}

// Synthesized returns a copy of the recorded Synthesize calls. Thread-safe.
func (p *Provider) Synthesized() []SynthesizeCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]SynthesizeCall(nil), p.SynthesizeCalls...)
}

// Cloned returns a copy of the recorded CloneVoice calls. Thread-safe.
func (p *Provider) Cloned() []CloneVoiceCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]CloneVoiceCall(nil), p.CloneVoiceCalls...)
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.SynthesizeCalls = nil
	p.CloneVoiceCalls = nil
	p.InitCalls = 0
}

// Ensure Provider implements the tts interfaces at compile time.
var (
	_ tts.Provider      = (*Provider)(nil)
	_ tts.Initializer   = (*Provider)(nil)
	_ tts.StateReporter = (*Provider)(nil)
)
