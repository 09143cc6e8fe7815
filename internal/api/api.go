// Package api serves the voxbridge HTTP surface: direct synthesis, the chat
// round trip, voice cloning and voice management.
//
// Routes:
//
//	POST /api/tts                 synthesize text, responds with audio/wav
//	POST /api/chat                LLM reply plus optional synthesized audio
//	POST /api/voice/clone         multipart "audio" + "name"
//	GET  /api/voice/voices        voices of every backend
//	GET  /api/voice/status        backend flags and settings
//	GET  /api/voice/default       current default voice
//	PUT  /api/voice/default       set the default voice
//	PUT  /api/voice/credential    replace the cloud API key
//	GET  /audio/{key}             cached chat audio
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/MrWong99/voxbridge/internal/observe"
	"github.com/MrWong99/voxbridge/internal/orchestrator"
	"github.com/MrWong99/voxbridge/internal/resultcache"
	"github.com/MrWong99/voxbridge/pkg/provider/llm"
	"github.com/MrWong99/voxbridge/pkg/provider/tts"
)

const (
	maxJSONBody   = 1 << 20  // 1 MiB
	maxUploadBody = 32 << 20 // 32 MiB

	// BackendHeader names the backend that produced a synthesis response.
	BackendHeader = observe.BackendHeader
)

// Orchestrator is the part of [orchestrator.Orchestrator] the handlers use.
type Orchestrator interface {
	GenerateAudio(ctx context.Context, req orchestrator.Request) (*orchestrator.Result, error)
	CloneVoice(ctx context.Context, sample []byte, name string) (*orchestrator.CloneResult, error)
	ListVoices(ctx context.Context) (*orchestrator.VoiceListing, error)
	Status() orchestrator.Status
	CheckBackend(sel string) error
	DefaultVoice() string
	SetDefaultVoice(id string) error
}

// CredentialSetter replaces a backend credential at runtime.
type CredentialSetter interface {
	SetAPIKey(key string) error
}

var _ Orchestrator = (*orchestrator.Orchestrator)(nil)

// Option is a functional option for configuring a Handler.
type Option func(*Handler)

// WithChat enables POST /api/chat.
func WithChat(r llm.Responder) Option {
	return func(h *Handler) { h.chat = r }
}

// WithAudioCache stores chat audio in c and serves it under /audio/{key}.
// Without a cache chat replies carry no audio.
func WithAudioCache(c *resultcache.Cache) Option {
	return func(h *Handler) { h.audio = c }
}

// WithCredentials enables PUT /api/voice/credential.
func WithCredentials(c CredentialSetter) Option {
	return func(h *Handler) { h.creds = c }
}

// Handler serves the API routes. Optional collaborators that were not
// configured make their routes answer 503.
type Handler struct {
	orch  Orchestrator
	chat  llm.Responder
	audio *resultcache.Cache
	creds CredentialSetter
}

// New creates a Handler around orch.
func New(orch Orchestrator, opts ...Option) *Handler {
	h := &Handler{orch: orch}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Register adds every API route to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/tts", h.Synthesize)
	mux.HandleFunc("POST /api/chat", h.Chat)
	mux.HandleFunc("POST /api/voice/clone", h.Clone)
	mux.HandleFunc("GET /api/voice/voices", h.Voices)
	mux.HandleFunc("GET /api/voice/status", h.Status)
	mux.HandleFunc("GET /api/voice/default", h.GetDefault)
	mux.HandleFunc("PUT /api/voice/default", h.PutDefault)
	mux.HandleFunc("PUT /api/voice/credential", h.PutCredential)
	mux.HandleFunc("GET /audio/{key}", h.Audio)
}

// ---- request / response bodies ----

type ttsRequest struct {
	Text    string `json:"text"`
	VoiceID string `json:"voice_id"`
	Backend string `json:"backend"`
}

type chatRequest struct {
	Message string `json:"message"`
	VoiceID string `json:"voice_id"`
	Backend string `json:"backend"`
}

type chatResponse struct {
	Reply    string `json:"reply"`
	AudioURL string `json:"audio_url,omitempty"`
	Backend  string `json:"backend,omitempty"`
	TTSError string `json:"tts_error,omitempty"`
}

type cloneResponse struct {
	*orchestrator.CloneResult
	Warning string `json:"warning,omitempty"`
}

type defaultVoice struct {
	VoiceID string `json:"voice_id"`
}

type credentialRequest struct {
	APIKey string `json:"api_key"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// ---- synthesis ----

// Synthesize handles POST /api/tts.
func (h *Handler) Synthesize(w http.ResponseWriter, r *http.Request) {
	var req ttsRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	res, err := h.orch.GenerateAudio(r.Context(), orchestrator.Request{
		Text:    req.Text,
		VoiceID: req.VoiceID,
		Backend: req.Backend,
	})
	if err != nil {
		writeError(w, synthesisStatus(err), err.Error())
		return
	}
	w.Header().Set("Content-Type", "audio/wav")
	w.Header().Set(BackendHeader, res.Backend)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(res.Audio)
}

// Chat handles POST /api/chat. A synthesis failure does not fail the
// request: the reply is returned with tts_error set.
func (h *Handler) Chat(w http.ResponseWriter, r *http.Request) {
	if h.chat == nil {
		writeError(w, http.StatusServiceUnavailable, "chat is not configured")
		return
	}
	var req chatRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		writeError(w, http.StatusBadRequest, "message is required")
		return
	}
	if err := h.orch.CheckBackend(req.Backend); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ctx := r.Context()
	reply, err := h.chat.Respond(ctx, req.Message)
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}

	resp := chatResponse{Reply: reply}
	res, err := h.orch.GenerateAudio(ctx, orchestrator.Request{
		Text:    reply,
		VoiceID: req.VoiceID,
		Backend: req.Backend,
	})
	switch {
	case err != nil:
		observe.Logger(ctx).Warn("api: chat reply not synthesized", "err", err)
		resp.TTSError = err.Error()
	case h.audio == nil:
		resp.Backend = res.Backend
	default:
		resp.Backend = res.Backend
		key := resultcache.Key(reply, res.VoiceID, res.Backend)
		if err := h.audio.Put(ctx, key, res.Audio); err != nil {
			observe.Logger(ctx).Warn("api: chat audio not stored", "err", err)
			resp.TTSError = "audio could not be stored"
			break
		}
		resp.AudioURL = "/audio/" + key
	}
	writeJSON(w, http.StatusOK, resp)
}

// Audio handles GET /audio/{key}.
func (h *Handler) Audio(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	if h.audio == nil || !resultcache.ValidKey(key) {
		http.NotFound(w, r)
		return
	}
	audio, ok, err := h.audio.Get(r.Context(), key)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "audio lookup failed")
		return
	}
	if !ok {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "audio/wav")
	w.Header().Set("Cache-Control", "private, max-age=3600")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(audio)
}

// ---- voices ----

// Clone handles POST /api/voice/clone.
func (h *Handler) Clone(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBody)
	if err := r.ParseMultipartForm(maxUploadBody); err != nil {
		writeError(w, http.StatusBadRequest, "invalid multipart body")
		return
	}
	name := strings.TrimSpace(r.FormValue("name"))
	if name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	f, _, err := r.FormFile("audio")
	if err != nil {
		writeError(w, http.StatusBadRequest, "audio file is required")
		return
	}
	defer f.Close()
	sample, err := io.ReadAll(f)
	if err != nil || len(sample) == 0 {
		writeError(w, http.StatusBadRequest, "audio file is empty or unreadable")
		return
	}
	observe.Logger(r.Context()).Info("api: clone requested", "name", name, "sample", humanize.Bytes(uint64(len(sample))))

	res, err := h.orch.CloneVoice(r.Context(), sample, name)
	if res == nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	out := cloneResponse{CloneResult: res}
	if err != nil {
		out.Warning = err.Error()
	}
	writeJSON(w, http.StatusOK, out)
}

// Voices handles GET /api/voice/voices.
func (h *Handler) Voices(w http.ResponseWriter, r *http.Request) {
	l, err := h.orch.ListVoices(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, l)
}

// Status handles GET /api/voice/status.
func (h *Handler) Status(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.orch.Status())
}

// GetDefault handles GET /api/voice/default.
func (h *Handler) GetDefault(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, defaultVoice{VoiceID: h.orch.DefaultVoice()})
}

// PutDefault handles PUT /api/voice/default.
func (h *Handler) PutDefault(w http.ResponseWriter, r *http.Request) {
	var req defaultVoice
	if !decodeJSON(w, r, &req) {
		return
	}
	req.VoiceID = strings.TrimSpace(req.VoiceID)
	if req.VoiceID == "" {
		writeError(w, http.StatusBadRequest, "voice_id is required")
		return
	}
	if err := h.orch.SetDefaultVoice(req.VoiceID); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, req)
}

// PutCredential handles PUT /api/voice/credential.
func (h *Handler) PutCredential(w http.ResponseWriter, r *http.Request) {
	if h.creds == nil {
		writeError(w, http.StatusServiceUnavailable, "no cloud backend configured")
		return
	}
	var req credentialRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.APIKey) == "" {
		writeError(w, http.StatusBadRequest, "api_key is required")
		return
	}
	if err := h.creds.SetAPIKey(req.APIKey); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	slog.Info("api: cloud credential replaced")
	w.WriteHeader(http.StatusNoContent)
}

// ---- helpers ----

// synthesisStatus maps an orchestrator error to an HTTP status.
func synthesisStatus(err error) int {
	var failed *tts.SynthesisFailedError
	switch {
	case errors.Is(err, tts.ErrEmptyText), errors.Is(err, orchestrator.ErrUnknownBackend):
		return http.StatusBadRequest
	case errors.Is(err, tts.ErrNoProviderAvailable):
		return http.StatusServiceUnavailable
	case errors.As(err, &failed):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBody)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}
