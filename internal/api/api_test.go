package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/MrWong99/voxbridge/internal/orchestrator"
	"github.com/MrWong99/voxbridge/internal/resultcache"
	llmmock "github.com/MrWong99/voxbridge/pkg/provider/llm/mock"
	"github.com/MrWong99/voxbridge/pkg/provider/tts"
	"github.com/MrWong99/voxbridge/pkg/provider/tts/mock"
)

type fixture struct {
	cloud *mock.Provider
	local *mock.Provider
	chat  *llmmock.Responder
	creds *fakeCreds
	orch  *orchestrator.Orchestrator
	srv   *httptest.Server
}

type fakeCreds struct {
	keys []string
	err  error
}

func (f *fakeCreds) SetAPIKey(key string) error {
	if f.err != nil {
		return f.err
	}
	f.keys = append(f.keys, key)
	return nil
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		cloud: &mock.Provider{ProviderName: "fish_audio", Backend: tts.BackendCloud, SynthesizeAudio: []byte("cloud-wav")},
		local: &mock.Provider{ProviderName: "kokoro", Backend: tts.BackendLocal, SynthesizeAudio: []byte("local-wav")},
		chat:  &llmmock.Responder{Reply: "¡Hola!"},
		creds: &fakeCreds{},
	}
	orch, err := orchestrator.New(t.TempDir(), []tts.Provider{f.cloud, f.local})
	if err != nil {
		t.Fatalf("orchestrator.New: %v", err)
	}
	f.orch = orch

	store, err := resultcache.NewDiskStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewDiskStore: %v", err)
	}
	cache := resultcache.New(store)
	t.Cleanup(func() { _ = cache.Close() })

	opts = append([]Option{WithChat(f.chat), WithAudioCache(cache), WithCredentials(f.creds)}, opts...)
	mux := http.NewServeMux()
	New(orch, opts...).Register(mux)
	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fixture) do(t *testing.T, method, path, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, f.srv.URL+path, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return v
}

func readAll(t *testing.T, resp *http.Response) string {
	t.Helper()
	var b bytes.Buffer
	if _, err := b.ReadFrom(resp.Body); err != nil {
		t.Fatal(err)
	}
	return b.String()
}

// ---- /api/tts ----

func TestSynthesize(t *testing.T) {
	tests := []struct {
		name        string
		setup       func(f *fixture)
		body        string
		wantStatus  int
		wantBackend string
		wantAudio   string
	}{
		{
			name:        "cloud serves",
			body:        `{"text":"hola"}`,
			wantStatus:  http.StatusOK,
			wantBackend: "fish_audio",
			wantAudio:   "cloud-wav",
		},
		{
			name:        "falls back to local",
			setup:       func(f *fixture) { f.cloud.SynthesizeErr = &tts.UpstreamError{Backend: "fish_audio", StatusCode: 402} },
			body:        `{"text":"hola"}`,
			wantStatus:  http.StatusOK,
			wantBackend: "kokoro",
			wantAudio:   "local-wav",
		},
		{
			name:        "backend override",
			body:        `{"text":"hola","backend":"local"}`,
			wantStatus:  http.StatusOK,
			wantBackend: "kokoro",
			wantAudio:   "local-wav",
		},
		{
			name:       "empty text",
			body:       `{"text":"  "}`,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "malformed body",
			body:       `{"text":`,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "unknown backend",
			body:       `{"text":"hola","backend":"clod"}`,
			wantStatus: http.StatusBadRequest,
		},
		{
			name: "nothing available",
			setup: func(f *fixture) {
				f.cloud.SetAvailable(false)
				f.local.SetAvailable(false)
			},
			body:       `{"text":"hola"}`,
			wantStatus: http.StatusServiceUnavailable,
		},
		{
			name: "all backends fail",
			setup: func(f *fixture) {
				f.cloud.SynthesizeErr = errors.New("down")
				f.local.SynthesizeErr = errors.New("down")
			},
			body:       `{"text":"hola"}`,
			wantStatus: http.StatusBadGateway,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			if tt.setup != nil {
				tt.setup(f)
			}
			resp := f.do(t, "POST", "/api/tts", tt.body)
			if resp.StatusCode != tt.wantStatus {
				t.Fatalf("status = %d, want %d", resp.StatusCode, tt.wantStatus)
			}
			if tt.wantStatus != http.StatusOK {
				return
			}
			if got := resp.Header.Get(BackendHeader); got != tt.wantBackend {
				t.Errorf("%s = %q, want %q", BackendHeader, got, tt.wantBackend)
			}
			if got := resp.Header.Get("Content-Type"); got != "audio/wav" {
				t.Errorf("Content-Type = %q", got)
			}
			if got := readAll(t, resp); got != tt.wantAudio {
				t.Errorf("body = %q, want %q", got, tt.wantAudio)
			}
		})
	}
}

// ---- /api/chat and /audio ----

func TestChat_ReplyWithAudio(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, "POST", "/api/chat", `{"message":"¿Qué tal?","voice_id":"v1"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	body := decode[chatResponse](t, resp)
	if body.Reply != "¡Hola!" || body.Backend != "fish_audio" || body.TTSError != "" {
		t.Fatalf("body = %+v", body)
	}
	if !strings.HasPrefix(body.AudioURL, "/audio/") {
		t.Fatalf("audio_url = %q", body.AudioURL)
	}
	if calls := f.cloud.Synthesized(); len(calls) != 1 || calls[0].Text != "¡Hola!" || calls[0].VoiceID != "v1" {
		t.Errorf("synthesize calls = %+v", calls)
	}

	audio := f.do(t, "GET", body.AudioURL, "")
	if audio.StatusCode != http.StatusOK {
		t.Fatalf("audio status = %d", audio.StatusCode)
	}
	if got := readAll(t, audio); got != "cloud-wav" {
		t.Errorf("audio = %q", got)
	}
}

func TestChat_DegradedWhenSynthesisFails(t *testing.T) {
	f := newFixture(t)
	f.cloud.SetAvailable(false)
	f.local.SetAvailable(false)

	resp := f.do(t, "POST", "/api/chat", `{"message":"hola"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	body := decode[chatResponse](t, resp)
	if body.Reply != "¡Hola!" || body.AudioURL != "" || body.TTSError == "" {
		t.Errorf("body = %+v", body)
	}
}

func TestChat_Errors(t *testing.T) {
	tests := []struct {
		name       string
		setup      func(f *fixture)
		opts       []Option
		body       string
		wantStatus int
	}{
		{"empty message", nil, nil, `{"message":" "}`, http.StatusBadRequest},
		{"responder fails", func(f *fixture) { f.chat.Err = errors.New("llm down") }, nil, `{"message":"hola"}`, http.StatusBadGateway},
		{"chat disabled", nil, []Option{WithChat(nil)}, `{"message":"hola"}`, http.StatusServiceUnavailable},
		{"unknown backend", nil, nil, `{"message":"hola","backend":"clod"}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, tt.opts...)
			if tt.setup != nil {
				tt.setup(f)
			}
			if resp := f.do(t, "POST", "/api/chat", tt.body); resp.StatusCode != tt.wantStatus {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.wantStatus)
			}
		})
	}
}

func TestAudio_NotFound(t *testing.T) {
	f := newFixture(t)
	for _, path := range []string{
		"/audio/" + resultcache.Key("never", "stored", "x"),
		"/audio/not-a-key",
	} {
		if resp := f.do(t, "GET", path, ""); resp.StatusCode != http.StatusNotFound {
			t.Errorf("GET %s: status = %d, want 404", path, resp.StatusCode)
		}
	}
}

// ---- /api/voice ----

func multipartBody(t *testing.T, name string, audio []byte) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if name != "" {
		if err := mw.WriteField("name", name); err != nil {
			t.Fatal(err)
		}
	}
	if audio != nil {
		fw, err := mw.CreateFormFile("audio", "sample.wav")
		if err != nil {
			t.Fatal(err)
		}
		if _, err := fw.Write(audio); err != nil {
			t.Fatal(err)
		}
	}
	if err := mw.Close(); err != nil {
		t.Fatal(err)
	}
	return &buf, mw.FormDataContentType()
}

func TestClone(t *testing.T) {
	f := newFixture(t)
	f.cloud.CloneVoiceResult = &tts.Voice{ID: "ref-9", DisplayName: "Narrador", Backend: tts.BackendCloud}
	f.local.CloneVoiceResult = &tts.Voice{ID: "af_bella", DisplayName: "Narrador", Backend: tts.BackendLocal}

	body, ct := multipartBody(t, "Narrador", []byte("RIFF-sample"))
	resp, err := http.Post(f.srv.URL+"/api/voice/clone", ct, body)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	out := decode[orchestrator.CloneResult](t, resp)
	if out.Cloud.Status != orchestrator.CloneSuccess || out.Local.Status != orchestrator.CloneSuccess {
		t.Errorf("statuses = %s/%s", out.Cloud.Status, out.Local.Status)
	}
	if out.DefaultVoiceID != "ref-9" || f.orch.DefaultVoice() != "ref-9" {
		t.Errorf("default = %q", out.DefaultVoiceID)
	}
	if c := f.cloud.Cloned(); len(c) != 1 || string(c[0].Sample) != "RIFF-sample" {
		t.Errorf("cloud clone calls = %+v", c)
	}
}

func TestClone_BadRequests(t *testing.T) {
	f := newFixture(t)
	tests := []struct {
		name  string
		field string
		audio []byte
	}{
		{"missing name", "", []byte("x")},
		{"missing audio", "v", nil},
		{"empty audio", "v", []byte{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body, ct := multipartBody(t, tt.field, tt.audio)
			resp, err := http.Post(f.srv.URL+"/api/voice/clone", ct, body)
			if err != nil {
				t.Fatal(err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", resp.StatusCode)
			}
		})
	}
	if len(f.cloud.Cloned()) != 0 {
		t.Error("backend reached with an invalid upload")
	}
}

func TestDefaultVoice(t *testing.T) {
	f := newFixture(t)

	if resp := f.do(t, "PUT", "/api/voice/default", `{"voice_id":""}`); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("blank id: status = %d", resp.StatusCode)
	}
	if resp := f.do(t, "PUT", "/api/voice/default", `{"voice_id":"ref-1"}`); resp.StatusCode != http.StatusOK {
		t.Fatalf("PUT status = %d", resp.StatusCode)
	}
	got := decode[defaultVoice](t, f.do(t, "GET", "/api/voice/default", ""))
	if got.VoiceID != "ref-1" {
		t.Errorf("default = %q", got.VoiceID)
	}
}

func TestDefaultVoice_SaveFailure(t *testing.T) {
	blocker := filepath.Join(t.TempDir(), "file")
	if err := os.WriteFile(blocker, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	orch, err := orchestrator.New(blocker, []tts.Provider{&mock.Provider{}})
	if err != nil {
		t.Fatal(err)
	}
	mux := http.NewServeMux()
	New(orch).Register(mux)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest("PUT", "/api/voice/default", strings.NewReader(`{"voice_id":"v"}`)))
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rec.Code)
	}
}

func TestVoicesAndStatus(t *testing.T) {
	f := newFixture(t)
	f.cloud.ListVoicesResult = []tts.Voice{{ID: "ref-1", Backend: tts.BackendCloud}}
	f.local.ListVoicesResult = []tts.Voice{{ID: "af_bella", Backend: tts.BackendLocal}}

	l := decode[orchestrator.VoiceListing](t, f.do(t, "GET", "/api/voice/voices", ""))
	if len(l.Cloud) != 1 || len(l.Local) != 1 {
		t.Errorf("listing = %+v", l)
	}

	st := decode[orchestrator.Status](t, f.do(t, "GET", "/api/voice/status", ""))
	if len(st.Backends) != 2 || st.Backends[0].Name != "fish_audio" {
		t.Errorf("status = %+v", st)
	}
}

func TestCredential(t *testing.T) {
	f := newFixture(t)

	if resp := f.do(t, "PUT", "/api/voice/credential", `{"api_key":" "}`); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("blank key: status = %d", resp.StatusCode)
	}
	if resp := f.do(t, "PUT", "/api/voice/credential", `{"api_key":"sk-new"}`); resp.StatusCode != http.StatusNoContent {
		t.Errorf("status = %d, want 204", resp.StatusCode)
	}
	if len(f.creds.keys) != 1 || f.creds.keys[0] != "sk-new" {
		t.Errorf("keys = %v", f.creds.keys)
	}

	f.creds.err = errors.New("disk full")
	if resp := f.do(t, "PUT", "/api/voice/credential", `{"api_key":"sk-2"}`); resp.StatusCode != http.StatusInternalServerError {
		t.Errorf("failing store: status = %d, want 500", resp.StatusCode)
	}
}

func TestCredential_NotConfigured(t *testing.T) {
	f := newFixture(t, WithCredentials(nil))
	if resp := f.do(t, "PUT", "/api/voice/credential", `{"api_key":"k"}`); resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", resp.StatusCode)
	}
}
