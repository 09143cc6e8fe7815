package fishaudio

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/voxbridge/internal/durable"
	"github.com/MrWong99/voxbridge/internal/voicestore"
	"github.com/MrWong99/voxbridge/pkg/provider/tts"
)

// fakeAPI is an in-process stand-in for the Fish Audio API.
type fakeAPI struct {
	mu          sync.Mutex
	ttsRequests []ttsRequest
	clones      []map[string]string
	auth        []string

	ttsStatus   int
	cloneStatus int
	cloneBody   string
}

func (f *fakeAPI) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /tts", func(w http.ResponseWriter, r *http.Request) {
		var req ttsRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		f.mu.Lock()
		f.ttsRequests = append(f.ttsRequests, req)
		f.auth = append(f.auth, r.Header.Get("Authorization"))
		status := f.ttsStatus
		f.mu.Unlock()
		if status != 0 {
			http.Error(w, "quota exceeded", status)
			return
		}
		w.Header().Set("Content-Type", "audio/wav")
		_, _ = w.Write([]byte("RIFF-cloud-audio"))
	})
	mux.HandleFunc("POST /voice/clone", func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		file, hdr, err := r.FormFile("voice")
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		data, _ := io.ReadAll(file)
		f.mu.Lock()
		f.clones = append(f.clones, map[string]string{
			"name":        r.FormValue("name"),
			"description": r.FormValue("description"),
			"filename":    hdr.Filename,
			"sample":      string(data),
		})
		status, body := f.cloneStatus, f.cloneBody
		f.mu.Unlock()
		if status != 0 {
			http.Error(w, "clone rejected", status)
			return
		}
		if body == "" {
			body = `{"reference_id":"ref-123"}`
		}
		_, _ = io.WriteString(w, body)
	})
	return mux
}

func (f *fakeAPI) ttsCalls() []ttsRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]ttsRequest(nil), f.ttsRequests...)
}

func (f *fakeAPI) authHeaders() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.auth...)
}

func (f *fakeAPI) cloneCalls() []map[string]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]map[string]string(nil), f.clones...)
}

func newTestClient(t *testing.T, apiKey string, opts ...Option) (*Client, *fakeAPI, *voicestore.Store) {
	t.Helper()
	api := &fakeAPI{}
	srv := httptest.NewServer(api.handler())
	t.Cleanup(srv.Close)

	voices, err := voicestore.Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	c, err := New(voices, apiKey, append([]Option{WithBaseURL(srv.URL)}, opts...)...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c, api, voices
}

func TestNew_RequiresVoiceStore(t *testing.T) {
	if _, err := New(nil, "key"); err == nil {
		t.Error("expected error without a voice store")
	}
}

func TestAvailable(t *testing.T) {
	c, _, _ := newTestClient(t, "")
	if c.Available() {
		t.Error("available without a key")
	}
	if c.Name() != "fish_audio" || c.Kind() != tts.BackendCloud {
		t.Errorf("Name/Kind = %s/%s", c.Name(), c.Kind())
	}

	_, err := c.Synthesize(context.Background(), "hola", "v")
	if !errors.Is(err, tts.ErrNotConfigured) {
		t.Errorf("Synthesize = %v, want ErrNotConfigured", err)
	}
	if _, err := c.CloneVoice(context.Background(), []byte("x"), "v"); !errors.Is(err, tts.ErrNotConfigured) {
		t.Errorf("CloneVoice = %v, want ErrNotConfigured", err)
	}
}

func TestSynthesize_Request(t *testing.T) {
	c, api, _ := newTestClient(t, "secret")

	audio, err := c.Synthesize(context.Background(), "Hola mundo", "ref-9")
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if string(audio) != "RIFF-cloud-audio" {
		t.Errorf("audio = %q", audio)
	}

	calls := api.ttsCalls()
	if len(calls) != 1 {
		t.Fatalf("got %d requests", len(calls))
	}
	want := ttsRequest{Text: "Hola mundo", Format: "wav", Latency: "normal", ReferenceID: "ref-9"}
	if calls[0] != want {
		t.Errorf("request = %+v, want %+v", calls[0], want)
	}
	if auth := api.authHeaders(); auth[0] != "Bearer secret" {
		t.Errorf("Authorization = %q", auth[0])
	}
}

func TestSynthesize_EmptyText(t *testing.T) {
	c, api, _ := newTestClient(t, "secret")
	if _, err := c.Synthesize(context.Background(), " ", ""); !errors.Is(err, tts.ErrEmptyText) {
		t.Errorf("got %v, want ErrEmptyText", err)
	}
	if len(api.ttsCalls()) != 0 {
		t.Error("request sent for empty text")
	}
}

func TestSynthesize_UpstreamError(t *testing.T) {
	c, api, _ := newTestClient(t, "secret")
	api.ttsStatus = http.StatusPaymentRequired

	_, err := c.Synthesize(context.Background(), "hola", "ref")
	var ue *tts.UpstreamError
	if !errors.As(err, &ue) {
		t.Fatalf("got %v, want UpstreamError", err)
	}
	if ue.StatusCode != http.StatusPaymentRequired || ue.Body != "quota exceeded" {
		t.Errorf("UpstreamError = %+v", ue)
	}
}

func TestSynthesize_Timeout(t *testing.T) {
	voices, err := voicestore.Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-block:
		case <-r.Context().Done():
		}
	}))
	t.Cleanup(srv.Close)
	t.Cleanup(func() { close(block) })

	c, err := New(voices, "secret", WithBaseURL(srv.URL), WithTimeouts(50*time.Millisecond, 0))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c.Synthesize(context.Background(), "hola", "ref"); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("got %v, want deadline exceeded", err)
	}
}

func TestSynthesize_ResolvesVoiceNames(t *testing.T) {
	c, api, _ := newTestClient(t, "secret")
	ctx := context.Background()

	if _, err := c.CloneVoice(ctx, []byte("sample"), "Narrador"); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Synthesize(ctx, "uno", "Narrador"); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Synthesize(ctx, "dos", ""); err != nil {
		t.Fatal(err)
	}

	calls := api.ttsCalls()
	for i, call := range calls {
		if call.ReferenceID != "ref-123" {
			t.Errorf("request %d reference_id = %q, want ref-123", i, call.ReferenceID)
		}
	}
}

func TestCloneVoice(t *testing.T) {
	c, api, voices := newTestClient(t, "secret")

	v, err := c.CloneVoice(context.Background(), []byte("sample-bytes"), "Narrador")
	if err != nil {
		t.Fatalf("CloneVoice: %v", err)
	}
	if v.ID != "ref-123" || v.Backend != tts.BackendCloud || v.DisplayName != "Narrador" {
		t.Errorf("voice = %+v", v)
	}

	clones := api.cloneCalls()
	if len(clones) != 1 {
		t.Fatalf("got %d clone requests", len(clones))
	}
	got := clones[0]
	if got["name"] != "Narrador" || got["sample"] != "sample-bytes" || got["filename"] != "Narrador.wav" || got["description"] == "" {
		t.Errorf("clone form = %v", got)
	}

	if voices.CloudDefault() != "ref-123" {
		t.Errorf("cloud default = %q, want ref-123", voices.CloudDefault())
	}
	if _, err := os.Stat(v.ReferenceAudioPath); err != nil {
		t.Errorf("sample not persisted: %v", err)
	}
	list, err := c.ListVoices(context.Background())
	if err != nil || len(list) != 1 || list[0].ID != "ref-123" {
		t.Errorf("ListVoices = %v, %v", list, err)
	}
}

func TestCloneVoice_ResponseIDFallback(t *testing.T) {
	c, api, _ := newTestClient(t, "secret")
	api.cloneBody = `{"id":"model-7"}`

	v, err := c.CloneVoice(context.Background(), []byte("s"), "otra")
	if err != nil {
		t.Fatal(err)
	}
	if v.ID != "model-7" {
		t.Errorf("ID = %q, want model-7", v.ID)
	}
}

func TestCloneVoice_RejectedUsesPlaceholder(t *testing.T) {
	c, api, _ := newTestClient(t, "secret")
	api.cloneStatus = http.StatusBadRequest

	v, err := c.CloneVoice(context.Background(), []byte("s"), "Narrador")
	if err != nil {
		t.Fatalf("CloneVoice: %v", err)
	}
	if v.ID != "local_Narrador" {
		t.Errorf("ID = %q, want local_Narrador", v.ID)
	}
}

func TestCloneVoice_RecordNotSaved(t *testing.T) {
	c, api, voices := newTestClient(t, "secret")

	// A directory in place of the record file makes every save fail.
	record := filepath.Join(voices.Dir(), "cloud.json")
	if err := os.RemoveAll(record); err != nil {
		t.Fatal(err)
	}
	if err := os.Mkdir(record, 0o755); err != nil {
		t.Fatal(err)
	}

	v, err := c.CloneVoice(context.Background(), []byte("sample-bytes"), "Narrador")
	if !errors.Is(err, durable.ErrSaveFailed) {
		t.Fatalf("err = %v, want ErrSaveFailed", err)
	}
	if v == nil || v.ID != "ref-123" {
		t.Fatalf("voice = %+v, want the cloned voice", v)
	}
	if n := len(api.cloneCalls()); n != 1 {
		t.Errorf("got %d clone requests, want 1", n)
	}
	if voices.CloudDefault() != "ref-123" {
		t.Errorf("cloud default = %q, want ref-123 kept in memory", voices.CloudDefault())
	}
}

func TestCloneVoice_TransportError(t *testing.T) {
	voices, err := voicestore.Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c, err := New(voices, "secret", WithBaseURL(url))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c.CloneVoice(context.Background(), []byte("s"), "v"); err == nil {
		t.Error("expected transport error")
	}
	if len(voices.CloudVoices()) != 0 {
		t.Error("failed clone was recorded")
	}
}

func TestBootstrap_ClonesOnceFromSample(t *testing.T) {
	sample := filepath.Join(t.TempDir(), "ref.wav")
	if err := os.WriteFile(sample, []byte("bootstrap-sample"), 0o644); err != nil {
		t.Fatal(err)
	}
	c, api, _ := newTestClient(t, "secret", WithBootstrapSample(sample))
	ctx := context.Background()

	for range 3 {
		if _, err := c.Synthesize(ctx, "hola", ""); err != nil {
			t.Fatal(err)
		}
	}
	clones := api.cloneCalls()
	if len(clones) != 1 || clones[0]["sample"] != "bootstrap-sample" {
		t.Fatalf("clone requests = %v, want exactly one with the bootstrap sample", clones)
	}
	for _, call := range api.ttsCalls() {
		if call.ReferenceID != "ref-123" {
			t.Errorf("reference_id = %q, want ref-123", call.ReferenceID)
		}
	}
}

func TestBootstrap_NotRepeatedAfterFailure(t *testing.T) {
	c, api, _ := newTestClient(t, "secret", WithBootstrapSample(filepath.Join(t.TempDir(), "missing.wav")))

	for range 2 {
		if _, err := c.Synthesize(context.Background(), "hola", ""); err != nil {
			t.Fatal(err)
		}
	}
	if n := len(api.cloneCalls()); n != 0 {
		t.Errorf("clone requests = %d, want 0", n)
	}
	for _, call := range api.ttsCalls() {
		if call.ReferenceID != "" {
			t.Errorf("reference_id = %q, want none", call.ReferenceID)
		}
	}
}

func TestSetAPIKey(t *testing.T) {
	c, api, voices := newTestClient(t, "")

	if err := c.SetAPIKey("  fresh  "); err != nil {
		t.Fatal(err)
	}
	if !c.Available() {
		t.Fatal("not available after SetAPIKey")
	}
	if voices.APIKey() != "fresh" {
		t.Errorf("persisted key = %q", voices.APIKey())
	}
	if _, err := c.Synthesize(context.Background(), "hola", "r"); err != nil {
		t.Fatal(err)
	}
	if auth := api.authHeaders(); auth[0] != "Bearer fresh" {
		t.Errorf("Authorization = %q", auth[0])
	}

	// A persisted key wins over the configured one on the next start.
	reopened, err := voicestore.Open(voices.Dir())
	if err != nil {
		t.Fatal(err)
	}
	c2, err := New(reopened, "from-config")
	if err != nil {
		t.Fatal(err)
	}
	if c2.key() != "fresh" {
		t.Errorf("key after restart = %q, want fresh", c2.key())
	}
}
