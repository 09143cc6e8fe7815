// Package fishaudio provides the cloud TTS backend backed by the Fish Audio
// HTTP API. It implements the tts.Provider interface.
//
// Cloned voices, their reference samples, the default cloud voice and the
// API key are persisted in a [voicestore.Store] so they survive restarts.
package fishaudio

import (
	"bytes"
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/MrWong99/voxbridge/internal/observe"
	"github.com/MrWong99/voxbridge/internal/voicestore"
	"github.com/MrWong99/voxbridge/pkg/provider/tts"
)

const (
	providerName = "fish_audio"

	defaultBaseURL      = "https://api.fish.audio/v1"
	defaultSynthTimeout = 30 * time.Second
	defaultCloneTimeout = 60 * time.Second
	bootstrapVoiceName  = "default"

	// maxErrorBody caps how much of an error response is kept.
	maxErrorBody = 4 << 10
)

// Option is a functional option for configuring the Client.
type Option func(*Client)

// WithBaseURL overrides the API base URL (e.g. for a proxy or a test server).
func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

// WithHTTPClient sets the HTTP client. Its transport is used as is; request
// timeouts are applied per call through the context.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithTimeouts sets the per-call deadlines for synthesis and cloning. Zero
// keeps the default.
func WithTimeouts(synth, clone time.Duration) Option {
	return func(c *Client) {
		if synth > 0 {
			c.synthTimeout = synth
		}
		if clone > 0 {
			c.cloneTimeout = clone
		}
	}
}

// WithBootstrapSample sets the reference sample cloned on first use when no
// default cloud voice exists yet. Without it the newest stored sample is
// used.
func WithBootstrapSample(path string) Option {
	return func(c *Client) { c.bootstrapSample = path }
}

// WithMetrics records on m instead of the package default.
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// Client is the Fish Audio backend. It is safe for concurrent use.
type Client struct {
	baseURL         string
	httpClient      *http.Client
	synthTimeout    time.Duration
	cloneTimeout    time.Duration
	bootstrapSample string
	voices          *voicestore.Store
	metrics         *observe.Metrics

	mu     sync.RWMutex
	apiKey string

	bootstrapOnce sync.Once
}

// Compile-time interface assertion.
var _ tts.Provider = (*Client)(nil)

// New creates a Client. apiKey may be empty, in which case the client is
// unavailable until [Client.SetAPIKey] is called. A key persisted in voices
// takes precedence over apiKey.
func New(voices *voicestore.Store, apiKey string, opts ...Option) (*Client, error) {
	if voices == nil {
		return nil, errors.New("fishaudio: a voice store is required")
	}
	c := &Client{
		baseURL: defaultBaseURL,
		httpClient: &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		synthTimeout: defaultSynthTimeout,
		cloneTimeout: defaultCloneTimeout,
		voices:       voices,
		apiKey:       apiKey,
	}
	if stored := voices.APIKey(); stored != "" {
		c.apiKey = stored
	}
	for _, o := range opts {
		o(c)
	}
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}
	return c, nil
}

// Name implements tts.Provider.
func (c *Client) Name() string { return providerName }

// Kind implements tts.Provider.
func (c *Client) Kind() tts.Backend { return tts.BackendCloud }

// Available implements tts.Provider. It is true iff an API key is set.
func (c *Client) Available() bool { return c.key() != "" }

func (c *Client) key() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.apiKey
}

// SetAPIKey replaces the credential. The new key is persisted before it
// takes effect; on a persistence failure the previous key stays active.
func (c *Client) SetAPIKey(key string) error {
	key = strings.TrimSpace(key)
	if err := c.voices.SetAPIKey(key); err != nil {
		return fmt.Errorf("fishaudio: persist api key: %w", err)
	}
	c.mu.Lock()
	c.apiKey = key
	c.mu.Unlock()
	slog.Info("fishaudio: api key updated", "configured", key != "")
	return nil
}

func (c *Client) notConfigured() error {
	return &tts.ConfigurationError{Backend: providerName, Reason: "no API key"}
}

// ---- Synthesize ----

type ttsRequest struct {
	Text        string `json:"text"`
	Format      string `json:"format"`
	Latency     string `json:"latency"`
	ReferenceID string `json:"reference_id,omitempty"`
}

// Synthesize implements tts.Provider. voiceID may be a reference id or the
// name of a voice cloned through this client; empty selects the cloud
// default.
func (c *Client) Synthesize(ctx context.Context, text, voiceID string) ([]byte, error) {
	key := c.key()
	if key == "" {
		return nil, c.notConfigured()
	}
	if strings.TrimSpace(text) == "" {
		return nil, tts.ErrEmptyText
	}

	refID := c.resolveVoice(ctx, voiceID)
	body, err := json.Marshal(ttsRequest{
		Text:        text,
		Format:      "wav",
		Latency:     "normal",
		ReferenceID: refID,
	})
	if err != nil {
		return nil, fmt.Errorf("fishaudio: encode request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.synthTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/tts", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("fishaudio: synthesize: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+key)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.metrics.RecordProviderRequest(ctx, providerName, "tts", "error")
		return nil, fmt.Errorf("fishaudio: synthesize HTTP: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		c.metrics.RecordProviderRequest(ctx, providerName, "tts", "error")
		return nil, upstreamError(resp)
	}
	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		c.metrics.RecordProviderRequest(ctx, providerName, "tts", "error")
		return nil, fmt.Errorf("fishaudio: read audio: %w", err)
	}
	c.metrics.RecordProviderRequest(ctx, providerName, "tts", "ok")
	return audio, nil
}

func (c *Client) resolveVoice(ctx context.Context, voiceID string) string {
	if voiceID != "" {
		if ref, ok := c.voices.CloudReference(voiceID); ok {
			return ref
		}
		return voiceID
	}
	if def := c.voices.CloudDefault(); def != "" {
		return def
	}
	c.bootstrapOnce.Do(func() { c.bootstrap(ctx) })
	return c.voices.CloudDefault()
}

// bootstrap clones the bootstrap sample so that a default voice exists.
// Failures are logged; the attempt is not repeated.
func (c *Client) bootstrap(ctx context.Context) {
	path := c.bootstrapSample
	if path == "" {
		var ok bool
		if path, ok = c.voices.LatestSample(); !ok {
			slog.Info("fishaudio: no reference sample to bootstrap a default voice")
			return
		}
	}
	sample, err := os.ReadFile(path)
	if err != nil {
		slog.Warn("fishaudio: read bootstrap sample", "path", path, "err", err)
		return
	}
	v, err := c.CloneVoice(ctx, sample, bootstrapVoiceName)
	if v == nil {
		slog.Warn("fishaudio: bootstrap clone failed", "path", path, "err", err)
		return
	}
	slog.Info("fishaudio: bootstrapped default voice", "reference_id", v.ID, "sample", path)
}

// ---- CloneVoice ----

type cloneResponse struct {
	ReferenceID string `json:"reference_id"`
	ID          string `json:"id"`
}

// CloneVoice implements tts.Provider. A rejected clone request (non-2xx) is
// logged and recorded under the placeholder id "local_<name>"; transport
// failures are returned. When the voice was cloned but its record could not
// be saved, both the voice and an error wrapping [durable.ErrSaveFailed] are
// returned.
func (c *Client) CloneVoice(ctx context.Context, sample []byte, name string) (*tts.Voice, error) {
	key := c.key()
	if key == "" {
		return nil, c.notConfigured()
	}
	if len(sample) == 0 {
		return nil, errors.New("fishaudio: clone: sample must not be empty")
	}

	body, contentType, err := cloneForm(sample, name)
	if err != nil {
		return nil, fmt.Errorf("fishaudio: clone: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.cloneTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/voice/clone", body)
	if err != nil {
		return nil, fmt.Errorf("fishaudio: clone: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+key)
	req.Header.Set("Content-Type", contentType)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.metrics.RecordProviderRequest(ctx, providerName, "clone", "error")
		return nil, fmt.Errorf("fishaudio: clone HTTP: %w", err)
	}
	defer resp.Body.Close()

	var refID string
	if resp.StatusCode/100 != 2 {
		c.metrics.RecordProviderRequest(ctx, providerName, "clone", "rejected")
		ue := upstreamError(resp)
		slog.Warn("fishaudio: clone rejected, using placeholder id", "status", ue.StatusCode, "body", ue.Body)
		refID = "local_" + name
	} else {
		var cr cloneResponse
		if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
			c.metrics.RecordProviderRequest(ctx, providerName, "clone", "error")
			return nil, fmt.Errorf("fishaudio: clone decode: %w", err)
		}
		refID = cmp.Or(cr.ReferenceID, cr.ID, "ref_"+name)
		c.metrics.RecordProviderRequest(ctx, providerName, "clone", "ok")
	}

	v, err := c.voices.PutCloud(name, refID, sample)
	if err != nil {
		// The upstream voice exists; only the local record is incomplete.
		slog.Warn("fishaudio: voice cloned but not persisted", "name", name, "reference_id", refID, "err", err)
		return &v, fmt.Errorf("fishaudio: clone: %w", err)
	}
	slog.Info("fishaudio: voice cloned", "name", name, "reference_id", refID)
	return &v, nil
}

func cloneForm(sample []byte, name string) (io.Reader, string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("voice", name+".wav")
	if err != nil {
		return nil, "", err
	}
	if _, err := fw.Write(sample); err != nil {
		return nil, "", err
	}
	if err := mw.WriteField("name", name); err != nil {
		return nil, "", err
	}
	if err := mw.WriteField("description", "Cloned voice: "+name); err != nil {
		return nil, "", err
	}
	if err := mw.Close(); err != nil {
		return nil, "", err
	}
	return &buf, mw.FormDataContentType(), nil
}

// ---- ListVoices ----

// ListVoices implements tts.Provider. Only voices cloned through this
// client are listed; the account's remote catalog is not queried.
func (c *Client) ListVoices(_ context.Context) ([]tts.Voice, error) {
	return c.voices.CloudVoices(), nil
}

// ---- helpers ----

func upstreamError(resp *http.Response) *tts.UpstreamError {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return &tts.UpstreamError{
		Backend:    providerName,
		StatusCode: resp.StatusCode,
		Body:       strings.TrimSpace(string(body)),
	}
}
