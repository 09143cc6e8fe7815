package artifact

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const (
	defaultHubURL      = "https://huggingface.co"
	defaultHubRevision = "main"
	defaultHubTimeout  = 10 * time.Minute
)

// HuggingFace fetches files from the Hugging Face Hub "resolve" endpoint.
type HuggingFace struct {
	dir      string
	baseURL  string
	revision string
	token    string
	client   *http.Client
}

// HFOption configures a [HuggingFace] fetcher.
type HFOption func(*HuggingFace)

// WithHubURL overrides the hub base URL (mirrors, tests).
func WithHubURL(u string) HFOption {
	return func(h *HuggingFace) { h.baseURL = strings.TrimRight(u, "/") }
}

// WithRevision pins a branch, tag or commit. Default: "main".
func WithRevision(rev string) HFOption {
	return func(h *HuggingFace) { h.revision = rev }
}

// WithToken sends a bearer token for gated or private repositories.
func WithToken(token string) HFOption {
	return func(h *HuggingFace) { h.token = token }
}

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(c *http.Client) HFOption {
	return func(h *HuggingFace) { h.client = c }
}

// NewHuggingFace returns a fetcher that stores files under dir.
func NewHuggingFace(dir string, opts ...HFOption) *HuggingFace {
	h := &HuggingFace{
		dir:      dir,
		baseURL:  defaultHubURL,
		revision: defaultHubRevision,
		client: &http.Client{
			Timeout:   defaultHubTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Fetch implements [Fetcher].
func (h *HuggingFace) Fetch(ctx context.Context, repo, filename string) (string, error) {
	dest, err := localPath(h.dir, repo, filename)
	if err != nil {
		return "", err
	}
	if exists(dest) {
		return dest, nil
	}

	u := fmt.Sprintf("%s/%s/resolve/%s/%s", h.baseURL, repo, url.PathEscape(h.revision), filename)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", fmt.Errorf("artifact: build request: %w", err)
	}
	if h.token != "" {
		req.Header.Set("Authorization", "Bearer "+h.token)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("artifact: fetch %s/%s: %w", repo, filename, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return "", fmt.Errorf("%w: %s/%s", ErrNotFound, repo, filename)
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("artifact: fetch %s/%s: status %d: %s", repo, filename, resp.StatusCode, body)
	}

	if err := store(dest, resp.Body, u); err != nil {
		return "", err
	}
	return dest, nil
}

var _ Fetcher = (*HuggingFace)(nil)
