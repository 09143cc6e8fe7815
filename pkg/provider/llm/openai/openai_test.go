package openai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/MrWong99/voxbridge/pkg/provider/llm"
)

// TestConvertMessage checks role conversion.
func TestConvertMessage(t *testing.T) {
	tests := []struct {
		role    string
		wantErr bool
	}{
		{role: "system"},
		{role: "user"},
		{role: "assistant"},
		{role: "tool", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.role, func(t *testing.T) {
			param, err := convertMessage(llm.Message{Role: tt.role, Content: "hola"})
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error for unknown role")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			var set bool
			switch tt.role {
			case "system":
				set = param.OfSystem != nil
			case "user":
				set = param.OfUser != nil
			case "assistant":
				set = param.OfAssistant != nil
			}
			if !set {
				t.Errorf("%s variant not set", tt.role)
			}
		})
	}
}

// TestNew_MissingAPIKey ensures constructor rejects an empty API key.
func TestNew_MissingAPIKey(t *testing.T) {
	if _, err := New("", "model"); err == nil {
		t.Fatal("expected error for empty API key")
	}
}

// TestNew_MissingModel ensures constructor rejects an empty model.
func TestNew_MissingModel(t *testing.T) {
	if _, err := New("sk-test", ""); err == nil {
		t.Fatal("expected error for empty model")
	}
}

type capturedRequest struct {
	body    map[string]any
	headers http.Header
	path    string
}

func newCompletionServer(t *testing.T, status int, reply string) (*httptest.Server, func() []capturedRequest) {
	t.Helper()
	var (
		mu   sync.Mutex
		reqs []capturedRequest
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		mu.Lock()
		reqs = append(reqs, capturedRequest{body: body, headers: r.Header.Clone(), path: r.URL.Path})
		mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		if status != http.StatusOK {
			w.WriteHeader(status)
			_, _ = w.Write([]byte(`{"error":{"message":"bad request","type":"invalid_request_error"}}`))
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":      "cmpl-1",
			"object":  "chat.completion",
			"created": 0,
			"model":   "test-model",
			"choices": []map[string]any{{
				"index":         0,
				"finish_reason": "stop",
				"message":       map[string]any{"role": "assistant", "content": reply},
			}},
			"usage": map[string]any{"prompt_tokens": 10, "completion_tokens": 5, "total_tokens": 15},
		})
	}))
	t.Cleanup(srv.Close)
	return srv, func() []capturedRequest {
		mu.Lock()
		defer mu.Unlock()
		return append([]capturedRequest(nil), reqs...)
	}
}

func TestComplete(t *testing.T) {
	srv, requests := newCompletionServer(t, http.StatusOK, "Respira hondo.")

	p, err := New("sk-test", "test-model",
		WithBaseURL(srv.URL),
		WithHeader("HTTP-Referer", "https://example.test"),
		WithHeader("X-Title", "voxbridge"),
		WithMaxRetries(0),
	)
	if err != nil {
		t.Fatal(err)
	}

	resp, err := p.Complete(context.Background(), llm.CompletionRequest{
		Messages:     []llm.Message{{Role: "user", Content: "Estoy nervioso"}},
		SystemPrompt: "Eres un coach.",
		Temperature:  0.7,
		MaxTokens:    500,
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Content != "Respira hondo." || resp.Usage.TotalTokens != 15 {
		t.Errorf("response = %+v", resp)
	}

	reqs := requests()
	if len(reqs) != 1 {
		t.Fatalf("got %d requests", len(reqs))
	}
	got := reqs[0]
	if got.path != "/chat/completions" {
		t.Errorf("path = %q", got.path)
	}
	if got.headers.Get("Authorization") != "Bearer sk-test" {
		t.Errorf("Authorization = %q", got.headers.Get("Authorization"))
	}
	if got.headers.Get("HTTP-Referer") != "https://example.test" || got.headers.Get("X-Title") != "voxbridge" {
		t.Errorf("attribution headers missing: %v", got.headers)
	}
	if got.body["model"] != "test-model" || got.body["max_tokens"] != float64(500) || got.body["temperature"] != 0.7 {
		t.Errorf("body = %v", got.body)
	}
	msgs, _ := got.body["messages"].([]any)
	if len(msgs) != 2 {
		t.Fatalf("messages = %v", got.body["messages"])
	}
	if first, _ := msgs[0].(map[string]any); first["role"] != "system" {
		t.Errorf("first message = %v, want system prompt", first)
	}
}

func TestComplete_HTTPError(t *testing.T) {
	srv, _ := newCompletionServer(t, http.StatusBadRequest, "")
	p, err := New("sk-test", "test-model", WithBaseURL(srv.URL), WithMaxRetries(0))
	if err != nil {
		t.Fatal(err)
	}
	_, err = p.Complete(context.Background(), llm.CompletionRequest{
		Messages: []llm.Message{{Role: "user", Content: "hola"}},
	})
	if err == nil {
		t.Fatal("expected error")
	}
}

func TestComplete_NoMessages(t *testing.T) {
	p, err := New("sk-test", "test-model")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := p.Complete(context.Background(), llm.CompletionRequest{}); err == nil {
		t.Fatal("expected error for empty request")
	}
}
