package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/MrWong99/voxbridge/internal/observe"
)

const (
	defaultMaxTokens   = 500
	defaultTemperature = 0.7
)

// ChatOption is a functional option for configuring a Chat.
type ChatOption func(*Chat)

// WithSystemPrompt sets the instruction sent ahead of every user message.
func WithSystemPrompt(prompt string) ChatOption {
	return func(c *Chat) { c.systemPrompt = prompt }
}

// WithMaxTokens caps the reply length.
func WithMaxTokens(n int) ChatOption {
	return func(c *Chat) {
		if n > 0 {
			c.maxTokens = n
		}
	}
}

// WithTemperature sets the sampling temperature.
func WithTemperature(t float64) ChatOption {
	return func(c *Chat) { c.temperature = t }
}

// WithFallbackReply makes Respond return reply instead of an error when the
// provider fails.
func WithFallbackReply(reply string) ChatOption {
	return func(c *Chat) { c.fallback = reply }
}

// WithMetrics records on m instead of the package default.
func WithMetrics(m *observe.Metrics) ChatOption {
	return func(c *Chat) { c.metrics = m }
}

// Chat is a single-turn [Responder] over a [Provider].
type Chat struct {
	provider     Provider
	name         string
	systemPrompt string
	maxTokens    int
	temperature  float64
	fallback     string
	metrics      *observe.Metrics
}

var _ Responder = (*Chat)(nil)

// NewChat creates a Chat. name labels metrics and logs.
func NewChat(p Provider, name string, opts ...ChatOption) (*Chat, error) {
	if p == nil {
		return nil, errors.New("llm: provider must not be nil")
	}
	c := &Chat{
		provider:    p,
		name:        name,
		maxTokens:   defaultMaxTokens,
		temperature: defaultTemperature,
	}
	for _, o := range opts {
		o(c)
	}
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}
	return c, nil
}

// Respond implements [Responder].
func (c *Chat) Respond(ctx context.Context, userText string) (string, error) {
	if strings.TrimSpace(userText) == "" {
		return "", errors.New("llm: message must not be empty")
	}

	start := time.Now()
	resp, err := c.provider.Complete(ctx, CompletionRequest{
		Messages:     []Message{{Role: "user", Content: userText}},
		SystemPrompt: c.systemPrompt,
		Temperature:  c.temperature,
		MaxTokens:    c.maxTokens,
	})
	c.metrics.LLMDuration.Record(ctx, time.Since(start).Seconds(),
		metric.WithAttributes(observe.Attr("provider", c.name)))
	if err == nil && (resp == nil || strings.TrimSpace(resp.Content) == "") {
		err = errors.New("empty reply")
	}
	if err != nil {
		c.metrics.RecordProviderError(ctx, c.name, "llm")
		if c.fallback != "" {
			observe.Logger(ctx).Warn("llm: completion failed, using fallback reply", "provider", c.name, "err", err)
			return c.fallback, nil
		}
		return "", fmt.Errorf("llm: respond: %w", err)
	}
	slog.Debug("llm: reply", "provider", c.name, "tokens", resp.Usage.TotalTokens)
	return resp.Content, nil
}
