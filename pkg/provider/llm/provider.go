// Package llm defines the chat collaborator used by the conversation route.
//
// A [Provider] wraps a remote model API and performs one completion per call.
// A [Responder] turns a single user utterance into a reply; [Chat] is the
// standard Responder built on a Provider with a fixed system prompt.
//
// Implementors must be safe for concurrent use.
package llm

import (
	"context"
)

// Message is a single message in a conversation.
type Message struct {
	// Role is one of "system", "user" or "assistant".
	Role string

	// Content is the text content of the message.
	Content string
}

// Usage holds token accounting information returned by the backend.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// CompletionRequest carries everything the model needs to produce a reply.
type CompletionRequest struct {
	// Messages is the ordered conversation. The last message is typically
	// from the "user" role.
	Messages []Message

	// SystemPrompt, when set, is sent as a leading "system" message.
	SystemPrompt string

	// Temperature controls output randomness in [0.0, 2.0]. Zero uses the
	// provider default.
	Temperature float64

	// MaxTokens caps the reply length. Zero uses the provider default.
	MaxTokens int
}

// CompletionResponse is the model's full reply.
type CompletionResponse struct {
	Content string
	Usage   Usage
}

// Provider is the abstraction over an LLM backend.
type Provider interface {
	// Complete sends req to the model and waits for the full response.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)
}

// Responder produces a reply to one user utterance.
type Responder interface {
	Respond(ctx context.Context, userText string) (string, error)
}
