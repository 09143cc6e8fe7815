// Package mock provides test doubles for the llm.Provider and llm.Responder
// interfaces.
//
// All fields are safe to set before calling any method; mutating them during
// a concurrent call is the caller's responsibility.
//
// Example:
//
//	p := &mock.Provider{
//	    CompleteResponse: &llm.CompletionResponse{Content: "Hola"},
//	}
//	resp, err := p.Complete(ctx, req)
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/voxbridge/pkg/provider/llm"
)

// CompleteCall records a single invocation of Complete.
type CompleteCall struct {
	// Ctx is the context passed to Complete.
	Ctx context.Context
	// Req is the CompletionRequest passed to Complete.
	Req llm.CompletionRequest
}

// Provider is a mock implementation of llm.Provider.
type Provider struct {
	mu sync.Mutex

	// CompleteResponse is returned by Complete. May be nil (returns nil, nil).
	CompleteResponse *llm.CompletionResponse

	// CompleteErr, if non-nil, is returned as the error from Complete.
	CompleteErr error

	// CompleteCalls records every invocation of Complete in order.
	CompleteCalls []CompleteCall
}

// Complete records the call and returns CompleteResponse, CompleteErr.
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.CompleteCalls = append(p.CompleteCalls, CompleteCall{Ctx: ctx, Req: req})
	return p.CompleteResponse, p.CompleteErr
}

// Calls returns a copy of the recorded calls. Thread-safe.
func (p *Provider) Calls() []CompleteCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]CompleteCall(nil), p.CompleteCalls...)
}

// Responder is a mock implementation of llm.Responder.
type Responder struct {
	mu sync.Mutex

	// Reply is returned by Respond.
	Reply string

	// Err, if non-nil, is returned as the error from Respond.
	Err error

	// Messages records every user text passed to Respond.
	Messages []string
}

// Respond records the call and returns Reply, Err.
func (r *Responder) Respond(_ context.Context, userText string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Messages = append(r.Messages, userText)
	if r.Err != nil {
		return "", r.Err
	}
	return r.Reply, nil
}

// Ensure the mocks implement the llm interfaces at compile time.
var (
	_ llm.Provider  = (*Provider)(nil)
	_ llm.Responder = (*Responder)(nil)
)
