// Package mock provides a test double for the llm.Provider interface.
//
// Use Provider in unit tests to verify that the agent sends correct
// CompletionRequests and to feed a scripted sequence of responses without a
// live LLM backend. Responses are consumed in order, one per Complete call;
// once the script runs out, the last response is repeated.
//
// Example:
//
//	p := &mock.Provider{
//	    Responses: []*llm.CompletionResponse{
//	        {ToolCalls: []types.ToolCall{{ID: "1", Name: "get_security_incidents_schema", Arguments: "{}"}}},
//	        {Content: "There are 3 open incidents."},
//	    },
//	}
package mock

import (
	"context"
	"slices"
	"sync"

	"github.com/MrWong99/incidentql/pkg/provider/llm"
	"github.com/MrWong99/incidentql/pkg/types"
)

// CompleteCall records a single invocation of Complete.
type CompleteCall struct {
	// Ctx is the context passed to Complete.
	Ctx context.Context
	// Req is the CompletionRequest passed to Complete. Messages and Tools are
	// copied so later mutation by the caller does not affect the record.
	Req llm.CompletionRequest
}

// Provider is a mock implementation of llm.Provider.
// Set Err fields to inject errors.
type Provider struct {
	mu sync.Mutex

	// Responses is the scripted reply sequence.
	Responses []*llm.CompletionResponse

	// CompleteFunc, if non-nil, replaces the scripted sequence entirely.
	CompleteFunc func(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error)

	// CompleteErr, if non-nil, is returned as the error from Complete.
	CompleteErr error

	// ErrAfter makes Complete fail with CompleteErr only once this many calls
	// have already succeeded. Zero fails immediately.
	ErrAfter int

	// ModelCapabilities is returned by Capabilities.
	ModelCapabilities types.ModelCapabilities

	// CompleteCalls records every invocation of Complete in order.
	CompleteCalls []CompleteCall

	next int
}

// Complete records the call and returns the next scripted response.
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	rec := req
	rec.Messages = slices.Clone(req.Messages)
	rec.Tools = slices.Clone(req.Tools)
	p.CompleteCalls = append(p.CompleteCalls, CompleteCall{Ctx: ctx, Req: rec})

	if p.CompleteErr != nil && len(p.CompleteCalls) > p.ErrAfter {
		return nil, p.CompleteErr
	}
	if p.CompleteFunc != nil {
		return p.CompleteFunc(ctx, req)
	}
	if len(p.Responses) == 0 {
		return &llm.CompletionResponse{}, nil
	}
	resp := p.Responses[min(p.next, len(p.Responses)-1)]
	p.next++
	return resp, nil
}

// Capabilities returns ModelCapabilities.
func (p *Provider) Capabilities() types.ModelCapabilities {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ModelCapabilities
}

// Calls returns a snapshot of the recorded Complete calls. Thread-safe.
func (p *Provider) Calls() []CompleteCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.CompleteCalls)
}

// Reset clears all recorded calls and rewinds the script. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.CompleteCalls = nil
	p.next = 0
}

// Ensure Provider implements llm.Provider at compile time.
var _ llm.Provider = (*Provider)(nil)
