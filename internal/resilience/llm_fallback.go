package resilience

import (
	"context"

	"github.com/MrWong99/incidentql/pkg/provider/llm"
	"github.com/MrWong99/incidentql/pkg/types"
)

// LLMFallback implements [llm.Provider] with automatic failover across the
// configured model backends. Each backend has its own circuit breaker; when
// the primary fails or its breaker is open, the next healthy fallback is tried
// with the identical request.
type LLMFallback struct {
	group *FallbackGroup[llm.Provider]
}

// Compile-time interface assertion.
var _ llm.Provider = (*LLMFallback)(nil)

// NewLLMFallback creates an [LLMFallback] with primary as the preferred backend.
func NewLLMFallback(primary llm.Provider, primaryName string, cfg FallbackConfig) *LLMFallback {
	return &LLMFallback{
		group: NewFallbackGroup(primary, primaryName, cfg),
	}
}

// AddFallback registers an additional LLM provider as a fallback.
func (f *LLMFallback) AddFallback(name string, provider llm.Provider) {
	f.group.AddFallback(name, provider)
}

// Names returns the backend names in failover order.
func (f *LLMFallback) Names() []string {
	return f.group.Names()
}

// Available reports whether any backend can currently be tried.
func (f *LLMFallback) Available() bool {
	return f.group.Available()
}

// Complete sends the request to the first healthy provider and returns its
// response. Conversation state lives with the caller, so a fallback sees
// exactly the history the primary would have seen.
func (f *LLMFallback) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	return ExecuteWithResult(ctx, f.group, func(p llm.Provider) (*llm.CompletionResponse, error) {
		return p.Complete(ctx, req)
	})
}

// Capabilities returns the capabilities of the primary. This does not
// participate in failover because capabilities are static metadata.
func (f *LLMFallback) Capabilities() types.ModelCapabilities {
	return f.group.Primary().Capabilities()
}
