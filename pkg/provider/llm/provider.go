// Package llm defines the Provider interface for Large Language Model backends.
//
// An LLM provider wraps a remote or local model API (Gemini, OpenAI, Anthropic,
// a local Ollama instance, ...) and exposes the single request/response shape
// the incident agent needs: a completion over a message history with declared
// tools, whose reply is either text or one or more tool invocations.
//
// Implementors must be safe for concurrent use.
package llm

import (
	"context"

	"github.com/MrWong99/incidentql/pkg/types"
)

// Provider is the abstraction over any LLM backend.
//
// Providers are stateless: multi-turn session state is carried by the caller in
// [CompletionRequest.Messages]. Complete must return promptly when ctx is
// cancelled or its deadline expires.
type Provider interface {
	// Complete sends req to the model and waits for the full response.
	//
	// Returns an error if the request fails or if ctx is cancelled before
	// the completion arrives.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)

	// Capabilities returns static metadata describing what this provider's underlying
	// model supports. The result is assumed to be constant for the lifetime of the
	// Provider instance.
	Capabilities() types.ModelCapabilities
}
