package llm

import "github.com/MrWong99/incidentql/pkg/types"

// Usage is the token accounting of one completion, when the backend reports it.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// CompletionRequest is one model round trip of the tool loop.
type CompletionRequest struct {
	// SystemPrompt is sent ahead of Messages, as a system turn or the
	// backend's dedicated instruction field.
	SystemPrompt string

	// Messages is the conversation so far, oldest first.
	Messages []types.Message

	// Tools are offered on every round; the model picks at most what it needs.
	Tools []types.ToolDefinition

	// Temperature is always sent, so zero means deterministic output rather
	// than the backend default.
	Temperature float64

	// MaxTokens caps the reply. Zero leaves the backend default.
	MaxTokens int
}

// CompletionResponse is the model's reply: final text, tool calls, or both.
type CompletionResponse struct {
	Content   string
	ToolCalls []types.ToolCall
	Usage     Usage
}

// HasToolCalls reports whether the reply asks for at least one tool. A nil
// response has none.
func (r *CompletionResponse) HasToolCalls() bool {
	return r != nil && len(r.ToolCalls) > 0
}
