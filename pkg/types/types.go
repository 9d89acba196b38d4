// Package types holds the conversation values exchanged between the model
// backends, the tool registry, and the incident agent. It imports nothing so
// that every other package can depend on it.
package types

// Message roles. Backends translate them to their own vocabulary.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message is one turn of a conversation.
type Message struct {
	Role    string
	Content string

	// ToolCalls is set on assistant turns that ask for a tool.
	ToolCalls []ToolCall

	// Name and ToolCallID are set on tool turns. Gemini pairs a function
	// response with its call by Name, OpenAI-style backends by ToolCallID.
	Name       string
	ToolCallID string
}

// ToolCall is a function invocation the model asked for. Arguments is the raw
// JSON object the model produced; it is not validated here.
type ToolCall struct {
	ID        string
	Name      string
	Arguments string
}

// ToolDefinition declares a function to the model. Parameters is a JSON
// Schema object.
type ToolDefinition struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// Required returns the "required" property names of the parameter schema in
// declaration order. Schemas built in Go use []string; schemas decoded from
// JSON use []any.
func (d ToolDefinition) Required() []string {
	switch req := d.Parameters["required"].(type) {
	case []string:
		return req
	case []any:
		out := make([]string, 0, len(req))
		for _, r := range req {
			if s, ok := r.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// ModelCapabilities is static metadata about a model. The agent refuses
// models without SupportsToolCalling.
type ModelCapabilities struct {
	ContextWindow       int
	MaxOutputTokens     int
	SupportsToolCalling bool
}
