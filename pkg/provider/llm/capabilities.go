package llm

import (
	"strings"

	"github.com/MrWong99/incidentql/pkg/types"
)

// modelFamily matches a model name by prefix. Entries are checked in order,
// so more specific prefixes come first.
type modelFamily struct {
	prefix string
	caps   types.ModelCapabilities
}

var families = []modelFamily{
	{"gemini-2.5", types.ModelCapabilities{ContextWindow: 1_048_576, MaxOutputTokens: 65_536, SupportsToolCalling: true}},
	{"gemini-2.0", types.ModelCapabilities{ContextWindow: 1_048_576, MaxOutputTokens: 8_192, SupportsToolCalling: true}},
	{"gemini-1.5-pro", types.ModelCapabilities{ContextWindow: 2_097_152, MaxOutputTokens: 8_192, SupportsToolCalling: true}},
	{"gemini", types.ModelCapabilities{ContextWindow: 1_048_576, MaxOutputTokens: 8_192, SupportsToolCalling: true}},
	{"gpt-4.1", types.ModelCapabilities{ContextWindow: 1_047_576, MaxOutputTokens: 32_768, SupportsToolCalling: true}},
	{"gpt-4o", types.ModelCapabilities{ContextWindow: 128_000, MaxOutputTokens: 16_384, SupportsToolCalling: true}},
	{"o1-mini", types.ModelCapabilities{ContextWindow: 128_000, MaxOutputTokens: 65_536}},
	{"o1", types.ModelCapabilities{ContextWindow: 200_000, MaxOutputTokens: 100_000, SupportsToolCalling: true}},
	{"o3", types.ModelCapabilities{ContextWindow: 200_000, MaxOutputTokens: 100_000, SupportsToolCalling: true}},
	{"claude", types.ModelCapabilities{ContextWindow: 200_000, MaxOutputTokens: 8_192, SupportsToolCalling: true}},
}

// unknownModel is assumed for models not in the table. Local and gateway
// models are given the benefit of the doubt on tool calling.
var unknownModel = types.ModelCapabilities{ContextWindow: 128_000, MaxOutputTokens: 4_096, SupportsToolCalling: true}

// CapabilitiesFor returns what is known about model. Matching ignores case
// and any "models/" path prefix used by some gateways.
func CapabilitiesFor(model string) types.ModelCapabilities {
	name := strings.TrimPrefix(strings.ToLower(model), "models/")
	for _, f := range families {
		if strings.HasPrefix(name, f.prefix) {
			return f.caps
		}
	}
	return unknownModel
}
