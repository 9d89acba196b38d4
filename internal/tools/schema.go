package tools

import (
	"encoding/json"
	"fmt"

	"github.com/google/jsonschema-go/jsonschema"
)

// QueryArgs is the argument object of the query tool.
type QueryArgs struct {
	SQLQuery string `json:"sql_query" jsonschema:"SQL query to execute against the security_incidents table" validate:"required"`
}

// SchemaArgs is the (empty) argument object of the schema tool.
type SchemaArgs struct{}

// parametersFor derives the JSON Schema of T as the plain map form providers
// expect. additionalProperties is dropped because some function-calling
// backends reject it, and properties is always present, even when empty.
func parametersFor[T any]() (map[string]any, error) {
	s, err := jsonschema.For[T](nil)
	if err != nil {
		return nil, fmt.Errorf("tools: derive schema for %T: %w", *new(T), err)
	}
	raw, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("tools: encode schema: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("tools: decode schema: %w", err)
	}
	delete(m, "additionalProperties")
	delete(m, "$schema")
	if _, ok := m["properties"]; !ok {
		m["properties"] = map[string]any{}
	}
	return m, nil
}
