// Package tools declares the two operations the model may invoke against the
// incident store and routes the model's tool calls to them.
//
// The surface is fixed:
//
//   - "query_security_incidents" runs one read-only SQL statement.
//   - "get_security_incidents_schema" returns the field catalogue.
//
// [Registry.Dispatch] never fails the conversation. Every outcome, including
// an unknown tool name, malformed arguments, a blocked statement, or a
// database error, becomes a [Result] that is fed back to the model.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/antzucaro/matchr"
	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel/attribute"

	"github.com/MrWong99/incidentql/internal/incidents"
	"github.com/MrWong99/incidentql/internal/observe"
	"github.com/MrWong99/incidentql/internal/sqlexec"
	"github.com/MrWong99/incidentql/pkg/types"
)

// Tool names as declared to the model.
const (
	QueryToolName  = "query_security_incidents"
	SchemaToolName = "get_security_incidents_schema"
)

// ErrUnknownTool marks a call to a name outside the registry. It is folded
// into the result payload and never returned to callers.
var ErrUnknownTool = errors.New("unknown tool")

// suggestThreshold is the Jaro-Winkler similarity above which an unknown tool
// name is reported as a probable misspelling.
const suggestThreshold = 0.85

// Executor runs one statement. *sqlexec.Executor satisfies it.
type Executor interface {
	Execute(ctx context.Context, sql string) (sqlexec.Result, error)
}

// Result is the outcome of one tool call.
type Result struct {
	// Payload is the JSON-encodable value handed back to the model: either
	// {"content": ...} or {"error": "..."}.
	Payload map[string]any

	// Err is the condition behind an error payload, or the recovered
	// executor condition (sqlexec.ErrBlockedQuery, sqlexec.ErrExecution)
	// behind an empty content payload. Nil on plain success.
	Err error

	// Trace holds the human-readable lines describing what happened.
	Trace []string
}

// JSON encodes Payload. Values that cannot be encoded are rendered with %v so
// that the model always receives a well-formed object.
func (r Result) JSON() string {
	raw, err := json.Marshal(r.Payload)
	if err == nil {
		return string(raw)
	}
	fallback := make(map[string]any, len(r.Payload))
	for k, v := range r.Payload {
		fallback[k] = stringify(v)
	}
	raw, err = json.Marshal(fallback)
	if err != nil {
		return fmt.Sprintf(`{"error":%q}`, "unencodable tool result: "+err.Error())
	}
	return string(raw)
}

// stringify replaces leaf values that json cannot encode with their %v form.
func stringify(v any) any {
	switch x := v.(type) {
	case []sqlexec.Row:
		out := make([]map[string]any, len(x))
		for i, row := range x {
			m := make(map[string]any, len(row))
			for k, val := range row {
				if _, err := json.Marshal(val); err != nil {
					m[k] = fmt.Sprintf("%v", val)
				} else {
					m[k] = val
				}
			}
			out[i] = m
		}
		return out
	default:
		if _, err := json.Marshal(v); err != nil {
			return fmt.Sprintf("%v", v)
		}
		return v
	}
}

// IsError reports whether the payload carries an error object.
func (r Result) IsError() bool {
	_, ok := r.Payload["error"]
	return ok
}

func content(v any) map[string]any { return map[string]any{"content": v} }

func errorPayload(msg string) map[string]any { return map[string]any{"error": msg} }

// Registry holds the tool declarations and their handlers. It holds no
// per-conversation state and is safe for concurrent use.
type Registry struct {
	exec     Executor
	describe func() incidents.Catalog
	metrics  *observe.Metrics
	validate *validator.Validate
	defs     []types.ToolDefinition
}

// Option configures a [Registry].
type Option func(*Registry)

// WithMetrics records tool metrics on m instead of [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(r *Registry) { r.metrics = m }
}

// WithCatalog replaces the schema source. Used by tests.
func WithCatalog(describe func() incidents.Catalog) Option {
	return func(r *Registry) { r.describe = describe }
}

// New builds the registry over exec.
func New(exec Executor, opts ...Option) (*Registry, error) {
	r := &Registry{
		exec:     exec,
		describe: incidents.Describe,
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
	for _, o := range opts {
		o(r)
	}
	if r.metrics == nil {
		r.metrics = observe.DefaultMetrics()
	}

	queryParams, err := parametersFor[QueryArgs]()
	if err != nil {
		return nil, err
	}
	schemaParams, err := parametersFor[SchemaArgs]()
	if err != nil {
		return nil, err
	}
	r.defs = []types.ToolDefinition{
		{
			Name:        QueryToolName,
			Description: "Query the security incidents database with SQL",
			Parameters:  queryParams,
		},
		{
			Name:        SchemaToolName,
			Description: "Get schema information for the security incidents table",
			Parameters:  schemaParams,
		},
	}
	return r, nil
}

// Definitions returns the declarations offered to the model.
func (r *Registry) Definitions() []types.ToolDefinition {
	out := make([]types.ToolDefinition, len(r.defs))
	copy(out, r.defs)
	return out
}

// Dispatch routes call by name.
func (r *Registry) Dispatch(ctx context.Context, call types.ToolCall) Result {
	ctx, span := observe.StartSpan(ctx, "tools.Dispatch")
	defer span.End()
	span.SetAttributes(attribute.String("tool.name", call.Name))

	start := time.Now()
	var res Result
	switch call.Name {
	case QueryToolName:
		var args QueryArgs
		if err := r.decode(call.Arguments, &args); err != nil {
			res = Result{
				Payload: errorPayload(fmt.Sprintf("invalid arguments for %s: %v", QueryToolName, err)),
				Err:     err,
				Trace:   []string{fmt.Sprintf("Invalid arguments for %s: %v", QueryToolName, err)},
			}
			break
		}
		res = r.Query(ctx, args.SQLQuery)
	case SchemaToolName:
		res = r.Schema(ctx)
	default:
		res = r.unknown(call.Name)
	}

	status := "ok"
	if res.IsError() {
		status = "error"
	}
	r.metrics.RecordToolCall(ctx, call.Name, status, time.Since(start).Seconds())
	return res
}

// decode parses a JSON argument object into dst and validates it. An empty
// argument string decodes as {}.
func (r *Registry) decode(raw string, dst any) error {
	if raw == "" {
		raw = "{}"
	}
	if err := json.Unmarshal([]byte(raw), dst); err != nil {
		return fmt.Errorf("malformed JSON: %w", err)
	}
	return r.validate.Struct(dst)
}

// Query normalizes known date idioms in sql and executes it. Blocked
// statements and execution failures yield an empty content payload with the
// condition recorded in Err and Trace.
func (r *Registry) Query(ctx context.Context, sql string) Result {
	var res Result
	if normalized, changed := NormalizeDates(sql); changed {
		res.Trace = append(res.Trace, "Rewrote SQLite date expressions to PostgreSQL syntax")
		sql = normalized
	}
	res.Trace = append(res.Trace, "Executing SQL query: "+sql)

	out, err := r.exec.Execute(ctx, sql)
	rows := out.Rows
	if rows == nil {
		rows = []sqlexec.Row{}
	}
	res.Payload = content(rows)

	switch {
	case errors.Is(err, sqlexec.ErrBlockedQuery):
		res.Err = err
		res.Trace = append(res.Trace, "Query blocked: only a single SELECT statement is allowed")
	case err != nil:
		res.Err = err
		res.Trace = append(res.Trace, "Query execution error: "+err.Error())
	default:
		res.Trace = append(res.Trace, fmt.Sprintf("Query returned %d rows", len(rows)))
		if out.Truncated {
			res.Trace = append(res.Trace, fmt.Sprintf("Result truncated to the first %d rows", len(rows)))
		}
	}
	return res
}

// Schema returns the field catalogue.
func (r *Registry) Schema(_ context.Context) Result {
	cat := r.describe()
	return Result{
		Payload: content(cat),
		Trace: []string{
			"Getting security incidents schema",
			fmt.Sprintf("Schema returned %d fields (catalog version %s)", len(cat.Fields), cat.Version),
		},
	}
}

// unknown answers a call to an unregistered name.
func (r *Registry) unknown(name string) Result {
	res := Result{
		Payload: errorPayload("Unknown function: " + name),
		Err:     fmt.Errorf("%w: %q", ErrUnknownTool, name),
		Trace:   []string{"Unknown function: " + name},
	}
	if s := r.closest(name); s != "" {
		res.Trace = append(res.Trace, "Closest registered tool: "+s)
	}
	return res
}

// closest returns the registered name most similar to name, or "" when none
// is similar enough.
func (r *Registry) closest(name string) string {
	best, bestScore := "", 0.0
	for _, d := range r.defs {
		if s := matchr.JaroWinkler(name, d.Name, false); s > bestScore {
			best, bestScore = d.Name, s
		}
	}
	if bestScore < suggestThreshold {
		return ""
	}
	return best
}
