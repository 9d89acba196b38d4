// Package mcpserver exposes the incident tools over the Model Context
// Protocol so that external MCP clients can query the incident store with
// the same safety gate, dialect shim, and schema catalogue the built-in
// agent uses.
package mcpserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/MrWong99/incidentql/internal/tools"
)

// ServerName is reported to clients during initialization.
const ServerName = "incidentql"

// Tools is the part of *tools.Registry the server uses.
type Tools interface {
	Query(ctx context.Context, sql string) tools.Result
	Schema(ctx context.Context) tools.Result
}

// Server wraps an MCP server with the two incident tools registered.
type Server struct {
	tools    Tools
	validate *validator.Validate
	srv      *mcp.Server
}

// New registers the tools on a fresh MCP server.
func New(t Tools, version string) *Server {
	s := &Server{
		tools:    t,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		srv:      mcp.NewServer(&mcp.Implementation{Name: ServerName, Version: version}, nil),
	}
	mcp.AddTool(s.srv, &mcp.Tool{
		Name: tools.QueryToolName,
		Description: "Query the security incidents database with SQL. " +
			"Only a single read-only SELECT statement against security_incidents is executed.",
	}, s.handleQuery)
	mcp.AddTool(s.srv, &mcp.Tool{
		Name:        tools.SchemaToolName,
		Description: "Get schema information for the security incidents table",
	}, s.handleSchema)
	return s
}

// MCP returns the underlying server, e.g. to connect custom transports.
func (s *Server) MCP() *mcp.Server { return s.srv }

// RunStdio serves a single client over stdin/stdout until ctx is done or the
// client disconnects.
func (s *Server) RunStdio(ctx context.Context) error {
	slog.Info("mcp server listening on stdio")
	if err := s.srv.Run(ctx, &mcp.StdioTransport{}); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("mcpserver: stdio: %w", err)
	}
	return nil
}

// Handler returns a streamable HTTP handler. Stateless mode lets clients keep
// working across server restarts.
func (s *Server) Handler() http.Handler {
	return mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server {
		return s.srv
	}, &mcp.StreamableHTTPOptions{Stateless: true})
}

func (s *Server) handleQuery(ctx context.Context, _ *mcp.CallToolRequest, in tools.QueryArgs) (*mcp.CallToolResult, any, error) {
	if err := s.validate.Struct(in); err != nil {
		return nil, nil, fmt.Errorf("validation error: %w", err)
	}
	return toResult(s.tools.Query(ctx, in.SQLQuery)), nil, nil
}

func (s *Server) handleSchema(ctx context.Context, _ *mcp.CallToolRequest, _ tools.SchemaArgs) (*mcp.CallToolResult, any, error) {
	return toResult(s.tools.Schema(ctx)), nil, nil
}

// toResult renders a tool result as MCP content: the JSON payload first,
// followed by the condition for blocked or failed statements.
func toResult(res tools.Result) *mcp.CallToolResult {
	out := &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: res.JSON()}},
		IsError: res.IsError(),
	}
	if res.Err != nil && !res.IsError() {
		out.IsError = true
		out.Content = append(out.Content, &mcp.TextContent{Text: res.Err.Error()})
	}
	return out
}
