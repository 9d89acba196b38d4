// Package web is the HTTP front end.
//
// Routes:
//
//	POST /api/ask    one question, one fresh conversation
//	GET  /api/chat   websocket; one conversation per connection
//	GET  /healthz    liveness
//	GET  /readyz     readiness (database, model backends)
//	GET  /metrics    Prometheus scrape endpoint
//	     /mcp        Model Context Protocol, streamable HTTP
//
// Every route goes through [observe.Middleware].
package web

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-playground/validator/v10"

	"github.com/MrWong99/incidentql/internal/agent"
	"github.com/MrWong99/incidentql/internal/health"
	"github.com/MrWong99/incidentql/internal/observe"
)

// maxBodyBytes caps the size of an /api/ask request body.
const maxBodyBytes = 64 << 10

// Asker answers questions within one conversation. *agent.Agent satisfies it.
type Asker interface {
	Ask(ctx context.Context, question string) agent.Response
}

// Config wires the front end to the rest of the application.
type Config struct {
	// NewConversation starts a fresh conversation. Required.
	NewConversation func() (Asker, error)

	// Health serves /healthz and /readyz when non-nil.
	Health *health.Handler

	// Metrics serves /metrics when non-nil.
	Metrics http.Handler

	// MCP serves /mcp when non-nil.
	MCP http.Handler

	// OriginPatterns lists the cross-origin hosts allowed to open chat
	// websockets. Same-origin requests are always allowed.
	OriginPatterns []string

	// Instruments defaults to [observe.DefaultMetrics].
	Instruments *observe.Metrics
}

// AskRequest is the body of POST /api/ask and each websocket chat frame.
type AskRequest struct {
	Question string `json:"question" validate:"required,max=2000"`
}

type errorBody struct {
	Error string `json:"error"`
}

// Server is the HTTP front end.
type Server struct {
	cfg      Config
	validate *validator.Validate
	handler  http.Handler
}

// New builds the route table.
func New(cfg Config) (*Server, error) {
	if cfg.NewConversation == nil {
		return nil, errors.New("web: NewConversation must not be nil")
	}
	if cfg.Instruments == nil {
		cfg.Instruments = observe.DefaultMetrics()
	}
	s := &Server{
		cfg:      cfg,
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/ask", s.handleAsk)
	mux.HandleFunc("GET /api/chat", s.handleChat)
	if cfg.Health != nil {
		cfg.Health.Register(mux)
	}
	if cfg.Metrics != nil {
		mux.Handle("GET /metrics", cfg.Metrics)
	}
	if cfg.MCP != nil {
		mux.Handle("/mcp", cfg.MCP)
	}
	mux.HandleFunc("GET /{$}", s.handleIndex)

	s.handler = observe.Middleware(cfg.Instruments)(mux)
	return s, nil
}

// ServeHTTP implements [http.Handler].
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

func (s *Server) handleIndex(w http.ResponseWriter, _ *http.Request) {
	endpoints := map[string]string{
		"ask":  "POST /api/ask",
		"chat": "GET /api/chat (websocket)",
	}
	if s.cfg.Health != nil {
		endpoints["health"] = "GET /healthz, GET /readyz"
	}
	if s.cfg.Metrics != nil {
		endpoints["metrics"] = "GET /metrics"
	}
	if s.cfg.MCP != nil {
		endpoints["mcp"] = "/mcp"
	}
	writeJSON(w, http.StatusOK, map[string]any{"service": "incidentql", "endpoints": endpoints})
}

func (s *Server) handleAsk(w http.ResponseWriter, r *http.Request) {
	var req AskRequest
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid request body: " + err.Error()})
		return
	}
	if err := s.validate.Struct(req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: validationMessage(err)})
		return
	}

	conv, err := s.cfg.NewConversation()
	if err != nil {
		observe.Logger(r.Context()).Error("start conversation", "err", err)
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "could not start a conversation"})
		return
	}
	writeJSON(w, http.StatusOK, conv.Ask(r.Context(), req.Question))
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	log := observe.Logger(r.Context())

	conv, err := s.cfg.NewConversation()
	if err != nil {
		log.Error("start conversation", "err", err)
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "could not start a conversation"})
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.OriginPatterns,
	})
	if err != nil {
		log.Warn("websocket accept failed", "err", err)
		return
	}
	defer conn.CloseNow()

	// The request context is detached from the hijacked connection; the
	// conversation lives until either side closes.
	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	defer cancel()

	s.cfg.Instruments.ActiveConversations.Add(ctx, 1)
	defer s.cfg.Instruments.ActiveConversations.Add(context.WithoutCancel(ctx), -1)
	log.Info("chat connected", "remote", r.RemoteAddr)

	for {
		var req AskRequest
		if err := wsjson.Read(ctx, conn, &req); err != nil {
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure, websocket.StatusGoingAway:
				log.Info("chat closed", "remote", r.RemoteAddr)
			default:
				log.Warn("chat read failed", "err", err)
			}
			return
		}

		var reply any
		if err := s.validate.Struct(req); err != nil {
			reply = errorBody{Error: validationMessage(err)}
		} else {
			reply = conv.Ask(ctx, req.Question)
		}
		if err := wsjson.Write(ctx, conn, reply); err != nil {
			log.Warn("chat write failed", "err", err)
			return
		}
	}
}

// validationMessage describes the first failed rule in analyst terms.
func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return err.Error()
	}
	fe := verrs[0]
	switch fe.Tag() {
	case "required":
		return "question is required"
	case "max":
		return "question must be at most " + fe.Param() + " characters"
	}
	return fe.Error()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("write response", "err", err)
	}
}
