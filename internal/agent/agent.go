// Package agent drives the conversation between an analyst, the language
// model, and the incident tools.
//
// An [Agent] owns one chat session. Each call to [Agent.Ask] appends the
// question to the session history and runs a bounded loop:
//
//  1. send the history to the model;
//  2. if the reply requests a tool, dispatch the first request through the
//     tool registry, append the result, and go back to 1;
//  3. otherwise the reply text is the answer.
//
// Every step is recorded in a trace that is returned with the answer. Ask
// never returns an error: failures become a [Response] with [StatusError].
package agent

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/MrWong99/incidentql/internal/database"
	"github.com/MrWong99/incidentql/internal/observe"
	"github.com/MrWong99/incidentql/internal/tools"
	"github.com/MrWong99/incidentql/pkg/provider/llm"
	"github.com/MrWong99/incidentql/pkg/types"
)

// Defaults applied by [New] to zero-valued [Config] fields.
const (
	DefaultModel        = "gemini-2.0-flash"
	DefaultTemperature  = 0.2
	DefaultMaxRounds    = 8
	DefaultModelTimeout = 60 * time.Second
)

// ErrMaxRounds matches the error produced when the model keeps requesting
// tools past the configured round limit.
var ErrMaxRounds = errors.New("maximum tool-call rounds exceeded")

// MaxRoundsError reports the limit that was hit. errors.Is(err, ErrMaxRounds)
// holds for it.
type MaxRoundsError struct {
	Limit int
}

func (e *MaxRoundsError) Error() string {
	return fmt.Sprintf("maximum tool-call rounds (%d) exceeded", e.Limit)
}

func (e *MaxRoundsError) Is(target error) bool { return target == ErrMaxRounds }

// ignoredCall is the tool result sent for every call after the first one in a
// single model turn.
const ignoredCall = `{"error":"ignored: only one function call is processed per round"}`

// Status is the outcome of one question.
type Status string

const (
	StatusSuccess Status = "success"
	StatusError   Status = "error"
)

// Response is what [Agent.Ask] returns to front ends.
type Response struct {
	Text   string   `json:"text"`
	Status Status   `json:"status"`
	Trace  []string `json:"trace"`
}

// Dispatcher declares and executes tools. *tools.Registry satisfies it.
type Dispatcher interface {
	Definitions() []types.ToolDefinition
	Dispatch(ctx context.Context, call types.ToolCall) tools.Result
}

// Config holds the dependencies and tuning of an [Agent].
type Config struct {
	// Provider is the model backend. Required.
	Provider llm.Provider

	// Tools is the tool registry offered to the model. Required.
	Tools Dispatcher

	// ProviderName labels provider metrics. Default: "llm".
	ProviderName string

	// Model names the model in the trace. Default: [DefaultModel].
	Model string

	// Temperature is sent with every request. Nil means [DefaultTemperature];
	// a pointer to zero asks for deterministic sampling.
	Temperature *float64

	// MaxRounds bounds the number of tool dispatches per question.
	// Default: [DefaultMaxRounds].
	MaxRounds int

	// ModelTimeout bounds each model request. Default: [DefaultModelTimeout].
	ModelTimeout time.Duration

	// SystemPrompt replaces [SystemPrompt] when non-empty.
	SystemPrompt string

	// Metrics defaults to [observe.DefaultMetrics].
	Metrics *observe.Metrics
}

// Agent is one conversation with the model. Questions on the same Agent are
// answered one at a time, in order; independent conversations use separate
// Agents. The session history only ever grows.
type Agent struct {
	provider     llm.Provider
	tools        Dispatcher
	defs         []types.ToolDefinition
	providerName string
	model        string
	temperature  float64
	maxRounds    int
	modelTimeout time.Duration
	systemPrompt string
	metrics      *observe.Metrics

	mu      sync.Mutex
	started bool
	history []types.Message
}

// New validates cfg and returns an Agent with an empty session. The session
// itself starts on the first [Agent.Ask].
func New(cfg Config) (*Agent, error) {
	if cfg.Provider == nil {
		return nil, errors.New("agent: provider must not be nil")
	}
	if cfg.Tools == nil {
		return nil, errors.New("agent: tools must not be nil")
	}
	if cfg.ProviderName == "" {
		cfg.ProviderName = "llm"
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.MaxRounds <= 0 {
		cfg.MaxRounds = DefaultMaxRounds
	}
	if cfg.ModelTimeout <= 0 {
		cfg.ModelTimeout = DefaultModelTimeout
	}
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = SystemPrompt
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	return &Agent{
		provider:     cfg.Provider,
		tools:        cfg.Tools,
		providerName: cfg.ProviderName,
		model:        cfg.Model,
		temperature:  temperatureOr(cfg.Temperature, DefaultTemperature),
		maxRounds:    cfg.MaxRounds,
		modelTimeout: cfg.ModelTimeout,
		systemPrompt: cfg.SystemPrompt,
		metrics:      cfg.Metrics,
	}, nil
}

// Ask answers question within the agent's session.
//
// If the loop fails, the error text is appended to the session as the
// assistant's reply, closing the turn. Every tool call already in the history
// has its result by then, so later questions continue a well-formed
// conversation. If a tool
// could not reach the database, the model's answer is still returned but the
// status is [StatusError] because the answer is not based on live data.
func (a *Agent) Ask(ctx context.Context, question string) Response {
	a.mu.Lock()
	defer a.mu.Unlock()

	ctx, span := observe.StartSpan(ctx, "agent.Ask")
	defer span.End()
	start := time.Now()

	tr := &trace{ctx: ctx}
	if !a.started {
		a.started = true
		tr.add("Initializing chat session: " + a.model)
	}

	text, outage, err := a.converse(ctx, question, tr)

	resp := Response{Text: text, Status: StatusSuccess}
	switch {
	case err != nil:
		tr.add("Error processing query: " + err.Error())
		observe.FailSpan(span, err, err.Error())
		resp = Response{Text: "Error processing your query: " + err.Error(), Status: StatusError}
		a.history = append(a.history, types.Message{Role: types.RoleAssistant, Content: resp.Text})
	case outage:
		tr.add("Database unavailable: the answer is not based on live data")
		observe.FailSpan(span, nil, "database unavailable")
		resp.Status = StatusError
	}
	resp.Trace = tr.lines

	span.SetAttributes(attribute.String("status", string(resp.Status)))
	a.metrics.RecordAsk(ctx, string(resp.Status), time.Since(start).Seconds())
	return resp
}

// converse runs the tool loop for one question. outage reports whether any
// dispatched statement failed because the database was unreachable.
func (a *Agent) converse(ctx context.Context, question string, tr *trace) (text string, outage bool, err error) {
	if a.defs == nil {
		a.defs = a.tools.Definitions()
	}
	a.history = append(a.history, types.Message{Role: types.RoleUser, Content: question})
	tr.add("Sending query to model: " + question)

	for round := 0; ; round++ {
		resp, err := a.complete(ctx)
		if err != nil {
			return "", outage, err
		}
		if !resp.HasToolCalls() {
			a.history = append(a.history, types.Message{Role: types.RoleAssistant, Content: resp.Content})
			tr.add("Received final response from model")
			return resp.Content, outage, nil
		}
		if round >= a.maxRounds {
			return "", outage, &MaxRoundsError{Limit: a.maxRounds}
		}

		calls := withIDs(resp.ToolCalls, round)
		a.history = append(a.history, types.Message{
			Role:      types.RoleAssistant,
			Content:   resp.Content,
			ToolCalls: calls,
		})

		first := calls[0]
		tr.add("Handling function call: " + first.Name)
		res := a.tools.Dispatch(ctx, first)
		tr.add(res.Trace...)
		if errors.Is(res.Err, database.ErrUnavailable) {
			outage = true
		}
		a.history = append(a.history, toolMessage(first, res.JSON()))

		for _, extra := range calls[1:] {
			tr.add("Ignoring additional function call: " + extra.Name)
			a.history = append(a.history, toolMessage(extra, ignoredCall))
		}
		tr.add("Sending function result to model for function: " + first.Name)
	}
}

// complete sends the current history to the model under the model timeout.
func (a *Agent) complete(ctx context.Context) (*llm.CompletionResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, a.modelTimeout)
	defer cancel()

	start := time.Now()
	resp, err := a.provider.Complete(ctx, llm.CompletionRequest{
		Messages:     slices.Clone(a.history),
		Tools:        a.defs,
		Temperature:  a.temperature,
		SystemPrompt: a.systemPrompt,
	})
	elapsed := time.Since(start).Seconds()
	if err != nil {
		a.metrics.RecordModelCall(ctx, a.providerName, "error", elapsed)
		return nil, fmt.Errorf("model request: %w", err)
	}
	a.metrics.RecordModelCall(ctx, a.providerName, "success", elapsed)
	if resp == nil {
		return nil, errors.New("model request: empty response")
	}
	return resp, nil
}

func temperatureOr(t *float64, def float64) float64 {
	if t == nil {
		return def
	}
	return *t
}

// withIDs copies calls, filling in IDs the backend left empty. Tool results
// are matched to calls by ID, so every call needs one.
func withIDs(calls []types.ToolCall, round int) []types.ToolCall {
	out := slices.Clone(calls)
	for i := range out {
		if out[i].ID == "" {
			out[i].ID = fmt.Sprintf("call_%d_%d", round, i)
		}
	}
	return out
}

func toolMessage(call types.ToolCall, payload string) types.Message {
	return types.Message{
		Role:       types.RoleTool,
		Name:       call.Name,
		ToolCallID: call.ID,
		Content:    payload,
	}
}

// History returns a copy of the session history.
func (a *Agent) History() []types.Message {
	a.mu.Lock()
	defer a.mu.Unlock()
	return slices.Clone(a.history)
}

// trace collects the lines returned with a response and mirrors them to the
// debug log.
type trace struct {
	ctx   context.Context
	lines []string
}

func (t *trace) add(lines ...string) {
	log := observe.Logger(t.ctx)
	for _, l := range lines {
		log.Debug("agent trace", "line", l)
	}
	t.lines = append(t.lines, lines...)
}
