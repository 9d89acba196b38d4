// Package observe carries the telemetry shared by every incidentql
// subsystem: OpenTelemetry instruments, spans, trace-aware logging, and the
// HTTP middleware that joins them.
//
// Instruments are recorded through the OpenTelemetry Metrics API and scraped
// from /metrics through the Prometheus bridge installed by [InitProvider].
// Production code uses [DefaultMetrics]; tests build their own with
// [NewMetrics] over a manual reader.
package observe

import (
	"context"
	"errors"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope of every incidentql instrument.
const meterName = "github.com/MrWong99/incidentql"

// Metrics holds the instruments. All fields are safe for concurrent use.
// Prefer the Record methods, which apply the expected attribute sets.
type Metrics struct {
	// AskDuration covers one question from submission to final answer.
	AskDuration metric.Float64Histogram
	// Asks is keyed by "status" (success, error).
	Asks metric.Int64Counter

	// LLMDuration covers one model round trip, including failover.
	LLMDuration metric.Float64Histogram
	// ProviderRequests is keyed by "provider" and "status".
	ProviderRequests metric.Int64Counter
	// ProviderErrors counts failed attempts per backend inside the failover
	// group, keyed by "provider".
	ProviderErrors metric.Int64Counter

	// ToolExecutionDuration and ToolCalls are keyed by "tool"; ToolCalls also
	// by "status".
	ToolExecutionDuration metric.Float64Histogram
	ToolCalls             metric.Int64Counter

	// QueryDuration covers statements that reached the database. Queries is
	// keyed by "outcome" (ok, blocked, error).
	QueryDuration metric.Float64Histogram
	Queries       metric.Int64Counter

	// ActiveConversations counts open chat connections.
	ActiveConversations metric.Int64UpDownCounter

	// HTTPRequestDuration is keyed by "method" and "route".
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets are in seconds. Model round trips dominate, so the upper
// buckets stretch past a minute.
var latencyBuckets = []float64{
	0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60,
}

// instruments accumulates creation errors so NewMetrics can report all of
// them at once.
type instruments struct {
	meter metric.Meter
	errs  []error
}

func (b *instruments) histogram(name, desc string) metric.Float64Histogram {
	h, err := b.meter.Float64Histogram(name,
		metric.WithDescription(desc),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	)
	b.errs = append(b.errs, err)
	return h
}

func (b *instruments) counter(name, desc string) metric.Int64Counter {
	c, err := b.meter.Int64Counter(name, metric.WithDescription(desc))
	b.errs = append(b.errs, err)
	return c
}

// NewMetrics creates every instrument on mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	b := &instruments{meter: mp.Meter(meterName)}
	m := &Metrics{
		AskDuration:           b.histogram("incidentql.ask.duration", "End-to-end latency of answering one question."),
		Asks:                  b.counter("incidentql.asks", "Answered questions by status."),
		LLMDuration:           b.histogram("incidentql.llm.duration", "Latency of one model round trip."),
		ProviderRequests:      b.counter("incidentql.provider.requests", "Model requests by provider and status."),
		ProviderErrors:        b.counter("incidentql.provider.errors", "Failed attempts per model backend."),
		ToolExecutionDuration: b.histogram("incidentql.tool_execution.duration", "Latency of one tool dispatch."),
		ToolCalls:             b.counter("incidentql.tool.calls", "Tool invocations by tool and status."),
		QueryDuration:         b.histogram("incidentql.query.duration", "Latency of read-only statements against the incident store."),
		Queries:               b.counter("incidentql.queries", "Statements submitted to the executor by outcome."),
	}

	var err error
	m.ActiveConversations, err = b.meter.Int64UpDownCounter("incidentql.active_conversations",
		metric.WithDescription("Open chat connections."))
	b.errs = append(b.errs, err)
	m.HTTPRequestDuration, err = b.meter.Float64Histogram("incidentql.http.request.duration",
		metric.WithDescription("HTTP request latency by method and route pattern."),
		metric.WithUnit("s"))
	b.errs = append(b.errs, err)

	if err := errors.Join(b.errs...); err != nil {
		return nil, err
	}
	return m, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the process-wide instruments, created on first use
// from [otel.GetMeterProvider]. Call it after [InitProvider]. It panics if an
// instrument cannot be created.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// RecordAsk records one answered question.
func (m *Metrics) RecordAsk(ctx context.Context, status string, seconds float64) {
	m.Asks.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
	m.AskDuration.Record(ctx, seconds)
}

// RecordModelCall records one model round trip as seen by the agent.
func (m *Metrics) RecordModelCall(ctx context.Context, provider, status string, seconds float64) {
	m.ProviderRequests.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("status", status),
	))
	m.LLMDuration.Record(ctx, seconds)
}

// RecordProviderError records one failed attempt of a single backend.
func (m *Metrics) RecordProviderError(ctx context.Context, provider string) {
	m.ProviderErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("provider", provider)))
}

// RecordToolCall records one tool dispatch.
func (m *Metrics) RecordToolCall(ctx context.Context, tool, status string, seconds float64) {
	m.ToolCalls.Add(ctx, 1, metric.WithAttributes(
		attribute.String("tool", tool),
		attribute.String("status", status),
	))
	m.ToolExecutionDuration.Record(ctx, seconds, metric.WithAttributes(attribute.String("tool", tool)))
}

// RecordQuery records one executor submission. Blocked statements never
// reach the database and get no latency sample.
func (m *Metrics) RecordQuery(ctx context.Context, outcome string, seconds float64) {
	m.Queries.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	if outcome != "blocked" {
		m.QueryDuration.Record(ctx, seconds)
	}
}
