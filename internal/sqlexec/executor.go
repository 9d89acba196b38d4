// Package sqlexec runs model-authored SQL against the incident store under a
// read-only policy.
//
// [Executor.Execute] never panics and never returns a nil row set. Statements
// that fail the gate in [IsReadOnly] are answered with [ErrBlockedQuery]
// without touching the database; connection and engine failures are answered
// with [ErrExecution]. In both cases the caller gets an empty result and
// decides how to surface the condition.
package sqlexec

import (
	"context"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel/attribute"

	"github.com/MrWong99/incidentql/internal/observe"
)

var (
	// ErrBlockedQuery is returned for statements other than a single SELECT.
	ErrBlockedQuery = errors.New("blocked query: only a single SELECT statement is allowed")

	// ErrExecution is returned when the database is unreachable or rejects the
	// statement.
	ErrExecution = errors.New("query execution failed")
)

// Row is one result tuple keyed by column name.
type Row = map[string]any

// Result is the outcome of one statement.
type Result struct {
	// Rows holds the result tuples in database order. Never nil.
	Rows []Row

	// Truncated is set when rows beyond the configured limit were dropped.
	Truncated bool
}

// Querier is the subset of a pgx pool the executor needs. *pgxpool.Pool and
// *database.DB both satisfy it.
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Default limits.
const (
	DefaultTimeout = 30 * time.Second
	DefaultMaxRows = 500
)

// Executor validates and runs read-only statements. It holds no per-query
// state and is safe for concurrent use.
type Executor struct {
	db      Querier
	timeout time.Duration
	maxRows int
	metrics *observe.Metrics
}

// Option configures an [Executor].
type Option func(*Executor)

// WithTimeout bounds each statement. Non-positive values keep the default.
func WithTimeout(d time.Duration) Option {
	return func(e *Executor) {
		if d > 0 {
			e.timeout = d
		}
	}
}

// WithMaxRows caps the number of rows returned. Non-positive values keep the
// default.
func WithMaxRows(n int) Option {
	return func(e *Executor) {
		if n > 0 {
			e.maxRows = n
		}
	}
}

// WithMetrics records query outcomes on m instead of [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(e *Executor) { e.metrics = m }
}

// New creates an Executor over db.
func New(db Querier, opts ...Option) *Executor {
	e := &Executor{
		db:      db,
		timeout: DefaultTimeout,
		maxRows: DefaultMaxRows,
	}
	for _, o := range opts {
		o(e)
	}
	if e.metrics == nil {
		e.metrics = observe.DefaultMetrics()
	}
	return e
}

// MaxRows returns the configured row limit.
func (e *Executor) MaxRows() int { return e.maxRows }

// Execute validates sql and, if it passes, runs it. A statement matching no
// rows yields an empty Result and a nil error.
func (e *Executor) Execute(ctx context.Context, sql string) (Result, error) {
	ctx, span := observe.StartSpan(ctx, "sqlexec.Execute")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.statement", sql),
	)
	log := observe.Logger(ctx)

	if !IsReadOnly(sql) {
		e.metrics.RecordQuery(ctx, "blocked", 0)
		observe.FailSpan(span, nil, "blocked")
		log.Warn("blocked non-select statement", "sql", sql)
		return Result{Rows: []Row{}}, ErrBlockedQuery
	}

	start := time.Now()
	res, err := e.run(ctx, sql)
	elapsed := time.Since(start)

	if err != nil {
		e.metrics.RecordQuery(ctx, "error", elapsed.Seconds())
		observe.FailSpan(span, err, "execution failed")
		log.Warn("query failed", "sql", sql, "error", err, "duration", elapsed)
		return Result{Rows: []Row{}}, fmt.Errorf("%w: %w", ErrExecution, err)
	}

	e.metrics.RecordQuery(ctx, "ok", elapsed.Seconds())
	span.SetAttributes(
		attribute.Int("db.rows", len(res.Rows)),
		attribute.Bool("db.truncated", res.Truncated),
	)
	log.Debug("query executed", "rows", len(res.Rows), "truncated", res.Truncated, "duration", elapsed)
	return res, nil
}

// run executes sql under the per-statement timeout and collects at most
// maxRows rows.
func (e *Executor) run(ctx context.Context, sql string) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	rows, err := e.db.Query(ctx, sql)
	if err != nil {
		return Result{}, err
	}
	defer rows.Close()

	res := Result{Rows: []Row{}}
	for rows.Next() {
		if len(res.Rows) == e.maxRows {
			res.Truncated = true
			break
		}
		row, err := pgx.RowToMap(rows)
		if err != nil {
			return Result{}, err
		}
		for k, v := range row {
			row[k] = normalize(v)
		}
		res.Rows = append(res.Rows, row)
	}
	if err := rows.Err(); err != nil {
		return Result{}, err
	}
	return res, nil
}

// normalize converts driver values that have no natural JSON form.
func normalize(v any) any {
	switch x := v.(type) {
	case [16]byte:
		return fmt.Sprintf("%x-%x-%x-%x-%x", x[0:4], x[4:6], x[6:8], x[8:10], x[10:16])
	case []byte:
		if utf8.Valid(x) {
			return string(x)
		}
		return x
	default:
		return v
	}
}
