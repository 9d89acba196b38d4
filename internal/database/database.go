// Package database owns the process-wide PostgreSQL connection pool.
//
// A [DB] is created once at startup and shared by every conversation. The
// underlying [pgxpool.Pool] is built lazily by a mutex-guarded initializer: the
// first caller connects, verifies the connection, and makes sure the configured
// schema exists; concurrent callers wait for that attempt instead of racing it.
// A failed attempt leaves the DB unconnected so that a later call can retry,
// and repeated failures trip a circuit breaker so questions asked while the
// database is down fail fast instead of each waiting out the connect timeout.
//
// Every pooled connection resolves unqualified names through
// search_path = "<schema>", public and defaults to read-only transactions.
package database

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/incidentql/internal/resilience"
)

// ErrUnavailable is returned when no connection to the database could be
// established.
var ErrUnavailable = errors.New("database unavailable")

// Config describes how to reach the incident database.
type Config struct {
	Host     string
	Port     int
	Name     string
	User     string
	Password string

	// Schema is the namespace unqualified table names resolve to.
	Schema string

	// DSN, when set, replaces the connection string built from the fields
	// above. The search path and read-only defaults are still applied.
	DSN string

	// MaxConns caps the pool size. Zero keeps the pgxpool default.
	MaxConns int32

	// ConnectTimeout bounds each connection attempt. Default: 10s.
	ConnectTimeout time.Duration
}

// ConnString returns the connection string for cfg.
func (c Config) ConnString() string {
	if c.DSN != "" {
		return c.DSN
	}
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(c.User, c.Password),
		Host:   net.JoinHostPort(c.Host, strconv.Itoa(c.Port)),
		Path:   "/" + c.Name,
	}
	return u.String()
}

// SearchPath returns the search_path value for schema: the schema itself,
// quoted, followed by public.
func SearchPath(schema string) string {
	return pgx.Identifier{schema}.Sanitize() + ", public"
}

// DB is the shared, lazily connected pool. The zero value is not usable; create
// one with [New].
type DB struct {
	cfg     Config
	breaker *resilience.CircuitBreaker

	mu     sync.Mutex
	pool   *pgxpool.Pool
	closed bool
}

// New returns an unconnected DB. No network traffic happens until the first
// call to [DB.Pool], [DB.Query], or [DB.Ping].
func New(cfg Config) *DB {
	if cfg.Schema == "" {
		cfg.Schema = "public"
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	return &DB{
		cfg: cfg,
		breaker: resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			Name:         "database",
			MaxFailures:  3,
			ResetTimeout: 15 * time.Second,
			HalfOpenMax:  1,
		}),
	}
}

// Open is New followed by an eager connection attempt.
func Open(ctx context.Context, cfg Config) (*DB, error) {
	db := New(cfg)
	if _, err := db.Pool(ctx); err != nil {
		return nil, err
	}
	return db, nil
}

// Schema returns the configured schema name.
func (d *DB) Schema() string { return d.cfg.Schema }

// Pool returns the connected pool, connecting first if necessary. Errors wrap
// [ErrUnavailable].
func (d *DB) Pool(ctx context.Context) (*pgxpool.Pool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil, fmt.Errorf("%w: closed", ErrUnavailable)
	}
	if d.pool != nil {
		return d.pool, nil
	}

	var pool *pgxpool.Pool
	err := d.breaker.Execute(func() error {
		var err error
		pool, err = d.connect(ctx)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	d.pool = pool
	return pool, nil
}

// connect builds, verifies, and prepares a new pool.
func (d *DB) connect(ctx context.Context) (*pgxpool.Pool, error) {
	pcfg, err := pgxpool.ParseConfig(d.cfg.ConnString())
	if err != nil {
		return nil, fmt.Errorf("database: parse config: %w", err)
	}
	pcfg.ConnConfig.ConnectTimeout = d.cfg.ConnectTimeout
	pcfg.ConnConfig.RuntimeParams["search_path"] = SearchPath(d.cfg.Schema)
	pcfg.ConnConfig.RuntimeParams["default_transaction_read_only"] = "on"
	if d.cfg.MaxConns > 0 {
		pcfg.MaxConns = d.cfg.MaxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, fmt.Errorf("database: create pool: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, d.cfg.ConnectTimeout)
	defer cancel()

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("database: ping: %w", err)
	}
	if err := EnsureSchema(ctx, pool, d.cfg.Schema); err != nil {
		pool.Close()
		return nil, err
	}

	slog.Info("database connected",
		"host", pcfg.ConnConfig.Host,
		"database", pcfg.ConnConfig.Database,
		"schema", d.cfg.Schema)
	return pool, nil
}

// EnsureSchema creates schema if it does not exist yet. The statement runs in
// an explicit read-write transaction because pool connections default to
// read-only. Concurrent callers are safe: CREATE SCHEMA IF NOT EXISTS is
// idempotent.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool, schema string) error {
	var exists bool
	err := pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM information_schema.schemata WHERE schema_name = $1)`,
		schema,
	).Scan(&exists)
	if err != nil {
		return fmt.Errorf("database: check schema %q: %w", schema, err)
	}
	if exists {
		return nil
	}

	err = pgx.BeginTxFunc(ctx, pool, pgx.TxOptions{AccessMode: pgx.ReadWrite}, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, "CREATE SCHEMA IF NOT EXISTS "+pgx.Identifier{schema}.Sanitize())
		return err
	})
	if err != nil {
		return fmt.Errorf("database: create schema %q: %w", schema, err)
	}
	slog.Info("created database schema", "schema", schema)
	return nil
}

// Query runs sql on the pool, connecting first if necessary. It satisfies the
// querier interface the executor depends on.
func (d *DB) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	pool, err := d.Pool(ctx)
	if err != nil {
		return nil, err
	}
	return pool.Query(ctx, sql, args...)
}

// Ping verifies that the database is reachable.
func (d *DB) Ping(ctx context.Context) error {
	pool, err := d.Pool(ctx)
	if err != nil {
		return err
	}
	return pool.Ping(ctx)
}

// Close releases the pool. Subsequent calls fail with [ErrUnavailable].
func (d *DB) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	if d.pool != nil {
		d.pool.Close()
		d.pool = nil
	}
}
