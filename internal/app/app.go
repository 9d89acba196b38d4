// Package app wires the incidentql subsystems into a running application.
//
// The App struct owns the full lifecycle: New builds the shared pool, the
// query executor, the tool registry, and the model failover group; Run serves
// the HTTP front end until the context is cancelled; Shutdown tears everything
// down in order.
//
// Every conversation gets its own [agent.Agent] from [App.NewAgent]; all of
// them share the pool, the executor, and the model backends.
//
// For testing, inject doubles via functional options ([WithLLM],
// [WithDatabase], [WithMetrics]). When an option is not provided, New creates
// the real implementation from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/incidentql/internal/agent"
	"github.com/MrWong99/incidentql/internal/config"
	"github.com/MrWong99/incidentql/internal/database"
	"github.com/MrWong99/incidentql/internal/health"
	"github.com/MrWong99/incidentql/internal/incidents"
	"github.com/MrWong99/incidentql/internal/mcpserver"
	"github.com/MrWong99/incidentql/internal/observe"
	"github.com/MrWong99/incidentql/internal/resilience"
	"github.com/MrWong99/incidentql/internal/sqlexec"
	"github.com/MrWong99/incidentql/internal/tools"
	"github.com/MrWong99/incidentql/internal/web"
	"github.com/MrWong99/incidentql/pkg/provider/llm"
)

// ErrNoToolCalling is returned by [New] when a configured model cannot call
// tools.
var ErrNoToolCalling = errors.New("app: model does not support tool calling")

// shutdownTimeout bounds the graceful HTTP shutdown once Run's context ends.
const shutdownTimeout = 10 * time.Second

// App owns all subsystem lifetimes.
type App struct {
	cfg     *config.Config
	version string

	// Subsystems, initialised in New and torn down in Shutdown.
	db        *database.DB
	exec      *sqlexec.Executor
	tools     *tools.Registry
	llm       llm.Provider
	available func() bool
	metrics   *observe.Metrics
	mcp       *mcpserver.Server

	// agentCfg is swapped by UpdateAgent when the config file changes.
	agentCfg atomic.Pointer[config.AgentConfig]

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithLLM injects a model backend instead of building the failover group
// from the provider registry.
func WithLLM(p llm.Provider) Option {
	return func(a *App) { a.llm = p }
}

// WithDatabase injects a pool instead of creating one from config.
func WithDatabase(db *database.DB) Option {
	return func(a *App) { a.db = db }
}

// WithMetrics records on m instead of [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithVersion sets the version reported over MCP.
func WithVersion(v string) Option {
	return func(a *App) { a.version = v }
}

// New wires the application. reg supplies the model backend factories; it
// may be nil when [WithLLM] is given. New does not touch the network: the pool
// connects on first use.
func New(cfg *config.Config, reg *config.Registry, opts ...Option) (*App, error) {
	a := &App{cfg: cfg, version: "dev"}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	ac := cfg.Agent
	a.agentCfg.Store(&ac)

	if a.db == nil {
		a.db = database.New(DatabaseConfig(cfg.Database))
		a.closers = append(a.closers, func() error { a.db.Close(); return nil })
	}

	if err := a.initLLM(reg); err != nil {
		return nil, fmt.Errorf("app: init llm: %w", err)
	}

	a.exec = sqlexec.New(a.db,
		sqlexec.WithTimeout(cfg.Database.QueryTimeout),
		sqlexec.WithMaxRows(cfg.Database.MaxRows),
		sqlexec.WithMetrics(a.metrics),
	)
	t, err := tools.New(a.exec, tools.WithMetrics(a.metrics))
	if err != nil {
		return nil, fmt.Errorf("app: init tools: %w", err)
	}
	a.tools = t
	a.mcp = mcpserver.New(a.tools, a.version)
	return a, nil
}

// initLLM builds the failover group: the primary backend first, then every
// configured fallback in order. Each backend sits behind its own breaker.
func (a *App) initLLM(reg *config.Registry) error {
	if a.llm != nil {
		a.available = func() bool { return true }
		if av, ok := a.llm.(interface{ Available() bool }); ok {
			a.available = av.Available
		}
		return nil
	}
	if reg == nil {
		return errors.New("no provider registry")
	}

	primary, err := createToolCaller(reg, a.cfg.Providers.LLM)
	if err != nil {
		return err
	}
	fb := resilience.NewLLMFallback(primary, a.cfg.Providers.LLM.Name, resilience.FallbackConfig{
		OnError: func(ctx context.Context, name string, _ error) {
			a.metrics.RecordProviderError(ctx, name)
		},
	})
	for _, entry := range a.cfg.Providers.Fallbacks {
		p, err := createToolCaller(reg, entry)
		if err != nil {
			return fmt.Errorf("fallback: %w", err)
		}
		fb.AddFallback(entry.Name, p)
	}
	slog.Info("model backends ready", "order", fb.Names())

	a.llm = fb
	a.available = fb.Available
	return nil
}

// createToolCaller builds the backend for entry and rejects models that
// cannot call tools; the agent cannot reach the database without them.
func createToolCaller(reg *config.Registry, entry config.ProviderEntry) (llm.Provider, error) {
	p, err := reg.CreateLLM(entry)
	if err != nil {
		return nil, err
	}
	if !p.Capabilities().SupportsToolCalling {
		return nil, fmt.Errorf("%w: %s model %q", ErrNoToolCalling, entry.Name, entry.Model)
	}
	return p, nil
}

// DatabaseConfig maps the config section onto the pool settings.
func DatabaseConfig(c config.DatabaseConfig) database.Config {
	return database.Config{
		Host:     c.Host,
		Port:     c.Port,
		Name:     c.Name,
		User:     c.User,
		Password: c.Password,
		Schema:   c.Schema,
		DSN:      c.DSN,
		MaxConns: c.MaxConns,
	}
}

// DB returns the shared pool.
func (a *App) DB() *database.DB { return a.db }

// MCP returns the Model Context Protocol server over the tool registry.
func (a *App) MCP() *mcpserver.Server { return a.mcp }

// NewAgent starts a fresh conversation using the current agent settings.
func (a *App) NewAgent() (*agent.Agent, error) {
	ac := a.agentCfg.Load()
	return agent.New(agent.Config{
		Provider:     a.llm,
		Tools:        a.tools,
		ProviderName: a.cfg.Providers.LLM.Name,
		Model:        a.cfg.Providers.LLM.Model,
		Temperature:  &ac.Temperature,
		MaxRounds:    ac.MaxRounds,
		ModelTimeout: ac.ModelTimeout,
		Metrics:      a.metrics,
	})
}

// UpdateAgent replaces the settings used by conversations started after the
// call. Running conversations keep theirs.
func (a *App) UpdateAgent(c config.AgentConfig) {
	a.agentCfg.Store(&c)
	slog.Info("agent settings updated",
		"temperature", c.Temperature, "max_rounds", c.MaxRounds, "model_timeout", c.ModelTimeout)
}

// Check pings the database and compares the incident catalogue with the live
// table concurrently. Drift is logged, not returned; the error reports an
// unreachable database.
func (a *App) Check(ctx context.Context) error {
	var g errgroup.Group
	g.Go(func() error {
		if err := a.db.Ping(ctx); err != nil {
			return fmt.Errorf("app: database: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		d, err := incidents.CheckDrift(ctx, a.db, a.db.Schema())
		if err != nil {
			slog.Warn("catalogue drift check skipped", "err", err)
			return nil
		}
		incidents.LogDrift(slog.Default(), a.db.Schema(), d)
		return nil
	})
	return g.Wait()
}

// Handler builds the HTTP front end.
func (a *App) Handler() (http.Handler, error) {
	var metrics http.Handler
	if a.cfg.Telemetry.Metrics {
		metrics = promhttp.Handler()
	}
	probes := health.New(
		health.Database(a.db),
		health.Model(a.available),
		health.Catalog(a.db, a.db.Schema()),
	).WithVersion(a.version)
	return web.New(web.Config{
		NewConversation: func() (web.Asker, error) {
			ag, err := a.NewAgent()
			if err != nil {
				return nil, err
			}
			return ag, nil
		},
		Health:      probes,
		Metrics:     metrics,
		MCP:         a.mcp.Handler(),
		Instruments: a.metrics,
	})
}

// Run serves HTTP on the configured address until ctx is cancelled, then
// shuts the server down gracefully.
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.cfg.Server.ListenAddr)
	if err != nil {
		return fmt.Errorf("app: listen: %w", err)
	}
	return a.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	h, err := a.Handler()
	if err != nil {
		ln.Close()
		return fmt.Errorf("app: %w", err)
	}
	srv := &http.Server{
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("http server listening", "addr", ln.Addr().String(), "tls", a.cfg.Server.TLS != nil)
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = srv.ServeTLS(ln, tls.CertFile, tls.KeyFile)
		} else {
			err = srv.Serve(ln)
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(sctx)
	})
	return g.Wait()
}

// Shutdown tears down all subsystems. It respects the context deadline: if
// ctx expires before all closers finish, remaining closers are skipped and
// the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))
		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}
		slog.Info("shutdown complete")
	})
	return shutdownErr
}
