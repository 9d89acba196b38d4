// Command incidentql answers natural-language questions about security
// incidents stored in PostgreSQL.
//
// Usage:
//
//	incidentql [-config file] [-env file] <command> [flags]
//
// Commands:
//
//	ask     answer one question and exit
//	repl    interactive demo with sample questions
//	serve   HTTP front end (JSON, websocket chat, MCP, metrics)
//	mcp     Model Context Protocol server on stdin/stdout
//	setup   create the incident table and load sample data
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/MrWong99/incidentql/internal/agent"
	"github.com/MrWong99/incidentql/internal/app"
	"github.com/MrWong99/incidentql/internal/config"
	"github.com/MrWong99/incidentql/internal/database"
	"github.com/MrWong99/incidentql/internal/incidents"
	"github.com/MrWong99/incidentql/internal/observe"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

// logLevel is shared by every handler so that a config reload can change it.
var logLevel = new(slog.LevelVar)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	// ── Global flags ──────────────────────────────────────────────────────────
	global := flag.NewFlagSet("incidentql", flag.ContinueOnError)
	configPath := global.String("config", "", "path to an optional YAML configuration file")
	envFile := global.String("env", ".env", "path to an optional .env file")
	global.Usage = func() { usage(global.Output(), global) }
	if err := global.Parse(args); err != nil {
		return 2
	}
	if global.NArg() == 0 {
		usage(os.Stderr, global)
		return 2
	}
	cmd, rest := global.Arg(0), global.Args()[1:]

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath, *envFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "incidentql: %v\n", err)
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logLevel.Set(slogLevel(cfg.Server.LogLevel))
	slog.SetDefault(newLogger(os.Stderr))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch cmd {
	case "setup":
		return runSetup(ctx, cfg, rest)
	case "ask", "repl", "serve", "mcp":
	default:
		fmt.Fprintf(os.Stderr, "incidentql: unknown command %q\n", cmd)
		usage(os.Stderr, global)
		return 2
	}

	if err := config.RequireCredentials(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "incidentql: %v\n", err)
		return 1
	}

	// ── Telemetry ─────────────────────────────────────────────────────────────
	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: version,
		Prometheus:     cfg.Telemetry.Metrics,
		SampleRatio:    cfg.Telemetry.SampleRatio,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(sctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Application ───────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	application, err := app.New(cfg, reg, app.WithVersion(version))
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := application.Shutdown(sctx); err != nil {
			slog.Error("shutdown error", "err", err)
		}
	}()

	switch cmd {
	case "ask":
		return runAsk(ctx, application, rest)
	case "repl":
		return runREPL(ctx, application)
	case "serve":
		return runServe(ctx, application, *configPath)
	default:
		return runMCP(ctx, application)
	}
}

func usage(w io.Writer, fs *flag.FlagSet) {
	fmt.Fprintln(w, "usage: incidentql [-config file] [-env file] <ask|repl|serve|mcp|setup> [flags]")
	fs.SetOutput(w)
	fs.PrintDefaults()
}

// ── Commands ──────────────────────────────────────────────────────────────────

func runAsk(ctx context.Context, application *app.App, args []string) int {
	fs := flag.NewFlagSet("ask", flag.ContinueOnError)
	asJSON := fs.Bool("json", false, "print the full response as JSON")
	showTrace := fs.Bool("trace", false, "print the debug trace to stderr")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	question := strings.TrimSpace(strings.Join(fs.Args(), " "))
	if question == "" {
		fmt.Fprintln(os.Stderr, "incidentql: ask needs a question")
		return 2
	}

	ag, err := application.NewAgent()
	if err != nil {
		slog.Error("failed to start conversation", "err", err)
		return 1
	}
	resp := ag.Ask(ctx, question)

	if *asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(resp)
	} else {
		fmt.Println(resp.Text)
	}
	if *showTrace {
		for _, line := range resp.Trace {
			fmt.Fprintln(os.Stderr, line)
		}
	}
	if resp.Status != agent.StatusSuccess {
		return 1
	}
	return 0
}

func runREPL(ctx context.Context, application *app.App) int {
	ag, err := application.NewAgent()
	if err != nil {
		slog.Error("failed to start conversation", "err", err)
		return 1
	}
	if err := repl(ctx, os.Stdin, os.Stdout, ag); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("repl error", "err", err)
		return 1
	}
	return 0
}

func runServe(ctx context.Context, application *app.App, configPath string) int {
	if configPath != "" {
		w, err := config.NewWatcher(configPath)
		if err != nil {
			slog.Error("failed to watch config", "path", configPath, "err", err)
			return 1
		}
		go w.Run(ctx, func(r config.Reload) { applyReload(application, r) })
	}

	cctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	if err := application.Check(cctx); err != nil {
		slog.Warn("database not reachable at startup; questions will retry", "err", err)
	}
	cancel()

	slog.Info("server ready, press Ctrl+C to shut down", "version", version)
	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// applyReload applies the parts of a config change that take effect without
// a restart and warns about the rest.
func applyReload(application *app.App, r config.Reload) {
	d := r.Diff
	if d.LogLevelChanged {
		logLevel.Set(slogLevel(d.NewLogLevel))
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.AgentChanged {
		application.UpdateAgent(r.New.Agent)
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("config sections changed that need a restart", "sections", d.RestartRequired)
	}
}

func runMCP(ctx context.Context, application *app.App) int {
	slog.Info("serving MCP on stdio", "version", version)
	if err := application.MCP().RunStdio(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("mcp server error", "err", err)
		return 1
	}
	return 0
}

func runSetup(ctx context.Context, cfg *config.Config, args []string) int {
	fs := flag.NewFlagSet("setup", flag.ContinueOnError)
	samples := fs.Int("samples", 200, "number of sample incidents to insert into an empty table")
	seed := fs.Uint64("seed", 0, "random seed for the sample data (0 picks one)")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *seed == 0 {
		*seed = uint64(time.Now().UnixNano())
	}

	db := database.New(app.DatabaseConfig(cfg.Database))
	defer db.Close()

	pool, err := db.Pool(ctx)
	if err != nil {
		slog.Error("failed to connect to database", "err", err)
		return 1
	}
	sample := incidents.Generate(rand.New(rand.NewPCG(*seed, *seed)), time.Now(), *samples)
	res, err := incidents.Setup(ctx, pool, cfg.Database.Schema, sample)
	if err != nil {
		slog.Error("setup failed", "err", err)
		return 1
	}
	if res.Inserted == 0 {
		slog.Info("table already has data, no samples inserted", "rows", res.Existing)
	} else {
		slog.Info("sample incidents inserted", "rows", res.Inserted, "seed", *seed)
	}
	return 0
}

// ── Logger ────────────────────────────────────────────────────────────────────

func newLogger(w io.Writer) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: logLevel}))
}

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
