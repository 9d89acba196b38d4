package app_test

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/MrWong99/incidentql/internal/agent"
	"github.com/MrWong99/incidentql/internal/app"
	"github.com/MrWong99/incidentql/internal/config"
	"github.com/MrWong99/incidentql/internal/database"
	"github.com/MrWong99/incidentql/internal/observe"
	"github.com/MrWong99/incidentql/internal/tools"
	"github.com/MrWong99/incidentql/pkg/provider/llm"
	llmmock "github.com/MrWong99/incidentql/pkg/provider/llm/mock"
	"github.com/MrWong99/incidentql/pkg/types"
)

var toolCaller = types.ModelCapabilities{SupportsToolCalling: true}

// testConfig returns defaults pointed at a port nothing listens on.
func testConfig() *config.Config {
	cfg := config.Defaults()
	cfg.Server.ListenAddr = "127.0.0.1:0"
	cfg.Database.Host = "127.0.0.1"
	cfg.Database.Port = 1
	cfg.Providers.LLM.APIKey = "test-key"
	return cfg
}

func unreachableDB(t *testing.T) *database.DB {
	t.Helper()
	db := database.New(database.Config{Host: "127.0.0.1", Port: 1, Name: "security", ConnectTimeout: time.Second})
	t.Cleanup(db.Close)
	return db
}

func testMetrics(t *testing.T) (*observe.Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

func newApp(t *testing.T, cfg *config.Config, p llm.Provider) *app.App {
	t.Helper()
	m, _ := testMetrics(t)
	a, err := app.New(cfg, nil, app.WithLLM(p), app.WithDatabase(unreachableDB(t)), app.WithMetrics(m))
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	return a
}

func TestNew_WithMocks(t *testing.T) {
	t.Parallel()

	p := &llmmock.Provider{Responses: []*llm.CompletionResponse{{Content: "Nothing critical this week."}}}
	a := newApp(t, testConfig(), p)

	ag, err := a.NewAgent()
	if err != nil {
		t.Fatalf("NewAgent() error: %v", err)
	}
	resp := ag.Ask(context.Background(), "Any critical incidents?")
	if resp.Status != agent.StatusSuccess || resp.Text != "Nothing critical this week." {
		t.Fatalf("Ask() = %+v", resp)
	}
	if resp.Trace[0] != "Initializing chat session: gemini-2.0-flash" {
		t.Errorf("first trace line = %q", resp.Trace[0])
	}

	calls := p.Calls()
	if len(calls) != 1 {
		t.Fatalf("provider calls = %d, want 1", len(calls))
	}
	if got := calls[0].Req.Temperature; got != 0.2 {
		t.Errorf("temperature = %v, want 0.2", got)
	}
	if len(calls[0].Req.Tools) != 2 {
		t.Errorf("tools offered = %d, want 2", len(calls[0].Req.Tools))
	}
}

func TestNew_AgentsAreIndependent(t *testing.T) {
	t.Parallel()

	p := &llmmock.Provider{Responses: []*llm.CompletionResponse{{Content: "ok"}}}
	a := newApp(t, testConfig(), p)

	first, _ := a.NewAgent()
	second, _ := a.NewAgent()
	first.Ask(context.Background(), "one")
	first.Ask(context.Background(), "two")
	second.Ask(context.Background(), "three")

	if n := len(first.History()); n != 4 {
		t.Errorf("first history = %d messages, want 4", n)
	}
	if n := len(second.History()); n != 2 {
		t.Errorf("second history = %d messages, want 2", n)
	}
}

func TestNew_FailoverFromRegistry(t *testing.T) {
	t.Parallel()

	primary := &llmmock.Provider{CompleteErr: errors.New("quota exceeded"), ModelCapabilities: toolCaller}
	fallback := &llmmock.Provider{Responses: []*llm.CompletionResponse{{Content: "from fallback"}}, ModelCapabilities: toolCaller}
	reg := config.NewRegistry()
	reg.RegisterLLM("gemini", func(config.ProviderEntry) (llm.Provider, error) { return primary, nil })
	reg.RegisterLLM("ollama", func(config.ProviderEntry) (llm.Provider, error) { return fallback, nil })

	cfg := testConfig()
	cfg.Providers.Fallbacks = []config.ProviderEntry{{Name: "ollama", Model: "llama3"}}
	m, reader := testMetrics(t)
	a, err := app.New(cfg, reg, app.WithDatabase(unreachableDB(t)), app.WithMetrics(m))
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	ag, err := a.NewAgent()
	if err != nil {
		t.Fatal(err)
	}
	resp := ag.Ask(context.Background(), "q")
	if resp.Status != agent.StatusSuccess || resp.Text != "from fallback" {
		t.Fatalf("Ask() = %+v", resp)
	}

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatal(err)
	}
	if got := sumCounter(rm, "incidentql.provider.errors"); got != 1 {
		t.Errorf("provider errors = %d, want 1", got)
	}
}

func sumCounter(rm metricdata.ResourceMetrics, name string) int64 {
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			if sum, ok := m.Data.(metricdata.Sum[int64]); ok {
				for _, dp := range sum.DataPoints {
					total += dp.Value
				}
			}
		}
	}
	return total
}

func TestNew_ProviderErrors(t *testing.T) {
	t.Parallel()

	if _, err := app.New(testConfig(), nil, app.WithDatabase(unreachableDB(t))); err == nil {
		t.Error("expected error without registry or injected LLM")
	}

	_, err := app.New(testConfig(), config.NewRegistry(), app.WithDatabase(unreachableDB(t)))
	if !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Errorf("got %v, want ErrProviderNotRegistered", err)
	}
}

func TestNew_RejectsModelWithoutToolCalling(t *testing.T) {
	t.Parallel()

	reg := config.NewRegistry()
	reg.RegisterLLM("gemini", func(config.ProviderEntry) (llm.Provider, error) {
		return &llmmock.Provider{ModelCapabilities: toolCaller}, nil
	})
	reg.RegisterLLM("openai", func(config.ProviderEntry) (llm.Provider, error) {
		return &llmmock.Provider{}, nil
	})

	cfg := testConfig()
	cfg.Providers.Fallbacks = []config.ProviderEntry{{Name: "openai", Model: "o1-mini", APIKey: "k"}}
	_, err := app.New(cfg, reg, app.WithDatabase(unreachableDB(t)))
	if !errors.Is(err, app.ErrNoToolCalling) {
		t.Fatalf("New() error = %v, want ErrNoToolCalling", err)
	}
	if !strings.Contains(err.Error(), `"o1-mini"`) {
		t.Errorf("error %q does not name the model", err)
	}
}

func TestUpdateAgent(t *testing.T) {
	t.Parallel()

	p := &llmmock.Provider{Responses: []*llm.CompletionResponse{{
		ToolCalls: []types.ToolCall{{ID: "1", Name: tools.SchemaToolName, Arguments: "{}"}},
	}}}
	a := newApp(t, testConfig(), p)

	before, _ := a.NewAgent()

	ac := config.Defaults().Agent
	ac.MaxRounds = 1
	a.UpdateAgent(ac)

	after, _ := a.NewAgent()
	resp := after.Ask(context.Background(), "loop forever")
	if resp.Status != agent.StatusError || !strings.Contains(resp.Text, "maximum tool-call rounds (1) exceeded") {
		t.Errorf("Ask() after update = %+v", resp)
	}

	// Conversations started earlier keep their settings.
	p.Reset()
	before.Ask(context.Background(), "loop again")
	if n := len(p.Calls()); n != agent.DefaultMaxRounds+1 {
		t.Errorf("earlier agent made %d model calls, want %d", n, agent.DefaultMaxRounds+1)
	}
}

func TestNewAgent_ZeroTemperatureIsKept(t *testing.T) {
	t.Parallel()

	p := &llmmock.Provider{Responses: []*llm.CompletionResponse{{Content: "ok"}}}
	cfg := testConfig()
	cfg.Agent.Temperature = 0
	a := newApp(t, cfg, p)

	ag, err := a.NewAgent()
	if err != nil {
		t.Fatalf("NewAgent: %v", err)
	}
	ag.Ask(context.Background(), "how many incidents are open?")
	if got := p.Calls()[0].Req.Temperature; got != 0 {
		t.Errorf("temperature = %v, want 0 as configured", got)
	}
}

func TestCheck_DatabaseDown(t *testing.T) {
	t.Parallel()

	a := newApp(t, testConfig(), &llmmock.Provider{})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.Check(ctx); err == nil {
		t.Error("Check() = nil, want database error")
	}
}

func TestApp_ServeAndShutdown(t *testing.T) {
	t.Parallel()

	p := &llmmock.Provider{Responses: []*llm.CompletionResponse{{Content: "Three open incidents."}}}
	a := newApp(t, testConfig(), p)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	base := "http://" + ln.Addr().String()

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- a.Serve(ctx, ln) }()

	get := func(path string) (int, string) {
		t.Helper()
		resp, err := http.Get(base + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		return resp.StatusCode, string(body)
	}

	if code, _ := get("/healthz"); code != http.StatusOK {
		t.Errorf("/healthz = %d", code)
	}
	if code, body := get("/readyz"); code != http.StatusServiceUnavailable || !strings.Contains(body, `"database":{"status":"fail"`) {
		t.Errorf("/readyz = %d %s", code, body)
	}
	if code, _ := get("/metrics"); code != http.StatusOK {
		t.Errorf("/metrics = %d", code)
	}

	resp, err := http.Post(base+"/api/ask", "application/json", strings.NewReader(`{"question":"How many open incidents?"}`))
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), "Three open incidents.") {
		t.Errorf("/api/ask = %d %s", resp.StatusCode, body)
	}

	cancel()
	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("Serve() returned unexpected error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve() did not return within 5s after context cancellation")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := a.Shutdown(shutdownCtx); err != nil {
		t.Fatalf("Shutdown() error: %v", err)
	}
	if err := a.Shutdown(shutdownCtx); err != nil {
		t.Fatalf("second Shutdown() error: %v", err)
	}
}

func TestRun_BadAddress(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Server.ListenAddr = "not-an-address"
	a := newApp(t, cfg, &llmmock.Provider{})
	if err := a.Run(context.Background()); err == nil {
		t.Error("Run() = nil, want listen error")
	}
}
