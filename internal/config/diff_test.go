package config_test

import (
	"slices"
	"testing"
	"time"

	"github.com/MrWong99/incidentql/internal/config"
)

func TestDiff_NoChanges(t *testing.T) {
	t.Parallel()
	a, b := config.Defaults(), config.Defaults()
	if d := config.Diff(a, b); !d.Empty() {
		t.Errorf("expected empty diff, got %+v", d)
	}
}

func TestDiff_LogLevel(t *testing.T) {
	t.Parallel()
	a, b := config.Defaults(), config.Defaults()
	b.Server.LogLevel = config.LogDebug

	d := config.Diff(a, b)
	if !d.LogLevelChanged || d.NewLogLevel != config.LogDebug {
		t.Errorf("log level change not detected: %+v", d)
	}
	if len(d.RestartRequired) != 0 {
		t.Errorf("log level must not require restart: %v", d.RestartRequired)
	}
}

func TestDiff_Agent(t *testing.T) {
	t.Parallel()
	a, b := config.Defaults(), config.Defaults()
	b.Agent.ModelTimeout = 90 * time.Second

	if d := config.Diff(a, b); !d.AgentChanged {
		t.Errorf("agent change not detected: %+v", d)
	}
}

func TestDiff_RestartRequired(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		mutate func(*config.Config)
		want   []string
	}{
		{"listen addr", func(c *config.Config) { c.Server.ListenAddr = ":9090" }, []string{"server"}},
		{"tls", func(c *config.Config) { c.Server.TLS = &config.TLSConfig{CertFile: "c", KeyFile: "k"} }, []string{"server"}},
		{"database schema", func(c *config.Config) { c.Database.Schema = "soc" }, []string{"database"}},
		{"primary model", func(c *config.Config) { c.Providers.LLM.Model = "gemini-2.5-pro" }, []string{"providers"}},
		{"fallback added", func(c *config.Config) {
			c.Providers.Fallbacks = append(c.Providers.Fallbacks, config.ProviderEntry{Name: "ollama"})
		}, []string{"providers"}},
		{"telemetry", func(c *config.Config) { c.Telemetry.SampleRatio = 0.5 }, []string{"telemetry"}},
		{"several", func(c *config.Config) {
			c.Database.MaxRows = 10
			c.Telemetry.Metrics = false
		}, []string{"database", "telemetry"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			a, b := config.Defaults(), config.Defaults()
			tt.mutate(b)
			if got := config.Diff(a, b).RestartRequired; !slices.Equal(got, tt.want) {
				t.Errorf("RestartRequired = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDiff_IgnoresProviderOptions(t *testing.T) {
	t.Parallel()
	a, b := config.Defaults(), config.Defaults()
	b.Providers.LLM.Options = map[string]any{"top_k": 5}
	if d := config.Diff(a, b); !d.Empty() {
		t.Errorf("options change reported: %+v", d)
	}
}
