// Package config provides the configuration schema, loader, and provider
// registry for incidentql.
//
// Configuration is layered: built-in defaults, then an optional YAML file,
// then a .env file, then the process environment. Later layers win.
package config

import "time"

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Config is the root configuration structure.
// It is typically loaded with [Load].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Providers ProvidersConfig `yaml:"providers"`
	Agent     AgentConfig     `yaml:"agent"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the HTTP front end listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// DatabaseConfig locates the incident store.
type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`

	// Schema is the namespace unqualified table names resolve to. It is
	// created on first connect if missing.
	Schema string `yaml:"schema"`

	// DSN, when set, replaces the individual connection fields above.
	DSN string `yaml:"dsn"`

	// QueryTimeout bounds each statement.
	QueryTimeout time.Duration `yaml:"query_timeout"`

	// MaxRows caps the rows returned to the model per statement.
	MaxRows int `yaml:"max_rows"`

	// MaxConns caps the pool size. Zero keeps the driver default.
	MaxConns int32 `yaml:"max_conns"`
}

// ProvidersConfig selects the model backends. LLM is the primary; Fallbacks
// are tried in order when it fails.
type ProvidersConfig struct {
	LLM       ProviderEntry   `yaml:"llm"`
	Fallbacks []ProviderEntry `yaml:"fallbacks"`
}

// ProviderEntry is the configuration block of one model backend.
// The Name field is used to look up the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered provider implementation (e.g., "gemini", "openai").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the provider's API if any.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default API endpoint.
	// Leave empty to use the provider's built-in default.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider (e.g., "gemini-2.0-flash").
	Model string `yaml:"model"`

	// Options holds provider-specific configuration values not covered by the
	// standard fields above.
	Options map[string]any `yaml:"options"`
}

// AgentConfig tunes the conversation loop.
type AgentConfig struct {
	Temperature  float64       `yaml:"temperature"`
	MaxRounds    int           `yaml:"max_rounds"`
	ModelTimeout time.Duration `yaml:"model_timeout"`
}

// TelemetryConfig controls tracing and metrics export.
type TelemetryConfig struct {
	ServiceName string `yaml:"service_name"`

	// SampleRatio is the fraction of traces recorded, in [0, 1]. Zero or one
	// records everything.
	SampleRatio float64 `yaml:"sample_ratio"`

	// Metrics enables the /metrics endpoint.
	Metrics bool `yaml:"metrics"`
}

// Defaults returns the configuration used when nothing else is set.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr: ":8080",
			LogLevel:   LogInfo,
		},
		Database: DatabaseConfig{
			Host:         "localhost",
			Port:         5432,
			Name:         "security",
			User:         "postgres",
			Password:     "password",
			Schema:       "public",
			QueryTimeout: 30 * time.Second,
			MaxRows:      500,
		},
		Providers: ProvidersConfig{
			LLM: ProviderEntry{Name: "gemini", Model: "gemini-2.0-flash"},
		},
		Agent: AgentConfig{
			Temperature:  0.2,
			MaxRounds:    8,
			ModelTimeout: 60 * time.Second,
		},
		Telemetry: TelemetryConfig{
			ServiceName: "incidentql",
			Metrics:     true,
		},
	}
}
