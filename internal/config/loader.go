package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"slices"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists the model backends shipped with incidentql.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = []string{
	"gemini", "openai", "openai-native", "anthropic", "ollama",
	"deepseek", "mistral", "groq", "llamacpp", "llamafile",
}

// localProviders run without an API key.
var localProviders = []string{"ollama", "llamacpp", "llamafile"}

// LookupFunc reads one environment variable. os.LookupEnv satisfies it.
type LookupFunc func(key string) (string, bool)

// Load builds the configuration from defaults, the YAML file at path (skipped
// when path is empty), the .env files (default ".env"; missing files are
// ignored), and the process environment, then validates it.
func Load(path string, envFiles ...string) (*Config, error) {
	if err := loadDotenv(envFiles...); err != nil {
		return nil, err
	}
	if path == "" {
		return Parse(nil, os.LookupEnv)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	cfg, err := Parse(bytes.NewReader(data), os.LookupEnv)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// loadDotenv loads .env files into the process environment. Variables that
// are already set are not overwritten.
func loadDotenv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("config: load %q: %w", f, err)
		}
	}
	return nil
}

// Parse decodes YAML from r (nil means no file) over [Defaults], applies
// environment overrides via lookup, and validates the result.
func Parse(r io.Reader, lookup LookupFunc) (*Config, error) {
	cfg := Defaults()
	if r != nil {
		dec := yaml.NewDecoder(r)
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("config: decode yaml: %w", err)
		}
	}
	if lookup != nil {
		if err := ApplyEnv(cfg, lookup); err != nil {
			return nil, err
		}
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides cfg with the environment variables that are set.
//
//	DB_HOST DB_PORT DB_NAME DB_USER DB_PASSWORD DB_SCHEMA DATABASE_URL
//	MODEL_API_KEY (GEMINI_API_KEY accepted as fallback) LLM_PROVIDER LLM_MODEL
//	LOG_LEVEL LISTEN_ADDR QUERY_TIMEOUT MAX_ROWS
func ApplyEnv(cfg *Config, lookup LookupFunc) error {
	var errs []error
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		v, ok := lookup(key)
		if !ok || v == "" {
			return
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s %q is not an integer", key, v))
			return
		}
		*dst = n
	}

	str("DB_HOST", &cfg.Database.Host)
	num("DB_PORT", &cfg.Database.Port)
	str("DB_NAME", &cfg.Database.Name)
	str("DB_USER", &cfg.Database.User)
	str("DB_PASSWORD", &cfg.Database.Password)
	str("DB_SCHEMA", &cfg.Database.Schema)
	str("DATABASE_URL", &cfg.Database.DSN)
	num("MAX_ROWS", &cfg.Database.MaxRows)
	if v, ok := lookup("QUERY_TIMEOUT"); ok && v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("QUERY_TIMEOUT %q: %w", v, err))
		} else {
			cfg.Database.QueryTimeout = d
		}
	}

	str("GEMINI_API_KEY", &cfg.Providers.LLM.APIKey)
	str("MODEL_API_KEY", &cfg.Providers.LLM.APIKey)
	str("LLM_PROVIDER", &cfg.Providers.LLM.Name)
	str("LLM_MODEL", &cfg.Providers.LLM.Model)

	var level string
	str("LOG_LEVEL", &level)
	if level != "" {
		cfg.Server.LogLevel = LogLevel(level)
	}
	str("LISTEN_ADDR", &cfg.Server.ListenAddr)

	if len(errs) > 0 {
		return fmt.Errorf("config: environment: %w", errors.Join(errs...))
	}
	return nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	db := cfg.Database
	if db.DSN == "" {
		if db.Host == "" {
			errs = append(errs, errors.New("database.host is required"))
		}
		if db.Name == "" {
			errs = append(errs, errors.New("database.name is required"))
		}
		if db.Port < 1 || db.Port > 65535 {
			errs = append(errs, fmt.Errorf("database.port %d is out of range [1, 65535]", db.Port))
		}
	}
	if db.Schema == "" {
		errs = append(errs, errors.New("database.schema is required"))
	}
	if db.QueryTimeout <= 0 {
		errs = append(errs, fmt.Errorf("database.query_timeout %s must be positive", db.QueryTimeout))
	}
	if db.MaxRows <= 0 {
		errs = append(errs, fmt.Errorf("database.max_rows %d must be positive", db.MaxRows))
	}
	if db.MaxConns < 0 {
		errs = append(errs, fmt.Errorf("database.max_conns %d must not be negative", db.MaxConns))
	}

	errs = append(errs, validateProvider("providers.llm", cfg.Providers.LLM)...)
	for i, fb := range cfg.Providers.Fallbacks {
		errs = append(errs, validateProvider(fmt.Sprintf("providers.fallbacks[%d]", i), fb)...)
	}

	ag := cfg.Agent
	if ag.Temperature < 0 || ag.Temperature > 2 {
		errs = append(errs, fmt.Errorf("agent.temperature %.2f is out of range [0, 2]", ag.Temperature))
	}
	if ag.MaxRounds < 1 {
		errs = append(errs, fmt.Errorf("agent.max_rounds %d must be at least 1", ag.MaxRounds))
	}
	if ag.ModelTimeout <= 0 {
		errs = append(errs, fmt.Errorf("agent.model_timeout %s must be positive", ag.ModelTimeout))
	}

	if r := cfg.Telemetry.SampleRatio; r < 0 || r > 1 {
		errs = append(errs, fmt.Errorf("telemetry.sample_ratio %.2f is out of range [0, 1]", r))
	}

	return errors.Join(errs...)
}

func validateProvider(prefix string, e ProviderEntry) []error {
	if e.Name == "" {
		return []error{fmt.Errorf("%s.name is required", prefix)}
	}
	warnUnknownProvider(e.Name)
	return nil
}

// RequireCredentials checks that every configured model backend that is not
// a local server has an API key. Commands that never talk to a model (setup)
// skip it.
func RequireCredentials(cfg *Config) error {
	var errs []error
	check := func(prefix string, e ProviderEntry) {
		if e.APIKey == "" && !slices.Contains(localProviders, e.Name) {
			errs = append(errs, fmt.Errorf("%s.api_key is required for provider %q (set MODEL_API_KEY)", prefix, e.Name))
		}
	}
	check("providers.llm", cfg.Providers.LLM)
	for i, fb := range cfg.Providers.Fallbacks {
		check(fmt.Sprintf("providers.fallbacks[%d]", i), fb)
	}
	return errors.Join(errs...)
}

// warnUnknownProvider logs a warning if name is not in [ValidProviderNames].
func warnUnknownProvider(name string) {
	if slices.Contains(ValidProviderNames, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"name", name,
		"known", ValidProviderNames,
	)
}
