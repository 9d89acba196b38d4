package main

import (
	"context"
	"log/slog"
	"slices"
	"strings"
	"testing"

	"github.com/MrWong99/incidentql/internal/agent"
	"github.com/MrWong99/incidentql/internal/config"
)

type recordingAsker struct {
	questions []string
	resp      agent.Response
}

func (r *recordingAsker) Ask(_ context.Context, q string) agent.Response {
	r.questions = append(r.questions, q)
	return r.resp
}

func TestREPL_SampleNumbersAndFreeText(t *testing.T) {
	conv := &recordingAsker{resp: agent.Response{Text: "Two incidents.", Status: agent.StatusSuccess}}
	var out strings.Builder

	in := strings.NewReader("2\n\nHow many open incidents?\n9\nexit\nnever asked\n")
	if err := repl(context.Background(), in, &out, conv); err != nil {
		t.Fatalf("repl: %v", err)
	}

	want := []string{sampleQuestions[1], "How many open incidents?", "9"}
	if !slices.Equal(conv.questions, want) {
		t.Errorf("questions = %q, want %q", conv.questions, want)
	}
	got := out.String()
	for _, s := range []string{
		"5. " + sampleQuestions[4],
		"Selected query: " + sampleQuestions[1],
		"Response:\n" + rule + "\nTwo incidents.\n" + rule,
		"Exiting...",
	} {
		if !strings.Contains(got, s) {
			t.Errorf("output missing %q", s)
		}
	}
}

func TestREPL_ErrorResponse(t *testing.T) {
	conv := &recordingAsker{resp: agent.Response{Text: "Error processing your query: boom", Status: agent.StatusError}}
	var out strings.Builder

	if err := repl(context.Background(), strings.NewReader("q\n"), &out, conv); err != nil {
		t.Fatalf("repl: %v", err)
	}
	if !strings.Contains(out.String(), "Error:\n"+rule+"\nError processing your query: boom") {
		t.Errorf("output = %s", out.String())
	}
}

func TestREPL_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	conv := &recordingAsker{}
	if err := repl(ctx, strings.NewReader("q\n"), &strings.Builder{}, conv); err == nil {
		t.Error("expected context error")
	}
	if len(conv.questions) != 0 {
		t.Errorf("asked %v after cancel", conv.questions)
	}
}

func TestRegisterBuiltinProviders(t *testing.T) {
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	names := reg.LLMNames()
	for _, n := range config.ValidProviderNames {
		if !slices.Contains(names, n) {
			t.Errorf("provider %q not registered", n)
		}
	}

	if _, err := reg.CreateLLM(config.ProviderEntry{Name: "openai-native", Model: "gpt-4o"}); err == nil {
		t.Error("openai-native without API key should fail")
	}
	_, err := reg.CreateLLM(config.ProviderEntry{
		Name: "openai-native", APIKey: "k", Model: "gpt-4o",
		Options: map[string]any{"timeout": "soon"},
	})
	if err == nil {
		t.Error("invalid timeout option should fail")
	}
	if _, err := reg.CreateLLM(config.ProviderEntry{
		Name: "openai-native", APIKey: "k", Model: "gpt-4o",
		Options: map[string]any{"timeout": "30s", "organization": "org-1"},
	}); err != nil {
		t.Errorf("openai-native: %v", err)
	}
}

func TestOptString(t *testing.T) {
	opts := map[string]any{"a": "x", "n": 3}
	if optString(opts, "a") != "x" || optString(opts, "n") != "" || optString(opts, "missing") != "" || optString(nil, "a") != "" {
		t.Error("optString mismatch")
	}
}

func TestSlogLevel(t *testing.T) {
	tests := map[config.LogLevel]slog.Level{
		config.LogDebug: slog.LevelDebug,
		config.LogInfo:  slog.LevelInfo,
		config.LogWarn:  slog.LevelWarn,
		config.LogError: slog.LevelError,
		"":              slog.LevelInfo,
	}
	for in, want := range tests {
		if got := slogLevel(in); got != want {
			t.Errorf("slogLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestRun_UsageErrors(t *testing.T) {
	if code := run(nil); code != 2 {
		t.Errorf("run() = %d, want 2", code)
	}
	if code := run([]string{"-env", t.TempDir() + "/missing.env", "bogus"}); code != 2 {
		t.Errorf("run(bogus) = %d, want 2", code)
	}
}

func TestApplyReload_LogLevel(t *testing.T) {
	prev := logLevel.Level()
	t.Cleanup(func() { logLevel.Set(prev) })

	applyReload(nil, config.Reload{Diff: config.ConfigDiff{
		LogLevelChanged: true,
		NewLogLevel:     config.LogDebug,
		RestartRequired: []string{"database"},
	}})
	if got := logLevel.Level(); got != slog.LevelDebug {
		t.Errorf("log level = %v, want debug", got)
	}
}
