package config

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// Reload is one accepted change of the config file.
type Reload struct {
	Old, New *Config
	Diff     ConfigDiff
}

// Watcher polls a config file and reports edits that change a setting. The
// reloaded file goes through the same layering as [Load], so environment
// overrides still win over the file. Files that fail to parse or validate are
// logged and ignored; the last good config stays current.
type Watcher struct {
	path     string
	interval time.Duration
	lookup   LookupFunc

	mu      sync.Mutex
	current *Config
	mtime   time.Time
	sum     [sha256.Size]byte
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the polling interval. The default is 5 seconds.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// WithLookupEnv replaces [os.LookupEnv] as the source of environment
// overrides.
func WithLookupEnv(lookup LookupFunc) WatcherOption {
	return func(w *Watcher) { w.lookup = lookup }
}

// NewWatcher loads path once and returns a watcher positioned at that
// version. Polling starts with [Watcher.Run].
func NewWatcher(path string, opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: 5 * time.Second,
		lookup:   os.LookupEnv,
	}
	for _, opt := range opts {
		opt(w)
	}

	snap, err := w.read()
	if err != nil {
		return nil, fmt.Errorf("config: watch %s: %w", path, err)
	}
	w.current, w.mtime, w.sum = snap.cfg, snap.mtime, snap.sum
	return w, nil
}

// Current returns the most recently accepted config.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Run polls until ctx is done, calling onReload from its own goroutine for
// every accepted edit whose diff is not empty. Edits that only touch
// comments or formatting advance Current without a callback.
func (w *Watcher) Run(ctx context.Context, onReload func(Reload)) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if r, ok := w.poll(); ok && onReload != nil {
				onReload(r)
			}
		}
	}
}

// poll reports a reload when the file content changed to a valid config with
// at least one differing setting.
func (w *Watcher) poll() (Reload, bool) {
	info, err := os.Stat(w.path)
	if err != nil {
		slog.Warn("config watcher: cannot stat file", "path", w.path, "err", err)
		return Reload{}, false
	}
	w.mu.Lock()
	seen := info.ModTime().Equal(w.mtime)
	w.mu.Unlock()
	if seen {
		return Reload{}, false
	}

	snap, err := w.read()
	if err != nil {
		slog.Warn("config watcher: keeping previous config", "path", w.path, "err", err)
		return Reload{}, false
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	w.mtime = snap.mtime
	if snap.sum == w.sum {
		return Reload{}, false
	}
	w.sum = snap.sum
	r := Reload{Old: w.current, New: snap.cfg, Diff: Diff(w.current, snap.cfg)}
	w.current = snap.cfg
	if r.Diff.Empty() {
		slog.Debug("config watcher: file changed without effect", "path", w.path)
		return Reload{}, false
	}
	slog.Info("config watcher: configuration reloaded", "path", w.path,
		"log_level", r.Diff.LogLevelChanged, "agent", r.Diff.AgentChanged, "restart", r.Diff.RestartRequired)
	return r, true
}

type snapshot struct {
	cfg   *Config
	mtime time.Time
	sum   [sha256.Size]byte
}

func (w *Watcher) read() (snapshot, error) {
	info, err := os.Stat(w.path)
	if err != nil {
		return snapshot{}, err
	}
	data, err := os.ReadFile(w.path)
	if err != nil {
		return snapshot{}, err
	}
	cfg, err := Parse(bytes.NewReader(data), w.lookup)
	if err != nil {
		return snapshot{}, err
	}
	return snapshot{cfg: cfg, mtime: info.ModTime(), sum: sha256.Sum256(data)}, nil
}
