package config

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"

	"github.com/MrWong99/incidentql/pkg/provider/llm"
)

// ErrProviderNotRegistered means a providers entry names a backend nobody
// registered a factory for.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// LLMFactory builds a model backend from one providers entry.
type LLMFactory func(ProviderEntry) (llm.Provider, error)

// Registry resolves the provider names used in the config file to factories.
// Names are matched case-insensitively. Safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]LLMFactory
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]LLMFactory)}
}

// RegisterLLM binds name to f, replacing any earlier binding.
func (r *Registry) RegisterLLM(name string, f LLMFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[strings.ToLower(name)] = f
}

// CreateLLM builds the backend for entry. Factory errors are wrapped with the
// provider name so a bad fallback entry is easy to find in the startup log.
func (r *Registry) CreateLLM(entry ProviderEntry) (llm.Provider, error) {
	r.mu.RLock()
	f, ok := r.factories[strings.ToLower(entry.Name)]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q (known: %s)", ErrProviderNotRegistered, entry.Name, strings.Join(r.LLMNames(), ", "))
	}
	p, err := f(entry)
	if err != nil {
		return nil, fmt.Errorf("config: provider %q: %w", entry.Name, err)
	}
	return p, nil
}

// LLMNames returns the registered names, sorted.
func (r *Registry) LLMNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Sorted(maps.Keys(r.factories))
}
