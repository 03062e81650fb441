package provider

import (
	"fmt"
	"sort"

	"github.com/howard-nolan/llmgateway/internal/config"
)

// Registry maps modes to configured adapters.
type Registry struct {
	providers map[Mode]Provider
	missing   map[Mode]string // mode → env var that would configure it
}

// NewRegistry builds an adapter for every mode with credentials. Modes
// without an API key are remembered so Get can say what to set. Ollama
// needs no key and is always registered.
func NewRegistry(cfg map[string]config.ProviderConfig) *Registry {
	r := &Registry{
		providers: make(map[Mode]Provider),
		missing:   make(map[Mode]string),
	}

	for _, mode := range Modes {
		pc := cfg[string(mode)]
		if mode != ModeOllama && pc.APIKey == "" {
			r.missing[mode] = pc.KeyEnv
			continue
		}

		switch mode {
		case ModeOpenAI, ModeGrok:
			r.providers[mode] = NewOpenAIProvider(string(mode), pc.APIKey, pc.BaseURL, pc.Model)
		case ModeGemini:
			r.providers[mode] = NewGoogleProvider(pc.APIKey, pc.BaseURL, pc.Model)
		case ModeAnthropic:
			r.providers[mode] = NewAnthropicProvider(pc.APIKey, pc.BaseURL, pc.Model)
		case ModeOllama:
			r.providers[mode] = NewOllamaProvider(pc.BaseURL, pc.Model)
		}
	}
	return r
}

// Get returns the adapter for mode. An unconfigured mode yields an error
// wrapping ErrNotConfigured that names the environment variable to set.
func (r *Registry) Get(mode Mode) (Provider, error) {
	if p, ok := r.providers[mode]; ok {
		return p, nil
	}
	if env := r.missing[mode]; env != "" {
		return nil, fmt.Errorf("%w: %s is not set", ErrNotConfigured, env)
	}
	return nil, fmt.Errorf("%w: %s", ErrNotConfigured, mode)
}

// Configured lists the modes that have an adapter, sorted.
func (r *Registry) Configured() []string {
	names := make([]string, 0, len(r.providers))
	for m := range r.providers {
		names = append(names, string(m))
	}
	sort.Strings(names)
	return names
}
