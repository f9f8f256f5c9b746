// Package model manages LLM endpoint configuration and health tracking.
package model

import (
	"sync"
)

// EndpointConfig defines a configured provider endpoint.
type EndpointConfig struct {
	// Provider is the provider identifier (google, openai, anthropic, ollama).
	Provider string `json:"provider" yaml:"provider"`

	// URL is the API base URL. Empty uses the provider's default.
	URL string `json:"url,omitempty" yaml:"url"`

	// Model is the model identifier sent to the provider.
	Model string `json:"model" yaml:"model"`

	// MaxTokens is the context window size, used for budgeting.
	MaxTokens int `json:"max_tokens,omitempty" yaml:"max_tokens"`
}

// Registry maps provider names to endpoint configuration and tracks
// endpoint health for circuit breaking.
type Registry struct {
	mu        sync.RWMutex
	endpoints map[string]*EndpointConfig
	health    *healthState
}

// NewRegistry creates a registry with the given provider endpoints.
func NewRegistry(endpoints map[string]*EndpointConfig) *Registry {
	return &Registry{
		endpoints: endpoints,
		health:    newHealthState(DefaultHealthConfig()),
	}
}

// NewDefaultRegistry creates a registry with the built-in provider defaults.
// Model names are current as of the corpus snapshot; override via config
// for anything newer.
func NewDefaultRegistry() *Registry {
	return NewRegistry(map[string]*EndpointConfig{
		"google": {
			Provider:  "google",
			Model:     "gemini-2.0-flash",
			MaxTokens: 1048576,
		},
		"openai": {
			Provider:  "openai",
			Model:     "gpt-4o-mini",
			MaxTokens: 128000,
		},
		"anthropic": {
			Provider:  "anthropic",
			Model:     "claude-sonnet-4-20250514",
			MaxTokens: 200000,
		},
		"ollama": {
			Provider:  "ollama",
			URL:       "http://localhost:11434/v1",
			Model:     "llama3.2",
			MaxTokens: 128000,
		},
	})
}

// GetEndpoint returns the endpoint config for a provider, or nil.
func (r *Registry) GetEndpoint(provider string) *EndpointConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.endpoints[provider]
}

// Chain filters a caller-supplied provider preference list down to the
// providers this registry knows about, preserving order.
func (r *Registry) Chain(preference []string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	chain := make([]string, 0, len(preference))
	for _, p := range preference {
		if _, ok := r.endpoints[p]; ok {
			chain = append(chain, p)
		}
	}
	return chain
}

// Providers returns all configured provider names.
func (r *Registry) Providers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.endpoints))
	for name := range r.endpoints {
		names = append(names, name)
	}
	return names
}

// SetEndpoint adds or replaces a provider endpoint.
func (r *Registry) SetEndpoint(provider string, cfg *EndpointConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.endpoints[provider] = cfg
}

// IsAvailable reports whether the provider's circuit allows a request.
func (r *Registry) IsAvailable(provider string) bool {
	return r.health.isAvailable(provider)
}

// MarkSuccess records a successful call, closing the circuit.
func (r *Registry) MarkSuccess(provider string) {
	r.health.markSuccess(provider)
}

// MarkFailure records a failed call; enough consecutive failures open
// the circuit until the recovery timeout elapses.
func (r *Registry) MarkFailure(provider string) {
	r.health.markFailure(provider)
}

// Health returns a snapshot of the provider's health, or nil if the
// provider has never been used.
func (r *Registry) Health(provider string) *EndpointHealth {
	return r.health.snapshot(provider)
}
