package config

import (
	"fmt"
	"sync"
)

// LLMProviderType identifies the SDK adapter a provider binds to.
type LLMProviderType string

const (
	ProviderTypeOpenAI    LLMProviderType = "openai"
	ProviderTypeAnthropic LLMProviderType = "anthropic"
	ProviderTypeGoogle    LLMProviderType = "google"
	// ProviderTypeScripted is the deterministic test provider; it needs
	// no credentials.
	ProviderTypeScripted LLMProviderType = "scripted"
)

// IsValid checks the provider type.
func (t LLMProviderType) IsValid() bool {
	switch t {
	case ProviderTypeOpenAI, ProviderTypeAnthropic, ProviderTypeGoogle, ProviderTypeScripted:
		return true
	}
	return false
}

// LLMProviderConfig defines one LLM provider binding. Step configs name
// providers by registry key; "default" resolves through
// Config.DefaultLLMProvider.
type LLMProviderConfig struct {
	Type  LLMProviderType `yaml:"type"`
	Model string          `yaml:"model"`

	// APIKeyEnv names the environment variable holding the credential,
	// so secrets never sit in YAML.
	APIKeyEnv string `yaml:"api_key_env,omitempty"`

	// BaseURL overrides the provider endpoint (proxies, self-hosted).
	BaseURL string `yaml:"base_url,omitempty"`

	// MaxOutputTokens caps completions regardless of step config.
	MaxOutputTokens int `yaml:"max_output_tokens,omitempty"`
}

// LLMProviderRegistry stores provider configurations with thread-safe
// access.
type LLMProviderRegistry struct {
	providers map[string]*LLMProviderConfig
	mu        sync.RWMutex
}

// NewLLMProviderRegistry creates a registry over a defensive copy.
func NewLLMProviderRegistry(providers map[string]*LLMProviderConfig) *LLMProviderRegistry {
	copied := make(map[string]*LLMProviderConfig, len(providers))
	for k, v := range providers {
		copied[k] = v
	}
	return &LLMProviderRegistry{providers: copied}
}

// Get retrieves a provider configuration by name.
func (r *LLMProviderRegistry) Get(name string) (*LLMProviderConfig, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	provider, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrLLMProviderNotFound, name)
	}
	return provider, nil
}

// Has checks whether a provider exists.
func (r *LLMProviderRegistry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.providers[name]
	return ok
}

// Names returns the registered provider names.
func (r *LLMProviderRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	return names
}

// Len returns the number of providers.
func (r *LLMProviderRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.providers)
}
