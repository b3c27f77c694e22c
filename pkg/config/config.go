// Package config loads the bootstrap YAML configuration: server,
// database, redis, vector, LLM providers, and the platform-defaults
// overlay for the per-turn runtime config resolved in pkg/pipeline.
// Bootstrap config is read once at startup; everything that varies per
// tenant, agent, scenario, or step lives in the catalogue instead.
package config

import (
	"fmt"
	"time"

	"dario.cat/mergo"

	"github.com/codeready-toolchain/tiller/pkg/database"
	"github.com/codeready-toolchain/tiller/pkg/pipeline"
)

// Config is the fully-loaded, validated bootstrap configuration.
type Config struct {
	configDir string

	Server   ServerConfig
	Database database.Config
	Redis    RedisConfig
	Vector   VectorConfig

	// DefaultLLMProvider names the provider used when a pipeline step
	// asks for model "default".
	DefaultLLMProvider string

	LLMProviders *LLMProviderRegistry

	// Pipeline is the bootstrap overlay merged over
	// pipeline.PlatformDefaults() to form the platform layer of runtime
	// config resolution. Nil when tiller.yaml carries no overrides.
	Pipeline *pipeline.RuntimeConfig
}

// ConfigDir returns the directory configuration was loaded from.
func (c *Config) ConfigDir() string {
	return c.configDir
}

// PlatformLayer merges the bootstrap pipeline overlay over the built-in
// platform defaults, producing the base layer of runtime config
// resolution.
func (c *Config) PlatformLayer() (pipeline.RuntimeConfig, error) {
	defaults := pipeline.PlatformDefaults()
	if c.Pipeline == nil {
		return defaults, nil
	}
	if err := mergo.Merge(&defaults, *c.Pipeline, mergo.WithOverride); err != nil {
		return defaults, fmt.Errorf("merging pipeline overlay: %w", err)
	}
	return defaults, nil
}

// ServerConfig holds the HTTP server settings.
type ServerConfig struct {
	Host            string        `yaml:"host,omitempty"`
	Port            int           `yaml:"port,omitempty"`
	ReadTimeout     time.Duration `yaml:"read_timeout,omitempty"`
	WriteTimeout    time.Duration `yaml:"write_timeout,omitempty"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout,omitempty"`
}

// RedisConfig holds the cache and idempotency store settings. When
// disabled, the process-local cache and in-memory idempotency store are
// used instead.
type RedisConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Addr     string        `yaml:"addr,omitempty"`
	Password string        `yaml:"password,omitempty"`
	DB       int           `yaml:"db,omitempty"`
	TTL      time.Duration `yaml:"ttl,omitempty"`
}

// VectorConfig holds embedding settings shared by the sync job and the
// retrieval phase.
type VectorConfig struct {
	// Embedder names the embedding backend ("hash" is the deterministic
	// built-in used by tests and single-node deployments).
	Embedder   string `yaml:"embedder,omitempty"`
	Dimensions int    `yaml:"dimensions,omitempty"`
}

// Stats summarises loaded configuration for the startup log line.
type Stats struct {
	LLMProviders  int
	StepOverrides int
}

// Stats reports counts of the loaded components.
func (c *Config) Stats() Stats {
	s := Stats{LLMProviders: c.LLMProviders.Len()}
	if c.Pipeline != nil {
		s.StepOverrides = len(c.Pipeline.Steps)
	}
	return s
}
