package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"

	"github.com/codeready-toolchain/tiller/pkg/database"
	"github.com/codeready-toolchain/tiller/pkg/pipeline"
)

// tillerYAMLConfig represents the complete tiller.yaml file structure.
type tillerYAMLConfig struct {
	Server             *ServerConfig           `yaml:"server"`
	Database           *databaseYAMLConfig     `yaml:"database"`
	Redis              *RedisConfig            `yaml:"redis"`
	Vector             *VectorConfig           `yaml:"vector"`
	DefaultLLMProvider string                  `yaml:"default_llm_provider"`
	Pipeline           *pipeline.RuntimeConfig `yaml:"pipeline"`
}

// databaseYAMLConfig mirrors database.Config with YAML field names.
// Unset fields fall back to the environment-derived defaults.
type databaseYAMLConfig struct {
	Host     string `yaml:"host,omitempty"`
	Port     int    `yaml:"port,omitempty"`
	User     string `yaml:"user,omitempty"`
	Password string `yaml:"password,omitempty"`
	Database string `yaml:"database,omitempty"`
	SSLMode  string `yaml:"sslmode,omitempty"`
	MaxConns int    `yaml:"max_conns,omitempty"`
	MinConns int    `yaml:"min_conns,omitempty"`
}

// llmProvidersYAMLConfig represents the llm-providers.yaml structure.
type llmProvidersYAMLConfig struct {
	LLMProviders map[string]LLMProviderConfig `yaml:"llm_providers"`
}

// Initialize loads, validates, and returns ready-to-use configuration.
//
// Steps performed:
//  1. Load tiller.yaml and llm-providers.yaml from configDir
//  2. Expand environment variables ({{.VAR}} template syntax)
//  3. Parse YAML into structs
//  4. Merge built-in + user-defined LLM providers
//  5. Apply defaults for unset sections
//  6. Validate everything, eagerly
func Initialize(ctx context.Context, configDir string) (*Config, error) {
	log := slog.With("config_dir", configDir)
	log.Info("initializing configuration")

	cfg, err := load(ctx, configDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if err := newValidator(cfg).validateAll(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrValidationFailed, err)
	}

	stats := cfg.Stats()
	log.Info("configuration initialized",
		"llm_providers", stats.LLMProviders,
		"step_overrides", stats.StepOverrides)
	return cfg, nil
}

func load(_ context.Context, configDir string) (*Config, error) {
	loader := &configLoader{configDir: configDir}

	var root tillerYAMLConfig
	if err := loader.loadYAML("tiller.yaml", &root); err != nil {
		return nil, NewLoadError("tiller.yaml", err)
	}

	var providersFile llmProvidersYAMLConfig
	if err := loader.loadYAML("llm-providers.yaml", &providersFile); err != nil {
		// Shipping only builtin providers is fine; a malformed file is not.
		if !errors.Is(err, ErrConfigNotFound) {
			return nil, NewLoadError("llm-providers.yaml", err)
		}
	}
	providers := mergeLLMProviders(builtinLLMProviders(), providersFile.LLMProviders)

	server := DefaultServerConfig()
	if root.Server != nil {
		if err := mergo.Merge(&server, *root.Server, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("merging server config: %w", err)
		}
	}

	dbCfg, err := defaultDatabaseConfig()
	if err != nil {
		return nil, fmt.Errorf("resolving database defaults: %w", err)
	}
	if root.Database != nil {
		applyDatabaseOverrides(&dbCfg, root.Database)
	}

	redis := DefaultRedisConfig()
	if root.Redis != nil {
		if err := mergo.Merge(&redis, *root.Redis, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("merging redis config: %w", err)
		}
		redis.Enabled = root.Redis.Enabled
	}

	vector := DefaultVectorConfig()
	if root.Vector != nil {
		if err := mergo.Merge(&vector, *root.Vector, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("merging vector config: %w", err)
		}
	}

	defaultProvider := root.DefaultLLMProvider
	if defaultProvider == "" {
		defaultProvider = "openai-default"
	}

	return &Config{
		configDir:          configDir,
		Server:             server,
		Database:           dbCfg,
		Redis:              redis,
		Vector:             vector,
		DefaultLLMProvider: defaultProvider,
		LLMProviders:       NewLLMProviderRegistry(providers),
		Pipeline:           root.Pipeline,
	}, nil
}

func applyDatabaseOverrides(cfg *database.Config, y *databaseYAMLConfig) {
	if y.Host != "" {
		cfg.Host = y.Host
	}
	if y.Port != 0 {
		cfg.Port = y.Port
	}
	if y.User != "" {
		cfg.User = y.User
	}
	if y.Password != "" {
		cfg.Password = y.Password
	}
	if y.Database != "" {
		cfg.Database = y.Database
	}
	if y.SSLMode != "" {
		cfg.SSLMode = y.SSLMode
	}
	if y.MaxConns != 0 {
		cfg.MaxConns = y.MaxConns
	}
	if y.MinConns != 0 {
		cfg.MinConns = y.MinConns
	}
}

type configLoader struct {
	configDir string
}

func (l *configLoader) loadYAML(filename string, target any) error {
	path := filepath.Join(l.configDir, filename)

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrConfigNotFound, path)
		}
		return err
	}

	// ExpandEnv passes original bytes through on template errors so the
	// YAML parser produces the clearer message.
	data = ExpandEnv(data)

	if err := yaml.Unmarshal(data, target); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidYAML, err)
	}
	return nil
}
