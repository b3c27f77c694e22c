package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/tiller/pkg/database"
	"github.com/codeready-toolchain/tiller/pkg/pipeline"
)

func validConfig() *Config {
	return &Config{
		Server: DefaultServerConfig(),
		Database: database.Config{
			Host:     "localhost",
			Port:     5432,
			User:     "tiller",
			Database: "tiller",
			SSLMode:  "disable",
		},
		Redis:              DefaultRedisConfig(),
		Vector:             DefaultVectorConfig(),
		DefaultLLMProvider: "openai-default",
		LLMProviders:       NewLLMProviderRegistry(mergeLLMProviders(builtinLLMProviders(), nil)),
	}
}

func TestValidateAllAcceptsDefaults(t *testing.T) {
	require.NoError(t, newValidator(validConfig()).validateAll())
}

func TestValidateRejections(t *testing.T) {
	f := func(v float64) *float64 { return &v }

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr error
	}{
		{
			name:    "bad server port",
			mutate:  func(c *Config) { c.Server.Port = 0 },
			wantErr: ErrInvalidValue,
		},
		{
			name:    "missing database host",
			mutate:  func(c *Config) { c.Database.Host = "" },
			wantErr: ErrMissingRequiredField,
		},
		{
			name: "redis enabled without addr",
			mutate: func(c *Config) {
				c.Redis.Enabled = true
				c.Redis.Addr = ""
			},
			wantErr: ErrMissingRequiredField,
		},
		{
			name:    "zero vector dimensions",
			mutate:  func(c *Config) { c.Vector.Dimensions = 0 },
			wantErr: ErrInvalidValue,
		},
		{
			name:    "unknown default provider",
			mutate:  func(c *Config) { c.DefaultLLMProvider = "nope" },
			wantErr: ErrLLMProviderNotFound,
		},
		{
			name: "provider without model",
			mutate: func(c *Config) {
				c.LLMProviders = NewLLMProviderRegistry(map[string]*LLMProviderConfig{
					"openai-default": {Type: ProviderTypeOpenAI, APIKeyEnv: "OPENAI_API_KEY"},
				})
			},
			wantErr: ErrMissingRequiredField,
		},
		{
			name: "provider without credential env",
			mutate: func(c *Config) {
				c.LLMProviders = NewLLMProviderRegistry(map[string]*LLMProviderConfig{
					"openai-default": {Type: ProviderTypeOpenAI, Model: "gpt-4o"},
				})
			},
			wantErr: ErrMissingRequiredField,
		},
		{
			name: "step temperature out of range",
			mutate: func(c *Config) {
				c.Pipeline = &pipeline.RuntimeConfig{
					Steps: map[string]pipeline.StepConfig{
						pipeline.StepGeneration: {Temperature: f(3.5)},
					},
				}
			},
			wantErr: ErrInvalidValue,
		},
		{
			name: "vector weight out of range",
			mutate: func(c *Config) {
				c.Pipeline = &pipeline.RuntimeConfig{
					Retrieval: pipeline.RetrievalConfig{VectorWeight: f(1.5)},
				}
			},
			wantErr: ErrInvalidValue,
		},
		{
			name: "bad unsure policy",
			mutate: func(c *Config) {
				c.Pipeline = &pipeline.RuntimeConfig{
					Filter: pipeline.FilterConfig{UnsurePolicy: "shrug"},
				}
			},
			wantErr: ErrInvalidValue,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := newValidator(cfg).validateAll()
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.wantErr)

			var verr *ValidationError
			assert.ErrorAs(t, err, &verr)
		})
	}
}

func TestScriptedProviderNeedsNoCredential(t *testing.T) {
	cfg := validConfig()
	cfg.LLMProviders = NewLLMProviderRegistry(map[string]*LLMProviderConfig{
		"openai-default": {Type: ProviderTypeOpenAI, Model: "gpt-4o", APIKeyEnv: "OPENAI_API_KEY"},
		"scripted":       {Type: ProviderTypeScripted, Model: "scripted"},
	})
	require.NoError(t, newValidator(cfg).validateAll())
}
