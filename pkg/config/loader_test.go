package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/tiller/pkg/pipeline"
)

func writeConfigFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o600))
}

func TestInitializeDefaults(t *testing.T) {
	dir := t.TempDir()
	writeConfigFile(t, dir, "tiller.yaml", "")

	cfg, err := Initialize(context.Background(), dir)
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 15*time.Second, cfg.Server.ShutdownTimeout)
	assert.False(t, cfg.Redis.Enabled)
	assert.Equal(t, "hash", cfg.Vector.Embedder)
	assert.Equal(t, "openai-default", cfg.DefaultLLMProvider)
	assert.True(t, cfg.LLMProviders.Has("anthropic-default"))
	assert.Nil(t, cfg.Pipeline)
	assert.Equal(t, dir, cfg.ConfigDir())
}

func TestInitializeOverrides(t *testing.T) {
	dir := t.TempDir()
	writeConfigFile(t, dir, "tiller.yaml", `
server:
  port: 9090
redis:
  enabled: true
  addr: redis.internal:6379
  ttl: 10m
vector:
  dimensions: 512
default_llm_provider: support-model
pipeline:
  steps:
    generation:
      model: support-model
      max_tokens: 2048
  turn_deadline_ms: 20000
`)
	writeConfigFile(t, dir, "llm-providers.yaml", `
llm_providers:
  support-model:
    type: openai
    model: gpt-4o
    api_key_env: OPENAI_API_KEY
`)

	cfg, err := Initialize(context.Background(), dir)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.True(t, cfg.Redis.Enabled)
	assert.Equal(t, 10*time.Minute, cfg.Redis.TTL)
	assert.Equal(t, 512, cfg.Vector.Dimensions)
	assert.Equal(t, "support-model", cfg.DefaultLLMProvider)

	require.NotNil(t, cfg.Pipeline)
	gen := cfg.Pipeline.Step(pipeline.StepGeneration)
	assert.Equal(t, "support-model", gen.Model)
	assert.Equal(t, 2048, gen.MaxTokens)
	assert.Equal(t, 20000, cfg.Pipeline.TurnDeadlineMs)
}

func TestInitializeUserProviderOverridesBuiltin(t *testing.T) {
	dir := t.TempDir()
	writeConfigFile(t, dir, "tiller.yaml", "")
	writeConfigFile(t, dir, "llm-providers.yaml", `
llm_providers:
  openai-default:
    type: openai
    model: gpt-4-turbo
    api_key_env: OPENAI_API_KEY
`)

	cfg, err := Initialize(context.Background(), dir)
	require.NoError(t, err)

	p, err := cfg.LLMProviders.Get("openai-default")
	require.NoError(t, err)
	assert.Equal(t, "gpt-4-turbo", p.Model)
}

func TestInitializeEnvExpansion(t *testing.T) {
	t.Setenv("TEST_REDIS_ADDR", "cache.internal:6380")
	dir := t.TempDir()
	writeConfigFile(t, dir, "tiller.yaml", `
redis:
  enabled: true
  addr: "{{.TEST_REDIS_ADDR}}"
  ttl: 1m
`)

	cfg, err := Initialize(context.Background(), dir)
	require.NoError(t, err)
	assert.Equal(t, "cache.internal:6380", cfg.Redis.Addr)
}

func TestInitializeMissingRootFile(t *testing.T) {
	_, err := Initialize(context.Background(), t.TempDir())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConfigNotFound)
	assert.Contains(t, err.Error(), "tiller.yaml")
}

func TestInitializeInvalidYAML(t *testing.T) {
	dir := t.TempDir()
	writeConfigFile(t, dir, "tiller.yaml", "server: [not a mapping")

	_, err := Initialize(context.Background(), dir)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidYAML)
}

func TestInitializeUnknownDefaultProvider(t *testing.T) {
	dir := t.TempDir()
	writeConfigFile(t, dir, "tiller.yaml", "default_llm_provider: nope\n")

	_, err := Initialize(context.Background(), dir)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrValidationFailed)
	assert.ErrorIs(t, err, ErrLLMProviderNotFound)
}
