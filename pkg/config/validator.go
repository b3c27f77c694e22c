package config

import (
	"fmt"

	"github.com/codeready-toolchain/tiller/pkg/pipeline"
)

// validator checks a loaded Config eagerly so misconfiguration fails at
// startup, not mid-turn.
type validator struct {
	cfg *Config
}

func newValidator(cfg *Config) *validator {
	return &validator{cfg: cfg}
}

func (v *validator) validateAll() error {
	if err := v.validateServer(); err != nil {
		return err
	}
	if err := v.validateDatabase(); err != nil {
		return err
	}
	if err := v.validateRedis(); err != nil {
		return err
	}
	if err := v.validateVector(); err != nil {
		return err
	}
	if err := v.validateLLMProviders(); err != nil {
		return err
	}
	return v.validatePipeline()
}

func (v *validator) validateServer() error {
	s := v.cfg.Server
	if s.Port < 1 || s.Port > 65535 {
		return NewValidationError("server", "", "port",
			fmt.Errorf("%w: %d", ErrInvalidValue, s.Port))
	}
	if s.ReadTimeout <= 0 || s.WriteTimeout <= 0 || s.ShutdownTimeout <= 0 {
		return NewValidationError("server", "", "timeouts",
			fmt.Errorf("%w: must be positive durations", ErrInvalidValue))
	}
	return nil
}

func (v *validator) validateDatabase() error {
	d := v.cfg.Database
	if d.Host == "" {
		return NewValidationError("database", "", "host", ErrMissingRequiredField)
	}
	if d.Database == "" {
		return NewValidationError("database", "", "database", ErrMissingRequiredField)
	}
	if d.Port < 1 || d.Port > 65535 {
		return NewValidationError("database", "", "port",
			fmt.Errorf("%w: %d", ErrInvalidValue, d.Port))
	}
	return nil
}

func (v *validator) validateRedis() error {
	r := v.cfg.Redis
	if !r.Enabled {
		return nil
	}
	if r.Addr == "" {
		return NewValidationError("redis", "", "addr", ErrMissingRequiredField)
	}
	if r.TTL <= 0 {
		return NewValidationError("redis", "", "ttl",
			fmt.Errorf("%w: must be a positive duration", ErrInvalidValue))
	}
	return nil
}

func (v *validator) validateVector() error {
	vec := v.cfg.Vector
	if vec.Embedder == "" {
		return NewValidationError("vector", "", "embedder", ErrMissingRequiredField)
	}
	if vec.Dimensions < 1 {
		return NewValidationError("vector", "", "dimensions",
			fmt.Errorf("%w: %d", ErrInvalidValue, vec.Dimensions))
	}
	return nil
}

func (v *validator) validateLLMProviders() error {
	if !v.cfg.LLMProviders.Has(v.cfg.DefaultLLMProvider) {
		return NewValidationError("llm_provider", v.cfg.DefaultLLMProvider, "",
			fmt.Errorf("%w: default_llm_provider names an unknown provider", ErrLLMProviderNotFound))
	}
	for _, name := range v.cfg.LLMProviders.Names() {
		p, err := v.cfg.LLMProviders.Get(name)
		if err != nil {
			return err
		}
		if !p.Type.IsValid() {
			return NewValidationError("llm_provider", name, "type",
				fmt.Errorf("%w: %q", ErrInvalidValue, p.Type))
		}
		if p.Model == "" {
			return NewValidationError("llm_provider", name, "model", ErrMissingRequiredField)
		}
		if p.Type != ProviderTypeScripted && p.APIKeyEnv == "" {
			return NewValidationError("llm_provider", name, "api_key_env", ErrMissingRequiredField)
		}
		if p.MaxOutputTokens < 0 {
			return NewValidationError("llm_provider", name, "max_output_tokens",
				fmt.Errorf("%w: %d", ErrInvalidValue, p.MaxOutputTokens))
		}
	}
	return nil
}

func (v *validator) validatePipeline() error {
	p := v.cfg.Pipeline
	if p == nil {
		return nil
	}
	for name, step := range p.Steps {
		if err := validateStep(name, step); err != nil {
			return err
		}
	}
	r := p.Retrieval
	if r.VectorWeight != nil && (*r.VectorWeight < 0 || *r.VectorWeight > 1) {
		return NewValidationError("pipeline", "retrieval", "vector_weight",
			fmt.Errorf("%w: must be in [0,1]", ErrInvalidValue))
	}
	if r.Strategy != "" && !r.Strategy.IsValid() {
		return NewValidationError("pipeline", "retrieval", "strategy",
			fmt.Errorf("%w: %q", ErrInvalidValue, r.Strategy))
	}
	if r.Normalization != "" && !r.Normalization.IsValid() {
		return NewValidationError("pipeline", "retrieval", "normalization",
			fmt.Errorf("%w: %q", ErrInvalidValue, r.Normalization))
	}
	if r.K < 0 || r.MinK < 0 || r.MaxK < 0 || r.CandidateLimit < 0 {
		return NewValidationError("pipeline", "retrieval", "k",
			fmt.Errorf("%w: selection sizes must be >= 0", ErrInvalidValue))
	}
	f := p.Filter
	if f.ConfidenceThreshold != nil && (*f.ConfidenceThreshold < 0 || *f.ConfidenceThreshold > 1) {
		return NewValidationError("pipeline", "filter", "confidence_threshold",
			fmt.Errorf("%w: must be in [0,1]", ErrInvalidValue))
	}
	if f.UnsurePolicy != "" && !f.UnsurePolicy.IsValid() {
		return NewValidationError("pipeline", "filter", "unsure_policy",
			fmt.Errorf("%w: %q", ErrInvalidValue, f.UnsurePolicy))
	}
	if p.TurnDeadlineMs < 0 || p.LeaseTTLMs < 0 || p.IdempotencyTTLSeconds < 0 {
		return NewValidationError("pipeline", "", "deadlines",
			fmt.Errorf("%w: must be >= 0", ErrInvalidValue))
	}
	return nil
}

func validateStep(name string, step pipeline.StepConfig) error {
	if step.Temperature != nil && (*step.Temperature < 0 || *step.Temperature > 2) {
		return NewValidationError("pipeline", name, "temperature",
			fmt.Errorf("%w: must be in [0,2]", ErrInvalidValue))
	}
	if step.MaxTokens < 0 {
		return NewValidationError("pipeline", name, "max_tokens",
			fmt.Errorf("%w: %d", ErrInvalidValue, step.MaxTokens))
	}
	if step.TimeoutMs < 0 {
		return NewValidationError("pipeline", name, "timeout_ms",
			fmt.Errorf("%w: %d", ErrInvalidValue, step.TimeoutMs))
	}
	if step.Retries < 0 {
		return NewValidationError("pipeline", name, "retries",
			fmt.Errorf("%w: %d", ErrInvalidValue, step.Retries))
	}
	return nil
}
