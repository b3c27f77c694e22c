package pipeline

import (
	"fmt"
	"sync"

	"dario.cat/mergo"

	"github.com/codeready-toolchain/tiller/pkg/models"
)

// Pipeline step names, in execution order. Used for per-step config,
// phase timings, spans, and audit records.
const (
	StepResolveConfig = "resolve_config"
	StepMigration     = "migration"
	StepSensor        = "sensor"
	StepRetrieval     = "retrieval"
	StepRuleFilter    = "rule_filter"
	StepScenario      = "scenario"
	StepCustomerData  = "customer_data"
	StepPlanner       = "planner"
	StepToolsBefore   = "tools_before"
	StepGeneration    = "generation"
	StepEnforcement   = "enforcement"
	StepToolsAfter    = "tools_after"
	StepPersist       = "persist"
)

// StepConfig tunes one pipeline step. Pointer fields distinguish "unset"
// from an explicit zero so layering can override in either direction.
type StepConfig struct {
	Enabled     *bool    `yaml:"enabled,omitempty" json:"enabled,omitempty"`
	Model       string   `yaml:"model,omitempty" json:"model,omitempty"`
	Temperature *float64 `yaml:"temperature,omitempty" json:"temperature,omitempty"`
	MaxTokens   int      `yaml:"max_tokens,omitempty" json:"max_tokens,omitempty"`
	TimeoutMs   int      `yaml:"timeout_ms,omitempty" json:"timeout_ms,omitempty"`
	Retries     int      `yaml:"retries,omitempty" json:"retries,omitempty"`
}

// IsEnabled defaults to on.
func (s StepConfig) IsEnabled() bool {
	return s.Enabled == nil || *s.Enabled
}

// RetrievalConfig carries the retrieval and selection knobs.
type RetrievalConfig struct {
	Strategy       models.SelectionStrategy   `yaml:"strategy,omitempty" json:"strategy,omitempty"`
	MinScore       *float64                   `yaml:"min_score,omitempty" json:"min_score,omitempty"`
	K              int                        `yaml:"k,omitempty" json:"k,omitempty"`
	MinK           int                        `yaml:"min_k,omitempty" json:"min_k,omitempty"`
	MaxK           int                        `yaml:"max_k,omitempty" json:"max_k,omitempty"`
	DropThreshold  *float64                   `yaml:"drop_threshold,omitempty" json:"drop_threshold,omitempty"`
	HybridEnabled  *bool                      `yaml:"hybrid_enabled,omitempty" json:"hybrid_enabled,omitempty"`
	VectorWeight   *float64                   `yaml:"vector_weight,omitempty" json:"vector_weight,omitempty"`
	Normalization  models.NormalizationMethod `yaml:"normalization,omitempty" json:"normalization,omitempty"`
	CandidateLimit int                        `yaml:"candidate_limit,omitempty" json:"candidate_limit,omitempty"`
}

// FilterConfig carries the ternary-classifier knobs.
type FilterConfig struct {
	ConfidenceThreshold *float64            `yaml:"confidence_threshold,omitempty" json:"confidence_threshold,omitempty"`
	UnsurePolicy        models.UnsurePolicy `yaml:"unsure_policy,omitempty" json:"unsure_policy,omitempty"`
	BatchSize           int                 `yaml:"batch_size,omitempty" json:"batch_size,omitempty"`
}

// ScenarioConfig carries the orchestration knobs.
type ScenarioConfig struct {
	StartThreshold         *float64 `yaml:"start_threshold,omitempty" json:"start_threshold,omitempty"`
	TransitionThreshold    *float64 `yaml:"transition_threshold,omitempty" json:"transition_threshold,omitempty"`
	LoopThreshold          int      `yaml:"loop_threshold,omitempty" json:"loop_threshold,omitempty"`
	MaxConcurrentScenarios int      `yaml:"max_concurrent_scenarios,omitempty" json:"max_concurrent_scenarios,omitempty"`
}

// RuntimeConfig is the fully-resolved configuration one turn runs under.
type RuntimeConfig struct {
	Steps     map[string]StepConfig `yaml:"steps,omitempty" json:"steps,omitempty"`
	Retrieval RetrievalConfig       `yaml:"retrieval,omitempty" json:"retrieval,omitempty"`
	Filter    FilterConfig          `yaml:"filter,omitempty" json:"filter,omitempty"`
	Scenario  ScenarioConfig        `yaml:"scenario,omitempty" json:"scenario,omitempty"`

	TurnDeadlineMs        int  `yaml:"turn_deadline_ms,omitempty" json:"turn_deadline_ms,omitempty"`
	LeaseTTLMs            int  `yaml:"lease_ttl_ms,omitempty" json:"lease_ttl_ms,omitempty"`
	IdempotencyTTLSeconds int  `yaml:"idempotency_ttl_seconds,omitempty" json:"idempotency_ttl_seconds,omitempty"`
	// QueueOnBusy waits for the session lease instead of failing fast
	// with SESSION_BUSY.
	QueueOnBusy *bool `yaml:"queue_on_busy,omitempty" json:"queue_on_busy,omitempty"`
	// HistoryWindow bounds conversation turns fed to prompts.
	HistoryWindow int `yaml:"history_window,omitempty" json:"history_window,omitempty"`

	// Extra carries environment-specific opaque settings, merged deeply
	// across layers.
	Extra map[string]any `yaml:"extra,omitempty" json:"extra,omitempty"`
}

// Step returns the step's config, zero when absent.
func (c *RuntimeConfig) Step(name string) StepConfig {
	return c.Steps[name]
}

// PlatformDefaults is the base layer every resolution starts from.
func PlatformDefaults() RuntimeConfig {
	f := func(v float64) *float64 { return &v }
	b := func(v bool) *bool { return &v }
	return RuntimeConfig{
		Steps: map[string]StepConfig{
			StepSensor:      {Model: "default", MaxTokens: 1024, TimeoutMs: 8000, Retries: 2},
			StepRuleFilter:  {Model: "default", MaxTokens: 1024, TimeoutMs: 8000, Retries: 1},
			StepScenario:    {Model: "default", MaxTokens: 512, TimeoutMs: 6000, Retries: 1},
			StepGeneration:  {Model: "default", Temperature: f(0.7), MaxTokens: 1024, TimeoutMs: 15000, Retries: 1},
			StepEnforcement: {Model: "default", MaxTokens: 256, TimeoutMs: 6000, Retries: 1},
		},
		Retrieval: RetrievalConfig{
			Strategy:       models.StrategyFixedK,
			MinScore:       f(0.3),
			K:              5,
			MinK:           1,
			MaxK:           10,
			DropThreshold:  f(0.3),
			HybridEnabled:  b(true),
			VectorWeight:   f(0.7),
			Normalization:  models.NormalizeMinMax,
			CandidateLimit: 50,
		},
		Filter: FilterConfig{
			ConfidenceThreshold: f(0.7),
			UnsurePolicy:        models.UnsurePolicyExclude,
			BatchSize:           5,
		},
		Scenario: ScenarioConfig{
			StartThreshold:         f(0.5),
			TransitionThreshold:    f(0.55),
			LoopThreshold:          5,
			MaxConcurrentScenarios: 3,
		},
		TurnDeadlineMs:        30000,
		LeaseTTLMs:            45000,
		IdempotencyTTLSeconds: 300,
		QueueOnBusy:           b(false),
		HistoryWindow:         6,
	}
}

// LayerProvider supplies config overlays per resolution scope. A nil
// overlay means the scope contributes nothing.
type LayerProvider interface {
	TenantLayer(tenantID string) *RuntimeConfig
	AgentLayer(tenantID, agentID string) *RuntimeConfig
	ChannelLayer(tenantID, channel string) *RuntimeConfig
	ScenarioLayer(tenantID, scenarioID string) *RuntimeConfig
	StepLayer(tenantID, stepID string) *RuntimeConfig
}

// StaticLayers is a map-backed LayerProvider for bootstrap config and
// tests. Keys are scope-prefixed: "tenant/t1", "agent/t1/a1",
// "channel/t1/web", "scenario/t1/s1", "step/t1/st1".
type StaticLayers map[string]*RuntimeConfig

func (s StaticLayers) TenantLayer(tenantID string) *RuntimeConfig {
	return s["tenant/"+tenantID]
}
func (s StaticLayers) AgentLayer(tenantID, agentID string) *RuntimeConfig {
	return s["agent/"+tenantID+"/"+agentID]
}
func (s StaticLayers) ChannelLayer(tenantID, channel string) *RuntimeConfig {
	return s["channel/"+tenantID+"/"+channel]
}
func (s StaticLayers) ScenarioLayer(tenantID, scenarioID string) *RuntimeConfig {
	return s["scenario/"+tenantID+"/"+scenarioID]
}
func (s StaticLayers) StepLayer(tenantID, stepID string) *RuntimeConfig {
	return s["step/"+tenantID+"/"+stepID]
}

// Resolver layers runtime config: platform defaults, then tenant, agent,
// channel, scenario, step; later layers override earlier ones and unset
// fields are no-ops. Resolutions are cached by the full scope key.
type Resolver struct {
	defaults RuntimeConfig
	layers   LayerProvider
	mu       sync.RWMutex
	cache    map[string]*RuntimeConfig
}

// NewResolver wires a resolver. A nil provider resolves to pure
// defaults.
func NewResolver(defaults RuntimeConfig, layers LayerProvider) *Resolver {
	if layers == nil {
		layers = StaticLayers{}
	}
	return &Resolver{defaults: defaults, layers: layers, cache: make(map[string]*RuntimeConfig)}
}

// Resolve merges the applicable layers for the scope. scenarioID and
// stepID may be empty early in a session.
func (r *Resolver) Resolve(tenantID, agentID, channel, scenarioID, stepID string) (*RuntimeConfig, error) {
	key := fmt.Sprintf("%s|%s|%s|%s|%s", tenantID, agentID, channel, scenarioID, stepID)
	r.mu.RLock()
	if cached, ok := r.cache[key]; ok {
		r.mu.RUnlock()
		return cached, nil
	}
	r.mu.RUnlock()

	resolved := r.defaults
	// Deep-copy the mutable maps so layering never mutates the defaults.
	resolved.Steps = make(map[string]StepConfig, len(r.defaults.Steps))
	for k, v := range r.defaults.Steps {
		resolved.Steps[k] = v
	}
	resolved.Extra = nil

	overlays := []*RuntimeConfig{
		r.layers.TenantLayer(tenantID),
		r.layers.AgentLayer(tenantID, agentID),
		r.layers.ChannelLayer(tenantID, channel),
	}
	if scenarioID != "" {
		overlays = append(overlays, r.layers.ScenarioLayer(tenantID, scenarioID))
	}
	if stepID != "" {
		overlays = append(overlays, r.layers.StepLayer(tenantID, stepID))
	}
	for _, overlay := range overlays {
		if overlay == nil {
			continue
		}
		if err := mergo.Merge(&resolved, *overlay, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("merging config layer: %w", err)
		}
	}

	r.mu.Lock()
	r.cache[key] = &resolved
	r.mu.Unlock()
	return &resolved, nil
}

// Invalidate drops every cached resolution; called when config publishes.
func (r *Resolver) Invalidate() {
	r.mu.Lock()
	r.cache = make(map[string]*RuntimeConfig)
	r.mu.Unlock()
}
