package models

import (
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"
)

// Timestamps are carried by every persisted entity. DeletedAt implements
// soft delete: reads exclude rows with a non-nil DeletedAt unless the
// caller explicitly asks for them.
type Timestamps struct {
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	DeletedAt *time.Time `json:"deleted_at,omitempty"`
}

// IsDeleted reports whether the entity is soft-deleted.
func (t Timestamps) IsDeleted() bool {
	return t.DeletedAt != nil
}

var snakeCaseRe = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// ValidateID checks that id is a canonical lowercase UUID string.
func ValidateID(field, id string) error {
	parsed, err := uuid.Parse(id)
	if err != nil {
		return NewValidationError(field, fmt.Sprintf("must be a valid UUID: %v", err))
	}
	if parsed.String() != id {
		return NewValidationError(field, "must be canonical lowercase 8-4-4-4-12 form")
	}
	return nil
}

// NewID generates a canonical entity identifier.
func NewID() string {
	return uuid.NewString()
}

// ────────────────────────────────────────────────────────────
// Agent
// ────────────────────────────────────────────────────────────

// Agent is the configuration root every other catalogue entity hangs off.
type Agent struct {
	ID               string `json:"id"`
	TenantID         string `json:"tenant_id"`
	Name             string `json:"name"`
	Description      string `json:"description,omitempty"`
	DefaultModel     string `json:"default_model"`
	SystemPrompt     string `json:"system_prompt"`
	Enabled          bool   `json:"enabled"`
	PublishedVersion int    `json:"published_version"`
	Timestamps
}

// Validate checks agent fields on entry.
func (a *Agent) Validate() error {
	if err := ValidateID("id", a.ID); err != nil {
		return err
	}
	if a.TenantID == "" {
		return NewValidationError("tenant_id", "is required")
	}
	if a.Name == "" {
		return NewValidationError("name", "is required")
	}
	if a.DefaultModel == "" {
		return NewValidationError("default_model", "is required")
	}
	return nil
}

// ────────────────────────────────────────────────────────────
// Rule
// ────────────────────────────────────────────────────────────

// ToolBinding attaches a tool invocation to a rule or scenario step.
type ToolBinding struct {
	ToolID    string         `json:"tool_id"`
	Phase     ToolPhase      `json:"phase"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// Validate checks a tool binding.
func (b *ToolBinding) Validate() error {
	if b.ToolID == "" {
		return NewValidationError("tool_id", "is required")
	}
	if !b.Phase.IsValid() {
		return NewValidationError("phase", fmt.Sprintf("unknown tool phase %q", b.Phase))
	}
	return nil
}

// Rule is a behavioural policy matched against the situation each turn.
type Rule struct {
	ID                    string        `json:"id"`
	TenantID              string        `json:"tenant_id"`
	AgentID               string        `json:"agent_id"`
	Name                  string        `json:"name"`
	ConditionText         string        `json:"condition_text"`
	ActionText            string        `json:"action_text"`
	Scope                 RuleScope     `json:"scope"`
	ScopeID               *string       `json:"scope_id,omitempty"`
	Priority              int           `json:"priority"`
	MaxFiresPerSession    int           `json:"max_fires_per_session"` // 0 = unlimited
	CooldownTurns         int           `json:"cooldown_turns"`
	IsHardConstraint      bool          `json:"is_hard_constraint"`
	EnforcementExpression *string       `json:"enforcement_expression,omitempty"`
	ToolBindings          []ToolBinding `json:"tool_bindings,omitempty"`
	TemplateIDs           []string      `json:"template_ids,omitempty"`
	ConditionEmbedding    []float32     `json:"condition_embedding,omitempty"`
	EmbeddingModel        string        `json:"embedding_model,omitempty"`
	Enabled               bool          `json:"enabled"`
	Timestamps
}

// Validate checks rule fields on entry. Scenario- and step-scoped rules
// must name the scenario or step they bind to.
func (r *Rule) Validate() error {
	if err := ValidateID("id", r.ID); err != nil {
		return err
	}
	if r.TenantID == "" {
		return NewValidationError("tenant_id", "is required")
	}
	if r.AgentID == "" {
		return NewValidationError("agent_id", "is required")
	}
	if r.ConditionText == "" {
		return NewValidationError("condition_text", "is required")
	}
	if r.ActionText == "" {
		return NewValidationError("action_text", "is required")
	}
	if !r.Scope.IsValid() {
		return NewValidationError("scope", fmt.Sprintf("unknown scope %q", r.Scope))
	}
	if r.Scope.RequiresScopeID() && (r.ScopeID == nil || *r.ScopeID == "") {
		return NewValidationError("scope_id", fmt.Sprintf("required for scope %s", r.Scope))
	}
	if r.Priority < -100 || r.Priority > 100 {
		return NewValidationError("priority", fmt.Sprintf("must be between -100 and 100, got %d", r.Priority))
	}
	if r.MaxFiresPerSession < 0 {
		return NewValidationError("max_fires_per_session", "must be >= 0")
	}
	if r.CooldownTurns < 0 {
		return NewValidationError("cooldown_turns", "must be >= 0")
	}
	for i := range r.ToolBindings {
		if err := r.ToolBindings[i].Validate(); err != nil {
			return err
		}
	}
	return nil
}

// RuleRelationship links two rules (conflict, dependency, supersedes).
type RuleRelationship struct {
	ID            string `json:"id"`
	TenantID      string `json:"tenant_id"`
	AgentID       string `json:"agent_id"`
	RuleID        string `json:"rule_id"`
	RelatedRuleID string `json:"related_rule_id"`
	Relation      string `json:"relation"`
	Note          string `json:"note,omitempty"`
	Timestamps
}

// Rule relationship kinds.
const (
	RelationConflictsWith = "conflicts_with"
	RelationDependsOn     = "depends_on"
	RelationSupersedes    = "supersedes"
)

// Validate checks relationship fields.
func (r *RuleRelationship) Validate() error {
	if r.TenantID == "" {
		return NewValidationError("tenant_id", "is required")
	}
	if r.RuleID == "" || r.RelatedRuleID == "" {
		return NewValidationError("rule_id", "both rule ids are required")
	}
	if r.RuleID == r.RelatedRuleID {
		return NewValidationError("related_rule_id", "cannot relate a rule to itself")
	}
	switch r.Relation {
	case RelationConflictsWith, RelationDependsOn, RelationSupersedes:
		return nil
	}
	return NewValidationError("relation", fmt.Sprintf("unknown relation %q", r.Relation))
}

// ────────────────────────────────────────────────────────────
// Scenario
// ────────────────────────────────────────────────────────────

// StepTransition is a directed, condition-guarded edge between steps.
type StepTransition struct {
	ToStepID           string    `json:"to_step_id"`
	ConditionText      string    `json:"condition_text"`
	ConditionEmbedding []float32 `json:"condition_embedding,omitempty"`
	Priority           int       `json:"priority"`
	ConditionFields    []string  `json:"condition_fields,omitempty"`
}

// ScenarioStep is one node of a conversational flow.
type ScenarioStep struct {
	ID                    string           `json:"id"`
	ScenarioID            string           `json:"scenario_id"`
	Name                  string           `json:"name"`
	Instructions          string           `json:"instructions,omitempty"`
	Transitions           []StepTransition `json:"transitions,omitempty"`
	TemplateIDs           []string         `json:"template_ids,omitempty"`
	RuleIDs               []string         `json:"rule_ids,omitempty"`
	ToolBindings          []ToolBinding    `json:"tool_bindings,omitempty"`
	IsEntry               bool             `json:"is_entry"`
	IsTerminal            bool             `json:"is_terminal"`
	CanSkip               bool             `json:"can_skip"`
	ReachableFromAnywhere bool             `json:"reachable_from_anywhere"`
	CollectsProfileFields []string         `json:"collects_profile_fields,omitempty"`
	PerformsAction        bool             `json:"performs_action"`
	IsRequiredAction      bool             `json:"is_required_action"`
	IsCheckpoint          bool             `json:"is_checkpoint"`
	CheckpointDescription *string          `json:"checkpoint_description,omitempty"`
}

// ContributionType derives the step's proposed influence on the turn
// from its flags: collecting fields wins over acting, acting over
// prompting, and a plain step informs.
func (s *ScenarioStep) ContributionType() ContributionType {
	switch {
	case len(s.CollectsProfileFields) > 0:
		return ContributionCollect
	case s.PerformsAction:
		return ContributionAct
	case len(s.Transitions) > 0 && !s.IsTerminal:
		return ContributionPrompt
	default:
		return ContributionInform
	}
}

// Scenario is a versioned multi-step conversational flow. ContentHash is
// the content address over its canonicalised steps and transitions; two
// scenarios with identical semantic content hash identically.
type Scenario struct {
	ID                 string         `json:"id"`
	TenantID           string         `json:"tenant_id"`
	AgentID            string         `json:"agent_id"`
	Name               string         `json:"name"`
	Description        string         `json:"description,omitempty"`
	Version            int            `json:"version"`
	EntryStepID        string         `json:"entry_step_id"`
	Steps              []ScenarioStep `json:"steps"`
	EntryConditionText string         `json:"entry_condition_text"`
	EntryEmbedding     []float32      `json:"entry_embedding,omitempty"`
	EmbeddingModel     string         `json:"embedding_model,omitempty"`
	ContentHash        string         `json:"content_hash,omitempty"`
	Priority           int            `json:"priority"`
	Enabled            bool           `json:"enabled"`
	Timestamps
}

// StepByID returns the step with the given id, or nil.
func (s *Scenario) StepByID(id string) *ScenarioStep {
	for i := range s.Steps {
		if s.Steps[i].ID == id {
			return &s.Steps[i]
		}
	}
	return nil
}

// EntryStep returns the entry step, preferring EntryStepID and falling
// back to the first step flagged IsEntry.
func (s *Scenario) EntryStep() *ScenarioStep {
	if step := s.StepByID(s.EntryStepID); step != nil {
		return step
	}
	for i := range s.Steps {
		if s.Steps[i].IsEntry {
			return &s.Steps[i]
		}
	}
	return nil
}

// Validate checks scenario fields on entry.
func (s *Scenario) Validate() error {
	if err := ValidateID("id", s.ID); err != nil {
		return err
	}
	if s.TenantID == "" {
		return NewValidationError("tenant_id", "is required")
	}
	if s.AgentID == "" {
		return NewValidationError("agent_id", "is required")
	}
	if s.Name == "" {
		return NewValidationError("name", "is required")
	}
	if s.Version < 1 {
		return NewValidationError("version", fmt.Sprintf("must be >= 1, got %d", s.Version))
	}
	if len(s.Steps) == 0 {
		return NewValidationError("steps", "at least one step is required")
	}
	if s.EntryStep() == nil {
		return NewValidationError("entry_step_id", fmt.Sprintf("step %q not found in scenario", s.EntryStepID))
	}
	seen := make(map[string]bool, len(s.Steps))
	for i := range s.Steps {
		step := &s.Steps[i]
		if step.ID == "" {
			return NewValidationError("steps", fmt.Sprintf("step %d has no id", i))
		}
		if seen[step.ID] {
			return NewValidationError("steps", fmt.Sprintf("duplicate step id %q", step.ID))
		}
		seen[step.ID] = true
	}
	for i := range s.Steps {
		for _, tr := range s.Steps[i].Transitions {
			if !seen[tr.ToStepID] {
				return NewValidationError("transitions", fmt.Sprintf("step %q transitions to unknown step %q", s.Steps[i].ID, tr.ToStepID))
			}
		}
	}
	return nil
}

// ────────────────────────────────────────────────────────────
// Templates, variables, intents, glossary
// ────────────────────────────────────────────────────────────

// Template is response text with {{placeholder}} substitution.
type Template struct {
	ID       string       `json:"id"`
	TenantID string       `json:"tenant_id"`
	AgentID  string       `json:"agent_id"`
	Name     string       `json:"name"`
	Content  string       `json:"content"`
	Mode     TemplateMode `json:"mode"`
	Scope    RuleScope    `json:"scope"`
	ScopeID  *string      `json:"scope_id,omitempty"`
	Priority int          `json:"priority"`
	Language string       `json:"language,omitempty"`
	Timestamps
}

// Validate checks template fields.
func (t *Template) Validate() error {
	if err := ValidateID("id", t.ID); err != nil {
		return err
	}
	if t.TenantID == "" {
		return NewValidationError("tenant_id", "is required")
	}
	if t.Content == "" {
		return NewValidationError("content", "is required")
	}
	if !t.Mode.IsValid() {
		return NewValidationError("mode", fmt.Sprintf("unknown template mode %q", t.Mode))
	}
	if !t.Scope.IsValid() {
		return NewValidationError("scope", fmt.Sprintf("unknown scope %q", t.Scope))
	}
	if t.Scope.RequiresScopeID() && (t.ScopeID == nil || *t.ScopeID == "") {
		return NewValidationError("scope_id", fmt.Sprintf("required for scope %s", t.Scope))
	}
	return nil
}

// Variable is a dynamic value resolved through a tool at runtime.
type Variable struct {
	ID              string       `json:"id"`
	TenantID        string       `json:"tenant_id"`
	AgentID         string       `json:"agent_id"`
	Name            string       `json:"name"`
	Description     string       `json:"description,omitempty"`
	ResolverToolID  string       `json:"resolver_tool_id,omitempty"`
	UpdatePolicy    UpdatePolicy `json:"update_policy"`
	CacheTTLSeconds int          `json:"cache_ttl_seconds"`
	DefaultValue    TypedValue   `json:"default_value,omitempty"`
	Timestamps
}

// Validate checks variable fields. Names are snake_case identifiers so
// they can appear in templates and enforcement expressions.
func (v *Variable) Validate() error {
	if err := ValidateID("id", v.ID); err != nil {
		return err
	}
	if v.TenantID == "" {
		return NewValidationError("tenant_id", "is required")
	}
	if !snakeCaseRe.MatchString(v.Name) {
		return NewValidationError("name", fmt.Sprintf("must be snake_case, got %q", v.Name))
	}
	if !v.UpdatePolicy.IsValid() {
		return NewValidationError("update_policy", fmt.Sprintf("unknown update policy %q", v.UpdatePolicy))
	}
	if v.CacheTTLSeconds < 0 {
		return NewValidationError("cache_ttl_seconds", "must be >= 0")
	}
	return nil
}

// Intent is a labeled example set for per-turn intent classification.
type Intent struct {
	ID             string   `json:"id"`
	TenantID       string   `json:"tenant_id"`
	AgentID        string   `json:"agent_id"`
	Label          string   `json:"label"`
	Description    string   `json:"description,omitempty"`
	ExamplePhrases []string `json:"example_phrases,omitempty"`
	Enabled        bool     `json:"enabled"`
	Timestamps
}

// Validate checks intent fields.
func (i *Intent) Validate() error {
	if i.TenantID == "" {
		return NewValidationError("tenant_id", "is required")
	}
	if i.Label == "" {
		return NewValidationError("label", "is required")
	}
	return nil
}

// GlossaryItem is domain vocabulary surfaced to the sensor prompt.
type GlossaryItem struct {
	ID         string   `json:"id"`
	TenantID   string   `json:"tenant_id"`
	AgentID    string   `json:"agent_id"`
	Term       string   `json:"term"`
	Definition string   `json:"definition"`
	UsageHint  string   `json:"usage_hint,omitempty"`
	Aliases    []string `json:"aliases,omitempty"`
	Category   string   `json:"category,omitempty"`
	Priority   int      `json:"priority"`
	Timestamps
}

// Validate checks glossary fields.
func (g *GlossaryItem) Validate() error {
	if g.TenantID == "" {
		return NewValidationError("tenant_id", "is required")
	}
	if g.Term == "" {
		return NewValidationError("term", "is required")
	}
	if g.Definition == "" {
		return NewValidationError("definition", "is required")
	}
	return nil
}

// ────────────────────────────────────────────────────────────
// Tools
// ────────────────────────────────────────────────────────────

// ToolActivation enables a tool for an agent and carries the JSON Schema
// its arguments are validated against.
type ToolActivation struct {
	ID          string `json:"id"`
	TenantID    string `json:"tenant_id"`
	AgentID     string `json:"agent_id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	InputSchema []byte `json:"input_schema,omitempty"`
	Enabled     bool   `json:"enabled"`
	Timestamps
}

// Validate checks tool activation fields.
func (t *ToolActivation) Validate() error {
	if t.TenantID == "" {
		return NewValidationError("tenant_id", "is required")
	}
	if t.Name == "" {
		return NewValidationError("name", "is required")
	}
	return nil
}

// ────────────────────────────────────────────────────────────
// Customer data schema
// ────────────────────────────────────────────────────────────

// CustomerDataField defines one field of the per-customer schema.
type CustomerDataField struct {
	ID                   string         `json:"id"`
	TenantID             string         `json:"tenant_id"`
	AgentID              string         `json:"agent_id"`
	Name                 string         `json:"name"`
	DisplayName          string         `json:"display_name"`
	Scope                string         `json:"scope,omitempty"`
	ValueType            ValueType      `json:"value_type"`
	ValidationRegex      *string        `json:"validation_regex,omitempty"`
	ValidationToolID     *string        `json:"validation_tool_id,omitempty"`
	AllowedValues        []string       `json:"allowed_values,omitempty"`
	ValidationMode       ValidationMode `json:"validation_mode"`
	RequiredVerification bool           `json:"required_verification"`
	FreshnessSeconds     *int           `json:"freshness_seconds,omitempty"`
	IsPII                bool           `json:"is_pii"`
	EncryptionRequired   bool           `json:"encryption_required"`
	RetentionDays        *int           `json:"retention_days,omitempty"`
	Timestamps
}

// Validate checks schema field definitions.
func (f *CustomerDataField) Validate() error {
	if f.TenantID == "" {
		return NewValidationError("tenant_id", "is required")
	}
	if !snakeCaseRe.MatchString(f.Name) {
		return NewValidationError("name", fmt.Sprintf("must be snake_case, got %q", f.Name))
	}
	if !f.ValueType.IsValid() {
		return NewValidationError("value_type", fmt.Sprintf("unknown value type %q", f.ValueType))
	}
	if !f.ValidationMode.IsValid() {
		return NewValidationError("validation_mode", fmt.Sprintf("unknown validation mode %q", f.ValidationMode))
	}
	if f.ValidationMode == ValidationModeRegex && (f.ValidationRegex == nil || *f.ValidationRegex == "") {
		return NewValidationError("validation_regex", "required when validation_mode is regex")
	}
	if f.ValidationMode == ValidationModeTool && (f.ValidationToolID == nil || *f.ValidationToolID == "") {
		return NewValidationError("validation_tool_id", "required when validation_mode is tool")
	}
	if f.ValidationRegex != nil && *f.ValidationRegex != "" {
		if _, err := regexp.Compile(*f.ValidationRegex); err != nil {
			return NewValidationError("validation_regex", fmt.Sprintf("does not compile: %v", err))
		}
	}
	if f.FreshnessSeconds != nil && *f.FreshnessSeconds <= 0 {
		return NewValidationError("freshness_seconds", "must be > 0 when set")
	}
	if f.RetentionDays != nil && *f.RetentionDays <= 0 {
		return NewValidationError("retention_days", "must be > 0 when set")
	}
	return nil
}

// ScenarioFieldRequirement binds a customer field to a scenario or step.
type ScenarioFieldRequirement struct {
	ID              string         `json:"id"`
	TenantID        string         `json:"tenant_id"`
	ScenarioID      string         `json:"scenario_id"`
	StepID          *string        `json:"step_id,omitempty"`
	FieldName       string         `json:"field_name"`
	RequiredLevel   RequiredLevel  `json:"required_level"`
	FallbackAction  FallbackAction `json:"fallback_action"`
	CollectionOrder int            `json:"collection_order"`
	Timestamps
}

// Validate checks requirement fields.
func (r *ScenarioFieldRequirement) Validate() error {
	if r.TenantID == "" {
		return NewValidationError("tenant_id", "is required")
	}
	if r.ScenarioID == "" {
		return NewValidationError("scenario_id", "is required")
	}
	if r.FieldName == "" {
		return NewValidationError("field_name", "is required")
	}
	if !r.RequiredLevel.IsValid() {
		return NewValidationError("required_level", fmt.Sprintf("unknown required level %q", r.RequiredLevel))
	}
	if !r.FallbackAction.IsValid() {
		return NewValidationError("fallback_action", fmt.Sprintf("unknown fallback action %q", r.FallbackAction))
	}
	return nil
}
