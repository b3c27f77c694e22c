package models

import (
	"time"
)

// ConversationTurn is one prior exchange line fed to LLM prompts.
type ConversationTurn struct {
	Role      string    `json:"role"` // "user" or "assistant"
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// ────────────────────────────────────────────────────────────
// Situation sensor output
// ────────────────────────────────────────────────────────────

// CandidateVariable is a value the sensor believes the user supplied or
// changed this turn. Values stay dynamically typed until the customer
// reconciliation phase validates them against the schema.
type CandidateVariable struct {
	Value    any    `json:"value"`
	Scope    string `json:"scope,omitempty"`
	IsUpdate bool   `json:"is_update"`
}

// SituationSnapshot is the sensor's structured read of one user message.
type SituationSnapshot struct {
	Message             string                       `json:"message"`
	Language            string                       `json:"language"`
	PreviousIntentLabel string                       `json:"previous_intent_label,omitempty"`
	IntentChanged       bool                         `json:"intent_changed"`
	NewIntentLabel      *string                      `json:"new_intent_label,omitempty"`
	NewIntentText       *string                      `json:"new_intent_text,omitempty"`
	Topic               *string                      `json:"topic,omitempty"`
	TopicChanged        bool                         `json:"topic_changed"`
	Tone                string                       `json:"tone,omitempty"`
	Sentiment           Sentiment                    `json:"sentiment"`
	FrustrationLevel    *FrustrationLevel            `json:"frustration_level,omitempty"`
	Urgency             Urgency                      `json:"urgency"`
	ScenarioSignal      ScenarioSignal               `json:"scenario_signal"`
	SituationFacts      []string                     `json:"situation_facts,omitempty"`
	CandidateVariables  map[string]CandidateVariable `json:"candidate_variables,omitempty"`
	// Degraded is set when the sensor fell back to defaults after LLM
	// retry exhaustion; carried through the turn for audit.
	Degraded bool `json:"degraded,omitempty"`
	// Embedding of the message, computed once and shared by retrieval
	// and transition scoring. Not serialised.
	Embedding []float32 `json:"-"`
}

// DegradedSnapshot builds the fallback snapshot used when the sensor's
// LLM call fails after all retries.
func DegradedSnapshot(message string) *SituationSnapshot {
	return &SituationSnapshot{
		Message:        message,
		Language:       "en",
		Sentiment:      SentimentNeutral,
		Urgency:        UrgencyNormal,
		ScenarioSignal: ScenarioSignalUnknown,
		Degraded:       true,
	}
}

// ────────────────────────────────────────────────────────────
// Retrieval output
// ────────────────────────────────────────────────────────────

// ScoredRule is a retrieval candidate with its hybrid score and the scope
// it was retrieved from.
type ScoredRule struct {
	Rule   *Rule     `json:"rule"`
	Score  float64   `json:"score"`
	Source RuleScope `json:"source"`
}

// ScoredScenario is a scenario retrieval candidate.
type ScoredScenario struct {
	Scenario *Scenario `json:"scenario"`
	Score    float64   `json:"score"`
}

// SelectionMetadata reports how the cut-off strategy decided.
type SelectionMetadata struct {
	Strategy      SelectionStrategy `json:"strategy"`
	InputCount    int               `json:"input_count"`
	SelectedCount int               `json:"selected_count"`
	ElbowIdx      *int              `json:"elbow_idx,omitempty"`
	Curvature     *float64          `json:"curvature,omitempty"`
	Entropy       *float64          `json:"entropy,omitempty"`
	Clusters      *int              `json:"clusters,omitempty"`
	MinKFilled    bool              `json:"min_k_filled,omitempty"`
}

// RetrievalResult is the combined rule and scenario retrieval output.
type RetrievalResult struct {
	Rules           []ScoredRule      `json:"rules"`
	Scenarios       []ScoredScenario  `json:"scenarios"`
	RetrievalTimeMs int64             `json:"retrieval_time_ms"`
	Selection       SelectionMetadata `json:"selection_metadata"`
	// Degraded marks a vector-store failure that produced empty
	// candidates instead of failing the turn.
	Degraded bool `json:"degraded,omitempty"`
}

// ────────────────────────────────────────────────────────────
// Rule filtering output
// ────────────────────────────────────────────────────────────

// MatchedRule is a rule the ternary classifier admitted for this turn.
type MatchedRule struct {
	Rule           *Rule       `json:"rule"`
	Verdict        RuleVerdict `json:"verdict"`
	Confidence     float64     `json:"confidence"`
	RelevanceScore float64     `json:"relevance_score"`
	Reasoning      string      `json:"reasoning,omitempty"`
}

// FilterResult is the two-stage filter output.
type FilterResult struct {
	Matched         []MatchedRule `json:"matched_rules"`
	RejectedRuleIDs []string      `json:"rejected_rule_ids,omitempty"`
	UnsureRuleIDs   []string      `json:"unsure_rule_ids,omitempty"`
}

// ────────────────────────────────────────────────────────────
// Scenario orchestration output
// ────────────────────────────────────────────────────────────

// LifecycleDecision is the orchestrator's verdict on one instance or
// candidate start.
type LifecycleDecision struct {
	ScenarioID      string          `json:"scenario_id"`
	ScenarioVersion int             `json:"scenario_version"`
	Action          LifecycleAction `json:"action"`
	Reason          string          `json:"reason,omitempty"`
}

// TransitionDecision records one evaluated step advance.
type TransitionDecision struct {
	ScenarioID string  `json:"scenario_id"`
	FromStepID string  `json:"from_step_id"`
	ToStepID   string  `json:"to_step_id"`
	Reason     string  `json:"reason"`
	Confidence float64 `json:"confidence"`
	Relocalized bool   `json:"relocalized,omitempty"`
}

// ScenarioContribution is one scenario's proposed influence on the turn.
type ScenarioContribution struct {
	ScenarioID       string           `json:"scenario_id"`
	ScenarioName     string           `json:"scenario_name"`
	ScenarioPriority int              `json:"scenario_priority"`
	StartedAt        time.Time        `json:"started_at"`
	CurrentStepID    string           `json:"current_step_id"`
	CurrentStepName  string           `json:"current_step_name"`
	ContributionType ContributionType `json:"contribution_type"`
	StepInstructions string           `json:"step_instructions,omitempty"`
	RequiredFields   []string         `json:"required_fields,omitempty"`
	SuggestedTools   []ToolBinding    `json:"suggested_tools,omitempty"`
}

// ScenarioContributionPlan is the ordered, conflict-resolved set of
// contributions for the turn.
type ScenarioContributionPlan struct {
	Contributions []ScenarioContribution `json:"contributions"`
	// DroppedActs lists scenario ids whose ACT contribution lost a
	// same-tool conflict.
	DroppedActs []string `json:"dropped_acts,omitempty"`
}

// ScenarioResult is the orchestrator phase output carried in the
// alignment result.
type ScenarioResult struct {
	Lifecycle     []LifecycleDecision      `json:"lifecycle_decisions"`
	Transitions   []TransitionDecision     `json:"transitions,omitempty"`
	Contributions ScenarioContributionPlan `json:"contribution_plan"`
}

// ────────────────────────────────────────────────────────────
// Planning, generation, enforcement
// ────────────────────────────────────────────────────────────

// RuleConstraint is the enforceable projection of a hard-constraint rule.
type RuleConstraint struct {
	RuleID              string   `json:"rule_id"`
	ActionText          string   `json:"action_text"`
	Expression          *string  `json:"expression,omitempty"`
	FallbackTemplateIDs []string `json:"fallback_template_ids,omitempty"`
}

// MissingField is a HARD/SOFT-required field the customer lacks.
type MissingField struct {
	FieldName       string         `json:"field_name"`
	DisplayName     string         `json:"display_name,omitempty"`
	ScenarioID      string         `json:"scenario_id"`
	StepID          *string        `json:"step_id,omitempty"`
	RequiredLevel   RequiredLevel  `json:"required_level"`
	FallbackAction  FallbackAction `json:"fallback_action"`
	CollectionOrder int            `json:"collection_order"`
	// Reason explains why the field counts as missing: absent, stale,
	// or unverified.
	Reason string `json:"reason"`
}

// ResponsePlan merges everything the generator needs for one turn.
type ResponsePlan struct {
	ResponseType       ResponseType             `json:"response_type"`
	Constraints        []RuleConstraint         `json:"constraints,omitempty"`
	Contributions      []ScenarioContribution   `json:"contributions,omitempty"`
	SuggestedTemplates []string                 `json:"suggested_templates,omitempty"`
	ForcedTemplate     *string                  `json:"forced_template,omitempty"`
	ToolsToExecute     []ToolBinding            `json:"tools_to_execute,omitempty"`
	VariablesToResolve []string                 `json:"variables_to_resolve,omitempty"`
	CollectFields      []MissingField           `json:"collect_fields,omitempty"`
	BranchQuestion     *string                  `json:"branch_question,omitempty"`
	EscalationReason   *string                  `json:"escalation_reason,omitempty"`
}

// ToolResult is one tool execution's outcome.
type ToolResult struct {
	ToolID     string         `json:"tool_id"`
	Phase      ToolPhase      `json:"phase"`
	Output     map[string]any `json:"output,omitempty"`
	Error      *string        `json:"error,omitempty"`
	DurationMs int64          `json:"duration_ms"`
}

// GenerationResult is the generator phase output.
type GenerationResult struct {
	Text             string             `json:"text"`
	Model            string             `json:"model,omitempty"`
	PromptTokens     int                `json:"prompt_tokens,omitempty"`
	CompletionTokens int                `json:"completion_tokens,omitempty"`
	Categories       []ResponseCategory `json:"categories,omitempty"`
	UsedTemplateID   *string            `json:"used_template_id,omitempty"`
	Regenerated      bool               `json:"regenerated,omitempty"`
}

// HasCategory reports whether the generation carries the category.
func (g *GenerationResult) HasCategory(c ResponseCategory) bool {
	for _, have := range g.Categories {
		if have == c {
			return true
		}
	}
	return false
}

// TurnOutcome summarises how the turn resolved.
type TurnOutcome struct {
	Resolution     TurnResolution     `json:"resolution"`
	Categories     []ResponseCategory `json:"categories,omitempty"`
	BlockingRuleID *string            `json:"blocking_rule_id,omitempty"`
}

// ResolveTurnOutcome derives the resolution from categories and response
// type. First match wins: policy restriction blocks, system error errors,
// escalation redirects, awaiting input is partial, anything else answered.
func ResolveTurnOutcome(categories []ResponseCategory, rt ResponseType) TurnResolution {
	has := func(c ResponseCategory) bool {
		for _, have := range categories {
			if have == c {
				return true
			}
		}
		return false
	}
	switch {
	case has(CategoryPolicyRestriction):
		return ResolutionBlocked
	case has(CategorySystemError):
		return ResolutionError
	case rt == ResponseEscalate:
		return ResolutionRedirected
	case has(CategoryAwaitingUserInput):
		return ResolutionPartial
	default:
		return ResolutionAnswered
	}
}

// ────────────────────────────────────────────────────────────
// Pipeline result
// ────────────────────────────────────────────────────────────

// PhaseTiming records one pipeline phase's execution.
type PhaseTiming struct {
	Step       string  `json:"step"`
	DurationMs int64   `json:"duration_ms"`
	Skipped    bool    `json:"skipped,omitempty"`
	Error      *string `json:"error,omitempty"`
}

// AlignmentResult is the full output of one processed turn.
type AlignmentResult struct {
	Response             string                `json:"response"`
	SessionID            string                `json:"session_id"`
	TurnID               string                `json:"turn_id"`
	ScenarioResult       *ScenarioResult       `json:"scenario_result,omitempty"`
	ReconciliationResult *ReconciliationResult `json:"reconciliation_result,omitempty"`
	MatchedRules         []MatchedRule         `json:"matched_rules"`
	ToolResults          []ToolResult          `json:"tool_results,omitempty"`
	Generation           *GenerationResult     `json:"generation,omitempty"`
	TotalTimeMs          int64                 `json:"total_time_ms"`
	PipelineTimings      []PhaseTiming         `json:"pipeline_timings"`
	Outcome              TurnOutcome           `json:"outcome"`
	SensorDegraded       bool                  `json:"sensor_degraded,omitempty"`
}

// Turn is the persisted, append-only record of one processed turn.
type Turn struct {
	ID                string             `json:"id"`
	TenantID          string             `json:"tenant_id"`
	SessionID         string             `json:"session_id"`
	TurnNumber        int                `json:"turn_number"`
	UserMessage       string             `json:"user_message"`
	AssistantResponse string             `json:"assistant_response"`
	Snapshot          *SituationSnapshot `json:"snapshot,omitempty"`
	MatchedRuleIDs    []string           `json:"matched_rule_ids,omitempty"`
	Outcome           TurnOutcome        `json:"outcome"`
	Timings           []PhaseTiming      `json:"timings,omitempty"`
	TotalTimeMs       int64              `json:"total_time_ms"`
	CreatedAt         time.Time          `json:"created_at"`
}

// TurnRequest is the core entry-point input.
type TurnRequest struct {
	TenantID       string         `json:"tenant_id"`
	AgentID        string         `json:"agent_id"`
	SessionID      *string        `json:"session_id,omitempty"`
	Channel        string         `json:"channel"`
	UserChannelID  string         `json:"user_channel_id"`
	Message        string         `json:"message"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	IdempotencyKey *string        `json:"-"`
}

// MaxMessageLength bounds inbound message size.
const MaxMessageLength = 10000

// Validate checks the request boundary constraints.
func (r *TurnRequest) Validate() error {
	if r.TenantID == "" {
		return NewValidationError("tenant_id", "is required")
	}
	if r.AgentID == "" {
		return NewValidationError("agent_id", "is required")
	}
	if r.Channel == "" {
		return NewValidationError("channel", "is required")
	}
	if r.UserChannelID == "" {
		return NewValidationError("user_channel_id", "is required")
	}
	if len(r.Message) < 1 || len(r.Message) > MaxMessageLength {
		return NewValidationError("message", "length must be between 1 and 10000")
	}
	if r.SessionID != nil {
		if err := ValidateID("session_id", *r.SessionID); err != nil {
			return err
		}
	}
	return nil
}
