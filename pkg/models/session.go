package models

import (
	"fmt"
	"time"
)

// ScenarioInstance is a live execution of a scenario within a session.
// Multiple instances may be active concurrently in one session.
type ScenarioInstance struct {
	ScenarioID      string                `json:"scenario_id"`
	ScenarioVersion int                   `json:"scenario_version"`
	CurrentStepID   string                `json:"current_step_id"`
	VisitedSteps    map[string]int        `json:"visited_steps,omitempty"`
	StartedAt       time.Time             `json:"started_at"`
	LastActiveAt    time.Time             `json:"last_active_at"`
	PausedAt        *time.Time            `json:"paused_at,omitempty"`
	Variables       map[string]TypedValue `json:"variables,omitempty"`
	Status          InstanceStatus        `json:"status"`
	// LoopCount counts consecutive turns stuck on the current step; any
	// advance resets it.
	LoopCount int `json:"loop_count,omitempty"`
}

// Visit records entry into a step, bumping its visit counter.
func (si *ScenarioInstance) Visit(stepID string, now time.Time) {
	if si.VisitedSteps == nil {
		si.VisitedSteps = make(map[string]int)
	}
	si.VisitedSteps[stepID]++
	si.CurrentStepID = stepID
	si.LastActiveAt = now
	si.LoopCount = 0
}

// StepVisit is an append-only step-history record. Never mutated.
type StepVisit struct {
	StepID                string    `json:"step_id"`
	StepName              string    `json:"step_name"`
	ScenarioID            string    `json:"scenario_id"`
	EnteredAt             time.Time `json:"entered_at"`
	TurnNumber            int       `json:"turn_number"`
	TransitionReason      string    `json:"transition_reason"`
	Confidence            float64   `json:"confidence"`
	IsCheckpoint          bool      `json:"is_checkpoint"`
	CheckpointDescription *string   `json:"checkpoint_description,omitempty"`
	StepContentHash       string    `json:"step_content_hash"`
}

// PendingMigration marks a session for just-in-time reconciliation onto a
// new scenario version. Set at deployment, cleared after teleport.
type PendingMigration struct {
	ScenarioID        string    `json:"scenario_id"`
	TargetVersion     int       `json:"target_version"`
	AnchorContentHash string    `json:"anchor_content_hash"`
	MigrationPlanID   string    `json:"migration_plan_id"`
	MarkedAt          time.Time `json:"marked_at"`
	// BranchQuestionAsked records that the RE_ROUTE branch question went
	// out; the fork only resolves against messages sent after it.
	BranchQuestionAsked bool `json:"branch_question_asked,omitempty"`
}

// Session is the live conversation state for one (tenant, channel, user).
type Session struct {
	ID                  string                `json:"session_id"`
	TenantID            string                `json:"tenant_id"`
	AgentID             string                `json:"agent_id"`
	Channel             string                `json:"channel"`
	UserChannelID       string                `json:"user_channel_id"`
	CustomerProfileID   *string               `json:"customer_profile_id,omitempty"`
	ConfigVersion       int                   `json:"config_version"`
	ActiveScenarios     []*ScenarioInstance   `json:"active_scenarios,omitempty"`
	StepHistory         []StepVisit           `json:"step_history,omitempty"`
	RelocalizationCount int                   `json:"relocalization_count"`
	RuleFires           map[string]int        `json:"rule_fires,omitempty"`
	RuleLastFireTurn    map[string]int        `json:"rule_last_fire_turn,omitempty"`
	Variables           map[string]TypedValue `json:"variables,omitempty"`
	VariableUpdatedAt   map[string]time.Time  `json:"variable_updated_at,omitempty"`
	TurnCount           int                   `json:"turn_count"`
	Status              SessionStatus         `json:"status"`
	PendingMigration    *PendingMigration     `json:"pending_migration,omitempty"`
	ScenarioChecksum    *string               `json:"scenario_checksum,omitempty"`
	// Metadata carries channel- or operator-supplied tags; migration
	// scope filters match against it.
	Metadata map[string]string `json:"metadata,omitempty"`
	Timestamps
}

// Validate checks session fields on entry.
func (s *Session) Validate() error {
	if err := ValidateID("session_id", s.ID); err != nil {
		return err
	}
	if s.TenantID == "" {
		return NewValidationError("tenant_id", "is required")
	}
	if s.AgentID == "" {
		return NewValidationError("agent_id", "is required")
	}
	if s.Channel == "" {
		return NewValidationError("channel", "is required")
	}
	if s.UserChannelID == "" {
		return NewValidationError("user_channel_id", "is required")
	}
	if !s.Status.IsValid() {
		return NewValidationError("status", fmt.Sprintf("unknown session status %q", s.Status))
	}
	return nil
}

// InstanceOf returns the non-terminal instance of the scenario, or nil.
func (s *Session) InstanceOf(scenarioID string) *ScenarioInstance {
	for _, si := range s.ActiveScenarios {
		if si.ScenarioID == scenarioID && (si.Status == InstanceStatusActive || si.Status == InstanceStatusPaused) {
			return si
		}
	}
	return nil
}

// ActiveInstances returns instances in active status only.
func (s *Session) ActiveInstances() []*ScenarioInstance {
	var out []*ScenarioInstance
	for _, si := range s.ActiveScenarios {
		if si.Status == InstanceStatusActive {
			out = append(out, si)
		}
	}
	return out
}

// RecordRuleFire bumps a rule's per-session fire count and records the
// turn it last fired on.
func (s *Session) RecordRuleFire(ruleID string, turn int) {
	if s.RuleFires == nil {
		s.RuleFires = make(map[string]int)
	}
	if s.RuleLastFireTurn == nil {
		s.RuleLastFireTurn = make(map[string]int)
	}
	s.RuleFires[ruleID]++
	s.RuleLastFireTurn[ruleID] = turn
}

// LastVisitFor returns the most recent step-history record for the
// scenario, or nil.
func (s *Session) LastVisitFor(scenarioID string) *StepVisit {
	for i := len(s.StepHistory) - 1; i >= 0; i-- {
		if s.StepHistory[i].ScenarioID == scenarioID {
			return &s.StepHistory[i]
		}
	}
	return nil
}
