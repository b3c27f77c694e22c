package models

import (
	"fmt"
	"time"
)

// AnchorTransformation maps one anchor step across two scenario versions.
type AnchorTransformation struct {
	AnchorName       string            `json:"anchor_name"`
	AnchorHash       string            `json:"anchor_hash"`
	SourceStepIDV1   string            `json:"source_step_id_v1"`
	TargetStepIDV2   string            `json:"target_step_id_v2"`
	Scenario         MigrationScenario `json:"migration_scenario"`
	UpstreamChanges  []string          `json:"upstream_changes,omitempty"`
	DownstreamChanges []string         `json:"downstream_changes,omitempty"`
	// CollectFields are the fields inserted upstream nodes collect; only
	// populated for GAP_FILL anchors.
	CollectFields []string `json:"collect_fields,omitempty"`
	// ForkConditions are the condition texts of new upstream forks; only
	// populated for RE_ROUTE anchors.
	ForkConditions []string `json:"fork_conditions,omitempty"`
}

// TransformationMap is the diff between two scenario versions.
type TransformationMap struct {
	Anchors      []AnchorTransformation `json:"anchors"`
	DeletedNodes []string               `json:"deleted_nodes,omitempty"`
	NewNodeIDs   []string               `json:"new_node_ids,omitempty"`
}

// AnchorMigrationPolicy allows operators to override the computed
// migration scenario per anchor before deployment.
type AnchorMigrationPolicy struct {
	Scenario MigrationScenario `json:"migration_scenario"`
	Note     string            `json:"note,omitempty"`
}

// MigrationPlan captures everything needed to move live sessions from one
// scenario version to the next.
type MigrationPlan struct {
	ID                 string                           `json:"id"`
	TenantID           string                           `json:"tenant_id"`
	AgentID            string                           `json:"agent_id"`
	ScenarioID         string                           `json:"scenario_id"`
	FromVersion        int                              `json:"from_version"`
	ToVersion          int                              `json:"to_version"`
	ScenarioChecksumV1 string                           `json:"scenario_checksum_v1"`
	ScenarioChecksumV2 string                           `json:"scenario_checksum_v2"`
	Status             PlanStatus                       `json:"status"`
	Transformation     TransformationMap                `json:"transformation_map"`
	AnchorPolicies     map[string]AnchorMigrationPolicy `json:"anchor_policies,omitempty"`
	// ScopeFilter restricts deployment to sessions matching these
	// key/value pairs of session metadata (nil = all sessions).
	ScopeFilter map[string]string `json:"scope_filter,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	ApprovedAt  *time.Time        `json:"approved_at,omitempty"`
	DeployedAt  *time.Time        `json:"deployed_at,omitempty"`
}

// AnchorByHash returns the anchor transformation with the given hash,
// applying any operator policy override, or nil when absent.
func (p *MigrationPlan) AnchorByHash(hash string) *AnchorTransformation {
	for i := range p.Transformation.Anchors {
		a := &p.Transformation.Anchors[i]
		if a.AnchorHash != hash {
			continue
		}
		if policy, ok := p.AnchorPolicies[hash]; ok && policy.Scenario.IsValid() {
			overridden := *a
			overridden.Scenario = policy.Scenario
			return &overridden
		}
		return a
	}
	return nil
}

// Validate checks plan fields.
func (p *MigrationPlan) Validate() error {
	if err := ValidateID("id", p.ID); err != nil {
		return err
	}
	if p.TenantID == "" {
		return NewValidationError("tenant_id", "is required")
	}
	if p.ScenarioID == "" {
		return NewValidationError("scenario_id", "is required")
	}
	if p.FromVersion < 1 || p.ToVersion <= p.FromVersion {
		return NewValidationError("to_version", fmt.Sprintf("must be > from_version (%d), got %d", p.FromVersion, p.ToVersion))
	}
	if !p.Status.IsValid() {
		return NewValidationError("status", fmt.Sprintf("unknown plan status %q", p.Status))
	}
	for i := range p.Transformation.Anchors {
		if !p.Transformation.Anchors[i].Scenario.IsValid() {
			return NewValidationError("transformation_map", fmt.Sprintf("anchor %q has unknown migration scenario", p.Transformation.Anchors[i].AnchorName))
		}
	}
	return nil
}

// MigrationSummary estimates the blast radius of a plan before approval.
type MigrationSummary struct {
	PlanID           string         `json:"plan_id"`
	AnchorCount      int            `json:"anchor_count"`
	DeletedNodeCount int            `json:"deleted_node_count"`
	NewNodeCount     int            `json:"new_node_count"`
	// SessionsPerAnchor estimates affected sessions keyed by anchor hash.
	SessionsPerAnchor map[string]int `json:"sessions_per_anchor,omitempty"`
	TotalSessions     int            `json:"total_sessions"`
}

// ReconciliationResult is the JIT migration decision consumed by the
// downstream pipeline phases of the same turn.
type ReconciliationResult struct {
	Action             ReconciliationAction `json:"action"`
	Reason             string               `json:"reason"`
	ScenarioID         string               `json:"scenario_id"`
	FromStep           string               `json:"from_step"`
	ToStep             *string              `json:"to_step,omitempty"`
	CollectFields      []string             `json:"collect_fields,omitempty"`
	BranchQuestion     *string              `json:"branch_question,omitempty"`
	ScopeFilterMatched bool                 `json:"scope_filter_matched"`
}
