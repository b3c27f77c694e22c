package services

import (
	"context"
	"log/slog"

	"github.com/codeready-toolchain/tiller/pkg/migration"
	"github.com/codeready-toolchain/tiller/pkg/models"
	"github.com/codeready-toolchain/tiller/pkg/store"
)

// GeneratePlanInput names the scenario versions a migration plan spans.
// ScopeFilter, when set, restricts the plan to sessions whose metadata
// matches every pair.
type GeneratePlanInput struct {
	ScenarioID  string            `json:"scenario_id"`
	FromVersion int               `json:"from_version"`
	ToVersion   int               `json:"to_version"`
	ScopeFilter map[string]string `json:"scope_filter,omitempty"`
}

// PlanStatus bundles a plan with its estimated blast radius.
type PlanStatus struct {
	Plan    *models.MigrationPlan    `json:"plan"`
	Summary *models.MigrationSummary `json:"summary"`
}

// MigrationService fronts the plan lifecycle: generate, summarize,
// approve or reject, deploy. Actual session reconciliation happens
// just in time inside the turn pipeline.
type MigrationService struct {
	engine *migration.Engine
	config store.AgentConfigStore
	logger *slog.Logger
}

// NewMigrationService creates a new MigrationService.
func NewMigrationService(engine *migration.Engine, config store.AgentConfigStore, logger *slog.Logger) *MigrationService {
	if logger == nil {
		logger = slog.Default()
	}
	return &MigrationService{engine: engine, config: config, logger: logger.With("component", "migration_service")}
}

// GeneratePlan diffs the two scenario versions and persists a PENDING
// plan. Both versions must already exist in the catalogue; the old one
// is typically read from the archive.
func (s *MigrationService) GeneratePlan(ctx context.Context, tenantID string, in GeneratePlanInput) (*models.MigrationPlan, error) {
	if err := requireIDs("tenant_id", tenantID, "scenario_id", in.ScenarioID); err != nil {
		return nil, err
	}
	if in.FromVersion < 1 || in.ToVersion < 1 {
		return nil, NewError(CodeInvalidRequest, "from_version and to_version must be >= 1")
	}
	vOld, err := s.config.GetScenarioVersion(ctx, tenantID, in.ScenarioID, in.FromVersion)
	if err != nil {
		return nil, wrapStoreErr(err, "scenario", in.ScenarioID)
	}
	vNew, err := s.config.GetScenarioVersion(ctx, tenantID, in.ScenarioID, in.ToVersion)
	if err != nil {
		return nil, wrapStoreErr(err, "scenario", in.ScenarioID)
	}
	plan, err := s.engine.GeneratePlan(ctx, vOld, vNew, in.ScopeFilter)
	if err != nil {
		return nil, wrapPlanErr(err, "")
	}
	return plan, nil
}

// GetPlan returns one migration plan.
func (s *MigrationService) GetPlan(ctx context.Context, tenantID, planID string) (*models.MigrationPlan, error) {
	if err := requireIDs("tenant_id", tenantID, "plan_id", planID); err != nil {
		return nil, err
	}
	plan, err := s.config.GetMigrationPlan(ctx, tenantID, planID)
	if err != nil {
		return nil, wrapPlanErr(err, planID)
	}
	return plan, nil
}

// ListPlans pages over an agent's migration plans.
func (s *MigrationService) ListPlans(ctx context.Context, tenantID, agentID string, opts store.ListOptions) ([]*models.MigrationPlan, int, error) {
	if err := requireIDs("tenant_id", tenantID, "agent_id", agentID); err != nil {
		return nil, 0, err
	}
	plans, total, err := s.config.ListMigrationPlans(ctx, tenantID, agentID, opts)
	if err != nil {
		return nil, 0, wrapStoreErr(err, "migration plan", agentID)
	}
	return plans, total, nil
}

// Status returns the plan plus a live count of sessions parked at each
// anchor. The count is an estimate: sessions keep moving until deploy.
func (s *MigrationService) Status(ctx context.Context, tenantID, planID string) (*PlanStatus, error) {
	plan, err := s.GetPlan(ctx, tenantID, planID)
	if err != nil {
		return nil, err
	}
	summary, err := s.engine.Summarize(ctx, plan)
	if err != nil {
		return nil, wrapPlanErr(err, planID)
	}
	return &PlanStatus{Plan: plan, Summary: summary}, nil
}

// Approve moves a PENDING plan to APPROVED.
func (s *MigrationService) Approve(ctx context.Context, tenantID, planID string) (*models.MigrationPlan, error) {
	if err := requireIDs("tenant_id", tenantID, "plan_id", planID); err != nil {
		return nil, err
	}
	plan, err := s.engine.Approve(ctx, tenantID, planID)
	if err != nil {
		return nil, wrapPlanErr(err, planID)
	}
	s.logger.Info("migration plan approved", "tenant_id", tenantID, "plan_id", planID)
	return plan, nil
}

// Reject moves a PENDING plan to REJECTED. Terminal; no session is
// touched.
func (s *MigrationService) Reject(ctx context.Context, tenantID, planID string) (*models.MigrationPlan, error) {
	if err := requireIDs("tenant_id", tenantID, "plan_id", planID); err != nil {
		return nil, err
	}
	plan, err := s.engine.Reject(ctx, tenantID, planID)
	if err != nil {
		return nil, wrapPlanErr(err, planID)
	}
	return plan, nil
}

// Deploy marks affected sessions for just-in-time reconciliation and
// activates the target scenario version.
func (s *MigrationService) Deploy(ctx context.Context, tenantID, planID string) (*models.MigrationPlan, error) {
	if err := requireIDs("tenant_id", tenantID, "plan_id", planID); err != nil {
		return nil, err
	}
	plan, err := s.config.GetMigrationPlan(ctx, tenantID, planID)
	if err != nil {
		return nil, wrapPlanErr(err, planID)
	}
	vNew, err := s.config.GetScenarioVersion(ctx, tenantID, plan.ScenarioID, plan.ToVersion)
	if err != nil {
		return nil, wrapStoreErr(err, "scenario", plan.ScenarioID)
	}
	deployed, err := s.engine.Deploy(ctx, tenantID, planID, vNew)
	if err != nil {
		return nil, wrapPlanErr(err, planID)
	}
	s.logger.Info("migration plan deployed",
		"tenant_id", tenantID, "plan_id", planID,
		"scenario_id", plan.ScenarioID, "to_version", plan.ToVersion)
	return deployed, nil
}
