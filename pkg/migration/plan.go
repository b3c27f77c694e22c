package migration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/codeready-toolchain/tiller/pkg/models"
	"github.com/codeready-toolchain/tiller/pkg/store"
)

// ErrInvalidPlanTransition is returned when a plan lifecycle move is not
// allowed from the current status.
var ErrInvalidPlanTransition = errors.New("invalid migration plan transition")

// Engine generates transformation maps, runs the plan lifecycle, and
// reconciles marked sessions just in time.
type Engine struct {
	config   store.AgentConfigStore
	sessions store.SessionStore
	logger   *slog.Logger
}

// NewEngine wires a migration engine.
func NewEngine(config store.AgentConfigStore, sessions store.SessionStore, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{config: config, sessions: sessions, logger: logger.With("component", "migration")}
}

// ComputeTransformationMap diffs two versions of a scenario by content
// address. Steps sharing a hash across versions are anchors; everything
// else is classified as deleted or new.
func ComputeTransformationMap(vOld, vNew *models.Scenario) models.TransformationMap {
	oldHashes := hashSteps(vOld)
	newHashes := hashSteps(vNew)

	var tm models.TransformationMap
	anchorHashesV2 := make(map[string]bool)

	// Cartesian product over equal hashes: duplicated identities yield
	// one anchor per (v1, v2) pair.
	for _, oldStep := range orderedSteps(vOld) {
		oldHash := oldHashes[oldStep.ID]
		for _, newStep := range orderedSteps(vNew) {
			if newHashes[newStep.ID] != oldHash {
				continue
			}
			anchorHashesV2[newHashes[newStep.ID]] = true
			tm.Anchors = append(tm.Anchors, buildAnchor(vOld, vNew, oldStep, newStep, oldHash, oldHashes, newHashes))
		}
	}

	for _, step := range orderedSteps(vOld) {
		if !hashPresent(newHashes, oldHashes[step.ID]) {
			tm.DeletedNodes = append(tm.DeletedNodes, step.ID)
		}
	}
	for _, step := range orderedSteps(vNew) {
		h := newHashes[step.ID]
		if !hashPresent(oldHashes, h) && !anchorHashesV2[h] {
			tm.NewNodeIDs = append(tm.NewNodeIDs, step.ID)
		}
	}
	return tm
}

func buildAnchor(vOld, vNew *models.Scenario, oldStep, newStep *models.ScenarioStep, hash string, oldHashes, newHashes map[string]string) models.AnchorTransformation {
	a := models.AnchorTransformation{
		AnchorName:     newStep.Name,
		AnchorHash:     hash,
		SourceStepIDV1: oldStep.ID,
		TargetStepIDV2: newStep.ID,
	}

	// Upstream: v2 steps on some path entry -> anchor whose hash v1
	// never had.
	upstream := pathSteps(vNew, newStep.ID)
	var forkConditions []string
	for _, step := range upstream {
		if step.ID == newStep.ID || hashPresent(oldHashes, newHashes[step.ID]) {
			continue
		}
		a.UpstreamChanges = append(a.UpstreamChanges, step.Name)
		for _, field := range step.CollectsProfileFields {
			a.CollectFields = append(a.CollectFields, field)
		}
		// A new upstream node with more than one outgoing transition is
		// a fork the old flow never branched on.
		if len(step.Transitions) > 1 {
			for _, tr := range step.Transitions {
				forkConditions = append(forkConditions, tr.ConditionText)
			}
		}
	}

	// Downstream: additions reachable from the anchor in v2, deletions
	// reachable from it in v1.
	for _, step := range reachableFrom(vNew, newStep.ID) {
		if step.ID != newStep.ID && !hashPresent(oldHashes, newHashes[step.ID]) {
			a.DownstreamChanges = append(a.DownstreamChanges, "added "+step.Name)
		}
	}
	for _, step := range reachableFrom(vOld, oldStep.ID) {
		if step.ID != oldStep.ID && !hashPresent(newHashes, oldHashes[step.ID]) {
			a.DownstreamChanges = append(a.DownstreamChanges, "removed "+step.Name)
		}
	}

	switch {
	case len(a.CollectFields) > 0:
		a.Scenario = models.MigrationGapFill
		sort.Strings(a.CollectFields)
	case len(forkConditions) > 0:
		a.Scenario = models.MigrationReRoute
		a.ForkConditions = forkConditions
	default:
		a.Scenario = models.MigrationCleanGraft
	}
	return a
}

// GeneratePlan computes the transformation map for vOld -> vNew and
// persists a PENDING plan.
func (e *Engine) GeneratePlan(ctx context.Context, vOld, vNew *models.Scenario, scopeFilter map[string]string) (*models.MigrationPlan, error) {
	if vOld.ID != vNew.ID {
		return nil, models.NewValidationError("scenario_id", "both versions must belong to the same scenario")
	}
	if vNew.Version <= vOld.Version {
		return nil, models.NewValidationError("to_version", fmt.Sprintf("must be > %d, got %d", vOld.Version, vNew.Version))
	}

	plan := &models.MigrationPlan{
		ID:                 models.NewID(),
		TenantID:           vOld.TenantID,
		AgentID:            vOld.AgentID,
		ScenarioID:         vOld.ID,
		FromVersion:        vOld.Version,
		ToVersion:          vNew.Version,
		ScenarioChecksumV1: ScenarioChecksum(vOld),
		ScenarioChecksumV2: ScenarioChecksum(vNew),
		Status:             models.PlanStatusPending,
		Transformation:     ComputeTransformationMap(vOld, vNew),
		ScopeFilter:        scopeFilter,
		CreatedAt:          time.Now().UTC(),
	}
	if err := e.config.CreateMigrationPlan(ctx, plan); err != nil {
		return nil, fmt.Errorf("persisting migration plan: %w", err)
	}
	e.logger.Info("migration plan generated",
		"plan_id", plan.ID, "scenario_id", plan.ScenarioID,
		"from_version", plan.FromVersion, "to_version", plan.ToVersion,
		"anchors", len(plan.Transformation.Anchors))
	return plan, nil
}

// Summarize estimates the plan's blast radius by counting sessions
// parked at each anchor.
func (e *Engine) Summarize(ctx context.Context, plan *models.MigrationPlan) (*models.MigrationSummary, error) {
	summary := &models.MigrationSummary{
		PlanID:            plan.ID,
		AnchorCount:       len(plan.Transformation.Anchors),
		DeletedNodeCount:  len(plan.Transformation.DeletedNodes),
		NewNodeCount:      len(plan.Transformation.NewNodeIDs),
		SessionsPerAnchor: make(map[string]int),
	}
	counted := make(map[string]bool)
	for _, a := range plan.Transformation.Anchors {
		sessions, err := e.sessions.FindByStepHash(ctx, plan.TenantID, plan.ScenarioID, plan.FromVersion, a.AnchorHash, plan.ScopeFilter)
		if err != nil {
			return nil, fmt.Errorf("estimating sessions for anchor %s: %w", a.AnchorHash, err)
		}
		summary.SessionsPerAnchor[a.AnchorHash] = len(sessions)
		for _, s := range sessions {
			if !counted[s.ID] {
				counted[s.ID] = true
				summary.TotalSessions++
			}
		}
	}
	return summary, nil
}

// Approve moves a PENDING plan to APPROVED.
func (e *Engine) Approve(ctx context.Context, tenantID, planID string) (*models.MigrationPlan, error) {
	return e.transition(ctx, tenantID, planID, models.PlanStatusPending, models.PlanStatusApproved)
}

// Reject moves a PENDING plan to REJECTED; terminal, sessions untouched.
func (e *Engine) Reject(ctx context.Context, tenantID, planID string) (*models.MigrationPlan, error) {
	return e.transition(ctx, tenantID, planID, models.PlanStatusPending, models.PlanStatusRejected)
}

func (e *Engine) transition(ctx context.Context, tenantID, planID string, from, to models.PlanStatus) (*models.MigrationPlan, error) {
	plan, err := e.config.GetMigrationPlan(ctx, tenantID, planID)
	if err != nil {
		return nil, err
	}
	if plan.Status != from {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidPlanTransition, plan.Status, to)
	}
	plan.Status = to
	if to == models.PlanStatusApproved {
		now := time.Now().UTC()
		plan.ApprovedAt = &now
	}
	if err := e.config.UpdateMigrationPlan(ctx, plan); err != nil {
		return nil, err
	}
	return plan, nil
}

// Deploy marks every affected session with a pending-migration marker
// and then writes the new scenario version. Sessions are marked first:
// a session observed by a turn mid-deploy either has no marker (and
// keeps running v1, which is still retrievable) or has one and
// reconciles against v2 once it lands.
func (e *Engine) Deploy(ctx context.Context, tenantID, planID string, vNew *models.Scenario) (*models.MigrationPlan, error) {
	plan, err := e.config.GetMigrationPlan(ctx, tenantID, planID)
	if err != nil {
		return nil, err
	}
	if plan.Status != models.PlanStatusApproved {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidPlanTransition, plan.Status, models.PlanStatusDeployed)
	}
	if vNew.ID != plan.ScenarioID || vNew.Version != plan.ToVersion {
		return nil, models.NewValidationError("scenario", fmt.Sprintf("deploy expects %s v%d", plan.ScenarioID, plan.ToVersion))
	}

	now := time.Now().UTC()
	for _, a := range plan.Transformation.Anchors {
		sessions, err := e.sessions.FindByStepHash(ctx, tenantID, plan.ScenarioID, plan.FromVersion, a.AnchorHash, plan.ScopeFilter)
		if err != nil {
			return nil, fmt.Errorf("finding sessions for anchor %s: %w", a.AnchorHash, err)
		}
		if len(sessions) == 0 {
			continue
		}
		ids := make([]string, len(sessions))
		for i, s := range sessions {
			ids[i] = s.ID
		}
		pm := &models.PendingMigration{
			ScenarioID:        plan.ScenarioID,
			TargetVersion:     plan.ToVersion,
			AnchorContentHash: a.AnchorHash,
			MigrationPlanID:   plan.ID,
			MarkedAt:          now,
		}
		if err := e.sessions.MarkPendingMigration(ctx, tenantID, ids, pm); err != nil {
			return nil, fmt.Errorf("marking sessions for anchor %s: %w", a.AnchorHash, err)
		}
		e.logger.Info("sessions marked for migration", "plan_id", plan.ID, "anchor", a.AnchorHash, "sessions", len(ids))
	}

	checksum := ScenarioChecksum(vNew)
	vNew.ContentHash = checksum
	if err := e.config.UpdateScenario(ctx, vNew); err != nil {
		return nil, fmt.Errorf("writing scenario v%d: %w", vNew.Version, err)
	}

	plan.Status = models.PlanStatusDeployed
	plan.DeployedAt = &now
	if err := e.config.UpdateMigrationPlan(ctx, plan); err != nil {
		return nil, err
	}
	return plan, nil
}

// ────────────────────────────────────────────────────────────
// graph helpers
// ────────────────────────────────────────────────────────────

func hashSteps(sc *models.Scenario) map[string]string {
	out := make(map[string]string, len(sc.Steps))
	for i := range sc.Steps {
		out[sc.Steps[i].ID] = NodeContentHash(sc, &sc.Steps[i])
	}
	return out
}

func hashPresent(hashes map[string]string, hash string) bool {
	for _, h := range hashes {
		if h == hash {
			return true
		}
	}
	return false
}

func orderedSteps(sc *models.Scenario) []*models.ScenarioStep {
	out := make([]*models.ScenarioStep, len(sc.Steps))
	for i := range sc.Steps {
		out[i] = &sc.Steps[i]
	}
	return out
}

// pathSteps returns the steps lying on some path entry -> target:
// reachable from the entry and reaching the target.
func pathSteps(sc *models.Scenario, targetID string) []*models.ScenarioStep {
	fromEntry := make(map[string]bool)
	for _, s := range traverseFromEntry(sc) {
		fromEntry[s.ID] = true
	}
	var out []*models.ScenarioStep
	for _, s := range orderedSteps(sc) {
		if fromEntry[s.ID] && reaches(sc, s.ID, targetID) {
			out = append(out, s)
		}
	}
	return out
}

// reaches reports whether target is reachable from start.
func reaches(sc *models.Scenario, startID, targetID string) bool {
	if startID == targetID {
		return true
	}
	visited := map[string]bool{startID: true}
	queue := []string{startID}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		step := sc.StepByID(id)
		if step == nil {
			continue
		}
		for _, tr := range step.Transitions {
			if tr.ToStepID == targetID {
				return true
			}
			if !visited[tr.ToStepID] {
				visited[tr.ToStepID] = true
				queue = append(queue, tr.ToStepID)
			}
		}
	}
	return false
}

// reachableFrom returns start plus everything reachable from it.
func reachableFrom(sc *models.Scenario, startID string) []*models.ScenarioStep {
	start := sc.StepByID(startID)
	if start == nil {
		return nil
	}
	var out []*models.ScenarioStep
	visited := map[string]bool{startID: true}
	queue := []*models.ScenarioStep{start}
	for len(queue) > 0 {
		step := queue[0]
		queue = queue[1:]
		out = append(out, step)
		for _, tr := range step.Transitions {
			if visited[tr.ToStepID] {
				continue
			}
			if next := sc.StepByID(tr.ToStepID); next != nil {
				visited[next.ID] = true
				queue = append(queue, next)
			}
		}
	}
	return out
}
