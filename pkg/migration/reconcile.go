package migration

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/codeready-toolchain/tiller/pkg/models"
	"github.com/codeready-toolchain/tiller/pkg/retrieval"
	"github.com/codeready-toolchain/tiller/pkg/store"
)

// ReconcileInput is the per-turn reconciliation context. The session is
// mutated in place on teleport.
type ReconcileInput struct {
	Session *models.Session
	// Profile answers which fields are ACTIVE for gap-fill checks. May
	// be nil for anonymous sessions; every gap-fill field then counts
	// as missing.
	Profile *models.CustomerProfile
	// Message is the user's current message; a RE_ROUTE anchor uses it
	// to resolve the fork once the branch question was asked.
	Message    string
	TurnNumber int
	Now        time.Time
}

// Reconcile runs just-in-time migration for a session carrying a
// pending-migration marker. Call before retrieval; returns nil when no
// marker is set.
func (e *Engine) Reconcile(ctx context.Context, in ReconcileInput) (*models.ReconciliationResult, error) {
	pm := in.Session.PendingMigration
	if pm == nil {
		return nil, nil
	}
	instance := in.Session.InstanceOf(pm.ScenarioID)
	if instance == nil {
		// The flow ended while the marker was pending; nothing to move.
		in.Session.PendingMigration = nil
		return nil, nil
	}
	fromStep := instance.CurrentStepID

	plan, planErr := e.config.GetMigrationPlan(ctx, in.Session.TenantID, pm.MigrationPlanID)
	v2, v2Err := e.loadTarget(ctx, in.Session.TenantID, pm.ScenarioID, pm.TargetVersion)
	if v2Err != nil {
		if !errors.Is(v2Err, store.ErrNotFound) {
			return nil, v2Err
		}
		// Target version gone: nowhere to relocalise into.
		return e.escalate(in, instance, fromStep, "target scenario version missing"), nil
	}
	if planErr != nil {
		if !errors.Is(planErr, store.ErrNotFound) {
			return nil, planErr
		}
		return e.relocalize(in, instance, v2, fromStep, "migration plan missing"), nil
	}

	anchor := plan.AnchorByHash(pm.AnchorContentHash)
	if anchor == nil {
		return e.relocalize(in, instance, v2, fromStep, "anchor not present in plan"), nil
	}

	scopeMatched := matchesScope(in.Session.Metadata, plan.ScopeFilter)
	switch anchor.Scenario {
	case models.MigrationCleanGraft:
		res := e.teleport(in, instance, v2, anchor.TargetStepIDV2, fromStep, "clean graft")
		res.ScopeFilterMatched = scopeMatched
		return res, nil

	case models.MigrationGapFill:
		missing := missingActiveFields(anchor.CollectFields, in.Profile)
		if len(missing) == 0 {
			res := e.teleport(in, instance, v2, anchor.TargetStepIDV2, fromStep, "gap fill satisfied")
			res.ScopeFilterMatched = scopeMatched
			return res, nil
		}
		// Marker stays set; the collection repeats until the gap closes.
		return &models.ReconciliationResult{
			Action:             models.ReconcileCollect,
			Reason:             "new flow requires data this session never collected",
			ScenarioID:         pm.ScenarioID,
			FromStep:           fromStep,
			CollectFields:      missing,
			ScopeFilterMatched: scopeMatched,
		}, nil

	case models.MigrationReRoute:
		if pm.BranchQuestionAsked {
			if branch := resolveFork(anchor.ForkConditions, in.Message); branch >= 0 {
				res := e.teleport(in, instance, v2, anchor.TargetStepIDV2, fromStep,
					fmt.Sprintf("fork resolved: %s", anchor.ForkConditions[branch]))
				res.ScopeFilterMatched = scopeMatched
				return res, nil
			}
		}
		question := branchQuestion(anchor.ForkConditions)
		pm.BranchQuestionAsked = true
		return &models.ReconciliationResult{
			Action:             models.ReconcileReRoute,
			Reason:             "new upstream fork needs the user's choice",
			ScenarioID:         pm.ScenarioID,
			FromStep:           fromStep,
			BranchQuestion:     &question,
			ScopeFilterMatched: scopeMatched,
		}, nil
	}
	return e.relocalize(in, instance, v2, fromStep, "unknown migration scenario"), nil
}

func (e *Engine) loadTarget(ctx context.Context, tenantID, scenarioID string, version int) (*models.Scenario, error) {
	sc, err := e.config.GetScenario(ctx, tenantID, scenarioID)
	if err == nil && sc.Version == version {
		return sc, nil
	}
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	return e.config.GetScenarioVersion(ctx, tenantID, scenarioID, version)
}

// teleport moves the instance onto the v2 step, records the visit, and
// clears the marker.
func (e *Engine) teleport(in ReconcileInput, instance *models.ScenarioInstance, v2 *models.Scenario, toStepID, fromStep, reason string) *models.ReconciliationResult {
	step := v2.StepByID(toStepID)
	instance.ScenarioVersion = v2.Version
	instance.Visit(toStepID, in.Now)
	if step != nil {
		in.Session.StepHistory = append(in.Session.StepHistory, models.StepVisit{
			StepID:                step.ID,
			StepName:              step.Name,
			ScenarioID:            v2.ID,
			EnteredAt:             in.Now,
			TurnNumber:            in.TurnNumber,
			TransitionReason:      "migration",
			IsCheckpoint:          step.IsCheckpoint,
			CheckpointDescription: step.CheckpointDescription,
			StepContentHash:       NodeContentHash(v2, step),
		})
	}
	in.Session.PendingMigration = nil
	e.logger.Info("session teleported", "session_id", in.Session.ID,
		"scenario_id", v2.ID, "to_version", v2.Version, "to_step", toStepID, "reason", reason)
	return &models.ReconciliationResult{
		Action:     models.ReconcileTeleport,
		Reason:     reason,
		ScenarioID: v2.ID,
		FromStep:   fromStep,
		ToStep:     &toStepID,
	}
}

// relocalize hunts v2 for a step whose content hash matches where the
// session already stands; failing that, escalates.
func (e *Engine) relocalize(in ReconcileInput, instance *models.ScenarioInstance, v2 *models.Scenario, fromStep, why string) *models.ReconciliationResult {
	currentHash := ""
	if visit := in.Session.LastVisitFor(instance.ScenarioID); visit != nil {
		currentHash = visit.StepContentHash
	}
	if currentHash != "" {
		for i := range v2.Steps {
			if NodeContentHash(v2, &v2.Steps[i]) == currentHash {
				res := e.teleport(in, instance, v2, v2.Steps[i].ID, fromStep, "relocalised by content hash")
				res.Action = models.ReconcileRelocalize
				in.Session.RelocalizationCount++
				return res
			}
		}
	}
	return e.escalate(in, instance, fromStep, why+"; no content-hash match in target version")
}

func (e *Engine) escalate(in ReconcileInput, instance *models.ScenarioInstance, fromStep, reason string) *models.ReconciliationResult {
	// Marker cleared so the session is not stuck escalating forever.
	in.Session.PendingMigration = nil
	e.logger.Warn("reconciliation escalated", "session_id", in.Session.ID,
		"scenario_id", instance.ScenarioID, "reason", reason)
	return &models.ReconciliationResult{
		Action:     models.ReconcileEscalate,
		Reason:     reason,
		ScenarioID: instance.ScenarioID,
		FromStep:   fromStep,
	}
}

// missingActiveFields returns the fields the profile lacks an ACTIVE
// entry for, preserving the anchor's collection order.
func missingActiveFields(fields []string, profile *models.CustomerProfile) []string {
	var missing []string
	for _, name := range fields {
		if profile == nil || profile.ActiveField(name) == nil {
			missing = append(missing, name)
		}
	}
	return missing
}

// resolveFork matches the user's message against the fork conditions
// lexically; -1 means unresolved. Reconcile gates this on the branch
// question having been asked, so an unprompted message never resolves
// the fork.
func resolveFork(conditions []string, message string) int {
	if strings.TrimSpace(message) == "" || len(conditions) == 0 {
		return -1
	}
	scores := retrieval.NewBM25(conditions).Scores(message)
	best, bestScore := -1, 0.0
	for i, s := range scores {
		if s > bestScore {
			best, bestScore = i, s
		}
	}
	return best
}

func branchQuestion(conditions []string) string {
	if len(conditions) == 0 {
		return "The flow you were in has changed. How would you like to proceed?"
	}
	return "The flow you were in has changed. Which applies to you: " + strings.Join(conditions, "; or ") + "?"
}

// matchesScope reports whether session metadata satisfies every
// key/value pair of the filter. An empty filter matches everything.
func matchesScope(metadata, filter map[string]string) bool {
	for k, v := range filter {
		if metadata[k] != v {
			return false
		}
	}
	return true
}
