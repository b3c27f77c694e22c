// Package scenario implements the orchestrator: per-turn lifecycle
// decisions over active scenario instances, step-transition evaluation,
// and conflict-resolved contribution planning.
package scenario

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"time"

	"github.com/codeready-toolchain/tiller/pkg/llm"
	"github.com/codeready-toolchain/tiller/pkg/masking"
	"github.com/codeready-toolchain/tiller/pkg/migration"
	"github.com/codeready-toolchain/tiller/pkg/models"
	"github.com/codeready-toolchain/tiller/pkg/prompt"
	"github.com/codeready-toolchain/tiller/pkg/store"
	"github.com/codeready-toolchain/tiller/pkg/vector"
)

// Config tunes orchestration thresholds.
type Config struct {
	// StartThreshold is the minimum candidate score to start a scenario.
	StartThreshold float64
	// TransitionThreshold is the minimum score for a transition to fire.
	TransitionThreshold float64
	// LoopThreshold pauses an instance stuck that many consecutive turns
	// on one step.
	LoopThreshold          int
	MaxConcurrentScenarios int
	Model                  string
	MaxTokens              int
}

// DefaultConfig returns the orchestration defaults.
func DefaultConfig() Config {
	return Config{
		StartThreshold:         0.5,
		TransitionThreshold:    0.55,
		LoopThreshold:          5,
		MaxConcurrentScenarios: 3,
		Model:                  "default",
		MaxTokens:              512,
	}
}

// Input is one orchestration invocation. The session is mutated in
// place: instance statuses, step positions, and step history.
type Input struct {
	Session    *models.Session
	Snapshot   *models.SituationSnapshot
	Candidates []models.ScoredScenario
	// Mask answers field-existence questions for transitions whose
	// conditions reference customer data.
	Mask       masking.SchemaMask
	TurnNumber int
	Now        time.Time
}

// Orchestrator drives scenario instances through a turn.
type Orchestrator struct {
	config store.AgentConfigStore
	client llm.Client
	cfg    Config
	logger *slog.Logger
}

// New wires an orchestrator.
func New(config store.AgentConfigStore, client llm.Client, cfg Config, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.LoopThreshold <= 0 {
		cfg.LoopThreshold = 5
	}
	if cfg.MaxConcurrentScenarios <= 0 {
		cfg.MaxConcurrentScenarios = 3
	}
	return &Orchestrator{config: config, client: client, cfg: cfg, logger: logger.With("component", "scenario_orchestrator")}
}

// Orchestrate runs the three decision layers: lifecycle, transitions,
// contributions. Unlike the LLM-degradable phases, errors here fail the
// turn.
func (o *Orchestrator) Orchestrate(ctx context.Context, in Input) (*models.ScenarioResult, error) {
	result := &models.ScenarioResult{}

	// Scenario definitions resolve at each instance's pinned version.
	defs := make(map[string]*models.Scenario)
	for _, si := range in.Session.ActiveInstances() {
		sc, err := o.loadVersion(ctx, in.Session.TenantID, si.ScenarioID, si.ScenarioVersion)
		if err != nil {
			if !errors.Is(err, store.ErrNotFound) {
				return nil, fmt.Errorf("loading scenario %s v%d: %w", si.ScenarioID, si.ScenarioVersion, err)
			}
			defs[si.ScenarioID] = nil
			continue
		}
		defs[si.ScenarioID] = sc
	}

	// Layer 1: lifecycle.
	var continuing []*models.ScenarioInstance
	for _, si := range in.Session.ActiveInstances() {
		decision := o.decideLifecycle(si, defs[si.ScenarioID], in.Snapshot)
		result.Lifecycle = append(result.Lifecycle, decision)
		o.applyLifecycle(si, decision, in.Now)
		if decision.Action == models.LifecycleContinue {
			continuing = append(continuing, si)
		}
	}
	o.decideStarts(ctx, in, defs, result)

	// Layer 2: transitions, only for continuing instances.
	for _, si := range continuing {
		sc := defs[si.ScenarioID]
		if sc == nil {
			continue
		}
		decision, err := o.evaluateTransitions(ctx, in, si, sc)
		if err != nil {
			return nil, err
		}
		if decision != nil {
			result.Transitions = append(result.Transitions, *decision)
			// A continuing instance that just advanced onto a terminal
			// step completes this turn.
			if step := sc.StepByID(si.CurrentStepID); step != nil && step.IsTerminal {
				si.Status = models.InstanceStatusCompleted
				o.amendLifecycle(result, si.ScenarioID, models.LifecycleComplete, "reached terminal step")
			}
		}
	}

	// Layer 3: contributions.
	result.Contributions = o.planContributions(in.Session, defs, result)
	return result, nil
}

func (o *Orchestrator) loadVersion(ctx context.Context, tenantID, scenarioID string, version int) (*models.Scenario, error) {
	sc, err := o.config.GetScenario(ctx, tenantID, scenarioID)
	if err == nil && sc.Version == version {
		return sc, nil
	}
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	return o.config.GetScenarioVersion(ctx, tenantID, scenarioID, version)
}

// decideLifecycle evaluates the lifecycle table top-down; first match
// wins.
func (o *Orchestrator) decideLifecycle(si *models.ScenarioInstance, sc *models.Scenario, snap *models.SituationSnapshot) models.LifecycleDecision {
	d := models.LifecycleDecision{ScenarioID: si.ScenarioID, ScenarioVersion: si.ScenarioVersion}
	switch {
	case snap.ScenarioSignal == models.ScenarioSignalCancel:
		d.Action = models.LifecycleCancel
		d.Reason = "user asked to cancel"
	case snap.ScenarioSignal == models.ScenarioSignalPause:
		d.Action = models.LifecyclePause
		d.Reason = "user asked to pause"
	case sc != nil && stepIsTerminal(sc, si.CurrentStepID):
		d.Action = models.LifecycleComplete
		d.Reason = "reached terminal step"
	case si.LoopCount >= o.cfg.LoopThreshold:
		d.Action = models.LifecyclePause
		d.Reason = "loop detected"
	case sc == nil || !sc.Enabled:
		d.Action = models.LifecycleCancel
		d.Reason = "scenario retired"
	default:
		d.Action = models.LifecycleContinue
	}
	return d
}

func (o *Orchestrator) applyLifecycle(si *models.ScenarioInstance, d models.LifecycleDecision, now time.Time) {
	switch d.Action {
	case models.LifecyclePause:
		si.Status = models.InstanceStatusPaused
		si.PausedAt = &now
	case models.LifecycleCancel:
		si.Status = models.InstanceStatusCancelled
	case models.LifecycleComplete:
		si.Status = models.InstanceStatusCompleted
	}
}

// decideStarts starts candidate scenarios that clear the threshold,
// are not already running, and fit under the concurrency cap.
func (o *Orchestrator) decideStarts(ctx context.Context, in Input, defs map[string]*models.Scenario, result *models.ScenarioResult) {
	for _, cand := range in.Candidates {
		if cand.Score < o.cfg.StartThreshold {
			continue
		}
		if in.Session.InstanceOf(cand.Scenario.ID) != nil {
			continue
		}
		if len(in.Session.ActiveInstances()) >= o.cfg.MaxConcurrentScenarios {
			o.logger.Info("scenario start skipped, concurrency cap reached",
				"scenario_id", cand.Scenario.ID, "cap", o.cfg.MaxConcurrentScenarios)
			continue
		}
		entry := cand.Scenario.EntryStep()
		if entry == nil {
			o.logger.Warn("scenario has no entry step, not starting", "scenario_id", cand.Scenario.ID)
			continue
		}

		si := &models.ScenarioInstance{
			ScenarioID:      cand.Scenario.ID,
			ScenarioVersion: cand.Scenario.Version,
			StartedAt:       in.Now,
			Status:          models.InstanceStatusActive,
		}
		si.Visit(entry.ID, in.Now)
		in.Session.ActiveScenarios = append(in.Session.ActiveScenarios, si)
		o.recordVisit(in, cand.Scenario, entry, "scenario_start", cand.Score)
		defs[cand.Scenario.ID] = cand.Scenario

		result.Lifecycle = append(result.Lifecycle, models.LifecycleDecision{
			ScenarioID:      cand.Scenario.ID,
			ScenarioVersion: cand.Scenario.Version,
			Action:          models.LifecycleStart,
			Reason:          "entry score " + strconv.FormatFloat(cand.Score, 'f', 2, 64),
		})
	}
}

// evaluateTransitions walks the current step's transitions in priority
// order and advances on the first one that fires. Returns nil when the
// instance stays put.
func (o *Orchestrator) evaluateTransitions(ctx context.Context, in Input, si *models.ScenarioInstance, sc *models.Scenario) (*models.TransitionDecision, error) {
	step := sc.StepByID(si.CurrentStepID)
	if step == nil {
		// Step id not in this version: the instance is stranded; JIT
		// reconciliation owns this case, stay put.
		o.logger.Warn("instance step missing from scenario version",
			"scenario_id", si.ScenarioID, "step_id", si.CurrentStepID)
		return nil, nil
	}

	transitions := append([]models.StepTransition(nil), step.Transitions...)
	sort.SliceStable(transitions, func(i, j int) bool { return transitions[i].Priority > transitions[j].Priority })

	for _, tr := range transitions {
		score, reason, err := o.scoreTransition(ctx, in, tr)
		if err != nil {
			return nil, err
		}
		if score < o.cfg.TransitionThreshold {
			continue
		}
		next := sc.StepByID(tr.ToStepID)
		if next == nil {
			o.logger.Warn("transition targets unknown step", "scenario_id", sc.ID, "to_step_id", tr.ToStepID)
			continue
		}
		return o.advance(in, si, sc, step, next, reason, score), nil
	}

	// Nothing fired. A skippable step falls through to its default
	// (highest-priority) transition; otherwise the instance is stuck.
	if step.CanSkip && len(transitions) > 0 {
		if next := sc.StepByID(transitions[0].ToStepID); next != nil {
			return o.advance(in, si, sc, step, next, "skipped optional step", 0), nil
		}
	}
	si.LoopCount++
	return nil, nil
}

func (o *Orchestrator) advance(in Input, si *models.ScenarioInstance, sc *models.Scenario, from, to *models.ScenarioStep, reason string, confidence float64) *models.TransitionDecision {
	si.Visit(to.ID, in.Now)
	o.recordVisit(in, sc, to, reason, confidence)
	relocalized := to.ReachableFromAnywhere
	if relocalized {
		in.Session.RelocalizationCount++
	}
	return &models.TransitionDecision{
		ScenarioID:  sc.ID,
		FromStepID:  from.ID,
		ToStepID:    to.ID,
		Reason:      reason,
		Confidence:  confidence,
		Relocalized: relocalized,
	}
}

// scoreTransition scores one transition: cosine against the snapshot
// embedding, or an LLM decision when the condition references customer
// data fields. LLM failure scores zero rather than failing the turn.
func (o *Orchestrator) scoreTransition(ctx context.Context, in Input, tr models.StepTransition) (float64, string, error) {
	if len(tr.ConditionFields) == 0 {
		return vector.ClampUnit(vector.Cosine(tr.ConditionEmbedding, in.Snapshot.Embedding)), tr.ConditionText, nil
	}

	fieldsData := make([]prompt.Data, 0, len(tr.ConditionFields))
	for _, name := range tr.ConditionFields {
		exists := false
		for _, e := range in.Mask {
			if e.Name == name {
				exists = e.Exists
				break
			}
		}
		fieldsData = append(fieldsData, prompt.Data{"name": name, "exists": strconv.FormatBool(exists)})
	}
	rendered, err := prompt.Transition.Render(prompt.Data{
		"message":   in.Snapshot.Message,
		"condition": tr.ConditionText,
		"fields":    fieldsData,
	})
	if err != nil {
		return 0, "", fmt.Errorf("rendering transition prompt: %w", err)
	}

	resp, err := o.client.Complete(ctx, llm.Request{
		Model:       o.cfg.Model,
		Temperature: 0,
		MaxTokens:   o.cfg.MaxTokens,
		Messages:    []llm.Message{{Role: llm.RoleUser, Content: rendered}},
	})
	if err != nil {
		if ctx.Err() != nil {
			return 0, "", ctx.Err()
		}
		o.logger.Warn("transition LLM call failed, transition does not fire", "error", err)
		return 0, "", nil
	}
	var verdict struct {
		Fires      bool    `json:"fires"`
		Confidence float64 `json:"confidence"`
		Reasoning  string  `json:"reasoning"`
	}
	if err := llm.DecodeInto(resp.Content, &verdict); err != nil {
		o.logger.Warn("unparseable transition verdict, transition does not fire", "error", err)
		return 0, "", nil
	}
	if !verdict.Fires {
		return 0, verdict.Reasoning, nil
	}
	return verdict.Confidence, verdict.Reasoning, nil
}

func (o *Orchestrator) recordVisit(in Input, sc *models.Scenario, step *models.ScenarioStep, reason string, confidence float64) {
	in.Session.StepHistory = append(in.Session.StepHistory, models.StepVisit{
		StepID:                step.ID,
		StepName:              step.Name,
		ScenarioID:            sc.ID,
		EnteredAt:             in.Now,
		TurnNumber:            in.TurnNumber,
		TransitionReason:      reason,
		Confidence:            confidence,
		IsCheckpoint:          step.IsCheckpoint,
		CheckpointDescription: step.CheckpointDescription,
		StepContentHash:       migration.NodeContentHash(sc, step),
	})
}

// amendLifecycle replaces the scenario's earlier lifecycle decision
// when a transition changes the outcome within the same turn.
func (o *Orchestrator) amendLifecycle(result *models.ScenarioResult, scenarioID string, action models.LifecycleAction, reason string) {
	for i := range result.Lifecycle {
		if result.Lifecycle[i].ScenarioID == scenarioID {
			result.Lifecycle[i].Action = action
			result.Lifecycle[i].Reason = reason
			return
		}
	}
}

// planContributions builds the contribution plan from every instance
// still in play, resolving same-tool ACT conflicts by scenario priority
// and then by earlier start.
func (o *Orchestrator) planContributions(session *models.Session, defs map[string]*models.Scenario, result *models.ScenarioResult) models.ScenarioContributionPlan {
	var contributions []models.ScenarioContribution
	for _, si := range session.ActiveScenarios {
		if si.Status != models.InstanceStatusActive && si.Status != models.InstanceStatusCompleted {
			continue
		}
		if si.Status == models.InstanceStatusCompleted && !completedThisTurn(result, si.ScenarioID) {
			continue
		}
		sc := defs[si.ScenarioID]
		if sc == nil {
			continue
		}
		step := sc.StepByID(si.CurrentStepID)
		if step == nil {
			continue
		}
		contributions = append(contributions, models.ScenarioContribution{
			ScenarioID:       sc.ID,
			ScenarioName:     sc.Name,
			ScenarioPriority: sc.Priority,
			StartedAt:        si.StartedAt,
			CurrentStepID:    step.ID,
			CurrentStepName:  step.Name,
			ContributionType: step.ContributionType(),
			StepInstructions: step.Instructions,
			RequiredFields:   step.CollectsProfileFields,
			SuggestedTools:   step.ToolBindings,
		})
	}
	return resolveActConflicts(contributions)
}

func completedThisTurn(result *models.ScenarioResult, scenarioID string) bool {
	for _, d := range result.Lifecycle {
		if d.ScenarioID == scenarioID && d.Action == models.LifecycleComplete {
			return true
		}
	}
	return false
}

// resolveActConflicts drops ACT contributions that lose a same-tool
// conflict: higher scenario priority wins, ties break by earlier start.
func resolveActConflicts(contributions []models.ScenarioContribution) models.ScenarioContributionPlan {
	plan := models.ScenarioContributionPlan{}
	winnerByTool := make(map[string]int)
	dropped := make(map[int]bool)

	for i, c := range contributions {
		if c.ContributionType != models.ContributionAct {
			continue
		}
		for _, tool := range c.SuggestedTools {
			prev, contested := winnerByTool[tool.ToolID]
			if !contested {
				winnerByTool[tool.ToolID] = i
				continue
			}
			if beats(contributions[i], contributions[prev]) {
				dropped[prev] = true
				winnerByTool[tool.ToolID] = i
			} else {
				dropped[i] = true
			}
		}
	}
	for i, c := range contributions {
		if dropped[i] {
			plan.DroppedActs = append(plan.DroppedActs, c.ScenarioID)
			continue
		}
		plan.Contributions = append(plan.Contributions, c)
	}
	return plan
}

func beats(a, b models.ScenarioContribution) bool {
	if a.ScenarioPriority != b.ScenarioPriority {
		return a.ScenarioPriority > b.ScenarioPriority
	}
	return a.StartedAt.Before(b.StartedAt)
}

func stepIsTerminal(sc *models.Scenario, stepID string) bool {
	step := sc.StepByID(stepID)
	return step != nil && step.IsTerminal
}
