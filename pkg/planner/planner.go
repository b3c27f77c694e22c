// Package planner merges the turn's upstream phase outputs into a single
// ResponsePlan the generator consumes.
package planner

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/codeready-toolchain/tiller/pkg/models"
	"github.com/codeready-toolchain/tiller/pkg/store"
)

// Input is everything the planner reads for one turn.
type Input struct {
	TenantID       string
	AgentID        string
	Snapshot       *models.SituationSnapshot
	Matched        []models.MatchedRule
	Scenario       *models.ScenarioResult
	Reconciliation *models.ReconciliationResult
	MissingFields  []models.MissingField
}

// Planner assembles response plans.
type Planner struct {
	config store.AgentConfigStore
	logger *slog.Logger
}

// New wires a planner.
func New(config store.AgentConfigStore, logger *slog.Logger) *Planner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Planner{config: config, logger: logger.With("component", "planner")}
}

// Plan builds the response plan. Response-type precedence when phases
// disagree: ESCALATE, then COLLECT, then ACT, then ASK, then ANSWER.
func (p *Planner) Plan(ctx context.Context, in Input) (*models.ResponsePlan, error) {
	plan := &models.ResponsePlan{
		Constraints:   constraints(in.Matched),
		CollectFields: in.MissingFields,
	}
	if in.Scenario != nil {
		plan.Contributions = in.Scenario.Contributions.Contributions
	}

	p.gatherTools(plan, in)
	p.gatherTemplates(ctx, plan, in)
	plan.ResponseType = p.responseType(plan, in)
	return plan, nil
}

// constraints projects the hard-constraint rules into enforceable form.
func constraints(matched []models.MatchedRule) []models.RuleConstraint {
	var out []models.RuleConstraint
	for _, m := range matched {
		if m.Rule == nil || !m.Rule.IsHardConstraint {
			continue
		}
		out = append(out, models.RuleConstraint{
			RuleID:              m.Rule.ID,
			ActionText:          m.Rule.ActionText,
			Expression:          m.Rule.EnforcementExpression,
			FallbackTemplateIDs: m.Rule.TemplateIDs,
		})
	}
	return out
}

// gatherTools collects BEFORE_STEP and AFTER_STEP bindings from matched
// rules and scenario contributions, deduplicated by (tool, phase).
func (p *Planner) gatherTools(plan *models.ResponsePlan, in Input) {
	seen := make(map[string]bool)
	add := func(b models.ToolBinding) {
		key := string(b.Phase) + "/" + b.ToolID
		if seen[key] {
			return
		}
		seen[key] = true
		plan.ToolsToExecute = append(plan.ToolsToExecute, b)
	}
	for _, m := range in.Matched {
		if m.Rule == nil {
			continue
		}
		for _, b := range m.Rule.ToolBindings {
			add(b)
		}
	}
	for _, c := range plan.Contributions {
		for _, b := range c.SuggestedTools {
			add(b)
		}
	}
}

// gatherTemplates resolves rule-attached templates. A STRICT template
// forces the response; among several the highest priority wins. FALLBACK
// and SUGGEST templates are suggested in priority order.
func (p *Planner) gatherTemplates(ctx context.Context, plan *models.ResponsePlan, in Input) {
	type scored struct {
		id       string
		priority int
		mode     models.TemplateMode
	}
	var candidates []scored
	for _, m := range in.Matched {
		if m.Rule == nil {
			continue
		}
		for _, tid := range m.Rule.TemplateIDs {
			t, err := p.config.GetTemplate(ctx, in.TenantID, tid)
			if err != nil {
				p.logger.Warn("attached template not found", "template_id", tid, "error", err)
				continue
			}
			candidates = append(candidates, scored{id: t.ID, priority: t.Priority, mode: t.Mode})
		}
	}
	sort.SliceStable(candidates, func(i, j int) bool { return candidates[i].priority > candidates[j].priority })
	for _, c := range candidates {
		if c.mode == models.TemplateModeStrict && plan.ForcedTemplate == nil {
			id := c.id
			plan.ForcedTemplate = &id
			continue
		}
		plan.SuggestedTemplates = append(plan.SuggestedTemplates, c.id)
	}
}

func (p *Planner) responseType(plan *models.ResponsePlan, in Input) models.ResponseType {
	// A reconciliation verdict from the migration phase dominates the
	// whole decision: it reflects session state, not this message.
	if rr := in.Reconciliation; rr != nil {
		switch rr.Action {
		case models.ReconcileEscalate:
			reason := rr.Reason
			plan.EscalationReason = &reason
			return models.ResponseEscalate
		case models.ReconcileCollect:
			for _, name := range rr.CollectFields {
				if !hasField(plan.CollectFields, name) {
					plan.CollectFields = append(plan.CollectFields, models.MissingField{
						FieldName:     name,
						RequiredLevel: models.RequiredLevelHard,
						Reason:        fmt.Sprintf("migration to version requires %s", name),
					})
				}
			}
			return models.ResponseCollect
		case models.ReconcileReRoute:
			plan.BranchQuestion = rr.BranchQuestion
			return models.ResponseReroute
		}
	}

	hardMissing := false
	for _, mf := range plan.CollectFields {
		if mf.RequiredLevel == models.RequiredLevelHard {
			if mf.FallbackAction == models.FallbackActionEscalate {
				reason := fmt.Sprintf("required field %s unavailable", mf.FieldName)
				plan.EscalationReason = &reason
				return models.ResponseEscalate
			}
			if mf.FallbackAction != models.FallbackActionSkip {
				hardMissing = true
			}
		}
	}
	if hardMissing {
		return models.ResponseCollect
	}

	asks := false
	for _, c := range plan.Contributions {
		switch c.ContributionType {
		case models.ContributionAct:
			return models.ResponseAct
		case models.ContributionPrompt, models.ContributionCollect:
			asks = true
		}
	}
	if asks {
		return models.ResponseAsk
	}
	return models.ResponseAnswer
}

func hasField(fields []models.MissingField, name string) bool {
	for _, f := range fields {
		if f.FieldName == name {
			return true
		}
	}
	return false
}
