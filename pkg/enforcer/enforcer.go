// Package enforcer validates generated responses against hard-constraint
// rules and drives the regenerate / fallback-template / escalate ladder
// on violation.
package enforcer

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/codeready-toolchain/tiller/pkg/generator"
	"github.com/codeready-toolchain/tiller/pkg/llm"
	"github.com/codeready-toolchain/tiller/pkg/models"
	"github.com/codeready-toolchain/tiller/pkg/prompt"
	"github.com/codeready-toolchain/tiller/pkg/store"
)

// Config tunes the LLM judge calls.
type Config struct {
	Model     string
	MaxTokens int
}

// DefaultConfig returns the enforcement defaults.
func DefaultConfig() Config {
	return Config{Model: "default", MaxTokens: 256}
}

// Outcome is the enforcement verdict for the turn.
type Outcome struct {
	// Generation is the surviving generation: the original, a
	// regeneration, or a fallback-template render.
	Generation *models.GenerationResult
	// ResponseType overrides the plan's type when escalation fired.
	ResponseType models.ResponseType
	// Categories to merge into the turn outcome.
	Categories []models.ResponseCategory
	// BlockingRuleID names the constraint that forced fallback or
	// escalation.
	BlockingRuleID *string
	// Violations lists every constraint the original generation broke.
	Violations []string
}

// Enforcer validates and repairs responses.
type Enforcer struct {
	client    llm.Client
	config    store.AgentConfigStore
	generator *generator.Generator
	cfg       Config
	logger    *slog.Logger
}

// New wires an enforcer. The generator is reused for regeneration and
// fallback rendering.
func New(client llm.Client, config store.AgentConfigStore, gen *generator.Generator, cfg Config, logger *slog.Logger) *Enforcer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Enforcer{client: client, config: config, generator: gen, cfg: cfg, logger: logger.With("component", "enforcer")}
}

// Enforce validates the generation against every constraint. On a first
// violation it regenerates once with the violated action text verbatim;
// a persistent violation renders the rule's highest-priority FALLBACK
// template, or escalates when none is attached.
func (e *Enforcer) Enforce(ctx context.Context, genIn generator.Input, gen *models.GenerationResult) (*Outcome, error) {
	out := &Outcome{Generation: gen}
	if genIn.Plan == nil || len(genIn.Plan.Constraints) == 0 {
		return out, nil
	}

	violated, err := e.firstViolation(ctx, genIn, gen.Text)
	if err != nil {
		return nil, err
	}
	if violated == nil {
		return out, nil
	}
	out.Violations = append(out.Violations, violated.RuleID)
	e.logger.Warn("hard constraint violated, regenerating", "rule_id", violated.RuleID)

	regen, err := e.regenerate(ctx, genIn, gen.Text, violated)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		e.logger.Warn("regeneration failed", "rule_id", violated.RuleID, "error", err)
	}
	if regen != nil {
		still, err := e.violates(ctx, genIn, *violated, regen.Text)
		if err != nil {
			return nil, err
		}
		if !still {
			regen.Regenerated = true
			out.Generation = regen
			return out, nil
		}
	}

	// Regeneration exhausted; fall back to the rule's template.
	ruleID := violated.RuleID
	out.BlockingRuleID = &ruleID
	out.Categories = append(out.Categories, models.CategoryPolicyRestriction)

	if fb := e.fallbackTemplate(ctx, genIn.TenantID, violated); fb != nil {
		rendered, err := e.generator.RenderFallback(ctx, genIn, fb.ID)
		if err == nil {
			rendered.Regenerated = true
			out.Generation = rendered
			return out, nil
		}
		e.logger.Warn("fallback template render failed", "template_id", fb.ID, "error", err)
	}

	out.ResponseType = models.ResponseEscalate
	out.Generation = &models.GenerationResult{
		Text:       "I can't help with that as phrased. Let me connect you with a human agent.",
		Categories: []models.ResponseCategory{models.CategoryPolicyRestriction},
	}
	return out, nil
}

// firstViolation returns the first violated constraint, or nil.
func (e *Enforcer) firstViolation(ctx context.Context, genIn generator.Input, response string) (*models.RuleConstraint, error) {
	for i := range genIn.Plan.Constraints {
		c := genIn.Plan.Constraints[i]
		v, err := e.violates(ctx, genIn, c, response)
		if err != nil {
			return nil, err
		}
		if v {
			return &c, nil
		}
	}
	return nil, nil
}

// violates checks one constraint, preferring the sandboxed expression
// over the LLM judge. The expression states what must HOLD; violation is
// its negation. Expression errors degrade to the judge.
func (e *Enforcer) violates(ctx context.Context, genIn generator.Input, c models.RuleConstraint, response string) (bool, error) {
	if c.Expression != nil && *c.Expression != "" {
		holds, err := Evaluate(*c.Expression, EvalContext{Response: response, Variables: genIn.Variables})
		if err == nil {
			return !holds, nil
		}
		e.logger.Warn("enforcement expression failed, falling back to judge", "rule_id", c.RuleID, "error", err)
	}
	return e.judge(ctx, c, response)
}

type judgeAnswer struct {
	Violates  bool   `json:"violates"`
	Reasoning string `json:"reasoning"`
}

// judge asks the LLM classifier. Judge failures are treated as
// no-violation so a broken judge cannot block every response.
func (e *Enforcer) judge(ctx context.Context, c models.RuleConstraint, response string) (bool, error) {
	rendered, err := prompt.EnforcementJudge.Render(prompt.Data{
		"action":   c.ActionText,
		"response": response,
	})
	if err != nil {
		return false, fmt.Errorf("rendering judge prompt: %w", err)
	}
	resp, err := e.client.Complete(ctx, llm.Request{
		Model:       e.cfg.Model,
		Temperature: 0,
		MaxTokens:   e.cfg.MaxTokens,
		Messages:    []llm.Message{{Role: llm.RoleUser, Content: rendered}},
	})
	if err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		e.logger.Warn("enforcement judge unavailable, passing response", "rule_id", c.RuleID, "error", err)
		return false, nil
	}
	var answer judgeAnswer
	if err := llm.DecodeInto(resp.Content, &answer); err != nil {
		e.logger.Warn("enforcement judge answer unparseable, passing response", "rule_id", c.RuleID, "error", err)
		return false, nil
	}
	return answer.Violates, nil
}

// regenerate reruns generation with the violated action text prepended.
func (e *Enforcer) regenerate(ctx context.Context, genIn generator.Input, previous string, c *models.RuleConstraint) (*models.GenerationResult, error) {
	strengthened, err := prompt.Regenerate.Render(prompt.Data{
		"action":   c.ActionText,
		"response": previous,
	})
	if err != nil {
		return nil, err
	}
	in := genIn
	in.SystemPrompt = genIn.SystemPrompt + "\n\n" + strengthened
	return e.generator.Generate(ctx, in)
}

// fallbackTemplate returns the rule's highest-priority FALLBACK-mode
// template, or nil.
func (e *Enforcer) fallbackTemplate(ctx context.Context, tenantID string, c *models.RuleConstraint) *models.Template {
	var candidates []*models.Template
	for _, tid := range c.FallbackTemplateIDs {
		t, err := e.config.GetTemplate(ctx, tenantID, tid)
		if err != nil {
			e.logger.Warn("fallback template not found", "template_id", tid, "error", err)
			continue
		}
		if t.Mode == models.TemplateModeFallback {
			candidates = append(candidates, t)
		}
	}
	if len(candidates) == 0 {
		return nil
	}
	sort.SliceStable(candidates, func(i, j int) bool { return candidates[i].Priority > candidates[j].Priority })
	return candidates[0]
}
