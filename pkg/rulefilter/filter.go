// Package rulefilter implements the two-stage rule filter: a
// deterministic scope pre-filter followed by an LLM ternary classifier
// (APPLIES, NOT_RELATED, UNSURE) with a confidence threshold and a
// configurable UNSURE policy.
package rulefilter

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/codeready-toolchain/tiller/pkg/llm"
	"github.com/codeready-toolchain/tiller/pkg/models"
	"github.com/codeready-toolchain/tiller/pkg/prompt"
	"github.com/codeready-toolchain/tiller/pkg/retrieval"
)

// Config tunes the classifier stage.
type Config struct {
	Model     string
	MaxTokens int
	// BatchSize bounds how many rules one classifier call sees.
	BatchSize           int
	ConfidenceThreshold float64
	UnsurePolicy        models.UnsurePolicy
}

// DefaultConfig returns the filter defaults.
func DefaultConfig() Config {
	return Config{
		Model:               "default",
		MaxTokens:           1024,
		BatchSize:           5,
		ConfidenceThreshold: 0.7,
		UnsurePolicy:        models.UnsurePolicyExclude,
	}
}

// Input is one filter invocation.
type Input struct {
	Snapshot *models.SituationSnapshot
	Rules    []models.ScoredRule
	// ActiveScenarioIDs and ActiveStepIDs define which scoped rules are
	// in play this turn.
	ActiveScenarioIDs []string
	ActiveStepIDs     []string
	Session           retrieval.SessionRuleState
}

// Filter classifies candidate rules against the situation.
type Filter struct {
	client llm.Client
	cfg    Config
	logger *slog.Logger
}

// New wires a filter. The client should already carry retry middleware;
// terminal LLM failure degrades the batch to UNSURE instead of failing
// the turn.
func New(client llm.Client, cfg Config, logger *slog.Logger) *Filter {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 5
	}
	if !cfg.UnsurePolicy.IsValid() {
		cfg.UnsurePolicy = models.UnsurePolicyExclude
	}
	return &Filter{client: client, cfg: cfg, logger: logger.With("component", "rule_filter")}
}

// ScopePreFilter re-applies the business pre-filter after selection and
// additionally drops scoped rules whose scope_id is not in the active
// scenario or step set. Retrieval already filtered by scope, but
// selection can be configured coarser than retrieval, so the check runs
// again here.
func ScopePreFilter(rules []models.ScoredRule, state retrieval.SessionRuleState, activeScenarioIDs, activeStepIDs []string) []models.ScoredRule {
	activeScenarios := make(map[string]bool, len(activeScenarioIDs))
	for _, id := range activeScenarioIDs {
		activeScenarios[id] = true
	}
	activeSteps := make(map[string]bool, len(activeStepIDs))
	for _, id := range activeStepIDs {
		activeSteps[id] = true
	}

	var out []models.ScoredRule
	for _, sr := range rules {
		if !retrieval.EligibleRule(sr.Rule, state) {
			continue
		}
		switch sr.Rule.Scope {
		case models.RuleScopeScenario:
			if sr.Rule.ScopeID == nil || !activeScenarios[*sr.Rule.ScopeID] {
				continue
			}
		case models.RuleScopeStep:
			if sr.Rule.ScopeID == nil || !activeSteps[*sr.Rule.ScopeID] {
				continue
			}
		}
		out = append(out, sr)
	}
	return out
}

// classification is one rule's verdict as returned by the classifier.
type classification struct {
	RuleID     string  `json:"rule_id"`
	Verdict    string  `json:"verdict"`
	Confidence float64 `json:"confidence"`
	Relevance  float64 `json:"relevance"`
	Reasoning  string  `json:"reasoning"`
}

type classifierResponse struct {
	Classifications []classification `json:"classifications"`
}

// Filter runs both stages and returns the filter verdict. Only context
// cancellation is an error; LLM trouble degrades per batch.
func (f *Filter) Filter(ctx context.Context, in Input) (*models.FilterResult, error) {
	candidates := ScopePreFilter(in.Rules, in.Session, in.ActiveScenarioIDs, in.ActiveStepIDs)
	result := &models.FilterResult{}
	if len(candidates) == 0 {
		return result, nil
	}

	for start := 0; start < len(candidates); start += f.cfg.BatchSize {
		end := min(start+f.cfg.BatchSize, len(candidates))
		batch := candidates[start:end]

		verdicts, err := f.classifyBatch(ctx, in.Snapshot, batch)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			// Whole batch degrades to UNSURE with zero confidence.
			f.logger.Warn("classifier batch degraded to UNSURE", "batch_size", len(batch), "error", err)
			verdicts = map[string]classification{}
		}
		for _, sr := range batch {
			c, ok := verdicts[sr.Rule.ID]
			if !ok {
				c = classification{RuleID: sr.Rule.ID, Verdict: string(models.VerdictUnsure)}
			}
			f.apply(result, sr.Rule, c)
		}
	}

	sort.Slice(result.Matched, func(i, j int) bool {
		if result.Matched[i].RelevanceScore == result.Matched[j].RelevanceScore {
			return result.Matched[i].Rule.ID < result.Matched[j].Rule.ID
		}
		return result.Matched[i].RelevanceScore > result.Matched[j].RelevanceScore
	})
	return result, nil
}

// apply folds one classification into the result per the decision rule.
func (f *Filter) apply(result *models.FilterResult, rule *models.Rule, c classification) {
	verdict := models.RuleVerdict(c.Verdict)
	if !verdict.IsValid() {
		f.logger.Warn("invalid verdict from classifier, treating as UNSURE", "rule_id", rule.ID, "verdict", c.Verdict)
		verdict = models.VerdictUnsure
		c.Confidence = 0
	}

	switch verdict {
	case models.VerdictApplies:
		if c.Confidence < f.cfg.ConfidenceThreshold {
			// Below threshold: dropped, neither matched nor rejected.
			return
		}
		result.Matched = append(result.Matched, models.MatchedRule{
			Rule:           rule,
			Verdict:        verdict,
			Confidence:     c.Confidence,
			RelevanceScore: c.Relevance,
			Reasoning:      c.Reasoning,
		})
	case models.VerdictNotRelated:
		result.RejectedRuleIDs = append(result.RejectedRuleIDs, rule.ID)
	case models.VerdictUnsure:
		switch f.cfg.UnsurePolicy {
		case models.UnsurePolicyInclude:
			result.Matched = append(result.Matched, models.MatchedRule{
				Rule:           rule,
				Verdict:        verdict,
				Confidence:     c.Confidence,
				RelevanceScore: c.Relevance,
				Reasoning:      "UNSURE (included by policy): " + c.Reasoning,
			})
		case models.UnsurePolicyLogOnly:
			f.logger.Info("rule dropped by UNSURE log_only policy", "rule_id", rule.ID, "confidence", c.Confidence, "reasoning", c.Reasoning)
			result.UnsureRuleIDs = append(result.UnsureRuleIDs, rule.ID)
		default:
			result.UnsureRuleIDs = append(result.UnsureRuleIDs, rule.ID)
		}
	}
}

// classifyBatch asks the LLM for verdicts on one batch, keyed by
// rule_id. Classifications for rule ids outside the batch are ignored.
func (f *Filter) classifyBatch(ctx context.Context, snap *models.SituationSnapshot, batch []models.ScoredRule) (map[string]classification, error) {
	rulesData := make([]prompt.Data, 0, len(batch))
	inBatch := make(map[string]bool, len(batch))
	for _, sr := range batch {
		rulesData = append(rulesData, prompt.Data{"rule_id": sr.Rule.ID, "condition": sr.Rule.ConditionText})
		inBatch[sr.Rule.ID] = true
	}
	topic := ""
	if snap.Topic != nil {
		topic = *snap.Topic
	}
	rendered, err := prompt.RuleFilter.Render(prompt.Data{
		"message":   snap.Message,
		"topic":     topic,
		"sentiment": string(snap.Sentiment),
		"urgency":   string(snap.Urgency),
		"rules":     rulesData,
	})
	if err != nil {
		return nil, fmt.Errorf("rendering filter prompt: %w", err)
	}

	resp, err := f.client.Complete(ctx, llm.Request{
		Model:       f.cfg.Model,
		Temperature: 0,
		MaxTokens:   f.cfg.MaxTokens,
		Messages:    []llm.Message{{Role: llm.RoleUser, Content: rendered}},
	})
	if err != nil {
		return nil, fmt.Errorf("classifier LLM call: %w", err)
	}
	var parsed classifierResponse
	if err := llm.DecodeInto(resp.Content, &parsed); err != nil {
		return nil, fmt.Errorf("parsing classifier response: %w", err)
	}

	out := make(map[string]classification, len(parsed.Classifications))
	for _, c := range parsed.Classifications {
		if !inBatch[c.RuleID] {
			f.logger.Warn("classifier returned unknown rule id, ignoring", "rule_id", c.RuleID)
			continue
		}
		out[c.RuleID] = c
	}
	return out, nil
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
