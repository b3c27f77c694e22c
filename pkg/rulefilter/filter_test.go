package rulefilter

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/tiller/pkg/llm"
	"github.com/codeready-toolchain/tiller/pkg/models"
	"github.com/codeready-toolchain/tiller/pkg/retrieval"
)

func scoredRule(id string, condition string) models.ScoredRule {
	return models.ScoredRule{
		Rule:  &models.Rule{ID: id, Enabled: true, Scope: models.RuleScopeGlobal, ConditionText: condition},
		Score: 0.8,
	}
}

func snapshot(message string) *models.SituationSnapshot {
	return &models.SituationSnapshot{
		Message:   message,
		Sentiment: models.SentimentNeutral,
		Urgency:   models.UrgencyNormal,
	}
}

func TestScopePreFilter(t *testing.T) {
	scenarioID := "sc-1"
	stepID := "st-1"
	otherScenario := "sc-other"

	scenarioRule := models.ScoredRule{Rule: &models.Rule{ID: "r-sc", Enabled: true,
		Scope: models.RuleScopeScenario, ScopeID: &scenarioID}}
	inactiveScenarioRule := models.ScoredRule{Rule: &models.Rule{ID: "r-inactive", Enabled: true,
		Scope: models.RuleScopeScenario, ScopeID: &otherScenario}}
	stepRule := models.ScoredRule{Rule: &models.Rule{ID: "r-st", Enabled: true,
		Scope: models.RuleScopeStep, ScopeID: &stepID}}
	globalRule := scoredRule("r-global", "always")
	exhausted := models.ScoredRule{Rule: &models.Rule{ID: "r-spent", Enabled: true,
		Scope: models.RuleScopeGlobal, MaxFiresPerSession: 1}}

	state := retrieval.SessionRuleState{RuleFires: map[string]int{"r-spent": 1}}
	out := ScopePreFilter(
		[]models.ScoredRule{scenarioRule, inactiveScenarioRule, stepRule, globalRule, exhausted},
		state, []string{scenarioID}, []string{stepID},
	)

	var ids []string
	for _, sr := range out {
		ids = append(ids, sr.Rule.ID)
	}
	assert.Equal(t, []string{"r-sc", "r-st", "r-global"}, ids)
}

// "check my balance": APPLIES above threshold matches, NOT_RELATED
// rejects, with unsure_policy exclude.
func TestFilter_TernaryVerdicts(t *testing.T) {
	client := llm.NewScriptedClient(`{
		"classifications": [
			{"rule_id": "R_balance", "verdict": "APPLIES", "confidence": 0.9, "relevance": 0.85, "reasoning": "asks for balance"},
			{"rule_id": "R_transfer", "verdict": "NOT_RELATED", "confidence": 0.95, "relevance": 0.1, "reasoning": "no transfer requested"}
		]
	}`)
	f := New(client, DefaultConfig(), nil)

	result, err := f.Filter(context.Background(), Input{
		Snapshot: snapshot("check my balance"),
		Rules: []models.ScoredRule{
			scoredRule("R_balance", "customer asks about their account balance"),
			scoredRule("R_transfer", "customer wants to transfer money"),
		},
	})
	require.NoError(t, err)
	require.Len(t, result.Matched, 1)
	assert.Equal(t, "R_balance", result.Matched[0].Rule.ID)
	assert.Equal(t, models.VerdictApplies, result.Matched[0].Verdict)
	assert.Equal(t, 0.85, result.Matched[0].RelevanceScore)
	assert.Equal(t, []string{"R_transfer"}, result.RejectedRuleIDs)
	assert.Empty(t, result.UnsureRuleIDs)
}

func TestFilter_AppliesBelowThresholdIsDropped(t *testing.T) {
	client := llm.NewScriptedClient(`{
		"classifications": [
			{"rule_id": "r1", "verdict": "APPLIES", "confidence": 0.5, "relevance": 0.9, "reasoning": "maybe"}
		]
	}`)
	f := New(client, DefaultConfig(), nil)

	result, err := f.Filter(context.Background(), Input{
		Snapshot: snapshot("hello"),
		Rules:    []models.ScoredRule{scoredRule("r1", "greeting")},
	})
	require.NoError(t, err)
	assert.Empty(t, result.Matched)
	assert.Empty(t, result.RejectedRuleIDs)
	assert.Empty(t, result.UnsureRuleIDs)
}

func TestFilter_UnsurePolicies(t *testing.T) {
	response := `{
		"classifications": [
			{"rule_id": "r1", "verdict": "UNSURE", "confidence": 0.4, "relevance": 0.6, "reasoning": "ambiguous"}
		]
	}`
	in := Input{
		Snapshot: snapshot("hmm"),
		Rules:    []models.ScoredRule{scoredRule("r1", "unclear condition")},
	}

	t.Run("exclude drops", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.UnsurePolicy = models.UnsurePolicyExclude
		result, err := New(llm.NewScriptedClient(response), cfg, nil).Filter(context.Background(), in)
		require.NoError(t, err)
		assert.Empty(t, result.Matched)
		assert.Equal(t, []string{"r1"}, result.UnsureRuleIDs)
	})

	t.Run("include promotes with prefixed reasoning", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.UnsurePolicy = models.UnsurePolicyInclude
		result, err := New(llm.NewScriptedClient(response), cfg, nil).Filter(context.Background(), in)
		require.NoError(t, err)
		require.Len(t, result.Matched, 1)
		assert.Equal(t, models.VerdictUnsure, result.Matched[0].Verdict)
		assert.True(t, strings.HasPrefix(result.Matched[0].Reasoning, "UNSURE (included by policy): "))
		assert.Empty(t, result.UnsureRuleIDs)
	})

	t.Run("log_only drops", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.UnsurePolicy = models.UnsurePolicyLogOnly
		result, err := New(llm.NewScriptedClient(response), cfg, nil).Filter(context.Background(), in)
		require.NoError(t, err)
		assert.Empty(t, result.Matched)
		assert.Equal(t, []string{"r1"}, result.UnsureRuleIDs)
	})
}

func TestFilter_MissingRuleDefaultsToUnsure(t *testing.T) {
	// Response only covers r1; r2 is absent.
	client := llm.NewScriptedClient(`{
		"classifications": [
			{"rule_id": "r1", "verdict": "APPLIES", "confidence": 0.9, "relevance": 0.8, "reasoning": "yes"}
		]
	}`)
	f := New(client, DefaultConfig(), nil)

	result, err := f.Filter(context.Background(), Input{
		Snapshot: snapshot("hello"),
		Rules:    []models.ScoredRule{scoredRule("r1", "a"), scoredRule("r2", "b")},
	})
	require.NoError(t, err)
	require.Len(t, result.Matched, 1)
	assert.Equal(t, "r1", result.Matched[0].Rule.ID)
	assert.Equal(t, []string{"r2"}, result.UnsureRuleIDs)
}

func TestFilter_ParseErrorDegradesBatchToUnsure(t *testing.T) {
	client := llm.NewScriptedClient("not json at all")
	f := New(client, DefaultConfig(), nil)

	result, err := f.Filter(context.Background(), Input{
		Snapshot: snapshot("hello"),
		Rules:    []models.ScoredRule{scoredRule("r1", "a"), scoredRule("r2", "b")},
	})
	require.NoError(t, err)
	assert.Empty(t, result.Matched)
	assert.ElementsMatch(t, []string{"r1", "r2"}, result.UnsureRuleIDs)
}

func TestFilter_LLMFailureDegradesBatchToUnsure(t *testing.T) {
	client := llm.NewScriptedClient()
	client.Handler = func(llm.Request) (*llm.Response, error) {
		return nil, errors.New("provider down")
	}
	f := New(client, DefaultConfig(), nil)

	result, err := f.Filter(context.Background(), Input{
		Snapshot: snapshot("hello"),
		Rules:    []models.ScoredRule{scoredRule("r1", "a")},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"r1"}, result.UnsureRuleIDs)
}

func TestFilter_CancellationPropagates(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	f := New(llm.NewScriptedClient(), DefaultConfig(), nil)

	_, err := f.Filter(ctx, Input{
		Snapshot: snapshot("hello"),
		Rules:    []models.ScoredRule{scoredRule("r1", "a")},
	})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestFilter_BatchesRespectBatchSize(t *testing.T) {
	empty := `{"classifications": []}`
	client := llm.NewScriptedClient(empty, empty, empty)
	cfg := DefaultConfig()
	cfg.BatchSize = 2
	cfg.UnsurePolicy = models.UnsurePolicyExclude
	f := New(client, cfg, nil)

	var rules []models.ScoredRule
	for i := 0; i < 5; i++ {
		rules = append(rules, scoredRule(fmt.Sprintf("r%d", i), "condition"))
	}
	result, err := f.Filter(context.Background(), Input{Snapshot: snapshot("hello"), Rules: rules})
	require.NoError(t, err)
	assert.Equal(t, 3, client.CallCount())
	assert.Len(t, result.UnsureRuleIDs, 5)
}

func TestFilter_MatchedSortedByRelevance(t *testing.T) {
	client := llm.NewScriptedClient(`{
		"classifications": [
			{"rule_id": "r1", "verdict": "APPLIES", "confidence": 0.9, "relevance": 0.4, "reasoning": "a"},
			{"rule_id": "r2", "verdict": "APPLIES", "confidence": 0.9, "relevance": 0.95, "reasoning": "b"}
		]
	}`)
	f := New(client, DefaultConfig(), nil)

	result, err := f.Filter(context.Background(), Input{
		Snapshot: snapshot("hello"),
		Rules:    []models.ScoredRule{scoredRule("r1", "a"), scoredRule("r2", "b")},
	})
	require.NoError(t, err)
	require.Len(t, result.Matched, 2)
	assert.Equal(t, "r2", result.Matched[0].Rule.ID)
	assert.Equal(t, "r1", result.Matched[1].Rule.ID)
}
