package scenario

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/tiller/pkg/llm"
	"github.com/codeready-toolchain/tiller/pkg/models"
	"github.com/codeready-toolchain/tiller/pkg/store"
	"github.com/codeready-toolchain/tiller/pkg/vector"
)

const testTenant = "tenant-1"

func embed(t *testing.T, text string) []float32 {
	t.Helper()
	vecs, err := vector.NewHashEmbedder(64).Embed(context.Background(), []string{text})
	require.NoError(t, err)
	return vecs[0]
}

// refundScenario: ask_order -> check_eligibility -> done.
func refundScenario(t *testing.T) *models.Scenario {
	return &models.Scenario{
		ID:          "sc-refund",
		TenantID:    testTenant,
		AgentID:     "agent-1",
		Name:        "Refund",
		Version:     1,
		Priority:    5,
		Enabled:     true,
		EntryStepID: "ask_order",
		Steps: []models.ScenarioStep{
			{
				ID: "ask_order", ScenarioID: "sc-refund", Name: "Ask order number", IsEntry: true,
				Transitions: []models.StepTransition{{
					ToStepID:           "check_eligibility",
					ConditionText:      "customer provided the order number",
					ConditionEmbedding: embed(t, "customer provided the order number"),
					Priority:           10,
				}},
			},
			{
				ID: "check_eligibility", ScenarioID: "sc-refund", Name: "Check eligibility",
				Transitions: []models.StepTransition{{
					ToStepID:           "done",
					ConditionText:      "refund is approved",
					ConditionEmbedding: embed(t, "refund is approved"),
					Priority:           10,
				}},
			},
			{ID: "done", ScenarioID: "sc-refund", Name: "Done", IsTerminal: true},
		},
	}
}

func fixture(t *testing.T, scenarios ...*models.Scenario) (*Orchestrator, *store.MemoryConfigStore) {
	t.Helper()
	cfg := store.NewMemoryConfigStore()
	for _, sc := range scenarios {
		require.NoError(t, cfg.CreateScenario(context.Background(), sc))
	}
	return New(cfg, llm.NewScriptedClient(), DefaultConfig(), nil), cfg
}

func sessionWith(instances ...*models.ScenarioInstance) *models.Session {
	return &models.Session{
		ID: "sess-1", TenantID: testTenant, AgentID: "agent-1",
		Channel: "web", UserChannelID: "u1", Status: models.SessionStatusActive,
		ActiveScenarios: instances,
	}
}

func instanceAt(scenarioID string, version int, stepID string) *models.ScenarioInstance {
	return &models.ScenarioInstance{
		ScenarioID:      scenarioID,
		ScenarioVersion: version,
		CurrentStepID:   stepID,
		StartedAt:       time.Now().Add(-time.Minute),
		Status:          models.InstanceStatusActive,
	}
}

func snapshotWith(t *testing.T, message string, signal models.ScenarioSignal) *models.SituationSnapshot {
	return &models.SituationSnapshot{
		Message:        message,
		Sentiment:      models.SentimentNeutral,
		Urgency:        models.UrgencyNormal,
		ScenarioSignal: signal,
		Embedding:      embed(t, message),
	}
}

func TestOrchestrate_CancelSignal(t *testing.T) {
	sc := refundScenario(t)
	o, _ := fixture(t, sc)
	si := instanceAt(sc.ID, 1, "ask_order")
	session := sessionWith(si)

	result, err := o.Orchestrate(context.Background(), Input{
		Session:  session,
		Snapshot: snapshotWith(t, "forget it, cancel that", models.ScenarioSignalCancel),
		Now:      time.Now(),
	})
	require.NoError(t, err)
	require.Len(t, result.Lifecycle, 1)
	assert.Equal(t, models.LifecycleCancel, result.Lifecycle[0].Action)
	assert.Equal(t, models.InstanceStatusCancelled, si.Status)
	assert.Empty(t, result.Contributions.Contributions)
}

func TestOrchestrate_PauseSignal(t *testing.T) {
	sc := refundScenario(t)
	o, _ := fixture(t, sc)
	si := instanceAt(sc.ID, 1, "ask_order")

	result, err := o.Orchestrate(context.Background(), Input{
		Session:  sessionWith(si),
		Snapshot: snapshotWith(t, "hold on a moment", models.ScenarioSignalPause),
		Now:      time.Now(),
	})
	require.NoError(t, err)
	assert.Equal(t, models.LifecyclePause, result.Lifecycle[0].Action)
	assert.Equal(t, models.InstanceStatusPaused, si.Status)
	assert.NotNil(t, si.PausedAt)
}

func TestOrchestrate_TerminalStepCompletes(t *testing.T) {
	sc := refundScenario(t)
	o, _ := fixture(t, sc)
	si := instanceAt(sc.ID, 1, "done")

	result, err := o.Orchestrate(context.Background(), Input{
		Session:  sessionWith(si),
		Snapshot: snapshotWith(t, "thanks", models.ScenarioSignalContinue),
		Now:      time.Now(),
	})
	require.NoError(t, err)
	assert.Equal(t, models.LifecycleComplete, result.Lifecycle[0].Action)
	assert.Equal(t, models.InstanceStatusCompleted, si.Status)
}

func TestOrchestrate_LoopDetectionPauses(t *testing.T) {
	sc := refundScenario(t)
	o, _ := fixture(t, sc)
	si := instanceAt(sc.ID, 1, "ask_order")
	si.LoopCount = 5

	result, err := o.Orchestrate(context.Background(), Input{
		Session:  sessionWith(si),
		Snapshot: snapshotWith(t, "what's the weather", models.ScenarioSignalContinue),
		Now:      time.Now(),
	})
	require.NoError(t, err)
	assert.Equal(t, models.LifecyclePause, result.Lifecycle[0].Action)
	assert.Equal(t, "loop detected", result.Lifecycle[0].Reason)
}

func TestOrchestrate_RetiredScenarioCancels(t *testing.T) {
	sc := refundScenario(t)
	sc.Enabled = false
	o, _ := fixture(t, sc)
	si := instanceAt(sc.ID, 1, "ask_order")

	result, err := o.Orchestrate(context.Background(), Input{
		Session:  sessionWith(si),
		Snapshot: snapshotWith(t, "hello", models.ScenarioSignalContinue),
		Now:      time.Now(),
	})
	require.NoError(t, err)
	assert.Equal(t, models.LifecycleCancel, result.Lifecycle[0].Action)
	assert.Equal(t, "scenario retired", result.Lifecycle[0].Reason)
}

func TestOrchestrate_StartsCandidateAboveThreshold(t *testing.T) {
	sc := refundScenario(t)
	o, _ := fixture(t, sc)
	session := sessionWith()

	result, err := o.Orchestrate(context.Background(), Input{
		Session:    session,
		Snapshot:   snapshotWith(t, "I want a refund", models.ScenarioSignalContinue),
		Candidates: []models.ScoredScenario{{Scenario: sc, Score: 0.8}},
		TurnNumber: 1,
		Now:        time.Now(),
	})
	require.NoError(t, err)
	require.Len(t, result.Lifecycle, 1)
	assert.Equal(t, models.LifecycleStart, result.Lifecycle[0].Action)
	require.Len(t, session.ActiveScenarios, 1)
	assert.Equal(t, "ask_order", session.ActiveScenarios[0].CurrentStepID)
	require.Len(t, session.StepHistory, 1)
	assert.Equal(t, "scenario_start", session.StepHistory[0].TransitionReason)
	assert.NotEmpty(t, session.StepHistory[0].StepContentHash)
	// The new instance contributes immediately.
	require.Len(t, result.Contributions.Contributions, 1)
	assert.Equal(t, models.ContributionPrompt, result.Contributions.Contributions[0].ContributionType)
}

func TestOrchestrate_StartSkippedBelowThresholdAndWhenActive(t *testing.T) {
	sc := refundScenario(t)
	o, _ := fixture(t, sc)

	// Below threshold.
	session := sessionWith()
	result, err := o.Orchestrate(context.Background(), Input{
		Session:    session,
		Snapshot:   snapshotWith(t, "hmm", models.ScenarioSignalContinue),
		Candidates: []models.ScoredScenario{{Scenario: sc, Score: 0.4}},
		Now:        time.Now(),
	})
	require.NoError(t, err)
	assert.Empty(t, result.Lifecycle)
	assert.Empty(t, session.ActiveScenarios)

	// Already active: no duplicate instance.
	si := instanceAt(sc.ID, 1, "ask_order")
	session = sessionWith(si)
	_, err = o.Orchestrate(context.Background(), Input{
		Session:    session,
		Snapshot:   snapshotWith(t, "refund please", models.ScenarioSignalContinue),
		Candidates: []models.ScoredScenario{{Scenario: sc, Score: 0.9}},
		Now:        time.Now(),
	})
	require.NoError(t, err)
	assert.Len(t, session.ActiveScenarios, 1)
}

func TestOrchestrate_ConcurrencyCapBlocksStart(t *testing.T) {
	sc := refundScenario(t)
	other := &models.Scenario{
		ID: "sc-other", TenantID: testTenant, AgentID: "agent-1", Name: "Other",
		Version: 1, Enabled: true, EntryStepID: "s1",
		Steps: []models.ScenarioStep{{ID: "s1", ScenarioID: "sc-other", Name: "Step one", IsEntry: true}},
	}
	cfgStore := store.NewMemoryConfigStore()
	require.NoError(t, cfgStore.CreateScenario(context.Background(), sc))
	require.NoError(t, cfgStore.CreateScenario(context.Background(), other))
	cfg := DefaultConfig()
	cfg.MaxConcurrentScenarios = 1
	o := New(cfgStore, llm.NewScriptedClient(), cfg, nil)

	session := sessionWith(instanceAt("sc-other", 1, "s1"))
	_, err := o.Orchestrate(context.Background(), Input{
		Session:    session,
		Snapshot:   snapshotWith(t, "refund please", models.ScenarioSignalContinue),
		Candidates: []models.ScoredScenario{{Scenario: sc, Score: 0.9}},
		Now:        time.Now(),
	})
	require.NoError(t, err)
	assert.Len(t, session.ActiveScenarios, 1)
}

func TestOrchestrate_CosineTransitionAdvances(t *testing.T) {
	sc := refundScenario(t)
	o, _ := fixture(t, sc)
	si := instanceAt(sc.ID, 1, "ask_order")
	session := sessionWith(si)

	result, err := o.Orchestrate(context.Background(), Input{
		Session:    session,
		Snapshot:   snapshotWith(t, "customer provided the order number", models.ScenarioSignalContinue),
		TurnNumber: 2,
		Now:        time.Now(),
	})
	require.NoError(t, err)
	require.Len(t, result.Transitions, 1)
	assert.Equal(t, "ask_order", result.Transitions[0].FromStepID)
	assert.Equal(t, "check_eligibility", result.Transitions[0].ToStepID)
	assert.GreaterOrEqual(t, result.Transitions[0].Confidence, 0.55)
	assert.Equal(t, "check_eligibility", si.CurrentStepID)
	assert.Zero(t, si.LoopCount)
	require.Len(t, session.StepHistory, 1)
	assert.Equal(t, 2, session.StepHistory[0].TurnNumber)
}

func TestOrchestrate_NoFireIncrementsLoopCount(t *testing.T) {
	sc := refundScenario(t)
	o, _ := fixture(t, sc)
	si := instanceAt(sc.ID, 1, "ask_order")

	result, err := o.Orchestrate(context.Background(), Input{
		Session:  sessionWith(si),
		Snapshot: snapshotWith(t, "completely unrelated chatter about weather", models.ScenarioSignalContinue),
		Now:      time.Now(),
	})
	require.NoError(t, err)
	assert.Empty(t, result.Transitions)
	assert.Equal(t, 1, si.LoopCount)
	assert.Equal(t, "ask_order", si.CurrentStepID)
}

func TestOrchestrate_SkippableStepFallsThrough(t *testing.T) {
	sc := refundScenario(t)
	sc.Steps[0].CanSkip = true
	o, _ := fixture(t, sc)
	si := instanceAt(sc.ID, 1, "ask_order")

	result, err := o.Orchestrate(context.Background(), Input{
		Session:  sessionWith(si),
		Snapshot: snapshotWith(t, "completely unrelated chatter about weather", models.ScenarioSignalContinue),
		Now:      time.Now(),
	})
	require.NoError(t, err)
	require.Len(t, result.Transitions, 1)
	assert.Equal(t, "check_eligibility", result.Transitions[0].ToStepID)
	assert.Equal(t, "skipped optional step", result.Transitions[0].Reason)
	assert.Zero(t, si.LoopCount)
}

func TestOrchestrate_LLMTransitionOnConditionFields(t *testing.T) {
	sc := refundScenario(t)
	sc.Steps[0].Transitions[0].ConditionFields = []string{"order_number"}
	cfgStore := store.NewMemoryConfigStore()
	require.NoError(t, cfgStore.CreateScenario(context.Background(), sc))
	client := llm.NewScriptedClient(`{"fires": true, "confidence": 0.9, "reasoning": "order number on file"}`)
	o := New(cfgStore, client, DefaultConfig(), nil)
	si := instanceAt(sc.ID, 1, "ask_order")

	result, err := o.Orchestrate(context.Background(), Input{
		Session:  sessionWith(si),
		Snapshot: snapshotWith(t, "it's order 12345", models.ScenarioSignalContinue),
		Now:      time.Now(),
	})
	require.NoError(t, err)
	require.Len(t, result.Transitions, 1)
	assert.Equal(t, 0.9, result.Transitions[0].Confidence)
	assert.Equal(t, 1, client.CallCount())
}

func TestOrchestrate_LLMTransitionFailureDoesNotFire(t *testing.T) {
	sc := refundScenario(t)
	sc.Steps[0].Transitions[0].ConditionFields = []string{"order_number"}
	cfgStore := store.NewMemoryConfigStore()
	require.NoError(t, cfgStore.CreateScenario(context.Background(), sc))
	client := llm.NewScriptedClient("garbage that is not json")
	o := New(cfgStore, client, DefaultConfig(), nil)
	si := instanceAt(sc.ID, 1, "ask_order")

	result, err := o.Orchestrate(context.Background(), Input{
		Session:  sessionWith(si),
		Snapshot: snapshotWith(t, "it's order 12345", models.ScenarioSignalContinue),
		Now:      time.Now(),
	})
	require.NoError(t, err)
	assert.Empty(t, result.Transitions)
	assert.Equal(t, 1, si.LoopCount)
}

func TestOrchestrate_RelocalizationCountsOnReachableFromAnywhere(t *testing.T) {
	sc := refundScenario(t)
	sc.Steps[1].ReachableFromAnywhere = true
	o, _ := fixture(t, sc)
	si := instanceAt(sc.ID, 1, "ask_order")
	session := sessionWith(si)

	result, err := o.Orchestrate(context.Background(), Input{
		Session:  session,
		Snapshot: snapshotWith(t, "customer provided the order number", models.ScenarioSignalContinue),
		Now:      time.Now(),
	})
	require.NoError(t, err)
	require.Len(t, result.Transitions, 1)
	assert.True(t, result.Transitions[0].Relocalized)
	assert.Equal(t, 1, session.RelocalizationCount)
}

func TestResolveActConflicts(t *testing.T) {
	early := time.Now().Add(-time.Hour)
	late := time.Now()
	tool := []models.ToolBinding{{ToolID: "issue_refund", Phase: models.ToolPhaseAfterStep}}

	t.Run("higher priority wins", func(t *testing.T) {
		plan := resolveActConflicts([]models.ScenarioContribution{
			{ScenarioID: "low", ScenarioPriority: 1, StartedAt: early, ContributionType: models.ContributionAct, SuggestedTools: tool},
			{ScenarioID: "high", ScenarioPriority: 9, StartedAt: late, ContributionType: models.ContributionAct, SuggestedTools: tool},
		})
		require.Len(t, plan.Contributions, 1)
		assert.Equal(t, "high", plan.Contributions[0].ScenarioID)
		assert.Equal(t, []string{"low"}, plan.DroppedActs)
	})

	t.Run("priority tie breaks by earlier start", func(t *testing.T) {
		plan := resolveActConflicts([]models.ScenarioContribution{
			{ScenarioID: "late", ScenarioPriority: 5, StartedAt: late, ContributionType: models.ContributionAct, SuggestedTools: tool},
			{ScenarioID: "early", ScenarioPriority: 5, StartedAt: early, ContributionType: models.ContributionAct, SuggestedTools: tool},
		})
		require.Len(t, plan.Contributions, 1)
		assert.Equal(t, "early", plan.Contributions[0].ScenarioID)
		assert.Equal(t, []string{"late"}, plan.DroppedActs)
	})

	t.Run("different tools do not conflict", func(t *testing.T) {
		plan := resolveActConflicts([]models.ScenarioContribution{
			{ScenarioID: "a", ContributionType: models.ContributionAct, SuggestedTools: []models.ToolBinding{{ToolID: "t1"}}},
			{ScenarioID: "b", ContributionType: models.ContributionAct, SuggestedTools: []models.ToolBinding{{ToolID: "t2"}}},
		})
		assert.Len(t, plan.Contributions, 2)
		assert.Empty(t, plan.DroppedActs)
	})
}
