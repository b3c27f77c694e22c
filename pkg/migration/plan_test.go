package migration

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/tiller/pkg/models"
	"github.com/codeready-toolchain/tiller/pkg/store"
)

const (
	planTenant = "tenant-1"
	planAgent  = "agent-1"
)

// cleanGraftVersions: v1 is A->B; v2 is A->C where C replaces B under
// the same step name but different content, so A's identity is stable.
func cleanGraftVersions() (*models.Scenario, *models.Scenario) {
	v1 := &models.Scenario{
		ID: "sc-1", TenantID: planTenant, AgentID: planAgent, Name: "Flow",
		Version: 1, Enabled: true, EntryStepID: "a1",
		Steps: []models.ScenarioStep{
			{ID: "a1", Name: "A", IsEntry: true,
				Transitions: []models.StepTransition{{ToStepID: "b1", ConditionText: "next"}}},
			{ID: "b1", Name: "Finish", IsTerminal: true},
		},
	}
	v2 := &models.Scenario{
		ID: "sc-1", TenantID: planTenant, AgentID: planAgent, Name: "Flow",
		Version: 2, Enabled: true, EntryStepID: "a2",
		Steps: []models.ScenarioStep{
			{ID: "a2", Name: "A", IsEntry: true,
				Transitions: []models.StepTransition{{ToStepID: "c2", ConditionText: "next"}}},
			{ID: "c2", Name: "Finish", IsTerminal: true, IsCheckpoint: true},
		},
	}
	return v1, v2
}

// gapFillVersions: v1 is just A; v2 prepends CollectPhone -> A.
func gapFillVersions() (*models.Scenario, *models.Scenario) {
	v1 := &models.Scenario{
		ID: "sc-2", TenantID: planTenant, AgentID: planAgent, Name: "Contact",
		Version: 1, Enabled: true, EntryStepID: "a1",
		Steps: []models.ScenarioStep{
			{ID: "a1", Name: "A", IsEntry: true, IsTerminal: true},
		},
	}
	v2 := &models.Scenario{
		ID: "sc-2", TenantID: planTenant, AgentID: planAgent, Name: "Contact",
		Version: 2, Enabled: true, EntryStepID: "p2",
		Steps: []models.ScenarioStep{
			{ID: "p2", Name: "CollectPhone", IsEntry: true,
				CollectsProfileFields: []string{"phone_number"},
				Transitions:           []models.StepTransition{{ToStepID: "a2", ConditionText: "phone collected"}}},
			{ID: "a2", Name: "A", IsTerminal: true},
		},
	}
	return v1, v2
}

func TestComputeTransformationMap_CleanGraft(t *testing.T) {
	v1, v2 := cleanGraftVersions()
	tm := ComputeTransformationMap(v1, v2)

	require.Len(t, tm.Anchors, 1)
	anchor := tm.Anchors[0]
	assert.Equal(t, "A", anchor.AnchorName)
	assert.Equal(t, models.MigrationCleanGraft, anchor.Scenario)
	assert.Equal(t, "a1", anchor.SourceStepIDV1)
	assert.Equal(t, "a2", anchor.TargetStepIDV2)
	assert.Equal(t, NodeContentHash(v1, &v1.Steps[0]), anchor.AnchorHash)

	assert.Equal(t, []string{"b1"}, tm.DeletedNodes)
	assert.Equal(t, []string{"c2"}, tm.NewNodeIDs)
}

func TestComputeTransformationMap_GapFill(t *testing.T) {
	v1, v2 := gapFillVersions()
	tm := ComputeTransformationMap(v1, v2)

	require.Len(t, tm.Anchors, 1)
	anchor := tm.Anchors[0]
	assert.Equal(t, "A", anchor.AnchorName)
	assert.Equal(t, models.MigrationGapFill, anchor.Scenario)
	assert.Equal(t, []string{"phone_number"}, anchor.CollectFields)
	assert.Equal(t, []string{"CollectPhone"}, anchor.UpstreamChanges)
	assert.Equal(t, []string{"p2"}, tm.NewNodeIDs)
	assert.Empty(t, tm.DeletedNodes)
}

func TestComputeTransformationMap_ReRouteOnNewFork(t *testing.T) {
	v1 := &models.Scenario{
		ID: "sc-3", Version: 1, EntryStepID: "a1",
		Steps: []models.ScenarioStep{
			{ID: "a1", Name: "A", IsEntry: true,
				Transitions: []models.StepTransition{{ToStepID: "end1", ConditionText: "done"}}},
			{ID: "end1", Name: "End", IsTerminal: true},
		},
	}
	v2 := &models.Scenario{
		ID: "sc-3", Version: 2, EntryStepID: "fork2",
		Steps: []models.ScenarioStep{
			{ID: "fork2", Name: "PickLane", IsEntry: true, Transitions: []models.StepTransition{
				{ToStepID: "end2", ConditionText: "existing customer"},
				{ToStepID: "new2", ConditionText: "new customer"},
			}},
			{ID: "end2", Name: "End", IsTerminal: true},
			{ID: "new2", Name: "Onboard", IsTerminal: true},
		},
	}
	tm := ComputeTransformationMap(v1, v2)

	require.Len(t, tm.Anchors, 1)
	anchor := tm.Anchors[0]
	assert.Equal(t, "End", anchor.AnchorName)
	assert.Equal(t, models.MigrationReRoute, anchor.Scenario)
	assert.ElementsMatch(t, []string{"existing customer", "new customer"}, anchor.ForkConditions)
}

func TestComputeTransformationMap_IdenticalVersionsAllAnchors(t *testing.T) {
	v1, _ := cleanGraftVersions()
	v2 := *v1
	v2.Version = 2
	tm := ComputeTransformationMap(v1, &v2)
	assert.Len(t, tm.Anchors, 2)
	assert.Empty(t, tm.DeletedNodes)
	assert.Empty(t, tm.NewNodeIDs)
	for _, a := range tm.Anchors {
		assert.Equal(t, models.MigrationCleanGraft, a.Scenario)
	}
}

func planFixture(t *testing.T) (*Engine, *store.MemoryConfigStore, *store.MemorySessionStore) {
	t.Helper()
	cfg := store.NewMemoryConfigStore()
	sessions := store.NewMemorySessionStore()
	return NewEngine(cfg, sessions, nil), cfg, sessions
}

// sessionAtStep parks a session on the step with its content hash in
// the step history, the shape FindByStepHash matches on.
func sessionAtStep(t *testing.T, sessions *store.MemorySessionStore, id string, sc *models.Scenario, step *models.ScenarioStep) *models.Session {
	t.Helper()
	sess := &models.Session{
		ID: id, TenantID: planTenant, AgentID: planAgent,
		Channel: "web", UserChannelID: "u-" + id, Status: models.SessionStatusActive,
		ActiveScenarios: []*models.ScenarioInstance{{
			ScenarioID:      sc.ID,
			ScenarioVersion: sc.Version,
			CurrentStepID:   step.ID,
			StartedAt:       time.Now().Add(-time.Hour),
			Status:          models.InstanceStatusActive,
		}},
		StepHistory: []models.StepVisit{{
			StepID:          step.ID,
			StepName:        step.Name,
			ScenarioID:      sc.ID,
			EnteredAt:       time.Now().Add(-time.Hour),
			TurnNumber:      1,
			StepContentHash: NodeContentHash(sc, step),
		}},
	}
	require.NoError(t, sessions.Save(context.Background(), sess))
	return sess
}

func TestPlanLifecycle(t *testing.T) {
	engine, _, _ := planFixture(t)
	v1, v2 := cleanGraftVersions()
	ctx := context.Background()

	plan, err := engine.GeneratePlan(ctx, v1, v2, nil)
	require.NoError(t, err)
	assert.Equal(t, models.PlanStatusPending, plan.Status)
	assert.NotEqual(t, plan.ScenarioChecksumV1, plan.ScenarioChecksumV2)

	plan, err = engine.Approve(ctx, planTenant, plan.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PlanStatusApproved, plan.Status)
	assert.NotNil(t, plan.ApprovedAt)

	// Approving twice is invalid.
	_, err = engine.Approve(ctx, planTenant, plan.ID)
	assert.ErrorIs(t, err, ErrInvalidPlanTransition)
}

func TestPlanReject_IsTerminalAndTouchesNoSessions(t *testing.T) {
	engine, _, sessions := planFixture(t)
	v1, v2 := cleanGraftVersions()
	ctx := context.Background()
	sess := sessionAtStep(t, sessions, "sess-1", v1, &v1.Steps[0])

	plan, err := engine.GeneratePlan(ctx, v1, v2, nil)
	require.NoError(t, err)
	plan, err = engine.Reject(ctx, planTenant, plan.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PlanStatusRejected, plan.Status)

	_, err = engine.Approve(ctx, planTenant, plan.ID)
	assert.ErrorIs(t, err, ErrInvalidPlanTransition)

	got, err := sessions.Get(ctx, planTenant, sess.ID)
	require.NoError(t, err)
	assert.Nil(t, got.PendingMigration)
}

func TestSummarize_CountsSessionsPerAnchor(t *testing.T) {
	engine, _, sessions := planFixture(t)
	v1, v2 := cleanGraftVersions()
	ctx := context.Background()
	sessionAtStep(t, sessions, "sess-1", v1, &v1.Steps[0])
	sessionAtStep(t, sessions, "sess-2", v1, &v1.Steps[0])
	sessionAtStep(t, sessions, "sess-3", v1, &v1.Steps[1])

	plan, err := engine.GeneratePlan(ctx, v1, v2, nil)
	require.NoError(t, err)
	summary, err := engine.Summarize(ctx, plan)
	require.NoError(t, err)

	assert.Equal(t, 1, summary.AnchorCount)
	assert.Equal(t, 1, summary.DeletedNodeCount)
	assert.Equal(t, 1, summary.NewNodeCount)
	anchorHash := plan.Transformation.Anchors[0].AnchorHash
	assert.Equal(t, 2, summary.SessionsPerAnchor[anchorHash])
	assert.Equal(t, 2, summary.TotalSessions)
}

func TestDeploy_MarksSessionsAndWritesScenario(t *testing.T) {
	engine, cfg, sessions := planFixture(t)
	v1, v2 := cleanGraftVersions()
	ctx := context.Background()
	require.NoError(t, cfg.CreateScenario(ctx, v1))
	sess := sessionAtStep(t, sessions, "sess-1", v1, &v1.Steps[0])
	bystander := sessionAtStep(t, sessions, "sess-2", v1, &v1.Steps[1])

	plan, err := engine.GeneratePlan(ctx, v1, v2, nil)
	require.NoError(t, err)
	_, err = engine.Approve(ctx, planTenant, plan.ID)
	require.NoError(t, err)
	plan, err = engine.Deploy(ctx, planTenant, plan.ID, v2)
	require.NoError(t, err)
	assert.Equal(t, models.PlanStatusDeployed, plan.Status)
	assert.NotNil(t, plan.DeployedAt)

	marked, err := sessions.Get(ctx, planTenant, sess.ID)
	require.NoError(t, err)
	require.NotNil(t, marked.PendingMigration)
	assert.Equal(t, 2, marked.PendingMigration.TargetVersion)
	assert.Equal(t, plan.Transformation.Anchors[0].AnchorHash, marked.PendingMigration.AnchorContentHash)
	assert.Equal(t, plan.ID, marked.PendingMigration.MigrationPlanID)

	// A session parked on a non-anchor step is not marked.
	unmarked, err := sessions.Get(ctx, planTenant, bystander.ID)
	require.NoError(t, err)
	assert.Nil(t, unmarked.PendingMigration)

	// The live scenario is now v2, and v1 stays in the archive.
	live, err := cfg.GetScenario(ctx, planTenant, v1.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, live.Version)
	archived, err := cfg.GetScenarioVersion(ctx, planTenant, v1.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, archived.Version)
}

func TestDeploy_RequiresApproval(t *testing.T) {
	engine, cfg, _ := planFixture(t)
	v1, v2 := cleanGraftVersions()
	ctx := context.Background()
	require.NoError(t, cfg.CreateScenario(ctx, v1))

	plan, err := engine.GeneratePlan(ctx, v1, v2, nil)
	require.NoError(t, err)
	_, err = engine.Deploy(ctx, planTenant, plan.ID, v2)
	assert.ErrorIs(t, err, ErrInvalidPlanTransition)
}

func TestDeploy_ScopeFilterLimitsMarking(t *testing.T) {
	engine, cfg, sessions := planFixture(t)
	v1, v2 := cleanGraftVersions()
	ctx := context.Background()
	require.NoError(t, cfg.CreateScenario(ctx, v1))

	inScope := sessionAtStep(t, sessions, "sess-in", v1, &v1.Steps[0])
	inScope.Metadata = map[string]string{"cohort": "beta"}
	require.NoError(t, sessions.Save(ctx, inScope))
	outOfScope := sessionAtStep(t, sessions, "sess-out", v1, &v1.Steps[0])

	plan, err := engine.GeneratePlan(ctx, v1, v2, map[string]string{"cohort": "beta"})
	require.NoError(t, err)
	_, err = engine.Approve(ctx, planTenant, plan.ID)
	require.NoError(t, err)
	_, err = engine.Deploy(ctx, planTenant, plan.ID, v2)
	require.NoError(t, err)

	got, err := sessions.Get(ctx, planTenant, inScope.ID)
	require.NoError(t, err)
	assert.NotNil(t, got.PendingMigration)
	got, err = sessions.Get(ctx, planTenant, outOfScope.ID)
	require.NoError(t, err)
	assert.Nil(t, got.PendingMigration)
}
