package services

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/tiller/pkg/migration"
	"github.com/codeready-toolchain/tiller/pkg/models"
	"github.com/codeready-toolchain/tiller/pkg/store"
)

func newMigrationService(t *testing.T) (*MigrationService, store.AgentConfigStore, *models.Scenario) {
	t.Helper()
	config := store.NewMemoryConfigStore()
	sessions := store.NewMemorySessionStore()
	svc := NewMigrationService(migration.NewEngine(config, sessions, nil), config, nil)

	greet, collect := models.NewID(), models.NewID()
	v1 := &models.Scenario{
		ID:          models.NewID(),
		TenantID:    "acme",
		AgentID:     models.NewID(),
		Name:        "returns",
		Version:     1,
		EntryStepID: greet,
		Steps: []models.ScenarioStep{
			{ID: greet, Name: "greet", IsEntry: true, Transitions: []models.StepTransition{
				{ToStepID: collect, ConditionText: "customer wants to return an item"},
			}},
			{ID: collect, Name: "collect order number", IsTerminal: true},
		},
		EntryConditionText: "customer mentions a return",
		Enabled:            true,
	}
	require.NoError(t, config.CreateScenario(context.Background(), v1))

	v2 := *v1
	v2.Version = 2
	confirm := models.NewID()
	v2.Steps = append(append([]models.ScenarioStep(nil), v1.Steps...),
		models.ScenarioStep{ID: confirm, Name: "confirm pickup date", IsTerminal: true})
	v2.Steps[1].IsTerminal = false
	v2.Steps[1].Transitions = []models.StepTransition{
		{ToStepID: confirm, ConditionText: "order number captured"},
	}
	require.NoError(t, config.UpdateScenario(context.Background(), &v2))

	return svc, config, v1
}

func TestMigrationServicePlanLifecycle(t *testing.T) {
	ctx := context.Background()
	svc, _, v1 := newMigrationService(t)

	plan, err := svc.GeneratePlan(ctx, "acme", GeneratePlanInput{
		ScenarioID:  v1.ID,
		FromVersion: 1,
		ToVersion:   2,
	})
	require.NoError(t, err)
	assert.Equal(t, models.PlanStatusPending, plan.Status)
	assert.Equal(t, 1, plan.FromVersion)
	assert.Equal(t, 2, plan.ToVersion)

	status, err := svc.Status(ctx, "acme", plan.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, status.Summary.TotalSessions)

	approved, err := svc.Approve(ctx, "acme", plan.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PlanStatusApproved, approved.Status)
	require.NotNil(t, approved.ApprovedAt)

	// Rejecting an approved plan is not a legal move.
	_, err = svc.Reject(ctx, "acme", plan.ID)
	assert.Equal(t, CodeInvalidTransition, CodeOf(err))
	assert.Equal(t, 409, CodeOf(err).HTTPStatus())

	deployed, err := svc.Deploy(ctx, "acme", plan.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PlanStatusDeployed, deployed.Status)
	require.NotNil(t, deployed.DeployedAt)

	// Deploy is not repeatable.
	_, err = svc.Deploy(ctx, "acme", plan.ID)
	assert.Equal(t, CodeInvalidTransition, CodeOf(err))
}

func TestMigrationServiceGeneratePlanRejectsBackwardVersions(t *testing.T) {
	ctx := context.Background()
	svc, _, v1 := newMigrationService(t)

	_, err := svc.GeneratePlan(ctx, "acme", GeneratePlanInput{
		ScenarioID:  v1.ID,
		FromVersion: 2,
		ToVersion:   1,
	})
	require.Error(t, err)
	assert.Equal(t, CodeInvalidRequest, CodeOf(err))
}

func TestMigrationServiceGeneratePlanUnknownScenario(t *testing.T) {
	svc, _, _ := newMigrationService(t)

	_, err := svc.GeneratePlan(context.Background(), "acme", GeneratePlanInput{
		ScenarioID:  models.NewID(),
		FromVersion: 1,
		ToVersion:   2,
	})
	assert.Equal(t, notFoundCode("scenario"), CodeOf(err))
}

func TestMigrationServiceGetPlanNotFound(t *testing.T) {
	svc, _, _ := newMigrationService(t)

	_, err := svc.GetPlan(context.Background(), "acme", models.NewID())
	assert.Equal(t, notFoundCode("migration plan"), CodeOf(err))
}
