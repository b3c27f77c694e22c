package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/tiller/pkg/models"
)

const (
	testTenant = "tenant-a"
	testAgent  = "agent-1"
)

func testRule(id string) *models.Rule {
	return &models.Rule{
		ID:            id,
		TenantID:      testTenant,
		AgentID:       testAgent,
		Name:          "no refunds after 30 days",
		ConditionText: "customer asks for a refund",
		ActionText:    "explain the 30 day refund window",
		Scope:         models.RuleScopeGlobal,
		Enabled:       true,
	}
}

func testScenario(id string, version int) *models.Scenario {
	return &models.Scenario{
		ID:          id,
		TenantID:    testTenant,
		AgentID:     testAgent,
		Name:        "order-return",
		Version:     version,
		EntryStepID: "step-a",
		Steps: []models.ScenarioStep{
			{ID: "step-a", ScenarioID: id, Name: "collect order id", IsEntry: true},
		},
		EntryConditionText: "customer wants to return an order",
		Enabled:            true,
	}
}

func TestMemoryConfigStore_RuleCRUD(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryConfigStore()
	rule := testRule(models.NewID())

	require.NoError(t, s.CreateRule(ctx, rule))
	assert.ErrorIs(t, s.CreateRule(ctx, rule), ErrAlreadyExists)

	got, err := s.GetRule(ctx, testTenant, rule.ID)
	require.NoError(t, err)
	assert.Equal(t, rule.ConditionText, got.ConditionText)
	assert.False(t, got.CreatedAt.IsZero())

	got.ActionText = "offer store credit instead"
	require.NoError(t, s.UpdateRule(ctx, got))
	updated, err := s.GetRule(ctx, testTenant, rule.ID)
	require.NoError(t, err)
	assert.Equal(t, "offer store credit instead", updated.ActionText)
	assert.Equal(t, got.CreatedAt, updated.CreatedAt)
}

func TestMemoryConfigStore_TenantIsolation(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryConfigStore()
	rule := testRule(models.NewID())
	require.NoError(t, s.CreateRule(ctx, rule))

	_, err := s.GetRule(ctx, "tenant-b", rule.ID)
	assert.ErrorIs(t, err, ErrTenantMismatch)

	err = s.DeleteRule(ctx, "tenant-b", rule.ID)
	assert.ErrorIs(t, err, ErrTenantMismatch)

	rows, total, err := s.ListRules(ctx, "tenant-b", testAgent, RuleFilters{}, ListOptions{})
	require.NoError(t, err)
	assert.Zero(t, total)
	assert.Empty(t, rows)
}

func TestMemoryConfigStore_SoftDeleteVisibility(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryConfigStore()
	rule := testRule(models.NewID())
	require.NoError(t, s.CreateRule(ctx, rule))
	require.NoError(t, s.DeleteRule(ctx, testTenant, rule.ID))

	_, err := s.GetRule(ctx, testTenant, rule.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	visible, total, err := s.ListRules(ctx, testTenant, testAgent, RuleFilters{}, ListOptions{})
	require.NoError(t, err)
	assert.Zero(t, total)
	assert.Empty(t, visible)

	deleted, total, err := s.ListRules(ctx, testTenant, testAgent, RuleFilters{}, ListOptions{IncludeDeleted: true})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, deleted, 1)
	assert.NotNil(t, deleted[0].DeletedAt)
}

func TestMemoryConfigStore_ListRuleFilters(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryConfigStore()

	global := testRule(models.NewID())
	require.NoError(t, s.CreateRule(ctx, global))

	scopeID := models.NewID()
	scoped := testRule(models.NewID())
	scoped.Scope = models.RuleScopeScenario
	scoped.ScopeID = &scopeID
	require.NoError(t, s.CreateRule(ctx, scoped))

	disabled := testRule(models.NewID())
	disabled.Enabled = false
	require.NoError(t, s.CreateRule(ctx, disabled))

	scenarioScope := models.RuleScopeScenario
	rows, _, err := s.ListRules(ctx, testTenant, testAgent, RuleFilters{Scope: &scenarioScope}, ListOptions{})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, scoped.ID, rows[0].ID)

	rows, _, err = s.ListRules(ctx, testTenant, testAgent, RuleFilters{EnabledOnly: true}, ListOptions{})
	require.NoError(t, err)
	assert.Len(t, rows, 2)
}

func TestMemoryConfigStore_ScenarioArchive(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryConfigStore()
	id := models.NewID()

	v1 := testScenario(id, 1)
	require.NoError(t, s.CreateScenario(ctx, v1))

	v2 := testScenario(id, 2)
	v2.Steps = append(v2.Steps, models.ScenarioStep{ID: "step-b", ScenarioID: id, Name: "confirm return"})
	require.NoError(t, s.UpdateScenario(ctx, v2))

	live, err := s.GetScenario(ctx, testTenant, id)
	require.NoError(t, err)
	assert.Equal(t, 2, live.Version)

	archived, err := s.GetScenarioVersion(ctx, testTenant, id, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, archived.Version)
	assert.Len(t, archived.Steps, 1)

	// The live row also resolves by version.
	current, err := s.GetScenarioVersion(ctx, testTenant, id, 2)
	require.NoError(t, err)
	assert.Len(t, current.Steps, 2)

	_, err = s.GetScenarioVersion(ctx, testTenant, id, 3)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryConfigStore_SwapPublishedVersion(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryConfigStore()
	agent := &models.Agent{
		ID:           models.NewID(),
		TenantID:     testTenant,
		Name:         "support",
		DefaultModel: "primary-chat",
		SystemPrompt: "You are a support agent.",
		Enabled:      true,
	}
	require.NoError(t, s.CreateAgent(ctx, agent))

	v, err := s.SwapPublishedVersion(ctx, testTenant, agent.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, v)

	// The pointer only moves forward.
	_, err = s.SwapPublishedVersion(ctx, testTenant, agent.ID, 1)
	assert.Error(t, err)
}

func TestMemoryConfigStore_RequirementsSortedByCollectionOrder(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryConfigStore()
	scenarioID := models.NewID()

	for i, name := range []string{"phone_number", "order_id", "email"} {
		req := &models.ScenarioFieldRequirement{
			ID:              models.NewID(),
			TenantID:        testTenant,
			ScenarioID:      scenarioID,
			FieldName:       name,
			RequiredLevel:   models.RequiredLevelHard,
			FallbackAction:  models.FallbackActionAsk,
			CollectionOrder: 3 - i,
		}
		require.NoError(t, s.CreateRequirement(ctx, req))
	}

	reqs, err := s.ListRequirements(ctx, testTenant, scenarioID, nil)
	require.NoError(t, err)
	require.Len(t, reqs, 3)
	assert.Equal(t, "email", reqs[0].FieldName)
	assert.Equal(t, "order_id", reqs[1].FieldName)
	assert.Equal(t, "phone_number", reqs[2].FieldName)
}

func TestMemoryConfigStore_Pagination(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryConfigStore()
	for range 5 {
		require.NoError(t, s.CreateRule(ctx, testRule(models.NewID())))
	}

	page, total, err := s.ListRules(ctx, testTenant, testAgent, RuleFilters{}, ListOptions{Limit: 2, Offset: 4})
	require.NoError(t, err)
	assert.Equal(t, 5, total)
	assert.Len(t, page, 1)
}
