package customer

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
	recTenant   = "tenant-1"
	recAgent    = "agent-1"
	recCustomer = "cust-1"
	recScenario = "sc-1"
)

func reconcilerFixture(t *testing.T) (*Reconciler, *store.MemoryConfigStore, *store.MemoryCustomerStore) {
	t.Helper()
	cfg := store.NewMemoryConfigStore()
	customers := store.NewMemoryCustomerStore()
	require.NoError(t, customers.CreateProfile(context.Background(), &models.CustomerProfile{
		ID: models.NewID(), TenantID: recTenant, CustomerID: recCustomer,
	}))
	return New(cfg, customers, nil), cfg, customers
}

func seedField(t *testing.T, cfg *store.MemoryConfigStore, f *models.CustomerDataField) {
	t.Helper()
	f.ID = models.NewID()
	f.TenantID = recTenant
	f.AgentID = recAgent
	require.NoError(t, cfg.CreateField(context.Background(), f))
}

func seedRequirement(t *testing.T, cfg *store.MemoryConfigStore, fieldName string, level models.RequiredLevel, order int) {
	t.Helper()
	require.NoError(t, cfg.CreateRequirement(context.Background(), &models.ScenarioFieldRequirement{
		ID: models.NewID(), TenantID: recTenant, ScenarioID: recScenario,
		FieldName: fieldName, RequiredLevel: level,
		FallbackAction: models.FallbackActionAsk, CollectionOrder: order,
	}))
}

func TestApplyCandidates_WritesValidSkipsInvalid(t *testing.T) {
	r, cfg, customers := reconcilerFixture(t)
	ctx := context.Background()
	freshness := 3600
	emailRegex := `.+@.+`
	seedField(t, cfg, &models.CustomerDataField{
		Name: "email", ValueType: models.ValueTypeString,
		ValidationMode: models.ValidationModeRegex, ValidationRegex: &emailRegex,
		FreshnessSeconds: &freshness,
	})
	seedField(t, cfg, &models.CustomerDataField{
		Name: "tier", ValueType: models.ValueTypeString,
		AllowedValues: []string{"gold", "silver"},
	})
	seedField(t, cfg, &models.CustomerDataField{
		Name: "account_age", ValueType: models.ValueTypeInt,
	})

	written, err := r.ApplyCandidates(ctx, recTenant, recAgent, recCustomer, map[string]models.CandidateVariable{
		"email":       {Value: "user@example.com"},
		"tier":        {Value: "platinum"},      // outside the allowed set
		"account_age": {Value: "not-a-number"},  // does not parse as int
		"nickname":    {Value: "shadow"},        // no schema field
	})
	require.NoError(t, err)
	require.Len(t, written, 1, "only the valid candidate survives")
	assert.Equal(t, "email", written[0].Name)
	assert.Equal(t, models.EntryStatusActive, written[0].Status)
	assert.Equal(t, models.EntrySourceUserProvided, written[0].Source)
	require.NotNil(t, written[0].ExpiresAt, "freshness window sets the expiry")

	p, err := customers.GetProfile(ctx, recTenant, recCustomer)
	require.NoError(t, err)
	require.Contains(t, p.Fields, "email")
	assert.Equal(t, "user@example.com", p.Fields["email"].Value.Str)
	assert.NotContains(t, p.Fields, "tier")
	assert.NotContains(t, p.Fields, "account_age")
}

func TestApplyCandidates_RegexRejection(t *testing.T) {
	r, cfg, _ := reconcilerFixture(t)
	emailRegex := `.+@.+`
	seedField(t, cfg, &models.CustomerDataField{
		Name: "email", ValueType: models.ValueTypeString,
		ValidationMode: models.ValidationModeRegex, ValidationRegex: &emailRegex,
	})

	written, err := r.ApplyCandidates(context.Background(), recTenant, recAgent, recCustomer,
		map[string]models.CandidateVariable{"email": {Value: "not-an-address"}})
	require.NoError(t, err)
	assert.Empty(t, written)
}

func TestApplyCandidates_EmptyInputIsNoop(t *testing.T) {
	r, _, _ := reconcilerFixture(t)
	written, err := r.ApplyCandidates(context.Background(), recTenant, recAgent, recCustomer, nil)
	require.NoError(t, err)
	assert.Nil(t, written)
}

func TestMissingFields_ReasonsAndLevelFilter(t *testing.T) {
	r, cfg, customers := reconcilerFixture(t)
	ctx := context.Background()
	freshness := 60
	seedField(t, cfg, &models.CustomerDataField{
		Name: "email", ValueType: models.ValueTypeString, RequiredVerification: true,
		DisplayName: "Email address",
	})
	seedField(t, cfg, &models.CustomerDataField{
		Name: "phone", ValueType: models.ValueTypeString, FreshnessSeconds: &freshness,
	})
	seedField(t, cfg, &models.CustomerDataField{
		Name: "tier", ValueType: models.ValueTypeString,
	})
	seedRequirement(t, cfg, "email", models.RequiredLevelHard, 1)
	seedRequirement(t, cfg, "phone", models.RequiredLevelHard, 2)
	seedRequirement(t, cfg, "tier", models.RequiredLevelSoft, 3)

	now := time.Now().UTC()
	writeEntry := func(name, value string, collectedAt time.Time) {
		_, err := customers.UpdateFieldEntry(ctx, &models.VariableEntry{
			ID: models.NewID(), TenantID: recTenant, CustomerID: recCustomer,
			Name: name, Value: models.StringValue(value), ValueType: models.ValueTypeString,
			Source: models.EntrySourceUserProvided, Status: models.EntryStatusActive,
			CollectedAt: collectedAt,
		})
		require.NoError(t, err)
	}
	writeEntry("email", "user@example.com", now) // ACTIVE but unverified
	writeEntry("phone", "555-0100", now.Add(-2*time.Minute))
	// tier never collected.

	missing, err := r.MissingFields(ctx, recTenant, recAgent, recCustomer, recScenario, nil, models.RequiredLevelHard)
	require.NoError(t, err)
	require.Len(t, missing, 2, "the SOFT requirement is filtered out")
	assert.Equal(t, "email", missing[0].FieldName)
	assert.Equal(t, "unverified", missing[0].Reason)
	assert.Equal(t, "Email address", missing[0].DisplayName)
	assert.Equal(t, "phone", missing[1].FieldName)
	assert.Equal(t, "stale", missing[1].Reason)

	all, err := r.MissingFields(ctx, recTenant, recAgent, recCustomer, recScenario, nil, "")
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "tier", all[2].FieldName)
	assert.Equal(t, "absent", all[2].Reason)
}

func TestMissingFields_AnonymousCustomerCountsAllAbsent(t *testing.T) {
	r, cfg, _ := reconcilerFixture(t)
	seedField(t, cfg, &models.CustomerDataField{Name: "email", ValueType: models.ValueTypeString})
	seedRequirement(t, cfg, "email", models.RequiredLevelHard, 1)

	missing, err := r.MissingFields(context.Background(), recTenant, recAgent, "", recScenario, nil, models.RequiredLevelHard)
	require.NoError(t, err)
	require.Len(t, missing, 1)
	assert.Equal(t, "absent", missing[0].Reason)
}

func TestSweepExpiresAndMarksOrphans(t *testing.T) {
	r, _, customers := reconcilerFixture(t)
	ctx := context.Background()
	now := time.Now().UTC()

	expiry := now.Add(-time.Minute)
	_, err := customers.UpdateFieldEntry(ctx, &models.VariableEntry{
		ID: models.NewID(), TenantID: recTenant, CustomerID: recCustomer,
		Name: "otp_token", Value: models.StringValue("123456"), ValueType: models.ValueTypeString,
		Source: models.EntrySourceUserProvided, Status: models.EntryStatusActive,
		CollectedAt: now.Add(-time.Hour), ExpiresAt: &expiry,
	})
	require.NoError(t, err)

	expired, orphaned, err := r.Sweep(ctx, recTenant, recCustomer)
	require.NoError(t, err)
	assert.Equal(t, 1, expired)
	assert.Empty(t, orphaned)
}
