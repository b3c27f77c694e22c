package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/tiller/pkg/models"
	"github.com/codeready-toolchain/tiller/pkg/store"
)

// countingConfig counts reads that reach the underlying store.
type countingConfig struct {
	store.AgentConfigStore
	agentReads int
	fieldLists int
}

func (c *countingConfig) GetAgent(ctx context.Context, tenantID, id string) (*models.Agent, error) {
	c.agentReads++
	return c.AgentConfigStore.GetAgent(ctx, tenantID, id)
}

func (c *countingConfig) ListFields(ctx context.Context, tenantID, agentID string, opts store.ListOptions) ([]*models.CustomerDataField, int, error) {
	c.fieldLists++
	return c.AgentConfigStore.ListFields(ctx, tenantID, agentID, opts)
}

func newRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	return mr, redis.NewClient(&redis.Options{Addr: mr.Addr()})
}

func seedAgent(t *testing.T, inner store.AgentConfigStore) *models.Agent {
	t.Helper()
	a := &models.Agent{
		ID:       models.NewID(),
		TenantID: "t1",
		Name:     "support",
		Enabled:  true,
	}
	require.NoError(t, inner.CreateAgent(context.Background(), a))
	return a
}

func TestConfigStoreCachesAgentReads(t *testing.T) {
	_, rdb := newRedis(t)
	inner := &countingConfig{AgentConfigStore: store.NewMemoryConfigStore()}
	cs := NewConfigStore(inner, rdb, Options{})
	ctx := context.Background()

	a := seedAgent(t, inner)

	got, err := cs.GetAgent(ctx, "t1", a.ID)
	require.NoError(t, err)
	assert.Equal(t, "support", got.Name)
	require.Equal(t, 1, inner.agentReads)

	got, err = cs.GetAgent(ctx, "t1", a.ID)
	require.NoError(t, err)
	assert.Equal(t, "support", got.Name)
	assert.Equal(t, 1, inner.agentReads, "second read is served from cache")
}

func TestConfigStoreWritesThroughOnUpdate(t *testing.T) {
	_, rdb := newRedis(t)
	inner := &countingConfig{AgentConfigStore: store.NewMemoryConfigStore()}
	cs := NewConfigStore(inner, rdb, Options{})
	ctx := context.Background()

	a := seedAgent(t, inner)
	_, err := cs.GetAgent(ctx, "t1", a.ID)
	require.NoError(t, err)

	a.Name = "billing"
	require.NoError(t, cs.UpdateAgent(ctx, a))

	got, err := cs.GetAgent(ctx, "t1", a.ID)
	require.NoError(t, err)
	assert.Equal(t, "billing", got.Name)
	assert.Equal(t, 1, inner.agentReads, "update refreshed the cached entry")
}

func TestConfigStoreSwapInvalidatesAgent(t *testing.T) {
	_, rdb := newRedis(t)
	inner := &countingConfig{AgentConfigStore: store.NewMemoryConfigStore()}
	cs := NewConfigStore(inner, rdb, Options{})
	ctx := context.Background()

	a := seedAgent(t, inner)
	_, err := cs.GetAgent(ctx, "t1", a.ID)
	require.NoError(t, err)

	_, err = cs.SwapPublishedVersion(ctx, "t1", a.ID, 2)
	require.NoError(t, err)

	got, err := cs.GetAgent(ctx, "t1", a.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.PublishedVersion)
	assert.Equal(t, 2, inner.agentReads, "pointer swap dropped the cached agent")
}

func TestConfigStoreCachesFieldListing(t *testing.T) {
	_, rdb := newRedis(t)
	inner := &countingConfig{AgentConfigStore: store.NewMemoryConfigStore()}
	cs := NewConfigStore(inner, rdb, Options{})
	ctx := context.Background()

	a := seedAgent(t, inner)
	field := &models.CustomerDataField{
		ID:          models.NewID(),
		TenantID:    "t1",
		AgentID:     a.ID,
		Name:        "email",
		DisplayName: "Email address",
		ValueType:   models.ValueTypeString,
	}
	require.NoError(t, cs.CreateField(ctx, field))

	fields, total, err := cs.ListFields(ctx, "t1", a.ID, store.ListOptions{})
	require.NoError(t, err)
	require.Equal(t, 1, total)
	assert.Equal(t, "email", fields[0].Name)

	_, _, err = cs.ListFields(ctx, "t1", a.ID, store.ListOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, inner.fieldLists)

	// Schema writes drop the cached listing.
	second := &models.CustomerDataField{
		ID:          models.NewID(),
		TenantID:    "t1",
		AgentID:     a.ID,
		Name:        "phone",
		DisplayName: "Phone number",
		ValueType:   models.ValueTypeString,
	}
	require.NoError(t, cs.CreateField(ctx, second))

	_, total, err = cs.ListFields(ctx, "t1", a.ID, store.ListOptions{})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	assert.Equal(t, 2, inner.fieldLists)

	// Paginated listings bypass the cache entirely.
	_, _, err = cs.ListFields(ctx, "t1", a.ID, store.ListOptions{Limit: 1})
	require.NoError(t, err)
	assert.Equal(t, 3, inner.fieldLists)
}

func TestConfigStoreFallsThroughWhenRedisDown(t *testing.T) {
	mr, rdb := newRedis(t)
	inner := &countingConfig{AgentConfigStore: store.NewMemoryConfigStore()}
	cs := NewConfigStore(inner, rdb, Options{})
	ctx := context.Background()

	a := seedAgent(t, inner)
	mr.Close()

	got, err := cs.GetAgent(ctx, "t1", a.ID)
	require.NoError(t, err)
	assert.Equal(t, "support", got.Name)
}

func TestInvalidateAgentClearsTenantPrefix(t *testing.T) {
	_, rdb := newRedis(t)
	inner := &countingConfig{AgentConfigStore: store.NewMemoryConfigStore()}
	cs := NewConfigStore(inner, rdb, Options{})
	ctx := context.Background()

	a := seedAgent(t, inner)
	_, err := cs.GetAgent(ctx, "t1", a.ID)
	require.NoError(t, err)

	require.NoError(t, cs.InvalidateAgent(ctx, "t1", a.ID))

	_, err = cs.GetAgent(ctx, "t1", a.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, inner.agentReads)
}

func TestCustomerStoreInvalidatesOnFieldWrite(t *testing.T) {
	_, rdb := newRedis(t)
	inner := store.NewMemoryCustomerStore()
	cs := NewCustomerStore(inner, rdb, Options{})
	ctx := context.Background()

	id := models.NewID()
	require.NoError(t, inner.CreateProfile(ctx, &models.CustomerProfile{
		ID:         id,
		TenantID:   "t1",
		CustomerID: id,
	}))

	p, err := cs.GetProfile(ctx, "t1", id)
	require.NoError(t, err)
	assert.Empty(t, p.Fields)

	_, err = cs.UpdateFieldEntry(ctx, &models.VariableEntry{
		ID:          models.NewID(),
		TenantID:    "t1",
		CustomerID:  id,
		Name:        "email",
		Value:       models.StringValue("a@b.example"),
		ValueType:   models.ValueTypeString,
		Source:      models.EntrySourceUserProvided,
		Status:      models.EntryStatusActive,
		CollectedAt: time.Now().UTC(),
	})
	require.NoError(t, err)

	p, err = cs.GetProfile(ctx, "t1", id)
	require.NoError(t, err)
	require.Contains(t, p.Fields, "email", "field write invalidated the cached profile")
}

func TestIdempotencyRoundTripAndExpiry(t *testing.T) {
	mr, rdb := newRedis(t)
	idem := NewIdempotency(rdb, Options{})
	ctx := context.Background()

	result := &models.AlignmentResult{
		Response:  "done",
		SessionID: models.NewID(),
		TurnID:    models.NewID(),
		Outcome:   models.TurnOutcome{Resolution: models.ResolutionAnswered},
	}
	require.NoError(t, idem.Put(ctx, "t1", "req-1", result, 30*time.Second))

	got, ok, err := idem.Get(ctx, "t1", "req-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, result.TurnID, got.TurnID)
	assert.Equal(t, "done", got.Response)

	mr.FastForward(time.Minute)
	_, ok, err = idem.Get(ctx, "t1", "req-1")
	require.NoError(t, err)
	assert.False(t, ok)
}
