package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/tiller/pkg/models"
)

func testSession(scenarioID string, version int, stepHash string) *models.Session {
	now := time.Now().UTC()
	s := &models.Session{
		ID:            models.NewID(),
		TenantID:      testTenant,
		AgentID:       testAgent,
		Channel:       "whatsapp",
		UserChannelID: "+15550001111",
		Status:        models.SessionStatusActive,
	}
	if scenarioID != "" {
		s.ActiveScenarios = []*models.ScenarioInstance{{
			ScenarioID:      scenarioID,
			ScenarioVersion: version,
			CurrentStepID:   "step-a",
			StartedAt:       now,
			LastActiveAt:    now,
			Status:          models.InstanceStatusActive,
		}}
		s.StepHistory = []models.StepVisit{{
			StepID:          "step-a",
			StepName:        "collect order id",
			ScenarioID:      scenarioID,
			EnteredAt:       now,
			TurnNumber:      1,
			StepContentHash: stepHash,
		}}
	}
	return s
}

func TestMemorySessionStore_SaveGetDelete(t *testing.T) {
	ctx := context.Background()
	s := NewMemorySessionStore()
	sess := testSession("", 0, "")

	require.NoError(t, s.Save(ctx, sess))
	got, err := s.Get(ctx, testTenant, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, sess.Channel, got.Channel)

	require.NoError(t, s.Delete(ctx, testTenant, sess.ID))
	_, err = s.Get(ctx, testTenant, sess.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemorySessionStore_FindByIdentity(t *testing.T) {
	ctx := context.Background()
	s := NewMemorySessionStore()
	sess := testSession("", 0, "")
	require.NoError(t, s.Save(ctx, sess))

	got, err := s.FindByIdentity(ctx, testTenant, testAgent, "whatsapp", "+15550001111")
	require.NoError(t, err)
	assert.Equal(t, sess.ID, got.ID)

	_, err = s.FindByIdentity(ctx, testTenant, testAgent, "slack", "U123")
	assert.ErrorIs(t, err, ErrNotFound)

	// Closed sessions do not resolve.
	got.Status = models.SessionStatusClosed
	require.NoError(t, s.Save(ctx, got))
	_, err = s.FindByIdentity(ctx, testTenant, testAgent, "whatsapp", "+15550001111")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemorySessionStore_FindByStepHash(t *testing.T) {
	ctx := context.Background()
	s := NewMemorySessionStore()
	scenarioID := models.NewID()

	match := testSession(scenarioID, 1, "abcd1234abcd1234")
	match.Metadata = map[string]string{"region": "emea"}
	require.NoError(t, s.Save(ctx, match))

	wrongHash := testSession(scenarioID, 1, "ffff0000ffff0000")
	require.NoError(t, s.Save(ctx, wrongHash))

	wrongVersion := testSession(scenarioID, 2, "abcd1234abcd1234")
	require.NoError(t, s.Save(ctx, wrongVersion))

	found, err := s.FindByStepHash(ctx, testTenant, scenarioID, 1, "abcd1234abcd1234", nil)
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, match.ID, found[0].ID)

	// Scope filter intersects on session metadata.
	found, err = s.FindByStepHash(ctx, testTenant, scenarioID, 1, "abcd1234abcd1234", map[string]string{"region": "emea"})
	require.NoError(t, err)
	assert.Len(t, found, 1)

	found, err = s.FindByStepHash(ctx, testTenant, scenarioID, 1, "abcd1234abcd1234", map[string]string{"region": "apac"})
	require.NoError(t, err)
	assert.Empty(t, found)
}

func TestMemorySessionStore_MarkPendingMigration(t *testing.T) {
	ctx := context.Background()
	s := NewMemorySessionStore()
	scenarioID := models.NewID()
	sess := testSession(scenarioID, 1, "abcd1234abcd1234")
	require.NoError(t, s.Save(ctx, sess))

	pm := &models.PendingMigration{
		ScenarioID:        scenarioID,
		TargetVersion:     2,
		AnchorContentHash: "abcd1234abcd1234",
		MigrationPlanID:   models.NewID(),
		MarkedAt:          time.Now().UTC(),
	}
	require.NoError(t, s.MarkPendingMigration(ctx, testTenant, []string{sess.ID}, pm))

	got, err := s.Get(ctx, testTenant, sess.ID)
	require.NoError(t, err)
	require.NotNil(t, got.PendingMigration)
	assert.Equal(t, 2, got.PendingMigration.TargetVersion)
}

func TestMemorySessionStore_LeaseExclusion(t *testing.T) {
	ctx := context.Background()
	s := NewMemorySessionStore()
	sess := testSession("", 0, "")
	require.NoError(t, s.Save(ctx, sess))

	token, err := s.AcquireLease(ctx, testTenant, sess.ID, time.Minute)
	require.NoError(t, err)

	_, err = s.AcquireLease(ctx, testTenant, sess.ID, time.Minute)
	assert.ErrorIs(t, err, ErrSessionBusy)

	require.NoError(t, s.ReleaseLease(ctx, token))
	_, err = s.AcquireLease(ctx, testTenant, sess.ID, time.Minute)
	assert.NoError(t, err)
}

func TestMemorySessionStore_LeaseExpires(t *testing.T) {
	ctx := context.Background()
	s := NewMemorySessionStore()
	base := time.Now().UTC()
	s.now = func() time.Time { return base }
	sess := testSession("", 0, "")
	require.NoError(t, s.Save(ctx, sess))

	_, err := s.AcquireLease(ctx, testTenant, sess.ID, 30*time.Second)
	require.NoError(t, err)

	s.now = func() time.Time { return base.Add(time.Minute) }
	_, err = s.AcquireLease(ctx, testTenant, sess.ID, 30*time.Second)
	assert.NoError(t, err)
}

func TestMemorySessionStore_StaleReleaseIsNoop(t *testing.T) {
	ctx := context.Background()
	s := NewMemorySessionStore()
	sess := testSession("", 0, "")
	require.NoError(t, s.Save(ctx, sess))

	stale, err := s.AcquireLease(ctx, testTenant, sess.ID, time.Minute)
	require.NoError(t, err)
	require.NoError(t, s.ReleaseLease(ctx, stale))

	fresh, err := s.AcquireLease(ctx, testTenant, sess.ID, time.Minute)
	require.NoError(t, err)

	// Replaying the old token must not release the new lease.
	require.NoError(t, s.ReleaseLease(ctx, stale))
	_, err = s.AcquireLease(ctx, testTenant, sess.ID, time.Minute)
	assert.ErrorIs(t, err, ErrSessionBusy)

	require.NoError(t, s.ReleaseLease(ctx, fresh))
}
