package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/tiller/pkg/models"
)

const custTenant = "tenant-1"

func seedProfile(t *testing.T, s *MemoryCustomerStore, customerID string, identities ...models.ChannelIdentity) {
	t.Helper()
	require.NoError(t, s.CreateProfile(context.Background(), &models.CustomerProfile{
		ID:                models.NewID(),
		TenantID:          custTenant,
		CustomerID:        customerID,
		ChannelIdentities: identities,
	}))
}

func fieldEntry(customerID, name, value string, collectedAt time.Time) *models.VariableEntry {
	return &models.VariableEntry{
		ID:          models.NewID(),
		TenantID:    custTenant,
		CustomerID:  customerID,
		Name:        name,
		Value:       models.StringValue(value),
		ValueType:   models.ValueTypeString,
		Source:      models.EntrySourceUserProvided,
		Status:      models.EntryStatusActive,
		CollectedAt: collectedAt,
	}
}

func TestMemoryCustomerStore_DoubleWriteKeepsOneActive(t *testing.T) {
	s := NewMemoryCustomerStore()
	ctx := context.Background()
	seedProfile(t, s, "cust-1")
	now := time.Now().UTC()

	first, err := s.UpdateFieldEntry(ctx, fieldEntry("cust-1", "email", "old@example.com", now.Add(-time.Minute)))
	require.NoError(t, err)
	second, err := s.UpdateFieldEntry(ctx, fieldEntry("cust-1", "email", "new@example.com", now))
	require.NoError(t, err)

	p, err := s.GetProfile(ctx, custTenant, "cust-1")
	require.NoError(t, err)
	require.Contains(t, p.Fields, "email")
	assert.Equal(t, "new@example.com", p.Fields["email"].Value.Str)

	all, err := s.QueryField(ctx, custTenant, "cust-1", "email", FieldQuery{})
	require.NoError(t, err)
	require.Len(t, all, 2)
	// Newest first; the older write is superseded and back-points at
	// its replacement.
	assert.Equal(t, second.ID, all[0].ID)
	assert.Equal(t, models.EntryStatusActive, all[0].Status)
	assert.Equal(t, first.ID, all[1].ID)
	assert.Equal(t, models.EntryStatusSuperseded, all[1].Status)
	require.NotNil(t, all[1].SupersededByID)
	assert.Equal(t, second.ID, *all[1].SupersededByID)
	assert.NotNil(t, all[1].SupersededAt)
}

func TestMemoryCustomerStore_ExpiryAppliedOnRead(t *testing.T) {
	s := NewMemoryCustomerStore()
	ctx := context.Background()
	seedProfile(t, s, "cust-2")

	entry := fieldEntry("cust-2", "otp_token", "123456", time.Now().UTC().Add(-2*time.Hour))
	expiry := time.Now().UTC().Add(-time.Hour)
	entry.ExpiresAt = &expiry
	_, err := s.UpdateFieldEntry(ctx, entry)
	require.NoError(t, err)

	p, err := s.GetProfile(ctx, custTenant, "cust-2")
	require.NoError(t, err)
	assert.NotContains(t, p.Fields, "otp_token", "expired entry must not read as ACTIVE")

	expired, err := s.QueryField(ctx, custTenant, "cust-2", "otp_token", FieldQuery{Status: models.EntryStatusExpired})
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, models.EntryStatusExpired, expired[0].Status)
}

func TestMemoryCustomerStore_MarkOrphansOnSupersededSource(t *testing.T) {
	s := NewMemoryCustomerStore()
	ctx := context.Background()
	seedProfile(t, s, "cust-3")
	now := time.Now().UTC()

	raw, err := s.UpdateFieldEntry(ctx, fieldEntry("cust-3", "raw_income", "52000", now.Add(-time.Minute)))
	require.NoError(t, err)
	derived := fieldEntry("cust-3", "income_band", "mid", now.Add(-30*time.Second))
	derived.SourceItemID = &raw.ID
	derived, err = s.UpdateFieldEntry(ctx, derived)
	require.NoError(t, err)

	// The source is still ACTIVE: nothing to orphan.
	orphaned, err := s.MarkOrphans(ctx, custTenant, "cust-3")
	require.NoError(t, err)
	assert.Empty(t, orphaned)

	// Superseding the source breaks the derived entry's lineage.
	_, err = s.UpdateFieldEntry(ctx, fieldEntry("cust-3", "raw_income", "61000", now))
	require.NoError(t, err)
	orphaned, err = s.MarkOrphans(ctx, custTenant, "cust-3")
	require.NoError(t, err)
	assert.Equal(t, []string{derived.ID}, orphaned)

	p, err := s.GetProfile(ctx, custTenant, "cust-3")
	require.NoError(t, err)
	assert.NotContains(t, p.Fields, "income_band")
}

func TestMemoryCustomerStore_MarkOrphansOnLineageCycle(t *testing.T) {
	s := NewMemoryCustomerStore()
	ctx := context.Background()
	seedProfile(t, s, "cust-4")

	entry := fieldEntry("cust-4", "loop_field", "x", time.Now().UTC())
	entry.SourceItemID = &entry.ID
	entry, err := s.UpdateFieldEntry(ctx, entry)
	require.NoError(t, err)

	orphaned, err := s.MarkOrphans(ctx, custTenant, "cust-4")
	require.NoError(t, err)
	assert.Equal(t, []string{entry.ID}, orphaned)
}

func TestMemoryCustomerStore_MarkOrphansOnDepthExhaustion(t *testing.T) {
	s := NewMemoryCustomerStore()
	ctx := context.Background()
	seedProfile(t, s, "cust-5")
	now := time.Now().UTC()

	// A linear chain two entries longer than the traversal bound. The
	// root has no source; everything else derives from its neighbour.
	chainLen := MaxDerivationDepth + 2
	ids := make([]string, chainLen)
	for i := chainLen - 1; i >= 0; i-- {
		e := fieldEntry("cust-5", fieldName(i), "v", now.Add(time.Duration(-i)*time.Second))
		if i < chainLen-1 {
			e.SourceItemID = &ids[i+1]
		}
		saved, err := s.UpdateFieldEntry(ctx, e)
		require.NoError(t, err)
		ids[i] = saved.ID
	}

	// Only the two entries whose chains cannot reach the root within
	// the bound are orphaned.
	orphaned, err := s.MarkOrphans(ctx, custTenant, "cust-5")
	require.NoError(t, err)
	want := []string{ids[0], ids[1]}
	assert.ElementsMatch(t, want, orphaned)

	p, err := s.GetProfile(ctx, custTenant, "cust-5")
	require.NoError(t, err)
	assert.Contains(t, p.Fields, fieldName(2))
}

func fieldName(i int) string {
	return "link_" + string(rune('a'+i))
}

func TestMemoryCustomerStore_MergeProfilesIsIdempotent(t *testing.T) {
	s := NewMemoryCustomerStore()
	ctx := context.Background()
	now := time.Now().UTC()
	seedProfile(t, s, "target", models.ChannelIdentity{Channel: "web", ChannelUserID: "w-1"})
	seedProfile(t, s, "source", models.ChannelIdentity{Channel: "whatsapp", ChannelUserID: "wa-9"})

	_, err := s.UpdateFieldEntry(ctx, fieldEntry("target", "phone", "555-0100", now.Add(-time.Hour)))
	require.NoError(t, err)
	_, err = s.UpdateFieldEntry(ctx, fieldEntry("source", "phone", "555-0199", now))
	require.NoError(t, err)
	_, err = s.UpdateFieldEntry(ctx, fieldEntry("source", "email", "s@example.com", now))
	require.NoError(t, err)

	merged, err := s.MergeProfiles(ctx, custTenant, "target", "source")
	require.NoError(t, err)
	assert.Len(t, merged.ChannelIdentities, 2)
	// The later write wins the per-field ACTIVE slot.
	assert.Equal(t, "555-0199", merged.Fields["phone"].Value.Str)
	assert.Equal(t, "s@example.com", merged.Fields["email"].Value.Str)

	_, err = s.GetProfile(ctx, custTenant, "source")
	assert.ErrorIs(t, err, ErrNotFound)
	viaIdentity, err := s.GetProfileByIdentity(ctx, custTenant, "whatsapp", "wa-9")
	require.NoError(t, err)
	assert.Equal(t, "target", viaIdentity.CustomerID)

	// Running the merge again changes nothing.
	again, err := s.MergeProfiles(ctx, custTenant, "target", "source")
	require.NoError(t, err)
	assert.Len(t, again.ChannelIdentities, 2)
	assert.Equal(t, "555-0199", again.Fields["phone"].Value.Str)
}
