package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/codeready-toolchain/tiller/pkg/models"
	"github.com/codeready-toolchain/tiller/pkg/store"
)

// CustomerStore caches customer profiles. Field writes drop the owning
// profile's entry; lineage history reads never touch the cache because
// QueryField always goes to the store.
type CustomerStore struct {
	store.CustomerDataStore
	b *backend
}

// NewCustomerStore wraps the store with a Redis profile cache.
func NewCustomerStore(inner store.CustomerDataStore, rdb redis.UniversalClient, opts Options) *CustomerStore {
	return &CustomerStore{CustomerDataStore: inner, b: newBackend(rdb, "customer", opts)}
}

func profileKey(tenantID, customerID string) string {
	return fmt.Sprintf("%s:cust:%s:%s", keyPrefix, tenantID, customerID)
}

func (c *CustomerStore) GetProfile(ctx context.Context, tenantID, customerID string) (*models.CustomerProfile, error) {
	key := profileKey(tenantID, customerID)
	var cached models.CustomerProfile
	if c.b.getJSON(ctx, key, &cached) {
		return &cached, nil
	}
	p, err := c.CustomerDataStore.GetProfile(ctx, tenantID, customerID)
	if err != nil {
		return nil, err
	}
	c.b.setJSON(ctx, key, p)
	return p, nil
}

func (c *CustomerStore) DeleteProfile(ctx context.Context, tenantID, customerID string) error {
	if err := c.CustomerDataStore.DeleteProfile(ctx, tenantID, customerID); err != nil {
		return err
	}
	c.b.del(ctx, profileKey(tenantID, customerID))
	return nil
}

// LinkIdentity invalidates the profile so HasIdentity reads fresh.
func (c *CustomerStore) LinkIdentity(ctx context.Context, tenantID, customerID, channel, channelUserID string) error {
	if err := c.CustomerDataStore.LinkIdentity(ctx, tenantID, customerID, channel, channelUserID); err != nil {
		return err
	}
	c.b.del(ctx, profileKey(tenantID, customerID))
	return nil
}

func (c *CustomerStore) UpdateFieldEntry(ctx context.Context, entry *models.VariableEntry) (*models.VariableEntry, error) {
	written, err := c.CustomerDataStore.UpdateFieldEntry(ctx, entry)
	if err != nil {
		return nil, err
	}
	c.b.del(ctx, profileKey(entry.TenantID, entry.CustomerID))
	return written, nil
}

// ExpireEntries can touch any customer of the tenant, so the whole
// tenant prefix goes.
func (c *CustomerStore) ExpireEntries(ctx context.Context, tenantID string, now time.Time) (int, error) {
	n, err := c.CustomerDataStore.ExpireEntries(ctx, tenantID, now)
	if err != nil {
		return n, err
	}
	if n > 0 {
		if ierr := c.b.invalidatePattern(ctx, fmt.Sprintf("%s:cust:%s:*", keyPrefix, tenantID)); ierr != nil {
			c.b.logger.Warn("tenant profile invalidation failed after expiry sweep", "tenant_id", tenantID, "error", ierr)
		}
	}
	return n, nil
}

func (c *CustomerStore) MarkOrphans(ctx context.Context, tenantID, customerID string) ([]string, error) {
	ids, err := c.CustomerDataStore.MarkOrphans(ctx, tenantID, customerID)
	if err != nil {
		return nil, err
	}
	if len(ids) > 0 {
		c.b.del(ctx, profileKey(tenantID, customerID))
	}
	return ids, nil
}

// MergeProfiles drops both sides; the deleted source must not linger.
func (c *CustomerStore) MergeProfiles(ctx context.Context, tenantID, targetID, sourceID string) (*models.CustomerProfile, error) {
	merged, err := c.CustomerDataStore.MergeProfiles(ctx, tenantID, targetID, sourceID)
	if err != nil {
		return nil, err
	}
	c.b.del(ctx, profileKey(tenantID, targetID), profileKey(tenantID, sourceID))
	return merged, nil
}
