package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/codeready-toolchain/tiller/pkg/models"
)

// IdempotencyCache replays a turn's result when the same key is
// submitted again within the TTL window. The Redis-backed implementation
// lives in store/cache; this package ships the in-memory one.
type IdempotencyCache interface {
	Get(ctx context.Context, tenantID, key string) (*models.AlignmentResult, bool, error)
	Put(ctx context.Context, tenantID, key string, result *models.AlignmentResult, ttl time.Duration) error
}

type idemEntry struct {
	result    *models.AlignmentResult
	expiresAt time.Time
}

// MemoryIdempotency is a map-backed IdempotencyCache for tests and
// single-node deployments.
type MemoryIdempotency struct {
	mu      sync.Mutex
	entries map[string]idemEntry
	now     func() time.Time
}

// NewMemoryIdempotency returns an empty cache.
func NewMemoryIdempotency() *MemoryIdempotency {
	return &MemoryIdempotency{entries: make(map[string]idemEntry), now: time.Now}
}

func idemKey(tenantID, key string) string { return tenantID + "/" + key }

// Get returns the cached result for the key, pruning on expiry.
func (c *MemoryIdempotency) Get(_ context.Context, tenantID, key string) (*models.AlignmentResult, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[idemKey(tenantID, key)]
	if !ok {
		return nil, false, nil
	}
	if c.now().After(e.expiresAt) {
		delete(c.entries, idemKey(tenantID, key))
		return nil, false, nil
	}
	return e.result, true, nil
}

// Put stores the result for ttl.
func (c *MemoryIdempotency) Put(_ context.Context, tenantID, key string, result *models.AlignmentResult, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[idemKey(tenantID, key)] = idemEntry{result: result, expiresAt: c.now().Add(ttl)}
	return nil
}
