package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/codeready-toolchain/tiller/pkg/models"
)

// Idempotency is the Redis-backed turn replay cache. It satisfies the
// pipeline's IdempotencyCache contract; unlike the read caches, a Redis
// failure here surfaces to the caller, because silently dropping a
// replay entry would let a retried request run the pipeline twice.
type Idempotency struct {
	b *backend
}

// NewIdempotency wires the replay cache.
func NewIdempotency(rdb redis.UniversalClient, opts Options) *Idempotency {
	return &Idempotency{b: newBackend(rdb, "idempotency", opts)}
}

func idemKey(tenantID, key string) string {
	return fmt.Sprintf("%s:idem:%s:%s", keyPrefix, tenantID, key)
}

// Get returns the cached turn result for the key.
func (c *Idempotency) Get(ctx context.Context, tenantID, key string) (*models.AlignmentResult, bool, error) {
	raw, err := c.b.rdb.Get(ctx, idemKey(tenantID, key)).Bytes()
	if errors.Is(err, redis.Nil) {
		c.b.rc.Metrics.CacheMisses.Add(ctx, 1, c.b.attrs())
		return nil, false, nil
	}
	if err != nil {
		c.b.fail(ctx, "get", key, err)
		return nil, false, err
	}
	var result models.AlignmentResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, false, fmt.Errorf("decoding cached turn result: %w", err)
	}
	c.b.rc.Metrics.CacheHits.Add(ctx, 1, c.b.attrs())
	return &result, true, nil
}

// Put stores the result for ttl.
func (c *Idempotency) Put(ctx context.Context, tenantID, key string, result *models.AlignmentResult, ttl time.Duration) error {
	raw, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("encoding turn result: %w", err)
	}
	if err := c.b.rdb.Set(ctx, idemKey(tenantID, key), raw, ttl).Err(); err != nil {
		c.b.fail(ctx, "set", key, err)
		return err
	}
	return nil
}
