// Package cache provides Redis write-through wrappers around the store
// contracts. Wrappers are transparent: every Redis failure logs, bumps
// the cache error counter, and falls through to the underlying store, so
// a degraded Redis never takes reads down with it.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/codeready-toolchain/tiller/pkg/telemetry"
)

// DefaultTTL bounds staleness for cached reads that miss an explicit
// invalidation path.
const DefaultTTL = 5 * time.Minute

const keyPrefix = "tiller"

// Options tune a cache wrapper.
type Options struct {
	// TTL for cached entries. Zero means DefaultTTL.
	TTL time.Duration
	// Telemetry supplies the cache hit/miss/error counters. Nil records
	// nothing.
	Telemetry *telemetry.RuntimeContext
}

// backend bundles the Redis client with the shared get/set/invalidate
// plumbing the wrappers build on.
type backend struct {
	rdb    redis.UniversalClient
	ttl    time.Duration
	rc     *telemetry.RuntimeContext
	logger *slog.Logger
	name   string
}

func newBackend(rdb redis.UniversalClient, name string, opts Options) *backend {
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	rc := telemetry.OrNop(opts.Telemetry)
	return &backend{
		rdb:    rdb,
		ttl:    ttl,
		rc:     rc,
		logger: rc.Logger.With("component", "cache", "cache", name),
		name:   name,
	}
}

func (b *backend) attrs() metric.MeasurementOption {
	return metric.WithAttributes(attribute.String("cache", b.name))
}

// getJSON loads key into dest. Returns false on miss; a corrupt entry is
// dropped and treated as a miss.
func (b *backend) getJSON(ctx context.Context, key string, dest any) bool {
	raw, err := b.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		b.rc.Metrics.CacheMisses.Add(ctx, 1, b.attrs())
		return false
	}
	if err != nil {
		b.fail(ctx, "get", key, err)
		return false
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		b.logger.Warn("dropping corrupt cache entry", "key", key, "error", err)
		b.rdb.Del(ctx, key)
		b.rc.Metrics.CacheMisses.Add(ctx, 1, b.attrs())
		return false
	}
	b.rc.Metrics.CacheHits.Add(ctx, 1, b.attrs())
	return true
}

// setJSON stores v under key for the configured TTL.
func (b *backend) setJSON(ctx context.Context, key string, v any) {
	raw, err := json.Marshal(v)
	if err != nil {
		b.fail(ctx, "marshal", key, err)
		return
	}
	if err := b.rdb.Set(ctx, key, raw, b.ttl).Err(); err != nil {
		b.fail(ctx, "set", key, err)
	}
}

func (b *backend) del(ctx context.Context, keys ...string) {
	if len(keys) == 0 {
		return
	}
	if err := b.rdb.Del(ctx, keys...).Err(); err != nil {
		b.fail(ctx, "del", keys[0], err)
		return
	}
	b.rc.Metrics.CacheInvalidations.Add(ctx, int64(len(keys)), b.attrs())
}

// invalidatePattern scans and deletes every key matching the pattern.
func (b *backend) invalidatePattern(ctx context.Context, pattern string) error {
	iter := b.rdb.Scan(ctx, 0, pattern, 256).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		b.fail(ctx, "scan", pattern, err)
		return err
	}
	b.del(ctx, keys...)
	return nil
}

func (b *backend) fail(ctx context.Context, op, key string, err error) {
	b.logger.Warn("cache operation failed, falling through", "op", op, "key", key, "error", err)
	b.rc.Metrics.CacheErrors.Add(ctx, 1, b.attrs())
}
