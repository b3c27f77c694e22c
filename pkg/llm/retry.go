package llm

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"time"
)

// RetryConfig tunes the retry middleware.
type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultRetryConfig matches the per-step retry defaults.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{MaxAttempts: 3, BaseDelay: 250 * time.Millisecond, MaxDelay: 5 * time.Second}
}

// retryClient wraps a Client with exponential backoff on transient
// failures. Context cancellation aborts immediately between attempts.
type retryClient struct {
	inner  Client
	cfg    RetryConfig
	logger *slog.Logger
}

// WithRetry wraps client with exponential-backoff retries.
func WithRetry(client Client, cfg RetryConfig, logger *slog.Logger) Client {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 250 * time.Millisecond
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &retryClient{inner: client, cfg: cfg, logger: logger}
}

func (c *retryClient) backoff(attempt int) time.Duration {
	d := c.cfg.BaseDelay << attempt
	if d > c.cfg.MaxDelay {
		d = c.cfg.MaxDelay
	}
	// Full jitter keeps concurrent turns from retrying in lockstep.
	return time.Duration(rand.Int64N(int64(d)) + 1)
}

func (c *retryClient) Complete(ctx context.Context, req Request) (*Response, error) {
	var lastErr error
	for attempt := 0; attempt < c.cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			c.logger.Warn("retrying LLM call", "attempt", attempt+1, "model", req.Model, "error", lastErr)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(c.backoff(attempt - 1)):
			}
		}
		resp, err := c.inner.Complete(ctx, req)
		if err == nil {
			return resp, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		lastErr = err
	}
	return nil, lastErr
}

func (c *retryClient) Stream(ctx context.Context, req Request, fn StreamFunc) (*Response, error) {
	// Streaming is not retried mid-stream: a partial stream already
	// reached the caller. Only the initial failure retries.
	var lastErr error
	for attempt := 0; attempt < c.cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(c.backoff(attempt - 1)):
			}
		}
		started := false
		resp, err := c.inner.Stream(ctx, req, func(token string) error {
			started = true
			return fn(token)
		})
		if err == nil {
			return resp, nil
		}
		if started || ctx.Err() != nil {
			return nil, err
		}
		lastErr = err
	}
	return nil, lastErr
}
