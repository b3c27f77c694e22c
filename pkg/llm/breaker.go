package llm

import (
	"context"
	"fmt"
	"time"

	"github.com/sony/gobreaker"
)

// breakerClient wraps a Client with a circuit breaker so a failing
// provider sheds load fast instead of stacking timeouts across turns.
type breakerClient struct {
	inner Client
	cb    *gobreaker.CircuitBreaker
}

// BreakerConfig tunes the circuit breaker.
type BreakerConfig struct {
	Name         string
	MaxRequests  uint32
	Interval     time.Duration
	Timeout      time.Duration
	FailureRatio float64
	MinRequests  uint32
}

// DefaultBreakerConfig trips after 60% failures over at least 5 calls
// and probes again after 30 seconds.
func DefaultBreakerConfig(name string) BreakerConfig {
	return BreakerConfig{
		Name:         name,
		MaxRequests:  1,
		Interval:     time.Minute,
		Timeout:      30 * time.Second,
		FailureRatio: 0.6,
		MinRequests:  5,
	}
}

// WithBreaker wraps client with a circuit breaker.
func WithBreaker(client Client, cfg BreakerConfig) Client {
	settings := gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < cfg.MinRequests {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= cfg.FailureRatio
		},
	}
	return &breakerClient{inner: client, cb: gobreaker.NewCircuitBreaker(settings)}
}

func (c *breakerClient) Complete(ctx context.Context, req Request) (*Response, error) {
	out, err := c.cb.Execute(func() (any, error) {
		return c.inner.Complete(ctx, req)
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		return nil, err
	}
	return out.(*Response), nil
}

func (c *breakerClient) Stream(ctx context.Context, req Request, fn StreamFunc) (*Response, error) {
	out, err := c.cb.Execute(func() (any, error) {
		return c.inner.Stream(ctx, req, fn)
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		return nil, err
	}
	return out.(*Response), nil
}
