// Package telemetry carries the dependency-injected observability
// handles every component receives: a structured logger, an OpenTelemetry
// tracer and the meter instruments named in the operations contract.
// There is no package-level mutable state; main builds one RuntimeContext
// and threads it down.
package telemetry

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const scopeName = "github.com/codeready-toolchain/tiller"

// Metrics bundles the meter instruments the engine reports on.
type Metrics struct {
	RequestCount        metric.Int64Counter
	RequestLatency      metric.Float64Histogram
	LLMTokens           metric.Int64Counter
	RulesMatched        metric.Int64Counter
	ActiveSessions      metric.Int64UpDownCounter
	Errors              metric.Int64Counter
	PipelineStepLatency metric.Float64Histogram
	MemoryEpisodes      metric.Int64Counter
	MemoryEntities      metric.Int64Counter
	CacheHits           metric.Int64Counter
	CacheMisses         metric.Int64Counter
	CacheInvalidations  metric.Int64Counter
	CacheErrors         metric.Int64Counter
}

// RuntimeContext is the injected observability bundle.
type RuntimeContext struct {
	Logger  *slog.Logger
	Tracer  trace.Tracer
	Metrics *Metrics
}

// New builds a RuntimeContext on the given providers. Nil providers fall
// back to the otel globals, which are no-ops unless an exporter pipeline
// was installed (exporters stay outside this module).
func New(logger *slog.Logger, tp trace.TracerProvider, mp metric.MeterProvider) (*RuntimeContext, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	meter := mp.Meter(scopeName)

	m := &Metrics{}
	var err error
	if m.RequestCount, err = meter.Int64Counter("request_count"); err != nil {
		return nil, err
	}
	if m.RequestLatency, err = meter.Float64Histogram("request_latency", metric.WithUnit("ms")); err != nil {
		return nil, err
	}
	if m.LLMTokens, err = meter.Int64Counter("llm_tokens"); err != nil {
		return nil, err
	}
	if m.RulesMatched, err = meter.Int64Counter("rules_matched"); err != nil {
		return nil, err
	}
	if m.ActiveSessions, err = meter.Int64UpDownCounter("active_sessions"); err != nil {
		return nil, err
	}
	if m.Errors, err = meter.Int64Counter("errors"); err != nil {
		return nil, err
	}
	if m.PipelineStepLatency, err = meter.Float64Histogram("pipeline_step_latency", metric.WithUnit("ms")); err != nil {
		return nil, err
	}
	if m.MemoryEpisodes, err = meter.Int64Counter("memory_episodes"); err != nil {
		return nil, err
	}
	if m.MemoryEntities, err = meter.Int64Counter("memory_entities"); err != nil {
		return nil, err
	}
	if m.CacheHits, err = meter.Int64Counter("profile_cache_hits"); err != nil {
		return nil, err
	}
	if m.CacheMisses, err = meter.Int64Counter("profile_cache_misses"); err != nil {
		return nil, err
	}
	if m.CacheInvalidations, err = meter.Int64Counter("profile_cache_invalidations"); err != nil {
		return nil, err
	}
	if m.CacheErrors, err = meter.Int64Counter("profile_cache_errors"); err != nil {
		return nil, err
	}

	return &RuntimeContext{
		Logger:  logger,
		Tracer:  tp.Tracer(scopeName),
		Metrics: m,
	}, nil
}

// NewNop returns a RuntimeContext that records nothing; used by tests
// and as the fallback when callers pass nil.
func NewNop() *RuntimeContext {
	rc, _ := New(slog.New(slog.DiscardHandler), nil, nil)
	return rc
}

// OrNop returns rc, or a no-op context when rc is nil.
func OrNop(rc *RuntimeContext) *RuntimeContext {
	if rc == nil {
		return NewNop()
	}
	return rc
}

// StartPhase opens a child span for one pipeline phase with the standard
// attributes. The returned end function records the step latency metric.
func (rc *RuntimeContext) StartPhase(ctx context.Context, step, tenantID, agentID, sessionID, turnID string) (context.Context, func()) {
	ctx, span := rc.Tracer.Start(ctx, step, trace.WithAttributes(
		attribute.String("tenant_id", tenantID),
		attribute.String("agent_id", agentID),
		attribute.String("session_id", sessionID),
		attribute.String("turn_id", turnID),
		attribute.String("step", step),
	))
	start := time.Now()
	return ctx, func() {
		rc.Metrics.PipelineStepLatency.Record(ctx, float64(time.Since(start).Milliseconds()),
			metric.WithAttributes(attribute.String("step", step)))
		span.End()
	}
}

// CountError bumps the errors counter with a type attribute.
func (rc *RuntimeContext) CountError(ctx context.Context, errType string) {
	rc.Metrics.Errors.Add(ctx, 1, metric.WithAttributes(attribute.String("type", errType)))
}

// CountTokens records LLM token usage.
func (rc *RuntimeContext) CountTokens(ctx context.Context, provider, model, direction string, n int64) {
	if n <= 0 {
		return
	}
	rc.Metrics.LLMTokens.Add(ctx, n, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("model", model),
		attribute.String("direction", direction),
	))
}
