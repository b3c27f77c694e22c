// Package audit records the immutable trail of what governed each turn.
// Sinks are fire-and-forget from the pipeline's point of view: a failing
// sink logs and never fails the turn it describes.
package audit

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Event types emitted by the engine.
const (
	EventTurnProcessed   = "turn.processed"
	EventTurnCancelled   = "turn.cancelled"
	EventPersistFailed   = "turn.persist_failed"
	EventRuleUnsure      = "rule.unsure"
	EventPlanDeployed    = "migration.deployed"
	EventLineageCycle    = "customer.lineage_cycle"
	EventConfigPublished = "config.published"
)

// Event is one immutable audit record.
type Event struct {
	Type      string         `json:"type"`
	TenantID  string         `json:"tenant_id"`
	AgentID   string         `json:"agent_id,omitempty"`
	SessionID string         `json:"session_id,omitempty"`
	TurnID    string         `json:"turn_id,omitempty"`
	At        time.Time      `json:"at"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// Sink receives audit events.
type Sink interface {
	Emit(ctx context.Context, e Event)
}

// LogSink writes events to the structured log.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink wires a log-backed sink.
func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger.With("component", "audit")}
}

// Emit logs the event.
func (s *LogSink) Emit(_ context.Context, e Event) {
	s.logger.Info("audit event",
		"type", e.Type,
		"tenant_id", e.TenantID,
		"agent_id", e.AgentID,
		"session_id", e.SessionID,
		"turn_id", e.TurnID,
		"payload", e.Payload,
	)
}

// MemorySink collects events for tests.
type MemorySink struct {
	mu     sync.Mutex
	events []Event
}

// NewMemorySink returns an empty sink.
func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

// Emit appends the event.
func (s *MemorySink) Emit(_ context.Context, e Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
}

// Events returns a copy of the recorded events.
func (s *MemorySink) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Event(nil), s.events...)
}

// OfType returns recorded events with the given type.
func (s *MemorySink) OfType(t string) []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Event
	for _, e := range s.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

// Fanout emits to several sinks.
type Fanout []Sink

// Emit forwards to every sink.
func (f Fanout) Emit(ctx context.Context, e Event) {
	for _, s := range f {
		s.Emit(ctx, e)
	}
}
