package postgres

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/codeready-toolchain/tiller/pkg/audit"
)

// AuditSink appends audit events to the audit_events table. Emitting is
// fire-and-forget: a write failure is logged and the turn it describes
// proceeds.
type AuditSink struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
	now    func() time.Time
}

// NewAuditSink wires a database-backed audit sink.
func NewAuditSink(pool *pgxpool.Pool, logger *slog.Logger) *AuditSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &AuditSink{
		pool:   pool,
		logger: logger.With("component", "audit"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

var _ audit.Sink = (*AuditSink)(nil)

// Emit records the event.
func (s *AuditSink) Emit(ctx context.Context, e audit.Event) {
	at := e.At
	if at.IsZero() {
		at = s.now()
	}
	var payload []byte
	if len(e.Payload) > 0 {
		var err error
		if payload, err = json.Marshal(e.Payload); err != nil {
			s.logger.Error("marshaling audit payload", "type", e.Type, "error", err)
			payload = nil
		}
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO audit_events (tenant_id, event_type, agent_id, session_id, turn_id, at, payload)
		VALUES ($1, $2, NULLIF($3, ''), NULLIF($4, ''), NULLIF($5, ''), $6, $7)`,
		e.TenantID, e.Type, e.AgentID, e.SessionID, e.TurnID, at, payload)
	if err != nil {
		s.logger.Error("writing audit event", "type", e.Type, "tenant_id", e.TenantID, "error", err)
	}
}
