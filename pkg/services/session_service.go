package services

import (
	"context"
	"log/slog"

	"github.com/codeready-toolchain/tiller/pkg/models"
	"github.com/codeready-toolchain/tiller/pkg/store"
)

// MaxTurnPageSize caps a single turn listing.
const MaxTurnPageSize = 100

// DefaultTurnPageSize applies when the caller does not pick a limit.
const DefaultTurnPageSize = 50

// SessionService exposes read and delete access to live conversation
// state. Sessions are created by the turn pipeline, never directly.
type SessionService struct {
	sessions store.SessionStore
	turns    store.TurnStore
	logger   *slog.Logger
}

// NewSessionService creates a new SessionService.
func NewSessionService(sessions store.SessionStore, turns store.TurnStore, logger *slog.Logger) *SessionService {
	if logger == nil {
		logger = slog.Default()
	}
	return &SessionService{sessions: sessions, turns: turns, logger: logger.With("component", "session_service")}
}

// GetSession returns the session including its scenario instances and
// step history.
func (s *SessionService) GetSession(ctx context.Context, tenantID, sessionID string) (*models.Session, error) {
	if err := requireIDs("tenant_id", tenantID, "session_id", sessionID); err != nil {
		return nil, err
	}
	sess, err := s.sessions.Get(ctx, tenantID, sessionID)
	if err != nil {
		return nil, wrapStoreErr(err, "session", sessionID)
	}
	return sess, nil
}

// DeleteSession removes the session. Persisted turns survive for audit.
func (s *SessionService) DeleteSession(ctx context.Context, tenantID, sessionID string) error {
	if err := requireIDs("tenant_id", tenantID, "session_id", sessionID); err != nil {
		return err
	}
	if err := s.sessions.Delete(ctx, tenantID, sessionID); err != nil {
		return wrapStoreErr(err, "session", sessionID)
	}
	s.logger.Info("session deleted", "tenant_id", tenantID, "session_id", sessionID)
	return nil
}

// ListSessions pages over an agent's sessions.
func (s *SessionService) ListSessions(ctx context.Context, tenantID, agentID string, opts store.ListOptions) ([]*models.Session, int, error) {
	if err := requireIDs("tenant_id", tenantID, "agent_id", agentID); err != nil {
		return nil, 0, err
	}
	sessions, total, err := s.sessions.ListByAgent(ctx, tenantID, agentID, opts)
	if err != nil {
		return nil, 0, wrapStoreErr(err, "session", agentID)
	}
	return sessions, total, nil
}

// ListTurns pages over a session's turn history. The limit is clamped
// to MaxTurnPageSize; an unset limit defaults to DefaultTurnPageSize.
func (s *SessionService) ListTurns(ctx context.Context, tenantID, sessionID string, limit, offset int, sort store.TurnSort) ([]*models.Turn, int, error) {
	if err := requireIDs("tenant_id", tenantID, "session_id", sessionID); err != nil {
		return nil, 0, err
	}
	if offset < 0 {
		return nil, 0, NewError(CodeInvalidRequest, "offset must be >= 0")
	}
	switch {
	case limit < 0:
		return nil, 0, NewError(CodeInvalidRequest, "limit must be >= 0")
	case limit == 0:
		limit = DefaultTurnPageSize
	case limit > MaxTurnPageSize:
		limit = MaxTurnPageSize
	}
	switch sort {
	case "":
		sort = store.TurnSortAsc
	case store.TurnSortAsc, store.TurnSortDesc:
	default:
		return nil, 0, NewError(CodeInvalidRequest, "sort must be %q or %q", store.TurnSortAsc, store.TurnSortDesc)
	}

	// The session must exist: an empty page for an unknown id would be
	// indistinguishable from a real session with no turns yet.
	if _, err := s.sessions.Get(ctx, tenantID, sessionID); err != nil {
		return nil, 0, wrapStoreErr(err, "session", sessionID)
	}
	turns, total, err := s.turns.ListTurns(ctx, tenantID, sessionID, limit, offset, sort)
	if err != nil {
		return nil, 0, wrapStoreErr(err, "turn", sessionID)
	}
	return turns, total, nil
}

// GetTurn fetches one persisted turn record.
func (s *SessionService) GetTurn(ctx context.Context, tenantID, turnID string) (*models.Turn, error) {
	if err := requireIDs("tenant_id", tenantID, "turn_id", turnID); err != nil {
		return nil, err
	}
	turn, err := s.turns.GetTurn(ctx, tenantID, turnID)
	if err != nil {
		return nil, wrapStoreErr(err, "turn", turnID)
	}
	return turn, nil
}
