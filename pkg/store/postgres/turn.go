package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/codeready-toolchain/tiller/pkg/models"
	"github.com/codeready-toolchain/tiller/pkg/store"
)

// TurnStore is the PostgreSQL TurnStore. Turns are immutable once
// written; a duplicate id or (session, turn_number) pair is rejected.
type TurnStore struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// NewTurnStore wires a turn store onto the pool.
func NewTurnStore(pool *pgxpool.Pool) *TurnStore {
	return &TurnStore{
		pool: pool,
		now:  func() time.Time { return time.Now().UTC() },
	}
}

var _ store.TurnStore = (*TurnStore)(nil)

func (s *TurnStore) SaveTurn(ctx context.Context, t *models.Turn) error {
	cp := clone(t)
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = s.now()
	}
	doc, err := json.Marshal(cp)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO turns (id, tenant_id, session_id, turn_number, user_message, assistant_response, doc, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		cp.ID, cp.TenantID, cp.SessionID, cp.TurnNumber, cp.UserMessage, cp.AssistantResponse, doc, cp.CreatedAt)
	if isUniqueViolation(err) {
		return store.ErrAlreadyExists
	}
	return err
}

func (s *TurnStore) GetTurn(ctx context.Context, tenantID, turnID string) (*models.Turn, error) {
	if !validUUID(turnID) {
		return nil, store.ErrNotFound
	}
	var (
		rowTenant string
		doc       []byte
	)
	err := s.pool.QueryRow(ctx,
		`SELECT tenant_id, doc FROM turns WHERE id = $1`, turnID).Scan(&rowTenant, &doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if rowTenant != tenantID {
		return nil, store.ErrTenantMismatch
	}
	return decodeDoc[models.Turn](doc)
}

func (s *TurnStore) ListTurns(ctx context.Context, tenantID, sessionID string, limit, offset int, sortOrder store.TurnSort) ([]*models.Turn, int, error) {
	if !validUUID(sessionID) {
		return nil, 0, nil
	}
	var total int
	if err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM turns WHERE tenant_id = $1 AND session_id = $2`,
		tenantID, sessionID).Scan(&total); err != nil {
		return nil, 0, err
	}
	dir := "ASC"
	if sortOrder == store.TurnSortDesc {
		dir = "DESC"
	}
	sql := fmt.Sprintf(`SELECT doc FROM turns WHERE tenant_id = $1 AND session_id = $2 ORDER BY turn_number %s`, dir)
	if limit > 0 {
		sql += fmt.Sprintf(" LIMIT %d", limit)
	}
	if offset > 0 {
		sql += fmt.Sprintf(" OFFSET %d", offset)
	}
	rows, err := s.pool.Query(ctx, sql, tenantID, sessionID)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var out []*models.Turn
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, 0, err
		}
		t, err := decodeDoc[models.Turn](doc)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, t)
	}
	return out, total, rows.Err()
}
