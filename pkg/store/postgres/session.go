package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/codeready-toolchain/tiller/pkg/models"
	"github.com/codeready-toolchain/tiller/pkg/store"
)

// SessionStore is the PostgreSQL SessionStore. Leases live in their own
// table so acquisition is one atomic upsert; the step-hash side table is
// rebuilt on every save and backs the migration deploy lookup.
type SessionStore struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// NewSessionStore wires a session store onto the pool.
func NewSessionStore(pool *pgxpool.Pool) *SessionStore {
	return &SessionStore{
		pool: pool,
		now:  func() time.Time { return time.Now().UTC() },
	}
}

var _ store.SessionStore = (*SessionStore)(nil)

func (s *SessionStore) Get(ctx context.Context, tenantID, sessionID string) (*models.Session, error) {
	return s.get(ctx, s.pool, tenantID, sessionID, false)
}

func (s *SessionStore) get(ctx context.Context, q db, tenantID, sessionID string, forUpdate bool) (*models.Session, error) {
	if !validUUID(sessionID) {
		return nil, store.ErrNotFound
	}
	sql := `SELECT doc FROM sessions WHERE id = $1 AND tenant_id = $2`
	if forUpdate {
		sql += " FOR UPDATE"
	}
	var doc []byte
	err := q.QueryRow(ctx, sql, sessionID, tenantID).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	sess, err := decodeDoc[models.Session](doc)
	if err != nil {
		return nil, err
	}
	if sess.IsDeleted() {
		return nil, store.ErrNotFound
	}
	return sess, nil
}

func (s *SessionStore) Save(ctx context.Context, sess *models.Session) error {
	if err := sess.Validate(); err != nil {
		return err
	}
	cp := clone(sess)
	now := s.now()
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now
	}
	cp.UpdatedAt = now
	doc, err := json.Marshal(cp)
	if err != nil {
		return err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `
		INSERT INTO sessions (id, tenant_id, agent_id, channel, user_channel_id, customer_profile_id,
			status, turn_count, doc, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO UPDATE SET
			agent_id            = EXCLUDED.agent_id,
			channel             = EXCLUDED.channel,
			user_channel_id     = EXCLUDED.user_channel_id,
			customer_profile_id = EXCLUDED.customer_profile_id,
			status              = EXCLUDED.status,
			turn_count          = EXCLUDED.turn_count,
			doc                 = EXCLUDED.doc,
			created_at          = EXCLUDED.created_at,
			updated_at          = EXCLUDED.updated_at`,
		cp.ID, cp.TenantID, cp.AgentID, cp.Channel, cp.UserChannelID, cp.CustomerProfileID,
		string(cp.Status), cp.TurnCount, doc, cp.CreatedAt, cp.UpdatedAt); err != nil {
		return err
	}

	// Rebuild the step-hash rows for the session's live instances.
	if _, err := tx.Exec(ctx,
		`DELETE FROM session_step_hashes WHERE session_id = $1`, cp.ID); err != nil {
		return err
	}
	for _, si := range cp.ActiveScenarios {
		if si.Status != models.InstanceStatusActive && si.Status != models.InstanceStatusPaused {
			continue
		}
		visit := cp.LastVisitFor(si.ScenarioID)
		if visit == nil {
			continue
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO session_step_hashes (session_id, tenant_id, scenario_id, scenario_version, step_content_hash)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (session_id, scenario_id) DO UPDATE SET
				scenario_version  = EXCLUDED.scenario_version,
				step_content_hash = EXCLUDED.step_content_hash`,
			cp.ID, cp.TenantID, si.ScenarioID, si.ScenarioVersion, visit.StepContentHash); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

func (s *SessionStore) Delete(ctx context.Context, tenantID, sessionID string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	sess, err := s.get(ctx, tx, tenantID, sessionID, true)
	if err != nil {
		return err
	}
	now := s.now()
	sess.DeletedAt = &now
	sess.UpdatedAt = now
	doc, err := json.Marshal(sess)
	if err != nil {
		return err
	}
	if _, err := tx.Exec(ctx,
		`UPDATE sessions SET doc = $1, updated_at = $2 WHERE id = $3`,
		doc, now, sessionID); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx,
		`DELETE FROM session_step_hashes WHERE session_id = $1`, sessionID); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *SessionStore) FindByIdentity(ctx context.Context, tenantID, agentID, channel, userChannelID string) (*models.Session, error) {
	if !validUUID(agentID) {
		return nil, store.ErrNotFound
	}
	var doc []byte
	err := s.pool.QueryRow(ctx, `
		SELECT doc FROM sessions
		WHERE tenant_id = $1 AND agent_id = $2 AND channel = $3 AND user_channel_id = $4
		  AND status <> $5 AND doc->>'deleted_at' IS NULL
		ORDER BY created_at DESC, id DESC
		LIMIT 1`,
		tenantID, agentID, channel, userChannelID, string(models.SessionStatusClosed)).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return decodeDoc[models.Session](doc)
}

func (s *SessionStore) list(ctx context.Context, conds []string, args []any, opts store.ListOptions) ([]*models.Session, int, error) {
	if !opts.IncludeDeleted {
		conds = append(conds, "doc->>'deleted_at' IS NULL")
	}
	where := joinAnd(conds)
	var total int
	if err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM sessions WHERE `+where, args...,
	).Scan(&total); err != nil {
		return nil, 0, err
	}
	sql := `SELECT doc FROM sessions WHERE ` + where + ` ORDER BY created_at, id`
	if opts.Limit > 0 {
		sql += fmt.Sprintf(" LIMIT %d", opts.Limit)
	}
	if opts.Offset > 0 {
		sql += fmt.Sprintf(" OFFSET %d", opts.Offset)
	}
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var out []*models.Session
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, 0, err
		}
		sess, err := decodeDoc[models.Session](doc)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, sess)
	}
	return out, total, rows.Err()
}

func (s *SessionStore) ListByAgent(ctx context.Context, tenantID, agentID string, opts store.ListOptions) ([]*models.Session, int, error) {
	if !validUUID(agentID) {
		return nil, 0, nil
	}
	return s.list(ctx, []string{"tenant_id = $1", "agent_id = $2"}, []any{tenantID, agentID}, opts)
}

func (s *SessionStore) ListByCustomer(ctx context.Context, tenantID, customerID string, opts store.ListOptions) ([]*models.Session, int, error) {
	if !validUUID(customerID) {
		return nil, 0, nil
	}
	return s.list(ctx, []string{"tenant_id = $1", "customer_profile_id = $2"}, []any{tenantID, customerID}, opts)
}

// FindByStepHash joins the step-hash side table; only live instances at
// the named version have rows there, so the hash match is the whole
// predicate. The scope filter matches via JSONB containment on the
// session metadata.
func (s *SessionStore) FindByStepHash(ctx context.Context, tenantID, scenarioID string, version int, stepContentHash string, scopeFilter map[string]string) ([]*models.Session, error) {
	if !validUUID(scenarioID) {
		return nil, nil
	}
	args := []any{tenantID, scenarioID, version, stepContentHash}
	sql := `
		SELECT s.doc FROM sessions s
		JOIN session_step_hashes h ON h.session_id = s.id
		WHERE h.tenant_id = $1 AND h.scenario_id = $2 AND h.scenario_version = $3 AND h.step_content_hash = $4
		  AND s.doc->>'deleted_at' IS NULL`
	if len(scopeFilter) > 0 {
		filter, err := json.Marshal(scopeFilter)
		if err != nil {
			return nil, err
		}
		args = append(args, filter)
		sql += fmt.Sprintf(" AND s.doc->'metadata' @> $%d", len(args))
	}
	sql += " ORDER BY s.id"

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.Session
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		sess, err := decodeDoc[models.Session](doc)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// MarkPendingMigration sets the marker on every listed session inside
// one transaction; a missing session rolls the whole batch back.
func (s *SessionStore) MarkPendingMigration(ctx context.Context, tenantID string, sessionIDs []string, pm *models.PendingMigration) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	now := s.now()
	for _, id := range sessionIDs {
		sess, err := s.get(ctx, tx, tenantID, id, true)
		if err != nil {
			return err
		}
		marker := *pm
		sess.PendingMigration = &marker
		sess.UpdatedAt = now
		doc, err := json.Marshal(sess)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx,
			`UPDATE sessions SET doc = $1, updated_at = $2 WHERE id = $3`,
			doc, now, id); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

// AcquireLease is one atomic upsert: the conditional DO UPDATE only
// fires when the held lease has expired, so zero affected rows means
// another turn holds it.
func (s *SessionStore) AcquireLease(ctx context.Context, tenantID, sessionID string, ttl time.Duration) (store.LeaseToken, error) {
	now := s.now()
	token := uuid.NewString()
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO session_leases (tenant_id, session_id, token, expires_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (tenant_id, session_id) DO UPDATE SET
			token      = EXCLUDED.token,
			expires_at = EXCLUDED.expires_at
		WHERE session_leases.expires_at <= $5`,
		tenantID, sessionID, token, now.Add(ttl), now)
	if err != nil {
		return store.LeaseToken{}, err
	}
	if tag.RowsAffected() == 0 {
		return store.LeaseToken{}, store.ErrSessionBusy
	}
	return store.LeaseToken{TenantID: tenantID, SessionID: sessionID, Token: token}, nil
}

func (s *SessionStore) ReleaseLease(ctx context.Context, token store.LeaseToken) error {
	// Releasing a lost or expired lease deletes nothing, which is fine.
	_, err := s.pool.Exec(ctx,
		`DELETE FROM session_leases WHERE tenant_id = $1 AND session_id = $2 AND token = $3`,
		token.TenantID, token.SessionID, token.Token)
	return err
}
