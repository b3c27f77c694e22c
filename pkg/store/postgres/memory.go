package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/codeready-toolchain/tiller/pkg/models"
	"github.com/codeready-toolchain/tiller/pkg/store"
)

// EpisodeStore is the PostgreSQL EpisodeStore. Embeddings live in a
// dedicated column in pgvector text form; the doc holds everything
// else.
type EpisodeStore struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// NewEpisodeStore wires an episode store onto the pool.
func NewEpisodeStore(pool *pgxpool.Pool) *EpisodeStore {
	return &EpisodeStore{
		pool: pool,
		now:  func() time.Time { return time.Now().UTC() },
	}
}

var _ store.EpisodeStore = (*EpisodeStore)(nil)

func (s *EpisodeStore) SaveEpisode(ctx context.Context, e *models.Episode) error {
	cp := clone(e)
	cp.Embedding = append([]float32(nil), e.Embedding...)
	if cp.OccurredAt.IsZero() {
		cp.OccurredAt = s.now()
	}
	doc, err := json.Marshal(cp)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO episodes (id, tenant_id, session_id, embedding, doc, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		cp.ID, cp.TenantID, cp.SessionID, encodeVector(cp.Embedding), doc, cp.OccurredAt)
	if isUniqueViolation(err) {
		return store.ErrAlreadyExists
	}
	return err
}

func (s *EpisodeStore) ListEpisodes(ctx context.Context, tenantID, sessionID string, limit int) ([]*models.Episode, error) {
	if !validUUID(sessionID) {
		return nil, nil
	}
	sql := `SELECT embedding, doc FROM episodes WHERE tenant_id = $1 AND session_id = $2 ORDER BY created_at DESC, id DESC`
	if limit > 0 {
		sql += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := s.pool.Query(ctx, sql, tenantID, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.Episode
	for rows.Next() {
		var (
			embedding *string
			doc       []byte
		)
		if err := rows.Scan(&embedding, &doc); err != nil {
			return nil, err
		}
		e, err := decodeDoc[models.Episode](doc)
		if err != nil {
			return nil, err
		}
		if embedding != nil {
			if e.Embedding, err = decodeVector(*embedding); err != nil {
				return nil, err
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// GraphStore is the PostgreSQL GraphStore. A partial unique index keeps
// at most one open edge per (from, to, kind), so supersession races
// fail loudly instead of forking history.
type GraphStore struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// NewGraphStore wires a graph store onto the pool.
func NewGraphStore(pool *pgxpool.Pool) *GraphStore {
	return &GraphStore{
		pool: pool,
		now:  func() time.Time { return time.Now().UTC() },
	}
}

var _ store.GraphStore = (*GraphStore)(nil)

func (s *GraphStore) UpsertEntity(ctx context.Context, e *models.Entity) error {
	cp := clone(e)
	now := s.now()
	if cp.ValidFrom.IsZero() {
		cp.ValidFrom = now
	}
	doc, err := json.Marshal(cp)
	if err != nil {
		return err
	}
	// The same real-world entity is often re-extracted under a fresh id;
	// the (tenant, kind, name) conflict folds it into the existing node.
	_, err = s.pool.Exec(ctx, `
		INSERT INTO graph_entities (id, tenant_id, name, kind, doc, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $6)
		ON CONFLICT (tenant_id, kind, name) DO UPDATE SET
			doc        = EXCLUDED.doc,
			updated_at = EXCLUDED.updated_at`,
		cp.ID, cp.TenantID, cp.Name, cp.Kind, doc, now)
	return err
}

func (s *GraphStore) SupersedeRelationship(ctx context.Context, r *models.Relationship) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	now := s.now()
	if _, err := tx.Exec(ctx, `
		UPDATE graph_relationships
		SET valid_to = $1, doc = doc || $2::jsonb
		WHERE tenant_id = $3 AND from_id = $4 AND to_id = $5 AND kind = $6 AND valid_to IS NULL`,
		now, jsonPatch(map[string]any{"valid_to": now}),
		r.TenantID, r.FromEntityID, r.ToEntityID, r.Kind); err != nil {
		return err
	}
	cp := clone(r)
	if cp.ValidFrom.IsZero() {
		cp.ValidFrom = now
	}
	cp.ValidTo = nil
	doc, err := json.Marshal(cp)
	if err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO graph_relationships (id, tenant_id, from_id, to_id, kind, valid_from, valid_to, doc)
		VALUES ($1, $2, $3, $4, $5, $6, NULL, $7)`,
		cp.ID, cp.TenantID, cp.FromEntityID, cp.ToEntityID, cp.Kind, cp.ValidFrom, doc); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *GraphStore) ListRelationships(ctx context.Context, tenantID, entityID string, openOnly bool) ([]*models.Relationship, error) {
	if !validUUID(entityID) {
		return nil, nil
	}
	sql := `SELECT doc FROM graph_relationships WHERE tenant_id = $1 AND (from_id = $2 OR to_id = $2)`
	if openOnly {
		sql += ` AND valid_to IS NULL`
	}
	sql += ` ORDER BY valid_from, id`
	rows, err := s.pool.Query(ctx, sql, tenantID, entityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.Relationship
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		r, err := decodeDoc[models.Relationship](doc)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
