// Package postgres implements the store contracts on PostgreSQL via
// pgx. Entities are persisted as JSONB documents with a handful of
// dedicated columns for indexing and constraint enforcement; the doc is
// the source of truth on read and the columns are rewritten on every
// write so the two never drift.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/codeready-toolchain/tiller/pkg/models"
	"github.com/codeready-toolchain/tiller/pkg/store"
)

// db is the query surface shared by *pgxpool.Pool and pgx.Tx, so the
// same helpers serve both transactional and plain paths.
type db interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const codeUniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == codeUniqueViolation
}

// validUUID guards id parameters bound to UUID columns: a malformed id
// can never match a row, so it reads as not-found rather than as an
// encoding error.
func validUUID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}

// clone deep-copies a JSON-safe value so callers never alias rows we
// are about to mutate before writing.
func clone[T any](v *T) *T {
	b, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("postgres: clone marshal: %v", err))
	}
	var out T
	if err := json.Unmarshal(b, &out); err != nil {
		panic(fmt.Sprintf("postgres: clone unmarshal: %v", err))
	}
	return &out
}

func decodeDoc[T any](b []byte) (*T, error) {
	var out T
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, fmt.Errorf("decoding %T doc: %w", out, err)
	}
	return &out, nil
}

// jsonPatch marshals a partial document for `doc || $n::jsonb` merges.
func jsonPatch(fields map[string]any) []byte {
	b, err := json.Marshal(fields)
	if err != nil {
		panic(fmt.Sprintf("postgres: patch marshal: %v", err))
	}
	return b
}

// encodeVector renders an embedding in pgvector text form so the column
// can be reindexed into a native vector type without rewriting rows.
func encodeVector(v []float32) *string {
	if len(v) == 0 {
		return nil
	}
	parts := make([]string, len(v))
	for i, f := range v {
		parts[i] = strconv.FormatFloat(float64(f), 'g', -1, 32)
	}
	s := "[" + strings.Join(parts, ",") + "]"
	return &s
}

func decodeVector(s string) ([]float32, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "[")
	s = strings.TrimSuffix(s, "]")
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	out := make([]float32, len(parts))
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 32)
		if err != nil {
			return nil, fmt.Errorf("parsing vector component %d: %w", i, err)
		}
		out[i] = float32(f)
	}
	return out, nil
}

// docMeta binds one catalogue entity to its doc table. extra returns
// the table's dedicated columns beyond the shared id/tenant/doc set.
type docMeta[T any] struct {
	table  string
	id     func(*T) string
	tenant func(*T) string
	stamps func(*T) *models.Timestamps
	extra  func(*T) ([]string, []any)
}

func getDoc[T any](ctx context.Context, q db, m docMeta[T], tenantID, id string, includeDeleted bool) (*T, error) {
	if !validUUID(id) {
		return nil, store.ErrNotFound
	}
	var (
		rowTenant string
		deletedAt *time.Time
		doc       []byte
	)
	err := q.QueryRow(ctx,
		fmt.Sprintf(`SELECT tenant_id, deleted_at, doc FROM %s WHERE id = $1`, m.table), id,
	).Scan(&rowTenant, &deletedAt, &doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if rowTenant != tenantID {
		return nil, store.ErrTenantMismatch
	}
	if deletedAt != nil && !includeDeleted {
		return nil, store.ErrNotFound
	}
	return decodeDoc[T](doc)
}

func createDoc[T any](ctx context.Context, q db, m docMeta[T], row *T, now time.Time) error {
	cp := clone(row)
	ts := m.stamps(cp)
	if ts.CreatedAt.IsZero() {
		ts.CreatedAt = now
	}
	ts.UpdatedAt = now
	doc, err := json.Marshal(cp)
	if err != nil {
		return err
	}
	cols := []string{"id", "tenant_id"}
	vals := []any{m.id(cp), m.tenant(cp)}
	if m.extra != nil {
		ec, ev := m.extra(cp)
		cols = append(cols, ec...)
		vals = append(vals, ev...)
	}
	cols = append(cols, "doc", "created_at", "updated_at")
	vals = append(vals, doc, ts.CreatedAt, ts.UpdatedAt)
	ph := make([]string, len(vals))
	for i := range vals {
		ph[i] = fmt.Sprintf("$%d", i+1)
	}
	_, err = q.Exec(ctx, fmt.Sprintf(`INSERT INTO %s (%s) VALUES (%s)`,
		m.table, strings.Join(cols, ", "), strings.Join(ph, ", ")), vals...)
	if isUniqueViolation(err) {
		return store.ErrAlreadyExists
	}
	return err
}

func updateDoc[T any](ctx context.Context, q db, m docMeta[T], row *T, now time.Time) error {
	existing, err := getDoc(ctx, q, m, m.tenant(row), m.id(row), false)
	if err != nil {
		return err
	}
	cp := clone(row)
	ts := m.stamps(cp)
	ts.CreatedAt = m.stamps(existing).CreatedAt
	ts.UpdatedAt = now
	ts.DeletedAt = nil
	doc, err := json.Marshal(cp)
	if err != nil {
		return err
	}
	var (
		sets []string
		vals []any
	)
	if m.extra != nil {
		ec, ev := m.extra(cp)
		for i, c := range ec {
			vals = append(vals, ev[i])
			sets = append(sets, fmt.Sprintf("%s = $%d", c, len(vals)))
		}
	}
	vals = append(vals, doc)
	sets = append(sets, fmt.Sprintf("doc = $%d", len(vals)))
	vals = append(vals, now)
	sets = append(sets, fmt.Sprintf("updated_at = $%d", len(vals)))
	sets = append(sets, "deleted_at = NULL")
	vals = append(vals, m.id(cp))
	_, err = q.Exec(ctx, fmt.Sprintf(`UPDATE %s SET %s WHERE id = $%d`,
		m.table, strings.Join(sets, ", "), len(vals)), vals...)
	if isUniqueViolation(err) {
		return store.ErrAlreadyExists
	}
	return err
}

func softDelete[T any](ctx context.Context, q db, m docMeta[T], tenantID, id string, now time.Time) error {
	existing, err := getDoc(ctx, q, m, tenantID, id, false)
	if err != nil {
		return err
	}
	ts := m.stamps(existing)
	deletedAt := now
	ts.DeletedAt = &deletedAt
	ts.UpdatedAt = now
	doc, err := json.Marshal(existing)
	if err != nil {
		return err
	}
	_, err = q.Exec(ctx,
		fmt.Sprintf(`UPDATE %s SET doc = $1, updated_at = $2, deleted_at = $2 WHERE id = $3`, m.table),
		doc, now, id)
	return err
}

// listDocs pages rows matching conds (which must already carry the
// tenant filter) in stable creation order. A custom orderBy serves the
// listings whose contract sorts on a dedicated column.
func listDocs[T any](ctx context.Context, q db, m docMeta[T], conds []string, args []any, opts store.ListOptions, orderBy string) ([]*T, int, error) {
	if !opts.IncludeDeleted {
		conds = append(conds, "deleted_at IS NULL")
	}
	where := strings.Join(conds, " AND ")
	var total int
	if err := q.QueryRow(ctx,
		fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE %s`, m.table, where), args...,
	).Scan(&total); err != nil {
		return nil, 0, err
	}
	if orderBy == "" {
		orderBy = "created_at, id"
	}
	sql := fmt.Sprintf(`SELECT doc FROM %s WHERE %s ORDER BY %s`, m.table, where, orderBy)
	if opts.Limit > 0 {
		sql += fmt.Sprintf(" LIMIT %d", opts.Limit)
	}
	if opts.Offset > 0 {
		sql += fmt.Sprintf(" OFFSET %d", opts.Offset)
	}
	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var out []*T
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, 0, err
		}
		row, err := decodeDoc[T](doc)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, row)
	}
	return out, total, rows.Err()
}
