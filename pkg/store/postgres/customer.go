package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/codeready-toolchain/tiller/pkg/models"
	"github.com/codeready-toolchain/tiller/pkg/store"
)

// CustomerStore is the PostgreSQL CustomerDataStore. Entries are the
// source of truth; profile field maps are reconstructed from the ACTIVE
// rows on read. The single-ACTIVE-per-name invariant is also enforced
// by a partial unique index, so a racing writer fails loudly instead of
// leaving two winners.
type CustomerStore struct {
	pool *pgxpool.Pool
	now  func() time.Time
	// historyCap bounds per-field history. Entries newer than
	// retentionDays are never dropped; the cap only trims older ones.
	historyCap    int
	retentionDays int
}

// NewCustomerStore wires a customer store onto the pool.
func NewCustomerStore(pool *pgxpool.Pool) *CustomerStore {
	return &CustomerStore{
		pool:          pool,
		now:           func() time.Time { return time.Now().UTC() },
		historyCap:    50,
		retentionDays: 30,
	}
}

var _ store.CustomerDataStore = (*CustomerStore)(nil)

func (s *CustomerStore) CreateProfile(ctx context.Context, p *models.CustomerProfile) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	for _, ci := range p.ChannelIdentities {
		var owner string
		err := tx.QueryRow(ctx,
			`SELECT customer_id FROM channel_identities WHERE tenant_id = $1 AND channel = $2 AND channel_user_id = $3`,
			p.TenantID, ci.Channel, ci.ChannelUserID).Scan(&owner)
		if err == nil && owner != p.CustomerID {
			return store.ErrIdentityLinked
		}
		if err != nil && !errors.Is(err, pgx.ErrNoRows) {
			return err
		}
	}

	cp := clone(p)
	now := s.now()
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now
	}
	cp.UpdatedAt = now
	cp.Fields = nil
	doc, err := json.Marshal(cp)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO customer_profiles (customer_id, tenant_id, doc, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)`,
		cp.CustomerID, cp.TenantID, doc, cp.CreatedAt, cp.UpdatedAt)
	if isUniqueViolation(err) {
		return store.ErrAlreadyExists
	}
	if err != nil {
		return err
	}
	for _, ci := range cp.ChannelIdentities {
		linkedAt := ci.LinkedAt
		if linkedAt.IsZero() {
			linkedAt = now
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO channel_identities (tenant_id, channel, channel_user_id, customer_id, linked_at)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (tenant_id, channel, channel_user_id) DO UPDATE SET
				customer_id = EXCLUDED.customer_id,
				linked_at   = EXCLUDED.linked_at`,
			cp.TenantID, ci.Channel, ci.ChannelUserID, cp.CustomerID, linkedAt); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

// loadProfile reads the stored profile root without its field map.
func (s *CustomerStore) loadProfile(ctx context.Context, q db, tenantID, customerID string, forUpdate bool) (*models.CustomerProfile, error) {
	if !validUUID(customerID) {
		return nil, store.ErrNotFound
	}
	sql := `SELECT doc FROM customer_profiles WHERE customer_id = $1 AND tenant_id = $2`
	if forUpdate {
		sql += " FOR UPDATE"
	}
	var doc []byte
	err := q.QueryRow(ctx, sql, customerID, tenantID).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	p, err := decodeDoc[models.CustomerProfile](doc)
	if err != nil {
		return nil, err
	}
	if p.IsDeleted() {
		return nil, store.ErrNotFound
	}
	return p, nil
}

// profileExists checks the row regardless of soft deletion; entry
// writes against a deleted profile still land, matching how history is
// retained past profile deletion.
func (s *CustomerStore) profileExists(ctx context.Context, q db, tenantID, customerID string) error {
	if !validUUID(customerID) {
		return store.ErrNotFound
	}
	var one int
	err := q.QueryRow(ctx,
		`SELECT 1 FROM customer_profiles WHERE customer_id = $1 AND tenant_id = $2`,
		customerID, tenantID).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return store.ErrNotFound
	}
	return err
}

// expireCustomer transitions ACTIVE entries past expiry for one
// customer so status-aware reads never see a stale ACTIVE value.
func (s *CustomerStore) expireCustomer(ctx context.Context, q db, tenantID, customerID string) error {
	_, err := q.Exec(ctx, `
		UPDATE variable_entries
		SET status = $1, doc = doc || $2::jsonb
		WHERE tenant_id = $3 AND customer_id = $4 AND status = $5
		  AND expires_at IS NOT NULL AND expires_at <= $6`,
		string(models.EntryStatusExpired),
		jsonPatch(map[string]any{"status": models.EntryStatusExpired}),
		tenantID, customerID, string(models.EntryStatusActive), s.now())
	return err
}

// assemble fills the profile's field map from the ACTIVE entries.
func (s *CustomerStore) assemble(ctx context.Context, q db, p *models.CustomerProfile) (*models.CustomerProfile, error) {
	if err := s.expireCustomer(ctx, q, p.TenantID, p.CustomerID); err != nil {
		return nil, err
	}
	rows, err := q.Query(ctx,
		`SELECT doc FROM variable_entries WHERE tenant_id = $1 AND customer_id = $2 AND status = $3`,
		p.TenantID, p.CustomerID, string(models.EntryStatusActive))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	p.Fields = make(map[string]*models.VariableEntry)
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		e, err := decodeDoc[models.VariableEntry](doc)
		if err != nil {
			return nil, err
		}
		p.Fields[e.Name] = e
	}
	return p, rows.Err()
}

func (s *CustomerStore) GetProfile(ctx context.Context, tenantID, customerID string) (*models.CustomerProfile, error) {
	p, err := s.loadProfile(ctx, s.pool, tenantID, customerID, false)
	if err != nil {
		return nil, err
	}
	return s.assemble(ctx, s.pool, p)
}

func (s *CustomerStore) GetProfileByIdentity(ctx context.Context, tenantID, channel, channelUserID string) (*models.CustomerProfile, error) {
	var customerID string
	err := s.pool.QueryRow(ctx,
		`SELECT customer_id FROM channel_identities WHERE tenant_id = $1 AND channel = $2 AND channel_user_id = $3`,
		tenantID, channel, channelUserID).Scan(&customerID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return s.GetProfile(ctx, tenantID, customerID)
}

func (s *CustomerStore) DeleteProfile(ctx context.Context, tenantID, customerID string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	p, err := s.loadProfile(ctx, tx, tenantID, customerID, true)
	if err != nil {
		return err
	}
	now := s.now()
	p.DeletedAt = &now
	p.UpdatedAt = now
	doc, err := json.Marshal(p)
	if err != nil {
		return err
	}
	if _, err := tx.Exec(ctx,
		`UPDATE customer_profiles SET doc = $1, updated_at = $2, deleted_at = $2 WHERE customer_id = $3`,
		doc, now, customerID); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx,
		`DELETE FROM channel_identities WHERE tenant_id = $1 AND customer_id = $2`,
		tenantID, customerID); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *CustomerStore) LinkIdentity(ctx context.Context, tenantID, customerID, channel, channelUserID string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	p, err := s.loadProfile(ctx, tx, tenantID, customerID, true)
	if err != nil {
		return err
	}
	var owner string
	err = tx.QueryRow(ctx,
		`SELECT customer_id FROM channel_identities WHERE tenant_id = $1 AND channel = $2 AND channel_user_id = $3`,
		tenantID, channel, channelUserID).Scan(&owner)
	if err == nil {
		if owner == customerID {
			return nil
		}
		return store.ErrIdentityLinked
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return err
	}
	now := s.now()
	if _, err := tx.Exec(ctx, `
		INSERT INTO channel_identities (tenant_id, channel, channel_user_id, customer_id, linked_at)
		VALUES ($1, $2, $3, $4, $5)`,
		tenantID, channel, channelUserID, customerID, now); err != nil {
		return err
	}
	p.ChannelIdentities = append(p.ChannelIdentities, models.ChannelIdentity{
		Channel:       channel,
		ChannelUserID: channelUserID,
		LinkedAt:      now,
	})
	p.UpdatedAt = now
	doc, err := json.Marshal(p)
	if err != nil {
		return err
	}
	if _, err := tx.Exec(ctx,
		`UPDATE customer_profiles SET doc = $1, updated_at = $2 WHERE customer_id = $3`,
		doc, now, customerID); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// supersedePatch marks a row superseded by the given winner.
func supersedePatch(winnerID string, at time.Time) []byte {
	return jsonPatch(map[string]any{
		"status":           models.EntryStatusSuperseded,
		"superseded_by_id": winnerID,
		"superseded_at":    at,
	})
}

// UpdateFieldEntry writes the new ACTIVE entry, superseding the prior
// ACTIVE value for the same (customer, name).
func (s *CustomerStore) UpdateFieldEntry(ctx context.Context, entry *models.VariableEntry) (*models.VariableEntry, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	if err := s.profileExists(ctx, tx, entry.TenantID, entry.CustomerID); err != nil {
		return nil, err
	}
	cp := clone(entry)
	now := s.now()
	cp.Status = models.EntryStatusActive
	if cp.CollectedAt.IsZero() {
		cp.CollectedAt = now
	}
	if err := cp.Validate(); err != nil {
		return nil, err
	}

	if _, err := tx.Exec(ctx, `
		UPDATE variable_entries
		SET status = $1, superseded_by_id = $2, superseded_at = $3, doc = doc || $4::jsonb
		WHERE tenant_id = $5 AND customer_id = $6 AND name = $7 AND status = $8`,
		string(models.EntryStatusSuperseded), cp.ID, now, supersedePatch(cp.ID, now),
		cp.TenantID, cp.CustomerID, cp.Name, string(models.EntryStatusActive)); err != nil {
		return nil, err
	}

	doc, err := json.Marshal(cp)
	if err != nil {
		return nil, err
	}
	value, err := json.Marshal(cp.Value)
	if err != nil {
		return nil, err
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO variable_entries (id, tenant_id, customer_id, name, value, value_type, source,
			status, collected_at, expires_at, superseded_by_id, superseded_at, doc)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NULL, NULL, $11)`,
		cp.ID, cp.TenantID, cp.CustomerID, cp.Name, value, string(cp.ValueType), string(cp.Source),
		string(cp.Status), cp.CollectedAt, cp.ExpiresAt, doc)
	if isUniqueViolation(err) {
		return nil, store.ErrAlreadyExists
	}
	if err != nil {
		return nil, err
	}
	if err := s.trimHistory(ctx, tx, cp.TenantID, cp.CustomerID, cp.Name, now); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return clone(cp), nil
}

// trimHistory drops the oldest non-ACTIVE entries of a field past the
// cap, never touching entries inside the retention window.
func (s *CustomerStore) trimHistory(ctx context.Context, q db, tenantID, customerID, name string, now time.Time) error {
	if s.historyCap <= 0 {
		return nil
	}
	var history int
	if err := q.QueryRow(ctx, `
		SELECT COUNT(*) FROM variable_entries
		WHERE tenant_id = $1 AND customer_id = $2 AND name = $3 AND status <> $4`,
		tenantID, customerID, name, string(models.EntryStatusActive)).Scan(&history); err != nil {
		return err
	}
	excess := history - s.historyCap
	if excess <= 0 {
		return nil
	}
	retentionFloor := now.AddDate(0, 0, -s.retentionDays)
	_, err := q.Exec(ctx, `
		DELETE FROM variable_entries WHERE id IN (
			SELECT id FROM variable_entries
			WHERE tenant_id = $1 AND customer_id = $2 AND name = $3 AND status <> $4
			  AND collected_at <= $5
			ORDER BY collected_at ASC
			LIMIT $6)`,
		tenantID, customerID, name, string(models.EntryStatusActive), retentionFloor, excess)
	return err
}

func (s *CustomerStore) QueryField(ctx context.Context, tenantID, customerID, name string, q store.FieldQuery) ([]*models.VariableEntry, error) {
	if err := s.profileExists(ctx, s.pool, tenantID, customerID); err != nil {
		return nil, err
	}
	if q.Status != "" {
		if err := s.expireCustomer(ctx, s.pool, tenantID, customerID); err != nil {
			return nil, err
		}
	}
	conds := []string{"tenant_id = $1", "customer_id = $2", "name = $3"}
	args := []any{tenantID, customerID, name}
	if q.Status != "" && !q.IncludeHistory {
		args = append(args, string(q.Status))
		conds = append(conds, fmt.Sprintf("status = $%d", len(args)))
	}
	sql := `SELECT doc FROM variable_entries WHERE ` + joinAnd(conds) + ` ORDER BY collected_at DESC, id DESC`
	if q.Limit > 0 {
		sql += fmt.Sprintf(" LIMIT %d", q.Limit)
	}
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.VariableEntry
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		e, err := decodeDoc[models.VariableEntry](doc)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *CustomerStore) ExpireEntries(ctx context.Context, tenantID string, now time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE variable_entries
		SET status = $1, doc = doc || $2::jsonb
		WHERE tenant_id = $3 AND status = $4
		  AND expires_at IS NOT NULL AND expires_at <= $5`,
		string(models.EntryStatusExpired),
		jsonPatch(map[string]any{"status": models.EntryStatusExpired}),
		tenantID, string(models.EntryStatusActive), now)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

// ExpireAllEntries is the cross-tenant maintenance sweep the server
// process runs on a timer. Per-tenant sweeps stay on the store
// contract; this one lives on the concrete store only.
func (s *CustomerStore) ExpireAllEntries(ctx context.Context, now time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE variable_entries
		SET status = $1, doc = doc || $2::jsonb
		WHERE status = $3
		  AND expires_at IS NOT NULL AND expires_at <= $4`,
		string(models.EntryStatusExpired),
		jsonPatch(map[string]any{"status": models.EntryStatusExpired}),
		string(models.EntryStatusActive), now)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

// MarkOrphans walks each ACTIVE entry's derivation chain. An entry
// whose source is missing or no longer ACTIVE flips to ORPHANED, as
// does an entry whose chain revisits an id (lineage cycle) or exceeds
// the depth bound without resolving.
func (s *CustomerStore) MarkOrphans(ctx context.Context, tenantID, customerID string) ([]string, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	if err := s.profileExists(ctx, tx, tenantID, customerID); err != nil {
		return nil, err
	}
	rows, err := tx.Query(ctx,
		`SELECT doc FROM variable_entries WHERE tenant_id = $1 AND customer_id = $2`,
		tenantID, customerID)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]*models.VariableEntry)
	var entries []*models.VariableEntry
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			rows.Close()
			return nil, err
		}
		e, err := decodeDoc[models.VariableEntry](doc)
		if err != nil {
			rows.Close()
			return nil, err
		}
		byID[e.ID] = e
		entries = append(entries, e)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var orphaned []string
	for _, e := range entries {
		if e.Status != models.EntryStatusActive || e.SourceItemID == nil {
			continue
		}
		broken, err := s.chainBroken(ctx, tx, byID, e)
		if err != nil {
			return nil, err
		}
		if broken {
			orphaned = append(orphaned, e.ID)
		}
	}
	if len(orphaned) > 0 {
		if _, err := tx.Exec(ctx, `
			UPDATE variable_entries SET status = $1, doc = doc || $2::jsonb WHERE id = ANY($3)`,
			string(models.EntryStatusOrphaned),
			jsonPatch(map[string]any{"status": models.EntryStatusOrphaned}),
			orphaned); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	sort.Strings(orphaned)
	return orphaned, nil
}

func (s *CustomerStore) chainBroken(ctx context.Context, q db, byID map[string]*models.VariableEntry, e *models.VariableEntry) (bool, error) {
	visited := map[string]bool{e.ID: true}
	cur := e
	for depth := 0; depth < store.MaxDerivationDepth; depth++ {
		if cur.SourceItemID == nil {
			return false, nil
		}
		src, ok := byID[*cur.SourceItemID]
		if !ok {
			// Sources can live on another profile after a merge.
			fetched, found, err := s.lookupEntry(ctx, q, e.TenantID, *cur.SourceItemID)
			if err != nil {
				return false, err
			}
			if found {
				byID[fetched.ID] = fetched
				src, ok = fetched, true
			}
		}
		if !ok || src.Status != models.EntryStatusActive {
			return true, nil
		}
		if visited[src.ID] {
			// Lineage cycle.
			return true, nil
		}
		visited[src.ID] = true
		cur = src
	}
	// Depth bound exhausted without reaching a root: unverifiable, so
	// treated as broken.
	return true, nil
}

func (s *CustomerStore) lookupEntry(ctx context.Context, q db, tenantID, id string) (*models.VariableEntry, bool, error) {
	if !validUUID(id) {
		return nil, false, nil
	}
	var doc []byte
	err := q.QueryRow(ctx,
		`SELECT doc FROM variable_entries WHERE id = $1 AND tenant_id = $2`, id, tenantID).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	e, err := decodeDoc[models.VariableEntry](doc)
	if err != nil {
		return nil, false, err
	}
	return e, true, nil
}

// MergeProfiles folds source into target: identities union, fields keep
// the later write, histories concatenate, source is deleted. Active
// collisions are resolved before entries move so the single-ACTIVE
// index never sees two winners for one name. Running the merge again
// after it succeeded is a no-op.
func (s *CustomerStore) MergeProfiles(ctx context.Context, tenantID, targetID, sourceID string) (*models.CustomerProfile, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	target, err := s.loadProfile(ctx, tx, tenantID, targetID, true)
	if err != nil {
		return nil, err
	}
	source, err := s.loadProfile(ctx, tx, tenantID, sourceID, true)
	if errors.Is(err, store.ErrNotFound) {
		// Already merged (or never existed): idempotent success.
		return s.GetProfile(ctx, tenantID, targetID)
	}
	if err != nil {
		return nil, err
	}
	now := s.now()

	for _, ci := range source.ChannelIdentities {
		if !target.HasIdentity(ci.Channel, ci.ChannelUserID) {
			target.ChannelIdentities = append(target.ChannelIdentities, ci)
		}
	}
	if _, err := tx.Exec(ctx,
		`UPDATE channel_identities SET customer_id = $1 WHERE tenant_id = $2 AND customer_id = $3`,
		targetID, tenantID, sourceID); err != nil {
		return nil, err
	}

	// Resolve the single ACTIVE winner per field by latest collection
	// time across both profiles, superseding losers in place.
	actives := make(map[string][]*models.VariableEntry)
	rows, err := tx.Query(ctx, `
		SELECT doc FROM variable_entries
		WHERE tenant_id = $1 AND customer_id = ANY($2) AND status = $3`,
		tenantID, []string{targetID, sourceID}, string(models.EntryStatusActive))
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			rows.Close()
			return nil, err
		}
		e, err := decodeDoc[models.VariableEntry](doc)
		if err != nil {
			rows.Close()
			return nil, err
		}
		actives[e.Name] = append(actives[e.Name], e)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, group := range actives {
		if len(group) < 2 {
			continue
		}
		sort.Slice(group, func(i, j int) bool {
			if group[i].CollectedAt.Equal(group[j].CollectedAt) {
				return group[i].ID > group[j].ID
			}
			return group[i].CollectedAt.After(group[j].CollectedAt)
		})
		winner := group[0]
		for _, loser := range group[1:] {
			if _, err := tx.Exec(ctx, `
				UPDATE variable_entries
				SET status = $1, superseded_by_id = $2, superseded_at = $3, doc = doc || $4::jsonb
				WHERE id = $5`,
				string(models.EntryStatusSuperseded), winner.ID, now,
				supersedePatch(winner.ID, now), loser.ID); err != nil {
				return nil, err
			}
		}
	}

	if _, err := tx.Exec(ctx, `
		UPDATE variable_entries SET customer_id = $1, doc = doc || $2::jsonb
		WHERE tenant_id = $3 AND customer_id = $4`,
		targetID, jsonPatch(map[string]any{"customer_id": targetID}),
		tenantID, sourceID); err != nil {
		return nil, err
	}

	source.DeletedAt = &now
	source.UpdatedAt = now
	sourceDoc, err := json.Marshal(source)
	if err != nil {
		return nil, err
	}
	if _, err := tx.Exec(ctx,
		`UPDATE customer_profiles SET doc = $1, updated_at = $2, deleted_at = $2 WHERE customer_id = $3`,
		sourceDoc, now, sourceID); err != nil {
		return nil, err
	}

	target.UpdatedAt = now
	targetDoc, err := json.Marshal(target)
	if err != nil {
		return nil, err
	}
	if _, err := tx.Exec(ctx,
		`UPDATE customer_profiles SET doc = $1, updated_at = $2 WHERE customer_id = $3`,
		targetDoc, now, targetID); err != nil {
		return nil, err
	}

	out, err := s.assemble(ctx, tx, clone(target))
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return out, nil
}
