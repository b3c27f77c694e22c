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

// ConfigStore is the PostgreSQL-backed catalogue store.
type ConfigStore struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// NewConfigStore wires a catalogue store onto the pool.
func NewConfigStore(pool *pgxpool.Pool) *ConfigStore {
	return &ConfigStore{
		pool: pool,
		now:  func() time.Time { return time.Now().UTC() },
	}
}

var _ store.AgentConfigStore = (*ConfigStore)(nil)

// ────────────────────────────────────────────────────────────
// Agents
// ────────────────────────────────────────────────────────────

var agentMeta = docMeta[models.Agent]{
	table:  "agents",
	id:     func(a *models.Agent) string { return a.ID },
	tenant: func(a *models.Agent) string { return a.TenantID },
	stamps: func(a *models.Agent) *models.Timestamps { return &a.Timestamps },
	extra: func(a *models.Agent) ([]string, []any) {
		return []string{"name", "published_version", "enabled"},
			[]any{a.Name, a.PublishedVersion, a.Enabled}
	},
}

func (s *ConfigStore) CreateAgent(ctx context.Context, a *models.Agent) error {
	return createDoc(ctx, s.pool, agentMeta, a, s.now())
}

func (s *ConfigStore) GetAgent(ctx context.Context, tenantID, id string) (*models.Agent, error) {
	return getDoc(ctx, s.pool, agentMeta, tenantID, id, false)
}

func (s *ConfigStore) UpdateAgent(ctx context.Context, a *models.Agent) error {
	return updateDoc(ctx, s.pool, agentMeta, a, s.now())
}

func (s *ConfigStore) DeleteAgent(ctx context.Context, tenantID, id string) error {
	return softDelete(ctx, s.pool, agentMeta, tenantID, id, s.now())
}

func (s *ConfigStore) ListAgents(ctx context.Context, tenantID string, opts store.ListOptions) ([]*models.Agent, int, error) {
	return listDocs(ctx, s.pool, agentMeta, []string{"tenant_id = $1"}, []any{tenantID}, opts, "")
}

// SwapPublishedVersion bumps the version pointer under a row lock so
// two concurrent publishes cannot both win.
func (s *ConfigStore) SwapPublishedVersion(ctx context.Context, tenantID, agentID string, toVersion int) (int, error) {
	if !validUUID(agentID) {
		return 0, store.ErrNotFound
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx)

	var (
		rowTenant string
		deletedAt *time.Time
		doc       []byte
	)
	err = tx.QueryRow(ctx,
		`SELECT tenant_id, deleted_at, doc FROM agents WHERE id = $1 FOR UPDATE`, agentID,
	).Scan(&rowTenant, &deletedAt, &doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, store.ErrNotFound
	}
	if err != nil {
		return 0, err
	}
	if deletedAt != nil {
		return 0, store.ErrNotFound
	}
	if rowTenant != tenantID {
		return 0, store.ErrTenantMismatch
	}
	agent, err := decodeDoc[models.Agent](doc)
	if err != nil {
		return 0, err
	}
	if toVersion <= agent.PublishedVersion {
		return 0, fmt.Errorf("version pointer must advance: have %d, got %d", agent.PublishedVersion, toVersion)
	}
	now := s.now()
	agent.PublishedVersion = toVersion
	agent.UpdatedAt = now
	updated, err := json.Marshal(agent)
	if err != nil {
		return 0, err
	}
	if _, err := tx.Exec(ctx,
		`UPDATE agents SET doc = $1, published_version = $2, updated_at = $3 WHERE id = $4`,
		updated, toVersion, now, agentID); err != nil {
		return 0, err
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return toVersion, nil
}

// ────────────────────────────────────────────────────────────
// Rules
// ────────────────────────────────────────────────────────────

var ruleMeta = docMeta[models.Rule]{
	table:  "rules",
	id:     func(r *models.Rule) string { return r.ID },
	tenant: func(r *models.Rule) string { return r.TenantID },
	stamps: func(r *models.Rule) *models.Timestamps { return &r.Timestamps },
}

const ruleCols = `tenant_id, deleted_at, doc, enforcement_expression, tool_bindings, action_config, condition_embedding`

// legacyAction is the pre-split shape still found in action_config on
// rows written before enforcement moved to dedicated columns.
type legacyAction struct {
	EnforcementExpression *string              `json:"enforcement_expression,omitempty"`
	ToolBindings          []models.ToolBinding `json:"tool_bindings,omitempty"`
}

// hydrateRule decodes the doc and overlays the dedicated enforcement
// columns, falling back to the legacy action_config blob when neither
// column nor doc carries enforcement data.
func hydrateRule(doc []byte, expr *string, bindings, action []byte, embedding *string) (*models.Rule, error) {
	r, err := decodeDoc[models.Rule](doc)
	if err != nil {
		return nil, err
	}
	if expr != nil {
		r.EnforcementExpression = expr
	}
	if len(bindings) > 0 {
		if err := json.Unmarshal(bindings, &r.ToolBindings); err != nil {
			return nil, fmt.Errorf("decoding rule tool bindings: %w", err)
		}
	}
	if expr == nil && len(bindings) == 0 && len(action) > 0 &&
		r.EnforcementExpression == nil && len(r.ToolBindings) == 0 {
		var legacy legacyAction
		if err := json.Unmarshal(action, &legacy); err != nil {
			return nil, fmt.Errorf("decoding rule action config: %w", err)
		}
		r.EnforcementExpression = legacy.EnforcementExpression
		r.ToolBindings = legacy.ToolBindings
	}
	if len(r.ConditionEmbedding) == 0 && embedding != nil {
		vec, err := decodeVector(*embedding)
		if err != nil {
			return nil, fmt.Errorf("decoding rule condition embedding: %w", err)
		}
		r.ConditionEmbedding = vec
	}
	return r, nil
}

func (s *ConfigStore) CreateRule(ctx context.Context, r *models.Rule) error {
	cp := clone(r)
	now := s.now()
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now
	}
	cp.UpdatedAt = now
	doc, err := json.Marshal(cp)
	if err != nil {
		return err
	}
	var bindings []byte
	if len(cp.ToolBindings) > 0 {
		if bindings, err = json.Marshal(cp.ToolBindings); err != nil {
			return err
		}
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO rules (id, tenant_id, agent_id, name, scope, scope_id, priority, enabled,
			is_hard_constraint, enforcement_expression, tool_bindings, condition_embedding,
			doc, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		cp.ID, cp.TenantID, cp.AgentID, cp.Name, string(cp.Scope), cp.ScopeID, cp.Priority, cp.Enabled,
		cp.IsHardConstraint, cp.EnforcementExpression, bindings, encodeVector(cp.ConditionEmbedding),
		doc, cp.CreatedAt, cp.UpdatedAt)
	if isUniqueViolation(err) {
		return store.ErrAlreadyExists
	}
	return err
}

func (s *ConfigStore) GetRule(ctx context.Context, tenantID, id string) (*models.Rule, error) {
	return s.getRuleRow(ctx, s.pool, tenantID, id)
}

func (s *ConfigStore) getRuleRow(ctx context.Context, q db, tenantID, id string) (*models.Rule, error) {
	if !validUUID(id) {
		return nil, store.ErrNotFound
	}
	var (
		rowTenant        string
		deletedAt        *time.Time
		doc              []byte
		expr, embedding  *string
		bindings, action []byte
	)
	err := q.QueryRow(ctx, `SELECT `+ruleCols+` FROM rules WHERE id = $1`, id).
		Scan(&rowTenant, &deletedAt, &doc, &expr, &bindings, &action, &embedding)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if rowTenant != tenantID {
		return nil, store.ErrTenantMismatch
	}
	if deletedAt != nil {
		return nil, store.ErrNotFound
	}
	return hydrateRule(doc, expr, bindings, action, embedding)
}

// UpdateRule rewrites the dedicated columns and clears action_config:
// once a rule passes through the new write path the legacy blob is
// stale and must not shadow future column reads.
func (s *ConfigStore) UpdateRule(ctx context.Context, r *models.Rule) error {
	existing, err := s.getRuleRow(ctx, s.pool, r.TenantID, r.ID)
	if err != nil {
		return err
	}
	cp := clone(r)
	now := s.now()
	cp.CreatedAt = existing.CreatedAt
	cp.UpdatedAt = now
	cp.DeletedAt = nil
	doc, err := json.Marshal(cp)
	if err != nil {
		return err
	}
	var bindings []byte
	if len(cp.ToolBindings) > 0 {
		if bindings, err = json.Marshal(cp.ToolBindings); err != nil {
			return err
		}
	}
	_, err = s.pool.Exec(ctx, `
		UPDATE rules SET agent_id = $1, name = $2, scope = $3, scope_id = $4, priority = $5,
			enabled = $6, is_hard_constraint = $7, enforcement_expression = $8, tool_bindings = $9,
			condition_embedding = $10, action_config = NULL, doc = $11, updated_at = $12, deleted_at = NULL
		WHERE id = $13`,
		cp.AgentID, cp.Name, string(cp.Scope), cp.ScopeID, cp.Priority,
		cp.Enabled, cp.IsHardConstraint, cp.EnforcementExpression, bindings,
		encodeVector(cp.ConditionEmbedding), doc, now, cp.ID)
	return err
}

func (s *ConfigStore) DeleteRule(ctx context.Context, tenantID, id string) error {
	return softDelete(ctx, s.pool, ruleMeta, tenantID, id, s.now())
}

func (s *ConfigStore) ListRules(ctx context.Context, tenantID, agentID string, f store.RuleFilters, opts store.ListOptions) ([]*models.Rule, int, error) {
	conds := []string{"tenant_id = $1"}
	args := []any{tenantID}
	if agentID != "" {
		args = append(args, agentID)
		conds = append(conds, fmt.Sprintf("agent_id = $%d", len(args)))
	}
	if f.Scope != nil {
		args = append(args, string(*f.Scope))
		conds = append(conds, fmt.Sprintf("scope = $%d", len(args)))
	}
	if f.ScopeID != nil {
		args = append(args, *f.ScopeID)
		conds = append(conds, fmt.Sprintf("scope_id = $%d", len(args)))
	}
	if f.EnabledOnly {
		conds = append(conds, "enabled")
	}
	if !opts.IncludeDeleted {
		conds = append(conds, "deleted_at IS NULL")
	}
	where := joinAnd(conds)

	var total int
	if err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM rules WHERE `+where, args...,
	).Scan(&total); err != nil {
		return nil, 0, err
	}
	sql := `SELECT ` + ruleCols + ` FROM rules WHERE ` + where + ` ORDER BY created_at, id`
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
	var out []*models.Rule
	for rows.Next() {
		var (
			rowTenant        string
			deletedAt        *time.Time
			doc              []byte
			expr, embedding  *string
			bindings, action []byte
		)
		if err := rows.Scan(&rowTenant, &deletedAt, &doc, &expr, &bindings, &action, &embedding); err != nil {
			return nil, 0, err
		}
		r, err := hydrateRule(doc, expr, bindings, action, embedding)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, r)
	}
	return out, total, rows.Err()
}

func joinAnd(conds []string) string {
	out := conds[0]
	for _, c := range conds[1:] {
		out += " AND " + c
	}
	return out
}

// ────────────────────────────────────────────────────────────
// Scenarios
// ────────────────────────────────────────────────────────────

var scenarioMeta = docMeta[models.Scenario]{
	table:  "scenarios",
	id:     func(sc *models.Scenario) string { return sc.ID },
	tenant: func(sc *models.Scenario) string { return sc.TenantID },
	stamps: func(sc *models.Scenario) *models.Timestamps { return &sc.Timestamps },
	extra: func(sc *models.Scenario) ([]string, []any) {
		return []string{"agent_id", "name", "version", "content_hash", "enabled"},
			[]any{sc.AgentID, sc.Name, sc.Version, sc.ContentHash, sc.Enabled}
	},
}

func (s *ConfigStore) CreateScenario(ctx context.Context, sc *models.Scenario) error {
	return createDoc(ctx, s.pool, scenarioMeta, sc, s.now())
}

func (s *ConfigStore) GetScenario(ctx context.Context, tenantID, id string) (*models.Scenario, error) {
	return getDoc(ctx, s.pool, scenarioMeta, tenantID, id, false)
}

func (s *ConfigStore) GetScenarioVersion(ctx context.Context, tenantID, id string, version int) (*models.Scenario, error) {
	if !validUUID(id) {
		return nil, store.ErrNotFound
	}
	var doc []byte
	err := s.pool.QueryRow(ctx,
		`SELECT doc FROM scenarios WHERE id = $1 AND tenant_id = $2 AND deleted_at IS NULL AND version = $3`,
		id, tenantID, version).Scan(&doc)
	if err == nil {
		return decodeDoc[models.Scenario](doc)
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}
	err = s.pool.QueryRow(ctx,
		`SELECT doc FROM scenario_archive WHERE scenario_id = $1 AND tenant_id = $2 AND version = $3`,
		id, tenantID, version).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return decodeDoc[models.Scenario](doc)
}

// UpdateScenario archives the previous version before overwriting. The
// archive is immutable: ON CONFLICT DO NOTHING means a version already
// archived is never rewritten.
func (s *ConfigStore) UpdateScenario(ctx context.Context, sc *models.Scenario) error {
	if !validUUID(sc.ID) {
		return store.ErrNotFound
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var (
		rowTenant string
		deletedAt *time.Time
		doc       []byte
	)
	err = tx.QueryRow(ctx,
		`SELECT tenant_id, deleted_at, doc FROM scenarios WHERE id = $1 FOR UPDATE`, sc.ID,
	).Scan(&rowTenant, &deletedAt, &doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return store.ErrNotFound
	}
	if err != nil {
		return err
	}
	if deletedAt != nil {
		return store.ErrNotFound
	}
	if rowTenant != sc.TenantID {
		return store.ErrTenantMismatch
	}
	prev, err := decodeDoc[models.Scenario](doc)
	if err != nil {
		return err
	}
	now := s.now()
	if _, err := tx.Exec(ctx, `
		INSERT INTO scenario_archive (scenario_id, tenant_id, version, doc, archived_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (scenario_id, version) DO NOTHING`,
		prev.ID, prev.TenantID, prev.Version, doc, now); err != nil {
		return err
	}
	cp := clone(sc)
	cp.CreatedAt = prev.CreatedAt
	cp.UpdatedAt = now
	cp.DeletedAt = nil
	updated, err := json.Marshal(cp)
	if err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `
		UPDATE scenarios SET agent_id = $1, name = $2, version = $3, content_hash = $4, enabled = $5,
			doc = $6, updated_at = $7, deleted_at = NULL
		WHERE id = $8`,
		cp.AgentID, cp.Name, cp.Version, cp.ContentHash, cp.Enabled, updated, now, cp.ID); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *ConfigStore) DeleteScenario(ctx context.Context, tenantID, id string) error {
	return softDelete(ctx, s.pool, scenarioMeta, tenantID, id, s.now())
}

func (s *ConfigStore) ListScenarios(ctx context.Context, tenantID, agentID string, opts store.ListOptions) ([]*models.Scenario, int, error) {
	return listByAgent(ctx, s.pool, scenarioMeta, tenantID, agentID, opts, "")
}

// listByAgent is the common tenant+agent listing shape.
func listByAgent[T any](ctx context.Context, q db, m docMeta[T], tenantID, agentID string, opts store.ListOptions, orderBy string) ([]*T, int, error) {
	conds := []string{"tenant_id = $1"}
	args := []any{tenantID}
	if agentID != "" {
		args = append(args, agentID)
		conds = append(conds, fmt.Sprintf("agent_id = $%d", len(args)))
	}
	return listDocs(ctx, q, m, conds, args, opts, orderBy)
}

// ────────────────────────────────────────────────────────────
// Templates
// ────────────────────────────────────────────────────────────

var templateMeta = docMeta[models.Template]{
	table:  "templates",
	id:     func(t *models.Template) string { return t.ID },
	tenant: func(t *models.Template) string { return t.TenantID },
	stamps: func(t *models.Template) *models.Timestamps { return &t.Timestamps },
	extra: func(t *models.Template) ([]string, []any) {
		return []string{"agent_id", "name"}, []any{t.AgentID, t.Name}
	},
}

func (s *ConfigStore) CreateTemplate(ctx context.Context, t *models.Template) error {
	return createDoc(ctx, s.pool, templateMeta, t, s.now())
}

func (s *ConfigStore) GetTemplate(ctx context.Context, tenantID, id string) (*models.Template, error) {
	return getDoc(ctx, s.pool, templateMeta, tenantID, id, false)
}

func (s *ConfigStore) UpdateTemplate(ctx context.Context, t *models.Template) error {
	return updateDoc(ctx, s.pool, templateMeta, t, s.now())
}

func (s *ConfigStore) DeleteTemplate(ctx context.Context, tenantID, id string) error {
	return softDelete(ctx, s.pool, templateMeta, tenantID, id, s.now())
}

func (s *ConfigStore) ListTemplates(ctx context.Context, tenantID, agentID string, opts store.ListOptions) ([]*models.Template, int, error) {
	return listByAgent(ctx, s.pool, templateMeta, tenantID, agentID, opts, "")
}

// ────────────────────────────────────────────────────────────
// Variables
// ────────────────────────────────────────────────────────────

var variableMeta = docMeta[models.Variable]{
	table:  "variables",
	id:     func(v *models.Variable) string { return v.ID },
	tenant: func(v *models.Variable) string { return v.TenantID },
	stamps: func(v *models.Variable) *models.Timestamps { return &v.Timestamps },
	extra: func(v *models.Variable) ([]string, []any) {
		return []string{"agent_id", "name"}, []any{v.AgentID, v.Name}
	},
}

func (s *ConfigStore) CreateVariable(ctx context.Context, v *models.Variable) error {
	return createDoc(ctx, s.pool, variableMeta, v, s.now())
}

func (s *ConfigStore) GetVariable(ctx context.Context, tenantID, id string) (*models.Variable, error) {
	return getDoc(ctx, s.pool, variableMeta, tenantID, id, false)
}

func (s *ConfigStore) UpdateVariable(ctx context.Context, v *models.Variable) error {
	return updateDoc(ctx, s.pool, variableMeta, v, s.now())
}

func (s *ConfigStore) DeleteVariable(ctx context.Context, tenantID, id string) error {
	return softDelete(ctx, s.pool, variableMeta, tenantID, id, s.now())
}

func (s *ConfigStore) ListVariables(ctx context.Context, tenantID, agentID string, opts store.ListOptions) ([]*models.Variable, int, error) {
	return listByAgent(ctx, s.pool, variableMeta, tenantID, agentID, opts, "")
}

// ────────────────────────────────────────────────────────────
// Intents
// ────────────────────────────────────────────────────────────

var intentMeta = docMeta[models.Intent]{
	table:  "intents",
	id:     func(i *models.Intent) string { return i.ID },
	tenant: func(i *models.Intent) string { return i.TenantID },
	stamps: func(i *models.Intent) *models.Timestamps { return &i.Timestamps },
	extra: func(i *models.Intent) ([]string, []any) {
		return []string{"agent_id", "name"}, []any{i.AgentID, i.Label}
	},
}

func (s *ConfigStore) CreateIntent(ctx context.Context, i *models.Intent) error {
	return createDoc(ctx, s.pool, intentMeta, i, s.now())
}

func (s *ConfigStore) GetIntent(ctx context.Context, tenantID, id string) (*models.Intent, error) {
	return getDoc(ctx, s.pool, intentMeta, tenantID, id, false)
}

func (s *ConfigStore) UpdateIntent(ctx context.Context, i *models.Intent) error {
	return updateDoc(ctx, s.pool, intentMeta, i, s.now())
}

func (s *ConfigStore) DeleteIntent(ctx context.Context, tenantID, id string) error {
	return softDelete(ctx, s.pool, intentMeta, tenantID, id, s.now())
}

func (s *ConfigStore) ListIntents(ctx context.Context, tenantID, agentID string, opts store.ListOptions) ([]*models.Intent, int, error) {
	return listByAgent(ctx, s.pool, intentMeta, tenantID, agentID, opts, "")
}

// ────────────────────────────────────────────────────────────
// Glossary
// ────────────────────────────────────────────────────────────

var glossaryMeta = docMeta[models.GlossaryItem]{
	table:  "glossary_items",
	id:     func(g *models.GlossaryItem) string { return g.ID },
	tenant: func(g *models.GlossaryItem) string { return g.TenantID },
	stamps: func(g *models.GlossaryItem) *models.Timestamps { return &g.Timestamps },
	extra: func(g *models.GlossaryItem) ([]string, []any) {
		return []string{"agent_id", "name"}, []any{g.AgentID, g.Term}
	},
}

func (s *ConfigStore) CreateGlossaryItem(ctx context.Context, g *models.GlossaryItem) error {
	return createDoc(ctx, s.pool, glossaryMeta, g, s.now())
}

func (s *ConfigStore) GetGlossaryItem(ctx context.Context, tenantID, id string) (*models.GlossaryItem, error) {
	return getDoc(ctx, s.pool, glossaryMeta, tenantID, id, false)
}

func (s *ConfigStore) UpdateGlossaryItem(ctx context.Context, g *models.GlossaryItem) error {
	return updateDoc(ctx, s.pool, glossaryMeta, g, s.now())
}

func (s *ConfigStore) DeleteGlossaryItem(ctx context.Context, tenantID, id string) error {
	return softDelete(ctx, s.pool, glossaryMeta, tenantID, id, s.now())
}

func (s *ConfigStore) ListGlossaryItems(ctx context.Context, tenantID, agentID string, opts store.ListOptions) ([]*models.GlossaryItem, int, error) {
	rows, total, err := listByAgent(ctx, s.pool, glossaryMeta, tenantID, agentID, opts, "")
	if err != nil {
		return nil, 0, err
	}
	// Glossary is consumed priority-first.
	sort.SliceStable(rows, func(i, j int) bool { return rows[i].Priority > rows[j].Priority })
	return rows, total, nil
}

// ────────────────────────────────────────────────────────────
// Tool activations
// ────────────────────────────────────────────────────────────

var toolMeta = docMeta[models.ToolActivation]{
	table:  "tool_activations",
	id:     func(t *models.ToolActivation) string { return t.ID },
	tenant: func(t *models.ToolActivation) string { return t.TenantID },
	stamps: func(t *models.ToolActivation) *models.Timestamps { return &t.Timestamps },
	extra: func(t *models.ToolActivation) ([]string, []any) {
		return []string{"agent_id", "name"}, []any{t.AgentID, t.Name}
	},
}

func (s *ConfigStore) CreateToolActivation(ctx context.Context, t *models.ToolActivation) error {
	return createDoc(ctx, s.pool, toolMeta, t, s.now())
}

func (s *ConfigStore) GetToolActivation(ctx context.Context, tenantID, id string) (*models.ToolActivation, error) {
	return getDoc(ctx, s.pool, toolMeta, tenantID, id, false)
}

func (s *ConfigStore) UpdateToolActivation(ctx context.Context, t *models.ToolActivation) error {
	return updateDoc(ctx, s.pool, toolMeta, t, s.now())
}

func (s *ConfigStore) DeleteToolActivation(ctx context.Context, tenantID, id string) error {
	return softDelete(ctx, s.pool, toolMeta, tenantID, id, s.now())
}

func (s *ConfigStore) ListToolActivations(ctx context.Context, tenantID, agentID string, opts store.ListOptions) ([]*models.ToolActivation, int, error) {
	return listByAgent(ctx, s.pool, toolMeta, tenantID, agentID, opts, "")
}

// ────────────────────────────────────────────────────────────
// Customer-data schema fields
// ────────────────────────────────────────────────────────────

var fieldMeta = docMeta[models.CustomerDataField]{
	table:  "customer_data_fields",
	id:     func(f *models.CustomerDataField) string { return f.ID },
	tenant: func(f *models.CustomerDataField) string { return f.TenantID },
	stamps: func(f *models.CustomerDataField) *models.Timestamps { return &f.Timestamps },
	extra: func(f *models.CustomerDataField) ([]string, []any) {
		return []string{"agent_id", "name"}, []any{f.AgentID, f.Name}
	},
}

func (s *ConfigStore) CreateField(ctx context.Context, f *models.CustomerDataField) error {
	return createDoc(ctx, s.pool, fieldMeta, f, s.now())
}

func (s *ConfigStore) GetField(ctx context.Context, tenantID, id string) (*models.CustomerDataField, error) {
	return getDoc(ctx, s.pool, fieldMeta, tenantID, id, false)
}

func (s *ConfigStore) UpdateField(ctx context.Context, f *models.CustomerDataField) error {
	return updateDoc(ctx, s.pool, fieldMeta, f, s.now())
}

func (s *ConfigStore) DeleteField(ctx context.Context, tenantID, id string) error {
	return softDelete(ctx, s.pool, fieldMeta, tenantID, id, s.now())
}

func (s *ConfigStore) ListFields(ctx context.Context, tenantID, agentID string, opts store.ListOptions) ([]*models.CustomerDataField, int, error) {
	return listByAgent(ctx, s.pool, fieldMeta, tenantID, agentID, opts, "")
}

// ────────────────────────────────────────────────────────────
// Scenario field requirements
// ────────────────────────────────────────────────────────────

var requirementMeta = docMeta[models.ScenarioFieldRequirement]{
	table:  "scenario_field_requirements",
	id:     func(r *models.ScenarioFieldRequirement) string { return r.ID },
	tenant: func(r *models.ScenarioFieldRequirement) string { return r.TenantID },
	stamps: func(r *models.ScenarioFieldRequirement) *models.Timestamps { return &r.Timestamps },
	extra: func(r *models.ScenarioFieldRequirement) ([]string, []any) {
		return []string{"scenario_id", "step_id", "collect_order"},
			[]any{r.ScenarioID, r.StepID, r.CollectionOrder}
	},
}

func (s *ConfigStore) CreateRequirement(ctx context.Context, r *models.ScenarioFieldRequirement) error {
	return createDoc(ctx, s.pool, requirementMeta, r, s.now())
}

func (s *ConfigStore) GetRequirement(ctx context.Context, tenantID, id string) (*models.ScenarioFieldRequirement, error) {
	return getDoc(ctx, s.pool, requirementMeta, tenantID, id, false)
}

func (s *ConfigStore) UpdateRequirement(ctx context.Context, r *models.ScenarioFieldRequirement) error {
	return updateDoc(ctx, s.pool, requirementMeta, r, s.now())
}

func (s *ConfigStore) DeleteRequirement(ctx context.Context, tenantID, id string) error {
	return softDelete(ctx, s.pool, requirementMeta, tenantID, id, s.now())
}

// ListRequirements narrows to one step when asked; a requirement with a
// NULL step binds to the whole scenario and always matches.
func (s *ConfigStore) ListRequirements(ctx context.Context, tenantID, scenarioID string, stepID *string) ([]*models.ScenarioFieldRequirement, error) {
	if !validUUID(scenarioID) {
		return nil, nil
	}
	rows, _, err := listDocs(ctx, s.pool, requirementMeta,
		[]string{"tenant_id = $1", "scenario_id = $2", "($3::text IS NULL OR step_id IS NULL OR step_id = $3)"},
		[]any{tenantID, scenarioID, stepID},
		store.ListOptions{}, "collect_order, created_at, id")
	return rows, err
}

// ────────────────────────────────────────────────────────────
// Rule relationships
// ────────────────────────────────────────────────────────────

var relationshipMeta = docMeta[models.RuleRelationship]{
	table:  "rule_relationships",
	id:     func(r *models.RuleRelationship) string { return r.ID },
	tenant: func(r *models.RuleRelationship) string { return r.TenantID },
	stamps: func(r *models.RuleRelationship) *models.Timestamps { return &r.Timestamps },
	extra: func(r *models.RuleRelationship) ([]string, []any) {
		return []string{"agent_id", "rule_id", "related_rule_id", "relation", "note"},
			[]any{r.AgentID, r.RuleID, r.RelatedRuleID, r.Relation, r.Note}
	},
}

func (s *ConfigStore) CreateRuleRelationship(ctx context.Context, r *models.RuleRelationship) error {
	return createDoc(ctx, s.pool, relationshipMeta, r, s.now())
}

func (s *ConfigStore) DeleteRuleRelationship(ctx context.Context, tenantID, id string) error {
	return softDelete(ctx, s.pool, relationshipMeta, tenantID, id, s.now())
}

func (s *ConfigStore) ListRuleRelationships(ctx context.Context, tenantID, ruleID string) ([]*models.RuleRelationship, error) {
	if !validUUID(ruleID) {
		return nil, nil
	}
	rows, _, err := listDocs(ctx, s.pool, relationshipMeta,
		[]string{"tenant_id = $1", "(rule_id = $2 OR related_rule_id = $2)"},
		[]any{tenantID, ruleID},
		store.ListOptions{}, "")
	return rows, err
}

// ────────────────────────────────────────────────────────────
// Migration plans
// ────────────────────────────────────────────────────────────

var planMeta = docMeta[models.MigrationPlan]{table: "migration_plans"}

func (s *ConfigStore) CreateMigrationPlan(ctx context.Context, p *models.MigrationPlan) error {
	cp := clone(p)
	now := s.now()
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now
	}
	doc, err := json.Marshal(cp)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO migration_plans (id, tenant_id, agent_id, status, doc, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		cp.ID, cp.TenantID, cp.AgentID, string(cp.Status), doc, cp.CreatedAt, now)
	if isUniqueViolation(err) {
		return store.ErrAlreadyExists
	}
	return err
}

func (s *ConfigStore) GetMigrationPlan(ctx context.Context, tenantID, id string) (*models.MigrationPlan, error) {
	if !validUUID(id) {
		return nil, store.ErrNotFound
	}
	var (
		rowTenant string
		doc       []byte
	)
	err := s.pool.QueryRow(ctx,
		`SELECT tenant_id, doc FROM migration_plans WHERE id = $1`, id,
	).Scan(&rowTenant, &doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if rowTenant != tenantID {
		return nil, store.ErrTenantMismatch
	}
	return decodeDoc[models.MigrationPlan](doc)
}

func (s *ConfigStore) UpdateMigrationPlan(ctx context.Context, p *models.MigrationPlan) error {
	if !validUUID(p.ID) {
		return store.ErrNotFound
	}
	var rowTenant string
	err := s.pool.QueryRow(ctx,
		`SELECT tenant_id FROM migration_plans WHERE id = $1`, p.ID,
	).Scan(&rowTenant)
	if errors.Is(err, pgx.ErrNoRows) {
		return store.ErrNotFound
	}
	if err != nil {
		return err
	}
	if rowTenant != p.TenantID {
		return store.ErrTenantMismatch
	}
	doc, err := json.Marshal(p)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`UPDATE migration_plans SET status = $1, doc = $2, updated_at = $3 WHERE id = $4`,
		string(p.Status), doc, s.now(), p.ID)
	return err
}

func (s *ConfigStore) ListMigrationPlans(ctx context.Context, tenantID, agentID string, opts store.ListOptions) ([]*models.MigrationPlan, int, error) {
	conds := []string{"tenant_id = $1"}
	args := []any{tenantID}
	if agentID != "" {
		args = append(args, agentID)
		conds = append(conds, fmt.Sprintf("agent_id = $%d", len(args)))
	}
	// Plans are never soft-deleted; the shared deleted filter is a no-op.
	return listDocs(ctx, s.pool, planMeta, conds, args, opts, "")
}
