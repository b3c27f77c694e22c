package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/codeready-toolchain/tiller/pkg/models"
)

// mustClone deep-copies a JSON-safe value so callers never alias store
// internals. All stored models round-trip through JSON by construction.
func mustClone[T any](v *T) *T {
	b, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("store: clone marshal: %v", err))
	}
	var out T
	if err := json.Unmarshal(b, &out); err != nil {
		panic(fmt.Sprintf("store: clone unmarshal: %v", err))
	}
	return &out
}

// rowMeta extracts the fields the generic helpers need from each entity.
type rowMeta[T any] struct {
	id      func(*T) string
	tenant  func(*T) string
	agent   func(*T) string
	stamps  func(*T) *models.Timestamps
}

func memGet[T any](rows map[string]*T, m rowMeta[T], tenantID, id string, includeDeleted bool) (*T, error) {
	row, ok := rows[id]
	if !ok {
		return nil, ErrNotFound
	}
	if m.tenant(row) != tenantID {
		return nil, ErrTenantMismatch
	}
	if !includeDeleted && m.stamps(row).IsDeleted() {
		return nil, ErrNotFound
	}
	return mustClone(row), nil
}

func memCreate[T any](rows map[string]*T, m rowMeta[T], row *T, now time.Time) error {
	if _, ok := rows[m.id(row)]; ok {
		return ErrAlreadyExists
	}
	cp := mustClone(row)
	ts := m.stamps(cp)
	if ts.CreatedAt.IsZero() {
		ts.CreatedAt = now
	}
	ts.UpdatedAt = now
	rows[m.id(cp)] = cp
	return nil
}

func memUpdate[T any](rows map[string]*T, m rowMeta[T], row *T, now time.Time) error {
	existing, ok := rows[m.id(row)]
	if !ok {
		return ErrNotFound
	}
	if m.tenant(existing) != m.tenant(row) {
		return ErrTenantMismatch
	}
	if m.stamps(existing).IsDeleted() {
		return ErrNotFound
	}
	cp := mustClone(row)
	ts := m.stamps(cp)
	ts.CreatedAt = m.stamps(existing).CreatedAt
	ts.UpdatedAt = now
	ts.DeletedAt = nil
	rows[m.id(cp)] = cp
	return nil
}

func memDelete[T any](rows map[string]*T, m rowMeta[T], tenantID, id string, now time.Time) error {
	row, ok := rows[id]
	if !ok {
		return ErrNotFound
	}
	if m.tenant(row) != tenantID {
		return ErrTenantMismatch
	}
	if m.stamps(row).IsDeleted() {
		return ErrNotFound
	}
	deletedAt := now
	m.stamps(row).DeletedAt = &deletedAt
	m.stamps(row).UpdatedAt = now
	return nil
}

func memList[T any](rows map[string]*T, m rowMeta[T], tenantID, agentID string, opts ListOptions, keep func(*T) bool) ([]*T, int) {
	var all []*T
	for _, row := range rows {
		if m.tenant(row) != tenantID {
			continue
		}
		if agentID != "" && m.agent != nil && m.agent(row) != agentID {
			continue
		}
		if !opts.IncludeDeleted && m.stamps(row).IsDeleted() {
			continue
		}
		if keep != nil && !keep(row) {
			continue
		}
		all = append(all, row)
	}
	sort.Slice(all, func(i, j int) bool {
		si, sj := m.stamps(all[i]), m.stamps(all[j])
		if si.CreatedAt.Equal(sj.CreatedAt) {
			return m.id(all[i]) < m.id(all[j])
		}
		return si.CreatedAt.Before(sj.CreatedAt)
	})
	total := len(all)
	all = paginate(all, opts.Limit, opts.Offset)
	out := make([]*T, 0, len(all))
	for _, row := range all {
		out = append(out, mustClone(row))
	}
	return out, total
}

func paginate[T any](rows []*T, limit, offset int) []*T {
	if offset > 0 {
		if offset >= len(rows) {
			return nil
		}
		rows = rows[offset:]
	}
	if limit > 0 && limit < len(rows) {
		rows = rows[:limit]
	}
	return rows
}

// MemoryConfigStore is an in-memory AgentConfigStore.
type MemoryConfigStore struct {
	mu sync.RWMutex

	agents        map[string]*models.Agent
	rules         map[string]*models.Rule
	scenarios     map[string]*models.Scenario
	archive       map[string]*models.Scenario // tenant/scenario/version
	templates     map[string]*models.Template
	variables     map[string]*models.Variable
	intents       map[string]*models.Intent
	glossary      map[string]*models.GlossaryItem
	tools         map[string]*models.ToolActivation
	fields        map[string]*models.CustomerDataField
	requirements  map[string]*models.ScenarioFieldRequirement
	relationships map[string]*models.RuleRelationship
	plans         map[string]*models.MigrationPlan

	now func() time.Time
}

// NewMemoryConfigStore builds an empty in-memory catalogue store.
func NewMemoryConfigStore() *MemoryConfigStore {
	return &MemoryConfigStore{
		agents:        make(map[string]*models.Agent),
		rules:         make(map[string]*models.Rule),
		scenarios:     make(map[string]*models.Scenario),
		archive:       make(map[string]*models.Scenario),
		templates:     make(map[string]*models.Template),
		variables:     make(map[string]*models.Variable),
		intents:       make(map[string]*models.Intent),
		glossary:      make(map[string]*models.GlossaryItem),
		tools:         make(map[string]*models.ToolActivation),
		fields:        make(map[string]*models.CustomerDataField),
		requirements:  make(map[string]*models.ScenarioFieldRequirement),
		relationships: make(map[string]*models.RuleRelationship),
		plans:         make(map[string]*models.MigrationPlan),
		now:           func() time.Time { return time.Now().UTC() },
	}
}

var _ AgentConfigStore = (*MemoryConfigStore)(nil)

func archiveKey(tenantID, scenarioID string, version int) string {
	return fmt.Sprintf("%s/%s/%d", tenantID, scenarioID, version)
}

// ────────────────────────────────────────────────────────────
// Agents
// ────────────────────────────────────────────────────────────

var agentMeta = rowMeta[models.Agent]{
	id:     func(a *models.Agent) string { return a.ID },
	tenant: func(a *models.Agent) string { return a.TenantID },
	agent:  nil,
	stamps: func(a *models.Agent) *models.Timestamps { return &a.Timestamps },
}

func (s *MemoryConfigStore) CreateAgent(_ context.Context, a *models.Agent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return memCreate(s.agents, agentMeta, a, s.now())
}

func (s *MemoryConfigStore) GetAgent(_ context.Context, tenantID, id string) (*models.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return memGet(s.agents, agentMeta, tenantID, id, false)
}

func (s *MemoryConfigStore) UpdateAgent(_ context.Context, a *models.Agent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return memUpdate(s.agents, agentMeta, a, s.now())
}

func (s *MemoryConfigStore) DeleteAgent(_ context.Context, tenantID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return memDelete(s.agents, agentMeta, tenantID, id, s.now())
}

func (s *MemoryConfigStore) ListAgents(_ context.Context, tenantID string, opts ListOptions) ([]*models.Agent, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, total := memList(s.agents, agentMeta, tenantID, "", opts, nil)
	return rows, total, nil
}

func (s *MemoryConfigStore) SwapPublishedVersion(_ context.Context, tenantID, agentID string, toVersion int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.agents[agentID]
	if !ok || a.IsDeleted() {
		return 0, ErrNotFound
	}
	if a.TenantID != tenantID {
		return 0, ErrTenantMismatch
	}
	if toVersion <= a.PublishedVersion {
		return 0, fmt.Errorf("version pointer must advance: have %d, got %d", a.PublishedVersion, toVersion)
	}
	a.PublishedVersion = toVersion
	a.UpdatedAt = s.now()
	return a.PublishedVersion, nil
}

// ────────────────────────────────────────────────────────────
// Rules
// ────────────────────────────────────────────────────────────

var ruleMeta = rowMeta[models.Rule]{
	id:     func(r *models.Rule) string { return r.ID },
	tenant: func(r *models.Rule) string { return r.TenantID },
	agent:  func(r *models.Rule) string { return r.AgentID },
	stamps: func(r *models.Rule) *models.Timestamps { return &r.Timestamps },
}

func (s *MemoryConfigStore) CreateRule(_ context.Context, r *models.Rule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return memCreate(s.rules, ruleMeta, r, s.now())
}

func (s *MemoryConfigStore) GetRule(_ context.Context, tenantID, id string) (*models.Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return memGet(s.rules, ruleMeta, tenantID, id, false)
}

func (s *MemoryConfigStore) UpdateRule(_ context.Context, r *models.Rule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return memUpdate(s.rules, ruleMeta, r, s.now())
}

func (s *MemoryConfigStore) DeleteRule(_ context.Context, tenantID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return memDelete(s.rules, ruleMeta, tenantID, id, s.now())
}

func (s *MemoryConfigStore) ListRules(_ context.Context, tenantID, agentID string, f RuleFilters, opts ListOptions) ([]*models.Rule, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, total := memList(s.rules, ruleMeta, tenantID, agentID, opts, func(r *models.Rule) bool {
		if f.Scope != nil && r.Scope != *f.Scope {
			return false
		}
		if f.ScopeID != nil && (r.ScopeID == nil || *r.ScopeID != *f.ScopeID) {
			return false
		}
		if f.EnabledOnly && !r.Enabled {
			return false
		}
		return true
	})
	return rows, total, nil
}

// ────────────────────────────────────────────────────────────
// Scenarios
// ────────────────────────────────────────────────────────────

var scenarioMeta = rowMeta[models.Scenario]{
	id:     func(sc *models.Scenario) string { return sc.ID },
	tenant: func(sc *models.Scenario) string { return sc.TenantID },
	agent:  func(sc *models.Scenario) string { return sc.AgentID },
	stamps: func(sc *models.Scenario) *models.Timestamps { return &sc.Timestamps },
}

func (s *MemoryConfigStore) CreateScenario(_ context.Context, sc *models.Scenario) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return memCreate(s.scenarios, scenarioMeta, sc, s.now())
}

func (s *MemoryConfigStore) GetScenario(_ context.Context, tenantID, id string) (*models.Scenario, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return memGet(s.scenarios, scenarioMeta, tenantID, id, false)
}

func (s *MemoryConfigStore) GetScenarioVersion(_ context.Context, tenantID, id string, version int) (*models.Scenario, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if live, ok := s.scenarios[id]; ok && live.TenantID == tenantID && !live.IsDeleted() && live.Version == version {
		return mustClone(live), nil
	}
	if archived, ok := s.archive[archiveKey(tenantID, id, version)]; ok {
		return mustClone(archived), nil
	}
	return nil, ErrNotFound
}

// UpdateScenario archives the previous version before overwriting. The
// archive is immutable: a version already archived is never rewritten.
func (s *MemoryConfigStore) UpdateScenario(_ context.Context, sc *models.Scenario) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, ok := s.scenarios[sc.ID]
	if !ok || prev.IsDeleted() {
		return ErrNotFound
	}
	if prev.TenantID != sc.TenantID {
		return ErrTenantMismatch
	}
	key := archiveKey(prev.TenantID, prev.ID, prev.Version)
	if _, archived := s.archive[key]; !archived {
		s.archive[key] = mustClone(prev)
	}
	return memUpdate(s.scenarios, scenarioMeta, sc, s.now())
}

func (s *MemoryConfigStore) DeleteScenario(_ context.Context, tenantID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return memDelete(s.scenarios, scenarioMeta, tenantID, id, s.now())
}

func (s *MemoryConfigStore) ListScenarios(_ context.Context, tenantID, agentID string, opts ListOptions) ([]*models.Scenario, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, total := memList(s.scenarios, scenarioMeta, tenantID, agentID, opts, nil)
	return rows, total, nil
}

// ────────────────────────────────────────────────────────────
// Templates
// ────────────────────────────────────────────────────────────

var templateMeta = rowMeta[models.Template]{
	id:     func(t *models.Template) string { return t.ID },
	tenant: func(t *models.Template) string { return t.TenantID },
	agent:  func(t *models.Template) string { return t.AgentID },
	stamps: func(t *models.Template) *models.Timestamps { return &t.Timestamps },
}

func (s *MemoryConfigStore) CreateTemplate(_ context.Context, t *models.Template) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return memCreate(s.templates, templateMeta, t, s.now())
}

func (s *MemoryConfigStore) GetTemplate(_ context.Context, tenantID, id string) (*models.Template, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return memGet(s.templates, templateMeta, tenantID, id, false)
}

func (s *MemoryConfigStore) UpdateTemplate(_ context.Context, t *models.Template) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return memUpdate(s.templates, templateMeta, t, s.now())
}

func (s *MemoryConfigStore) DeleteTemplate(_ context.Context, tenantID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return memDelete(s.templates, templateMeta, tenantID, id, s.now())
}

func (s *MemoryConfigStore) ListTemplates(_ context.Context, tenantID, agentID string, opts ListOptions) ([]*models.Template, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, total := memList(s.templates, templateMeta, tenantID, agentID, opts, nil)
	return rows, total, nil
}

// ────────────────────────────────────────────────────────────
// Variables
// ────────────────────────────────────────────────────────────

var variableMeta = rowMeta[models.Variable]{
	id:     func(v *models.Variable) string { return v.ID },
	tenant: func(v *models.Variable) string { return v.TenantID },
	agent:  func(v *models.Variable) string { return v.AgentID },
	stamps: func(v *models.Variable) *models.Timestamps { return &v.Timestamps },
}

func (s *MemoryConfigStore) CreateVariable(_ context.Context, v *models.Variable) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return memCreate(s.variables, variableMeta, v, s.now())
}

func (s *MemoryConfigStore) GetVariable(_ context.Context, tenantID, id string) (*models.Variable, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return memGet(s.variables, variableMeta, tenantID, id, false)
}

func (s *MemoryConfigStore) UpdateVariable(_ context.Context, v *models.Variable) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return memUpdate(s.variables, variableMeta, v, s.now())
}

func (s *MemoryConfigStore) DeleteVariable(_ context.Context, tenantID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return memDelete(s.variables, variableMeta, tenantID, id, s.now())
}

func (s *MemoryConfigStore) ListVariables(_ context.Context, tenantID, agentID string, opts ListOptions) ([]*models.Variable, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, total := memList(s.variables, variableMeta, tenantID, agentID, opts, nil)
	return rows, total, nil
}

// ────────────────────────────────────────────────────────────
// Intents
// ────────────────────────────────────────────────────────────

var intentMeta = rowMeta[models.Intent]{
	id:     func(i *models.Intent) string { return i.ID },
	tenant: func(i *models.Intent) string { return i.TenantID },
	agent:  func(i *models.Intent) string { return i.AgentID },
	stamps: func(i *models.Intent) *models.Timestamps { return &i.Timestamps },
}

func (s *MemoryConfigStore) CreateIntent(_ context.Context, i *models.Intent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return memCreate(s.intents, intentMeta, i, s.now())
}

func (s *MemoryConfigStore) GetIntent(_ context.Context, tenantID, id string) (*models.Intent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return memGet(s.intents, intentMeta, tenantID, id, false)
}

func (s *MemoryConfigStore) UpdateIntent(_ context.Context, i *models.Intent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return memUpdate(s.intents, intentMeta, i, s.now())
}

func (s *MemoryConfigStore) DeleteIntent(_ context.Context, tenantID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return memDelete(s.intents, intentMeta, tenantID, id, s.now())
}

func (s *MemoryConfigStore) ListIntents(_ context.Context, tenantID, agentID string, opts ListOptions) ([]*models.Intent, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, total := memList(s.intents, intentMeta, tenantID, agentID, opts, nil)
	return rows, total, nil
}

// ────────────────────────────────────────────────────────────
// Glossary
// ────────────────────────────────────────────────────────────

var glossaryMeta = rowMeta[models.GlossaryItem]{
	id:     func(g *models.GlossaryItem) string { return g.ID },
	tenant: func(g *models.GlossaryItem) string { return g.TenantID },
	agent:  func(g *models.GlossaryItem) string { return g.AgentID },
	stamps: func(g *models.GlossaryItem) *models.Timestamps { return &g.Timestamps },
}

func (s *MemoryConfigStore) CreateGlossaryItem(_ context.Context, g *models.GlossaryItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return memCreate(s.glossary, glossaryMeta, g, s.now())
}

func (s *MemoryConfigStore) GetGlossaryItem(_ context.Context, tenantID, id string) (*models.GlossaryItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return memGet(s.glossary, glossaryMeta, tenantID, id, false)
}

func (s *MemoryConfigStore) UpdateGlossaryItem(_ context.Context, g *models.GlossaryItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return memUpdate(s.glossary, glossaryMeta, g, s.now())
}

func (s *MemoryConfigStore) DeleteGlossaryItem(_ context.Context, tenantID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return memDelete(s.glossary, glossaryMeta, tenantID, id, s.now())
}

func (s *MemoryConfigStore) ListGlossaryItems(_ context.Context, tenantID, agentID string, opts ListOptions) ([]*models.GlossaryItem, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, total := memList(s.glossary, glossaryMeta, tenantID, agentID, opts, nil)
	// Glossary is consumed priority-first.
	sort.SliceStable(rows, func(i, j int) bool { return rows[i].Priority > rows[j].Priority })
	return rows, total, nil
}

// ────────────────────────────────────────────────────────────
// Tool activations
// ────────────────────────────────────────────────────────────

var toolMeta = rowMeta[models.ToolActivation]{
	id:     func(t *models.ToolActivation) string { return t.ID },
	tenant: func(t *models.ToolActivation) string { return t.TenantID },
	agent:  func(t *models.ToolActivation) string { return t.AgentID },
	stamps: func(t *models.ToolActivation) *models.Timestamps { return &t.Timestamps },
}

func (s *MemoryConfigStore) CreateToolActivation(_ context.Context, t *models.ToolActivation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return memCreate(s.tools, toolMeta, t, s.now())
}

func (s *MemoryConfigStore) GetToolActivation(_ context.Context, tenantID, id string) (*models.ToolActivation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return memGet(s.tools, toolMeta, tenantID, id, false)
}

func (s *MemoryConfigStore) UpdateToolActivation(_ context.Context, t *models.ToolActivation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return memUpdate(s.tools, toolMeta, t, s.now())
}

func (s *MemoryConfigStore) DeleteToolActivation(_ context.Context, tenantID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return memDelete(s.tools, toolMeta, tenantID, id, s.now())
}

func (s *MemoryConfigStore) ListToolActivations(_ context.Context, tenantID, agentID string, opts ListOptions) ([]*models.ToolActivation, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, total := memList(s.tools, toolMeta, tenantID, agentID, opts, nil)
	return rows, total, nil
}

// ────────────────────────────────────────────────────────────
// Customer-data schema fields
// ────────────────────────────────────────────────────────────

var fieldMeta = rowMeta[models.CustomerDataField]{
	id:     func(f *models.CustomerDataField) string { return f.ID },
	tenant: func(f *models.CustomerDataField) string { return f.TenantID },
	agent:  func(f *models.CustomerDataField) string { return f.AgentID },
	stamps: func(f *models.CustomerDataField) *models.Timestamps { return &f.Timestamps },
}

func (s *MemoryConfigStore) CreateField(_ context.Context, f *models.CustomerDataField) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return memCreate(s.fields, fieldMeta, f, s.now())
}

func (s *MemoryConfigStore) GetField(_ context.Context, tenantID, id string) (*models.CustomerDataField, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return memGet(s.fields, fieldMeta, tenantID, id, false)
}

func (s *MemoryConfigStore) UpdateField(_ context.Context, f *models.CustomerDataField) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return memUpdate(s.fields, fieldMeta, f, s.now())
}

func (s *MemoryConfigStore) DeleteField(_ context.Context, tenantID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return memDelete(s.fields, fieldMeta, tenantID, id, s.now())
}

func (s *MemoryConfigStore) ListFields(_ context.Context, tenantID, agentID string, opts ListOptions) ([]*models.CustomerDataField, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, total := memList(s.fields, fieldMeta, tenantID, agentID, opts, nil)
	return rows, total, nil
}

// ────────────────────────────────────────────────────────────
// Scenario field requirements
// ────────────────────────────────────────────────────────────

var requirementMeta = rowMeta[models.ScenarioFieldRequirement]{
	id:     func(r *models.ScenarioFieldRequirement) string { return r.ID },
	tenant: func(r *models.ScenarioFieldRequirement) string { return r.TenantID },
	agent:  nil,
	stamps: func(r *models.ScenarioFieldRequirement) *models.Timestamps { return &r.Timestamps },
}

func (s *MemoryConfigStore) CreateRequirement(_ context.Context, r *models.ScenarioFieldRequirement) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return memCreate(s.requirements, requirementMeta, r, s.now())
}

func (s *MemoryConfigStore) GetRequirement(_ context.Context, tenantID, id string) (*models.ScenarioFieldRequirement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return memGet(s.requirements, requirementMeta, tenantID, id, false)
}

func (s *MemoryConfigStore) UpdateRequirement(_ context.Context, r *models.ScenarioFieldRequirement) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return memUpdate(s.requirements, requirementMeta, r, s.now())
}

func (s *MemoryConfigStore) DeleteRequirement(_ context.Context, tenantID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return memDelete(s.requirements, requirementMeta, tenantID, id, s.now())
}

func (s *MemoryConfigStore) ListRequirements(_ context.Context, tenantID, scenarioID string, stepID *string) ([]*models.ScenarioFieldRequirement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, _ := memList(s.requirements, requirementMeta, tenantID, "", ListOptions{}, func(r *models.ScenarioFieldRequirement) bool {
		if r.ScenarioID != scenarioID {
			return false
		}
		if stepID != nil && r.StepID != nil && *r.StepID != *stepID {
			return false
		}
		return true
	})
	sort.SliceStable(rows, func(i, j int) bool { return rows[i].CollectionOrder < rows[j].CollectionOrder })
	return rows, nil
}

// ────────────────────────────────────────────────────────────
// Rule relationships
// ────────────────────────────────────────────────────────────

var relationshipMeta = rowMeta[models.RuleRelationship]{
	id:     func(r *models.RuleRelationship) string { return r.ID },
	tenant: func(r *models.RuleRelationship) string { return r.TenantID },
	agent:  func(r *models.RuleRelationship) string { return r.AgentID },
	stamps: func(r *models.RuleRelationship) *models.Timestamps { return &r.Timestamps },
}

func (s *MemoryConfigStore) CreateRuleRelationship(_ context.Context, r *models.RuleRelationship) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return memCreate(s.relationships, relationshipMeta, r, s.now())
}

func (s *MemoryConfigStore) DeleteRuleRelationship(_ context.Context, tenantID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return memDelete(s.relationships, relationshipMeta, tenantID, id, s.now())
}

func (s *MemoryConfigStore) ListRuleRelationships(_ context.Context, tenantID, ruleID string) ([]*models.RuleRelationship, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, _ := memList(s.relationships, relationshipMeta, tenantID, "", ListOptions{}, func(r *models.RuleRelationship) bool {
		return r.RuleID == ruleID || r.RelatedRuleID == ruleID
	})
	return rows, nil
}

// ────────────────────────────────────────────────────────────
// Migration plans
// ────────────────────────────────────────────────────────────

func (s *MemoryConfigStore) CreateMigrationPlan(_ context.Context, p *models.MigrationPlan) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.plans[p.ID]; ok {
		return ErrAlreadyExists
	}
	cp := mustClone(p)
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = s.now()
	}
	s.plans[cp.ID] = cp
	return nil
}

func (s *MemoryConfigStore) GetMigrationPlan(_ context.Context, tenantID, id string) (*models.MigrationPlan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.plans[id]
	if !ok {
		return nil, ErrNotFound
	}
	if p.TenantID != tenantID {
		return nil, ErrTenantMismatch
	}
	return mustClone(p), nil
}

func (s *MemoryConfigStore) UpdateMigrationPlan(_ context.Context, p *models.MigrationPlan) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.plans[p.ID]
	if !ok {
		return ErrNotFound
	}
	if existing.TenantID != p.TenantID {
		return ErrTenantMismatch
	}
	s.plans[p.ID] = mustClone(p)
	return nil
}

func (s *MemoryConfigStore) ListMigrationPlans(_ context.Context, tenantID, agentID string, opts ListOptions) ([]*models.MigrationPlan, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var all []*models.MigrationPlan
	for _, p := range s.plans {
		if p.TenantID != tenantID {
			continue
		}
		if agentID != "" && p.AgentID != agentID {
			continue
		}
		all = append(all, p)
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return strings.Compare(all[i].ID, all[j].ID) < 0
		}
		return all[i].CreatedAt.Before(all[j].CreatedAt)
	})
	total := len(all)
	all = paginate(all, opts.Limit, opts.Offset)
	out := make([]*models.MigrationPlan, 0, len(all))
	for _, p := range all {
		out = append(out, mustClone(p))
	}
	return out, total, nil
}
