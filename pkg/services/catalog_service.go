package services

import (
	"context"
	"log/slog"

	"github.com/codeready-toolchain/tiller/pkg/models"
	"github.com/codeready-toolchain/tiller/pkg/store"
)

// CatalogService is the CRUD surface over the agent catalogue: agents,
// rules, scenarios, templates, variables, intents, glossary items, tool
// activations, customer-data fields, and field requirements. Writes hit
// the draft catalogue; published snapshots are produced separately by
// the publish pipeline.
type CatalogService struct {
	config store.AgentConfigStore
	logger *slog.Logger
}

// NewCatalogService creates a new CatalogService.
func NewCatalogService(config store.AgentConfigStore, logger *slog.Logger) *CatalogService {
	if logger == nil {
		logger = slog.Default()
	}
	return &CatalogService{config: config, logger: logger.With("component", "catalog_service")}
}

// ────────────────────────────────────────────────────────────
// Agents
// ────────────────────────────────────────────────────────────

func (s *CatalogService) CreateAgent(ctx context.Context, a *models.Agent) (*models.Agent, error) {
	if a.ID == "" {
		a.ID = models.NewID()
	}
	if err := wrapValidationErr(a.Validate()); err != nil {
		return nil, err
	}
	if err := s.config.CreateAgent(ctx, a); err != nil {
		return nil, wrapStoreErr(err, "agent", a.ID)
	}
	s.logger.Info("agent created", "tenant_id", a.TenantID, "agent_id", a.ID, "name", a.Name)
	return a, nil
}

func (s *CatalogService) GetAgent(ctx context.Context, tenantID, id string) (*models.Agent, error) {
	if err := requireIDs("tenant_id", tenantID, "agent_id", id); err != nil {
		return nil, err
	}
	a, err := s.config.GetAgent(ctx, tenantID, id)
	if err != nil {
		return nil, wrapStoreErr(err, "agent", id)
	}
	return a, nil
}

func (s *CatalogService) UpdateAgent(ctx context.Context, a *models.Agent) (*models.Agent, error) {
	if err := wrapValidationErr(a.Validate()); err != nil {
		return nil, err
	}
	if err := s.config.UpdateAgent(ctx, a); err != nil {
		return nil, wrapStoreErr(err, "agent", a.ID)
	}
	return a, nil
}

func (s *CatalogService) DeleteAgent(ctx context.Context, tenantID, id string) error {
	if err := requireIDs("tenant_id", tenantID, "agent_id", id); err != nil {
		return err
	}
	if err := s.config.DeleteAgent(ctx, tenantID, id); err != nil {
		return wrapStoreErr(err, "agent", id)
	}
	s.logger.Info("agent deleted", "tenant_id", tenantID, "agent_id", id)
	return nil
}

func (s *CatalogService) ListAgents(ctx context.Context, tenantID string, opts store.ListOptions) ([]*models.Agent, int, error) {
	if err := requireIDs("tenant_id", tenantID); err != nil {
		return nil, 0, err
	}
	agents, total, err := s.config.ListAgents(ctx, tenantID, opts)
	if err != nil {
		return nil, 0, wrapStoreErr(err, "agent", tenantID)
	}
	return agents, total, nil
}

// ────────────────────────────────────────────────────────────
// Rules
// ────────────────────────────────────────────────────────────

func (s *CatalogService) CreateRule(ctx context.Context, r *models.Rule) (*models.Rule, error) {
	if r.ID == "" {
		r.ID = models.NewID()
	}
	if err := wrapValidationErr(r.Validate()); err != nil {
		return nil, err
	}
	if err := s.config.CreateRule(ctx, r); err != nil {
		return nil, wrapStoreErr(err, "rule", r.ID)
	}
	return r, nil
}

func (s *CatalogService) GetRule(ctx context.Context, tenantID, id string) (*models.Rule, error) {
	if err := requireIDs("tenant_id", tenantID, "rule_id", id); err != nil {
		return nil, err
	}
	r, err := s.config.GetRule(ctx, tenantID, id)
	if err != nil {
		return nil, wrapStoreErr(err, "rule", id)
	}
	return r, nil
}

func (s *CatalogService) UpdateRule(ctx context.Context, r *models.Rule) (*models.Rule, error) {
	if err := wrapValidationErr(r.Validate()); err != nil {
		return nil, err
	}
	if err := s.config.UpdateRule(ctx, r); err != nil {
		return nil, wrapStoreErr(err, "rule", r.ID)
	}
	return r, nil
}

func (s *CatalogService) DeleteRule(ctx context.Context, tenantID, id string) error {
	if err := requireIDs("tenant_id", tenantID, "rule_id", id); err != nil {
		return err
	}
	return wrapStoreErr(s.config.DeleteRule(ctx, tenantID, id), "rule", id)
}

func (s *CatalogService) ListRules(ctx context.Context, tenantID, agentID string, f store.RuleFilters, opts store.ListOptions) ([]*models.Rule, int, error) {
	if err := requireIDs("tenant_id", tenantID, "agent_id", agentID); err != nil {
		return nil, 0, err
	}
	rules, total, err := s.config.ListRules(ctx, tenantID, agentID, f, opts)
	if err != nil {
		return nil, 0, wrapStoreErr(err, "rule", agentID)
	}
	return rules, total, nil
}

// ────────────────────────────────────────────────────────────
// Rule relationships
// ────────────────────────────────────────────────────────────

func (s *CatalogService) CreateRuleRelationship(ctx context.Context, r *models.RuleRelationship) (*models.RuleRelationship, error) {
	if r.ID == "" {
		r.ID = models.NewID()
	}
	if err := wrapValidationErr(r.Validate()); err != nil {
		return nil, err
	}
	// Both endpoints must be tenant-visible rules before linking.
	if _, err := s.config.GetRule(ctx, r.TenantID, r.RuleID); err != nil {
		return nil, wrapStoreErr(err, "rule", r.RuleID)
	}
	if _, err := s.config.GetRule(ctx, r.TenantID, r.RelatedRuleID); err != nil {
		return nil, wrapStoreErr(err, "rule", r.RelatedRuleID)
	}
	if err := s.config.CreateRuleRelationship(ctx, r); err != nil {
		return nil, wrapStoreErr(err, "rule relationship", r.ID)
	}
	return r, nil
}

func (s *CatalogService) DeleteRuleRelationship(ctx context.Context, tenantID, id string) error {
	if err := requireIDs("tenant_id", tenantID, "relationship_id", id); err != nil {
		return err
	}
	return wrapStoreErr(s.config.DeleteRuleRelationship(ctx, tenantID, id), "rule relationship", id)
}

func (s *CatalogService) ListRuleRelationships(ctx context.Context, tenantID, ruleID string) ([]*models.RuleRelationship, error) {
	if err := requireIDs("tenant_id", tenantID, "rule_id", ruleID); err != nil {
		return nil, err
	}
	rels, err := s.config.ListRuleRelationships(ctx, tenantID, ruleID)
	if err != nil {
		return nil, wrapStoreErr(err, "rule relationship", ruleID)
	}
	return rels, nil
}

// ────────────────────────────────────────────────────────────
// Scenarios
// ────────────────────────────────────────────────────────────

func (s *CatalogService) CreateScenario(ctx context.Context, sc *models.Scenario) (*models.Scenario, error) {
	if sc.ID == "" {
		sc.ID = models.NewID()
	}
	if sc.Version == 0 {
		sc.Version = 1
	}
	if err := wrapValidationErr(sc.Validate()); err != nil {
		return nil, err
	}
	if err := s.config.CreateScenario(ctx, sc); err != nil {
		return nil, wrapStoreErr(err, "scenario", sc.ID)
	}
	return sc, nil
}

func (s *CatalogService) GetScenario(ctx context.Context, tenantID, id string) (*models.Scenario, error) {
	if err := requireIDs("tenant_id", tenantID, "scenario_id", id); err != nil {
		return nil, err
	}
	sc, err := s.config.GetScenario(ctx, tenantID, id)
	if err != nil {
		return nil, wrapStoreErr(err, "scenario", id)
	}
	return sc, nil
}

// GetScenarioVersion reads any historical version from the live row or
// the archive, so sessions mid-flight on an old version stay servable.
func (s *CatalogService) GetScenarioVersion(ctx context.Context, tenantID, id string, version int) (*models.Scenario, error) {
	if err := requireIDs("tenant_id", tenantID, "scenario_id", id); err != nil {
		return nil, err
	}
	if version < 1 {
		return nil, NewError(CodeInvalidRequest, "version must be >= 1")
	}
	sc, err := s.config.GetScenarioVersion(ctx, tenantID, id, version)
	if err != nil {
		return nil, wrapStoreErr(err, "scenario", id)
	}
	return sc, nil
}

// UpdateScenario writes a new version; the store archives the previous
// one. The caller must bump Version past the live value.
func (s *CatalogService) UpdateScenario(ctx context.Context, sc *models.Scenario) (*models.Scenario, error) {
	if err := wrapValidationErr(sc.Validate()); err != nil {
		return nil, err
	}
	if err := s.config.UpdateScenario(ctx, sc); err != nil {
		return nil, wrapStoreErr(err, "scenario", sc.ID)
	}
	s.logger.Info("scenario updated", "tenant_id", sc.TenantID, "scenario_id", sc.ID, "version", sc.Version)
	return sc, nil
}

func (s *CatalogService) DeleteScenario(ctx context.Context, tenantID, id string) error {
	if err := requireIDs("tenant_id", tenantID, "scenario_id", id); err != nil {
		return err
	}
	return wrapStoreErr(s.config.DeleteScenario(ctx, tenantID, id), "scenario", id)
}

func (s *CatalogService) ListScenarios(ctx context.Context, tenantID, agentID string, opts store.ListOptions) ([]*models.Scenario, int, error) {
	if err := requireIDs("tenant_id", tenantID, "agent_id", agentID); err != nil {
		return nil, 0, err
	}
	scenarios, total, err := s.config.ListScenarios(ctx, tenantID, agentID, opts)
	if err != nil {
		return nil, 0, wrapStoreErr(err, "scenario", agentID)
	}
	return scenarios, total, nil
}

// ────────────────────────────────────────────────────────────
// Templates
// ────────────────────────────────────────────────────────────

func (s *CatalogService) CreateTemplate(ctx context.Context, t *models.Template) (*models.Template, error) {
	if t.ID == "" {
		t.ID = models.NewID()
	}
	if err := wrapValidationErr(t.Validate()); err != nil {
		return nil, err
	}
	if err := s.config.CreateTemplate(ctx, t); err != nil {
		return nil, wrapStoreErr(err, "template", t.ID)
	}
	return t, nil
}

func (s *CatalogService) GetTemplate(ctx context.Context, tenantID, id string) (*models.Template, error) {
	if err := requireIDs("tenant_id", tenantID, "template_id", id); err != nil {
		return nil, err
	}
	t, err := s.config.GetTemplate(ctx, tenantID, id)
	if err != nil {
		return nil, wrapStoreErr(err, "template", id)
	}
	return t, nil
}

func (s *CatalogService) UpdateTemplate(ctx context.Context, t *models.Template) (*models.Template, error) {
	if err := wrapValidationErr(t.Validate()); err != nil {
		return nil, err
	}
	if err := s.config.UpdateTemplate(ctx, t); err != nil {
		return nil, wrapStoreErr(err, "template", t.ID)
	}
	return t, nil
}

func (s *CatalogService) DeleteTemplate(ctx context.Context, tenantID, id string) error {
	if err := requireIDs("tenant_id", tenantID, "template_id", id); err != nil {
		return err
	}
	return wrapStoreErr(s.config.DeleteTemplate(ctx, tenantID, id), "template", id)
}

func (s *CatalogService) ListTemplates(ctx context.Context, tenantID, agentID string, opts store.ListOptions) ([]*models.Template, int, error) {
	if err := requireIDs("tenant_id", tenantID, "agent_id", agentID); err != nil {
		return nil, 0, err
	}
	templates, total, err := s.config.ListTemplates(ctx, tenantID, agentID, opts)
	if err != nil {
		return nil, 0, wrapStoreErr(err, "template", agentID)
	}
	return templates, total, nil
}

// ────────────────────────────────────────────────────────────
// Variables
// ────────────────────────────────────────────────────────────

func (s *CatalogService) CreateVariable(ctx context.Context, v *models.Variable) (*models.Variable, error) {
	if v.ID == "" {
		v.ID = models.NewID()
	}
	if err := wrapValidationErr(v.Validate()); err != nil {
		return nil, err
	}
	if err := s.config.CreateVariable(ctx, v); err != nil {
		return nil, wrapStoreErr(err, "variable", v.ID)
	}
	return v, nil
}

func (s *CatalogService) GetVariable(ctx context.Context, tenantID, id string) (*models.Variable, error) {
	if err := requireIDs("tenant_id", tenantID, "variable_id", id); err != nil {
		return nil, err
	}
	v, err := s.config.GetVariable(ctx, tenantID, id)
	if err != nil {
		return nil, wrapStoreErr(err, "variable", id)
	}
	return v, nil
}

func (s *CatalogService) UpdateVariable(ctx context.Context, v *models.Variable) (*models.Variable, error) {
	if err := wrapValidationErr(v.Validate()); err != nil {
		return nil, err
	}
	if err := s.config.UpdateVariable(ctx, v); err != nil {
		return nil, wrapStoreErr(err, "variable", v.ID)
	}
	return v, nil
}

func (s *CatalogService) DeleteVariable(ctx context.Context, tenantID, id string) error {
	if err := requireIDs("tenant_id", tenantID, "variable_id", id); err != nil {
		return err
	}
	return wrapStoreErr(s.config.DeleteVariable(ctx, tenantID, id), "variable", id)
}

func (s *CatalogService) ListVariables(ctx context.Context, tenantID, agentID string, opts store.ListOptions) ([]*models.Variable, int, error) {
	if err := requireIDs("tenant_id", tenantID, "agent_id", agentID); err != nil {
		return nil, 0, err
	}
	vars, total, err := s.config.ListVariables(ctx, tenantID, agentID, opts)
	if err != nil {
		return nil, 0, wrapStoreErr(err, "variable", agentID)
	}
	return vars, total, nil
}

// ────────────────────────────────────────────────────────────
// Intents
// ────────────────────────────────────────────────────────────

func (s *CatalogService) CreateIntent(ctx context.Context, i *models.Intent) (*models.Intent, error) {
	if i.ID == "" {
		i.ID = models.NewID()
	}
	if err := wrapValidationErr(i.Validate()); err != nil {
		return nil, err
	}
	if err := s.config.CreateIntent(ctx, i); err != nil {
		return nil, wrapStoreErr(err, "intent", i.ID)
	}
	return i, nil
}

func (s *CatalogService) GetIntent(ctx context.Context, tenantID, id string) (*models.Intent, error) {
	if err := requireIDs("tenant_id", tenantID, "intent_id", id); err != nil {
		return nil, err
	}
	i, err := s.config.GetIntent(ctx, tenantID, id)
	if err != nil {
		return nil, wrapStoreErr(err, "intent", id)
	}
	return i, nil
}

func (s *CatalogService) UpdateIntent(ctx context.Context, i *models.Intent) (*models.Intent, error) {
	if err := wrapValidationErr(i.Validate()); err != nil {
		return nil, err
	}
	if err := s.config.UpdateIntent(ctx, i); err != nil {
		return nil, wrapStoreErr(err, "intent", i.ID)
	}
	return i, nil
}

func (s *CatalogService) DeleteIntent(ctx context.Context, tenantID, id string) error {
	if err := requireIDs("tenant_id", tenantID, "intent_id", id); err != nil {
		return err
	}
	return wrapStoreErr(s.config.DeleteIntent(ctx, tenantID, id), "intent", id)
}

func (s *CatalogService) ListIntents(ctx context.Context, tenantID, agentID string, opts store.ListOptions) ([]*models.Intent, int, error) {
	if err := requireIDs("tenant_id", tenantID, "agent_id", agentID); err != nil {
		return nil, 0, err
	}
	intents, total, err := s.config.ListIntents(ctx, tenantID, agentID, opts)
	if err != nil {
		return nil, 0, wrapStoreErr(err, "intent", agentID)
	}
	return intents, total, nil
}

// ────────────────────────────────────────────────────────────
// Glossary
// ────────────────────────────────────────────────────────────

func (s *CatalogService) CreateGlossaryItem(ctx context.Context, g *models.GlossaryItem) (*models.GlossaryItem, error) {
	if g.ID == "" {
		g.ID = models.NewID()
	}
	if err := wrapValidationErr(g.Validate()); err != nil {
		return nil, err
	}
	if err := s.config.CreateGlossaryItem(ctx, g); err != nil {
		return nil, wrapStoreErr(err, "glossary item", g.ID)
	}
	return g, nil
}

func (s *CatalogService) GetGlossaryItem(ctx context.Context, tenantID, id string) (*models.GlossaryItem, error) {
	if err := requireIDs("tenant_id", tenantID, "glossary_item_id", id); err != nil {
		return nil, err
	}
	g, err := s.config.GetGlossaryItem(ctx, tenantID, id)
	if err != nil {
		return nil, wrapStoreErr(err, "glossary item", id)
	}
	return g, nil
}

func (s *CatalogService) UpdateGlossaryItem(ctx context.Context, g *models.GlossaryItem) (*models.GlossaryItem, error) {
	if err := wrapValidationErr(g.Validate()); err != nil {
		return nil, err
	}
	if err := s.config.UpdateGlossaryItem(ctx, g); err != nil {
		return nil, wrapStoreErr(err, "glossary item", g.ID)
	}
	return g, nil
}

func (s *CatalogService) DeleteGlossaryItem(ctx context.Context, tenantID, id string) error {
	if err := requireIDs("tenant_id", tenantID, "glossary_item_id", id); err != nil {
		return err
	}
	return wrapStoreErr(s.config.DeleteGlossaryItem(ctx, tenantID, id), "glossary item", id)
}

func (s *CatalogService) ListGlossaryItems(ctx context.Context, tenantID, agentID string, opts store.ListOptions) ([]*models.GlossaryItem, int, error) {
	if err := requireIDs("tenant_id", tenantID, "agent_id", agentID); err != nil {
		return nil, 0, err
	}
	items, total, err := s.config.ListGlossaryItems(ctx, tenantID, agentID, opts)
	if err != nil {
		return nil, 0, wrapStoreErr(err, "glossary item", agentID)
	}
	return items, total, nil
}

// ────────────────────────────────────────────────────────────
// Tool activations
// ────────────────────────────────────────────────────────────

func (s *CatalogService) CreateToolActivation(ctx context.Context, t *models.ToolActivation) (*models.ToolActivation, error) {
	if t.ID == "" {
		t.ID = models.NewID()
	}
	if err := wrapValidationErr(t.Validate()); err != nil {
		return nil, err
	}
	if err := s.config.CreateToolActivation(ctx, t); err != nil {
		return nil, wrapStoreErr(err, "tool activation", t.ID)
	}
	return t, nil
}

func (s *CatalogService) GetToolActivation(ctx context.Context, tenantID, id string) (*models.ToolActivation, error) {
	if err := requireIDs("tenant_id", tenantID, "tool_activation_id", id); err != nil {
		return nil, err
	}
	t, err := s.config.GetToolActivation(ctx, tenantID, id)
	if err != nil {
		return nil, wrapStoreErr(err, "tool activation", id)
	}
	return t, nil
}

func (s *CatalogService) UpdateToolActivation(ctx context.Context, t *models.ToolActivation) (*models.ToolActivation, error) {
	if err := wrapValidationErr(t.Validate()); err != nil {
		return nil, err
	}
	if err := s.config.UpdateToolActivation(ctx, t); err != nil {
		return nil, wrapStoreErr(err, "tool activation", t.ID)
	}
	return t, nil
}

func (s *CatalogService) DeleteToolActivation(ctx context.Context, tenantID, id string) error {
	if err := requireIDs("tenant_id", tenantID, "tool_activation_id", id); err != nil {
		return err
	}
	return wrapStoreErr(s.config.DeleteToolActivation(ctx, tenantID, id), "tool activation", id)
}

func (s *CatalogService) ListToolActivations(ctx context.Context, tenantID, agentID string, opts store.ListOptions) ([]*models.ToolActivation, int, error) {
	if err := requireIDs("tenant_id", tenantID, "agent_id", agentID); err != nil {
		return nil, 0, err
	}
	tools, total, err := s.config.ListToolActivations(ctx, tenantID, agentID, opts)
	if err != nil {
		return nil, 0, wrapStoreErr(err, "tool activation", agentID)
	}
	return tools, total, nil
}

// ────────────────────────────────────────────────────────────
// Customer-data schema
// ────────────────────────────────────────────────────────────

func (s *CatalogService) CreateField(ctx context.Context, f *models.CustomerDataField) (*models.CustomerDataField, error) {
	if f.ID == "" {
		f.ID = models.NewID()
	}
	if err := wrapValidationErr(f.Validate()); err != nil {
		return nil, err
	}
	if err := s.config.CreateField(ctx, f); err != nil {
		return nil, wrapStoreErr(err, "field", f.ID)
	}
	return f, nil
}

func (s *CatalogService) GetField(ctx context.Context, tenantID, id string) (*models.CustomerDataField, error) {
	if err := requireIDs("tenant_id", tenantID, "field_id", id); err != nil {
		return nil, err
	}
	f, err := s.config.GetField(ctx, tenantID, id)
	if err != nil {
		return nil, wrapStoreErr(err, "field", id)
	}
	return f, nil
}

func (s *CatalogService) UpdateField(ctx context.Context, f *models.CustomerDataField) (*models.CustomerDataField, error) {
	if err := wrapValidationErr(f.Validate()); err != nil {
		return nil, err
	}
	if err := s.config.UpdateField(ctx, f); err != nil {
		return nil, wrapStoreErr(err, "field", f.ID)
	}
	return f, nil
}

func (s *CatalogService) DeleteField(ctx context.Context, tenantID, id string) error {
	if err := requireIDs("tenant_id", tenantID, "field_id", id); err != nil {
		return err
	}
	return wrapStoreErr(s.config.DeleteField(ctx, tenantID, id), "field", id)
}

func (s *CatalogService) ListFields(ctx context.Context, tenantID, agentID string, opts store.ListOptions) ([]*models.CustomerDataField, int, error) {
	if err := requireIDs("tenant_id", tenantID, "agent_id", agentID); err != nil {
		return nil, 0, err
	}
	fields, total, err := s.config.ListFields(ctx, tenantID, agentID, opts)
	if err != nil {
		return nil, 0, wrapStoreErr(err, "field", agentID)
	}
	return fields, total, nil
}

// ────────────────────────────────────────────────────────────
// Scenario field requirements
// ────────────────────────────────────────────────────────────

func (s *CatalogService) CreateRequirement(ctx context.Context, r *models.ScenarioFieldRequirement) (*models.ScenarioFieldRequirement, error) {
	if r.ID == "" {
		r.ID = models.NewID()
	}
	if err := wrapValidationErr(r.Validate()); err != nil {
		return nil, err
	}
	if err := s.config.CreateRequirement(ctx, r); err != nil {
		return nil, wrapStoreErr(err, "requirement", r.ID)
	}
	return r, nil
}

func (s *CatalogService) GetRequirement(ctx context.Context, tenantID, id string) (*models.ScenarioFieldRequirement, error) {
	if err := requireIDs("tenant_id", tenantID, "requirement_id", id); err != nil {
		return nil, err
	}
	r, err := s.config.GetRequirement(ctx, tenantID, id)
	if err != nil {
		return nil, wrapStoreErr(err, "requirement", id)
	}
	return r, nil
}

func (s *CatalogService) UpdateRequirement(ctx context.Context, r *models.ScenarioFieldRequirement) (*models.ScenarioFieldRequirement, error) {
	if err := wrapValidationErr(r.Validate()); err != nil {
		return nil, err
	}
	if err := s.config.UpdateRequirement(ctx, r); err != nil {
		return nil, wrapStoreErr(err, "requirement", r.ID)
	}
	return r, nil
}

func (s *CatalogService) DeleteRequirement(ctx context.Context, tenantID, id string) error {
	if err := requireIDs("tenant_id", tenantID, "requirement_id", id); err != nil {
		return err
	}
	return wrapStoreErr(s.config.DeleteRequirement(ctx, tenantID, id), "requirement", id)
}

func (s *CatalogService) ListRequirements(ctx context.Context, tenantID, scenarioID string, stepID *string) ([]*models.ScenarioFieldRequirement, error) {
	if err := requireIDs("tenant_id", tenantID, "scenario_id", scenarioID); err != nil {
		return nil, err
	}
	reqs, err := s.config.ListRequirements(ctx, tenantID, scenarioID, stepID)
	if err != nil {
		return nil, wrapStoreErr(err, "requirement", scenarioID)
	}
	return reqs, nil
}
