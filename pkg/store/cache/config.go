package cache

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/codeready-toolchain/tiller/pkg/models"
	"github.com/codeready-toolchain/tiller/pkg/store"
)

// ConfigStore caches the catalogue reads the pipeline makes on every
// turn: single-entity gets plus the unpaginated field and glossary
// listings. Writes go through to the store and update or drop the cached
// entry; publishing invalidates the whole tenant prefix.
type ConfigStore struct {
	store.AgentConfigStore
	b *backend
}

// NewConfigStore wraps the store with a Redis cache.
func NewConfigStore(inner store.AgentConfigStore, rdb redis.UniversalClient, opts Options) *ConfigStore {
	return &ConfigStore{AgentConfigStore: inner, b: newBackend(rdb, "config", opts)}
}

func cfgKey(tenantID, kind, id string) string {
	return fmt.Sprintf("%s:cfg:%s:%s:%s", keyPrefix, tenantID, kind, id)
}

// listPage wraps a cached listing with its total.
type listPage[T any] struct {
	Items []T `json:"items"`
	Total int `json:"total"`
}

// ── Agents ──

func (c *ConfigStore) GetAgent(ctx context.Context, tenantID, id string) (*models.Agent, error) {
	key := cfgKey(tenantID, "agent", id)
	var cached models.Agent
	if c.b.getJSON(ctx, key, &cached) {
		return &cached, nil
	}
	a, err := c.AgentConfigStore.GetAgent(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	c.b.setJSON(ctx, key, a)
	return a, nil
}

func (c *ConfigStore) UpdateAgent(ctx context.Context, a *models.Agent) error {
	if err := c.AgentConfigStore.UpdateAgent(ctx, a); err != nil {
		return err
	}
	c.b.setJSON(ctx, cfgKey(a.TenantID, "agent", a.ID), a)
	return nil
}

func (c *ConfigStore) DeleteAgent(ctx context.Context, tenantID, id string) error {
	if err := c.AgentConfigStore.DeleteAgent(ctx, tenantID, id); err != nil {
		return err
	}
	c.b.del(ctx, cfgKey(tenantID, "agent", id))
	return nil
}

// SwapPublishedVersion bumps the pointer and drops the cached agent so
// the next turn sees the new version immediately.
func (c *ConfigStore) SwapPublishedVersion(ctx context.Context, tenantID, agentID string, toVersion int) (int, error) {
	v, err := c.AgentConfigStore.SwapPublishedVersion(ctx, tenantID, agentID, toVersion)
	if err != nil {
		return v, err
	}
	c.b.del(ctx, cfgKey(tenantID, "agent", agentID))
	return v, nil
}

// ── Rules ──

func (c *ConfigStore) GetRule(ctx context.Context, tenantID, id string) (*models.Rule, error) {
	key := cfgKey(tenantID, "rule", id)
	var cached models.Rule
	if c.b.getJSON(ctx, key, &cached) {
		return &cached, nil
	}
	r, err := c.AgentConfigStore.GetRule(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	c.b.setJSON(ctx, key, r)
	return r, nil
}

func (c *ConfigStore) UpdateRule(ctx context.Context, r *models.Rule) error {
	if err := c.AgentConfigStore.UpdateRule(ctx, r); err != nil {
		return err
	}
	c.b.setJSON(ctx, cfgKey(r.TenantID, "rule", r.ID), r)
	return nil
}

func (c *ConfigStore) DeleteRule(ctx context.Context, tenantID, id string) error {
	if err := c.AgentConfigStore.DeleteRule(ctx, tenantID, id); err != nil {
		return err
	}
	c.b.del(ctx, cfgKey(tenantID, "rule", id))
	return nil
}

// ── Scenarios ──

func (c *ConfigStore) GetScenario(ctx context.Context, tenantID, id string) (*models.Scenario, error) {
	key := cfgKey(tenantID, "scenario", id)
	var cached models.Scenario
	if c.b.getJSON(ctx, key, &cached) {
		return &cached, nil
	}
	s, err := c.AgentConfigStore.GetScenario(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	c.b.setJSON(ctx, key, s)
	return s, nil
}

func (c *ConfigStore) UpdateScenario(ctx context.Context, s *models.Scenario) error {
	if err := c.AgentConfigStore.UpdateScenario(ctx, s); err != nil {
		return err
	}
	c.b.setJSON(ctx, cfgKey(s.TenantID, "scenario", s.ID), s)
	return nil
}

func (c *ConfigStore) DeleteScenario(ctx context.Context, tenantID, id string) error {
	if err := c.AgentConfigStore.DeleteScenario(ctx, tenantID, id); err != nil {
		return err
	}
	c.b.del(ctx, cfgKey(tenantID, "scenario", id))
	return nil
}

// ── Templates ──

func (c *ConfigStore) GetTemplate(ctx context.Context, tenantID, id string) (*models.Template, error) {
	key := cfgKey(tenantID, "template", id)
	var cached models.Template
	if c.b.getJSON(ctx, key, &cached) {
		return &cached, nil
	}
	t, err := c.AgentConfigStore.GetTemplate(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	c.b.setJSON(ctx, key, t)
	return t, nil
}

func (c *ConfigStore) UpdateTemplate(ctx context.Context, t *models.Template) error {
	if err := c.AgentConfigStore.UpdateTemplate(ctx, t); err != nil {
		return err
	}
	c.b.setJSON(ctx, cfgKey(t.TenantID, "template", t.ID), t)
	return nil
}

func (c *ConfigStore) DeleteTemplate(ctx context.Context, tenantID, id string) error {
	if err := c.AgentConfigStore.DeleteTemplate(ctx, tenantID, id); err != nil {
		return err
	}
	c.b.del(ctx, cfgKey(tenantID, "template", id))
	return nil
}

// ── Customer-data schema ──

// ListFields caches only the unpaginated listing the pipeline uses.
func (c *ConfigStore) ListFields(ctx context.Context, tenantID, agentID string, opts store.ListOptions) ([]*models.CustomerDataField, int, error) {
	if opts != (store.ListOptions{}) {
		return c.AgentConfigStore.ListFields(ctx, tenantID, agentID, opts)
	}
	key := cfgKey(tenantID, "fields", agentID)
	var cached listPage[*models.CustomerDataField]
	if c.b.getJSON(ctx, key, &cached) {
		return cached.Items, cached.Total, nil
	}
	items, total, err := c.AgentConfigStore.ListFields(ctx, tenantID, agentID, opts)
	if err != nil {
		return nil, 0, err
	}
	c.b.setJSON(ctx, key, listPage[*models.CustomerDataField]{Items: items, Total: total})
	return items, total, nil
}

func (c *ConfigStore) CreateField(ctx context.Context, f *models.CustomerDataField) error {
	if err := c.AgentConfigStore.CreateField(ctx, f); err != nil {
		return err
	}
	c.b.del(ctx, cfgKey(f.TenantID, "fields", f.AgentID))
	return nil
}

func (c *ConfigStore) UpdateField(ctx context.Context, f *models.CustomerDataField) error {
	if err := c.AgentConfigStore.UpdateField(ctx, f); err != nil {
		return err
	}
	c.b.del(ctx, cfgKey(f.TenantID, "fields", f.AgentID))
	return nil
}

func (c *ConfigStore) DeleteField(ctx context.Context, tenantID, id string) error {
	f, err := c.AgentConfigStore.GetField(ctx, tenantID, id)
	if err != nil {
		return err
	}
	if err := c.AgentConfigStore.DeleteField(ctx, tenantID, id); err != nil {
		return err
	}
	c.b.del(ctx, cfgKey(tenantID, "fields", f.AgentID))
	return nil
}

// ── Glossary ──

func (c *ConfigStore) ListGlossaryItems(ctx context.Context, tenantID, agentID string, opts store.ListOptions) ([]*models.GlossaryItem, int, error) {
	if opts != (store.ListOptions{}) {
		return c.AgentConfigStore.ListGlossaryItems(ctx, tenantID, agentID, opts)
	}
	key := cfgKey(tenantID, "glossary", agentID)
	var cached listPage[*models.GlossaryItem]
	if c.b.getJSON(ctx, key, &cached) {
		return cached.Items, cached.Total, nil
	}
	items, total, err := c.AgentConfigStore.ListGlossaryItems(ctx, tenantID, agentID, opts)
	if err != nil {
		return nil, 0, err
	}
	c.b.setJSON(ctx, key, listPage[*models.GlossaryItem]{Items: items, Total: total})
	return items, total, nil
}

func (c *ConfigStore) CreateGlossaryItem(ctx context.Context, g *models.GlossaryItem) error {
	if err := c.AgentConfigStore.CreateGlossaryItem(ctx, g); err != nil {
		return err
	}
	c.b.del(ctx, cfgKey(g.TenantID, "glossary", g.AgentID))
	return nil
}

func (c *ConfigStore) UpdateGlossaryItem(ctx context.Context, g *models.GlossaryItem) error {
	if err := c.AgentConfigStore.UpdateGlossaryItem(ctx, g); err != nil {
		return err
	}
	c.b.del(ctx, cfgKey(g.TenantID, "glossary", g.AgentID))
	return nil
}

func (c *ConfigStore) DeleteGlossaryItem(ctx context.Context, tenantID, id string) error {
	g, err := c.AgentConfigStore.GetGlossaryItem(ctx, tenantID, id)
	if err != nil {
		return err
	}
	if err := c.AgentConfigStore.DeleteGlossaryItem(ctx, tenantID, id); err != nil {
		return err
	}
	c.b.del(ctx, cfgKey(tenantID, "glossary", g.AgentID))
	return nil
}

// InvalidateAgent drops every cached catalogue entry of the tenant. The
// publish job calls this after the version pointer swap.
func (c *ConfigStore) InvalidateAgent(ctx context.Context, tenantID, _ string) error {
	return c.b.invalidatePattern(ctx, fmt.Sprintf("%s:cfg:%s:*", keyPrefix, tenantID))
}
