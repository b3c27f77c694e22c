package vector

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/codeready-toolchain/tiller/pkg/models"
)

// Document id prefixes keep rule and scenario ids from colliding in the
// shared index namespace.
const (
	rulePrefix     = "rule:"
	scenarioPrefix = "scenario:"
)

// RuleDocID returns the index document id for a rule.
func RuleDocID(ruleID string) string { return rulePrefix + ruleID }

// ScenarioDocID returns the index document id for a scenario.
func ScenarioDocID(scenarioID string) string { return scenarioPrefix + scenarioID }

// EntityIDFromDoc strips the type prefix off a document id.
func EntityIDFromDoc(docID string) string {
	if i := strings.IndexByte(docID, ':'); i >= 0 {
		return docID[i+1:]
	}
	return docID
}

// EmbeddingManager keeps the external vector index consistent with rule
// and scenario rows. Rows arriving without an embedding get one from
// the configured embedder; the computed vector is written back onto the
// row so the caller can persist it.
type EmbeddingManager struct {
	index    Index
	embedder Embedder
	logger   *slog.Logger
}

// NewEmbeddingManager wires an embedding manager.
func NewEmbeddingManager(index Index, embedder Embedder, logger *slog.Logger) *EmbeddingManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &EmbeddingManager{index: index, embedder: embedder, logger: logger.With("component", "embedding_manager")}
}

// SyncRule upserts the rule's condition embedding into the index,
// generating the embedding first when the row carries none.
func (m *EmbeddingManager) SyncRule(ctx context.Context, r *models.Rule) error {
	if len(r.ConditionEmbedding) == 0 {
		vecs, err := m.embedder.Embed(ctx, []string{r.ConditionText})
		if err != nil {
			return fmt.Errorf("embedding rule %s: %w", r.ID, err)
		}
		r.ConditionEmbedding = vecs[0]
		r.EmbeddingModel = m.embedder.Model()
	}
	scopeID := ""
	if r.ScopeID != nil {
		scopeID = *r.ScopeID
	}
	doc := Document{
		ID:     RuleDocID(r.ID),
		Vector: r.ConditionEmbedding,
		Metadata: Metadata{
			TenantID:       r.TenantID,
			AgentID:        r.AgentID,
			EntityType:     "rule",
			Scope:          string(r.Scope),
			ScopeID:        scopeID,
			Enabled:        r.Enabled,
			EmbeddingModel: r.EmbeddingModel,
		},
		Text: r.ConditionText,
	}
	return m.index.Upsert(ctx, doc)
}

// SyncScenario upserts the scenario's entry-condition embedding.
func (m *EmbeddingManager) SyncScenario(ctx context.Context, s *models.Scenario) error {
	if len(s.EntryEmbedding) == 0 {
		vecs, err := m.embedder.Embed(ctx, []string{s.EntryConditionText})
		if err != nil {
			return fmt.Errorf("embedding scenario %s: %w", s.ID, err)
		}
		s.EntryEmbedding = vecs[0]
		s.EmbeddingModel = m.embedder.Model()
	}
	doc := Document{
		ID:     ScenarioDocID(s.ID),
		Vector: s.EntryEmbedding,
		Metadata: Metadata{
			TenantID:       s.TenantID,
			AgentID:        s.AgentID,
			EntityType:     "scenario",
			Enabled:        s.Enabled,
			EmbeddingModel: s.EmbeddingModel,
		},
		Text: s.EntryConditionText,
	}
	return m.index.Upsert(ctx, doc)
}

// DeleteRule removes a rule's document.
func (m *EmbeddingManager) DeleteRule(ctx context.Context, ruleID string) error {
	return m.index.Delete(ctx, RuleDocID(ruleID))
}

// DeleteScenario removes a scenario's document.
func (m *EmbeddingManager) DeleteScenario(ctx context.Context, scenarioID string) error {
	return m.index.Delete(ctx, ScenarioDocID(scenarioID))
}

// DeleteByAgent removes every vector for the agent.
func (m *EmbeddingManager) DeleteByAgent(ctx context.Context, tenantID, agentID string) error {
	return m.index.DeleteByAgent(ctx, tenantID, agentID)
}

// DeleteByTenant removes every vector for the tenant.
func (m *EmbeddingManager) DeleteByTenant(ctx context.Context, tenantID string) error {
	return m.index.DeleteByTenant(ctx, tenantID)
}

// SyncAgent batch-syncs an agent's full catalogue into the index. Used
// when migrating existing catalogues and by the publish compile stage.
// Individual failures log and continue; the count of synced documents
// is returned.
func (m *EmbeddingManager) SyncAgent(ctx context.Context, rules []*models.Rule, scenarios []*models.Scenario) (int, error) {
	synced := 0
	for _, r := range rules {
		if err := m.SyncRule(ctx, r); err != nil {
			if ctx.Err() != nil {
				return synced, ctx.Err()
			}
			m.logger.Error("rule sync failed", "rule_id", r.ID, "error", err)
			continue
		}
		synced++
	}
	for _, s := range scenarios {
		if err := m.SyncScenario(ctx, s); err != nil {
			if ctx.Err() != nil {
				return synced, ctx.Err()
			}
			m.logger.Error("scenario sync failed", "scenario_id", s.ID, "error", err)
			continue
		}
		synced++
	}
	return synced, nil
}
