package retrieval

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/codeready-toolchain/tiller/pkg/models"
	"github.com/codeready-toolchain/tiller/pkg/store"
	"github.com/codeready-toolchain/tiller/pkg/vector"
)

// Reranker reorders selected candidates against the raw message with
// provider-side scoring. Optional.
type Reranker interface {
	Rerank(ctx context.Context, query string, documents []string) ([]int, error)
}

// Options tunes one retrieval invocation.
type Options struct {
	Hybrid    HybridConfig
	Selection SelectionConfig
	// CandidateLimit bounds how many vector matches are considered per
	// scope before selection.
	CandidateLimit int
	Reranker       Reranker
	// StartThreshold here only annotates metadata; scenario lifecycle
	// applies its own threshold.
}

// DefaultOptions returns the retrieval defaults.
func DefaultOptions() Options {
	return Options{
		Hybrid:         DefaultHybridConfig(),
		Selection:      DefaultSelectionConfig(),
		CandidateLimit: 50,
	}
}

// Query is one retrieval request.
type Query struct {
	TenantID string
	AgentID  string
	Snapshot *models.SituationSnapshot
	// ActiveScenarioIDs and ActiveStepIDs open the SCENARIO and STEP
	// scopes; GLOBAL is always searched.
	ActiveScenarioIDs []string
	ActiveStepIDs     []string
	Session           SessionRuleState
	Opts              Options
}

// Retriever runs hybrid retrieval over the rule and scenario
// catalogues.
type Retriever struct {
	config store.AgentConfigStore
	index  vector.Index
	logger *slog.Logger
}

// New wires a retriever.
func New(config store.AgentConfigStore, index vector.Index, logger *slog.Logger) *Retriever {
	if logger == nil {
		logger = slog.Default()
	}
	return &Retriever{config: config, index: index, logger: logger.With("component", "retrieval")}
}

// Retrieve scores and selects rule and scenario candidates. Rule scopes
// fan out concurrently, and rules and scenarios retrieve in parallel. A
// vector-store failure degrades to empty candidates instead of failing
// the turn.
func (r *Retriever) Retrieve(ctx context.Context, q Query) (*models.RetrievalResult, error) {
	started := time.Now()
	result := &models.RetrievalResult{}

	g, gctx := errgroup.WithContext(ctx)

	var rules []models.ScoredRule
	var ruleMeta models.SelectionMetadata
	g.Go(func() error {
		var err error
		rules, ruleMeta, err = r.retrieveRules(gctx, q)
		return err
	})

	var scenarios []models.ScoredScenario
	g.Go(func() error {
		var err error
		scenarios, err = r.retrieveScenarios(gctx, q)
		return err
	})

	if err := g.Wait(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		r.logger.Error("retrieval degraded to empty candidates", "error", err)
		return &models.RetrievalResult{
			Degraded:        true,
			RetrievalTimeMs: time.Since(started).Milliseconds(),
			Selection:       models.SelectionMetadata{Strategy: q.Opts.Selection.Strategy},
		}, nil
	}

	result.Rules = rules
	result.Scenarios = scenarios
	result.Selection = ruleMeta
	result.RetrievalTimeMs = time.Since(started).Milliseconds()
	return result, nil
}

// scopeQuery names one rule scope to search.
type scopeQuery struct {
	scope   models.RuleScope
	scopeID string
}

func (r *Retriever) scopes(q Query) []scopeQuery {
	scopes := []scopeQuery{{scope: models.RuleScopeGlobal}}
	for _, id := range q.ActiveScenarioIDs {
		scopes = append(scopes, scopeQuery{scope: models.RuleScopeScenario, scopeID: id})
	}
	for _, id := range q.ActiveStepIDs {
		scopes = append(scopes, scopeQuery{scope: models.RuleScopeStep, scopeID: id})
	}
	return scopes
}

func (r *Retriever) retrieveRules(ctx context.Context, q Query) ([]models.ScoredRule, models.SelectionMetadata, error) {
	scopes := r.scopes(q)
	scopeResults := make([][]models.ScoredRule, len(scopes))

	g, gctx := errgroup.WithContext(ctx)
	for i, sq := range scopes {
		g.Go(func() error {
			scored, err := r.scoreScope(gctx, q, sq)
			if err != nil {
				return err
			}
			scopeResults[i] = scored
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, models.SelectionMetadata{}, err
	}

	// Merge scopes, keeping the best score per rule, then select once
	// over the combined list.
	best := make(map[string]models.ScoredRule)
	for _, scoped := range scopeResults {
		for _, sr := range scoped {
			if have, ok := best[sr.Rule.ID]; !ok || sr.Score > have.Score {
				best[sr.Rule.ID] = sr
			}
		}
	}
	merged := make([]models.ScoredRule, 0, len(best))
	for _, sr := range best {
		merged = append(merged, sr)
	}
	sort.Slice(merged, func(i, j int) bool {
		if merged[i].Score == merged[j].Score {
			return merged[i].Rule.ID < merged[j].Rule.ID
		}
		return merged[i].Score > merged[j].Score
	})

	scores := make([]float64, len(merged))
	for i, sr := range merged {
		scores[i] = sr.Score
	}
	picked, meta, err := Select(scores, q.Opts.Selection)
	if err != nil {
		return nil, meta, err
	}
	selected := make([]models.ScoredRule, 0, len(picked))
	for _, idx := range picked {
		selected = append(selected, merged[idx])
	}

	if q.Opts.Reranker != nil && len(selected) > 1 {
		selected = r.rerankRules(ctx, q.Opts.Reranker, q.Snapshot.Message, selected)
	}
	return selected, meta, nil
}

// scoreScope retrieves vector candidates for one scope, applies the
// business pre-filter, and hybrid-scores the survivors.
func (r *Retriever) scoreScope(ctx context.Context, q Query, sq scopeQuery) ([]models.ScoredRule, error) {
	matches, err := r.index.Search(ctx, vector.Query{
		TenantID:    q.TenantID,
		AgentID:     q.AgentID,
		EntityType:  "rule",
		Scope:       string(sq.scope),
		ScopeID:     sq.scopeID,
		EnabledOnly: true,
		Vector:      q.Snapshot.Embedding,
		TopK:        q.Opts.CandidateLimit,
	})
	if err != nil {
		return nil, err
	}

	var eligible []*models.Rule
	var vecScores []float64
	for _, m := range matches {
		rule, err := r.config.GetRule(ctx, q.TenantID, vector.EntityIDFromDoc(m.ID))
		if err != nil {
			// A vector document without a backing row is stale index
			// state; skip it.
			r.logger.Warn("vector match has no rule row", "doc_id", m.ID, "error", err)
			continue
		}
		if !EligibleRule(rule, q.Session) {
			continue
		}
		eligible = append(eligible, rule)
		vecScores = append(vecScores, vector.ClampUnit(m.Score))
	}
	if len(eligible) == 0 {
		return nil, nil
	}

	finalScores := vecScores
	if q.Opts.Hybrid.Enabled {
		corpus := make([]string, len(eligible))
		for i, rule := range eligible {
			corpus[i] = rule.ConditionText
		}
		bm25Scores := NewBM25(corpus).Scores(q.Snapshot.Message)
		finalScores = Combine(vecScores, bm25Scores, q.Opts.Hybrid)
	}

	out := make([]models.ScoredRule, len(eligible))
	for i, rule := range eligible {
		out[i] = models.ScoredRule{Rule: rule, Score: finalScores[i], Source: sq.scope}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score == out[j].Score {
			return out[i].Rule.ID < out[j].Rule.ID
		}
		return out[i].Score > out[j].Score
	})
	return out, nil
}

func (r *Retriever) retrieveScenarios(ctx context.Context, q Query) ([]models.ScoredScenario, error) {
	matches, err := r.index.Search(ctx, vector.Query{
		TenantID:    q.TenantID,
		AgentID:     q.AgentID,
		EntityType:  "scenario",
		EnabledOnly: true,
		Vector:      q.Snapshot.Embedding,
		TopK:        q.Opts.CandidateLimit,
	})
	if err != nil {
		return nil, err
	}
	var out []models.ScoredScenario
	for _, m := range matches {
		sc, err := r.config.GetScenario(ctx, q.TenantID, vector.EntityIDFromDoc(m.ID))
		if err != nil {
			r.logger.Warn("vector match has no scenario row", "doc_id", m.ID, "error", err)
			continue
		}
		if !sc.Enabled {
			continue
		}
		out = append(out, models.ScoredScenario{Scenario: sc, Score: vector.ClampUnit(m.Score)})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score == out[j].Score {
			return out[i].Scenario.ID < out[j].Scenario.ID
		}
		return out[i].Score > out[j].Score
	})
	return out, nil
}

// rerankRules reorders by provider scoring, keeping payloads. Rerank
// failure keeps the original order.
func (r *Retriever) rerankRules(ctx context.Context, reranker Reranker, query string, rules []models.ScoredRule) []models.ScoredRule {
	docs := make([]string, len(rules))
	for i, sr := range rules {
		docs[i] = sr.Rule.ConditionText
	}
	order, err := reranker.Rerank(ctx, query, docs)
	if err != nil {
		r.logger.Warn("rerank failed, keeping hybrid order", "error", err)
		return rules
	}
	out := make([]models.ScoredRule, 0, len(rules))
	for _, idx := range order {
		if idx >= 0 && idx < len(rules) {
			out = append(out, rules[idx])
		}
	}
	if len(out) != len(rules) {
		return rules
	}
	return out
}
