// Package vector defines the vector-index and embedder contracts the
// retrieval subsystem consumes, an in-memory cosine index for tests and
// single-node deployments, and the embedding manager that keeps the
// index consistent with rule and scenario rows.
package vector

import (
	"context"
	"math"
)

// Metadata travels with every indexed document and drives scoped search.
type Metadata struct {
	TenantID       string `json:"tenant_id"`
	AgentID        string `json:"agent_id"`
	EntityType     string `json:"entity_type"` // "rule" or "scenario"
	Scope          string `json:"scope,omitempty"`
	ScopeID        string `json:"scope_id,omitempty"`
	Enabled        bool   `json:"enabled"`
	EmbeddingModel string `json:"embedding_model,omitempty"`
}

// Document is one indexed entity.
type Document struct {
	ID       string    `json:"id"`
	Vector   []float32 `json:"vector"`
	Metadata Metadata  `json:"metadata"`
	Text     string    `json:"text,omitempty"`
}

// Query is a scoped similarity search.
type Query struct {
	TenantID    string
	AgentID     string
	EntityType  string
	Scope       string
	ScopeID     string
	EnabledOnly bool
	Vector      []float32
	TopK        int
}

// Match is one search hit, score descending.
type Match struct {
	ID       string   `json:"id"`
	Score    float64  `json:"score"`
	Metadata Metadata `json:"metadata"`
	Text     string   `json:"text,omitempty"`
}

// Index is the external vector index contract. Upserts are idempotent
// by document id.
type Index interface {
	Upsert(ctx context.Context, docs ...Document) error
	Delete(ctx context.Context, ids ...string) error
	DeleteByAgent(ctx context.Context, tenantID, agentID string) error
	DeleteByTenant(ctx context.Context, tenantID string) error
	Search(ctx context.Context, q Query) ([]Match, error)
}

// Embedder turns text into vectors.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Model() string
}

// Cosine returns the cosine similarity of two vectors in [-1, 1].
// Mismatched lengths and zero vectors score 0.
func Cosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// ClampUnit clamps a cosine similarity onto [0, 1] for scoring.
func ClampUnit(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
