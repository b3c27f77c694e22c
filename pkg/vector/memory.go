package vector

import (
	"context"
	"hash/fnv"
	"math"
	"sort"
	"strings"
	"sync"
)

// MemoryIndex is an in-process Index backed by brute-force cosine
// search. Adequate for tests and single-node catalogues, which stay in
// the thousands of documents.
type MemoryIndex struct {
	mu   sync.RWMutex
	docs map[string]Document
}

// NewMemoryIndex builds an empty in-memory index.
func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{docs: make(map[string]Document)}
}

var _ Index = (*MemoryIndex)(nil)

func (m *MemoryIndex) Upsert(_ context.Context, docs ...Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range docs {
		m.docs[d.ID] = d
	}
	return nil
}

func (m *MemoryIndex) Delete(_ context.Context, ids ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		delete(m.docs, id)
	}
	return nil
}

func (m *MemoryIndex) DeleteByAgent(_ context.Context, tenantID, agentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, d := range m.docs {
		if d.Metadata.TenantID == tenantID && d.Metadata.AgentID == agentID {
			delete(m.docs, id)
		}
	}
	return nil
}

func (m *MemoryIndex) DeleteByTenant(_ context.Context, tenantID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, d := range m.docs {
		if d.Metadata.TenantID == tenantID {
			delete(m.docs, id)
		}
	}
	return nil
}

func (m *MemoryIndex) Search(_ context.Context, q Query) ([]Match, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Match
	for _, d := range m.docs {
		md := d.Metadata
		if md.TenantID != q.TenantID {
			continue
		}
		if q.AgentID != "" && md.AgentID != q.AgentID {
			continue
		}
		if q.EntityType != "" && md.EntityType != q.EntityType {
			continue
		}
		if q.Scope != "" && md.Scope != q.Scope {
			continue
		}
		if q.ScopeID != "" && md.ScopeID != q.ScopeID {
			continue
		}
		if q.EnabledOnly && !md.Enabled {
			continue
		}
		out = append(out, Match{ID: d.ID, Score: Cosine(q.Vector, d.Vector), Metadata: md, Text: d.Text})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score == out[j].Score {
			return out[i].ID < out[j].ID
		}
		return out[i].Score > out[j].Score
	})
	if q.TopK > 0 && len(out) > q.TopK {
		out = out[:q.TopK]
	}
	return out, nil
}

// Len reports how many documents the index holds.
func (m *MemoryIndex) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.docs)
}

// HashEmbedder is a deterministic, dependency-free embedder: tokens
// hash into a fixed-dimension bag-of-words vector. Texts sharing words
// score high under cosine, which is exactly what tests and single-node
// smoke deployments need. Real deployments inject a provider-backed
// Embedder instead.
type HashEmbedder struct {
	Dims int
}

// NewHashEmbedder builds a hash embedder with the given dimensionality.
func NewHashEmbedder(dims int) *HashEmbedder {
	if dims <= 0 {
		dims = 256
	}
	return &HashEmbedder{Dims: dims}
}

var _ Embedder = (*HashEmbedder)(nil)

func (e *HashEmbedder) Model() string { return "hash-bow" }

func (e *HashEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		vec := make([]float32, e.Dims)
		for _, tok := range strings.Fields(strings.ToLower(text)) {
			tok = strings.Trim(tok, ".,;:!?\"'()")
			if tok == "" {
				continue
			}
			h := fnv.New32a()
			_, _ = h.Write([]byte(tok))
			vec[h.Sum32()%uint32(e.Dims)]++
		}
		var norm float64
		for _, v := range vec {
			norm += float64(v) * float64(v)
		}
		if norm > 0 {
			n := float32(math.Sqrt(norm))
			for j := range vec {
				vec[j] /= n
			}
		}
		out[i] = vec
	}
	return out, nil
}
