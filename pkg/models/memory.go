package models

import "time"

// Episode is an immutable atomic record of one user/agent exchange or
// system event, embedded for associative recall.
type Episode struct {
	ID         string         `json:"id"`
	TenantID   string         `json:"tenant_id"`
	SessionID  string         `json:"session_id"`
	TurnID     string         `json:"turn_id,omitempty"`
	Kind       string         `json:"kind"` // "exchange" or "system"
	Content    string         `json:"content"`
	Embedding  []float32      `json:"-"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
}

// Entity is an extracted knowledge-graph node with temporal validity.
type Entity struct {
	ID        string     `json:"id"`
	TenantID  string     `json:"tenant_id"`
	Name      string     `json:"name"`
	Kind      string     `json:"kind"`
	Summary   string     `json:"summary,omitempty"`
	ValidFrom time.Time  `json:"valid_from"`
	ValidTo   *time.Time `json:"valid_to,omitempty"`
}

// Relationship links two entities with temporal validity. Superseding a
// relationship closes the old edge (sets valid_to) and opens a new one.
type Relationship struct {
	ID           string     `json:"id"`
	TenantID     string     `json:"tenant_id"`
	FromEntityID string     `json:"from_entity_id"`
	ToEntityID   string     `json:"to_entity_id"`
	Kind         string     `json:"kind"`
	Fact         string     `json:"fact,omitempty"`
	ValidFrom    time.Time  `json:"valid_from"`
	ValidTo      *time.Time `json:"valid_to,omitempty"`
}

// IsOpen reports whether the relationship is currently valid.
func (r *Relationship) IsOpen() bool {
	return r.ValidTo == nil
}
