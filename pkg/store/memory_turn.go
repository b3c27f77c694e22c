package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/codeready-toolchain/tiller/pkg/models"
)

// MemoryTurnStore is an in-memory TurnStore.
type MemoryTurnStore struct {
	mu    sync.RWMutex
	turns map[string]*models.Turn
}

// NewMemoryTurnStore builds an empty in-memory turn store.
func NewMemoryTurnStore() *MemoryTurnStore {
	return &MemoryTurnStore{turns: make(map[string]*models.Turn)}
}

var _ TurnStore = (*MemoryTurnStore)(nil)

func (s *MemoryTurnStore) SaveTurn(_ context.Context, t *models.Turn) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.turns[t.ID]; ok {
		return ErrAlreadyExists
	}
	s.turns[t.ID] = mustClone(t)
	return nil
}

func (s *MemoryTurnStore) GetTurn(_ context.Context, tenantID, turnID string) (*models.Turn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.turns[turnID]
	if !ok {
		return nil, ErrNotFound
	}
	if t.TenantID != tenantID {
		return nil, ErrTenantMismatch
	}
	return mustClone(t), nil
}

func (s *MemoryTurnStore) ListTurns(_ context.Context, tenantID, sessionID string, limit, offset int, sortOrder TurnSort) ([]*models.Turn, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var all []*models.Turn
	for _, t := range s.turns {
		if t.TenantID == tenantID && t.SessionID == sessionID {
			all = append(all, t)
		}
	}
	sort.Slice(all, func(i, j int) bool {
		if sortOrder == TurnSortDesc {
			return all[i].TurnNumber > all[j].TurnNumber
		}
		return all[i].TurnNumber < all[j].TurnNumber
	})
	total := len(all)
	all = paginate(all, limit, offset)
	out := make([]*models.Turn, 0, len(all))
	for _, t := range all {
		out = append(out, mustClone(t))
	}
	return out, total, nil
}

// MemoryEpisodeStore is an in-memory EpisodeStore.
type MemoryEpisodeStore struct {
	mu       sync.RWMutex
	episodes []*models.Episode
}

// NewMemoryEpisodeStore builds an empty in-memory episode store.
func NewMemoryEpisodeStore() *MemoryEpisodeStore {
	return &MemoryEpisodeStore{}
}

var _ EpisodeStore = (*MemoryEpisodeStore)(nil)

func (s *MemoryEpisodeStore) SaveEpisode(_ context.Context, e *models.Episode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := mustClone(e)
	cp.Embedding = append([]float32(nil), e.Embedding...)
	s.episodes = append(s.episodes, cp)
	return nil
}

func (s *MemoryEpisodeStore) ListEpisodes(_ context.Context, tenantID, sessionID string, limit int) ([]*models.Episode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.Episode
	for i := len(s.episodes) - 1; i >= 0; i-- {
		e := s.episodes[i]
		if e.TenantID != tenantID || e.SessionID != sessionID {
			continue
		}
		out = append(out, mustClone(e))
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// MemoryGraphStore is an in-memory GraphStore with temporal supersession.
type MemoryGraphStore struct {
	mu            sync.Mutex
	entities      map[string]*models.Entity
	relationships []*models.Relationship
	now           func() time.Time
}

// NewMemoryGraphStore builds an empty in-memory graph store.
func NewMemoryGraphStore() *MemoryGraphStore {
	return &MemoryGraphStore{
		entities: make(map[string]*models.Entity),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

var _ GraphStore = (*MemoryGraphStore)(nil)

func (s *MemoryGraphStore) UpsertEntity(_ context.Context, e *models.Entity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := mustClone(e)
	if cp.ValidFrom.IsZero() {
		cp.ValidFrom = s.now()
	}
	s.entities[cp.ID] = cp
	return nil
}

// SupersedeRelationship closes any open edge with the same endpoints and
// kind before opening the new one.
func (s *MemoryGraphStore) SupersedeRelationship(_ context.Context, r *models.Relationship) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	for _, existing := range s.relationships {
		if existing.TenantID == r.TenantID &&
			existing.FromEntityID == r.FromEntityID &&
			existing.ToEntityID == r.ToEntityID &&
			existing.Kind == r.Kind &&
			existing.IsOpen() {
			closedAt := now
			existing.ValidTo = &closedAt
		}
	}
	cp := mustClone(r)
	if cp.ValidFrom.IsZero() {
		cp.ValidFrom = now
	}
	cp.ValidTo = nil
	s.relationships = append(s.relationships, cp)
	return nil
}

func (s *MemoryGraphStore) ListRelationships(_ context.Context, tenantID, entityID string, openOnly bool) ([]*models.Relationship, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Relationship
	for _, r := range s.relationships {
		if r.TenantID != tenantID {
			continue
		}
		if r.FromEntityID != entityID && r.ToEntityID != entityID {
			continue
		}
		if openOnly && !r.IsOpen() {
			continue
		}
		out = append(out, mustClone(r))
	}
	return out, nil
}
