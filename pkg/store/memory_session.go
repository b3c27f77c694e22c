package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/codeready-toolchain/tiller/pkg/models"
)

// MemorySessionStore is an in-memory SessionStore. The lease map is the
// per-session mutual exclusion; expired leases are reaped lazily.
type MemorySessionStore struct {
	mu       sync.Mutex
	sessions map[string]*models.Session // key: tenant/session
	leases   map[string]memLease
	now      func() time.Time
}

type memLease struct {
	token     string
	expiresAt time.Time
}

// NewMemorySessionStore builds an empty in-memory session store.
func NewMemorySessionStore() *MemorySessionStore {
	return &MemorySessionStore{
		sessions: make(map[string]*models.Session),
		leases:   make(map[string]memLease),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

var _ SessionStore = (*MemorySessionStore)(nil)

func sessionKey(tenantID, sessionID string) string {
	return tenantID + "/" + sessionID
}

func (s *MemorySessionStore) Get(_ context.Context, tenantID, sessionID string) (*models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionKey(tenantID, sessionID)]
	if !ok || sess.IsDeleted() {
		return nil, ErrNotFound
	}
	return mustClone(sess), nil
}

func (s *MemorySessionStore) Save(_ context.Context, sess *models.Session) error {
	if err := sess.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := mustClone(sess)
	now := s.now()
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now
	}
	cp.UpdatedAt = now
	s.sessions[sessionKey(cp.TenantID, cp.ID)] = cp
	return nil
}

func (s *MemorySessionStore) Delete(_ context.Context, tenantID, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := sessionKey(tenantID, sessionID)
	sess, ok := s.sessions[key]
	if !ok || sess.IsDeleted() {
		return ErrNotFound
	}
	now := s.now()
	sess.DeletedAt = &now
	sess.UpdatedAt = now
	return nil
}

func (s *MemorySessionStore) FindByIdentity(_ context.Context, tenantID, agentID, channel, userChannelID string) (*models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var best *models.Session
	for _, sess := range s.sessions {
		if sess.TenantID != tenantID || sess.AgentID != agentID || sess.IsDeleted() {
			continue
		}
		if sess.Channel != channel || sess.UserChannelID != userChannelID {
			continue
		}
		if sess.Status == models.SessionStatusClosed {
			continue
		}
		if best == nil || sess.CreatedAt.After(best.CreatedAt) {
			best = sess
		}
	}
	if best == nil {
		return nil, ErrNotFound
	}
	return mustClone(best), nil
}

func (s *MemorySessionStore) listWhere(tenantID string, opts ListOptions, keep func(*models.Session) bool) ([]*models.Session, int) {
	var all []*models.Session
	for _, sess := range s.sessions {
		if sess.TenantID != tenantID {
			continue
		}
		if !opts.IncludeDeleted && sess.IsDeleted() {
			continue
		}
		if !keep(sess) {
			continue
		}
		all = append(all, sess)
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].ID < all[j].ID
		}
		return all[i].CreatedAt.Before(all[j].CreatedAt)
	})
	total := len(all)
	all = paginate(all, opts.Limit, opts.Offset)
	out := make([]*models.Session, 0, len(all))
	for _, sess := range all {
		out = append(out, mustClone(sess))
	}
	return out, total
}

func (s *MemorySessionStore) ListByAgent(_ context.Context, tenantID, agentID string, opts ListOptions) ([]*models.Session, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, total := s.listWhere(tenantID, opts, func(sess *models.Session) bool {
		return sess.AgentID == agentID
	})
	return rows, total, nil
}

func (s *MemorySessionStore) ListByCustomer(_ context.Context, tenantID, customerID string, opts ListOptions) ([]*models.Session, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, total := s.listWhere(tenantID, opts, func(sess *models.Session) bool {
		return sess.CustomerProfileID != nil && *sess.CustomerProfileID == customerID
	})
	return rows, total, nil
}

// matchesScopeFilter checks that every filter pair appears in metadata.
func matchesScopeFilter(metadata, filter map[string]string) bool {
	for k, v := range filter {
		if metadata[k] != v {
			return false
		}
	}
	return true
}

func (s *MemorySessionStore) FindByStepHash(_ context.Context, tenantID, scenarioID string, version int, stepContentHash string, scopeFilter map[string]string) ([]*models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Session
	for _, sess := range s.sessions {
		if sess.TenantID != tenantID || sess.IsDeleted() {
			continue
		}
		if !matchesScopeFilter(sess.Metadata, scopeFilter) {
			continue
		}
		inst := sess.InstanceOf(scenarioID)
		if inst == nil || inst.ScenarioVersion != version {
			continue
		}
		visit := sess.LastVisitFor(scenarioID)
		if visit == nil || visit.StepContentHash != stepContentHash {
			continue
		}
		out = append(out, mustClone(sess))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemorySessionStore) MarkPendingMigration(_ context.Context, tenantID string, sessionIDs []string, pm *models.PendingMigration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	for _, id := range sessionIDs {
		sess, ok := s.sessions[sessionKey(tenantID, id)]
		if !ok || sess.IsDeleted() {
			return ErrNotFound
		}
		cp := *pm
		sess.PendingMigration = &cp
		sess.UpdatedAt = now
	}
	return nil
}

func (s *MemorySessionStore) AcquireLease(_ context.Context, tenantID, sessionID string, ttl time.Duration) (LeaseToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := sessionKey(tenantID, sessionID)
	now := s.now()
	if lease, ok := s.leases[key]; ok && lease.expiresAt.After(now) {
		return LeaseToken{}, ErrSessionBusy
	}
	token := uuid.NewString()
	s.leases[key] = memLease{token: token, expiresAt: now.Add(ttl)}
	return LeaseToken{TenantID: tenantID, SessionID: sessionID, Token: token}, nil
}

func (s *MemorySessionStore) ReleaseLease(_ context.Context, token LeaseToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := sessionKey(token.TenantID, token.SessionID)
	lease, ok := s.leases[key]
	if !ok || lease.token != token.Token {
		// Releasing a lost or expired lease is a no-op.
		return nil
	}
	delete(s.leases, key)
	return nil
}
