package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/codeready-toolchain/tiller/pkg/models"
)

// MemoryCustomerStore is an in-memory CustomerDataStore. Entries are the
// source of truth; profile field maps are reconstructed from the ACTIVE
// entries on read.
type MemoryCustomerStore struct {
	mu         sync.Mutex
	profiles   map[string]*models.CustomerProfile   // tenant/customer
	entries    map[string][]*models.VariableEntry   // tenant/customer, append order
	byID       map[string]*models.VariableEntry     // entry id
	identities map[string]string                    // tenant/channel/channelUser -> customer
	// historyCap bounds per-field history (0 = unbounded). Entries newer
	// than retentionDays are never dropped; the cap only trims older ones.
	historyCap    int
	retentionDays int
	now           func() time.Time
}

// NewMemoryCustomerStore builds an empty in-memory customer store.
func NewMemoryCustomerStore() *MemoryCustomerStore {
	return &MemoryCustomerStore{
		profiles:      make(map[string]*models.CustomerProfile),
		entries:       make(map[string][]*models.VariableEntry),
		byID:          make(map[string]*models.VariableEntry),
		identities:    make(map[string]string),
		historyCap:    50,
		retentionDays: 30,
		now:           func() time.Time { return time.Now().UTC() },
	}
}

var _ CustomerDataStore = (*MemoryCustomerStore)(nil)

func customerKey(tenantID, customerID string) string {
	return tenantID + "/" + customerID
}

func identityKey(tenantID, channel, channelUserID string) string {
	return tenantID + "/" + channel + "/" + channelUserID
}

func (s *MemoryCustomerStore) CreateProfile(_ context.Context, p *models.CustomerProfile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := customerKey(p.TenantID, p.CustomerID)
	if _, ok := s.profiles[key]; ok {
		return ErrAlreadyExists
	}
	for _, ci := range p.ChannelIdentities {
		ik := identityKey(p.TenantID, ci.Channel, ci.ChannelUserID)
		if owner, ok := s.identities[ik]; ok && owner != p.CustomerID {
			return ErrIdentityLinked
		}
	}
	cp := mustClone(p)
	now := s.now()
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now
	}
	cp.UpdatedAt = now
	cp.Fields = nil
	s.profiles[key] = cp
	for _, ci := range cp.ChannelIdentities {
		s.identities[identityKey(cp.TenantID, ci.Channel, ci.ChannelUserID)] = cp.CustomerID
	}
	return nil
}

// expireLocked transitions ACTIVE entries past expiry for one customer.
func (s *MemoryCustomerStore) expireLocked(tenantID, customerID string, now time.Time) int {
	changed := 0
	for _, e := range s.entries[customerKey(tenantID, customerID)] {
		if e.Status == models.EntryStatusActive && e.IsExpired(now) {
			e.Status = models.EntryStatusExpired
			changed++
		}
	}
	return changed
}

// profileLocked returns the stored profile with Fields reconstructed from
// ACTIVE entries. Expiration is applied first so status-aware reads never
// see a stale ACTIVE value.
func (s *MemoryCustomerStore) profileLocked(tenantID, customerID string) (*models.CustomerProfile, error) {
	p, ok := s.profiles[customerKey(tenantID, customerID)]
	if !ok || p.IsDeleted() {
		return nil, ErrNotFound
	}
	s.expireLocked(tenantID, customerID, s.now())
	out := mustClone(p)
	out.Fields = make(map[string]*models.VariableEntry)
	for _, e := range s.entries[customerKey(tenantID, customerID)] {
		if e.Status == models.EntryStatusActive {
			out.Fields[e.Name] = mustClone(e)
		}
	}
	return out, nil
}

func (s *MemoryCustomerStore) GetProfile(_ context.Context, tenantID, customerID string) (*models.CustomerProfile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.profileLocked(tenantID, customerID)
}

func (s *MemoryCustomerStore) GetProfileByIdentity(_ context.Context, tenantID, channel, channelUserID string) (*models.CustomerProfile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	customerID, ok := s.identities[identityKey(tenantID, channel, channelUserID)]
	if !ok {
		return nil, ErrNotFound
	}
	return s.profileLocked(tenantID, customerID)
}

func (s *MemoryCustomerStore) DeleteProfile(_ context.Context, tenantID, customerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := customerKey(tenantID, customerID)
	p, ok := s.profiles[key]
	if !ok || p.IsDeleted() {
		return ErrNotFound
	}
	now := s.now()
	p.DeletedAt = &now
	p.UpdatedAt = now
	for _, ci := range p.ChannelIdentities {
		delete(s.identities, identityKey(tenantID, ci.Channel, ci.ChannelUserID))
	}
	return nil
}

func (s *MemoryCustomerStore) LinkIdentity(_ context.Context, tenantID, customerID, channel, channelUserID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.profiles[customerKey(tenantID, customerID)]
	if !ok || p.IsDeleted() {
		return ErrNotFound
	}
	ik := identityKey(tenantID, channel, channelUserID)
	if owner, linked := s.identities[ik]; linked {
		if owner == customerID {
			return nil
		}
		return ErrIdentityLinked
	}
	s.identities[ik] = customerID
	p.ChannelIdentities = append(p.ChannelIdentities, models.ChannelIdentity{
		Channel:       channel,
		ChannelUserID: channelUserID,
		LinkedAt:      s.now(),
	})
	p.UpdatedAt = s.now()
	return nil
}

// UpdateFieldEntry writes the new ACTIVE entry, superseding the prior
// ACTIVE value for the same (customer, name). At most one ACTIVE entry
// per name survives any interleaving of writes.
func (s *MemoryCustomerStore) UpdateFieldEntry(_ context.Context, entry *models.VariableEntry) (*models.VariableEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.profiles[customerKey(entry.TenantID, entry.CustomerID)]; !ok {
		return nil, ErrNotFound
	}
	cp := mustClone(entry)
	now := s.now()
	cp.Status = models.EntryStatusActive
	if cp.CollectedAt.IsZero() {
		cp.CollectedAt = now
	}
	if err := cp.Validate(); err != nil {
		return nil, err
	}
	key := customerKey(cp.TenantID, cp.CustomerID)
	for _, prev := range s.entries[key] {
		if prev.Name == cp.Name && prev.Status == models.EntryStatusActive {
			prev.Status = models.EntryStatusSuperseded
			prev.SupersededByID = &cp.ID
			supersededAt := now
			prev.SupersededAt = &supersededAt
		}
	}
	s.entries[key] = append(s.entries[key], cp)
	s.byID[cp.ID] = cp
	s.trimHistoryLocked(key, cp.Name, now)
	return mustClone(cp), nil
}

// trimHistoryLocked drops the oldest non-ACTIVE entries of a field past
// the cap, never touching entries inside the retention window.
func (s *MemoryCustomerStore) trimHistoryLocked(key, name string, now time.Time) {
	if s.historyCap <= 0 {
		return
	}
	var history []*models.VariableEntry
	for _, e := range s.entries[key] {
		if e.Name == name && e.Status != models.EntryStatusActive {
			history = append(history, e)
		}
	}
	excess := len(history) - s.historyCap
	if excess <= 0 {
		return
	}
	sort.Slice(history, func(i, j int) bool { return history[i].CollectedAt.Before(history[j].CollectedAt) })
	drop := make(map[string]bool, excess)
	retentionFloor := now.AddDate(0, 0, -s.retentionDays)
	for _, e := range history {
		if excess == 0 {
			break
		}
		if e.CollectedAt.After(retentionFloor) {
			continue
		}
		drop[e.ID] = true
		excess--
	}
	if len(drop) == 0 {
		return
	}
	kept := s.entries[key][:0]
	for _, e := range s.entries[key] {
		if drop[e.ID] {
			delete(s.byID, e.ID)
			continue
		}
		kept = append(kept, e)
	}
	s.entries[key] = kept
}

func (s *MemoryCustomerStore) QueryField(_ context.Context, tenantID, customerID, name string, q FieldQuery) ([]*models.VariableEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := customerKey(tenantID, customerID)
	if _, ok := s.profiles[key]; !ok {
		return nil, ErrNotFound
	}
	if q.Status != "" {
		s.expireLocked(tenantID, customerID, s.now())
	}
	var out []*models.VariableEntry
	for _, e := range s.entries[key] {
		if e.Name != name {
			continue
		}
		if q.Status != "" && e.Status != q.Status && !q.IncludeHistory {
			continue
		}
		out = append(out, mustClone(e))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CollectedAt.After(out[j].CollectedAt) })
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (s *MemoryCustomerStore) ExpireEntries(_ context.Context, tenantID string, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	changed := 0
	for key := range s.entries {
		for _, e := range s.entries[key] {
			if e.TenantID == tenantID && e.Status == models.EntryStatusActive && e.IsExpired(now) {
				e.Status = models.EntryStatusExpired
				changed++
			}
		}
	}
	return changed, nil
}

// MarkOrphans walks each ACTIVE entry's derivation chain. An entry whose
// source is missing or no longer ACTIVE flips to ORPHANED, as does an
// entry whose chain revisits an id (lineage cycle) or exceeds the depth
// bound without resolving.
func (s *MemoryCustomerStore) MarkOrphans(_ context.Context, tenantID, customerID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := customerKey(tenantID, customerID)
	if _, ok := s.profiles[key]; !ok {
		return nil, ErrNotFound
	}
	var orphaned []string
	for _, e := range s.entries[key] {
		if e.Status != models.EntryStatusActive || e.SourceItemID == nil {
			continue
		}
		if s.chainBrokenLocked(e) {
			e.Status = models.EntryStatusOrphaned
			orphaned = append(orphaned, e.ID)
		}
	}
	sort.Strings(orphaned)
	return orphaned, nil
}

func (s *MemoryCustomerStore) chainBrokenLocked(e *models.VariableEntry) bool {
	visited := map[string]bool{e.ID: true}
	cur := e
	for depth := 0; depth < MaxDerivationDepth; depth++ {
		if cur.SourceItemID == nil {
			return false
		}
		src, ok := s.byID[*cur.SourceItemID]
		if !ok || src.Status != models.EntryStatusActive {
			return true
		}
		if visited[src.ID] {
			// Lineage cycle.
			return true
		}
		visited[src.ID] = true
		cur = src
	}
	// Depth bound exhausted without reaching a root: unverifiable, so
	// treated as broken.
	return true
}

// MergeProfiles folds source into target: identities union, fields keep
// the later write, histories concatenate, source is deleted. Running the
// merge again after it succeeded is a no-op.
func (s *MemoryCustomerStore) MergeProfiles(_ context.Context, tenantID, targetID, sourceID string) (*models.CustomerProfile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	targetKey := customerKey(tenantID, targetID)
	target, ok := s.profiles[targetKey]
	if !ok || target.IsDeleted() {
		return nil, ErrNotFound
	}
	sourceKey := customerKey(tenantID, sourceID)
	source, ok := s.profiles[sourceKey]
	if !ok || source.IsDeleted() {
		// Already merged (or never existed): idempotent success.
		return s.profileLocked(tenantID, targetID)
	}
	now := s.now()

	for _, ci := range source.ChannelIdentities {
		if !target.HasIdentity(ci.Channel, ci.ChannelUserID) {
			target.ChannelIdentities = append(target.ChannelIdentities, ci)
		}
		s.identities[identityKey(tenantID, ci.Channel, ci.ChannelUserID)] = targetID
	}

	// Move entries over, then re-resolve the single ACTIVE winner per
	// field by latest collection time.
	moved := s.entries[sourceKey]
	for _, e := range moved {
		e.CustomerID = targetID
	}
	s.entries[targetKey] = append(s.entries[targetKey], moved...)
	delete(s.entries, sourceKey)

	actives := make(map[string][]*models.VariableEntry)
	for _, e := range s.entries[targetKey] {
		if e.Status == models.EntryStatusActive {
			actives[e.Name] = append(actives[e.Name], e)
		}
	}
	for _, group := range actives {
		if len(group) < 2 {
			continue
		}
		sort.Slice(group, func(i, j int) bool { return group[i].CollectedAt.After(group[j].CollectedAt) })
		winner := group[0]
		for _, loser := range group[1:] {
			loser.Status = models.EntryStatusSuperseded
			loser.SupersededByID = &winner.ID
			supersededAt := now
			loser.SupersededAt = &supersededAt
		}
	}

	source.DeletedAt = &now
	source.UpdatedAt = now
	target.UpdatedAt = now
	return s.profileLocked(tenantID, targetID)
}
