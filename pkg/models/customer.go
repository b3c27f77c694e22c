package models

import (
	"fmt"
	"time"
)

// VariableEntry is one runtime fact about a customer. Entries are
// append-only: a new ACTIVE write supersedes the prior ACTIVE entry for
// the same (customer, name) rather than mutating it.
type VariableEntry struct {
	ID             string      `json:"id"`
	TenantID       string      `json:"tenant_id"`
	CustomerID     string      `json:"customer_id"`
	Name           string      `json:"name"`
	Value          TypedValue  `json:"value"`
	ValueType      ValueType   `json:"value_type"`
	Source         EntrySource `json:"source"`
	Status         EntryStatus `json:"status"`
	CollectedAt    time.Time   `json:"collected_at"`
	ExpiresAt      *time.Time  `json:"expires_at,omitempty"`
	SupersededByID *string     `json:"superseded_by_id,omitempty"`
	SupersededAt   *time.Time  `json:"superseded_at,omitempty"`
	// SourceItemID points at the entry or asset this value was derived
	// from; derivation chains are walked to detect orphans.
	SourceItemID   *string        `json:"source_item_id,omitempty"`
	SourceItemType *string        `json:"source_item_type,omitempty"`
	SourceMetadata map[string]any `json:"source_metadata,omitempty"`
	Verified       bool           `json:"verified"`
}

// Validate checks entry fields on entry.
func (e *VariableEntry) Validate() error {
	if err := ValidateID("id", e.ID); err != nil {
		return err
	}
	if e.TenantID == "" {
		return NewValidationError("tenant_id", "is required")
	}
	if e.CustomerID == "" {
		return NewValidationError("customer_id", "is required")
	}
	if !snakeCaseRe.MatchString(e.Name) {
		return NewValidationError("name", fmt.Sprintf("must be snake_case, got %q", e.Name))
	}
	if !e.Source.IsValid() {
		return NewValidationError("source", fmt.Sprintf("unknown source %q", e.Source))
	}
	if !e.Status.IsValid() {
		return NewValidationError("status", fmt.Sprintf("unknown status %q", e.Status))
	}
	if e.Value.IsZero() {
		return NewValidationError("value", "is required")
	}
	if e.ValueType != e.Value.Type {
		return NewValidationError("value_type", fmt.Sprintf("declared %q but value is %q", e.ValueType, e.Value.Type))
	}
	return nil
}

// IsExpired reports whether the entry's expiry has passed.
func (e *VariableEntry) IsExpired(now time.Time) bool {
	return e.ExpiresAt != nil && !e.ExpiresAt.After(now)
}

// ProfileAsset has the same lifecycle as VariableEntry but points at an
// opaque blob in external object storage.
type ProfileAsset struct {
	ID             string         `json:"id"`
	TenantID       string         `json:"tenant_id"`
	CustomerID     string         `json:"customer_id"`
	Name           string         `json:"name"`
	StorageURI     string         `json:"storage_uri"`
	ContentType    string         `json:"content_type,omitempty"`
	SizeBytes      int64          `json:"size_bytes,omitempty"`
	Source         EntrySource    `json:"source"`
	Status         EntryStatus    `json:"status"`
	CollectedAt    time.Time      `json:"collected_at"`
	ExpiresAt      *time.Time     `json:"expires_at,omitempty"`
	SupersededByID *string        `json:"superseded_by_id,omitempty"`
	SupersededAt   *time.Time     `json:"superseded_at,omitempty"`
	SourceItemID   *string        `json:"source_item_id,omitempty"`
	SourceItemType *string        `json:"source_item_type,omitempty"`
	SourceMetadata map[string]any `json:"source_metadata,omitempty"`
}

// ChannelIdentity links one channel address to a customer profile.
// An identity is unique across all profiles of a tenant.
type ChannelIdentity struct {
	Channel       string    `json:"channel"`
	ChannelUserID string    `json:"channel_user_id"`
	LinkedAt      time.Time `json:"linked_at"`
}

// Consent records a customer's consent grants.
type Consent struct {
	Kind      string     `json:"kind"`
	Granted   bool       `json:"granted"`
	GrantedAt time.Time  `json:"granted_at"`
	RevokedAt *time.Time `json:"revoked_at,omitempty"`
}

// CustomerProfile is the per-customer data store root. Fields holds only
// the ACTIVE entry per name; superseded history lives behind the store.
type CustomerProfile struct {
	ID                string                    `json:"id"`
	TenantID          string                    `json:"tenant_id"`
	CustomerID        string                    `json:"customer_id"`
	ChannelIdentities []ChannelIdentity         `json:"channel_identities,omitempty"`
	Fields            map[string]*VariableEntry `json:"fields,omitempty"`
	Assets            []*ProfileAsset           `json:"assets,omitempty"`
	Consents          []Consent                 `json:"consents,omitempty"`
	Timestamps
}

// ActiveField returns the ACTIVE entry for name, or nil.
func (p *CustomerProfile) ActiveField(name string) *VariableEntry {
	e, ok := p.Fields[name]
	if !ok || e == nil || e.Status != EntryStatusActive {
		return nil
	}
	return e
}

// HasIdentity reports whether the profile already links the identity.
func (p *CustomerProfile) HasIdentity(channel, channelUserID string) bool {
	for _, ci := range p.ChannelIdentities {
		if ci.Channel == channel && ci.ChannelUserID == channelUserID {
			return true
		}
	}
	return false
}
