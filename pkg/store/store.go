// Package store defines the narrow persistence contracts the alignment
// engine consumes, plus in-memory implementations used by tests and
// single-node deployments. Postgres-backed implementations live in the
// postgres subpackage; write-through cache wrappers in cache.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/codeready-toolchain/tiller/pkg/models"
)

var (
	// ErrNotFound is returned when an entity does not exist or is
	// soft-deleted and the caller did not ask for deleted rows.
	ErrNotFound = errors.New("entity not found")

	// ErrAlreadyExists is returned when creating a duplicate entity.
	ErrAlreadyExists = errors.New("entity already exists")

	// ErrTenantMismatch is returned when a tenant-scoped query names an
	// entity owned by a different tenant.
	ErrTenantMismatch = errors.New("entity belongs to a different tenant")

	// ErrSessionBusy is returned when a session lease is already held.
	ErrSessionBusy = errors.New("session lease is held by another turn")

	// ErrIdentityLinked is returned when a channel identity is already
	// linked to a different profile of the same tenant.
	ErrIdentityLinked = errors.New("channel identity already linked to another profile")
)

// ListOptions are common pagination knobs.
type ListOptions struct {
	Limit          int
	Offset         int
	IncludeDeleted bool
}

// ────────────────────────────────────────────────────────────
// Agent config store
// ────────────────────────────────────────────────────────────

// RuleFilters narrows rule listings.
type RuleFilters struct {
	Scope       *models.RuleScope
	ScopeID     *string
	EnabledOnly bool
}

// AgentConfigStore is the catalogue persistence contract. All reads
// filter by tenant and exclude soft-deleted rows unless asked otherwise;
// cross-tenant ids are rejected with ErrTenantMismatch.
type AgentConfigStore interface {
	// Agents
	CreateAgent(ctx context.Context, a *models.Agent) error
	GetAgent(ctx context.Context, tenantID, id string) (*models.Agent, error)
	UpdateAgent(ctx context.Context, a *models.Agent) error
	DeleteAgent(ctx context.Context, tenantID, id string) error
	ListAgents(ctx context.Context, tenantID string, opts ListOptions) ([]*models.Agent, int, error)
	// SwapPublishedVersion atomically bumps the agent's published
	// version pointer. Returns the new version.
	SwapPublishedVersion(ctx context.Context, tenantID, agentID string, toVersion int) (int, error)

	// Rules
	CreateRule(ctx context.Context, r *models.Rule) error
	GetRule(ctx context.Context, tenantID, id string) (*models.Rule, error)
	UpdateRule(ctx context.Context, r *models.Rule) error
	DeleteRule(ctx context.Context, tenantID, id string) error
	ListRules(ctx context.Context, tenantID, agentID string, f RuleFilters, opts ListOptions) ([]*models.Rule, int, error)

	// Scenarios (versioned; updates archive the previous version first)
	CreateScenario(ctx context.Context, s *models.Scenario) error
	GetScenario(ctx context.Context, tenantID, id string) (*models.Scenario, error)
	// GetScenarioVersion reads from the live row or the archive.
	GetScenarioVersion(ctx context.Context, tenantID, id string, version int) (*models.Scenario, error)
	UpdateScenario(ctx context.Context, s *models.Scenario) error
	DeleteScenario(ctx context.Context, tenantID, id string) error
	ListScenarios(ctx context.Context, tenantID, agentID string, opts ListOptions) ([]*models.Scenario, int, error)

	// Templates
	CreateTemplate(ctx context.Context, t *models.Template) error
	GetTemplate(ctx context.Context, tenantID, id string) (*models.Template, error)
	UpdateTemplate(ctx context.Context, t *models.Template) error
	DeleteTemplate(ctx context.Context, tenantID, id string) error
	ListTemplates(ctx context.Context, tenantID, agentID string, opts ListOptions) ([]*models.Template, int, error)

	// Variables
	CreateVariable(ctx context.Context, v *models.Variable) error
	GetVariable(ctx context.Context, tenantID, id string) (*models.Variable, error)
	UpdateVariable(ctx context.Context, v *models.Variable) error
	DeleteVariable(ctx context.Context, tenantID, id string) error
	ListVariables(ctx context.Context, tenantID, agentID string, opts ListOptions) ([]*models.Variable, int, error)

	// Intents
	CreateIntent(ctx context.Context, i *models.Intent) error
	GetIntent(ctx context.Context, tenantID, id string) (*models.Intent, error)
	UpdateIntent(ctx context.Context, i *models.Intent) error
	DeleteIntent(ctx context.Context, tenantID, id string) error
	ListIntents(ctx context.Context, tenantID, agentID string, opts ListOptions) ([]*models.Intent, int, error)

	// Glossary
	CreateGlossaryItem(ctx context.Context, g *models.GlossaryItem) error
	GetGlossaryItem(ctx context.Context, tenantID, id string) (*models.GlossaryItem, error)
	UpdateGlossaryItem(ctx context.Context, g *models.GlossaryItem) error
	DeleteGlossaryItem(ctx context.Context, tenantID, id string) error
	ListGlossaryItems(ctx context.Context, tenantID, agentID string, opts ListOptions) ([]*models.GlossaryItem, int, error)

	// Tool activations
	CreateToolActivation(ctx context.Context, t *models.ToolActivation) error
	GetToolActivation(ctx context.Context, tenantID, id string) (*models.ToolActivation, error)
	UpdateToolActivation(ctx context.Context, t *models.ToolActivation) error
	DeleteToolActivation(ctx context.Context, tenantID, id string) error
	ListToolActivations(ctx context.Context, tenantID, agentID string, opts ListOptions) ([]*models.ToolActivation, int, error)

	// Customer-data schema
	CreateField(ctx context.Context, f *models.CustomerDataField) error
	GetField(ctx context.Context, tenantID, id string) (*models.CustomerDataField, error)
	UpdateField(ctx context.Context, f *models.CustomerDataField) error
	DeleteField(ctx context.Context, tenantID, id string) error
	ListFields(ctx context.Context, tenantID, agentID string, opts ListOptions) ([]*models.CustomerDataField, int, error)

	// Scenario field requirements
	CreateRequirement(ctx context.Context, r *models.ScenarioFieldRequirement) error
	GetRequirement(ctx context.Context, tenantID, id string) (*models.ScenarioFieldRequirement, error)
	UpdateRequirement(ctx context.Context, r *models.ScenarioFieldRequirement) error
	DeleteRequirement(ctx context.Context, tenantID, id string) error
	// ListRequirements returns requirements bound to the scenario,
	// optionally narrowed to one step, sorted by collection order.
	ListRequirements(ctx context.Context, tenantID, scenarioID string, stepID *string) ([]*models.ScenarioFieldRequirement, error)

	// Rule relationships
	CreateRuleRelationship(ctx context.Context, r *models.RuleRelationship) error
	DeleteRuleRelationship(ctx context.Context, tenantID, id string) error
	ListRuleRelationships(ctx context.Context, tenantID, ruleID string) ([]*models.RuleRelationship, error)

	// Migration plans
	CreateMigrationPlan(ctx context.Context, p *models.MigrationPlan) error
	GetMigrationPlan(ctx context.Context, tenantID, id string) (*models.MigrationPlan, error)
	UpdateMigrationPlan(ctx context.Context, p *models.MigrationPlan) error
	ListMigrationPlans(ctx context.Context, tenantID, agentID string, opts ListOptions) ([]*models.MigrationPlan, int, error)
}

// ────────────────────────────────────────────────────────────
// Session store
// ────────────────────────────────────────────────────────────

// SessionStore persists live conversation state and provides the
// per-session mutual exclusion the pipeline relies on.
type SessionStore interface {
	Get(ctx context.Context, tenantID, sessionID string) (*models.Session, error)
	Save(ctx context.Context, s *models.Session) error
	Delete(ctx context.Context, tenantID, sessionID string) error
	// FindByIdentity resolves the open session for a channel user, or
	// ErrNotFound when none exists.
	FindByIdentity(ctx context.Context, tenantID, agentID, channel, userChannelID string) (*models.Session, error)
	ListByAgent(ctx context.Context, tenantID, agentID string, opts ListOptions) ([]*models.Session, int, error)
	ListByCustomer(ctx context.Context, tenantID, customerID string, opts ListOptions) ([]*models.Session, int, error)
	// FindByStepHash returns sessions with an instance of the scenario
	// at the given version whose last step-history record carries the
	// content hash. A non-nil scope filter must match session metadata.
	FindByStepHash(ctx context.Context, tenantID, scenarioID string, version int, stepContentHash string, scopeFilter map[string]string) ([]*models.Session, error)
	// MarkPendingMigration atomically sets the pending-migration marker
	// on every listed session.
	MarkPendingMigration(ctx context.Context, tenantID string, sessionIDs []string, pm *models.PendingMigration) error

	// AcquireLease takes the per-session mutual exclusion for ttl.
	// Returns ErrSessionBusy when another turn holds it.
	AcquireLease(ctx context.Context, tenantID, sessionID string, ttl time.Duration) (LeaseToken, error)
	ReleaseLease(ctx context.Context, token LeaseToken) error
}

// LeaseToken proves lease ownership for release.
type LeaseToken struct {
	TenantID  string
	SessionID string
	Token     string
}

// ────────────────────────────────────────────────────────────
// Customer data store
// ────────────────────────────────────────────────────────────

// FieldQuery narrows status-aware field reads.
type FieldQuery struct {
	Status models.EntryStatus
	Limit  int
	// IncludeHistory returns superseded entries newest-first after the
	// matching entry. History reads bypass any cache wrapper.
	IncludeHistory bool
}

// CustomerDataStore persists per-customer facts with lineage.
type CustomerDataStore interface {
	CreateProfile(ctx context.Context, p *models.CustomerProfile) error
	GetProfile(ctx context.Context, tenantID, customerID string) (*models.CustomerProfile, error)
	GetProfileByIdentity(ctx context.Context, tenantID, channel, channelUserID string) (*models.CustomerProfile, error)
	DeleteProfile(ctx context.Context, tenantID, customerID string) error
	// LinkIdentity attaches a channel identity; identities are unique
	// across profiles of a tenant.
	LinkIdentity(ctx context.Context, tenantID, customerID, channel, channelUserID string) error

	// UpdateFieldEntry writes entry as the new ACTIVE value, superseding
	// any prior ACTIVE entry for the same (customer, name).
	UpdateFieldEntry(ctx context.Context, entry *models.VariableEntry) (*models.VariableEntry, error)
	// QueryField returns entries for (customer, name) matching the
	// query, newest-first.
	QueryField(ctx context.Context, tenantID, customerID, name string, q FieldQuery) ([]*models.VariableEntry, error)
	// ExpireEntries transitions ACTIVE entries past their expiry to
	// EXPIRED; returns how many changed.
	ExpireEntries(ctx context.Context, tenantID string, now time.Time) (int, error)
	// MarkOrphans walks derivation chains (bounded depth) and flips
	// entries whose source is no longer ACTIVE to ORPHANED. Returns the
	// ids of entries transitioned.
	MarkOrphans(ctx context.Context, tenantID, customerID string) ([]string, error)
	// MergeProfiles folds source into target and deletes source.
	// Idempotent.
	MergeProfiles(ctx context.Context, tenantID, targetID, sourceID string) (*models.CustomerProfile, error)
}

// MaxDerivationDepth bounds derivation-chain traversal.
const MaxDerivationDepth = 10

// ────────────────────────────────────────────────────────────
// Turn store
// ────────────────────────────────────────────────────────────

// TurnSort orders turn listings.
type TurnSort string

const (
	TurnSortAsc  TurnSort = "asc"
	TurnSortDesc TurnSort = "desc"
)

// TurnStore persists the append-only turn records.
type TurnStore interface {
	SaveTurn(ctx context.Context, t *models.Turn) error
	GetTurn(ctx context.Context, tenantID, turnID string) (*models.Turn, error)
	ListTurns(ctx context.Context, tenantID, sessionID string, limit, offset int, sort TurnSort) ([]*models.Turn, int, error)
}

// ────────────────────────────────────────────────────────────
// Memory stores
// ────────────────────────────────────────────────────────────

// EpisodeStore persists embedded conversation episodes.
type EpisodeStore interface {
	SaveEpisode(ctx context.Context, e *models.Episode) error
	ListEpisodes(ctx context.Context, tenantID, sessionID string, limit int) ([]*models.Episode, error)
}

// GraphStore persists extracted entities and temporal relationships.
type GraphStore interface {
	UpsertEntity(ctx context.Context, e *models.Entity) error
	// SupersedeRelationship closes any open relationship with the same
	// (from, to, kind) and opens the new one.
	SupersedeRelationship(ctx context.Context, r *models.Relationship) error
	ListRelationships(ctx context.Context, tenantID, entityID string, openOnly bool) ([]*models.Relationship, error)
}
