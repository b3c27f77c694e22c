package postgres_test

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/codeready-toolchain/tiller/pkg/audit"
	"github.com/codeready-toolchain/tiller/pkg/database"
	"github.com/codeready-toolchain/tiller/pkg/models"
	"github.com/codeready-toolchain/tiller/pkg/store"
	"github.com/codeready-toolchain/tiller/pkg/store/postgres"
)

var (
	poolOnce   sync.Once
	sharedPool *pgxpool.Pool
	poolErr    error
)

// testPool returns a migrated pool shared by the package's tests. In CI
// it connects to the service container named by CI_DATABASE_URL; local
// runs start one testcontainer for the whole package. Tests isolate
// through unique tenant ids, not separate databases.
func testPool(t *testing.T) *pgxpool.Pool {
	if os.Getenv("TILLER_E2E_DB") == "" && os.Getenv("CI_DATABASE_URL") == "" {
		t.Skip("set TILLER_E2E_DB=1 to run database integration tests")
	}
	poolOnce.Do(func() {
		ctx := context.Background()
		var cfg database.Config
		if ciURL := os.Getenv("CI_DATABASE_URL"); ciURL != "" {
			cfg, poolErr = configFromURL(ciURL)
			if poolErr != nil {
				return
			}
		} else {
			pgContainer, err := tcpostgres.Run(ctx,
				"postgres:16-alpine",
				tcpostgres.WithDatabase("test"),
				tcpostgres.WithUsername("test"),
				tcpostgres.WithPassword("test"),
				testcontainers.WithWaitStrategy(
					wait.ForLog("database system is ready to accept connections").
						WithOccurrence(2).
						WithStartupTimeout(30*time.Second)),
			)
			if err != nil {
				poolErr = fmt.Errorf("starting postgres container: %w", err)
				return
			}
			host, err := pgContainer.Host(ctx)
			if err != nil {
				poolErr = err
				return
			}
			port, err := pgContainer.MappedPort(ctx, "5432/tcp")
			if err != nil {
				poolErr = err
				return
			}
			cfg = database.Config{
				Host:     host,
				Port:     port.Int(),
				User:     "test",
				Password: "test",
				Database: "test",
				SSLMode:  "disable",
			}
		}
		client, err := database.NewClient(ctx, cfg)
		if err != nil {
			poolErr = err
			return
		}
		sharedPool = client.Pool()
	})
	require.NoError(t, poolErr)
	return sharedPool
}

func configFromURL(raw string) (database.Config, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return database.Config{}, fmt.Errorf("parsing CI_DATABASE_URL: %w", err)
	}
	port := 5432
	if p := u.Port(); p != "" {
		if port, err = strconv.Atoi(p); err != nil {
			return database.Config{}, fmt.Errorf("parsing CI_DATABASE_URL port: %w", err)
		}
	}
	password, _ := u.User.Password()
	sslMode := u.Query().Get("sslmode")
	if sslMode == "" {
		sslMode = "disable"
	}
	return database.Config{
		Host:     u.Hostname(),
		Port:     port,
		User:     u.User.Username(),
		Password: password,
		Database: strings.TrimPrefix(u.Path, "/"),
		SSLMode:  sslMode,
	}, nil
}

func newTenant() string { return "tenant-" + uuid.NewString() }

func newAgent(tenantID string) *models.Agent {
	return &models.Agent{
		ID:           models.NewID(),
		TenantID:     tenantID,
		Name:         "support",
		DefaultModel: "gpt-4o",
		SystemPrompt: "You are a support agent.",
		Enabled:      true,
	}
}

func strPtr(s string) *string { return &s }

func TestConfigStoreAgentLifecycle(t *testing.T) {
	ctx := context.Background()
	cs := postgres.NewConfigStore(testPool(t))
	tenant := newTenant()

	agent := newAgent(tenant)
	require.NoError(t, cs.CreateAgent(ctx, agent))
	require.ErrorIs(t, cs.CreateAgent(ctx, agent), store.ErrAlreadyExists)

	got, err := cs.GetAgent(ctx, tenant, agent.ID)
	require.NoError(t, err)
	assert.Equal(t, agent.Name, got.Name)
	assert.False(t, got.CreatedAt.IsZero())

	_, err = cs.GetAgent(ctx, "other-tenant", agent.ID)
	require.ErrorIs(t, err, store.ErrTenantMismatch)

	got.Name = "renamed"
	require.NoError(t, cs.UpdateAgent(ctx, got))
	got, err = cs.GetAgent(ctx, tenant, agent.ID)
	require.NoError(t, err)
	assert.Equal(t, "renamed", got.Name)

	v, err := cs.SwapPublishedVersion(ctx, tenant, agent.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, v)

	_, err = cs.SwapPublishedVersion(ctx, tenant, agent.ID, 1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "must advance")

	agents, total, err := cs.ListAgents(ctx, tenant, store.ListOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, agents, 1)
	assert.Equal(t, 1, agents[0].PublishedVersion)

	require.NoError(t, cs.DeleteAgent(ctx, tenant, agent.ID))
	_, err = cs.GetAgent(ctx, tenant, agent.ID)
	require.ErrorIs(t, err, store.ErrNotFound)

	_, total, err = cs.ListAgents(ctx, tenant, store.ListOptions{IncludeDeleted: true})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
}

func TestConfigStoreRuleRoundTrip(t *testing.T) {
	ctx := context.Background()
	cs := postgres.NewConfigStore(testPool(t))
	tenant := newTenant()
	agentID := models.NewID()

	rule := &models.Rule{
		ID:                    models.NewID(),
		TenantID:              tenant,
		AgentID:               agentID,
		Name:                  "no-refund-promises",
		ConditionText:         "user asks about a refund",
		ActionText:            "never promise a refund amount",
		Scope:                 models.RuleScopeGlobal,
		Priority:              10,
		IsHardConstraint:      true,
		EnforcementExpression: strPtr(`not contains(response, "guaranteed refund")`),
		ToolBindings: []models.ToolBinding{
			{ToolID: "refund-policy-lookup", Phase: models.ToolPhaseBeforeStep},
		},
		ConditionEmbedding: []float32{0.25, -0.5, 0.125},
		Enabled:            true,
	}
	require.NoError(t, cs.CreateRule(ctx, rule))

	got, err := cs.GetRule(ctx, tenant, rule.ID)
	require.NoError(t, err)
	require.NotNil(t, got.EnforcementExpression)
	assert.Equal(t, *rule.EnforcementExpression, *got.EnforcementExpression)
	require.Len(t, got.ToolBindings, 1)
	assert.Equal(t, "refund-policy-lookup", got.ToolBindings[0].ToolID)
	assert.Equal(t, rule.ConditionEmbedding, got.ConditionEmbedding)

	disabled := &models.Rule{
		ID:            models.NewID(),
		TenantID:      tenant,
		AgentID:       agentID,
		Name:          "disabled-rule",
		ConditionText: "always",
		ActionText:    "noop",
		Scope:         models.RuleScopeGlobal,
		Enabled:       false,
	}
	require.NoError(t, cs.CreateRule(ctx, disabled))

	rules, total, err := cs.ListRules(ctx, tenant, agentID, store.RuleFilters{EnabledOnly: true}, store.ListOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, rules, 1)
	assert.Equal(t, rule.ID, rules[0].ID)

	scope := models.RuleScopeGlobal
	rules, _, err = cs.ListRules(ctx, tenant, agentID, store.RuleFilters{Scope: &scope}, store.ListOptions{})
	require.NoError(t, err)
	assert.Len(t, rules, 2)
}

// Rules written before enforcement metadata got dedicated columns carry
// it in the legacy action_config blob; reads must still surface it, and
// the first rewrite must clear it.
func TestConfigStoreRuleLegacyActionConfig(t *testing.T) {
	ctx := context.Background()
	pool := testPool(t)
	cs := postgres.NewConfigStore(pool)
	tenant := newTenant()

	rule := &models.Rule{
		ID:            models.NewID(),
		TenantID:      tenant,
		AgentID:       models.NewID(),
		Name:          "legacy",
		ConditionText: "user is angry",
		ActionText:    "escalate",
		Scope:         models.RuleScopeGlobal,
		Enabled:       true,
	}
	doc := fmt.Sprintf(`{"id":%q,"tenant_id":%q,"agent_id":%q,"name":"legacy","condition_text":"user is angry","action_text":"escalate","scope":"GLOBAL","enabled":true}`,
		rule.ID, tenant, rule.AgentID)
	now := time.Now().UTC()
	_, err := pool.Exec(ctx, `
		INSERT INTO rules (id, tenant_id, agent_id, scope, priority, enabled, is_hard_constraint, action_config, doc, created_at, updated_at)
		VALUES ($1, $2, $3, 'GLOBAL', 0, TRUE, FALSE, $4, $5, $6, $6)`,
		rule.ID, tenant, rule.AgentID,
		`{"enforcement_expression":"len(response) < 500"}`, doc, now)
	require.NoError(t, err)

	got, err := cs.GetRule(ctx, tenant, rule.ID)
	require.NoError(t, err)
	require.NotNil(t, got.EnforcementExpression)
	assert.Equal(t, "len(response) < 500", *got.EnforcementExpression)

	got.EnforcementExpression = strPtr("len(response) < 200")
	require.NoError(t, cs.UpdateRule(ctx, got))

	var legacy *string
	require.NoError(t, pool.QueryRow(ctx,
		`SELECT action_config::text FROM rules WHERE id = $1`, rule.ID).Scan(&legacy))
	assert.Nil(t, legacy)

	got, err = cs.GetRule(ctx, tenant, rule.ID)
	require.NoError(t, err)
	assert.Equal(t, "len(response) < 200", *got.EnforcementExpression)
}

func TestConfigStoreScenarioVersioning(t *testing.T) {
	ctx := context.Background()
	cs := postgres.NewConfigStore(testPool(t))
	tenant := newTenant()

	stepID := models.NewID()
	sc := &models.Scenario{
		ID:                 models.NewID(),
		TenantID:           tenant,
		AgentID:            models.NewID(),
		Name:               "order-refund",
		Version:            1,
		EntryStepID:        stepID,
		Steps:              []models.ScenarioStep{{ID: stepID, Name: "collect order id", IsEntry: true}},
		EntryConditionText: "user wants a refund",
		ContentHash:        "hash-v1",
		Enabled:            true,
	}
	require.NoError(t, cs.CreateScenario(ctx, sc))

	v2 := *sc
	v2.Version = 2
	v2.ContentHash = "hash-v2"
	v2.Steps = append(v2.Steps, models.ScenarioStep{ID: models.NewID(), Name: "confirm refund", IsTerminal: true})
	require.NoError(t, cs.UpdateScenario(ctx, &v2))

	live, err := cs.GetScenario(ctx, tenant, sc.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, live.Version)
	assert.Len(t, live.Steps, 2)

	archived, err := cs.GetScenarioVersion(ctx, tenant, sc.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, archived.Version)
	assert.Equal(t, "hash-v1", archived.ContentHash)
	assert.Len(t, archived.Steps, 1)

	_, err = cs.GetScenarioVersion(ctx, tenant, sc.ID, 7)
	require.ErrorIs(t, err, store.ErrNotFound)
}

func newSession(tenant, agentID, userChannelID string) *models.Session {
	return &models.Session{
		ID:            models.NewID(),
		TenantID:      tenant,
		AgentID:       agentID,
		Channel:       "whatsapp",
		UserChannelID: userChannelID,
		Status:        models.SessionStatusActive,
	}
}

func TestSessionStoreSaveAndFind(t *testing.T) {
	ctx := context.Background()
	ss := postgres.NewSessionStore(testPool(t))
	tenant := newTenant()
	agentID := models.NewID()

	sess := newSession(tenant, agentID, "+15550001")
	sess.Variables = map[string]models.TypedValue{"order_id": models.StringValue("A-42")}
	require.NoError(t, ss.Save(ctx, sess))

	got, err := ss.Get(ctx, tenant, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, "A-42", got.Variables["order_id"].Str)

	found, err := ss.FindByIdentity(ctx, tenant, agentID, "whatsapp", "+15550001")
	require.NoError(t, err)
	assert.Equal(t, sess.ID, found.ID)

	found.Status = models.SessionStatusClosed
	require.NoError(t, ss.Save(ctx, found))
	_, err = ss.FindByIdentity(ctx, tenant, agentID, "whatsapp", "+15550001")
	require.ErrorIs(t, err, store.ErrNotFound)

	require.NoError(t, ss.Delete(ctx, tenant, sess.ID))
	_, err = ss.Get(ctx, tenant, sess.ID)
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestSessionStoreLease(t *testing.T) {
	ctx := context.Background()
	ss := postgres.NewSessionStore(testPool(t))
	tenant := newTenant()
	sessionID := models.NewID()

	token, err := ss.AcquireLease(ctx, tenant, sessionID, time.Minute)
	require.NoError(t, err)
	assert.NotEmpty(t, token.Token)

	_, err = ss.AcquireLease(ctx, tenant, sessionID, time.Minute)
	require.ErrorIs(t, err, store.ErrSessionBusy)

	require.NoError(t, ss.ReleaseLease(ctx, token))
	_, err = ss.AcquireLease(ctx, tenant, sessionID, time.Minute)
	require.NoError(t, err)

	// An expired lease is overwritten on the next acquire.
	expired := models.NewID()
	_, err = ss.AcquireLease(ctx, tenant, expired, 10*time.Millisecond)
	require.NoError(t, err)
	time.Sleep(25 * time.Millisecond)
	_, err = ss.AcquireLease(ctx, tenant, expired, time.Minute)
	require.NoError(t, err)
}

func TestSessionStoreFindByStepHash(t *testing.T) {
	ctx := context.Background()
	ss := postgres.NewSessionStore(testPool(t))
	tenant := newTenant()
	agentID := models.NewID()
	scenarioID := models.NewID()

	sess := newSession(tenant, agentID, "+15550002")
	sess.Metadata = map[string]string{"region": "emea"}
	sess.ActiveScenarios = []*models.ScenarioInstance{{
		ScenarioID:      scenarioID,
		ScenarioVersion: 3,
		CurrentStepID:   "step-b",
		Status:          models.InstanceStatusActive,
	}}
	sess.StepHistory = []models.StepVisit{
		{StepID: "step-a", ScenarioID: scenarioID, StepContentHash: "hash-a", TurnNumber: 1},
		{StepID: "step-b", ScenarioID: scenarioID, StepContentHash: "hash-b", TurnNumber: 2},
	}
	require.NoError(t, ss.Save(ctx, sess))

	matches, err := ss.FindByStepHash(ctx, tenant, scenarioID, 3, "hash-b", nil)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, sess.ID, matches[0].ID)

	// Only the latest visit counts.
	matches, err = ss.FindByStepHash(ctx, tenant, scenarioID, 3, "hash-a", nil)
	require.NoError(t, err)
	assert.Empty(t, matches)

	matches, err = ss.FindByStepHash(ctx, tenant, scenarioID, 3, "hash-b", map[string]string{"region": "apac"})
	require.NoError(t, err)
	assert.Empty(t, matches)

	pm := &models.PendingMigration{
		ScenarioID:      scenarioID,
		TargetVersion:   4,
		MigrationPlanID: models.NewID(),
		MarkedAt:        time.Now().UTC(),
	}
	require.NoError(t, ss.MarkPendingMigration(ctx, tenant, []string{sess.ID}, pm))
	got, err := ss.Get(ctx, tenant, sess.ID)
	require.NoError(t, err)
	require.NotNil(t, got.PendingMigration)
	assert.Equal(t, 4, got.PendingMigration.TargetVersion)

	// A missing session rolls the whole batch back.
	err = ss.MarkPendingMigration(ctx, tenant, []string{sess.ID, models.NewID()}, pm)
	require.ErrorIs(t, err, store.ErrNotFound)
}

func newProfile(tenant, channelUserID string) *models.CustomerProfile {
	return &models.CustomerProfile{
		CustomerID: models.NewID(),
		TenantID:   tenant,
		ChannelIdentities: []models.ChannelIdentity{
			{Channel: "whatsapp", ChannelUserID: channelUserID},
		},
	}
}

func newEntry(tenant, customerID, name, value string) *models.VariableEntry {
	return &models.VariableEntry{
		ID:         models.NewID(),
		TenantID:   tenant,
		CustomerID: customerID,
		Name:       name,
		Value:      models.StringValue(value),
		ValueType:  models.ValueTypeString,
		Source:     models.EntrySourceUserProvided,
	}
}

func TestCustomerStoreFieldLifecycle(t *testing.T) {
	ctx := context.Background()
	cs := postgres.NewCustomerStore(testPool(t))
	tenant := newTenant()

	profile := newProfile(tenant, "+15550003")
	require.NoError(t, cs.CreateProfile(ctx, profile))

	byIdentity, err := cs.GetProfileByIdentity(ctx, tenant, "whatsapp", "+15550003")
	require.NoError(t, err)
	assert.Equal(t, profile.CustomerID, byIdentity.CustomerID)

	_, err = cs.UpdateFieldEntry(ctx, newEntry(tenant, profile.CustomerID, "email", "old@example.com"))
	require.NoError(t, err)
	second, err := cs.UpdateFieldEntry(ctx, newEntry(tenant, profile.CustomerID, "email", "new@example.com"))
	require.NoError(t, err)

	got, err := cs.GetProfile(ctx, tenant, profile.CustomerID)
	require.NoError(t, err)
	require.Contains(t, got.Fields, "email")
	assert.Equal(t, "new@example.com", got.Fields["email"].Value.Str)

	history, err := cs.QueryField(ctx, tenant, profile.CustomerID, "email", store.FieldQuery{IncludeHistory: true})
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, second.ID, history[0].ID)
	assert.Equal(t, models.EntryStatusSuperseded, history[1].Status)
	require.NotNil(t, history[1].SupersededByID)
	assert.Equal(t, second.ID, *history[1].SupersededByID)

	active, err := cs.QueryField(ctx, tenant, profile.CustomerID, "email", store.FieldQuery{Status: models.EntryStatusActive})
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, second.ID, active[0].ID)

	other := newProfile(tenant, "+15550004")
	require.NoError(t, cs.CreateProfile(ctx, other))
	err = cs.LinkIdentity(ctx, tenant, other.CustomerID, "whatsapp", "+15550003")
	require.ErrorIs(t, err, store.ErrIdentityLinked)
}

func TestCustomerStoreExpiryAndOrphans(t *testing.T) {
	ctx := context.Background()
	cs := postgres.NewCustomerStore(testPool(t))
	tenant := newTenant()

	profile := newProfile(tenant, "+15550005")
	require.NoError(t, cs.CreateProfile(ctx, profile))

	source := newEntry(tenant, profile.CustomerID, "shipping_address", "1 Main St")
	saved, err := cs.UpdateFieldEntry(ctx, source)
	require.NoError(t, err)

	derived := newEntry(tenant, profile.CustomerID, "shipping_zone", "zone-1")
	derived.Source = models.EntrySourceToolDerived
	derived.SourceItemID = &saved.ID
	_, err = cs.UpdateFieldEntry(ctx, derived)
	require.NoError(t, err)

	orphaned, err := cs.MarkOrphans(ctx, tenant, profile.CustomerID)
	require.NoError(t, err)
	assert.Empty(t, orphaned)

	// Supersede the source; the derived entry's lineage is now broken.
	_, err = cs.UpdateFieldEntry(ctx, newEntry(tenant, profile.CustomerID, "shipping_address", "2 Side St"))
	require.NoError(t, err)

	orphaned, err = cs.MarkOrphans(ctx, tenant, profile.CustomerID)
	require.NoError(t, err)
	assert.Equal(t, []string{derived.ID}, orphaned)

	expiring := newEntry(tenant, profile.CustomerID, "otp_code", "123456")
	expiresAt := time.Now().UTC().Add(-time.Minute)
	expiring.ExpiresAt = &expiresAt
	_, err = cs.UpdateFieldEntry(ctx, expiring)
	require.NoError(t, err)

	n, err := cs.ExpireEntries(ctx, tenant, time.Now().UTC())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := cs.GetProfile(ctx, tenant, profile.CustomerID)
	require.NoError(t, err)
	assert.NotContains(t, got.Fields, "otp_code")
}

func TestCustomerStoreMergeProfiles(t *testing.T) {
	ctx := context.Background()
	cs := postgres.NewCustomerStore(testPool(t))
	tenant := newTenant()

	target := newProfile(tenant, "+15550006")
	require.NoError(t, cs.CreateProfile(ctx, target))
	source := newProfile(tenant, "+15550007")
	require.NoError(t, cs.CreateProfile(ctx, source))

	older := newEntry(tenant, target.CustomerID, "email", "target@example.com")
	older.CollectedAt = time.Now().UTC().Add(-time.Hour)
	_, err := cs.UpdateFieldEntry(ctx, older)
	require.NoError(t, err)

	newer := newEntry(tenant, source.CustomerID, "email", "source@example.com")
	newer.CollectedAt = time.Now().UTC()
	_, err = cs.UpdateFieldEntry(ctx, newer)
	require.NoError(t, err)

	onlySource := newEntry(tenant, source.CustomerID, "loyalty_tier", "gold")
	_, err = cs.UpdateFieldEntry(ctx, onlySource)
	require.NoError(t, err)

	merged, err := cs.MergeProfiles(ctx, tenant, target.CustomerID, source.CustomerID)
	require.NoError(t, err)
	assert.Equal(t, "source@example.com", merged.Fields["email"].Value.Str)
	assert.Equal(t, "gold", merged.Fields["loyalty_tier"].Value.Str)
	assert.Len(t, merged.ChannelIdentities, 2)

	_, err = cs.GetProfile(ctx, tenant, source.CustomerID)
	require.ErrorIs(t, err, store.ErrNotFound)

	// Source identity now resolves to the target.
	byIdentity, err := cs.GetProfileByIdentity(ctx, tenant, "whatsapp", "+15550007")
	require.NoError(t, err)
	assert.Equal(t, target.CustomerID, byIdentity.CustomerID)

	// Re-merging after the source is gone is a no-op.
	again, err := cs.MergeProfiles(ctx, tenant, target.CustomerID, source.CustomerID)
	require.NoError(t, err)
	assert.Equal(t, "source@example.com", again.Fields["email"].Value.Str)
}

func TestTurnStore(t *testing.T) {
	ctx := context.Background()
	ts := postgres.NewTurnStore(testPool(t))
	tenant := newTenant()
	sessionID := models.NewID()

	for i := 1; i <= 3; i++ {
		turn := &models.Turn{
			ID:                models.NewID(),
			TenantID:          tenant,
			SessionID:         sessionID,
			TurnNumber:        i,
			UserMessage:       fmt.Sprintf("message %d", i),
			AssistantResponse: fmt.Sprintf("response %d", i),
		}
		require.NoError(t, ts.SaveTurn(ctx, turn))
		if i == 1 {
			require.ErrorIs(t, ts.SaveTurn(ctx, turn), store.ErrAlreadyExists)

			_, err := ts.GetTurn(ctx, "other-tenant", turn.ID)
			require.ErrorIs(t, err, store.ErrTenantMismatch)
		}
	}

	turns, total, err := ts.ListTurns(ctx, tenant, sessionID, 2, 0, store.TurnSortDesc)
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	require.Len(t, turns, 2)
	assert.Equal(t, 3, turns[0].TurnNumber)
	assert.Equal(t, 2, turns[1].TurnNumber)

	turns, _, err = ts.ListTurns(ctx, tenant, sessionID, 0, 0, store.TurnSortAsc)
	require.NoError(t, err)
	assert.Equal(t, 1, turns[0].TurnNumber)
}

func TestEpisodeStoreEmbeddingRoundTrip(t *testing.T) {
	ctx := context.Background()
	es := postgres.NewEpisodeStore(testPool(t))
	tenant := newTenant()
	sessionID := models.NewID()

	first := &models.Episode{
		ID:         models.NewID(),
		TenantID:   tenant,
		SessionID:  sessionID,
		Kind:       "exchange",
		Content:    "user asked about shipping",
		Embedding:  []float32{0.1, -0.2, 0.3},
		OccurredAt: time.Now().UTC().Add(-time.Minute),
	}
	require.NoError(t, es.SaveEpisode(ctx, first))
	second := &models.Episode{
		ID:         models.NewID(),
		TenantID:   tenant,
		SessionID:  sessionID,
		Kind:       "exchange",
		Content:    "user confirmed the address",
		OccurredAt: time.Now().UTC(),
	}
	require.NoError(t, es.SaveEpisode(ctx, second))

	episodes, err := es.ListEpisodes(ctx, tenant, sessionID, 0)
	require.NoError(t, err)
	require.Len(t, episodes, 2)
	assert.Equal(t, second.ID, episodes[0].ID)
	assert.Equal(t, first.Embedding, episodes[1].Embedding)

	episodes, err = es.ListEpisodes(ctx, tenant, sessionID, 1)
	require.NoError(t, err)
	require.Len(t, episodes, 1)
}

func TestGraphStoreSupersession(t *testing.T) {
	ctx := context.Background()
	gs := postgres.NewGraphStore(testPool(t))
	tenant := newTenant()

	customer := &models.Entity{ID: models.NewID(), TenantID: tenant, Name: "alex", Kind: "customer"}
	plan := &models.Entity{ID: models.NewID(), TenantID: tenant, Name: "premium", Kind: "plan"}
	require.NoError(t, gs.UpsertEntity(ctx, customer))
	require.NoError(t, gs.UpsertEntity(ctx, plan))

	first := &models.Relationship{
		ID:           models.NewID(),
		TenantID:     tenant,
		FromEntityID: customer.ID,
		ToEntityID:   plan.ID,
		Kind:         "subscribes_to",
		Fact:         "alex subscribes to premium",
	}
	require.NoError(t, gs.SupersedeRelationship(ctx, first))

	second := &models.Relationship{
		ID:           models.NewID(),
		TenantID:     tenant,
		FromEntityID: customer.ID,
		ToEntityID:   plan.ID,
		Kind:         "subscribes_to",
		Fact:         "alex renewed premium",
	}
	require.NoError(t, gs.SupersedeRelationship(ctx, second))

	open, err := gs.ListRelationships(ctx, tenant, customer.ID, true)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, second.ID, open[0].ID)

	all, err := gs.ListRelationships(ctx, tenant, customer.ID, false)
	require.NoError(t, err)
	require.Len(t, all, 2)
}

func TestAuditSinkWritesEvents(t *testing.T) {
	ctx := context.Background()
	pool := testPool(t)
	sink := postgres.NewAuditSink(pool, nil)
	tenant := newTenant()

	sink.Emit(ctx, audit.Event{
		Type:      audit.EventTurnProcessed,
		TenantID:  tenant,
		SessionID: models.NewID(),
		Payload:   map[string]any{"matched_rules": 2},
	})

	var count int
	require.NoError(t, pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM audit_events WHERE tenant_id = $1 AND event_type = $2`,
		tenant, audit.EventTurnProcessed).Scan(&count))
	assert.Equal(t, 1, count)
}
