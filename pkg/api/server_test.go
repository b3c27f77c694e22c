package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/tiller/pkg/config"
	"github.com/codeready-toolchain/tiller/pkg/migration"
	"github.com/codeready-toolchain/tiller/pkg/models"
	"github.com/codeready-toolchain/tiller/pkg/services"
	"github.com/codeready-toolchain/tiller/pkg/store"
)

type testEnv struct {
	server   *Server
	config   store.AgentConfigStore
	sessions store.SessionStore
	turns    store.TurnStore
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	configStore := store.NewMemoryConfigStore()
	sessionStore := store.NewMemorySessionStore()
	turnStore := store.NewMemoryTurnStore()

	migrationSvc := services.NewMigrationService(
		migration.NewEngine(configStore, sessionStore, nil), configStore, nil)

	server := NewServer(Deps{
		Config:    config.DefaultServerConfig(),
		Turns:     services.NewTurnService(nil, nil),
		Sessions:  services.NewSessionService(sessionStore, turnStore, nil),
		Catalog:   services.NewCatalogService(configStore, nil),
		Migration: migrationSvc,
	})
	return &testEnv{server: server, config: configStore, sessions: sessionStore, turns: turnStore}
}

func (e *testEnv) do(t *testing.T, method, path, tenant string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if tenant != "" {
		req.Header.Set(TenantHeader, tenant)
	}
	rec := httptest.NewRecorder()
	e.server.Router().ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorBody {
	t.Helper()
	var env errorEnvelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	return env.Error
}

func TestHealthEndpoint(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestTenantHeaderRequired(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodGet, "/api/v1/agents", "", nil)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	body := decodeError(t, rec)
	assert.Equal(t, services.CodeInvalidRequest, body.Code)
	assert.Contains(t, body.Message, TenantHeader)
}

func TestAgentCRUDOverHTTP(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/v1/agents", "acme", map[string]any{
		"name":          "support",
		"default_model": "openai-default",
		"system_prompt": "You help customers.",
		"enabled":       true,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var created models.Agent
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, "acme", created.TenantID)

	rec = env.do(t, http.MethodGet, "/api/v1/agents/"+created.ID, "acme", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	// Other tenants cannot see it.
	rec = env.do(t, http.MethodGet, "/api/v1/agents/"+created.ID, "rival", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, services.ErrorCode("AGENT_NOT_FOUND"), decodeError(t, rec).Code)

	rec = env.do(t, http.MethodGet, "/api/v1/agents", "acme", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var page struct {
		Total int `json:"total"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &page))
	assert.Equal(t, 1, page.Total)

	rec = env.do(t, http.MethodDelete, "/api/v1/agents/"+created.ID, "acme", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestCreateAgentValidationEnvelope(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/v1/agents", "acme", map[string]any{
		"name": "missing model",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	body := decodeError(t, rec)
	assert.Equal(t, services.CodeInvalidRequest, body.Code)
	assert.Equal(t, "default_model", body.Details["field"])
}

func TestListRulesRequiresAgentQuery(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodGet, "/api/v1/rules", "acme", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, decodeError(t, rec).Message, "agent_id")
}

func TestSessionEndpoints(t *testing.T) {
	env := newTestEnv(t)
	ctx := t.Context()

	sess := &models.Session{
		ID:            models.NewID(),
		TenantID:      "acme",
		AgentID:       models.NewID(),
		Channel:       "web",
		UserChannelID: "u1",
		Status:        models.SessionStatusActive,
	}
	require.NoError(t, env.sessions.Save(ctx, sess))
	for i := 1; i <= 2; i++ {
		require.NoError(t, env.turns.SaveTurn(ctx, &models.Turn{
			ID: models.NewID(), TenantID: "acme", SessionID: sess.ID,
			TurnNumber: i, UserMessage: fmt.Sprintf("m%d", i), AssistantResponse: fmt.Sprintf("r%d", i),
		}))
	}

	rec := env.do(t, http.MethodGet, "/api/v1/sessions/"+sess.ID, "acme", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/v1/sessions/"+sess.ID+"/turns?sort=desc", "acme", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var page struct {
		Items []models.Turn `json:"items"`
		Total int           `json:"total"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &page))
	assert.Equal(t, 2, page.Total)
	require.Len(t, page.Items, 2)
	assert.Equal(t, 2, page.Items[0].TurnNumber)

	rec = env.do(t, http.MethodGet, "/api/v1/sessions/"+sess.ID+"/turns?sort=sideways", "acme", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/v1/sessions?agent_id="+sess.AgentID, "acme", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var sessions struct {
		Total int `json:"total"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sessions))
	assert.Equal(t, 1, sessions.Total)

	rec = env.do(t, http.MethodGet, "/api/v1/sessions", "acme", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodDelete, "/api/v1/sessions/"+sess.ID, "acme", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = env.do(t, http.MethodGet, "/api/v1/sessions/"+sess.ID, "acme", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMigrationPlanEndpoints(t *testing.T) {
	env := newTestEnv(t)
	ctx := t.Context()

	greet, confirm := models.NewID(), models.NewID()
	v1 := &models.Scenario{
		ID:          models.NewID(),
		TenantID:    "acme",
		AgentID:     models.NewID(),
		Name:        "returns",
		Version:     1,
		EntryStepID: greet,
		Steps: []models.ScenarioStep{
			{ID: greet, Name: "greet", IsEntry: true, IsTerminal: true},
		},
		EntryConditionText: "customer mentions a return",
		Enabled:            true,
	}
	require.NoError(t, env.config.CreateScenario(ctx, v1))

	v2 := *v1
	v2.Version = 2
	v2.Steps = []models.ScenarioStep{
		{ID: greet, Name: "greet", IsEntry: true, Transitions: []models.StepTransition{
			{ToStepID: confirm, ConditionText: "return confirmed"},
		}},
		{ID: confirm, Name: "confirm", IsTerminal: true},
	}
	require.NoError(t, env.config.UpdateScenario(ctx, &v2))

	rec := env.do(t, http.MethodPost, "/api/v1/migration-plans", "acme", map[string]any{
		"scenario_id":  v1.ID,
		"from_version": 1,
		"to_version":   2,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var plan models.MigrationPlan
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &plan))
	assert.Equal(t, models.PlanStatusPending, plan.Status)

	rec = env.do(t, http.MethodGet, "/api/v1/migration-plans/"+plan.ID+"/status", "acme", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/v1/migration-plans/"+plan.ID+"/approve", "acme", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	// Rejecting after approval conflicts.
	rec = env.do(t, http.MethodPost, "/api/v1/migration-plans/"+plan.ID+"/reject", "acme", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, services.CodeInvalidTransition, decodeError(t, rec).Code)

	rec = env.do(t, http.MethodPost, "/api/v1/migration-plans/"+plan.ID+"/deploy", "acme", nil)
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestProcessTurnRejectsMalformedBody(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/v1/turns", "acme", map[string]any{
		"agent_id": models.NewID(),
		// channel, user_channel_id, message missing
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, services.CodeInvalidRequest, decodeError(t, rec).Code)
}
