// Package e2e exercises the alignment engine end to end: real router,
// real services, real pipeline — only the stores are in-memory and the
// LLM is scripted.
package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/tiller/pkg/api"
	"github.com/codeready-toolchain/tiller/pkg/config"
	"github.com/codeready-toolchain/tiller/pkg/llm"
	"github.com/codeready-toolchain/tiller/pkg/migration"
	"github.com/codeready-toolchain/tiller/pkg/models"
	"github.com/codeready-toolchain/tiller/pkg/pipeline"
	"github.com/codeready-toolchain/tiller/pkg/publish"
	"github.com/codeready-toolchain/tiller/pkg/services"
	"github.com/codeready-toolchain/tiller/pkg/store"
	"github.com/codeready-toolchain/tiller/pkg/vector"
)

const tenant = "acme"

// answer is what the scripted generator produces unless a test swaps
// the handler.
const answer = "We offer refunds within a 30 day window after purchase."

var ruleIDRe = regexp.MustCompile(`rule_id: (\S+)`)

// route replays canned per-phase responses keyed off prompt markers, so
// every pipeline phase sees well-formed model output.
func route(generated string) func(req llm.Request) (*llm.Response, error) {
	return func(req llm.Request) (*llm.Response, error) {
		content := req.Messages[len(req.Messages)-1].Content
		switch {
		case strings.Contains(content, "situation sensor"):
			return &llm.Response{Content: `{"language":"en","intent_changed":false,"topic":"refunds","tone":"calm","sentiment":"neutral","urgency":"normal","scenario_signal":"UNKNOWN","situation_facts":[]}`}, nil
		case strings.Contains(content, "behavioural rules"):
			var cls []string
			for _, m := range ruleIDRe.FindAllStringSubmatch(content, -1) {
				cls = append(cls, fmt.Sprintf(`{"rule_id":%q,"verdict":"APPLIES","confidence":0.9,"relevance":0.8,"reasoning":"matches"}`, m[1]))
			}
			return &llm.Response{Content: `{"classifications":[` + strings.Join(cls, ",") + `]}`}, nil
		case strings.Contains(content, "flow should advance"):
			return &llm.Response{Content: `{"fires":false,"confidence":0,"reasoning":"no"}`}, nil
		case strings.Contains(content, "audit an assistant response"):
			return &llm.Response{Content: `{"violates":false,"reasoning":"fine"}`}, nil
		default:
			return &llm.Response{Content: generated, Model: req.Model, PromptTokens: 40, CompletionTokens: 15}, nil
		}
	}
}

type harness struct {
	ts       *httptest.Server
	client   *llm.ScriptedClient
	config   *store.MemoryConfigStore
	sessions *store.MemorySessionStore
	turns    *store.MemoryTurnStore
	agent    *models.Agent
	rule     *models.Rule
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx := context.Background()

	cfgStore := store.NewMemoryConfigStore()
	agent := &models.Agent{
		ID:               models.NewID(),
		TenantID:         tenant,
		Name:             "support",
		DefaultModel:     "default",
		SystemPrompt:     "You are a support assistant.",
		Enabled:          true,
		PublishedVersion: 1,
	}
	require.NoError(t, cfgStore.CreateAgent(ctx, agent))

	rule := &models.Rule{
		ID:            models.NewID(),
		TenantID:      tenant,
		AgentID:       agent.ID,
		Name:          "refund window",
		ConditionText: "user asks about refunds or returns",
		ActionText:    "Always mention the 30 day refund window.",
		Scope:         models.RuleScopeGlobal,
		Enabled:       true,
	}
	require.NoError(t, cfgStore.CreateRule(ctx, rule))

	index := vector.NewMemoryIndex()
	embedder := vector.NewHashEmbedder(64)
	syncMgr := vector.NewEmbeddingManager(index, embedder, nil)
	_, err := syncMgr.SyncAgent(ctx, []*models.Rule{rule}, nil)
	require.NoError(t, err)

	client := llm.NewScriptedClient()
	client.Handler = route(answer)

	sessionStore := store.NewMemorySessionStore()
	turnStore := store.NewMemoryTurnStore()
	engine := pipeline.New(pipeline.Deps{
		Config:      cfgStore,
		Sessions:    sessionStore,
		Customers:   store.NewMemoryCustomerStore(),
		Turns:       turnStore,
		Client:      client,
		Index:       index,
		Embedder:    embedder,
		Idempotency: pipeline.NewMemoryIdempotency(),
	})

	server := api.NewServer(api.Deps{
		Config:    config.DefaultServerConfig(),
		Turns:     services.NewTurnService(engine, nil),
		Sessions:  services.NewSessionService(sessionStore, turnStore, nil),
		Catalog:   services.NewCatalogService(cfgStore, nil),
		Publish:   services.NewPublishService(publish.New(cfgStore, syncMgr, nil, nil), nil),
		Migration: services.NewMigrationService(migration.NewEngine(cfgStore, sessionStore, nil), cfgStore, nil),
	})

	ts := httptest.NewServer(server.Router())
	t.Cleanup(ts.Close)

	return &harness{
		ts:       ts,
		client:   client,
		config:   cfgStore,
		sessions: sessionStore,
		turns:    turnStore,
		agent:    agent,
		rule:     rule,
	}
}

// do issues a request with the tenant header set and returns the
// response; the caller owns the body.
func (h *harness) do(t *testing.T, method, path string, headers map[string]string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, h.ts.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(api.TenantHeader, tenant)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := h.ts.Client().Do(req)
	require.NoError(t, err)
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var out T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func decodeError(t *testing.T, resp *http.Response) errorBody {
	t.Helper()
	env := decode[struct {
		Error errorBody `json:"error"`
	}](t, resp)
	return env.Error
}

func (h *harness) turnBody() map[string]any {
	return map[string]any{
		"agent_id":        h.agent.ID,
		"channel":         "web",
		"user_channel_id": "user-42",
		"message":         "What is your policy on refunds?",
	}
}
