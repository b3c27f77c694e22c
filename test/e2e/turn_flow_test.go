package e2e

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/tiller/pkg/models"
)

func TestTurnOverHTTP(t *testing.T) {
	h := newHarness(t)

	resp := h.do(t, http.MethodPost, "/api/v1/turns", nil, h.turnBody())
	require.Equal(t, http.StatusOK, resp.StatusCode)
	result := decode[models.AlignmentResult](t, resp)

	assert.Equal(t, answer, result.Response)
	assert.Equal(t, models.ResolutionAnswered, result.Outcome.Resolution)
	require.Len(t, result.MatchedRules, 1)
	assert.Equal(t, h.rule.ID, result.MatchedRules[0].Rule.ID)

	// The session and its turn are visible through the session API.
	resp = h.do(t, http.MethodGet, "/api/v1/sessions/"+result.SessionID, nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	sess := decode[models.Session](t, resp)
	assert.Equal(t, 1, sess.TurnCount)

	resp = h.do(t, http.MethodGet, "/api/v1/sessions/"+result.SessionID+"/turns", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	page := decode[struct {
		Items []models.Turn `json:"items"`
		Total int           `json:"total"`
	}](t, resp)
	assert.Equal(t, 1, page.Total)
	require.Len(t, page.Items, 1)
	assert.Equal(t, result.TurnID, page.Items[0].ID)
	assert.Equal(t, answer, page.Items[0].AssistantResponse)
}

func TestTurnUnknownAgentOverHTTP(t *testing.T) {
	h := newHarness(t)

	body := h.turnBody()
	body["agent_id"] = models.NewID()
	resp := h.do(t, http.MethodPost, "/api/v1/turns", nil, body)

	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "AGENT_NOT_FOUND", decodeError(t, resp).Code)
}

func TestTurnIdempotencyKeyReplays(t *testing.T) {
	h := newHarness(t)
	headers := map[string]string{"Idempotency-Key": "req-abc"}

	resp := h.do(t, http.MethodPost, "/api/v1/turns", headers, h.turnBody())
	require.Equal(t, http.StatusOK, resp.StatusCode)
	first := decode[models.AlignmentResult](t, resp)

	calls := h.client.CallCount()
	resp = h.do(t, http.MethodPost, "/api/v1/turns", headers, h.turnBody())
	require.Equal(t, http.StatusOK, resp.StatusCode)
	replay := decode[models.AlignmentResult](t, resp)

	assert.Equal(t, first.TurnID, replay.TurnID)
	assert.Equal(t, first.Response, replay.Response)
	assert.Equal(t, calls, h.client.CallCount(), "replay must not re-run the pipeline")
}

func TestTurnSessionBusyOverHTTP(t *testing.T) {
	h := newHarness(t)

	resp := h.do(t, http.MethodPost, "/api/v1/turns", nil, h.turnBody())
	require.Equal(t, http.StatusOK, resp.StatusCode)
	first := decode[models.AlignmentResult](t, resp)

	_, err := h.sessions.AcquireLease(context.Background(), tenant, first.SessionID, time.Minute)
	require.NoError(t, err)

	body := h.turnBody()
	body["session_id"] = first.SessionID
	resp = h.do(t, http.MethodPost, "/api/v1/turns", nil, body)

	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "SESSION_BUSY", decodeError(t, resp).Code)
}

func TestTurnStreamOverHTTP(t *testing.T) {
	h := newHarness(t)

	resp := h.do(t, http.MethodPost, "/api/v1/turns/stream", nil, h.turnBody())
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/event-stream")

	type event struct {
		Type         string               `json:"type"`
		Content      string               `json:"content"`
		TurnID       string               `json:"turn_id"`
		SessionID    string               `json:"session_id"`
		MatchedRules []models.MatchedRule `json:"matched_rules"`
		TokensUsed   int                  `json:"tokens_used"`
	}
	var tokens []string
	var final *event

	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var ev event
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev))
		switch ev.Type {
		case "token":
			tokens = append(tokens, ev.Content)
		case "done":
			final = &ev
		}
	}
	require.NoError(t, scanner.Err())

	require.NotNil(t, final, "stream must end with a done event")
	assert.Equal(t, answer, strings.Join(tokens, ""))
	assert.Greater(t, len(tokens), 1, "unconstrained generation streams token by token")
	assert.NotEmpty(t, final.TurnID)
	assert.NotEmpty(t, final.SessionID)
	require.Len(t, final.MatchedRules, 1)
	assert.Equal(t, h.rule.ID, final.MatchedRules[0].Rule.ID)
	assert.Positive(t, final.TokensUsed)
}
