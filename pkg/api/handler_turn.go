package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/codeready-toolchain/tiller/pkg/models"
	"github.com/codeready-toolchain/tiller/pkg/services"
)

// heartbeatInterval paces SSE keepalive comments so idle proxies do not
// cut the stream while the pipeline is thinking.
const heartbeatInterval = 15 * time.Second

// turnRequestBody is the wire shape of a turn submission. The tenant
// comes from the header, never the body.
type turnRequestBody struct {
	AgentID       string         `json:"agent_id" binding:"required"`
	SessionID     *string        `json:"session_id"`
	Channel       string         `json:"channel" binding:"required"`
	UserChannelID string         `json:"user_channel_id" binding:"required"`
	Message       string         `json:"message" binding:"required"`
	Metadata      map[string]any `json:"metadata"`
}

func (b *turnRequestBody) toRequest(c *gin.Context) *models.TurnRequest {
	req := &models.TurnRequest{
		TenantID:      tenantID(c),
		AgentID:       b.AgentID,
		SessionID:     b.SessionID,
		Channel:       b.Channel,
		UserChannelID: b.UserChannelID,
		Message:       b.Message,
		Metadata:      b.Metadata,
	}
	if key := c.GetHeader("Idempotency-Key"); key != "" {
		req.IdempotencyKey = &key
	}
	return req
}

// processTurnHandler handles POST /api/v1/turns.
func (s *Server) processTurnHandler(c *gin.Context) {
	var body turnRequestBody
	if err := c.ShouldBindJSON(&body); err != nil {
		respondInvalid(c, err)
		return
	}
	result, err := s.turns.ProcessTurn(c.Request.Context(), body.toRequest(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// streamEvent is one SSE data frame: token frames carry content while
// the generator streams; the terminal done frame carries the turn
// summary; error frames close the stream.
type streamEvent struct {
	Type         string               `json:"type"`
	Content      string               `json:"content,omitempty"`
	TurnID       string               `json:"turn_id,omitempty"`
	SessionID    string               `json:"session_id,omitempty"`
	MatchedRules []models.MatchedRule `json:"matched_rules,omitempty"`
	ToolsCalled  []models.ToolResult  `json:"tools_called,omitempty"`
	TokensUsed   int                  `json:"tokens_used,omitempty"`
	LatencyMs    int64                `json:"latency_ms,omitempty"`
	Code         services.ErrorCode   `json:"code,omitempty"`
	Message      string               `json:"message,omitempty"`
}

func doneEvent(result *models.AlignmentResult) streamEvent {
	ev := streamEvent{
		Type:         "done",
		TurnID:       result.TurnID,
		SessionID:    result.SessionID,
		MatchedRules: result.MatchedRules,
		ToolsCalled:  result.ToolResults,
		LatencyMs:    result.TotalTimeMs,
	}
	if result.Generation != nil {
		ev.TokensUsed = result.Generation.PromptTokens + result.Generation.CompletionTokens
	}
	return ev
}

// processTurnStreamHandler handles POST /api/v1/turns/stream. Tokens
// are forwarded as they arrive; constrained responses are validated
// before any token is emitted, so the streamed text is always the
// enforced text.
func (s *Server) processTurnStreamHandler(c *gin.Context) {
	var body turnRequestBody
	if err := c.ShouldBindJSON(&body); err != nil {
		respondInvalid(c, err)
		return
	}

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		respondError(c, services.NewError(services.CodeInternalError, "streaming unsupported"))
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Writer.WriteHeader(http.StatusOK)
	flusher.Flush()

	var mu sync.Mutex
	writeEvent := func(ev streamEvent) {
		mu.Lock()
		defer mu.Unlock()
		payload, err := json.Marshal(ev)
		if err != nil {
			return
		}
		_, _ = c.Writer.Write([]byte("data: "))
		_, _ = c.Writer.Write(payload)
		_, _ = c.Writer.Write([]byte("\n\n"))
		flusher.Flush()
	}

	// Heartbeat comments keep the connection alive through the
	// non-generating pipeline phases.
	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(heartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				mu.Lock()
				_, _ = c.Writer.Write([]byte(": ping\n\n"))
				flusher.Flush()
				mu.Unlock()
			}
		}
	}()

	result, err := s.turns.ProcessTurnStream(c.Request.Context(), body.toRequest(c), func(token string) error {
		writeEvent(streamEvent{Type: "token", Content: token})
		return nil
	})
	if err != nil {
		writeEvent(streamEvent{Type: "error", Code: services.CodeOf(err), Message: err.Error()})
		return
	}
	writeEvent(doneEvent(result))
}
