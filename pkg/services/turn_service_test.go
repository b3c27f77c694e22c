package services

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/tiller/pkg/models"
)

// Request-shape failures never reach the engine, so a nil engine is
// enough here; full turn behaviour is covered by the pipeline and e2e
// tests.
func TestTurnServiceRejectsInvalidRequests(t *testing.T) {
	svc := NewTurnService(nil, nil)

	tests := []struct {
		name string
		req  *models.TurnRequest
	}{
		{"missing tenant", &models.TurnRequest{AgentID: models.NewID(), Channel: "web", UserChannelID: "u1", Message: "hi"}},
		{"missing message", &models.TurnRequest{TenantID: "acme", AgentID: models.NewID(), Channel: "web", UserChannelID: "u1"}},
		{"oversized message", &models.TurnRequest{
			TenantID: "acme", AgentID: models.NewID(), Channel: "web", UserChannelID: "u1",
			Message: strings.Repeat("a", models.MaxMessageLength+1),
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.ProcessTurn(context.Background(), tt.req)
			require.Error(t, err)
			assert.Equal(t, CodeInvalidRequest, CodeOf(err))
		})
	}
}

func TestTurnServiceStreamNeedsCallback(t *testing.T) {
	svc := NewTurnService(nil, nil)

	req := &models.TurnRequest{
		TenantID: "acme", AgentID: models.NewID(),
		Channel: "web", UserChannelID: "u1", Message: "hi",
	}
	_, err := svc.ProcessTurnStream(context.Background(), req, nil)
	require.Error(t, err)
	assert.Equal(t, CodeInvalidRequest, CodeOf(err))
}
