package e2e

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/tiller/pkg/models"
)

func TestPublishOverHTTP(t *testing.T) {
	h := newHarness(t)

	resp := h.do(t, http.MethodPost, "/api/v1/agents/"+h.agent.ID+"/publish", nil,
		map[string]any{"description": "first release"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	job := decode[models.PublishJob](t, resp)

	assert.Equal(t, models.PublishStatusCompleted, job.Status)
	assert.Equal(t, 1, job.FromVersion)
	assert.Equal(t, 2, job.ToVersion)
	for _, stage := range job.Stages {
		assert.Equal(t, models.PublishStatusCompleted, stage.Status, string(stage.Stage))
	}

	// The pointer swap is visible through the catalogue API.
	resp = h.do(t, http.MethodGet, "/api/v1/agents/"+h.agent.ID, nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	agent := decode[models.Agent](t, resp)
	assert.Equal(t, 2, agent.PublishedVersion)

	resp = h.do(t, http.MethodGet, "/api/v1/publish-jobs/"+job.ID, nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	fetched := decode[models.PublishJob](t, resp)
	assert.Equal(t, job.ID, fetched.ID)
	assert.Equal(t, models.PublishStatusCompleted, fetched.Status)
}

func TestPublishUnknownJobOverHTTP(t *testing.T) {
	h := newHarness(t)

	resp := h.do(t, http.MethodGet, "/api/v1/publish-jobs/"+models.NewID(), nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "PUBLISH_JOB_NOT_FOUND", decodeError(t, resp).Code)
}
