package services

import (
	"context"
	"log/slog"

	"github.com/codeready-toolchain/tiller/pkg/models"
	"github.com/codeready-toolchain/tiller/pkg/publish"
)

// PublishService fronts the staged publish pipeline that turns the
// draft catalogue into the next published snapshot.
type PublishService struct {
	publisher *publish.Publisher
	logger    *slog.Logger
}

// NewPublishService creates a new PublishService.
func NewPublishService(publisher *publish.Publisher, logger *slog.Logger) *PublishService {
	if logger == nil {
		logger = slog.Default()
	}
	return &PublishService{publisher: publisher, logger: logger.With("component", "publish_service")}
}

// Publish validates the draft catalogue, recomputes embeddings, writes
// the version bundles, and swaps the agent's published version pointer.
// One publish per agent runs at a time.
func (s *PublishService) Publish(ctx context.Context, tenantID, agentID, description string) (*models.PublishJob, error) {
	if err := requireIDs("tenant_id", tenantID, "agent_id", agentID); err != nil {
		return nil, err
	}
	job, err := s.publisher.Run(ctx, tenantID, agentID, description)
	if err != nil {
		return nil, wrapPublishErr(err)
	}
	s.logger.Info("publish finished",
		"tenant_id", tenantID, "agent_id", agentID,
		"job_id", job.ID, "status", job.Status,
		"from_version", job.FromVersion, "to_version", job.ToVersion)
	return job, nil
}

// Job returns a publish job by id, including per-stage outcomes.
func (s *PublishService) Job(jobID string) (*models.PublishJob, error) {
	if err := requireIDs("job_id", jobID); err != nil {
		return nil, err
	}
	job, err := s.publisher.Job(jobID)
	if err != nil {
		return nil, wrapPublishErr(err)
	}
	return job, nil
}
