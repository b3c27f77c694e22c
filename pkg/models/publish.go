package models

import "time"

// PublishStageRecord tracks one stage of a publish job.
type PublishStageRecord struct {
	Stage       PublishStage  `json:"stage"`
	Status      PublishStatus `json:"status"`
	StartedAt   *time.Time    `json:"started_at,omitempty"`
	CompletedAt *time.Time    `json:"completed_at,omitempty"`
	Error       *string       `json:"error,omitempty"`
}

// PublishJob is the five-stage job that makes a new agent config version
// visible to the turn pipeline.
type PublishJob struct {
	ID          string               `json:"id"`
	TenantID    string               `json:"tenant_id"`
	AgentID     string               `json:"agent_id"`
	Description string               `json:"description,omitempty"`
	FromVersion int                  `json:"from_version"`
	ToVersion   int                  `json:"to_version"`
	Status      PublishStatus        `json:"status"`
	Stages      []PublishStageRecord `json:"stages"`
	Error       *string              `json:"error,omitempty"`
	CreatedAt   time.Time            `json:"created_at"`
	CompletedAt *time.Time           `json:"completed_at,omitempty"`
}

// NewPublishJob initialises a job with all stages pending.
func NewPublishJob(tenantID, agentID, description string, fromVersion int) *PublishJob {
	stages := make([]PublishStageRecord, 0, len(PublishStages()))
	for _, s := range PublishStages() {
		stages = append(stages, PublishStageRecord{Stage: s, Status: PublishStatusPending})
	}
	return &PublishJob{
		ID:          NewID(),
		TenantID:    tenantID,
		AgentID:     agentID,
		Description: description,
		FromVersion: fromVersion,
		ToVersion:   fromVersion + 1,
		Status:      PublishStatusPending,
		Stages:      stages,
		CreatedAt:   time.Now().UTC(),
	}
}

// StageRecord returns the record for the named stage, or nil.
func (j *PublishJob) StageRecord(stage PublishStage) *PublishStageRecord {
	for i := range j.Stages {
		if j.Stages[i].Stage == stage {
			return &j.Stages[i]
		}
	}
	return nil
}
