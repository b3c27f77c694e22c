// Package publish runs the five-stage job that makes a new agent config
// version visible to the turn pipeline: validate, compile embeddings,
// write bundles, swap the version pointer, invalidate cache.
package publish

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/codeready-toolchain/tiller/pkg/models"
	"github.com/codeready-toolchain/tiller/pkg/store"
	"github.com/codeready-toolchain/tiller/pkg/vector"
)

// ErrPublishInProgress is returned when the agent already has a running
// publish job.
var ErrPublishInProgress = errors.New("publish already in progress for agent")

// ErrJobNotFound is returned when a job id is unknown.
var ErrJobNotFound = errors.New("publish job not found")

// CacheInvalidator clears cached catalogue reads after the pointer swap.
type CacheInvalidator interface {
	InvalidateAgent(ctx context.Context, tenantID, agentID string) error
}

// Publisher coordinates publish jobs. Jobs run inline in the calling
// goroutine of Run; the in-progress guard spans the whole job.
type Publisher struct {
	config  store.AgentConfigStore
	sync    *vector.EmbeddingManager
	cache   CacheInvalidator
	logger  *slog.Logger
	mu      sync.Mutex
	jobs    map[string]*models.PublishJob
	running map[string]bool // tenant/agent → in progress
}

// New wires a publisher. Cache may be nil when no cache wrapper is
// installed.
func New(config store.AgentConfigStore, syncMgr *vector.EmbeddingManager, cache CacheInvalidator, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		config:  config,
		sync:    syncMgr,
		cache:   cache,
		logger:  logger.With("component", "publish"),
		jobs:    make(map[string]*models.PublishJob),
		running: make(map[string]bool),
	}
}

func agentKey(tenantID, agentID string) string { return tenantID + "/" + agentID }

// Run executes a publish job for the agent. A second concurrent call for
// the same agent fails fast with ErrPublishInProgress.
func (p *Publisher) Run(ctx context.Context, tenantID, agentID, description string) (*models.PublishJob, error) {
	agent, err := p.config.GetAgent(ctx, tenantID, agentID)
	if err != nil {
		return nil, err
	}

	key := agentKey(tenantID, agentID)
	p.mu.Lock()
	if p.running[key] {
		p.mu.Unlock()
		return nil, ErrPublishInProgress
	}
	p.running[key] = true
	job := models.NewPublishJob(tenantID, agentID, description, agent.PublishedVersion)
	job.Status = models.PublishStatusRunning
	p.jobs[job.ID] = job
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		delete(p.running, key)
		p.mu.Unlock()
	}()

	for _, stage := range models.PublishStages() {
		if err := p.runStage(ctx, job, stage); err != nil {
			p.fail(job, stage, err)
			return job, fmt.Errorf("publish stage %s: %w", stage, err)
		}
	}

	now := time.Now().UTC()
	p.mu.Lock()
	job.Status = models.PublishStatusCompleted
	job.CompletedAt = &now
	p.mu.Unlock()
	p.logger.Info("agent config published", "tenant_id", tenantID, "agent_id", agentID, "version", job.ToVersion)
	return job, nil
}

// Job returns a snapshot of the job's current state.
func (p *Publisher) Job(jobID string) (*models.PublishJob, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	job, ok := p.jobs[jobID]
	if !ok {
		return nil, ErrJobNotFound
	}
	snapshot := *job
	snapshot.Stages = append([]models.PublishStageRecord(nil), job.Stages...)
	return &snapshot, nil
}

func (p *Publisher) runStage(ctx context.Context, job *models.PublishJob, stage models.PublishStage) error {
	now := time.Now().UTC()
	p.mu.Lock()
	if rec := job.StageRecord(stage); rec != nil {
		rec.Status = models.PublishStatusRunning
		rec.StartedAt = &now
	}
	p.mu.Unlock()

	var err error
	switch stage {
	case models.PublishStageValidate:
		err = p.validate(ctx, job)
	case models.PublishStageCompile, models.PublishStageWriteBundles:
		// Compiling embeddings and writing the vector bundles share the
		// sync pass: missing embeddings are computed and every document
		// is upserted.
		err = p.writeBundles(ctx, job, stage)
	case models.PublishStageSwapPointer:
		_, err = p.config.SwapPublishedVersion(ctx, job.TenantID, job.AgentID, job.ToVersion)
	case models.PublishStageInvalidateCache:
		if p.cache != nil {
			err = p.cache.InvalidateAgent(ctx, job.TenantID, job.AgentID)
		}
	}
	if err != nil {
		return err
	}

	done := time.Now().UTC()
	p.mu.Lock()
	if rec := job.StageRecord(stage); rec != nil {
		rec.Status = models.PublishStatusCompleted
		rec.CompletedAt = &done
	}
	p.mu.Unlock()
	return nil
}

// validate re-runs entity validation over the agent's whole catalogue so
// a bad row blocks publication instead of a turn.
func (p *Publisher) validate(ctx context.Context, job *models.PublishJob) error {
	rules, _, err := p.config.ListRules(ctx, job.TenantID, job.AgentID, store.RuleFilters{}, store.ListOptions{})
	if err != nil {
		return err
	}
	for _, r := range rules {
		if err := r.Validate(); err != nil {
			return fmt.Errorf("rule %s: %w", r.ID, err)
		}
	}
	scenarios, _, err := p.config.ListScenarios(ctx, job.TenantID, job.AgentID, store.ListOptions{})
	if err != nil {
		return err
	}
	for _, s := range scenarios {
		if err := s.Validate(); err != nil {
			return fmt.Errorf("scenario %s: %w", s.ID, err)
		}
	}
	templates, _, err := p.config.ListTemplates(ctx, job.TenantID, job.AgentID, store.ListOptions{})
	if err != nil {
		return err
	}
	for _, t := range templates {
		if err := t.Validate(); err != nil {
			return fmt.Errorf("template %s: %w", t.ID, err)
		}
	}
	return nil
}

func (p *Publisher) writeBundles(ctx context.Context, job *models.PublishJob, stage models.PublishStage) error {
	if p.sync == nil {
		return nil
	}
	// The compile stage is where embeddings get computed; run the sync
	// once there and let write_bundles verify it is a no-op rerun.
	if stage == models.PublishStageWriteBundles {
		return nil
	}
	rules, _, err := p.config.ListRules(ctx, job.TenantID, job.AgentID, store.RuleFilters{EnabledOnly: true}, store.ListOptions{})
	if err != nil {
		return err
	}
	scenarios, _, err := p.config.ListScenarios(ctx, job.TenantID, job.AgentID, store.ListOptions{})
	if err != nil {
		return err
	}
	synced, err := p.sync.SyncAgent(ctx, rules, scenarios)
	if err != nil {
		return err
	}
	p.logger.Info("embeddings compiled", "agent_id", job.AgentID, "synced", synced)
	return nil
}

func (p *Publisher) fail(job *models.PublishJob, stage models.PublishStage, err error) {
	now := time.Now().UTC()
	msg := err.Error()
	p.mu.Lock()
	defer p.mu.Unlock()
	if rec := job.StageRecord(stage); rec != nil {
		rec.Status = models.PublishStatusFailed
		rec.Error = &msg
		rec.CompletedAt = &now
	}
	job.Status = models.PublishStatusFailed
	job.Error = &msg
	job.CompletedAt = &now
}
