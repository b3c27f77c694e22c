// Package memory ingests turn records into associative memory: embedded
// episodes plus knowledge-graph entities and temporal relationships. The
// pipeline enqueues fire-and-forget; a small worker pool drains the
// bounded queue in the background.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/codeready-toolchain/tiller/pkg/llm"
	"github.com/codeready-toolchain/tiller/pkg/models"
	"github.com/codeready-toolchain/tiller/pkg/store"
	"github.com/codeready-toolchain/tiller/pkg/telemetry"
	"github.com/codeready-toolchain/tiller/pkg/vector"
)

// TaskKind orders tasks by value for the overflow policy.
type TaskKind int

const (
	// TaskEpisode preserves the raw exchange; never dropped in favour
	// of derived work.
	TaskEpisode TaskKind = iota
	// TaskExtract derives entities and relationships; deferrable.
	TaskExtract
)

// Task is one queued ingestion unit.
type Task struct {
	Kind     TaskKind
	TenantID string
	Session  *models.Session
	Turn     *models.Turn
}

// Config tunes the ingestion service.
type Config struct {
	QueueSize int
	Workers   int
	// ExtractModel is the entity-extraction LLM; empty disables
	// extraction and only episodes are stored.
	ExtractModel string
	MaxTokens    int
}

// DefaultConfig returns the ingestion defaults.
func DefaultConfig() Config {
	return Config{QueueSize: 256, Workers: 2, MaxTokens: 512}
}

// Ingestor drains the ingestion queue.
type Ingestor struct {
	episodes store.EpisodeStore
	graph    store.GraphStore
	embedder vector.Embedder
	client   llm.Client
	cfg      Config
	rc       *telemetry.RuntimeContext
	logger   *slog.Logger

	queue    chan Task
	wg       sync.WaitGroup
	stopOnce sync.Once
	stopCh   chan struct{}
}

// New wires an ingestor. Client may be nil when extraction is disabled.
func New(episodes store.EpisodeStore, graph store.GraphStore, embedder vector.Embedder, client llm.Client, cfg Config, rc *telemetry.RuntimeContext) *Ingestor {
	rc = telemetry.OrNop(rc)
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	return &Ingestor{
		episodes: episodes,
		graph:    graph,
		embedder: embedder,
		client:   client,
		cfg:      cfg,
		rc:       rc,
		logger:   rc.Logger.With("component", "memory"),
		queue:    make(chan Task, cfg.QueueSize),
		stopCh:   make(chan struct{}),
	}
}

// Start spawns the worker goroutines.
func (i *Ingestor) Start(ctx context.Context) {
	for w := 0; w < i.cfg.Workers; w++ {
		i.wg.Add(1)
		go func() {
			defer i.wg.Done()
			i.run(ctx)
		}()
	}
}

// Stop drains in-flight work and returns once every worker exited.
func (i *Ingestor) Stop() {
	i.stopOnce.Do(func() { close(i.stopCh) })
	i.wg.Wait()
}

// Enqueue submits a task without blocking the turn. On a full queue the
// lowest-value pending work is sacrificed: an extraction task is dropped
// to make room for an episode, but an episode is never dropped for
// derived work.
func (i *Ingestor) Enqueue(t Task) bool {
	select {
	case i.queue <- t:
		return true
	default:
	}
	if t.Kind == TaskEpisode {
		// Pull one task; re-queue it unless sacrificing it makes room
		// for the raw episode.
		select {
		case victim := <-i.queue:
			if victim.Kind != TaskExtract {
				select {
				case i.queue <- victim:
				default:
				}
			} else {
				i.logger.Warn("ingestion queue full, dropping extraction task", "tenant_id", victim.TenantID)
			}
			select {
			case i.queue <- t:
				return true
			default:
			}
		default:
		}
	}
	i.logger.Warn("ingestion queue full, dropping task", "tenant_id", t.TenantID, "kind", t.Kind)
	return false
}

// EnqueueTurn submits both the episode and, when extraction is enabled,
// the derived extraction task for one processed turn.
func (i *Ingestor) EnqueueTurn(session *models.Session, turn *models.Turn) {
	i.Enqueue(Task{Kind: TaskEpisode, TenantID: turn.TenantID, Session: session, Turn: turn})
	if i.client != nil && i.cfg.ExtractModel != "" {
		i.Enqueue(Task{Kind: TaskExtract, TenantID: turn.TenantID, Session: session, Turn: turn})
	}
}

func (i *Ingestor) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-i.stopCh:
			// Drain what is already queued, then exit.
			for {
				select {
				case t := <-i.queue:
					i.process(context.Background(), t)
				default:
					return
				}
			}
		case t := <-i.queue:
			i.process(ctx, t)
		}
	}
}

func (i *Ingestor) process(ctx context.Context, t Task) {
	var err error
	switch t.Kind {
	case TaskEpisode:
		err = i.ingestEpisode(ctx, t)
	case TaskExtract:
		err = i.extract(ctx, t)
	}
	if err != nil && ctx.Err() == nil {
		i.logger.Warn("ingestion task failed", "tenant_id", t.TenantID, "kind", t.Kind, "error", err)
		i.rc.CountError(ctx, "memory_ingest")
	}
}

func (i *Ingestor) ingestEpisode(ctx context.Context, t Task) error {
	content := fmt.Sprintf("user: %s\nassistant: %s", t.Turn.UserMessage, t.Turn.AssistantResponse)
	ep := &models.Episode{
		ID:         models.NewID(),
		TenantID:   t.TenantID,
		SessionID:  t.Turn.SessionID,
		TurnID:     t.Turn.ID,
		Kind:       "exchange",
		Content:    content,
		OccurredAt: t.Turn.CreatedAt,
	}
	if i.embedder != nil {
		vecs, err := i.embedder.Embed(ctx, []string{content})
		if err != nil {
			i.logger.Warn("episode embedding failed, storing unembedded", "error", err)
		} else {
			ep.Embedding = vecs[0]
		}
	}
	if err := i.episodes.SaveEpisode(ctx, ep); err != nil {
		return fmt.Errorf("saving episode: %w", err)
	}
	i.rc.Metrics.MemoryEpisodes.Add(ctx, 1)
	return nil
}

// extraction is the LLM's entity/relationship answer.
type extraction struct {
	Entities []struct {
		Name    string `json:"name"`
		Kind    string `json:"kind"`
		Summary string `json:"summary"`
	} `json:"entities"`
	Relationships []struct {
		From string `json:"from"`
		To   string `json:"to"`
		Kind string `json:"kind"`
		Fact string `json:"fact"`
	} `json:"relationships"`
}

const extractPrompt = `Extract knowledge-graph entities and relationships from this exchange. Return ONLY a JSON object {"entities":[{"name","kind","summary"}],"relationships":[{"from","to","kind","fact"}]}. Use stable lowercase names.

user: %s
assistant: %s`

func (i *Ingestor) extract(ctx context.Context, t Task) error {
	resp, err := i.client.Complete(ctx, llm.Request{
		Model:     i.cfg.ExtractModel,
		MaxTokens: i.cfg.MaxTokens,
		Messages: []llm.Message{{
			Role:    llm.RoleUser,
			Content: fmt.Sprintf(extractPrompt, t.Turn.UserMessage, t.Turn.AssistantResponse),
		}},
	})
	if err != nil {
		return fmt.Errorf("extraction LLM call: %w", err)
	}
	var ex extraction
	if err := llm.DecodeInto(resp.Content, &ex); err != nil {
		return fmt.Errorf("parsing extraction: %w", err)
	}

	now := time.Now().UTC()
	ids := make(map[string]string, len(ex.Entities))
	for _, e := range ex.Entities {
		if e.Name == "" {
			continue
		}
		entity := &models.Entity{
			ID:        models.NewID(),
			TenantID:  t.TenantID,
			Name:      e.Name,
			Kind:      e.Kind,
			Summary:   e.Summary,
			ValidFrom: now,
		}
		if err := i.graph.UpsertEntity(ctx, entity); err != nil {
			return fmt.Errorf("upserting entity %s: %w", e.Name, err)
		}
		ids[e.Name] = entity.ID
		i.rc.Metrics.MemoryEntities.Add(ctx, 1)
	}
	for _, r := range ex.Relationships {
		from, to := ids[r.From], ids[r.To]
		if from == "" || to == "" {
			continue
		}
		rel := &models.Relationship{
			ID:           models.NewID(),
			TenantID:     t.TenantID,
			FromEntityID: from,
			ToEntityID:   to,
			Kind:         r.Kind,
			Fact:         r.Fact,
			ValidFrom:    now,
		}
		if err := i.graph.SupersedeRelationship(ctx, rel); err != nil {
			return fmt.Errorf("superseding relationship: %w", err)
		}
	}
	return nil
}
