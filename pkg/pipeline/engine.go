// Package pipeline implements the turn-processing engine: the ordered
// phases that take one inbound user message through configuration
// resolution, just-in-time migration, situation sensing, retrieval and
// filtering, scenario orchestration, customer-data reconciliation,
// planning, generation and enforcement, and finally persistence.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/codeready-toolchain/tiller/pkg/audit"
	"github.com/codeready-toolchain/tiller/pkg/customer"
	"github.com/codeready-toolchain/tiller/pkg/enforcer"
	"github.com/codeready-toolchain/tiller/pkg/generator"
	"github.com/codeready-toolchain/tiller/pkg/llm"
	"github.com/codeready-toolchain/tiller/pkg/masking"
	"github.com/codeready-toolchain/tiller/pkg/memory"
	"github.com/codeready-toolchain/tiller/pkg/migration"
	"github.com/codeready-toolchain/tiller/pkg/models"
	"github.com/codeready-toolchain/tiller/pkg/planner"
	"github.com/codeready-toolchain/tiller/pkg/retrieval"
	"github.com/codeready-toolchain/tiller/pkg/rulefilter"
	"github.com/codeready-toolchain/tiller/pkg/scenario"
	"github.com/codeready-toolchain/tiller/pkg/sensor"
	"github.com/codeready-toolchain/tiller/pkg/store"
	"github.com/codeready-toolchain/tiller/pkg/telemetry"
	"github.com/codeready-toolchain/tiller/pkg/tools"
	"github.com/codeready-toolchain/tiller/pkg/vector"
)

// Response texts the engine authors itself, outside any template or
// model call.
const (
	escalationText  = "I can't complete this myself, so I'm connecting you with a human agent who can help."
	systemErrorText = "I'm having trouble responding right now. Please try again in a moment."
)

// Deps wires the engine. Resolver, Audit, Idempotency, Ingestor and
// Telemetry are optional; the rest are required.
type Deps struct {
	Resolver  *Resolver
	Config    store.AgentConfigStore
	Sessions  store.SessionStore
	Customers store.CustomerDataStore
	Turns     store.TurnStore

	Client   llm.Client
	Index    vector.Index
	Embedder vector.Embedder

	ToolExecutor tools.Executor
	Ingestor     *memory.Ingestor
	Audit        audit.Sink
	Idempotency  IdempotencyCache
	Telemetry    *telemetry.RuntimeContext
}

// Engine runs turns.
type Engine struct {
	resolver  *Resolver
	config    store.AgentConfigStore
	sessions  store.SessionStore
	customers store.CustomerDataStore
	turns     store.TurnStore
	client    llm.Client
	index     vector.Index
	embedder  vector.Embedder

	retriever  *retrieval.Retriever
	migrator   *migration.Engine
	reconciler *customer.Reconciler
	planner    *planner.Planner
	tools      *tools.Runner
	ingestor   *memory.Ingestor
	audit      audit.Sink
	idem       IdempotencyCache

	rc     *telemetry.RuntimeContext
	logger *slog.Logger
}

// New builds an engine from its dependencies.
func New(d Deps) *Engine {
	rc := telemetry.OrNop(d.Telemetry)
	if d.Resolver == nil {
		d.Resolver = NewResolver(PlatformDefaults(), nil)
	}
	if d.Audit == nil {
		d.Audit = audit.NewLogSink(rc.Logger)
	}
	return &Engine{
		resolver:   d.Resolver,
		config:     d.Config,
		sessions:   d.Sessions,
		customers:  d.Customers,
		turns:      d.Turns,
		client:     d.Client,
		index:      d.Index,
		embedder:   d.Embedder,
		retriever:  retrieval.New(d.Config, d.Index, rc.Logger),
		migrator:   migration.NewEngine(d.Config, d.Sessions, rc.Logger),
		reconciler: customer.New(d.Config, d.Customers, rc.Logger),
		planner:    planner.New(d.Config, rc.Logger),
		tools:      tools.NewRunner(d.Config, d.ToolExecutor, rc.Logger),
		ingestor:   d.Ingestor,
		audit:      d.Audit,
		idem:       d.Idempotency,
		rc:         rc,
		logger:     rc.Logger.With("component", "pipeline"),
	}
}

// turnState is the working state threaded through one turn's phases.
type turnState struct {
	req     *models.TurnRequest
	agent   *models.Agent
	session *models.Session
	profile *models.CustomerProfile
	cfg     *RuntimeConfig

	turnID     string
	turnNumber int
	now        time.Time

	history    []models.ConversationTurn
	prevIntent string
	fields     []*models.CustomerDataField
	mask       masking.SchemaMask

	snapshot       *models.SituationSnapshot
	reconciliation *models.ReconciliationResult
	retrieved      *models.RetrievalResult
	filter         *models.FilterResult
	scenario       *models.ScenarioResult
	missing        []models.MissingField

	plan        *models.ResponsePlan
	toolResults []models.ToolResult

	generator   *generator.Generator
	genIn       generator.Input
	gen         *models.GenerationResult
	enforceable bool
	enforcement *enforcer.Outcome

	responseType models.ResponseType
	outcome      models.TurnOutcome
	timings      []models.PhaseTiming

	stream   llm.StreamFunc
	streamed bool
}

func (st *turnState) stepCfg(step string) StepConfig {
	if st.cfg == nil {
		return StepConfig{}
	}
	return st.cfg.Step(step)
}

// activeScopes returns the scenario and step ids currently in play.
func (st *turnState) activeScopes() (scenarioIDs, stepIDs []string) {
	for _, si := range st.session.ActiveInstances() {
		scenarioIDs = append(scenarioIDs, si.ScenarioID)
		if si.CurrentStepID != "" {
			stepIDs = append(stepIDs, si.CurrentStepID)
		}
	}
	return scenarioIDs, stepIDs
}

// ProcessTurn runs the full pipeline for one message and returns the
// aligned response.
func (e *Engine) ProcessTurn(ctx context.Context, req *models.TurnRequest) (*models.AlignmentResult, error) {
	return e.process(ctx, req, nil)
}

// ProcessTurnStream is ProcessTurn with token fan-out. When enforcement
// constraints apply, the response is validated first and emitted whole.
func (e *Engine) ProcessTurnStream(ctx context.Context, req *models.TurnRequest, fn llm.StreamFunc) (*models.AlignmentResult, error) {
	return e.process(ctx, req, fn)
}

func (e *Engine) process(ctx context.Context, req *models.TurnRequest, fn llm.StreamFunc) (*models.AlignmentResult, error) {
	started := time.Now()
	if err := req.Validate(); err != nil {
		return nil, err
	}

	if e.idem != nil && req.IdempotencyKey != nil {
		cached, ok, err := e.idem.Get(ctx, req.TenantID, *req.IdempotencyKey)
		if err != nil {
			e.logger.Warn("idempotency lookup failed", "error", err)
		} else if ok {
			if fn != nil {
				if err := fn(cached.Response); err != nil {
					return nil, err
				}
			}
			return cached, nil
		}
	}

	agent, err := e.config.GetAgent(ctx, req.TenantID, req.AgentID)
	if err != nil {
		return nil, fmt.Errorf("loading agent: %w", err)
	}
	session, err := e.resolveSession(ctx, req, agent)
	if err != nil {
		return nil, err
	}

	st := &turnState{
		req:     req,
		agent:   agent,
		session: session,
		turnID:  models.NewID(),
		now:     time.Now().UTC(),
		stream:  fn,
	}
	st.turnNumber = session.TurnCount + 1

	if err := e.runPhase(ctx, st, StepResolveConfig, e.phaseResolveConfig); err != nil {
		return e.abort(ctx, st, err)
	}

	lease, err := e.acquireLease(ctx, st)
	if err != nil {
		return nil, err
	}
	defer func() {
		if relErr := e.sessions.ReleaseLease(context.WithoutCancel(ctx), lease); relErr != nil {
			e.logger.Warn("lease release failed", "session_id", st.session.ID, "error", relErr)
		}
	}()
	// Re-read under the lease: a queued turn must see the state the
	// previous holder persisted.
	if fresh, getErr := e.sessions.Get(ctx, req.TenantID, st.session.ID); getErr == nil {
		st.session = fresh
		st.turnNumber = fresh.TurnCount + 1
	}

	deadline := time.Duration(st.cfg.TurnDeadlineMs) * time.Millisecond
	if deadline <= 0 {
		deadline = 30 * time.Second
	}
	tctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	tenantAttr := metric.WithAttributes(attribute.String("tenant_id", req.TenantID), attribute.String("agent_id", req.AgentID))
	e.rc.Metrics.RequestCount.Add(ctx, 1, tenantAttr)
	e.rc.Metrics.ActiveSessions.Add(ctx, 1, tenantAttr)
	defer e.rc.Metrics.ActiveSessions.Add(context.WithoutCancel(ctx), -1, tenantAttr)

	if st.profile, err = e.resolveProfile(tctx, req, st.session); err != nil {
		return e.abort(ctx, st, err)
	}

	phases := []struct {
		step string
		fn   func(context.Context, *turnState) error
	}{
		{StepMigration, e.phaseMigration},
		{StepSensor, e.phaseSensor},
		{StepRetrieval, e.phaseRetrieval},
		{StepRuleFilter, e.phaseRuleFilter},
		{StepScenario, e.phaseScenario},
		{StepCustomerData, e.phaseCustomerData},
		{StepPlanner, e.phasePlanner},
		{StepToolsBefore, e.phaseToolsBefore},
		{StepGeneration, e.phaseGeneration},
		{StepEnforcement, e.phaseEnforcement},
		{StepToolsAfter, e.phaseToolsAfter},
	}
	for _, p := range phases {
		if err := e.runPhase(tctx, st, p.step, p.fn); err != nil {
			return e.abort(ctx, st, err)
		}
	}

	e.resolveOutcome(st)

	if err := e.runPhase(tctx, st, StepPersist, e.phasePersist); err != nil {
		return e.abort(ctx, st, err)
	}

	result := &models.AlignmentResult{
		Response:             st.gen.Text,
		SessionID:            st.session.ID,
		TurnID:               st.turnID,
		ScenarioResult:       st.scenario,
		ReconciliationResult: st.reconciliation,
		MatchedRules:         st.matchedRules(),
		ToolResults:          st.toolResults,
		Generation:           st.gen,
		TotalTimeMs:          time.Since(started).Milliseconds(),
		PipelineTimings:      st.timings,
		Outcome:              st.outcome,
		SensorDegraded:       st.snapshot != nil && st.snapshot.Degraded,
	}
	e.rc.Metrics.RequestLatency.Record(ctx, float64(result.TotalTimeMs), tenantAttr)

	if e.idem != nil && req.IdempotencyKey != nil {
		ttl := time.Duration(st.cfg.IdempotencyTTLSeconds) * time.Second
		if ttl <= 0 {
			ttl = 300 * time.Second
		}
		if err := e.idem.Put(ctx, req.TenantID, *req.IdempotencyKey, result, ttl); err != nil {
			e.logger.Warn("idempotency store failed", "error", err)
		}
	}
	if fn != nil && !st.streamed {
		if err := fn(result.Response); err != nil {
			return nil, err
		}
	}
	return result, nil
}

func (st *turnState) matchedRules() []models.MatchedRule {
	if st.filter == nil {
		return []models.MatchedRule{}
	}
	if st.filter.Matched == nil {
		return []models.MatchedRule{}
	}
	return st.filter.Matched
}

// abort handles a failed or cancelled turn. Nothing is persisted; a
// cancelled turn leaves only an audit event behind.
func (e *Engine) abort(ctx context.Context, st *turnState, err error) (*models.AlignmentResult, error) {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		e.audit.Emit(context.WithoutCancel(ctx), audit.Event{
			Type:      audit.EventTurnCancelled,
			TenantID:  st.req.TenantID,
			AgentID:   st.req.AgentID,
			SessionID: st.session.ID,
			TurnID:    st.turnID,
			At:        time.Now().UTC(),
			Payload:   map[string]any{"reason": err.Error()},
		})
		e.rc.CountError(context.WithoutCancel(ctx), "turn_cancelled")
		return nil, err
	}
	e.rc.CountError(context.WithoutCancel(ctx), "pipeline")
	return nil, err
}

// runPhase wraps one phase with its span, step timeout, and timing
// record. A disabled step records a skipped timing and runs nothing.
func (e *Engine) runPhase(ctx context.Context, st *turnState, step string, fn func(context.Context, *turnState) error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	sc := st.stepCfg(step)
	if !sc.IsEnabled() {
		st.timings = append(st.timings, models.PhaseTiming{Step: step, Skipped: true})
		return nil
	}

	pctx, end := e.rc.StartPhase(ctx, step, st.req.TenantID, st.req.AgentID, st.session.ID, st.turnID)
	if sc.TimeoutMs > 0 {
		var cancel context.CancelFunc
		pctx, cancel = context.WithTimeout(pctx, time.Duration(sc.TimeoutMs)*time.Millisecond)
		defer cancel()
	}
	start := time.Now()
	err := fn(pctx, st)
	end()

	timing := models.PhaseTiming{Step: step, DurationMs: time.Since(start).Milliseconds()}
	if err != nil {
		msg := err.Error()
		timing.Error = &msg
	}
	st.timings = append(st.timings, timing)
	if err != nil && ctx.Err() != nil {
		// The turn itself was cancelled, not just the step budget.
		return ctx.Err()
	}
	return err
}

// resolveSession finds the session named by the request, resolves the
// open session for the channel identity, or creates a fresh one pinned
// to the agent's published config version.
func (e *Engine) resolveSession(ctx context.Context, req *models.TurnRequest, agent *models.Agent) (*models.Session, error) {
	if req.SessionID != nil {
		s, err := e.sessions.Get(ctx, req.TenantID, *req.SessionID)
		if err != nil {
			return nil, fmt.Errorf("loading session: %w", err)
		}
		return s, nil
	}
	s, err := e.sessions.FindByIdentity(ctx, req.TenantID, req.AgentID, req.Channel, req.UserChannelID)
	if err == nil {
		return s, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("resolving session by identity: %w", err)
	}

	now := time.Now().UTC()
	s = &models.Session{
		ID:            models.NewID(),
		TenantID:      req.TenantID,
		AgentID:       req.AgentID,
		Channel:       req.Channel,
		UserChannelID: req.UserChannelID,
		ConfigVersion: agent.PublishedVersion,
		Status:        models.SessionStatusActive,
		Metadata:      metadataStrings(req.Metadata),
		Timestamps:    models.Timestamps{CreatedAt: now, UpdatedAt: now},
	}
	if err := e.sessions.Save(ctx, s); err != nil {
		return nil, fmt.Errorf("creating session: %w", err)
	}
	e.logger.Info("session created", "tenant_id", s.TenantID, "session_id", s.ID, "channel", s.Channel)
	return s, nil
}

// metadataStrings keeps the string-valued request metadata; migration
// scope filters only match strings.
func metadataStrings(md map[string]any) map[string]string {
	if len(md) == 0 {
		return nil
	}
	out := make(map[string]string)
	for k, v := range md {
		if s, ok := v.(string); ok {
			out[k] = s
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// resolveProfile loads or creates the customer profile behind the
// session, linking the channel identity on first contact.
func (e *Engine) resolveProfile(ctx context.Context, req *models.TurnRequest, session *models.Session) (*models.CustomerProfile, error) {
	if session.CustomerProfileID != nil {
		p, err := e.customers.GetProfile(ctx, req.TenantID, *session.CustomerProfileID)
		if err == nil {
			return p, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("loading profile: %w", err)
		}
	}
	p, err := e.customers.GetProfileByIdentity(ctx, req.TenantID, req.Channel, req.UserChannelID)
	if err == nil {
		session.CustomerProfileID = &p.CustomerID
		return p, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("resolving profile by identity: %w", err)
	}

	now := time.Now().UTC()
	id := models.NewID()
	p = &models.CustomerProfile{
		ID:         id,
		TenantID:   req.TenantID,
		CustomerID: id,
		Timestamps: models.Timestamps{CreatedAt: now, UpdatedAt: now},
	}
	if err := e.customers.CreateProfile(ctx, p); err != nil {
		return nil, fmt.Errorf("creating profile: %w", err)
	}
	if err := e.customers.LinkIdentity(ctx, req.TenantID, p.CustomerID, req.Channel, req.UserChannelID); err != nil {
		e.logger.Warn("linking channel identity failed", "customer_id", p.CustomerID, "error", err)
	}
	session.CustomerProfileID = &p.CustomerID
	return p, nil
}

func (e *Engine) acquireLease(ctx context.Context, st *turnState) (store.LeaseToken, error) {
	ttl := time.Duration(st.cfg.LeaseTTLMs) * time.Millisecond
	if ttl <= 0 {
		ttl = 45 * time.Second
	}
	token, err := e.sessions.AcquireLease(ctx, st.req.TenantID, st.session.ID, ttl)
	if err == nil || !errors.Is(err, store.ErrSessionBusy) {
		return token, err
	}
	if st.cfg.QueueOnBusy == nil || !*st.cfg.QueueOnBusy {
		return token, err
	}

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return store.LeaseToken{}, ctx.Err()
		case <-ticker.C:
			token, err = e.sessions.AcquireLease(ctx, st.req.TenantID, st.session.ID, ttl)
			if err == nil {
				return token, nil
			}
			if !errors.Is(err, store.ErrSessionBusy) {
				return token, err
			}
		}
	}
}

// ────────────────────────────────────────────────────────────
// Phases
// ────────────────────────────────────────────────────────────

func (e *Engine) phaseResolveConfig(_ context.Context, st *turnState) error {
	scenarioID, stepID := "", ""
	if active := st.session.ActiveInstances(); len(active) > 0 {
		scenarioID = active[0].ScenarioID
		stepID = active[0].CurrentStepID
	}
	cfg, err := e.resolver.Resolve(st.req.TenantID, st.req.AgentID, st.req.Channel, scenarioID, stepID)
	if err != nil {
		return err
	}
	st.cfg = cfg
	return nil
}

func (e *Engine) phaseMigration(ctx context.Context, st *turnState) error {
	res, err := e.migrator.Reconcile(ctx, migration.ReconcileInput{
		Session:    st.session,
		Profile:    st.profile,
		Message:    st.req.Message,
		TurnNumber: st.turnNumber,
		Now:        st.now,
	})
	if err != nil {
		return fmt.Errorf("migration reconciliation: %w", err)
	}
	st.reconciliation = res
	return nil
}

func (e *Engine) phaseSensor(ctx context.Context, st *turnState) error {
	if err := e.loadHistory(ctx, st); err != nil {
		e.logger.Warn("history load failed, sensing without history", "session_id", st.session.ID, "error", err)
	}

	fields, _, err := e.config.ListFields(ctx, st.req.TenantID, st.req.AgentID, store.ListOptions{})
	if err != nil {
		e.logger.Warn("customer schema load failed, sensing without mask", "error", err)
	}
	st.fields = fields
	st.mask = masking.BuildSchemaMask(fields, st.profile)

	glossary, _, err := e.config.ListGlossaryItems(ctx, st.req.TenantID, st.req.AgentID, store.ListOptions{})
	if err != nil {
		e.logger.Warn("glossary load failed, sensing without glossary", "error", err)
	}

	sc := st.stepCfg(StepSensor)
	s := sensor.New(e.client, e.embedder, sensor.Config{
		Model:         stepModel(sc),
		MaxTokens:     stepMaxTokens(sc, 1024),
		HistoryWindow: st.cfg.HistoryWindow,
	}, e.rc.Logger)
	snap, err := s.Sense(ctx, sensor.Input{
		Message:        st.req.Message,
		History:        st.history,
		SchemaMask:     st.mask,
		Glossary:       glossary,
		PreviousIntent: st.prevIntent,
	})
	if err != nil {
		return err
	}
	st.snapshot = snap
	return nil
}

func (e *Engine) loadHistory(ctx context.Context, st *turnState) error {
	window := st.cfg.HistoryWindow
	if window <= 0 {
		window = 6
	}
	turns, _, err := e.turns.ListTurns(ctx, st.req.TenantID, st.session.ID, window, 0, store.TurnSortDesc)
	if err != nil {
		return err
	}
	for i := len(turns) - 1; i >= 0; i-- {
		t := turns[i]
		st.history = append(st.history,
			models.ConversationTurn{Role: "user", Content: t.UserMessage, CreatedAt: t.CreatedAt},
			models.ConversationTurn{Role: "assistant", Content: t.AssistantResponse, CreatedAt: t.CreatedAt},
		)
	}
	if len(turns) > 0 && turns[0].Snapshot != nil {
		last := turns[0].Snapshot
		if last.NewIntentLabel != nil {
			st.prevIntent = *last.NewIntentLabel
		} else {
			st.prevIntent = last.PreviousIntentLabel
		}
	}
	return nil
}

func (e *Engine) phaseRetrieval(ctx context.Context, st *turnState) error {
	scenarioIDs, stepIDs := st.activeScopes()
	res, err := e.retriever.Retrieve(ctx, retrieval.Query{
		TenantID:          st.req.TenantID,
		AgentID:           st.req.AgentID,
		Snapshot:          st.snapshot,
		ActiveScenarioIDs: scenarioIDs,
		ActiveStepIDs:     stepIDs,
		Session:           retrieval.StateFromSession(st.session),
		Opts:              retrievalOptions(st.cfg.Retrieval),
	})
	if err != nil {
		return err
	}
	st.retrieved = res
	return nil
}

// retrievalOptions maps the resolved runtime config onto retrieval
// options, keeping package defaults for unset knobs.
func retrievalOptions(rcfg RetrievalConfig) retrieval.Options {
	opts := retrieval.DefaultOptions()
	sel := &opts.Selection
	if rcfg.Strategy != "" {
		sel.Strategy = rcfg.Strategy
	}
	if rcfg.MinScore != nil {
		sel.MinScore = *rcfg.MinScore
	}
	if rcfg.K > 0 {
		sel.K = rcfg.K
	}
	if rcfg.MinK > 0 {
		sel.MinK = rcfg.MinK
	}
	if rcfg.MaxK > 0 {
		sel.MaxK = rcfg.MaxK
	}
	if rcfg.DropThreshold != nil {
		sel.DropThreshold = *rcfg.DropThreshold
	}
	hyb := &opts.Hybrid
	if rcfg.HybridEnabled != nil {
		hyb.Enabled = *rcfg.HybridEnabled
	}
	if rcfg.VectorWeight != nil {
		hyb.VectorWeight = *rcfg.VectorWeight
		hyb.BM25Weight = 1 - *rcfg.VectorWeight
	}
	if rcfg.Normalization != "" {
		hyb.Normalization = rcfg.Normalization
	}
	if rcfg.CandidateLimit > 0 {
		opts.CandidateLimit = rcfg.CandidateLimit
	}
	return opts
}

func (e *Engine) phaseRuleFilter(ctx context.Context, st *turnState) error {
	if st.retrieved == nil {
		st.retrieved = &models.RetrievalResult{}
	}
	sc := st.stepCfg(StepRuleFilter)
	fcfg := rulefilter.DefaultConfig()
	fcfg.Model = stepModel(sc)
	fcfg.MaxTokens = stepMaxTokens(sc, fcfg.MaxTokens)
	if st.cfg.Filter.ConfidenceThreshold != nil {
		fcfg.ConfidenceThreshold = *st.cfg.Filter.ConfidenceThreshold
	}
	if st.cfg.Filter.UnsurePolicy != "" {
		fcfg.UnsurePolicy = st.cfg.Filter.UnsurePolicy
	}
	if st.cfg.Filter.BatchSize > 0 {
		fcfg.BatchSize = st.cfg.Filter.BatchSize
	}

	scenarioIDs, stepIDs := st.activeScopes()
	res, err := rulefilter.New(e.client, fcfg, e.rc.Logger).Filter(ctx, rulefilter.Input{
		Snapshot:          st.snapshot,
		Rules:             st.retrieved.Rules,
		ActiveScenarioIDs: scenarioIDs,
		ActiveStepIDs:     stepIDs,
		Session:           retrieval.StateFromSession(st.session),
	})
	if err != nil {
		return err
	}
	st.filter = res
	e.rc.Metrics.RulesMatched.Add(ctx, int64(len(res.Matched)),
		metric.WithAttributes(attribute.String("tenant_id", st.req.TenantID)))
	for _, id := range res.UnsureRuleIDs {
		e.audit.Emit(ctx, audit.Event{
			Type:      audit.EventRuleUnsure,
			TenantID:  st.req.TenantID,
			AgentID:   st.req.AgentID,
			SessionID: st.session.ID,
			TurnID:    st.turnID,
			At:        time.Now().UTC(),
			Payload:   map[string]any{"rule_id": id},
		})
	}
	return nil
}

func (e *Engine) phaseScenario(ctx context.Context, st *turnState) error {
	sc := st.stepCfg(StepScenario)
	ocfg := scenario.DefaultConfig()
	ocfg.Model = stepModel(sc)
	ocfg.MaxTokens = stepMaxTokens(sc, ocfg.MaxTokens)
	if st.cfg.Scenario.StartThreshold != nil {
		ocfg.StartThreshold = *st.cfg.Scenario.StartThreshold
	}
	if st.cfg.Scenario.TransitionThreshold != nil {
		ocfg.TransitionThreshold = *st.cfg.Scenario.TransitionThreshold
	}
	if st.cfg.Scenario.LoopThreshold > 0 {
		ocfg.LoopThreshold = st.cfg.Scenario.LoopThreshold
	}
	if st.cfg.Scenario.MaxConcurrentScenarios > 0 {
		ocfg.MaxConcurrentScenarios = st.cfg.Scenario.MaxConcurrentScenarios
	}

	var candidates []models.ScoredScenario
	if st.retrieved != nil {
		candidates = st.retrieved.Scenarios
	}
	res, err := scenario.New(e.config, e.client, ocfg, e.rc.Logger).Orchestrate(ctx, scenario.Input{
		Session:    st.session,
		Snapshot:   st.snapshot,
		Candidates: candidates,
		Mask:       st.mask,
		TurnNumber: st.turnNumber,
		Now:        st.now,
	})
	if err != nil {
		return fmt.Errorf("scenario orchestration: %w", err)
	}
	st.scenario = res
	return nil
}

func (e *Engine) phaseCustomerData(ctx context.Context, st *turnState) error {
	customerID := ""
	if st.profile != nil {
		customerID = st.profile.CustomerID
	}

	if customerID != "" && st.snapshot != nil && len(st.snapshot.CandidateVariables) > 0 {
		written, err := e.reconciler.ApplyCandidates(ctx, st.req.TenantID, st.req.AgentID, customerID, st.snapshot.CandidateVariables)
		if err != nil {
			return fmt.Errorf("applying candidate variables: %w", err)
		}
		if len(written) > 0 {
			fresh, err := e.customers.GetProfile(ctx, st.req.TenantID, customerID)
			if err != nil {
				return fmt.Errorf("reloading profile: %w", err)
			}
			st.profile = fresh
			st.mask = masking.BuildSchemaMask(st.fields, st.profile)
		}
	}

	if st.scenario == nil {
		return nil
	}
	seen := make(map[string]bool)
	for _, c := range st.scenario.Contributions.Contributions {
		stepID := c.CurrentStepID
		missing, err := e.reconciler.MissingFields(ctx, st.req.TenantID, st.req.AgentID, customerID, c.ScenarioID, &stepID, "")
		if err != nil {
			return fmt.Errorf("evaluating missing fields: %w", err)
		}
		for _, mf := range missing {
			key := mf.ScenarioID + "/" + mf.FieldName
			if seen[key] {
				continue
			}
			seen[key] = true
			st.missing = append(st.missing, mf)
		}
	}
	return nil
}

func (e *Engine) phasePlanner(ctx context.Context, st *turnState) error {
	plan, err := e.planner.Plan(ctx, planner.Input{
		TenantID:       st.req.TenantID,
		AgentID:        st.req.AgentID,
		Snapshot:       st.snapshot,
		Matched:        st.matchedRules(),
		Scenario:       st.scenario,
		Reconciliation: st.reconciliation,
		MissingFields:  st.missing,
	})
	if err != nil {
		return fmt.Errorf("planning: %w", err)
	}
	st.plan = plan
	st.responseType = plan.ResponseType
	return nil
}

func (e *Engine) phaseToolsBefore(ctx context.Context, st *turnState) error {
	if st.plan == nil {
		return nil
	}
	results, err := e.tools.Run(ctx, st.req.TenantID, st.plan.ToolsToExecute, models.ToolPhaseBeforeStep)
	st.toolResults = append(st.toolResults, results...)
	return err
}

func (e *Engine) phaseToolsAfter(ctx context.Context, st *turnState) error {
	if st.plan == nil {
		return nil
	}
	results, err := e.tools.Run(ctx, st.req.TenantID, st.plan.ToolsToExecute, models.ToolPhaseAfterStep)
	st.toolResults = append(st.toolResults, results...)
	return err
}

func (e *Engine) phaseGeneration(ctx context.Context, st *turnState) error {
	sc := st.stepCfg(StepGeneration)
	gcfg := generator.DefaultConfig()
	gcfg.Model = stepModel(sc)
	gcfg.MaxTokens = stepMaxTokens(sc, gcfg.MaxTokens)
	if sc.Temperature != nil {
		gcfg.Temperature = *sc.Temperature
	}
	if st.cfg.HistoryWindow > 0 {
		gcfg.HistoryWindow = st.cfg.HistoryWindow
	}
	st.generator = generator.New(e.client, e.config, gcfg, e.rc.Logger)

	st.genIn = generator.Input{
		TenantID:            st.req.TenantID,
		SystemPrompt:        st.agent.SystemPrompt,
		Plan:                st.plan,
		Snapshot:            st.snapshot,
		History:             st.history,
		AppliedRules:        st.matchedRules(),
		ToolResults:         st.toolResults,
		Variables:           e.buildVariables(st),
		CollectDisplayNames: displayNames(st.fields),
	}

	// Engine-authored responses bypass the model: a migration fork needs
	// the user's choice, and an escalation verdict is already final.
	if st.plan != nil {
		switch {
		case st.responseType == models.ResponseReroute && st.plan.BranchQuestion != nil:
			st.gen = &models.GenerationResult{
				Text:       *st.plan.BranchQuestion,
				Categories: []models.ResponseCategory{models.CategoryAwaitingUserInput},
			}
			return nil
		case st.responseType == models.ResponseEscalate:
			st.gen = &models.GenerationResult{Text: escalationText}
			return nil
		}
	}

	gen, err := e.generate(ctx, st)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		e.logger.Error("generation failed after retry, degrading", "session_id", st.session.ID, "error", err)
		e.rc.CountError(ctx, "generation")
		st.gen = &models.GenerationResult{
			Text:       systemErrorText,
			Categories: []models.ResponseCategory{models.CategorySystemError},
		}
		return nil
	}
	e.rc.CountTokens(ctx, "llm", gen.Model, "prompt", int64(gen.PromptTokens))
	e.rc.CountTokens(ctx, "llm", gen.Model, "completion", int64(gen.CompletionTokens))
	st.gen = gen
	st.enforceable = true
	return nil
}

// generate calls the generator, once more on failure, streaming only
// when no hard constraint could rewrite the response afterwards.
func (e *Engine) generate(ctx context.Context, st *turnState) (*models.GenerationResult, error) {
	canStream := st.stream != nil && (st.plan == nil || len(st.plan.Constraints) == 0)
	run := func() (*models.GenerationResult, error) {
		if canStream {
			return st.generator.GenerateStream(ctx, st.genIn, st.stream)
		}
		return st.generator.Generate(ctx, st.genIn)
	}
	gen, err := run()
	if err == nil {
		st.streamed = canStream
		return gen, nil
	}
	if ctx.Err() != nil {
		return nil, err
	}
	e.logger.Warn("generation failed, retrying once", "error", err)
	gen, err = run()
	if err != nil {
		return nil, err
	}
	st.streamed = canStream
	return gen, nil
}

func (e *Engine) phaseEnforcement(ctx context.Context, st *turnState) error {
	if !st.enforceable || st.plan == nil || len(st.plan.Constraints) == 0 {
		return nil
	}
	sc := st.stepCfg(StepEnforcement)
	ecfg := enforcer.DefaultConfig()
	ecfg.Model = stepModel(sc)
	ecfg.MaxTokens = stepMaxTokens(sc, ecfg.MaxTokens)

	out, err := enforcer.New(e.client, e.config, st.generator, ecfg, e.rc.Logger).Enforce(ctx, st.genIn, st.gen)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		e.logger.Error("enforcement failed, passing generation unvalidated", "error", err)
		e.rc.CountError(ctx, "enforcement")
		return nil
	}
	st.enforcement = out
	st.gen = out.Generation
	if out.ResponseType != "" {
		st.responseType = out.ResponseType
	}
	return nil
}

// resolveOutcome merges generation and enforcement categories and derives
// the turn resolution.
func (e *Engine) resolveOutcome(st *turnState) {
	categories := append([]models.ResponseCategory(nil), st.gen.Categories...)
	add := func(c models.ResponseCategory) {
		for _, have := range categories {
			if have == c {
				return
			}
		}
		categories = append(categories, c)
	}
	if st.enforcement != nil {
		for _, c := range st.enforcement.Categories {
			add(c)
		}
	}
	if st.responseType == models.ResponseCollect || st.responseType == models.ResponseReroute {
		add(models.CategoryAwaitingUserInput)
	}

	st.outcome = models.TurnOutcome{
		Resolution: models.ResolveTurnOutcome(categories, st.responseType),
		Categories: categories,
	}
	if st.enforcement != nil {
		st.outcome.BlockingRuleID = st.enforcement.BlockingRuleID
	}
}

// phasePersist writes the session and turn record. Store failure here
// does not withhold the response the user already earned; it logs,
// audits, and lets the turn return.
func (e *Engine) phasePersist(ctx context.Context, st *turnState) error {
	st.session.TurnCount = st.turnNumber
	st.session.Status = models.SessionStatusActive
	st.session.UpdatedAt = time.Now().UTC()
	for _, m := range st.matchedRules() {
		if m.Rule != nil {
			st.session.RecordRuleFire(m.Rule.ID, st.turnNumber)
		}
	}

	turn := &models.Turn{
		ID:                st.turnID,
		TenantID:          st.req.TenantID,
		SessionID:         st.session.ID,
		TurnNumber:        st.turnNumber,
		UserMessage:       st.req.Message,
		AssistantResponse: st.gen.Text,
		Snapshot:          st.snapshot,
		Outcome:           st.outcome,
		Timings:           st.timings,
		CreatedAt:         st.now,
	}
	for _, m := range st.matchedRules() {
		if m.Rule != nil {
			turn.MatchedRuleIDs = append(turn.MatchedRuleIDs, m.Rule.ID)
		}
	}

	var persistErr error
	if err := e.sessions.Save(ctx, st.session); err != nil {
		persistErr = fmt.Errorf("saving session: %w", err)
	} else if err := e.turns.SaveTurn(ctx, turn); err != nil {
		persistErr = fmt.Errorf("saving turn: %w", err)
	}
	if persistErr != nil {
		e.logger.Error("turn persistence failed, returning response anyway",
			"session_id", st.session.ID, "turn_id", st.turnID, "error", persistErr)
		e.rc.CountError(ctx, "persist")
		e.audit.Emit(context.WithoutCancel(ctx), audit.Event{
			Type:      audit.EventPersistFailed,
			TenantID:  st.req.TenantID,
			AgentID:   st.req.AgentID,
			SessionID: st.session.ID,
			TurnID:    st.turnID,
			At:        time.Now().UTC(),
			Payload:   map[string]any{"error": persistErr.Error()},
		})
		return nil
	}

	e.audit.Emit(ctx, audit.Event{
		Type:      audit.EventTurnProcessed,
		TenantID:  st.req.TenantID,
		AgentID:   st.req.AgentID,
		SessionID: st.session.ID,
		TurnID:    st.turnID,
		At:        time.Now().UTC(),
		Payload: map[string]any{
			"turn_number":   st.turnNumber,
			"resolution":    string(st.outcome.Resolution),
			"response_type": string(st.responseType),
			"matched_rules": len(st.matchedRules()),
		},
	})
	if e.ingestor != nil {
		e.ingestor.EnqueueTurn(st.session, turn)
	}
	return nil
}

// buildVariables merges the profile's ACTIVE fields under the session's
// own variables; session scope wins on collision.
func (e *Engine) buildVariables(st *turnState) map[string]models.TypedValue {
	vars := make(map[string]models.TypedValue)
	if st.profile != nil {
		for name, entry := range st.profile.Fields {
			if entry != nil && entry.Status == models.EntryStatusActive {
				vars[name] = entry.Value
			}
		}
	}
	for name, v := range st.session.Variables {
		vars[name] = v
	}
	return vars
}

func displayNames(fields []*models.CustomerDataField) map[string]string {
	out := make(map[string]string, len(fields))
	for _, f := range fields {
		out[f.Name] = f.DisplayName
	}
	return out
}

func stepModel(sc StepConfig) string {
	if sc.Model != "" {
		return sc.Model
	}
	return "default"
}

func stepMaxTokens(sc StepConfig, def int) int {
	if sc.MaxTokens > 0 {
		return sc.MaxTokens
	}
	return def
}
