package models

// ────────────────────────────────────────────────────────────
// Catalogue enums
// ────────────────────────────────────────────────────────────

// RuleScope defines where a rule applies.
type RuleScope string

const (
	RuleScopeGlobal   RuleScope = "GLOBAL"
	RuleScopeScenario RuleScope = "SCENARIO"
	RuleScopeStep     RuleScope = "STEP"
)

// IsValid checks if the rule scope is valid
func (s RuleScope) IsValid() bool {
	switch s {
	case RuleScopeGlobal, RuleScopeScenario, RuleScopeStep:
		return true
	}
	return false
}

// RequiresScopeID reports whether the scope needs a scope_id.
func (s RuleScope) RequiresScopeID() bool {
	return s == RuleScopeScenario || s == RuleScopeStep
}

// TemplateMode defines how a response template binds to generation.
type TemplateMode string

const (
	// TemplateModeFallback renders only when generation fails or is blocked.
	TemplateModeFallback TemplateMode = "FALLBACK"
	// TemplateModeSuggest is offered to the generator as guidance.
	TemplateModeSuggest TemplateMode = "SUGGEST"
	// TemplateModeStrict short-circuits generation entirely.
	TemplateModeStrict TemplateMode = "STRICT"
)

// IsValid checks if the template mode is valid
func (m TemplateMode) IsValid() bool {
	switch m {
	case TemplateModeFallback, TemplateModeSuggest, TemplateModeStrict:
		return true
	}
	return false
}

// UpdatePolicy defines when a variable's resolver runs.
type UpdatePolicy string

const (
	UpdatePolicyOnDemand UpdatePolicy = "ON_DEMAND"
	UpdatePolicyOnChange UpdatePolicy = "ON_CHANGE"
	UpdatePolicyAlways   UpdatePolicy = "ALWAYS"
)

// IsValid checks if the update policy is valid
func (p UpdatePolicy) IsValid() bool {
	switch p {
	case UpdatePolicyOnDemand, UpdatePolicyOnChange, UpdatePolicyAlways:
		return true
	}
	return false
}

// ValueType tags the dynamic type of a stored value.
type ValueType string

const (
	ValueTypeString     ValueType = "string"
	ValueTypeInt        ValueType = "int"
	ValueTypeFloat      ValueType = "float"
	ValueTypeBool       ValueType = "bool"
	ValueTypeTimestamp  ValueType = "timestamp"
	ValueTypeStructured ValueType = "structured"
)

// IsValid checks if the value type is valid
func (t ValueType) IsValid() bool {
	switch t {
	case ValueTypeString, ValueTypeInt, ValueTypeFloat, ValueTypeBool, ValueTypeTimestamp, ValueTypeStructured:
		return true
	}
	return false
}

// ValidationMode defines how customer field values are validated on write.
type ValidationMode string

const (
	ValidationModeNone  ValidationMode = "none"
	ValidationModeRegex ValidationMode = "regex"
	ValidationModeTool  ValidationMode = "tool"
)

// IsValid checks if the validation mode is valid
func (m ValidationMode) IsValid() bool {
	switch m {
	case ValidationModeNone, ValidationModeRegex, ValidationModeTool:
		return true
	}
	return false
}

// RequiredLevel defines how strongly a scenario requires a customer field.
type RequiredLevel string

const (
	RequiredLevelHard RequiredLevel = "HARD"
	RequiredLevelSoft RequiredLevel = "SOFT"
)

// IsValid checks if the required level is valid
func (l RequiredLevel) IsValid() bool {
	return l == RequiredLevelHard || l == RequiredLevelSoft
}

// FallbackAction defines what to do when a required field cannot be collected.
type FallbackAction string

const (
	FallbackActionAsk      FallbackAction = "ASK"
	FallbackActionSkip     FallbackAction = "SKIP"
	FallbackActionEscalate FallbackAction = "ESCALATE"
)

// IsValid checks if the fallback action is valid
func (a FallbackAction) IsValid() bool {
	switch a {
	case FallbackActionAsk, FallbackActionSkip, FallbackActionEscalate:
		return true
	}
	return false
}

// ToolPhase defines when a tool binding executes relative to generation.
type ToolPhase string

const (
	ToolPhaseBeforeStep ToolPhase = "BEFORE_STEP"
	ToolPhaseAfterStep  ToolPhase = "AFTER_STEP"
)

// IsValid checks if the tool phase is valid
func (p ToolPhase) IsValid() bool {
	return p == ToolPhaseBeforeStep || p == ToolPhaseAfterStep
}

// ────────────────────────────────────────────────────────────
// Customer-data enums
// ────────────────────────────────────────────────────────────

// EntrySource identifies where a customer-data value came from.
type EntrySource string

const (
	EntrySourceUserProvided EntrySource = "USER_PROVIDED"
	EntrySourceToolDerived  EntrySource = "TOOL_DERIVED"
	EntrySourceInferred     EntrySource = "INFERRED"
	EntrySourceSystem       EntrySource = "SYSTEM"
)

// IsValid checks if the entry source is valid
func (s EntrySource) IsValid() bool {
	switch s {
	case EntrySourceUserProvided, EntrySourceToolDerived, EntrySourceInferred, EntrySourceSystem:
		return true
	}
	return false
}

// EntryStatus is the lifecycle status of a customer-data entry.
type EntryStatus string

const (
	EntryStatusActive     EntryStatus = "ACTIVE"
	EntryStatusSuperseded EntryStatus = "SUPERSEDED"
	EntryStatusExpired    EntryStatus = "EXPIRED"
	EntryStatusOrphaned   EntryStatus = "ORPHANED"
)

// IsValid checks if the entry status is valid
func (s EntryStatus) IsValid() bool {
	switch s {
	case EntryStatusActive, EntryStatusSuperseded, EntryStatusExpired, EntryStatusOrphaned:
		return true
	}
	return false
}

// ────────────────────────────────────────────────────────────
// Session and scenario enums
// ────────────────────────────────────────────────────────────

// SessionStatus is the lifecycle status of a conversation session.
type SessionStatus string

const (
	SessionStatusActive      SessionStatus = "ACTIVE"
	SessionStatusIdle        SessionStatus = "IDLE"
	SessionStatusProcessing  SessionStatus = "PROCESSING"
	SessionStatusInterrupted SessionStatus = "INTERRUPTED"
	SessionStatusClosed      SessionStatus = "CLOSED"
)

// IsValid checks if the session status is valid
func (s SessionStatus) IsValid() bool {
	switch s {
	case SessionStatusActive, SessionStatusIdle, SessionStatusProcessing, SessionStatusInterrupted, SessionStatusClosed:
		return true
	}
	return false
}

// InstanceStatus is the lifecycle status of a scenario instance.
type InstanceStatus string

const (
	InstanceStatusActive    InstanceStatus = "active"
	InstanceStatusPaused    InstanceStatus = "paused"
	InstanceStatusCompleted InstanceStatus = "completed"
	InstanceStatusCancelled InstanceStatus = "cancelled"
)

// IsValid checks if the instance status is valid
func (s InstanceStatus) IsValid() bool {
	switch s {
	case InstanceStatusActive, InstanceStatusPaused, InstanceStatusCompleted, InstanceStatusCancelled:
		return true
	}
	return false
}

// LifecycleAction is the orchestrator's per-instance decision.
type LifecycleAction string

const (
	LifecycleStart    LifecycleAction = "START"
	LifecycleContinue LifecycleAction = "CONTINUE"
	LifecyclePause    LifecycleAction = "PAUSE"
	LifecycleComplete LifecycleAction = "COMPLETE"
	LifecycleCancel   LifecycleAction = "CANCEL"
)

// IsValid checks if the lifecycle action is valid
func (a LifecycleAction) IsValid() bool {
	switch a {
	case LifecycleStart, LifecycleContinue, LifecyclePause, LifecycleComplete, LifecycleCancel:
		return true
	}
	return false
}

// ContributionType classifies a scenario's proposed influence on the turn.
type ContributionType string

const (
	ContributionInform  ContributionType = "INFORM"
	ContributionPrompt  ContributionType = "PROMPT"
	ContributionCollect ContributionType = "COLLECT"
	ContributionAct     ContributionType = "ACT"
)

// IsValid checks if the contribution type is valid
func (t ContributionType) IsValid() bool {
	switch t {
	case ContributionInform, ContributionPrompt, ContributionCollect, ContributionAct:
		return true
	}
	return false
}

// ────────────────────────────────────────────────────────────
// Sensor enums
// ────────────────────────────────────────────────────────────

// ScenarioSignal is the sensor's read of the user's intent toward active flows.
type ScenarioSignal string

const (
	ScenarioSignalContinue ScenarioSignal = "CONTINUE"
	ScenarioSignalPause    ScenarioSignal = "PAUSE"
	ScenarioSignalCancel   ScenarioSignal = "CANCEL"
	ScenarioSignalUnknown  ScenarioSignal = "UNKNOWN"
)

// IsValid checks if the scenario signal is valid
func (s ScenarioSignal) IsValid() bool {
	switch s {
	case ScenarioSignalContinue, ScenarioSignalPause, ScenarioSignalCancel, ScenarioSignalUnknown:
		return true
	}
	return false
}

// Sentiment is the sensor's sentiment read.
type Sentiment string

const (
	SentimentPositive Sentiment = "positive"
	SentimentNeutral  Sentiment = "neutral"
	SentimentNegative Sentiment = "negative"
)

// IsValid checks if the sentiment is valid
func (s Sentiment) IsValid() bool {
	switch s {
	case SentimentPositive, SentimentNeutral, SentimentNegative:
		return true
	}
	return false
}

// FrustrationLevel is the sensor's frustration read.
type FrustrationLevel string

const (
	FrustrationLow    FrustrationLevel = "low"
	FrustrationMedium FrustrationLevel = "medium"
	FrustrationHigh   FrustrationLevel = "high"
)

// IsValid checks if the frustration level is valid
func (f FrustrationLevel) IsValid() bool {
	switch f {
	case FrustrationLow, FrustrationMedium, FrustrationHigh:
		return true
	}
	return false
}

// Urgency is the sensor's urgency read.
type Urgency string

const (
	UrgencyLow      Urgency = "low"
	UrgencyNormal   Urgency = "normal"
	UrgencyHigh     Urgency = "high"
	UrgencyCritical Urgency = "critical"
)

// IsValid checks if the urgency is valid
func (u Urgency) IsValid() bool {
	switch u {
	case UrgencyLow, UrgencyNormal, UrgencyHigh, UrgencyCritical:
		return true
	}
	return false
}

// ────────────────────────────────────────────────────────────
// Filtering enums
// ────────────────────────────────────────────────────────────

// RuleVerdict is the ternary classification of a candidate rule.
type RuleVerdict string

const (
	VerdictApplies    RuleVerdict = "APPLIES"
	VerdictNotRelated RuleVerdict = "NOT_RELATED"
	VerdictUnsure     RuleVerdict = "UNSURE"
)

// IsValid checks if the rule verdict is valid
func (v RuleVerdict) IsValid() bool {
	switch v {
	case VerdictApplies, VerdictNotRelated, VerdictUnsure:
		return true
	}
	return false
}

// UnsurePolicy decides what happens to UNSURE-classified rules.
type UnsurePolicy string

const (
	UnsurePolicyExclude UnsurePolicy = "exclude"
	UnsurePolicyInclude UnsurePolicy = "include"
	UnsurePolicyLogOnly UnsurePolicy = "log_only"
)

// IsValid checks if the unsure policy is valid
func (p UnsurePolicy) IsValid() bool {
	switch p {
	case UnsurePolicyExclude, UnsurePolicyInclude, UnsurePolicyLogOnly:
		return true
	}
	return false
}

// ────────────────────────────────────────────────────────────
// Retrieval enums
// ────────────────────────────────────────────────────────────

// SelectionStrategy picks the cut-off over a sorted score list.
type SelectionStrategy string

const (
	StrategyFixedK     SelectionStrategy = "fixed_k"
	StrategyElbow      SelectionStrategy = "elbow"
	StrategyAdaptiveK  SelectionStrategy = "adaptive_k"
	StrategyEntropy    SelectionStrategy = "entropy"
	StrategyClustering SelectionStrategy = "clustering"
)

// IsValid checks if the selection strategy is valid
func (s SelectionStrategy) IsValid() bool {
	switch s {
	case StrategyFixedK, StrategyElbow, StrategyAdaptiveK, StrategyEntropy, StrategyClustering:
		return true
	}
	return false
}

// NormalizationMethod maps raw score lists onto [0, 1].
type NormalizationMethod string

const (
	NormalizeMinMax  NormalizationMethod = "min_max"
	NormalizeZScore  NormalizationMethod = "z_score"
	NormalizeSoftmax NormalizationMethod = "softmax"
)

// IsValid checks if the normalization method is valid
func (m NormalizationMethod) IsValid() bool {
	switch m {
	case NormalizeMinMax, NormalizeZScore, NormalizeSoftmax:
		return true
	}
	return false
}

// ────────────────────────────────────────────────────────────
// Migration enums
// ────────────────────────────────────────────────────────────

// MigrationScenario classifies how a session can cross an anchor.
type MigrationScenario string

const (
	// MigrationCleanGraft teleports without further interaction.
	MigrationCleanGraft MigrationScenario = "CLEAN_GRAFT"
	// MigrationGapFill must collect data the new flow expects first.
	MigrationGapFill MigrationScenario = "GAP_FILL"
	// MigrationReRoute must resolve a new upstream fork first.
	MigrationReRoute MigrationScenario = "RE_ROUTE"
)

// IsValid checks if the migration scenario is valid
func (m MigrationScenario) IsValid() bool {
	switch m {
	case MigrationCleanGraft, MigrationGapFill, MigrationReRoute:
		return true
	}
	return false
}

// PlanStatus is the lifecycle status of a migration plan.
type PlanStatus string

const (
	PlanStatusPending  PlanStatus = "PENDING"
	PlanStatusApproved PlanStatus = "APPROVED"
	PlanStatusDeployed PlanStatus = "DEPLOYED"
	PlanStatusRejected PlanStatus = "REJECTED"
)

// IsValid checks if the plan status is valid
func (s PlanStatus) IsValid() bool {
	switch s {
	case PlanStatusPending, PlanStatusApproved, PlanStatusDeployed, PlanStatusRejected:
		return true
	}
	return false
}

// ReconciliationAction is the JIT migration decision for one turn.
type ReconciliationAction string

const (
	ReconcileTeleport   ReconciliationAction = "TELEPORT"
	ReconcileCollect    ReconciliationAction = "COLLECT"
	ReconcileReRoute    ReconciliationAction = "RE_ROUTE"
	ReconcileRelocalize ReconciliationAction = "RELOCALIZE"
	ReconcileEscalate   ReconciliationAction = "ESCALATE"
)

// IsValid checks if the reconciliation action is valid
func (a ReconciliationAction) IsValid() bool {
	switch a {
	case ReconcileTeleport, ReconcileCollect, ReconcileReRoute, ReconcileRelocalize, ReconcileEscalate:
		return true
	}
	return false
}

// ────────────────────────────────────────────────────────────
// Response and outcome enums
// ────────────────────────────────────────────────────────────

// ResponseType is the planner's classification of the turn's reply.
type ResponseType string

const (
	ResponseAsk      ResponseType = "ASK"
	ResponseAnswer   ResponseType = "ANSWER"
	ResponseAct      ResponseType = "ACT"
	ResponseEscalate ResponseType = "ESCALATE"
	ResponseCollect  ResponseType = "COLLECT"
	ResponseReroute  ResponseType = "REROUTE"
)

// IsValid checks if the response type is valid
func (t ResponseType) IsValid() bool {
	switch t {
	case ResponseAsk, ResponseAnswer, ResponseAct, ResponseEscalate, ResponseCollect, ResponseReroute:
		return true
	}
	return false
}

// ResponseCategory annotates a turn with special handling markers.
type ResponseCategory string

const (
	CategoryPolicyRestriction ResponseCategory = "POLICY_RESTRICTION"
	CategorySystemError       ResponseCategory = "SYSTEM_ERROR"
	CategoryAwaitingUserInput ResponseCategory = "AWAITING_USER_INPUT"
)

// IsValid checks if the response category is valid
func (c ResponseCategory) IsValid() bool {
	switch c {
	case CategoryPolicyRestriction, CategorySystemError, CategoryAwaitingUserInput:
		return true
	}
	return false
}

// TurnResolution summarises how the turn ended.
type TurnResolution string

const (
	ResolutionAnswered   TurnResolution = "ANSWERED"
	ResolutionPartial    TurnResolution = "PARTIAL"
	ResolutionBlocked    TurnResolution = "BLOCKED"
	ResolutionRedirected TurnResolution = "REDIRECTED"
	ResolutionError      TurnResolution = "ERROR"
)

// IsValid checks if the turn resolution is valid
func (r TurnResolution) IsValid() bool {
	switch r {
	case ResolutionAnswered, ResolutionPartial, ResolutionBlocked, ResolutionRedirected, ResolutionError:
		return true
	}
	return false
}

// ────────────────────────────────────────────────────────────
// Publish job enums
// ────────────────────────────────────────────────────────────

// PublishStage names one stage of the five-stage publish job.
type PublishStage string

const (
	PublishStageValidate        PublishStage = "validate"
	PublishStageCompile         PublishStage = "compile"
	PublishStageWriteBundles    PublishStage = "write_bundles"
	PublishStageSwapPointer     PublishStage = "swap_pointer"
	PublishStageInvalidateCache PublishStage = "invalidate_cache"
)

// PublishStages lists the stages in execution order.
func PublishStages() []PublishStage {
	return []PublishStage{
		PublishStageValidate,
		PublishStageCompile,
		PublishStageWriteBundles,
		PublishStageSwapPointer,
		PublishStageInvalidateCache,
	}
}

// PublishStatus is the lifecycle status of a publish job.
type PublishStatus string

const (
	PublishStatusPending   PublishStatus = "pending"
	PublishStatusRunning   PublishStatus = "running"
	PublishStatusCompleted PublishStatus = "completed"
	PublishStatusFailed    PublishStatus = "failed"
)

// IsValid checks if the publish status is valid
func (s PublishStatus) IsValid() bool {
	switch s {
	case PublishStatusPending, PublishStatusRunning, PublishStatusCompleted, PublishStatusFailed:
		return true
	}
	return false
}
