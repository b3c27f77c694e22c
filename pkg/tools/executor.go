// Package tools resolves tool bindings during a turn. The actual tool
// transport (HTTP, queue, function registry) is injected; this package
// owns argument validation against the activation's JSON Schema and the
// per-phase execution loop with failure accounting.
package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/codeready-toolchain/tiller/pkg/models"
	"github.com/codeready-toolchain/tiller/pkg/store"
)

// Executor runs one tool invocation. Implementations are injected by the
// host; the engine ships only the stub below.
type Executor interface {
	Execute(ctx context.Context, tenantID, toolID string, args map[string]any) (map[string]any, error)
}

// Runner validates and executes the bindings of one phase.
type Runner struct {
	config   store.AgentConfigStore
	executor Executor
	logger   *slog.Logger
	// Timeout bounds each individual tool call.
	Timeout time.Duration
}

// NewRunner wires a runner. A nil executor makes every call fail with a
// recorded error rather than panicking.
func NewRunner(config store.AgentConfigStore, executor Executor, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{config: config, executor: executor, logger: logger.With("component", "tools"), Timeout: 10 * time.Second}
}

// Run executes every binding matching the phase, in order. Failures are
// recorded on the result and do not stop later bindings; only context
// cancellation aborts the loop.
func (r *Runner) Run(ctx context.Context, tenantID string, bindings []models.ToolBinding, phase models.ToolPhase) ([]models.ToolResult, error) {
	var results []models.ToolResult
	for _, b := range bindings {
		if b.Phase != phase {
			continue
		}
		if ctx.Err() != nil {
			return results, ctx.Err()
		}
		results = append(results, r.runOne(ctx, tenantID, b))
	}
	return results, nil
}

func (r *Runner) runOne(ctx context.Context, tenantID string, b models.ToolBinding) models.ToolResult {
	start := time.Now()
	result := models.ToolResult{ToolID: b.ToolID, Phase: b.Phase}
	fail := func(err error) models.ToolResult {
		msg := err.Error()
		result.Error = &msg
		result.DurationMs = time.Since(start).Milliseconds()
		r.logger.Warn("tool execution failed", "tool_id", b.ToolID, "phase", b.Phase, "error", err)
		return result
	}

	if r.executor == nil {
		return fail(fmt.Errorf("no tool executor configured"))
	}
	if err := r.validateArgs(ctx, tenantID, b); err != nil {
		return fail(err)
	}

	callCtx := ctx
	if r.Timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}
	out, err := r.executor.Execute(callCtx, tenantID, b.ToolID, b.Arguments)
	if err != nil {
		return fail(err)
	}
	result.Output = out
	result.DurationMs = time.Since(start).Milliseconds()
	return result
}

// validateArgs checks the binding's arguments against the activation's
// input schema. Activations without a schema, or unknown tool ids,
// validate trivially: the executor owns that failure.
func (r *Runner) validateArgs(ctx context.Context, tenantID string, b models.ToolBinding) error {
	activation, err := r.config.GetToolActivation(ctx, tenantID, b.ToolID)
	if err != nil {
		return nil
	}
	if !activation.Enabled {
		return fmt.Errorf("tool %s is disabled", activation.Name)
	}
	if len(activation.InputSchema) == 0 {
		return nil
	}
	schemaDoc, err := jsonschema.UnmarshalJSON(bytes.NewReader(activation.InputSchema))
	if err != nil {
		return fmt.Errorf("tool %s input schema does not parse: %w", activation.Name, err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("schema.json", schemaDoc); err != nil {
		return fmt.Errorf("loading tool %s input schema: %w", activation.Name, err)
	}
	schema, err := compiler.Compile("schema.json")
	if err != nil {
		return fmt.Errorf("compiling tool %s input schema: %w", activation.Name, err)
	}
	// Round-trip through JSON so numbers validate as json.Number-free
	// plain values the validator understands.
	raw, err := json.Marshal(b.Arguments)
	if err != nil {
		return fmt.Errorf("marshalling arguments: %w", err)
	}
	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("decoding arguments: %w", err)
	}
	if err := schema.Validate(instance); err != nil {
		return fmt.Errorf("arguments for %s rejected: %w", activation.Name, err)
	}
	return nil
}

// ResultMap keys results by tool id for prompt assembly.
func ResultMap(results []models.ToolResult) map[string]models.ToolResult {
	out := make(map[string]models.ToolResult, len(results))
	for _, r := range results {
		out[r.ToolID] = r
	}
	return out
}

// FailedFor reports whether any result for one of the tool ids failed.
func FailedFor(results []models.ToolResult, toolIDs map[string]bool) bool {
	for _, r := range results {
		if r.Error != nil && toolIDs[r.ToolID] {
			return true
		}
	}
	return false
}
