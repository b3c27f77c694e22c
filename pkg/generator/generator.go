// Package generator turns a response plan into the final natural-language
// response via one bounded LLM call, or renders a STRICT template without
// calling the model at all.
package generator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/codeready-toolchain/tiller/pkg/llm"
	"github.com/codeready-toolchain/tiller/pkg/models"
	"github.com/codeready-toolchain/tiller/pkg/prompt"
	"github.com/codeready-toolchain/tiller/pkg/store"
)

// Config tunes the generation call.
type Config struct {
	Model       string
	Temperature float64
	MaxTokens   int
	// HistoryWindow bounds how many prior turns enter the prompt.
	HistoryWindow int
}

// DefaultConfig returns the generation defaults.
func DefaultConfig() Config {
	return Config{Model: "default", Temperature: 0.7, MaxTokens: 1024, HistoryWindow: 6}
}

// Input is everything the generator reads for one turn.
type Input struct {
	TenantID     string
	SystemPrompt string
	Plan         *models.ResponsePlan
	Snapshot     *models.SituationSnapshot
	History      []models.ConversationTurn
	// AppliedRules are every matched rule this turn; their action texts
	// steer the generation.
	AppliedRules []models.MatchedRule
	ToolResults  []models.ToolResult
	// Variables substitute into template placeholders.
	Variables map[string]models.TypedValue
	// CollectDisplayNames maps field names to user-facing labels.
	CollectDisplayNames map[string]string
}

// Generator produces responses.
type Generator struct {
	client llm.Client
	config store.AgentConfigStore
	cfg    Config
	logger *slog.Logger
}

// New wires a generator.
func New(client llm.Client, config store.AgentConfigStore, cfg Config, logger *slog.Logger) *Generator {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.HistoryWindow <= 0 {
		cfg.HistoryWindow = 6
	}
	return &Generator{client: client, config: config, cfg: cfg, logger: logger.With("component", "generator")}
}

// structuredEnvelope is the optional JSON shape the model may answer
// with; plain text is equally accepted.
type structuredEnvelope struct {
	Response   string   `json:"response"`
	Categories []string `json:"categories"`
}

// Generate produces the turn's response. A forced STRICT template
// short-circuits the model call entirely.
func (g *Generator) Generate(ctx context.Context, in Input) (*models.GenerationResult, error) {
	return g.generate(ctx, in, nil)
}

// GenerateStream is Generate with token fan-out. Template renders emit
// the whole text as one token.
func (g *Generator) GenerateStream(ctx context.Context, in Input, fn llm.StreamFunc) (*models.GenerationResult, error) {
	return g.generate(ctx, in, fn)
}

func (g *Generator) generate(ctx context.Context, in Input, fn llm.StreamFunc) (*models.GenerationResult, error) {
	if in.Plan != nil && in.Plan.ForcedTemplate != nil {
		return g.renderTemplate(ctx, in, *in.Plan.ForcedTemplate, fn)
	}

	rendered, err := g.renderPrompt(in)
	if err != nil {
		return nil, fmt.Errorf("rendering generation prompt: %w", err)
	}
	req := llm.Request{
		Model:       g.cfg.Model,
		Temperature: g.cfg.Temperature,
		MaxTokens:   g.cfg.MaxTokens,
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: rendered},
			{Role: llm.RoleUser, Content: in.Snapshot.Message},
		},
	}
	var resp *llm.Response
	if fn != nil {
		resp, err = g.client.Stream(ctx, req, fn)
	} else {
		resp, err = g.client.Complete(ctx, req)
	}
	if err != nil {
		return nil, fmt.Errorf("generation LLM call: %w", err)
	}
	return g.parse(resp), nil
}

// RenderFallback renders the given template without any model call; the
// enforcer uses this for the hard-constraint fallback path.
func (g *Generator) RenderFallback(ctx context.Context, in Input, templateID string) (*models.GenerationResult, error) {
	return g.renderTemplate(ctx, in, templateID, nil)
}

func (g *Generator) renderTemplate(ctx context.Context, in Input, templateID string, fn llm.StreamFunc) (*models.GenerationResult, error) {
	t, err := g.config.GetTemplate(ctx, in.TenantID, templateID)
	if err != nil {
		return nil, fmt.Errorf("loading template %s: %w", templateID, err)
	}
	text := substitute(t.Content, in.Variables)
	if fn != nil {
		if err := fn(text); err != nil {
			return nil, err
		}
	}
	id := t.ID
	return &models.GenerationResult{Text: text, UsedTemplateID: &id}, nil
}

// substitute replaces {{name}} placeholders with formatted variable
// values. Unknown placeholders render empty, matching template modes
// where missing context should not leak placeholder syntax to users.
func substitute(content string, vars map[string]models.TypedValue) string {
	var b strings.Builder
	for {
		open := strings.Index(content, "{{")
		if open < 0 {
			b.WriteString(content)
			break
		}
		close := strings.Index(content[open:], "}}")
		if close < 0 {
			b.WriteString(content)
			break
		}
		b.WriteString(content[:open])
		name := strings.TrimSpace(content[open+2 : open+close])
		if v, ok := vars[name]; ok {
			b.WriteString(v.Format())
		}
		content = content[open+close+2:]
	}
	return b.String()
}

func (g *Generator) renderPrompt(in Input) (string, error) {
	history := in.History
	if len(history) > g.cfg.HistoryWindow {
		history = history[len(history)-g.cfg.HistoryWindow:]
	}
	historyData := make([]prompt.Data, 0, len(history))
	for _, turn := range history {
		historyData = append(historyData, prompt.Data{"role": turn.Role, "content": turn.Content})
	}

	ruleData := make([]prompt.Data, 0, len(in.AppliedRules))
	for _, m := range in.AppliedRules {
		if m.Rule == nil {
			continue
		}
		ruleData = append(ruleData, prompt.Data{"action": m.Rule.ActionText})
	}
	var contribData []prompt.Data
	var collectData []prompt.Data
	if in.Plan != nil {
		for _, c := range in.Plan.Contributions {
			contribData = append(contribData, prompt.Data{
				"scenario":     c.ScenarioName,
				"step":         c.CurrentStepName,
				"instructions": c.StepInstructions,
			})
		}
		for _, mf := range in.Plan.CollectFields {
			display := mf.DisplayName
			if display == "" {
				display = in.CollectDisplayNames[mf.FieldName]
			}
			if display == "" {
				display = mf.FieldName
			}
			collectData = append(collectData, prompt.Data{"display_name": display})
		}
	}

	toolData := make([]prompt.Data, 0, len(in.ToolResults))
	for _, tr := range in.ToolResults {
		if tr.Error != nil {
			continue
		}
		out, err := json.Marshal(tr.Output)
		if err != nil {
			continue
		}
		toolData = append(toolData, prompt.Data{"tool": tr.ToolID, "output": string(out)})
	}

	language := "en"
	if in.Snapshot != nil && in.Snapshot.Language != "" {
		language = in.Snapshot.Language
	}
	return prompt.Generator.Render(prompt.Data{
		"system_prompt": in.SystemPrompt,
		"rules":         ruleData,
		"contributions": contribData,
		"tool_results":  toolData,
		"collect":       collectData,
		"history":       historyData,
		"language":      language,
	})
}

// parse accepts either plain text or the structured envelope.
func (g *Generator) parse(resp *llm.Response) *models.GenerationResult {
	result := &models.GenerationResult{
		Text:             strings.TrimSpace(resp.Content),
		Model:            resp.Model,
		PromptTokens:     resp.PromptTokens,
		CompletionTokens: resp.CompletionTokens,
	}
	var env structuredEnvelope
	if err := llm.DecodeInto(resp.Content, &env); err == nil && env.Response != "" {
		result.Text = env.Response
		for _, c := range env.Categories {
			cat := models.ResponseCategory(c)
			if cat.IsValid() {
				result.Categories = append(result.Categories, cat)
			} else {
				g.logger.Warn("generator emitted unknown category, dropping", "category", c)
			}
		}
	}
	return result
}
