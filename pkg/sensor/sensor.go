// Package sensor implements the situation sensor: one structured LLM
// call that reads a user message into a SituationSnapshot. It is the
// only phase that sees raw conversation text together with the customer
// schema mask; values never cross the boundary.
package sensor

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/codeready-toolchain/tiller/pkg/llm"
	"github.com/codeready-toolchain/tiller/pkg/masking"
	"github.com/codeready-toolchain/tiller/pkg/models"
	"github.com/codeready-toolchain/tiller/pkg/prompt"
	"github.com/codeready-toolchain/tiller/pkg/vector"
)

// Config tunes the sensor's LLM call.
type Config struct {
	Model     string
	MaxTokens int
	// HistoryWindow bounds how many prior turns enter the prompt.
	HistoryWindow int
}

// DefaultConfig returns the sensor defaults.
func DefaultConfig() Config {
	return Config{Model: "default", MaxTokens: 1024, HistoryWindow: 6}
}

// Input is everything the sensor reads for one turn.
type Input struct {
	Message        string
	History        []models.ConversationTurn
	SchemaMask     masking.SchemaMask
	Glossary       []*models.GlossaryItem
	PreviousIntent string
}

// Sensor produces a SituationSnapshot per turn.
type Sensor struct {
	client   llm.Client
	embedder vector.Embedder
	cfg      Config
	logger   *slog.Logger
}

// New wires a sensor. The client should already carry retry middleware;
// on terminal failure the sensor degrades instead of failing the turn.
func New(client llm.Client, embedder vector.Embedder, cfg Config, logger *slog.Logger) *Sensor {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.HistoryWindow <= 0 {
		cfg.HistoryWindow = 6
	}
	return &Sensor{client: client, embedder: embedder, cfg: cfg, logger: logger.With("component", "sensor")}
}

// rawSnapshot is the LLM's answer before enum validation.
type rawSnapshot struct {
	Language         string   `json:"language"`
	IntentChanged    bool     `json:"intent_changed"`
	NewIntentLabel   *string  `json:"new_intent_label"`
	NewIntentText    *string  `json:"new_intent_text"`
	Topic            *string  `json:"topic"`
	TopicChanged     bool     `json:"topic_changed"`
	Tone             string   `json:"tone"`
	Sentiment        string   `json:"sentiment"`
	FrustrationLevel *string  `json:"frustration_level"`
	Urgency          string   `json:"urgency"`
	ScenarioSignal   string   `json:"scenario_signal"`
	SituationFacts   []string `json:"situation_facts"`
	CandidateVars    map[string]struct {
		Value    any    `json:"value"`
		Scope    string `json:"scope"`
		IsUpdate bool   `json:"is_update"`
	} `json:"candidate_variables"`
}

// Sense analyses one message. LLM failure (after the client's own
// retries) yields a degraded snapshot, never an error; only context
// cancellation propagates.
func (s *Sensor) Sense(ctx context.Context, in Input) (*models.SituationSnapshot, error) {
	snap, err := s.sense(ctx, in)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		s.logger.Warn("sensor degraded", "error", err)
		snap = models.DegradedSnapshot(in.Message)
	}
	if s.embedder != nil {
		vecs, embErr := s.embedder.Embed(ctx, []string{in.Message})
		if embErr != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			s.logger.Warn("message embedding failed", "error", embErr)
		} else {
			snap.Embedding = vecs[0]
		}
	}
	return snap, nil
}

func (s *Sensor) sense(ctx context.Context, in Input) (*models.SituationSnapshot, error) {
	rendered, err := s.renderPrompt(in)
	if err != nil {
		return nil, fmt.Errorf("rendering sensor prompt: %w", err)
	}
	resp, err := s.client.Complete(ctx, llm.Request{
		Model:       s.cfg.Model,
		Temperature: 0,
		MaxTokens:   s.cfg.MaxTokens,
		Messages:    []llm.Message{{Role: llm.RoleUser, Content: rendered}},
	})
	if err != nil {
		return nil, fmt.Errorf("sensor LLM call: %w", err)
	}
	var raw rawSnapshot
	if err := llm.DecodeInto(resp.Content, &raw); err != nil {
		return nil, fmt.Errorf("parsing sensor response: %w", err)
	}
	return s.validate(in, &raw), nil
}

func (s *Sensor) renderPrompt(in Input) (string, error) {
	history := in.History
	if len(history) > s.cfg.HistoryWindow {
		history = history[len(history)-s.cfg.HistoryWindow:]
	}
	historyData := make([]prompt.Data, 0, len(history))
	for _, turn := range history {
		historyData = append(historyData, prompt.Data{"role": turn.Role, "content": turn.Content})
	}
	maskData := make([]prompt.Data, 0, len(in.SchemaMask))
	for _, e := range in.SchemaMask {
		maskData = append(maskData, prompt.Data{
			"name":       e.Name,
			"field_type": string(e.Type),
			"scope":      e.Scope,
			"exists":     strconv.FormatBool(e.Exists),
		})
	}
	glossaryData := make([]prompt.Data, 0, len(in.Glossary))
	for _, g := range in.Glossary {
		glossaryData = append(glossaryData, prompt.Data{"term": g.Term, "definition": g.Definition})
	}
	return prompt.Sensor.Render(prompt.Data{
		"message":         in.Message,
		"previous_intent": in.PreviousIntent,
		"history":         historyData,
		"schema_mask":     maskData,
		"glossary":        glossaryData,
	})
}

// validate maps the raw answer into the snapshot, replacing invalid
// enum values with defaults and warning once per field.
func (s *Sensor) validate(in Input, raw *rawSnapshot) *models.SituationSnapshot {
	snap := &models.SituationSnapshot{
		Message:             in.Message,
		PreviousIntentLabel: in.PreviousIntent,
		Language:            validLanguage(raw.Language),
		IntentChanged:       raw.IntentChanged,
		NewIntentLabel:      raw.NewIntentLabel,
		NewIntentText:       raw.NewIntentText,
		Topic:               raw.Topic,
		TopicChanged:        raw.TopicChanged,
		Tone:                raw.Tone,
		SituationFacts:      raw.SituationFacts,
	}

	snap.Sentiment = models.Sentiment(raw.Sentiment)
	if !snap.Sentiment.IsValid() {
		s.logger.Warn("invalid sentiment from sensor, defaulting", "value", raw.Sentiment)
		snap.Sentiment = models.SentimentNeutral
	}
	snap.Urgency = models.Urgency(raw.Urgency)
	if !snap.Urgency.IsValid() {
		s.logger.Warn("invalid urgency from sensor, defaulting", "value", raw.Urgency)
		snap.Urgency = models.UrgencyNormal
	}
	snap.ScenarioSignal = models.ScenarioSignal(raw.ScenarioSignal)
	if !snap.ScenarioSignal.IsValid() {
		s.logger.Warn("invalid scenario signal from sensor, defaulting", "value", raw.ScenarioSignal)
		snap.ScenarioSignal = models.ScenarioSignalUnknown
	}
	if raw.FrustrationLevel != nil {
		fl := models.FrustrationLevel(*raw.FrustrationLevel)
		if fl.IsValid() {
			snap.FrustrationLevel = &fl
		} else {
			s.logger.Warn("invalid frustration level from sensor, dropping", "value", *raw.FrustrationLevel)
		}
	}

	// Candidate variables only for fields the schema mask defines; the
	// model inventing field names must not reach the customer store.
	if len(raw.CandidateVars) > 0 {
		snap.CandidateVariables = make(map[string]models.CandidateVariable)
		for name, cv := range raw.CandidateVars {
			if !in.SchemaMask.Has(name) {
				s.logger.Warn("sensor proposed undefined field, dropping", "field", name)
				continue
			}
			snap.CandidateVariables[name] = models.CandidateVariable{Value: cv.Value, Scope: cv.Scope, IsUpdate: cv.IsUpdate}
		}
	}
	return snap
}

// validLanguage accepts exactly two ascii letters, lowercased. Anything
// else falls back to "en".
func validLanguage(lang string) string {
	lang = strings.TrimSpace(lang)
	if len(lang) != 2 {
		return "en"
	}
	lower := strings.ToLower(lang)
	for _, c := range lower {
		if c < 'a' || c > 'z' {
			return "en"
		}
	}
	return lower
}
