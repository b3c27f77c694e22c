package services

import (
	"context"
	"log/slog"

	"github.com/codeready-toolchain/tiller/pkg/llm"
	"github.com/codeready-toolchain/tiller/pkg/models"
	"github.com/codeready-toolchain/tiller/pkg/pipeline"
)

// TurnService fronts the alignment pipeline. It owns request-shape
// validation and error classification; everything conversational
// happens inside the engine.
type TurnService struct {
	engine *pipeline.Engine
	logger *slog.Logger
}

// NewTurnService creates a new TurnService.
func NewTurnService(engine *pipeline.Engine, logger *slog.Logger) *TurnService {
	if logger == nil {
		logger = slog.Default()
	}
	return &TurnService{engine: engine, logger: logger.With("component", "turn_service")}
}

// ProcessTurn runs one full turn and returns the aligned response.
func (s *TurnService) ProcessTurn(ctx context.Context, req *models.TurnRequest) (*models.AlignmentResult, error) {
	if err := wrapValidationErr(req.Validate()); err != nil {
		return nil, err
	}
	result, err := s.engine.ProcessTurn(ctx, req)
	if err != nil {
		return nil, wrapTurnErr(err, req.SessionID != nil)
	}
	return result, nil
}

// ProcessTurnStream runs one full turn, delivering generated tokens to
// fn as they arrive. The returned result carries the assembled
// response after enforcement, which may differ from the streamed text
// when a hard constraint forced a rewrite.
func (s *TurnService) ProcessTurnStream(ctx context.Context, req *models.TurnRequest, fn llm.StreamFunc) (*models.AlignmentResult, error) {
	if err := wrapValidationErr(req.Validate()); err != nil {
		return nil, err
	}
	if fn == nil {
		return nil, NewError(CodeInvalidRequest, "stream callback is required")
	}
	result, err := s.engine.ProcessTurnStream(ctx, req, fn)
	if err != nil {
		return nil, wrapTurnErr(err, req.SessionID != nil)
	}
	return result, nil
}
