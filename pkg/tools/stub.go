package tools

import (
	"context"
	"fmt"
	"sync"
)

// StubExecutor is a scriptable in-process executor for tests and
// single-node demos. Handlers are registered per tool id.
type StubExecutor struct {
	mu       sync.Mutex
	handlers map[string]func(args map[string]any) (map[string]any, error)
	calls    []string
}

// NewStubExecutor returns an empty stub.
func NewStubExecutor() *StubExecutor {
	return &StubExecutor{handlers: make(map[string]func(args map[string]any) (map[string]any, error))}
}

// Register installs a handler for the tool id.
func (s *StubExecutor) Register(toolID string, fn func(args map[string]any) (map[string]any, error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[toolID] = fn
}

// Calls returns the tool ids executed so far, in order.
func (s *StubExecutor) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

// Execute dispatches to the registered handler.
func (s *StubExecutor) Execute(ctx context.Context, _ string, toolID string, args map[string]any) (map[string]any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	fn, ok := s.handlers[toolID]
	s.calls = append(s.calls, toolID)
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("unknown tool %q", toolID)
	}
	return fn(args)
}
