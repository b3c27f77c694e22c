// Package llm defines the provider-agnostic LLM client contract the
// pipeline phases call through, plus retry and circuit-breaker
// middleware. Provider SDK adapters live outside this module; tests use
// the scripted client.
package llm

import (
	"context"
	"errors"
)

// Role identifies who authored a prompt message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one prompt message.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Request is a single completion call.
type Request struct {
	Model       string    `json:"model"`
	Temperature float64   `json:"temperature"`
	MaxTokens   int       `json:"max_tokens"`
	Messages    []Message `json:"messages"`
}

// Response is a completed generation.
type Response struct {
	Content          string `json:"content"`
	Model            string `json:"model,omitempty"`
	PromptTokens     int    `json:"prompt_tokens,omitempty"`
	CompletionTokens int    `json:"completion_tokens,omitempty"`
}

// StreamFunc receives generated tokens as they arrive.
type StreamFunc func(token string) error

// ErrUnavailable is returned when the provider cannot be reached or the
// circuit breaker is open.
var ErrUnavailable = errors.New("llm provider unavailable")

// Client is the completion contract. Complete blocks until the full
// response is available; Stream invokes fn per token and then returns
// the assembled response.
type Client interface {
	Complete(ctx context.Context, req Request) (*Response, error)
	Stream(ctx context.Context, req Request, fn StreamFunc) (*Response, error)
}
