package llm

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetryClient_SucceedsAfterTransientFailure(t *testing.T) {
	scripted := NewScriptedClient()
	scripted.Enqueue(ScriptedResponse{Err: errors.New("boom")})
	scripted.Enqueue(ScriptedResponse{Content: "recovered"})

	client := WithRetry(scripted, RetryConfig{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}, nil)
	resp, err := client.Complete(context.Background(), Request{Model: "test"})
	require.NoError(t, err)
	assert.Equal(t, "recovered", resp.Content)
	assert.Equal(t, 2, scripted.CallCount())
}

func TestRetryClient_ExhaustsAttempts(t *testing.T) {
	scripted := &ScriptedClient{Handler: func(Request) (*Response, error) {
		return nil, errors.New("persistent failure")
	}}
	client := WithRetry(scripted, RetryConfig{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}, nil)

	_, err := client.Complete(context.Background(), Request{})
	require.Error(t, err)
	assert.Equal(t, 3, scripted.CallCount())
}

func TestRetryClient_CancelledContextStopsRetries(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	scripted := &ScriptedClient{Handler: func(Request) (*Response, error) {
		cancel()
		return nil, errors.New("failure")
	}}
	client := WithRetry(scripted, DefaultRetryConfig(), nil)

	_, err := client.Complete(ctx, Request{})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, scripted.CallCount())
}

func TestBreakerClient_OpensAfterFailures(t *testing.T) {
	scripted := &ScriptedClient{Handler: func(Request) (*Response, error) {
		return nil, errors.New("provider down")
	}}
	cfg := DefaultBreakerConfig("test")
	cfg.MinRequests = 2
	client := WithBreaker(scripted, cfg)

	for i := 0; i < 3; i++ {
		_, _ = client.Complete(context.Background(), Request{})
	}
	_, err := client.Complete(context.Background(), Request{})
	assert.ErrorIs(t, err, ErrUnavailable)
}
