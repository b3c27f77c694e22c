package llm

import (
	"context"
	"strings"
	"sync"
)

// ScriptedClient replays canned responses in order, or routes to a
// handler when one is set. Pipeline tests script each phase's LLM
// answer with it.
type ScriptedClient struct {
	mu        sync.Mutex
	responses []ScriptedResponse
	// Handler, when set, overrides the queue and picks the response
	// from the request content.
	Handler func(req Request) (*Response, error)
	// Requests records every call for assertions.
	Requests []Request
}

// ScriptedResponse is one queued reply.
type ScriptedResponse struct {
	Content string
	Err     error
}

// NewScriptedClient queues the given response contents.
func NewScriptedClient(contents ...string) *ScriptedClient {
	c := &ScriptedClient{}
	for _, content := range contents {
		c.responses = append(c.responses, ScriptedResponse{Content: content})
	}
	return c
}

// Enqueue appends a response to the script.
func (c *ScriptedClient) Enqueue(r ScriptedResponse) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.responses = append(c.responses, r)
}

// CallCount reports how many calls the client served.
func (c *ScriptedClient) CallCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.Requests)
}

func (c *ScriptedClient) next(req Request) (*Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Requests = append(c.Requests, req)
	if c.Handler != nil {
		return c.Handler(req)
	}
	if len(c.responses) == 0 {
		return &Response{Content: "OK", Model: req.Model}, nil
	}
	r := c.responses[0]
	c.responses = c.responses[1:]
	if r.Err != nil {
		return nil, r.Err
	}
	return &Response{Content: r.Content, Model: req.Model}, nil
}

func (c *ScriptedClient) Complete(ctx context.Context, req Request) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return c.next(req)
}

func (c *ScriptedClient) Stream(ctx context.Context, req Request, fn StreamFunc) (*Response, error) {
	resp, err := c.next(req)
	if err != nil {
		return nil, err
	}
	for _, word := range strings.SplitAfter(resp.Content, " ") {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := fn(word); err != nil {
			return nil, err
		}
	}
	return resp, nil
}

var _ Client = (*ScriptedClient)(nil)
