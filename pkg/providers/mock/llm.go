// Package mock provides scripted collaborators for tests and local runs.
package mock

import (
	"context"
	"sync"

	"github.com/harunnryd/voicerelay/pkg/llm"
)

// Completer returns scripted replies in order, repeating the last one.
type Completer struct {
	mu        sync.Mutex
	responses []string
	err       error
	requests  []llm.Request
}

func NewCompleter(responses ...string) *Completer {
	if len(responses) == 0 {
		responses = []string{"mock response"}
	}
	return &Completer{responses: responses}
}

// FailWith makes every later call return err.
func (c *Completer) FailWith(err error) {
	c.mu.Lock()
	c.err = err
	c.mu.Unlock()
}

func (c *Completer) Name() string { return "mock" }

func (c *Completer) Complete(ctx context.Context, req llm.Request) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	req.Messages = append([]llm.Message(nil), req.Messages...)
	c.requests = append(c.requests, req)
	if c.err != nil {
		return "", c.err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	idx := len(c.requests) - 1
	if idx >= len(c.responses) {
		idx = len(c.responses) - 1
	}
	return c.responses[idx], nil
}

// Calls returns how many completions were requested.
func (c *Completer) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.requests)
}

func (c *Completer) Requests() []llm.Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]llm.Request(nil), c.requests...)
}
