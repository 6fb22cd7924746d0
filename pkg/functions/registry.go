// Package functions executes tool calls requested by a voice agent.
package functions

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
)

// Definition describes a function to the agent vendor.
type Definition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// Outcome is what a handler returns. InjectMessage and CloseSession are
// side effects the session applies after the result is delivered.
type Outcome struct {
	Result        any
	InjectMessage string
	CloseSession  bool
}

type Handler func(ctx context.Context, args json.RawMessage) (Outcome, error)

// Registry maps function names to handlers. It is built per server and
// handed to each session.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]entry
	order    []string
}

type entry struct {
	def     Definition
	handler Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]entry)}
}

// Register adds or replaces a function.
func (r *Registry) Register(def Definition, handler Handler) error {
	name := strings.TrimSpace(def.Name)
	if name == "" {
		return fmt.Errorf("function name is required")
	}
	if handler == nil {
		return fmt.Errorf("function %s: handler is required", name)
	}
	def.Name = name
	if def.Parameters == nil {
		def.Parameters = map[string]any{"type": "object", "properties": map[string]any{}}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[name]; !exists {
		r.order = append(r.order, name)
	}
	r.handlers[name] = entry{def: def, handler: handler}
	return nil
}

func (r *Registry) Lookup(name string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.handlers[name]
	return e.handler, ok
}

// Definitions returns registered functions in registration order.
func (r *Registry) Definitions() []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Definition, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.handlers[name].def)
	}
	return out
}
