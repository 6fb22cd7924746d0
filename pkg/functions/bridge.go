package functions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/harunnryd/voicerelay/pkg/events"
	"github.com/harunnryd/voicerelay/pkg/logging"
)

var ErrFunctionTimeout = errors.New("function call timeout")

// Result is the correlated outcome of one call.
type Result struct {
	events.FunctionCallResult
	InjectMessage string
	CloseSession  bool
}

type Bridge struct {
	registry *Registry
	timeout  time.Duration
	logger   *slog.Logger
}

// NewBridge wraps a registry. A zero timeout lets handlers run until ctx ends.
func NewBridge(registry *Registry, timeout time.Duration, logger *slog.Logger) *Bridge {
	if registry == nil {
		registry = NewRegistry()
	}
	return &Bridge{
		registry: registry,
		timeout:  timeout,
		logger:   logging.NewComponentLogger(logger, "function_bridge"),
	}
}

func (b *Bridge) Registry() *Registry { return b.registry }

// Execute runs the named function. It always returns a result carrying
// req.ID; handler errors, panics and timeouts become result errors.
func (b *Bridge) Execute(ctx context.Context, req events.FunctionCallRequest) Result {
	res := Result{FunctionCallResult: events.FunctionCallResult{ID: req.ID, Name: req.Name}}

	handler, ok := b.registry.Lookup(req.Name)
	if !ok {
		return b.fail(res, fmt.Errorf("Function '%s' not found", req.Name))
	}

	args := json.RawMessage(strings.TrimSpace(req.ArgsJSON))
	if len(args) == 0 {
		args = json.RawMessage("{}")
	}
	if !json.Valid(args) {
		return b.fail(res, fmt.Errorf("invalid arguments for %s", req.Name))
	}

	start := time.Now()
	outcome, err := b.call(ctx, handler, args)
	if err != nil {
		return b.fail(res, err)
	}

	payload, err := json.Marshal(outcome.Result)
	if err != nil {
		return b.fail(res, fmt.Errorf("encode result: %w", err))
	}
	res.ResultJSON = string(payload)
	res.InjectMessage = outcome.InjectMessage
	res.CloseSession = outcome.CloseSession
	b.logger.Debug("function_call_completed",
		slog.String("function", req.Name),
		slog.String("call_id", req.ID),
		slog.Duration("latency", time.Since(start)))
	return res
}

func (b *Bridge) call(ctx context.Context, handler Handler, args json.RawMessage) (Outcome, error) {
	if b.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.timeout)
		defer cancel()
	}
	type result struct {
		out Outcome
		err error
	}
	ch := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- result{err: fmt.Errorf("function panicked: %v", r)}
			}
		}()
		out, err := handler(ctx, args)
		ch <- result{out: out, err: err}
	}()
	select {
	case r := <-ch:
		return r.out, r.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return Outcome{}, ErrFunctionTimeout
		}
		return Outcome{}, ctx.Err()
	}
}

func (b *Bridge) fail(res Result, err error) Result {
	res.Error = err.Error()
	payload, _ := json.Marshal(map[string]string{"error": res.Error})
	res.ResultJSON = string(payload)
	b.logger.Warn("function_call_failed",
		slog.String("function", res.Name),
		slog.String("call_id", res.ID),
		slog.String("error", res.Error))
	return res
}
