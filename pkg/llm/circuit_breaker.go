package llm

import (
	"context"
	"time"

	"github.com/harunnryd/voicerelay/pkg/resilience"
)

// GuardedCompleter wraps a Completer with rate-limit circuit breaking and a
// per-call timeout. The breaker is shared by every session of a server.
type GuardedCompleter struct {
	inner   Completer
	breaker *resilience.CircuitBreaker
	timeout time.Duration
}

func NewGuardedCompleter(inner Completer, breaker *resilience.CircuitBreaker, timeout time.Duration) *GuardedCompleter {
	if breaker == nil {
		breaker = resilience.NewCircuitBreaker(3, 30*time.Second)
	}
	return &GuardedCompleter{inner: inner, breaker: breaker, timeout: timeout}
}

func (g *GuardedCompleter) Name() string { return g.inner.Name() }

func (g *GuardedCompleter) Complete(ctx context.Context, req Request) (string, error) {
	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}
	var text string
	err := g.breaker.Call(func() error {
		var err error
		text, err = g.inner.Complete(ctx, req)
		return err
	})
	return text, err
}
