package runner

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

var ErrDrainTimeout = errors.New("drain timeout")

type LifecycleRunner struct {
	state    int32
	ctx      context.Context
	cancel   context.CancelFunc
	onceStop sync.Once
	service  Service
	hooks    Hooks
	stopErr  error
	timeout  time.Duration
	banner   io.Writer
	addr     string
	logger   *slog.Logger
}

type Option func(*LifecycleRunner)

// WithBanner prints the banner to w when the service starts.
func WithBanner(w io.Writer, addr string) Option {
	return func(r *LifecycleRunner) {
		r.banner = w
		r.addr = addr
	}
}

func WithHooks(h Hooks) Option {
	return func(r *LifecycleRunner) { r.hooks = h }
}

func WithLogger(l *slog.Logger) Option {
	return func(r *LifecycleRunner) { r.logger = l }
}

func NewLifecycleRunner(service Service, timeout time.Duration, opts ...Option) *LifecycleRunner {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &LifecycleRunner{
		state:   int32(StateNew),
		ctx:     ctx,
		cancel:  cancel,
		service: service,
		timeout: timeout,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run starts the service and blocks until ctx ends or Stop is called, then
// drains it.
func (r *LifecycleRunner) Run(ctx context.Context) error {
	if !r.casState(StateNew, StateStarting) {
		return errors.New("invalid state transition")
	}
	if ctx != nil {
		r.ctx, r.cancel = context.WithCancel(ctx)
	}
	if err := r.service.Start(r.ctx); err != nil {
		r.setState(StateStopped)
		return err
	}
	PrintBanner(r.banner, r.addr)
	if r.hooks.OnStart != nil {
		r.hooks.OnStart()
	}
	r.setState(StateRunning)
	r.logger.Info("runner_started")
	<-r.ctx.Done()
	return r.stop()
}

func (r *LifecycleRunner) Stop() error {
	r.cancel()
	return r.stop()
}

func (r *LifecycleRunner) State() State {
	return State(atomic.LoadInt32(&r.state))
}

func (r *LifecycleRunner) stop() error {
	r.onceStop.Do(func() {
		r.setState(StateDraining)
		r.logger.Info("runner_draining")
		ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
		defer cancel()
		done := make(chan error, 1)
		go func() { done <- r.service.Stop(ctx) }()
		select {
		case err := <-done:
			r.stopErr = err
		case <-ctx.Done():
			r.stopErr = ErrDrainTimeout
		}
		if r.hooks.OnStop != nil {
			r.hooks.OnStop()
		}
		r.setState(StateStopped)
		r.logger.Info("runner_stopped")
	})
	return r.stopErr
}

func (r *LifecycleRunner) casState(from, to State) bool {
	return atomic.CompareAndSwapInt32(&r.state, int32(from), int32(to))
}

func (r *LifecycleRunner) setState(s State) {
	atomic.StoreInt32(&r.state, int32(s))
}
