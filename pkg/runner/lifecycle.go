package runner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

var ErrInvalidState = errors.New("invalid state transition")

// LifecycleRunner starts a Service, waits until the context is cancelled
// or the service finishes by itself, then stops it within the drain
// timeout.
type LifecycleRunner struct {
	state    int32
	ctx      context.Context
	cancel   context.CancelFunc
	onceStop sync.Once
	hooks    Hooks
	service  Service
	stopErr  error
	timeout  time.Duration
	quiet    bool
}

func NewLifecycleRunner(service Service, hooks Hooks, timeout time.Duration) *LifecycleRunner {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &LifecycleRunner{
		state:   int32(StateNew),
		ctx:     ctx,
		cancel:  cancel,
		hooks:   hooks,
		service: service,
		timeout: timeout,
	}
}

// Quiet disables the startup banner.
func (r *LifecycleRunner) Quiet() *LifecycleRunner {
	r.quiet = true
	return r
}

func (r *LifecycleRunner) Run(ctx context.Context) error {
	if !r.casState(StateNew, StateStarting) {
		return ErrInvalidState
	}
	if !r.quiet {
		PrintBanner()
	}
	if ctx != nil {
		r.ctx, r.cancel = context.WithCancel(ctx)
	}
	if r.service != nil {
		if err := r.service.Start(r.ctx); err != nil {
			r.setState(StateStopped)
			r.cancel()
			return fmt.Errorf("start: %w", err)
		}
	}
	if r.hooks.OnStart != nil {
		r.hooks.OnStart()
	}
	r.setState(StateRunning)

	var finished <-chan struct{}
	if r.service != nil {
		finished = r.service.Done()
	}
	select {
	case <-r.ctx.Done():
	case <-finished:
	}
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
		if r.service != nil {
			ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
			r.stopErr = r.service.Stop(ctx)
			if r.stopErr == nil && ctx.Err() != nil {
				r.stopErr = errors.New("drain timeout")
			}
			cancel()
		}
		if r.hooks.OnStop != nil {
			r.hooks.OnStop()
		}
		r.setState(StateStopped)
	})
	return r.stopErr
}

func (r *LifecycleRunner) casState(from, to State) bool {
	return atomic.CompareAndSwapInt32(&r.state, int32(from), int32(to))
}

func (r *LifecycleRunner) setState(s State) {
	atomic.StoreInt32(&r.state, int32(s))
}

var _ Runner = (*LifecycleRunner)(nil)
