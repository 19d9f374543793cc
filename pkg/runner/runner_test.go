package runner

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

type fakeService struct {
	startErr error
	done     chan struct{}
	stops    atomic.Int32
	stopWait time.Duration
}

func newFakeService() *fakeService {
	return &fakeService{done: make(chan struct{})}
}

func (f *fakeService) Start(context.Context) error { return f.startErr }

func (f *fakeService) Stop(ctx context.Context) error {
	f.stops.Add(1)
	if f.stopWait > 0 {
		select {
		case <-time.After(f.stopWait):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (f *fakeService) Done() <-chan struct{} { return f.done }

func TestRunStopsWhenContextCancelled(t *testing.T) {
	svc := newFakeService()
	var started, stopped atomic.Bool
	r := NewLifecycleRunner(svc, Hooks{
		OnStart: func() { started.Store(true) },
		OnStop:  func() { stopped.Store(true) },
	}, time.Second).Quiet()

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- r.Run(ctx) }()

	deadline := time.Now().Add(time.Second)
	for r.State() != StateRunning && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	if err := <-errCh; err != nil {
		t.Fatalf("run: %v", err)
	}
	if !started.Load() || !stopped.Load() {
		t.Fatalf("hooks not called: start=%v stop=%v", started.Load(), stopped.Load())
	}
	if r.State() != StateStopped {
		t.Fatalf("state = %s", r.State())
	}
	if err := r.Stop(); err != nil {
		t.Fatalf("second stop: %v", err)
	}
	if svc.stops.Load() != 1 {
		t.Fatalf("service stopped %d times", svc.stops.Load())
	}
}

func TestRunReturnsWhenServiceFinishes(t *testing.T) {
	svc := newFakeService()
	close(svc.done)
	r := NewLifecycleRunner(svc, Hooks{}, time.Second).Quiet()
	if err := r.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if svc.stops.Load() != 1 {
		t.Fatalf("expected one stop, got %d", svc.stops.Load())
	}
}

func TestRunStartFailure(t *testing.T) {
	svc := newFakeService()
	svc.startErr = errors.New("permission denied")
	r := NewLifecycleRunner(svc, Hooks{}, time.Second).Quiet()
	if err := r.Run(context.Background()); err == nil {
		t.Fatalf("expected start error")
	}
	if r.State() != StateStopped {
		t.Fatalf("state = %s", r.State())
	}
	if err := r.Run(context.Background()); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected invalid state, got %v", err)
	}
}

func TestStopBoundedByTimeout(t *testing.T) {
	svc := newFakeService()
	svc.stopWait = time.Second
	r := NewLifecycleRunner(svc, Hooks{}, 20*time.Millisecond).Quiet()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	start := time.Now()
	if err := r.Run(ctx); err == nil {
		t.Fatalf("expected drain error")
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Fatalf("stop was not bounded")
	}
}
