package mock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/harunnryd/scribe/pkg/frames"
	"github.com/harunnryd/scribe/pkg/recognizer"
)

type Config struct {
	// Script is emitted in order once the engine starts.
	Script   []recognizer.Event
	Interval time.Duration
	StartErr error
}

// Engine is a scripted recognizer.Engine for tests and offline demos.
type Engine struct {
	cfg Config
	out chan recognizer.Event

	mu      sync.Mutex
	cancel  context.CancelFunc
	opts    recognizer.Options
	started bool
	stopped bool
	frames  int
	stops   int
}

func New(cfg Config) *Engine {
	return &Engine{cfg: cfg, out: make(chan recognizer.Event, 64)}
}

func (e *Engine) Name() string { return "mock_recognizer" }

func (e *Engine) Start(ctx context.Context, opts recognizer.Options) error {
	if e.cfg.StartErr != nil {
		return e.cfg.StartErr
	}
	if ctx == nil {
		ctx = context.Background()
	}
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return errors.New("engine stopped")
	}
	ctx, e.cancel = context.WithCancel(ctx)
	e.opts = opts
	e.started = true
	e.mu.Unlock()

	if len(e.cfg.Script) > 0 {
		go e.play(ctx)
	}
	return nil
}

// Phrases scripts each phrase as an interim result followed by its final,
// growing one result list the way a continuous session does.
func Phrases(texts ...string) []recognizer.Event {
	var (
		out   []recognizer.Event
		final []recognizer.Alternative
	)
	for i, text := range texts {
		interim := append(append([]recognizer.Alternative(nil), final...), recognizer.Alternative{Transcript: text})
		out = append(out, recognizer.Event{Results: &recognizer.ResultSet{Index: i, Results: interim}})
		final = append(final, recognizer.Alternative{Transcript: text, Final: true})
		out = append(out, recognizer.Event{Results: &recognizer.ResultSet{Index: i, Results: append([]recognizer.Alternative(nil), final...)}})
	}
	return out
}

func (e *Engine) play(ctx context.Context) {
	for _, ev := range e.cfg.Script {
		if e.cfg.Interval > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(e.cfg.Interval):
			}
		}
		if !e.Emit(ev) {
			return
		}
	}
}

// Emit queues ev for the recognizer. It reports false once stopped.
func (e *Engine) Emit(ev recognizer.Event) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		return false
	}
	select {
	case e.out <- ev:
		return true
	default:
		return false
	}
}

func (e *Engine) Stop() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stops++
	if e.stopped {
		return nil
	}
	e.stopped = true
	if e.cancel != nil {
		e.cancel()
	}
	close(e.out)
	return nil
}

func (e *Engine) SendAudio(frame frames.AudioFrame) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.started || e.stopped {
		return errors.New("not started")
	}
	e.frames++
	return nil
}

func (e *Engine) Events() <-chan recognizer.Event { return e.out }

func (e *Engine) Options() recognizer.Options {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.opts
}

func (e *Engine) Frames() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.frames
}

func (e *Engine) Stops() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stops
}

var (
	_ recognizer.Engine    = (*Engine)(nil)
	_ recognizer.AudioSink = (*Engine)(nil)
)
