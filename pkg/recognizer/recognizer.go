package recognizer

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/harunnryd/scribe/pkg/errorsx"
	"github.com/harunnryd/scribe/pkg/frames"
	"github.com/harunnryd/scribe/pkg/logging"
	"github.com/harunnryd/scribe/pkg/metrics"
	"github.com/harunnryd/scribe/pkg/redact"
)

type State int

const (
	StateIdle State = iota
	StateListening
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateListening:
		return "listening"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

const (
	// ParagraphBreak is prepended to a final result that follows a long pause.
	ParagraphBreak = "\n\n"

	DefaultParagraphThreshold = 2000 * time.Millisecond
	DefaultLanguage           = "pt-BR"
	DefaultFeedQueue          = 64
)

// ErrStopped is returned when Start is called on a stopped recognizer.
var ErrStopped = errors.New("recognizer stopped; create a new instance to restart")

// ErrFeedBacklog is returned by Feed when a block was dropped.
var ErrFeedBacklog = errors.New("recognizer feed queue full")

type Config struct {
	Language           string
	ParagraphThreshold time.Duration
	SampleRate         int
	FeedQueue          int
	SessionID          string
	Now                func() time.Time
	Logger             *slog.Logger
	Observer           metrics.Observer
}

// Recognizer drives an Engine and splits its results into final and
// interim text for a Sink.
type Recognizer struct {
	cfg    Config
	engine Engine
	sink   Sink
	log    *slog.Logger

	mu        sync.Mutex
	state     State
	cancel    context.CancelFunc
	lastFinal time.Time
	hasFinal  bool
	feed      chan frames.AudioFrame

	dropped atomic.Int64
}

func New(engine Engine, sink Sink, cfg Config) *Recognizer {
	if cfg.Language == "" {
		cfg.Language = DefaultLanguage
	}
	if cfg.ParagraphThreshold <= 0 {
		cfg.ParagraphThreshold = DefaultParagraphThreshold
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.FeedQueue <= 0 {
		cfg.FeedQueue = DefaultFeedQueue
	}
	if cfg.Observer == nil {
		cfg.Observer = metrics.NoopObserver{}
	}
	return &Recognizer{
		cfg:    cfg,
		engine: engine,
		sink:   sink,
		log:    logging.NewComponentLogger(cfg.Logger, "recognizer"),
		state:  StateIdle,
	}
}

func (r *Recognizer) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// transitionValid reports whether from -> to is allowed. Stopped is terminal.
func transitionValid(from, to State) bool {
	validTransitions := map[State][]State{
		StateIdle:      {StateListening},
		StateListening: {StateStopped},
	}
	for _, allowed := range validTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Start begins continuous, interim-enabled recognition. It is a no-op
// while already listening.
func (r *Recognizer) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == StateListening {
		return nil
	}
	if !transitionValid(r.state, StateListening) {
		return ErrStopped
	}
	runCtx, cancel := context.WithCancel(ctx)
	opts := Options{
		Language:   r.cfg.Language,
		Continuous: true,
		Interim:    true,
		SampleRate: r.cfg.SampleRate,
		SessionID:  r.cfg.SessionID,
	}
	if err := r.engine.Start(runCtx, opts); err != nil {
		cancel()
		r.log.Error("recognizer_start_failed",
			slog.String("engine", r.engine.Name()),
			slog.String("error", err.Error()),
			slog.String("reason_code", string(errorsx.ReasonRecognizerConnect)))
		return errorsx.Wrap(err, errorsx.ReasonRecognizerConnect)
	}
	r.cancel = cancel
	r.state = StateListening
	r.log.Info("recognizer_listening",
		slog.String("engine", r.engine.Name()),
		slog.String("language", r.cfg.Language),
		slog.String("session_id", r.cfg.SessionID))
	go r.loop(runCtx, r.engine.Events())
	if sink, ok := r.engine.(AudioSink); ok {
		r.feed = make(chan frames.AudioFrame, r.cfg.FeedQueue)
		go r.send(runCtx, sink, r.feed)
	}
	return nil
}

// Stop halts recognition immediately without waiting for in-flight
// results. Calling it again, or before Start, does nothing.
func (r *Recognizer) Stop() error {
	r.mu.Lock()
	if !transitionValid(r.state, StateStopped) {
		r.mu.Unlock()
		return nil
	}
	r.state = StateStopped
	if r.cancel != nil {
		r.cancel()
	}
	r.mu.Unlock()
	r.log.Info("recognizer_stopped", slog.String("session_id", r.cfg.SessionID))
	return r.engine.Stop()
}

// Feed queues a copy of a microphone block for engines that consume PCM
// directly. It never blocks: when the engine is behind and the queue is
// full the block is dropped and counted. The caller keeps ownership of
// frame.
func (r *Recognizer) Feed(frame frames.AudioFrame) error {
	r.mu.Lock()
	feed := r.feed
	listening := r.state == StateListening
	r.mu.Unlock()
	if feed == nil || !listening {
		return nil
	}
	cp := frames.NewAudioFrameFromPool(frame.MetaValue(frames.MetaStreamID), frame.PTS(), frame.RawSamples(), frame.Rate(), nil)
	select {
	case feed <- cp:
		return nil
	default:
		frames.ReleaseAudioFrame(cp)
		n := r.dropped.Add(1)
		r.record(metrics.EventRecognizerDropped, "")
		if n == 1 || n%100 == 0 {
			r.log.Warn("recognizer_backlog_drop",
				slog.String("session_id", r.cfg.SessionID),
				slog.Int64("dropped", n),
				slog.String("reason_code", string(errorsx.ReasonRecognizerBacklog)))
		}
		return errorsx.Wrap(ErrFeedBacklog, errorsx.ReasonRecognizerBacklog)
	}
}

// Dropped reports microphone blocks discarded because the engine was behind.
func (r *Recognizer) Dropped() int64 { return r.dropped.Load() }

// send delivers queued blocks to the engine until ctx ends. A slow engine
// only backs up this goroutine.
func (r *Recognizer) send(ctx context.Context, sink AudioSink, feed <-chan frames.AudioFrame) {
	defer func() {
		for {
			select {
			case f := <-feed:
				frames.ReleaseAudioFrame(f)
			default:
				return
			}
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case f := <-feed:
			err := sink.SendAudio(f)
			frames.ReleaseAudioFrame(f)
			if err != nil && ctx.Err() == nil {
				r.log.Debug("recognizer_send_failed",
					slog.String("session_id", r.cfg.SessionID),
					slog.String("error", err.Error()),
					slog.String("reason_code", string(errorsx.ReasonRecognizerSend)))
			}
		}
	}
}

func (r *Recognizer) loop(ctx context.Context, events <-chan Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				r.mu.Lock()
				if r.state == StateListening {
					r.state = StateStopped
					r.log.Warn("recognizer_engine_closed", slog.String("session_id", r.cfg.SessionID))
				}
				r.mu.Unlock()
				return
			}
			r.Handle(ev)
		}
	}
}

// Handle applies one engine event. Events arriving outside the Listening
// state are ignored.
func (r *Recognizer) Handle(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != StateListening {
		return
	}
	if ev.Err != nil {
		r.reportLocked(ev.Err)
	}
	if ev.Results != nil {
		r.applyLocked(*ev.Results)
	}
}

func (r *Recognizer) applyLocked(set ResultSet) {
	start := set.Index
	if start < 0 {
		start = 0
	}
	var final, interim strings.Builder
	for i := start; i < len(set.Results); i++ {
		alt := set.Results[i]
		if alt.Final {
			final.WriteString(alt.Transcript)
		} else {
			interim.WriteString(alt.Transcript)
		}
	}
	now := r.cfg.Now()
	if final.Len() > 0 {
		text := final.String()
		if r.hasFinal && now.Sub(r.lastFinal) > r.cfg.ParagraphThreshold {
			text = ParagraphBreak + text
		}
		r.lastFinal = now
		r.hasFinal = true
		r.sink.AppendFinal(text, now)
		r.record(metrics.EventRecognizerFinal, "")
		r.log.Debug("recognition_final",
			slog.String("session_id", r.cfg.SessionID),
			slog.String("text", redact.Preview(text, 80)))
	}
	if interim.Len() > 0 {
		r.sink.ReplaceInterim(interim.String(), now)
		r.record(metrics.EventRecognizerInterim, "")
	}
}

func (r *Recognizer) reportLocked(err error) {
	var re *errorsx.RecognitionError
	if !errors.As(err, &re) {
		re = &errorsx.RecognitionError{Code: "engine", Message: err.Error()}
	}
	r.log.Warn("recognition_error",
		slog.String("session_id", r.cfg.SessionID),
		slog.String("code", re.Code),
		slog.String("message", re.Message),
		slog.String("reason_code", string(errorsx.ReasonRecognizerEngine)))
	r.record(metrics.EventRecognizerError, re.Code)
	r.sink.ReportError(re)
}

func (r *Recognizer) record(name, code string) {
	tags := map[string]string{
		metrics.TagSessionID: r.cfg.SessionID,
		metrics.TagProvider:  r.engine.Name(),
	}
	if code != "" {
		tags["code"] = code
	}
	metrics.Record(r.cfg.Observer, name, 1, tags, nil)
}
