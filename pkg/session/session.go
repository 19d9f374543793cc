package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/harunnryd/scribe/pkg/capture"
	"github.com/harunnryd/scribe/pkg/configutil"
	"github.com/harunnryd/scribe/pkg/errorsx"
	"github.com/harunnryd/scribe/pkg/frames"
	"github.com/harunnryd/scribe/pkg/logging"
	"github.com/harunnryd/scribe/pkg/metrics"
	"github.com/harunnryd/scribe/pkg/mixer"
	"github.com/harunnryd/scribe/pkg/observers"
	"github.com/harunnryd/scribe/pkg/recognizer"
	"github.com/harunnryd/scribe/pkg/transcript"
	"github.com/harunnryd/scribe/pkg/transcription"
)

// Lifecycle is implemented by capture sources that run a server.
type Lifecycle interface {
	Start(ctx context.Context) error
	Stop() error
}

// Deps are the injected capabilities of a session. Engine may be nil for
// a batch-only session.
type Deps struct {
	Source      capture.Source
	Transcriber transcription.Transcriber
	CodecLoader transcription.CodecLoader
	CodecName   string
	Engine      recognizer.Engine
	Store       *transcript.Store
	Logger      *slog.Logger
	Observer    metrics.Observer
	Now         func() time.Time
}

type state int

const (
	stateIdle state = iota
	stateRunning
	stateStopped
)

// Session wires one capture run: display and microphone audio go through
// the mixer to batch transcription, and the microphone is also streamed to
// the continuous recognizer.
type Session struct {
	ID   string
	cfg  Config
	deps Deps
	log  *slog.Logger
	obs  metrics.Observer

	store      *transcript.Store
	capture    *capture.Capture
	client     *transcription.Client
	dispatcher *Dispatcher
	segments   *observers.SegmentWriter

	mu         sync.Mutex
	state      state
	mixer      *mixer.Mixer
	recognizer *recognizer.Recognizer
	cancel     context.CancelFunc
	pumpDone   chan struct{}
	started    time.Time

	stopOnce sync.Once
	stopErr  error
}

// Build resolves providers from the registry and creates a session.
func Build(cfg Config, reg *ProviderRegistry, logger *slog.Logger, obs metrics.Observer) (*Session, error) {
	if reg == nil {
		reg = DefaultRegistry()
	}
	src, err := reg.BuildSource(cfg.Capture.Provider, cfg, logger)
	if err != nil {
		return nil, err
	}
	backend, err := reg.BuildTranscriber(cfg.Transcription.Provider, cfg, logger)
	if err != nil {
		return nil, err
	}
	loader, err := reg.BuildCodec(cfg.Transcription.Codec, cfg)
	if err != nil {
		return nil, err
	}
	var engine recognizer.Engine
	if cfg.Recognition.Enabled {
		engine, err = reg.BuildEngine(cfg.Recognition.Provider, cfg, logger)
		if err != nil {
			return nil, err
		}
	}
	return New(cfg, Deps{
		Source:      src,
		Transcriber: backend,
		CodecLoader: loader,
		CodecName:   cfg.Transcription.Codec,
		Engine:      engine,
		Logger:      logger,
		Observer:    obs,
	})
}

func New(cfg Config, deps Deps) (*Session, error) {
	if deps.Source == nil {
		return nil, errors.New("capture source is required")
	}
	if deps.Transcriber == nil {
		return nil, errors.New("transcriber is required")
	}
	if deps.Observer == nil {
		deps.Observer = metrics.NoopObserver{}
	}
	if deps.Store == nil {
		deps.Store = transcript.NewStore()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	id := uuid.NewString()
	s := &Session{
		ID:    id,
		cfg:   cfg,
		deps:  deps,
		log:   logging.NewComponentLogger(deps.Logger, "session").With(slog.String("session_id", id)),
		obs:   deps.Observer,
		store: deps.Store,
	}

	var codec *transcription.LazyCodec
	if deps.CodecLoader != nil {
		name := deps.CodecName
		if name == "" {
			name = "codec"
		}
		codec = transcription.NewLazyCodec(name, deps.CodecLoader, deps.Logger, deps.Observer)
	}
	client, err := transcription.NewClient(deps.Transcriber, codec, transcription.ClientConfig{
		TargetRate: cfg.Transcription.TargetRate,
		SessionID:  id,
		Logger:     deps.Logger,
		Observer:   deps.Observer,
	})
	if err != nil {
		return nil, err
	}
	s.client = client
	s.capture = capture.New(deps.Source, capture.Config{
		AcquireTimeout: configutil.Millis(cfg.Capture.AcquireTimeoutMS, capture.DefaultAcquireTimeout),
		SessionID:      id,
		Logger:         deps.Logger,
		Observer:       deps.Observer,
	})
	s.dispatcher = NewDispatcher(client, s.store.System(), DispatcherOptions{
		Concurrency:      cfg.Transcription.Concurrency,
		QueueSize:        cfg.Transcription.QueueSize,
		Timeout:          configutil.Millis(cfg.Transcription.TimeoutMS, 60*time.Second),
		Retries:          cfg.Transcription.Retries,
		RetryBackoff:     configutil.Millis(cfg.Transcription.RetryBackoffMS, 500*time.Millisecond),
		BreakerThreshold: cfg.Transcription.BreakerThreshold,
		BreakerCooldown:  configutil.Millis(cfg.Transcription.BreakerCooldownMS, 30*time.Second),
		SessionID:        id,
		Logger:           deps.Logger,
		Observer:         deps.Observer,
	})
	if cfg.Observability.RecordSegments && cfg.Observability.ArtifactsDir != "" {
		s.segments = observers.NewSegmentWriter(cfg.Observability.ArtifactsDir, id)
	}
	return s, nil
}

func (s *Session) Store() *transcript.Store { return s.store }

// Done is closed once both capture tracks have ended, e.g. when the user
// stops sharing. It is nil before Start.
func (s *Session) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pumpDone
}

// Recognizing reports whether the live microphone path is running.
func (s *Session) Recognizing() bool {
	s.mu.Lock()
	rec := s.recognizer
	s.mu.Unlock()
	return rec != nil && rec.State() == recognizer.StateListening
}

// Start acquires display then microphone audio and starts both paths. A
// denied display or microphone permission releases everything and fails
// the session.
func (s *Session) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.state != stateIdle {
		s.mu.Unlock()
		return fmt.Errorf("session %s already started", s.ID)
	}
	s.state = stateRunning
	s.started = s.deps.Now()
	s.mu.Unlock()

	if lc, ok := s.deps.Source.(Lifecycle); ok {
		if err := lc.Start(ctx); err != nil {
			s.abort()
			return fmt.Errorf("start capture source: %w", err)
		}
	}

	display, err := s.capture.AcquireDisplayAudio(ctx)
	if err != nil {
		s.abort()
		return err
	}
	mic, err := s.capture.AcquireMicrophoneAudio(ctx)
	if err != nil {
		if errorsx.HasReason(err, errorsx.ReasonCapturePermission) {
			s.abort()
			return err
		}
		s.log.Warn("microphone_unavailable_display_only",
			slog.String("error", err.Error()),
			slog.String("reason_code", string(errorsx.Reason(err))))
		s.store.Microphone().ReportError(err)
		mic = nil
	}
	// The mixer pairs blocks by position, so both tracks must share a rate.
	if mic != nil && mic.SampleRate() != display.SampleRate() {
		s.abort()
		return errorsx.Wrap(fmt.Errorf("microphone rate %d differs from display rate %d", mic.SampleRate(), display.SampleRate()), errorsx.ReasonCaptureRate)
	}

	m := mixer.New(mixer.Config{
		BlockSize:    s.cfg.Audio.BlockSize,
		FlushBlocks:  s.cfg.Audio.FlushBlocks,
		SampleRate:   display.SampleRate(),
		QueueSize:    s.cfg.Audio.QueueSize,
		Gain:         s.cfg.Audio.Gain,
		FlushTimeout: configutil.Millis(s.cfg.Audio.FlushTimeoutMS, mixer.DefaultFlushTimeout),
		SessionID:    s.ID,
		Logger:       s.deps.Logger,
		Observer:     s.obs,
	}, s.handleSegment)
	m.OnRelease(s.capture.Release)

	var rec *recognizer.Recognizer
	if s.deps.Engine != nil && mic != nil {
		rec = recognizer.New(s.deps.Engine, s.store.Microphone(), recognizer.Config{
			Language:           s.cfg.Recognition.Language,
			ParagraphThreshold: configutil.Millis(s.cfg.Recognition.ParagraphThresholdMS, recognizer.DefaultParagraphThreshold),
			SampleRate:         mic.SampleRate(),
			FeedQueue:          s.cfg.Recognition.FeedQueue,
			SessionID:          s.ID,
			Logger:             s.deps.Logger,
			Observer:           s.obs,
		})
		if err := rec.Start(ctx); err != nil {
			s.log.Warn("recognizer_unavailable_batch_only",
				slog.String("error", err.Error()),
				slog.String("reason_code", string(errorsx.Reason(err))))
			s.store.Microphone().ReportError(err)
			rec = nil
		}
	}

	pumpCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	var right <-chan frames.AudioFrame
	if mic != nil {
		right = mic.Frames()
		if rec != nil {
			right = tee(pumpCtx, right, rec)
		}
	}
	go func() {
		defer close(done)
		m.Consume(pumpCtx, display.Frames(), right)
	}()

	s.mu.Lock()
	s.mixer = m
	s.recognizer = rec
	s.cancel = cancel
	s.pumpDone = done
	s.mu.Unlock()

	s.log.Info("session_started",
		slog.String("display", display.Label()),
		slog.Bool("microphone", mic != nil),
		slog.Bool("recognizer", rec != nil),
		slog.String("transcriber", s.client.Name()))
	metrics.Record(s.obs, metrics.EventSessionStart, 1, map[string]string{metrics.TagSessionID: s.ID}, map[string]any{
		"microphone": mic != nil,
		"recognizer": rec != nil,
	})
	return nil
}

// tee hands a copy of each microphone frame to the recognizer's queue and
// passes the frame on to the mixer. Feed never blocks, so a slow engine
// cannot stall the batch path.
func tee(ctx context.Context, in <-chan frames.AudioFrame, rec *recognizer.Recognizer) <-chan frames.AudioFrame {
	out := make(chan frames.AudioFrame, cap(in))
	go func() {
		defer close(out)
		for f := range in {
			_ = rec.Feed(f)
			select {
			case out <- f:
			case <-ctx.Done():
				frames.ReleaseAudioFrame(f)
				return
			}
		}
	}()
	return out
}

func (s *Session) handleSegment(ctx context.Context, seg mixer.Segment) {
	if s.segments != nil {
		if err := s.segments.Write(seg.Seq, seg.WAV); err != nil {
			s.log.Warn("segment_record_failed", slog.String("error", err.Error()))
		}
	}
	s.dispatcher.Submit(ctx, seg)
}

// abort releases whatever was acquired by a failed Start.
func (s *Session) abort() {
	s.capture.Release()
	if lc, ok := s.deps.Source.(Lifecycle); ok {
		_ = lc.Stop()
	}
	_ = s.dispatcher.Close(context.Background())
	s.mu.Lock()
	s.state = stateStopped
	s.mu.Unlock()
}

// Stop ends the live path immediately, flushes the partial segment, then
// drains pending transcriptions. ctx bounds the whole shutdown.
func (s *Session) Stop(ctx context.Context) error {
	s.stopOnce.Do(func() {
		s.stopErr = s.stop(ctx)
	})
	return s.stopErr
}

func (s *Session) stop(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.state != stateRunning {
		s.state = stateStopped
		s.mu.Unlock()
		return s.dispatcher.Close(ctx)
	}
	s.state = stateStopped
	m, rec, cancel, done := s.mixer, s.recognizer, s.cancel, s.pumpDone
	s.mu.Unlock()

	var errs error
	if rec != nil {
		if err := rec.Stop(); err != nil {
			errs = errors.Join(errs, fmt.Errorf("stop recognizer: %w", err))
		}
	}
	if m != nil {
		if err := m.Stop(ctx); err != nil {
			errs = errors.Join(errs, fmt.Errorf("stop mixer: %w", err))
		}
	}
	if cancel != nil {
		cancel()
	}
	if done != nil {
		select {
		case <-done:
		case <-ctx.Done():
		}
	}
	if err := s.dispatcher.Close(ctx); err != nil {
		errs = errors.Join(errs, err)
	}
	if lc, ok := s.deps.Source.(Lifecycle); ok {
		_ = lc.Stop()
	}

	snap := s.store.Snapshot()
	s.log.Info("session_stopped",
		slog.Duration("elapsed", s.deps.Now().Sub(s.started)),
		slog.Int("system_chars", len(snap.System.Final)),
		slog.Int("microphone_chars", len(snap.Microphone.Final)))
	metrics.Record(s.obs, metrics.EventSessionStop, s.deps.Now().Sub(s.started).Seconds(), map[string]string{metrics.TagSessionID: s.ID}, nil)
	return errs
}
