package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/harunnryd/scribe/pkg/errorsx"
	"github.com/harunnryd/scribe/pkg/frames"
	"github.com/harunnryd/scribe/pkg/logging"
	"github.com/harunnryd/scribe/pkg/metrics"
)

// Kind names the two capture sources of a session.
type Kind string

const (
	KindDisplay    Kind = "display"
	KindMicrophone Kind = "microphone"
)

const (
	DefaultBlockSize      = 4096
	DefaultSampleRate     = 44100
	DefaultAcquireTimeout = 30 * time.Second
)

// Stream is a live audio track delivering fixed-size mono blocks.
type Stream interface {
	Kind() Kind
	Label() string
	SampleRate() int
	Frames() <-chan frames.AudioFrame
	Stop() error
}

// Source acquires streams from a capture backend. Failures should be
// reported as *errorsx.CaptureError; anything else is treated as an
// unavailable device.
type Source interface {
	Name() string
	Acquire(ctx context.Context, kind Kind) (Stream, error)
}

type Config struct {
	AcquireTimeout time.Duration
	SessionID      string
	Logger         *slog.Logger
	Observer       metrics.Observer
}

// Capture acquires the display and microphone streams of one session and
// releases them together.
type Capture struct {
	src Source
	cfg Config
	log *slog.Logger

	mu       sync.Mutex
	streams  []Stream
	released bool
}

func New(src Source, cfg Config) *Capture {
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = DefaultAcquireTimeout
	}
	if cfg.Observer == nil {
		cfg.Observer = metrics.NoopObserver{}
	}
	return &Capture{
		src: src,
		cfg: cfg,
		log: logging.NewComponentLogger(cfg.Logger, "capture"),
	}
}

// AcquireDisplayAudio requests the shared display/system audio. There is
// no retry; a denial is final for the session.
func (c *Capture) AcquireDisplayAudio(ctx context.Context) (Stream, error) {
	return c.acquire(ctx, KindDisplay)
}

func (c *Capture) AcquireMicrophoneAudio(ctx context.Context) (Stream, error) {
	return c.acquire(ctx, KindMicrophone)
}

func (c *Capture) acquire(ctx context.Context, kind Kind) (Stream, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	c.mu.Lock()
	released := c.released
	c.mu.Unlock()
	if released {
		return nil, &errorsx.CaptureError{Kind: errorsx.CaptureDeviceUnavailable, Source: string(kind), Err: errors.New("capture released")}
	}
	if c.src == nil {
		return nil, &errorsx.CaptureError{Kind: errorsx.CaptureDeviceUnavailable, Source: string(kind), Err: errors.New("no capture source configured")}
	}

	actx, cancel := context.WithTimeout(ctx, c.cfg.AcquireTimeout)
	defer cancel()
	stream, err := c.src.Acquire(actx, kind)
	if err == nil && stream == nil {
		err = fmt.Errorf("%s returned no stream", c.src.Name())
	}
	if err != nil {
		cerr := classify(err, kind)
		c.log.Warn("capture_acquire_failed",
			slog.String("session_id", c.cfg.SessionID),
			slog.String("source", c.src.Name()),
			slog.String("kind", string(kind)),
			slog.String("error", cerr.Error()),
			slog.String("reason_code", string(cerr.Reason())))
		metrics.Record(c.cfg.Observer, metrics.EventCaptureError, 1, map[string]string{
			metrics.TagSessionID: c.cfg.SessionID,
			metrics.TagSource:    string(kind),
			metrics.TagReason:    string(cerr.Reason()),
		}, nil)
		return nil, cerr
	}

	c.mu.Lock()
	if c.released {
		c.mu.Unlock()
		_ = stream.Stop()
		return nil, &errorsx.CaptureError{Kind: errorsx.CaptureDeviceUnavailable, Source: string(kind), Err: errors.New("capture released")}
	}
	c.streams = append(c.streams, stream)
	c.mu.Unlock()

	c.log.Info("capture_acquired",
		slog.String("session_id", c.cfg.SessionID),
		slog.String("source", c.src.Name()),
		slog.String("kind", string(kind)),
		slog.String("label", stream.Label()),
		slog.Int("sample_rate", stream.SampleRate()))
	metrics.Record(c.cfg.Observer, metrics.EventCaptureAcquired, 1, map[string]string{
		metrics.TagSessionID: c.cfg.SessionID,
		metrics.TagSource:    string(kind),
		metrics.TagProvider:  c.src.Name(),
	}, nil)
	return stream, nil
}

func classify(err error, kind Kind) *errorsx.CaptureError {
	var ce *errorsx.CaptureError
	if errors.As(err, &ce) {
		if ce.Source == "" {
			cp := *ce
			cp.Source = string(kind)
			return &cp
		}
		return ce
	}
	return &errorsx.CaptureError{Kind: errorsx.CaptureDeviceUnavailable, Source: string(kind), Err: err}
}

// Release stops every acquired stream. Only the first call has effect.
func (c *Capture) Release() {
	c.mu.Lock()
	if c.released {
		c.mu.Unlock()
		return
	}
	c.released = true
	streams := c.streams
	c.streams = nil
	c.mu.Unlock()

	for _, s := range streams {
		if err := s.Stop(); err != nil {
			c.log.Warn("capture_stop_failed",
				slog.String("session_id", c.cfg.SessionID),
				slog.String("kind", string(s.Kind())),
				slog.String("error", err.Error()))
		}
		if d, ok := s.(interface{ Dropped() int64 }); ok && d.Dropped() > 0 {
			metrics.Record(c.cfg.Observer, metrics.EventFramesDropped, float64(d.Dropped()), map[string]string{
				metrics.TagSessionID: c.cfg.SessionID,
				metrics.TagSource:    string(s.Kind()),
			}, nil)
		}
	}
	c.log.Info("capture_released",
		slog.String("session_id", c.cfg.SessionID),
		slog.Int("streams", len(streams)))
	metrics.Record(c.cfg.Observer, metrics.EventCaptureReleased, float64(len(streams)), map[string]string{
		metrics.TagSessionID: c.cfg.SessionID,
	}, nil)
}

func (c *Capture) Released() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.released
}
