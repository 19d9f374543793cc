package mixer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/harunnryd/scribe/pkg/audio"
	"github.com/harunnryd/scribe/pkg/errorsx"
	"github.com/harunnryd/scribe/pkg/frames"
	"github.com/harunnryd/scribe/pkg/logging"
	"github.com/harunnryd/scribe/pkg/metrics"
)

const (
	DefaultBlockSize    = 4096
	DefaultFlushBlocks  = 43
	DefaultSampleRate   = 44100
	DefaultQueueSize    = 256
	DefaultFlushTimeout = 5 * time.Second
)

// ErrFlushTimeout is returned by Stop when in-flight segments outlive the
// flush timeout.
var ErrFlushTimeout = errors.New("mixer: flush timeout")

// Segment is one encoded WAV chunk handed to the transcription path.
type Segment struct {
	ID        string
	Seq       int
	SessionID string
	WAV       audio.Container
	Blocks    int
	Partial   bool
	CreatedAt time.Time
}

// Handler receives flushed segments. It runs on its own goroutine per
// segment; ctx is cancelled if Stop gives up waiting.
type Handler func(ctx context.Context, seg Segment)

type Config struct {
	BlockSize    int
	FlushBlocks  int
	SampleRate   int
	QueueSize    int
	Gain         float64
	FlushTimeout time.Duration
	SessionID    string
	Logger       *slog.Logger
	Observer     metrics.Observer
}

// Mixer downmixes stereo blocks, accumulates them and flushes a WAV
// segment every FlushBlocks blocks. Process never blocks the caller.
type Mixer struct {
	cfg     Config
	handler Handler
	log     *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.RWMutex
	closed bool
	blocks chan []float32

	workerDone chan struct{}
	inflight   sync.WaitGroup

	releaseMu   sync.Mutex
	releases    []func()
	releaseOnce sync.Once

	stopOnce sync.Once
	stopErr  error

	seq     int
	dropped atomic.Int64
	flushed atomic.Int64
}

func New(cfg Config, handler Handler) *Mixer {
	if cfg.BlockSize <= 0 {
		cfg.BlockSize = DefaultBlockSize
	}
	if cfg.FlushBlocks <= 0 {
		cfg.FlushBlocks = DefaultFlushBlocks
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = DefaultSampleRate
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.Gain <= 0 {
		cfg.Gain = audio.DefaultGain
	}
	if cfg.FlushTimeout <= 0 {
		cfg.FlushTimeout = DefaultFlushTimeout
	}
	if cfg.Observer == nil {
		cfg.Observer = metrics.NoopObserver{}
	}
	if handler == nil {
		handler = func(context.Context, Segment) {}
	}
	m := &Mixer{
		cfg:        cfg,
		handler:    handler,
		log:        logging.NewComponentLogger(cfg.Logger, "mixer"),
		blocks:     make(chan []float32, cfg.QueueSize),
		workerDone: make(chan struct{}),
	}
	m.ctx, m.cancel = context.WithCancel(context.Background())
	go m.run()
	return m
}

// OnRelease registers a hook run exactly once when the mixer stops, used
// to release the capture tracks feeding it.
func (m *Mixer) OnRelease(fn func()) {
	if fn == nil {
		return
	}
	m.releaseMu.Lock()
	m.releases = append(m.releases, fn)
	m.releaseMu.Unlock()
}

// Process downmixes one block of BlockSize samples. right may be nil for
// single-channel input. A full queue drops the block rather than stall
// the audio callback.
func (m *Mixer) Process(left, right []float32) error {
	if len(left) != m.cfg.BlockSize {
		return &errorsx.EncodingError{
			Kind:   errorsx.EncodingMalformedBuffer,
			Detail: fmt.Sprintf("block of %d samples, want %d", len(left), m.cfg.BlockSize),
		}
	}
	buf := frames.AcquireSampleBuf(len(left))
	if right == nil {
		copy(buf, left)
	} else if err := audio.DownmixInto(buf, left, right); err != nil {
		frames.ReleaseSampleBuf(buf)
		return err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		frames.ReleaseSampleBuf(buf)
		return nil
	}
	select {
	case m.blocks <- buf:
		metrics.Record(m.cfg.Observer, metrics.EventBlockIn, 1, m.tags(), nil)
		return nil
	default:
		frames.ReleaseSampleBuf(buf)
		n := m.dropped.Add(1)
		metrics.Record(m.cfg.Observer, metrics.EventBlockDropped, 1, m.tags(), map[string]any{"dropped_total": n})
		return nil
	}
}

// Consume pairs frames from the left and right tracks until both close or
// ctx ends. A track that closes early contributes silence; a nil right
// channel means mono input.
func (m *Mixer) Consume(ctx context.Context, left, right <-chan frames.AudioFrame) {
	leftOpen, rightOpen := left != nil, right != nil
	for leftOpen || rightOpen {
		var l, r frames.AudioFrame
		var okL, okR bool
		if leftOpen {
			select {
			case <-ctx.Done():
				return
			case l, okL = <-left:
				leftOpen = okL
			}
		}
		if rightOpen {
			select {
			case <-ctx.Done():
				if okL {
					frames.ReleaseAudioFrame(l)
				}
				return
			case r, okR = <-right:
				rightOpen = okR
			}
		}
		switch {
		case okL && okR:
			ls, rs := l.RawSamples(), r.RawSamples()
			if len(rs) != len(ls) {
				rs = fit(rs, len(ls))
			}
			m.report(m.Process(ls, rs))
		case okL && right == nil:
			m.report(m.Process(l.RawSamples(), nil))
		case okL:
			m.report(m.Process(l.RawSamples(), make([]float32, l.Len())))
		case okR:
			m.report(m.Process(make([]float32, r.Len()), r.RawSamples()))
		}
		if okL {
			frames.ReleaseAudioFrame(l)
		}
		if okR {
			frames.ReleaseAudioFrame(r)
		}
	}
}

func fit(in []float32, n int) []float32 {
	out := make([]float32, n)
	copy(out, in)
	return out
}

func (m *Mixer) report(err error) {
	if err != nil {
		m.log.Warn("mixer_block_rejected",
			slog.String("session_id", m.cfg.SessionID),
			slog.String("error", err.Error()),
			slog.String("reason_code", string(errorsx.Reason(err))))
	}
}

func (m *Mixer) run() {
	defer close(m.workerDone)
	capacity := m.cfg.BlockSize * m.cfg.FlushBlocks
	pending := make([]float32, 0, capacity)
	n := 0
	for buf := range m.blocks {
		pending = append(pending, buf...)
		frames.ReleaseSampleBuf(buf)
		n++
		if n >= m.cfg.FlushBlocks {
			m.flush(pending, n, false)
			pending = make([]float32, 0, capacity)
			n = 0
		}
	}
	if n > 0 {
		m.flush(pending, n, true)
	}
}

func (m *Mixer) flush(samples []float32, blocks int, partial bool) {
	wav, err := audio.EncodeFloat(samples, m.cfg.SampleRate, m.cfg.Gain)
	if err != nil {
		m.log.Error("segment_encode_failed",
			slog.String("session_id", m.cfg.SessionID),
			slog.Int("blocks", blocks),
			slog.String("error", err.Error()),
			slog.String("reason_code", string(errorsx.Reason(err))))
		metrics.Record(m.cfg.Observer, metrics.EventSegmentEncodeErr, 1, m.tags(), nil)
		return
	}
	seg := Segment{
		ID:        uuid.NewString(),
		Seq:       m.seq,
		SessionID: m.cfg.SessionID,
		WAV:       wav,
		Blocks:    blocks,
		Partial:   partial,
		CreatedAt: time.Now(),
	}
	m.seq++
	m.flushed.Add(1)

	tags := m.tags()
	tags[metrics.TagSegmentID] = seg.ID
	metrics.Record(m.cfg.Observer, metrics.EventSegmentFlushed, wav.Duration().Seconds(), tags, map[string]any{
		"seq":     seg.Seq,
		"blocks":  blocks,
		"bytes":   wav.Len(),
		"partial": partial,
	})
	m.log.Debug("segment_flushed",
		slog.String("session_id", m.cfg.SessionID),
		slog.String("segment_id", seg.ID),
		slog.Int("seq", seg.Seq),
		slog.Int("blocks", blocks),
		slog.Bool("partial", partial))

	m.inflight.Add(1)
	go func() {
		defer m.inflight.Done()
		m.handler(m.ctx, seg)
	}()
}

// Stop closes intake, flushes any partial segment and waits for in-flight
// handlers, bounded by FlushTimeout and ctx. Release hooks run exactly
// once. Later calls return the first result.
func (m *Mixer) Stop(ctx context.Context) error {
	m.stopOnce.Do(func() {
		m.stopErr = m.stop(ctx)
	})
	return m.stopErr
}

func (m *Mixer) stop(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	m.mu.Lock()
	m.closed = true
	close(m.blocks)
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		<-m.workerDone
		m.inflight.Wait()
		close(done)
	}()

	timer := time.NewTimer(m.cfg.FlushTimeout)
	defer timer.Stop()
	var err error
	select {
	case <-done:
	case <-timer.C:
		err = errorsx.Wrap(fmt.Errorf("%w after %s", ErrFlushTimeout, m.cfg.FlushTimeout), errorsx.ReasonDispatchTimeout)
	case <-ctx.Done():
		err = ctx.Err()
	}
	m.cancel()
	if err != nil {
		m.log.Warn("mixer_stop_incomplete",
			slog.String("session_id", m.cfg.SessionID),
			slog.String("error", err.Error()))
	}
	m.release()
	m.log.Info("mixer_stopped",
		slog.String("session_id", m.cfg.SessionID),
		slog.Int64("segments", m.flushed.Load()),
		slog.Int64("dropped_blocks", m.dropped.Load()))
	return err
}

func (m *Mixer) release() {
	m.releaseOnce.Do(func() {
		m.releaseMu.Lock()
		hooks := append([]func(){}, m.releases...)
		m.releaseMu.Unlock()
		for _, fn := range hooks {
			fn()
		}
	})
}

func (m *Mixer) Dropped() int64 { return m.dropped.Load() }
func (m *Mixer) Flushed() int64 { return m.flushed.Load() }

func (m *Mixer) tags() map[string]string {
	return map[string]string{metrics.TagSessionID: m.cfg.SessionID}
}
