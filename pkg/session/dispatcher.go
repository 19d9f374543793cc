package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/harunnryd/scribe/pkg/errorsx"
	"github.com/harunnryd/scribe/pkg/logging"
	"github.com/harunnryd/scribe/pkg/metrics"
	"github.com/harunnryd/scribe/pkg/mixer"
	"github.com/harunnryd/scribe/pkg/resilience"
	"github.com/harunnryd/scribe/pkg/transcription"
)

// ResultSink receives committed transcriptions. transcript.Field
// implements it.
type ResultSink interface {
	AppendResult(res *transcription.Result, at time.Time)
	ReportError(err error)
}

type DispatcherOptions struct {
	Concurrency      int
	QueueSize        int
	Timeout          time.Duration
	Retries          int
	RetryBackoff     time.Duration
	BreakerThreshold int
	BreakerCooldown  time.Duration
	SessionID        string
	Logger           *slog.Logger
	Observer         metrics.Observer
}

var ErrDispatcherClosed = errors.New("dispatcher closed")

// Dispatcher transcribes mixer segments on a pool of workers and commits
// the results in segment order.
type Dispatcher struct {
	client  transcription.Transcriber
	sink    ResultSink
	opts    DispatcherOptions
	retry   resilience.RetryPolicy
	breaker *resilience.CircuitBreaker
	log     *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	tasks  chan mixer.Segment
	wg     sync.WaitGroup

	mu      sync.RWMutex
	closed  bool
	closeMu sync.Once

	commitMu sync.Mutex
	next     int
	pending  map[int]outcome
}

type outcome struct {
	seg mixer.Segment
	res *transcription.Result
	err error
}

func NewDispatcher(client transcription.Transcriber, sink ResultSink, opts DispatcherOptions) *Dispatcher {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 2
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 32
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 60 * time.Second
	}
	if opts.Observer == nil {
		opts.Observer = metrics.NoopObserver{}
	}
	retry := resilience.NewRetryPolicy(opts.Retries, opts.RetryBackoff)
	retry.Retryable = retryable
	d := &Dispatcher{
		client:  client,
		sink:    sink,
		opts:    opts,
		retry:   retry,
		breaker: resilience.NewCircuitBreaker(opts.BreakerThreshold, opts.BreakerCooldown),
		log:     logging.NewComponentLogger(opts.Logger, "dispatcher"),
		tasks:   make(chan mixer.Segment, opts.QueueSize),
		pending: make(map[int]outcome),
	}
	d.ctx, d.cancel = context.WithCancel(context.Background())
	for i := 0; i < opts.Concurrency; i++ {
		d.wg.Add(1)
		go d.worker()
	}
	return d
}

// retryable leaves parse failures and client errors other than 429 to the
// first attempt.
func retryable(err error) bool {
	if errorsx.HasReason(err, errorsx.ReasonTranscribeParse) || errorsx.HasReason(err, errorsx.ReasonTranscribeCircuitOpen) {
		return false
	}
	var te *errorsx.TranscriptionError
	if errors.As(err, &te) && te.Status >= 400 && te.Status < 500 && te.Status != 429 {
		return false
	}
	var ee *errorsx.EncodingError
	return !errors.As(err, &ee)
}

// Submit queues a segment without blocking. It matches mixer.Handler.
func (d *Dispatcher) Submit(_ context.Context, seg mixer.Segment) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		d.drop(seg, ErrDispatcherClosed)
		return
	}
	select {
	case d.tasks <- seg:
	default:
		d.drop(seg, errorsx.Wrap(fmt.Errorf("segment %d: queue full", seg.Seq), errorsx.ReasonDispatchQueueFull))
	}
}

func (d *Dispatcher) drop(seg mixer.Segment, err error) {
	d.log.Warn("segment_dropped",
		slog.String("session_id", d.opts.SessionID),
		slog.String("segment_id", seg.ID),
		slog.Int("seq", seg.Seq),
		slog.String("reason_code", string(errorsx.Reason(err))))
	metrics.Record(d.opts.Observer, metrics.EventTranscribeDrop, 1, map[string]string{
		metrics.TagSessionID: d.opts.SessionID,
		metrics.TagSegmentID: seg.ID,
		metrics.TagReason:    string(errorsx.Reason(err)),
	}, nil)
	d.commit(outcome{seg: seg, err: err})
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for seg := range d.tasks {
		res, err := d.exec(seg)
		d.commit(outcome{seg: seg, res: res, err: err})
	}
}

func (d *Dispatcher) exec(seg mixer.Segment) (*transcription.Result, error) {
	tags := map[string]string{
		metrics.TagSessionID: d.opts.SessionID,
		metrics.TagSegmentID: seg.ID,
		metrics.TagProvider:  d.client.Name(),
	}
	var res *transcription.Result
	err := d.retry.Do(d.ctx, func(attempt int) error {
		if !d.breaker.Allow() {
			metrics.Record(d.opts.Observer, metrics.EventBreakerDenied, 1, tags, nil)
			return errorsx.Wrap(errors.New("transcription circuit open"), errorsx.ReasonTranscribeCircuitOpen)
		}
		ctx, cancel := context.WithTimeout(transcription.WithSegmentID(d.ctx, seg.ID), d.opts.Timeout)
		defer cancel()
		out, err := d.client.Transcribe(ctx, seg.WAV)
		if err != nil {
			if d.breaker.OnError(err) {
				metrics.Record(d.opts.Observer, metrics.EventBreakerOpen, 1, tags, nil)
				d.log.Warn("transcription_breaker_open",
					slog.String("session_id", d.opts.SessionID),
					slog.Duration("cooldown", d.opts.BreakerCooldown))
			}
			if attempt < d.retry.MaxRetries {
				d.log.Debug("transcription_retry",
					slog.String("segment_id", seg.ID),
					slog.Int("attempt", attempt+1),
					slog.String("reason_code", string(errorsx.Reason(err))))
			}
			return err
		}
		d.breaker.OnSuccess()
		res = out
		return nil
	})
	return res, err
}

// commit releases outcomes to the sink strictly in Seq order.
func (d *Dispatcher) commit(o outcome) {
	d.commitMu.Lock()
	defer d.commitMu.Unlock()
	if o.seg.Seq < d.next {
		return
	}
	d.pending[o.seg.Seq] = o
	for {
		cur, ok := d.pending[d.next]
		if !ok {
			return
		}
		delete(d.pending, d.next)
		d.next++
		now := time.Now()
		result := "ok"
		if cur.err != nil {
			result = "error"
			d.sink.ReportError(cur.err)
		} else {
			d.sink.AppendResult(cur.res, now)
		}
		var lag float64
		if !cur.seg.CreatedAt.IsZero() {
			lag = float64(now.Sub(cur.seg.CreatedAt).Milliseconds())
		}
		metrics.Record(d.opts.Observer, metrics.EventSegmentCommitted, lag, map[string]string{
			metrics.TagSessionID: d.opts.SessionID,
			metrics.TagSegmentID: cur.seg.ID,
		}, map[string]any{"seq": cur.seg.Seq, "result": result})
	}
}

// Close stops intake and waits for queued segments, bounded by ctx. On
// timeout in-flight requests are cancelled.
func (d *Dispatcher) Close(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	d.closeMu.Do(func() {
		d.mu.Lock()
		d.closed = true
		close(d.tasks)
		d.mu.Unlock()
	})
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		d.cancel()
		return nil
	case <-ctx.Done():
		d.cancel()
		return errorsx.Wrap(fmt.Errorf("dispatcher drain: %w", ctx.Err()), errorsx.ReasonDispatchTimeout)
	}
}

// Pending reports outcomes held back waiting for an earlier segment.
func (d *Dispatcher) Pending() int {
	d.commitMu.Lock()
	defer d.commitMu.Unlock()
	return len(d.pending)
}
