package session

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/harunnryd/scribe/pkg/audio"
	"github.com/harunnryd/scribe/pkg/errorsx"
	"github.com/harunnryd/scribe/pkg/metrics"
	"github.com/harunnryd/scribe/pkg/mixer"
	"github.com/harunnryd/scribe/pkg/transcription"
)

// fakeTranscriber answers with the segment's sample count as text.
type fakeTranscriber struct {
	calls atomic.Int32
	delay func(wav audio.Container) time.Duration
	err   func(call int32) error
	gate  chan struct{}
}

func (f *fakeTranscriber) Name() string { return "fake" }

func (f *fakeTranscriber) Transcribe(ctx context.Context, wav audio.Container) (*transcription.Result, error) {
	n := f.calls.Add(1)
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.delay != nil {
		select {
		case <-time.After(f.delay(wav)):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		if err := f.err(n); err != nil {
			return nil, err
		}
	}
	return &transcription.Result{Task: transcription.TaskName, Text: strconv.Itoa(wav.NumSamples())}, nil
}

type recordingSink struct {
	mu      sync.Mutex
	entries []string
}

func (r *recordingSink) AppendResult(res *transcription.Result, _ time.Time) {
	r.mu.Lock()
	r.entries = append(r.entries, res.Text)
	r.mu.Unlock()
}

func (r *recordingSink) ReportError(err error) {
	r.mu.Lock()
	r.entries = append(r.entries, "err:"+string(errorsx.Reason(err)))
	r.mu.Unlock()
}

func (r *recordingSink) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.entries...)
}

func segment(t *testing.T, seq, samples int) mixer.Segment {
	t.Helper()
	wav, err := audio.EncodeFloat(make([]float32, samples), transcription.WireRate, 0.8)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	return mixer.Segment{ID: "seg-" + strconv.Itoa(seq), Seq: seq, WAV: wav, CreatedAt: time.Now()}
}

func TestDispatcherCommitsInSegmentOrder(t *testing.T) {
	fake := &fakeTranscriber{delay: func(wav audio.Container) time.Duration {
		// Earlier segments are longer and finish last.
		return time.Duration(wav.NumSamples()/100) * 5 * time.Millisecond
	}}
	sink := &recordingSink{}
	obs := metrics.NewMemoryObserver()
	d := NewDispatcher(fake, sink, DispatcherOptions{Concurrency: 4, Observer: obs})
	for i := 0; i < 5; i++ {
		d.Submit(context.Background(), segment(t, i, (5-i)*100))
	}
	if err := d.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
	got := strings.Join(sink.list(), ",")
	if got != "500,400,300,200,100" {
		t.Fatalf("commit order = %s", got)
	}
	if obs.Count(metrics.EventSegmentCommitted) != 5 {
		t.Fatalf("expected 5 commits, got %d", obs.Count(metrics.EventSegmentCommitted))
	}
	if d.Pending() != 0 {
		t.Fatalf("pending = %d", d.Pending())
	}
}

func TestDispatcherDoesNotRetryClientErrors(t *testing.T) {
	fake := &fakeTranscriber{err: func(int32) error { return &errorsx.TranscriptionError{Status: 400} }}
	sink := &recordingSink{}
	d := NewDispatcher(fake, sink, DispatcherOptions{Concurrency: 1, Retries: 3, RetryBackoff: time.Millisecond})
	d.Submit(context.Background(), segment(t, 0, 100))
	if err := d.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
	if fake.calls.Load() != 1 {
		t.Fatalf("expected a single attempt, got %d", fake.calls.Load())
	}
	if got := sink.list(); len(got) != 1 || got[0] != "err:"+string(errorsx.ReasonTranscribeStatus) {
		t.Fatalf("unexpected sink entries: %v", got)
	}
}

func TestDispatcherRetriesServerErrors(t *testing.T) {
	fake := &fakeTranscriber{err: func(n int32) error {
		if n < 3 {
			return &errorsx.TranscriptionError{Status: 503}
		}
		return nil
	}}
	sink := &recordingSink{}
	d := NewDispatcher(fake, sink, DispatcherOptions{Concurrency: 1, Retries: 3, RetryBackoff: time.Millisecond})
	d.Submit(context.Background(), segment(t, 0, 100))
	if err := d.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
	if fake.calls.Load() != 3 {
		t.Fatalf("expected 3 attempts, got %d", fake.calls.Load())
	}
	if got := sink.list(); len(got) != 1 || got[0] != "100" {
		t.Fatalf("unexpected sink entries: %v", got)
	}
}

func TestDispatcherBreakerOpensOnRateLimit(t *testing.T) {
	fake := &fakeTranscriber{err: func(int32) error { return &errorsx.TranscriptionError{Status: 429} }}
	sink := &recordingSink{}
	obs := metrics.NewMemoryObserver()
	d := NewDispatcher(fake, sink, DispatcherOptions{
		Concurrency:      1,
		BreakerThreshold: 2,
		BreakerCooldown:  time.Minute,
		Observer:         obs,
	})
	for i := 0; i < 3; i++ {
		d.Submit(context.Background(), segment(t, i, 100))
	}
	if err := d.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
	if fake.calls.Load() != 2 {
		t.Fatalf("expected 2 backend calls, got %d", fake.calls.Load())
	}
	want := []string{
		"err:" + string(errorsx.ReasonTranscribeRateLimit),
		"err:" + string(errorsx.ReasonTranscribeRateLimit),
		"err:" + string(errorsx.ReasonTranscribeCircuitOpen),
	}
	if got := sink.list(); strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("got %v, want %v", got, want)
	}
	if obs.Count(metrics.EventBreakerOpen) != 1 || obs.Count(metrics.EventBreakerDenied) != 1 {
		t.Fatalf("breaker events: open=%d denied=%d", obs.Count(metrics.EventBreakerOpen), obs.Count(metrics.EventBreakerDenied))
	}
}

func TestDispatcherDropsWhenQueueFull(t *testing.T) {
	gate := make(chan struct{})
	fake := &fakeTranscriber{gate: gate}
	sink := &recordingSink{}
	obs := metrics.NewMemoryObserver()
	d := NewDispatcher(fake, sink, DispatcherOptions{Concurrency: 1, QueueSize: 1, Observer: obs})
	for i := 0; i < 4; i++ {
		d.Submit(context.Background(), segment(t, i, 100))
	}
	close(gate)
	if err := d.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
	got := sink.list()
	if len(got) != 4 {
		t.Fatalf("every segment must commit, got %v", got)
	}
	drops := obs.Count(metrics.EventTranscribeDrop)
	if drops < 2 {
		t.Fatalf("expected at least 2 drops, got %d", drops)
	}
	errs := 0
	for _, e := range got {
		if e == "err:"+string(errorsx.ReasonDispatchQueueFull) {
			errs++
		}
	}
	if errs != drops {
		t.Fatalf("drops=%d but %d queue-full errors committed", drops, errs)
	}
}

func TestDispatcherSubmitAfterClose(t *testing.T) {
	sink := &recordingSink{}
	d := NewDispatcher(&fakeTranscriber{}, sink, DispatcherOptions{})
	if err := d.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
	d.Submit(context.Background(), segment(t, 0, 100))
	if got := sink.list(); len(got) != 1 || !strings.HasPrefix(got[0], "err:") {
		t.Fatalf("expected a committed error, got %v", got)
	}
	if err := d.Close(context.Background()); err != nil {
		t.Fatalf("second close: %v", err)
	}
}

func TestDispatcherCloseBounded(t *testing.T) {
	fake := &fakeTranscriber{gate: make(chan struct{})}
	d := NewDispatcher(fake, &recordingSink{}, DispatcherOptions{Concurrency: 1})
	d.Submit(context.Background(), segment(t, 0, 100))
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := d.Close(ctx)
	if !errorsx.HasReason(err, errorsx.ReasonDispatchTimeout) {
		t.Fatalf("expected dispatch timeout, got %v", err)
	}
}
