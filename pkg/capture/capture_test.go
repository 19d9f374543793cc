package capture_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/harunnryd/scribe/pkg/capture"
	"github.com/harunnryd/scribe/pkg/capture/mock"
	"github.com/harunnryd/scribe/pkg/errorsx"
	"github.com/harunnryd/scribe/pkg/metrics"
)

func TestTrackStreamReblocks(t *testing.T) {
	s := capture.NewTrackStream(capture.KindDisplay, capture.TrackOptions{BlockSize: 4, Buffer: 8})
	if n := s.Push([]float32{1, 2, 3}); n != 0 {
		t.Fatalf("expected no block yet, got %d", n)
	}
	if n := s.Push([]float32{4, 5, 6, 7, 8, 9}); n != 2 {
		t.Fatalf("expected 2 blocks, got %d", n)
	}
	first := <-s.Frames()
	second := <-s.Frames()
	if got := first.RawSamples(); got[0] != 1 || got[3] != 4 {
		t.Fatalf("unexpected first block %v", got)
	}
	if got := second.RawSamples(); got[0] != 5 || got[3] != 8 {
		t.Fatalf("unexpected second block %v", got)
	}
	if first.Meta()["track_kind"] != "display" {
		t.Fatalf("expected track kind meta, got %v", first.Meta())
	}
}

func TestTrackStreamDropsWhenFull(t *testing.T) {
	s := capture.NewTrackStream(capture.KindMicrophone, capture.TrackOptions{BlockSize: 2, Buffer: 1})
	s.Push([]float32{1, 2, 3, 4, 5, 6})
	if s.Emitted() != 1 || s.Dropped() != 2 {
		t.Fatalf("expected 1 emitted 2 dropped, got %d/%d", s.Emitted(), s.Dropped())
	}
}

func TestTrackStreamStopOnce(t *testing.T) {
	calls := 0
	s := capture.NewTrackStream(capture.KindDisplay, capture.TrackOptions{OnStop: func() { calls++ }})
	_ = s.Stop()
	_ = s.Stop()
	if calls != 1 {
		t.Fatalf("expected OnStop once, got %d", calls)
	}
	if n := s.Push(make([]float32, capture.DefaultBlockSize)); n != 0 {
		t.Fatalf("expected push after stop to be ignored")
	}
	if _, ok := <-s.Frames(); ok {
		t.Fatalf("expected closed frames channel")
	}
}

func TestAcquireBothAndRelease(t *testing.T) {
	obs := metrics.NewMemoryObserver()
	src := mock.New(mock.Config{BlockSize: 64, Blocks: 3})
	c := capture.New(src, capture.Config{SessionID: "s1", Observer: obs})

	display, err := c.AcquireDisplayAudio(context.Background())
	if err != nil {
		t.Fatalf("display: %v", err)
	}
	mic, err := c.AcquireMicrophoneAudio(context.Background())
	if err != nil {
		t.Fatalf("microphone: %v", err)
	}
	if display.Kind() != capture.KindDisplay || mic.Kind() != capture.KindMicrophone {
		t.Fatalf("unexpected kinds %s/%s", display.Kind(), mic.Kind())
	}

	c.Release()
	c.Release()
	if got := obs.Count(metrics.EventCaptureReleased); got != 1 {
		t.Fatalf("expected one release event, got %d", got)
	}
	if got := obs.Count(metrics.EventCaptureAcquired); got != 2 {
		t.Fatalf("expected two acquired events, got %d", got)
	}
	drain(t, display)
	drain(t, mic)

	if _, err := c.AcquireDisplayAudio(context.Background()); errorsx.Reason(err) != errorsx.ReasonCaptureUnavailable {
		t.Fatalf("expected acquire after release to fail, got %v", err)
	}
}

func TestPermissionDeniedIsNotRetried(t *testing.T) {
	obs := metrics.NewMemoryObserver()
	src := mock.New(mock.Config{Fail: map[string]string{"display": "permission_denied"}})
	c := capture.New(src, capture.Config{Observer: obs})

	_, err := c.AcquireDisplayAudio(context.Background())
	var ce *errorsx.CaptureError
	if !errors.As(err, &ce) || ce.Kind != errorsx.CapturePermissionDenied || ce.Source != "display" {
		t.Fatalf("expected permission denied for display, got %v", err)
	}
	if src.Acquired(capture.KindDisplay) != 0 {
		t.Fatalf("expected no stream to be created")
	}
	if got := obs.Count(metrics.EventCaptureError); got != 1 {
		t.Fatalf("expected one capture error event, got %d", got)
	}
}

type plainFailure struct{}

func (plainFailure) Name() string { return "broken" }
func (plainFailure) Acquire(context.Context, capture.Kind) (capture.Stream, error) {
	return nil, errors.New("device busy")
}

func TestUnknownFailureIsDeviceUnavailable(t *testing.T) {
	c := capture.New(plainFailure{}, capture.Config{})
	_, err := c.AcquireMicrophoneAudio(context.Background())
	var ce *errorsx.CaptureError
	if !errors.As(err, &ce) || ce.Kind != errorsx.CaptureDeviceUnavailable || ce.Source != "microphone" {
		t.Fatalf("expected device unavailable for microphone, got %v", err)
	}
}

type blockingSource struct{}

func (blockingSource) Name() string { return "blocking" }
func (blockingSource) Acquire(ctx context.Context, _ capture.Kind) (capture.Stream, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestAcquireTimeout(t *testing.T) {
	c := capture.New(blockingSource{}, capture.Config{AcquireTimeout: 10 * time.Millisecond})
	_, err := c.AcquireDisplayAudio(context.Background())
	if errorsx.Reason(err) != errorsx.ReasonCaptureUnavailable {
		t.Fatalf("expected timeout as device unavailable, got %v", err)
	}
}

func drain(t *testing.T, s capture.Stream) {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-s.Frames():
			if !ok {
				return
			}
		case <-timeout:
			t.Fatalf("stream %s did not close", s.Kind())
		}
	}
}
