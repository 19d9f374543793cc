package session

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/harunnryd/scribe/pkg/capture"
	capturemock "github.com/harunnryd/scribe/pkg/capture/mock"
	"github.com/harunnryd/scribe/pkg/errorsx"
	"github.com/harunnryd/scribe/pkg/frames"
	"github.com/harunnryd/scribe/pkg/metrics"
	recognizermock "github.com/harunnryd/scribe/pkg/recognizer/mock"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Audio.BlockSize = 256
	cfg.Audio.FlushBlocks = 4
	cfg.Audio.SampleRate = 16000
	return cfg
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSessionTranscribesBothPaths(t *testing.T) {
	cfg := testConfig()
	src := capturemock.New(capturemock.Config{SampleRate: 16000, BlockSize: 256, Blocks: 10})
	engine := recognizermock.New(recognizermock.Config{Script: recognizermock.Phrases("Olá ", "mundo")})
	obs := metrics.NewMemoryObserver()
	sess, err := New(cfg, Deps{Source: src, Transcriber: &fakeTranscriber{}, Engine: engine, Observer: obs})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := sess.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if !sess.Recognizing() {
		t.Fatalf("expected the live path to run")
	}
	waitFor(t, "microphone final", func() bool { return sess.Store().Microphone().Final() == "Olá mundo" })
	waitFor(t, "microphone audio at the engine", func() bool { return engine.Frames() > 0 })

	select {
	case <-sess.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("capture did not finish")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := sess.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}

	snap := sess.Store().Snapshot()
	// 10 blocks of 256: two full segments of 4 blocks, then a partial of 2.
	if snap.System.Final != "1024 1024 512" {
		t.Fatalf("system transcript = %q", snap.System.Final)
	}
	if len(snap.System.Results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(snap.System.Results))
	}
	if snap.Microphone.Final != "Olá mundo" {
		t.Fatalf("microphone transcript = %q", snap.Microphone.Final)
	}
	if engine.Stops() != 1 {
		t.Fatalf("engine stopped %d times", engine.Stops())
	}
	if obs.Count(metrics.EventCaptureReleased) != 1 {
		t.Fatalf("capture released %d times", obs.Count(metrics.EventCaptureReleased))
	}
	if err := sess.Stop(ctx); err != nil {
		t.Fatalf("second stop: %v", err)
	}
}

// stuckEngine never finishes sending audio until released, like a live
// connection whose socket stopped draining.
type stuckEngine struct {
	*recognizermock.Engine
	release chan struct{}
}

func (e *stuckEngine) SendAudio(frames.AudioFrame) error {
	<-e.release
	return nil
}

func TestSessionBatchPathIndependentOfStalledRecognizer(t *testing.T) {
	cfg := testConfig()
	cfg.Recognition.FeedQueue = 2
	src := capturemock.New(capturemock.Config{SampleRate: 16000, BlockSize: 256, Blocks: 12})
	engine := &stuckEngine{Engine: recognizermock.New(recognizermock.Config{}), release: make(chan struct{})}
	defer close(engine.release)
	obs := metrics.NewMemoryObserver()
	sess, err := New(cfg, Deps{Source: src, Transcriber: &fakeTranscriber{}, Engine: engine, Observer: obs})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := sess.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if !sess.Recognizing() {
		t.Fatalf("expected the live path to run")
	}

	// 12 blocks of 256 with a flush every 4 blocks: three full segments,
	// committed while the engine is still stuck.
	waitFor(t, "system segments", func() bool { return sess.Store().System().Final() == "1024 1024 1024" })
	select {
	case <-sess.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("capture pump blocked behind the recognizer")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := sess.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if got := sess.Store().System().Final(); got != "1024 1024 1024" {
		t.Fatalf("system transcript = %q", got)
	}
	if obs.Count(metrics.EventRecognizerDropped) == 0 {
		t.Fatalf("expected microphone blocks dropped for the stuck engine")
	}
}

// ratedSource hands out silent tracks at a fixed rate per kind.
type ratedSource struct {
	rates map[capture.Kind]int
}

func (s ratedSource) Name() string { return "rated" }

func (s ratedSource) Acquire(_ context.Context, kind capture.Kind) (capture.Stream, error) {
	return capture.NewTrackStream(kind, capture.TrackOptions{Rate: s.rates[kind], BlockSize: 256}), nil
}

func TestSessionRejectsMismatchedTrackRates(t *testing.T) {
	src := ratedSource{rates: map[capture.Kind]int{capture.KindDisplay: 44100, capture.KindMicrophone: 48000}}
	obs := metrics.NewMemoryObserver()
	sess, err := New(testConfig(), Deps{Source: src, Transcriber: &fakeTranscriber{}, Observer: obs})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	err = sess.Start(context.Background())
	if !errorsx.HasReason(err, errorsx.ReasonCaptureRate) {
		t.Fatalf("expected rate mismatch, got %v", err)
	}
	if obs.Count(metrics.EventCaptureReleased) != 1 {
		t.Fatalf("acquired streams were not released")
	}
}

func TestSessionDisplayOnlyWhenMicrophoneMissing(t *testing.T) {
	cfg := testConfig()
	src := capturemock.New(capturemock.Config{
		SampleRate: 16000,
		BlockSize:  256,
		Blocks:     4,
		Fail:       map[string]string{string(capture.KindMicrophone): string(errorsx.CaptureNoAudioTrack)},
	})
	engine := recognizermock.New(recognizermock.Config{})
	sess, err := New(cfg, Deps{Source: src, Transcriber: &fakeTranscriber{}, Engine: engine})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := sess.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if sess.Recognizing() {
		t.Fatalf("recognizer must not run without a microphone")
	}
	if !errorsx.HasReason(sess.Store().Microphone().LastError(), errorsx.ReasonCaptureNoTrack) {
		t.Fatalf("microphone error = %v", sess.Store().Microphone().LastError())
	}
	<-sess.Done()
	if err := sess.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if got := sess.Store().System().Final(); got != "1024" {
		t.Fatalf("system transcript = %q", got)
	}
}

func TestSessionFailsOnPermissionDenied(t *testing.T) {
	for _, kind := range []capture.Kind{capture.KindDisplay, capture.KindMicrophone} {
		src := capturemock.New(capturemock.Config{
			SampleRate: 16000,
			BlockSize:  256,
			Blocks:     4,
			Fail:       map[string]string{string(kind): string(errorsx.CapturePermissionDenied)},
		})
		obs := metrics.NewMemoryObserver()
		sess, err := New(testConfig(), Deps{Source: src, Transcriber: &fakeTranscriber{}, Observer: obs})
		if err != nil {
			t.Fatalf("new: %v", err)
		}
		err = sess.Start(context.Background())
		if !errorsx.HasReason(err, errorsx.ReasonCapturePermission) {
			t.Fatalf("%s: expected permission error, got %v", kind, err)
		}
		if obs.Count(metrics.EventCaptureReleased) != 1 {
			t.Fatalf("%s: acquired streams were not released", kind)
		}
		if err := sess.Start(context.Background()); err == nil {
			t.Fatalf("%s: restart after failure should fail", kind)
		}
	}
}

func TestSessionBatchOnlyWhenRecognizerFails(t *testing.T) {
	src := capturemock.New(capturemock.Config{SampleRate: 16000, BlockSize: 256, Blocks: 4})
	engine := recognizermock.New(recognizermock.Config{StartErr: errorsx.Wrap(context.DeadlineExceeded, errorsx.ReasonRecognizerConnect)})
	sess, err := New(testConfig(), Deps{Source: src, Transcriber: &fakeTranscriber{}, Engine: engine})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := sess.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if sess.Recognizing() {
		t.Fatalf("recognizer should not be running")
	}
	<-sess.Done()
	if err := sess.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if sess.Store().System().Final() != "1024" {
		t.Fatalf("batch path should still transcribe, got %q", sess.Store().System().Final())
	}
	if sess.Store().Microphone().LastError() == nil {
		t.Fatalf("recognizer failure should be reported on the microphone field")
	}
}

func TestSessionStopBeforeStart(t *testing.T) {
	src := capturemock.New(capturemock.Config{})
	sess, err := New(testConfig(), Deps{Source: src, Transcriber: &fakeTranscriber{}})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := sess.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if src.Acquired(capture.KindDisplay) != 0 {
		t.Fatalf("nothing should be acquired")
	}
}

func TestBuildFromRegistry(t *testing.T) {
	cfg := testConfig()
	cfg.Capture.Settings = map[string]any{"blocks": 2}
	cfg.Transcription.Settings = map[string]any{"endpoint": "http://127.0.0.1:9/v1/audio/transcriptions"}
	cfg.Recognition.Provider = "mock"
	cfg.Recognition.Settings = map[string]any{"phrases": []any{"hello"}}
	sess, err := Build(cfg, nil, nil, nil)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if sess.ID == "" {
		t.Fatalf("expected a session id")
	}

	cfg.Transcription.Settings = nil
	if _, err := Build(cfg, nil, nil, nil); err == nil || !strings.Contains(err.Error(), "endpoint") {
		t.Fatalf("expected missing endpoint error, got %v", err)
	}
	cfg.Transcription.Settings = map[string]any{"endpoint": "http://127.0.0.1:9"}
	cfg.Capture.Provider = "carrier-pigeon"
	if _, err := Build(cfg, nil, nil, nil); err == nil {
		t.Fatalf("expected unknown provider error")
	}
}
