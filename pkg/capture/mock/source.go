package mock

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/harunnryd/scribe/pkg/capture"
	"github.com/harunnryd/scribe/pkg/errorsx"
)

type Config struct {
	SampleRate int                `mapstructure:"sample_rate"`
	BlockSize  int                `mapstructure:"block_size"`
	ToneHz     map[string]float64 `mapstructure:"tone_hz"`
	Amplitude  float64            `mapstructure:"amplitude"`

	// Blocks stops the generator after this many blocks; zero runs until
	// Stop, paced at the audio rate.
	Blocks int `mapstructure:"blocks"`

	// Realtime paces blocks at the audio rate instead of as fast as possible.
	Realtime bool `mapstructure:"realtime"`

	// Fail maps a kind ("display", "microphone") to a capture failure
	// ("permission_denied", "no_audio_track", "device_unavailable").
	Fail map[string]string `mapstructure:"fail"`
}

// Source generates sine tones, or scripted failures, per capture kind.
type Source struct {
	cfg Config

	mu       sync.Mutex
	acquired map[capture.Kind]int
}

func New(cfg Config) *Source {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = capture.DefaultSampleRate
	}
	if cfg.BlockSize <= 0 {
		cfg.BlockSize = capture.DefaultBlockSize
	}
	if cfg.Amplitude <= 0 {
		cfg.Amplitude = 0.3
	}
	if cfg.Blocks == 0 {
		cfg.Realtime = true
	}
	return &Source{cfg: cfg, acquired: make(map[capture.Kind]int)}
}

func (s *Source) Name() string { return "mock" }

func (s *Source) Acquire(ctx context.Context, kind capture.Kind) (capture.Stream, error) {
	if fail := s.cfg.Fail[string(kind)]; fail != "" {
		return nil, &errorsx.CaptureError{Kind: errorsx.CaptureKind(fail), Source: string(kind)}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	stream := capture.NewTrackStream(kind, capture.TrackOptions{
		Label:     "mock-" + string(kind),
		Rate:      s.cfg.SampleRate,
		BlockSize: s.cfg.BlockSize,
		Buffer:    max(s.cfg.Blocks, 64),
	})
	s.mu.Lock()
	s.acquired[kind]++
	s.mu.Unlock()

	go s.generate(stream, s.toneFor(kind))
	return stream, nil
}

func (s *Source) toneFor(kind capture.Kind) float64 {
	if hz, ok := s.cfg.ToneHz[string(kind)]; ok {
		return hz
	}
	if kind == capture.KindDisplay {
		return 440
	}
	return 220
}

func (s *Source) generate(stream *capture.TrackStream, hz float64) {
	block := make([]float32, s.cfg.BlockSize)
	period := time.Duration(s.cfg.BlockSize) * time.Second / time.Duration(s.cfg.SampleRate)
	var ticker *time.Ticker
	if s.cfg.Realtime {
		ticker = time.NewTicker(period)
		defer ticker.Stop()
	}
	phase := 0.0
	step := 2 * math.Pi * hz / float64(s.cfg.SampleRate)
	for n := 0; s.cfg.Blocks == 0 || n < s.cfg.Blocks; n++ {
		if ticker != nil {
			select {
			case <-stream.Done():
				return
			case <-ticker.C:
			}
		} else if stream.Stopped() {
			return
		}
		for i := range block {
			block[i] = float32(s.cfg.Amplitude * math.Sin(phase))
			phase += step
		}
		stream.Push(block)
	}
	if s.cfg.Blocks > 0 {
		_ = stream.Stop()
	}
}

// Acquired reports how many times kind was acquired.
func (s *Source) Acquired(kind capture.Kind) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.acquired[kind]
}

var _ capture.Source = (*Source)(nil)
