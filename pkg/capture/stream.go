package capture

import (
	"sync"
	"sync/atomic"

	"github.com/harunnryd/scribe/pkg/frames"
)

// TrackStream re-blocks pushed samples into fixed-size frames. Push never
// blocks: when the consumer falls behind, whole blocks are dropped.
type TrackStream struct {
	kind      Kind
	label     string
	rate      int
	blockSize int
	meta      map[string]string
	out       chan frames.AudioFrame
	pts       *frames.PTSGen
	onStop    func()

	mu      sync.Mutex
	pending []float32
	stopped bool
	done    chan struct{}

	emitted atomic.Int64
	dropped atomic.Int64
}

type TrackOptions struct {
	Label     string
	Rate      int
	BlockSize int
	Buffer    int
	Meta      map[string]string
	// OnStop runs once when the stream stops, e.g. to notify the agent.
	OnStop func()
}

func NewTrackStream(kind Kind, opts TrackOptions) *TrackStream {
	if opts.BlockSize <= 0 {
		opts.BlockSize = DefaultBlockSize
	}
	if opts.Rate <= 0 {
		opts.Rate = DefaultSampleRate
	}
	if opts.Buffer <= 0 {
		opts.Buffer = 64
	}
	if opts.Label == "" {
		opts.Label = string(kind)
	}
	meta := map[string]string{frames.MetaTrackKind: string(kind)}
	for k, v := range opts.Meta {
		meta[k] = v
	}
	return &TrackStream{
		kind:      kind,
		label:     opts.Label,
		rate:      opts.Rate,
		blockSize: opts.BlockSize,
		meta:      meta,
		out:       make(chan frames.AudioFrame, opts.Buffer),
		pts:       frames.NewPTSGen(),
		onStop:    opts.OnStop,
		pending:   make([]float32, 0, opts.BlockSize*2),
		done:      make(chan struct{}),
	}
}

func (s *TrackStream) Kind() Kind                       { return s.kind }
func (s *TrackStream) Label() string                    { return s.label }
func (s *TrackStream) SampleRate() int                  { return s.rate }
func (s *TrackStream) BlockSize() int                   { return s.blockSize }
func (s *TrackStream) Frames() <-chan frames.AudioFrame { return s.out }
func (s *TrackStream) Done() <-chan struct{}            { return s.done }
func (s *TrackStream) Dropped() int64                   { return s.dropped.Load() }
func (s *TrackStream) Emitted() int64                   { return s.emitted.Load() }

// Push appends samples and emits every complete block. It returns the
// number of blocks emitted or dropped by this call.
func (s *TrackStream) Push(samples []float32) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped || len(samples) == 0 {
		return 0
	}
	s.pending = append(s.pending, samples...)
	n := 0
	off := 0
	for len(s.pending)-off >= s.blockSize {
		block := s.pending[off : off+s.blockSize]
		pts := s.pts.Next(s.label, s.blockSize, s.rate)
		f := frames.NewAudioFrameFromPool(s.label, pts, block, s.rate, s.meta)
		select {
		case s.out <- f:
			s.emitted.Add(1)
		default:
			frames.ReleaseAudioFrame(f)
			s.dropped.Add(1)
		}
		off += s.blockSize
		n++
	}
	if off > 0 {
		rest := copy(s.pending, s.pending[off:])
		s.pending = s.pending[:rest]
	}
	return n
}

// Stop ends the track. The trailing partial block is discarded. Safe to
// call more than once.
func (s *TrackStream) Stop() error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	s.pending = nil
	close(s.out)
	close(s.done)
	onStop := s.onStop
	s.mu.Unlock()
	if onStop != nil {
		onStop()
	}
	return nil
}

func (s *TrackStream) Stopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}
