package frames

import (
	"sync"
	"time"
)

// Metadata keys carried on frames and metrics tags.
const (
	MetaSessionID = "session_id"
	MetaStreamID  = "stream_id"
	MetaTrackKind = "track_kind"
	MetaSource    = "source"
	MetaAgentID   = "agent_id"
	MetaCallSID   = "call_sid"
	MetaTraceID   = "trace_id"
	MetaSegmentID = "segment_id"
	MetaEncoding  = "encoding"
)

// AudioFrame is one fixed-size block of mono float32 samples in [-1, 1].
type AudioFrame struct {
	pts     int64
	samples []float32
	rate    int
	meta    map[string]string
	pooled  bool
}

func NewAudioFrame(streamID string, pts int64, samples []float32, rate int, meta map[string]string) AudioFrame {
	return AudioFrame{
		pts:     pts,
		samples: samples,
		rate:    rate,
		meta:    mergeMeta(streamID, meta),
	}
}

// NewAudioFrameFromPool copies samples into a pooled buffer. The consumer
// returns it with ReleaseAudioFrame once the samples have been copied out.
func NewAudioFrameFromPool(streamID string, pts int64, samples []float32, rate int, meta map[string]string) AudioFrame {
	buf := AcquireSampleBuf(len(samples))
	copy(buf, samples)
	return AudioFrame{
		pts:     pts,
		samples: buf,
		rate:    rate,
		meta:    mergeMeta(streamID, meta),
		pooled:  true,
	}
}

func (a AudioFrame) PTS() int64                  { return a.pts }
func (a AudioFrame) Meta() map[string]string     { return cloneMeta(a.meta) }
func (a AudioFrame) Samples() []float32          { return append([]float32(nil), a.samples...) }
func (a AudioFrame) RawSamples() []float32       { return a.samples }
func (a AudioFrame) Len() int                    { return len(a.samples) }
func (a AudioFrame) Rate() int                   { return a.rate }
func (a AudioFrame) MetaValue(key string) string { return a.meta[key] }

func (a AudioFrame) Duration() time.Duration {
	if a.rate <= 0 {
		return 0
	}
	return time.Duration(len(a.samples)) * time.Second / time.Duration(a.rate)
}

func ReleaseAudioFrame(f AudioFrame) bool {
	if f.pooled {
		ReleaseSampleBuf(f.samples)
		return true
	}
	return false
}

// PTSGen hands out per-stream presentation timestamps advanced by the
// duration of each block.
type PTSGen struct {
	mu    sync.Mutex
	value map[string]int64
}

func NewPTSGen() *PTSGen {
	return &PTSGen{value: make(map[string]int64)}
}

func (g *PTSGen) Next(streamID string, samples, rate int) int64 {
	step := time.Millisecond.Nanoseconds()
	if rate > 0 && samples > 0 {
		step = int64(samples) * time.Second.Nanoseconds() / int64(rate)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	v := g.value[streamID]
	g.value[streamID] = v + step
	return v
}

var sampleBufPool = sync.Pool{
	New: func() any {
		return make([]float32, 0, 4096)
	},
}

func AcquireSampleBuf(size int) []float32 {
	b := sampleBufPool.Get().([]float32)
	if cap(b) < size {
		return make([]float32, size)
	}
	return b[:size]
}

func ReleaseSampleBuf(b []float32) {
	sampleBufPool.Put(b[:0])
}

func mergeMeta(streamID string, meta map[string]string) map[string]string {
	out := make(map[string]string, 2+len(meta))
	if streamID != "" {
		out[MetaStreamID] = streamID
	}
	for k, v := range meta {
		out[k] = v
	}
	return out
}

func cloneMeta(meta map[string]string) map[string]string {
	out := make(map[string]string, len(meta))
	for k, v := range meta {
		out[k] = v
	}
	return out
}
