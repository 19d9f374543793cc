package metrics

import (
	"math"
	"sync/atomic"
)

// SamplingObserver forwards a fraction of high-rate events (per-block
// mixer events, interim results). Names outside the sampled set always pass.
type SamplingObserver struct {
	inner       Observer
	rate        float64
	sampleEvery uint64
	counter     uint64
	sampled     map[string]struct{}
}

func NewSamplingObserver(inner Observer, rate float64, names ...string) *SamplingObserver {
	if rate > 1 {
		rate = 1
	}
	if rate < 0 {
		rate = 0
	}
	var every uint64
	if rate == 0 {
		every = 0
	} else if rate == 1 {
		every = 1
	} else {
		every = uint64(math.Round(1.0 / rate))
		if every == 0 {
			every = 1
		}
	}
	var sampled map[string]struct{}
	if len(names) > 0 {
		sampled = make(map[string]struct{}, len(names))
		for _, n := range names {
			sampled[n] = struct{}{}
		}
	}
	return &SamplingObserver{inner: inner, rate: rate, sampleEvery: every, sampled: sampled}
}

func (s *SamplingObserver) RecordEvent(ev MetricsEvent) {
	if s.sampled != nil {
		if _, ok := s.sampled[ev.Name]; !ok {
			s.inner.RecordEvent(ev)
			return
		}
	}
	if s.rate == 0 {
		return
	}
	if s.sampleEvery <= 1 {
		s.inner.RecordEvent(ev)
		return
	}
	n := atomic.AddUint64(&s.counter, 1)
	if n%s.sampleEvery == 0 {
		s.inner.RecordEvent(ev)
	}
}
