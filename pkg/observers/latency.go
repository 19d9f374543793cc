package observers

import (
	"log/slog"
	"sync"
	"time"

	"github.com/harunnryd/scribe/pkg/metrics"
)

// LatencyObserver follows each segment from flush to commit and logs the
// transcription and ordering delays.
type LatencyObserver struct {
	mu     sync.Mutex
	traces map[string]*trace
	stats  map[string]*LatencyStats
	log    *slog.Logger
}

type trace struct {
	flushed    time.Time
	started    time.Time
	finished   time.Time
	audioSec   float64
	attempts   int
	sessionID  string
	transcribe string
}

// LatencyStats aggregates committed segments of one session.
type LatencyStats struct {
	Segments int
	TotalMS  int64
	MaxMS    int64
}

func (s LatencyStats) AverageMS() int64 {
	if s.Segments == 0 {
		return 0
	}
	return s.TotalMS / int64(s.Segments)
}

func NewLatencyObserver(log *slog.Logger) *LatencyObserver {
	if log == nil {
		log = slog.Default()
	}
	return &LatencyObserver{
		traces: make(map[string]*trace),
		stats:  make(map[string]*LatencyStats),
		log:    log,
	}
}

func (o *LatencyObserver) RecordEvent(ev metrics.MetricsEvent) {
	if ev.Tags == nil {
		return
	}
	segmentID := ev.Tags[metrics.TagSegmentID]
	if segmentID == "" {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	t := o.traces[segmentID]
	if t == nil {
		t = &trace{sessionID: ev.Tags[metrics.TagSessionID]}
		o.traces[segmentID] = t
	}
	switch ev.Name {
	case metrics.EventSegmentFlushed:
		t.flushed = ev.Time
		t.audioSec = ev.Value
	case metrics.EventTranscribeStart:
		t.attempts++
		if t.started.IsZero() {
			t.started = ev.Time
		}
	case metrics.EventTranscribeOK:
		t.finished = ev.Time
		t.transcribe = "ok"
	case metrics.EventTranscribeError:
		t.finished = ev.Time
		t.transcribe = "error"
	case metrics.EventTranscribeDrop:
		t.transcribe = "dropped"
	case metrics.EventSegmentCommitted:
		o.logLocked(segmentID, t, ev.Time)
		delete(o.traces, segmentID)
	}
}

func (o *LatencyObserver) logLocked(segmentID string, t *trace, committed time.Time) {
	total := durationMs(t.flushed, committed)
	o.log.Info("segment_latency",
		"session_id", t.sessionID,
		"segment_id", segmentID,
		"audio_seconds", t.audioSec,
		"queue_ms", durationMs(t.flushed, t.started),
		"transcribe_ms", durationMs(t.started, t.finished),
		"ordering_ms", durationMs(t.finished, committed),
		"total_ms", total,
		"attempts", t.attempts,
		"result", t.transcribe,
	)
	if total < 0 || t.sessionID == "" {
		return
	}
	st := o.stats[t.sessionID]
	if st == nil {
		st = &LatencyStats{}
		o.stats[t.sessionID] = st
	}
	st.Segments++
	st.TotalMS += total
	if total > st.MaxMS {
		st.MaxMS = total
	}
}

// Stats returns the aggregate for a session.
func (o *LatencyObserver) Stats(sessionID string) LatencyStats {
	o.mu.Lock()
	defer o.mu.Unlock()
	if st := o.stats[sessionID]; st != nil {
		return *st
	}
	return LatencyStats{}
}

// Open reports segments seen but not yet committed.
func (o *LatencyObserver) Open() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.traces)
}

func durationMs(a, b time.Time) int64 {
	if a.IsZero() || b.IsZero() {
		return -1
	}
	return b.Sub(a).Milliseconds()
}

var _ metrics.Observer = (*LatencyObserver)(nil)
