package observers

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/harunnryd/scribe/pkg/metrics"
)

// UsageSummary is the billing view of one session: how much audio was
// captured and how much of it reached the transcription provider.
type UsageSummary struct {
	SessionID          string  `json:"session_id"`
	Provider           string  `json:"provider,omitempty"`
	CapturedSeconds    float64 `json:"captured_audio_seconds"`
	TranscribedSeconds float64 `json:"transcribed_audio_seconds"`
	Segments           int     `json:"segments"`
	TranscribeErrors   int     `json:"transcription_errors"`
	Dropped            int     `json:"segments_dropped"`
	RecognizerFinals   int     `json:"recognition_finals"`
	RecordedAtUTC      string  `json:"recorded_at_utc"`
}

type UsageObserver struct {
	dir   string
	mu    sync.Mutex
	stats map[string]*UsageSummary
}

func NewUsageObserver(dir string) *UsageObserver {
	return &UsageObserver{dir: dir, stats: make(map[string]*UsageSummary)}
}

func (o *UsageObserver) RecordEvent(ev metrics.MetricsEvent) {
	if ev.Tags == nil {
		return
	}
	id := ev.Tags[metrics.TagSessionID]
	if id == "" {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	stat := o.stats[id]
	if stat == nil {
		stat = &UsageSummary{SessionID: id}
		o.stats[id] = stat
	}
	switch ev.Name {
	case metrics.EventSegmentFlushed:
		stat.CapturedSeconds += ev.Value
		stat.Segments++
	case metrics.EventTranscribeOK:
		if sec, ok := ev.Fields["audio_seconds"].(float64); ok {
			stat.TranscribedSeconds += sec
		}
		if p := ev.Tags[metrics.TagProvider]; p != "" {
			stat.Provider = p
		}
	case metrics.EventTranscribeError:
		stat.TranscribeErrors++
	case metrics.EventTranscribeDrop:
		stat.Dropped++
	case metrics.EventRecognizerFinal:
		stat.RecognizerFinals++
	}
}

// Summary returns a copy of the running totals for a session.
func (o *UsageObserver) Summary(sessionID string) (UsageSummary, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	stat := o.stats[sessionID]
	if stat == nil {
		return UsageSummary{}, false
	}
	return *stat, true
}

// Close writes <dir>/<session_id>.usage.json for every session seen.
func (o *UsageObserver) Close() error {
	if strings.TrimSpace(o.dir) == "" {
		return nil
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.stats) == 0 {
		return nil
	}
	if err := os.MkdirAll(o.dir, 0o755); err != nil {
		return err
	}
	var errOut error
	for id, stat := range o.stats {
		stat.RecordedAtUTC = time.Now().UTC().Format(time.RFC3339)
		b, err := json.MarshalIndent(stat, "", "  ")
		if err != nil {
			errOut = errors.Join(errOut, err)
			continue
		}
		path := filepath.Join(o.dir, sanitizeID(id)+".usage.json")
		if err := os.WriteFile(path, b, 0o644); err != nil {
			errOut = errors.Join(errOut, err)
		}
	}
	return errOut
}

var _ metrics.Observer = (*UsageObserver)(nil)
