package observers

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/harunnryd/scribe/pkg/audio"
	"github.com/harunnryd/scribe/pkg/metrics"
)

func TestTimelineObserverWritesJSONLPerSession(t *testing.T) {
	dir := t.TempDir()
	obs := NewTimelineObserver(dir)

	obs.RecordEvent(metrics.MetricsEvent{
		Name:  metrics.EventSegmentFlushed,
		Time:  time.Now(),
		Value: 4.0,
		Tags: map[string]string{
			metrics.TagSessionID: "sess/1",
			metrics.TagSegmentID: "seg-1",
		},
		Fields: map[string]any{"seq": 0},
	})
	obs.RecordEvent(metrics.MetricsEvent{Name: metrics.EventCodecLoaded, Time: time.Now()})
	if err := obs.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	b, err := os.ReadFile(filepath.Join(dir, "sess_1.jsonl"))
	if err != nil {
		t.Fatalf("read file: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(b)), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected one line, got %d", len(lines))
	}
	var entry timelineEvent
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if entry.Event != metrics.EventSegmentFlushed || entry.SegmentID != "seg-1" || entry.SessionID != "sess/1" {
		t.Fatalf("unexpected entry: %+v", entry)
	}
	if entry.Tags != nil {
		t.Fatalf("session and segment ids should not repeat in tags: %v", entry.Tags)
	}
}

func TestSegmentWriterStoresNumberedWAV(t *testing.T) {
	dir := t.TempDir()
	w := NewSegmentWriter(dir, "s1")
	wav, err := audio.EncodeFloat([]float32{0, 0.5, -0.5}, 16000, 0.8)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := w.Write(7, wav); err != nil {
		t.Fatalf("write: %v", err)
	}
	b, err := os.ReadFile(filepath.Join(dir, "s1", "000007.wav"))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(b, wav.Bytes()) {
		t.Fatalf("segment bytes differ")
	}

	var nilWriter *SegmentWriter
	if err := nilWriter.Write(0, wav); err != nil {
		t.Fatalf("nil writer should be a no-op: %v", err)
	}
	if NewSegmentWriter("", "s1") != nil {
		t.Fatalf("expected nil writer without a directory")
	}
}

func TestUsageObserverSummarizesSession(t *testing.T) {
	dir := t.TempDir()
	obs := NewUsageObserver(dir)
	tags := func(extra ...string) map[string]string {
		m := map[string]string{metrics.TagSessionID: "s1"}
		for i := 0; i+1 < len(extra); i += 2 {
			m[extra[i]] = extra[i+1]
		}
		return m
	}
	metrics.Record(obs, metrics.EventSegmentFlushed, 3.99, tags(), nil)
	metrics.Record(obs, metrics.EventSegmentFlushed, 1.5, tags(), nil)
	metrics.Record(obs, metrics.EventTranscribeOK, 120, tags(metrics.TagProvider, "whisper"), map[string]any{"audio_seconds": 3.99})
	metrics.Record(obs, metrics.EventTranscribeError, 30, tags(), nil)
	metrics.Record(obs, metrics.EventRecognizerFinal, 1, tags(), nil)

	sum, ok := obs.Summary("s1")
	if !ok {
		t.Fatalf("expected summary")
	}
	if sum.Segments != 2 || sum.TranscribeErrors != 1 || sum.RecognizerFinals != 1 || sum.Provider != "whisper" {
		t.Fatalf("unexpected summary: %+v", sum)
	}
	if sum.CapturedSeconds < 5.48 || sum.CapturedSeconds > 5.50 {
		t.Fatalf("captured seconds = %v", sum.CapturedSeconds)
	}
	if err := obs.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "s1.usage.json")); err != nil {
		t.Fatalf("usage file missing: %v", err)
	}
}

func TestLatencyObserverLogsOnCommit(t *testing.T) {
	var buf bytes.Buffer
	obs := NewLatencyObserver(slog.New(slog.NewTextHandler(&buf, nil)))
	base := time.Now()
	tags := map[string]string{metrics.TagSessionID: "s1", metrics.TagSegmentID: "seg-1"}
	events := []struct {
		name string
		at   time.Duration
	}{
		{metrics.EventSegmentFlushed, 0},
		{metrics.EventTranscribeStart, 10 * time.Millisecond},
		{metrics.EventTranscribeOK, 110 * time.Millisecond},
		{metrics.EventSegmentCommitted, 150 * time.Millisecond},
	}
	for _, e := range events {
		obs.RecordEvent(metrics.MetricsEvent{Name: e.name, Time: base.Add(e.at), Tags: tags})
	}
	if obs.Open() != 0 {
		t.Fatalf("trace should be closed after commit")
	}
	out := buf.String()
	if !strings.Contains(out, "segment_latency") || !strings.Contains(out, "total_ms=150") || !strings.Contains(out, "transcribe_ms=100") {
		t.Fatalf("unexpected log: %s", out)
	}
	st := obs.Stats("s1")
	if st.Segments != 1 || st.MaxMS != 150 || st.AverageMS() != 150 {
		t.Fatalf("unexpected stats: %+v", st)
	}
}

func TestMultiObserverFansOut(t *testing.T) {
	a := metrics.NewMemoryObserver()
	b := metrics.NewMemoryObserver()
	m := NewMultiObserver(a, nil, b)
	metrics.Record(m, metrics.EventSessionStart, 1, nil, nil)
	if a.Count(metrics.EventSessionStart) != 1 || b.Count(metrics.EventSessionStart) != 1 {
		t.Fatalf("expected event on both observers")
	}
}

func TestPurgeArtifactsRemovesOldFilesAndEmptyDirs(t *testing.T) {
	dir := t.TempDir()
	old := filepath.Join(dir, "s1", "000000.wav")
	fresh := filepath.Join(dir, "s2.jsonl")
	if err := os.MkdirAll(filepath.Dir(old), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	for _, p := range []string{old, fresh} {
		if err := os.WriteFile(p, []byte("x"), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	past := time.Now().Add(-48 * time.Hour)
	if err := os.Chtimes(old, past, past); err != nil {
		t.Fatalf("chtimes: %v", err)
	}

	n, err := PurgeArtifacts(dir, 24*time.Hour)
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if n != 1 {
		t.Fatalf("removed = %d, want 1", n)
	}
	if _, err := os.Stat(filepath.Join(dir, "s1")); !os.IsNotExist(err) {
		t.Fatalf("empty session dir should be removed")
	}
	if _, err := os.Stat(fresh); err != nil {
		t.Fatalf("fresh file removed: %v", err)
	}
	if n, err := PurgeArtifacts(filepath.Join(dir, "missing"), time.Hour); err != nil || n != 0 {
		t.Fatalf("missing dir: n=%d err=%v", n, err)
	}
}
