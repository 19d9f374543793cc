package observers

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/harunnryd/scribe/pkg/audio"
)

// SegmentWriter stores every flushed WAV segment of a session under
// dir/<session>/NNNNNN.wav so a transcript can be replayed offline.
type SegmentWriter struct {
	dir string
}

func NewSegmentWriter(dir, sessionID string) *SegmentWriter {
	if strings.TrimSpace(dir) == "" {
		return nil
	}
	return &SegmentWriter{dir: filepath.Join(dir, sanitizeID(sessionID))}
}

// Write is a no-op on a nil writer.
func (w *SegmentWriter) Write(seq int, wav audio.Container) error {
	if w == nil || wav.IsZero() {
		return nil
	}
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return err
	}
	path := filepath.Join(w.dir, fmt.Sprintf("%06d.wav", seq))
	return os.WriteFile(path, wav.Bytes(), 0o644)
}

func (w *SegmentWriter) Dir() string {
	if w == nil {
		return ""
	}
	return w.dir
}
