package transcription

import (
	"context"

	"github.com/harunnryd/scribe/pkg/audio"
)

// Result is the verbose transcription of one segment.
type Result struct {
	Task     string    `json:"task"`
	Language string    `json:"language"`
	Duration float64   `json:"duration"`
	Text     string    `json:"text"`
	Segments []Segment `json:"segments"`
}

type Segment struct {
	ID               int     `json:"id"`
	Start            float64 `json:"start"`
	End              float64 `json:"end"`
	Text             string  `json:"text"`
	Tokens           []int   `json:"tokens"`
	Temperature      float64 `json:"temperature"`
	AvgLogprob       float64 `json:"avg_logprob"`
	CompressionRatio float64 `json:"compression_ratio"`
	NoSpeechProb     float64 `json:"no_speech_prob"`
}

// Transcriber submits one WAV segment to a speech-to-text backend.
// Implementations make a single attempt; retries belong to the caller.
type Transcriber interface {
	Name() string
	Transcribe(ctx context.Context, wav audio.Container) (*Result, error)
}

const (
	// WireRate is the sample rate transcription backends expect.
	WireRate = 16000
	TaskName = "transcribe"
)
