package recognizer

import (
	"context"
	"time"

	"github.com/harunnryd/scribe/pkg/frames"
)

// Options configures a continuous recognition run.
type Options struct {
	Language   string
	Continuous bool
	Interim    bool
	SampleRate int
	SessionID  string
}

// Alternative is one indexed entry of an engine's result list.
type Alternative struct {
	Transcript string
	Final      bool
}

// ResultSet is the engine's result list; entries before Index are
// unchanged since the previous event.
type ResultSet struct {
	Index   int
	Results []Alternative
}

// Event carries either a result set or an engine error.
type Event struct {
	Results *ResultSet
	Err     error
}

// Engine is an external continuous speech recognition capability.
type Engine interface {
	Name() string
	Start(ctx context.Context, opts Options) error
	Stop() error
	Events() <-chan Event
}

// AudioSink is implemented by engines that must be fed microphone audio.
type AudioSink interface {
	SendAudio(frame frames.AudioFrame) error
}

// Sink receives recognizer output. transcript.Field implements it.
type Sink interface {
	AppendFinal(text string, at time.Time)
	ReplaceInterim(text string, at time.Time)
	ReportError(err error)
}
