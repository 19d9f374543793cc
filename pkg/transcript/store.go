package transcript

import (
	"strings"
	"sync"
	"time"

	"github.com/harunnryd/scribe/pkg/transcription"
)

// Channel names one producer's field in the store.
type Channel string

const (
	ChannelMicrophone Channel = "microphone"
	ChannelSystem     Channel = "system"
)

type EventKind string

const (
	EventFinal   EventKind = "final"
	EventInterim EventKind = "interim"
	EventResult  EventKind = "result"
	EventError   EventKind = "error"
)

// Event is published to subscribers on every field change.
type Event struct {
	Channel Channel
	Kind    EventKind
	Text    string
	At      time.Time
	Result  *transcription.Result
	Err     error
}

// Store holds the transcript of one capture session. Each producer writes
// only its own Field, so the two paths never contend on the same lock.
type Store struct {
	mic    *Field
	system *Field

	mu     sync.Mutex
	subs   map[int]chan Event
	nextID int
}

func NewStore() *Store {
	s := &Store{subs: make(map[int]chan Event)}
	s.mic = &Field{channel: ChannelMicrophone, publish: s.publish}
	s.system = &Field{channel: ChannelSystem, publish: s.publish}
	return s
}

func (s *Store) Microphone() *Field { return s.mic }
func (s *Store) System() *Field     { return s.system }

// Channel returns the field for c, or nil for an unknown channel.
func (s *Store) Channel(c Channel) *Field {
	switch c {
	case ChannelMicrophone:
		return s.mic
	case ChannelSystem:
		return s.system
	default:
		return nil
	}
}

// Subscribe returns a buffered event feed. Slow subscribers miss events
// rather than stall producers. The returned func unsubscribes.
func (s *Store) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = ch
	s.mu.Unlock()
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, id)
			s.mu.Unlock()
			close(ch)
		})
	}
}

func (s *Store) publish(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Snapshot is a point-in-time copy of both fields.
type Snapshot struct {
	Microphone FieldSnapshot `json:"microphone"`
	System     FieldSnapshot `json:"system"`
}

type FieldSnapshot struct {
	Final   string                 `json:"final"`
	Interim string                 `json:"interim"`
	Results []transcription.Result `json:"results,omitempty"`
	Updated time.Time              `json:"updated"`
}

func (s *Store) Snapshot() Snapshot {
	return Snapshot{Microphone: s.mic.Snapshot(), System: s.system.Snapshot()}
}

// Field is one producer's transcript: final text only grows, interim text
// is only ever replaced.
type Field struct {
	channel Channel
	publish func(Event)

	mu      sync.Mutex
	final   strings.Builder
	interim string
	results []transcription.Result
	lastErr error
	updated time.Time
}

func (f *Field) Channel() Channel { return f.channel }

// AppendFinal appends text verbatim, including any paragraph marker the
// producer prepended.
func (f *Field) AppendFinal(text string, at time.Time) {
	if text == "" {
		return
	}
	f.mu.Lock()
	f.final.WriteString(text)
	f.updated = at
	f.mu.Unlock()
	f.emit(Event{Channel: f.channel, Kind: EventFinal, Text: text, At: at})
}

// ReplaceInterim discards the previous interim value.
func (f *Field) ReplaceInterim(text string, at time.Time) {
	f.mu.Lock()
	f.interim = text
	f.updated = at
	f.mu.Unlock()
	f.emit(Event{Channel: f.channel, Kind: EventInterim, Text: text, At: at})
}

// AppendResult records a batch transcription and appends its text,
// separated from earlier text by a single space.
func (f *Field) AppendResult(res *transcription.Result, at time.Time) {
	if res == nil {
		return
	}
	text := strings.TrimSpace(res.Text)
	f.mu.Lock()
	f.results = append(f.results, *res)
	if text != "" {
		if f.final.Len() > 0 {
			f.final.WriteByte(' ')
		}
		f.final.WriteString(text)
	}
	f.updated = at
	f.mu.Unlock()
	f.emit(Event{Channel: f.channel, Kind: EventResult, Text: text, At: at, Result: res})
}

func (f *Field) ReportError(err error) {
	if err == nil {
		return
	}
	f.mu.Lock()
	f.lastErr = err
	f.mu.Unlock()
	f.emit(Event{Channel: f.channel, Kind: EventError, At: time.Now(), Err: err})
}

func (f *Field) Final() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.final.String()
}

func (f *Field) Interim() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.interim
}

func (f *Field) LastError() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastErr
}

func (f *Field) Results() []transcription.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]transcription.Result(nil), f.results...)
}

func (f *Field) Snapshot() FieldSnapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return FieldSnapshot{
		Final:   f.final.String(),
		Interim: f.interim,
		Results: append([]transcription.Result(nil), f.results...),
		Updated: f.updated,
	}
}

func (f *Field) emit(ev Event) {
	if f.publish != nil {
		f.publish(ev)
	}
}
