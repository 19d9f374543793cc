package ws

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/harunnryd/scribe/pkg/audio"
	"github.com/harunnryd/scribe/pkg/capture"
	"github.com/harunnryd/scribe/pkg/errorsx"
	"github.com/harunnryd/scribe/pkg/frames"
	"github.com/harunnryd/scribe/pkg/logging"
)

// Binary audio messages start with one of these track bytes followed by
// little-endian float32 samples.
const (
	TrackDisplay    byte = 0
	TrackMicrophone byte = 1
)

// Control message types exchanged with a capture agent.
const (
	MsgHello   = "hello"
	MsgWelcome = "welcome"
	MsgRequest = "request"
	MsgGrant   = "grant"
	MsgDeny    = "deny"
	MsgNoAudio = "no_audio"
	MsgStop    = "stop"
	MsgBye     = "bye"
)

type Config struct {
	ServerAddr     string   `mapstructure:"server_addr"`
	Path           string   `mapstructure:"path"`
	Token          string   `mapstructure:"token"`
	AllowAnyOrigin bool     `mapstructure:"allow_any_origin"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	SampleRate     int      `mapstructure:"sample_rate"`
	BlockSize      int      `mapstructure:"block_size"`
	Buffer         int      `mapstructure:"buffer"`
}

func (c Config) withDefaults() Config {
	if c.ServerAddr == "" {
		c.ServerAddr = ":8090"
	}
	if c.Path == "" {
		c.Path = "/capture"
	}
	if c.SampleRate <= 0 {
		c.SampleRate = capture.DefaultSampleRate
	}
	if c.BlockSize <= 0 {
		c.BlockSize = capture.DefaultBlockSize
	}
	if c.Buffer <= 0 {
		c.Buffer = 128
	}
	if !c.AllowAnyOrigin && len(c.AllowedOrigins) == 0 {
		c.AllowAnyOrigin = true
	}
	return c
}

type controlMessage struct {
	Type       string `json:"type"`
	AgentID    string `json:"agent_id,omitempty"`
	RequestID  string `json:"request_id,omitempty"`
	Kind       string `json:"kind,omitempty"`
	Label      string `json:"label,omitempty"`
	SampleRate int    `json:"sample_rate,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

// Source accepts capture agents (a browser extension or desktop helper)
// over WebSocket and asks the most recently connected one for tracks.
type Source struct {
	cfg      Config
	upgrader websocket.Upgrader
	server   *http.Server
	log      *slog.Logger

	mu      sync.Mutex
	current *agent
	ready   chan struct{}
}

func New(cfg Config, logger *slog.Logger) *Source {
	cfg = cfg.withDefaults()
	s := &Source{
		cfg: cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  16384,
			WriteBufferSize: 4096,
		},
		log:   logging.NewComponentLogger(logger, "capture_ws"),
		ready: make(chan struct{}),
	}
	s.upgrader.CheckOrigin = s.checkOrigin
	return s
}

func (s *Source) Name() string { return "ws" }

// Start serves the agent endpoint until ctx ends.
func (s *Source) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	mux := http.NewServeMux()
	mux.Handle(s.cfg.Path, s)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	s.server = &http.Server{
		Addr:              s.cfg.ServerAddr,
		ReadHeaderTimeout: 5 * time.Second,
		Handler:           mux,
	}
	go func() {
		<-ctx.Done()
		_ = s.server.Close()
	}()
	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("capture_ws_server_error", slog.String("error", err.Error()))
		}
	}()
	s.log.Info("capture_ws_listening",
		slog.String("addr", s.cfg.ServerAddr),
		slog.String("path", s.cfg.Path))
	return nil
}

func (s *Source) Stop() error {
	if s.server != nil {
		_ = s.server.Close()
	}
	s.mu.Lock()
	a := s.current
	s.current = nil
	s.mu.Unlock()
	if a != nil {
		a.close()
	}
	return nil
}

func (s *Source) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		s.log.Warn("capture_ws_unauthorized", slog.String("remote", r.RemoteAddr))
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	a := newAgent(conn, s.cfg.SampleRate)
	defer func() {
		a.close()
		s.forget(a)
	}()
	for {
		mt, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if mt == websocket.BinaryMessage {
			s.handleAudio(a, msg)
			continue
		}
		var cm controlMessage
		if err := json.Unmarshal(msg, &cm); err != nil {
			continue
		}
		switch cm.Type {
		case MsgHello:
			if cm.AgentID == "" {
				cm.AgentID = uuid.NewString()
			}
			a.hello(cm.AgentID, cm.SampleRate)
			_ = a.send(controlMessage{Type: MsgWelcome, AgentID: cm.AgentID})
			s.register(a)
			s.log.Info("capture_agent_connected",
				slog.String("agent_id", cm.AgentID),
				slog.Int("sample_rate", a.sampleRate()))
		case MsgGrant, MsgDeny, MsgNoAudio:
			a.deliver(cm)
		case MsgBye:
			s.log.Info("capture_agent_bye", slog.String("agent_id", a.agentID()))
			return
		}
	}
}

func (s *Source) handleAudio(a *agent, msg []byte) {
	if len(msg) < 1 {
		return
	}
	var kind capture.Kind
	switch msg[0] {
	case TrackDisplay:
		kind = capture.KindDisplay
	case TrackMicrophone:
		kind = capture.KindMicrophone
	default:
		return
	}
	track, rate := a.track(kind)
	if track == nil {
		return
	}
	samples, err := audio.FloatsFromLE32(msg[1:])
	if err != nil {
		s.log.Debug("capture_ws_bad_audio",
			slog.String("agent_id", a.agentID()),
			slog.String("error", err.Error()))
		return
	}
	if rate != s.cfg.SampleRate {
		samples = audio.Resample(samples, rate, s.cfg.SampleRate)
	}
	track.Push(samples)
}

func (s *Source) register(a *agent) {
	s.mu.Lock()
	prev := s.current
	s.current = a
	close(s.ready)
	s.ready = make(chan struct{})
	s.mu.Unlock()
	if prev != nil && prev != a {
		prev.close()
	}
}

func (s *Source) forget(a *agent) {
	s.mu.Lock()
	if s.current == a {
		s.current = nil
	}
	s.mu.Unlock()
}

func (s *Source) waitAgent(ctx context.Context) (*agent, error) {
	for {
		s.mu.Lock()
		a, ready := s.current, s.ready
		s.mu.Unlock()
		if a != nil {
			return a, nil
		}
		select {
		case <-ctx.Done():
			return nil, errors.New("no capture agent connected")
		case <-ready:
		}
	}
}

// Acquire asks the connected agent for a track of the given kind and
// waits for its answer.
func (s *Source) Acquire(ctx context.Context, kind capture.Kind) (capture.Stream, error) {
	a, err := s.waitAgent(ctx)
	if err != nil {
		return nil, &errorsx.CaptureError{Kind: errorsx.CaptureDeviceUnavailable, Source: string(kind), Err: err}
	}
	reqID := uuid.NewString()
	replies := a.expect(reqID)
	defer a.unexpect(reqID)
	if err := a.send(controlMessage{Type: MsgRequest, RequestID: reqID, Kind: string(kind)}); err != nil {
		return nil, &errorsx.CaptureError{Kind: errorsx.CaptureDeviceUnavailable, Source: string(kind), Err: err}
	}

	var reply controlMessage
	select {
	case <-ctx.Done():
		return nil, &errorsx.CaptureError{Kind: errorsx.CaptureDeviceUnavailable, Source: string(kind), Err: ctx.Err()}
	case <-a.done:
		return nil, &errorsx.CaptureError{Kind: errorsx.CaptureDeviceUnavailable, Source: string(kind), Err: errors.New("capture agent disconnected")}
	case reply = <-replies:
	}

	switch reply.Type {
	case MsgDeny:
		return nil, &errorsx.CaptureError{Kind: errorsx.CapturePermissionDenied, Source: string(kind), Err: reasonErr(reply.Reason)}
	case MsgNoAudio:
		return nil, &errorsx.CaptureError{Kind: errorsx.CaptureNoAudioTrack, Source: string(kind), Err: reasonErr(reply.Reason)}
	}

	rate := reply.SampleRate
	if rate <= 0 {
		rate = a.sampleRate()
	}
	label := reply.Label
	if label == "" {
		label = a.agentID() + "/" + string(kind)
	}
	// Tracks are delivered at the configured rate whatever the agent
	// granted, so display and microphone blocks line up in the mixer.
	var track *capture.TrackStream
	track = capture.NewTrackStream(kind, capture.TrackOptions{
		Label:     label,
		Rate:      s.cfg.SampleRate,
		BlockSize: s.cfg.BlockSize,
		Buffer:    s.cfg.Buffer,
		Meta:      map[string]string{frames.MetaAgentID: a.agentID()},
		OnStop: func() {
			a.dropTrack(kind, track)
			_ = a.send(controlMessage{Type: MsgStop, Kind: string(kind)})
		},
	})
	if rate != s.cfg.SampleRate {
		s.log.Info("capture_ws_resampling",
			slog.String("agent_id", a.agentID()),
			slog.String("kind", string(kind)),
			slog.Int("from", rate),
			slog.Int("to", s.cfg.SampleRate))
	}
	if prev := a.setTrack(kind, track, rate); prev != nil {
		_ = prev.Stop()
	}
	return track, nil
}

func reasonErr(reason string) error {
	if strings.TrimSpace(reason) == "" {
		return nil
	}
	return errors.New(reason)
}

func (s *Source) authorized(r *http.Request) bool {
	if s.cfg.Token == "" {
		return true
	}
	got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if got == "" {
		got = r.URL.Query().Get("token")
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(s.cfg.Token)) == 1
}

func (s *Source) checkOrigin(r *http.Request) bool {
	if s.cfg.AllowAnyOrigin {
		return true
	}
	origin := strings.TrimRight(strings.TrimSpace(r.Header.Get("Origin")), "/")
	if origin == "" {
		return true
	}
	originHost := strings.TrimPrefix(strings.TrimPrefix(origin, "https://"), "http://")
	for _, allowed := range s.cfg.AllowedOrigins {
		a := strings.TrimRight(strings.TrimSpace(allowed), "/")
		if a == "" {
			continue
		}
		if strings.HasPrefix(a, "http://") || strings.HasPrefix(a, "https://") {
			if strings.EqualFold(a, origin) {
				return true
			}
			continue
		}
		if strings.EqualFold(a, originHost) {
			return true
		}
	}
	return false
}

type agent struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	done    chan struct{}
	once    sync.Once

	mu      sync.Mutex
	id      string
	rate    int
	pending map[string]chan controlMessage
	tracks  map[capture.Kind]*capture.TrackStream
	rates   map[capture.Kind]int
}

func newAgent(conn *websocket.Conn, rate int) *agent {
	return &agent{
		conn:    conn,
		done:    make(chan struct{}),
		rate:    rate,
		pending: make(map[string]chan controlMessage),
		tracks:  make(map[capture.Kind]*capture.TrackStream),
		rates:   make(map[capture.Kind]int),
	}
}

func (a *agent) hello(id string, rate int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.id = id
	if rate > 0 {
		a.rate = rate
	}
}

func (a *agent) agentID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.id
}

func (a *agent) sampleRate() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.rate
}

func (a *agent) send(msg controlMessage) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	_ = a.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return a.conn.WriteMessage(websocket.TextMessage, b)
}

func (a *agent) expect(reqID string) <-chan controlMessage {
	ch := make(chan controlMessage, 1)
	a.mu.Lock()
	a.pending[reqID] = ch
	a.mu.Unlock()
	return ch
}

func (a *agent) unexpect(reqID string) {
	a.mu.Lock()
	delete(a.pending, reqID)
	a.mu.Unlock()
}

func (a *agent) deliver(msg controlMessage) {
	a.mu.Lock()
	ch := a.pending[msg.RequestID]
	a.mu.Unlock()
	if ch == nil {
		return
	}
	select {
	case ch <- msg:
	default:
	}
}

// track returns the stream for kind and the rate the agent sends it at.
func (a *agent) track(kind capture.Kind) (*capture.TrackStream, int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.tracks[kind], a.rates[kind]
}

func (a *agent) setTrack(kind capture.Kind, t *capture.TrackStream, rate int) *capture.TrackStream {
	a.mu.Lock()
	defer a.mu.Unlock()
	prev := a.tracks[kind]
	a.tracks[kind] = t
	a.rates[kind] = rate
	return prev
}

func (a *agent) dropTrack(kind capture.Kind, t *capture.TrackStream) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.tracks[kind] == t {
		delete(a.tracks, kind)
		delete(a.rates, kind)
	}
}

// close ends every track of the agent so consumers see the streams end.
func (a *agent) close() {
	a.once.Do(func() {
		close(a.done)
		_ = a.conn.Close()
		a.mu.Lock()
		tracks := make([]*capture.TrackStream, 0, len(a.tracks))
		for _, t := range a.tracks {
			tracks = append(tracks, t)
		}
		a.mu.Unlock()
		for _, t := range tracks {
			_ = t.Stop()
		}
	})
}

var _ capture.Source = (*Source)(nil)
