package twilio

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	twilioclient "github.com/twilio/twilio-go/client"

	"github.com/harunnryd/scribe/pkg/audio"
	"github.com/harunnryd/scribe/pkg/capture"
	"github.com/harunnryd/scribe/pkg/errorsx"
	"github.com/harunnryd/scribe/pkg/frames"
	"github.com/harunnryd/scribe/pkg/logging"
)

// Media Streams deliver 8 kHz µ-law.
const MediaRate = 8000

type Config struct {
	ServerAddr         string   `mapstructure:"server_addr"`
	PublicURL          string   `mapstructure:"public_url"`
	AuthToken          string   `mapstructure:"auth_token"`
	AccountSID         string   `mapstructure:"account_sid"`
	VoicePath          string   `mapstructure:"voice_path"`
	WebsocketPath      string   `mapstructure:"ws_path"`
	StatusCallbackPath string   `mapstructure:"status_callback_path"`
	VoiceGreeting      string   `mapstructure:"voice_greeting"`
	AllowAnyOrigin     bool     `mapstructure:"allow_any_origin"`
	AllowedOrigins     []string `mapstructure:"allowed_origins"`

	// InboundAsMicrophone maps the caller track to the microphone kind and
	// the outbound track to display. Otherwise the caller is the display
	// source and there is no microphone.
	InboundAsMicrophone bool `mapstructure:"inbound_as_microphone"`

	SampleRate int `mapstructure:"sample_rate"`
	BlockSize  int `mapstructure:"block_size"`
	Buffer     int `mapstructure:"buffer"`

	// Outbound dial-in, e.g. into a meeting's phone bridge. Empty DialTo
	// waits for an inbound call instead.
	DialTo     string `mapstructure:"dial_to"`
	DialFrom   string `mapstructure:"dial_from"`
	DialDigits string `mapstructure:"dial_digits"`
}

func (c Config) withDefaults() Config {
	if c.ServerAddr == "" {
		c.ServerAddr = ":8080"
	}
	if c.VoicePath == "" {
		c.VoicePath = "/voice"
	}
	if c.WebsocketPath == "" {
		c.WebsocketPath = "/ws"
	}
	if c.StatusCallbackPath == "" {
		c.StatusCallbackPath = "/status"
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

// Source turns one live phone call into capture tracks.
type Source struct {
	cfg      Config
	server   *http.Server
	upgrader websocket.Upgrader
	dialer   *Dialer
	log      *slog.Logger

	mu      sync.Mutex
	current *call
	ready   chan struct{}

	draining atomic.Bool
}

func New(cfg Config, logger *slog.Logger) *Source {
	cfg = cfg.withDefaults()
	s := &Source{
		cfg: cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		dialer: NewDialer(cfg),
		log:    logging.NewComponentLogger(logger, "capture_twilio"),
		ready:  make(chan struct{}),
	}
	s.upgrader.CheckOrigin = s.checkOrigin
	return s
}

func (s *Source) Name() string { return "twilio" }

func (s *Source) ReadyFields() map[string]any {
	return map[string]any{
		"webhook_url":         s.publicHTTPURL(s.cfg.VoicePath),
		"status_callback_url": s.publicHTTPURL(s.cfg.StatusCallbackPath),
	}
}

func (s *Source) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	mux := http.NewServeMux()
	mux.HandleFunc(s.cfg.VoicePath, s.handleVoice)
	mux.Handle(s.cfg.WebsocketPath, s)
	mux.HandleFunc(s.cfg.StatusCallbackPath, s.handleStatusCallback)
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
			s.log.Error("twilio_server_error", slog.String("error", err.Error()))
		}
	}()
	s.log.Info("twilio_capture_ready",
		slog.String("webhook_url", s.publicHTTPURL(s.cfg.VoicePath)))

	if s.cfg.DialTo != "" {
		sid, err := s.dialer.DialWithOptions(ctx, s.cfg.DialTo, s.cfg.DialFrom, "", DialOptions{SendDigits: s.cfg.DialDigits})
		if err != nil {
			return err
		}
		s.log.Info("twilio_dialed", slog.String("call_sid", sid))
	}
	return nil
}

func (s *Source) Stop() error {
	s.draining.Store(true)
	if s.server != nil {
		_ = s.server.Close()
	}
	s.mu.Lock()
	c := s.current
	s.current = nil
	s.mu.Unlock()
	if c != nil {
		c.end()
	}
	return nil
}

// Acquire waits for a live call and binds a track of kind to it.
func (s *Source) Acquire(ctx context.Context, kind capture.Kind) (capture.Stream, error) {
	if kind == capture.KindMicrophone && !s.cfg.InboundAsMicrophone {
		return nil, &errorsx.CaptureError{Kind: errorsx.CaptureNoAudioTrack, Source: string(kind), Err: errors.New("phone call has no local microphone")}
	}
	c, err := s.waitCall(ctx)
	if err != nil {
		return nil, &errorsx.CaptureError{Kind: errorsx.CaptureDeviceUnavailable, Source: string(kind), Err: err}
	}
	var track *capture.TrackStream
	track = capture.NewTrackStream(kind, capture.TrackOptions{
		Label:     c.streamSID + "/" + s.mediaTrack(kind),
		Rate:      s.cfg.SampleRate,
		BlockSize: s.cfg.BlockSize,
		Buffer:    s.cfg.Buffer,
		Meta: map[string]string{
			frames.MetaCallSID:  c.callSID,
			frames.MetaStreamID: c.streamSID,
			frames.MetaSource:   "twilio",
		},
		OnStop: func() { c.dropTrack(kind, track) },
	})
	if !c.bind(kind, track) {
		_ = track.Stop()
		return nil, &errorsx.CaptureError{Kind: errorsx.CaptureDeviceUnavailable, Source: string(kind), Err: errors.New("call ended")}
	}
	return track, nil
}

// mediaTrack names the Media Streams track feeding kind.
func (s *Source) mediaTrack(kind capture.Kind) string {
	if s.cfg.InboundAsMicrophone && kind == capture.KindDisplay {
		return "outbound"
	}
	return "inbound"
}

func (s *Source) kindFor(track string) (capture.Kind, bool) {
	switch track {
	case "", "inbound", "inbound_track":
		if s.cfg.InboundAsMicrophone {
			return capture.KindMicrophone, true
		}
		return capture.KindDisplay, true
	case "outbound", "outbound_track":
		if s.cfg.InboundAsMicrophone {
			return capture.KindDisplay, true
		}
	}
	return "", false
}

func (s *Source) waitCall(ctx context.Context) (*call, error) {
	for {
		s.mu.Lock()
		c, ready := s.current, s.ready
		s.mu.Unlock()
		if c != nil {
			return c, nil
		}
		select {
		case <-ctx.Done():
			return nil, errors.New("no active call")
		case <-ready:
		}
	}
}

func (s *Source) attach(c *call) {
	s.mu.Lock()
	prev := s.current
	s.current = c
	close(s.ready)
	s.ready = make(chan struct{})
	s.mu.Unlock()
	if prev != nil && prev != c {
		prev.end()
	}
}

func (s *Source) detach(c *call, reason string) {
	s.mu.Lock()
	if s.current == c {
		s.current = nil
	}
	s.mu.Unlock()
	if !c.end() {
		return
	}
	s.log.Info("twilio_call_ended",
		slog.String("call_sid", c.callSID),
		slog.String("reason", reason))
}

func (s *Source) callBySID(callSID string) *call {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current != nil && s.current.callSID == callSID {
		return s.current
	}
	return nil
}

func (s *Source) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if s.draining.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	var c *call
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			break
		}
		var evt MediaEvent
		if err := json.Unmarshal(msg, &evt); err != nil {
			continue
		}
		switch evt.Event {
		case "start":
			if evt.Start == nil {
				continue
			}
			c = newCall(evt.Start.CallSID, evt.Start.StreamSID)
			s.attach(c)
			s.log.Info("twilio_call_started",
				slog.String("call_sid", c.callSID),
				slog.String("stream_sid", c.streamSID),
				slog.Any("tracks", evt.Start.Tracks))
		case "media":
			if c == nil || evt.Media == nil {
				continue
			}
			kind, ok := s.kindFor(evt.Media.Track)
			if !ok {
				continue
			}
			track := c.track(kind)
			if track == nil {
				continue
			}
			payload, err := base64.StdEncoding.DecodeString(evt.Media.Payload)
			if err != nil {
				continue
			}
			track.Push(audio.Resample(audio.MuLawToFloat(payload), MediaRate, s.cfg.SampleRate))
		case "stop":
			if c != nil {
				reason := "completed"
				if evt.Stop != nil {
					if r := normalizeCallEndReason(evt.Stop.Reason); r != "" {
						reason = r
					}
				}
				s.detach(c, reason)
			}
			return
		}
	}
	if c != nil {
		s.detach(c, normalizeCallEndReason("transport_closed"))
	}
}

func (s *Source) handleVoice(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.cfg.AuthToken != "" && !s.validateTwilioRequest(r) {
		s.log.Warn("twilio_invalid_signature", slog.String("reason_code", string(errorsx.ReasonTransportInvalidSignature)))
		w.WriteHeader(http.StatusForbidden)
		return
	}
	w.Header().Set("Content-Type", "text/xml")
	_, _ = w.Write([]byte(s.twiml(r)))
}

func (s *Source) twiml(r *http.Request) string {
	stream := `<Stream url="` + s.websocketURL(r) + `"`
	if s.cfg.InboundAsMicrophone {
		stream += ` track="both_tracks"`
	}
	stream += `/>`
	var b strings.Builder
	b.WriteString(`<Response>`)
	if greeting := strings.TrimSpace(s.cfg.VoiceGreeting); greeting != "" {
		b.WriteString(`<Say>` + xmlEscape(greeting) + `</Say>`)
	}
	// <Start> forks media and keeps the call alive for the far end.
	b.WriteString(`<Start>` + stream + `</Start><Pause length="14400"/></Response>`)
	return b.String()
}

func (s *Source) handleStatusCallback(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.cfg.AuthToken != "" && !s.validateTwilioRequest(r) {
		s.log.Warn("twilio_status_invalid_signature", slog.String("reason_code", string(errorsx.ReasonTransportInvalidSignature)))
		w.WriteHeader(http.StatusForbidden)
		return
	}
	if err := r.ParseForm(); err != nil {
		w.WriteHeader(http.StatusOK)
		return
	}
	reason := normalizeCallEndReason(r.FormValue("CallStatus"))
	if reason != "" {
		if c := s.callBySID(r.FormValue("CallSid")); c != nil {
			s.detach(c, reason)
		}
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Source) websocketURL(r *http.Request) string {
	if s.cfg.PublicURL != "" {
		return "wss://" + normalizePublicURL(s.cfg.PublicURL) + s.cfg.WebsocketPath
	}
	host := r.Host
	if host == "" {
		host = strings.TrimPrefix(s.cfg.ServerAddr, ":")
	}
	return "wss://" + host + s.cfg.WebsocketPath
}

func (s *Source) publicHTTPURL(path string) string {
	return s.dialer.baseURL() + path
}

func (s *Source) validateTwilioRequest(r *http.Request) bool {
	signature := r.Header.Get("X-Twilio-Signature")
	if signature == "" || s.cfg.AuthToken == "" {
		return false
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return false
	}
	_ = r.Body.Close()
	r.Body = io.NopCloser(bytes.NewReader(body))

	validator := twilioclient.NewRequestValidator(s.cfg.AuthToken)
	return validator.ValidateBody(s.requestURL(r), body, signature)
}

func (s *Source) requestURL(r *http.Request) string {
	if s.cfg.PublicURL != "" {
		return strings.TrimRight(s.cfg.PublicURL, "/") + r.URL.RequestURI()
	}
	scheme := r.URL.Scheme
	if scheme == "" {
		if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
			scheme = proto
		} else {
			scheme = "https"
		}
	}
	host := r.Host
	if host == "" {
		host = strings.TrimPrefix(s.cfg.ServerAddr, ":")
	}
	return scheme + "://" + host + r.URL.RequestURI()
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

func xmlEscape(in string) string {
	return strings.NewReplacer(
		"&", "&amp;",
		"<", "&lt;",
		">", "&gt;",
		"\"", "&quot;",
		"'", "&apos;",
	).Replace(in)
}

func normalizeCallEndReason(raw string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "queued", "ringing", "in-progress", "inprogress":
		return ""
	case "completed", "call_ended", "call-ended", "completed_by_user", "hangup":
		return "completed"
	case "busy":
		return "busy"
	case "no_answer", "noanswer", "no-answer":
		return "no_answer"
	case "failed", "error", "canceled", "cancelled", "transport_closed":
		return "failed"
	default:
		return "unknown"
	}
}

func normalizePublicURL(v string) string {
	v = strings.TrimPrefix(strings.TrimPrefix(v, "https://"), "http://")
	return strings.TrimRight(v, "/")
}

type call struct {
	callSID   string
	streamSID string

	mu     sync.Mutex
	ended  bool
	tracks map[capture.Kind]*capture.TrackStream
}

func newCall(callSID, streamSID string) *call {
	return &call{
		callSID:   callSID,
		streamSID: streamSID,
		tracks:    make(map[capture.Kind]*capture.TrackStream),
	}
}

func (c *call) bind(kind capture.Kind, t *capture.TrackStream) bool {
	c.mu.Lock()
	if c.ended {
		c.mu.Unlock()
		return false
	}
	prev := c.tracks[kind]
	c.tracks[kind] = t
	c.mu.Unlock()
	if prev != nil {
		_ = prev.Stop()
	}
	return true
}

func (c *call) track(kind capture.Kind) *capture.TrackStream {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tracks[kind]
}

func (c *call) dropTrack(kind capture.Kind, t *capture.TrackStream) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tracks[kind] == t {
		delete(c.tracks, kind)
	}
}

// end stops every bound track; consumers see their streams close. It
// reports false if the call had already ended.
func (c *call) end() bool {
	c.mu.Lock()
	if c.ended {
		c.mu.Unlock()
		return false
	}
	c.ended = true
	tracks := make([]*capture.TrackStream, 0, len(c.tracks))
	for _, t := range c.tracks {
		tracks = append(tracks, t)
	}
	c.mu.Unlock()
	for _, t := range tracks {
		_ = t.Stop()
	}
	return true
}

type MediaStart struct {
	CallSID   string   `json:"callSid"`
	StreamSID string   `json:"streamSid"`
	Tracks    []string `json:"tracks,omitempty"`
}

type MediaPayload struct {
	Track   string `json:"track"`
	Payload string `json:"payload"`
}

type MediaStop struct {
	Reason string `json:"reason"`
}

// MediaEvent is one Media Streams websocket message.
type MediaEvent struct {
	Event string        `json:"event"`
	Start *MediaStart   `json:"start,omitempty"`
	Media *MediaPayload `json:"media,omitempty"`
	Stop  *MediaStop    `json:"stop,omitempty"`
}

var _ capture.Source = (*Source)(nil)
