package deepgram

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/harunnryd/scribe/pkg/audio"
	"github.com/harunnryd/scribe/pkg/errorsx"
	"github.com/harunnryd/scribe/pkg/frames"
	"github.com/harunnryd/scribe/pkg/logging"
	"github.com/harunnryd/scribe/pkg/recognizer"

	msginterfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket/interfaces"
	interfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/interfaces"
	client "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/listen"
)

type Config struct {
	APIKey         string `mapstructure:"api_key"`
	Model          string `mapstructure:"model"`
	Encoding       string `mapstructure:"encoding"`
	UtteranceEndMS int    `mapstructure:"utterance_end_ms"`
	SmartFormat    *bool  `mapstructure:"smart_format"`
	SessionID      string `mapstructure:"-"`
}

// ErrNotStarted is returned by SendAudio before Start or after Stop.
var ErrNotStarted = errors.New("deepgram engine not started")

// Engine streams microphone audio to Deepgram's live endpoint and turns
// each transcript message into a recognizer event.
type Engine struct {
	cfg    Config
	logger *slog.Logger
	out    chan recognizer.Event

	mu         sync.Mutex
	dgClient   *client.WSCallback
	ctx        context.Context
	cancel     context.CancelFunc
	pipeReader *io.PipeReader
	pipeWriter *io.PipeWriter
	rate       int
	metaLogged bool
	closed     bool
}

func New(cfg Config, logger *slog.Logger) *Engine {
	if cfg.Model == "" {
		cfg.Model = "nova-2"
	}
	if cfg.Encoding == "" {
		cfg.Encoding = "linear16"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		cfg:    cfg,
		logger: logging.NewComponentLogger(logger, "deepgram_recognizer"),
		out:    make(chan recognizer.Event, 256),
	}
}

func (e *Engine) Name() string { return "deepgram" }

func (e *Engine) Start(ctx context.Context, opts recognizer.Options) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if e.cfg.SessionID == "" {
		e.cfg.SessionID = opts.SessionID
	}
	if e.cfg.APIKey == "" {
		return errors.New("deepgram api_key is required")
	}
	rate := opts.SampleRate
	if rate <= 0 {
		rate = 48000
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.ctx, e.cancel = context.WithCancel(ctx)
	e.pipeReader, e.pipeWriter = io.Pipe()
	e.rate = rate

	clientOptions := &interfaces.ClientOptions{
		EnableKeepAlive: true,
	}
	smart := true
	if e.cfg.SmartFormat != nil {
		smart = *e.cfg.SmartFormat
	}
	transcriptOptions := &interfaces.LiveTranscriptionOptions{
		Model:          e.cfg.Model,
		Language:       opts.Language,
		Encoding:       e.cfg.Encoding,
		SampleRate:     rate,
		Channels:       1,
		InterimResults: opts.Interim,
		SmartFormat:    smart,
	}
	if e.cfg.UtteranceEndMS > 0 {
		transcriptOptions.UtteranceEndMs = fmt.Sprintf("%d", e.cfg.UtteranceEndMS)
	}

	e.logger.Info("initializing_deepgram_connection",
		slog.String("session_id", e.cfg.SessionID),
		slog.String("model", e.cfg.Model),
		slog.String("language", opts.Language),
		slog.Int("sample_rate", rate))

	dgClient, err := client.NewWSUsingCallback(e.ctx, e.cfg.APIKey, clientOptions, transcriptOptions, &callback{parent: e})
	if err != nil {
		e.cancel()
		e.logger.Error("deepgram_client_create_error",
			slog.String("error", err.Error()),
			slog.String("session_id", e.cfg.SessionID))
		return err
	}
	if connected := dgClient.Connect(); !connected {
		e.cancel()
		e.logger.Error("deepgram_connect_failed", slog.String("session_id", e.cfg.SessionID))
		return fmt.Errorf("deepgram connection failed")
	}
	e.dgClient = dgClient

	go func(reader *io.PipeReader, runCtx context.Context) {
		if err := dgClient.Stream(reader); err != nil && runCtx.Err() == nil {
			e.logger.Error("deepgram_stream_error",
				slog.String("error", err.Error()),
				slog.String("session_id", e.cfg.SessionID))
			e.emit(recognizer.Event{Err: &errorsx.RecognitionError{Code: "network", Message: err.Error()}})
		}
	}(e.pipeReader, e.ctx)
	return nil
}

// Stop marks the engine closed under the lock and tears the connection
// down after releasing it; the SDK's close handshake sleeps and fires
// callbacks that take the same lock.
func (e *Engine) Stop() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	close(e.out)
	cancel, w, dg := e.cancel, e.pipeWriter, e.dgClient
	e.mu.Unlock()

	e.logger.Info("closing_deepgram_connection", slog.String("session_id", e.cfg.SessionID))
	if cancel != nil {
		cancel()
	}
	if w != nil {
		_ = w.Close()
	}
	if dg != nil {
		dg.Stop()
	}
	return nil
}

// SendAudio writes the frame as linear16 into the streaming pipe.
func (e *Engine) SendAudio(frame frames.AudioFrame) error {
	e.mu.Lock()
	w := e.pipeWriter
	closed := e.closed
	rate := e.rate
	e.mu.Unlock()
	if w == nil || closed {
		return ErrNotStarted
	}
	samples := frame.RawSamples()
	if frame.Rate() > 0 && frame.Rate() != rate {
		samples = audio.Resample(samples, frame.Rate(), rate)
	}
	_, err := w.Write(audio.FloatToPCM16Bytes(samples))
	if err != nil {
		e.logger.Error("deepgram_send_failed",
			slog.String("error", err.Error()),
			slog.String("session_id", e.cfg.SessionID))
	}
	return err
}

func (e *Engine) Events() <-chan recognizer.Event { return e.out }

func (e *Engine) emit(ev recognizer.Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	select {
	case e.out <- ev:
	default:
		e.logger.Warn("deepgram_out_channel_full", slog.String("session_id", e.cfg.SessionID))
	}
}

// messageEvent maps one live transcript message to a single-entry result
// set; Deepgram reports each utterance independently, so Index is always 0.
func messageEvent(mr *msginterfaces.MessageResponse) (recognizer.Event, bool) {
	if mr == nil || len(mr.Channel.Alternatives) == 0 {
		return recognizer.Event{}, false
	}
	transcript := mr.Channel.Alternatives[0].Transcript
	if transcript == "" {
		return recognizer.Event{}, false
	}
	return recognizer.Event{Results: &recognizer.ResultSet{
		Index:   0,
		Results: []recognizer.Alternative{{Transcript: transcript, Final: mr.IsFinal || mr.SpeechFinal}},
	}}, true
}

func errorEvent(er *msginterfaces.ErrorResponse) recognizer.Event {
	code := "engine"
	msg := ""
	if er != nil {
		if er.ErrCode != "" {
			code = er.ErrCode
		}
		msg = er.ErrMsg
	}
	return recognizer.Event{Err: &errorsx.RecognitionError{Code: code, Message: msg}}
}

type callback struct {
	parent *Engine
}

func (c *callback) Open(or *msginterfaces.OpenResponse) error {
	c.parent.logger.Info("deepgram_connection_opened", slog.String("session_id", c.parent.cfg.SessionID))
	return nil
}

func (c *callback) Message(mr *msginterfaces.MessageResponse) error {
	ev, ok := messageEvent(mr)
	if !ok {
		return nil
	}
	c.parent.emit(ev)
	return nil
}

func (c *callback) Metadata(md *msginterfaces.MetadataResponse) error {
	c.parent.mu.Lock()
	logged := c.parent.metaLogged
	c.parent.metaLogged = true
	c.parent.mu.Unlock()
	if !logged {
		c.parent.logger.Info("deepgram_metadata_received",
			slog.String("session_id", c.parent.cfg.SessionID),
			slog.String("request_id", md.RequestID))
	}
	return nil
}

func (c *callback) SpeechStarted(ssr *msginterfaces.SpeechStartedResponse) error { return nil }

func (c *callback) UtteranceEnd(ur *msginterfaces.UtteranceEndResponse) error { return nil }

func (c *callback) Close(cr *msginterfaces.CloseResponse) error {
	c.parent.logger.Info("deepgram_connection_closed", slog.String("session_id", c.parent.cfg.SessionID))
	return nil
}

func (c *callback) Error(er *msginterfaces.ErrorResponse) error {
	ev := errorEvent(er)
	c.parent.logger.Error("deepgram_error",
		slog.String("session_id", c.parent.cfg.SessionID),
		slog.String("error", ev.Err.Error()))
	c.parent.emit(ev)
	return nil
}

func (c *callback) UnhandledEvent(byData []byte) error {
	c.parent.logger.Debug("deepgram_unhandled_event",
		slog.String("session_id", c.parent.cfg.SessionID),
		slog.Int("size_bytes", len(byData)))
	return nil
}

var (
	_ recognizer.Engine    = (*Engine)(nil)
	_ recognizer.AudioSink = (*Engine)(nil)
)
