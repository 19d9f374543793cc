package session

import (
	"log/slog"
	"time"

	"github.com/harunnryd/scribe/pkg/capture"
	capturemock "github.com/harunnryd/scribe/pkg/capture/mock"
	"github.com/harunnryd/scribe/pkg/capture/twilio"
	"github.com/harunnryd/scribe/pkg/capture/ws"
	"github.com/harunnryd/scribe/pkg/configutil"
	"github.com/harunnryd/scribe/pkg/recognizer"
	"github.com/harunnryd/scribe/pkg/recognizer/deepgram"
	recognizermock "github.com/harunnryd/scribe/pkg/recognizer/mock"
	"github.com/harunnryd/scribe/pkg/transcription"
)

// DefaultRegistry registers every built-in provider.
func DefaultRegistry() *ProviderRegistry {
	r := NewProviderRegistry()

	r.RegisterSource("mock", func(cfg Config, _ *slog.Logger) (capture.Source, error) {
		var c capturemock.Config
		schema := configutil.Schema{Optional: []string{"sample_rate", "block_size", "tone_hz", "amplitude", "blocks", "realtime", "fail"}}
		if err := configutil.DecodeProvider("capture.mock", cfg.Capture.Settings, schema, &c); err != nil {
			return nil, err
		}
		if c.SampleRate == 0 {
			c.SampleRate = cfg.Audio.SampleRate
		}
		if c.BlockSize == 0 {
			c.BlockSize = cfg.Audio.BlockSize
		}
		return capturemock.New(c), nil
	})
	r.RegisterSource("ws", func(cfg Config, logger *slog.Logger) (capture.Source, error) {
		var c ws.Config
		schema := configutil.Schema{Optional: []string{"server_addr", "path", "token", "allow_any_origin", "allowed_origins", "sample_rate", "block_size", "buffer"}}
		if err := configutil.DecodeProvider("capture.ws", cfg.Capture.Settings, schema, &c); err != nil {
			return nil, err
		}
		if c.SampleRate == 0 {
			c.SampleRate = cfg.Audio.SampleRate
		}
		if c.BlockSize == 0 {
			c.BlockSize = cfg.Audio.BlockSize
		}
		return ws.New(c, logger), nil
	})
	r.RegisterSource("twilio", func(cfg Config, logger *slog.Logger) (capture.Source, error) {
		var c twilio.Config
		schema := configutil.Schema{
			Optional: []string{
				"server_addr", "public_url", "auth_token", "account_sid", "voice_path", "ws_path",
				"status_callback_path", "voice_greeting", "allow_any_origin", "allowed_origins",
				"inbound_as_microphone", "sample_rate", "block_size", "buffer",
				"dial_to", "dial_from", "dial_digits",
			},
		}
		if err := configutil.DecodeProvider("capture.twilio", cfg.Capture.Settings, schema, &c); err != nil {
			return nil, err
		}
		if c.SampleRate == 0 {
			c.SampleRate = cfg.Audio.SampleRate
		}
		if c.BlockSize == 0 {
			c.BlockSize = cfg.Audio.BlockSize
		}
		return twilio.New(c, logger), nil
	})

	r.RegisterTranscriber("whisper", func(cfg Config, _ *slog.Logger) (transcription.Transcriber, error) {
		var c transcription.WhisperConfig
		schema := configutil.Schema{Required: []string{"endpoint"}, Optional: []string{"api_key", "language", "model", "timeout"}}
		if err := configutil.DecodeProvider("transcription.whisper", cfg.Transcription.Settings, schema, &c); err != nil {
			return nil, err
		}
		if c.Language == "" {
			c.Language = cfg.Transcription.Language
		}
		return transcription.NewWhisperBackend(c, nil)
	})
	r.RegisterTranscriber("openai", func(cfg Config, _ *slog.Logger) (transcription.Transcriber, error) {
		var c transcription.OpenAIConfig
		schema := configutil.Schema{Required: []string{"api_key"}, Optional: []string{"base_url", "model", "language", "prompt"}}
		if err := configutil.DecodeProvider("transcription.openai", cfg.Transcription.Settings, schema, &c); err != nil {
			return nil, err
		}
		if c.Language == "" {
			c.Language = cfg.Transcription.Language
		}
		return transcription.NewOpenAIBackend(c)
	})

	r.RegisterCodec("native", func(cfg Config) (transcription.CodecLoader, error) {
		return transcription.NewNativeLoader(cfg.Transcription.TargetRate), nil
	})
	r.RegisterCodec("ffmpeg", func(cfg Config) (transcription.CodecLoader, error) {
		return transcription.NewFFmpegLoader(cfg.Transcription.FFmpegPath, cfg.Transcription.TargetRate), nil
	})

	r.RegisterEngine("deepgram", func(cfg Config, logger *slog.Logger) (recognizer.Engine, error) {
		var c deepgram.Config
		schema := configutil.Schema{Required: []string{"api_key"}, Optional: []string{"model", "encoding", "utterance_end_ms", "smart_format"}}
		if err := configutil.DecodeProvider("recognition.deepgram", cfg.Recognition.Settings, schema, &c); err != nil {
			return nil, err
		}
		return deepgram.New(c, logger), nil
	})
	r.RegisterEngine("mock", func(cfg Config, _ *slog.Logger) (recognizer.Engine, error) {
		var c struct {
			Phrases  []string      `mapstructure:"phrases"`
			Interval time.Duration `mapstructure:"interval"`
		}
		schema := configutil.Schema{Optional: []string{"phrases", "interval"}}
		if err := configutil.DecodeProvider("recognition.mock", cfg.Recognition.Settings, schema, &c); err != nil {
			return nil, err
		}
		return recognizermock.New(recognizermock.Config{
			Script:   recognizermock.Phrases(c.Phrases...),
			Interval: c.Interval,
		}), nil
	})
	return r
}
