package transcription

import (
	"context"
	"errors"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/harunnryd/scribe/pkg/audio"
	"github.com/harunnryd/scribe/pkg/errorsx"
)

type OpenAIConfig struct {
	APIKey   string `mapstructure:"api_key"`
	BaseURL  string `mapstructure:"base_url"`
	Model    string `mapstructure:"model"`
	Language string `mapstructure:"language"`
	Prompt   string `mapstructure:"prompt"`
}

// OpenAIBackend transcribes through the audio transcription API with a
// verbose JSON response.
type OpenAIBackend struct {
	cfg    OpenAIConfig
	client *openai.Client
}

func NewOpenAIBackend(cfg OpenAIConfig) (*OpenAIBackend, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("openai api_key is required")
	}
	if cfg.Model == "" {
		cfg.Model = openai.Whisper1
	}
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	return &OpenAIBackend{cfg: cfg, client: openai.NewClientWithConfig(clientCfg)}, nil
}

func (o *OpenAIBackend) Name() string { return "openai" }

func (o *OpenAIBackend) Transcribe(ctx context.Context, wav audio.Container) (*Result, error) {
	resp, err := o.client.CreateTranscription(ctx, openai.AudioRequest{
		Model:    o.cfg.Model,
		FilePath: defaultFilename,
		Reader:   wav.Reader(),
		Prompt:   o.cfg.Prompt,
		Language: isoLanguage(o.cfg.Language),
		Format:   openai.AudioResponseFormatVerboseJSON,
	})
	if err != nil {
		return nil, mapOpenAIError(err)
	}
	res := &Result{
		Task:     resp.Task,
		Language: resp.Language,
		Duration: resp.Duration,
		Text:     resp.Text,
	}
	if res.Task == "" {
		res.Task = TaskName
	}
	for _, s := range resp.Segments {
		res.Segments = append(res.Segments, Segment{
			ID:               s.ID,
			Start:            s.Start,
			End:              s.End,
			Text:             s.Text,
			Tokens:           s.Tokens,
			Temperature:      s.Temperature,
			AvgLogprob:       s.AvgLogprob,
			CompressionRatio: s.CompressionRatio,
			NoSpeechProb:     s.NoSpeechProb,
		})
	}
	return res, nil
}

func mapOpenAIError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) && apiErr.HTTPStatusCode != 0 {
		return &errorsx.TranscriptionError{Status: apiErr.HTTPStatusCode, Body: apiErr.Message, Err: err}
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) && reqErr.HTTPStatusCode != 0 {
		if reqErr.HTTPStatusCode >= 200 && reqErr.HTTPStatusCode < 300 {
			return &errorsx.TranscriptionError{ParseFailure: true, Err: err}
		}
		return &errorsx.TranscriptionError{Status: reqErr.HTTPStatusCode, Err: err}
	}
	return &errorsx.TranscriptionError{Err: err}
}

// isoLanguage maps the language names Whisper servers accept to the
// ISO-639-1 codes the hosted API requires.
func isoLanguage(lang string) string {
	switch strings.ToLower(strings.TrimSpace(lang)) {
	case "", "portuguese", "pt-br", "pt_br":
		return "pt"
	case "english", "en-us", "en-gb":
		return "en"
	case "spanish", "es-es":
		return "es"
	default:
		if i := strings.IndexAny(lang, "-_"); i > 0 {
			return strings.ToLower(lang[:i])
		}
		return strings.ToLower(lang)
	}
}
