package transcription

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/harunnryd/scribe/pkg/audio"
	"github.com/harunnryd/scribe/pkg/errorsx"
)

const (
	DefaultLanguage = "portuguese"
	defaultFilename = "audio.wav"
	defaultTimeout  = 60 * time.Second
	maxErrorBody    = 512
)

// WhisperConfig configures a Whisper-compatible multipart endpoint.
type WhisperConfig struct {
	Endpoint string        `mapstructure:"endpoint"`
	APIKey   string        `mapstructure:"api_key"`
	Language string        `mapstructure:"language"`
	Model    string        `mapstructure:"model"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// WhisperBackend posts one WAV per request as multipart/form-data with
// the fields file, language and task.
type WhisperBackend struct {
	cfg        WhisperConfig
	httpClient *http.Client
}

func NewWhisperBackend(cfg WhisperConfig, httpClient *http.Client) (*WhisperBackend, error) {
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return nil, errors.New("whisper endpoint is required")
	}
	if cfg.Language == "" {
		cfg.Language = DefaultLanguage
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				MaxIdleConns:        16,
				MaxIdleConnsPerHost: 4,
				IdleConnTimeout:     90 * time.Second,
			},
		}
	}
	return &WhisperBackend{cfg: cfg, httpClient: httpClient}, nil
}

func (w *WhisperBackend) Name() string { return "whisper" }

func (w *WhisperBackend) Transcribe(ctx context.Context, wav audio.Container) (*Result, error) {
	body, contentType, err := w.multipartBody(wav)
	if err != nil {
		return nil, &errorsx.TranscriptionError{Err: err}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.cfg.Endpoint, body)
	if err != nil {
		return nil, &errorsx.TranscriptionError{Err: err}
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "application/json")
	if w.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+w.cfg.APIKey)
	}

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return nil, &errorsx.TranscriptionError{Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &errorsx.TranscriptionError{Status: statusOrZero(resp.StatusCode), Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &errorsx.TranscriptionError{Status: resp.StatusCode, Body: truncate(string(raw), maxErrorBody)}
	}
	return parseResult(raw)
}

func (w *WhisperBackend) multipartBody(wav audio.Container) (io.Reader, string, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	fw, err := writer.CreateFormFile("file", defaultFilename)
	if err != nil {
		return nil, "", fmt.Errorf("create form file: %w", err)
	}
	if _, err := io.Copy(fw, wav.Reader()); err != nil {
		return nil, "", fmt.Errorf("write audio: %w", err)
	}
	fields := [][2]string{
		{"language", w.cfg.Language},
		{"task", TaskName},
	}
	if w.cfg.Model != "" {
		fields = append(fields, [2]string{"model", w.cfg.Model})
	}
	for _, f := range fields {
		if err := writer.WriteField(f[0], f[1]); err != nil {
			return nil, "", fmt.Errorf("write field %s: %w", f[0], err)
		}
	}
	if err := writer.Close(); err != nil {
		return nil, "", fmt.Errorf("close multipart writer: %w", err)
	}
	return &buf, writer.FormDataContentType(), nil
}

// parseResult decodes a verbose response. A body without a text field is
// treated as a parse failure.
func parseResult(raw []byte) (*Result, error) {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(raw, &probe); err != nil {
		return nil, &errorsx.TranscriptionError{ParseFailure: true, Err: err}
	}
	if _, ok := probe["text"]; !ok {
		return nil, &errorsx.TranscriptionError{ParseFailure: true, Err: errors.New("response has no text field")}
	}
	var res Result
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, &errorsx.TranscriptionError{ParseFailure: true, Err: err}
	}
	if res.Task == "" {
		res.Task = TaskName
	}
	return &res, nil
}

func statusOrZero(code int) int {
	if code >= 200 && code < 300 {
		return 0
	}
	return code
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n]
}
