package session

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/harunnryd/scribe/pkg/capture"
	"github.com/harunnryd/scribe/pkg/recognizer"
	"github.com/harunnryd/scribe/pkg/transcription"
)

type SourceFactory func(cfg Config, logger *slog.Logger) (capture.Source, error)
type TranscriberFactory func(cfg Config, logger *slog.Logger) (transcription.Transcriber, error)
type CodecFactory func(cfg Config) (transcription.CodecLoader, error)
type EngineFactory func(cfg Config, logger *slog.Logger) (recognizer.Engine, error)

// ProviderRegistry maps lowercase provider names to factories.
type ProviderRegistry struct {
	sources      map[string]SourceFactory
	transcribers map[string]TranscriberFactory
	codecs       map[string]CodecFactory
	engines      map[string]EngineFactory
}

func NewProviderRegistry() *ProviderRegistry {
	return &ProviderRegistry{
		sources:      make(map[string]SourceFactory),
		transcribers: make(map[string]TranscriberFactory),
		codecs:       make(map[string]CodecFactory),
		engines:      make(map[string]EngineFactory),
	}
}

func providerKey(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

func (r *ProviderRegistry) RegisterSource(name string, factory SourceFactory) {
	r.sources[providerKey(name)] = factory
}

func (r *ProviderRegistry) RegisterTranscriber(name string, factory TranscriberFactory) {
	r.transcribers[providerKey(name)] = factory
}

func (r *ProviderRegistry) RegisterCodec(name string, factory CodecFactory) {
	r.codecs[providerKey(name)] = factory
}

func (r *ProviderRegistry) RegisterEngine(name string, factory EngineFactory) {
	r.engines[providerKey(name)] = factory
}

func (r *ProviderRegistry) BuildSource(provider string, cfg Config, logger *slog.Logger) (capture.Source, error) {
	fn := r.sources[providerKey(provider)]
	if fn == nil {
		return nil, fmt.Errorf("capture provider not registered: %s", provider)
	}
	return fn(cfg, logger)
}

func (r *ProviderRegistry) BuildTranscriber(provider string, cfg Config, logger *slog.Logger) (transcription.Transcriber, error) {
	fn := r.transcribers[providerKey(provider)]
	if fn == nil {
		return nil, fmt.Errorf("transcription provider not registered: %s", provider)
	}
	return fn(cfg, logger)
}

func (r *ProviderRegistry) BuildCodec(name string, cfg Config) (transcription.CodecLoader, error) {
	if providerKey(name) == "" {
		name = "native"
	}
	fn := r.codecs[providerKey(name)]
	if fn == nil {
		return nil, fmt.Errorf("codec not registered: %s", name)
	}
	return fn(cfg)
}

func (r *ProviderRegistry) BuildEngine(provider string, cfg Config, logger *slog.Logger) (recognizer.Engine, error) {
	fn := r.engines[providerKey(provider)]
	if fn == nil {
		return nil, fmt.Errorf("recognition provider not registered: %s", provider)
	}
	return fn(cfg, logger)
}
