package session

import (
	"fmt"
	"os"
	"reflect"
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	Environment   string              `mapstructure:"environment"`
	LogLevel      string              `mapstructure:"log_level"`
	LogFormat     string              `mapstructure:"log_format"`
	Audio         AudioConfig         `mapstructure:"audio"`
	Capture       CaptureConfig       `mapstructure:"capture"`
	Transcription TranscriptionConfig `mapstructure:"transcription"`
	Recognition   RecognitionConfig   `mapstructure:"recognition"`
	Observability ObservabilityConfig `mapstructure:"observability"`
	Privacy       PrivacyConfig       `mapstructure:"privacy"`
}

type AudioConfig struct {
	BlockSize      int     `mapstructure:"block_size"`
	FlushBlocks    int     `mapstructure:"flush_blocks"`
	SampleRate     int     `mapstructure:"sample_rate"`
	Gain           float64 `mapstructure:"gain"`
	QueueSize      int     `mapstructure:"queue_size"`
	FlushTimeoutMS int     `mapstructure:"flush_timeout_ms"`
}

type CaptureConfig struct {
	Provider         string         `mapstructure:"provider"`
	Settings         map[string]any `mapstructure:"settings"`
	AcquireTimeoutMS int            `mapstructure:"acquire_timeout_ms"`
}

type TranscriptionConfig struct {
	Provider          string         `mapstructure:"provider"`
	Settings          map[string]any `mapstructure:"settings"`
	Codec             string         `mapstructure:"codec"`
	FFmpegPath        string         `mapstructure:"ffmpeg_path"`
	TargetRate        int            `mapstructure:"target_rate"`
	Language          string         `mapstructure:"language"`
	Concurrency       int            `mapstructure:"concurrency"`
	QueueSize         int            `mapstructure:"queue_size"`
	TimeoutMS         int            `mapstructure:"timeout_ms"`
	Retries           int            `mapstructure:"retries"`
	RetryBackoffMS    int            `mapstructure:"retry_backoff_ms"`
	BreakerThreshold  int            `mapstructure:"breaker_threshold"`
	BreakerCooldownMS int            `mapstructure:"breaker_cooldown_ms"`
}

type RecognitionConfig struct {
	Enabled              bool           `mapstructure:"enabled"`
	Provider             string         `mapstructure:"provider"`
	Settings             map[string]any `mapstructure:"settings"`
	Language             string         `mapstructure:"language"`
	ParagraphThresholdMS int            `mapstructure:"paragraph_threshold_ms"`
	FeedQueue            int            `mapstructure:"feed_queue"`
}

type ObservabilityConfig struct {
	ArtifactsDir   string  `mapstructure:"artifacts_dir"`
	RecordSegments bool    `mapstructure:"record_segments"`
	RetentionDays  int     `mapstructure:"retention_days"`
	MetricsAddr    string  `mapstructure:"metrics_addr"`
	Timeline       bool    `mapstructure:"timeline"`
	SampleBlocks   float64 `mapstructure:"sample_blocks"`
}

type PrivacyConfig struct {
	RedactPII bool `mapstructure:"redact_pii"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "development")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")
	v.SetDefault("audio.block_size", 4096)
	v.SetDefault("audio.flush_blocks", 43)
	v.SetDefault("audio.sample_rate", 44100)
	v.SetDefault("audio.gain", 0.8)
	v.SetDefault("audio.queue_size", 256)
	v.SetDefault("audio.flush_timeout_ms", 5000)
	v.SetDefault("capture.provider", "mock")
	v.SetDefault("capture.acquire_timeout_ms", 30000)
	v.SetDefault("transcription.provider", "whisper")
	v.SetDefault("transcription.codec", "native")
	v.SetDefault("transcription.ffmpeg_path", "ffmpeg")
	v.SetDefault("transcription.target_rate", 16000)
	v.SetDefault("transcription.language", "portuguese")
	v.SetDefault("transcription.concurrency", 2)
	v.SetDefault("transcription.queue_size", 32)
	v.SetDefault("transcription.timeout_ms", 60000)
	v.SetDefault("transcription.retries", 0)
	v.SetDefault("transcription.retry_backoff_ms", 500)
	v.SetDefault("transcription.breaker_threshold", 3)
	v.SetDefault("transcription.breaker_cooldown_ms", 30000)
	v.SetDefault("recognition.enabled", true)
	v.SetDefault("recognition.provider", "deepgram")
	v.SetDefault("recognition.language", "pt-BR")
	v.SetDefault("recognition.paragraph_threshold_ms", 2000)
	v.SetDefault("recognition.feed_queue", 64)
	v.SetDefault("observability.artifacts_dir", "")
	v.SetDefault("observability.record_segments", false)
	v.SetDefault("observability.retention_days", 0)
	v.SetDefault("observability.metrics_addr", "")
	v.SetDefault("observability.timeline", false)
	v.SetDefault("observability.sample_blocks", 0.1)
	v.SetDefault("privacy.redact_pii", true)
}

// LoadConfig reads a YAML config file. An empty path uses the defaults.
// Top-level keys may be overridden by SCRIBE_* environment variables, and
// ${VAR} references in strings and provider settings are expanded.
func LoadConfig(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("SCRIBE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal: %w", err)
	}
	expandEnvStrings(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	_ = v.Unmarshal(&cfg)
	return cfg
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.Capture.Provider) == "" {
		return fmt.Errorf("capture.provider is required")
	}
	if strings.TrimSpace(c.Transcription.Provider) == "" {
		return fmt.Errorf("transcription.provider is required")
	}
	if c.Recognition.Enabled && strings.TrimSpace(c.Recognition.Provider) == "" {
		return fmt.Errorf("recognition.provider is required when recognition is enabled")
	}
	if c.Audio.BlockSize <= 0 {
		return fmt.Errorf("audio.block_size must be positive")
	}
	if c.Audio.FlushBlocks <= 0 {
		return fmt.Errorf("audio.flush_blocks must be positive")
	}
	if c.Audio.SampleRate <= 0 {
		return fmt.Errorf("audio.sample_rate must be positive")
	}
	if c.Audio.Gain <= 0 || c.Audio.Gain > 1 {
		return fmt.Errorf("audio.gain must be in (0, 1]")
	}
	if c.Transcription.Retries < 0 {
		return fmt.Errorf("transcription.retries must not be negative")
	}
	switch strings.ToLower(c.Transcription.Codec) {
	case "", "native", "ffmpeg":
	default:
		return fmt.Errorf("transcription.codec %q is not supported", c.Transcription.Codec)
	}
	return nil
}

func expandEnvStrings(cfg *Config) {
	expandValue(reflect.ValueOf(cfg))
	cfg.Capture.Settings = expandSettings(cfg.Capture.Settings)
	cfg.Transcription.Settings = expandSettings(cfg.Transcription.Settings)
	cfg.Recognition.Settings = expandSettings(cfg.Recognition.Settings)
}

func expandSettings(settings map[string]any) map[string]any {
	if settings == nil {
		return nil
	}
	for k, v := range settings {
		settings[k] = expandAny(v)
	}
	return settings
}

func expandAny(v any) any {
	switch val := v.(type) {
	case string:
		return os.ExpandEnv(val)
	case []any:
		for i := range val {
			val[i] = expandAny(val[i])
		}
		return val
	case map[string]any:
		for k, v := range val {
			val[k] = expandAny(v)
		}
		return val
	case map[any]any:
		out := make(map[string]any, len(val))
		for k, v := range val {
			ks, ok := k.(string)
			if !ok {
				continue
			}
			out[ks] = expandAny(v)
		}
		return out
	default:
		return v
	}
}

func expandValue(v reflect.Value) {
	if !v.IsValid() {
		return
	}
	if v.Kind() == reflect.Pointer {
		if v.IsNil() {
			return
		}
		expandValue(v.Elem())
		return
	}
	switch v.Kind() {
	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			expandValue(v.Field(i))
		}
	case reflect.String:
		if v.CanSet() {
			v.SetString(os.ExpandEnv(v.String()))
		}
	case reflect.Slice, reflect.Array:
		for i := 0; i < v.Len(); i++ {
			expandValue(v.Index(i))
		}
	}
}
