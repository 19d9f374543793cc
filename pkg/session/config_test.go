package session

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Audio.BlockSize != 4096 || cfg.Audio.FlushBlocks != 43 || cfg.Audio.SampleRate != 44100 {
		t.Fatalf("unexpected audio defaults: %+v", cfg.Audio)
	}
	if cfg.Audio.Gain != 0.8 {
		t.Fatalf("gain = %v", cfg.Audio.Gain)
	}
	if cfg.Transcription.TargetRate != 16000 || cfg.Transcription.Retries != 0 || cfg.Transcription.Language != "portuguese" {
		t.Fatalf("unexpected transcription defaults: %+v", cfg.Transcription)
	}
	if cfg.Recognition.ParagraphThresholdMS != 2000 || cfg.Recognition.Language != "pt-BR" {
		t.Fatalf("unexpected recognition defaults: %+v", cfg.Recognition)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
}

func TestLoadConfigFromYAML(t *testing.T) {
	t.Setenv("TEST_WHISPER_KEY", "secret-key")
	dir := t.TempDir()
	path := filepath.Join(dir, "scribe.yaml")
	yaml := `
log_level: debug
audio:
  flush_blocks: 20
capture:
  provider: ws
  settings:
    server_addr: ":9000"
transcription:
  provider: openai
  settings:
    api_key: ${TEST_WHISPER_KEY}
recognition:
  enabled: false
`
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.LogLevel != "debug" || cfg.Audio.FlushBlocks != 20 || cfg.Audio.BlockSize != 4096 {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if cfg.Capture.Provider != "ws" || cfg.Capture.Settings["server_addr"] != ":9000" {
		t.Fatalf("unexpected capture: %+v", cfg.Capture)
	}
	if cfg.Transcription.Settings["api_key"] != "secret-key" {
		t.Fatalf("env not expanded: %v", cfg.Transcription.Settings)
	}
	if cfg.Recognition.Enabled {
		t.Fatalf("recognition should be disabled")
	}
}

func TestLoadConfigRejectsInvalid(t *testing.T) {
	dir := t.TempDir()
	cases := map[string]string{
		"gain":  "audio:\n  gain: 1.5\n",
		"codec": "transcription:\n  codec: mp3\n",
		"block": "audio:\n  block_size: 0\n",
	}
	for name, body := range cases {
		path := filepath.Join(dir, name+".yaml")
		if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
		if _, err := LoadConfig(path); err == nil || !strings.Contains(err.Error(), "validate config") {
			t.Fatalf("%s: expected validation error, got %v", name, err)
		}
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("expected read error")
	}
}

func TestRegistryBuildCodecDefaultsToNative(t *testing.T) {
	reg := DefaultRegistry()
	loader, err := reg.BuildCodec("", DefaultConfig())
	if err != nil || loader == nil {
		t.Fatalf("native codec: %v", err)
	}
	if _, err := reg.BuildCodec("opus", DefaultConfig()); err == nil {
		t.Fatalf("expected unknown codec error")
	}
	if _, err := reg.BuildEngine("deepgram", DefaultConfig(), nil); err == nil {
		t.Fatalf("deepgram without api_key should fail")
	}
}
