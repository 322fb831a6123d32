package config_test

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/carevoice/internal/config"
)

const fullYAML = `
server:
  listen_addr: ":9090"
  log_level: debug
live:
  provider: genai
  api_key: secret
  base_url: https://example.test
  model: gemini-2.5-flash-native-audio-preview-09-2025
  voice: Puck
  languages: [English, German]
  instructions: Keep answers short.
  input_transcription: false
  keepalive: 15s
  breaker:
    max_failures: 5
    reset_timeout: 1m
audio:
  device: portaudio
  capture_block_size: 2048
  input_sample_rate: 48000
  output_sample_rate: 48000
  options:
    frames_per_buffer: 512
telemetry:
  service_name: carevoice-test
  metrics_path: /prom
`

func TestLoadFromReader_Full(t *testing.T) {
	t.Parallel()
	cfg, err := config.LoadFromReader(strings.NewReader(fullYAML))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}

	if cfg.Server.ListenAddr != ":9090" || cfg.Server.LogLevel != config.LogDebug {
		t.Errorf("server = %+v", cfg.Server)
	}
	l := cfg.Live
	if l.Provider != "genai" || l.APIKey != "secret" || l.BaseURL != "https://example.test" {
		t.Errorf("live provider fields = %+v", l)
	}
	if l.Voice != "Puck" || !slices.Equal(l.Languages, []string{"English", "German"}) {
		t.Errorf("voice/languages = %q %v", l.Voice, l.Languages)
	}
	if config.Enabled(l.InputTranscription, true) {
		t.Error("input_transcription should be false")
	}
	if !config.Enabled(l.OutputTranscription, true) {
		t.Error("output_transcription should default to true")
	}
	if l.Keepalive != 15*time.Second {
		t.Errorf("keepalive = %s, want 15s", l.Keepalive)
	}
	if l.Breaker.MaxFailures != 5 || l.Breaker.ResetTimeout != time.Minute {
		t.Errorf("breaker = %+v", l.Breaker)
	}
	a := cfg.Audio
	if a.Device != "portaudio" || a.CaptureBlockSize != 2048 || a.InputSampleRate != 48000 || a.OutputSampleRate != 48000 {
		t.Errorf("audio = %+v", a)
	}
	if v, ok := a.Options["frames_per_buffer"].(int); !ok || v != 512 {
		t.Errorf("options[frames_per_buffer] = %#v", a.Options["frames_per_buffer"])
	}
	if cfg.Telemetry.ServiceName != "carevoice-test" || cfg.Telemetry.MetricsPath != "/prom" {
		t.Errorf("telemetry = %+v", cfg.Telemetry)
	}
}

func TestLoadFromReader_AppliesDefaults(t *testing.T) {
	t.Parallel()
	cfg, err := config.LoadFromReader(strings.NewReader("live:\n  api_key: k\n"))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}

	tests := []struct {
		name string
		got  any
		want any
	}{
		{"listen_addr", cfg.Server.ListenAddr, config.DefaultListenAddr},
		{"log_level", cfg.Server.LogLevel, config.LogInfo},
		{"live.provider", cfg.Live.Provider, config.DefaultLiveProvider},
		{"breaker.max_failures", cfg.Live.Breaker.MaxFailures, config.DefaultBreakerFailure},
		{"breaker.reset_timeout", cfg.Live.Breaker.ResetTimeout, config.DefaultBreakerReset},
		{"audio.device", cfg.Audio.Device, config.DefaultAudioDevice},
		{"capture_block_size", cfg.Audio.CaptureBlockSize, config.DefaultBlockSize},
		{"input_sample_rate", cfg.Audio.InputSampleRate, 16000},
		{"output_sample_rate", cfg.Audio.OutputSampleRate, 24000},
		{"service_name", cfg.Telemetry.ServiceName, config.DefaultServiceName},
		{"metrics_path", cfg.Telemetry.MetricsPath, config.DefaultMetricsPath},
	}
	for _, tc := range tests {
		if tc.got != tc.want {
			t.Errorf("%s = %v, want %v", tc.name, tc.got, tc.want)
		}
	}
}

func TestLoadFromReader_EmptyDocument(t *testing.T) {
	t.Parallel()
	cfg, err := config.LoadFromReader(strings.NewReader(""))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	if cfg.Live.Provider != config.DefaultLiveProvider {
		t.Errorf("provider = %q, want default", cfg.Live.Provider)
	}
}

func TestLoadFromReader_UnknownFieldRejected(t *testing.T) {
	t.Parallel()
	_, err := config.LoadFromReader(strings.NewReader("live:\n  modle: typo\n"))
	if err == nil {
		t.Fatal("expected error for unknown field")
	}
	if !strings.Contains(err.Error(), "modle") {
		t.Errorf("error should name the field, got: %v", err)
	}
}

func TestLoad_File(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "carevoice.yaml")
	if err := os.WriteFile(path, []byte(fullYAML), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Live.Provider != "genai" {
		t.Errorf("provider = %q", cfg.Live.Provider)
	}
}

func TestLoad_ExampleConfig(t *testing.T) {
	t.Parallel()
	cfg, err := config.Load(filepath.Join("..", "..", "configs", "example.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Live.Provider != "gemini-live" || cfg.Audio.Device != "ffmpeg" {
		t.Errorf("provider/device = %q/%q", cfg.Live.Provider, cfg.Audio.Device)
	}
	if cfg.Live.Keepalive != 20*time.Second {
		t.Errorf("keepalive = %s, want 20s", cfg.Live.Keepalive)
	}
}

func TestLogLevel_Slog(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   config.LogLevel
		want slog.Level
	}{
		{config.LogDebug, slog.LevelDebug},
		{config.LogInfo, slog.LevelInfo},
		{config.LogWarn, slog.LevelWarn},
		{config.LogError, slog.LevelError},
		{"", slog.LevelInfo},
	}
	for _, tc := range tests {
		if got := tc.in.Slog(); got != tc.want {
			t.Errorf("%q.Slog() = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestLoad_MissingFile(t *testing.T) {
	t.Parallel()
	_, err := config.Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("err = %v, want ErrNotExist", err)
	}
}

func TestEnabled(t *testing.T) {
	t.Parallel()
	yes, no := true, false
	if !config.Enabled(nil, true) || config.Enabled(nil, false) {
		t.Error("nil should return the default")
	}
	if !config.Enabled(&yes, false) || config.Enabled(&no, true) {
		t.Error("non-nil should return the value")
	}
}

func TestAudioConfig_OptionString(t *testing.T) {
	t.Parallel()
	a := config.AudioConfig{Options: map[string]any{"ffmpeg_path": "/opt/ffmpeg", "n": 3}}
	if got := a.OptionString("ffmpeg_path"); got != "/opt/ffmpeg" {
		t.Errorf("ffmpeg_path = %q", got)
	}
	if got := a.OptionString("n"); got != "" {
		t.Errorf("non-string option = %q, want empty", got)
	}
	if got := (config.AudioConfig{}).OptionString("x"); got != "" {
		t.Errorf("missing option = %q, want empty", got)
	}
}
