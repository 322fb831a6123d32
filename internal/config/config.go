// Package config provides the configuration schema, loader, and provider
// registry for the carevoice session server.
package config

import (
	"log/slog"
	"time"

	"github.com/MrWong99/carevoice/pkg/audio"
)

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Slog maps l onto a [slog.Level]. Unknown values map to info.
func (l LogLevel) Slog() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Defaults applied by [ApplyDefaults] to fields left empty.
const (
	DefaultListenAddr     = ":8080"
	DefaultLiveProvider   = "gemini-live"
	DefaultAudioDevice    = "ffmpeg"
	DefaultServiceName    = "carevoice"
	DefaultMetricsPath    = "/metrics"
	DefaultBlockSize      = 4096
	DefaultBreakerFailure = 3
	DefaultBreakerReset   = 30 * time.Second
)

// Config is the root configuration structure.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Live      LiveConfig      `yaml:"live"`
	Audio     AudioConfig     `yaml:"audio"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the control API listens on (e.g., ":8080").
	// Set to "-" to disable the HTTP server.
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	// CertFile is the path to the PEM-encoded TLS certificate.
	CertFile string `yaml:"cert_file"`

	// KeyFile is the path to the PEM-encoded TLS private key.
	KeyFile string `yaml:"key_file"`
}

// LiveConfig selects the realtime model provider and the session setup sent
// to it. Changes apply to the next session, never the running one.
type LiveConfig struct {
	// Provider selects the registered dialer (e.g., "gemini-live", "genai").
	Provider string `yaml:"provider"`

	// Fallback names a second registered dialer tried when Provider fails
	// to connect or its breaker is open. It shares APIKey, BaseURL and Model.
	Fallback string `yaml:"fallback"`

	// APIKey authenticates against the provider. When empty, GEMINI_API_KEY
	// and then GOOGLE_API_KEY are consulted.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default endpoint.
	BaseURL string `yaml:"base_url"`

	// Model selects the realtime model. Empty uses the provider default.
	Model string `yaml:"model"`

	// Voice is the prebuilt output voice name.
	Voice string `yaml:"voice"`

	// Languages lists the languages the assistant is told to detect and
	// answer in. Empty uses the built-in list.
	Languages []string `yaml:"languages"`

	// Instructions is appended to the built-in system instruction.
	Instructions string `yaml:"instructions"`

	// InputTranscription requests transcripts of the user's speech.
	// Default: true.
	InputTranscription *bool `yaml:"input_transcription"`

	// OutputTranscription requests transcripts of the model's speech.
	// Default: true.
	OutputTranscription *bool `yaml:"output_transcription"`

	// Keepalive is the WebSocket ping interval. Zero keeps the provider default.
	Keepalive time.Duration `yaml:"keepalive"`

	// Breaker guards connection attempts against a failing provider.
	Breaker BreakerConfig `yaml:"breaker"`
}

// BreakerConfig tunes the connect circuit breaker.
type BreakerConfig struct {
	// MaxFailures is the number of consecutive failed connects before new
	// attempts are rejected without dialing.
	MaxFailures int `yaml:"max_failures"`

	// ResetTimeout is how long connects stay rejected after the breaker opens.
	ResetTimeout time.Duration `yaml:"reset_timeout"`
}

// AudioConfig selects the audio device backend.
type AudioConfig struct {
	// Device selects the registered device factory ("ffmpeg", "portaudio", "null").
	Device string `yaml:"device"`

	// CaptureBlockSize is the number of samples per capture callback.
	CaptureBlockSize int `yaml:"capture_block_size"`

	// InputSampleRate is the capture context rate in Hz.
	InputSampleRate int `yaml:"input_sample_rate"`

	// OutputSampleRate is the playback context rate in Hz.
	OutputSampleRate int `yaml:"output_sample_rate"`

	// Options holds device-specific values (e.g., ffmpeg_path, input_format).
	Options map[string]any `yaml:"options"`
}

// TelemetryConfig configures OpenTelemetry export.
type TelemetryConfig struct {
	// ServiceName is reported as the OTel service.name resource attribute.
	ServiceName string `yaml:"service_name"`

	// MetricsPath is the HTTP path serving Prometheus metrics.
	MetricsPath string `yaml:"metrics_path"`

	// TraceSampleRatio is the fraction of new traces recorded. Zero records
	// all of them.
	TraceSampleRatio float64 `yaml:"trace_sample_ratio"`
}

// Enabled returns *b, or def when b is nil.
func Enabled(b *bool, def bool) bool {
	if b == nil {
		return def
	}
	return *b
}

// OptionString returns the string option key, or "" if it is missing or not a string.
func (a AudioConfig) OptionString(key string) string {
	s, _ := a.Options[key].(string)
	return s
}

// ApplyDefaults fills empty fields of cfg with their defaults.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Live.Provider == "" {
		cfg.Live.Provider = DefaultLiveProvider
	}
	if cfg.Live.Breaker.MaxFailures == 0 {
		cfg.Live.Breaker.MaxFailures = DefaultBreakerFailure
	}
	if cfg.Live.Breaker.ResetTimeout == 0 {
		cfg.Live.Breaker.ResetTimeout = DefaultBreakerReset
	}
	if cfg.Audio.Device == "" {
		cfg.Audio.Device = DefaultAudioDevice
	}
	if cfg.Audio.CaptureBlockSize == 0 {
		cfg.Audio.CaptureBlockSize = DefaultBlockSize
	}
	if cfg.Audio.InputSampleRate == 0 {
		cfg.Audio.InputSampleRate = audio.CaptureSampleRate
	}
	if cfg.Audio.OutputSampleRate == 0 {
		cfg.Audio.OutputSampleRate = audio.PlaybackSampleRate
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = DefaultServiceName
	}
	if cfg.Telemetry.MetricsPath == "" {
		cfg.Telemetry.MetricsPath = DefaultMetricsPath
	}
}
