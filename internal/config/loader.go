package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"live":  {"gemini-live", "genai"},
	"audio": {"ffmpeg", "portaudio", "null"},
}

// APIKeyEnv lists the environment variables consulted, in order, when
// live.api_key is empty.
var APIKeyEnv = []string{"GEMINI_API_KEY", "GOOGLE_API_KEY"}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and
// environment overrides, and validates the result. An empty document yields
// the default configuration.
func LoadFromReader(r io.Reader) (*Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("config: read: %w", err)
	}
	cfg := &Config{}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	applyEnv(cfg, os.LookupEnv)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	applyEnv(cfg, os.LookupEnv)
	return cfg
}

func applyEnv(cfg *Config, lookup func(string) (string, bool)) {
	if cfg.Live.APIKey != "" {
		return
	}
	for _, name := range APIKeyEnv {
		if v, ok := lookup(name); ok && v != "" {
			cfg.Live.APIKey = v
			return
		}
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	validateProviderName("live", cfg.Live.Provider)
	validateProviderName("live", cfg.Live.Fallback)
	validateProviderName("audio", cfg.Audio.Device)

	// Live
	if cfg.Live.APIKey == "" {
		slog.Warn("live.api_key is empty and no API key environment variable is set; sessions will fail to connect",
			"env", APIKeyEnv)
	}
	if cfg.Live.Fallback != "" && cfg.Live.Fallback == cfg.Live.Provider {
		errs = append(errs, fmt.Errorf("live.fallback %q must differ from live.provider", cfg.Live.Fallback))
	}
	if cfg.Live.Keepalive < 0 {
		errs = append(errs, fmt.Errorf("live.keepalive %s must not be negative", cfg.Live.Keepalive))
	}
	if cfg.Live.Breaker.MaxFailures < 0 {
		errs = append(errs, fmt.Errorf("live.breaker.max_failures %d must not be negative", cfg.Live.Breaker.MaxFailures))
	}
	if cfg.Live.Breaker.ResetTimeout < 0 {
		errs = append(errs, fmt.Errorf("live.breaker.reset_timeout %s must not be negative", cfg.Live.Breaker.ResetTimeout))
	}

	// Audio
	if cfg.Audio.CaptureBlockSize < 0 {
		errs = append(errs, fmt.Errorf("audio.capture_block_size %d must not be negative", cfg.Audio.CaptureBlockSize))
	} else if n := cfg.Audio.CaptureBlockSize; n != 0 && n&(n-1) != 0 {
		errs = append(errs, fmt.Errorf("audio.capture_block_size %d must be a power of two", n))
	}
	if cfg.Audio.InputSampleRate < 0 {
		errs = append(errs, fmt.Errorf("audio.input_sample_rate %d must not be negative", cfg.Audio.InputSampleRate))
	}
	if cfg.Audio.OutputSampleRate < 0 {
		errs = append(errs, fmt.Errorf("audio.output_sample_rate %d must not be negative", cfg.Audio.OutputSampleRate))
	}

	// Telemetry
	if p := cfg.Telemetry.MetricsPath; p != "" && p[0] != '/' {
		errs = append(errs, fmt.Errorf("telemetry.metrics_path %q must start with /", p))
	}
	if r := cfg.Telemetry.TraceSampleRatio; r < 0 || r > 1 {
		errs = append(errs, fmt.Errorf("telemetry.trace_sample_ratio %v must be within [0,1]", r))
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
