package config_test

import (
	"slices"
	"testing"

	"github.com/MrWong99/carevoice/internal/config"
)

func baseConfig() *config.Config {
	cfg := &config.Config{
		Live: config.LiveConfig{
			APIKey:    "k",
			Voice:     "Zephyr",
			Languages: []string{"English"},
		},
		Audio: config.AudioConfig{
			Options: map[string]any{"ffmpeg_path": "ffmpeg"},
		},
	}
	config.ApplyDefaults(cfg)
	return cfg
}

func TestDiff(t *testing.T) {
	t.Parallel()
	off := false

	tests := []struct {
		name    string
		mutate  func(c *config.Config)
		check   func(d config.ConfigDiff) bool
		restart []string
	}{
		{
			name:   "no change",
			mutate: func(*config.Config) {},
			check:  func(d config.ConfigDiff) bool { return !d.Changed() },
		},
		{
			name:   "log level",
			mutate: func(c *config.Config) { c.Server.LogLevel = config.LogDebug },
			check: func(d config.ConfigDiff) bool {
				return d.LogLevelChanged && d.NewLogLevel == config.LogDebug && !d.LiveChanged && !d.SessionChanged
			},
		},
		{
			name:   "api key",
			mutate: func(c *config.Config) { c.Live.APIKey = "other" },
			check:  func(d config.ConfigDiff) bool { return d.LiveChanged && !d.SessionChanged },
		},
		{
			name:   "provider",
			mutate: func(c *config.Config) { c.Live.Provider = "genai" },
			check:  func(d config.ConfigDiff) bool { return d.LiveChanged },
		},
		{
			name:   "fallback",
			mutate: func(c *config.Config) { c.Live.Fallback = "genai" },
			check:  func(d config.ConfigDiff) bool { return d.LiveChanged && !d.SessionChanged },
		},
		{
			name:   "voice",
			mutate: func(c *config.Config) { c.Live.Voice = "Puck" },
			check:  func(d config.ConfigDiff) bool { return d.SessionChanged && !d.LiveChanged },
		},
		{
			name:   "languages",
			mutate: func(c *config.Config) { c.Live.Languages = append(c.Live.Languages, "Polish") },
			check:  func(d config.ConfigDiff) bool { return d.SessionChanged },
		},
		{
			name:   "transcription flag",
			mutate: func(c *config.Config) { c.Live.OutputTranscription = &off },
			check:  func(d config.ConfigDiff) bool { return d.SessionChanged },
		},
		{
			name:   "audio device",
			mutate: func(c *config.Config) { c.Audio.Device = "null" },
			check:  func(d config.ConfigDiff) bool { return d.AudioChanged && !d.LiveChanged },
		},
		{
			name:   "audio option",
			mutate: func(c *config.Config) { c.Audio.Options["ffmpeg_path"] = "/usr/local/bin/ffmpeg" },
			check:  func(d config.ConfigDiff) bool { return d.AudioChanged },
		},
		{
			name:    "sample rate needs restart",
			mutate:  func(c *config.Config) { c.Audio.OutputSampleRate = 48000 },
			check:   func(d config.ConfigDiff) bool { return !d.AudioChanged },
			restart: []string{"audio.format"},
		},
		{
			name:    "listen addr needs restart",
			mutate:  func(c *config.Config) { c.Server.ListenAddr = ":1" },
			check:   func(d config.ConfigDiff) bool { return d.Changed() && !d.LiveChanged },
			restart: []string{"server.listen_addr"},
		},
		{
			name:    "tls needs restart",
			mutate:  func(c *config.Config) { c.Server.TLS = &config.TLSConfig{CertFile: "c", KeyFile: "k"} },
			check:   func(d config.ConfigDiff) bool { return d.Changed() },
			restart: []string{"server.tls"},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			old, next := baseConfig(), baseConfig()
			tc.mutate(next)
			d := config.Diff(old, next)
			if !tc.check(d) {
				t.Errorf("unexpected diff: %+v", d)
			}
			if !slices.Equal(d.RestartRequired, tc.restart) {
				t.Errorf("RestartRequired = %v, want %v", d.RestartRequired, tc.restart)
			}
		})
	}
}
