package config

import (
	"strings"
	"testing"
)

func TestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		yaml    string
		wantErr []string
	}{
		{
			name: "valid",
			yaml: "live:\n  api_key: k\n",
		},
		{
			name:    "bad log level",
			yaml:    "server:\n  log_level: bananas\n",
			wantErr: []string{"server.log_level"},
		},
		{
			name:    "tls missing key",
			yaml:    "server:\n  tls:\n    cert_file: c.pem\n",
			wantErr: []string{"server.tls"},
		},
		{
			name:    "block size not power of two",
			yaml:    "audio:\n  capture_block_size: 1000\n",
			wantErr: []string{"capture_block_size"},
		},
		{
			name:    "negative rates",
			yaml:    "audio:\n  input_sample_rate: -1\n  output_sample_rate: -1\n",
			wantErr: []string{"input_sample_rate", "output_sample_rate"},
		},
		{
			name:    "negative breaker",
			yaml:    "live:\n  breaker:\n    max_failures: -1\n    reset_timeout: -1s\n",
			wantErr: []string{"max_failures", "reset_timeout"},
		},
		{
			name:    "relative metrics path",
			yaml:    "telemetry:\n  metrics_path: metrics\n",
			wantErr: []string{"metrics_path"},
		},
		{
			name:    "sample ratio above one",
			yaml:    "telemetry:\n  trace_sample_ratio: 2\n",
			wantErr: []string{"trace_sample_ratio"},
		},
		{
			name:    "fallback same as provider",
			yaml:    "live:\n  provider: genai\n  fallback: genai\n",
			wantErr: []string{"live.fallback"},
		},
		{
			name: "unknown provider only warns",
			yaml: "live:\n  provider: custom\naudio:\n  device: custom\n",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := LoadFromReader(strings.NewReader(tc.yaml))
			if len(tc.wantErr) == 0 {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatal("expected error")
			}
			for _, want := range tc.wantErr {
				if !strings.Contains(err.Error(), want) {
					t.Errorf("error should mention %q, got: %v", want, err)
				}
			}
		})
	}
}

func TestApplyEnv(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		key  string
		env  map[string]string
		want string
	}{
		{name: "config wins", key: "from-file", env: map[string]string{"GEMINI_API_KEY": "env"}, want: "from-file"},
		{name: "gemini first", env: map[string]string{"GEMINI_API_KEY": "g", "GOOGLE_API_KEY": "o"}, want: "g"},
		{name: "google fallback", env: map[string]string{"GOOGLE_API_KEY": "o"}, want: "o"},
		{name: "empty var skipped", env: map[string]string{"GEMINI_API_KEY": "", "GOOGLE_API_KEY": "o"}, want: "o"},
		{name: "nothing set", want: ""},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg := &Config{Live: LiveConfig{APIKey: tc.key}}
			applyEnv(cfg, func(k string) (string, bool) {
				v, ok := tc.env[k]
				return v, ok
			})
			if cfg.Live.APIKey != tc.want {
				t.Errorf("api_key = %q, want %q", cfg.Live.APIKey, tc.want)
			}
		})
	}
}
