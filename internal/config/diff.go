package config

import (
	"maps"
	"reflect"
	"slices"
)

// ConfigDiff describes what changed between two configs.
// Only fields that can be applied without a restart are tracked. Live and
// audio changes take effect for the next session; the running one keeps the
// settings it was started with.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// LiveChanged is true if anything the dialer is built from changed.
	LiveChanged bool

	// SessionChanged is true if the per-session setup changed (model, voice,
	// languages, instructions, transcription flags).
	SessionChanged bool

	// AudioChanged is true if the device backend or its options changed.
	// Block size and sample rates are fixed for the process and reported in
	// RestartRequired as "audio.format".
	AudioChanged bool

	// RestartRequired lists changed fields that only take effect after a
	// restart (e.g., server.listen_addr).
	RestartRequired []string
}

// Changed reports whether d carries any change.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || d.LiveChanged || d.SessionChanged || d.AudioChanged || len(d.RestartRequired) > 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	ol, nl := old.Live, new.Live
	if ol.Provider != nl.Provider || ol.Fallback != nl.Fallback || ol.APIKey != nl.APIKey || ol.BaseURL != nl.BaseURL ||
		ol.Keepalive != nl.Keepalive || ol.Breaker != nl.Breaker {
		d.LiveChanged = true
	}
	if ol.Model != nl.Model || ol.Voice != nl.Voice || ol.Instructions != nl.Instructions ||
		!slices.Equal(ol.Languages, nl.Languages) ||
		Enabled(ol.InputTranscription, true) != Enabled(nl.InputTranscription, true) ||
		Enabled(ol.OutputTranscription, true) != Enabled(nl.OutputTranscription, true) {
		d.SessionChanged = true
	}

	oa, na := old.Audio, new.Audio
	if oa.Device != na.Device ||
		!maps.EqualFunc(oa.Options, na.Options, func(a, b any) bool { return reflect.DeepEqual(a, b) }) {
		d.AudioChanged = true
	}

	if old.Server.ListenAddr != new.Server.ListenAddr {
		d.RestartRequired = append(d.RestartRequired, "server.listen_addr")
	}
	if !reflect.DeepEqual(old.Server.TLS, new.Server.TLS) {
		d.RestartRequired = append(d.RestartRequired, "server.tls")
	}
	if oa.CaptureBlockSize != na.CaptureBlockSize || oa.InputSampleRate != na.InputSampleRate ||
		oa.OutputSampleRate != na.OutputSampleRate {
		d.RestartRequired = append(d.RestartRequired, "audio.format")
	}
	if old.Telemetry != new.Telemetry {
		d.RestartRequired = append(d.RestartRequired, "telemetry")
	}

	return d
}
