package main

import (
	"bytes"
	"context"
	"errors"
	"slices"
	"strings"
	"testing"

	"github.com/MrWong99/carevoice/internal/config"
	"github.com/MrWong99/carevoice/internal/session"
	"github.com/MrWong99/carevoice/pkg/provider/live"
)

type fakeController struct {
	toggles, stops, dismissals int
	toggleErr                  error
	snap                       session.Snapshot
}

func (f *fakeController) Toggle(context.Context) error {
	f.toggles++
	return f.toggleErr
}

func (f *fakeController) Stop(context.Context) error {
	f.stops++
	return nil
}

func (f *fakeController) Snapshot() session.Snapshot { return f.snap }

func (f *fakeController) DismissError() { f.dismissals++ }

func TestConsole_Commands(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	ctl := &fakeController{snap: session.Snapshot{
		SessionID:  "abc",
		Status:     "active",
		Transcript: "Hello there.",
	}}
	c := newConsole(&out)
	c.ctl = ctl

	in := strings.NewReader("/toggle\n\n/status\n/bogus\n/dismiss\n/stop\n/quit\n/toggle\n")
	if err := c.run(context.Background(), in); err != nil {
		t.Fatalf("run: %v", err)
	}

	if ctl.toggles != 1 || ctl.stops != 1 || ctl.dismissals != 1 {
		t.Errorf("toggles/stops/dismissals = %d/%d/%d, want 1/1/1", ctl.toggles, ctl.stops, ctl.dismissals)
	}
	for _, want := range []string{
		"status: active (session abc)",
		"assistant: Hello there.",
		`unknown command "/bogus"`,
		"bye",
	} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("output missing %q:\n%s", want, out.String())
		}
	}
}

func TestConsole_EOFEndsLoop(t *testing.T) {
	t.Parallel()

	c := newConsole(&bytes.Buffer{})
	c.ctl = &fakeController{}
	if err := c.run(context.Background(), strings.NewReader("/status\n")); err != nil {
		t.Fatalf("run: %v", err)
	}
}

func TestConsole_ToggleErrorIsPrinted(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	c := newConsole(&out)
	c.ctl = &fakeController{toggleErr: &session.DeviceAcquisitionError{
		Device: session.DeviceMicrophone,
		Err:    errors.New("denied"),
	}}
	if err := c.run(context.Background(), strings.NewReader("/toggle\n")); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.String(), "microphone") {
		t.Errorf("output = %q, want microphone error", out.String())
	}
}

func TestConsole_Observe(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		u    session.Update
		want string
	}{
		{"state", session.Update{Kind: session.UpdateState, State: session.StateClosing}, "[inactive]"},
		{"user", session.Update{Kind: session.UpdateTranscript, Text: "hi", Source: live.SourceInput}, "you: hi"},
		{"model", session.Update{Kind: session.UpdateTranscript, Text: "hello", Source: live.SourceOutput}, "assistant: hello"},
		{"error", session.Update{Kind: session.UpdateError, Err: errors.New("boom")}, "error: "},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			var out bytes.Buffer
			newConsole(&out).observe(tc.u)
			if !strings.Contains(out.String(), tc.want) {
				t.Errorf("output = %q, want %q", out.String(), tc.want)
			}
		})
	}
}

func TestRegisterBuiltinProviders(t *testing.T) {
	t.Parallel()

	reg := config.NewRegistry()
	registerBuiltinProviders(reg)
	for _, name := range []string{"gemini-live", "genai"} {
		if !slices.Contains(reg.LiveNames(), name) {
			t.Errorf("live provider %q not registered", name)
		}
		d, err := reg.CreateLive(config.LiveConfig{Provider: name, APIKey: "k", Model: "m"})
		if err != nil || d == nil {
			t.Errorf("CreateLive(%q) = %v, %v", name, d, err)
		}
	}
	for _, name := range []string{"ffmpeg", "null"} {
		if !slices.Contains(reg.AudioNames(), name) {
			t.Errorf("audio device %q not registered", name)
		}
		d, err := reg.CreateAudio(config.AudioConfig{Device: name})
		if err != nil || d == nil {
			t.Errorf("CreateAudio(%q) = %v, %v", name, d, err)
		}
	}
}

func TestLoadConfig_DefaultsWithoutPath(t *testing.T) {
	t.Parallel()

	cfg, err := loadConfig("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Live.Provider != config.DefaultLiveProvider || cfg.Audio.Device != config.DefaultAudioDevice {
		t.Errorf("defaults = %+v", cfg)
	}
}
