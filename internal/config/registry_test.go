package config_test

import (
	"context"
	"errors"
	"slices"
	"testing"

	"github.com/MrWong99/carevoice/internal/config"
	"github.com/MrWong99/carevoice/pkg/audio"
	audiomock "github.com/MrWong99/carevoice/pkg/audio/mock"
	"github.com/MrWong99/carevoice/pkg/provider/live"
	livemock "github.com/MrWong99/carevoice/pkg/provider/live/mock"
)

func TestRegistry_CreateLive(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()

	var got config.LiveConfig
	reg.RegisterLive("fake", func(c config.LiveConfig) (live.Dialer, error) {
		got = c
		return &livemock.Dialer{}, nil
	})

	d, err := reg.CreateLive(config.LiveConfig{Provider: "fake", APIKey: "k"})
	if err != nil {
		t.Fatalf("CreateLive: %v", err)
	}
	if d == nil || got.APIKey != "k" {
		t.Errorf("factory got %+v, dialer %v", got, d)
	}

	_, err = reg.CreateLive(config.LiveConfig{Provider: "missing"})
	if !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Errorf("err = %v, want ErrProviderNotRegistered", err)
	}
}

func TestRegistry_CreateAudio(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	boom := errors.New("no device")

	reg.RegisterAudio("fake", func(config.AudioConfig) (audio.Devices, error) {
		return &audiomock.Devices{}, nil
	})
	reg.RegisterAudio("broken", func(config.AudioConfig) (audio.Devices, error) {
		return nil, boom
	})

	devs, err := reg.CreateAudio(config.AudioConfig{Device: "fake"})
	if err != nil {
		t.Fatalf("CreateAudio: %v", err)
	}
	if _, err := devs.OpenMicrophone(context.Background()); err != nil {
		t.Errorf("OpenMicrophone: %v", err)
	}
	if _, err := reg.CreateAudio(config.AudioConfig{Device: "broken"}); !errors.Is(err, boom) {
		t.Errorf("err = %v, want factory error", err)
	}
	if _, err := reg.CreateAudio(config.AudioConfig{Device: "missing"}); !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Errorf("err = %v, want ErrProviderNotRegistered", err)
	}
}

func TestRegistry_Names(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	noDialer := func(config.LiveConfig) (live.Dialer, error) { return nil, nil }
	reg.RegisterLive("genai", noDialer)
	reg.RegisterLive("gemini-live", noDialer)
	reg.RegisterLive("genai", noDialer)
	reg.RegisterAudio("null", func(config.AudioConfig) (audio.Devices, error) { return nil, nil })

	if got := reg.LiveNames(); !slices.Equal(got, []string{"gemini-live", "genai"}) {
		t.Errorf("LiveNames = %v", got)
	}
	if got := reg.AudioNames(); !slices.Equal(got, []string{"null"}) {
		t.Errorf("AudioNames = %v", got)
	}
}
