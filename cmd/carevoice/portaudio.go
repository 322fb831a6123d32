//go:build portaudio

package main

import (
	"github.com/MrWong99/carevoice/internal/config"
	"github.com/MrWong99/carevoice/pkg/audio"
	"github.com/MrWong99/carevoice/pkg/audio/portaudio"
)

func init() {
	extraProviders = append(extraProviders, func(reg *config.Registry) {
		reg.RegisterAudio("portaudio", func(ac config.AudioConfig) (audio.Devices, error) {
			frames, _ := ac.Options["frames_per_buffer"].(int)
			return portaudio.New(frames)
		})
	})
}
