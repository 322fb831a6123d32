package config

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/MrWong99/carevoice/pkg/audio"
	"github.com/MrWong99/carevoice/pkg/provider/live"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory has
// been registered under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// LiveFactory builds a dialer from the live section of the config.
type LiveFactory func(LiveConfig) (live.Dialer, error)

// AudioFactory builds a device set from the audio section of the config.
type AudioFactory func(AudioConfig) (audio.Devices, error)

// Registry maps provider names to their constructor functions.
// It is safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	live  map[string]LiveFactory
	audio map[string]AudioFactory
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		live:  make(map[string]LiveFactory),
		audio: make(map[string]AudioFactory),
	}
}

// RegisterLive registers a live dialer factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterLive(name string, factory LiveFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.live[name] = factory
}

// RegisterAudio registers an audio device factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterAudio(name string, factory AudioFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.audio[name] = factory
}

// CreateLive builds the dialer selected by cfg.Provider.
func (r *Registry) CreateLive(cfg LiveConfig) (live.Dialer, error) {
	r.mu.RLock()
	f, ok := r.live[cfg.Provider]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: live %q", ErrProviderNotRegistered, cfg.Provider)
	}
	return f(cfg)
}

// CreateAudio builds the device set selected by cfg.Device.
func (r *Registry) CreateAudio(cfg AudioConfig) (audio.Devices, error) {
	r.mu.RLock()
	f, ok := r.audio[cfg.Device]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: audio %q", ErrProviderNotRegistered, cfg.Device)
	}
	return f(cfg)
}

// LiveNames returns the registered live provider names, sorted.
func (r *Registry) LiveNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedKeys(r.live)
}

// AudioNames returns the registered audio device names, sorted.
func (r *Registry) AudioNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedKeys(r.audio)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
