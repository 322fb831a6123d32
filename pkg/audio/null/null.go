// Package null implements [audio.Devices] without any hardware. The
// microphone produces silence in real time and playback is discarded, so a
// full session can run on a headless host.
package null

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/carevoice/pkg/audio"
	"github.com/MrWong99/carevoice/pkg/audio/mixer"
)

// chunk is how much silence the microphone produces per tick.
const chunk = 20 * time.Millisecond

var _ audio.Devices = Devices{}

// Devices opens silent microphones and discarding outputs.
type Devices struct{}

// OpenMicrophone implements [audio.Devices].
func (Devices) OpenMicrophone(_ context.Context) (audio.Microphone, error) {
	return newMicrophone(audio.CaptureSampleRate), nil
}

// NewInputContext implements [audio.Devices].
func (Devices) NewInputContext(_ context.Context, sampleRate int) (audio.InputContext, error) {
	return audio.NewPumpInput(sampleRate), nil
}

// NewOutputContext implements [audio.Devices]. Frames are released on the
// wall clock like a real device and then dropped.
func (Devices) NewOutputContext(_ context.Context, sampleRate int) (audio.OutputContext, error) {
	return mixer.New(sampleRate, discard{}), nil
}

type microphone struct {
	rate   int
	ticker *time.Ticker
	done   chan struct{}
	once   sync.Once
}

func newMicrophone(rate int) *microphone {
	return &microphone{
		rate:   rate,
		ticker: time.NewTicker(chunk),
		done:   make(chan struct{}),
	}
}

// Read blocks for one tick and returns that tick's worth of silence.
func (m *microphone) Read(buf []float32) (int, error) {
	select {
	case <-m.done:
		return 0, audio.ErrClosed
	case <-m.ticker.C:
	}
	n := min(len(buf), m.rate*int(chunk/time.Millisecond)/1000)
	clear(buf[:n])
	return n, nil
}

func (m *microphone) SampleRate() int { return m.rate }
func (m *microphone) Channels() int   { return 1 }

func (m *microphone) Close() error {
	m.once.Do(func() {
		m.ticker.Stop()
		close(m.done)
	})
	return nil
}

type discard struct{}

func (discard) Write(audio.AudioFrame) error { return nil }
func (discard) Reset() error                 { return nil }
func (discard) Close() error                 { return nil }
