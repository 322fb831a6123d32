//go:build portaudio

// Package portaudio implements [audio.Devices] on the PortAudio C library via
// github.com/gordonklaus/portaudio. It requires cgo and the PortAudio headers,
// so it is only built with the "portaudio" build tag.
package portaudio

import (
	"context"
	"fmt"
	"sync"

	pa "github.com/gordonklaus/portaudio"

	"github.com/MrWong99/carevoice/pkg/audio"
	"github.com/MrWong99/carevoice/pkg/audio/mixer"
)

// DefaultFramesPerBuffer is the PortAudio buffer size in frames.
const DefaultFramesPerBuffer = 1024

var _ audio.Devices = (*Devices)(nil)

// Devices opens the default PortAudio input and output devices.
type Devices struct {
	framesPerBuffer int
}

// New initialises PortAudio. Call [Devices.Close] when done.
func New(framesPerBuffer int) (*Devices, error) {
	if framesPerBuffer <= 0 {
		framesPerBuffer = DefaultFramesPerBuffer
	}
	if err := pa.Initialize(); err != nil {
		return nil, fmt.Errorf("portaudio: initialize: %w", err)
	}
	return &Devices{framesPerBuffer: framesPerBuffer}, nil
}

// Close terminates PortAudio.
func (d *Devices) Close() error {
	return pa.Terminate()
}

// OpenMicrophone implements [audio.Devices]. The stream is mono at
// [audio.CaptureSampleRate].
func (d *Devices) OpenMicrophone(_ context.Context) (audio.Microphone, error) {
	buf := make([]float32, d.framesPerBuffer)
	stream, err := pa.OpenDefaultStream(1, 0, float64(audio.CaptureSampleRate), len(buf), buf)
	if err != nil {
		return nil, fmt.Errorf("portaudio: open input stream: %w", err)
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		return nil, fmt.Errorf("portaudio: start input stream: %w", err)
	}
	return &microphone{stream: stream, buf: buf}, nil
}

// NewInputContext implements [audio.Devices].
func (d *Devices) NewInputContext(_ context.Context, sampleRate int) (audio.InputContext, error) {
	return audio.NewPumpInput(sampleRate), nil
}

// NewOutputContext implements [audio.Devices].
func (d *Devices) NewOutputContext(_ context.Context, sampleRate int) (audio.OutputContext, error) {
	buf := make([]int16, d.framesPerBuffer)
	stream, err := pa.OpenDefaultStream(0, 1, float64(sampleRate), len(buf), buf)
	if err != nil {
		return nil, fmt.Errorf("portaudio: open output stream: %w", err)
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		return nil, fmt.Errorf("portaudio: start output stream: %w", err)
	}
	return mixer.New(sampleRate, &speaker{stream: stream, buf: buf}), nil
}

// microphone reads blocking PortAudio buffers and hands them out in pieces
// of whatever size the caller asks for.
type microphone struct {
	mu      sync.Mutex
	stream  *pa.Stream
	buf     []float32
	pending []float32
	closed  bool
}

// Read implements [audio.Microphone].
func (m *microphone) Read(p []float32) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, audio.ErrClosed
	}
	if len(m.pending) == 0 {
		if err := m.stream.Read(); err != nil {
			return 0, fmt.Errorf("portaudio: read: %w", err)
		}
		m.pending = m.buf
	}
	n := copy(p, m.pending)
	m.pending = m.pending[n:]
	return n, nil
}

func (m *microphone) SampleRate() int { return audio.CaptureSampleRate }
func (m *microphone) Channels() int   { return 1 }

// Close implements [audio.Microphone]. A Read in progress finishes its
// current buffer first.
func (m *microphone) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	_ = m.stream.Stop()
	return m.stream.Close()
}

// speaker is a [mixer.Sink] writing to a blocking PortAudio output stream.
type speaker struct {
	mu     sync.Mutex
	stream *pa.Stream
	buf    []int16
	closed bool
}

// Write implements [mixer.Sink]. The last buffer is padded with silence.
func (s *speaker) Write(frame audio.AudioFrame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return audio.ErrClosed
	}
	samples := frame.Samples
	for len(samples) > 0 {
		n := copy(s.buf, samples)
		clear(s.buf[n:])
		samples = samples[n:]
		if err := s.stream.Write(); err != nil {
			return fmt.Errorf("portaudio: write: %w", err)
		}
	}
	return nil
}

// Reset implements [mixer.Sink] by aborting and restarting the stream, which
// drops queued buffers.
func (s *speaker) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	_ = s.stream.Abort()
	return s.stream.Start()
}

// Close implements [mixer.Sink].
func (s *speaker) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	_ = s.stream.Stop()
	return s.stream.Close()
}
