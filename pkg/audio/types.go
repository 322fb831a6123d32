package audio

import (
	"fmt"
	"time"
)

// Standard stream formats used by the live session core.
const (
	// CaptureSampleRate is the rate of every frame sent to the remote service.
	CaptureSampleRate = 16000

	// PlaybackSampleRate is the rate of every audio chunk received from the
	// remote service.
	PlaybackSampleRate = 24000

	// BytesPerSample is the width of one signed 16-bit PCM sample on the wire.
	BytesPerSample = 2
)

// AudioFrame is an ordered sequence of signed 16-bit samples at a fixed rate
// and channel count. Multi-channel frames are interleaved. Frames are treated
// as immutable once produced: nothing in this module writes to Samples after
// the frame has been handed to another component.
type AudioFrame struct {
	// Samples holds interleaved PCM samples. len(Samples) is always a multiple
	// of Channels.
	Samples []int16

	// SampleRate in Hz (16000 for capture, 24000 for playback).
	SampleRate int

	// Channels is the number of interleaved channels; 1 for everything the
	// live session produces or consumes.
	Channels int
}

// Len returns the number of sample frames (samples per channel).
func (f AudioFrame) Len() int {
	if f.Channels <= 0 {
		return 0
	}
	return len(f.Samples) / f.Channels
}

// Duration returns the playback length of the frame.
func (f AudioFrame) Duration() time.Duration {
	if f.SampleRate <= 0 {
		return 0
	}
	return time.Duration(f.Len()) * time.Second / time.Duration(f.SampleRate)
}

// Seconds returns the playback length of the frame in seconds. Scheduling
// arithmetic is done in float seconds to match device clocks.
func (f AudioFrame) Seconds() float64 {
	if f.SampleRate <= 0 {
		return 0
	}
	return float64(f.Len()) / float64(f.SampleRate)
}

// Channel returns channel c de-interleaved and scaled to [-1, 1).
// It returns nil when c is out of range.
func (f AudioFrame) Channel(c int) []float32 {
	if c < 0 || c >= f.Channels {
		return nil
	}
	n := f.Len()
	out := make([]float32, n)
	for i := range n {
		out[i] = float32(f.Samples[i*f.Channels+c]) / 32768
	}
	return out
}

// EncodedPacket is the wire form of exactly one [AudioFrame]: little-endian
// s16 PCM bytes plus a MIME-style tag naming the sample format and rate.
type EncodedPacket struct {
	// Data is the raw little-endian PCM payload.
	Data []byte

	// MIMEType identifies the payload, e.g. "audio/pcm;rate=16000".
	MIMEType string
}

// MIMEType returns the PCM MIME tag for the given sample rate.
func MIMEType(sampleRate int) string {
	return fmt.Sprintf("audio/pcm;rate=%d", sampleRate)
}
