package audio

import (
	"context"
	"errors"
)

// ErrClosed is returned by device operations after Close.
var ErrClosed = errors.New("audio: device closed")

// Microphone is a live capture stream.
//
// Implementations must be safe for a concurrent Close while a Read is blocked;
// Close must make the blocked Read return promptly with an error.
type Microphone interface {
	// Read fills buf with interleaved float samples in [-1, 1] and returns the
	// number of samples written. It blocks until at least one sample is
	// available.
	Read(buf []float32) (int, error)

	// SampleRate returns the native capture rate in Hz.
	SampleRate() int

	// Channels returns the number of interleaved channels Read produces.
	Channels() int

	// Close stops every track of the stream. Idempotent.
	Close() error
}

// CaptureNode is a connection between a [Microphone] and a block callback.
type CaptureNode interface {
	// Disconnect detaches the node. Once Disconnect returns, the block
	// callback is never invoked again. Idempotent.
	Disconnect() error
}

// InputContext is a processing graph for capture. It slices a microphone
// stream into fixed-size mono blocks at its own sample rate.
type InputContext interface {
	// SampleRate returns the rate of the blocks delivered to callbacks.
	SampleRate() int

	// Resume starts (or restarts) processing. Blocks arriving while the
	// context is suspended are discarded.
	Resume(ctx context.Context) error

	// Connect routes mic through a processing node that calls onBlock once per
	// blockSize samples of channel 0. onBlock runs on the context's own
	// goroutine and must not block.
	Connect(mic Microphone, blockSize int, onBlock func(block []float32)) (CaptureNode, error)

	// Close tears down the context and disconnects every node. Idempotent.
	Close() error
}

// Source is one buffer scheduled on an [OutputContext].
type Source interface {
	// Stop halts the source immediately. Stopping a source that already
	// finished is not an error. A stopped source never fires its ended
	// callback.
	Stop() error
}

// OutputContext is a playback graph with a monotonic device clock.
type OutputContext interface {
	// SampleRate returns the rate frames are played at.
	SampleRate() int

	// Resume starts the device clock.
	Resume(ctx context.Context) error

	// CurrentTime returns the device clock in seconds.
	CurrentTime() float64

	// Play schedules frame to start at device time at. If at is in the past
	// the frame starts immediately. onEnded, if non-nil, is invoked on another
	// goroutine after natural completion; it is never called from inside Play
	// or Stop.
	Play(frame AudioFrame, at float64, onEnded func()) (Source, error)

	// Close stops every source and releases the device. Idempotent.
	Close() error
}

// Devices opens the platform's audio resources.
type Devices interface {
	// OpenMicrophone acquires the default capture device. Permission or
	// hardware failures are returned as errors.
	OpenMicrophone(ctx context.Context) (Microphone, error)

	// NewInputContext creates a capture graph running at sampleRate.
	NewInputContext(ctx context.Context, sampleRate int) (InputContext, error)

	// NewOutputContext creates a playback graph running at sampleRate.
	NewOutputContext(ctx context.Context, sampleRate int) (OutputContext, error)
}
