package session

import (
	"errors"
	"sync"

	"github.com/MrWong99/carevoice/pkg/audio"
)

// DefaultBlockSize is the number of samples per capture block.
const DefaultBlockSize = 4096

var errCaptureStopped = errors.New("session: capture stopped")

// Capture converts microphone blocks into encoded packets and hands each one
// to a send function. Blocks are encoded as soon as they arrive and never
// buffered; whether a packet actually goes out is up to send.
type Capture struct {
	in        audio.InputContext
	mic       audio.Microphone
	blockSize int
	send      func(audio.EncodedPacket)

	mu      sync.Mutex
	node    audio.CaptureNode
	stopped bool
}

// NewCapture returns a capture pipeline reading mic through in. A blockSize
// below 1 selects [DefaultBlockSize].
func NewCapture(in audio.InputContext, mic audio.Microphone, blockSize int, send func(audio.EncodedPacket)) *Capture {
	if blockSize < 1 {
		blockSize = DefaultBlockSize
	}
	return &Capture{in: in, mic: mic, blockSize: blockSize, send: send}
}

// Start connects the capture node. Calling Start on a running pipeline is a
// no-op; calling it after Stop is an error.
func (c *Capture) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return errCaptureStopped
	}
	if c.node != nil {
		return nil
	}
	node, err := c.in.Connect(c.mic, c.blockSize, c.process)
	if err != nil {
		return &DeviceAcquisitionError{Device: DeviceInput, Err: err}
	}
	c.node = node
	return nil
}

// process runs on the input context's goroutine.
func (c *Capture) process(block []float32) {
	pcm := audio.FloatToPCM16(block)
	if rate := c.in.SampleRate(); rate > 0 && rate != audio.CaptureSampleRate {
		pcm = audio.ResampleMono(pcm, rate, audio.CaptureSampleRate)
	}
	c.send(audio.Encode(pcm, audio.CaptureSampleRate))
}

// Stop disconnects the capture node. Once Stop returns no further packet is
// produced. Idempotent.
func (c *Capture) Stop() error {
	c.mu.Lock()
	c.stopped = true
	node := c.node
	c.node = nil
	c.mu.Unlock()

	if node == nil {
		return nil
	}
	return node.Disconnect()
}
