package audio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// PumpInput is an [InputContext] that reads each connected microphone on a
// dedicated goroutine, keeps channel 0, converts it to the context rate and
// delivers fixed-size blocks. It backs every device implementation in this
// module that lacks a native processing graph.
type PumpInput struct {
	rate int

	mu      sync.Mutex
	running bool
	closed  bool
	nodes   map[*pumpNode]struct{}
}

var _ InputContext = (*PumpInput)(nil)

// NewPumpInput returns a suspended input context running at sampleRate.
func NewPumpInput(sampleRate int) *PumpInput {
	return &PumpInput{
		rate:  sampleRate,
		nodes: make(map[*pumpNode]struct{}),
	}
}

// SampleRate implements [InputContext].
func (p *PumpInput) SampleRate() int { return p.rate }

// Resume implements [InputContext].
func (p *PumpInput) Resume(_ context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	p.running = true
	return nil
}

func (p *PumpInput) isRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// Connect implements [InputContext].
func (p *PumpInput) Connect(mic Microphone, blockSize int, onBlock func([]float32)) (CaptureNode, error) {
	if mic == nil || onBlock == nil {
		return nil, errors.New("audio: connect: microphone and callback are required")
	}
	if blockSize <= 0 {
		return nil, fmt.Errorf("audio: connect: invalid block size %d", blockSize)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrClosed
	}

	n := &pumpNode{
		ctx:       p,
		mic:       mic,
		blockSize: blockSize,
		onBlock:   onBlock,
	}
	p.nodes[n] = struct{}{}
	go n.run()
	return n, nil
}

// Close implements [InputContext].
func (p *PumpInput) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.running = false
	nodes := make([]*pumpNode, 0, len(p.nodes))
	for n := range p.nodes {
		nodes = append(nodes, n)
	}
	p.mu.Unlock()

	for _, n := range nodes {
		_ = n.Disconnect()
	}
	return nil
}

func (p *PumpInput) remove(n *pumpNode) {
	p.mu.Lock()
	delete(p.nodes, n)
	p.mu.Unlock()
}

type pumpNode struct {
	ctx       *PumpInput
	mic       Microphone
	blockSize int
	onBlock   func([]float32)

	mu       sync.Mutex
	detached bool
}

// Disconnect implements [CaptureNode]. It waits for an in-flight callback to
// return, so it must not be called from inside onBlock.
func (n *pumpNode) Disconnect() error {
	n.mu.Lock()
	n.detached = true
	n.mu.Unlock()
	n.ctx.remove(n)
	return nil
}

func (n *pumpNode) run() {
	channels := max(n.mic.Channels(), 1)
	micRate := n.mic.SampleRate()
	conv := FormatConverter{Target: Format{SampleRate: n.ctx.rate, Channels: 1}}

	buf := make([]float32, n.blockSize*channels)
	pending := make([]float32, 0, n.blockSize*2)

	for {
		read, err := n.mic.Read(buf)
		if n.isDetached() {
			return
		}
		if err != nil {
			slog.Debug("audio: capture pump stopped", "err", err)
			return
		}
		if read == 0 || !n.ctx.isRunning() {
			continue
		}

		frames := read / channels
		first := make([]float32, frames)
		for i := range frames {
			first[i] = buf[i*channels]
		}
		converted := conv.Convert(AudioFrame{Samples: FloatToPCM16(first), SampleRate: micRate, Channels: 1})
		pending = append(pending, PCM16ToFloat(converted.Samples)...)

		for len(pending) >= n.blockSize {
			block := make([]float32, n.blockSize)
			copy(block, pending[:n.blockSize])
			pending = append(pending[:0], pending[n.blockSize:]...)
			if !n.deliver(block) {
				return
			}
		}
	}
}

func (n *pumpNode) isDetached() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.detached
}

func (n *pumpNode) deliver(block []float32) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.detached {
		return false
	}
	n.onBlock(block)
	return true
}
