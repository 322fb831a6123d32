// Package mock provides in-memory implementations of the [audio.Devices],
// [audio.Microphone], [audio.InputContext] and [audio.OutputContext]
// interfaces for use in unit tests.
//
// All mocks are safe for concurrent use. They record every method call so that
// tests can assert on call counts and arguments, and they expose exported fields
// that the test can set to control return values. Device clocks are virtual:
// tests move them with [OutputContext.SetTime], capture blocks are injected with
// [InputContext.Emit], and playback completion is triggered with [Source.End].
//
// Typical usage:
//
//	devs := &mock.Devices{}
//	mgr := session.NewManager(dialer, devs)
//	_ = mgr.Start(ctx)
//	devs.LastInput().Emit(make([]float32, 4096))
//	devs.LastOutput().SetTime(1.5)
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/carevoice/pkg/audio"
)

// ─── Devices ──────────────────────────────────────────────────────────────────

var _ audio.Devices = (*Devices)(nil)

// Devices is a mock implementation of [audio.Devices]. Each Open/New call
// creates a fresh mock which is recorded for later inspection.
type Devices struct {
	mu sync.Mutex

	// MicrophoneErr is returned by OpenMicrophone when non-nil.
	MicrophoneErr error

	// InputErr is returned by NewInputContext when non-nil.
	InputErr error

	// OutputErr is returned by NewOutputContext when non-nil.
	OutputErr error

	// Microphones, Inputs and Outputs hold every mock created, in order.
	Microphones []*Microphone
	Inputs      []*InputContext
	Outputs     []*OutputContext
}

// OpenMicrophone implements [audio.Devices].
func (d *Devices) OpenMicrophone(_ context.Context) (audio.Microphone, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.MicrophoneErr != nil {
		return nil, d.MicrophoneErr
	}
	m := &Microphone{Rate: audio.CaptureSampleRate, ChannelCount: 1}
	d.Microphones = append(d.Microphones, m)
	return m, nil
}

// NewInputContext implements [audio.Devices].
func (d *Devices) NewInputContext(_ context.Context, sampleRate int) (audio.InputContext, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.InputErr != nil {
		return nil, d.InputErr
	}
	in := &InputContext{Rate: sampleRate}
	d.Inputs = append(d.Inputs, in)
	return in, nil
}

// NewOutputContext implements [audio.Devices].
func (d *Devices) NewOutputContext(_ context.Context, sampleRate int) (audio.OutputContext, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.OutputErr != nil {
		return nil, d.OutputErr
	}
	out := &OutputContext{Rate: sampleRate}
	d.Outputs = append(d.Outputs, out)
	return out, nil
}

// LastMicrophone returns the most recently opened microphone, or nil.
func (d *Devices) LastMicrophone() *Microphone {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.Microphones) == 0 {
		return nil
	}
	return d.Microphones[len(d.Microphones)-1]
}

// LastInput returns the most recently created input context, or nil.
func (d *Devices) LastInput() *InputContext {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.Inputs) == 0 {
		return nil
	}
	return d.Inputs[len(d.Inputs)-1]
}

// LastOutput returns the most recently created output context, or nil.
func (d *Devices) LastOutput() *OutputContext {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.Outputs) == 0 {
		return nil
	}
	return d.Outputs[len(d.Outputs)-1]
}

// ─── Microphone ───────────────────────────────────────────────────────────────

var _ audio.Microphone = (*Microphone)(nil)

// Microphone is a mock [audio.Microphone]. Read blocks until Close.
type Microphone struct {
	mu sync.Mutex

	// Rate and ChannelCount are reported by SampleRate and Channels.
	Rate         int
	ChannelCount int

	// CallCountClose records how many times Close was called.
	CallCountClose int

	closed chan struct{}
}

func (m *Microphone) closedCh() chan struct{} {
	if m.closed == nil {
		m.closed = make(chan struct{})
	}
	return m.closed
}

// Read implements [audio.Microphone]. It blocks until Close and then returns
// [audio.ErrClosed].
func (m *Microphone) Read(_ []float32) (int, error) {
	m.mu.Lock()
	ch := m.closedCh()
	m.mu.Unlock()
	<-ch
	return 0, audio.ErrClosed
}

// SampleRate implements [audio.Microphone].
func (m *Microphone) SampleRate() int { return m.Rate }

// Channels implements [audio.Microphone].
func (m *Microphone) Channels() int { return m.ChannelCount }

// Close implements [audio.Microphone].
func (m *Microphone) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CallCountClose++
	if m.CallCountClose == 1 {
		close(m.closedCh())
	}
	return nil
}

// Closed reports whether Close has been called at least once.
func (m *Microphone) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.CallCountClose > 0
}

// CloseCount returns how many times Close was called.
func (m *Microphone) CloseCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.CallCountClose
}

// ─── InputContext ─────────────────────────────────────────────────────────────

var _ audio.InputContext = (*InputContext)(nil)

// InputContext is a mock [audio.InputContext]. Blocks are delivered only when
// the test calls [InputContext.Emit].
type InputContext struct {
	mu sync.Mutex

	// Rate is reported by SampleRate.
	Rate int

	// ResumeErr is returned by Resume when non-nil.
	ResumeErr error

	// ConnectErr is returned by Connect when non-nil.
	ConnectErr error

	// CallCountResume, CallCountClose and CallCountConnect record calls.
	CallCountResume  int
	CallCountClose   int
	CallCountConnect int

	// BlockSize is the block size passed to the last Connect.
	BlockSize int

	nodes []*CaptureNode
}

// SampleRate implements [audio.InputContext].
func (c *InputContext) SampleRate() int { return c.Rate }

// Resume implements [audio.InputContext].
func (c *InputContext) Resume(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.CallCountResume++
	return c.ResumeErr
}

// Connect implements [audio.InputContext].
func (c *InputContext) Connect(_ audio.Microphone, blockSize int, onBlock func([]float32)) (audio.CaptureNode, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.CallCountConnect++
	if c.ConnectErr != nil {
		return nil, c.ConnectErr
	}
	c.BlockSize = blockSize
	n := &CaptureNode{onBlock: onBlock}
	c.nodes = append(c.nodes, n)
	return n, nil
}

// Close implements [audio.InputContext].
func (c *InputContext) Close() error {
	c.mu.Lock()
	c.CallCountClose++
	nodes := append([]*CaptureNode(nil), c.nodes...)
	c.mu.Unlock()
	for _, n := range nodes {
		_ = n.Disconnect()
	}
	return nil
}

// Emit delivers block to every connected node on the caller's goroutine.
// It returns the number of nodes that received it.
func (c *InputContext) Emit(block []float32) int {
	c.mu.Lock()
	nodes := append([]*CaptureNode(nil), c.nodes...)
	c.mu.Unlock()

	delivered := 0
	for _, n := range nodes {
		if n.deliver(block) {
			delivered++
		}
	}
	return delivered
}

// Closed reports whether Close has been called at least once.
func (c *InputContext) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.CallCountClose > 0
}

// CloseCount returns how many times Close was called.
func (c *InputContext) CloseCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.CallCountClose
}

// Nodes returns every node created by Connect.
func (c *InputContext) Nodes() []*CaptureNode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*CaptureNode(nil), c.nodes...)
}

// CaptureNode is a mock [audio.CaptureNode].
type CaptureNode struct {
	mu       sync.Mutex
	onBlock  func([]float32)
	detached bool
}

// Disconnect implements [audio.CaptureNode].
func (n *CaptureNode) Disconnect() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.detached = true
	return nil
}

// Detached reports whether Disconnect has been called.
func (n *CaptureNode) Detached() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.detached
}

func (n *CaptureNode) deliver(block []float32) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.detached {
		return false
	}
	n.onBlock(block)
	return true
}

// ─── OutputContext ────────────────────────────────────────────────────────────

var _ audio.OutputContext = (*OutputContext)(nil)

// PlayCall records the arguments of one [OutputContext.Play] call.
type PlayCall struct {
	Frame  audio.AudioFrame
	At     float64
	Source *Source
}

// OutputContext is a mock [audio.OutputContext] with a virtual clock.
type OutputContext struct {
	mu sync.Mutex

	// Rate is reported by SampleRate.
	Rate int

	// ResumeErr is returned by Resume when non-nil.
	ResumeErr error

	// PlayErr is returned by Play when non-nil.
	PlayErr error

	// CallCountResume and CallCountClose record calls.
	CallCountResume int
	CallCountClose  int

	// PlayCalls records every successful Play call in order.
	PlayCalls []PlayCall

	now float64
}

// SampleRate implements [audio.OutputContext].
func (o *OutputContext) SampleRate() int { return o.Rate }

// Resume implements [audio.OutputContext].
func (o *OutputContext) Resume(_ context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.CallCountResume++
	return o.ResumeErr
}

// CurrentTime implements [audio.OutputContext].
func (o *OutputContext) CurrentTime() float64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.now
}

// SetTime moves the virtual device clock.
func (o *OutputContext) SetTime(seconds float64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.now = seconds
}

// Play implements [audio.OutputContext].
func (o *OutputContext) Play(frame audio.AudioFrame, at float64, onEnded func()) (audio.Source, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.PlayErr != nil {
		return nil, o.PlayErr
	}
	src := &Source{onEnded: onEnded}
	o.PlayCalls = append(o.PlayCalls, PlayCall{Frame: frame, At: at, Source: src})
	return src, nil
}

// Close implements [audio.OutputContext].
func (o *OutputContext) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.CallCountClose++
	return nil
}

// Calls returns a copy of the recorded Play calls.
func (o *OutputContext) Calls() []PlayCall {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]PlayCall(nil), o.PlayCalls...)
}

// Closed reports whether Close has been called at least once.
func (o *OutputContext) Closed() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.CallCountClose > 0
}

// CloseCount returns how many times Close was called.
func (o *OutputContext) CloseCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.CallCountClose
}

// Source is a mock [audio.Source].
type Source struct {
	mu      sync.Mutex
	onEnded func()

	// StopErr is returned by Stop when non-nil.
	StopErr error

	stops int
	ended bool
}

// Stop implements [audio.Source].
func (s *Source) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stops++
	return s.StopErr
}

// StopCount returns how many times Stop was called.
func (s *Source) StopCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stops
}

// End simulates natural completion by invoking the ended callback on the
// caller's goroutine. It is a no-op after Stop or a previous End.
func (s *Source) End() {
	s.mu.Lock()
	if s.ended || s.stops > 0 {
		s.mu.Unlock()
		return
	}
	s.ended = true
	cb := s.onEnded
	s.mu.Unlock()
	if cb != nil {
		cb()
	}
}
