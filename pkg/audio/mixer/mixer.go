package mixer

import (
	"container/heap"
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/carevoice/pkg/audio"
)

// Compile-time interface assertion.
var _ audio.OutputContext = (*Output)(nil)

// defaultQueueCap is the initial capacity hint for the start-time queue.
const defaultQueueCap = 16

// Sink receives frames at their scheduled start time.
type Sink interface {
	// Write hands frame to the device. It is called sequentially from the
	// dispatch goroutine and must not block for longer than the frame lasts.
	Write(frame audio.AudioFrame) error

	// Reset discards any audio the device has buffered but not yet played.
	Reset() error

	// Close releases the device.
	Close() error
}

// Option configures an [Output] during construction.
type Option func(*Output)

// WithClock replaces the wall clock used for [Output.CurrentTime]. Intended
// for tests.
func WithClock(now func() time.Time) Option {
	return func(o *Output) {
		o.now = now
	}
}

// WithQueueCapacity sets the initial capacity hint for the internal queue.
// This does not impose a hard limit; the queue grows as needed.
func WithQueueCapacity(n int) Option {
	return func(o *Output) {
		if n > 0 {
			o.queue = make(sourceHeap, 0, n)
		}
	}
}

type sourceState int

const (
	stateQueued sourceState = iota
	statePlaying
	stateEnded
	stateStopped
)

// source is one frame scheduled on an [Output].
type source struct {
	out     *Output
	frame   audio.AudioFrame
	at      float64
	onEnded func()

	seq   uint64
	index int
	state sourceState
	timer *time.Timer
}

// Stop implements [audio.Source].
func (s *source) Stop() error {
	s.out.stop(s)
	return nil
}

// Output is an [audio.OutputContext] whose device clock is the wall time
// elapsed since the first [Output.Resume]. A dispatch goroutine pops sources
// from a start-time heap and writes each to the [Sink] when it falls due;
// natural completion is signalled by a timer at start+duration.
//
// All exported methods are safe for concurrent use.
type Output struct {
	rate int
	sink Sink
	now  func() time.Time

	mu      sync.Mutex
	queue   sourceHeap
	seq     uint64
	epoch   time.Time
	started bool
	playing map[*source]struct{}
	closed  bool

	notify chan struct{} // signalled when a source is queued or the clock starts
	done   chan struct{} // closed by Close to stop the dispatch goroutine
	wg     sync.WaitGroup
}

// New creates an [Output] playing at sampleRate into sink. The dispatch
// goroutine starts immediately; the clock starts on the first Resume.
//
// Call [Output.Close] to stop the goroutine and close the sink.
func New(sampleRate int, sink Sink, opts ...Option) *Output {
	o := &Output{
		rate:    sampleRate,
		sink:    sink,
		now:     time.Now,
		queue:   make(sourceHeap, 0, defaultQueueCap),
		playing: make(map[*source]struct{}),
		notify:  make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(o)
	}
	heap.Init(&o.queue)
	o.wg.Add(1)
	go o.dispatch()
	return o
}

// SampleRate implements [audio.OutputContext].
func (o *Output) SampleRate() int { return o.rate }

// Resume implements [audio.OutputContext].
func (o *Output) Resume(_ context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return audio.ErrClosed
	}
	if !o.started {
		o.started = true
		o.epoch = o.now()
	}
	o.wake()
	return nil
}

// CurrentTime implements [audio.OutputContext]. It is 0 until Resume.
func (o *Output) CurrentTime() float64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.currentTimeLocked()
}

func (o *Output) currentTimeLocked() float64 {
	if !o.started {
		return 0
	}
	return o.now().Sub(o.epoch).Seconds()
}

// Play implements [audio.OutputContext].
func (o *Output) Play(frame audio.AudioFrame, at float64, onEnded func()) (audio.Source, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return nil, audio.ErrClosed
	}

	o.seq++
	s := &source{
		out:     o,
		frame:   frame,
		at:      at,
		onEnded: onEnded,
		seq:     o.seq,
	}
	heap.Push(&o.queue, s)
	o.wake()
	return s, nil
}

// Pending returns the number of sources queued or playing.
func (o *Output) Pending() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.queue.Len() + len(o.playing)
}

// Close stops every source, stops the dispatch goroutine and closes the sink.
// Close is idempotent; subsequent calls are no-ops and return nil.
func (o *Output) Close() error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil
	}
	o.closed = true
	for o.queue.Len() > 0 {
		s := heap.Pop(&o.queue).(*source)
		s.state = stateStopped
	}
	for s := range o.playing {
		s.state = stateStopped
		if s.timer != nil {
			s.timer.Stop()
		}
	}
	clear(o.playing)
	o.mu.Unlock()

	close(o.done)
	o.wg.Wait()
	return o.sink.Close()
}

// wake signals the dispatch goroutine. Must be called with o.mu held.
func (o *Output) wake() {
	select {
	case o.notify <- struct{}{}:
	default:
	}
}

func (o *Output) stop(s *source) {
	o.mu.Lock()
	reset := false
	switch s.state {
	case stateQueued:
		if s.index >= 0 {
			heap.Remove(&o.queue, s.index)
		}
		s.state = stateStopped
	case statePlaying:
		s.state = stateStopped
		delete(o.playing, s)
		if s.timer != nil {
			s.timer.Stop()
		}
		reset = true
	}
	o.mu.Unlock()

	if reset {
		if err := o.sink.Reset(); err != nil {
			slog.Warn("mixer: sink reset failed", "err", err)
		}
	}
}

// dispatch is the background goroutine that releases due sources to the sink.
// It runs until [Output.Close] is called.
func (o *Output) dispatch() {
	defer o.wg.Done()

	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	for {
		due, wait := o.next()
		if due != nil {
			o.start(due)
			continue
		}

		if wait > 0 {
			timer.Reset(wait)
			select {
			case <-o.done:
				return
			case <-o.notify:
			case <-timer.C:
			}
			timer.Stop()
			continue
		}

		select {
		case <-o.done:
			return
		case <-o.notify:
		}
	}
}

// next pops the head source if it is due. Otherwise it returns how long to
// wait for it, or 0 when there is nothing to wait for.
func (o *Output) next() (*source, time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed || !o.started || o.queue.Len() == 0 {
		return nil, 0
	}
	head := o.queue[0]
	delta := head.at - o.currentTimeLocked()
	if delta > 0 {
		return nil, time.Duration(delta * float64(time.Second))
	}

	heap.Pop(&o.queue)
	head.state = statePlaying
	o.playing[head] = struct{}{}
	return head, 0
}

// start writes s to the sink and arms its completion timer.
func (o *Output) start(s *source) {
	if err := o.sink.Write(s.frame); err != nil {
		slog.Warn("mixer: sink write failed", "err", err)
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if s.state != statePlaying {
		return
	}
	remaining := s.at + s.frame.Seconds() - o.currentTimeLocked()
	s.timer = time.AfterFunc(max(time.Duration(remaining*float64(time.Second)), 0), func() {
		o.finish(s)
	})
}

func (o *Output) finish(s *source) {
	o.mu.Lock()
	if s.state != statePlaying {
		o.mu.Unlock()
		return
	}
	s.state = stateEnded
	delete(o.playing, s)
	o.mu.Unlock()

	if s.onEnded != nil {
		s.onEnded()
	}
}
