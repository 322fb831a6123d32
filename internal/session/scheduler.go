package session

import (
	"context"
	"fmt"
	"sync"

	"github.com/MrWong99/carevoice/internal/observe"
	"github.com/MrWong99/carevoice/pkg/audio"
)

// PlaybackHandle is one chunk scheduled on the output device.
type PlaybackHandle struct {
	// Start is the device time in seconds at which the chunk begins.
	Start float64

	// Duration is the chunk length in seconds.
	Duration float64

	src audio.Source
}

// End returns the device time at which the chunk finishes.
func (h *PlaybackHandle) End() float64 { return h.Start + h.Duration }

// Scheduler queues inbound audio chunks back to back on one output context.
//
// It keeps a playback cursor: the device time at which the previously
// scheduled chunk ends. A chunk starts at the cursor, or now if the cursor
// already lies in the past, so consecutive chunks play without gaps or
// overlaps however irregularly they arrive. [Scheduler.Flush] cancels
// everything and resets the cursor to zero.
//
// A Scheduler is bound to the output context it was created with. All methods
// are safe for concurrent use.
type Scheduler struct {
	out     audio.OutputContext
	metrics *observe.Metrics

	mu        sync.Mutex
	nextStart float64
	handles   map[*PlaybackHandle]struct{}
}

// NewScheduler returns a scheduler with its cursor at zero. A nil m records
// on [observe.DefaultMetrics].
func NewScheduler(out audio.OutputContext, m *observe.Metrics) *Scheduler {
	if m == nil {
		m = observe.DefaultMetrics()
	}
	return &Scheduler{
		out:     out,
		metrics: m,
		handles: make(map[*PlaybackHandle]struct{}),
	}
}

// Schedule decodes chunk as 24 kHz mono PCM and queues it at the cursor,
// resampling to the output rate when the two differ. A malformed chunk
// returns [*audio.CodecError] and schedules nothing. An empty chunk is a
// no-op and returns a nil handle.
func (s *Scheduler) Schedule(chunk []byte) (*PlaybackHandle, error) {
	frame, err := audio.Decode(chunk, 1, audio.PlaybackSampleRate)
	if err != nil {
		return nil, err
	}
	if frame.Len() == 0 {
		return nil, nil
	}
	if rate := s.out.SampleRate(); rate > 0 && rate != frame.SampleRate {
		frame.Samples = audio.ResampleMono(frame.Samples, frame.SampleRate, rate)
		frame.SampleRate = rate
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.out.CurrentTime()
	start := max(s.nextStart, now)
	h := &PlaybackHandle{Start: start, Duration: frame.Seconds()}

	// onEnded runs on the device goroutine and blocks on s.mu until the handle
	// is registered below.
	src, err := s.out.Play(frame, start, func() { s.release(h) })
	if err != nil {
		return nil, fmt.Errorf("session: schedule playback: %w", err)
	}
	h.src = src
	s.handles[h] = struct{}{}
	s.nextStart = start + h.Duration

	ctx := context.Background()
	s.metrics.ChunksScheduled.Add(ctx, 1)
	s.metrics.ActivePlayback.Add(ctx, 1)
	s.metrics.PlaybackLead.Record(ctx, start-now)
	return h, nil
}

func (s *Scheduler) release(h *PlaybackHandle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.handles[h]; !ok {
		return
	}
	delete(s.handles, h)
	s.metrics.ActivePlayback.Add(context.Background(), -1)
}

// Flush stops every registered chunk, clears the set and resets the cursor to
// zero. Stop errors are ignored. Flushing an empty scheduler is a no-op apart
// from the cursor reset.
func (s *Scheduler) Flush() {
	s.mu.Lock()
	handles := s.handles
	s.handles = make(map[*PlaybackHandle]struct{})
	s.nextStart = 0
	s.mu.Unlock()

	if len(handles) == 0 {
		return
	}
	for h := range handles {
		_ = h.src.Stop()
	}
	s.metrics.ActivePlayback.Add(context.Background(), -int64(len(handles)))
}

// NextStart returns the playback cursor in device seconds.
func (s *Scheduler) NextStart() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextStart
}

// Active returns how many chunks are scheduled and not yet finished.
func (s *Scheduler) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.handles)
}
