// Package mixer provides a wall-clock [audio.OutputContext] that releases
// scheduled frames to a [Sink] in start-time order. It lets devices that only
// expose a blocking PCM writer (an ffplay pipe, a portaudio stream, a discard
// sink) behave like a timed playback graph with stoppable sources.
package mixer

// sourceHeap implements [container/heap.Interface] as a min-heap ordered by
// scheduled start time, with FIFO tie-breaking on seq (ascending). Each
// source tracks its own index so a queued source can be removed on Stop.
type sourceHeap []*source

func (h sourceHeap) Len() int { return len(h) }

// Less reports whether element i should be released before element j.
// Earlier start wins; equal start falls back to insertion order.
func (h sourceHeap) Less(i, j int) bool {
	if h[i].at != h[j].at {
		return h[i].at < h[j].at
	}
	return h[i].seq < h[j].seq
}

func (h sourceHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

// Push appends x to the heap. Called by [container/heap.Push]; callers must
// not invoke this directly.
func (h *sourceHeap) Push(x any) {
	s := x.(*source)
	s.index = len(*h)
	*h = append(*h, s)
}

// Pop removes and returns the last element. Called by [container/heap.Pop];
// callers must not invoke this directly.
func (h *sourceHeap) Pop() any {
	old := *h
	n := len(old)
	s := old[n-1]
	old[n-1] = nil
	s.index = -1
	*h = old[:n-1]
	return s
}
