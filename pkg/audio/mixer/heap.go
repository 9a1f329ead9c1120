// Package mixer provides a sample-accurate playback timeline. Decoded
// [audio.Buffer] values are scheduled at absolute clock times and mixed into a
// single 16-bit PCM stream that an output device pulls through [Timeline.Read].
// The clock advances only as samples are rendered, so it is monotonic and
// exactly proportional to the number of frames handed to the device.
package mixer

// voiceHeap implements [container/heap.Interface] as a min-heap of pending
// voices ordered by start frame, with FIFO tie-breaking on seq.
type voiceHeap []*voice

func (h voiceHeap) Len() int { return len(h) }

// Less reports whether voice i starts before voice j.
// Equal start frames fall back to scheduling order.
func (h voiceHeap) Less(i, j int) bool {
	if h[i].start != h[j].start {
		return h[i].start < h[j].start
	}
	return h[i].seq < h[j].seq
}

func (h voiceHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

// Push appends x to the heap. Called by [container/heap.Push]; callers must
// not invoke this directly.
func (h *voiceHeap) Push(x any) {
	*h = append(*h, x.(*voice))
}

// Pop removes and returns the last element. Called by [container/heap.Pop];
// callers must not invoke this directly.
func (h *voiceHeap) Pop() any {
	old := *h
	n := len(old)
	v := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return v
}
