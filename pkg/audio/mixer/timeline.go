package mixer

import (
	"container/heap"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/MrWong99/gatebud/pkg/audio"
)

// Compile-time interface assertion.
var _ audio.PlaybackContext = (*Timeline)(nil)

// ErrClosed is returned by [Timeline.Schedule] after [Timeline.Close].
var ErrClosed = errors.New("mixer: timeline closed")

const (
	// defaultQueueCap is the initial capacity hint for the pending heap.
	defaultQueueCap = 16
)

// Option configures a [Timeline] during construction.
type Option func(*Timeline)

// WithGain scales every mixed sample by g before quantisation. The default is 1.
func WithGain(g float32) Option {
	return func(t *Timeline) {
		t.gain = g
	}
}

// voice is one scheduled buffer on the timeline.
type voice struct {
	tl      *Timeline
	buf     *audio.Buffer
	start   int64 // absolute start frame
	seq     uint64
	onEnded func()
	stopped bool // guarded by tl.mu
}

// Stop silences the voice. It is safe to call at any time and more than once.
func (v *voice) Stop() {
	v.tl.mu.Lock()
	v.stopped = true
	v.tl.mu.Unlock()
}

func (v *voice) end() int64 { return v.start + int64(v.buf.Frames()) }

// Timeline mixes scheduled buffers into interleaved 16-bit little-endian PCM.
// It implements [io.Reader] so it can back a pull-based output player.
//
// All exported methods are safe for concurrent use. onEnded callbacks run on
// the goroutine calling [Timeline.Read], after the timeline's lock has been
// released.
type Timeline struct {
	format audio.Format
	gain   float32

	mu       sync.Mutex
	rendered int64 // frames handed out by Read so far
	seq      uint64
	pending  voiceHeap // not yet started, ordered by start frame
	playing  []*voice  // started, not yet ended
	closed   bool
	mixBuf   []float32
}

// New creates a [Timeline] rendering at the given format. format.Channels
// defaults to 1 when not positive.
func New(format audio.Format, opts ...Option) *Timeline {
	if format.Channels < 1 {
		format.Channels = 1
	}
	t := &Timeline{
		format:  format,
		gain:    1,
		pending: make(voiceHeap, 0, defaultQueueCap),
	}
	for _, o := range opts {
		o(t)
	}
	heap.Init(&t.pending)
	return t
}

// Format returns the output format.
func (t *Timeline) Format() audio.Format { return t.format }

// SampleRate returns the output sample rate.
func (t *Timeline) SampleRate() int { return t.format.SampleRate }

// CurrentTime returns the number of rendered frames expressed as a duration.
func (t *Timeline) CurrentTime() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.framesToDuration(t.rendered)
}

// Schedule places buf on the timeline starting at the given clock time. A time
// earlier than [Timeline.CurrentTime] starts at the current position. buf must
// be at the timeline's sample rate.
func (t *Timeline) Schedule(buf *audio.Buffer, at time.Duration, onEnded func()) (audio.Voice, error) {
	if buf == nil {
		return nil, errors.New("mixer: nil buffer")
	}
	if buf.SampleRate != t.format.SampleRate {
		return nil, fmt.Errorf("mixer: buffer rate %d does not match timeline rate %d", buf.SampleRate, t.format.SampleRate)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, ErrClosed
	}

	start := t.durationToFrames(at)
	if start < t.rendered {
		start = t.rendered
	}
	t.seq++
	v := &voice{tl: t, buf: buf, start: start, seq: t.seq, onEnded: onEnded}
	heap.Push(&t.pending, v)
	return v, nil
}

// Active returns the number of voices that are pending or sounding and have
// not been stopped.
func (t *Timeline) Active() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, v := range t.pending {
		if !v.stopped {
			n++
		}
	}
	for _, v := range t.playing {
		if !v.stopped {
			n++
		}
	}
	return n
}

// Read renders the next len(p)/(2×channels) frames into p. Silence is written
// where no voice is sounding. After [Timeline.Close], Read returns [io.EOF].
func (t *Timeline) Read(p []byte) (int, error) {
	stride := audio.BytesPerSample * t.format.Channels
	frames := len(p) / stride
	if frames == 0 {
		return 0, nil
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return 0, io.EOF
	}
	ended := t.renderLocked(frames)
	out := audio.EncodeFrame(t.mixBuf[:frames*t.format.Channels])
	t.mu.Unlock()

	copy(p, out)
	for _, fn := range ended {
		fn()
	}
	return frames * stride, nil
}

// Close stops every voice and makes further reads return [io.EOF]. No onEnded
// callbacks fire for voices cut off by Close. Close is idempotent.
func (t *Timeline) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	for _, v := range t.pending {
		v.stopped = true
	}
	for _, v := range t.playing {
		v.stopped = true
	}
	t.pending = t.pending[:0]
	t.playing = nil
	return nil
}

// Closed reports whether Close has been called.
func (t *Timeline) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// renderLocked mixes frames frames into t.mixBuf, advances the clock and
// returns the onEnded callbacks of voices that finished. Must be called with
// t.mu held.
func (t *Timeline) renderLocked(frames int) []func() {
	ch := t.format.Channels
	n := frames * ch
	if cap(t.mixBuf) < n {
		t.mixBuf = make([]float32, n)
	}
	mix := t.mixBuf[:n]
	clear(mix)

	from := t.rendered
	to := from + int64(frames)

	// Promote voices whose start falls inside this window.
	for t.pending.Len() > 0 && t.pending[0].start < to {
		v := heap.Pop(&t.pending).(*voice)
		if v.stopped {
			continue
		}
		t.playing = append(t.playing, v)
	}

	var ended []func()
	kept := t.playing[:0]
	for _, v := range t.playing {
		if v.stopped {
			continue
		}
		lo := max(v.start, from)
		hi := min(v.end(), to)
		for f := lo; f < hi; f++ {
			src := int(f - v.start)
			dst := int(f-from) * ch
			for c := range ch {
				plane := v.buf.Planes[min(c, len(v.buf.Planes)-1)]
				mix[dst+c] += plane[src] * t.gain
			}
		}
		if v.end() <= to {
			v.stopped = true
			if v.onEnded != nil {
				ended = append(ended, v.onEnded)
			}
			continue
		}
		kept = append(kept, v)
	}
	clear(t.playing[len(kept):])
	t.playing = kept
	t.rendered = to
	return ended
}

func (t *Timeline) framesToDuration(frames int64) time.Duration {
	return time.Duration(frames * int64(time.Second) / int64(t.format.SampleRate))
}

func (t *Timeline) durationToFrames(d time.Duration) int64 {
	if d <= 0 {
		return 0
	}
	return int64(d) * int64(t.format.SampleRate) / int64(time.Second)
}
