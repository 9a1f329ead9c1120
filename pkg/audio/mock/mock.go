// Package mock provides in-memory implementations of the [audio.Backend]
// device interfaces for use in unit tests.
//
// All mocks are safe for concurrent use. They record every call so that tests
// can assert on what was acquired and released, and they expose exported
// fields that the test can set to control return values.
//
// Typical usage:
//
//	backend := &mock.Backend{}
//	in, _ := backend.OpenInput(ctx, audio.Format{SampleRate: 16000, Channels: 1})
//	capCtx, _ := backend.NewCaptureContext(16000)
//	capCtx.Connect(in, 4096, onWindow)
//	backend.LastCapture().Emit(samples) // drives onWindow
package mock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/MrWong99/gatebud/pkg/audio"
)

// Compile-time interface assertions.
var (
	_ audio.Backend         = (*Backend)(nil)
	_ audio.InputStream     = (*InputStream)(nil)
	_ audio.CaptureContext  = (*CaptureContext)(nil)
	_ audio.CaptureNode     = (*CaptureNode)(nil)
	_ audio.PlaybackContext = (*PlaybackContext)(nil)
	_ audio.Voice           = (*Voice)(nil)
)

// ─── Backend ──────────────────────────────────────────────────────────────────

// Backend is a mock implementation of [audio.Backend].
// Set the exported error fields before use; inspect the recorded slices after.
type Backend struct {
	mu sync.Mutex

	// OpenInputErr is returned by OpenInput when non-nil.
	OpenInputErr error

	// OpenInputGate, when non-nil, makes OpenInput block until the channel is
	// closed or the context is cancelled. Use it to hold a start in progress.
	OpenInputGate chan struct{}

	// CaptureErr is returned by NewCaptureContext when non-nil.
	CaptureErr error

	// PlaybackErr is returned by NewPlaybackContext when non-nil.
	PlaybackErr error

	// Inputs records every stream returned by OpenInput.
	Inputs []*InputStream

	// Captures records every context returned by NewCaptureContext.
	Captures []*CaptureContext

	// Playbacks records every context returned by NewPlaybackContext.
	Playbacks []*PlaybackContext

	// CallCountOpenInput records how many times OpenInput was called.
	CallCountOpenInput int
}

// OpenInput implements [audio.Backend].
func (b *Backend) OpenInput(ctx context.Context, format audio.Format) (audio.InputStream, error) {
	b.mu.Lock()
	b.CallCountOpenInput++
	gate := b.OpenInputGate
	err := b.OpenInputErr
	b.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}

	in := &InputStream{format: format}
	b.mu.Lock()
	b.Inputs = append(b.Inputs, in)
	b.mu.Unlock()
	return in, nil
}

// NewCaptureContext implements [audio.Backend].
func (b *Backend) NewCaptureContext(sampleRate int) (audio.CaptureContext, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.CaptureErr != nil {
		return nil, b.CaptureErr
	}
	c := &CaptureContext{rate: sampleRate}
	b.Captures = append(b.Captures, c)
	return c, nil
}

// NewPlaybackContext implements [audio.Backend].
func (b *Backend) NewPlaybackContext(sampleRate int) (audio.PlaybackContext, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.PlaybackErr != nil {
		return nil, b.PlaybackErr
	}
	p := NewPlaybackContext(sampleRate)
	b.Playbacks = append(b.Playbacks, p)
	return p, nil
}

// LastInput returns the most recently opened input stream, or nil.
func (b *Backend) LastInput() *InputStream {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.Inputs) == 0 {
		return nil
	}
	return b.Inputs[len(b.Inputs)-1]
}

// LastCapture returns the most recently created capture context, or nil.
func (b *Backend) LastCapture() *CaptureContext {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.Captures) == 0 {
		return nil
	}
	return b.Captures[len(b.Captures)-1]
}

// LastPlayback returns the most recently created playback context, or nil.
func (b *Backend) LastPlayback() *PlaybackContext {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.Playbacks) == 0 {
		return nil
	}
	return b.Playbacks[len(b.Playbacks)-1]
}

// ─── InputStream ──────────────────────────────────────────────────────────────

// InputStream is a mock implementation of [audio.InputStream].
type InputStream struct {
	mu     sync.Mutex
	format audio.Format

	// CallCountStop records how many times Stop was called.
	CallCountStop int
}

// Format implements [audio.InputStream].
func (s *InputStream) Format() audio.Format { return s.format }

// Stop implements [audio.InputStream].
func (s *InputStream) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountStop++
	return nil
}

// Stopped reports whether Stop has been called at least once.
func (s *InputStream) Stopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.CallCountStop > 0
}

// ─── Capture ──────────────────────────────────────────────────────────────────

// CaptureContext is a mock implementation of [audio.CaptureContext]. Windows
// are delivered only when the test calls [CaptureContext.Emit].
type CaptureContext struct {
	mu     sync.Mutex
	rate   int
	closed bool
	nodes  []*CaptureNode

	// ConnectErr is returned by Connect when non-nil.
	ConnectErr error
}

// SampleRate implements [audio.CaptureContext].
func (c *CaptureContext) SampleRate() int { return c.rate }

// Connect implements [audio.CaptureContext].
func (c *CaptureContext) Connect(in audio.InputStream, windowSize int, onWindow func(audio.Frame)) (audio.CaptureNode, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ConnectErr != nil {
		return nil, c.ConnectErr
	}
	if c.closed {
		return nil, errors.New("mock: capture context closed")
	}
	n := &CaptureNode{ctx: c, WindowSize: windowSize, onWindow: onWindow}
	c.nodes = append(c.nodes, n)
	return n, nil
}

// Close implements [audio.CaptureContext].
func (c *CaptureContext) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// Closed implements [audio.CaptureContext].
func (c *CaptureContext) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Nodes returns a snapshot of every node connected so far.
func (c *CaptureContext) Nodes() []*CaptureNode {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*CaptureNode, len(c.nodes))
	copy(out, c.nodes)
	return out
}

// Emit delivers samples as one window to every connected node. Disconnected
// nodes and closed contexts receive nothing. Emit returns the number of
// callbacks invoked.
func (c *CaptureContext) Emit(samples []float32) int {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return 0
	}
	var fns []func(audio.Frame)
	for _, n := range c.nodes {
		if !n.disconnected {
			fns = append(fns, n.onWindow)
		}
	}
	rate := c.rate
	c.mu.Unlock()

	for _, fn := range fns {
		fn(audio.Frame{Samples: samples, SampleRate: rate})
	}
	return len(fns)
}

// CaptureNode is a mock implementation of [audio.CaptureNode].
type CaptureNode struct {
	ctx          *CaptureContext
	onWindow     func(audio.Frame)
	disconnected bool // guarded by ctx.mu

	// WindowSize is the window size passed to Connect.
	WindowSize int
}

// Disconnect implements [audio.CaptureNode].
func (n *CaptureNode) Disconnect() error {
	n.ctx.mu.Lock()
	defer n.ctx.mu.Unlock()
	n.disconnected = true
	return nil
}

// Disconnected reports whether Disconnect has been called.
func (n *CaptureNode) Disconnected() bool {
	n.ctx.mu.Lock()
	defer n.ctx.mu.Unlock()
	return n.disconnected
}

// ─── Playback ─────────────────────────────────────────────────────────────────

// PlaybackContext is a mock implementation of [audio.PlaybackContext] whose
// clock only moves when the test calls [PlaybackContext.SetTime] or
// [PlaybackContext.Advance].
type PlaybackContext struct {
	mu     sync.Mutex
	rate   int
	now    time.Duration
	closed bool
	voices []*Voice

	// ScheduleErr is returned by Schedule when non-nil.
	ScheduleErr error

	// CloseErr is returned by Close.
	CloseErr error
}

// NewPlaybackContext returns an open PlaybackContext at sampleRate with its
// clock at zero.
func NewPlaybackContext(sampleRate int) *PlaybackContext {
	return &PlaybackContext{rate: sampleRate}
}

// SampleRate implements [audio.PlaybackContext].
func (p *PlaybackContext) SampleRate() int { return p.rate }

// CurrentTime implements [audio.PlaybackContext].
func (p *PlaybackContext) CurrentTime() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.now
}

// SetTime moves the clock to t without finishing any voices.
func (p *PlaybackContext) SetTime(t time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.now = t
}

// Advance moves the clock forward by d and ends every voice whose end time has
// been reached, invoking their onEnded callbacks outside the lock.
func (p *PlaybackContext) Advance(d time.Duration) {
	p.mu.Lock()
	p.now += d
	var ended []func()
	for _, v := range p.voices {
		if !v.done && v.End() <= p.now {
			v.done = true
			if v.onEnded != nil {
				ended = append(ended, v.onEnded)
			}
		}
	}
	p.mu.Unlock()

	for _, fn := range ended {
		fn()
	}
}

// Schedule implements [audio.PlaybackContext]. A start time earlier than the
// clock is recorded as the current time.
func (p *PlaybackContext) Schedule(buf *audio.Buffer, at time.Duration, onEnded func()) (audio.Voice, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ScheduleErr != nil {
		return nil, p.ScheduleErr
	}
	if p.closed {
		return nil, errors.New("mock: playback context closed")
	}
	v := &Voice{ctx: p, Buffer: buf, Start: max(at, p.now), onEnded: onEnded}
	p.voices = append(p.voices, v)
	return v, nil
}

// Close implements [audio.PlaybackContext]. It stops every voice.
func (p *PlaybackContext) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	for _, v := range p.voices {
		v.stopped = true
		v.done = true
	}
	return p.CloseErr
}

// Closed implements [audio.PlaybackContext].
func (p *PlaybackContext) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Voices returns a snapshot of every voice scheduled so far, in order.
func (p *PlaybackContext) Voices() []*Voice {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Voice, len(p.voices))
	copy(out, p.voices)
	return out
}

// Voice is a mock implementation of [audio.Voice].
type Voice struct {
	ctx     *PlaybackContext
	onEnded func()
	stopped bool // guarded by ctx.mu
	done    bool // guarded by ctx.mu

	// Buffer is the buffer passed to Schedule.
	Buffer *audio.Buffer

	// Start is the effective start time on the context clock.
	Start time.Duration
}

// Stop implements [audio.Voice].
func (v *Voice) Stop() {
	v.ctx.mu.Lock()
	defer v.ctx.mu.Unlock()
	v.stopped = true
	v.done = true
}

// Stopped reports whether Stop (or the context's Close) has been called.
func (v *Voice) Stopped() bool {
	v.ctx.mu.Lock()
	defer v.ctx.mu.Unlock()
	return v.stopped
}

// End returns the time at which the voice finishes playing naturally.
func (v *Voice) End() time.Duration {
	return v.Start + v.Buffer.Duration()
}
