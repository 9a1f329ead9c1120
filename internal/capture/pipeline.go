// Package capture wires the microphone to the session transport: every fixed
// window of input samples is encoded to 16-bit PCM and handed to a [Sender]
// without waiting for the network.
package capture

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/MrWong99/gatebud/internal/observe"
	"github.com/MrWong99/gatebud/pkg/audio"
	"github.com/MrWong99/gatebud/pkg/provider/s2s"
)

// DefaultWindowSize is the number of samples per capture window.
const DefaultWindowSize = 4096

// ErrAlreadyStarted is returned by [Pipeline.Start] on a running pipeline.
var ErrAlreadyStarted = errors.New("capture: pipeline already started")

// Sender accepts encoded capture windows. SendAudio must not block; a chunk
// that cannot be delivered is dropped by the implementation.
type Sender interface {
	SendAudio(chunk []byte, sampleRate int) error
}

// SenderFunc adapts a function to [Sender].
type SenderFunc func(chunk []byte, sampleRate int) error

// SendAudio calls f.
func (f SenderFunc) SendAudio(chunk []byte, sampleRate int) error { return f(chunk, sampleRate) }

// Option configures a [Pipeline].
type Option func(*Pipeline)

// WithWindowSize sets the window size. It is fixed once the pipeline starts.
func WithWindowSize(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.window = n
		}
	}
}

// WithLogger sets the logger. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) { p.log = l }
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// Pipeline connects an [audio.InputStream] through a capture context to a
// [Sender].
type Pipeline struct {
	capCtx  audio.CaptureContext
	in      audio.InputStream
	sender  Sender
	window  int
	log     *slog.Logger
	metrics *observe.Metrics

	mu   sync.Mutex
	node audio.CaptureNode

	sent    atomic.Int64
	dropped atomic.Int64
}

// New returns a stopped Pipeline.
func New(capCtx audio.CaptureContext, in audio.InputStream, sender Sender, opts ...Option) *Pipeline {
	p := &Pipeline{
		capCtx:  capCtx,
		in:      in,
		sender:  sender,
		window:  DefaultWindowSize,
		log:     slog.Default(),
		metrics: observe.DefaultMetrics(),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Start connects the capture graph. Windows flow to the sender until Stop.
func (p *Pipeline) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.node != nil {
		return ErrAlreadyStarted
	}
	node, err := p.capCtx.Connect(p.in, p.window, p.onWindow)
	if err != nil {
		return err
	}
	p.node = node
	p.log.Debug("capture started", "window", p.window, "sample_rate", p.capCtx.SampleRate())
	return nil
}

// Stop disconnects the capture graph. It is safe to call on a pipeline that
// was never started and more than once.
func (p *Pipeline) Stop() error {
	p.mu.Lock()
	node := p.node
	p.node = nil
	p.mu.Unlock()
	if node == nil {
		return nil
	}
	return node.Disconnect()
}

// Stats returns the number of windows handed to the sender and the number the
// sender rejected.
func (p *Pipeline) Stats() (sent, dropped int64) {
	return p.sent.Load(), p.dropped.Load()
}

func (p *Pipeline) onWindow(f audio.Frame) {
	ctx := context.Background()
	err := p.sender.SendAudio(audio.EncodeFrame(f.Samples), f.SampleRate)
	switch {
	case err == nil:
		p.sent.Add(1)
		p.metrics.RecordCaptureFrame(ctx, observe.StatusOK)
	case errors.Is(err, s2s.ErrSessionClosed), errors.Is(err, s2s.ErrSendQueueFull):
		p.dropped.Add(1)
		p.metrics.RecordCaptureFrame(ctx, observe.StatusDropped)
	default:
		p.dropped.Add(1)
		p.metrics.RecordCaptureFrame(ctx, observe.StatusDropped)
		p.log.Debug("capture frame not sent", "err", err)
	}
}
