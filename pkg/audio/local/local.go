// Package local implements [audio.Backend] on the host's sound hardware:
// microphone capture through miniaudio (github.com/gen2brain/malgo) and
// speaker output through github.com/ebitengine/oto/v3.
//
// The output side is a [mixer.Timeline] pulled by an oto player, so the
// playback clock advances exactly as fast as samples are handed to the device.
//
// oto permits a single context per process. A [Backend] creates it on the
// first call to NewPlaybackContext and rejects later requests for a different
// sample rate.
package local

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ebitengine/oto/v3"
	"github.com/gen2brain/malgo"

	"github.com/MrWong99/gatebud/pkg/audio"
	"github.com/MrWong99/gatebud/pkg/audio/mixer"
)

// Compile-time interface assertion.
var _ audio.Backend = (*Backend)(nil)

const (
	// defaultPeriod is the capture callback period requested from miniaudio.
	defaultPeriod = 20 * time.Millisecond

	// defaultOutputBuffer is how much audio oto buffers ahead of the speaker.
	defaultOutputBuffer = 100 * time.Millisecond

	// playerBuffer bounds how much rendered audio a player holds. A stopped
	// voice can still be heard for at most this long.
	playerBuffer = defaultPeriod

	// inputQueueDepth bounds the number of device callbacks buffered between
	// the audio thread and the windowing goroutine.
	inputQueueDepth = 64
)

// Option configures a [Backend].
type Option func(*Backend)

// WithLogger sets the logger used for device diagnostics. Defaults to
// [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(b *Backend) {
		b.log = l
	}
}

// WithOutputBuffer sets the oto output buffer length. Smaller values lower
// latency at the risk of underruns.
func WithOutputBuffer(d time.Duration) Option {
	return func(b *Backend) {
		if d > 0 {
			b.outputBuffer = d
		}
	}
}

// WithOutputGain scales reply audio by g before it reaches the speaker.
func WithOutputGain(g float32) Option {
	return func(b *Backend) {
		if g > 0 {
			b.gain = g
		}
	}
}

// Backend is the hardware [audio.Backend].
type Backend struct {
	log          *slog.Logger
	outputBuffer time.Duration
	gain         float32

	mu       sync.Mutex
	malgoCtx *malgo.AllocatedContext
	otoCtx   *oto.Context
	otoRate  int
}

// New returns a [Backend]. Devices are not touched until first use.
func New(opts ...Option) *Backend {
	b := &Backend{
		log:          slog.Default(),
		outputBuffer: defaultOutputBuffer,
		gain:         1,
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// OpenInput implements [audio.Backend]. It opens the default capture device as
// signed 16-bit mono at format.SampleRate and starts it.
func (b *Backend) OpenInput(ctx context.Context, format audio.Format) (audio.InputStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	mctx, err := b.captureContext()
	if err != nil {
		return nil, err
	}
	if format.Channels < 1 {
		format.Channels = 1
	}

	in := &inputStream{
		format: format,
		data:   make(chan []byte, inputQueueDepth),
		done:   make(chan struct{}),
	}

	cfg := malgo.DefaultDeviceConfig(malgo.Capture)
	cfg.Capture.Format = malgo.FormatS16
	cfg.Capture.Channels = uint32(format.Channels)
	cfg.SampleRate = uint32(format.SampleRate)
	cfg.PeriodSizeInMilliseconds = uint32(defaultPeriod / time.Millisecond)

	callbacks := malgo.DeviceCallbacks{
		Data: func(_, input []byte, _ uint32) {
			chunk := make([]byte, len(input))
			copy(chunk, input)
			select {
			case in.data <- chunk:
			default:
				in.dropped.Add(1)
			}
		},
	}

	dev, err := malgo.InitDevice(mctx.Context, cfg, callbacks)
	if err != nil {
		return nil, fmt.Errorf("local: init capture device: %w", err)
	}
	if err := dev.Start(); err != nil {
		dev.Uninit()
		return nil, fmt.Errorf("local: start capture device: %w", err)
	}
	in.device = dev
	b.log.Debug("capture device started", "format", format.String())
	return in, nil
}

// NewCaptureContext implements [audio.Backend].
func (b *Backend) NewCaptureContext(sampleRate int) (audio.CaptureContext, error) {
	if sampleRate < 1 {
		return nil, fmt.Errorf("local: invalid capture rate %d", sampleRate)
	}
	return &captureContext{rate: sampleRate, log: b.log}, nil
}

// NewPlaybackContext implements [audio.Backend].
func (b *Backend) NewPlaybackContext(sampleRate int) (audio.PlaybackContext, error) {
	otoCtx, err := b.outputContext(sampleRate)
	if err != nil {
		return nil, err
	}
	tl := mixer.New(audio.Format{SampleRate: sampleRate, Channels: 1}, mixer.WithGain(b.gain))
	player := otoCtx.NewPlayer(tl)
	player.SetBufferSize(bufferBytes(sampleRate, 1, playerBuffer))
	player.Play()
	return &playbackContext{Timeline: tl, player: player}, nil
}

// Close releases the miniaudio context. The oto context lives for the rest of
// the process.
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.malgoCtx == nil {
		return nil
	}
	err := b.malgoCtx.Uninit()
	b.malgoCtx.Free()
	b.malgoCtx = nil
	return err
}

func (b *Backend) captureContext() (*malgo.AllocatedContext, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.malgoCtx != nil {
		return b.malgoCtx, nil
	}
	cfg := malgo.ContextConfig{ThreadPriority: malgo.ThreadPriorityRealtime}
	mctx, err := malgo.InitContext(nil, cfg, nil)
	if err != nil {
		return nil, fmt.Errorf("local: init audio context: %w", err)
	}
	b.malgoCtx = mctx
	return mctx, nil
}

func (b *Backend) outputContext(sampleRate int) (*oto.Context, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.otoCtx != nil {
		if b.otoRate != sampleRate {
			return nil, fmt.Errorf("local: output already open at %d Hz, cannot reopen at %d Hz", b.otoRate, sampleRate)
		}
		return b.otoCtx, nil
	}
	otoCtx, ready, err := oto.NewContext(&oto.NewContextOptions{
		SampleRate:   sampleRate,
		ChannelCount: 1,
		Format:       oto.FormatSignedInt16LE,
		BufferSize:   b.outputBuffer,
	})
	if err != nil {
		return nil, fmt.Errorf("local: init output: %w", err)
	}
	<-ready
	b.otoCtx = otoCtx
	b.otoRate = sampleRate
	b.log.Debug("output device ready", "sample_rate", sampleRate)
	return otoCtx, nil
}

// bufferBytes is the size of d of 16-bit audio at the given rate, rounded down
// to whole frames.
func bufferBytes(sampleRate, channels int, d time.Duration) int {
	frames := int64(sampleRate) * int64(d) / int64(time.Second)
	return int(frames) * channels * audio.BytesPerSample
}

// playbackContext is a [mixer.Timeline] fed to an oto player.
type playbackContext struct {
	*mixer.Timeline
	player    *oto.Player
	closeOnce sync.Once
}

// Close stops the timeline and releases the player.
func (p *playbackContext) Close() error {
	var err error
	p.closeOnce.Do(func() {
		_ = p.Timeline.Close()
		err = p.player.Close()
	})
	return err
}

var errNotLocalStream = errors.New("local: input stream was not opened by this backend")
