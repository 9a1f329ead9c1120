package local

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gen2brain/malgo"

	"github.com/MrWong99/gatebud/pkg/audio"
)

// inputStream is a started miniaudio capture device.
type inputStream struct {
	format   audio.Format
	device   *malgo.Device
	data     chan []byte
	done     chan struct{}
	stopOnce sync.Once
	dropped  atomic.Int64
}

func (s *inputStream) Format() audio.Format { return s.format }

// Stop halts and releases the device. Any connected capture node sees the
// stream end and stops delivering windows.
func (s *inputStream) Stop() error {
	var err error
	s.stopOnce.Do(func() {
		close(s.done)
		if s.device != nil {
			err = s.device.Stop()
			s.device.Uninit()
		}
	})
	return err
}

type captureContext struct {
	rate int
	log  *slog.Logger

	mu     sync.Mutex
	nodes  []*captureNode
	closed bool
}

func (c *captureContext) SampleRate() int { return c.rate }

// Connect starts a goroutine that slices the device's byte stream into windows
// of windowSize samples. Disconnect must not be called from inside onWindow.
func (c *captureContext) Connect(in audio.InputStream, windowSize int, onWindow func(audio.Frame)) (audio.CaptureNode, error) {
	src, ok := in.(*inputStream)
	if !ok {
		return nil, errNotLocalStream
	}
	if windowSize < 1 {
		return nil, fmt.Errorf("local: invalid window size %d", windowSize)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, fmt.Errorf("local: capture context closed")
	}

	n := &captureNode{stop: make(chan struct{})}
	w := newWindower(windowSize, c.rate, onWindow)
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		for {
			select {
			case <-n.stop:
				return
			case <-src.done:
				return
			case chunk := <-src.data:
				buf, err := audio.DecodeChunk(chunk, src.format.SampleRate, src.format.Channels)
				if err != nil {
					c.log.Warn("discarding capture chunk", "err", err)
					continue
				}
				w.push(buf.Planes[0])
			}
		}
	}()
	c.nodes = append(c.nodes, n)
	return n, nil
}

// Close disconnects every node.
func (c *captureContext) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	nodes := c.nodes
	c.nodes = nil
	c.mu.Unlock()

	for _, n := range nodes {
		_ = n.Disconnect()
	}
	return nil
}

func (c *captureContext) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

type captureNode struct {
	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// Disconnect stops the windowing goroutine and waits for it to exit.
func (n *captureNode) Disconnect() error {
	n.stopOnce.Do(func() { close(n.stop) })
	n.wg.Wait()
	return nil
}

// windower accumulates samples and emits fixed-size windows.
type windower struct {
	size    int
	rate    int
	pending []float32
	emitted int64 // samples emitted so far
	emit    func(audio.Frame)
}

func newWindower(size, rate int, emit func(audio.Frame)) *windower {
	return &windower{
		size:    size,
		rate:    rate,
		pending: make([]float32, 0, size*2),
		emit:    emit,
	}
}

// push appends samples and emits every complete window. The emitted slice is
// reused after emit returns.
func (w *windower) push(samples []float32) {
	w.pending = append(w.pending, samples...)
	off := 0
	for len(w.pending)-off >= w.size {
		ts := time.Duration(w.emitted * int64(time.Second) / int64(w.rate))
		w.emit(audio.Frame{
			Samples:    w.pending[off : off+w.size],
			SampleRate: w.rate,
			Timestamp:  ts,
		})
		w.emitted += int64(w.size)
		off += w.size
	}
	w.pending = append(w.pending[:0], w.pending[off:]...)
}
