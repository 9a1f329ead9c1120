// Package playback implements the jitter-buffer scheduler for model reply
// audio.
//
// Every inbound chunk is assigned an arrival sequence number, decoded (inline
// or on a bounded worker pool), and then scheduled strictly in arrival order
// at max(nextStart, now) on the output device's clock. Consecutive chunks
// therefore play back to back without overlap, and a chunk that arrives after
// the queue has drained starts immediately.
//
// An interruption stops every scheduled buffer, clears the active set and
// resets the clock so the next reply is timed against the device's current
// time.
package playback

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/gatebud/internal/observe"
	"github.com/MrWong99/gatebud/pkg/audio"
)

// ErrStopped is returned by [Scheduler.Submit] after [Scheduler.StopAll].
var ErrStopped = errors.New("playback: scheduler stopped")

// Option configures a [Scheduler].
type Option func(*Scheduler)

// WithDecodeWorkers decodes chunks on a pool of n goroutines. With n <= 0
// (the default) chunks are decoded inline in Submit.
func WithDecodeWorkers(n int) Option {
	return func(s *Scheduler) {
		s.workers = n
	}
}

// WithLogger sets the logger. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) { s.log = l }
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Scheduler) { s.metrics = m }
}

// source is one member of the active output set.
type source struct {
	voice audio.Voice
	start time.Duration
}

// decoded is a finished decode waiting in the reorder buffer.
type decoded struct {
	buf *audio.Buffer
	err error
}

// Scheduler sequences decoded reply chunks onto a [audio.PlaybackContext].
//
// All exported methods are safe for concurrent use. Lock order: the
// scheduler's lock may be held while calling into the playback context, never
// the reverse.
type Scheduler struct {
	out     audio.PlaybackContext
	format  audio.Format
	log     *slog.Logger
	metrics *observe.Metrics
	workers int
	pool    *errgroup.Group

	// inflight counts pool decodes. Add happens under mu before stopped is
	// set, so Wait after StopAll cannot miss one.
	inflight sync.WaitGroup

	mu        sync.Mutex
	nextStart time.Duration
	active    map[*source]struct{}
	nextSeq   uint64 // next sequence number handed out by Submit
	nextSched uint64 // next sequence number allowed to schedule
	ready     map[uint64]decoded
	stopped   bool
}

// New creates a Scheduler writing to out. Chunks are decoded as format
// (24 kHz mono for model replies).
func New(out audio.PlaybackContext, format audio.Format, opts ...Option) *Scheduler {
	if format.Channels < 1 {
		format.Channels = 1
	}
	s := &Scheduler{
		out:     out,
		format:  format,
		log:     slog.Default(),
		metrics: observe.DefaultMetrics(),
		active:  make(map[*source]struct{}),
		ready:   make(map[uint64]decoded),
	}
	for _, o := range opts {
		o(s)
	}
	if s.workers > 0 {
		s.pool = new(errgroup.Group)
		s.pool.SetLimit(s.workers)
	}
	return s
}

// Submit accepts one inbound chunk. Its position in the playback order is
// fixed at call time; decode may complete later. A malformed chunk is logged
// and skipped without touching the clock or the active set.
func (s *Scheduler) Submit(chunk []byte) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return ErrStopped
	}
	seq := s.nextSeq
	s.nextSeq++
	if s.pool != nil {
		s.inflight.Add(1)
	}
	s.mu.Unlock()

	if s.pool == nil {
		buf, err := s.decode(chunk)
		s.complete(seq, buf, err)
		return nil
	}
	s.pool.Go(func() error {
		defer s.inflight.Done()
		buf, err := s.decode(chunk)
		s.complete(seq, buf, err)
		return nil
	})
	return nil
}

// Interrupt stops every active source, clears the active set and resets the
// clock to zero. Chunks still decoding are not affected; they schedule
// against the reset clock when they complete.
func (s *Scheduler) Interrupt() {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.sweepLocked()
	s.nextStart = 0
	s.metrics.Interruptions.Add(context.Background(), 1)
	s.log.Debug("playback interrupted", "stopped_sources", n)
}

// StopAll performs the same sweep as Interrupt and retires the scheduler:
// later Submit calls return [ErrStopped] and in-flight decodes are discarded.
// StopAll is idempotent.
func (s *Scheduler) StopAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	s.stopped = true
	s.sweepLocked()
	clear(s.ready)
}

// Wait blocks until every in-flight decode has completed and been scheduled
// or discarded. Calling it after StopAll drains the decode pool.
func (s *Scheduler) Wait() {
	s.inflight.Wait()
}

// NextStartTime returns the earliest time the next chunk may begin.
func (s *Scheduler) NextStartTime() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextStart
}

// Active returns the number of sources scheduled and not yet finished.
func (s *Scheduler) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

// decode runs outside the lock.
func (s *Scheduler) decode(chunk []byte) (*audio.Buffer, error) {
	start := time.Now()
	buf, err := audio.DecodeChunk(chunk, s.format.SampleRate, s.format.Channels)
	s.metrics.DecodeDuration.Record(context.Background(), time.Since(start).Seconds())
	return buf, err
}

// complete parks a finished decode in the reorder buffer and schedules every
// chunk that is now next in arrival order.
func (s *Scheduler) complete(seq uint64, buf *audio.Buffer, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	s.ready[seq] = decoded{buf: buf, err: err}
	for {
		d, ok := s.ready[s.nextSched]
		if !ok {
			return
		}
		delete(s.ready, s.nextSched)
		s.nextSched++
		s.scheduleLocked(d)
	}
}

// scheduleLocked applies the max(nextStart, now) rule to one decoded chunk.
// Must be called with s.mu held.
func (s *Scheduler) scheduleLocked(d decoded) {
	ctx := context.Background()
	if d.err != nil {
		s.metrics.RecordPlaybackChunk(ctx, observe.StatusMalformed)
		s.log.Warn("dropping malformed audio chunk", "err", d.err)
		return
	}

	now := s.out.CurrentTime()
	start := max(s.nextStart, now)

	// The source joins the active set before it can start sounding so an
	// interruption sweep always sees it.
	src := &source{start: start}
	s.active[src] = struct{}{}

	v, err := s.out.Schedule(d.buf, start, func() { s.ended(src) })
	if err != nil {
		delete(s.active, src)
		s.metrics.RecordPlaybackChunk(ctx, observe.StatusFailed)
		s.log.Error("failed to schedule audio chunk", "err", err)
		return
	}
	src.voice = v
	s.nextStart = start + d.buf.Duration()

	s.metrics.RecordPlaybackChunk(ctx, observe.StatusOK)
	s.metrics.PlaybackQueued.Add(ctx, 1)
	s.metrics.PlaybackLead.Record(ctx, (s.nextStart - now).Seconds())
}

// ended removes a naturally finished source from the active set.
func (s *Scheduler) ended(src *source) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.active[src]; ok {
		delete(s.active, src)
		s.metrics.PlaybackQueued.Add(context.Background(), -1)
	}
}

// sweepLocked stops and removes every active source. Must be called with s.mu
// held.
func (s *Scheduler) sweepLocked() int {
	n := len(s.active)
	for src := range s.active {
		src.voice.Stop()
	}
	clear(s.active)
	if n > 0 {
		s.metrics.PlaybackQueued.Add(context.Background(), -int64(n))
	}
	return n
}
