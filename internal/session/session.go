// Package session implements the conversation lifecycle: acquiring the
// microphone and both processing contexts, opening the speech-to-speech
// transport, routing its events to the playback scheduler, and releasing every
// resource on stop or failure.
//
// States move Idle → Connecting → Active → {Idle, Error}; Error returns to
// Connecting on retry or to Idle on [Session.Teardown]. A generation counter
// ties each transport handle to the start that opened it, so events from a
// handle that has since been stopped are ignored.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/gatebud/internal/capture"
	"github.com/MrWong99/gatebud/internal/observe"
	"github.com/MrWong99/gatebud/internal/playback"
	"github.com/MrWong99/gatebud/pkg/audio"
	"github.com/MrWong99/gatebud/pkg/provider/s2s"
)

// Config is the fixed per-session configuration. Changes made through
// [Session.Reconfigure] apply at the next Start.
type Config struct {
	// CaptureFormat is the microphone format (16 kHz mono).
	CaptureFormat audio.Format

	// PlaybackFormat is the reply audio format (24 kHz mono).
	PlaybackFormat audio.Format

	// WindowSize is the number of samples per capture window.
	WindowSize int

	// DecodeWorkers sizes the reply decode pool; 0 decodes inline.
	DecodeWorkers int

	// Voice is the prebuilt voice name.
	Voice string

	// SystemInstruction is sent once when the transport opens.
	SystemInstruction string
}

// DefaultConfig returns the standard formats and window size.
func DefaultConfig() Config {
	return Config{
		CaptureFormat:  audio.Format{SampleRate: 16000, Channels: 1},
		PlaybackFormat: audio.Format{SampleRate: 24000, Channels: 1},
		WindowSize:     capture.DefaultWindowSize,
	}
}

// Transport returns the transport settings derived from c.
func (c Config) Transport() s2s.SessionConfig {
	return s2s.SessionConfig{
		InputFormat:  c.CaptureFormat,
		OutputFormat: c.PlaybackFormat,
		Voice:        c.Voice,
		Instructions: c.SystemInstruction,
	}
}

// Option configures a [Session].
type Option func(*Session)

// WithLogger sets the logger. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(s *Session) { s.log = l }
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Session) { s.metrics = m }
}

// Session owns at most one live conversation. The zero value is not usable;
// construct with [New].
//
// All exported methods are safe for concurrent use.
type Session struct {
	backend  audio.Backend
	provider s2s.Provider
	log      *slog.Logger
	metrics  *observe.Metrics

	// notifyMu serialises observer callbacks so they see transitions in order.
	notifyMu sync.Mutex

	mu        sync.Mutex
	cfg       Config
	state     State
	err       error
	gen       uint64
	id        string
	res       resources
	startedAt time.Time
	observers []func(Status)
	pending   []Status // transitions not yet delivered to observers
}

// resources are everything a running session owns. Any field may be nil.
type resources struct {
	input   audio.InputStream
	capCtx  audio.CaptureContext
	playCtx audio.PlaybackContext
	sched   *playback.Scheduler
	capture *capture.Pipeline
	handle  s2s.SessionHandle
	cancel  context.CancelFunc
	span    trace.Span
}

// New creates an idle Session.
func New(backend audio.Backend, provider s2s.Provider, cfg Config, opts ...Option) *Session {
	s := &Session{
		backend:  backend,
		provider: provider,
		cfg:      withDefaults(cfg),
		log:      slog.Default(),
		metrics:  observe.DefaultMetrics(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func withDefaults(cfg Config) Config {
	def := DefaultConfig()
	if cfg.CaptureFormat.SampleRate == 0 {
		cfg.CaptureFormat = def.CaptureFormat
	}
	if cfg.PlaybackFormat.SampleRate == 0 {
		cfg.PlaybackFormat = def.PlaybackFormat
	}
	if cfg.CaptureFormat.Channels == 0 {
		cfg.CaptureFormat.Channels = 1
	}
	if cfg.PlaybackFormat.Channels == 0 {
		cfg.PlaybackFormat.Channels = 1
	}
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = def.WindowSize
	}
	return cfg
}

// OnStateChange registers fn to be called after every state transition. fn
// runs outside the session lock but must not call back into the Session
// synchronously.
func (s *Session) OnStateChange(fn func(Status)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observers = append(s.observers, fn)
}

// Status returns the current state.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{State: s.state, Err: s.err}
}

// ID returns the identifier of the current or most recent conversation.
func (s *Session) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

// Config returns the configuration the next Start will use.
func (s *Session) Config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Reconfigure replaces the configuration used by the next Start. A running
// conversation keeps its settings.
func (s *Session) Reconfigure(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = withDefaults(cfg)
}

// Toggle starts a conversation from Idle or Error and stops one that is
// Active. It does nothing while Connecting.
func (s *Session) Toggle(ctx context.Context) error {
	switch s.Status().State {
	case StateActive:
		return s.Stop()
	case StateConnecting:
		return nil
	default:
		return s.Start(ctx)
	}
}

// Start acquires the microphone, allocates both processing contexts and opens
// the transport. It returns once the transport is dialled; the session
// becomes Active when the transport reports it is open.
//
// On failure the session ends in StateError with every partially acquired
// resource released, and the returned error wraps [ErrDeviceAcquisition] or
// [ErrTransportOpen]. If Stop runs while Start is in progress, Start returns
// [ErrStartAborted].
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.state == StateConnecting || s.state == StateActive {
		s.mu.Unlock()
		return ErrBusy
	}
	s.gen++
	gen := s.gen
	s.id = uuid.NewString()
	cfg := s.cfg
	s.startedAt = time.Now()

	spanCtx, span := observe.StartSpan(ctx, "session.start")
	startCtx, cancel := context.WithCancel(spanCtx)
	s.res = resources{cancel: cancel, span: span}
	log := observe.Logger(spanCtx, s.log).With("session_id", s.id)
	s.setStateLocked(StateConnecting, nil)
	s.unlockAndNotify()

	log.Info("starting conversation", "voice", cfg.Voice)

	in, err := s.backend.OpenInput(startCtx, cfg.CaptureFormat)
	if err != nil {
		return s.failStart(gen, fmt.Errorf("%w: %w", ErrDeviceAcquisition, err), "device")
	}
	if !s.adopt(gen, func(r *resources) { r.input = in }) {
		_ = in.Stop()
		return ErrStartAborted
	}

	capCtx, err := s.backend.NewCaptureContext(cfg.CaptureFormat.SampleRate)
	if err != nil {
		return s.failStart(gen, fmt.Errorf("%w: capture context: %w", ErrDeviceAcquisition, err), "device")
	}
	if !s.adopt(gen, func(r *resources) { r.capCtx = capCtx }) {
		_ = capCtx.Close()
		return ErrStartAborted
	}

	playCtx, err := s.backend.NewPlaybackContext(cfg.PlaybackFormat.SampleRate)
	if err != nil {
		return s.failStart(gen, fmt.Errorf("%w: playback context: %w", ErrDeviceAcquisition, err), "device")
	}
	sched := playback.New(playCtx, cfg.PlaybackFormat,
		playback.WithDecodeWorkers(cfg.DecodeWorkers),
		playback.WithLogger(log),
		playback.WithMetrics(s.metrics),
	)
	if !s.adopt(gen, func(r *resources) { r.playCtx, r.sched = playCtx, sched }) {
		_ = playCtx.Close()
		return ErrStartAborted
	}

	handle, err := s.provider.Connect(startCtx, cfg.Transport())
	if err != nil {
		return s.failStart(gen, fmt.Errorf("%w: %w", ErrTransportOpen, err), "open")
	}
	if !s.adopt(gen, func(r *resources) { r.handle = handle }) {
		_ = handle.Close()
		return ErrStartAborted
	}

	go s.pump(gen, handle, log)
	return nil
}

// Stop requests the transport to close and then tears down unconditionally,
// whatever the close returned. It is valid from any state.
func (s *Session) Stop() error {
	s.mu.Lock()
	s.gen++
	handle := s.res.handle
	s.res.handle = nil
	s.mu.Unlock()

	if handle != nil {
		if err := handle.Close(); err != nil {
			s.log.Warn("transport close failed", "err", err)
		}
	}
	s.Teardown()
	return nil
}

// Teardown releases every resource the session holds and leaves it Idle. It
// is idempotent and safe on a partially started session. Release failures are
// logged at debug level and never returned.
func (s *Session) Teardown() {
	s.teardown(StateIdle, nil)
}

// teardown invalidates the current generation, detaches all resources, moves
// to final and then releases the detached resources outside the lock.
func (s *Session) teardown(final State, cause error) {
	s.mu.Lock()
	s.gen++
	res := s.res
	s.res = resources{}
	s.setStateLocked(final, cause)
	s.unlockAndNotify()

	if err := res.release(cause); err != nil {
		s.log.Debug("teardown step failed", "err", err)
	}
	if res.capture != nil {
		sent, dropped := res.capture.Stats()
		s.log.Info("capture stopped", "frames_sent", sent, "frames_dropped", dropped)
	}
}

// release frees r in dependency order: outputs, input device, capture graph,
// contexts, transport.
func (r resources) release(cause error) error {
	var errs []error
	if r.cancel != nil {
		r.cancel()
	}
	if r.sched != nil {
		r.sched.StopAll()
		r.sched.Wait()
	}
	if r.input != nil {
		if err := r.input.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("stop input: %w", err))
		}
	}
	if r.capture != nil {
		if err := r.capture.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("disconnect capture: %w", err))
		}
	}
	if r.capCtx != nil && !r.capCtx.Closed() {
		if err := r.capCtx.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close capture context: %w", err))
		}
	}
	if r.playCtx != nil && !r.playCtx.Closed() {
		if err := r.playCtx.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close playback context: %w", err))
		}
	}
	if r.handle != nil {
		if err := r.handle.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close transport: %w", err))
		}
	}
	if r.span != nil {
		if cause != nil {
			r.span.RecordError(cause)
			r.span.SetStatus(codes.Error, cause.Error())
		}
		r.span.End()
	}
	return errors.Join(errs...)
}

// adopt stores a freshly acquired resource if gen is still current.
func (s *Session) adopt(gen uint64, set func(*resources)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != gen {
		return false
	}
	set(&s.res)
	return true
}

// failStart converges a start failure on the teardown routine.
func (s *Session) failStart(gen uint64, err error, kind string) error {
	s.mu.Lock()
	current := s.gen == gen
	s.mu.Unlock()
	if !current {
		return ErrStartAborted
	}
	s.metrics.RecordTransportError(context.Background(), kind)
	s.metrics.RecordConnect(context.Background(), time.Since(s.startedAt), observe.StatusFailed)
	s.log.Error("conversation start failed", "err", err)
	s.teardown(StateError, err)
	return err
}

// pump routes events from handle until its stream ends or gen is superseded.
func (s *Session) pump(gen uint64, handle s2s.SessionHandle, log *slog.Logger) {
	for ev := range handle.Events() {
		if !s.route(gen, ev, log) {
			return
		}
	}
	// Stream ended without a terminal event.
	s.finish(gen, StateIdle, nil, log)
}

// route handles one event. It reports false once the pump should exit.
func (s *Session) route(gen uint64, ev s2s.Event, log *slog.Logger) bool {
	switch ev.Kind {
	case s2s.EventOpened:
		return s.opened(gen, log)

	case s2s.EventAudio:
		s.mu.Lock()
		if s.gen != gen {
			s.mu.Unlock()
			return false
		}
		sched, active := s.res.sched, s.state == StateActive
		s.mu.Unlock()
		if !active || sched == nil {
			log.Debug("dropping audio received before open")
			return true
		}
		if err := sched.Submit(ev.Audio); err != nil {
			log.Debug("audio chunk not submitted", "err", err)
		}
		return true

	case s2s.EventInterrupted:
		s.mu.Lock()
		if s.gen != gen {
			s.mu.Unlock()
			return false
		}
		sched := s.res.sched
		s.mu.Unlock()
		if sched != nil {
			sched.Interrupt()
		}
		return true

	case s2s.EventError:
		err := fmt.Errorf("%w: %w", ErrTransportRuntime, ev.Err)
		s.finish(gen, StateError, err, log)
		return false

	case s2s.EventClosed:
		s.finish(gen, StateIdle, nil, log)
		return false
	}
	return true
}

// opened moves Connecting → Active and starts the capture pipeline.
func (s *Session) opened(gen uint64, log *slog.Logger) bool {
	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return false
	}
	if s.state != StateConnecting {
		s.mu.Unlock()
		return true
	}
	pipe := capture.New(s.res.capCtx, s.res.input, s.sender(gen),
		capture.WithWindowSize(s.cfg.WindowSize),
		capture.WithLogger(log),
		capture.WithMetrics(s.metrics),
	)
	if err := pipe.Start(); err != nil {
		s.mu.Unlock()
		s.finish(gen, StateError, fmt.Errorf("%w: capture: %w", ErrDeviceAcquisition, err), log)
		return false
	}
	s.res.capture = pipe
	if s.res.span != nil {
		s.res.span.AddEvent("transport opened")
	}
	elapsed := time.Since(s.startedAt)
	s.setStateLocked(StateActive, nil)
	s.unlockAndNotify()

	s.metrics.RecordConnect(context.Background(), elapsed, observe.StatusOK)
	log.Info("conversation active", "connect_time", elapsed)
	return true
}

// finish ends generation gen in the given state. Events for a superseded
// generation are ignored.
func (s *Session) finish(gen uint64, final State, cause error, log *slog.Logger) {
	s.mu.Lock()
	current := s.gen == gen
	s.mu.Unlock()
	if !current {
		return
	}
	if cause != nil {
		s.metrics.RecordTransportError(context.Background(), "runtime")
		log.Error("conversation failed", "err", cause)
	} else {
		log.Info("transport closed")
	}
	s.teardown(final, cause)
}

// sender returns the capture sink for generation gen. It looks the handle up
// on every call so a cleared handle turns sends into no-ops.
func (s *Session) sender(gen uint64) capture.Sender {
	return capture.SenderFunc(func(chunk []byte, rate int) error {
		s.mu.Lock()
		h := s.res.handle
		current := s.gen == gen
		s.mu.Unlock()
		if h == nil || !current {
			return s2s.ErrSessionClosed
		}
		return h.SendAudio(chunk, rate)
	})
}

// setStateLocked records a transition. Must be called with s.mu held.
func (s *Session) setStateLocked(state State, err error) {
	prev := s.state
	s.state, s.err = state, err
	if prev == state && err == nil {
		return
	}
	ctx := context.Background()
	if prev != StateActive && state == StateActive {
		s.metrics.ActiveSessions.Add(ctx, 1)
	} else if prev == StateActive && state != StateActive {
		s.metrics.ActiveSessions.Add(ctx, -1)
	}
	s.metrics.RecordTransition(ctx, state.String())
	s.log.Info("session state changed", "from", prev.String(), "to", state.String(), "session_id", s.id)
	s.pending = append(s.pending, Status{State: state, Err: err})
}

// unlockAndNotify releases s.mu and delivers queued transitions to observers
// in order.
func (s *Session) unlockAndNotify() {
	pending := s.pending
	s.pending = nil
	observers := s.observers
	s.notifyMu.Lock()
	s.mu.Unlock()
	defer s.notifyMu.Unlock()
	for _, st := range pending {
		for _, fn := range observers {
			fn(st)
		}
	}
}
