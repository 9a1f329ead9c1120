// Package s2s defines the Provider interface for Speech-to-Speech (S2S) backends.
//
// An S2S provider wraps a real-time voice AI service that accepts raw audio input
// and returns synthesised audio output in a single, stateful session. The
// Gemini Live API is the reference implementation (see sub-package gemini).
//
// The central abstraction is SessionHandle: outbound audio goes through
// SendAudio, and everything the service says back arrives as a single ordered
// stream of Event values. Consumers drive a state machine from that stream
// without a live network connection in tests (see sub-package mock).
//
// All implementations must be safe for concurrent use.
package s2s

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/MrWong99/gatebud/pkg/audio"
)

// ErrSessionClosed is returned by SendAudio after the session has been closed,
// either locally via Close or because the remote side ended it.
var ErrSessionClosed = errors.New("s2s: session closed")

// ErrUnsupportedConfig is returned when a session asks for a format or voice
// the provider cannot produce.
var ErrUnsupportedConfig = errors.New("s2s: unsupported session config")

// ErrSendQueueFull is returned by SendAudio when the outbound queue is
// saturated and the chunk was dropped.
var ErrSendQueueFull = errors.New("s2s: send queue full")

// EventKind enumerates the inbound transport events.
type EventKind int

const (
	// EventOpened signals that the remote side accepted the session
	// configuration and is ready to receive audio.
	EventOpened EventKind = iota + 1

	// EventAudio carries one chunk of 16-bit PCM reply audio in Event.Audio.
	EventAudio

	// EventInterrupted signals that the user started speaking over the reply;
	// all queued playback must be cancelled.
	EventInterrupted

	// EventError is terminal: the session failed at runtime. Event.Err holds
	// the cause.
	EventError

	// EventClosed is terminal: the session ended without error.
	EventClosed
)

// String returns the lower-case name of the event kind.
func (k EventKind) String() string {
	switch k {
	case EventOpened:
		return "opened"
	case EventAudio:
		return "audio"
	case EventInterrupted:
		return "interrupted"
	case EventError:
		return "error"
	case EventClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further events follow this kind.
func (k EventKind) Terminal() bool {
	return k == EventError || k == EventClosed
}

// Event is one inbound transport event.
type Event struct {
	Kind EventKind

	// Audio is the raw PCM payload of an EventAudio. It is owned by the
	// receiver.
	Audio []byte

	// Err is the cause of an EventError.
	Err error
}

// SessionConfig is the fixed configuration for a new S2S session.
type SessionConfig struct {
	// InputFormat is the format of audio passed to SendAudio (16 kHz mono).
	InputFormat audio.Format

	// OutputFormat is the format of audio delivered in EventAudio (24 kHz mono).
	OutputFormat audio.Format

	// Voice is the provider-specific name of the prebuilt voice (e.g. "Zephyr").
	// Empty selects the provider default.
	Voice string

	// Instructions is the system-level prompt that shapes the assistant's
	// behaviour for the whole session.
	Instructions string
}

// Capabilities describes static properties of an S2S provider.
// The values are assumed constant for the lifetime of the Provider instance.
type Capabilities struct {
	// OutputSampleRate is the fixed rate of EventAudio chunks. Zero means the
	// provider honours SessionConfig.OutputFormat.
	OutputSampleRate int

	// Voices lists the prebuilt voice names the provider accepts. Empty means
	// any name is passed through.
	Voices []string
}

// Check reports whether the provider can serve cfg. The returned error wraps
// [ErrUnsupportedConfig].
func (c Capabilities) Check(cfg SessionConfig) error {
	if rate := cfg.OutputFormat.SampleRate; c.OutputSampleRate != 0 && rate != 0 && rate != c.OutputSampleRate {
		return fmt.Errorf("%w: output rate %d Hz, provider replies at %d Hz", ErrUnsupportedConfig, rate, c.OutputSampleRate)
	}
	if cfg.Voice != "" && len(c.Voices) > 0 && !slices.Contains(c.Voices, cfg.Voice) {
		return fmt.Errorf("%w: unknown voice %q", ErrUnsupportedConfig, cfg.Voice)
	}
	return nil
}

// SessionHandle represents an open S2S session.
//
// The session is the hot path of the voice pipeline, so every method must
// return quickly. All methods must be safe for concurrent use.
//
// Callers must call Close when the session is no longer needed.
type SessionHandle interface {
	// SendAudio enqueues one PCM chunk recorded at sampleRate. It never blocks
	// on the network. It returns [ErrSessionClosed] once the session is closed
	// and [ErrSendQueueFull] when the chunk was dropped.
	SendAudio(chunk []byte, sampleRate int) error

	// Events returns the inbound event stream. Events are delivered in arrival
	// order. The channel is closed after the terminal event (EventError or
	// EventClosed), or after Close. A consumer must drain it promptly.
	Events() <-chan Event

	// Close terminates the session and releases all resources. Calling Close
	// more than once is safe and returns nil.
	Close() error
}

// Provider is the abstraction over any S2S backend.
//
// Implementations must be safe for concurrent use.
type Provider interface {
	// Connect opens a new session. It returns once the connection is
	// established and the configuration has been sent; readiness is signalled
	// later by an EventOpened on the handle's event stream.
	//
	// Returns an error if the session cannot be established (e.g., network
	// failure, authentication rejected during the handshake, or ctx already
	// cancelled). The caller owns the handle and is responsible for calling
	// Close.
	Connect(ctx context.Context, cfg SessionConfig) (SessionHandle, error)

	// Capabilities returns static metadata about the provider.
	Capabilities() Capabilities
}
