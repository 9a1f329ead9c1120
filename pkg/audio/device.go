// Package audio defines the PCM codec, the decoded [Buffer] type, and the
// device abstractions used by the GateBud voice pipeline.
//
// The device layer is split the same way a browser audio graph is:
//
//   - [Backend] acquires the microphone ([InputStream]) and allocates the two
//     processing contexts, one at the capture rate and one at the playback rate.
//   - [CaptureContext] turns an [InputStream] into fixed-size windows of float
//     samples delivered to a callback.
//   - [PlaybackContext] owns a monotonic clock and schedules decoded buffers to
//     start at exact times on it, returning a cancellable [Voice].
//
// Implementations live in sub-packages: audio/local for real hardware and
// audio/mock for tests.
package audio

import (
	"context"
	"time"
)

// InputStream is an acquired microphone. Stop releases the device; it is safe
// to call more than once.
type InputStream interface {
	// Format returns the sample rate and channel count the device delivers.
	Format() Format

	// Stop halts capture and releases the underlying device.
	Stop() error
}

// CaptureNode is a connected capture graph (source node plus processor node).
// Disconnect detaches both; no window callbacks are delivered after it returns.
type CaptureNode interface {
	Disconnect() error
}

// CaptureContext is the capture-rate processing context.
//
// Implementations must be safe for concurrent use.
type CaptureContext interface {
	// SampleRate returns the rate windows are delivered at.
	SampleRate() int

	// Connect wires in to a processor that calls onWindow with every full window
	// of windowSize samples. windowSize is fixed for the lifetime of the node.
	// onWindow is invoked sequentially from a single goroutine and must not
	// block for long.
	Connect(in InputStream, windowSize int, onWindow func(Frame)) (CaptureNode, error)

	// Close releases the context. Closing an already closed context returns nil.
	Close() error

	// Closed reports whether Close has been called.
	Closed() bool
}

// Voice is one scheduled buffer. Stop silences it immediately whether it is
// still waiting for its start time or already sounding. Stop is idempotent.
type Voice interface {
	Stop()
}

// PlaybackContext is the playback-rate processing context with its own clock.
//
// Implementations must be safe for concurrent use and must never invoke an
// onEnded callback while holding an internal lock.
type PlaybackContext interface {
	// SampleRate returns the output rate.
	SampleRate() int

	// CurrentTime returns the context's monotonic clock. It starts at zero when
	// the context is created.
	CurrentTime() time.Duration

	// Schedule queues buf to begin at the given clock time. A start time in the
	// past begins immediately. onEnded, if non-nil, is called once when the
	// buffer finishes playing naturally; it is not called after Stop.
	Schedule(buf *Buffer, at time.Duration, onEnded func()) (Voice, error)

	// Close stops every voice and releases the output. Closing an already
	// closed context returns nil.
	Close() error

	// Closed reports whether Close has been called.
	Closed() bool
}

// Backend is the entry point to an audio device implementation.
//
// Implementations must be safe for concurrent use.
type Backend interface {
	// OpenInput acquires the microphone at the requested format. It fails when
	// permission is denied or no device is available.
	OpenInput(ctx context.Context, format Format) (InputStream, error)

	// NewCaptureContext allocates a capture-rate processing context.
	NewCaptureContext(sampleRate int) (CaptureContext, error)

	// NewPlaybackContext allocates a playback-rate processing context.
	NewPlaybackContext(sampleRate int) (PlaybackContext, error)
}
