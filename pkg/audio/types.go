package audio

import (
	"fmt"
	"time"
)

// Format describes the sample rate and channel count of an audio stream.
type Format struct {
	SampleRate int
	Channels   int
}

// String returns a human-readable form such as "16000Hz mono".
func (f Format) String() string {
	return formatString(f.SampleRate, f.Channels)
}

// MIMEType returns the wire descriptor for 16-bit linear PCM at this format's
// sample rate, e.g. "audio/pcm;rate=16000".
func (f Format) MIMEType() string {
	return fmt.Sprintf("audio/pcm;rate=%d", f.SampleRate)
}

// Frame is one fixed-size window of normalised mono samples produced by a
// capture graph. Samples are nominally in [-1.0, 1.0]; out-of-range values are
// clamped on encode. Frames are ephemeral and must not be retained after the
// callback that received them returns.
type Frame struct {
	// Samples holds the window's samples in capture order.
	Samples []float32

	// SampleRate is the capture rate in Hz (e.g., 16000).
	SampleRate int

	// Timestamp marks the start of this window relative to stream start.
	Timestamp time.Duration
}

// Buffer is decoded, playable audio: one float plane per channel, all planes of
// equal length. Buffers are produced by [DecodeChunk] and handed to a
// [PlaybackContext] for scheduling.
type Buffer struct {
	// SampleRate in Hz (24000 for model replies).
	SampleRate int

	// Channels is the number of planes in Planes.
	Channels int

	// Planes holds de-interleaved samples, one slice per channel.
	Planes [][]float32
}

// Frames returns the number of sample frames (samples per channel).
func (b *Buffer) Frames() int {
	if b == nil || len(b.Planes) == 0 {
		return 0
	}
	return len(b.Planes[0])
}

// Duration returns the playback length of the buffer. It is computed in integer
// nanoseconds so that buffers at the standard rates have exact durations.
func (b *Buffer) Duration() time.Duration {
	if b == nil || b.SampleRate <= 0 {
		return 0
	}
	return time.Duration(int64(b.Frames()) * int64(time.Second) / int64(b.SampleRate))
}

// formatString returns a human-readable string for a sample rate and channel count,
// e.g. "48000Hz stereo".
func formatString(rate, channels int) string {
	ch := "mono"
	if channels == 2 {
		ch = "stereo"
	} else if channels > 2 {
		ch = fmt.Sprintf("%dch", channels)
	}
	return fmt.Sprintf("%dHz %s", rate, ch)
}
