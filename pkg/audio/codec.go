package audio

import (
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrMalformedAudioData is returned by [DecodeChunk] when the byte sequence
// cannot be interpreted as interleaved 16-bit PCM with the requested layout.
var ErrMalformedAudioData = errors.New("audio: malformed audio data")

// BytesPerSample is the width of one 16-bit linear PCM sample.
const BytesPerSample = 2

// EncodeFrame converts normalised float samples to 16-bit little-endian PCM.
//
// Each sample is clamped to [-1, 1]. Negative values are scaled by 32768 and
// non-negative values by 32767 so that +1.0 maps to 32767 without overflow.
// The asymmetry matches what the remote service expects bit for bit.
func EncodeFrame(samples []float32) []byte {
	out := make([]byte, len(samples)*BytesPerSample)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(quantize(s)))
	}
	return out
}

// quantize maps one float sample to int16 using the asymmetric scaling above.
func quantize(s float32) int16 {
	if s > 1 {
		s = 1
	} else if s < -1 {
		s = -1
	}
	// NaN fails both comparisons above; treat it as silence.
	if s != s {
		return 0
	}
	if s < 0 {
		return int16(s * 32768)
	}
	return int16(s * 32767)
}

// DecodeChunk interprets b as little-endian int16 samples interleaved across
// channels and returns them as float planes (each sample divided by 32768).
//
// It fails with [ErrMalformedAudioData] when len(b) is not a multiple of
// 2 × channels, or when sampleRate or channels is not positive.
func DecodeChunk(b []byte, sampleRate, channels int) (*Buffer, error) {
	if channels < 1 {
		return nil, fmt.Errorf("%w: channel count %d", ErrMalformedAudioData, channels)
	}
	if sampleRate < 1 {
		return nil, fmt.Errorf("%w: sample rate %d", ErrMalformedAudioData, sampleRate)
	}
	stride := BytesPerSample * channels
	if len(b)%stride != 0 {
		return nil, fmt.Errorf("%w: %d bytes is not a multiple of %d", ErrMalformedAudioData, len(b), stride)
	}

	frames := len(b) / stride
	planes := make([][]float32, channels)
	for ch := range planes {
		planes[ch] = make([]float32, frames)
	}
	for i := range frames {
		for ch := range channels {
			off := (i*channels + ch) * BytesPerSample
			planes[ch][i] = float32(int16(binary.LittleEndian.Uint16(b[off:]))) / 32768
		}
	}
	return &Buffer{SampleRate: sampleRate, Channels: channels, Planes: planes}, nil
}

// EncodeText encodes binary audio for a text transport (standard base64).
func EncodeText(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}

// DecodeText reverses [EncodeText]. DecodeText(EncodeText(x)) == x for every x.
func DecodeText(s string) ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("audio: decode text payload: %w", err)
	}
	return b, nil
}
