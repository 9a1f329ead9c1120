package audio_test

import (
	"bytes"
	"encoding/binary"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/MrWong99/gatebud/pkg/audio"
)

// bytesToSamples converts a little-endian byte slice to int16 samples.
func bytesToSamples(b []byte) []int16 {
	samples := make([]int16, len(b)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(b[i*2:]))
	}
	return samples
}

// samplesToBytes converts a slice of int16 samples to little-endian byte representation.
func samplesToBytes(samples []int16) []byte {
	buf := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(s))
	}
	return buf
}

func TestEncodeFrame_Scaling(t *testing.T) {
	t.Parallel()
	got := bytesToSamples(audio.EncodeFrame([]float32{1, -1, 0, 0.5, -0.5}))
	want := []int16{32767, -32768, 0, 16383, -16384}
	if len(got) != len(want) {
		t.Fatalf("length mismatch: got %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d: got %d, want %d", i, got[i], want[i])
		}
	}
}

func TestEncodeFrame_Clamping(t *testing.T) {
	t.Parallel()
	clamped := audio.EncodeFrame([]float32{1.5, -2.0})
	bounds := audio.EncodeFrame([]float32{1.0, -1.0})
	if !bytes.Equal(clamped, bounds) {
		t.Errorf("EncodeFrame([1.5 -2]) = %v, want %v", clamped, bounds)
	}
}

func TestEncodeFrame_NaNIsSilence(t *testing.T) {
	t.Parallel()
	got := bytesToSamples(audio.EncodeFrame([]float32{float32(math.NaN())}))
	if got[0] != 0 {
		t.Errorf("NaN encoded as %d, want 0", got[0])
	}
}

func TestEncodeFrame_Empty(t *testing.T) {
	t.Parallel()
	if got := audio.EncodeFrame(nil); len(got) != 0 {
		t.Errorf("expected empty output, got %d bytes", len(got))
	}
}

func TestDecodeChunk_RoundTrip(t *testing.T) {
	t.Parallel()
	in := []float32{0, 0.25, -0.25, 0.999, -0.999, 1, -1, 0.123456, -0.654321}
	buf, err := audio.DecodeChunk(audio.EncodeFrame(in), 16000, 1)
	if err != nil {
		t.Fatalf("DecodeChunk: %v", err)
	}
	if buf.Frames() != len(in) {
		t.Fatalf("frames = %d, want %d", buf.Frames(), len(in))
	}
	// Positive samples lose up to one step to the 32767 scale and one to
	// truncation.
	const tol = 2.0 / 32768
	for i, want := range in {
		got := buf.Planes[0][i]
		if math.Abs(float64(got-want)) > tol {
			t.Errorf("sample %d: got %f, want %f ± %g", i, got, want, tol)
		}
	}
}

func TestDecodeChunk_Stereo(t *testing.T) {
	t.Parallel()
	pcm := samplesToBytes([]int16{16384, -16384, 8192, -8192})
	buf, err := audio.DecodeChunk(pcm, 24000, 2)
	if err != nil {
		t.Fatalf("DecodeChunk: %v", err)
	}
	if buf.Channels != 2 || len(buf.Planes) != 2 {
		t.Fatalf("channels = %d planes = %d, want 2", buf.Channels, len(buf.Planes))
	}
	if buf.Frames() != 2 {
		t.Fatalf("frames = %d, want 2", buf.Frames())
	}
	if buf.Planes[0][0] != 0.5 || buf.Planes[1][0] != -0.5 {
		t.Errorf("frame 0 = (%f, %f), want (0.5, -0.5)", buf.Planes[0][0], buf.Planes[1][0])
	}
	if buf.Planes[0][1] != 0.25 || buf.Planes[1][1] != -0.25 {
		t.Errorf("frame 1 = (%f, %f), want (0.25, -0.25)", buf.Planes[0][1], buf.Planes[1][1])
	}
}

func TestDecodeChunk_Duration(t *testing.T) {
	t.Parallel()
	// 12000 frames at 24 kHz is exactly half a second.
	buf, err := audio.DecodeChunk(make([]byte, 24000), 24000, 1)
	if err != nil {
		t.Fatalf("DecodeChunk: %v", err)
	}
	if buf.Frames() != 12000 {
		t.Errorf("frames = %d, want 12000", buf.Frames())
	}
	if got := buf.Duration(); got != 500*time.Millisecond {
		t.Errorf("duration = %v, want 500ms", got)
	}
	if buf.SampleRate != 24000 {
		t.Errorf("sample rate = %d, want 24000", buf.SampleRate)
	}
}

func TestDecodeChunk_Malformed(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		data     []byte
		rate     int
		channels int
	}{
		{"odd length", []byte{1, 2, 3}, 24000, 1},
		{"partial stereo frame", []byte{1, 2, 3, 4, 5, 6}, 24000, 2},
		{"zero channels", []byte{1, 2}, 24000, 0},
		{"zero rate", []byte{1, 2}, 0, 1},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := audio.DecodeChunk(tc.data, tc.rate, tc.channels)
			if !errors.Is(err, audio.ErrMalformedAudioData) {
				t.Errorf("err = %v, want ErrMalformedAudioData", err)
			}
		})
	}
}

func TestDecodeChunk_Empty(t *testing.T) {
	t.Parallel()
	buf, err := audio.DecodeChunk(nil, 24000, 1)
	if err != nil {
		t.Fatalf("DecodeChunk: %v", err)
	}
	if buf.Frames() != 0 || buf.Duration() != 0 {
		t.Errorf("empty chunk: frames=%d duration=%v", buf.Frames(), buf.Duration())
	}
}

func TestTextRoundTrip(t *testing.T) {
	t.Parallel()
	inputs := [][]byte{
		nil,
		{0},
		{0xff, 0x00, 0x7f},
		audio.EncodeFrame([]float32{0.1, -0.2, 0.3, -0.4, 1, -1}),
	}
	all := make([]byte, 256)
	for i := range all {
		all[i] = byte(i)
	}
	inputs = append(inputs, all)

	for _, in := range inputs {
		got, err := audio.DecodeText(audio.EncodeText(in))
		if err != nil {
			t.Fatalf("DecodeText: %v", err)
		}
		if !bytes.Equal(got, in) {
			t.Errorf("round trip of %v = %v", in, got)
		}
	}
}

func TestDecodeText_Invalid(t *testing.T) {
	t.Parallel()
	if _, err := audio.DecodeText("not base64!"); err == nil {
		t.Error("expected error for invalid payload")
	}
}

func TestFormat_MIMEType(t *testing.T) {
	t.Parallel()
	f := audio.Format{SampleRate: 16000, Channels: 1}
	if got, want := f.MIMEType(), "audio/pcm;rate=16000"; got != want {
		t.Errorf("MIMEType = %q, want %q", got, want)
	}
	if got, want := f.String(), "16000Hz mono"; got != want {
		t.Errorf("String = %q, want %q", got, want)
	}
}
