package audio

import (
	"context"
	"encoding/binary"
	"testing"

	"aiwisper/internal/apierr"
)

// makeWAV builds a minimal 16-bit PCM WAV buffer for testing the
// in-process short-circuit path.
func makeWAV(samplesPerChannel int, channels, sampleRate int, fill func(frame, ch int) int16) []byte {
	dataSize := samplesPerChannel * channels * 2
	buf := make([]byte, 0, 44+dataSize)

	app := func(b []byte) { buf = append(buf, b...) }
	u32 := func(v uint32) []byte {
		b := make([]byte, 4)
		binary.LittleEndian.PutUint32(b, v)
		return b
	}
	u16 := func(v uint16) []byte {
		b := make([]byte, 2)
		binary.LittleEndian.PutUint16(b, v)
		return b
	}

	app([]byte("RIFF"))
	app(u32(uint32(36 + dataSize)))
	app([]byte("WAVE"))
	app([]byte("fmt "))
	app(u32(16))
	app(u16(1))
	app(u16(uint16(channels)))
	app(u32(uint32(sampleRate)))
	app(u32(uint32(sampleRate * channels * 2)))
	app(u16(uint16(channels * 2)))
	app(u16(16))
	app([]byte("data"))
	app(u32(uint32(dataSize)))

	for f := 0; f < samplesPerChannel; f++ {
		for c := 0; c < channels; c++ {
			app(u16(uint16(fill(f, c))))
		}
	}
	return buf
}

func TestNormalizeWAVShortCircuitMonoPassthrough(t *testing.T) {
	wav := makeWAV(100, 1, TargetSampleRate, func(frame, ch int) int16 { return 1000 })

	w, err := Normalize(context.Background(), wav, "ffmpeg-should-not-be-invoked")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(w.Samples) != 100 {
		t.Errorf("expected 100 samples, got %d", len(w.Samples))
	}
	want := float32(1000) / 32768.0
	if diff := w.Samples[0] - want; diff > 1e-6 || diff < -1e-6 {
		t.Errorf("sample value mismatch: got %v want %v", w.Samples[0], want)
	}
}

func TestNormalizeWAVDownmixesStereoByAverage(t *testing.T) {
	wav := makeWAV(10, 2, TargetSampleRate, func(frame, ch int) int16 {
		if ch == 0 {
			return 1000
		}
		return -1000
	})

	w, err := Normalize(context.Background(), wav, "ffmpeg-should-not-be-invoked")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(w.Samples) != 10 {
		t.Fatalf("expected 10 samples after downmix, got %d", len(w.Samples))
	}
	for _, s := range w.Samples {
		if s < -1e-6 || s > 1e-6 {
			t.Errorf("expected downmix of +1000/-1000 to average to ~0, got %v", s)
		}
	}
}

func TestNormalizeWAVResamples(t *testing.T) {
	wav := makeWAV(1000, 1, 8000, func(frame, ch int) int16 { return 500 })

	w, err := Normalize(context.Background(), wav, "ffmpeg-should-not-be-invoked")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	wantLen := 2000 // 8000Hz -> 16000Hz doubles the sample count
	if len(w.Samples) != wantLen {
		t.Errorf("expected resampled length %d, got %d", wantLen, len(w.Samples))
	}
}

func TestNormalizeEmptyDecodeFailsWithEmptyAudio(t *testing.T) {
	wav := makeWAV(0, 1, TargetSampleRate, func(frame, ch int) int16 { return 0 })

	_, err := Normalize(context.Background(), wav, "ffmpeg-should-not-be-invoked")
	if !apierr.Is(err, apierr.EmptyAudio) {
		t.Fatalf("expected EmptyAudio for a zero-sample decode, got %v", err)
	}
}

func TestNormalizeUnrecognizedInputFallsThroughToSubprocessAndFailsWithoutFFmpeg(t *testing.T) {
	garbage := []byte("this is not an audio file")

	_, err := Normalize(context.Background(), garbage, "/nonexistent/ffmpeg-binary")
	if err == nil {
		t.Fatal("expected an error when the external decoder binary cannot run")
	}
}

func TestResampleLinearIdentityWhenRatesMatch(t *testing.T) {
	in := []float32{1, 2, 3}
	out := resampleLinear(in, 16000, 16000)
	if len(out) != len(in) {
		t.Fatalf("expected identity resample, got len=%d", len(out))
	}
}

func TestDownmixSingleChannelIsPassthrough(t *testing.T) {
	in := []float32{0.1, 0.2, 0.3}
	out := downmix(in, 1)
	if len(out) != 3 || out[0] != 0.1 {
		t.Errorf("expected passthrough for mono, got %v", out)
	}
}
