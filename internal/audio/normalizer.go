// Package audio normalizes arbitrary input audio into the mono
// 16 kHz float32 waveform the segmentation model requires. The
// canonical path shells out to an external decoder (ffmpeg or
// equivalent); native WAV and MP3 uploads are short-circuited with an
// in-process decode to avoid the subprocess round trip.
package audio

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/hajimehoshi/go-mp3"

	"aiwisper/internal/apierr"
)

// TargetSampleRate is the sample rate every Waveform is normalized to.
const TargetSampleRate = 16000

// Waveform is mono, 16 kHz, float32 samples in [-1, 1].
type Waveform struct {
	Samples []float32
}

// Normalize decodes data (an arbitrary-format audio file's raw bytes)
// into a Waveform. ffmpegPath is the external decoder binary; it is
// only invoked when the in-process short-circuits don't apply.
func Normalize(ctx context.Context, data []byte, ffmpegPath string) (Waveform, error) {
	if w, ok := tryDecodeWAV(data); ok {
		return finish(w)
	}
	if w, ok := tryDecodeMP3(data); ok {
		return finish(w)
	}
	return normalizeViaSubprocess(ctx, data, ffmpegPath)
}

func finish(w Waveform) (Waveform, error) {
	if len(w.Samples) == 0 {
		return Waveform{}, apierr.New(apierr.EmptyAudio, "decoded waveform has zero samples")
	}
	return w, nil
}

// downmix averages interleaved multi-channel PCM, sample-wise, into mono.
func downmix(interleaved []float32, channels int) []float32 {
	if channels <= 1 {
		return interleaved
	}
	frames := len(interleaved) / channels
	mono := make([]float32, frames)
	for i := 0; i < frames; i++ {
		var sum float32
		for c := 0; c < channels; c++ {
			sum += interleaved[i*channels+c]
		}
		mono[i] = sum / float32(channels)
	}
	return mono
}

// resampleLinear performs linear interpolation between adjacent
// source samples. Output length is round(srcLen * toRate / fromRate).
func resampleLinear(samples []float32, fromRate, toRate int) []float32 {
	if fromRate == toRate || len(samples) == 0 {
		return samples
	}
	outLen := int(float64(len(samples))*float64(toRate)/float64(fromRate) + 0.5)
	if outLen <= 0 {
		return nil
	}
	out := make([]float32, outLen)
	ratio := float64(fromRate) / float64(toRate)
	for i := range out {
		srcPos := float64(i) * ratio
		idx := int(srcPos)
		frac := float32(srcPos - float64(idx))
		if idx+1 < len(samples) {
			out[i] = samples[idx]*(1-frac) + samples[idx+1]*frac
		} else if idx < len(samples) {
			out[i] = samples[idx]
		}
	}
	return out
}

// --- native WAV short-circuit ---

type wavHeader struct {
	sampleRate    int
	channels      int
	bitsPerSample int
	dataOffset    int
	dataSize      int
}

// parseWAVHeader walks RIFF/WAVE chunks looking for "fmt " and "data".
// It tolerates extra chunks (e.g. "LIST") between them, unlike a
// fixed-offset parse.
func parseWAVHeader(b []byte) (wavHeader, bool) {
	if len(b) < 12 || string(b[0:4]) != "RIFF" || string(b[8:12]) != "WAVE" {
		return wavHeader{}, false
	}
	var h wavHeader
	pos := 12
	haveFmt, haveData := false, false
	for pos+8 <= len(b) {
		id := string(b[pos : pos+4])
		size := int(binary.LittleEndian.Uint32(b[pos+4 : pos+8]))
		body := pos + 8
		switch id {
		case "fmt ":
			if body+16 > len(b) {
				return wavHeader{}, false
			}
			h.channels = int(binary.LittleEndian.Uint16(b[body+2 : body+4]))
			h.sampleRate = int(binary.LittleEndian.Uint32(b[body+4 : body+8]))
			h.bitsPerSample = int(binary.LittleEndian.Uint16(b[body+14 : body+16]))
			haveFmt = true
		case "data":
			h.dataOffset = body
			h.dataSize = size
			haveData = true
		}
		pos = body + size
		if size%2 == 1 {
			pos++ // chunks are word-aligned
		}
		if haveFmt && haveData {
			break
		}
	}
	if !haveFmt || !haveData {
		return wavHeader{}, false
	}
	if h.dataOffset+h.dataSize > len(b) {
		h.dataSize = len(b) - h.dataOffset
	}
	return h, true
}

func tryDecodeWAV(b []byte) (Waveform, bool) {
	h, ok := parseWAVHeader(b)
	if !ok || h.bitsPerSample != 16 || h.channels < 1 || h.sampleRate <= 0 {
		return Waveform{}, false
	}
	raw := b[h.dataOffset : h.dataOffset+h.dataSize]
	numSamples := len(raw) / 2
	interleaved := make([]float32, numSamples)
	for i := 0; i < numSamples; i++ {
		s := int16(binary.LittleEndian.Uint16(raw[i*2:]))
		interleaved[i] = float32(s) / 32768.0
	}
	mono := downmix(interleaved, h.channels)
	mono = resampleLinear(mono, h.sampleRate, TargetSampleRate)
	return Waveform{Samples: mono}, true
}

// --- native MP3 short-circuit, grounded on the in-process go-mp3 decode path ---

func tryDecodeMP3(b []byte) (Waveform, bool) {
	dec, err := mp3.NewDecoder(bytes.NewReader(b))
	if err != nil {
		return Waveform{}, false
	}
	pcm, err := io.ReadAll(dec)
	if err != nil && len(pcm) == 0 {
		return Waveform{}, false
	}
	numSamples := len(pcm) / 4 // go-mp3 always decodes to 16-bit stereo
	interleaved := make([]float32, numSamples*2)
	for i := 0; i < numSamples; i++ {
		left := int16(binary.LittleEndian.Uint16(pcm[i*4:]))
		right := int16(binary.LittleEndian.Uint16(pcm[i*4+2:]))
		interleaved[i*2] = float32(left) / 32768.0
		interleaved[i*2+1] = float32(right) / 32768.0
	}
	mono := downmix(interleaved, 2)
	mono = resampleLinear(mono, dec.SampleRate(), TargetSampleRate)
	return Waveform{Samples: mono}, true
}

// --- canonical external-tool path ---

func normalizeViaSubprocess(ctx context.Context, data []byte, ffmpegPath string) (Waveform, error) {
	dir, err := os.MkdirTemp("", "aiwisper-normalize-*")
	if err != nil {
		return Waveform{}, apierr.Wrap(apierr.InternalError, "failed to create temp dir", err)
	}
	defer os.RemoveAll(dir)

	salt := fmt.Sprintf("%d-%s", time.Now().UnixNano(), uuid.NewString())
	inPath := filepath.Join(dir, "in-"+salt)
	outPath := filepath.Join(dir, "out-"+salt+".wav")

	if err := os.WriteFile(inPath, data, 0o600); err != nil {
		return Waveform{}, apierr.Wrap(apierr.InternalError, "failed to stage input file", err)
	}

	cmd := exec.CommandContext(ctx, ffmpegPath,
		"-y",
		"-i", inPath,
		"-ar", fmt.Sprintf("%d", TargetSampleRate),
		"-ac", "1",
		outPath,
	)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return Waveform{}, apierr.Wrap(apierr.Cancelled, "audio decode cancelled", ctx.Err())
		}
		return Waveform{}, apierr.Wrap(apierr.AudioDecodeFailure, stderr.String(), err)
	}

	out, err := os.ReadFile(outPath)
	if err != nil {
		return Waveform{}, apierr.Wrap(apierr.AudioDecodeFailure, "failed to read decoded output", err)
	}

	w, ok := tryDecodeWAV(out)
	if !ok {
		return Waveform{}, apierr.New(apierr.AudioDecodeFailure, "decoder produced an unreadable WAV file")
	}
	return finish(w)
}
