package diarize

import (
	"context"

	"aiwisper/internal/apierr"
)

// Backend produces speaker-labeled segments from a normalized
// waveform. SegmentationBackend and SherpaBackend both satisfy this.
type Backend interface {
	Diarize(samples []float32, sampleRate int) ([]RawSegment, error)
}

// methodFor names the backend for Result's "method" field.
func methodFor(b Backend) string {
	switch b.(type) {
	case *SherpaBackend:
		return "sherpa-onnx"
	default:
		return "PyAnnote ONNX"
	}
}

// Run diarizes samples (mono, sampleRate Hz) with backend and
// assembles the full Result, including speaker naming and summaries.
// ctx is accepted for cancellation-observant callers even though
// neither backend currently checks it mid-inference — native
// inference calls are not interruptible, so cancellation is only
// honored between pipeline steps (see internal/scheduler).
func Run(ctx context.Context, backend Backend, samples []float32, sampleRate int) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, apierr.Wrap(apierr.Cancelled, "cancelled before diarization ran", err)
	}
	if len(samples) == 0 {
		return Result{}, apierr.New(apierr.EmptyAudio, "no samples to diarize")
	}

	raw, err := backend.Diarize(samples, sampleRate)
	if err != nil {
		return Result{}, err
	}

	audioDuration := float64(len(samples)) / float64(sampleRate)
	return BuildResult(raw, audioDuration, methodFor(backend)), nil
}
