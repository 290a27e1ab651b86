package diarize

import (
	"os"
	"testing"

	"aiwisper/internal/apierr"
)

func TestNewSegmentationBackendMissingFileFailsWithModelLoadFailure(t *testing.T) {
	_, err := NewSegmentationBackend("/nonexistent/segmentation.onnx")
	if !apierr.Is(err, apierr.ModelLoadFailure) {
		t.Fatalf("expected ModelLoadFailure for a missing model file, got %v", err)
	}
}

func TestSegmentationBackendAgainstRealModel(t *testing.T) {
	modelPath := os.Getenv("DIARIZATION_SEGMENTATION_MODEL")
	if modelPath == "" {
		t.Skip("DIARIZATION_SEGMENTATION_MODEL not set, skipping")
	}
	if _, err := os.Stat(modelPath); os.IsNotExist(err) {
		t.Skipf("segmentation model not found: %s", modelPath)
	}

	backend, err := NewSegmentationBackend(modelPath)
	if err != nil {
		t.Fatalf("failed to load segmentation model: %v", err)
	}
	defer backend.Close()

	samples := make([]float32, 16000*3) // 3s of silence
	segs, err := backend.Diarize(samples, 16000)
	if err != nil {
		t.Fatalf("Diarize failed: %v", err)
	}
	t.Logf("got %d segments from silence", len(segs))
}
