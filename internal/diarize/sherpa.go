package diarize

import (
	"fmt"
	"os"
	"runtime"
	"sync"
	"sync/atomic"

	sherpa "github.com/k2-fsa/sherpa-onnx-go/sherpa_onnx"

	"aiwisper/internal/apierr"
)

// SherpaConfig configures the alternate production backend: a
// pyannote-family segmentation model composed with a speaker-embedding
// model and a clustering stage.
type SherpaConfig struct {
	SegmentationModelPath string
	EmbeddingModelPath    string
	NumThreads            int
	ClusteringThreshold   float32
	MinDurationOn         float32
	MinDurationOff        float32
	Provider              string // cpu, cuda, coreml, or "auto"
}

// DefaultSherpaConfig uses a cosine threshold of 0.5, auto-detected
// cluster count, min speech 0.2s, and min silence 0.5s.
func DefaultSherpaConfig(segmentationPath, embeddingPath string) SherpaConfig {
	return SherpaConfig{
		SegmentationModelPath: segmentationPath,
		EmbeddingModelPath:    embeddingPath,
		NumThreads:            4,
		ClusteringThreshold:   0.5,
		MinDurationOn:         0.2,
		MinDurationOff:        0.5,
		Provider:              "auto",
	}
}

func detectBestProvider() string {
	if runtime.GOOS == "darwin" && runtime.GOARCH == "arm64" {
		return "coreml"
	}
	return "cpu"
}

// maxDiarizationSamples bounds a single native call to ~15s of audio;
// longer inputs are split into overlapping chunks and merged, since
// the native clustering code can stall on very long single calls.
const maxDiarizationSamples = 240000

// SherpaBackend wraps sherpa-onnx's OfflineSpeakerDiarization.
type SherpaBackend struct {
	config   SherpaConfig
	diarizer *sherpa.OfflineSpeakerDiarization

	mu         sync.Mutex
	inProgress int32
}

// NewSherpaBackend loads both the segmentation and embedding models
// and builds the clustering pipeline, falling back to the CPU
// provider if the requested accelerator fails to initialize.
func NewSherpaBackend(cfg SherpaConfig) (*SherpaBackend, error) {
	if _, err := os.Stat(cfg.SegmentationModelPath); os.IsNotExist(err) {
		return nil, apierr.New(apierr.ModelLoadFailure, fmt.Sprintf("segmentation model not found: %s", cfg.SegmentationModelPath))
	}
	if _, err := os.Stat(cfg.EmbeddingModelPath); os.IsNotExist(err) {
		return nil, apierr.New(apierr.ModelLoadFailure, fmt.Sprintf("embedding model not found: %s", cfg.EmbeddingModelPath))
	}

	provider := cfg.Provider
	if provider == "" || provider == "auto" {
		provider = detectBestProvider()
	}

	sherpaConfig := &sherpa.OfflineSpeakerDiarizationConfig{
		Segmentation: sherpa.OfflineSpeakerSegmentationModelConfig{
			Pyannote: sherpa.OfflineSpeakerSegmentationPyannoteModelConfig{
				Model: cfg.SegmentationModelPath,
			},
			NumThreads: cfg.NumThreads,
			Provider:   provider,
		},
		Embedding: sherpa.SpeakerEmbeddingExtractorConfig{
			Model:      cfg.EmbeddingModelPath,
			NumThreads: cfg.NumThreads,
			Provider:   provider,
		},
		Clustering: sherpa.FastClusteringConfig{
			NumClusters: -1,
			Threshold:   cfg.ClusteringThreshold,
		},
		MinDurationOn:  cfg.MinDurationOn,
		MinDurationOff: cfg.MinDurationOff,
	}

	diarizer := sherpa.NewOfflineSpeakerDiarization(sherpaConfig)
	if diarizer == nil && provider != "cpu" {
		sherpaConfig.Segmentation.Provider = "cpu"
		sherpaConfig.Embedding.Provider = "cpu"
		diarizer = sherpa.NewOfflineSpeakerDiarization(sherpaConfig)
		provider = "cpu"
	}
	if diarizer == nil {
		return nil, apierr.New(apierr.ModelLoadFailure, "failed to construct sherpa-onnx diarizer")
	}

	cfg.Provider = provider
	return &SherpaBackend{config: cfg, diarizer: diarizer}, nil
}

// Diarize runs the clustering pipeline over samples (mono, 16kHz).
// TryLock keeps a second concurrent call from piling up behind a
// native call that may stall rather than return an error.
func (b *SherpaBackend) Diarize(samples []float32, sampleRate int) ([]RawSegment, error) {
	if !b.mu.TryLock() {
		return nil, apierr.New(apierr.Busy, "sherpa diarizer is already processing a request")
	}
	defer b.mu.Unlock()

	if len(samples) == 0 {
		return nil, apierr.New(apierr.EmptyAudio, "no samples to diarize")
	}

	if len(samples) > maxDiarizationSamples {
		return b.diarizeInChunks(samples)
	}
	return b.diarizeSingle(samples)
}

func (b *SherpaBackend) diarizeSingle(samples []float32) ([]RawSegment, error) {
	atomic.AddInt32(&b.inProgress, 1)
	defer atomic.AddInt32(&b.inProgress, -1)

	segments := b.diarizer.Process(samples)
	out := make([]RawSegment, len(segments))
	for i, seg := range segments {
		out[i] = RawSegment{Speaker: seg.Speaker, Start: float64(seg.Start), End: float64(seg.End)}
	}
	return out, nil
}

func (b *SherpaBackend) diarizeInChunks(samples []float32) ([]RawSegment, error) {
	const chunkSize = maxDiarizationSamples
	const overlapSize = 16000
	const sampleRate = 16000

	var all []RawSegment
	offset := 0
	for offset < len(samples) {
		end := offset + chunkSize
		if end > len(samples) {
			end = len(samples)
		}
		chunk := samples[offset:end]
		chunkOffsetSec := float64(offset) / float64(sampleRate)

		atomic.AddInt32(&b.inProgress, 1)
		segments := b.diarizer.Process(chunk)
		atomic.AddInt32(&b.inProgress, -1)

		for _, seg := range segments {
			all = append(all, RawSegment{
				Speaker: seg.Speaker,
				Start:   float64(seg.Start) + chunkOffsetSec,
				End:     float64(seg.End) + chunkOffsetSec,
			})
		}

		if end == len(samples) {
			break
		}
		offset = end - overlapSize
		if offset < 0 {
			offset = 0
		}
		if len(samples)-offset < sampleRate {
			break
		}
	}

	return mergeOverlapping(all), nil
}

// mergeOverlapping combines same-speaker segments that touch or
// overlap across a chunk boundary (within 0.5s of each other).
func mergeOverlapping(segments []RawSegment) []RawSegment {
	if len(segments) <= 1 {
		return segments
	}
	sorted := make([]RawSegment, len(segments))
	copy(sorted, segments)
	for i := 1; i < len(sorted); i++ {
		for j := i; j > 0 && sorted[j].Start < sorted[j-1].Start; j-- {
			sorted[j], sorted[j-1] = sorted[j-1], sorted[j]
		}
	}

	merged := []RawSegment{sorted[0]}
	for _, seg := range sorted[1:] {
		last := &merged[len(merged)-1]
		if seg.Speaker == last.Speaker && seg.Start <= last.End+0.5 {
			if seg.End > last.End {
				last.End = seg.End
			}
			continue
		}
		merged = append(merged, seg)
	}
	return merged
}

// SampleRate reports the rate the underlying model expects.
func (b *SherpaBackend) SampleRate() int {
	if b.diarizer != nil {
		return b.diarizer.SampleRate()
	}
	return 16000
}

// Close releases the native diarizer.
func (b *SherpaBackend) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.diarizer != nil {
		sherpa.DeleteOfflineSpeakerDiarization(b.diarizer)
		b.diarizer = nil
	}
}
