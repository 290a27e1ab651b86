package diarize

import (
	"fmt"
	"os"
	"sync"

	ort "github.com/yalue/onnxruntime_go"

	"aiwisper/internal/apierr"
)

// onnxInitialized/onnxInitMu guard the process-wide ONNX Runtime
// environment, which may only be initialized once per process.
var (
	onnxInitMu     sync.Mutex
	onnxInitialized bool
)

func initONNXRuntime() error {
	onnxInitMu.Lock()
	defer onnxInitMu.Unlock()
	if onnxInitialized {
		return nil
	}
	if path := os.Getenv("ONNXRUNTIME_SHARED_LIBRARY"); path != "" {
		ort.SetSharedLibraryPath(path)
	}
	if err := ort.InitializeEnvironment(); err != nil {
		return fmt.Errorf("failed to initialize ONNX Runtime environment: %w", err)
	}
	onnxInitialized = true
	return nil
}

// SegmentationBackend wraps the single-tensor-in/single-tensor-out
// ONNX segmentation model: input shape [1,1,N] float32, output shape
// [1,F,C] float32 class logits.
type SegmentationBackend struct {
	session *ort.DynamicAdvancedSession
	mu      sync.Mutex
}

// NewSegmentationBackend loads the segmentation model at modelPath.
// The process-wide ONNX Runtime environment is initialized lazily on
// first call.
func NewSegmentationBackend(modelPath string) (*SegmentationBackend, error) {
	if _, err := os.Stat(modelPath); os.IsNotExist(err) {
		return nil, apierr.New(apierr.ModelLoadFailure, fmt.Sprintf("segmentation model not found: %s", modelPath))
	}

	if err := initONNXRuntime(); err != nil {
		return nil, apierr.Wrap(apierr.ModelLoadFailure, "failed to initialize ONNX Runtime", err)
	}

	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, apierr.Wrap(apierr.ModelLoadFailure, "failed to create session options", err)
	}
	defer options.Destroy()

	session, err := ort.NewDynamicAdvancedSession(modelPath, []string{"input"}, []string{"output"}, options)
	if err != nil {
		return nil, apierr.Wrap(apierr.ModelLoadFailure, "failed to create ONNX session", err)
	}

	return &SegmentationBackend{session: session}, nil
}

// frameLogits is the raw [F][C] activations read back out of the
// model's [1,F,C] output tensor.
type frameLogits struct {
	frames  [][]float32
	classes int
}

// infer runs the model over samples (mono, 16kHz) and returns the
// per-frame class logits. Access is serialized with a mutex even
// though onnxruntime_go sessions tolerate concurrent Run calls: the
// scheduler's concurrency cap already bounds parallel inference, and a
// shared mutex here is simpler to reason about than per-call scratch.
func (b *SegmentationBackend) infer(samples []float32) (frameLogits, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	inputShape := ort.NewShape(1, 1, int64(len(samples)))
	inputTensor, err := ort.NewTensor(inputShape, samples)
	if err != nil {
		return frameLogits{}, apierr.Wrap(apierr.InferenceFailure, "failed to create input tensor", err)
	}
	defer inputTensor.Destroy()

	outputs := []ort.Value{nil}
	if err := b.session.Run([]ort.Value{inputTensor}, outputs); err != nil {
		return frameLogits{}, apierr.Wrap(apierr.InferenceFailure, "segmentation inference failed", err)
	}
	defer func() {
		if outputs[0] != nil {
			outputs[0].Destroy()
		}
	}()

	outTensor, ok := outputs[0].(*ort.Tensor[float32])
	if !ok {
		return frameLogits{}, apierr.New(apierr.InferenceFailure, "unexpected output tensor type")
	}
	shape := outTensor.GetShape()
	if len(shape) != 3 || shape[0] != 1 {
		return frameLogits{}, apierr.New(apierr.InferenceFailure, fmt.Sprintf("unexpected output shape %v", shape))
	}
	numFrames := int(shape[1])
	numClasses := int(shape[2])
	data := outTensor.GetData()

	frames := make([][]float32, numFrames)
	for f := 0; f < numFrames; f++ {
		frames[f] = data[f*numClasses : (f+1)*numClasses]
	}
	return frameLogits{frames: frames, classes: numClasses}, nil
}

// Diarize runs the segmentation model and converts frame activations
// to speaker-labeled segments via framesToSegments.
func (b *SegmentationBackend) Diarize(samples []float32, sampleRate int) ([]RawSegment, error) {
	if len(samples) == 0 {
		return nil, apierr.New(apierr.EmptyAudio, "no samples to diarize")
	}

	logits, err := b.infer(samples)
	if err != nil {
		return nil, err
	}

	audioDuration := float64(len(samples)) / float64(sampleRate)
	return framesToSegments(logits.frames, audioDuration), nil
}

// Close releases the ONNX session.
func (b *SegmentationBackend) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.session != nil {
		b.session.Destroy()
		b.session = nil
	}
}
