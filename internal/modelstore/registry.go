package modelstore

// ModelInfo describes one downloadable model artifact.
type ModelInfo struct {
	ID          string
	Filename    string
	Description string
	SizeBytes   int64
	DownloadURL string
}

// Registry lists the diarization models this service knows how to
// fetch on demand. Filenames match config's default flags so a fresh
// checkout with an empty models directory self-populates on first use.
var Registry = []ModelInfo{
	{
		ID:          "segmentation",
		Filename:    "segmentation.onnx",
		Description: "pyannote-family speaker segmentation model (ONNX)",
		SizeBytes:   5_898_756,
		DownloadURL: "https://huggingface.co/onnx-community/pyannote-segmentation-3.0/resolve/main/onnx/model.onnx",
	},
	{
		ID:          "embedding",
		Filename:    "embedding.onnx",
		Description: "speaker embedding model used by the sherpa-onnx clustering backend",
		SizeBytes:   28_158_820,
		DownloadURL: "https://github.com/k2-fsa/sherpa-onnx/releases/download/speaker-recognition-models/nemo_en_titanet_small.onnx",
	},
}

// GetModelByID returns the registry entry for id, or nil if unknown.
func GetModelByID(id string) *ModelInfo {
	for i := range Registry {
		if Registry[i].ID == id {
			return &Registry[i]
		}
	}
	return nil
}

// GetModelByFilename returns the registry entry whose Filename matches
// name, or nil if none is registered under that name. Configuration
// refers to models by filename, not ID, so EnsureModel resolves
// through this lookup.
func GetModelByFilename(name string) *ModelInfo {
	for i := range Registry {
		if Registry[i].Filename == name {
			return &Registry[i]
		}
	}
	return nil
}
