// Package config loads server configuration from flags and an
// optional .env file, following the flag-first layering the rest of
// the process expects: .env fills in defaults, flags always win.
package config

import (
	"flag"
	"os"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Port string

	ModelsDir         string
	SegmentationModel string
	EmbeddingModel    string
	SeparationBinary  string
	FFmpegPath        string
	Backend           string // "onnx" or "sherpa"

	MaxConcurrent int
	MaxQueueSize  int
	TaskTimeout   time.Duration

	CacheMaxSize int
	CacheTTL     time.Duration

	MaxUploadBytes int64

	Dev bool
}

func Load() *Config {
	// Best-effort: a missing .env is not an error, it just means the
	// process relies on flags/defaults.
	_ = godotenv.Load()

	port := flag.String("port", envOr("PORT", "8080"), "HTTP listen port")

	modelsDir := flag.String("models", envOr("MODELS_DIR", "models"), "Directory holding ONNX model files")
	segModel := flag.String("segmentation-model", envOr("SEGMENTATION_MODEL", "segmentation.onnx"), "Segmentation model filename (relative to -models)")
	embModel := flag.String("embedding-model", envOr("EMBEDDING_MODEL", "embedding.onnx"), "Speaker embedding model filename (relative to -models), used by the sherpa backend")
	sepBinary := flag.String("separation-binary", envOr("SEPARATION_BINARY", "separate.py"), "Path to the external source-separation tool")
	ffmpegPath := flag.String("ffmpeg", envOr("FFMPEG_PATH", "ffmpeg"), "Path to the external audio decode/resample tool")
	backend := flag.String("backend", envOr("DIARIZATION_BACKEND", "onnx"), "Segmentation backend: onnx or sherpa")

	maxConcurrent := flag.Int("max-concurrent", 2, "Maximum simultaneously running pipeline tasks")
	maxQueueSize := flag.Int("max-queue-size", 10, "Maximum queued pipeline tasks before QueueFull")
	taskTimeout := flag.Duration("task-timeout", 300*time.Second, "Maximum wall time a task may spend queued+running")

	cacheMaxSize := flag.Int("cache-size", 50, "Maximum number of cached diarization results")
	cacheTTL := flag.Duration("cache-ttl", time.Hour, "Cache entry time-to-live")

	maxUploadMiB := flag.Int64("max-upload-mib", 100, "Maximum accepted upload size in MiB")

	dev := flag.Bool("dev", false, "Use a development (console, debug-level) logger instead of a production one")

	flag.Parse()

	return &Config{
		Port:              *port,
		ModelsDir:         *modelsDir,
		SegmentationModel: *segModel,
		EmbeddingModel:    *embModel,
		SeparationBinary:  *sepBinary,
		FFmpegPath:        *ffmpegPath,
		Backend:           *backend,
		MaxConcurrent:     *maxConcurrent,
		MaxQueueSize:      *maxQueueSize,
		TaskTimeout:       *taskTimeout,
		CacheMaxSize:      *cacheMaxSize,
		CacheTTL:          *cacheTTL,
		MaxUploadBytes:    *maxUploadMiB << 20,
		Dev:               *dev,
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
