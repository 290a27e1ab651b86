package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"aiwisper/internal/api"
	"aiwisper/internal/cache"
	"aiwisper/internal/config"
	"aiwisper/internal/diarize"
	"aiwisper/internal/events"
	"aiwisper/internal/modelstore"
	"aiwisper/internal/scheduler"
	"aiwisper/internal/separate"
)

func main() {
	// 1. Load configuration
	cfg := config.Load()

	logger := newLogger(cfg.Dev)
	defer logger.Sync()

	defer func() {
		if r := recover(); r != nil {
			logger.Error("panic in main", zap.Any("recover", r))
			panic(r)
		}
	}()

	if err := os.MkdirAll(cfg.ModelsDir, 0755); err != nil {
		logger.Fatal("failed to create models directory", zap.Error(err))
	}

	// 2. Model store: resolves and lazily downloads ONNX model files
	modelMgr, err := modelstore.New(cfg.ModelsDir)
	if err != nil {
		logger.Fatal("failed to initialize model store", zap.Error(err))
	}
	modelMgr.SetProgressCallback(func(filename string, progress float64, err error) {
		if err != nil {
			logger.Warn("model download failed", zap.String("file", filename), zap.Error(err))
			return
		}
		logger.Info("model download progress", zap.String("file", filename), zap.Float64("progress", progress))
	})

	// 3. Diarization backend
	backend, err := newDiarizationBackend(cfg, modelMgr, logger)
	if err != nil {
		logger.Fatal("failed to initialize diarization backend", zap.Error(err))
	}

	// 4. Scheduler: the process-wide bounded-concurrency task queue
	sched := scheduler.Global(scheduler.Config{
		MaxConcurrent: cfg.MaxConcurrent,
		MaxQueueSize:  cfg.MaxQueueSize,
		TaskTimeout:   cfg.TaskTimeout,
	})

	// 5. Result cache
	resultCache := cache.New(cfg.CacheMaxSize, cfg.CacheTTL)
	stopSweeper := resultCache.StartSweeper(time.Minute)
	defer stopSweeper()

	// 6. Dashboard event hub, wired directly as the scheduler's observer
	hub := events.NewHub(logger)
	sched.SetObserver(hub.Broadcast)

	// 7. Separation pipeline
	sep := separate.New(cfg.SeparationBinary)

	// 8. HTTP server
	srv := api.NewServer(cfg.Port, cfg.MaxUploadBytes, cfg.FFmpegPath, sched, resultCache, modelMgr, hub, backend, sep, logger)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()
	logger.Info("server started", zap.String("port", cfg.Port), zap.String("backend", cfg.Backend))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil {
			logger.Fatal("server exited", zap.Error(err))
		}
	case sig := <-sigCh:
		logger.Info("shutting down", zap.String("signal", sig.String()))
		sched.Shutdown()
	}
}

func newLogger(dev bool) *zap.Logger {
	var logger *zap.Logger
	var err error
	if dev {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		panic(fmt.Sprintf("failed to construct logger: %v", err))
	}
	return logger
}

// newDiarizationBackend resolves the models the configured backend
// needs (downloading them on first run) and constructs it. "sherpa"
// additionally needs the embedding model; "onnx" only needs the
// segmentation model.
func newDiarizationBackend(cfg *config.Config, modelMgr *modelstore.Manager, logger *zap.Logger) (diarize.Backend, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	segPath, err := modelMgr.EnsureModel(ctx, cfg.SegmentationModel)
	if err != nil {
		return nil, err
	}

	switch cfg.Backend {
	case "sherpa":
		embPath, err := modelMgr.EnsureModel(ctx, cfg.EmbeddingModel)
		if err != nil {
			return nil, err
		}
		logger.Info("loading sherpa-onnx diarization backend", zap.String("segmentation", segPath), zap.String("embedding", embPath))
		return diarize.NewSherpaBackend(diarize.DefaultSherpaConfig(segPath, embPath))
	default:
		logger.Info("loading onnx segmentation diarization backend", zap.String("segmentation", segPath))
		return diarize.NewSegmentationBackend(segPath)
	}
}
