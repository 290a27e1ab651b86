// Package api wires the HTTP surface onto the scheduler, cache,
// normalizer, diarization backend, and separation pipeline: upload
// handling, response shaping, and error-kind-to-status mapping.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"runtime"
	"strconv"
	"time"

	"go.uber.org/zap"

	"aiwisper/internal/apierr"
	"aiwisper/internal/audio"
	"aiwisper/internal/cache"
	"aiwisper/internal/diarize"
	"aiwisper/internal/events"
	"aiwisper/internal/modelstore"
	"aiwisper/internal/scheduler"
	"aiwisper/internal/separate"
)

// defaultMaxUploadBytes is the upload bound NewServer applies when
// given a non-positive limit; a request announcing a larger
// Content-Length than Server.MaxUploadBytes is rejected before the body
// is read.
const defaultMaxUploadBytes = 100 << 20

// Server holds every process-wide collaborator the HTTP handlers need.
// Construct one with NewServer and call Start.
type Server struct {
	Port           string
	MaxUploadBytes int64
	FFmpegPath     string

	Scheduler *scheduler.Scheduler
	Cache     *cache.Cache
	Models    *modelstore.Manager
	Events    *events.Hub
	Backend   diarize.Backend
	Separator *separate.Pipeline
	Log       *zap.Logger

	startedAt time.Time
}

// NewServer assembles a Server from its collaborators. A nil logger
// falls back to a no-op logger.
func NewServer(port string, maxUploadBytes int64, ffmpegPath string, sched *scheduler.Scheduler, c *cache.Cache, models *modelstore.Manager, hub *events.Hub, backend diarize.Backend, sep *separate.Pipeline, logger *zap.Logger) *Server {
	if maxUploadBytes <= 0 {
		maxUploadBytes = defaultMaxUploadBytes
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		Port:           port,
		MaxUploadBytes: maxUploadBytes,
		FFmpegPath:     ffmpegPath,
		Scheduler:      sched,
		Cache:          c,
		Models:         models,
		Events:         hub,
		Backend:        backend,
		Separator:      sep,
		Log:            logger,
		startedAt:      time.Now(),
	}
}

// Mux builds the HTTP handler tree. Split from Start so tests can
// exercise it with httptest without binding a real port.
func (s *Server) Mux() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/diarization", s.handleDiarization)
	mux.HandleFunc("/api/separate", s.handleSeparate)
	mux.HandleFunc("/api/health", s.handleHealth)
	if s.Events != nil {
		mux.HandleFunc("/api/events", s.Events.ServeHTTP)
	}
	return mux
}

// Start binds and serves on Port, blocking until ListenAndServe returns.
func (s *Server) Start() error {
	s.Log.Info("listening", zap.String("port", s.Port))
	return http.ListenAndServe(":"+s.Port, s.Mux())
}

func (s *Server) handleDiarization(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	data, ok := s.readUploadField(w, r, "audio")
	if !ok {
		return
	}

	if cached, ok := s.Cache.Get(data); ok {
		writeJSON(w, http.StatusOK, diarizationResponse{Success: true, Data: cached.(diarize.Result), Cached: true})
		return
	}

	jobID := fmt.Sprintf("diarization-%d", time.Now().UnixNano())
	fingerprint := cache.Fingerprint16(data)

	ctx := r.Context()
	result, err := s.Scheduler.Enqueue(ctx, jobID, func(workCtx context.Context) (any, error) {
		wf, err := audio.Normalize(workCtx, data, s.FFmpegPath)
		if err != nil {
			return nil, err
		}
		return diarize.Run(workCtx, s.Backend, wf.Samples, audio.TargetSampleRate)
	})
	if err != nil {
		s.Log.Warn("diarization job failed", zap.String("job_id", jobID), zap.String("fingerprint", string(fingerprint)), zap.Error(err))
		writeError(w, err)
		return
	}

	res := result.(diarize.Result)
	s.Cache.Set(data, res)
	s.Log.Info("diarization job completed", zap.String("job_id", jobID), zap.String("fingerprint", string(fingerprint)), zap.Int("segments", len(res.Segments)))
	writeJSON(w, http.StatusOK, diarizationResponse{Success: true, Data: res})
}

func (s *Server) handleSeparate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	data, ok := s.readUploadField(w, r, "audio")
	if !ok {
		return
	}

	segmentsRaw := r.FormValue("segments")
	if segmentsRaw == "" {
		writeErrorStatus(w, http.StatusBadRequest, "missing required field \"segments\"")
		return
	}
	var segments []diarize.Segment
	if err := json.Unmarshal([]byte(segmentsRaw), &segments); err != nil {
		writeErrorStatus(w, http.StatusBadRequest, "malformed \"segments\" JSON")
		return
	}

	numSpeakers := 2
	if raw := r.FormValue("numSpeakers"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			numSpeakers = n
		}
	}

	jobID := fmt.Sprintf("separate-%d", time.Now().UnixNano())

	ctx := r.Context()
	result, err := s.Scheduler.Enqueue(ctx, jobID, func(workCtx context.Context) (any, error) {
		wf, err := audio.Normalize(workCtx, data, s.FFmpegPath)
		if err != nil {
			return nil, err
		}
		return s.Separator.Separate(workCtx, wf.Samples, segments, numSpeakers)
	})
	if err != nil {
		s.Log.Warn("separation job failed", zap.String("job_id", jobID), zap.Error(err))
		writeError(w, err)
		return
	}
	s.Log.Info("separation job completed", zap.String("job_id", jobID), zap.Int("segments", len(segments)))

	zipBytes := result.([]byte)
	filename := fmt.Sprintf("separated-speakers-%d.zip", time.Now().Unix())
	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	w.WriteHeader(http.StatusOK)
	w.Write(zipBytes)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	var separationBusy bool
	if s.Separator != nil {
		separationBusy = s.Separator.Busy()
	}

	status := s.Scheduler.Status()
	writeJSON(w, http.StatusOK, healthResponse{
		Status:         "ok",
		Timestamp:      time.Now().Unix(),
		UptimeSec:      time.Since(s.startedAt).Seconds(),
		Backend:        backendName(s.Backend),
		SeparationBusy: separationBusy,
		Queue: queueStatus{
			Active:    status.Active,
			Pending:   status.Pending,
			Capacity:  status.MaxConcurrent,
			MaxQueue:  status.MaxQueueSize,
			Available: status.MaxQueueSize - status.Pending,
		},
		Memory: memoryStatus{
			UsedBytes:  mem.HeapAlloc,
			TotalBytes: mem.Sys,
		},
	})
}

// backendName reports the active diarization backend by concrete
// type, since diarize.Backend itself carries no name.
func backendName(b diarize.Backend) string {
	switch b.(type) {
	case *diarize.SegmentationBackend:
		return "onnx"
	case *diarize.SherpaBackend:
		return "sherpa"
	default:
		return "unknown"
	}
}

// readUploadField enforces the upload size limit, parses the
// multipart form, and reads the named file field into memory. It
// writes an error response and returns ok=false on any failure.
func (s *Server) readUploadField(w http.ResponseWriter, r *http.Request, field string) ([]byte, bool) {
	if !s.enforceContentLength(w, r) {
		return nil, false
	}
	r.Body = http.MaxBytesReader(w, r.Body, s.MaxUploadBytes)

	if err := r.ParseMultipartForm(32 << 20); err != nil {
		writeErrorStatus(w, http.StatusRequestEntityTooLarge, "request body too large or malformed")
		return nil, false
	}

	file, _, err := r.FormFile(field)
	if err != nil {
		writeErrorStatus(w, http.StatusBadRequest, fmt.Sprintf("missing required field %q", field))
		return nil, false
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		writeErrorStatus(w, http.StatusBadRequest, "failed to read uploaded audio")
		return nil, false
	}
	return data, true
}

// enforceContentLength rejects oversized requests using the
// Content-Length header before any body bytes are read.
func (s *Server) enforceContentLength(w http.ResponseWriter, r *http.Request) bool {
	if r.ContentLength > 0 && r.ContentLength > s.MaxUploadBytes {
		writeErrorStatus(w, http.StatusRequestEntityTooLarge, "request exceeds maximum upload size")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeErrorStatus(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}

// writeError maps an apierr.Kind to its HTTP status and writes the
// corresponding body. Cancelled gets a bare 499 with no body.
func writeError(w http.ResponseWriter, err error) {
	kind := apierr.KindOf(err)
	switch kind {
	case apierr.Cancelled:
		w.WriteHeader(499)
		return
	case apierr.Timeout:
		writeErrorStatus(w, http.StatusGatewayTimeout, err.Error())
	case apierr.QueueFull:
		writeErrorStatus(w, http.StatusServiceUnavailable, "server is at capacity, try again later")
	case apierr.Busy:
		writeErrorStatus(w, http.StatusServiceUnavailable, err.Error())
	case apierr.InputValidation:
		writeErrorStatus(w, http.StatusBadRequest, err.Error())
	default:
		writeErrorStatus(w, http.StatusInternalServerError, err.Error())
	}
}
