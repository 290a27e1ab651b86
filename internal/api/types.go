package api

import "aiwisper/internal/diarize"

// diarizationResponse wraps a DiarizationResult for the HTTP response
// body: {success:true, data: DiarizationResult, cached?:bool}.
type diarizationResponse struct {
	Success bool           `json:"success"`
	Data    diarize.Result `json:"data"`
	Cached  bool           `json:"cached,omitempty"`
}

// errorResponse is the uniform shape for every non-2xx JSON body.
type errorResponse struct {
	Error string `json:"error"`
}

// queueStatus is the health endpoint's queue sub-object.
type queueStatus struct {
	Active    int `json:"active"`
	Pending   int `json:"pending"`
	Capacity  int `json:"capacity"`
	MaxQueue  int `json:"maxQueue"`
	Available int `json:"available"`
}

// memoryStatus is the health endpoint's memory sub-object, reported
// from the Go runtime's own heap accounting.
type memoryStatus struct {
	UsedBytes  uint64 `json:"used"`
	TotalBytes uint64 `json:"total"`
}

// healthResponse is GET /api/health's body.
type healthResponse struct {
	Status         string       `json:"status"`
	Timestamp      int64        `json:"timestamp"`
	UptimeSec      float64      `json:"uptime"`
	Backend        string       `json:"backend"`
	SeparationBusy bool         `json:"separationBusy"`
	Queue          queueStatus  `json:"queue"`
	Memory         memoryStatus `json:"memory"`
}
