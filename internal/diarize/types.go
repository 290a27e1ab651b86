// Package diarize turns a normalized waveform into a DiarizationResult:
// ordered speech segments labeled by speaker. Two interchangeable
// backends implement the same contract — a direct ONNX segmentation
// model (segmentation.go) and a segmentation+embedding+clustering
// pipeline built on sherpa-onnx (sherpa.go).
package diarize

import "fmt"

// RawSegment is what a Backend produces: a speaker-labeled time span
// before names, colors, and summaries are attached.
type RawSegment struct {
	Speaker int // 0-indexed, backend-local; stable only within one run
	Start   float64
	End     float64
}

// Segment is one entry of Result.Segments, matching the API's wire
// schema for a single diarized speech span.
type Segment struct {
	ID        string  `json:"id"`
	Speaker   string  `json:"speaker"`
	StartTime float64 `json:"startTime"`
	EndTime   float64 `json:"endTime"`
	Duration  float64 `json:"duration"`
}

// SpeakerSummary is one entry of Result.Speakers.
type SpeakerSummary struct {
	ID            string  `json:"id"`
	Name          string  `json:"name"`
	SegmentCount  int     `json:"segmentCount"`
	TotalDuration float64 `json:"totalDuration"`
	Color         string  `json:"color"`
}

// Result is the full DiarizationResult returned to API callers and
// stored in the result cache.
type Result struct {
	Segments      []Segment        `json:"segments"`
	Speakers      []SpeakerSummary `json:"speakers"`
	Duration      float64          `json:"duration"`
	TotalSpeakers int              `json:"totalSpeakers"`
	Method        string           `json:"method"`
}

// speakerPalette cycles for speakers beyond the first few, in a fixed
// insertion order matching the frontend's dashboard theme.
var speakerPalette = []string{
	"#276b4d", "#518764", "#76a483", "#416e54", "#b8d6b6",
}

func colorFor(speakerIndex int) string {
	return speakerPalette[speakerIndex%len(speakerPalette)]
}

// BuildResult assigns stable "Speaker k" names in first-seen order,
// sorts segments by start time, and computes per-speaker summaries.
// audioDuration is the total waveform length in seconds; method names
// the backend that produced raw ("PyAnnote ONNX" or "sherpa-onnx").
func BuildResult(raw []RawSegment, audioDuration float64, method string) Result {
	sorted := make([]RawSegment, len(raw))
	copy(sorted, raw)
	for i := 1; i < len(sorted); i++ {
		for j := i; j > 0 && sorted[j].Start < sorted[j-1].Start; j-- {
			sorted[j], sorted[j-1] = sorted[j-1], sorted[j]
		}
	}

	firstSeenOrder := make(map[int]int)
	order := make([]int, 0)
	for _, r := range sorted {
		if _, ok := firstSeenOrder[r.Speaker]; !ok {
			firstSeenOrder[r.Speaker] = len(order)
			order = append(order, r.Speaker)
		}
	}

	segments := make([]Segment, 0, len(sorted))
	counts := make(map[int]int)
	durations := make(map[int]float64)
	for _, r := range sorted {
		k := firstSeenOrder[r.Speaker]
		dur := r.End - r.Start
		segments = append(segments, Segment{
			ID:        fmt.Sprintf("%d-%.2f-%.2f", k, r.Start, r.End),
			Speaker:   fmt.Sprintf("Speaker %d", k+1),
			StartTime: r.Start,
			EndTime:   r.End,
			Duration:  dur,
		})
		counts[k]++
		durations[k] += dur
	}

	speakers := make([]SpeakerSummary, 0, len(order))
	for k := range order {
		speakers = append(speakers, SpeakerSummary{
			ID:            fmt.Sprintf("%d", k),
			Name:          fmt.Sprintf("Speaker %d", k+1),
			SegmentCount:  counts[k],
			TotalDuration: durations[k],
			Color:         colorFor(k),
		})
	}

	return Result{
		Segments:      segments,
		Speakers:      speakers,
		Duration:      audioDuration,
		TotalSpeakers: len(order),
		Method:        method,
	}
}
