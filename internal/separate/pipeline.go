// Package separate implements the per-segment audio isolation
// pipeline: given the normalized waveform and a diarization result, it
// extracts each segment's slice, hands it to an external
// source-separation tool, and bundles the isolated clips into a ZIP.
package separate

import (
	"archive/zip"
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"aiwisper/internal/apierr"
	"aiwisper/internal/diarize"
)

const (
	subprocessTimeout  = 120 * time.Second
	maxOutputBytes     = 50 << 20 // 50 MiB
	sampleRate         = 16000
	maxRequestedSources = 2 // the underlying separation model supports at most two sources
)

// Pipeline runs the external separation tool over one audio file at a
// time. A single process-wide latch enforces the "at most one
// separation in progress" invariant; a second concurrent attempt
// fails immediately with Busy rather than queueing.
type Pipeline struct {
	binaryPath string

	mu         sync.Mutex
	processing bool
}

// New returns a Pipeline that invokes binaryPath for every separation.
func New(binaryPath string) *Pipeline {
	return &Pipeline{binaryPath: binaryPath}
}

func (p *Pipeline) acquire() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.processing {
		return false
	}
	p.processing = true
	return true
}

func (p *Pipeline) release() {
	p.mu.Lock()
	p.processing = false
	p.mu.Unlock()
}

// Busy reports whether a separation is currently in flight, for the
// health endpoint's latch snapshot.
func (p *Pipeline) Busy() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.processing
}

// tempSet tracks every intermediate path created during one Separate
// call so they can all be unlinked, best-effort, on any exit path.
type tempSet struct {
	mu    sync.Mutex
	paths []string
}

func (s *tempSet) add(path string) {
	s.mu.Lock()
	s.paths = append(s.paths, path)
	s.mu.Unlock()
}

func (s *tempSet) remove(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, p := range s.paths {
		if p == path {
			s.paths = append(s.paths[:i], s.paths[i+1:]...)
			return
		}
	}
}

func (s *tempSet) cleanupAll() {
	s.mu.Lock()
	paths := append([]string(nil), s.paths...)
	s.mu.Unlock()
	for _, p := range paths {
		os.Remove(p)
	}
}

func salt() string {
	return fmt.Sprintf("%d-%s", time.Now().UnixNano(), uuid.NewString())
}

// Separate isolates each segment of samples (mono, 16kHz) per its
// diarized speaker, packaging the results into a ZIP archive.
// numSpeakers is the caller-claimed speaker count; it is clamped to
// the model's two-source limit.
func (p *Pipeline) Separate(ctx context.Context, samples []float32, segments []diarize.Segment, numSpeakers int) ([]byte, error) {
	if !p.acquire() {
		return nil, apierr.New(apierr.Busy, "a separation is already in progress")
	}
	defer p.release()

	if len(segments) == 0 {
		return nil, apierr.New(apierr.InputValidation, "no segments to separate")
	}

	requested := numSpeakers
	if requested > maxRequestedSources {
		requested = maxRequestedSources
	}
	if requested < 1 {
		requested = 1
	}

	tmp := &tempSet{}
	defer tmp.cleanupAll()

	dir, err := os.MkdirTemp("", "aiwisper-separate-*")
	if err != nil {
		return nil, apierr.Wrap(apierr.InternalError, "failed to create temp dir", err)
	}
	tmp.add(dir)
	defer os.RemoveAll(dir)

	firstSeen := firstSeenIndex(segments)

	type finalClip struct {
		speakerLabel string
		start        float64
		end          float64
		path         string
	}
	clips := make([]finalClip, 0, len(segments))

	for _, seg := range segments {
		if err := ctx.Err(); err != nil {
			return nil, apierr.Wrap(apierr.Cancelled, "separation cancelled", err)
		}

		slice := sliceSamples(samples, seg.StartTime, seg.EndTime)
		inPath := filepath.Join(dir, "in-"+salt()+".wav")
		if err := writeWAV(inPath, slice, sampleRate); err != nil {
			return nil, apierr.Wrap(apierr.InternalError, "failed to stage segment audio", err)
		}
		tmp.add(inPath)

		outDir := filepath.Join(dir, "out-"+salt())
		if err := os.MkdirAll(outDir, 0o700); err != nil {
			return nil, apierr.Wrap(apierr.InternalError, "failed to create output dir", err)
		}
		tmp.add(outDir)

		outputPaths, err := p.runSeparation(ctx, inPath, outDir, requested)
		if err != nil {
			return nil, err
		}
		for _, op := range outputPaths {
			tmp.add(op)
		}

		var rawSpeaker int
		fmt.Sscanf(seg.Speaker, "Speaker %d", &rawSpeaker)
		speakerIdx := firstSeen[rawSpeaker]
		pick := speakerIdx % len(outputPaths) // clamp-to-2-sources rotation: known limitation beyond 2 speakers

		finalPath := filepath.Join(dir, "final-"+salt()+".wav")
		if err := copyFile(outputPaths[pick], finalPath); err != nil {
			return nil, apierr.Wrap(apierr.SeparationFailure, "failed to collect separated output", err)
		}
		tmp.add(finalPath)

		for i, op := range outputPaths {
			if i != pick {
				os.Remove(op)
				tmp.remove(op)
			}
		}
		os.Remove(inPath)
		tmp.remove(inPath)

		clips = append(clips, finalClip{speakerLabel: seg.Speaker, start: seg.StartTime, end: seg.EndTime, path: finalPath})
	}

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, c := range clips {
		name := fmt.Sprintf("%s_%.2f-%.2f.wav", c.speakerLabel, c.start, c.end)
		w, err := zw.Create(name)
		if err != nil {
			return nil, apierr.Wrap(apierr.InternalError, "failed to add zip entry", err)
		}
		data, err := os.ReadFile(c.path)
		if err != nil {
			return nil, apierr.Wrap(apierr.InternalError, "failed to read final clip", err)
		}
		if _, err := w.Write(data); err != nil {
			return nil, apierr.Wrap(apierr.InternalError, "failed to write zip entry", err)
		}
	}
	if err := zw.Close(); err != nil {
		return nil, apierr.Wrap(apierr.InternalError, "failed to finalize zip archive", err)
	}

	return buf.Bytes(), nil
}

// firstSeenIndex maps each speaker number parsed from a segment's
// "Speaker k" label to its 0-based position in first-seen (by segment
// order) order, the same rule diarize.BuildResult uses for naming.
func firstSeenIndex(segments []diarize.Segment) map[int]int {
	idx := make(map[int]int)
	next := 0
	for _, seg := range segments {
		var k int
		fmt.Sscanf(seg.Speaker, "Speaker %d", &k)
		if _, ok := idx[k]; !ok {
			idx[k] = next
			next++
		}
	}
	return idx
}

func sliceSamples(samples []float32, startTime, endTime float64) []float32 {
	start := int(startTime * sampleRate)
	end := int(endTime * sampleRate)
	if start < 0 {
		start = 0
	}
	if end > len(samples) {
		end = len(samples)
	}
	if start >= end {
		return nil
	}
	return samples[start:end]
}

type separationResponse struct {
	Success     bool     `json:"success"`
	OutputPaths []string `json:"output_paths,omitempty"`
	NumSources  int      `json:"num_sources,omitempty"`
	Error       string   `json:"error,omitempty"`
}

// runSeparation invokes the external source-separation tool as
// "BINARY IN_WAV OUT_DIR N", enforcing a 120s timeout and a 50MiB cap
// on captured stdout, and kills the child if ctx is cancelled.
func (p *Pipeline) runSeparation(ctx context.Context, inPath, outDir string, numSources int) ([]string, error) {
	timeoutCtx, cancel := context.WithTimeout(ctx, subprocessTimeout)
	defer cancel()

	cmd := exec.CommandContext(timeoutCtx, p.binaryPath, inPath, outDir, strconv.Itoa(numSources))

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, apierr.Wrap(apierr.SeparationFailure, "failed to open stdout pipe", err)
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return nil, apierr.Wrap(apierr.SeparationFailure, "failed to start separation tool", err)
	}

	lastLine, readErr := readCappedLastLine(stdout, maxOutputBytes)
	waitErr := cmd.Wait()

	if timeoutCtx.Err() == context.DeadlineExceeded {
		return nil, apierr.New(apierr.Timeout, "separation tool exceeded its time budget")
	}
	if ctx.Err() != nil {
		return nil, apierr.Wrap(apierr.Cancelled, "separation cancelled", ctx.Err())
	}
	if waitErr != nil {
		return nil, apierr.Wrap(apierr.SeparationFailure, stderr.String(), waitErr)
	}
	if readErr != nil {
		return nil, apierr.Wrap(apierr.SeparationFailure, "failed to read separation tool output", readErr)
	}

	var resp separationResponse
	if err := json.Unmarshal([]byte(lastLine), &resp); err != nil {
		return nil, apierr.Wrap(apierr.SeparationFailure, "unparseable separation tool output: "+lastLine, err)
	}
	if !resp.Success {
		return nil, apierr.New(apierr.SeparationFailure, resp.Error)
	}
	if len(resp.OutputPaths) == 0 {
		return nil, apierr.New(apierr.SeparationFailure, "separation tool reported success with no output paths")
	}
	return resp.OutputPaths, nil
}

// readCappedLastLine reads at most maxBytes from r and returns its
// final non-empty line (the tool's JSON response).
func readCappedLastLine(r io.Reader, maxBytes int64) (string, error) {
	scanner := bufio.NewScanner(io.LimitReader(r, maxBytes))
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)

	var last string
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			last = line
		}
	}
	if err := scanner.Err(); err != nil {
		return last, err
	}
	if last == "" {
		return "", fmt.Errorf("separation tool produced no output")
	}
	return last, nil
}

func copyFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, data, 0o600)
}

// writeWAV writes mono, 16-bit PCM samples to a minimal WAV file.
func writeWAV(path string, samples []float32, rate int) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	dataSize := uint32(len(samples) * 2)
	byteRate := uint32(rate * 2)

	w := bufio.NewWriter(f)
	w.WriteString("RIFF")
	binary.Write(w, binary.LittleEndian, uint32(36+dataSize))
	w.WriteString("WAVE")
	w.WriteString("fmt ")
	binary.Write(w, binary.LittleEndian, uint32(16))
	binary.Write(w, binary.LittleEndian, uint16(1))
	binary.Write(w, binary.LittleEndian, uint16(1))
	binary.Write(w, binary.LittleEndian, uint32(rate))
	binary.Write(w, binary.LittleEndian, byteRate)
	binary.Write(w, binary.LittleEndian, uint16(2))
	binary.Write(w, binary.LittleEndian, uint16(16))
	w.WriteString("data")
	binary.Write(w, binary.LittleEndian, dataSize)

	for _, s := range samples {
		if s > 1.0 {
			s = 1.0
		} else if s < -1.0 {
			s = -1.0
		}
		binary.Write(w, binary.LittleEndian, int16(s*32767))
	}

	return w.Flush()
}
