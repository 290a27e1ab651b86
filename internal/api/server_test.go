package api

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"go.uber.org/zap"

	"aiwisper/internal/cache"
	"aiwisper/internal/diarize"
	"aiwisper/internal/scheduler"
	"aiwisper/internal/separate"
)

// fakeBackend implements diarize.Backend with a canned result, so
// handler tests don't depend on a real ONNX model file.
type fakeBackend struct {
	segments []diarize.RawSegment
	err      error
}

func (f *fakeBackend) Diarize(samples []float32, sampleRate int) ([]diarize.RawSegment, error) {
	return f.segments, f.err
}

// makeWAV builds a minimal mono 16-bit PCM WAV buffer for upload tests.
func makeWAV(t *testing.T, numSamples int) []byte {
	t.Helper()
	var buf bytes.Buffer
	dataSize := uint32(numSamples * 2)
	buf.WriteString("RIFF")
	binary.Write(&buf, binary.LittleEndian, uint32(36+dataSize))
	buf.WriteString("WAVE")
	buf.WriteString("fmt ")
	binary.Write(&buf, binary.LittleEndian, uint32(16))
	binary.Write(&buf, binary.LittleEndian, uint16(1))
	binary.Write(&buf, binary.LittleEndian, uint16(1))
	binary.Write(&buf, binary.LittleEndian, uint32(16000))
	binary.Write(&buf, binary.LittleEndian, uint32(16000*2))
	binary.Write(&buf, binary.LittleEndian, uint16(2))
	binary.Write(&buf, binary.LittleEndian, uint16(16))
	buf.WriteString("data")
	binary.Write(&buf, binary.LittleEndian, dataSize)
	for i := 0; i < numSamples; i++ {
		binary.Write(&buf, binary.LittleEndian, int16(0))
	}
	return buf.Bytes()
}

func multipartUpload(t *testing.T, fields map[string]string, fileField, fileName string, fileBytes []byte) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for k, v := range fields {
		if err := w.WriteField(k, v); err != nil {
			t.Fatalf("WriteField failed: %v", err)
		}
	}
	if fileField != "" {
		fw, err := w.CreateFormFile(fileField, fileName)
		if err != nil {
			t.Fatalf("CreateFormFile failed: %v", err)
		}
		fw.Write(fileBytes)
	}
	w.Close()
	return &buf, w.FormDataContentType()
}

func testServer(t *testing.T, backend diarize.Backend, sep *separate.Pipeline) *Server {
	t.Helper()
	sched := scheduler.New(scheduler.Config{MaxConcurrent: 2, MaxQueueSize: 5, TaskTimeout: 10 * time.Second})
	t.Cleanup(sched.Shutdown)
	c := cache.New(10, time.Minute)
	return NewServer("0", 100<<20, "ffmpeg", sched, c, nil, nil, backend, sep, zap.NewNop())
}

func TestHealthEndpointReportsQueueAndMemory(t *testing.T) {
	s := testServer(t, &fakeBackend{}, nil)
	srv := httptest.NewServer(s.Mux())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/health")
	if err != nil {
		t.Fatalf("GET /api/health failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	var body healthResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode health response: %v", err)
	}
	if body.Status != "ok" {
		t.Errorf("expected status ok, got %q", body.Status)
	}
	if body.Queue.Capacity != 2 || body.Queue.MaxQueue != 5 {
		t.Errorf("unexpected queue snapshot: %+v", body.Queue)
	}
	if body.Backend != "unknown" {
		t.Errorf("expected backend \"unknown\" for a test-only fakeBackend, got %q", body.Backend)
	}
	if body.SeparationBusy {
		t.Error("expected separationBusy to be false with no separator configured")
	}
}

func TestDiarizationEndpointReturnsResultForValidUpload(t *testing.T) {
	backend := &fakeBackend{segments: []diarize.RawSegment{{Speaker: 0, Start: 0, End: 1}}}
	s := testServer(t, backend, nil)
	srv := httptest.NewServer(s.Mux())
	defer srv.Close()

	body, contentType := multipartUpload(t, nil, "audio", "clip.wav", makeWAV(t, 16000))
	resp, err := http.Post(srv.URL+"/api/diarization", contentType, body)
	if err != nil {
		t.Fatalf("POST failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	var parsed diarizationResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if !parsed.Success || len(parsed.Data.Segments) != 1 {
		t.Errorf("unexpected response: %+v", parsed)
	}
	if parsed.Cached {
		t.Error("first request should not be served from cache")
	}
}

func TestDiarizationEndpointServesSecondIdenticalRequestFromCache(t *testing.T) {
	backend := &fakeBackend{segments: []diarize.RawSegment{{Speaker: 0, Start: 0, End: 1}}}
	s := testServer(t, backend, nil)
	srv := httptest.NewServer(s.Mux())
	defer srv.Close()

	clip := makeWAV(t, 16000)

	body1, ct1 := multipartUpload(t, nil, "audio", "clip.wav", clip)
	resp1, _ := http.Post(srv.URL+"/api/diarization", ct1, body1)
	resp1.Body.Close()

	body2, ct2 := multipartUpload(t, nil, "audio", "clip.wav", clip)
	resp2, err := http.Post(srv.URL+"/api/diarization", ct2, body2)
	if err != nil {
		t.Fatalf("POST failed: %v", err)
	}
	defer resp2.Body.Close()

	var parsed diarizationResponse
	json.NewDecoder(resp2.Body).Decode(&parsed)
	if !parsed.Cached {
		t.Error("expected second identical request to be served from cache")
	}
}

func TestDiarizationEndpointRejectsMissingAudioField(t *testing.T) {
	s := testServer(t, &fakeBackend{}, nil)
	srv := httptest.NewServer(s.Mux())
	defer srv.Close()

	body, contentType := multipartUpload(t, map[string]string{"note": "no file here"}, "", "", nil)
	resp, err := http.Post(srv.URL+"/api/diarization", contentType, body)
	if err != nil {
		t.Fatalf("POST failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", resp.StatusCode)
	}
}

func TestDiarizationEndpointRejectsOversizedContentLength(t *testing.T) {
	s := testServer(t, &fakeBackend{}, nil)
	s.MaxUploadBytes = 10
	srv := httptest.NewServer(s.Mux())
	defer srv.Close()

	body, contentType := multipartUpload(t, nil, "audio", "clip.wav", makeWAV(t, 16000))
	resp, err := http.Post(srv.URL+"/api/diarization", contentType, body)
	if err != nil {
		t.Fatalf("POST failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusRequestEntityTooLarge {
		t.Errorf("expected 413, got %d", resp.StatusCode)
	}
}

func writeFakeSeparationScript(t *testing.T) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake separation script is a POSIX shell script")
	}
	dir := t.TempDir()
	path := filepath.Join(dir, "fake-separate.sh")
	script := `#!/bin/sh
IN="$1"; OUT="$2"; N="$3"
mkdir -p "$OUT"
paths=""
i=0
while [ "$i" -lt "$N" ]; do
  cp "$IN" "$OUT/out_$i.wav"
  if [ -z "$paths" ]; then paths="\"$OUT/out_$i.wav\""; else paths="$paths,\"$OUT/out_$i.wav\""; fi
  i=$((i+1))
done
echo "{\"success\":true,\"output_paths\":[$paths],\"num_sources\":$N}"
`
	if err := os.WriteFile(path, []byte(script), 0o700); err != nil {
		t.Fatalf("failed to write fake script: %v", err)
	}
	return path
}

func TestSeparateEndpointReturnsZip(t *testing.T) {
	sep := separate.New(writeFakeSeparationScript(t))
	s := testServer(t, &fakeBackend{}, sep)
	srv := httptest.NewServer(s.Mux())
	defer srv.Close()

	segments := `[{"id":"0-0.00-1.00","speaker":"Speaker 1","startTime":0,"endTime":1,"duration":1}]`
	body, contentType := multipartUpload(t, map[string]string{"segments": segments, "numSpeakers": "1"}, "audio", "clip.wav", makeWAV(t, 32000))
	resp, err := http.Post(srv.URL+"/api/separate", contentType, body)
	if err != nil {
		t.Fatalf("POST failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/zip" {
		t.Errorf("expected application/zip, got %q", ct)
	}
	if cd := resp.Header.Get("Content-Disposition"); cd == "" {
		t.Error("expected a Content-Disposition header")
	}
}

func TestSeparateEndpointRejectsMissingSegmentsField(t *testing.T) {
	sep := separate.New(writeFakeSeparationScript(t))
	s := testServer(t, &fakeBackend{}, sep)
	srv := httptest.NewServer(s.Mux())
	defer srv.Close()

	body, contentType := multipartUpload(t, nil, "audio", "clip.wav", makeWAV(t, 16000))
	resp, err := http.Post(srv.URL+"/api/separate", contentType, body)
	if err != nil {
		t.Fatalf("POST failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", resp.StatusCode)
	}
}
