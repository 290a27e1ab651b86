// Package modelstore resolves diarization model files against a local
// directory, downloading them on first use.
package modelstore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"aiwisper/internal/apierr"
)

// ProgressCallback reports download progress for one model.
type ProgressCallback func(filename string, progress float64, err error)

// Manager resolves and lazily downloads model files under one
// directory. Each filename gets its own sync.Once so concurrent first
// callers for the same model block on a single download instead of
// racing duplicate fetches; callers for different models proceed in
// parallel.
type Manager struct {
	modelsDir string

	mu      sync.Mutex
	onces   map[string]*sync.Once
	results map[string]error

	onProgress ProgressCallback
}

// New returns a Manager rooted at modelsDir, creating it if absent.
func New(modelsDir string) (*Manager, error) {
	if err := os.MkdirAll(modelsDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create models directory: %w", err)
	}
	return &Manager{
		modelsDir: modelsDir,
		onces:     make(map[string]*sync.Once),
		results:   make(map[string]error),
	}, nil
}

// SetProgressCallback installs a callback invoked during downloads.
func (m *Manager) SetProgressCallback(cb ProgressCallback) {
	m.mu.Lock()
	m.onProgress = cb
	m.mu.Unlock()
}

// Path returns where filename would live under the models directory,
// without checking existence.
func (m *Manager) Path(filename string) string {
	return filepath.Join(m.modelsDir, filename)
}

// EnsureModel resolves filename to a local path, downloading it from
// the registry if absent. The first caller for a given filename
// performs the download; concurrent and subsequent callers for the
// same filename share its outcome. A filename with no registry entry
// is expected to already exist on disk (deployment-provided models);
// its absence is a ModelLoadFailure rather than a fetch attempt.
func (m *Manager) EnsureModel(ctx context.Context, filename string) (string, error) {
	path := m.Path(filename)

	if _, err := os.Stat(path); err == nil {
		return path, nil
	}

	info := GetModelByFilename(filename)
	if info == nil {
		return "", apierr.New(apierr.ModelLoadFailure, fmt.Sprintf("model file %q is missing and not in the download registry", filename))
	}

	once := m.onceFor(filename)
	once.Do(func() {
		progressCb := func(p float64) {
			m.notifyProgress(filename, p, nil)
		}
		err := downloadFile(ctx, info.DownloadURL, path, info.SizeBytes, progressCb)
		if err != nil {
			m.notifyProgress(filename, 0, err)
		}
		m.mu.Lock()
		m.results[filename] = err
		m.mu.Unlock()
	})

	m.mu.Lock()
	err := m.results[filename]
	m.mu.Unlock()

	if err != nil {
		return "", apierr.Wrap(apierr.ModelLoadFailure, "failed to download model "+filename, err)
	}
	return path, nil
}

func (m *Manager) onceFor(filename string) *sync.Once {
	m.mu.Lock()
	defer m.mu.Unlock()
	if o, ok := m.onces[filename]; ok {
		return o
	}
	o := &sync.Once{}
	m.onces[filename] = o
	return o
}

func (m *Manager) notifyProgress(filename string, progress float64, err error) {
	m.mu.Lock()
	cb := m.onProgress
	m.mu.Unlock()
	if cb != nil {
		cb(filename, progress, err)
	}
}

// IsModelPresent reports whether filename already exists under the
// models directory, without triggering a download.
func (m *Manager) IsModelPresent(filename string) bool {
	_, err := os.Stat(m.Path(filename))
	return err == nil
}
