// Package record writes raw IQ and spectrum captures to disk, replays IQ
// recordings as an alternate sample source, and enforces the shared storage
// budget.
package record

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// ErrStorageExhausted means the storage budget (baseline usage plus bytes
// written this session) is spent. Recording stops cleanly.
var ErrStorageExhausted = errors.New("storage budget exhausted")

// ErrNotRecording rejects stop commands with nothing running.
var ErrNotRecording = errors.New("not recording")

// Descriptor describes one recording on disk.
type Descriptor struct {
	Kind     string          `json:"kind"` // "iq" or "spectrum"
	Filename string          `json:"filename"`
	Bytes    int64           `json:"bytes"`
	Created  time.Time       `json:"created"`
	Metadata json.RawMessage `json:"metadata,omitempty"`
}

// Manager owns the recording directory, the storage budget, and both
// recorders. The budget covers the directory as a whole: a pre-measured
// baseline plus everything written since startup.
type Manager struct {
	mu       sync.Mutex
	dir      string
	budget   int64
	baseline int64
	written  int64

	IQ       *IQRecorder
	Spectrum *SpectrumRecorder
}

// NewManager creates the directory if needed and measures baseline usage.
func NewManager(dir string, budget int64) (*Manager, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create recording dir: %w", err)
	}
	m := &Manager{dir: dir, budget: budget}
	m.baseline = m.measureUsage()
	m.IQ = newIQRecorder(m)
	m.Spectrum = newSpectrumRecorder(m)
	return m, nil
}

// Dir returns the recording directory.
func (m *Manager) Dir() string { return m.dir }

// account admits n more bytes against the budget, or fails with
// ErrStorageExhausted. Called by the recorders on every write.
func (m *Manager) account(n int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.budget > 0 && m.baseline+m.written+n > m.budget {
		return ErrStorageExhausted
	}
	m.written += n
	return nil
}

// headroom refuses new recordings once the budget is already spent.
func (m *Manager) headroom() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.budget > 0 && m.baseline+m.written >= m.budget {
		return ErrStorageExhausted
	}
	return nil
}

// Usage returns (bytes counted against the budget, budget, free disk bytes).
func (m *Manager) Usage() (used, budget, freeDisk int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.baseline + m.written, m.budget, freeDiskBytes(m.dir)
}

func (m *Manager) measureUsage() int64 {
	var total int64
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return 0
	}
	for _, e := range entries {
		if info, err := e.Info(); err == nil && !info.IsDir() {
			total += info.Size()
		}
	}
	return total
}

// List returns descriptors for every recording in the directory, newest
// first. Metadata comes from each file's sidecar when present.
func (m *Manager) List() ([]Descriptor, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return nil, err
	}

	var out []Descriptor
	for _, e := range entries {
		name := e.Name()
		if strings.HasSuffix(name, metaSuffix) || e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		d := Descriptor{
			Filename: name,
			Bytes:    info.Size(),
			Created:  info.ModTime(),
		}
		switch {
		case strings.HasSuffix(name, ".raw"):
			d.Kind = "iq"
		case strings.HasSuffix(name, ".specrec"):
			d.Kind = "spectrum"
		case strings.HasSuffix(name, ".parquet"):
			d.Kind = "iq"
		default:
			continue
		}
		if meta, err := os.ReadFile(filepath.Join(m.dir, name+metaSuffix)); err == nil {
			d.Metadata = json.RawMessage(meta)
		}
		out = append(out, d)
	}

	for i := 0; i < len(out); i++ {
		for j := i + 1; j < len(out); j++ {
			if out[j].Created.After(out[i].Created) {
				out[i], out[j] = out[j], out[i]
			}
		}
	}
	return out, nil
}

// Delete removes a recording and its sidecar. The caller has already reduced
// the name to its base path component.
func (m *Manager) Delete(name string) error {
	path := filepath.Join(m.dir, name)
	if err := os.Remove(path); err != nil {
		return err
	}
	os.Remove(path + metaSuffix)

	// Freed space goes back to the budget at the baseline.
	m.mu.Lock()
	m.baseline = m.measureUsage()
	m.written = 0
	m.mu.Unlock()
	return nil
}

const metaSuffix = ".meta"

func writeSidecar(path string, meta any) error {
	b, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path+metaSuffix, b, 0644)
}
