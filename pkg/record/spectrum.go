package record

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/charmbracelet/log"
)

// SpectrumMeta is the sidecar record for a spectrum recording.
type SpectrumMeta struct {
	Filename    string  `json:"filename"`
	SampleRate  float64 `json:"sample_rate"`
	CenterFreq  float64 `json:"center_freq"`
	FFTSize     int     `json:"fft_size"`
	Window      string  `json:"window_kind"`
	NumBins     int     `json:"num_bins"`
	StartTime   float64 `json:"start_time"`
	EndTime     float64 `json:"end_time"`
	TotalFrames int64   `json:"total_frames"`
}

// SpectrumRecorder appends framed spectrum records:
//
//	[u32 length][u32 num_bins][f64 timestamp][f64 center_freq][f64 sample_rate][num_bins x f32]
//
// little-endian, matching the IQ file layout. Captures are throttled so a
// 60 fps live stream does not produce a 60 fps file.
type SpectrumRecorder struct {
	mgr *Manager

	mu        sync.Mutex
	recording bool
	file      *os.File
	w         *bufio.Writer
	meta      SpectrumMeta
	interval  time.Duration
	lastWrite time.Time
	lastErr   error
}

func newSpectrumRecorder(m *Manager) *SpectrumRecorder {
	return &SpectrumRecorder{mgr: m, interval: 200 * time.Millisecond}
}

// Recording reports whether a capture is in flight.
func (r *SpectrumRecorder) Recording() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.recording
}

// Meta returns a copy of the active recording's metadata.
func (r *SpectrumRecorder) Meta() SpectrumMeta {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.meta
}

// Err returns the error that stopped the last recording, if any.
func (r *SpectrumRecorder) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastErr
}

// Start opens the output file.
func (r *SpectrumRecorder) Start(sampleRate, centerFreq float64, fftSize int, window string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.recording {
		return "", fmt.Errorf("spectrum recorder already running")
	}
	if err := r.mgr.headroom(); err != nil {
		return "", err
	}

	name := fmt.Sprintf("spectrum_%s_%.3fMHz.specrec", time.Now().Format("20060102_150405"), centerFreq/1e6)
	f, err := os.Create(filepath.Join(r.mgr.dir, name))
	if err != nil {
		return "", fmt.Errorf("create spectrum file: %w", err)
	}

	r.file = f
	r.w = bufio.NewWriterSize(f, 64*1024)
	r.meta = SpectrumMeta{
		Filename:   name,
		SampleRate: sampleRate,
		CenterFreq: centerFreq,
		FFTSize:    fftSize,
		Window:     window,
		StartTime:  float64(time.Now().UnixNano()) / 1e9,
	}
	r.lastWrite = time.Time{}
	r.lastErr = nil
	r.recording = true
	log.Info("spectrum recording started", "file", name)
	return name, nil
}

// Capture appends one frame if the throttle interval has elapsed. Called from
// the DSP worker; the buffered writer keeps the cost per call small.
func (r *SpectrumRecorder) Capture(bins []float32, timestamp, centerFreq, sampleRate float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.recording {
		return
	}
	now := time.Now()
	if now.Sub(r.lastWrite) < r.interval {
		return
	}
	r.lastWrite = now

	recordLen := 4 + 8 + 8 + 8 + 4*len(bins) // everything after the length field
	if err := r.mgr.account(int64(4 + recordLen)); err != nil {
		r.lastErr = err
		r.recording = false
		log.Warn("storage budget reached, spectrum recording stops")
		return
	}

	buf := make([]byte, 4+recordLen)
	binary.LittleEndian.PutUint32(buf[0:], uint32(recordLen))
	binary.LittleEndian.PutUint32(buf[4:], uint32(len(bins)))
	binary.LittleEndian.PutUint64(buf[8:], math.Float64bits(timestamp))
	binary.LittleEndian.PutUint64(buf[16:], math.Float64bits(centerFreq))
	binary.LittleEndian.PutUint64(buf[24:], math.Float64bits(sampleRate))
	off := 32
	for _, v := range bins {
		binary.LittleEndian.PutUint32(buf[off:], math.Float32bits(v))
		off += 4
	}

	if _, err := r.w.Write(buf); err != nil {
		r.lastErr = err
		r.recording = false
		log.Error("spectrum write failed", "err", err)
		return
	}
	r.meta.TotalFrames++
	r.meta.NumBins = len(bins)
}

// Stop finalizes the file and sidecar.
func (r *SpectrumRecorder) Stop() (SpectrumMeta, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file == nil {
		return SpectrumMeta{}, ErrNotRecording
	}
	r.recording = false
	r.w.Flush()
	r.file.Close()
	r.file = nil

	r.meta.EndTime = float64(time.Now().UnixNano()) / 1e9
	if err := writeSidecar(filepath.Join(r.mgr.dir, r.meta.Filename), r.meta); err != nil {
		log.Error("spectrum sidecar write failed", "err", err)
	}
	log.Info("spectrum recording stopped", "file", r.meta.Filename, "frames", r.meta.TotalFrames)
	return r.meta, r.lastErr
}

// SpectrumRecord is one decoded frame from a spectrum recording.
type SpectrumRecord struct {
	Timestamp  float64
	CenterFreq float64
	SampleRate float64
	Bins       []float32
}

// ReadSpectrumRecords decodes a spectrum recording, mostly for tooling and
// tests.
func ReadSpectrumRecords(path string) ([]SpectrumRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var out []SpectrumRecord
	off := 0
	for off+4 <= len(data) {
		recordLen := int(binary.LittleEndian.Uint32(data[off:]))
		off += 4
		if off+recordLen > len(data) || recordLen < 28 {
			return out, fmt.Errorf("truncated spectrum record at offset %d", off)
		}
		rec := data[off : off+recordLen]
		off += recordLen

		numBins := int(binary.LittleEndian.Uint32(rec[0:]))
		if 28+4*numBins != recordLen {
			return out, fmt.Errorf("spectrum record bin count mismatch")
		}
		sr := SpectrumRecord{
			Timestamp:  math.Float64frombits(binary.LittleEndian.Uint64(rec[4:])),
			CenterFreq: math.Float64frombits(binary.LittleEndian.Uint64(rec[12:])),
			SampleRate: math.Float64frombits(binary.LittleEndian.Uint64(rec[20:])),
			Bins:       make([]float32, numBins),
		}
		for i := 0; i < numBins; i++ {
			sr.Bins[i] = math.Float32frombits(binary.LittleEndian.Uint32(rec[28+4*i:]))
		}
		out = append(out, sr)
	}
	return out, nil
}
