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

// IQMeta is the sidecar record for an IQ recording.
type IQMeta struct {
	Filename        string  `json:"filename"`
	Format          string  `json:"format"` // "complex64" interleaved LE
	SampleRate      float64 `json:"sample_rate"`
	CenterFreq      float64 `json:"center_freq"`
	Bandwidth       float64 `json:"bandwidth"`
	Gain            float64 `json:"gain"`
	FFTSize         int     `json:"fft_size"`
	StartTime       float64 `json:"start_time"`
	EndTime         float64 `json:"end_time"`
	TotalSamples    int64   `json:"total_samples"`
	TotalBytes      int64   `json:"total_bytes"`
	DurationSeconds float64 `json:"duration_seconds"`
}

const iqBytesPerSample = 8 // float32 I + float32 Q

// IQRecorder appends raw interleaved complex float32 to disk on its own
// writer goroutine. Put never blocks the DSP worker: blocks are dropped when
// the writer falls behind.
type IQRecorder struct {
	mgr *Manager

	// mu guards the flags and metadata: the coordinator drives the state
	// machine, the writer goroutine updates counters, the DSP worker polls
	// Recording.
	mu        sync.Mutex
	recording bool
	open      bool
	file      *os.File
	w         *bufio.Writer
	meta      IQMeta
	queue     chan []complex128
	done      chan struct{}
	lastErr   error
}

func newIQRecorder(m *Manager) *IQRecorder {
	return &IQRecorder{mgr: m}
}

// Recording reports whether a capture is in flight.
func (r *IQRecorder) Recording() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.recording
}

// Meta returns a copy of the active recording's metadata.
func (r *IQRecorder) Meta() IQMeta {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.meta
}

// Err returns the error that stopped the last recording, if any.
func (r *IQRecorder) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastErr
}

// Start opens the output file and launches the writer. Returns the recording
// filename.
func (r *IQRecorder) Start(sampleRate, centerFreq, bandwidth, gain float64, fftSize int) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.open {
		return "", fmt.Errorf("iq recorder already running")
	}
	if err := r.mgr.headroom(); err != nil {
		return "", err
	}

	name := fmt.Sprintf("iq_%s_%.3fMHz.raw", time.Now().Format("20060102_150405"), centerFreq/1e6)
	f, err := os.Create(filepath.Join(r.mgr.dir, name))
	if err != nil {
		return "", fmt.Errorf("create iq file: %w", err)
	}

	r.file = f
	r.w = bufio.NewWriterSize(f, 512*1024)
	r.meta = IQMeta{
		Filename:   name,
		Format:     "complex64",
		SampleRate: sampleRate,
		CenterFreq: centerFreq,
		Bandwidth:  bandwidth,
		Gain:       gain,
		FFTSize:    fftSize,
		StartTime:  float64(time.Now().UnixNano()) / 1e9,
	}
	r.queue = make(chan []complex128, 64)
	r.done = make(chan struct{})
	r.lastErr = nil
	r.recording = true
	r.open = true

	go r.writeLoop(r.queue, r.done)
	log.Info("iq recording started", "file", name, "rate", sampleRate)
	return name, nil
}

// Put submits samples for recording. Non-blocking; called from the DSP
// worker.
func (r *IQRecorder) Put(samples []complex128) {
	r.mu.Lock()
	if !r.recording {
		r.mu.Unlock()
		return
	}
	queue := r.queue
	r.mu.Unlock()

	select {
	case queue <- samples:
	default:
		// Writer behind: drop rather than stall the DSP thread.
	}
}

// Stop drains the queue, finalizes the sidecar and returns the metadata.
// Also the cleanup path after the writer stopped itself on an error or an
// exhausted budget.
func (r *IQRecorder) Stop() (IQMeta, error) {
	r.mu.Lock()
	if !r.open {
		r.mu.Unlock()
		return IQMeta{}, ErrNotRecording
	}
	r.recording = false
	r.open = false
	queue := r.queue
	done := r.done
	r.mu.Unlock()

	close(queue)
	<-done

	r.mu.Lock()
	defer r.mu.Unlock()
	r.w.Flush()
	r.file.Close()

	r.meta.EndTime = float64(time.Now().UnixNano()) / 1e9
	r.meta.DurationSeconds = r.meta.EndTime - r.meta.StartTime
	if err := writeSidecar(filepath.Join(r.mgr.dir, r.meta.Filename), r.meta); err != nil {
		log.Error("iq sidecar write failed", "err", err)
	}
	log.Info("iq recording stopped", "file", r.meta.Filename,
		"samples", r.meta.TotalSamples, "bytes", r.meta.TotalBytes)
	return r.meta, r.lastErr
}

func (r *IQRecorder) writeLoop(queue chan []complex128, done chan struct{}) {
	defer close(done)

	buf := make([]byte, 0, 64*1024)
	fail := func(err error, msg string) {
		r.mu.Lock()
		r.lastErr = err
		r.recording = false
		r.mu.Unlock()
		log.Warn(msg, "err", err)
		// Drain the remainder so Stop does not block.
		for range queue {
		}
	}

	for samples := range queue {
		n := int64(len(samples) * iqBytesPerSample)
		if err := r.mgr.account(n); err != nil {
			fail(err, "storage budget reached, iq recording stops")
			return
		}

		if cap(buf) < int(n) {
			buf = make([]byte, 0, n)
		}
		buf = buf[:n]
		for i, s := range samples {
			binary.LittleEndian.PutUint32(buf[i*8:], math.Float32bits(float32(real(s))))
			binary.LittleEndian.PutUint32(buf[i*8+4:], math.Float32bits(float32(imag(s))))
		}
		if _, err := r.w.Write(buf); err != nil {
			fail(err, "iq write failed")
			return
		}
		r.mu.Lock()
		r.meta.TotalSamples += int64(len(samples))
		r.meta.TotalBytes += n
		r.mu.Unlock()
	}
}
