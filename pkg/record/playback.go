package record

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/specd/pkg/bridge"
)

// ErrNotPlaying rejects playback commands with nothing loaded.
var ErrNotPlaying = errors.New("no playback in progress")

// Playback speed bounds.
const (
	MinSpeed = 0.25
	MaxSpeed = 4.0
)

// PlaybackState is a status snapshot of the replay.
type PlaybackState struct {
	Playing         bool    `json:"playing"`
	Paused          bool    `json:"paused"`
	Filename        string  `json:"filename"`
	PositionSamples int64   `json:"position_samples"`
	TotalSamples    int64   `json:"total_samples"`
	PositionSeconds float64 `json:"position_seconds"`
	DurationSeconds float64 `json:"duration_seconds"`
	Speed           float64 `json:"speed"`
	Loop            bool    `json:"loop"`
	SampleRate      float64 `json:"sample_rate"`
	CenterFreq      float64 `json:"center_freq"`
}

// Playback replays a raw IQ recording into a bridge, standing in for the
// device source. The file handle and the logical sample index are guarded by
// one lock shared between the read loop and seek commands.
type Playback struct {
	mu   sync.Mutex
	file *os.File
	meta IQMeta

	blockSize int
	pos       int64 // samples
	total     int64 // samples
	speed     float64
	loop      bool
	paused    bool
	playing   bool

	out  *bridge.Bridge
	stop chan struct{}
	done chan struct{}

	// Realtime pacing can be disabled so tests run at full speed.
	Throttle bool
}

// NewPlayback prepares an idle player.
func NewPlayback() *Playback {
	return &Playback{speed: 1.0, Throttle: true}
}

// Start opens the recording and launches the read loop feeding out.
func (p *Playback) Start(dir, filename string, out *bridge.Bridge, blockSize int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.playing {
		return fmt.Errorf("playback already running")
	}

	metaRaw, err := os.ReadFile(filepath.Join(dir, filename+metaSuffix))
	if err != nil {
		return fmt.Errorf("read playback sidecar: %w", err)
	}
	var meta IQMeta
	if err := json.Unmarshal(metaRaw, &meta); err != nil {
		return fmt.Errorf("parse playback sidecar: %w", err)
	}

	f, err := os.Open(filepath.Join(dir, filename))
	if err != nil {
		return fmt.Errorf("open recording: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return err
	}

	if blockSize <= 0 {
		blockSize = 2048
	}
	p.file = f
	p.meta = meta
	p.blockSize = blockSize
	p.pos = 0
	p.total = info.Size() / iqBytesPerSample
	p.paused = false
	p.playing = true
	p.out = out
	p.stop = make(chan struct{})
	p.done = make(chan struct{})

	go p.readLoop()
	log.Info("playback started", "file", filename, "samples", p.total, "rate", meta.SampleRate)
	return nil
}

// Stop ends playback and closes the file.
func (p *Playback) Stop() error {
	p.mu.Lock()
	if !p.playing {
		p.mu.Unlock()
		return ErrNotPlaying
	}
	stop := p.stop
	done := p.done
	p.mu.Unlock()

	close(stop)
	<-done
	return nil
}

// Pause freezes the read loop in place.
func (p *Playback) Pause() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.playing {
		return ErrNotPlaying
	}
	p.paused = true
	return nil
}

// Resume continues after a pause.
func (p *Playback) Resume() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.playing {
		return ErrNotPlaying
	}
	p.paused = false
	return nil
}

// SetSpeed adjusts the rate factor, clamped to 0.25x..4x.
func (p *Playback) SetSpeed(speed float64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if speed < MinSpeed {
		speed = MinSpeed
	}
	if speed > MaxSpeed {
		speed = MaxSpeed
	}
	p.speed = speed
	return nil
}

// SetLoop toggles wrap-around at end of file.
func (p *Playback) SetLoop(loop bool) {
	p.mu.Lock()
	p.loop = loop
	p.mu.Unlock()
}

// Seek repositions to a fraction of the recording. Takes the shared lock,
// moves the file offset and the logical index together.
func (p *Playback) Seek(fraction float64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.playing {
		return ErrNotPlaying
	}
	if fraction < 0 {
		fraction = 0
	}
	if fraction > 1 {
		fraction = 1
	}
	sample := int64(float64(p.total) * fraction)
	sample -= sample % int64(p.blockSize)
	if _, err := p.file.Seek(sample*iqBytesPerSample, io.SeekStart); err != nil {
		return err
	}
	p.pos = sample
	return nil
}

// Done closes when the read loop has exited, whether stopped or finished.
func (p *Playback) Done() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.done
}

// State returns a status snapshot.
func (p *Playback) State() PlaybackState {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := PlaybackState{
		Playing:         p.playing,
		Paused:          p.paused,
		Filename:        p.meta.Filename,
		PositionSamples: p.pos,
		TotalSamples:    p.total,
		Speed:           p.speed,
		Loop:            p.loop,
		SampleRate:      p.meta.SampleRate,
		CenterFreq:      p.meta.CenterFreq,
	}
	if p.meta.SampleRate > 0 {
		st.PositionSeconds = float64(p.pos) / p.meta.SampleRate
		st.DurationSeconds = float64(p.total) / p.meta.SampleRate
	}
	return st
}

func (p *Playback) readLoop() {
	defer func() {
		p.mu.Lock()
		p.playing = false
		if p.file != nil {
			p.file.Close()
			p.file = nil
		}
		done := p.done
		p.mu.Unlock()
		close(done)
		log.Debug("playback loop exited")
	}()

	raw := make([]byte, p.blockSize*iqBytesPerSample)
	seq := uint64(0)

	for {
		select {
		case <-p.stop:
			return
		default:
		}

		p.mu.Lock()
		if p.paused {
			p.mu.Unlock()
			time.Sleep(20 * time.Millisecond)
			continue
		}

		n, err := io.ReadFull(p.file, raw)
		if err != nil {
			// End of recording: wrap or finish.
			if p.loop {
				p.file.Seek(0, io.SeekStart)
				p.pos = 0
				p.mu.Unlock()
				continue
			}
			p.mu.Unlock()
			return
		}

		samples := make([]complex128, p.blockSize)
		for i := 0; i < p.blockSize; i++ {
			re := math.Float32frombits(uint32(raw[i*8]) | uint32(raw[i*8+1])<<8 | uint32(raw[i*8+2])<<16 | uint32(raw[i*8+3])<<24)
			im := math.Float32frombits(uint32(raw[i*8+4]) | uint32(raw[i*8+5])<<8 | uint32(raw[i*8+6])<<16 | uint32(raw[i*8+7])<<24)
			samples[i] = complex(float64(re), float64(im))
		}
		p.pos += int64(n / iqBytesPerSample)

		rate := p.meta.SampleRate
		speed := p.speed
		center := p.meta.CenterFreq
		out := p.out
		throttle := p.Throttle
		p.mu.Unlock()

		seq++
		if out != nil {
			out.Push(bridge.Block{
				Samples:    samples,
				CenterFreq: center,
				SampleRate: rate,
				Seq:        seq,
				Captured:   time.Now(),
			})
		}

		if throttle && rate > 0 {
			time.Sleep(time.Duration(float64(p.blockSize) / (rate * speed) * float64(time.Second)))
		}
	}
}
