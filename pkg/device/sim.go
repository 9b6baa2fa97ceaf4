package device

import (
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/specd/pkg/bridge"
)

// Emitter is one synthetic transmission the simulator keeps on the air at an
// absolute frequency, independent of tuning. Sweeps and the detector see it
// wherever it falls inside the captured span.
type Emitter struct {
	Freq      float64 // Hz, absolute
	Amplitude float64 // linear, 1.0 = full scale
}

// Sim is a simulated SDR front end. It synthesizes a noise floor plus a set
// of emitters into a pre-allocated ring and pushes frame-sized blocks into
// the bound bridge at the configured sample rate.
type Sim struct {
	mu        sync.Mutex
	params    Params
	limits    Limits
	blockSize int
	out       *bridge.Bridge
	emitters  []Emitter

	running  bool
	failNext bool // test hook: next Start reports ErrUnavailable
	stop     chan struct{}
	done     chan struct{}

	ring    []complex128
	ringPos int
	phases  []float64

	seq       uint64
	blocks    uint64
	lastError string

	// Realtime pacing can be disabled so tests run at full speed.
	Throttle bool
	noiseAmp float64
	rng      *rand.Rand
}

// NewSim builds a simulator with BladeRF-like limits and a default set of
// emitters across the FM band and 433/915 MHz ISM bands.
func NewSim() *Sim {
	return &Sim{
		params: Params{
			SampleRate: 2e6,
			CenterFreq: 100e6,
			Bandwidth:  2e6,
			Gain:       40,
		},
		limits: Limits{
			MinFreq:       47e6,
			MaxFreq:       6e9,
			MinGain:       0,
			MaxGain:       60,
			MinSampleRate: 1e6,
			MaxSampleRate: 61.44e6,
		},
		blockSize: 2048,
		emitters: []Emitter{
			{Freq: 99.7e6, Amplitude: 0.25},
			{Freq: 100.3e6, Amplitude: 0.125},
			{Freq: 433.92e6, Amplitude: 0.2},
			{Freq: 915.0e6, Amplitude: 0.15},
		},
		Throttle: true,
		noiseAmp: 1e-4,
		rng:      rand.New(rand.NewSource(0x5eed)),
	}
}

// SetEmitters replaces the on-air signal set.
func (s *Sim) SetEmitters(e []Emitter) {
	s.mu.Lock()
	s.emitters = append([]Emitter(nil), e...)
	s.mu.Unlock()
}

// FailNextStart makes the next Start fail with ErrUnavailable. Test hook for
// the device-loss path.
func (s *Sim) FailNextStart() {
	s.mu.Lock()
	s.failNext = true
	s.mu.Unlock()
}

func (s *Sim) Limits() Limits {
	return s.limits
}

// Configure applies the full tuning state. Fails with ErrBusy while running.
func (s *Sim) Configure(p Params) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return ErrBusy
	}
	if err := s.validate(p); err != nil {
		return err
	}
	s.params = p
	s.allocRing()
	return nil
}

func (s *Sim) validate(p Params) error {
	if p.SampleRate < s.limits.MinSampleRate || p.SampleRate > s.limits.MaxSampleRate {
		return fmt.Errorf("%w: sample rate %.0f out of range", ErrInvalidParams, p.SampleRate)
	}
	if p.CenterFreq < s.limits.MinFreq || p.CenterFreq > s.limits.MaxFreq {
		return fmt.Errorf("%w: center frequency %.0f out of range", ErrInvalidParams, p.CenterFreq)
	}
	if p.Gain < s.limits.MinGain || p.Gain > s.limits.MaxGain {
		return fmt.Errorf("%w: gain %.1f out of range", ErrInvalidParams, p.Gain)
	}
	return nil
}

// SetBlockSize fixes the samples-per-block the producer emits. A running
// producer picks up the new size with its next block.
func (s *Sim) SetBlockSize(n int) {
	s.mu.Lock()
	if n > 0 {
		s.blockSize = n
		s.allocRing()
	}
	s.mu.Unlock()
}

// allocRing sizes the synthesis ring for one block plus headroom. Caller
// holds the lock.
func (s *Sim) allocRing() {
	want := s.blockSize * 4
	if len(s.ring) != want {
		s.ring = make([]complex128, want)
		s.ringPos = 0
	}
	if len(s.phases) != len(s.emitters) {
		s.phases = make([]float64, len(s.emitters))
	}
}

// SetFrequency retunes while streaming.
func (s *Sim) SetFrequency(hz float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if hz < s.limits.MinFreq || hz > s.limits.MaxFreq {
		return fmt.Errorf("%w: center frequency %.0f out of range", ErrInvalidParams, hz)
	}
	s.params.CenterFreq = hz
	return nil
}

// SetGain adjusts gain while streaming.
func (s *Sim) SetGain(db float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if db < s.limits.MinGain || db > s.limits.MaxGain {
		return fmt.Errorf("%w: gain %.1f out of range", ErrInvalidParams, db)
	}
	s.params.Gain = db
	return nil
}

// Rebind switches the output bridge. A running producer pushes its next block
// into out.
func (s *Sim) Rebind(out *bridge.Bridge) {
	s.mu.Lock()
	s.out = out
	s.mu.Unlock()
}

// Start launches the producer goroutine writing into out.
func (s *Sim) Start(out *bridge.Bridge) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrBusy
	}
	if s.failNext {
		s.failNext = false
		s.lastError = "simulated device loss"
		s.mu.Unlock()
		return fmt.Errorf("%w: simulated device loss", ErrUnavailable)
	}
	s.allocRing()
	s.out = out
	s.running = true
	s.blocks = 0
	s.lastError = ""
	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.produce()
	return nil
}

// Stop signals the producer and joins it. The handle is considered released
// once Stop returns.
func (s *Sim) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	stop := s.stop
	done := s.done
	s.mu.Unlock()

	close(stop)
	<-done
	return nil
}

func (s *Sim) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{
		Params:    s.params,
		Running:   s.running,
		Connected: true,
		Serial:    "sim-0",
		Blocks:    s.blocks,
		LastError: s.lastError,
	}
}

// produce is the device thread. Single cleanup path: on any exit the running
// flag drops and done is closed only after state is settled.
func (s *Sim) produce() {
	defer func() {
		s.mu.Lock()
		s.running = false
		done := s.done
		s.mu.Unlock()
		close(done)
		log.Debug("sim producer exited")
	}()

	for {
		s.mu.Lock()
		blockSize := s.blockSize
		rate := s.params.SampleRate
		throttle := s.Throttle
		s.mu.Unlock()

		interval := time.Duration(float64(blockSize) / rate * float64(time.Second))
		var tick *time.Ticker
		if throttle {
			tick = time.NewTicker(interval)
		}

		for {
			if throttle {
				select {
				case <-s.stop:
					tick.Stop()
					return
				case <-tick.C:
				}
			} else {
				select {
				case <-s.stop:
					return
				default:
				}
			}

			s.mu.Lock()
			if blockSize != s.blockSize || rate != s.params.SampleRate {
				// Geometry changed under us; rebuild pacing.
				s.mu.Unlock()
				break
			}
			blk := s.synthesize()
			out := s.out
			s.mu.Unlock()

			if out != nil {
				out.Push(blk)
			}
		}
		if tick != nil {
			tick.Stop()
		}
	}
}

// synthesize fills the next block window of the ring and copies it out.
// Caller holds the lock.
func (s *Sim) synthesize() bridge.Block {
	n := s.blockSize
	rate := s.params.SampleRate
	center := s.params.CenterFreq
	// Gain scales the synthetic signal the way an RF front end would.
	gainLin := math.Pow(10, (s.params.Gain-40)/20)

	if s.ringPos+n > len(s.ring) {
		s.ringPos = 0
	}
	window := s.ring[s.ringPos : s.ringPos+n]
	s.ringPos += n

	for i := range window {
		// Thermal floor. Dither keeps quantization spurs out of the FFT.
		re := s.noiseAmp * (s.rng.Float64() - 0.5)
		im := s.noiseAmp * (s.rng.Float64() - 0.5)
		window[i] = complex(re, im)
	}

	for e, em := range s.emitters {
		offset := em.Freq - center
		if math.Abs(offset) > rate/2 {
			continue
		}
		step := 2 * math.Pi * offset / rate
		phase := s.phases[e]
		amp := em.Amplitude * gainLin
		for i := range window {
			window[i] += complex(amp*math.Cos(phase), amp*math.Sin(phase))
			phase += step
			if phase > 2*math.Pi {
				phase -= 2 * math.Pi
			} else if phase < -2*math.Pi {
				phase += 2 * math.Pi
			}
		}
		s.phases[e] = phase
	}

	samples := make([]complex128, n)
	copy(samples, window)

	s.seq++
	s.blocks++
	return bridge.Block{
		Samples:    samples,
		CenterFreq: center,
		SampleRate: rate,
		Seq:        s.seq,
		Captured:   time.Now(),
	}
}
