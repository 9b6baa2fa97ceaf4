package sweep

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"

	"github.com/specd/pkg/bridge"
	"github.com/specd/pkg/dsp"
)

// Engine states.
const (
	StateIdle int32 = iota
	StatePreparing
	StateRunning
	StateDraining
	StateComplete
	StateAborted
)

// StateName maps an engine state to its status string.
func StateName(s int32) string {
	switch s {
	case StatePreparing:
		return "preparing"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateComplete:
		return "complete"
	case StateAborted:
		return "aborted"
	default:
		return "idle"
	}
}

// Config parameterizes one sweep.
type Config struct {
	Mode           Mode
	FreqStart      float64
	FreqEnd        float64
	SampleRate     float64
	UsableFraction float64 // 0 means the 0.8 default
	FFTSize        int
	Averages       int // blocks averaged per step
	SettleBlocks   int // blocks discarded after each retune
	DisplayBins    int // panorama downsample target, 0 = full resolution
}

// Normalize fills defaults and validates.
func (c *Config) Normalize() error {
	if c.UsableFraction == 0 {
		c.UsableFraction = 0.8
	}
	if c.FFTSize == 0 {
		c.FFTSize = 2048
	}
	if c.Averages <= 0 {
		c.Averages = 4
	}
	if c.SettleBlocks < 0 {
		return fmt.Errorf("%w: settle blocks must be >= 0", ErrInvalidSweep)
	}
	if c.SettleBlocks == 0 {
		c.SettleBlocks = 2
	}
	_, err := ComputePlan(c.FreqStart, c.FreqEnd, c.SampleRate, c.UsableFraction, c.FFTSize)
	return err
}

// Segment is one step's averaged spectrum, ready for the wire.
type Segment struct {
	SweepID    uint32
	Index      int
	Total      int
	FreqLo     float64
	FreqHi     float64
	SweepStart float64
	SweepEnd   float64
	Bins       []float32 // dBFS, usable bins only
}

// Result is a completed panorama.
type Result struct {
	SweepID    uint32
	Mode       Mode
	FreqStart  float64
	FreqEnd    float64
	Bins       []float32 // dBFS with unscanned sentinel
	DurationMS float32
}

// Tuner is the slice of the device the engine is allowed to touch while the
// coordinator holds the mode lock: retunes only.
type Tuner interface {
	SetFrequency(hz float64) error
}

// Engine executes one sweep config against a dedicated bridge. The
// coordinator owns mode transitions and bridge swapping; the engine only
// consumes blocks, retunes, and emits.
type Engine struct {
	cfg    Config
	plan   *Plan
	br     *bridge.Bridge
	tuner  Tuner
	window []float64
	norm   float64

	sweepID    atomic.Uint32
	state      atomic.Int32
	curStep    atomic.Int32
	passes     atomic.Uint32
	stopFlag   atomic.Bool
	done       chan struct{}
	onSegment  func(Segment)
	onPanorama func(Result)
}

// NewEngine plans the sweep. cfg must be normalized.
func NewEngine(cfg Config, br *bridge.Bridge, tuner Tuner, firstSweepID uint32,
	onSegment func(Segment), onPanorama func(Result)) (*Engine, error) {

	plan, err := ComputePlan(cfg.FreqStart, cfg.FreqEnd, cfg.SampleRate, cfg.UsableFraction, cfg.FFTSize)
	if err != nil {
		return nil, err
	}
	window := dsp.MakeWindow(dsp.WindowBlackmanHarris, cfg.FFTSize)
	e := &Engine{
		cfg:        cfg,
		plan:       plan,
		br:         br,
		tuner:      tuner,
		window:     window,
		norm:       dsp.Norm(window),
		done:       make(chan struct{}),
		onSegment:  onSegment,
		onPanorama: onPanorama,
	}
	e.sweepID.Store(firstSweepID)
	e.state.Store(StatePreparing)
	return e, nil
}

// Plan exposes the computed step list.
func (e *Engine) Plan() *Plan { return e.plan }

// State returns the engine state for status snapshots.
func (e *Engine) State() int32 { return e.state.Load() }

// Progress returns (current step, total steps, completed passes).
func (e *Engine) Progress() (int, int, int) {
	return int(e.curStep.Load()), len(e.plan.Steps), int(e.passes.Load())
}

// SweepID returns the id of the pass in flight.
func (e *Engine) SweepID() uint32 { return e.sweepID.Load() }

// RequestStop asks the engine to drain. The bridge poison makes any blocked
// read return immediately.
func (e *Engine) RequestStop() {
	e.stopFlag.Store(true)
	e.state.CompareAndSwap(StateRunning, StateDraining)
	e.br.Poison()
}

// Done closes when the engine goroutine has exited.
func (e *Engine) Done() <-chan struct{} { return e.done }

// Run is the engine goroutine body. Retune, settle, capture, average, emit —
// once per step; then the stitched panorama. Survey mode is a single pass.
func (e *Engine) Run() {
	defer close(e.done)

	e.state.Store(StateRunning)
	stitcher := NewStitcher(e.plan)
	stitcher.SetNorm(e.norm)

	for {
		if aborted := e.runPass(stitcher); aborted {
			e.state.Store(StateAborted)
			return
		}
		e.passes.Add(1)
		if e.cfg.Mode == ModeSurvey || e.stopFlag.Load() {
			break
		}
		e.sweepID.Add(1)
		stitcher.Reset()
	}
	e.state.Store(StateComplete)
}

func (e *Engine) runPass(stitcher *Stitcher) (aborted bool) {
	id := e.sweepID.Load()
	total := len(e.plan.Steps)
	passStart := time.Now()

	for idx, step := range e.plan.Steps {
		if e.stopFlag.Load() {
			return true
		}
		e.curStep.Store(int32(idx))

		if err := e.tuner.SetFrequency(step.Center); err != nil {
			log.Error("sweep retune failed", "step", idx, "freq", step.Center, "err", err)
			return true
		}

		// Discard post-retune blocks while the PLL settles.
		for i := 0; i < e.cfg.SettleBlocks; i++ {
			if _, ok := e.br.Pop(2 * time.Second); !ok {
				if e.stopFlag.Load() || e.br.Poisoned() {
					return true
				}
			}
		}

		linear, ok := e.captureStep(idx)
		if !ok {
			return true
		}

		usable := linear[e.plan.TrimBins : e.plan.TrimBins+e.plan.UsableBins]
		stitcher.AddSegment(idx, usable)

		if e.onSegment != nil {
			e.onSegment(Segment{
				SweepID:    id,
				Index:      idx,
				Total:      total,
				FreqLo:     step.FreqLo,
				FreqHi:     step.FreqHi,
				SweepStart: e.plan.FreqStart,
				SweepEnd:   e.plan.FreqEnd,
				Bins:       dsp.LinearToDBFS(usable, e.norm),
			})
		}
	}

	if e.onPanorama != nil {
		e.onPanorama(Result{
			SweepID:    id,
			Mode:       e.cfg.Mode,
			FreqStart:  e.plan.FreqStart,
			FreqEnd:    e.plan.FreqEnd,
			Bins:       stitcher.PanoramaDBFS(e.cfg.DisplayBins),
			DurationMS: float32(time.Since(passStart).Seconds() * 1000),
		})
	}
	log.Info("sweep pass complete", "sweep_id", id, "steps", total,
		"ms", time.Since(passStart).Milliseconds())
	return false
}

// captureStep averages e.cfg.Averages blocks in linear power at the current
// tuning. Returns ok=false on stop or bridge starvation.
func (e *Engine) captureStep(idx int) ([]float64, bool) {
	var acc []float64
	captured := 0
	misses := 0

	for captured < e.cfg.Averages {
		if e.stopFlag.Load() {
			return nil, false
		}
		blk, ok := e.br.Pop(2 * time.Second)
		if !ok {
			if e.br.Poisoned() {
				return nil, false
			}
			misses++
			if misses > 3 {
				log.Warn("sweep starved waiting for samples", "step", idx)
				return nil, false
			}
			continue
		}
		if len(blk.Samples) < e.cfg.FFTSize {
			continue
		}

		linear := dsp.PowerSpectrum(blk.Samples[:e.cfg.FFTSize], e.window)
		if acc == nil {
			acc = linear
		} else {
			for i, v := range linear {
				acc[i] += v
			}
		}
		captured++
	}

	inv := 1 / float64(captured)
	for i := range acc {
		acc[i] *= inv
	}
	return acc, true
}
