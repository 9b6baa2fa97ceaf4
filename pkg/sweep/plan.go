// Package sweep tiles a frequency range with retune steps, captures and
// averages a spectrum per step, and stitches the steps into a panorama.
package sweep

import (
	"errors"
	"fmt"
	"math"
)

var ErrInvalidSweep = errors.New("invalid sweep config")

// Mode selects the sweep behavior: survey runs one pass and the session
// returns to its previous mode (live or idle), band monitor loops until
// stopped.
type Mode int

const (
	ModeSurvey Mode = iota
	ModeBandMonitor
)

func (m Mode) String() string {
	if m == ModeBandMonitor {
		return "band_monitor"
	}
	return "survey"
}

// ParseMode maps a command string to a Mode.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "survey", "":
		return ModeSurvey, nil
	case "band_monitor":
		return ModeBandMonitor, nil
	}
	return 0, fmt.Errorf("%w: unknown mode %q", ErrInvalidSweep, s)
}

// Step is one retune of the plan. FreqLo/FreqHi bound the usable portion of
// the capture, excluding filter roll-off.
type Step struct {
	Center float64
	FreqLo float64
	FreqHi float64
}

// Plan is the ordered step list tiling [FreqStart, FreqEnd].
type Plan struct {
	FreqStart      float64
	FreqEnd        float64
	SampleRate     float64
	UsableFraction float64
	UsableBW       float64
	FFTSize        int
	UsableBins     int // central ceil(fft_size * usable_fraction) bins kept per step
	TrimBins       int
	Steps          []Step
}

// ComputePlan tiles [freqStart, freqEnd]: the first step is centered at
// freqStart + usable_bw/2, steps advance by usable_bw, and the loop ends once
// center - usable_bw/2 reaches freqEnd.
func ComputePlan(freqStart, freqEnd, sampleRate, usableFraction float64, fftSize int) (*Plan, error) {
	if freqStart >= freqEnd {
		return nil, fmt.Errorf("%w: freq_start %.0f must be below freq_end %.0f", ErrInvalidSweep, freqStart, freqEnd)
	}
	if sampleRate <= 0 {
		return nil, fmt.Errorf("%w: sample rate must be positive", ErrInvalidSweep)
	}
	if usableFraction <= 0 || usableFraction > 1 {
		return nil, fmt.Errorf("%w: usable_fraction %.3f out of (0, 1]", ErrInvalidSweep, usableFraction)
	}
	if fftSize < 256 || fftSize&(fftSize-1) != 0 {
		return nil, fmt.Errorf("%w: fft_size %d must be a power of two >= 256", ErrInvalidSweep, fftSize)
	}

	usableBW := sampleRate * usableFraction
	usableBins := int(math.Ceil(float64(fftSize) * usableFraction))
	if usableBins > fftSize {
		usableBins = fftSize
	}

	p := &Plan{
		FreqStart:      freqStart,
		FreqEnd:        freqEnd,
		SampleRate:     sampleRate,
		UsableFraction: usableFraction,
		UsableBW:       usableBW,
		FFTSize:        fftSize,
		UsableBins:     usableBins,
		TrimBins:       (fftSize - usableBins) / 2,
	}

	center := freqStart + usableBW/2
	for center-usableBW/2 < freqEnd {
		p.Steps = append(p.Steps, Step{
			Center: center,
			FreqLo: center - usableBW/2,
			FreqHi: center + usableBW/2,
		})
		center += usableBW
	}
	if len(p.Steps) == 0 {
		return nil, fmt.Errorf("%w: empty plan", ErrInvalidSweep)
	}
	return p, nil
}

// BinWidth is the nominal panorama bin width in Hz.
func (p *Plan) BinWidth() float64 {
	return p.UsableBW / float64(p.UsableBins)
}
