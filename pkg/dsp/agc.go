package dsp

import (
	"sync"
	"time"
)

// AGC nudges hardware gain in discrete steps so the peak level sits near a
// target dBFS. No adjustment inside the hysteresis band, at most one
// adjustment per interval.
type AGC struct {
	mu         sync.Mutex
	enabled    bool
	target     float64 // dBFS
	hysteresis float64 // full dead-band width, dB
	step       float64 // dB per adjustment
	interval   time.Duration
	gainMin    float64
	gainMax    float64
	lastAdjust time.Time
}

// NewAGC returns an AGC with the stock tuning: -20 dBFS target, +/-6 dB
// hysteresis band, 3 dB steps, at most one adjustment per second.
func NewAGC(gainMin, gainMax float64) *AGC {
	return &AGC{
		target:     -20.0,
		hysteresis: 12.0,
		step:       3.0,
		interval:   time.Second,
		gainMin:    gainMin,
		gainMax:    gainMax,
	}
}

// SetEnabled turns the loop on or off.
func (a *AGC) SetEnabled(on bool) {
	a.mu.Lock()
	a.enabled = on
	a.mu.Unlock()
}

// Enabled reports whether the loop is active.
func (a *AGC) Enabled() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.enabled
}

// Update evaluates the latest peak reading against the current gain and
// returns (newGain, true) when an adjustment should be dispatched. The caller
// routes the change through the coordinator; the AGC never touches the device.
func (a *AGC) Update(peakDBFS, currentGain float64, now time.Time) (float64, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.enabled {
		return 0, false
	}
	if now.Sub(a.lastAdjust) < a.interval {
		return 0, false
	}

	halfBand := a.hysteresis / 2
	err := peakDBFS - a.target

	var next float64
	switch {
	case err > halfBand:
		next = currentGain - a.step
	case err < -halfBand:
		next = currentGain + a.step
	default:
		return 0, false
	}

	if next < a.gainMin {
		next = a.gainMin
	}
	if next > a.gainMax {
		next = a.gainMax
	}
	if next == currentGain {
		return 0, false
	}

	a.lastAdjust = now
	return next, true
}
