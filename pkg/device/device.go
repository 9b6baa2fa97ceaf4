// Package device abstracts the SDR front end. The server talks to a Source;
// the simulated source stands in for real hardware and is what the tests and
// the server run against.
package device

import (
	"errors"

	"github.com/specd/pkg/bridge"
)

var (
	// ErrUnavailable means the hardware probe or open failed, or the device
	// disappeared mid-stream. Terminal for the current mode.
	ErrUnavailable = errors.New("device unavailable")
	// ErrBusy means the operation is forbidden while the source is running.
	ErrBusy = errors.New("device busy")
	// ErrInvalidParams rejects out-of-range tuning requests.
	ErrInvalidParams = errors.New("invalid device parameters")
)

// Params is the full tuning state pushed to the device.
type Params struct {
	SampleRate float64 // Hz
	CenterFreq float64 // Hz
	Gain       float64 // dB
	Bandwidth  float64 // Hz
}

// Limits describe what the front end can do.
type Limits struct {
	MinFreq       float64
	MaxFreq       float64
	MinGain       float64
	MaxGain       float64
	MinSampleRate float64
	MaxSampleRate float64
}

// Status is a read-only snapshot of the source.
type Status struct {
	Params
	Running   bool
	Connected bool
	Serial    string
	Blocks    uint64 // blocks produced since Start
	LastError string
}

// Source produces sample blocks of at least one FFT frame into a bridge.
//
// Configure fails with ErrBusy while running; SetFrequency and SetGain are
// safe while streaming (retunes). Stop signals the producer, joins it, and
// releases the handle before returning.
type Source interface {
	Configure(p Params) error
	Start(out *bridge.Bridge) error
	Stop() error
	SetFrequency(hz float64) error
	SetGain(db float64) error
	Rebind(out *bridge.Bridge)
	SetBlockSize(samples int)
	Status() Status
	Limits() Limits
}
