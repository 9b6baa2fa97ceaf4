package dsp

import "errors"

// ErrInvalidConfig marks a pipeline configuration the DSP cannot run
// (non-power-of-two FFT size, unknown window, alpha out of range).
var ErrInvalidConfig = errors.New("invalid dsp config")
