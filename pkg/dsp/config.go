package dsp

import (
	"fmt"
)

// WindowKind selects the taper applied before the FFT.
type WindowKind int

const (
	WindowRectangular WindowKind = iota
	WindowHanning
	WindowBlackman
	WindowBlackmanHarris
	WindowFlatTop
	WindowKaiser6
	WindowKaiser10
	WindowKaiser14
)

var windowNames = map[WindowKind]string{
	WindowRectangular:    "rectangular",
	WindowHanning:        "hanning",
	WindowBlackman:       "blackman",
	WindowBlackmanHarris: "blackman_harris",
	WindowFlatTop:        "flat_top",
	WindowKaiser6:        "kaiser_6",
	WindowKaiser10:       "kaiser_10",
	WindowKaiser14:       "kaiser_14",
}

func (w WindowKind) String() string {
	if s, ok := windowNames[w]; ok {
		return s
	}
	return fmt.Sprintf("window(%d)", int(w))
}

// ParseWindow maps a free-form command string to a WindowKind.
func ParseWindow(name string) (WindowKind, error) {
	for k, s := range windowNames {
		if s == name {
			return k, nil
		}
	}
	return 0, fmt.Errorf("%w: unknown window %q", ErrInvalidConfig, name)
}

// AveragingMode selects how consecutive spectra are combined. All averaging
// happens in linear power.
type AveragingMode int

const (
	AvgNone AveragingMode = iota
	AvgLinear
	AvgExponential
)

var avgNames = map[AveragingMode]string{
	AvgNone:        "none",
	AvgLinear:      "linear",
	AvgExponential: "exponential",
}

func (m AveragingMode) String() string {
	if s, ok := avgNames[m]; ok {
		return s
	}
	return fmt.Sprintf("averaging(%d)", int(m))
}

// ParseAveraging maps a free-form command string to an AveragingMode.
func ParseAveraging(name string) (AveragingMode, error) {
	for k, s := range avgNames {
		if s == name {
			return k, nil
		}
	}
	return 0, fmt.Errorf("%w: unknown averaging mode %q", ErrInvalidConfig, name)
}

// Config is an immutable snapshot of the pipeline setup. Size-changing fields
// (FFTSize, OutputBins, OverlapFraction) discard accumulated pipeline state
// when applied.
type Config struct {
	FFTSize         int
	Window          WindowKind
	OverlapFraction float64 // 0 or 0.5
	Averaging       AveragingMode
	AvgCount        int     // linear mode: frames per average
	AvgAlpha        float64 // exponential mode: (0, 1]
	DCRemoval       bool
	PeakHold        bool
	PeakHoldDecay   float64 // dB per frame, 0 = infinite hold
	OutputBins      int     // 0 means FFTSize
}

// DefaultConfig mirrors the server defaults.
func DefaultConfig() Config {
	return Config{
		FFTSize:    2048,
		Window:     WindowBlackmanHarris,
		Averaging:  AvgExponential,
		AvgCount:   8,
		AvgAlpha:   0.3,
		DCRemoval:  true,
		OutputBins: 2048,
	}
}

// Bins returns the number of output bins after downsampling.
func (c Config) Bins() int {
	if c.OutputBins > 0 {
		return c.OutputBins
	}
	return c.FFTSize
}

// Validate rejects configurations the pipeline cannot run.
func (c Config) Validate() error {
	if c.FFTSize < 256 || c.FFTSize > 8192 || c.FFTSize&(c.FFTSize-1) != 0 {
		return fmt.Errorf("%w: fft_size %d must be a power of two in 256..8192", ErrInvalidConfig, c.FFTSize)
	}
	if _, ok := windowNames[c.Window]; !ok {
		return fmt.Errorf("%w: unknown window kind %d", ErrInvalidConfig, int(c.Window))
	}
	if c.OverlapFraction != 0 && c.OverlapFraction != 0.5 {
		return fmt.Errorf("%w: overlap_fraction must be 0 or 0.5", ErrInvalidConfig)
	}
	switch c.Averaging {
	case AvgLinear:
		if c.AvgCount < 1 {
			return fmt.Errorf("%w: averaging count %d must be >= 1", ErrInvalidConfig, c.AvgCount)
		}
	case AvgExponential:
		if c.AvgAlpha <= 0 || c.AvgAlpha > 1 {
			return fmt.Errorf("%w: averaging alpha %g out of (0, 1]", ErrInvalidConfig, c.AvgAlpha)
		}
	}
	if c.OutputBins < 0 || c.OutputBins > c.FFTSize {
		return fmt.Errorf("%w: output_bins %d must be in 0..fft_size", ErrInvalidConfig, c.OutputBins)
	}
	if c.PeakHoldDecay < 0 {
		return fmt.Errorf("%w: peak hold decay must be >= 0", ErrInvalidConfig)
	}
	return nil
}
