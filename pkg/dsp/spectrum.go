package dsp

import (
	"math"

	"github.com/mjibson/go-dsp/fft"
)

// PowerSpectrum windows the block, runs the forward FFT and returns the
// shifted magnitude-squared spectrum in linear power (lowest frequency at
// index 0). Both the live pipeline and the sweep engine build on this so the
// linear-domain math stays in one place.
func PowerSpectrum(in []complex128, window []float64) []float64 {
	n := len(window)
	windowed := make([]complex128, n)
	for i := 0; i < n; i++ {
		windowed[i] = in[i] * complex(window[i], 0)
	}

	out := fft.FFT(windowed)

	half := n / 2
	linear := make([]float64, n)
	for i := 0; i < n; i++ {
		c := out[(i+half)%n]
		re, im := real(c), imag(c)
		linear[i] = re*re + im*im
	}
	return linear
}

// LinearToDBFS converts linear power to dBFS in place-free form. norm is
// fft_size^2 times the window's coherent power gain; the epsilon clamp keeps
// the log finite on empty bins.
func LinearToDBFS(linear []float64, norm float64) []float32 {
	correction := 10 * math.Log10(norm)
	out := make([]float32, len(linear))
	for i, v := range linear {
		if v < linearEpsilon {
			v = linearEpsilon
		}
		out[i] = float32(10*math.Log10(v) - correction)
	}
	return out
}

// Norm returns the dBFS normalization for a window of length n.
func Norm(window []float64) float64 {
	n := float64(len(window))
	return n * n * CoherentPowerGain(window)
}
