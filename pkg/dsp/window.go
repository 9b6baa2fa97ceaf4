package dsp

import (
	"math"

	"github.com/mjibson/go-dsp/window"
)

// MakeWindow builds the taper for the given kind and length. Hann, Blackman
// and flat-top come from go-dsp; Blackman-Harris and the Kaiser family are
// computed here.
func MakeWindow(kind WindowKind, n int) []float64 {
	switch kind {
	case WindowHanning:
		return window.Hann(n)
	case WindowBlackman:
		return window.Blackman(n)
	case WindowFlatTop:
		return window.FlatTop(n)
	case WindowBlackmanHarris:
		return blackmanHarris(n)
	case WindowKaiser6:
		return kaiser(n, 6.0)
	case WindowKaiser10:
		return kaiser(n, 10.0)
	case WindowKaiser14:
		return kaiser(n, 14.0)
	default:
		w := make([]float64, n)
		for i := range w {
			w[i] = 1
		}
		return w
	}
}

// CoherentPowerGain returns (sum(w)/N)^2, the power-domain correction for a
// full-scale tone seen through the window.
func CoherentPowerGain(w []float64) float64 {
	sum := 0.0
	for _, v := range w {
		sum += v
	}
	g := sum / float64(len(w))
	return g * g
}

// 4-term Blackman-Harris, -92 dB sidelobes.
func blackmanHarris(n int) []float64 {
	const (
		a0 = 0.35875
		a1 = 0.48829
		a2 = 0.14128
		a3 = 0.01168
	)
	w := make([]float64, n)
	if n == 1 {
		w[0] = 1
		return w
	}
	for i := 0; i < n; i++ {
		x := 2 * math.Pi * float64(i) / float64(n-1)
		w[i] = a0 - a1*math.Cos(x) + a2*math.Cos(2*x) - a3*math.Cos(3*x)
	}
	return w
}

// Kaiser window with shape parameter beta.
func kaiser(n int, beta float64) []float64 {
	w := make([]float64, n)
	if n == 1 {
		w[0] = 1
		return w
	}
	den := besselI0(beta)
	half := float64(n-1) / 2
	for i := 0; i < n; i++ {
		x := (float64(i) - half) / half
		w[i] = besselI0(beta*math.Sqrt(1-x*x)) / den
	}
	return w
}

// Zeroth-order modified Bessel function of the first kind, by power series.
func besselI0(x float64) float64 {
	sum := 1.0
	term := 1.0
	half := x / 2
	for k := 1; k < 50; k++ {
		term *= (half / float64(k)) * (half / float64(k))
		sum += term
		if term < 1e-12*sum {
			break
		}
	}
	return sum
}
