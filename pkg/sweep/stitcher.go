package sweep

import (
	"github.com/specd/pkg/dsp"
)

// UnscannedDBFS marks panorama bins no segment has written. Well below any
// realistic converter floor; renderers filter it from color mapping.
const UnscannedDBFS = -200.0

// Stitcher assembles per-step linear power spectra into one contiguous
// panorama. Neighboring segments are blended across the seam with a linear
// ramp whose weights sum to 1 at every bin, so a flat input produces a flat
// panorama with no +3 dB seams. All blending happens in linear power; the
// single dBFS conversion happens on readout.
type Stitcher struct {
	plan     *Plan
	taperLen int

	panorama []float64 // linear power
	written  []bool
	norm     float64
}

// NewStitcher reserves the panorama extent for the plan: usable_bins bins per
// step, nothing is ever written past it.
func NewStitcher(plan *Plan) *Stitcher {
	bins := plan.UsableBins * len(plan.Steps)
	taper := plan.UsableBins / 4
	if taper > 32 {
		taper = 32
	}
	window := dsp.MakeWindow(dsp.WindowBlackmanHarris, plan.FFTSize)
	return &Stitcher{
		plan:     plan,
		taperLen: taper,
		panorama: make([]float64, bins),
		written:  make([]bool, bins),
		norm:     dsp.Norm(window),
	}
}

// Bins returns the panorama extent.
func (s *Stitcher) Bins() int { return len(s.panorama) }

// SetNorm overrides the dBFS normalization used on readout to match the
// window the engine actually ran.
func (s *Stitcher) SetNorm(norm float64) { s.norm = norm }

// AddSegment writes one step's usable-bin spectrum (linear power, length
// plan.UsableBins) into the panorama. The first taperLen bins are crossfaded
// against the previous segment's tail: weight w ramps 0..1 over the seam for
// the new data and 1-w for what is already there.
func (s *Stitcher) AddSegment(idx int, linear []float64) {
	if idx < 0 || idx >= len(s.plan.Steps) {
		return
	}
	start := idx * s.plan.UsableBins
	n := s.plan.UsableBins
	if len(linear) < n {
		n = len(linear)
	}

	for i := 0; i < n; i++ {
		s.panorama[start+i] = linear[i]
		s.written[start+i] = true
	}

	// Crossfade the seam with the previous segment's tail.
	l := s.taperLen
	if idx == 0 || l < 2 || start-l < 0 {
		return
	}
	for i := 0; i < l; i++ {
		prev := start - l + i
		cur := start + i
		if !s.written[prev] || cur >= start+n {
			continue
		}
		w := float64(i) / float64(l-1) // 0 at the old edge, 1 inside the new segment
		blended := (1-w)*s.panorama[prev] + w*s.panorama[cur]
		s.panorama[cur] = blended
	}
}

// Linear returns the raw linear panorama and its written mask.
func (s *Stitcher) Linear() ([]float64, []bool) {
	return s.panorama, s.written
}

// PanoramaDBFS converts the panorama to dBFS, optionally peak-downsampled to
// displayBins. Unwritten bins carry the unscanned sentinel.
func (s *Stitcher) PanoramaDBFS(displayBins int) []float32 {
	lin := s.panorama
	mask := s.written
	if displayBins > 0 && displayBins < len(lin) {
		lin = dsp.DownsamplePeak(lin, displayBins)
		mask = downsampleMask(s.written, displayBins)
	}
	out := dsp.LinearToDBFS(lin, s.norm)
	for i := range out {
		if !mask[i] {
			out[i] = UnscannedDBFS
		}
	}
	return out
}

// Reset clears the panorama for the next pass.
func (s *Stitcher) Reset() {
	for i := range s.panorama {
		s.panorama[i] = 0
		s.written[i] = false
	}
}

func downsampleMask(mask []bool, outBins int) []bool {
	n := len(mask)
	out := make([]bool, outBins)
	for k := 0; k < outBins; k++ {
		lo := k * n / outBins
		hi := (k + 1) * n / outBins
		if hi <= lo {
			hi = lo + 1
		}
		for i := lo; i < hi; i++ {
			if mask[i] {
				out[k] = true
				break
			}
		}
	}
	return out
}
