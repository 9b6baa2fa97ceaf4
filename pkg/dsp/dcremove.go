package dsp

// dcRemover is a single-pole IIR high-pass applied to I and Q independently.
// y[n] = x[n] - x[n-1] + alpha*y[n-1], with alpha close to 1 so only the DC
// spike at the tuner center is attenuated.
type dcRemover struct {
	alpha          float64
	prevInI, prevQ float64
	prevOutI       float64
	prevOutQ       float64
	primed         bool
}

func newDCRemover() *dcRemover {
	return &dcRemover{alpha: 0.9999}
}

// remove filters the block in place.
func (d *dcRemover) remove(samples []complex128) {
	for i, s := range samples {
		xi, xq := real(s), imag(s)
		if !d.primed {
			d.prevInI, d.prevQ = xi, xq
			d.primed = true
		}
		yi := xi - d.prevInI + d.alpha*d.prevOutI
		yq := xq - d.prevQ + d.alpha*d.prevOutQ
		d.prevInI, d.prevQ = xi, xq
		d.prevOutI, d.prevOutQ = yi, yq
		samples[i] = complex(yi, yq)
	}
}

func (d *dcRemover) reset() {
	d.prevInI, d.prevQ = 0, 0
	d.prevOutI, d.prevOutQ = 0, 0
	d.primed = false
}
