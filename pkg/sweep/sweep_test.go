package sweep

import (
	"math"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/specd/pkg/bridge"
)

func TestPlanDeterminism(t *testing.T) {
	p, err := ComputePlan(100e6, 130e6, 10e6, 0.8, 1024)
	require.NoError(t, err)

	assert.Equal(t, 8e6, p.UsableBW)
	require.Len(t, p.Steps, 4)

	wantCenters := []float64{104e6, 112e6, 120e6, 128e6}
	for i, s := range p.Steps {
		assert.Equal(t, wantCenters[i], s.Center, "step %d", i)
		assert.Equal(t, s.Center-4e6, s.FreqLo)
		assert.Equal(t, s.Center+4e6, s.FreqHi)
	}
	// Last segment reaches past freq_end by up to one step.
	assert.Equal(t, 132e6, p.Steps[3].FreqHi)
	assert.Equal(t, 820, p.UsableBins) // ceil(1024 * 0.8)
}

func TestPlanRejectsBadInput(t *testing.T) {
	_, err := ComputePlan(130e6, 100e6, 10e6, 0.8, 1024)
	assert.ErrorIs(t, err, ErrInvalidSweep)
	_, err = ComputePlan(100e6, 130e6, 0, 0.8, 1024)
	assert.ErrorIs(t, err, ErrInvalidSweep)
	_, err = ComputePlan(100e6, 130e6, 10e6, 1.5, 1024)
	assert.ErrorIs(t, err, ErrInvalidSweep)
	_, err = ComputePlan(100e6, 130e6, 10e6, 0.8, 1000)
	assert.ErrorIs(t, err, ErrInvalidSweep)
}

// The usable spans must tile [freq_start, freq_end] contiguously for any
// input: step i+1 starts where step i ends, the first step starts at
// freq_start, and the last step reaches at least freq_end.
func TestPlanCoverage(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		start := rapid.Float64Range(50e6, 5e9).Draw(t, "start")
		span := rapid.Float64Range(1e6, 500e6).Draw(t, "span")
		rate := rapid.Float64Range(1e6, 61.44e6).Draw(t, "rate")
		frac := rapid.Float64Range(0.5, 1.0).Draw(t, "frac")

		p, err := ComputePlan(start, start+span, rate, frac, 2048)
		if err != nil {
			t.Skip()
		}

		if p.Steps[0].FreqLo > start+1e-3 {
			t.Fatalf("first step starts at %.1f, after freq_start %.1f", p.Steps[0].FreqLo, start)
		}
		for i := 1; i < len(p.Steps); i++ {
			gap := p.Steps[i].FreqLo - p.Steps[i-1].FreqHi
			if math.Abs(gap) > 1e-3 {
				t.Fatalf("step %d leaves a %.6f Hz gap", i, gap)
			}
		}
		last := p.Steps[len(p.Steps)-1]
		if last.FreqHi < start+span-1e-3 {
			t.Fatalf("coverage stops at %.1f before freq_end %.1f", last.FreqHi, start+span)
		}
		if last.FreqHi-(start+span) > p.UsableBW {
			t.Fatalf("tail overshoots by more than one step")
		}
		for _, s := range p.Steps {
			if s.FreqLo >= s.FreqHi {
				t.Fatalf("inverted step %+v", s)
			}
		}
	})
}

func TestCrossfadeNeutrality(t *testing.T) {
	p, err := ComputePlan(100e6, 116e6, 10e6, 0.8, 1024)
	require.NoError(t, err)
	require.Len(t, p.Steps, 2)

	st := NewStitcher(p)
	const power = 3.5e-7
	seg := make([]float64, p.UsableBins)
	for i := range seg {
		seg[i] = power
	}

	st.AddSegment(0, seg)
	st.AddSegment(1, seg)

	lin, written := st.Linear()
	for i, v := range lin {
		require.True(t, written[i], "bin %d left unscanned", i)
		assert.InDelta(t, power, v, power*1e-6, "bin %d", i)
	}
}

func TestStitcherSentinel(t *testing.T) {
	p, err := ComputePlan(100e6, 124e6, 10e6, 0.8, 1024)
	require.NoError(t, err)
	require.Len(t, p.Steps, 3)

	st := NewStitcher(p)
	seg := make([]float64, p.UsableBins)
	for i := range seg {
		seg[i] = 1e-8
	}
	st.AddSegment(0, seg)
	st.AddSegment(2, seg) // step 1 missing

	out := st.PanoramaDBFS(0)
	require.Len(t, out, 3*p.UsableBins)
	for i := p.UsableBins; i < 2*p.UsableBins; i++ {
		assert.Equal(t, float32(UnscannedDBFS), out[i], "missing segment must stay sentinel")
	}
	assert.NotEqual(t, float32(UnscannedDBFS), out[0])
}

// Crossfade weights must sum to 1 for any pair of seam values: the blend of
// (a, b) must always land between them.
func TestCrossfadeWeightsBounded(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		p, err := ComputePlan(100e6, 116e6, 10e6, 0.8, 1024)
		require.NoError(t, err)
		st := NewStitcher(p)

		a := rapid.Float64Range(1e-12, 1e-3).Draw(t, "a")
		b := rapid.Float64Range(1e-12, 1e-3).Draw(t, "b")

		segA := make([]float64, p.UsableBins)
		segB := make([]float64, p.UsableBins)
		for i := range segA {
			segA[i] = a
			segB[i] = b
		}
		st.AddSegment(0, segA)
		st.AddSegment(1, segB)

		lo, hi := math.Min(a, b), math.Max(a, b)
		lin, _ := st.Linear()
		for i, v := range lin {
			if v < lo-lo*1e-9 || v > hi+hi*1e-9 {
				t.Fatalf("bin %d blended outside [%g, %g]: %g", i, lo, hi, v)
			}
		}
	})
}

type fakeTuner struct {
	freqs []float64
}

func (f *fakeTuner) SetFrequency(hz float64) error {
	f.freqs = append(f.freqs, hz)
	return nil
}

func feedBridge(br *bridge.Bridge, fftSize int, stop *atomic.Bool) {
	samples := make([]complex128, fftSize)
	for i := range samples {
		samples[i] = complex(1e-3*math.Cos(float64(i)*0.37), 1e-3*math.Sin(float64(i)*0.37))
	}
	seq := uint64(0)
	for !stop.Load() {
		seq++
		if !br.Push(bridge.Block{Samples: append([]complex128(nil), samples...), Seq: seq, Captured: time.Now()}) {
			return
		}
		time.Sleep(100 * time.Microsecond)
	}
}

func TestEngineEmitsOrderedSegmentsAndPanorama(t *testing.T) {
	cfg := Config{
		Mode:       ModeSurvey,
		FreqStart:  100e6,
		FreqEnd:    130e6,
		SampleRate: 10e6,
		FFTSize:    1024,
		Averages:   2,
	}
	require.NoError(t, cfg.Normalize())

	br := bridge.New(32)
	tuner := &fakeTuner{}

	var segs []Segment
	var results []Result
	e, err := NewEngine(cfg, br, tuner, 5,
		func(s Segment) { segs = append(segs, s) },
		func(r Result) { results = append(results, r) })
	require.NoError(t, err)

	var stop atomic.Bool
	go feedBridge(br, cfg.FFTSize, &stop)
	defer stop.Store(true)

	go e.Run()
	select {
	case <-e.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("engine did not complete")
	}

	require.Equal(t, StateComplete, e.State())
	require.Len(t, segs, 4)
	for i, s := range segs {
		assert.Equal(t, i, s.Index)
		assert.Equal(t, 4, s.Total)
		assert.Equal(t, uint32(5), s.SweepID)
		assert.Less(t, s.FreqLo, s.FreqHi)
		assert.Len(t, s.Bins, e.Plan().UsableBins)
		for _, v := range s.Bins {
			require.False(t, math.IsNaN(float64(v)))
		}
	}
	assert.Equal(t, []float64{104e6, 112e6, 120e6, 128e6}, tuner.freqs)

	require.Len(t, results, 1)
	assert.Equal(t, uint32(5), results[0].SweepID)
	assert.Equal(t, 100e6, results[0].FreqStart)
	assert.Equal(t, 130e6, results[0].FreqEnd)
	assert.Len(t, results[0].Bins, e.Plan().UsableBins*4)
}

func TestEngineStopAborts(t *testing.T) {
	cfg := Config{
		Mode:       ModeBandMonitor,
		FreqStart:  100e6,
		FreqEnd:    200e6,
		SampleRate: 2e6,
		FFTSize:    1024,
		Averages:   64,
	}
	require.NoError(t, cfg.Normalize())

	br := bridge.New(32)
	e, err := NewEngine(cfg, br, &fakeTuner{}, 1, nil, nil)
	require.NoError(t, err)

	var stop atomic.Bool
	go feedBridge(br, cfg.FFTSize, &stop)
	defer stop.Store(true)

	go e.Run()
	time.Sleep(50 * time.Millisecond)
	e.RequestStop()

	select {
	case <-e.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("engine did not drain after stop")
	}
	assert.Equal(t, StateAborted, e.State())
}
