package main

import (
	"fmt"
	"time"

	"github.com/charmbracelet/log"

	"github.com/specd/pkg/bridge"
	"github.com/specd/pkg/dsp"
	"github.com/specd/pkg/wire"
)

// dspWorker runs the live FFT path on its own goroutine: bridge -> pipeline
// -> detector / AGC / recorders -> wire encode -> broadcast fan-out. It only
// blocks on the bridge read, with a short timeout so the stop flag is always
// observed quickly.
type dspWorker struct {
	co   *Coordinator
	br   *bridge.Bridge
	stop chan struct{}
	done chan struct{}
}

func newDSPWorker(co *Coordinator, br *bridge.Bridge) *dspWorker {
	return &dspWorker{
		co:   co,
		br:   br,
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
}

func (w *dspWorker) signalStop() {
	select {
	case <-w.stop:
	default:
		close(w.stop)
	}
}

func (w *dspWorker) join(timeout time.Duration) {
	select {
	case <-w.done:
	case <-time.After(timeout):
		log.Warn("dsp worker did not exit within deadline")
	}
}

func (w *dspWorker) run() {
	defer close(w.done)
	log.Debug("dsp worker started")

	frames := uint64(0)
	defer func() {
		if r := recover(); r != nil {
			// Failures surface on the status channel, never as a panic
			// crossing the thread boundary.
			w.co.postEvent(evWorkerError{err: fmt.Errorf("dsp worker panic: %v", r)})
		}
		log.Debug("dsp worker exited", "frames", frames)
	}()

	for {
		select {
		case <-w.stop:
			return
		default:
		}

		blk, ok := w.br.Pop(200 * time.Millisecond)
		if !ok {
			if w.br.Poisoned() {
				return
			}
			continue
		}

		// IQ recorder tap takes a copy: the pipeline mutates the block in
		// place (DC removal) after this point.
		if w.co.rec.IQ.Recording() {
			cp := append([]complex128(nil), blk.Samples...)
			w.co.rec.IQ.Put(cp)
			if err := w.co.rec.IQ.Err(); err != nil {
				w.co.postEvent(evRecorderStopped{kind: "iq"})
			}
		}

		for _, frame := range w.co.pipe.Process(blk.Samples, blk.Captured) {
			frames++
			w.emit(frame, blk)
		}
	}
}

func (w *dspWorker) emit(frame dsp.Frame, blk bridge.Block) {
	now := time.Now()

	// AGC observes the peak and routes gain changes through the coordinator.
	devStatus := w.co.src.Status()
	if gain, ok := w.co.agc.Update(float64(frame.PeakPower), devStatus.Gain, now); ok {
		w.co.postEvent(evGainRequest{gain: gain})
	}

	// Detection taps the finalized frame before protocol encoding.
	if w.co.detector.Enabled() {
		events := w.co.detector.Process(frame.Bins, frame.NoiseFloor,
			blk.CenterFreq, blk.SampleRate, now)
		if len(events) > 0 {
			w.co.postEvent(evDetector{events: events})
		}
	}

	ts := float64(frame.Timestamp.UnixNano()) / 1e9
	if w.co.rec.Spectrum.Recording() {
		w.co.rec.Spectrum.Capture(frame.Bins, ts, blk.CenterFreq, blk.SampleRate)
		if err := w.co.rec.Spectrum.Err(); err != nil {
			w.co.postEvent(evRecorderStopped{kind: "spectrum"})
		}
	}

	cfg := w.co.pipe.Config()
	payload := wire.EncodeSpectrum(&wire.Spectrum{
		CenterFreq:     blk.CenterFreq,
		SampleRate:     blk.SampleRate,
		Bandwidth:      devStatus.Bandwidth,
		Gain:           float32(devStatus.Gain),
		FFTSize:        uint32(cfg.FFTSize),
		NoiseFloor:     frame.NoiseFloor,
		PeakPower:      frame.PeakPower,
		PeakFreqOffset: frame.PeakFreqOffset,
		Timestamp:      ts,
		Bins:           frame.Bins,
		PeakHold:       frame.PeakHold,
	})
	w.co.hub.BroadcastLive(payload)
}
