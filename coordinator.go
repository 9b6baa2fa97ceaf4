package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/log"

	"github.com/specd/pkg/bridge"
	"github.com/specd/pkg/detect"
	"github.com/specd/pkg/device"
	"github.com/specd/pkg/dsp"
	"github.com/specd/pkg/record"
	"github.com/specd/pkg/sweep"
)

// Busy rejections use this sentinel so command handlers can phrase them
// uniformly.
var errBusy = errors.New("operation not allowed in current mode")

// Bridge capacity holds ~128 ms of blocks at the sample rate passed in, with a
// floor of 8 blocks. Callers pass the current sample rate, so the capacity is
// not sized for the device's highest supported rate.
func bridgeCapacity(sampleRate float64, blockSize int) int {
	blocks := int(sampleRate * 0.128 / float64(blockSize))
	if blocks < 8 {
		blocks = 8
	}
	return blocks
}

// coordEvent is anything the worker threads hand to the coordinator loop.
type coordEvent any

type evDetector struct{ events []detect.Event }
type evGainRequest struct{ gain float64 }
type evWorkerError struct{ err error }
type evSweepDone struct{ eng *sweep.Engine }
type evPlaybackDone struct{}
type evRecorderStopped struct{ kind string }

// Coordinator owns the session state and serializes every mode transition
// under its lock. Commands come in from client read pumps; detector events,
// gain requests and worker failures arrive on the event channel and are
// handled on the coordinator's own loop.
type Coordinator struct {
	hub *Hub
	src device.Source

	pipe     *dsp.Pipeline
	agc      *dsp.AGC
	detector *detect.Detector
	store    *detect.Store
	rec      *record.Manager
	playback *record.Playback

	mu         chan struct{} // mode lock, chan-based so handlers can block on it
	mode       Mode
	devParams  device.Params
	deviceErr  string
	liveBridge *bridge.Bridge
	worker     *dspWorker

	sweepEng    *sweep.Engine
	savedBridge *bridge.Bridge
	sweepLive   bool // live mode resumes after the sweep
	nextSweepID uint32

	events chan coordEvent
	quit   chan struct{}
}

func newCoordinator(hub *Hub, src device.Source, rec *record.Manager, store *detect.Store,
	initial device.Params, dspCfg dsp.Config) (*Coordinator, error) {

	pipe, err := dsp.New(dspCfg)
	if err != nil {
		return nil, err
	}
	limits := src.Limits()
	co := &Coordinator{
		hub:       hub,
		src:       src,
		pipe:      pipe,
		agc:       dsp.NewAGC(limits.MinGain, limits.MaxGain),
		detector:  detect.New(detect.DefaultConfig()),
		store:     store,
		rec:       rec,
		playback:  record.NewPlayback(),
		mu:        make(chan struct{}, 1),
		devParams: initial,
		events:    make(chan coordEvent, 256),
		quit:      make(chan struct{}),
	}
	if err := src.Configure(initial); err != nil {
		return nil, err
	}
	src.SetBlockSize(dspCfg.FFTSize)

	go co.eventLoop()
	return co, nil
}

// lock acquires the mode lock. Handlers may block here while another
// transition (which can itself wait on worker joins) completes.
func (co *Coordinator) lock()   { co.mu <- struct{}{} }
func (co *Coordinator) unlock() { <-co.mu }

// postEvent hands work to the coordinator loop without ever blocking the
// caller (the DSP worker drops on overflow rather than stall).
func (co *Coordinator) postEvent(ev coordEvent) {
	select {
	case co.events <- ev:
	default:
		log.Warn("coordinator event queue full, event dropped")
	}
}

// eventLoop is the coordinator's single-threaded side: detector persistence,
// AGC dispatch, worker failure handling, sweep completion.
func (co *Coordinator) eventLoop() {
	for {
		select {
		case <-co.quit:
			return
		case ev := <-co.events:
			switch e := ev.(type) {
			case evDetector:
				co.handleDetectorEvents(e.events)
			case evGainRequest:
				co.applyGain(e.gain)
			case evWorkerError:
				log.Error("dsp worker failed", "err", e.err)
				co.lock()
				co.stopAllLocked()
				co.deviceErr = e.err.Error()
				co.unlock()
				co.broadcastStatus()
			case evSweepDone:
				co.finishSweep(e.eng)
			case evPlaybackDone:
				co.lock()
				if co.mode == ModePlayback {
					co.stopPlaybackLocked()
				}
				co.unlock()
				co.broadcastStatus()
			case evRecorderStopped:
				log.Warn("recording stopped by recorder", "kind", e.kind)
				co.broadcastStatus()
			}
		}
	}
}

func (co *Coordinator) handleDetectorEvents(events []detect.Event) {
	for _, ev := range events {
		co.hub.BroadcastText(map[string]any{
			"type": "signal_event",
			"data": map[string]any{
				"event":       string(ev.Kind),
				"signal_id":   ev.Signal.ID,
				"center_freq": ev.Signal.CenterFreq,
				"peak_freq":   ev.Signal.PeakFreq,
				"bandwidth":   ev.Signal.Bandwidth,
				"peak_power":  ev.Signal.PeakPower,
				"hit_count":   ev.Signal.HitCount,
			},
		})
		// Persistence stays off the DSP thread: rows land here, on the
		// coordinator loop.
		if co.store != nil && ev.Kind != detect.EventLost {
			if err := co.store.Upsert(ev.Signal); err != nil {
				log.Error("signal persistence failed", "err", err)
			}
		}
	}
}

func (co *Coordinator) applyGain(gain float64) {
	co.lock()
	err := co.src.SetGain(gain)
	if err == nil {
		co.devParams.Gain = gain
	}
	co.unlock()
	if err != nil {
		log.Warn("agc gain change rejected", "gain", gain, "err", err)
		return
	}
	log.Debug("agc adjusted gain", "gain", gain)
	co.broadcastStatus()
}

// startLive transitions idle -> live.
func (co *Coordinator) startLive() error {
	co.lock()
	defer co.unlock()
	return co.startLiveLocked()
}

func (co *Coordinator) startLiveLocked() error {
	if co.mode != ModeIdle {
		return fmt.Errorf("%w: already %s", errBusy, co.mode)
	}

	cfg := co.pipe.Config()
	co.src.SetBlockSize(cfg.FFTSize)
	br := bridge.New(bridgeCapacity(co.devParams.SampleRate, cfg.FFTSize))

	if err := co.src.Start(br); err != nil {
		co.deviceErr = err.Error()
		return err
	}
	co.deviceErr = ""
	co.liveBridge = br
	co.worker = newDSPWorker(co, br)
	go co.worker.run()
	co.mode = ModeLive
	log.Info("live streaming started",
		"freq", co.devParams.CenterFreq, "rate", co.devParams.SampleRate)
	return nil
}

// stopAll drives any mode back to idle within the shutdown deadline.
func (co *Coordinator) stopAll() error {
	co.lock()
	defer co.unlock()
	co.stopAllLocked()
	return nil
}

func (co *Coordinator) stopAllLocked() {
	switch co.mode {
	case ModeLive:
		co.stopLiveLocked()
	case ModeSweep:
		co.abortSweepLocked()
	case ModePlayback:
		co.stopPlaybackLocked()
	}
}

// stopLiveLocked: shutdown flags first, then bridge poison so the worker's
// blocking read returns immediately, then the producer join, then the worker
// join.
func (co *Coordinator) stopLiveLocked() {
	if co.worker != nil {
		co.worker.signalStop()
	}
	if co.liveBridge != nil {
		co.liveBridge.Poison()
	}
	if err := co.src.Stop(); err != nil {
		log.Warn("device stop", "err", err)
	}
	if co.worker != nil {
		co.worker.join(2 * time.Second)
		co.worker = nil
	}
	co.liveBridge = nil
	co.mode = ModeIdle
	log.Info("live streaming stopped")
}

// pauseLiveLocked stops the worker but keeps the bridge reusable for resume.
func (co *Coordinator) pauseLiveLocked() {
	if co.worker != nil {
		co.worker.signalStop()
		co.worker.join(2 * time.Second)
		co.worker = nil
	}
}

// startSweep transitions live/idle -> sweep_running. The mode lock is held
// across the pause and the bridge swap.
func (co *Coordinator) startSweep(cfg sweep.Config) error {
	co.lock()
	defer co.unlock()

	if co.mode == ModeSweep {
		return fmt.Errorf("%w: sweep already running", errBusy)
	}
	if co.mode == ModePlayback {
		return fmt.Errorf("%w: stop playback first", errBusy)
	}
	if err := cfg.Normalize(); err != nil {
		return err
	}

	co.sweepLive = co.mode == ModeLive

	// Pause the live DSP path and save the bridge binding for restore.
	if co.sweepLive {
		co.pauseLiveLocked()
		co.savedBridge = co.liveBridge
		if err := co.src.Stop(); err != nil {
			log.Warn("device stop for sweep", "err", err)
		}
	}

	// Sweep-local bridge and device setup for the first step.
	sweepBr := bridge.New(bridgeCapacity(cfg.SampleRate, cfg.FFTSize))
	co.src.SetBlockSize(cfg.FFTSize)
	plan, err := sweep.ComputePlan(cfg.FreqStart, cfg.FreqEnd, cfg.SampleRate, cfg.UsableFraction, cfg.FFTSize)
	if err != nil {
		co.resumeAfterSweepLocked()
		return err
	}
	err = co.src.Configure(device.Params{
		SampleRate: cfg.SampleRate,
		CenterFreq: plan.Steps[0].Center,
		Gain:       co.devParams.Gain,
		Bandwidth:  cfg.SampleRate,
	})
	if err == nil {
		err = co.src.Start(sweepBr)
	}
	if err != nil {
		co.deviceErr = err.Error()
		co.resumeAfterSweepLocked()
		return err
	}

	co.nextSweepID++
	eng, err := sweep.NewEngine(cfg, sweepBr, co.src, co.nextSweepID,
		co.emitSegment, co.emitPanorama)
	if err != nil {
		co.src.Stop()
		co.resumeAfterSweepLocked()
		return err
	}

	co.sweepEng = eng
	co.mode = ModeSweep
	go eng.Run()
	go func() {
		<-eng.Done()
		co.postEvent(evSweepDone{eng: eng})
	}()

	log.Info("sweep started", "mode", cfg.Mode.String(),
		"from", cfg.FreqStart, "to", cfg.FreqEnd, "steps", len(plan.Steps))
	return nil
}

// stopSweep requests a drain and restores the previous mode.
func (co *Coordinator) stopSweep() error {
	co.lock()
	if co.mode != ModeSweep || co.sweepEng == nil {
		co.unlock()
		return fmt.Errorf("%w: no sweep running", errBusy)
	}
	eng := co.sweepEng
	eng.RequestStop()
	co.unlock()

	select {
	case <-eng.Done():
	case <-time.After(5 * time.Second):
		log.Warn("sweep engine slow to drain")
	}
	// finishSweep runs via the evSweepDone event.
	return nil
}

// abortSweepLocked is stopAll's sweep path: request, wait, restore inline.
func (co *Coordinator) abortSweepLocked() {
	if co.sweepEng == nil {
		co.mode = ModeIdle
		return
	}
	eng := co.sweepEng
	eng.RequestStop()
	select {
	case <-eng.Done():
	case <-time.After(5 * time.Second):
		log.Warn("sweep engine slow to drain")
	}
	co.sweepEng = nil
	co.nextSweepID = eng.SweepID() // band monitor advances ids per pass
	co.src.Stop()
	co.sweepLive = false // stop means stop; do not resume live
	co.resumeAfterSweepLocked()
}

// finishSweep handles engine exit (natural completion or stop).
func (co *Coordinator) finishSweep(eng *sweep.Engine) {
	co.lock()
	if co.sweepEng != eng {
		// Already cleaned up by stopAll.
		co.unlock()
		return
	}
	co.sweepEng = nil
	co.nextSweepID = eng.SweepID()
	co.src.Stop()
	co.resumeAfterSweepLocked()
	co.unlock()
	co.broadcastStatus()
}

// resumeAfterSweepLocked reinstalls the original bridge binding, restores the
// prior sample rate, and resumes live streaming if it was running before.
// Every sweep exit path funnels through here.
func (co *Coordinator) resumeAfterSweepLocked() {
	co.mode = ModeIdle

	cfg := co.pipe.Config()
	co.src.SetBlockSize(cfg.FFTSize)
	if err := co.src.Configure(co.devParams); err != nil {
		co.deviceErr = err.Error()
		log.Error("device restore after sweep failed", "err", err)
		co.savedBridge = nil
		co.sweepLive = false
		return
	}

	if co.sweepLive && co.savedBridge != nil {
		br := co.savedBridge
		if err := co.src.Start(br); err != nil {
			co.deviceErr = err.Error()
		} else {
			co.liveBridge = br
			co.worker = newDSPWorker(co, br)
			go co.worker.run()
			co.mode = ModeLive
			log.Info("live streaming resumed after sweep")
		}
	}
	co.savedBridge = nil
	co.sweepLive = false
}

// emitSegment runs on the sweep goroutine; encoding is cheap and the hub
// enqueue never blocks.
func (co *Coordinator) emitSegment(seg sweep.Segment) {
	frame := encodeSegmentFrame(seg)
	co.hub.BroadcastSweep(frame, seg.SweepID)
}

func (co *Coordinator) emitPanorama(res sweep.Result) {
	frame := encodePanoramaFrame(res)
	co.hub.BroadcastSweep(frame, res.SweepID)
}

// startPlayback swaps the recorded stream in for the device source.
func (co *Coordinator) startPlayback(filename string) error {
	co.lock()
	defer co.unlock()

	switch co.mode {
	case ModeSweep:
		return fmt.Errorf("%w: stop sweep first", errBusy)
	case ModePlayback:
		return fmt.Errorf("%w: playback already running", errBusy)
	case ModeLive:
		co.stopLiveLocked()
	}

	cfg := co.pipe.Config()
	br := bridge.New(64)
	if err := co.playback.Start(co.rec.Dir(), filename, br, cfg.FFTSize); err != nil {
		return err
	}

	co.liveBridge = br
	co.worker = newDSPWorker(co, br)
	go co.worker.run()
	co.mode = ModePlayback

	done := co.playback.Done()
	go func() {
		<-done
		co.postEvent(evPlaybackDone{})
	}()
	return nil
}

func (co *Coordinator) stopPlaybackLocked() {
	if co.worker != nil {
		co.worker.signalStop()
	}
	if co.liveBridge != nil {
		co.liveBridge.Poison()
	}
	if err := co.playback.Stop(); err != nil && !errors.Is(err, record.ErrNotPlaying) {
		log.Warn("playback stop", "err", err)
	}
	if co.worker != nil {
		co.worker.join(2 * time.Second)
		co.worker = nil
	}
	co.liveBridge = nil
	co.mode = ModeIdle
	log.Info("playback stopped")
}

// restartSourceLocked applies a changed sample rate or bandwidth, bouncing
// the producer when live.
func (co *Coordinator) restartSourceLocked(p device.Params) error {
	if co.mode == ModeSweep || co.mode == ModePlayback {
		return fmt.Errorf("%w: cannot retune in %s", errBusy, co.mode)
	}
	wasLive := co.mode == ModeLive
	if wasLive {
		co.stopLiveLocked()
	}
	if err := co.src.Configure(p); err != nil {
		return err
	}
	co.devParams = p
	if wasLive {
		return co.startLiveLocked()
	}
	return nil
}

// status builds a consolidated snapshot.
func (co *Coordinator) status() statusSnapshot {
	co.lock()
	defer co.unlock()
	return co.statusLocked()
}

func (co *Coordinator) statusLocked() statusSnapshot {
	devStatus := co.src.Status()
	cfg := co.pipe.Config()
	detCfg := co.detector.Config()
	used, budget, free := co.rec.Usage()

	st := statusSnapshot{
		Mode:            co.mode.String(),
		Streaming:       co.mode == ModeLive,
		DeviceConnected: devStatus.Connected,
		DeviceError:     co.deviceErr,
		CenterFreq:      co.devParams.CenterFreq,
		SampleRate:      co.devParams.SampleRate,
		Bandwidth:       co.devParams.Bandwidth,
		Gain:            co.devParams.Gain,

		FFTSize:       cfg.FFTSize,
		WindowKind:    cfg.Window.String(),
		AveragingMode: cfg.Averaging.String(),
		AvgCount:      cfg.AvgCount,
		AvgAlpha:      cfg.AvgAlpha,
		DCRemoval:     cfg.DCRemoval,
		PeakHold:      cfg.PeakHold,
		OutputBins:    cfg.Bins(),

		AGCEnabled: co.agc.Enabled(),

		DetectionEnabled: co.detector.Enabled(),
		ThresholdDB:      detCfg.ThresholdDB,
		TrackedSignals:   len(co.detector.Tracked()),

		Clients: co.hub.Count(),

		IQRecording:       co.rec.IQ.Recording(),
		SpectrumRecording: co.rec.Spectrum.Recording(),
		StorageUsed:       used,
		StorageBudget:     budget,
		StorageFree:       free,
	}
	if co.liveBridge != nil {
		st.DroppedBlocks = co.liveBridge.Dropped()
	}
	if co.rec.IQ.Recording() {
		m := co.rec.IQ.Meta()
		st.IQFilename = m.Filename
		st.IQBytes = m.TotalBytes
	}
	if co.rec.Spectrum.Recording() {
		m := co.rec.Spectrum.Meta()
		st.SpectrumFilename = m.Filename
		st.SpectrumFrames = m.TotalFrames
	}
	if co.sweepEng != nil {
		step, total, _ := co.sweepEng.Progress()
		st.SweepState = sweep.StateName(co.sweepEng.State())
		st.SweepID = co.sweepEng.SweepID()
		st.SweepStep = step
		st.SweepTotal = total
		if total > 0 {
			st.SweepProgress = float64(step) / float64(total)
		}
	}
	if ps := co.playback.State(); ps.Playing {
		st.Playback = &playbackStatus{
			Playing:         ps.Playing,
			Paused:          ps.Paused,
			Filename:        ps.Filename,
			PositionSeconds: ps.PositionSeconds,
			DurationSeconds: ps.DurationSeconds,
			Speed:           ps.Speed,
			Loop:            ps.Loop,
		}
	}
	return st
}

// broadcastStatus publishes the snapshot to every client. Status frames are
// totally ordered per client by the text queue.
func (co *Coordinator) broadcastStatus() {
	co.hub.BroadcastText(map[string]any{"type": "status", "data": co.status()})
}

// shutdown drives everything to idle and stops the event loop.
func (co *Coordinator) shutdown() {
	co.stopAll()
	if co.rec.IQ.Recording() {
		co.rec.IQ.Stop()
	}
	if co.rec.Spectrum.Recording() {
		co.rec.Spectrum.Stop()
	}
	close(co.quit)
	if co.store != nil {
		co.store.Close()
	}
}
