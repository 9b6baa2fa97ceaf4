package main

import (
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/log"

	"github.com/specd/pkg/detect"
	"github.com/specd/pkg/device"
	"github.com/specd/pkg/dsp"
	"github.com/specd/pkg/record"
	"github.com/specd/pkg/sweep"
)

// command is the JSON envelope clients send as text frames. One struct covers
// the whole surface; handlers read the fields they need.
type command struct {
	Cmd      string          `json:"cmd"`
	Value    float64         `json:"value"`
	Enabled  *bool           `json:"enabled"`
	Filename string          `json:"filename"`
	Params   json.RawMessage `json:"params"`

	// sweep_start
	Mode       string  `json:"mode"`
	FreqStart  float64 `json:"freq_start"`
	FreqEnd    float64 `json:"freq_end"`
	SampleRate float64 `json:"sample_rate"`
	Averages   int     `json:"averages"`
}

// dspParams is the free-form set accepted by set_dsp, translated into the
// typed config before it touches the pipeline.
type dspParams struct {
	Window        *string  `json:"window_kind"`
	Averaging     *string  `json:"averaging_mode"`
	AvgCount      *int     `json:"averaging_count"`
	AvgAlpha      *float64 `json:"averaging_alpha"`
	DCRemoval     *bool    `json:"dc_removal"`
	PeakHold      *bool    `json:"peak_hold"`
	PeakHoldDecay *float64 `json:"peak_hold_decay"`
	Overlap       *float64 `json:"overlap_fraction"`
	OutputBins    *int     `json:"output_bins"`
}

type detectionParams struct {
	ThresholdDB *float64 `json:"threshold_db"`
}

// baseName reduces any client-supplied filename to its terminal path
// component before it reaches the recorder.
func baseName(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	return filepath.Base(filepath.Clean("/" + name))
}

// HandleCommand parses and executes one text frame from a client. Malformed
// frames are logged and ignored; the connection is preserved.
func (co *Coordinator) HandleCommand(c *Client, raw []byte) {
	var cmd command
	if err := json.Unmarshal(raw, &cmd); err != nil {
		log.Warn("malformed command frame ignored", "client", c.ID(), "err", err)
		co.hub.SendText(c, map[string]any{"type": "error", "message": "malformed command"})
		return
	}

	if err := co.dispatch(c, &cmd); err != nil {
		co.hub.SendText(c, map[string]any{"type": "error", "message": err.Error()})
		return
	}
}

func (co *Coordinator) dispatch(c *Client, cmd *command) error {
	switch cmd.Cmd {
	case "start":
		if err := co.startLive(); err != nil {
			return err
		}
		co.broadcastStatus()

	case "stop":
		co.stopAll()
		co.broadcastStatus()

	case "set_frequency":
		return co.setTuning(func(p *device.Params) { p.CenterFreq = cmd.Value }, true)

	case "set_gain":
		return co.setTuning(func(p *device.Params) { p.Gain = cmd.Value }, true)

	case "set_bandwidth":
		return co.setTuning(func(p *device.Params) { p.Bandwidth = cmd.Value }, false)

	case "set_sample_rate":
		if cmd.Value <= 0 {
			return errors.New("sample rate must be positive")
		}
		return co.setTuning(func(p *device.Params) {
			p.SampleRate = cmd.Value
			p.Bandwidth = cmd.Value
		}, false)

	case "set_fft_size":
		return co.setFFTSize(int(cmd.Value))

	case "set_dsp":
		return co.setDSP(cmd.Params)

	case "set_agc":
		if cmd.Enabled != nil {
			co.agc.SetEnabled(*cmd.Enabled)
			co.broadcastStatus()
		}

	case "reset_peak_hold":
		co.pipe.ResetPeakHold()

	case "sweep_start":
		mode, err := sweep.ParseMode(cmd.Mode)
		if err != nil {
			return err
		}
		cfg := sweep.Config{
			Mode:       mode,
			FreqStart:  cmd.FreqStart,
			FreqEnd:    cmd.FreqEnd,
			SampleRate: cmd.SampleRate,
			Averages:   cmd.Averages,
			FFTSize:    co.pipe.Config().FFTSize,
		}
		if err := co.startSweep(cfg); err != nil {
			return err
		}
		co.broadcastStatus()

	case "sweep_stop":
		if err := co.stopSweep(); err != nil {
			return err
		}
		co.broadcastStatus()

	case "detection_enable":
		if cmd.Enabled != nil {
			lost := co.detector.SetEnabled(*cmd.Enabled)
			if len(lost) > 0 {
				co.postEvent(evDetector{events: lost})
			}
			co.broadcastStatus()
		}

	case "detection_set":
		var p detectionParams
		if len(cmd.Params) > 0 {
			if err := json.Unmarshal(cmd.Params, &p); err != nil {
				return errors.New("malformed detection params")
			}
		}
		if p.ThresholdDB != nil {
			if *p.ThresholdDB <= 0 {
				return errors.New("threshold must be positive dB over the noise floor")
			}
			co.detector.SetThreshold(*p.ThresholdDB)
		}
		co.broadcastStatus()

	case "signal_list":
		return co.sendSignalList(c)

	case "rec_iq_start":
		co.lock()
		p := co.devParams
		fft := co.pipe.Config().FFTSize
		co.unlock()
		name, err := co.rec.IQ.Start(p.SampleRate, p.CenterFreq, p.Bandwidth, p.Gain, fft)
		if err != nil {
			return err
		}
		co.hub.SendText(c, map[string]any{"type": "status", "data": map[string]any{"iq_recording": true, "iq_filename": name}})
		co.broadcastStatus()

	case "rec_iq_stop":
		meta, err := co.rec.IQ.Stop()
		if err != nil && !errors.Is(err, record.ErrStorageExhausted) {
			return err
		}
		co.hub.SendText(c, map[string]any{"type": "status", "data": map[string]any{
			"iq_recording": false, "iq_filename": meta.Filename, "iq_bytes": meta.TotalBytes,
		}})
		co.broadcastStatus()

	case "rec_spectrum_start":
		co.lock()
		p := co.devParams
		cfg := co.pipe.Config()
		co.unlock()
		name, err := co.rec.Spectrum.Start(p.SampleRate, p.CenterFreq, cfg.FFTSize, cfg.Window.String())
		if err != nil {
			return err
		}
		co.hub.SendText(c, map[string]any{"type": "status", "data": map[string]any{"spectrum_recording": true, "spectrum_filename": name}})
		co.broadcastStatus()

	case "rec_spectrum_stop":
		meta, err := co.rec.Spectrum.Stop()
		if err != nil && !errors.Is(err, record.ErrStorageExhausted) {
			return err
		}
		co.hub.SendText(c, map[string]any{"type": "status", "data": map[string]any{
			"spectrum_recording": false, "spectrum_filename": meta.Filename, "spectrum_frames": meta.TotalFrames,
		}})
		co.broadcastStatus()

	case "rec_list":
		list, err := co.rec.List()
		if err != nil {
			return err
		}
		co.hub.SendText(c, map[string]any{"type": "recordings", "data": list})

	case "rec_delete":
		if cmd.Filename == "" {
			return errors.New("filename required")
		}
		if err := co.rec.Delete(baseName(cmd.Filename)); err != nil {
			return err
		}
		co.broadcastStatus()

	case "rec_export":
		if cmd.Filename == "" {
			return errors.New("filename required")
		}
		name := baseName(cmd.Filename)
		go func() {
			out, err := record.ExportParquet(co.rec.Dir(), name)
			if err != nil {
				co.hub.SendText(c, map[string]any{"type": "error", "message": "export failed: " + err.Error()})
				return
			}
			co.hub.SendText(c, map[string]any{"type": "export_done", "data": map[string]any{"filename": out}})
		}()

	case "playback_start":
		if cmd.Filename == "" {
			return errors.New("filename required")
		}
		if err := co.startPlayback(baseName(cmd.Filename)); err != nil {
			return err
		}
		co.broadcastStatus()

	case "playback_pause":
		if err := co.playback.Pause(); err != nil {
			return err
		}
		co.broadcastStatus()

	case "playback_resume":
		if err := co.playback.Resume(); err != nil {
			return err
		}
		co.broadcastStatus()

	case "playback_stop":
		co.lock()
		if co.mode == ModePlayback {
			co.stopPlaybackLocked()
		}
		co.unlock()
		co.broadcastStatus()

	case "playback_speed":
		if err := co.playback.SetSpeed(cmd.Value); err != nil {
			return err
		}
		co.broadcastStatus()

	case "playback_loop":
		if cmd.Enabled != nil {
			co.playback.SetLoop(*cmd.Enabled)
			co.broadcastStatus()
		}

	case "get_status":
		co.hub.SendText(c, map[string]any{"type": "status", "data": co.status()})

	case "check_device":
		probe := device.Probe(co.src)
		co.hub.SendText(c, map[string]any{"type": "status", "data": probe})

	default:
		log.Warn("unknown command", "cmd", cmd.Cmd, "client", c.ID())
		return errors.New("unknown command: " + cmd.Cmd)
	}
	return nil
}

// setTuning applies a device parameter change. Frequency and gain retune in
// place while live; rate and bandwidth bounce the producer.
func (co *Coordinator) setTuning(apply func(*device.Params), liveSafe bool) error {
	co.lock()
	defer func() {
		co.unlock()
		co.broadcastStatus()
	}()

	p := co.devParams
	apply(&p)

	if co.mode == ModeSweep {
		return errors.New("busy: sweep running")
	}

	if co.mode == ModeLive || co.mode == ModePlayback {
		if !liveSafe {
			return co.restartSourceLocked(p)
		}
		if p.CenterFreq != co.devParams.CenterFreq {
			if err := co.src.SetFrequency(p.CenterFreq); err != nil {
				return err
			}
		}
		if p.Gain != co.devParams.Gain {
			if err := co.src.SetGain(p.Gain); err != nil {
				return err
			}
		}
		co.devParams = p
		return nil
	}

	// Idle: a full configure validates against device limits.
	if err := co.src.Configure(p); err != nil {
		return err
	}
	co.devParams = p
	return nil
}

// setFFTSize is a size-changing reconfiguration: forbidden while streaming.
func (co *Coordinator) setFFTSize(size int) error {
	co.lock()
	defer func() {
		co.unlock()
		co.broadcastStatus()
	}()

	if co.mode != ModeIdle {
		return errors.New("busy: stop streaming before changing FFT size")
	}

	cfg := co.pipe.Config()
	cfg.FFTSize = size
	cfg.OutputBins = size
	reset, err := co.pipe.SetConfig(cfg)
	if err != nil {
		return err
	}
	if reset {
		log.Info("dsp state reset", "fft_size", size)
	}
	co.src.SetBlockSize(size)
	return nil
}

// setDSP translates free-form params into a validated config swap.
func (co *Coordinator) setDSP(raw json.RawMessage) error {
	var p dspParams
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &p); err != nil {
			return errors.New("malformed dsp params")
		}
	}

	co.lock()
	defer func() {
		co.unlock()
		co.broadcastStatus()
	}()

	cfg := co.pipe.Config()
	if p.Window != nil {
		w, err := dsp.ParseWindow(*p.Window)
		if err != nil {
			return err
		}
		cfg.Window = w
	}
	if p.Averaging != nil {
		m, err := dsp.ParseAveraging(*p.Averaging)
		if err != nil {
			return err
		}
		cfg.Averaging = m
	}
	if p.AvgCount != nil {
		cfg.AvgCount = *p.AvgCount
	}
	if p.AvgAlpha != nil {
		cfg.AvgAlpha = *p.AvgAlpha
	}
	if p.DCRemoval != nil {
		cfg.DCRemoval = *p.DCRemoval
	}
	if p.PeakHold != nil {
		cfg.PeakHold = *p.PeakHold
	}
	if p.PeakHoldDecay != nil {
		cfg.PeakHoldDecay = *p.PeakHoldDecay
	}
	if p.Overlap != nil || p.OutputBins != nil {
		if co.mode != ModeIdle {
			return errors.New("busy: stop streaming before changing frame geometry")
		}
		if p.Overlap != nil {
			cfg.OverlapFraction = *p.Overlap
		}
		if p.OutputBins != nil {
			cfg.OutputBins = *p.OutputBins
		}
	}

	reset, err := co.pipe.SetConfig(cfg)
	if err != nil {
		return err
	}
	if reset {
		log.Info("dsp state reset by reconfiguration")
	}
	return nil
}

func (co *Coordinator) sendSignalList(c *Client) error {
	tracked := co.detector.Tracked()
	var stored []detect.StoredSignal
	if co.store != nil {
		var err error
		stored, err = co.store.Recent(100)
		if err != nil {
			return err
		}
	}
	co.hub.SendText(c, map[string]any{
		"type": "signals",
		"data": map[string]any{"tracked": tracked, "stored": stored},
	})
	return nil
}
