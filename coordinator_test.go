package main

import (
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/specd/pkg/detect"
	"github.com/specd/pkg/device"
	"github.com/specd/pkg/dsp"
	"github.com/specd/pkg/record"
	"github.com/specd/pkg/sweep"
	"github.com/specd/pkg/wire"
)

func testCoordinator(t *testing.T) (*Coordinator, *Hub, *device.Sim) {
	t.Helper()
	dir := t.TempDir()

	src := device.NewSim()
	src.Throttle = false

	rec, err := record.NewManager(dir, 0)
	require.NoError(t, err)
	store, err := detect.OpenStore(filepath.Join(dir, "signals.db"), 50e3)
	require.NoError(t, err)

	cfg := dsp.DefaultConfig()
	cfg.FFTSize = 1024
	cfg.OutputBins = 1024
	cfg.Averaging = dsp.AvgNone

	hub := newHub()
	co, err := newCoordinator(hub, src,
		rec, store,
		device.Params{SampleRate: 2e6, CenterFreq: 100e6, Bandwidth: 2e6, Gain: 40},
		cfg)
	require.NoError(t, err)
	t.Cleanup(co.shutdown)
	return co, hub, src
}

func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func popLive(c *Client) []byte {
	_, payload, ok, _ := c.next()
	if !ok {
		return nil
	}
	return payload
}

func TestLiveStreamingEndToEnd(t *testing.T) {
	co, hub, _ := testCoordinator(t)
	c := queueClient(hub)

	require.NoError(t, co.startLive())
	assert.Equal(t, "live", co.status().Mode)

	var first *wire.Spectrum
	waitFor(t, 5*time.Second, "first spectrum frame", func() bool {
		payload := popLive(c)
		if payload == nil {
			return false
		}
		if mt, _ := wire.MessageType(payload); mt != wire.MsgSpectrum {
			return false
		}
		s, err := wire.DecodeSpectrum(payload)
		if err != nil {
			return false
		}
		first = s
		return true
	})

	assert.Equal(t, uint32(1024), first.FFTSize)
	assert.Len(t, first.Bins, 1024)
	assert.Equal(t, 100e6, first.CenterFreq)
	for _, v := range first.Bins {
		require.False(t, v != v, "NaN bin") // NaN check without importing math
	}

	// Timestamps are monotonically non-decreasing across frames.
	var second *wire.Spectrum
	waitFor(t, 5*time.Second, "second spectrum frame", func() bool {
		payload := popLive(c)
		if payload == nil {
			return false
		}
		if s, err := wire.DecodeSpectrum(payload); err == nil {
			second = s
			return true
		}
		return false
	})
	assert.GreaterOrEqual(t, second.Timestamp, first.Timestamp)
}

// Stop from live must reach idle within the 2 s deadline with the worker
// joined and the device handle released.
func TestStopWithinDeadline(t *testing.T) {
	co, _, src := testCoordinator(t)
	require.NoError(t, co.startLive())
	time.Sleep(50 * time.Millisecond)

	begin := time.Now()
	co.stopAll()
	elapsed := time.Since(begin)

	assert.Less(t, elapsed, 2*time.Second, "shutdown deadline")
	assert.Equal(t, "idle", co.status().Mode)
	assert.False(t, src.Status().Running, "producer joined and handle released")

	probe := device.Probe(src)
	assert.True(t, probe.Available, "second probe succeeds after release")

	// The pipeline can start again cleanly.
	require.NoError(t, co.startLive())
	co.stopAll()
}

func TestStartWhileLiveIsBusy(t *testing.T) {
	co, _, _ := testCoordinator(t)
	require.NoError(t, co.startLive())
	err := co.startLive()
	assert.ErrorIs(t, err, errBusy)
	co.stopAll()
}

func TestSweepThroughCoordinator(t *testing.T) {
	co, hub, _ := testCoordinator(t)
	c := queueClient(hub)

	require.NoError(t, co.startSweep(sweep.Config{
		Mode:       sweep.ModeSurvey,
		FreqStart:  100e6,
		FreqEnd:    130e6,
		SampleRate: 10e6,
		Averages:   2,
	}))

	waitFor(t, 10*time.Second, "sweep to finish", func() bool {
		return co.status().Mode == "idle"
	})

	// Drain the client's lossless sweep queue: 4 segments then the panorama.
	var segs []*wire.Segment
	var pan *wire.Panorama
	for {
		_, payload, ok, _ := c.next()
		if !ok {
			break
		}
		mt, err := wire.MessageType(payload)
		if err != nil {
			continue
		}
		switch mt {
		case wire.MsgSweepSegment:
			seg, err := wire.DecodeSegment(payload)
			require.NoError(t, err)
			segs = append(segs, seg)
		case wire.MsgSweepPanorama:
			p, err := wire.DecodePanorama(payload)
			require.NoError(t, err)
			pan = p
		}
	}

	require.Len(t, segs, 4)
	for i, seg := range segs {
		assert.Equal(t, uint16(i), seg.SegmentIdx)
		assert.Equal(t, uint16(4), seg.TotalSegments)
		assert.Less(t, seg.FreqLo, seg.FreqHi)
		assert.Equal(t, 100e6, seg.SweepStart)
		assert.Equal(t, 130e6, seg.SweepEnd)
	}
	// Union of segments covers the sweep range.
	assert.InDelta(t, 100e6, segs[0].FreqLo, 1)
	assert.GreaterOrEqual(t, segs[3].FreqHi, 130e6)

	require.NotNil(t, pan, "panorama emitted on completion")
	assert.Equal(t, 100e6, pan.FreqStart)
	assert.Equal(t, 130e6, pan.FreqEnd)
	assert.NotEmpty(t, pan.Bins)
}

func TestSweepResumesLive(t *testing.T) {
	co, _, _ := testCoordinator(t)
	require.NoError(t, co.startLive())

	require.NoError(t, co.startSweep(sweep.Config{
		Mode:       sweep.ModeSurvey,
		FreqStart:  100e6,
		FreqEnd:    110e6,
		SampleRate: 10e6,
		Averages:   2,
	}))
	assert.Equal(t, "sweep_running", co.status().Mode)

	waitFor(t, 10*time.Second, "live mode restored", func() bool {
		return co.status().Mode == "live"
	})
	co.stopAll()
	assert.Equal(t, "idle", co.status().Mode)
}

func TestSweepStartWhileSweepingIsBusy(t *testing.T) {
	co, _, _ := testCoordinator(t)
	cfg := sweep.Config{
		Mode:       sweep.ModeBandMonitor,
		FreqStart:  100e6,
		FreqEnd:    200e6,
		SampleRate: 2e6,
		Averages:   8,
	}
	require.NoError(t, co.startSweep(cfg))
	err := co.startSweep(cfg)
	assert.ErrorIs(t, err, errBusy)
	co.stopAll()
}

func TestPlaybackThroughCoordinator(t *testing.T) {
	co, hub, _ := testCoordinator(t)
	c := queueClient(hub)

	// Record a short IQ capture from the live path first.
	require.NoError(t, co.startLive())
	name, err := co.rec.IQ.Start(2e6, 100e6, 2e6, 40, 1024)
	require.NoError(t, err)
	waitFor(t, 5*time.Second, "recording to grow", func() bool {
		return co.rec.IQ.Meta().TotalSamples > 8192
	})
	_, err = co.rec.IQ.Stop()
	require.NoError(t, err)
	co.stopAll()

	co.playback.Throttle = false
	require.NoError(t, co.startPlayback(name))
	assert.Equal(t, "playback", co.status().Mode)

	waitFor(t, 5*time.Second, "playback spectrum frame", func() bool {
		payload := popLive(c)
		if payload == nil {
			return false
		}
		mt, _ := wire.MessageType(payload)
		return mt == wire.MsgSpectrum
	})

	// Playback of a short file finishes on its own and the session returns
	// to idle.
	waitFor(t, 5*time.Second, "playback to finish", func() bool {
		return co.status().Mode == "idle"
	})
}

func TestCommandSurface(t *testing.T) {
	co, hub, _ := testCoordinator(t)
	c := queueClient(hub)

	send := func(s string) {
		co.HandleCommand(c, []byte(s))
	}
	lastText := func() map[string]any {
		var last []byte
		for {
			msgType, payload, ok, _ := c.next()
			if !ok {
				break
			}
			if msgType == 1 { // websocket.TextMessage
				last = payload
			}
		}
		if last == nil {
			return nil
		}
		var m map[string]any
		require.NoError(t, json.Unmarshal(last, &m))
		return m
	}

	send(`{"cmd":"get_status"}`)
	msg := lastText()
	require.NotNil(t, msg)
	assert.Equal(t, "status", msg["type"])

	// Malformed frame: error reply, connection preserved.
	send(`{not json`)
	msg = lastText()
	require.NotNil(t, msg)
	assert.Equal(t, "error", msg["type"])
	c.mu.Lock()
	closedAfter := c.closed
	c.mu.Unlock()
	assert.False(t, closedAfter)

	// Unknown command is an error, not a disconnect.
	send(`{"cmd":"warp_drive"}`)
	msg = lastText()
	assert.Equal(t, "error", msg["type"])

	// Validation: inverted sweep range.
	send(`{"cmd":"sweep_start","freq_start":2e9,"freq_end":1e9,"sample_rate":10e6}`)
	msg = lastText()
	assert.Equal(t, "error", msg["type"])

	// FFT size change while idle works and resizes output bins.
	send(`{"cmd":"set_fft_size","value":4096}`)
	assert.Equal(t, 4096, co.status().FFTSize)
	assert.Equal(t, 4096, co.status().OutputBins)

	// Non-power-of-two rejected.
	send(`{"cmd":"set_fft_size","value":1000}`)
	msg = lastText()
	assert.Equal(t, "error", msg["type"])

	// FFT size change while streaming is Busy.
	require.NoError(t, co.startLive())
	send(`{"cmd":"set_fft_size","value":2048}`)
	msg = lastText()
	require.NotNil(t, msg)
	assert.Equal(t, "error", msg["type"])
	assert.Contains(t, msg["message"], "busy")
	co.stopAll()

	// set_dsp translates free-form params into the typed config.
	send(`{"cmd":"set_dsp","params":{"window_kind":"hanning","averaging_mode":"linear","averaging_count":4}}`)
	st := co.status()
	assert.Equal(t, "hanning", st.WindowKind)
	assert.Equal(t, "linear", st.AveragingMode)
	assert.Equal(t, 4, st.AvgCount)

	send(`{"cmd":"set_dsp","params":{"window_kind":"klingon"}}`)
	msg = lastText()
	assert.Equal(t, "error", msg["type"])

	send(`{"cmd":"set_frequency","value":433.92e6}`)
	assert.Equal(t, 433.92e6, co.status().CenterFreq)

	send(`{"cmd":"set_agc","enabled":true}`)
	assert.True(t, co.status().AGCEnabled)

	send(`{"cmd":"detection_enable","enabled":true}`)
	assert.True(t, co.status().DetectionEnabled)
	send(`{"cmd":"detection_set","params":{"threshold_db":15}}`)
	assert.Equal(t, 15.0, co.status().ThresholdDB)
}

func TestPathTraversalGuard(t *testing.T) {
	assert.Equal(t, "passwd", baseName("../../etc/passwd"))
	assert.Equal(t, "x.raw", baseName(`..\..\x.raw`))
	assert.Equal(t, "plain.raw", baseName("plain.raw"))
	assert.Equal(t, "c.raw", baseName("a/b/c.raw"))

	co, hub, _ := testCoordinator(t)
	c := queueClient(hub)
	// The delete lands inside the data dir (and fails: no such recording),
	// never outside it.
	co.HandleCommand(c, []byte(`{"cmd":"rec_delete","filename":"../../../../etc/hosts"}`))
	_, payload, ok, _ := c.next()
	require.True(t, ok)
	assert.Contains(t, string(payload), "error")
}

func TestDeviceLossIsTerminal(t *testing.T) {
	co, _, src := testCoordinator(t)
	src.FailNextStart()

	err := co.startLive()
	require.Error(t, err)
	assert.ErrorIs(t, err, device.ErrUnavailable)

	st := co.status()
	assert.Equal(t, "idle", st.Mode)
	assert.NotEmpty(t, st.DeviceError)
}
