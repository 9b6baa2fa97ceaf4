package record

import (
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/specd/pkg/bridge"
)

func testSamples(n int) []complex128 {
	out := make([]complex128, n)
	for i := range out {
		// Values exactly representable as float32 survive the file format.
		re := float32(math.Sin(float64(i) * 0.13))
		im := float32(math.Cos(float64(i) * 0.13))
		out[i] = complex(float64(re), float64(im))
	}
	return out
}

func TestIQRoundTrip(t *testing.T) {
	dir := t.TempDir()
	m, err := NewManager(dir, 0)
	require.NoError(t, err)

	name, err := m.IQ.Start(2e6, 100e6, 2e6, 40, 2048)
	require.NoError(t, err)

	const blockSize = 1024
	captured := testSamples(4 * blockSize)
	for i := 0; i < 4; i++ {
		m.IQ.Put(captured[i*blockSize : (i+1)*blockSize])
	}
	meta, err := m.IQ.Stop()
	require.NoError(t, err)
	assert.Equal(t, int64(4*blockSize), meta.TotalSamples)
	assert.Equal(t, int64(4*blockSize*iqBytesPerSample), meta.TotalBytes)

	// Play the recording back at 1x and compare sample for sample.
	p := NewPlayback()
	p.Throttle = false
	br := bridge.New(16)
	require.NoError(t, p.Start(dir, name, br, blockSize))

	var played []complex128
	for len(played) < len(captured) {
		blk, ok := br.Pop(2 * time.Second)
		require.True(t, ok, "playback starved at %d samples", len(played))
		assert.Equal(t, 100e6, blk.CenterFreq)
		assert.Equal(t, 2e6, blk.SampleRate)
		played = append(played, blk.Samples...)
	}

	for i := range captured {
		require.Equal(t, captured[i], played[i], "sample %d", i)
	}

	// Without loop the reader finishes on its own.
	select {
	case <-p.done:
	case <-time.After(2 * time.Second):
		t.Fatal("playback did not finish at EOF")
	}
}

func TestPlaybackSeekPauseResume(t *testing.T) {
	dir := t.TempDir()
	m, err := NewManager(dir, 0)
	require.NoError(t, err)

	name, err := m.IQ.Start(2e6, 100e6, 2e6, 40, 2048)
	require.NoError(t, err)
	m.IQ.Put(testSamples(8192))
	_, err = m.IQ.Stop()
	require.NoError(t, err)

	p := NewPlayback()
	p.Throttle = false
	p.SetLoop(true)
	br := bridge.New(64)
	require.NoError(t, p.Start(dir, name, br, 1024))

	require.NoError(t, p.Pause())
	require.NoError(t, p.Seek(0.5))
	st := p.State()
	assert.Equal(t, int64(4096), st.PositionSamples)
	assert.True(t, st.Paused)

	require.NoError(t, p.SetSpeed(100)) // clamped
	assert.Equal(t, MaxSpeed, p.State().Speed)

	require.NoError(t, p.Resume())
	_, ok := br.Pop(2 * time.Second)
	require.True(t, ok)

	time.Sleep(50 * time.Millisecond) // let it wrap at least once
	require.NoError(t, p.Stop())
	assert.False(t, p.State().Playing)
}

func TestStorageBudget(t *testing.T) {
	dir := t.TempDir()
	// Budget of 16 KiB total.
	m, err := NewManager(dir, 16*1024)
	require.NoError(t, err)

	_, err = m.IQ.Start(2e6, 100e6, 2e6, 40, 2048)
	require.NoError(t, err)

	// 8 KiB per block; the third one must trip the budget.
	for i := 0; i < 4; i++ {
		m.IQ.Put(testSamples(1024))
		time.Sleep(20 * time.Millisecond)
	}

	deadline := time.Now().Add(2 * time.Second)
	for m.IQ.Recording() && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	assert.False(t, m.IQ.Recording(), "recorder must stop at the budget")

	_, err = m.IQ.Stop()
	assert.ErrorIs(t, err, ErrStorageExhausted)

	used, budget, _ := m.Usage()
	assert.LessOrEqual(t, used, budget)

	// A new recording is refused while the directory is full.
	_, err = m.IQ.Start(2e6, 100e6, 2e6, 40, 2048)
	assert.ErrorIs(t, err, ErrStorageExhausted)
}

func TestSpectrumRecording(t *testing.T) {
	dir := t.TempDir()
	m, err := NewManager(dir, 0)
	require.NoError(t, err)
	m.Spectrum.interval = 0 // no throttle in tests

	name, err := m.Spectrum.Start(2e6, 100e6, 1024, "blackman_harris")
	require.NoError(t, err)

	bins := []float32{-90.5, -80, -70.25, -95}
	m.Spectrum.Capture(bins, 1000.5, 100e6, 2e6)
	m.Spectrum.Capture(bins, 1001.5, 100e6, 2e6)

	meta, err := m.Spectrum.Stop()
	require.NoError(t, err)
	assert.Equal(t, int64(2), meta.TotalFrames)
	assert.Equal(t, 4, meta.NumBins)

	records, err := ReadSpectrumRecords(filepath.Join(dir, name))
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, 1000.5, records[0].Timestamp)
	assert.Equal(t, 100e6, records[0].CenterFreq)
	assert.Equal(t, 2e6, records[0].SampleRate)
	assert.Equal(t, bins, records[0].Bins)
}

func TestListAndDelete(t *testing.T) {
	dir := t.TempDir()
	m, err := NewManager(dir, 0)
	require.NoError(t, err)

	name, err := m.IQ.Start(2e6, 100e6, 2e6, 40, 2048)
	require.NoError(t, err)
	m.IQ.Put(testSamples(256))
	_, err = m.IQ.Stop()
	require.NoError(t, err)

	list, err := m.List()
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "iq", list[0].Kind)
	assert.Equal(t, name, list[0].Filename)
	assert.NotEmpty(t, list[0].Metadata, "sidecar must surface in the descriptor")

	require.NoError(t, m.Delete(name))
	list, err = m.List()
	require.NoError(t, err)
	assert.Empty(t, list)

	_, err = os.Stat(filepath.Join(dir, name+metaSuffix))
	assert.True(t, os.IsNotExist(err), "sidecar removed with the recording")
}

func TestExportParquet(t *testing.T) {
	dir := t.TempDir()
	m, err := NewManager(dir, 0)
	require.NoError(t, err)

	name, err := m.IQ.Start(2e6, 100e6, 2e6, 40, 2048)
	require.NoError(t, err)
	m.IQ.Put(testSamples(2048))
	_, err = m.IQ.Stop()
	require.NoError(t, err)

	outName, err := ExportParquet(dir, name)
	require.NoError(t, err)
	info, err := os.Stat(filepath.Join(dir, outName))
	require.NoError(t, err)
	assert.Greater(t, info.Size(), int64(0))
}
