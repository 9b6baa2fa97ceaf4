package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSpectrumRoundTrip(t *testing.T) {
	in := &Spectrum{
		CenterFreq:     100e6,
		SampleRate:     2e6,
		Bandwidth:      2e6,
		Gain:           40.5,
		FFTSize:        2048,
		NoiseFloor:     -95.25,
		PeakPower:      -20.125,
		PeakFreqOffset: 0.125,
		Timestamp:      1700000000.25,
		Bins:           []float32{-100, -90.5, -80.25, -70},
		PeakHold:       []float32{-99, -88, -77, -66},
	}

	frame := EncodeSpectrum(in)
	require.Equal(t, HeaderSize+SpectrumHeaderSize+8*4, len(frame))

	mt, err := MessageType(frame)
	require.NoError(t, err)
	require.Equal(t, uint8(MsgSpectrum), mt)

	out, err := DecodeSpectrum(frame)
	require.NoError(t, err)
	assert.Equal(t, in.CenterFreq, out.CenterFreq)
	assert.Equal(t, in.SampleRate, out.SampleRate)
	assert.Equal(t, in.Bandwidth, out.Bandwidth)
	assert.Equal(t, in.Gain, out.Gain)
	assert.Equal(t, in.FFTSize, out.FFTSize)
	assert.Equal(t, in.NoiseFloor, out.NoiseFloor)
	assert.Equal(t, in.PeakPower, out.PeakPower)
	assert.Equal(t, in.PeakFreqOffset, out.PeakFreqOffset)
	assert.Equal(t, in.Timestamp, out.Timestamp)
	assert.Equal(t, in.Bins, out.Bins)
	assert.Equal(t, in.PeakHold, out.PeakHold)
}

func TestSpectrumNoPeakHold(t *testing.T) {
	in := &Spectrum{FFTSize: 256, Bins: []float32{-50, -60}}
	out, err := DecodeSpectrum(EncodeSpectrum(in))
	require.NoError(t, err)
	assert.Nil(t, out.PeakHold)
	assert.Equal(t, in.Bins, out.Bins)
}

func TestSegmentRoundTrip(t *testing.T) {
	in := &Segment{
		SweepID:       7,
		SegmentIdx:    2,
		TotalSegments: 4,
		FreqLo:        116e6,
		FreqHi:        124e6,
		SweepStart:    100e6,
		SweepEnd:      130e6,
		Bins:          []float32{-90, -80, -70},
	}

	frame := EncodeSegment(in)
	out, err := DecodeSegment(frame)
	require.NoError(t, err)
	assert.Equal(t, in, out)

	// Non-final segment: in-progress set, complete clear.
	flags := uint16(frame[2])<<8 | uint16(frame[3])
	assert.NotZero(t, flags&FlagSweepActive)
	assert.Zero(t, flags&FlagSweepComplete)

	in.SegmentIdx = 3
	frame = EncodeSegment(in)
	flags = uint16(frame[2])<<8 | uint16(frame[3])
	assert.NotZero(t, flags&FlagSweepComplete)
}

func TestPanoramaRoundTrip(t *testing.T) {
	in := &Panorama{
		SweepID:     3,
		SweepMode:   1,
		FreqStart:   100e6,
		FreqEnd:     130e6,
		SweepTimeMS: 421.5,
		Timestamp:   1700000123.5,
		Bins:        []float32{-200, -91, -82.5},
	}
	out, err := DecodePanorama(EncodePanorama(in))
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestDecodeRejectsCorruptFrames(t *testing.T) {
	frame := EncodeSegment(&Segment{TotalSegments: 1, Bins: []float32{-80}})

	_, err := DecodeSegment(frame[:5])
	assert.ErrorIs(t, err, ErrShortFrame)

	bad := append([]byte(nil), frame...)
	bad[0] = 0x01
	_, err = DecodeSegment(bad)
	assert.ErrorIs(t, err, ErrBadVersion)

	_, err = DecodeSpectrum(frame)
	assert.ErrorIs(t, err, ErrWrongType)

	truncated := frame[:len(frame)-2]
	_, err = DecodeSegment(truncated)
	assert.ErrorIs(t, err, ErrBadPayload)
}
