// Package wire implements the binary WebSocket protocol carrying spectrum,
// sweep segment and panorama frames. All multi-byte fields are big-endian.
//
// Frame header (8 bytes, all frames):
//
//	version:u8 = 0x02, msg_type:u8, flags:u16, payload_len:u32
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

const (
	Version = 0x02

	HeaderSize         = 8
	SpectrumHeaderSize = 56
	SegmentHeaderSize  = 44
	PanoramaHeaderSize = 40
)

// Message types.
const (
	MsgSpectrum      = 0x01
	MsgSweepSegment  = 0x03
	MsgSweepPanorama = 0x04
)

// Flags.
const (
	FlagPeakHold      = 0x0001
	FlagSweepComplete = 0x0002
	FlagSweepActive   = 0x0004
)

var (
	ErrShortFrame  = errors.New("wire: frame truncated")
	ErrBadVersion  = errors.New("wire: unsupported protocol version")
	ErrBadPayload  = errors.New("wire: payload length mismatch")
	ErrWrongType   = errors.New("wire: unexpected message type")
	ErrBinMismatch = errors.New("wire: bin count does not match payload")
)

// Spectrum is one live spectrum frame.
type Spectrum struct {
	CenterFreq     float64
	SampleRate     float64
	Bandwidth      float64
	Gain           float32
	FFTSize        uint32
	NoiseFloor     float32
	PeakPower      float32
	PeakFreqOffset float32
	Timestamp      float64 // unix seconds
	Bins           []float32
	PeakHold       []float32 // nil unless peak hold enabled
	SweepActive    bool
}

// Segment is one sweep step's averaged spectrum.
type Segment struct {
	SweepID       uint32
	SegmentIdx    uint16
	TotalSegments uint16
	FreqLo        float64
	FreqHi        float64
	SweepStart    float64
	SweepEnd      float64
	Bins          []float32
}

// Panorama is a completed stitched sweep.
type Panorama struct {
	SweepID     uint32
	SweepMode   uint8 // 0 = survey, 1 = band monitor
	FreqStart   float64
	FreqEnd     float64
	SweepTimeMS float32
	Timestamp   float64
	Bins        []float32
}

func putHeader(buf []byte, msgType uint8, flags uint16, payloadLen int) {
	buf[0] = Version
	buf[1] = msgType
	binary.BigEndian.PutUint16(buf[2:], flags)
	binary.BigEndian.PutUint32(buf[4:], uint32(payloadLen))
}

// EncodeSpectrum packs a spectrum frame. Single allocation; the caller's bin
// slices are copied, never retained.
func EncodeSpectrum(s *Spectrum) []byte {
	flags := uint16(0)
	if s.PeakHold != nil {
		flags |= FlagPeakHold
	}
	if s.SweepActive {
		flags |= FlagSweepActive
	}

	payloadLen := SpectrumHeaderSize + 4*len(s.Bins) + 4*len(s.PeakHold)
	buf := make([]byte, HeaderSize+payloadLen)
	putHeader(buf, MsgSpectrum, flags, payloadLen)

	p := buf[HeaderSize:]
	binary.BigEndian.PutUint64(p[0:], math.Float64bits(s.CenterFreq))
	binary.BigEndian.PutUint64(p[8:], math.Float64bits(s.SampleRate))
	binary.BigEndian.PutUint64(p[16:], math.Float64bits(s.Bandwidth))
	binary.BigEndian.PutUint32(p[24:], math.Float32bits(s.Gain))
	binary.BigEndian.PutUint32(p[28:], s.FFTSize)
	binary.BigEndian.PutUint32(p[32:], uint32(len(s.Bins)))
	binary.BigEndian.PutUint32(p[36:], math.Float32bits(s.NoiseFloor))
	binary.BigEndian.PutUint32(p[40:], math.Float32bits(s.PeakPower))
	binary.BigEndian.PutUint32(p[44:], math.Float32bits(s.PeakFreqOffset))
	binary.BigEndian.PutUint64(p[48:], math.Float64bits(s.Timestamp))

	off := SpectrumHeaderSize
	for _, v := range s.Bins {
		binary.BigEndian.PutUint32(p[off:], math.Float32bits(v))
		off += 4
	}
	for _, v := range s.PeakHold {
		binary.BigEndian.PutUint32(p[off:], math.Float32bits(v))
		off += 4
	}
	return buf
}

// DecodeSpectrum unpacks a spectrum frame produced by EncodeSpectrum.
func DecodeSpectrum(frame []byte) (*Spectrum, error) {
	payload, flags, err := checkFrame(frame, MsgSpectrum)
	if err != nil {
		return nil, err
	}
	if len(payload) < SpectrumHeaderSize {
		return nil, ErrShortFrame
	}

	s := &Spectrum{
		CenterFreq:     math.Float64frombits(binary.BigEndian.Uint64(payload[0:])),
		SampleRate:     math.Float64frombits(binary.BigEndian.Uint64(payload[8:])),
		Bandwidth:      math.Float64frombits(binary.BigEndian.Uint64(payload[16:])),
		Gain:           math.Float32frombits(binary.BigEndian.Uint32(payload[24:])),
		FFTSize:        binary.BigEndian.Uint32(payload[28:]),
		NoiseFloor:     math.Float32frombits(binary.BigEndian.Uint32(payload[36:])),
		PeakPower:      math.Float32frombits(binary.BigEndian.Uint32(payload[40:])),
		PeakFreqOffset: math.Float32frombits(binary.BigEndian.Uint32(payload[44:])),
		Timestamp:      math.Float64frombits(binary.BigEndian.Uint64(payload[48:])),
		SweepActive:    flags&FlagSweepActive != 0,
	}
	numBins := int(binary.BigEndian.Uint32(payload[32:]))

	want := SpectrumHeaderSize + 4*numBins
	if flags&FlagPeakHold != 0 {
		want += 4 * numBins
	}
	if len(payload) != want {
		return nil, ErrBinMismatch
	}

	s.Bins = decodeF32(payload[SpectrumHeaderSize:], numBins)
	if flags&FlagPeakHold != 0 {
		s.PeakHold = decodeF32(payload[SpectrumHeaderSize+4*numBins:], numBins)
	}
	return s, nil
}

// EncodeSegment packs one sweep segment. Segments always carry the
// sweep-in-progress flag; the final segment carries sweep-complete too.
func EncodeSegment(seg *Segment) []byte {
	flags := uint16(FlagSweepActive)
	if int(seg.SegmentIdx) == int(seg.TotalSegments)-1 {
		flags |= FlagSweepComplete
	}

	payloadLen := SegmentHeaderSize + 4*len(seg.Bins)
	buf := make([]byte, HeaderSize+payloadLen)
	putHeader(buf, MsgSweepSegment, flags, payloadLen)

	p := buf[HeaderSize:]
	binary.BigEndian.PutUint32(p[0:], seg.SweepID)
	binary.BigEndian.PutUint16(p[4:], seg.SegmentIdx)
	binary.BigEndian.PutUint16(p[6:], seg.TotalSegments)
	binary.BigEndian.PutUint64(p[8:], math.Float64bits(seg.FreqLo))
	binary.BigEndian.PutUint64(p[16:], math.Float64bits(seg.FreqHi))
	binary.BigEndian.PutUint64(p[24:], math.Float64bits(seg.SweepStart))
	binary.BigEndian.PutUint64(p[32:], math.Float64bits(seg.SweepEnd))
	binary.BigEndian.PutUint32(p[40:], uint32(len(seg.Bins)))

	off := SegmentHeaderSize
	for _, v := range seg.Bins {
		binary.BigEndian.PutUint32(p[off:], math.Float32bits(v))
		off += 4
	}
	return buf
}

// DecodeSegment unpacks a sweep segment frame.
func DecodeSegment(frame []byte) (*Segment, error) {
	payload, _, err := checkFrame(frame, MsgSweepSegment)
	if err != nil {
		return nil, err
	}
	if len(payload) < SegmentHeaderSize {
		return nil, ErrShortFrame
	}

	seg := &Segment{
		SweepID:       binary.BigEndian.Uint32(payload[0:]),
		SegmentIdx:    binary.BigEndian.Uint16(payload[4:]),
		TotalSegments: binary.BigEndian.Uint16(payload[6:]),
		FreqLo:        math.Float64frombits(binary.BigEndian.Uint64(payload[8:])),
		FreqHi:        math.Float64frombits(binary.BigEndian.Uint64(payload[16:])),
		SweepStart:    math.Float64frombits(binary.BigEndian.Uint64(payload[24:])),
		SweepEnd:      math.Float64frombits(binary.BigEndian.Uint64(payload[32:])),
	}
	numBins := int(binary.BigEndian.Uint32(payload[40:]))
	if len(payload) != SegmentHeaderSize+4*numBins {
		return nil, ErrBinMismatch
	}
	seg.Bins = decodeF32(payload[SegmentHeaderSize:], numBins)
	return seg, nil
}

// EncodePanorama packs a completed stitched sweep.
func EncodePanorama(p *Panorama) []byte {
	payloadLen := PanoramaHeaderSize + 4*len(p.Bins)
	buf := make([]byte, HeaderSize+payloadLen)
	putHeader(buf, MsgSweepPanorama, FlagSweepComplete, payloadLen)

	b := buf[HeaderSize:]
	binary.BigEndian.PutUint32(b[0:], p.SweepID)
	b[4] = p.SweepMode
	// bytes 5..7 are padding
	binary.BigEndian.PutUint64(b[8:], math.Float64bits(p.FreqStart))
	binary.BigEndian.PutUint64(b[16:], math.Float64bits(p.FreqEnd))
	binary.BigEndian.PutUint32(b[24:], uint32(len(p.Bins)))
	binary.BigEndian.PutUint32(b[28:], math.Float32bits(p.SweepTimeMS))
	binary.BigEndian.PutUint64(b[32:], math.Float64bits(p.Timestamp))

	off := PanoramaHeaderSize
	for _, v := range p.Bins {
		binary.BigEndian.PutUint32(b[off:], math.Float32bits(v))
		off += 4
	}
	return buf
}

// DecodePanorama unpacks a panorama frame.
func DecodePanorama(frame []byte) (*Panorama, error) {
	payload, _, err := checkFrame(frame, MsgSweepPanorama)
	if err != nil {
		return nil, err
	}
	if len(payload) < PanoramaHeaderSize {
		return nil, ErrShortFrame
	}

	p := &Panorama{
		SweepID:     binary.BigEndian.Uint32(payload[0:]),
		SweepMode:   payload[4],
		FreqStart:   math.Float64frombits(binary.BigEndian.Uint64(payload[8:])),
		FreqEnd:     math.Float64frombits(binary.BigEndian.Uint64(payload[16:])),
		SweepTimeMS: math.Float32frombits(binary.BigEndian.Uint32(payload[28:])),
		Timestamp:   math.Float64frombits(binary.BigEndian.Uint64(payload[32:])),
	}
	numBins := int(binary.BigEndian.Uint32(payload[24:]))
	if len(payload) != PanoramaHeaderSize+4*numBins {
		return nil, ErrBinMismatch
	}
	p.Bins = decodeF32(payload[PanoramaHeaderSize:], numBins)
	return p, nil
}

// MessageType returns the msg_type byte of an encoded frame.
func MessageType(frame []byte) (uint8, error) {
	if len(frame) < HeaderSize {
		return 0, ErrShortFrame
	}
	return frame[1], nil
}

func checkFrame(frame []byte, wantType uint8) (payload []byte, flags uint16, err error) {
	if len(frame) < HeaderSize {
		return nil, 0, ErrShortFrame
	}
	if frame[0] != Version {
		return nil, 0, fmt.Errorf("%w: 0x%02x", ErrBadVersion, frame[0])
	}
	if frame[1] != wantType {
		return nil, 0, fmt.Errorf("%w: got 0x%02x want 0x%02x", ErrWrongType, frame[1], wantType)
	}
	flags = binary.BigEndian.Uint16(frame[2:])
	payloadLen := int(binary.BigEndian.Uint32(frame[4:]))
	if len(frame) != HeaderSize+payloadLen {
		return nil, 0, ErrBadPayload
	}
	return frame[HeaderSize:], flags, nil
}

func decodeF32(b []byte, n int) []float32 {
	out := make([]float32, n)
	for i := 0; i < n; i++ {
		out[i] = math.Float32frombits(binary.BigEndian.Uint32(b[4*i:]))
	}
	return out
}
