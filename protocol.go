package main

import (
	"time"

	"github.com/specd/pkg/sweep"
	"github.com/specd/pkg/wire"
)

// encodeSegmentFrame maps a sweep segment to its wire frame.
func encodeSegmentFrame(seg sweep.Segment) []byte {
	return wire.EncodeSegment(&wire.Segment{
		SweepID:       seg.SweepID,
		SegmentIdx:    uint16(seg.Index),
		TotalSegments: uint16(seg.Total),
		FreqLo:        seg.FreqLo,
		FreqHi:        seg.FreqHi,
		SweepStart:    seg.SweepStart,
		SweepEnd:      seg.SweepEnd,
		Bins:          seg.Bins,
	})
}

// encodePanoramaFrame maps a completed sweep to its wire frame.
func encodePanoramaFrame(res sweep.Result) []byte {
	mode := uint8(0)
	if res.Mode == sweep.ModeBandMonitor {
		mode = 1
	}
	return wire.EncodePanorama(&wire.Panorama{
		SweepID:     res.SweepID,
		SweepMode:   mode,
		FreqStart:   res.FreqStart,
		FreqEnd:     res.FreqEnd,
		SweepTimeMS: res.DurationMS,
		Timestamp:   float64(time.Now().UnixNano()) / 1e9,
		Bins:        res.Bins,
	})
}
