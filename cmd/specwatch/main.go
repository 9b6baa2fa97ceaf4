// specwatch connects to a running spectrum server, starts streaming, and
// prints a one-line summary per received frame. Handy for checking a server
// without a browser.
package main

import (
	"fmt"
	"log"
	"net/url"
	"os"

	"github.com/gorilla/websocket"

	"github.com/specd/pkg/wire"
)

func main() {
	host := "localhost:8080"
	if len(os.Args) > 1 {
		host = os.Args[1]
	}
	frames := 50

	u := url.URL{Scheme: "ws", Host: host, Path: "/ws"}
	c, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		log.Fatal("dial:", err)
	}
	defer c.Close()

	c.WriteJSON(map[string]any{"cmd": "start"})

	for received := 0; received < frames; {
		msgType, msg, err := c.ReadMessage()
		if err != nil {
			return
		}
		if msgType != websocket.BinaryMessage {
			continue
		}

		mt, err := wire.MessageType(msg)
		if err != nil {
			continue
		}
		switch mt {
		case wire.MsgSpectrum:
			s, err := wire.DecodeSpectrum(msg)
			if err != nil {
				log.Println("decode:", err)
				continue
			}
			fmt.Printf("spectrum  %.3f MHz  %d bins  peak %.1f dBFS  floor %.1f dBFS\n",
				s.CenterFreq/1e6, len(s.Bins), s.PeakPower, s.NoiseFloor)
			received++
		case wire.MsgSweepSegment:
			seg, err := wire.DecodeSegment(msg)
			if err != nil {
				continue
			}
			fmt.Printf("segment   sweep %d  %d/%d  %.3f-%.3f MHz\n",
				seg.SweepID, seg.SegmentIdx+1, seg.TotalSegments,
				seg.FreqLo/1e6, seg.FreqHi/1e6)
		case wire.MsgSweepPanorama:
			p, err := wire.DecodePanorama(msg)
			if err != nil {
				continue
			}
			fmt.Printf("panorama  sweep %d  %.3f-%.3f MHz  %d bins  %.0f ms\n",
				p.SweepID, p.FreqStart/1e6, p.FreqEnd/1e6, len(p.Bins), p.SweepTimeMS)
		}
	}

	c.WriteJSON(map[string]any{"cmd": "stop"})
}
