package main

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"

	"github.com/specd/pkg/detect"
	"github.com/specd/pkg/device"
	"github.com/specd/pkg/dsp"
	"github.com/specd/pkg/record"
)

// runServer wires the coordinator to the WebSocket transport and blocks until
// the listener fails.
func runServer(port int, dataDir string, storageBudget int64, sampleRate float64, fftSize int) error {
	src := device.NewSim()

	rec, err := record.NewManager(dataDir, storageBudget)
	if err != nil {
		return fmt.Errorf("recording manager: %w", err)
	}

	store, err := detect.OpenStore(dataDir+"/signals.db", 50e3)
	if err != nil {
		return fmt.Errorf("signal store: %w", err)
	}

	initial := device.Params{
		SampleRate: sampleRate,
		CenterFreq: 100e6,
		Bandwidth:  sampleRate,
		Gain:       40,
	}
	dspCfg := dsp.DefaultConfig()
	dspCfg.FFTSize = fftSize
	dspCfg.OutputBins = fftSize

	hub := newHub()
	co, err := newCoordinator(hub, src, rec, store, initial, dspCfg)
	if err != nil {
		return fmt.Errorf("device init: %w", err)
	}
	defer co.shutdown()

	upgrader := websocket.Upgrader{
		CheckOrigin:     func(r *http.Request) bool { return true },
		ReadBufferSize:  1024,
		WriteBufferSize: 65536,
	}

	mux := http.NewServeMux()

	// WebSocket endpoint: binary spectrum frames out, JSON commands in.
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Warn("upgrade failed", "err", err)
			return
		}

		client := hub.Add(conn)
		defer hub.Remove(client)

		// Initial snapshot so the client can render controls immediately.
		hub.SendText(client, map[string]any{"type": "status", "data": co.status()})

		for {
			msgType, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if msgType != websocket.TextMessage {
				continue
			}
			co.HandleCommand(client, msg)
		}
	})

	// REST mirrors for tooling.
	mux.HandleFunc("/api/status", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(co.status())
	})
	mux.HandleFunc("/api/recordings", func(w http.ResponseWriter, r *http.Request) {
		list, err := rec.List()
		if err != nil {
			http.Error(w, err.Error(), 500)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(list)
	})

	addr := fmt.Sprintf(":%d", port)
	log.Info("spectrum server listening", "addr", addr, "data", dataDir)
	return http.ListenAndServe(addr, mux)
}
