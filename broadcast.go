package main

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Per-client queue caps. Live frames keep a single pending slot (drop-latest
// coalescing); sweep segments and text events are lossless up to their cap,
// past which the client is considered too slow to keep.
const (
	sweepQueueCap  = 256
	textQueueCap   = 64
	writeDeadline  = 10 * time.Second
	closeGracetime = time.Second
)

// Client is one connected WebSocket consumer with its own outbound queues.
type Client struct {
	id   string
	conn *websocket.Conn

	mu          sync.Mutex
	pendingLive []byte // newest un-sent live frame, older ones discarded
	sweepQ      [][]byte
	textQ       [][]byte
	closed      bool
	closeReason string
	wake        chan struct{}

	lastSweepID uint32
}

// ID returns the client's session identifier.
func (c *Client) ID() string { return c.id }

// Hub replicates frames to every client under the per-kind drop policies.
// The pipeline pushes each frame exactly once; a slow client never stalls
// the pipeline or its peers.
type Hub struct {
	mu      sync.RWMutex
	clients map[*Client]bool
}

func newHub() *Hub {
	return &Hub{clients: make(map[*Client]bool)}
}

// Add registers a connection and starts its write pump.
func (h *Hub) Add(conn *websocket.Conn) *Client {
	c := &Client{
		id:   uuid.New().String(),
		conn: conn,
		wake: make(chan struct{}, 1),
	}
	h.mu.Lock()
	h.clients[c] = true
	n := len(h.clients)
	h.mu.Unlock()

	go c.writePump()
	log.Info("client connected", "client", c.id, "total", n)
	return c
}

// Remove drops a client and releases its queues.
func (h *Hub) Remove(c *Client) {
	h.mu.Lock()
	delete(h.clients, c)
	n := len(h.clients)
	h.mu.Unlock()

	c.close("")
	log.Info("client disconnected", "client", c.id, "total", n)
}

// Count returns the number of connected clients.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// BroadcastLive fans a live spectrum frame out with drop-latest: the pending
// frame, if any, is replaced so clients stay near real time.
func (h *Hub) BroadcastLive(frame []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		c.mu.Lock()
		if !c.closed {
			c.pendingLive = frame
		}
		c.mu.Unlock()
		c.notify()
	}
}

// BroadcastSweep fans a sweep segment or panorama out losslessly. A client
// whose queue is full is disconnected rather than handed a gapped panorama.
func (h *Hub) BroadcastSweep(frame []byte, sweepID uint32) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		c.mu.Lock()
		switch {
		case c.closed:
		case len(c.sweepQ) >= sweepQueueCap:
			c.closeLocked("slow client: sweep queue overflow")
		default:
			c.sweepQ = append(c.sweepQ, frame)
			c.lastSweepID = sweepID
		}
		c.mu.Unlock()
		c.notify()
	}
}

// BroadcastText sends a JSON text frame to every client, capped per client.
func (h *Hub) BroadcastText(v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		log.Error("broadcast marshal failed", "err", err)
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		c.enqueueText(payload)
	}
}

// SendText queues a JSON text frame for one client.
func (h *Hub) SendText(c *Client, v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		log.Error("send marshal failed", "err", err)
		return
	}
	c.enqueueText(payload)
}

func (c *Client) enqueueText(payload []byte) {
	c.mu.Lock()
	switch {
	case c.closed:
	case len(c.textQ) >= textQueueCap:
		c.closeLocked("slow client: text queue overflow")
	default:
		c.textQ = append(c.textQ, payload)
	}
	c.mu.Unlock()
	c.notify()
}

func (c *Client) notify() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *Client) close(reason string) {
	c.mu.Lock()
	c.closeLocked(reason)
	c.mu.Unlock()
	c.notify()
}

// closeLocked marks the client dead. The write pump and read pump observe the
// flag and unwind; queues are dropped here so memory is released immediately.
func (c *Client) closeLocked(reason string) {
	if c.closed {
		return
	}
	c.closed = true
	c.closeReason = reason
	c.pendingLive = nil
	c.sweepQ = nil
	c.textQ = nil
}

// next pops the highest-priority pending item: text (status ordering), then
// sweep segments, then the live slot.
func (c *Client) next() (msgType int, payload []byte, ok bool, closed bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, nil, false, true
	}
	if len(c.textQ) > 0 {
		payload = c.textQ[0]
		c.textQ = c.textQ[1:]
		return websocket.TextMessage, payload, true, false
	}
	if len(c.sweepQ) > 0 {
		payload = c.sweepQ[0]
		c.sweepQ = c.sweepQ[1:]
		return websocket.BinaryMessage, payload, true, false
	}
	if c.pendingLive != nil {
		payload = c.pendingLive
		c.pendingLive = nil
		return websocket.BinaryMessage, payload, true, false
	}
	return 0, nil, false, false
}

// writePump drains the client's queues onto the socket.
func (c *Client) writePump() {
	defer func() {
		c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, c.closeReason),
			time.Now().Add(closeGracetime))
		c.conn.Close()
		if c.closeReason != "" {
			log.Warn("client dropped", "client", c.id, "reason", c.closeReason)
		}
	}()

	for {
		msgType, payload, ok, closed := c.next()
		if closed {
			return
		}
		if !ok {
			<-c.wake
			continue
		}

		c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
		if err := c.conn.WriteMessage(msgType, payload); err != nil {
			c.close("")
			return
		}
	}
}
