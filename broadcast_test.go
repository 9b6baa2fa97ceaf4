package main

import (
	"fmt"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// queueClient builds a client without a socket or write pump so queue policy
// can be observed directly.
func queueClient(h *Hub) *Client {
	c := &Client{id: "test", wake: make(chan struct{}, 1)}
	h.mu.Lock()
	h.clients[c] = true
	h.mu.Unlock()
	return c
}

func TestLiveDropLatest(t *testing.T) {
	h := newHub()
	c := queueClient(h)

	// Flood with frames; only the newest survives.
	var last []byte
	for i := 0; i < 1000; i++ {
		last = []byte(fmt.Sprintf("frame-%d", i))
		h.BroadcastLive(last)
	}

	msgType, payload, ok, closed := c.next()
	require.True(t, ok)
	require.False(t, closed)
	assert.Equal(t, websocket.BinaryMessage, msgType)
	assert.Equal(t, last, payload)

	_, _, ok, _ = c.next()
	assert.False(t, ok, "only one live frame may be pending")
}

func TestSweepLossless(t *testing.T) {
	h := newHub()
	c := queueClient(h)

	for i := 0; i < 10; i++ {
		h.BroadcastSweep([]byte(fmt.Sprintf("seg-%d", i)), 1)
	}
	for i := 0; i < 10; i++ {
		_, payload, ok, closed := c.next()
		require.True(t, ok)
		require.False(t, closed)
		assert.Equal(t, fmt.Sprintf("seg-%d", i), string(payload), "segments must arrive in order")
	}
	assert.Equal(t, uint32(1), c.lastSweepID)
}

func TestSlowClientDisconnectedOnSweepOverflow(t *testing.T) {
	h := newHub()
	c := queueClient(h)

	for i := 0; i < sweepQueueCap+1; i++ {
		h.BroadcastSweep([]byte("seg"), 2)
	}

	c.mu.Lock()
	closed := c.closed
	reason := c.closeReason
	c.mu.Unlock()
	assert.True(t, closed, "client over the sweep cap must be dropped, not gapped")
	assert.Contains(t, reason, "slow client")
}

func TestTextCapDisconnects(t *testing.T) {
	h := newHub()
	c := queueClient(h)

	for i := 0; i < textQueueCap+1; i++ {
		h.BroadcastText(map[string]int{"n": i})
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	assert.True(t, c.closed)
}

func TestTextOrderPreserved(t *testing.T) {
	h := newHub()
	c := queueClient(h)

	for i := 0; i < 5; i++ {
		h.SendText(c, map[string]int{"seq": i})
	}
	for i := 0; i < 5; i++ {
		msgType, payload, ok, _ := c.next()
		require.True(t, ok)
		assert.Equal(t, websocket.TextMessage, msgType)
		assert.Contains(t, string(payload), fmt.Sprintf(`"seq":%d`, i))
	}
}

func TestCloseReleasesQueues(t *testing.T) {
	h := newHub()
	c := queueClient(h)

	h.BroadcastLive([]byte("live"))
	h.BroadcastSweep([]byte("seg"), 1)
	c.close("bye")

	_, _, ok, closed := c.next()
	assert.False(t, ok)
	assert.True(t, closed)

	c.mu.Lock()
	defer c.mu.Unlock()
	assert.Nil(t, c.pendingLive)
	assert.Nil(t, c.sweepQ)
}
