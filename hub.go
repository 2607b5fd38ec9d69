package main

import (
	"sync"

	"github.com/gorilla/websocket"
)

const (
	maxConnsPerIP = 5
	maxTotalConns = 1000
)

// Hub tracks open WebSocket connections per remote IP. It is touched from
// HTTP handlers and session goroutines, never from the game actor.
type Hub struct {
	mu         sync.Mutex
	perIP      int
	total      int
	ipConns    map[string]int
	totalConns int
}

// NewHub creates a Hub with the given limits
func NewHub(perIP, total int) *Hub {
	return &Hub{
		perIP:   perIP,
		total:   total,
		ipConns: make(map[string]int),
	}
}

// Acquire reserves a connection slot for ip. It reports false when a limit
// is reached.
func (h *Hub) Acquire(ip string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.totalConns >= h.total || h.ipConns[ip] >= h.perIP {
		return false
	}
	h.ipConns[ip]++
	h.totalConns++
	return true
}

// Release frees a slot taken by Acquire
func (h *Hub) Release(ip string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ipConns[ip]--
	if h.ipConns[ip] <= 0 {
		delete(h.ipConns, ip)
	}
	h.totalConns--
}

// TotalConns returns the tracked connection count
func (h *Hub) TotalConns() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.totalConns
}

// trackedConn gives the Hub slot back the first time the connection closes
type trackedConn struct {
	*websocket.Conn
	once    sync.Once
	release func()
}

func (c *trackedConn) Close() error {
	err := c.Conn.Close()
	c.once.Do(c.release)
	return err
}
