package controller

import (
	"log"
	"sync"

	"outflow/engine"

	"github.com/gofiber/websocket/v2"
)

// ScanHub fans scheduler scan reports out to connected websocket clients so
// dashboards can watch sequence progress live.
type ScanHub struct {
	mu    sync.Mutex
	conns map[*websocket.Conn]struct{}
}

func NewScanHub() *ScanHub {
	return &ScanHub{
		conns: make(map[*websocket.Conn]struct{}),
	}
}

func (h *ScanHub) register(c *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.conns[c] = struct{}{}
}

func (h *ScanHub) unregister(c *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.conns, c)
}

// Broadcast pushes a scan report to every subscriber. Connections that fail
// to write are dropped.
func (h *ScanHub) Broadcast(report engine.ScanReport) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for conn := range h.conns {
		if err := conn.WriteJSON(report); err != nil {
			log.Printf("Scan WS write failed, dropping client: %v", err)
			conn.Close()
			delete(h.conns, conn)
		}
	}
}

// HandleScanProgressWS subscribes a client to scan reports. The read loop
// only exists to notice the client going away.
func HandleScanProgressWS(hub *ScanHub) func(*websocket.Conn) {
	return func(c *websocket.Conn) {
		hub.register(c)
		defer func() {
			hub.unregister(c)
			c.Close()
		}()

		for {
			if _, _, err := c.ReadMessage(); err != nil {
				return
			}
		}
	}
}
