// Package sse streams snapshot changes to browsers with Server-Sent Events.
package sse

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"callsync_backend/internal/notify"
	"callsync_backend/platform/logger"
	"callsync_backend/platform/metrics"

	"github.com/gin-gonic/gin"
)

const (
	eventConnected = "connected"
	eventChanged   = "call.snapshot.changed"

	clientBuffer      = 32
	heartbeatInterval = 25 * time.Second
)

// client is one connected stream. An empty sessionID receives every delta.
type client struct {
	sessionID string
	events    chan notify.Delta
}

// Hub tracks connected streams and broadcasts deltas to them. It implements
// notify.Sink.
type Hub struct {
	mu      sync.RWMutex
	clients map[*client]struct{}
	closed  bool
	log     *logger.Logger
}

// NewHub creates an empty Hub.
func NewHub(log *logger.Logger) *Hub {
	return &Hub{
		clients: make(map[*client]struct{}),
		log:     log.WithComponent("sse"),
	}
}

func (h *Hub) addClient(c *client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c] = struct{}{}
	return true
}

func (h *Hub) removeClient(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	close(c.events)
}

// Clients returns the number of connected streams.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Deliver sends d to every matching client. Slow clients drop deltas
// instead of blocking the publisher.
func (h *Hub) Deliver(d notify.Delta) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	sent := 0
	for c := range h.clients {
		if c.sessionID != "" && c.sessionID != d.SessionID {
			continue
		}
		select {
		case c.events <- d:
			sent++
		default:
			metrics.NotifyDroppedTotal.WithLabelValues("sse").Inc()
			h.log.Warn("sse buffer full, delta dropped", "session_id", d.SessionID)
		}
	}
	if sent > 0 {
		metrics.NotifyDeliveredTotal.WithLabelValues("sse").Add(float64(sent))
	}
}

// Handler streams deltas. The optional session_id query parameter limits
// the stream to one session.
func (h *Hub) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		cl := &client{
			sessionID: c.Query("session_id"),
			events:    make(chan notify.Delta, clientBuffer),
		}
		if !h.addClient(cl) {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "stream closed"})
			return
		}
		defer h.removeClient(cl)

		c.Writer.Header().Set("Content-Type", "text/event-stream")
		c.Writer.Header().Set("Cache-Control", "no-cache")
		c.Writer.Header().Set("Connection", "keep-alive")
		c.Writer.Header().Set("X-Accel-Buffering", "no")

		c.SSEvent(eventConnected, gin.H{"session_id": cl.sessionID})
		c.Writer.Flush()

		heartbeat := time.NewTicker(heartbeatInterval)
		defer heartbeat.Stop()

		clientGone := c.Request.Context().Done()
		for {
			select {
			case <-clientGone:
				return
			case <-heartbeat.C:
				_, _ = c.Writer.Write([]byte(": ping\n\n"))
				c.Writer.Flush()
			case d, ok := <-cl.events:
				if !ok {
					return
				}
				data, err := json.Marshal(d)
				if err != nil {
					h.log.Error("sse marshal failed", "error", err)
					continue
				}
				c.SSEvent(eventChanged, string(data))
				c.Writer.Flush()
			}
		}
	}
}

// Close disconnects every client and rejects new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for c := range h.clients {
		close(c.events)
		delete(h.clients, c)
	}
}

var _ notify.Sink = (*Hub)(nil)
