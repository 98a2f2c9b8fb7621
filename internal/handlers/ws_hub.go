package handlers

import (
	"log/slog"
	"sync"
	"time"

	"github.com/tariel-x/pinroom/internal/events"
	"github.com/tariel-x/pinroom/internal/metrics"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

type wsClient struct {
	conn      *websocket.Conn
	send      chan []byte
	connID    string
	limiter   *rate.Limiter
	closeOnce sync.Once
}

func (c *wsClient) trySend(payload []byte) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	select {
	case c.send <- payload:
		return true
	default:
		return false
	}
}

func (c *wsClient) closeSend() {
	c.closeOnce.Do(func() {
		close(c.send)
	})
}

// WSHub owns the outbound queue of every live connection. It implements
// relay.Sender: Send never blocks, and a connection whose queue is full is
// closed, which runs the usual disconnect cleanup.
type WSHub struct {
	mu      sync.Mutex
	clients map[string]*wsClient
}

func NewWSHub() *WSHub {
	return &WSHub{
		clients: make(map[string]*wsClient),
	}
}

func (h *WSHub) Add(client *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if old := h.clients[client.connID]; old != nil {
		_ = old.conn.Close()
		old.closeSend()
	}
	h.clients[client.connID] = client
}

func (h *WSHub) Remove(connID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if client, exists := h.clients[connID]; exists {
		client.closeSend()
	}
	delete(h.clients, connID)
}

func (h *WSHub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *WSHub) Send(connID, event string, data any) bool {
	payload, err := events.Encode(event, data)
	if err != nil {
		slog.Default().Error("ws encode failed", "conn_id", connID, "event", event, "error", err)
		return false
	}
	return h.SendRaw(connID, payload)
}

func (h *WSHub) SendRaw(connID string, payload []byte) bool {
	h.mu.Lock()
	client := h.clients[connID]
	h.mu.Unlock()

	if client == nil {
		return false
	}

	if !client.trySend(payload) {
		slog.Default().Warn("ws outbound queue full, closing", "conn_id", connID)
		metrics.SlowConsumers.Inc()
		_ = client.conn.Close()
		return false
	}
	return true
}

// CloseAll drops every connection. Used on shutdown.
func (h *WSHub) CloseAll() {
	h.mu.Lock()
	clients := make([]*wsClient, 0, len(h.clients))
	for _, client := range h.clients {
		clients = append(clients, client)
	}
	h.mu.Unlock()

	for _, client := range clients {
		_ = client.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(wsWriteWait))
		_ = client.conn.Close()
	}
}
