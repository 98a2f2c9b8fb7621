package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/tariel-x/pinroom/internal/events"
	"github.com/tariel-x/pinroom/internal/metrics"
	"github.com/tariel-x/pinroom/internal/relay"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/websocket"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"golang.org/x/time/rate"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 70 * time.Second
	wsPingPeriod = 30 * time.Second

	// storeTimeout bounds the durable part of one inbound event.
	storeTimeout = 5 * time.Second
)

func (h *Handlers) HandleWebSocket(c *gin.Context) {
	connID, err := gonanoid.New(16)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	slog.Default().Debug("ws connect request", "conn_id", connID, "ip", c.ClientIP())

	conn, err := h.wsUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		slog.Default().Warn("ws upgrade failed", "conn_id", connID, "error", err)
		return
	}
	conn.SetReadLimit(h.config.MaxMessageBytes)

	client := &wsClient{
		conn:    conn,
		send:    make(chan []byte, h.config.SendBuffer),
		connID:  connID,
		limiter: rate.NewLimiter(rate.Limit(h.config.EventsPerSecond), h.config.EventsBurst),
	}

	h.wsHub.Add(client)
	metrics.Connections.Inc()
	slog.Default().Debug("ws connected", "conn_id", connID)

	if !h.wsHub.Send(connID, events.Connected, events.ConnectedPayload{ID: connID}) {
		slog.Default().Debug("ws send connected failed", "conn_id", connID)
		_ = client.conn.Close()
	}

	go h.writePump(client)
	h.readPump(client)
}

func (h *Handlers) readPump(client *wsClient) {
	defer func() {
		slog.Default().Debug("ws disconnect", "conn_id", client.connID)
		_ = client.conn.Close()
		h.relay.Disconnect(client.connID)
		h.wsHub.Remove(client.connID)
		metrics.Connections.Dec()
	}()

	_ = client.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	client.conn.SetPongHandler(func(string) error {
		_ = client.conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})

	for {
		_, payload, err := client.conn.ReadMessage()
		if err != nil {
			slog.Default().Debug("ws read error", "conn_id", client.connID, "error", err)
			return
		}
		_ = client.conn.SetReadDeadline(time.Now().Add(wsPongWait))

		var msg events.Envelope
		if err := json.Unmarshal(payload, &msg); err != nil {
			slog.Default().Debug("ws bad json", "conn_id", client.connID, "error", err)
			h.wsHub.Send(client.connID, events.Error, relay.ErrorMessage(relay.ErrInvalidEvent))
			continue
		}

		if msg.Event == "ping" {
			continue
		}

		// Offers, answers and candidates may carry addresses: log sizes only.
		slog.Default().Debug("ws recv", "conn_id", client.connID, "event", msg.Event, "data_bytes", len(msg.Data))

		if !client.limiter.Allow() {
			metrics.RateLimited.Inc()
			h.wsHub.Send(client.connID, events.Error, "Too many requests")
			continue
		}

		if err := h.dispatch(client.connID, msg); err != nil {
			metrics.EventErrors.WithLabelValues(eventLabel(msg.Event)).Inc()
			h.logEventError(client.connID, msg.Event, err)
			h.wsHub.Send(client.connID, events.Error, relay.ErrorMessage(err))
		}
	}
}

func (h *Handlers) writePump(client *wsClient) {
	defer func() {
		_ = client.conn.Close()
	}()

	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-client.send:
			if !ok {
				return
			}
			_ = client.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := client.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = client.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := client.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *Handlers) dispatch(connID string, msg events.Envelope) error {
	metrics.Events.WithLabelValues(eventLabel(msg.Event)).Inc()

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	switch msg.Event {
	case events.CreateRoom:
		req, err := decode[events.RoomRequest](h.validate, msg.Data)
		if err != nil {
			return err
		}
		return h.relay.CreateRoom(ctx, connID, req)
	case events.JoinRoom:
		req, err := decode[events.RoomRequest](h.validate, msg.Data)
		if err != nil {
			return err
		}
		return h.relay.JoinRoom(ctx, connID, req)
	case events.LeaveRoom:
		return h.relay.Leave(connID)
	case events.GetUsers:
		req, err := decode[events.GetUsersRequest](h.validate, msg.Data)
		if err != nil {
			return err
		}
		h.relay.GetUsers(connID, req.RoomID)
		return nil
	case events.SendMessage:
		req, err := decode[events.MessageRequest](h.validate, msg.Data)
		if err != nil {
			return err
		}
		return h.relay.SendMessage(ctx, connID, req)
	case events.Typing:
		req, err := decode[events.TypingRequest](h.validate, msg.Data)
		if err != nil {
			return err
		}
		return h.relay.SetTyping(connID, req)
	case events.AddReaction:
		req, err := decode[events.ReactionRequest](h.validate, msg.Data)
		if err != nil {
			return err
		}
		return h.relay.React(ctx, connID, req)
	case events.CallUser:
		req, err := decode[events.CallRequest](h.validate, msg.Data)
		if err != nil {
			return err
		}
		return h.relay.CallUser(connID, req)
	case events.AnswerCall:
		req, err := decode[events.AnswerRequest](h.validate, msg.Data)
		if err != nil {
			return err
		}
		return h.relay.AnswerCall(connID, req)
	case events.IceCandidate:
		req, err := decode[events.CandidateRequest](h.validate, msg.Data)
		if err != nil {
			return err
		}
		return h.relay.IceCandidate(connID, req)
	case events.EndCall:
		return h.relay.EndCall(connID)
	case events.RejectCall:
		return h.relay.RejectCall(connID)
	default:
		return fmt.Errorf("unknown event %q: %w", msg.Event, relay.ErrInvalidEvent)
	}
}

// decode unmarshals and validates an inbound payload.
func decode[T any](v *validator.Validate, data json.RawMessage) (T, error) {
	var req T
	if len(data) == 0 {
		return req, relay.ErrInvalidEvent
	}
	if err := json.Unmarshal(data, &req); err != nil {
		return req, fmt.Errorf("%w: %v", relay.ErrInvalidEvent, err)
	}
	if err := v.Struct(req); err != nil {
		return req, fmt.Errorf("%w: %v", relay.ErrInvalidEvent, err)
	}
	return req, nil
}

func (h *Handlers) logEventError(connID, event string, err error) {
	if relay.ErrorMessage(err) == relay.ErrorMessage(nil) {
		h.log.Error("ws event failed", "conn_id", connID, "event", event, "error", err)
		return
	}
	h.log.Debug("ws event rejected", "conn_id", connID, "event", event, "error", err)
}

func eventLabel(event string) string {
	switch event {
	case events.CreateRoom, events.JoinRoom, events.LeaveRoom, events.GetUsers,
		events.SendMessage, events.Typing, events.AddReaction,
		events.CallUser, events.AnswerCall, events.IceCandidate, events.EndCall, events.RejectCall:
		return event
	default:
		return "unknown"
	}
}
