package relay

import (
	"context"
	"fmt"

	"github.com/tariel-x/pinroom/internal/events"
	"github.com/tariel-x/pinroom/internal/metrics"
	"github.com/tariel-x/pinroom/internal/models"
	"github.com/tariel-x/pinroom/internal/presence"
)

// CreateRoom persists a new room and makes the connection its first
// participant. A connection already in another room leaves it.
func (s *Service) CreateRoom(ctx context.Context, connID string, req events.RoomRequest) error {
	prev, hadPrev := s.presence.Lookup(connID)

	err := func() error {
		unlock := s.locks.Lock(req.RoomID)
		defer unlock()

		room := &models.Room{
			RoomID:    req.RoomID,
			PIN:       req.PIN,
			CreatedAt: s.nowFn().UTC(),
		}
		if err := s.store.CreateRoom(ctx, room); err != nil {
			return fmt.Errorf("create room: %w", err)
		}

		s.enterLocked(connID, req.RoomID, req.Username)
		s.broadcast(req.RoomID, "", events.UserList, s.presence.List(req.RoomID))
		return nil
	}()
	if err != nil {
		return err
	}

	s.log.Info("room created", "room_id", req.RoomID, "conn_id", connID)
	if hadPrev && prev.RoomID != req.RoomID {
		s.vacate(prev, "left")
	}
	s.updateGauges()
	return nil
}

// JoinRoom checks the PIN and adds the connection to the room's presence. The
// joiner receives the full history; everybody receives the new participant
// list. A wrong PIN changes nothing.
func (s *Service) JoinRoom(ctx context.Context, connID string, req events.RoomRequest) error {
	prev, hadPrev := s.presence.Lookup(connID)

	err := func() error {
		unlock := s.locks.Lock(req.RoomID)
		defer unlock()

		room, err := s.store.GetRoom(ctx, req.RoomID)
		if err != nil {
			return fmt.Errorf("join room: %w", err)
		}
		if room.PIN != req.PIN {
			return ErrBadPin
		}
		history, err := s.store.ListMessages(ctx, req.RoomID)
		if err != nil {
			return fmt.Errorf("load history: %w", err)
		}

		s.enterLocked(connID, req.RoomID, req.Username)
		s.sender.Send(connID, events.LoadMessages, history)
		s.broadcast(req.RoomID, "", events.UserList, s.presence.List(req.RoomID))
		return nil
	}()
	if err != nil {
		return err
	}

	s.log.Debug("room joined", "room_id", req.RoomID, "conn_id", connID)
	if hadPrev && prev.RoomID != req.RoomID {
		s.vacate(prev, "left")
	}
	s.updateGauges()
	return nil
}

func (s *Service) enterLocked(connID, roomID, username string) {
	s.presence.Add(roomID, models.Participant{ID: connID, Username: username})
	s.presence.Bind(presence.Binding{ConnID: connID, RoomID: roomID, Username: username})

	joined := events.RoomJoinedPayload{RoomID: roomID, Username: username, ID: connID}
	if s.tickets != nil {
		token, err := s.tickets.Issue(roomID, username, connID)
		if err != nil {
			s.log.Error("issue ticket", "room_id", roomID, "error", err)
		}
		joined.Token = token
	}
	s.sender.Send(connID, events.RoomJoined, joined)
}

// GetUsers sends the room's live participant list to the connection. Rooms
// without live presence yield an empty list.
func (s *Service) GetUsers(connID, roomID string) {
	s.sender.Send(connID, events.UserList, s.Participants(roomID))
}

func (s *Service) Participants(roomID string) []models.Participant {
	return s.presence.List(roomID)
}

// History returns the persisted messages of a room in send order.
func (s *Service) History(ctx context.Context, roomID string) ([]models.Message, error) {
	if _, err := s.store.GetRoom(ctx, roomID); err != nil {
		return nil, err
	}
	return s.store.ListMessages(ctx, roomID)
}

// Leave removes the connection from its room without closing it.
func (s *Service) Leave(connID string) error {
	b, ok := s.presence.Unbind(connID)
	if !ok {
		return ErrNotInRoom
	}
	s.vacate(b, "left")
	s.updateGauges()
	return nil
}

// Disconnect cleans up after a closed connection. It is safe to call for
// connections that never joined a room.
func (s *Service) Disconnect(connID string) {
	b, ok := s.presence.Unbind(connID)
	if !ok {
		return
	}
	s.vacate(b, "disconnect")
	s.updateGauges()
}

// vacate takes the bound connection out of its room: presence, typing slot
// and any call it was a party to.
func (s *Service) vacate(b presence.Binding, reason string) {
	unlock := s.locks.Lock(b.RoomID)
	defer unlock()

	if ended := s.calls.Drop(b.RoomID, b.ConnID); len(ended) > 0 {
		metrics.CallsEnded.WithLabelValues(reason).Inc()
		s.deliver(ended)
	}

	removal, ok := s.presence.Remove(b.RoomID, b.ConnID)
	if !ok {
		return
	}
	s.log.Debug("room left", "room_id", b.RoomID, "conn_id", b.ConnID, "reason", reason, "emptied", removal.Emptied)
	if removal.Emptied {
		return
	}

	s.broadcast(b.RoomID, "", events.UserList, removal.Participants)
	if removal.StoppedTyping {
		s.broadcast(b.RoomID, "", events.UserTyping, events.TypingPayload{
			Username: removal.Participant.Username,
			IsTyping: false,
		})
	}
}
