package relay

import (
	"context"
	"fmt"

	"github.com/tariel-x/pinroom/internal/events"
	"github.com/tariel-x/pinroom/internal/metrics"
	"github.com/tariel-x/pinroom/internal/models"
	"github.com/tariel-x/pinroom/internal/presence"
)

// SendMessage persists a message and relays it to every other participant of
// the room. The author is always the sending connection.
func (s *Service) SendMessage(ctx context.Context, connID string, req events.MessageRequest) error {
	b, err := s.binding(connID, req.RoomID)
	if err != nil {
		return err
	}

	kind := req.Type
	if kind == "" {
		kind = models.MessageKindText
	}
	if !kind.Valid() {
		return fmt.Errorf("message type %q: %w", kind, ErrInvalidEvent)
	}

	unlock := s.locks.Lock(req.RoomID)
	defer unlock()

	msg := &models.Message{
		ID:        req.ID,
		RoomID:    req.RoomID,
		Author:    connID,
		Username:  b.Username,
		Body:      req.Message,
		Kind:      kind,
		Time:      req.Time,
		ReplyTo:   req.ReplyTo,
		CreatedAt: s.stamp(),
		Reactions: map[string]string{},
	}
	if err := s.store.SaveMessage(ctx, msg); err != nil {
		return fmt.Errorf("save message: %w", err)
	}
	metrics.MessagesStored.Inc()

	s.broadcast(req.RoomID, connID, events.ReceiveMessage, msg)
	return nil
}

// SetTyping relays a typing indicator to the rest of the room. Nothing is
// persisted.
func (s *Service) SetTyping(connID string, req events.TypingRequest) error {
	b, err := s.binding(connID, req.RoomID)
	if err != nil {
		return err
	}

	unlock := s.locks.Lock(req.RoomID)
	defer unlock()

	s.presence.SetTyping(req.RoomID, presence.Typing{Username: b.Username, IsTyping: req.IsTyping})
	s.broadcast(req.RoomID, connID, events.UserTyping, events.TypingPayload{
		Username: b.Username,
		IsTyping: req.IsTyping,
	})
	return nil
}

// React stores the participant's reaction on a message, replacing any earlier
// one, and sends the update to the whole room including the reactor.
func (s *Service) React(ctx context.Context, connID string, req events.ReactionRequest) error {
	b, err := s.binding(connID, req.RoomID)
	if err != nil {
		return err
	}

	unlock := s.locks.Lock(req.RoomID)
	defer unlock()

	reaction := &models.Reaction{
		MessageID: req.MessageID,
		Username:  b.Username,
		Emoji:     req.Reaction,
	}
	if err := s.store.UpsertReaction(ctx, req.RoomID, reaction); err != nil {
		return fmt.Errorf("react: %w", err)
	}

	s.broadcast(req.RoomID, "", events.MessageReaction, events.ReactionPayload{
		MessageID: req.MessageID,
		Reaction:  req.Reaction,
		Username:  b.Username,
	})
	return nil
}
