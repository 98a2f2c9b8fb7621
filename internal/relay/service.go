// Package relay coordinates rooms, chat fan-out and call signaling on top of
// the durable store, the presence table and the signaling machine.
//
// Every read-modify-write of a room's presence or call happens under that
// room's lock. Outbound events go through a Sender that never blocks.
package relay

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/tariel-x/pinroom/internal/auth"
	"github.com/tariel-x/pinroom/internal/metrics"
	"github.com/tariel-x/pinroom/internal/presence"
	"github.com/tariel-x/pinroom/internal/roomlock"
	"github.com/tariel-x/pinroom/internal/signaling"
	"github.com/tariel-x/pinroom/internal/store"
)

var (
	ErrBadPin          = errors.New("incorrect pin")
	ErrNotInRoom       = errors.New("connection is not in the room")
	ErrPeerUnavailable = errors.New("peer is not in the room")
	ErrInvalidEvent    = errors.New("invalid event")
)

// Sender delivers an outbound event to one connection. It reports false when
// the connection is gone or could not take the event.
type Sender interface {
	Send(connID, event string, data any) bool
}

type Config struct {
	// RingTimeout ends calls that are still ringing after it. Zero disables.
	RingTimeout         time.Duration
	MaxQueuedCandidates int
}

type Service struct {
	store    store.Store
	presence *presence.Table
	calls    *signaling.Machine
	locks    *roomlock.Locker
	tickets  *auth.Tickets
	sender   Sender
	log      *slog.Logger

	ringTimeout time.Duration
	nowFn       func() time.Time

	stampMu   sync.Mutex
	lastStamp time.Time
}

// New builds a Service. tickets may be nil, in which case room_joined carries
// no token.
func New(st store.Store, sender Sender, tickets *auth.Tickets, cfg Config, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		store:       st,
		presence:    presence.NewTable(),
		calls:       signaling.NewMachine(cfg.MaxQueuedCandidates),
		locks:       roomlock.New(),
		tickets:     tickets,
		sender:      sender,
		log:         log,
		ringTimeout: cfg.RingTimeout,
		nowFn:       time.Now,
	}
}

// ErrorMessage maps an operation error onto the text carried by the error
// event.
func ErrorMessage(err error) string {
	switch {
	case errors.Is(err, store.ErrRoomExists):
		return "Room already exists"
	case errors.Is(err, store.ErrRoomNotFound):
		return "Room does not exist"
	case errors.Is(err, ErrBadPin):
		return "Incorrect PIN"
	case errors.Is(err, signaling.ErrCallBusy):
		return "User is busy"
	case errors.Is(err, ErrNotInRoom):
		return "You are not in this room"
	case errors.Is(err, ErrPeerUnavailable):
		return "User is not available"
	case errors.Is(err, signaling.ErrNoCall):
		return "No active call"
	case errors.Is(err, signaling.ErrQueueFull):
		return "Too many pending candidates"
	case errors.Is(err, store.ErrMessageNotFound):
		return "Message not found"
	case errors.Is(err, store.ErrMessageExists):
		return "Message already exists"
	case errors.Is(err, ErrInvalidEvent):
		return "Invalid request"
	default:
		return "Internal server error"
	}
}

// stamp returns the authoritative send time of a message. Stamps are UTC,
// microsecond precision and strictly increasing, so history order matches
// relay order on every backend.
func (s *Service) stamp() time.Time {
	s.stampMu.Lock()
	defer s.stampMu.Unlock()

	now := s.nowFn().UTC().Truncate(time.Microsecond)
	if !now.After(s.lastStamp) {
		now = s.lastStamp.Add(time.Microsecond)
	}
	s.lastStamp = now
	return now
}

func (s *Service) deliver(ds []signaling.Delivery) {
	for _, d := range ds {
		if !s.sender.Send(d.To, d.Event, d.Data) {
			s.log.Debug("relay delivery dropped", "conn_id", d.To, "event", d.Event)
		}
	}
}

func (s *Service) broadcast(roomID, exclude, event string, data any) {
	for _, connID := range s.presence.Recipients(roomID, exclude) {
		if !s.sender.Send(connID, event, data) {
			s.log.Debug("relay broadcast dropped", "room_id", roomID, "conn_id", connID, "event", event)
		}
	}
}

// binding resolves the room the connection joined and checks it matches
// roomID when one is given.
func (s *Service) binding(connID, roomID string) (presence.Binding, error) {
	b, ok := s.presence.Lookup(connID)
	if !ok {
		return presence.Binding{}, ErrNotInRoom
	}
	if roomID != "" && b.RoomID != roomID {
		return presence.Binding{}, ErrNotInRoom
	}
	return b, nil
}

func (s *Service) updateGauges() {
	metrics.LiveRooms.Set(float64(s.presence.Rooms()))
	metrics.ActiveCalls.Set(float64(s.calls.Active()))
}
