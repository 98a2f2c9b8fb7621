package relay

import (
	"context"
	"time"

	"github.com/tariel-x/pinroom/internal/events"
	"github.com/tariel-x/pinroom/internal/metrics"
	"github.com/tariel-x/pinroom/internal/presence"
	"github.com/tariel-x/pinroom/internal/signaling"
)

// CallUser relays an offer to another participant of the caller's room.
func (s *Service) CallUser(connID string, req events.CallRequest) error {
	b, err := s.peer(connID, req.UserToCall)
	if err != nil {
		return err
	}

	unlock := s.locks.Lock(b.RoomID)
	defer unlock()

	if !s.presence.Contains(b.RoomID, req.UserToCall) {
		return ErrPeerUnavailable
	}
	name := req.Name
	if name == "" {
		name = b.Username
	}

	out, err := s.calls.Initiate(b.RoomID, connID, req.UserToCall, req.SignalData, name, req.IsVideo)
	if err != nil {
		return err
	}
	s.log.Debug("call offer", "room_id", b.RoomID, "conn_id", connID, "to", req.UserToCall, "offer_bytes", len(req.SignalData))
	s.deliver(out)
	s.updateGauges()
	return nil
}

// AnswerCall relays the callee's answer and flushes held candidates.
func (s *Service) AnswerCall(connID string, req events.AnswerRequest) error {
	b, err := s.peer(connID, req.To)
	if err != nil {
		return err
	}

	unlock := s.locks.Lock(b.RoomID)
	defer unlock()

	out, err := s.calls.Accept(b.RoomID, connID, req.To, req.Signal)
	if err != nil {
		return err
	}
	s.log.Debug("call answer", "room_id", b.RoomID, "conn_id", connID, "to", req.To, "flushed", len(out)-1)
	s.deliver(out)
	return nil
}

func (s *Service) IceCandidate(connID string, req events.CandidateRequest) error {
	b, err := s.peer(connID, req.To)
	if err != nil {
		return err
	}

	unlock := s.locks.Lock(b.RoomID)
	defer unlock()

	if !s.presence.Contains(b.RoomID, req.To) {
		return ErrPeerUnavailable
	}
	out, err := s.calls.Candidate(b.RoomID, connID, req.To, req.Candidate)
	if err != nil {
		return err
	}
	s.deliver(out)
	return nil
}

func (s *Service) EndCall(connID string) error {
	return s.hangup(connID, "ended", s.calls.End)
}

func (s *Service) RejectCall(connID string) error {
	return s.hangup(connID, "rejected", s.calls.Reject)
}

func (s *Service) hangup(connID, reason string, op func(roomID, from string) ([]signaling.Delivery, error)) error {
	b, err := s.binding(connID, "")
	if err != nil {
		return err
	}

	unlock := s.locks.Lock(b.RoomID)
	defer unlock()

	out, err := op(b.RoomID, connID)
	if err != nil {
		return err
	}
	if len(out) > 0 {
		metrics.CallsEnded.WithLabelValues(reason).Inc()
		s.log.Debug("call ended", "room_id", b.RoomID, "conn_id", connID, "reason", reason)
	}
	s.deliver(out)
	s.updateGauges()
	return nil
}

// CallState reports the call state of the connection in its room.
func (s *Service) CallState(connID string) signaling.State {
	b, ok := s.presence.Lookup(connID)
	if !ok {
		return signaling.Idle
	}
	return s.calls.StateFor(b.RoomID, connID)
}

func (s *Service) peer(connID, to string) (presence.Binding, error) {
	b, err := s.binding(connID, "")
	if err != nil {
		return presence.Binding{}, err
	}
	if to == "" || to == connID {
		return presence.Binding{}, ErrInvalidEvent
	}
	return b, nil
}

// Run reaps calls left ringing longer than the ring timeout until ctx is
// done.
func (s *Service) Run(ctx context.Context) {
	if s.ringTimeout <= 0 {
		return
	}
	interval := s.ringTimeout / 4
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.reapRinging()
		}
	}
}

func (s *Service) reapRinging() {
	cutoff := s.nowFn().Add(-s.ringTimeout)
	for _, roomID := range s.calls.Stale(cutoff) {
		func() {
			unlock := s.locks.Lock(roomID)
			defer unlock()

			out := s.calls.Expire(roomID, cutoff)
			if len(out) == 0 {
				return
			}
			metrics.CallsEnded.WithLabelValues("timeout").Inc()
			s.log.Info("call ring timeout", "room_id", roomID)
			s.deliver(out)
		}()
	}
	s.updateGauges()
}
