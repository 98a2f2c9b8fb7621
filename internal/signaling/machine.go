// Package signaling tracks the single 1:1 call a room may carry and relays
// offer, answer and ICE candidate payloads between its two parties.
//
// Payloads are opaque. Candidates that arrive before the receiving side can
// apply them are held in per-recipient FIFO queues and flushed once the call
// is accepted.
package signaling

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/tariel-x/pinroom/internal/events"
)

var (
	ErrCallBusy  = errors.New("call busy")
	ErrNoCall    = errors.New("no active call")
	ErrQueueFull = errors.New("candidate queue full")
)

// DefaultMaxQueued bounds each candidate queue.
const DefaultMaxQueued = 128

// State is a participant's view of the room's call.
type State int

const (
	Idle State = iota
	Calling
	Incoming
	Connected
)

func (s State) String() string {
	switch s {
	case Calling:
		return "calling"
	case Incoming:
		return "incoming"
	case Connected:
		return "connected"
	default:
		return "idle"
	}
}

// Delivery is an outbound event addressed to one connection. Data is nil for
// events without payload.
type Delivery struct {
	To    string
	Event string
	Data  any
}

type session struct {
	caller    string
	callee    string
	name      string
	isVideo   bool
	connected bool
	startedAt time.Time
	// queued candidates keyed by recipient connection
	queues map[string][]json.RawMessage
}

func (s *session) party(conn string) bool {
	return conn == s.caller || conn == s.callee
}

func (s *session) pair(a, b string) bool {
	return (a == s.caller && b == s.callee) || (a == s.callee && b == s.caller)
}

func (s *session) other(conn string) string {
	if conn == s.caller {
		return s.callee
	}
	return s.caller
}

type direction struct {
	from string
	to   string
}

// Machine holds the call sessions of all rooms. Callers serialize operations
// on the same room; the internal mutex only protects the maps.
type Machine struct {
	mu       sync.Mutex
	sessions map[string]*session
	// candidates seen before any session exists in the room
	pending   map[string]map[direction][]json.RawMessage
	maxQueued int
	nowFn     func() time.Time
}

func NewMachine(maxQueued int) *Machine {
	if maxQueued <= 0 {
		maxQueued = DefaultMaxQueued
	}
	return &Machine{
		sessions:  make(map[string]*session),
		pending:   make(map[string]map[direction][]json.RawMessage),
		maxQueued: maxQueued,
		nowFn:     time.Now,
	}
}

// Initiate starts a call from one connection to another and relays the offer.
//
// A new offer between the parties of an established call is relayed as
// renegotiation, and a repeated offer from a ringing caller replaces the
// previous one. Anything else while a call exists fails with ErrCallBusy.
func (m *Machine) Initiate(roomID, from, to string, offer json.RawMessage, name string, isVideo bool) ([]Delivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	offerTo := Delivery{
		To:    to,
		Event: events.CallUser,
		Data: events.IncomingCallPayload{
			Signal:  offer,
			From:    from,
			Name:    name,
			IsVideo: isVideo,
		},
	}

	if s, ok := m.sessions[roomID]; ok {
		switch {
		case s.connected && s.pair(from, to):
			return []Delivery{offerTo}, nil
		case !s.connected && from == s.caller && to == s.callee:
			s.name = name
			s.isVideo = isVideo
			return []Delivery{offerTo}, nil
		default:
			return nil, ErrCallBusy
		}
	}

	s := &session{
		caller:    from,
		callee:    to,
		name:      name,
		isVideo:   isVideo,
		startedAt: m.nowFn(),
		queues:    make(map[string][]json.RawMessage),
	}
	if early, ok := m.pending[roomID]; ok {
		s.queues[to] = early[direction{from: from, to: to}]
		s.queues[from] = early[direction{from: to, to: from}]
		delete(m.pending, roomID)
	}
	m.sessions[roomID] = s
	return []Delivery{offerTo}, nil
}

// Accept relays the callee's answer to the caller and flushes every candidate
// held for either side. In an established call it relays a renegotiation
// answer.
func (m *Machine) Accept(roomID, from, to string, answer json.RawMessage) ([]Delivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[roomID]
	if !ok {
		return nil, ErrNoCall
	}
	accepted := Delivery{To: to, Event: events.CallAccepted, Data: answer}

	if s.connected {
		if !s.pair(from, to) {
			return nil, ErrNoCall
		}
		return []Delivery{accepted}, nil
	}
	if from != s.callee || to != s.caller {
		return nil, ErrNoCall
	}

	s.connected = true
	out := make([]Delivery, 0, 1+len(s.queues[s.callee])+len(s.queues[s.caller]))
	out = append(out, accepted)
	out = appendCandidates(out, s.callee, s.queues[s.callee])
	out = appendCandidates(out, s.caller, s.queues[s.caller])
	s.queues = nil
	return out, nil
}

// Candidate relays a candidate when the call is established and queues it
// otherwise, including before any offer has been seen.
func (m *Machine) Candidate(roomID, from, to string, candidate json.RawMessage) ([]Delivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[roomID]
	if !ok {
		early, ok := m.pending[roomID]
		if !ok {
			early = make(map[direction][]json.RawMessage)
			m.pending[roomID] = early
		}
		dir := direction{from: from, to: to}
		if len(early[dir]) >= m.maxQueued {
			return nil, ErrQueueFull
		}
		early[dir] = append(early[dir], candidate)
		return nil, nil
	}

	if !s.pair(from, to) {
		return nil, ErrCallBusy
	}
	if s.connected {
		return []Delivery{{To: to, Event: events.IceCandidate, Data: candidate}}, nil
	}
	if len(s.queues[to]) >= m.maxQueued {
		return nil, ErrQueueFull
	}
	s.queues[to] = append(s.queues[to], candidate)
	return nil, nil
}

// End tears the room's call down on behalf of one of its parties. The other
// party is notified once. Ending when no call exists is a no-op.
func (m *Machine) End(roomID, from string) ([]Delivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[roomID]
	if !ok {
		m.dropPendingLocked(roomID, from)
		return nil, nil
	}
	if !s.party(from) {
		return nil, ErrNoCall
	}
	return m.teardownLocked(roomID, s, from), nil
}

// Reject declines a ringing call. Only the callee may reject; once the call
// is established use End.
func (m *Machine) Reject(roomID, from string) ([]Delivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[roomID]
	if !ok {
		m.dropPendingLocked(roomID, from)
		return nil, nil
	}
	if s.connected || from != s.callee {
		return nil, ErrNoCall
	}
	return m.teardownLocked(roomID, s, from), nil
}

// Drop forgets a connection that left the room or disconnected. If it was a
// party to the call, the call ends and the other party is notified.
func (m *Machine) Drop(roomID, conn string) []Delivery {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.dropPendingLocked(roomID, conn)
	s, ok := m.sessions[roomID]
	if !ok || !s.party(conn) {
		return nil
	}
	return m.teardownLocked(roomID, s, conn)
}

// Stale lists rooms whose call has been ringing since before cutoff.
func (m *Machine) Stale(cutoff time.Time) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	var rooms []string
	for roomID, s := range m.sessions {
		if !s.connected && s.startedAt.Before(cutoff) {
			rooms = append(rooms, roomID)
		}
	}
	return rooms
}

// Expire ends the room's call if it is still ringing since before cutoff.
// Both parties are notified.
func (m *Machine) Expire(roomID string, cutoff time.Time) []Delivery {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[roomID]
	if !ok || s.connected || !s.startedAt.Before(cutoff) {
		return nil
	}
	delete(m.sessions, roomID)
	return []Delivery{
		{To: s.caller, Event: events.EndCall},
		{To: s.callee, Event: events.EndCall},
	}
}

// StateFor reports the call state as seen by conn.
func (m *Machine) StateFor(roomID, conn string) State {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[roomID]
	switch {
	case !ok || !s.party(conn):
		return Idle
	case s.connected:
		return Connected
	case conn == s.caller:
		return Calling
	default:
		return Incoming
	}
}

// Active reports the number of rooms with a call in progress.
func (m *Machine) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

func (m *Machine) teardownLocked(roomID string, s *session, from string) []Delivery {
	delete(m.sessions, roomID)
	delete(m.pending, roomID)
	return []Delivery{{To: s.other(from), Event: events.EndCall}}
}

func (m *Machine) dropPendingLocked(roomID, conn string) {
	early, ok := m.pending[roomID]
	if !ok {
		return
	}
	for dir := range early {
		if dir.from == conn || dir.to == conn {
			delete(early, dir)
		}
	}
	if len(early) == 0 {
		delete(m.pending, roomID)
	}
}

func appendCandidates(out []Delivery, to string, queued []json.RawMessage) []Delivery {
	for _, c := range queued {
		out = append(out, Delivery{To: to, Event: events.IceCandidate, Data: c})
	}
	return out
}
