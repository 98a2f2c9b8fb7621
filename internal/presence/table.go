// Package presence holds the volatile, process-local view of who is connected
// to which room. Nothing here is persisted; a restart starts empty.
package presence

import (
	"sync"

	"github.com/tariel-x/pinroom/internal/models"

	"github.com/samber/lo"
)

// Binding ties a live connection to the room it joined.
type Binding struct {
	ConnID   string
	RoomID   string
	Username string
}

// Typing is the single "who is typing" slot of a room.
type Typing struct {
	Username string
	IsTyping bool
}

// Removal describes what Remove changed.
type Removal struct {
	Participant  models.Participant
	Participants []models.Participant
	// Emptied is set when the room entry was reclaimed.
	Emptied bool
	// StoppedTyping is set when the leaving participant held the typing slot.
	StoppedTyping bool
}

type entry struct {
	participants []models.Participant
	typing       Typing
}

// Table is safe for concurrent use. Callers that need read-modify-write
// sequences across several calls serialize them per room themselves.
type Table struct {
	mu       sync.RWMutex
	rooms    map[string]*entry
	bindings map[string]Binding
}

func NewTable() *Table {
	return &Table{
		rooms:    make(map[string]*entry),
		bindings: make(map[string]Binding),
	}
}

// Add appends p in join order, creating the room entry on first use. A
// connection already present keeps its position and only its name changes.
func (t *Table) Add(roomID string, p models.Participant) []models.Participant {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.rooms[roomID]
	if !ok {
		e = &entry{}
		t.rooms[roomID] = e
	}

	_, idx, found := lo.FindIndexOf(e.participants, func(existing models.Participant) bool {
		return existing.ID == p.ID
	})
	if found {
		e.participants[idx].Username = p.Username
	} else {
		e.participants = append(e.participants, p)
	}
	return clone(e.participants)
}

func (t *Table) Remove(roomID, connID string) (Removal, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.rooms[roomID]
	if !ok {
		return Removal{}, false
	}

	p, idx, found := lo.FindIndexOf(e.participants, func(existing models.Participant) bool {
		return existing.ID == connID
	})
	if !found {
		return Removal{}, false
	}
	e.participants = append(e.participants[:idx], e.participants[idx+1:]...)

	r := Removal{Participant: p}
	if e.typing.IsTyping && e.typing.Username == p.Username {
		e.typing = Typing{}
		r.StoppedTyping = true
	}
	if len(e.participants) == 0 {
		delete(t.rooms, roomID)
		r.Emptied = true
	}
	r.Participants = clone(e.participants)
	return r, true
}

// List returns the room's participants in join order, or an empty list when
// nobody is connected.
func (t *Table) List(roomID string) []models.Participant {
	t.mu.RLock()
	defer t.mu.RUnlock()

	e, ok := t.rooms[roomID]
	if !ok {
		return []models.Participant{}
	}
	return clone(e.participants)
}

func (t *Table) Contains(roomID, connID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()

	e, ok := t.rooms[roomID]
	if !ok {
		return false
	}
	return lo.ContainsBy(e.participants, func(p models.Participant) bool { return p.ID == connID })
}

// Recipients lists the connection ids of roomID, skipping exclude.
func (t *Table) Recipients(roomID, exclude string) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	e, ok := t.rooms[roomID]
	if !ok {
		return nil
	}
	return lo.FilterMap(e.participants, func(p models.Participant, _ int) (string, bool) {
		return p.ID, p.ID != exclude
	})
}

// SetTyping overwrites the room's typing slot. It is a no-op for rooms
// without live presence.
func (t *Table) SetTyping(roomID string, typing Typing) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if e, ok := t.rooms[roomID]; ok {
		e.typing = typing
	}
}

func (t *Table) Typing(roomID string) Typing {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if e, ok := t.rooms[roomID]; ok {
		return e.typing
	}
	return Typing{}
}

// Rooms reports how many rooms currently have live presence.
func (t *Table) Rooms() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.rooms)
}

// Bind records the connection's room, replacing any earlier binding.
func (t *Table) Bind(b Binding) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.bindings[b.ConnID] = b
}

func (t *Table) Unbind(connID string) (Binding, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	b, ok := t.bindings[connID]
	if ok {
		delete(t.bindings, connID)
	}
	return b, ok
}

func (t *Table) Lookup(connID string) (Binding, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	b, ok := t.bindings[connID]
	return b, ok
}

func clone(ps []models.Participant) []models.Participant {
	out := make([]models.Participant, len(ps))
	copy(out, ps)
	return out
}
