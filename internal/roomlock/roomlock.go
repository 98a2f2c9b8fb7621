// Package roomlock serializes work per room id. Different rooms never contend
// beyond the short map access needed to find their mutex.
package roomlock

import "sync"

type entry struct {
	mu   sync.Mutex
	refs int
}

type Locker struct {
	mu    sync.Mutex
	rooms map[string]*entry
}

func New() *Locker {
	return &Locker{rooms: make(map[string]*entry)}
}

// Lock blocks until roomID is free and returns the matching unlock func.
// Entries are reclaimed once nobody holds or waits on them.
func (l *Locker) Lock(roomID string) (unlock func()) {
	l.mu.Lock()
	e, ok := l.rooms[roomID]
	if !ok {
		e = &entry{}
		l.rooms[roomID] = e
	}
	e.refs++
	l.mu.Unlock()

	e.mu.Lock()

	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Unlock()

			l.mu.Lock()
			e.refs--
			if e.refs == 0 {
				delete(l.rooms, roomID)
			}
			l.mu.Unlock()
		})
	}
}

func (l *Locker) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.rooms)
}
