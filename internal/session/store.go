package session

import (
	"fmt"
	"sync"
	"time"
)

// Store keeps one session per chat in memory. Each chat has its own lock so
// handlers for different chats never wait on each other.
type Store struct {
	mu    sync.Mutex
	chats map[int64]*entry
}

type entry struct {
	mu      sync.Mutex
	session Session
}

func NewStore() *Store {
	return &Store{chats: make(map[int64]*entry)}
}

// acquire returns the locked entry for chatID, creating an idle one on first
// use. The caller must call e.mu.Unlock.
func (st *Store) acquire(chatID int64) *entry {
	st.mu.Lock()
	e, ok := st.chats[chatID]
	if !ok {
		e = &entry{}
		st.chats[chatID] = e
	}
	st.mu.Unlock()
	e.mu.Lock()
	return e
}

// Get returns a copy of the chat's session.
func (st *Store) Get(chatID int64) Session {
	e := st.acquire(chatID)
	defer e.mu.Unlock()
	s := e.session
	s.cancel = nil
	return s
}

// Active returns the number of chats that are not idle.
func (st *Store) Active() int {
	st.mu.Lock()
	entries := make([]*entry, 0, len(st.chats))
	for _, e := range st.chats {
		entries = append(entries, e)
	}
	st.mu.Unlock()

	n := 0
	for _, e := range entries {
		e.mu.Lock()
		if e.session.State != StateIdle {
			n++
		}
		e.mu.Unlock()
	}
	return n
}

// transition moves s to the given state if the table allows it. Moving to
// idle resets every field.
func (st *Store) transition(s *Session, to State) error {
	if !CanTransition(s.State, to) {
		return fmt.Errorf("invalid session transition %s -> %s", s.State, to)
	}
	if to == StateIdle {
		*s = Session{}
		return nil
	}
	if to != StateAwaitingPayment && to != StateVerifyingPayment {
		s.CommandStartTime = time.Time{}
	}
	s.State = to
	return nil
}

// reset returns s to idle.
func (st *Store) reset(s *Session) {
	_ = st.transition(s, StateIdle)
}
