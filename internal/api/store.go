package api

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/samcharles93/llgbridge/internal/constraint"
)

type sessionEntry struct {
	id        string
	createdAt time.Time
	mu        sync.Mutex
	session   *constraint.Session
}

// SessionStore keeps live sessions by id. A Session is not safe for
// concurrent use, so every call on it goes through its entry lock.
type SessionStore struct {
	mu       sync.Mutex
	sessions map[string]*sessionEntry
}

func NewSessionStore() *SessionStore {
	return &SessionStore{
		sessions: make(map[string]*sessionEntry),
	}
}

func (s *SessionStore) Add(sess *constraint.Session, now time.Time) string {
	id := newSessionID()
	s.mu.Lock()
	s.sessions[id] = &sessionEntry{id: id, createdAt: now, session: sess}
	s.mu.Unlock()
	return id
}

// with runs fn on the session stored under id while holding its lock.
func (s *SessionStore) with(id string, fn func(e *sessionEntry) error) (bool, error) {
	s.mu.Lock()
	entry, ok := s.sessions[id]
	s.mu.Unlock()
	if !ok {
		return false, nil
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return true, fn(entry)
}

// Delete removes and closes the session.
func (s *SessionStore) Delete(id string) bool {
	s.mu.Lock()
	entry, ok := s.sessions[id]
	if ok {
		delete(s.sessions, id)
	}
	s.mu.Unlock()
	if !ok {
		return false
	}
	entry.mu.Lock()
	entry.session.Close()
	entry.mu.Unlock()
	return true
}

func (s *SessionStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// CloseAll closes every session; the server calls it on shutdown.
func (s *SessionStore) CloseAll() {
	s.mu.Lock()
	entries := s.sessions
	s.sessions = make(map[string]*sessionEntry)
	s.mu.Unlock()
	for _, entry := range entries {
		entry.mu.Lock()
		entry.session.Close()
		entry.mu.Unlock()
	}
}

func newSessionID() string {
	return "sess_" + uuid.NewString()
}
