// Package session tracks authenticated connections and turns their
// events into room operations.
package session

import (
	"slices"
	"sync"

	"collabtext/internal/auth"
	collablog "collabtext/internal/log"
)

// Session is one authenticated connection. Outbound events are queued on a
// bounded channel drained by the connection's writer; a full queue closes
// the session.
type Session struct {
	ID   string
	User auth.Identity

	mgr  *Manager
	send chan []byte
	once sync.Once

	mu     sync.Mutex
	docs   map[string]auth.Level
	closed bool
}

// Send queues msg without blocking. It returns false once the session is
// closed or when the queue is full, in which case the session is
// disconnected.
func (s *Session) Send(msg []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.send <- msg:
		return true
	default:
		s.closed = true
		s.mgr.log.WithField(collablog.SessionID, s.ID).Warn("send buffer full, disconnecting")
		go s.mgr.HandleDisconnect(s)
		return false
	}
}

// Outbound is drained by the writer. It is closed on disconnect.
func (s *Session) Outbound() <-chan []byte {
	return s.send
}

// Level returns the cached access level for a joined document.
func (s *Session) Level(documentID string) (auth.Level, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.docs[documentID]
	return l, ok
}

// Documents returns the joined document ids, sorted.
func (s *Session) Documents() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.docs))
	for id := range s.docs {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Closed reports whether the session has been disconnected.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
