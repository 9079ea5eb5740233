package session

import (
	"bytes"
	"context"
	"encoding/json"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"collabtext/internal/auth"
	"collabtext/internal/crdt"
	"collabtext/internal/hub"
	collablog "collabtext/internal/log"
	"collabtext/internal/metrics"
	"collabtext/internal/protocol"
)

// Rooms is the part of the room registry used by sessions.
type Rooms interface {
	Join(ctx context.Context, documentID string, req hub.JoinRequest) (*hub.Snapshot, error)
	Leave(documentID, sessionID string)
	Route(documentID, sessionID string, frame []byte) error
	Awareness(documentID, sessionID string, state json.RawMessage) error
}

// Manager owns every live session.
type Manager struct {
	authn        auth.Authenticator
	rooms        Rooms
	log          logrus.FieldLogger
	metrics      *metrics.Metrics
	sendBuffer   int
	maxAwareness int

	mu       sync.RWMutex
	sessions map[string]*Session
}

// Option configures a Manager.
type Option func(*Manager)

// WithSendBuffer sets the number of queued outbound events per session.
func WithSendBuffer(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.sendBuffer = n
		}
	}
}

// WithMaxAwareness caps the size in bytes of an awareness state.
func WithMaxAwareness(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.maxAwareness = n
		}
	}
}

// WithLogger sets the logger for sessions and their handlers.
func WithLogger(l logrus.FieldLogger) Option {
	return func(m *Manager) {
		m.log = l
	}
}

// WithMetrics sets the instruments for session counts and rejected updates.
func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Manager) {
		m.metrics = mt
	}
}

// NewManager returns a Manager with no sessions.
func NewManager(authn auth.Authenticator, rooms Rooms, opts ...Option) *Manager {
	m := &Manager{
		authn:        authn,
		rooms:        rooms,
		log:          logrus.StandardLogger(),
		sendBuffer:   256,
		maxAwareness: 16 << 10,
		sessions:     make(map[string]*Session),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.metrics == nil {
		m.metrics = metrics.New()
	}
	return m
}

// Authenticate verifies token and registers a new session. No session
// exists when it fails.
func (m *Manager) Authenticate(ctx context.Context, token string) (*Session, error) {
	id, err := m.authn.Authenticate(ctx, token)
	if err != nil {
		return nil, err
	}
	s := &Session{
		ID:   uuid.NewString(),
		User: id,
		mgr:  m,
		send: make(chan []byte, m.sendBuffer),
		docs: make(map[string]auth.Level),
	}
	m.mu.Lock()
	m.sessions[s.ID] = s
	m.mu.Unlock()
	m.metrics.Sessions.Inc()
	m.log.WithFields(logrus.Fields{collablog.SessionID: s.ID, collablog.UserID: id.UserID}).Info("session opened")
	return s, nil
}

// Lookup resolves a session id for the broadcast router.
func (m *Manager) Lookup(sessionID string) (hub.Recipient, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, false
	}
	return s, true
}

// Len returns the number of live sessions.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

func (m *Manager) reply(s *Session, typ, documentID, message string) {
	msg, err := protocol.Encode(typ, protocol.ErrorPayload{DocumentID: documentID, Message: message})
	if err != nil {
		m.log.WithError(err).Error("encode reply failed")
		return
	}
	s.Send(msg)
}

// Dispatch decodes one inbound message and runs its handler. Events of a
// session must be dispatched one at a time.
func (m *Manager) Dispatch(ctx context.Context, s *Session, raw []byte) {
	env, err := protocol.Decode(raw)
	if err != nil {
		m.reply(s, protocol.TypeError, "", "invalid message")
		return
	}
	switch env.Type {
	case protocol.TypeJoinDocument:
		var p protocol.JoinPayload
		if err := protocol.DecodePayload(env, &p); err != nil {
			m.reply(s, protocol.TypeJoinError, "", "invalid payload")
			return
		}
		m.HandleJoin(ctx, s, p)
	case protocol.TypeLeaveDocument:
		var p protocol.LeavePayload
		if err := protocol.DecodePayload(env, &p); err != nil {
			m.reply(s, protocol.TypeError, "", "invalid payload")
			return
		}
		m.HandleLeave(s, p)
	case protocol.TypeDocumentUpdate:
		var p protocol.UpdatePayload
		if err := protocol.DecodePayload(env, &p); err != nil {
			m.reply(s, protocol.TypeUpdateError, "", "invalid payload")
			return
		}
		m.HandleUpdate(s, p)
	case protocol.TypeAwarenessUpdate:
		var p protocol.AwarenessPayload
		if err := protocol.DecodePayload(env, &p); err != nil {
			m.reply(s, protocol.TypeError, "", "invalid payload")
			return
		}
		m.HandleAwareness(s, p)
	default:
		m.reply(s, protocol.TypeError, "", "unknown message type "+env.Type)
	}
}

// joinErrorMessage maps a join failure to the client message. refused is
// false for unexpected failures.
func joinErrorMessage(err error) (msg string, refused bool) {
	switch {
	case errors.Is(err, auth.ErrAccessDenied):
		return "access denied", true
	case errors.Is(err, auth.ErrDocumentNotFound):
		return "document not found", true
	case errors.Is(err, hub.ErrDocumentBusy):
		return "document is open on another server", true
	case errors.Is(err, hub.ErrClosed):
		return "server is shutting down", true
	default:
		return "could not open document", false
	}
}

// HandleJoin adds the session to a document's room.
func (m *Manager) HandleJoin(ctx context.Context, s *Session, p protocol.JoinPayload) {
	if p.DocumentID == "" {
		m.reply(s, protocol.TypeJoinError, "", "documentId is required")
		return
	}
	logger := m.log.WithFields(collablog.Document(p.DocumentID, s.ID))
	snap, err := m.rooms.Join(ctx, p.DocumentID, hub.JoinRequest{
		SessionID:   s.ID,
		UserID:      s.User.UserID,
		StateVector: p.StateVector,
	})
	if err != nil {
		msg, refused := joinErrorMessage(err)
		if refused {
			logger.WithError(err).Info("join refused")
		} else {
			logger.WithError(err).Error("join failed")
		}
		m.reply(s, protocol.TypeJoinError, p.DocumentID, msg)
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		m.rooms.Leave(p.DocumentID, s.ID)
		return
	}
	s.docs[p.DocumentID] = snap.Level
	s.mu.Unlock()
	logger.WithField("access", snap.Level).Debug("joined")
}

// HandleLeave removes the session from a document. Leaving a document that
// was not joined does nothing.
func (m *Manager) HandleLeave(s *Session, p protocol.LeavePayload) {
	s.mu.Lock()
	_, ok := s.docs[p.DocumentID]
	delete(s.docs, p.DocumentID)
	s.mu.Unlock()
	if ok {
		m.rooms.Leave(p.DocumentID, s.ID)
	}
}

// HandleUpdate merges an update frame into a joined document.
func (m *Manager) HandleUpdate(s *Session, p protocol.UpdatePayload) {
	level, ok := s.Level(p.DocumentID)
	if !ok {
		m.reply(s, protocol.TypeJoinError, p.DocumentID, "not joined")
		return
	}
	if !level.CanWrite() {
		m.metrics.UpdatesRejected.Inc()
		m.reply(s, protocol.TypeUpdateError, p.DocumentID, "read-only access")
		return
	}
	err := m.rooms.Route(p.DocumentID, s.ID, p.Update)
	switch {
	case err == nil:
	case errors.Is(err, crdt.ErrMalformedFrame):
		m.log.WithFields(collablog.Document(p.DocumentID, s.ID)).WithError(err).Debug("update rejected")
		m.reply(s, protocol.TypeUpdateError, p.DocumentID, "malformed update")
	case errors.Is(err, hub.ErrRoomNotFound):
		m.reply(s, protocol.TypeUpdateError, p.DocumentID, "document is not open")
	default:
		m.log.WithFields(collablog.Document(p.DocumentID, s.ID)).WithError(err).Error("update failed")
		m.reply(s, protocol.TypeUpdateError, p.DocumentID, "update failed")
	}
}

// HandleAwareness replaces the session's awareness state on a document.
// The state is relayed as is.
func (m *Manager) HandleAwareness(s *Session, p protocol.AwarenessPayload) {
	if _, ok := s.Level(p.DocumentID); !ok {
		m.reply(s, protocol.TypeJoinError, p.DocumentID, "not joined")
		return
	}
	state := bytes.TrimSpace(p.Awareness)
	if len(state) == 0 || bytes.Equal(state, []byte("null")) {
		m.reply(s, protocol.TypeError, p.DocumentID, "awareness is required")
		return
	}
	if len(state) > m.maxAwareness {
		m.reply(s, protocol.TypeError, p.DocumentID, "awareness too large")
		return
	}
	if err := m.rooms.Awareness(p.DocumentID, s.ID, json.RawMessage(state)); err != nil {
		m.reply(s, protocol.TypeJoinError, p.DocumentID, "not joined")
	}
}

// HandleDisconnect closes the session and leaves every joined document.
// It runs at most once per session.
func (m *Manager) HandleDisconnect(s *Session) {
	s.once.Do(func() {
		s.mu.Lock()
		s.closed = true
		docs := make([]string, 0, len(s.docs))
		for id := range s.docs {
			docs = append(docs, id)
		}
		s.docs = make(map[string]auth.Level)
		close(s.send)
		s.mu.Unlock()

		for _, id := range docs {
			m.rooms.Leave(id, s.ID)
		}

		m.mu.Lock()
		delete(m.sessions, s.ID)
		m.mu.Unlock()
		m.metrics.Sessions.Dec()
		m.log.WithFields(logrus.Fields{collablog.SessionID: s.ID, collablog.UserID: s.User.UserID}).Info("session closed")
	})
}

// Shutdown disconnects every session.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.RLock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.RUnlock()

	for _, s := range sessions {
		if err := ctx.Err(); err != nil {
			return err
		}
		m.HandleDisconnect(s)
	}
	return nil
}
