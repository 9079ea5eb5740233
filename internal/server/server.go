// Package server exposes the session manager over WebSocket and serves
// health and metrics endpoints.
package server

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	collablog "collabtext/internal/log"
	"collabtext/internal/metrics"
	"collabtext/internal/protocol"
	"collabtext/internal/session"
)

// Options are the transport settings.
type Options struct {
	ReadLimit      int64
	PingInterval   time.Duration
	PongTimeout    time.Duration
	WriteTimeout   time.Duration
	AllowedOrigins []string
}

// RoomCounter reports the number of open documents.
type RoomCounter interface {
	Len() int
}

// Server serves /ws, /healthz and /metrics.
type Server struct {
	opts     Options
	sessions *session.Manager
	rooms    RoomCounter
	metrics  *metrics.Metrics
	log      logrus.FieldLogger
	upgrader websocket.Upgrader

	ctx    context.Context
	cancel context.CancelFunc
	conns  sync.WaitGroup

	mu   sync.Mutex
	http *http.Server
}

// New returns a Server. Listening starts with Serve.
func New(opts Options, sessions *session.Manager, rooms RoomCounter, m *metrics.Metrics, log logrus.FieldLogger) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		opts:     opts,
		sessions: sessions,
		rooms:    rooms,
		metrics:  m,
		log:      log,
		ctx:      ctx,
		cancel:   cancel,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.opts.AllowedOrigins) == 0 {
		return true
	}
	return slices.Contains(s.opts.AllowedOrigins, r.Header.Get("Origin"))
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/ws", s.serveWs).Methods(http.MethodGet)
	r.HandleFunc("/healthz", s.serveHealth).Methods(http.MethodGet)
	r.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)
	return r
}

// Serve accepts connections on ln until Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.mu.Lock()
	s.http = srv
	s.mu.Unlock()
	s.log.WithField("addr", ln.Addr().String()).Info("collabtext sync server listening")
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "serve http failed")
	}
	return nil
}

// ListenAndServe listens on addr and calls Serve.
func (s *Server) ListenAndServe(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrapf(err, "listen on %s failed", addr)
	}
	return s.Serve(ln)
}

// Shutdown stops accepting connections, disconnects every session and
// waits for the connection goroutines to exit.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.http
	s.mu.Unlock()
	if srv != nil {
		if err := srv.Shutdown(ctx); err != nil {
			return errors.Wrap(err, "shutdown http failed")
		}
	}
	s.cancel()
	if err := s.sessions.Shutdown(ctx); err != nil {
		return err
	}

	done := make(chan struct{})
	go func() {
		s.conns.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Server) serveHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status":   "ok",
		"sessions": s.sessions.Len(),
		"rooms":    s.rooms.Len(),
	})
}

func tokenFrom(r *http.Request) string {
	if t := r.URL.Query().Get("token"); t != "" {
		return t
	}
	h := r.Header.Get("Authorization")
	if strings.HasPrefix(h, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	}
	return ""
}

func (s *Server) serveWs(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WithError(err).Debug("websocket upgrade failed")
		return
	}

	sess, err := s.sessions.Authenticate(r.Context(), tokenFrom(r))
	if err != nil {
		s.log.WithError(err).WithField("remote", r.RemoteAddr).Info("authentication failed")
		s.reject(conn)
		return
	}

	c := &client{srv: s, conn: conn, sess: sess}
	s.conns.Add(2)
	go c.writePump()
	go c.readPump()
}

func (s *Server) reject(conn *websocket.Conn) {
	defer conn.Close()
	msg, err := protocol.Encode(protocol.TypeAuthError, protocol.ErrorPayload{Message: "authentication failed"})
	if err != nil {
		return
	}
	conn.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
		return
	}
	conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "authentication failed"))
}

// client pumps one connection. Events are read and dispatched one at a
// time; writes happen only in writePump.
type client struct {
	srv  *Server
	conn *websocket.Conn
	sess *session.Session
}

func (c *client) readPump() {
	defer func() {
		c.srv.sessions.HandleDisconnect(c.sess)
		c.conn.Close()
		c.srv.conns.Done()
	}()
	logger := c.srv.log.WithField(collablog.SessionID, c.sess.ID)

	c.conn.SetReadLimit(c.srv.opts.ReadLimit)
	c.conn.SetReadDeadline(time.Now().Add(c.srv.opts.PongTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.srv.opts.PongTimeout))
	})
	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.WithError(err).Info("connection lost")
			}
			return
		}
		c.srv.sessions.Dispatch(c.srv.ctx, c.sess, message)
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(c.srv.opts.PingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
		c.srv.conns.Done()
	}()
	for {
		select {
		case message, ok := <-c.sess.Outbound():
			c.conn.SetWriteDeadline(time.Now().Add(c.srv.opts.WriteTimeout))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(c.srv.opts.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
