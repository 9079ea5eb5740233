package hub

import (
	"sync/atomic"

	"github.com/sirupsen/logrus"

	collablog "collabtext/internal/log"
	"collabtext/internal/metrics"
)

// Recipient accepts encoded events. Send must not block.
type Recipient interface {
	Send(msg []byte) bool
}

// Directory resolves session ids to live recipients.
type Directory interface {
	Lookup(sessionID string) (Recipient, bool)
}

// Router delivers events to sessions by id.
type Router struct {
	dir     atomic.Pointer[Directory]
	log     logrus.FieldLogger
	metrics *metrics.Metrics
}

// NewRouter returns a router with no directory attached. Every delivery
// fails until Attach is called.
func NewRouter(log logrus.FieldLogger, m *metrics.Metrics) *Router {
	if log == nil {
		log = logrus.StandardLogger()
	}
	if m == nil {
		m = metrics.New()
	}
	return &Router{log: log, metrics: m}
}

// Attach sets the directory recipients are resolved through.
func (r *Router) Attach(dir Directory) {
	r.dir.Store(&dir)
}

// Send delivers msg to one session.
func (r *Router) Send(sessionID string, msg []byte) bool {
	dir := r.dir.Load()
	if dir == nil {
		r.metrics.BroadcastDropped.Inc()
		return false
	}
	rcpt, ok := (*dir).Lookup(sessionID)
	if !ok || !rcpt.Send(msg) {
		r.metrics.BroadcastDropped.Inc()
		r.log.WithField(collablog.SessionID, sessionID).Debug("event dropped")
		return false
	}
	return true
}

// Broadcast delivers msg to every id except one and returns how many
// recipients accepted it.
func (r *Router) Broadcast(sessionIDs []string, except string, msg []byte) int {
	n := 0
	for _, id := range sessionIDs {
		if id == except {
			continue
		}
		if r.Send(id, msg) {
			n++
		}
	}
	return n
}
