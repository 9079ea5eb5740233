package hub

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"collabtext/internal/auth"
	"collabtext/internal/cluster"
	"collabtext/internal/crdt"
	collablog "collabtext/internal/log"
	"collabtext/internal/metrics"
	"collabtext/internal/protocol"
)

// pending is a room being created or torn down. Waiters block on done and
// then look the room up again.
type pending struct {
	done chan struct{}
	err  error
}

// Registry maps document ids to rooms. At most one room per document id
// exists at a time.
type Registry struct {
	access  auth.AccessChecker
	gateway Gateway
	router  *Router
	locker  cluster.Locker
	log     logrus.FieldLogger
	metrics *metrics.Metrics
	tracer  trace.Tracer

	debounce     time.Duration
	flushTimeout time.Duration
	retryInitial time.Duration
	retryMax     time.Duration

	mu      sync.Mutex
	rooms   map[string]*Room
	pending map[string]*pending
	closed  bool
}

// Cfg configures a Registry.
type Cfg func(*Registry) error

// WithDebounce sets the delay between the first unflushed change and its
// flush.
func WithDebounce(d time.Duration) Cfg {
	return func(r *Registry) error {
		if d <= 0 {
			return errors.New("debounce must be positive")
		}
		r.debounce = d
		return nil
	}
}

// WithFlushTimeout bounds a single background flush.
func WithFlushTimeout(d time.Duration) Cfg {
	return func(r *Registry) error {
		if d <= 0 {
			return errors.New("flush timeout must be positive")
		}
		r.flushTimeout = d
		return nil
	}
}

// WithRetry sets the backoff bounds for failed flushes.
func WithRetry(initial, max time.Duration) Cfg {
	return func(r *Registry) error {
		if initial <= 0 || max < initial {
			return errors.Errorf("invalid retry bounds %s..%s", initial, max)
		}
		r.retryInitial = initial
		r.retryMax = max
		return nil
	}
}

// WithLocker sets the cluster lease provider.
func WithLocker(l cluster.Locker) Cfg {
	return func(r *Registry) error {
		r.locker = l
		return nil
	}
}

// WithLogger sets the logger rooms derive their loggers from.
func WithLogger(l logrus.FieldLogger) Cfg {
	return func(r *Registry) error {
		r.log = l
		return nil
	}
}

// WithMetrics sets the instruments updated by the registry and its rooms.
func WithMetrics(m *metrics.Metrics) Cfg {
	return func(r *Registry) error {
		r.metrics = m
		return nil
	}
}

// NewRegistry returns an empty registry.
func NewRegistry(access auth.AccessChecker, gateway Gateway, router *Router, cfgs ...Cfg) (*Registry, error) {
	r := &Registry{
		access:       access,
		gateway:      gateway,
		router:       router,
		locker:       cluster.LocalLocker{},
		log:          logrus.StandardLogger(),
		tracer:       otel.Tracer("collabtext/hub"),
		debounce:     2 * time.Second,
		flushTimeout: 10 * time.Second,
		retryInitial: 500 * time.Millisecond,
		retryMax:     30 * time.Second,
		rooms:        make(map[string]*Room),
		pending:      make(map[string]*pending),
	}
	for _, cfg := range cfgs {
		if err := cfg(r); err != nil {
			return nil, errors.Wrap(err, "apply registry config failed")
		}
	}
	if r.metrics == nil {
		r.metrics = metrics.New()
	}
	return r, nil
}

// Join checks access, opens the room if needed and adds the session. The
// joiner receives document_sync and the other members user_joined before
// any later update of the room.
func (r *Registry) Join(ctx context.Context, documentID string, req JoinRequest) (*Snapshot, error) {
	ctx, span := r.tracer.Start(ctx, "hub.Join", trace.WithAttributes(
		attribute.String(collablog.DocumentID, documentID),
		attribute.String(collablog.UserID, req.UserID),
	))
	defer span.End()

	level, err := r.access.Check(ctx, req.UserID, documentID)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	for {
		room, err := r.room(ctx, documentID)
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
		snap, err := room.join(req, level)
		if errors.Is(err, errRoomClosed) {
			continue
		}
		return snap, err
	}
}

// room returns the live room for documentID, creating it if needed.
func (r *Registry) room(ctx context.Context, documentID string) (*Room, error) {
	for {
		r.mu.Lock()
		if r.closed {
			r.mu.Unlock()
			return nil, ErrClosed
		}
		if room, ok := r.rooms[documentID]; ok {
			r.mu.Unlock()
			return room, nil
		}
		if p, ok := r.pending[documentID]; ok {
			r.mu.Unlock()
			select {
			case <-p.done:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			if p.err != nil && !errors.Is(p.err, context.Canceled) && !errors.Is(p.err, context.DeadlineExceeded) {
				return nil, p.err
			}
			continue
		}
		p := &pending{done: make(chan struct{})}
		r.pending[documentID] = p
		r.mu.Unlock()

		room, err := r.open(ctx, documentID)

		r.mu.Lock()
		delete(r.pending, documentID)
		if err == nil && r.closed {
			err = ErrClosed
		}
		if err == nil {
			r.rooms[documentID] = room
			r.metrics.Rooms.Inc()
		}
		p.err = err
		close(p.done)
		r.mu.Unlock()

		if err != nil {
			if room != nil {
				r.release(room)
			}
			return nil, err
		}
		go r.watch(room)
		return room, nil
	}
}

func (r *Registry) open(ctx context.Context, documentID string) (*Room, error) {
	logger := r.log.WithField(collablog.DocumentID, documentID)

	lease, err := r.locker.Acquire(ctx, documentID)
	if errors.Is(err, cluster.ErrHeld) {
		return nil, ErrDocumentBusy
	}
	if err != nil {
		return nil, errors.Wrap(err, "acquire document lease failed")
	}

	state, err := r.gateway.Load(ctx, documentID)
	if err != nil {
		if rerr := lease.Release(context.WithoutCancel(ctx)); rerr != nil {
			logger.WithError(rerr).Warn("release lease failed")
		}
		return nil, err
	}
	replica, err := crdt.Load(state)
	if err != nil {
		r.metrics.Loads.WithLabelValues(metrics.ResultCorrupt).Inc()
		logger.WithError(err).WithField("bytes", len(state)).Error("stored state unreadable, document starts empty")
	}
	logger.WithField("chars", replica.Len()).Info("room opened")
	return newRoom(r, documentID, replica, lease), nil
}

func (r *Registry) lookup(documentID string) *Room {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rooms[documentID]
}

// Leave removes the session from the document. Leaving a document that is
// not open, or twice, does nothing.
func (r *Registry) Leave(documentID, sessionID string) {
	room := r.lookup(documentID)
	if room == nil {
		return
	}
	if room.leave(sessionID) {
		r.evict(room)
	}
}

// Route merges frame into the document and forwards it to the other
// members.
func (r *Registry) Route(documentID, sessionID string, frame []byte) error {
	room := r.lookup(documentID)
	if room == nil {
		return ErrRoomNotFound
	}
	return room.apply(sessionID, frame)
}

// Awareness stores the session's awareness state and forwards it.
func (r *Registry) Awareness(documentID, sessionID string, state json.RawMessage) error {
	room := r.lookup(documentID)
	if room == nil {
		return ErrRoomNotFound
	}
	return room.awareness(sessionID, state)
}

// Text returns the visible content of an open document.
func (r *Registry) Text(documentID string) (string, bool) {
	room := r.lookup(documentID)
	if room == nil {
		return "", false
	}
	return room.Text(), true
}

// Len returns the number of open rooms.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rooms)
}

func (r *Registry) evict(room *Room) {
	r.mu.Lock()
	room.mu.Lock()
	if r.rooms[room.id] != room || !room.idleLocked() {
		room.mu.Unlock()
		r.mu.Unlock()
		return
	}
	room.closeLocked()
	lastFlush := room.lastFlush
	room.mu.Unlock()
	p := r.detachLocked(room)
	r.mu.Unlock()

	r.finishDetach(room, p)
	room.log.WithField("last_flush", lastFlush).Info("room evicted")
}

// watch closes the room when its lease is lost. Another node may already
// serve the document, so nothing is flushed and members are told to
// rejoin.
func (r *Registry) watch(room *Room) {
	select {
	case <-room.lease.Lost():
	case <-room.gone:
		return
	}

	r.mu.Lock()
	room.mu.Lock()
	if room.closed {
		room.mu.Unlock()
		r.mu.Unlock()
		return
	}
	room.closeLocked()
	room.broadcastLocked("", protocol.TypeJoinError, protocol.ErrorPayload{
		DocumentID: room.id,
		Message:    "document moved to another server",
	})
	members, dirty := len(room.members), room.dirty
	room.members = make(map[string]*member)
	room.mu.Unlock()
	var p *pending
	if r.rooms[room.id] == room {
		p = r.detachLocked(room)
	}
	r.mu.Unlock()

	r.metrics.LeasesLost.Inc()
	room.log.WithFields(logrus.Fields{"members": members, "unflushed": dirty}).Error("document lease lost, room closed")
	if p != nil {
		r.finishDetach(room, p)
	}
}

// detachLocked removes a closed room from the registry. Joins for its id
// wait on the returned entry until finishDetach has released the lease.
func (r *Registry) detachLocked(room *Room) *pending {
	delete(r.rooms, room.id)
	r.metrics.Rooms.Dec()
	p := &pending{done: make(chan struct{})}
	r.pending[room.id] = p
	return p
}

func (r *Registry) finishDetach(room *Room, p *pending) {
	r.release(room)

	r.mu.Lock()
	delete(r.pending, room.id)
	close(p.done)
	r.mu.Unlock()
}

func (r *Registry) release(room *Room) {
	r.gateway.Forget(room.id)
	ctx, cancel := context.WithTimeout(context.Background(), r.flushTimeout)
	defer cancel()
	if err := room.lease.Release(ctx); err != nil {
		room.log.WithError(err).Warn("release lease failed")
	}
}

// Close flushes every room until durable or until ctx is done, then
// releases the leases. Later joins fail with ErrClosed.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	rooms := make([]*Room, 0, len(r.rooms))
	for _, room := range r.rooms {
		rooms = append(rooms, room)
	}
	r.rooms = make(map[string]*Room)
	r.metrics.Rooms.Set(0)
	r.mu.Unlock()

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		firstErr error
	)
	for _, room := range rooms {
		wg.Add(1)
		go func(room *Room) {
			defer wg.Done()
			if err := room.shutdown(ctx); err != nil {
				room.log.WithError(err).Error("room shutdown failed, unflushed changes lost")
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
			}
		}(room)
	}
	wg.Wait()
	return firstErr
}
