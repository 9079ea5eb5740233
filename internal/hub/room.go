package hub

import (
	"context"
	"encoding/json"
	"slices"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"collabtext/internal/auth"
	"collabtext/internal/cluster"
	"collabtext/internal/crdt"
	collablog "collabtext/internal/log"
	"collabtext/internal/protocol"
)

// Room is the live state of one open document.
type Room struct {
	id    string
	reg   *Registry
	log   logrus.FieldLogger
	lease cluster.Lease

	// flushMu orders flushes so an older snapshot never overwrites a
	// newer one.
	flushMu sync.Mutex

	mu        sync.Mutex
	replica   *crdt.Replica
	members   map[string]*member
	dirty     bool
	version   uint64
	flushing  bool
	lastFlush time.Time
	timer     *time.Timer
	retry     *backoff.ExponentialBackOff
	closed    bool
	gone      chan struct{}
}

func newRoom(reg *Registry, id string, replica *crdt.Replica, lease cluster.Lease) *Room {
	retry := backoff.NewExponentialBackOff()
	retry.InitialInterval = reg.retryInitial
	retry.MaxInterval = reg.retryMax
	retry.MaxElapsedTime = 0
	retry.Reset()
	return &Room{
		id:      id,
		reg:     reg,
		log:     reg.log.WithField(collablog.DocumentID, id),
		lease:   lease,
		replica: replica,
		members: make(map[string]*member),
		retry:   retry,
		gone:    make(chan struct{}),
	}
}

// closeLocked stops the room from accepting joins, updates and timers.
func (rm *Room) closeLocked() {
	if rm.closed {
		return
	}
	rm.closed = true
	close(rm.gone)
	if rm.timer != nil {
		rm.timer.Stop()
		rm.timer = nil
	}
}

func (rm *Room) memberIDsLocked() []string {
	ids := make([]string, 0, len(rm.members))
	for id := range rm.members {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

func (rm *Room) membersLocked() []protocol.Member {
	out := make([]protocol.Member, 0, len(rm.members))
	for _, id := range rm.memberIDsLocked() {
		m := rm.members[id]
		out = append(out, protocol.Member{UserID: m.userID, ClientID: m.sessionID, Awareness: m.awareness})
	}
	return out
}

func (rm *Room) broadcastLocked(except, typ string, payload any) {
	msg, err := protocol.Encode(typ, payload)
	if err != nil {
		rm.log.WithError(err).Error("encode event failed")
		return
	}
	rm.reg.router.Broadcast(rm.memberIDsLocked(), except, msg)
}

func (rm *Room) join(req JoinRequest, level auth.Level) (*Snapshot, error) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	if rm.closed {
		return nil, errRoomClosed
	}

	state := rm.replica.EncodeState()
	if len(req.StateVector) > 0 {
		diff, err := rm.replica.EncodeDiff(req.StateVector)
		if err != nil {
			rm.log.WithField(collablog.SessionID, req.SessionID).WithError(err).Debug("bad state vector, sending full state")
		} else {
			state = diff
		}
	}

	_, rejoin := rm.members[req.SessionID]
	if !rejoin {
		rm.members[req.SessionID] = &member{sessionID: req.SessionID, userID: req.UserID}
		rm.broadcastLocked(req.SessionID, protocol.TypeUserJoined, protocol.PresencePayload{
			DocumentID: rm.id,
			UserID:     req.UserID,
			ClientID:   req.SessionID,
		})
	}

	snap := &Snapshot{State: state, Members: rm.membersLocked(), Level: level}
	msg, err := protocol.Encode(protocol.TypeDocumentSync, protocol.SyncPayload{
		DocumentID: rm.id,
		State:      snap.State,
		Members:    snap.Members,
		Access:     string(level),
	})
	if err != nil {
		return nil, err
	}
	rm.reg.router.Send(req.SessionID, msg)
	return snap, nil
}

// leave removes a member and reports whether the room can be evicted now.
// A dirty room is flushed first and evicted by the timer once durable. A
// clean room is evicted without a write since every change it holds was
// already flushed.
func (rm *Room) leave(sessionID string) bool {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	m, ok := rm.members[sessionID]
	if !ok {
		return false
	}
	delete(rm.members, sessionID)
	rm.broadcastLocked(sessionID, protocol.TypeUserLeft, protocol.PresencePayload{
		DocumentID: rm.id,
		UserID:     m.userID,
		ClientID:   sessionID,
	})
	if len(rm.members) > 0 {
		return false
	}
	if rm.dirty {
		if rm.timer != nil && rm.timer.Stop() {
			rm.timer = nil
		}
		rm.scheduleLocked(0)
		return false
	}
	return rm.idleLocked()
}

func (rm *Room) apply(sessionID string, frame []byte) error {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	m, ok := rm.members[sessionID]
	if !ok || rm.closed {
		return ErrRoomNotFound
	}
	eff, err := rm.replica.Apply(frame)
	if err != nil {
		rm.reg.metrics.UpdatesRejected.Inc()
		return err
	}
	rm.reg.metrics.UpdatesApplied.Inc()
	if !eff.Changed() {
		return nil
	}
	rm.markDirtyLocked()
	rm.broadcastLocked(sessionID, protocol.TypeDocumentUpdate, protocol.UpdatePayload{
		DocumentID: rm.id,
		Update:     frame,
		UserID:     m.userID,
	})
	return nil
}

func (rm *Room) awareness(sessionID string, state json.RawMessage) error {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	m, ok := rm.members[sessionID]
	if !ok || rm.closed {
		return ErrRoomNotFound
	}
	m.awareness = state
	rm.broadcastLocked(sessionID, protocol.TypeAwarenessUpdate, protocol.AwarenessPayload{
		DocumentID: rm.id,
		Awareness:  state,
		UserID:     m.userID,
		ClientID:   sessionID,
	})
	return nil
}

func (rm *Room) markDirtyLocked() {
	rm.dirty = true
	rm.version++
	rm.scheduleLocked(rm.reg.debounce)
}

func (rm *Room) scheduleLocked(d time.Duration) {
	if rm.closed || rm.timer != nil {
		return
	}
	rm.timer = time.AfterFunc(d, rm.onTimer)
}

func (rm *Room) idleLocked() bool {
	return !rm.closed && len(rm.members) == 0 && !rm.dirty && !rm.flushing
}

func (rm *Room) onTimer() {
	rm.mu.Lock()
	rm.timer = nil
	closed := rm.closed
	rm.mu.Unlock()
	if closed {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), rm.reg.flushTimeout)
	err := rm.flush(ctx)
	cancel()

	rm.mu.Lock()
	if err != nil {
		delay := rm.retry.NextBackOff()
		rm.log.WithError(err).WithField("retry_in", delay).Warn("flush failed")
		rm.scheduleLocked(delay)
	} else {
		rm.retry.Reset()
		if rm.dirty {
			rm.scheduleLocked(rm.reg.debounce)
		}
	}
	evict := rm.idleLocked()
	rm.mu.Unlock()
	if evict {
		rm.reg.evict(rm)
	}
}

// flush writes the current state if it has unflushed changes. It must be
// called without rm.mu held.
func (rm *Room) flush(ctx context.Context) error {
	rm.flushMu.Lock()
	defer rm.flushMu.Unlock()

	rm.mu.Lock()
	if !rm.dirty {
		rm.mu.Unlock()
		return nil
	}
	rm.flushing = true
	version := rm.version
	state := rm.replica.EncodeState()
	rm.mu.Unlock()

	err := rm.lease.Verify(ctx)
	if err == nil {
		err = rm.reg.gateway.Flush(ctx, rm.id, state)
	}

	rm.mu.Lock()
	defer rm.mu.Unlock()
	rm.flushing = false
	if err != nil {
		return err
	}
	rm.lastFlush = time.Now()
	if rm.version == version {
		rm.dirty = false
	}
	return nil
}

// shutdown stops scheduling and flushes until the state is durable or ctx
// is done.
func (rm *Room) shutdown(ctx context.Context) error {
	rm.mu.Lock()
	rm.closeLocked()
	rm.mu.Unlock()

	for {
		err := rm.flush(ctx)
		if err == nil {
			break
		}
		if errors.Is(err, cluster.ErrLost) {
			rm.lease.Release(ctx)
			return err
		}
		rm.mu.Lock()
		delay := rm.retry.NextBackOff()
		rm.mu.Unlock()
		rm.log.WithError(err).Warn("shutdown flush failed")
		select {
		case <-ctx.Done():
			return err
		case <-time.After(delay):
		}
	}
	return rm.lease.Release(ctx)
}

// Text returns the visible content, for diagnostics.
func (rm *Room) Text() string {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	return rm.replica.Text()
}
