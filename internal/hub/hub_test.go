package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collabtext/internal/auth"
	"collabtext/internal/cluster"
	"collabtext/internal/crdt"
	"collabtext/internal/protocol"
)

type recipient struct {
	mu     sync.Mutex
	events []protocol.Envelope
}

func (r *recipient) Send(msg []byte) bool {
	env, err := protocol.Decode(msg)
	if err != nil {
		panic(err)
	}
	r.mu.Lock()
	r.events = append(r.events, env)
	r.mu.Unlock()
	return true
}

func (r *recipient) count(typ string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Type == typ {
			n++
		}
	}
	return n
}

func (r *recipient) updates() [][]byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out [][]byte
	for _, e := range r.events {
		if e.Type != protocol.TypeDocumentUpdate {
			continue
		}
		var up protocol.UpdatePayload
		if err := json.Unmarshal(e.Payload, &up); err != nil {
			panic(err)
		}
		out = append(out, up.Update)
	}
	return out
}

func (r *recipient) last(typ string, v any) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.events) - 1; i >= 0; i-- {
		if r.events[i].Type == typ {
			return json.Unmarshal(r.events[i].Payload, v) == nil
		}
	}
	return false
}

type directory struct {
	mu    sync.Mutex
	peers map[string]*recipient
}

func (d *directory) add(id string) *recipient {
	d.mu.Lock()
	defer d.mu.Unlock()
	r := &recipient{}
	d.peers[id] = r
	return r
}

func (d *directory) Lookup(id string) (Recipient, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	r, ok := d.peers[id]
	if !ok {
		return nil, false
	}
	return r, true
}

type gateway struct {
	mu      sync.Mutex
	states  map[string][]byte
	loads   atomic.Int32
	flushes atomic.Int32
	fail    atomic.Bool
	hold    chan struct{}
	started chan struct{}
}

func newGateway() *gateway {
	return &gateway{states: make(map[string][]byte)}
}

func (g *gateway) Load(_ context.Context, id string) ([]byte, error) {
	g.loads.Add(1)
	time.Sleep(5 * time.Millisecond)
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.states[id], nil
}

func (g *gateway) Flush(_ context.Context, id string, state []byte) error {
	if g.started != nil {
		g.started <- struct{}{}
	}
	if g.hold != nil {
		<-g.hold
	}
	g.flushes.Add(1)
	if g.fail.Load() {
		return errors.New("write failed")
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.states[id] = state
	return nil
}

func (g *gateway) Forget(string) {}

func (g *gateway) text(t *testing.T, id string) string {
	t.Helper()
	g.mu.Lock()
	defer g.mu.Unlock()
	r, err := crdt.Load(g.states[id])
	require.NoError(t, err)
	return r.Text()
}

type fixture struct {
	reg  *Registry
	dir  *directory
	gw   *gateway
	auth *auth.StaticAccess
}

func newFixture(t *testing.T, cfgs ...Cfg) *fixture {
	t.Helper()
	logger, _ := test.NewNullLogger()
	f := &fixture{
		dir:  &directory{peers: make(map[string]*recipient)},
		gw:   newGateway(),
		auth: auth.NewStaticAccess(auth.Editor),
	}
	router := NewRouter(logger, nil)
	router.Attach(f.dir)
	base := []Cfg{WithLogger(logger), WithDebounce(time.Hour), WithRetry(5*time.Millisecond, 20*time.Millisecond)}
	reg, err := NewRegistry(f.auth, f.gw, router, append(base, cfgs...)...)
	require.NoError(t, err)
	f.reg = reg
	t.Cleanup(func() { reg.Close(context.Background()) })
	return f
}

func (f *fixture) join(t *testing.T, doc, sid string) *recipient {
	t.Helper()
	r := f.dir.add(sid)
	_, err := f.reg.Join(context.Background(), doc, JoinRequest{SessionID: sid, UserID: "user-" + sid})
	require.NoError(t, err)
	return r
}

func insertFrame(peer, text string) []byte {
	return crdt.NewReplica(peer).Insert(0, text)
}

func TestJoin_AtMostOneRoom(t *testing.T) {
	f := newFixture(t)
	const n = 50
	recipients := make([]*recipient, n)
	for i := range recipients {
		recipients[i] = f.dir.add(fmt.Sprintf("s%d", i))
	}

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := f.reg.Join(context.Background(), "doc", JoinRequest{SessionID: fmt.Sprintf("s%d", i), UserID: "u"})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	assert.EqualValues(t, 1, f.gw.loads.Load())
	assert.Equal(t, 1, f.reg.Len())
	for _, r := range recipients {
		assert.Equal(t, 1, r.count(protocol.TypeDocumentSync))
	}
}

func TestJoin_SyncAndPresence(t *testing.T) {
	f := newFixture(t)
	a := f.join(t, "doc", "a")
	require.NoError(t, f.reg.Route("doc", "a", insertFrame("alice", "hi")))
	b := f.join(t, "doc", "b")

	var sync protocol.SyncPayload
	require.True(t, b.last(protocol.TypeDocumentSync, &sync))
	r, err := crdt.Load(sync.State)
	require.NoError(t, err)
	assert.Equal(t, "hi", r.Text())
	assert.Equal(t, "editor", sync.Access)
	require.Len(t, sync.Members, 2)

	var joined protocol.PresencePayload
	require.True(t, a.last(protocol.TypeUserJoined, &joined))
	assert.Equal(t, protocol.PresencePayload{DocumentID: "doc", UserID: "user-b", ClientID: "b"}, joined)
	assert.Equal(t, 0, b.count(protocol.TypeUserJoined))

	// Joining again resends the state without announcing twice.
	_, err = f.reg.Join(context.Background(), "doc", JoinRequest{SessionID: "b", UserID: "user-b"})
	require.NoError(t, err)
	assert.Equal(t, 2, b.count(protocol.TypeDocumentSync))
	assert.Equal(t, 1, a.count(protocol.TypeUserJoined))
}

func TestJoin_StateVectorDiff(t *testing.T) {
	f := newFixture(t)
	alice := crdt.NewReplica("alice")
	f.join(t, "doc", "a")
	require.NoError(t, f.reg.Route("doc", "a", alice.Insert(0, "abc")))
	sv := alice.StateVector()
	require.NoError(t, f.reg.Route("doc", "a", alice.Insert(3, "d")))

	b := f.dir.add("b")
	_, err := f.reg.Join(context.Background(), "doc", JoinRequest{SessionID: "b", UserID: "bob", StateVector: sv})
	require.NoError(t, err)
	var sync protocol.SyncPayload
	require.True(t, b.last(protocol.TypeDocumentSync, &sync))
	r, err := crdt.Load(sync.State)
	require.NoError(t, err)
	assert.Equal(t, "d", r.Text())
}

func TestJoin_Refused(t *testing.T) {
	t.Run("access", func(t *testing.T) {
		f := newFixture(t)
		f.auth.Grant("doc", "someone-else", auth.Owner)
		f.dir.add("a")
		_, err := f.reg.Join(context.Background(), "doc", JoinRequest{SessionID: "a", UserID: "user-a"})
		assert.True(t, errors.Is(err, auth.ErrAccessDenied))
		assert.Equal(t, 0, f.reg.Len())
		assert.EqualValues(t, 0, f.gw.loads.Load())
	})

	t.Run("not found", func(t *testing.T) {
		f := newFixture(t)
		f.auth.Default = ""
		_, err := f.reg.Join(context.Background(), "doc", JoinRequest{SessionID: "a", UserID: "user-a"})
		assert.True(t, errors.Is(err, auth.ErrDocumentNotFound))
		assert.Equal(t, 0, f.reg.Len())
	})

	t.Run("busy", func(t *testing.T) {
		f := newFixture(t, WithLocker(heldLocker{}))
		_, err := f.reg.Join(context.Background(), "doc", JoinRequest{SessionID: "a", UserID: "user-a"})
		assert.Equal(t, ErrDocumentBusy, err)
		assert.Equal(t, 0, f.reg.Len())
	})
}

type heldLocker struct{}

func (heldLocker) Acquire(context.Context, string) (cluster.Lease, error) {
	return nil, cluster.ErrHeld
}

// sharedRedis is a lease store shared by several registries.
type sharedRedis struct {
	mu   sync.Mutex
	keys map[string]string
}

func (s *sharedRedis) SetNX(_ context.Context, key string, value interface{}, _ time.Duration) *redis.BoolCmd {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.keys[key]; ok {
		return redis.NewBoolResult(false, nil)
	}
	s.keys[key] = value.(string)
	return redis.NewBoolResult(true, nil)
}

func (s *sharedRedis) Eval(_ context.Context, script string, keys []string, args ...interface{}) *redis.Cmd {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.keys[keys[0]] != args[0].(string) {
		return redis.NewCmdResult(int64(0), nil)
	}
	if strings.Contains(script, "DEL") {
		delete(s.keys, keys[0])
	}
	return redis.NewCmdResult(int64(1), nil)
}

func (s *sharedRedis) expire(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.keys, key)
}

func TestLeaseLost_ClosesRoom(t *testing.T) {
	logger, _ := test.NewNullLogger()
	rdb := &sharedRedis{keys: make(map[string]string)}
	nodeA := newFixture(t, WithLocker(cluster.NewRedisLocker(rdb, "node-a", 30*time.Millisecond, logger)))
	nodeB := newFixture(t, WithLocker(cluster.NewRedisLocker(rdb, "node-b", 30*time.Millisecond, logger)))
	ctx := context.Background()

	alice := nodeA.join(t, "doc", "alice")
	require.NoError(t, nodeA.reg.Route("doc", "alice", insertFrame("alice", "A")))
	nodeB.dir.add("bob")
	_, err := nodeB.reg.Join(ctx, "doc", JoinRequest{SessionID: "bob", UserID: "bob"})
	assert.Equal(t, ErrDocumentBusy, err)

	rdb.expire("collab:lease:doc")
	require.Eventually(t, func() bool { return nodeA.reg.Len() == 0 }, time.Second, 5*time.Millisecond)

	var perr protocol.ErrorPayload
	require.True(t, alice.last(protocol.TypeJoinError, &perr))
	assert.Equal(t, "doc", perr.DocumentID)
	assert.Equal(t, ErrRoomNotFound, nodeA.reg.Route("doc", "alice", insertFrame("alice", "x")))
	assert.Zero(t, nodeA.gw.flushes.Load())
	assert.Equal(t, 1.0, testutil.ToFloat64(nodeA.reg.metrics.LeasesLost))

	_, err = nodeB.reg.Join(ctx, "doc", JoinRequest{SessionID: "bob", UserID: "bob"})
	require.NoError(t, err)
	require.NoError(t, nodeB.reg.Route("doc", "bob", insertFrame("bob", "B")))
	_, err = nodeA.reg.Join(ctx, "doc", JoinRequest{SessionID: "alice", UserID: "alice"})
	assert.Equal(t, ErrDocumentBusy, err)
}

type lostLease struct{}

func (lostLease) Lost() <-chan struct{}         { return nil }
func (lostLease) Verify(context.Context) error  { return cluster.ErrLost }
func (lostLease) Release(context.Context) error { return nil }

type lostLocker struct{}

func (lostLocker) Acquire(context.Context, string) (cluster.Lease, error) {
	return lostLease{}, nil
}

func TestClose_UnverifiedLeaseSkipsWrite(t *testing.T) {
	f := newFixture(t, WithLocker(lostLocker{}))
	f.join(t, "doc", "a")
	require.NoError(t, f.reg.Route("doc", "a", insertFrame("alice", "hey")))

	err := f.reg.Close(context.Background())
	assert.True(t, errors.Is(err, cluster.ErrLost), "%v", err)
	assert.Zero(t, f.gw.flushes.Load())
}

func TestJoin_CorruptState(t *testing.T) {
	f := newFixture(t)
	f.gw.states["doc"] = []byte{0xff, 0xff, 0xff}
	f.join(t, "doc", "a")
	text, ok := f.reg.Text("doc")
	require.True(t, ok)
	assert.Equal(t, "", text)
}

func TestRoute(t *testing.T) {
	f := newFixture(t)
	a := f.join(t, "doc", "a")
	b := f.join(t, "doc", "b")

	require.NoError(t, f.reg.Route("doc", "a", insertFrame("alice", "hey")))
	assert.Equal(t, 0, a.count(protocol.TypeDocumentUpdate))
	var up protocol.UpdatePayload
	require.True(t, b.last(protocol.TypeDocumentUpdate, &up))
	assert.Equal(t, "user-a", up.UserID)

	// Replays change nothing and are not forwarded again.
	require.NoError(t, f.reg.Route("doc", "a", insertFrame("alice", "hey")))
	assert.Equal(t, 1, b.count(protocol.TypeDocumentUpdate))

	assert.Equal(t, ErrRoomNotFound, f.reg.Route("other", "a", insertFrame("alice", "x")))
	assert.Equal(t, ErrRoomNotFound, f.reg.Route("doc", "stranger", insertFrame("alice", "x")))
}

func TestRoute_ArrivalOrder(t *testing.T) {
	f := newFixture(t)
	f.join(t, "doc", "a")
	b := f.join(t, "doc", "b")

	editor := crdt.NewReplica("alice")
	var sent [][]byte
	for i, c := range "collaborate" {
		frame := editor.Insert(i, string(c))
		sent = append(sent, frame)
		require.NoError(t, f.reg.Route("doc", "a", frame))
	}
	assert.Equal(t, sent, b.updates())

	mirror := crdt.NewReplica("bob")
	for _, frame := range b.updates() {
		_, err := mirror.Apply(frame)
		require.NoError(t, err)
	}
	assert.Equal(t, "collaborate", mirror.Text())
}

func TestRoute_Malformed(t *testing.T) {
	f := newFixture(t)
	f.join(t, "doc", "a")
	b := f.join(t, "doc", "b")
	require.NoError(t, f.reg.Route("doc", "a", insertFrame("alice", "ok")))

	room := f.reg.lookup("doc")
	room.mu.Lock()
	before := room.replica.EncodeState()
	room.mu.Unlock()

	err := f.reg.Route("doc", "a", []byte{0x08})
	assert.True(t, errors.Is(err, crdt.ErrMalformedFrame))
	assert.Equal(t, 1, b.count(protocol.TypeDocumentUpdate))

	room.mu.Lock()
	assert.Equal(t, before, room.replica.EncodeState())
	room.mu.Unlock()
}

func TestIsolation(t *testing.T) {
	f := newFixture(t)
	f.join(t, "one", "a")
	other := f.join(t, "two", "b")
	require.NoError(t, f.reg.Route("one", "a", insertFrame("alice", "private")))

	assert.Equal(t, 0, other.count(protocol.TypeDocumentUpdate))
	text, _ := f.reg.Text("two")
	assert.Equal(t, "", text)
}

func TestAwareness(t *testing.T) {
	f := newFixture(t)
	a := f.join(t, "doc", "a")
	f.join(t, "doc", "b")

	require.NoError(t, f.reg.Awareness("doc", "b", json.RawMessage(`{"cursor":1}`)))
	var aw protocol.AwarenessPayload
	require.True(t, a.last(protocol.TypeAwarenessUpdate, &aw))
	assert.JSONEq(t, `{"cursor":1}`, string(aw.Awareness))
	assert.Equal(t, "b", aw.ClientID)

	c := f.join(t, "doc", "c")
	var sync protocol.SyncPayload
	require.True(t, c.last(protocol.TypeDocumentSync, &sync))
	require.Len(t, sync.Members, 3)
	assert.JSONEq(t, `{"cursor":1}`, string(sync.Members[1].Awareness))

	assert.Equal(t, ErrRoomNotFound, f.reg.Awareness("doc", "zed", json.RawMessage(`{}`)))
}

func TestLeave_FlushThenEvict(t *testing.T) {
	f := newFixture(t)
	f.join(t, "doc", "a")
	b := f.join(t, "doc", "b")
	require.NoError(t, f.reg.Route("doc", "a", insertFrame("alice", "saved")))

	f.reg.Leave("doc", "a")
	f.reg.Leave("doc", "a")
	assert.Equal(t, 1, b.count(protocol.TypeUserLeft))
	assert.Equal(t, 1, f.reg.Len())

	f.reg.Leave("doc", "b")
	require.Eventually(t, func() bool { return f.reg.Len() == 0 }, time.Second, time.Millisecond)
	assert.EqualValues(t, 1, f.gw.flushes.Load())
	assert.Equal(t, "saved", f.gw.text(t, "doc"))

	f.reg.Leave("doc", "b")
}

func TestLeave_CleanRoomEvictsWithoutWrite(t *testing.T) {
	f := newFixture(t)
	f.join(t, "doc", "a")
	f.reg.Leave("doc", "a")
	assert.Equal(t, 0, f.reg.Len())
	assert.EqualValues(t, 0, f.gw.flushes.Load())
}

func TestJoinDuringFlush(t *testing.T) {
	f := newFixture(t)
	f.gw.hold = make(chan struct{})
	f.gw.started = make(chan struct{}, 1)

	f.join(t, "doc", "a")
	require.NoError(t, f.reg.Route("doc", "a", insertFrame("alice", "kept")))
	f.reg.Leave("doc", "a")
	<-f.gw.started

	b := f.join(t, "doc", "b")
	close(f.gw.hold)

	var sync protocol.SyncPayload
	require.True(t, b.last(protocol.TypeDocumentSync, &sync))
	r, err := crdt.Load(sync.State)
	require.NoError(t, err)
	assert.Equal(t, "kept", r.Text())

	require.Eventually(t, func() bool { return f.gw.flushes.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, 1, f.reg.Len())
	assert.EqualValues(t, 1, f.gw.loads.Load())
}

func TestFlushFailureKeepsRoom(t *testing.T) {
	f := newFixture(t)
	f.gw.fail.Store(true)
	f.join(t, "doc", "a")
	require.NoError(t, f.reg.Route("doc", "a", insertFrame("alice", "retry")))
	f.reg.Leave("doc", "a")

	require.Eventually(t, func() bool { return f.gw.flushes.Load() >= 2 }, time.Second, time.Millisecond)
	assert.Equal(t, 1, f.reg.Len())

	f.gw.fail.Store(false)
	require.Eventually(t, func() bool { return f.reg.Len() == 0 }, time.Second, time.Millisecond)
	assert.Equal(t, "retry", f.gw.text(t, "doc"))
}

func TestDebouncedFlush(t *testing.T) {
	f := newFixture(t, WithDebounce(10*time.Millisecond))
	f.join(t, "doc", "a")
	require.NoError(t, f.reg.Route("doc", "a", insertFrame("alice", "tick")))

	require.Eventually(t, func() bool { return f.gw.flushes.Load() == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, "tick", f.gw.text(t, "doc"))
	assert.Equal(t, 1, f.reg.Len())
}

func TestClose(t *testing.T) {
	f := newFixture(t)
	f.join(t, "doc", "a")
	require.NoError(t, f.reg.Route("doc", "a", insertFrame("alice", "bye")))

	require.NoError(t, f.reg.Close(context.Background()))
	assert.Equal(t, "bye", f.gw.text(t, "doc"))
	assert.Equal(t, 0, f.reg.Len())

	_, err := f.reg.Join(context.Background(), "doc", JoinRequest{SessionID: "b", UserID: "b"})
	assert.Equal(t, ErrClosed, err)
}

func TestNewRegistry_BadConfig(t *testing.T) {
	_, err := NewRegistry(auth.NewStaticAccess(auth.Editor), newGateway(), NewRouter(nil, nil), WithRetry(time.Second, time.Millisecond))
	assert.Error(t, err)
}
