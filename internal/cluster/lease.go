// Package cluster keeps a document's live replica on a single node.
//
// A node holds a lease per open document. Joins that land on a node
// without the lease are refused so clients reconnect to the owner.
package cluster

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	collablog "collabtext/internal/log"
)

var (
	// ErrHeld is returned when another node owns the lease.
	ErrHeld = errors.New("lease held by another node")

	// ErrLost is returned by Verify once the lease expired or was taken
	// over.
	ErrLost = errors.New("lease lost")
)

// Lease is an acquired document lease.
type Lease interface {
	// Lost is closed when ownership can no longer be assumed. A nil
	// channel means the lease cannot be lost.
	Lost() <-chan struct{}
	// Verify confirms ownership and extends the lease. Writes of the
	// document state are made only after a successful Verify.
	Verify(ctx context.Context) error
	Release(ctx context.Context) error
}

// Locker hands out document leases.
type Locker interface {
	Acquire(ctx context.Context, documentID string) (Lease, error)
}

// LocalLocker is used by single-node deployments. Process-local exclusion
// is already provided by the room registry.
type LocalLocker struct{}

type localLease struct{}

func (LocalLocker) Acquire(context.Context, string) (Lease, error) {
	return localLease{}, nil
}

func (localLease) Lost() <-chan struct{} {
	return nil
}

func (localLease) Verify(context.Context) error {
	return nil
}

func (localLease) Release(context.Context) error {
	return nil
}

// RedisClient is the subset of *redis.Client used by RedisLocker.
type RedisClient interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd
}

const (
	renewScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`

	releaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`
)

// RedisLocker implements leases with SET NX PX and token-checked renew and
// release scripts.
type RedisLocker struct {
	client RedisClient
	node   string
	prefix string
	ttl    time.Duration
	log    logrus.FieldLogger
}

// NewRedisLocker returns a locker identifying itself as node.
func NewRedisLocker(client RedisClient, node string, ttl time.Duration, log logrus.FieldLogger) *RedisLocker {
	return &RedisLocker{client: client, node: node, prefix: "collab:lease:", ttl: ttl, log: log}
}

func (l *RedisLocker) Acquire(ctx context.Context, documentID string) (Lease, error) {
	key := l.prefix + documentID
	token := l.node + "/" + uuid.NewString()
	ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return nil, errors.Wrap(err, "acquire lease failed")
	}
	if !ok {
		return nil, ErrHeld
	}
	lease := &redisLease{
		locker: l,
		key:    key,
		token:  token,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
		lost:   make(chan struct{}),
	}
	go lease.renew(documentID)
	return lease, nil
}

type redisLease struct {
	locker *RedisLocker
	key    string
	token  string
	once   sync.Once
	stop   chan struct{}
	done   chan struct{}

	lostOnce sync.Once
	lost     chan struct{}
}

func (r *redisLease) markLost() {
	r.lostOnce.Do(func() { close(r.lost) })
}

func (r *redisLease) extend(ctx context.Context) (bool, error) {
	n, err := r.locker.client.Eval(ctx, renewScript, []string{r.key}, r.token, r.locker.ttl.Milliseconds()).Int64()
	if err != nil {
		return false, err
	}
	return n != 0, nil
}

func (r *redisLease) renew(documentID string) {
	defer close(r.done)
	ticker := time.NewTicker(r.locker.ttl / 3)
	defer ticker.Stop()
	logger := r.locker.log.WithField(collablog.DocumentID, documentID)
	renewed := time.Now()
	for {
		select {
		case <-r.stop:
			return
		case <-r.lost:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), r.locker.ttl/3)
			held, err := r.extend(ctx)
			cancel()
			switch {
			case err != nil && time.Since(renewed) >= r.locker.ttl:
				// The key may have expired in Redis by now.
				logger.WithError(err).Error("lease not renewed within its ttl, assuming lost")
				r.markLost()
				return
			case err != nil:
				logger.WithError(err).Warn("lease renew failed")
			case !held:
				logger.Error("lease lost")
				r.markLost()
				return
			default:
				renewed = time.Now()
			}
		}
	}
}

func (r *redisLease) Lost() <-chan struct{} {
	return r.lost
}

func (r *redisLease) Verify(ctx context.Context) error {
	select {
	case <-r.lost:
		return ErrLost
	default:
	}
	held, err := r.extend(ctx)
	if err != nil {
		return errors.Wrap(err, "verify lease failed")
	}
	if !held {
		r.markLost()
		return ErrLost
	}
	return nil
}

func (r *redisLease) Release(ctx context.Context) error {
	var err error
	r.once.Do(func() {
		close(r.stop)
		<-r.done
		err = r.locker.client.Eval(ctx, releaseScript, []string{r.key}, r.token).Err()
	})
	return errors.Wrap(err, "release lease failed")
}
