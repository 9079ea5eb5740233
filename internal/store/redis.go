package store

import (
	"context"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// RedisClient is the subset of *redis.Client used by Redis.
type RedisClient interface {
	HSet(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd
}

// Redis stores each document as a hash with "state" and "updated_at"
// (unix milliseconds) fields.
type Redis struct {
	client RedisClient
	prefix string
}

// RedisOption configures Redis.
type RedisOption func(*Redis)

// WithRedisPrefix sets the key prefix. Default: "collab:doc:".
func WithRedisPrefix(prefix string) RedisOption {
	return func(r *Redis) {
		r.prefix = prefix
	}
}

// NewRedis returns a Redis store. The client is shared, so Close leaves it
// open.
func NewRedis(client RedisClient, opts ...RedisOption) *Redis {
	r := &Redis{client: client, prefix: "collab:doc:"}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Redis) key(documentID string) string {
	return r.prefix + documentID
}

func (r *Redis) Load(ctx context.Context, documentID string) (*Record, error) {
	fields, err := r.client.HGetAll(ctx, r.key(documentID)).Result()
	if err != nil {
		return nil, errors.Wrap(err, "redis hgetall failed")
	}
	state, ok := fields["state"]
	if !ok {
		return nil, nil
	}
	rec := &Record{State: []byte(state)}
	if ms, err := strconv.ParseInt(fields["updated_at"], 10, 64); err == nil {
		rec.UpdatedAt = time.UnixMilli(ms)
	}
	return rec, nil
}

func (r *Redis) Save(ctx context.Context, documentID string, state []byte, updatedAt time.Time) error {
	err := r.client.HSet(ctx, r.key(documentID),
		"state", state,
		"updated_at", updatedAt.UnixMilli(),
	).Err()
	return errors.Wrap(err, "redis hset failed")
}

func (r *Redis) Close() error {
	return nil
}
