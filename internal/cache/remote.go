package cache

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/iliyamo/ticket-inventory/internal/codec"
)

// Remote is the shared distributed tier: CBOR-encoded values in Redis.
type Remote struct {
	rdb    redis.Cmdable
	prefix string
}

// NewRemote returns a Remote storing keys under prefix.
func NewRemote(rdb redis.Cmdable, prefix string) *Remote {
	return &Remote{rdb: rdb, prefix: prefix}
}

// Key returns the Redis key used for key.
func (r *Remote) Key(key string) string { return r.prefix + ":" + key }

// Get decodes the value stored under key into v. It reports false on a miss.
func (r *Remote) Get(ctx context.Context, key string, v any) (bool, error) {
	data, err := r.rdb.Get(ctx, r.Key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := codec.Unmarshal(data, v); err != nil {
		return false, err
	}
	return true, nil
}

// Set stores v under key for ttl.
func (r *Remote) Set(ctx context.Context, key string, v any, ttl time.Duration) error {
	data, err := codec.Marshal(v)
	if err != nil {
		return err
	}
	return r.rdb.Set(ctx, r.Key(key), data, ttl).Err()
}

// Delete removes key.
func (r *Remote) Delete(ctx context.Context, key string) error {
	return r.rdb.Del(ctx, r.Key(key)).Err()
}
