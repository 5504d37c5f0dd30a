// Package lock coordinates queue runs across processes.
package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Locker grants short-lived exclusive leases by key.
type Locker interface {
	// TryLock attempts to take key without waiting. When acquired is false the
	// key is held elsewhere and unlock is nil.
	TryLock(ctx context.Context, key string) (unlock func(context.Context) error, acquired bool, err error)
}

const keyPrefix = "delivery-pipeline:lock:"

// Deleting only our own token keeps a slow holder whose lease already
// expired from releasing the next holder's lock.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker is a single-instance Redis lease lock (SET NX PX).
type RedisLocker struct {
	client *redis.Client
	ttl    time.Duration
	owner  string
}

// NewRedisLocker returns a locker whose leases expire after ttl if never released.
func NewRedisLocker(client *redis.Client, ttl time.Duration, owner string) (*RedisLocker, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if ttl <= 0 {
		return nil, fmt.Errorf("lock ttl must be positive")
	}
	return &RedisLocker{client: client, ttl: ttl, owner: owner}, nil
}

func (l *RedisLocker) TryLock(ctx context.Context, key string) (func(context.Context) error, bool, error) {
	token := l.owner + ":" + uuid.NewString()
	fullKey := keyPrefix + key

	ok, err := l.client.SetNX(ctx, fullKey, token, l.ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("acquire lock %s: %w", key, err)
	}
	if !ok {
		return nil, false, nil
	}

	unlock := func(ctx context.Context) error {
		if err := releaseScript.Run(ctx, l.client, []string{fullKey}, token).Err(); err != nil {
			return fmt.Errorf("release lock %s: %w", key, err)
		}
		return nil
	}
	return unlock, true, nil
}

// NewRedisClient parses url and verifies connectivity.
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

var _ Locker = (*RedisLocker)(nil)
