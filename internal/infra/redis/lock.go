package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultLockPrefix = "importer:lock:"

// Only the holder of the token may release or extend a lease.
var (
	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)
	refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)
)

// Locker is a distributed run lock backed by SET NX PX.
type Locker struct {
	rdb    *redis.Client
	prefix string
}

// NewLocker creates a run lock on the client's connection.
func NewLocker(client *Client) *Locker {
	return &Locker{rdb: client.rdb, prefix: defaultLockPrefix}
}

func (l *Locker) lockKey(key string) string {
	return l.prefix + key
}

// TryLock acquires the lease for key if nobody holds it.
func (l *Locker) TryLock(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	ok, err := l.rdb.SetNX(ctx, l.lockKey(key), token, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("setnx failed: %w", err)
	}
	return ok, nil
}

// Refresh extends the lease if token still owns it.
func (l *Locker) Refresh(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	n, err := refreshScript.Run(ctx, l.rdb, []string{l.lockKey(key)}, token, ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("refresh lock failed: %w", err)
	}
	return n == 1, nil
}

// Unlock releases the lease if token still owns it.
func (l *Locker) Unlock(ctx context.Context, key, token string) error {
	if err := releaseScript.Run(ctx, l.rdb, []string{l.lockKey(key)}, token).Err(); err != nil {
		return fmt.Errorf("release lock failed: %w", err)
	}
	return nil
}
