package memory

import (
	"context"
	"sync"
	"time"
)

type lease struct {
	token     string
	expiresAt time.Time
}

// Locker is an in-process run lock with TTL semantics matching the Redis locker.
// It only guards runs inside a single process.
type Locker struct {
	mu     sync.Mutex
	leases map[string]lease
	now    func() time.Time
}

func NewLocker() *Locker {
	return &Locker{
		leases: make(map[string]lease),
		now:    time.Now,
	}
}

func (l *Locker) TryLock(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	if cur, ok := l.leases[key]; ok && now.Before(cur.expiresAt) {
		return false, nil
	}
	l.leases[key] = lease{token: token, expiresAt: now.Add(ttl)}
	return true, nil
}

func (l *Locker) Refresh(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	cur, ok := l.leases[key]
	if !ok || cur.token != token {
		return false, nil
	}
	cur.expiresAt = l.now().Add(ttl)
	l.leases[key] = cur
	return true, nil
}

func (l *Locker) Unlock(ctx context.Context, key, token string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if cur, ok := l.leases[key]; ok && cur.token == token {
		delete(l.leases, key)
	}
	return nil
}
