package locks

import (
	"context"
	"sync"
	"time"
)

// MemoryBackend is a process-local Backend for single-instance runs and
// tests. It gives no cross-process exclusion.
type MemoryBackend struct {
	mu     sync.Mutex
	leases map[string]memLease
	now    func() time.Time
}

type memLease struct {
	token   string
	expires time.Time
}

func NewMemoryBackend(now func() time.Time) *MemoryBackend {
	if now == nil {
		now = time.Now
	}
	return &MemoryBackend{leases: make(map[string]memLease), now: now}
}

func (b *MemoryBackend) TryAcquire(_ context.Context, key, token string, ttl time.Duration) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now()
	if cur, ok := b.leases[key]; ok && now.Before(cur.expires) {
		return false, nil
	}
	b.leases[key] = memLease{token: token, expires: now.Add(ttl)}
	return true, nil
}

func (b *MemoryBackend) Extend(_ context.Context, key, token string, ttl time.Duration) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now()
	cur, ok := b.leases[key]
	if !ok || cur.token != token || !now.Before(cur.expires) {
		return false, nil
	}
	b.leases[key] = memLease{token: token, expires: now.Add(ttl)}
	return true, nil
}

func (b *MemoryBackend) Release(_ context.Context, key, token string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if cur, ok := b.leases[key]; ok && cur.token == token {
		delete(b.leases, key)
	}
	return nil
}

// Held reports whether key has a live lease.
func (b *MemoryBackend) Held(key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	cur, ok := b.leases[key]
	return ok && b.now().Before(cur.expires)
}
