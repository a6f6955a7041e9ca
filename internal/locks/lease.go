// Package locks provides a lease-based mutex keyed by lead identity, shared
// by every process instance through its backend.
package locks

import (
	"context"
	"errors"
	"time"
)

// ErrLeaseLost is the cancellation cause of the context handed to a WithLock
// function whose lease expired or was taken over before it returned.
var ErrLeaseLost = errors.New("lock lease lost")

// Lease is one held (or, after a timeout, skipped) lock.
type Lease struct {
	Key        string
	Token      string
	Locked     bool
	AcquiredAt time.Time
	RenewedAt  time.Time
	TTL        time.Duration
}

// ExpiresAt is when the backend drops the lease unless it is renewed first.
func (l *Lease) ExpiresAt() time.Time {
	if l == nil || !l.Locked {
		return time.Time{}
	}
	if l.RenewedAt.After(l.AcquiredAt) {
		return l.RenewedAt.Add(l.TTL)
	}
	return l.AcquiredAt.Add(l.TTL)
}

// Backend is a conditional-write store. TryAcquire must set key to token
// only if key is absent (or expired), atomically, with the given ttl.
// Extend must reset the ttl only while key still holds token. Release must
// delete key only while it still holds token.
type Backend interface {
	TryAcquire(ctx context.Context, key, token string, ttl time.Duration) (bool, error)
	Extend(ctx context.Context, key, token string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key, token string) error
}
