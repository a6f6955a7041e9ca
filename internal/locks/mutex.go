package locks

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/yungbote/leadsync-backend/internal/observability"
	"github.com/yungbote/leadsync-backend/internal/pkg/ctxutil"
	"github.com/yungbote/leadsync-backend/internal/pkg/httpx"
	"github.com/yungbote/leadsync-backend/internal/pkg/logger"
)

// ErrLockTimeout is returned by Acquire in strict mode when the lease could
// not be taken within the retry budget.
var ErrLockTimeout = errors.New("lock acquisition timed out")

type Config struct {
	Prefix        string
	TTL           time.Duration
	RetryInterval time.Duration
	MaxAttempts   int
	// RenewInterval is how often a held lease is extended while its
	// function runs. Defaults to a third of TTL.
	RenewInterval time.Duration
	// Strict turns an acquisition timeout into ErrLockTimeout instead of
	// running the guarded function unlocked.
	Strict bool
	Now    func() time.Time
}

type Mutex struct {
	log     *logger.Logger
	backend Backend
	cfg     Config
}

func NewMutex(baseLog *logger.Logger, backend Backend, cfg Config) *Mutex {
	if baseLog == nil {
		baseLog = logger.NewNop()
	}
	if strings.TrimSpace(cfg.Prefix) == "" {
		cfg.Prefix = "lock:lead:"
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 30 * time.Second
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 50 * time.Millisecond
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 60
	}
	if cfg.RenewInterval <= 0 || cfg.RenewInterval >= cfg.TTL {
		cfg.RenewInterval = cfg.TTL / 3
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Mutex{
		log:     baseLog.With("component", "LeadMutex"),
		backend: backend,
		cfg:     cfg,
	}
}

// Acquire polls the backend until the lease is taken or the attempt budget
// runs out. Outside strict mode a timeout or backend failure returns an
// unlocked lease and a nil error: the caller proceeds without exclusion.
func (m *Mutex) Acquire(ctx context.Context, identity string) (*Lease, error) {
	identity = strings.TrimSpace(identity)
	if identity == "" {
		return nil, fmt.Errorf("lock identity required")
	}
	key := m.cfg.Prefix + identity
	token := uuid.New().String()
	start := time.Now()

	for attempt := 1; attempt <= m.cfg.MaxAttempts; attempt++ {
		ok, err := m.backend.TryAcquire(ctx, key, token, m.cfg.TTL)
		if err != nil {
			observability.Current().ObserveLockAcquire("error", time.Since(start))
			if m.cfg.Strict {
				return nil, fmt.Errorf("acquire %s: %w", key, err)
			}
			m.log.Warn("Lock backend unavailable, proceeding unlocked", "key", key, "error", err)
			return &Lease{Key: key}, nil
		}
		if ok {
			observability.Current().ObserveLockAcquire("acquired", time.Since(start))
			now := m.cfg.Now()
			return &Lease{
				Key:        key,
				Token:      token,
				Locked:     true,
				AcquiredAt: now,
				RenewedAt:  now,
				TTL:        m.cfg.TTL,
			}, nil
		}
		if attempt == m.cfg.MaxAttempts {
			break
		}
		if err := httpx.SleepCtx(ctx, m.cfg.RetryInterval); err != nil {
			return nil, err
		}
	}

	waited := time.Since(start)
	observability.Current().ObserveLockAcquire("timeout", waited)
	if m.cfg.Strict {
		return nil, fmt.Errorf("%w: %s after %d attempts", ErrLockTimeout, key, m.cfg.MaxAttempts)
	}
	m.log.Warn("Lock acquisition timed out, proceeding unlocked",
		"key", key,
		"attempts", m.cfg.MaxAttempts,
		"waited_ms", waited.Milliseconds(),
	)
	return &Lease{Key: key}, nil
}

// Release drops a held lease. It ignores the caller's cancellation so a
// request that timed out still frees the lock.
func (m *Mutex) Release(ctx context.Context, lease *Lease) {
	if lease == nil || !lease.Locked {
		return
	}
	relCtx, cancel := context.WithTimeout(ctxutil.Detached(ctx), 5*time.Second)
	defer cancel()
	if err := m.backend.Release(relCtx, lease.Key, lease.Token); err != nil {
		m.log.Warn("Lock release failed, lease will expire", "key", lease.Key, "ttl", lease.TTL.String(), "error", err)
	}
}

// WithLock runs fn while holding the lease for identity and releases it on
// every exit path, panics included. The lease is renewed while fn runs; if
// a renewal finds it gone, fn's context is cancelled with ErrLeaseLost.
func (m *Mutex) WithLock(ctx context.Context, identity string, fn func(ctx context.Context) error) error {
	lease, err := m.Acquire(ctx, identity)
	if err != nil {
		return err
	}
	defer m.Release(ctx, lease)
	if !lease.Locked {
		return fn(ctx)
	}

	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	stop := m.keepAlive(runCtx, lease, cancel)
	defer stop()
	return fn(runCtx)
}

// keepAlive extends lease every RenewInterval until stop is called or ctx
// ends. The returned stop waits for the renewal goroutine to exit, so the
// lease is never extended after Release.
func (m *Mutex) keepAlive(ctx context.Context, lease *Lease, lost context.CancelCauseFunc) (stop func()) {
	quit := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(m.cfg.RenewInterval)
		defer ticker.Stop()
		for {
			select {
			case <-quit:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
			}

			extCtx, cancel := context.WithTimeout(ctx, m.cfg.RenewInterval)
			ok, err := m.backend.Extend(extCtx, lease.Key, lease.Token, lease.TTL)
			cancel()
			now := m.cfg.Now()
			switch {
			case err == nil && ok:
				lease.RenewedAt = now
				continue
			case err != nil && now.Before(lease.ExpiresAt()):
				m.log.Warn("Lock renewal failed, will retry", "key", lease.Key, "expires_at", lease.ExpiresAt(), "error", err)
				continue
			}
			m.log.Error("Lock lease lost, cancelling guarded work",
				"key", lease.Key,
				"expires_at", lease.ExpiresAt(),
				"error", err,
			)
			lost(ErrLeaseLost)
			return
		}
	}()
	return func() {
		close(quit)
		<-done
	}
}
