package services

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/yungbote/leadsync-backend/internal/pkg/logger"
)

// EventDeduper remembers recently seen upstream event ids so a webhook that
// is delivered twice is acknowledged without being processed twice. Entries
// live for ttl and are swept periodically.
type EventDeduper struct {
	log *logger.Logger
	ttl time.Duration
	now func() time.Time

	mu   sync.Mutex
	seen map[string]time.Time
}

func NewEventDeduper(baseLog *logger.Logger, ttl time.Duration, now func() time.Time) *EventDeduper {
	if ttl <= 0 {
		ttl = time.Hour
	}
	if now == nil {
		now = time.Now
	}
	return &EventDeduper{
		log:  baseLog.With("service", "EventDeduper"),
		ttl:  ttl,
		now:  now,
		seen: map[string]time.Time{},
	}
}

// Seen records id and reports whether it was already recorded within the
// ttl. Blank ids are never considered duplicates.
func (d *EventDeduper) Seen(id string) bool {
	id = strings.TrimSpace(id)
	if d == nil || id == "" {
		return false
	}
	now := d.now()
	d.mu.Lock()
	defer d.mu.Unlock()
	if at, ok := d.seen[id]; ok && now.Sub(at) < d.ttl {
		return true
	}
	d.seen[id] = now
	return false
}

// Forget drops id, so a delivery whose processing was rejected can be
// retried by the sender.
func (d *EventDeduper) Forget(id string) {
	if d == nil {
		return
	}
	d.mu.Lock()
	delete(d.seen, strings.TrimSpace(id))
	d.mu.Unlock()
}

// Sweep removes expired ids and returns how many were removed.
func (d *EventDeduper) Sweep() int {
	if d == nil {
		return 0
	}
	now := d.now()
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for id, at := range d.seen {
		if now.Sub(at) >= d.ttl {
			delete(d.seen, id)
			n++
		}
	}
	return n
}

func (d *EventDeduper) Len() int {
	if d == nil {
		return 0
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}

// Start sweeps every interval until ctx is done.
func (d *EventDeduper) Start(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Hour
	}
	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				if n := d.Sweep(); n > 0 {
					d.log.Debug("Swept expired event ids", "removed", n, "remaining", d.Len())
				}
			}
		}
	}()
}
