// Package besteffort runs side effects that must never block or fail the
// lead consistency path: outbound messages, audit rows, snapshots.
package besteffort

import (
	"context"
	"fmt"
	"time"

	"github.com/yungbote/leadsync-backend/internal/pkg/ctxutil"
	"github.com/yungbote/leadsync-backend/internal/pkg/logger"
)

// Task is the handle of a fire-and-forget side effect. Production callers
// drop it; tests call Wait to observe the outcome.
type Task struct {
	name string
	done chan struct{}
	err  error
}

// Go starts fn on its own goroutine with a context detached from the caller's
// cancellation and bounded by timeout. Failures and panics are logged at warn
// level and recorded on the Task, never returned to the caller.
func Go(ctx context.Context, log *logger.Logger, name string, timeout time.Duration, fn func(ctx context.Context) error) *Task {
	t := &Task{name: name, done: make(chan struct{})}
	if log == nil {
		log = logger.NewNop()
	}
	runCtx := ctxutil.Detached(ctx)
	go func() {
		defer close(t.done)
		var cancel context.CancelFunc = func() {}
		if timeout > 0 {
			runCtx, cancel = context.WithTimeout(runCtx, timeout)
		}
		defer cancel()
		defer func() {
			if r := recover(); r != nil {
				t.err = fmt.Errorf("best-effort task %s panicked: %v", name, r)
				log.Warn("Best-effort task panicked", "task", name, "panic", r)
			}
		}()
		if err := fn(runCtx); err != nil {
			t.err = err
			log.Warn("Best-effort task failed", "task", name, "error", err)
		}
	}()
	return t
}

// Done returns an already-completed task, for call sites that skip the work.
func Done() *Task {
	t := &Task{name: "noop", done: make(chan struct{})}
	close(t.done)
	return t
}

// Wait blocks until the task finishes or ctx is done.
func (t *Task) Wait(ctx context.Context) error {
	if t == nil {
		return nil
	}
	ctx = ctxutil.Default(ctx)
	select {
	case <-t.done:
		return t.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *Task) Name() string {
	if t == nil {
		return ""
	}
	return t.name
}
