package retry

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// SnapshotWriter persists the queue contents at shutdown. Snapshots are for
// humans; nothing reloads them.
type SnapshotWriter interface {
	WriteSnapshot(ctx context.Context, name string, data []byte) error
}

type Snapshot struct {
	TakenAt time.Time      `json:"taken_at"`
	Items   []PendingWrite `json:"items"`
}

// Drain closes the queue and removes every item, including ones whose
// attempt is still in flight. Later enqueues are refused and logged.
func (q *Queue) Drain() []PendingWrite {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	out := make([]PendingWrite, 0, len(q.items))
	for _, pw := range q.items {
		out = append(out, *pw)
	}
	q.items = nil
	q.byID = make(map[string]*PendingWrite)
	return out
}

// Shutdown drains the queue and hands the pending writes to w. Without a
// writer, or when the write fails, each item is logged as a critical record
// so the log stays the fallback store.
func (q *Queue) Shutdown(ctx context.Context, w SnapshotWriter) error {
	items := q.Drain()
	if len(items) == 0 {
		return nil
	}
	snap := Snapshot{TakenAt: q.cfg.Now(), Items: items}
	var writeErr error
	if w != nil {
		data, err := json.Marshal(snap)
		if err == nil {
			name := fmt.Sprintf("retry-queue/%s.json", snap.TakenAt.UTC().Format("20060102T150405Z"))
			err = w.WriteSnapshot(ctx, name, data)
			if err == nil {
				q.log.Info("Retry queue snapshot written", "name", name, "items", len(items))
				return nil
			}
		}
		writeErr = fmt.Errorf("write retry queue snapshot: %w", err)
		q.log.Warn("Retry queue snapshot failed, logging items", "error", err)
	}
	for _, pw := range items {
		q.log.Error("Pending write lost at shutdown",
			"severity", "CRITICAL",
			"event", "pending_write_snapshot",
			"operation_id", pw.OperationID,
			"kind", pw.Command.Kind,
			"attempts", pw.Attempts,
			"last_error", pw.LastError,
			"phone", pw.Metadata.Phone,
			"payload", string(pw.Command.Payload),
			"enqueued_at", pw.EnqueuedAt,
		)
	}
	return writeErr
}
