package retry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/yungbote/leadsync-backend/internal/observability"
	"github.com/yungbote/leadsync-backend/internal/pkg/besteffort"
	"github.com/yungbote/leadsync-backend/internal/pkg/httpx"
	"github.com/yungbote/leadsync-backend/internal/pkg/logger"
)

// DeadLetterSink receives every pending write that exhausted its attempts,
// after the critical log record has been emitted. It is called best-effort.
type DeadLetterSink interface {
	DeadLetter(ctx context.Context, pw PendingWrite, lastErr error) error
}

type Config struct {
	PollInterval   time.Duration
	MaxAttempts    int
	AttemptTimeout time.Duration
	Backoff        Backoff
	Now            func() time.Time
}

// Queue is the in-process retry scheduler for failed dual writes. It is not
// durable: a crash loses everything queued (see Shutdown for the graceful
// path).
type Queue struct {
	log      *logger.Logger
	registry *Registry
	sink     DeadLetterSink
	cfg      Config

	mu     sync.Mutex
	items  []*PendingWrite
	byID   map[string]*PendingWrite
	closed bool
	done   chan struct{}
}

func NewQueue(baseLog *logger.Logger, registry *Registry, sink DeadLetterSink, cfg Config) *Queue {
	if baseLog == nil {
		baseLog = logger.NewNop()
	}
	if registry == nil {
		registry = NewRegistry()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 10 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = 60 * time.Second
	}
	if cfg.Backoff == nil {
		cfg.Backoff = DefaultSchedule
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Queue{
		log:      baseLog.With("component", "RetryQueue"),
		registry: registry,
		sink:     sink,
		cfg:      cfg,
		byID:     make(map[string]*PendingWrite),
		done:     make(chan struct{}),
	}
}

// Enqueue schedules cmd for an attempt on the next tick. A second enqueue of
// an operation id that is still queued is a no-op and returns false.
func (q *Queue) Enqueue(operationID string, cmd Command, meta Metadata) bool {
	operationID = strings.TrimSpace(operationID)
	if operationID == "" {
		q.log.Warn("Refusing pending write without operation id", "kind", cmd.Kind)
		return false
	}
	now := q.cfg.Now()

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		q.log.Error("Retry queue closed, pending write not queued",
			"severity", "CRITICAL",
			"event", "enqueue_after_shutdown",
			"operation_id", operationID,
			"kind", cmd.Kind,
			"payload", string(cmd.Payload),
		)
		return false
	}
	if _, exists := q.byID[operationID]; exists {
		q.mu.Unlock()
		q.log.Debug("Pending write already queued", "operation_id", operationID)
		return false
	}
	pw := &PendingWrite{
		OperationID: operationID,
		Command:     cmd,
		Metadata:    meta,
		NextRetryAt: now,
		EnqueuedAt:  now,
	}
	q.items = append(q.items, pw)
	q.byID[operationID] = pw
	depth := len(q.items)
	q.mu.Unlock()

	observability.Current().SetRetryDepth(depth)
	q.log.Info("Pending write queued",
		"operation_id", operationID,
		"kind", cmd.Kind,
		"phone", meta.Phone,
		"handler", meta.Handler,
		"depth", depth,
	)
	return true
}

// Start runs the poll loop until ctx is done.
func (q *Queue) Start(ctx context.Context) {
	q.log.Info("Starting retry queue", "poll_interval", q.cfg.PollInterval.String(), "max_attempts", q.cfg.MaxAttempts)
	go func() {
		defer close(q.done)
		ticker := time.NewTicker(q.cfg.PollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				q.log.Info("Retry queue loop stopped")
				return
			case <-ticker.C:
				q.Tick(ctx)
			}
		}
	}()
}

// Stopped is closed once the loop started by Start has returned.
func (q *Queue) Stopped() <-chan struct{} { return q.done }

type TickResult struct {
	Attempted    int
	Resolved     int
	Rescheduled  int
	DeadLettered int
}

// Tick attempts every due item once, in queue order.
func (q *Queue) Tick(ctx context.Context) TickResult {
	now := q.cfg.Now()
	q.mu.Lock()
	var due []*PendingWrite
	for _, pw := range q.items {
		if pw.attempting || now.Before(pw.NextRetryAt) {
			continue
		}
		pw.attempting = true
		pw.Attempts++
		due = append(due, pw)
	}
	q.mu.Unlock()

	var res TickResult
	for _, pw := range due {
		res.Attempted++
		err := q.attempt(ctx, pw)
		switch q.settle(ctx, pw, err) {
		case outcomeResolved:
			res.Resolved++
		case outcomeRescheduled:
			res.Rescheduled++
		case outcomeDeadLettered:
			res.DeadLettered++
		}
	}
	return res
}

func (q *Queue) attempt(ctx context.Context, pw *PendingWrite) (err error) {
	h, ok := q.registry.Get(pw.Command.Kind)
	if !ok {
		return &missingHandlerError{Kind: pw.Command.Kind}
	}
	runCtx, cancel := context.WithTimeout(ctx, q.cfg.AttemptTimeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			q.log.Error("Retry handler panic", "operation_id", pw.OperationID, "kind", pw.Command.Kind, "panic", r)
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h.Run(runCtx, pw.Command)
}

type outcome int

const (
	outcomeDropped outcome = iota
	outcomeResolved
	outcomeRescheduled
	outcomeDeadLettered
)

func (q *Queue) settle(ctx context.Context, pw *PendingWrite, err error) outcome {
	now := q.cfg.Now()
	q.mu.Lock()
	if q.byID[pw.OperationID] != pw {
		// drained by Shutdown while the attempt was in flight
		q.mu.Unlock()
		return outcomeDropped
	}
	pw.attempting = false
	if err == nil {
		q.removeLocked(pw)
		depth := len(q.items)
		q.mu.Unlock()
		observability.Current().IncRetryAttempt(pw.Command.Kind, "resolved")
		observability.Current().SetRetryDepth(depth)
		q.log.Info("Pending write resolved", "operation_id", pw.OperationID, "attempts", pw.Attempts)
		return outcomeResolved
	}
	pw.LastError = err.Error()
	perm := Permanent(err)
	if pw.Attempts >= q.cfg.MaxAttempts || perm {
		q.removeLocked(pw)
		depth := len(q.items)
		snapshot := *pw
		q.mu.Unlock()
		observability.Current().IncRetryAttempt(pw.Command.Kind, "dead_letter")
		observability.Current().SetRetryDepth(depth)
		q.deadLetter(ctx, snapshot, err, now, perm)
		return outcomeDeadLettered
	}
	delay := q.cfg.Backoff.NextDelay(pw.Attempts)
	pw.NextRetryAt = now.Add(delay)
	attempts, next := pw.Attempts, pw.NextRetryAt
	q.mu.Unlock()

	observability.Current().IncRetryAttempt(pw.Command.Kind, "rescheduled")
	q.log.Warn("Pending write attempt failed",
		"operation_id", pw.OperationID,
		"kind", pw.Command.Kind,
		"attempts", attempts,
		"next_retry_at", next,
		"error", err,
	)
	return outcomeRescheduled
}

// deadLetter emits the terminal record. The log line is the store of record
// for manual recovery; the sink is an optional extra copy.
func (q *Queue) deadLetter(ctx context.Context, pw PendingWrite, err error, diedAt time.Time, permanent bool) {
	observability.Current().IncDeadLetter()
	q.log.Error("Pending write dead-lettered",
		"severity", "CRITICAL",
		"event", "dead_letter",
		"operation_id", pw.OperationID,
		"kind", pw.Command.Kind,
		"attempts", pw.Attempts,
		"permanent", permanent,
		"last_error", err.Error(),
		"metadata", map[string]interface{}{
			"phone":   pw.Metadata.Phone,
			"handler": pw.Metadata.Handler,
			"trigger": pw.Metadata.Trigger,
		},
		"payload", string(pw.Command.Payload),
		"enqueued_at", pw.EnqueuedAt,
		"died_at", diedAt,
	)
	if q.sink == nil {
		return
	}
	besteffort.Go(ctx, q.log, "dead_letter_sink", 10*time.Second, func(ctx context.Context) error {
		return q.sink.DeadLetter(ctx, pw, err)
	})
}

// Permanent reports whether err can never succeed on replay: every failure
// it carries is an HTTP status outside httpx.IsRetryableHTTPStatus, such as a
// 400 or 403 from the spreadsheet API. Errors without a status are assumed
// transient, and a joined error is permanent only when all its parts are.
func Permanent(err error) bool {
	if err == nil {
		return false
	}
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		errs := joined.Unwrap()
		if len(errs) == 0 {
			return false
		}
		for _, e := range errs {
			if !Permanent(e) {
				return false
			}
		}
		return true
	}
	if sc, ok := err.(httpx.HTTPStatusCoder); ok {
		code := sc.HTTPStatusCode()
		return code >= 400 && code < 500 && !httpx.IsRetryableHTTPStatus(code)
	}
	return Permanent(errors.Unwrap(err))
}

func (q *Queue) removeLocked(pw *PendingWrite) {
	delete(q.byID, pw.OperationID)
	for i, it := range q.items {
		if it == pw {
			q.items = append(q.items[:i], q.items[i+1:]...)
			return
		}
	}
}

type ItemStats struct {
	OperationID string    `json:"operation_id"`
	Kind        string    `json:"kind"`
	Attempts    int       `json:"attempts"`
	NextRetryAt time.Time `json:"next_retry_at"`
	EnqueuedAt  time.Time `json:"enqueued_at"`
	LastError   string    `json:"last_error,omitempty"`
	Metadata    Metadata  `json:"metadata"`
}

type Stats struct {
	Depth       int         `json:"depth"`
	MaxAttempts int         `json:"max_attempts"`
	Items       []ItemStats `json:"items"`
	GeneratedAt time.Time   `json:"generated_at"`
}

// Stats is a read-only snapshot for diagnostics.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := Stats{
		Depth:       len(q.items),
		MaxAttempts: q.cfg.MaxAttempts,
		Items:       make([]ItemStats, 0, len(q.items)),
		GeneratedAt: q.cfg.Now(),
	}
	for _, pw := range q.items {
		out.Items = append(out.Items, ItemStats{
			OperationID: pw.OperationID,
			Kind:        pw.Command.Kind,
			Attempts:    pw.Attempts,
			NextRetryAt: pw.NextRetryAt,
			EnqueuedAt:  pw.EnqueuedAt,
			LastError:   pw.LastError,
			Metadata:    pw.Metadata,
		})
	}
	return out
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
