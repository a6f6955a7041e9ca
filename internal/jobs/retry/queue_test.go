package retry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/yungbote/leadsync-backend/internal/pkg/logger"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

const testKind = "test.write"

func newTestQueue(t *testing.T, clock *fakeClock, fn func(ctx context.Context, cmd Command) error) (*Queue, *observer.ObservedLogs) {
	t.Helper()
	core, logs := observer.New(zapcore.DebugLevel)
	reg := NewRegistry()
	require.NoError(t, reg.Register(HandlerFunc{K: testKind, Fn: fn}))
	q := NewQueue(logger.FromZap(zap.New(core)), reg, nil, Config{Now: clock.Now})
	return q, logs
}

func mustCommand(t *testing.T, payload any) Command {
	t.Helper()
	cmd, err := NewCommand(testKind, payload)
	require.NoError(t, err)
	return cmd
}

func TestEnqueueDeduplicatesByOperationID(t *testing.T) {
	clock := newFakeClock()
	q, _ := newTestQueue(t, clock, func(context.Context, Command) error { return nil })
	cmd := mustCommand(t, map[string]string{"phone": "9876543210"})

	require.True(t, q.Enqueue("op-1", cmd, Metadata{Phone: "9876543210"}))
	require.False(t, q.Enqueue("op-1", cmd, Metadata{Phone: "9876543210"}))

	st := q.Stats()
	require.Equal(t, 1, st.Depth)
	require.Len(t, st.Items, 1)
	assert.Equal(t, "op-1", st.Items[0].OperationID)
	assert.Equal(t, 0, st.Items[0].Attempts)
	assert.Equal(t, clock.Now(), st.Items[0].NextRetryAt)
}

func TestFirstAttemptFiresOnNextTick(t *testing.T) {
	clock := newFakeClock()
	var calls int32
	q, _ := newTestQueue(t, clock, func(context.Context, Command) error {
		atomic.AddInt32(&calls, 1)
		return nil
	})
	q.Enqueue("op-1", mustCommand(t, "x"), Metadata{})

	res := q.Tick(context.Background())
	assert.Equal(t, TickResult{Attempted: 1, Resolved: 1}, res)
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))
	assert.Equal(t, 0, q.Stats().Depth)
}

func TestPermanentFailureDeadLettersAfterMaxAttempts(t *testing.T) {
	clock := newFakeClock()
	q, logs := newTestQueue(t, clock, func(context.Context, Command) error {
		return errors.New("sheets unavailable")
	})
	enqueuedAt := clock.Now()
	require.True(t, q.Enqueue("op-dead", mustCommand(t, "x"), Metadata{Phone: "9876543210", Handler: "whatsapp_message"}))

	var deltas []time.Duration
	for attempt := 1; attempt <= 5; attempt++ {
		st := q.Stats()
		require.Equal(t, 1, st.Depth, "item must still be queued before attempt %d", attempt)
		next := st.Items[0].NextRetryAt
		deltas = append(deltas, next.Sub(enqueuedAt))

		// Nothing fires before the scheduled time.
		if attempt > 1 {
			clock.Set(next.Add(-time.Millisecond))
			require.Zero(t, q.Tick(context.Background()).Attempted)
		}
		clock.Set(next)
		res := q.Tick(context.Background())
		require.Equal(t, 1, res.Attempted)
		if attempt < 5 {
			require.Equal(t, 1, res.Rescheduled)
		} else {
			require.Equal(t, 1, res.DeadLettered)
		}
	}

	for i := 1; i < len(deltas); i++ {
		assert.GreaterOrEqual(t, deltas[i], deltas[i-1], "delta %d decreased", i)
	}
	assert.Equal(t, []time.Duration{0, 15 * time.Second, 75 * time.Second, 375 * time.Second, 1275 * time.Second}, deltas)
	assert.Equal(t, 0, q.Stats().Depth)

	clock.Advance(time.Hour)
	assert.Zero(t, q.Tick(context.Background()).Attempted)

	dead := logs.FilterMessage("Pending write dead-lettered").All()
	require.Len(t, dead, 1)
	fields := dead[0].ContextMap()
	assert.Equal(t, zapcore.ErrorLevel, dead[0].Level)
	assert.Equal(t, "CRITICAL", fields["severity"])
	assert.Equal(t, "dead_letter", fields["event"])
	assert.Equal(t, "op-dead", fields["operation_id"])
	assert.EqualValues(t, 5, fields["attempts"])
	assert.Equal(t, "sheets unavailable", fields["last_error"])
	assert.Contains(t, fields, "enqueued_at")
	assert.Contains(t, fields, "died_at")
}

func TestOutageRecoveryResolvesOnLaterTick(t *testing.T) {
	clock := newFakeClock()
	var down atomic.Bool
	down.Store(true)
	q, _ := newTestQueue(t, clock, func(context.Context, Command) error {
		if down.Load() {
			return errors.New("document store outage")
		}
		return nil
	})
	q.Enqueue("op-2", mustCommand(t, "x"), Metadata{})

	require.Equal(t, 1, q.Tick(context.Background()).Rescheduled)
	st := q.Stats()
	require.Equal(t, 1, st.Depth)
	assert.Equal(t, 1, st.Items[0].Attempts)
	assert.Equal(t, "document store outage", st.Items[0].LastError)

	down.Store(false)
	clock.Advance(15 * time.Second)
	require.Equal(t, 1, q.Tick(context.Background()).Resolved)
	assert.Equal(t, 0, q.Stats().Depth)
}

type statusError struct{ code int }

func (e *statusError) Error() string       { return fmt.Sprintf("http %d", e.code) }
func (e *statusError) HTTPStatusCode() int { return e.code }

func TestNonRetryableStatusDeadLettersImmediately(t *testing.T) {
	clock := newFakeClock()
	q, logs := newTestQueue(t, clock, func(context.Context, Command) error {
		return fmt.Errorf("sheet store: %w", &statusError{code: 400})
	})
	require.True(t, q.Enqueue("op-bad-range", mustCommand(t, "x"), Metadata{}))

	res := q.Tick(context.Background())
	assert.Equal(t, TickResult{Attempted: 1, DeadLettered: 1}, res)
	assert.Zero(t, q.Len())

	dead := logs.FilterMessage("Pending write dead-lettered").All()
	require.Len(t, dead, 1)
	assert.EqualValues(t, 1, dead[0].ContextMap()["attempts"])
	assert.Equal(t, true, dead[0].ContextMap()["permanent"])
}

func TestPermanent(t *testing.T) {
	assert.False(t, Permanent(nil))
	assert.False(t, Permanent(errors.New("connection reset")))
	assert.False(t, Permanent(&statusError{code: 429}))
	assert.False(t, Permanent(&statusError{code: 503}))
	assert.True(t, Permanent(&statusError{code: 403}))
	assert.True(t, Permanent(fmt.Errorf("wrapped: %w", &statusError{code: 400})))

	assert.True(t, Permanent(errors.Join(&statusError{code: 400}, &statusError{code: 404})))
	assert.False(t, Permanent(errors.Join(&statusError{code: 400}, errors.New("document store outage"))),
		"a transient half keeps the write retryable")
}

func TestUnknownKindIsRetriedThenDeadLettered(t *testing.T) {
	clock := newFakeClock()
	q := NewQueue(logger.NewNop(), NewRegistry(), nil, Config{Now: clock.Now, MaxAttempts: 1})
	q.Enqueue("op-3", Command{Kind: "nope", Payload: json.RawMessage(`{}`)}, Metadata{})
	res := q.Tick(context.Background())
	assert.Equal(t, 1, res.DeadLettered)
}

func TestHandlerPanicCountsAsFailure(t *testing.T) {
	clock := newFakeClock()
	q, _ := newTestQueue(t, clock, func(context.Context, Command) error { panic("boom") })
	q.Enqueue("op-4", mustCommand(t, "x"), Metadata{})
	res := q.Tick(context.Background())
	assert.Equal(t, 1, res.Rescheduled)
	assert.Contains(t, q.Stats().Items[0].LastError, "boom")
}

type sinkFunc func(ctx context.Context, pw PendingWrite, err error) error

func (f sinkFunc) DeadLetter(ctx context.Context, pw PendingWrite, err error) error { return f(ctx, pw, err) }

func TestDeadLetterSinkReceivesItem(t *testing.T) {
	clock := newFakeClock()
	got := make(chan PendingWrite, 1)
	reg := NewRegistry()
	require.NoError(t, reg.Register(HandlerFunc{K: testKind, Fn: func(context.Context, Command) error {
		return errors.New("down")
	}}))
	sink := sinkFunc(func(_ context.Context, pw PendingWrite, _ error) error {
		got <- pw
		return nil
	})
	q := NewQueue(logger.NewNop(), reg, sink, Config{Now: clock.Now, MaxAttempts: 1})
	q.Enqueue("op-5", mustCommand(t, "x"), Metadata{Phone: "9876543210"})
	q.Tick(context.Background())

	select {
	case pw := <-got:
		assert.Equal(t, "op-5", pw.OperationID)
		assert.Equal(t, 1, pw.Attempts)
	case <-time.After(2 * time.Second):
		t.Fatal("sink not called")
	}
}

type memSnapshotWriter struct {
	name string
	data []byte
	err  error
}

func (w *memSnapshotWriter) WriteSnapshot(_ context.Context, name string, data []byte) error {
	w.name, w.data = name, data
	return w.err
}

func TestShutdownSnapshotsAndClosesQueue(t *testing.T) {
	clock := newFakeClock()
	q, _ := newTestQueue(t, clock, func(context.Context, Command) error { return errors.New("down") })
	q.Enqueue("op-a", mustCommand(t, map[string]int{"n": 1}), Metadata{Phone: "1"})
	q.Enqueue("op-b", mustCommand(t, map[string]int{"n": 2}), Metadata{Phone: "2"})
	q.Tick(context.Background())

	w := &memSnapshotWriter{}
	require.NoError(t, q.Shutdown(context.Background(), w))
	require.Contains(t, w.name, "retry-queue/")

	var snap Snapshot
	require.NoError(t, json.Unmarshal(w.data, &snap))
	require.Len(t, snap.Items, 2)
	assert.Equal(t, "op-a", snap.Items[0].OperationID)
	assert.Equal(t, 1, snap.Items[0].Attempts)

	assert.Equal(t, 0, q.Len())
	assert.False(t, q.Enqueue("op-c", mustCommand(t, "x"), Metadata{}))
}

func TestShutdownWithoutWriterLogsEachItem(t *testing.T) {
	clock := newFakeClock()
	q, logs := newTestQueue(t, clock, func(context.Context, Command) error { return nil })
	q.Enqueue("op-a", mustCommand(t, "x"), Metadata{})
	q.Enqueue("op-b", mustCommand(t, "y"), Metadata{})

	require.NoError(t, q.Shutdown(context.Background(), nil))
	assert.Equal(t, 2, logs.FilterMessage("Pending write lost at shutdown").Len())
}
