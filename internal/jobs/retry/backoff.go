package retry

import "time"

type Backoff interface {
	// NextDelay is the wait before the next attempt, after attemptCount
	// attempts have already failed.
	NextDelay(attemptCount int) time.Duration
}

// ScheduleBackoff walks a fixed table and holds at its last entry.
type ScheduleBackoff []time.Duration

// DefaultSchedule: immediate, 15s, 1m, 5m, 15m, then 15m forever.
var DefaultSchedule = ScheduleBackoff{
	0,
	15 * time.Second,
	time.Minute,
	5 * time.Minute,
	15 * time.Minute,
}

func (s ScheduleBackoff) NextDelay(attemptCount int) time.Duration {
	if len(s) == 0 {
		return 0
	}
	if attemptCount < 0 {
		attemptCount = 0
	}
	if attemptCount >= len(s) {
		return s[len(s)-1]
	}
	return s[attemptCount]
}
