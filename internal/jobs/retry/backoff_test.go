package retry

import (
	"testing"
	"time"
)

func TestDefaultScheduleHoldsAtLastValue(t *testing.T) {
	cases := map[int]time.Duration{
		-1: 0,
		0:  0,
		1:  15 * time.Second,
		2:  time.Minute,
		3:  5 * time.Minute,
		4:  15 * time.Minute,
		5:  15 * time.Minute,
		50: 15 * time.Minute,
	}
	for attempts, want := range cases {
		if got := DefaultSchedule.NextDelay(attempts); got != want {
			t.Fatalf("NextDelay(%d) = %v, want %v", attempts, got, want)
		}
	}
	prev := time.Duration(0)
	for i := 0; i < 10; i++ {
		d := DefaultSchedule.NextDelay(i)
		if d < prev {
			t.Fatalf("schedule decreased at %d: %v < %v", i, d, prev)
		}
		prev = d
	}
}

func TestEmptyScheduleIsImmediate(t *testing.T) {
	if d := (ScheduleBackoff{}).NextDelay(3); d != 0 {
		t.Fatalf("expected 0, got %v", d)
	}
}
