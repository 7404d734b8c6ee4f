package training

import "time"

// Timer measures laps and keeps a running total of the laps that count
// towards the training budget.
type Timer struct {
	now   func() time.Time
	last  time.Time
	total time.Duration
}

// NewTimer starts a timer.
func NewTimer() *Timer {
	return newTimerWithClock(time.Now)
}

func newTimerWithClock(now func() time.Time) *Timer {
	return &Timer{now: now, last: now()}
}

// Lap returns the time since the previous lap. If include is true the lap
// is added to the total.
func (t *Timer) Lap(include bool) time.Duration {
	now := t.now()
	dt := now.Sub(t.last)
	t.last = now
	if include {
		t.total += dt
	}
	return dt
}

// Total returns the accumulated included time.
func (t *Timer) Total() time.Duration {
	return t.total
}
