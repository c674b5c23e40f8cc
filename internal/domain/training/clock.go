package training

import "time"

// Clock supplies monotonic timestamps at epoch boundaries.
type Clock interface {
	Now() time.Time
	Since(t time.Time) time.Duration
}

// systemClock relies on the monotonic reading carried by time.Now.
type systemClock struct{}

func (systemClock) Now() time.Time                  { return time.Now() }
func (systemClock) Since(t time.Time) time.Duration { return time.Since(t) }

// SystemClock returns the process clock.
func SystemClock() Clock { return systemClock{} }
