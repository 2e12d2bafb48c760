// Package clock provides a small time source port so components that
// schedule, expire, or stamp records can be tested against fake time.
package clock

import "time"

// Clock is the time source used by the scheduler, job store, and reaper.
type Clock interface {
	// Now returns the current wall-clock time.
	Now() time.Time

	// Since returns the elapsed time since t using the monotonic clock.
	Since(t time.Time) time.Duration
}

// Real is a Clock backed by the system clock.
type Real struct{}

// Now returns time.Now().
func (Real) Now() time.Time { return time.Now() }

// Since returns time.Since(t).
func (Real) Since(t time.Time) time.Duration { return time.Since(t) }

// Fake is a manually advanced Clock for tests.
type Fake struct {
	Current time.Time
}

// NewFake creates a Fake clock starting at the given time.
func NewFake(start time.Time) *Fake {
	return &Fake{Current: start}
}

// Now returns the fake current time.
func (f *Fake) Now() time.Time { return f.Current }

// Since returns the fake elapsed time since t.
func (f *Fake) Since(t time.Time) time.Duration { return f.Current.Sub(t) }

// Advance moves the fake clock forward by d.
func (f *Fake) Advance(d time.Duration) { f.Current = f.Current.Add(d) }
