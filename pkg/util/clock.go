package util

import "time"

type Clock interface {
	After(d time.Duration) <-chan time.Time
	Now() time.Time
}

type RealClock struct{}

func (RealClock) After(d time.Duration) <-chan time.Time { return time.After(d) }
func (RealClock) Now() time.Time                         { return time.Now() }

// ManualClock is a settable clock for deterministic tests. After returns a
// channel that never fires; time-driven transitions are injected directly.
type ManualClock struct {
	Current time.Time
}

func NewManualClock(start time.Time) *ManualClock { return &ManualClock{Current: start} }

func (c *ManualClock) Now() time.Time { return c.Current }

func (c *ManualClock) Advance(d time.Duration) { c.Current = c.Current.Add(d) }

func (c *ManualClock) After(d time.Duration) <-chan time.Time {
	return make(chan time.Time)
}
