package clock

import (
	"sync"
	"time"
)

// Clock abstracts the current time so the engine can be driven
// deterministically in tests.
type Clock interface {
	Now() time.Time
}

type realClock struct{ loc *time.Location }

// Real returns a clock reading the system time in loc. A nil loc means
// time.Local.
func Real(loc *time.Location) Clock {
	if loc == nil {
		loc = time.Local
	}
	return realClock{loc: loc}
}

func (c realClock) Now() time.Time { return time.Now().In(c.loc) }

// FakeClock is a manually driven clock.
type FakeClock struct {
	mu  sync.Mutex
	now time.Time
}

// Fake returns a clock frozen at initial.
func Fake(initial time.Time) *FakeClock {
	return &FakeClock{now: initial}
}

func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Set moves the clock to t. Moving backwards is allowed.
func (c *FakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

// Advance moves the clock forward by d.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}
