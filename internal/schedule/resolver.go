package schedule

import (
	"sync/atomic"
	"time"

	"freeblock/internal/clock"
)

// Holder publishes the current Day. Readers never lock; the reset job
// swaps in a fully built Day.
type Holder struct {
	day atomic.Pointer[Day]
}

func (h *Holder) Load() *Day { return h.day.Load() }

func (h *Holder) Store(d *Day) { h.day.Store(d) }

// Countdown selects the boundary Next counts down to.
type Countdown int

const (
	// CountdownOpen counts to the margin-adjusted window start.
	CountdownOpen Countdown = iota
	// CountdownNominal counts to the scheduled block start.
	CountdownNominal
)

// ParseCountdown maps "open" and "nominal" to a Countdown.
func ParseCountdown(s string) Countdown {
	if s == "nominal" {
		return CountdownNominal
	}
	return CountdownOpen
}

// Resolver answers which window is open and when the next one opens.
type Resolver struct {
	holder      *Holder
	clock       clock.Clock
	schoolStart TimeOfDay
	countdown   Countdown
}

// NewResolver creates a resolver over holder. schoolStart is the fallback
// target when no window remains today.
func NewResolver(holder *Holder, clk clock.Clock, schoolStart TimeOfDay, countdown Countdown) *Resolver {
	return &Resolver{holder: holder, clock: clk, schoolStart: schoolStart, countdown: countdown}
}

// Day returns the currently published schedule.
func (r *Resolver) Day() *Day { return r.holder.Load() }

// Current returns the window open now.
func (r *Resolver) Current() (Window, bool) { return r.CurrentAt(r.clock.Now()) }

// CurrentAt returns the first window containing now.
func (r *Resolver) CurrentAt(now time.Time) (Window, bool) {
	d := r.holder.Load()
	if d == nil {
		return Window{}, false
	}
	for _, w := range d.Windows {
		if w.Contains(now) {
			return w, true
		}
	}
	return Window{}, false
}

// Next returns the next window to open and the time until it opens.
func (r *Resolver) Next() (Window, bool, time.Duration) { return r.NextAt(r.clock.Now()) }

// NextAt returns the earliest window whose boundary is after now. When
// none remains today it returns false and the time until school start on
// the next day that is still ahead of now.
func (r *Resolver) NextAt(now time.Time) (Window, bool, time.Duration) {
	if d := r.holder.Load(); d != nil {
		for _, w := range d.Windows {
			boundary := w.Start
			if r.countdown == CountdownNominal {
				boundary = w.Nominal
			}
			if boundary.After(now) {
				return w, true, boundary.Sub(now)
			}
		}
	}
	target := r.schoolStart.On(now)
	for !target.After(now) {
		target = r.schoolStart.On(target.AddDate(0, 0, 1))
	}
	return Window{}, false, target.Sub(now)
}
