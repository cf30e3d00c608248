package schedule

import (
	"errors"
	"fmt"
	"sort"
	"time"
)

var (
	// ErrEmptySchedule is returned when a school day resolves to no windows.
	ErrEmptySchedule = errors.New("schedule: no windows defined for a school day")
	// ErrOverlap is returned when two windows of the same day overlap.
	ErrOverlap = errors.New("schedule: overlapping windows")
)

// Window is one block's check-in interval for a specific day. Start and
// End already include the open and close margins; Nominal is the
// scheduled start of the block.
type Window struct {
	Block   Block     `json:"block"`
	Nominal time.Time `json:"nominal"`
	Start   time.Time `json:"start"`
	End     time.Time `json:"end"`
}

// Contains reports whether t lies in [Start, End].
func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.Start) && !t.After(w.End)
}

// Day is the immutable set of windows for one date, ordered by Start.
// A new Day is built on every reset and swapped in whole.
type Day struct {
	Date    time.Time
	Windows []Window
}

// NewDay sorts windows by start time and rejects duplicate blocks and
// overlapping intervals. Touching intervals are allowed.
func NewDay(date time.Time, windows []Window) (*Day, error) {
	ws := append([]Window(nil), windows...)
	sort.SliceStable(ws, func(i, j int) bool { return ws[i].Start.Before(ws[j].Start) })
	var seen BlockSet
	for i, w := range ws {
		if !w.Block.Valid() {
			return nil, fmt.Errorf("schedule: invalid block %q", byte(w.Block))
		}
		if seen.Has(w.Block) {
			return nil, fmt.Errorf("schedule: block %s defined twice", w.Block)
		}
		seen = seen.Add(w.Block)
		if !w.End.After(w.Start) {
			return nil, fmt.Errorf("schedule: block %s ends before it starts", w.Block)
		}
		if i > 0 && w.Start.Before(ws[i-1].End) {
			return nil, fmt.Errorf("%w: %s and %s", ErrOverlap, ws[i-1].Block, w.Block)
		}
	}
	y, m, d := date.Date()
	return &Day{Date: time.Date(y, m, d, 0, 0, 0, 0, date.Location()), Windows: ws}, nil
}

// Window returns the window for block b, if it is scheduled.
func (d *Day) Window(b Block) (Window, bool) {
	if d == nil {
		return Window{}, false
	}
	for _, w := range d.Windows {
		if w.Block == b {
			return w, true
		}
	}
	return Window{}, false
}

// Blocks returns the set of blocks scheduled on this day.
func (d *Day) Blocks() BlockSet {
	var s BlockSet
	if d == nil {
		return s
	}
	for _, w := range d.Windows {
		s = s.Add(w.Block)
	}
	return s
}
