package schedule

import (
	"fmt"
	"strings"
	"time"
)

// TimeOfDay is a wall-clock time in the school's time zone.
type TimeOfDay struct {
	Hour   int
	Minute int
}

// ParseTimeOfDay parses "HH:MM".
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return TimeOfDay{}, fmt.Errorf("invalid time of day %q: %w", s, err)
	}
	return TimeOfDay{Hour: t.Hour(), Minute: t.Minute()}, nil
}

// MustTime is ParseTimeOfDay for constants.
func MustTime(s string) TimeOfDay {
	t, err := ParseTimeOfDay(s)
	if err != nil {
		panic(err)
	}
	return t
}

func (t TimeOfDay) minutes() int { return t.Hour*60 + t.Minute }

// On returns the instant of t on the date of day, in day's location.
func (t TimeOfDay) On(day time.Time) time.Time {
	y, m, d := day.Date()
	return time.Date(y, m, d, t.Hour, t.Minute, 0, 0, day.Location())
}

func (t TimeOfDay) String() string { return fmt.Sprintf("%02d:%02d", t.Hour, t.Minute) }

// ClockRange is an exclusive wall-clock range (From, To).
type ClockRange struct {
	From TimeOfDay
	To   TimeOfDay
}

func (r ClockRange) contains(t TimeOfDay) bool {
	return r.From.minutes() < t.minutes() && t.minutes() < r.To.minutes()
}

// ParseClockRanges parses "08:30-09:20,12:30-13:15".
func ParseClockRanges(s string) ([]ClockRange, error) {
	var out []ClockRange
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		from, to, ok := strings.Cut(part, "-")
		if !ok {
			return nil, fmt.Errorf("invalid clock range %q", part)
		}
		f, err := ParseTimeOfDay(from)
		if err != nil {
			return nil, err
		}
		t, err := ParseTimeOfDay(to)
		if err != nil {
			return nil, err
		}
		out = append(out, ClockRange{From: f, To: t})
	}
	return out, nil
}

// Margins widens a block's nominal start into its check-in window.
// Blocks starting inside one of the Extended ranges (the first block of
// the morning and the first after lunch) open ExtendedOpen early instead
// of Open.
type Margins struct {
	Open         time.Duration
	Close        time.Duration
	ExtendedOpen time.Duration
	Extended     []ClockRange
}

// DefaultMargins opens 10 minutes before and closes 10 minutes after the
// nominal start, with 30 minutes of lead after a break.
func DefaultMargins() Margins {
	return Margins{
		Open:         10 * time.Minute,
		Close:        10 * time.Minute,
		ExtendedOpen: 30 * time.Minute,
		Extended: []ClockRange{
			{From: MustTime("08:30"), To: MustTime("09:20")},
			{From: MustTime("12:30"), To: MustTime("13:15")},
		},
	}
}

// Window builds the window for b starting at tod on day.
func (m Margins) Window(day time.Time, b Block, tod TimeOfDay) Window {
	open := m.Open
	for _, r := range m.Extended {
		if r.contains(tod) {
			open = m.ExtendedOpen
			break
		}
	}
	nominal := tod.On(day)
	return Window{
		Block:   b,
		Nominal: nominal,
		Start:   nominal.Add(-open),
		End:     nominal.Add(m.Close),
	}
}
