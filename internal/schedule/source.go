package schedule

import (
	"fmt"
	"io"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// Entry is one scheduled block start.
type Entry struct {
	Block Block
	Start TimeOfDay
}

// Table maps a weekday to its block starts.
type Table map[time.Weekday][]Entry

func entries(spec ...string) []Entry {
	out := make([]Entry, 0, len(spec)/2)
	for i := 0; i+1 < len(spec); i += 2 {
		out = append(out, Entry{Block: Block(spec[i][0]), Start: MustTime(spec[i+1])})
	}
	return out
}

// DefaultTable is the rotating A/B/C-day timetable: A days on Monday and
// Thursday, B days on Tuesday and Friday, C day on Wednesday.
func DefaultTable() Table {
	aDay := entries("A", "09:00", "B", "10:20", "C", "12:45", "D", "14:05")
	bDay := entries("E", "09:00", "F", "10:20", "G", "12:45")
	cDay := entries("A", "09:00", "E", "09:45", "B", "10:30", "F", "11:40", "C", "13:00", "G", "13:50", "D", "14:40")
	return Table{
		time.Monday:    aDay,
		time.Tuesday:   bDay,
		time.Wednesday: cDay,
		time.Thursday:  aDay,
		time.Friday:    bDay,
	}
}

// IsSchoolDay reports whether day falls Monday through Friday.
func IsSchoolDay(day time.Time) bool {
	wd := day.Weekday()
	return wd != time.Saturday && wd != time.Sunday
}

// Source produces the windows for a date from the weekly table, a per-day
// override, or entries supplied by the roster feed.
type Source struct {
	margins Margins

	mu        sync.RWMutex
	table     Table
	overrides map[string][]Entry
}

// NewSource creates a source. A nil table uses DefaultTable.
func NewSource(table Table, margins Margins) *Source {
	if table == nil {
		table = DefaultTable()
	}
	return &Source{margins: margins, table: table, overrides: make(map[string][]Entry)}
}

func dateKey(day time.Time) string { return day.Format("2006-01-02") }

// SetOverride replaces the weekly table for a single date.
func (s *Source) SetOverride(day time.Time, es []Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.overrides[dateKey(day)] = append([]Entry(nil), es...)
}

// ClearOverride removes a per-day override.
func (s *Source) ClearOverride(day time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.overrides, dateKey(day))
}

// Override returns the override for day, if any.
func (s *Source) Override(day time.Time) ([]Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	es, ok := s.overrides[dateKey(day)]
	return es, ok
}

// Entries picks the block starts for day. An override wins over the
// feed, and the feed wins over the weekly table.
func (s *Source) Entries(day time.Time, feed []Entry) []Entry {
	if es, ok := s.Override(day); ok {
		return es
	}
	if len(feed) > 0 {
		return feed
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.table[day.Weekday()]
}

// Build resolves the Day for day. An empty result on a school day is a
// misconfiguration and returns ErrEmptySchedule.
func (s *Source) Build(day time.Time, feed []Entry) (*Day, error) {
	es := s.Entries(day, feed)
	if len(es) == 0 && IsSchoolDay(day) {
		if _, ok := s.Override(day); !ok {
			return nil, fmt.Errorf("%w: %s", ErrEmptySchedule, dateKey(day))
		}
	}
	windows := make([]Window, 0, len(es))
	for _, e := range es {
		windows = append(windows, s.margins.Window(day, e.Block, e.Start))
	}
	return NewDay(day, windows)
}

type overrideFile struct {
	Overrides map[string][]struct {
		Block string `yaml:"block"`
		Start string `yaml:"start"`
	} `yaml:"overrides"`
}

// LoadOverrides reads per-day overrides from YAML:
//
//	overrides:
//	  "2025-09-12":
//	    - {block: A, start: "09:30"}
//
// An empty list for a date declares a day without windows.
func (s *Source) LoadOverrides(r io.Reader, loc *time.Location) error {
	var f overrideFile
	if err := yaml.NewDecoder(r).Decode(&f); err != nil && err != io.EOF {
		return fmt.Errorf("decode overrides: %w", err)
	}
	for date, list := range f.Overrides {
		day, err := time.ParseInLocation("2006-01-02", date, loc)
		if err != nil {
			return fmt.Errorf("override date %q: %w", date, err)
		}
		es := make([]Entry, 0, len(list))
		for _, item := range list {
			b, err := ParseBlock(item.Block)
			if err != nil {
				return fmt.Errorf("override %s: %w", date, err)
			}
			tod, err := ParseTimeOfDay(item.Start)
			if err != nil {
				return fmt.Errorf("override %s: %w", date, err)
			}
			es = append(es, Entry{Block: b, Start: tod})
		}
		s.SetOverride(day, es)
	}
	return nil
}
