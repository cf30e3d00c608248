package checkin

import (
	"context"
	"time"

	"freeblock/internal/schedule"
)

// Snapshot is the full durable state of a day.
type Snapshot struct {
	Day      *schedule.Day
	Students []Student
	Devices  []DeviceRecord
	Events   []PrivilegeEvent
	Bans     []string
}

// Change is the post-state of everything one accepted attempt touched.
// It is persisted as a single unit.
type Change struct {
	Student Student
	Device  *DeviceRecord
	Event   *PrivilegeEvent
}

// Store persists ledger state. Every method must apply all of its writes
// or none of them.
type Store interface {
	// ReplaceDay swaps in a rebuilt day: windows, students and cleared
	// device records. Students missing from the slice are deleted only
	// when full is set.
	ReplaceDay(ctx context.Context, day *schedule.Day, students []Student, full bool) error
	SaveChange(ctx context.Context, c Change) error
	SaveBans(ctx context.Context, bans []string) error
	DeleteEventsBefore(ctx context.Context, before time.Time) error
	Load(ctx context.Context) (Snapshot, error)
}

type nopStore struct{}

func (nopStore) ReplaceDay(context.Context, *schedule.Day, []Student, bool) error { return nil }
func (nopStore) SaveChange(context.Context, Change) error                       { return nil }
func (nopStore) SaveBans(context.Context, []string) error                       { return nil }
func (nopStore) DeleteEventsBefore(context.Context, time.Time) error            { return nil }
func (nopStore) Load(context.Context) (Snapshot, error)                         { return Snapshot{}, nil }
