package reset

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"freeblock/internal/checkin"
	"freeblock/internal/clock"
	"freeblock/internal/roster"
	"freeblock/internal/schedule"
)

var eastern = time.FixedZone("EDT", -4*3600)

type fakeSource struct {
	mu      sync.Mutex
	calls   int
	feed    roster.Roster
	err     error
	started chan struct{}
	release chan struct{}
}

func (s *fakeSource) Fetch(ctx context.Context, _ time.Time) (roster.Roster, error) {
	s.mu.Lock()
	s.calls++
	feed, err, started, release := s.feed, s.err, s.started, s.release
	s.mu.Unlock()
	if started != nil {
		started <- struct{}{}
	}
	if release != nil {
		select {
		case <-release:
		case <-ctx.Done():
			return roster.Roster{}, ctx.Err()
		}
	}
	return feed, err
}

func (s *fakeSource) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type fakeReminders struct {
	mu    sync.Mutex
	armed int
}

func (r *fakeReminders) Schedule(_ *schedule.Day, students []checkin.Student) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.armed++
	return len(students)
}

func (r *fakeReminders) Stop() {}

type snapshotStore struct {
	checkin.Store
	snap checkin.Snapshot
}

func (s snapshotStore) Load(context.Context) (checkin.Snapshot, error) { return s.snap, nil }

type harness struct {
	clock     *clock.FakeClock
	source    *fakeSource
	holder    *schedule.Holder
	ledger    *checkin.Ledger
	reminders *fakeReminders
	job       *Job
}

func newHarness(t *testing.T, now time.Time, cfg Config, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		clock:     clock.Fake(now),
		holder:    &schedule.Holder{},
		reminders: &fakeReminders{},
		source: &fakeSource{feed: roster.Roster{Students: []checkin.Entry{
			{Email: "ada@school.org", ID: "1001", Name: "Ada", Blocks: schedule.SetOf('A', 'E')},
			{Email: "ben@school.org", ID: "1002", Name: "Ben", Blocks: schedule.SetOf('B'), Senior: true},
		}}},
	}
	resolver := schedule.NewResolver(h.holder, h.clock, schedule.MustTime("08:00"), schedule.CountdownOpen)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h.ledger = checkin.New(resolver, h.clock, nil, checkin.DeviceScopeWindow, logger)
	opts = append([]Option{WithReminders(h.reminders)}, opts...)
	h.job = New(cfg, h.source, schedule.NewSource(nil, schedule.DefaultMargins()), h.holder, h.ledger, h.clock, logger, opts...)
	return h
}

// Wednesday, a C-day with all seven blocks.
func wednesday(hour, min int) time.Time { return time.Date(2025, 9, 10, hour, min, 0, 0, eastern) }

func TestForceResetRebuildsDay(t *testing.T) {
	h := newHarness(t, wednesday(6, 0), DefaultConfig())
	shared, err := h.job.ForceReset(context.Background())
	if err != nil || shared {
		t.Fatalf("ForceReset = %v, %v", shared, err)
	}
	day := h.holder.Load()
	if day == nil || day.Blocks().String() != "ABCDEFG" {
		t.Fatalf("day blocks = %v", day.Blocks())
	}
	ada, ok := h.ledger.Lookup("1001")
	if !ok || ada.Eligible.String() != "AE" {
		t.Fatalf("ada = %+v, %v", ada, ok)
	}
	ben, _ := h.ledger.Lookup("ben@school.org")
	if ben.Privilege != checkin.PrivilegeAvailable {
		t.Fatalf("ben privilege = %v", ben.Privilege)
	}
	if h.reminders.armed != 1 {
		t.Fatalf("reminders armed %d times", h.reminders.armed)
	}
	if h.job.State() != Idle || h.ledger.Resetting() {
		t.Fatal("job left resetting")
	}
}

func TestForceResetMasksBlocksNotScheduledToday(t *testing.T) {
	// Tuesday is a B-day: E, F, G only.
	h := newHarness(t, time.Date(2025, 9, 9, 6, 0, 0, 0, eastern), DefaultConfig())
	if _, err := h.job.ForceReset(context.Background()); err != nil {
		t.Fatal(err)
	}
	ada, _ := h.ledger.Lookup("ada@school.org")
	if ada.Eligible.String() != "E" {
		t.Fatalf("eligible = %s, want E", ada.Eligible)
	}
	ben, _ := h.ledger.Lookup("ben@school.org")
	if !ben.Eligible.Empty() {
		t.Fatalf("eligible = %s, want none", ben.Eligible)
	}
}

func TestFailedFetchKeepsState(t *testing.T) {
	h := newHarness(t, wednesday(6, 0), DefaultConfig())
	ctx := context.Background()
	if _, err := h.job.ForceReset(ctx); err != nil {
		t.Fatal(err)
	}
	before := h.holder.Load()

	h.clock.Set(wednesday(9, 0))
	out, err := h.ledger.Attempt(ctx, checkin.Request{Student: "ada@school.org", Mode: checkin.ModeOrdinary, Device: "dev-1"})
	if err != nil || out.Kind != checkin.Accepted {
		t.Fatalf("attempt = %+v, %v", out, err)
	}

	h.source.mu.Lock()
	h.source.err = errors.New("roster api: 503")
	h.source.mu.Unlock()
	if _, err := h.job.ForceReset(ctx); err == nil {
		t.Fatal("expected fetch failure")
	}
	if h.holder.Load() != before {
		t.Fatal("schedule swapped after failed reset")
	}
	ada, _ := h.ledger.Lookup("ada@school.org")
	if !ada.CheckedIn.Has('A') {
		t.Fatal("check-in lost after failed reset")
	}
	if h.ledger.Resetting() || h.job.State() != Idle {
		t.Fatal("ledger left resetting")
	}
}

func TestEmptyScheduleAbortsReset(t *testing.T) {
	h := newHarness(t, wednesday(6, 0), DefaultConfig())
	h.job.schedules = schedule.NewSource(schedule.Table{}, schedule.DefaultMargins())
	_, err := h.job.ForceReset(context.Background())
	if !errors.Is(err, schedule.ErrEmptySchedule) {
		t.Fatalf("err = %v, want ErrEmptySchedule", err)
	}
	if h.holder.Load() != nil {
		t.Fatal("schedule installed after misconfiguration")
	}
}

func TestForceResetDuringResetIsShared(t *testing.T) {
	h := newHarness(t, wednesday(6, 0), DefaultConfig())
	h.source.started = make(chan struct{}, 2)
	h.source.release = make(chan struct{})
	ctx := context.Background()

	first := make(chan error, 1)
	go func() {
		_, err := h.job.ForceReset(ctx)
		first <- err
	}()
	<-h.source.started
	if h.job.State() != Resetting {
		t.Fatal("state not resetting during fetch")
	}

	second := make(chan bool, 1)
	go func() {
		shared, _ := h.job.ForceReset(ctx)
		second <- shared
	}()
	time.Sleep(20 * time.Millisecond)
	close(h.source.release)

	if err := <-first; err != nil {
		t.Fatal(err)
	}
	if !<-second {
		t.Fatal("second reset was not shared")
	}
	if got := h.source.count(); got != 1 {
		t.Fatalf("fetched %d times, want 1", got)
	}
}

func TestTickSkipsSummer(t *testing.T) {
	h := newHarness(t, time.Date(2025, 7, 9, 6, 0, 0, 0, eastern), DefaultConfig())
	h.job.tick(context.Background(), "schedule")
	if h.source.count() != 0 {
		t.Fatal("reset ran in July")
	}
	if _, err := h.job.ForceReset(context.Background()); err != nil {
		t.Fatal(err)
	}
	if h.source.count() != 1 {
		t.Fatal("manual reset should ignore the summer skip")
	}
}

func TestFullRebuildDropsMissingStudents(t *testing.T) {
	h := newHarness(t, time.Date(2025, 7, 31, 6, 0, 0, 0, eastern), DefaultConfig())
	ctx := context.Background()
	if _, err := h.job.ForceReset(ctx); err != nil {
		t.Fatal(err)
	}
	h.source.mu.Lock()
	h.source.feed.Students = h.source.feed.Students[:1]
	h.source.mu.Unlock()

	if _, err := h.job.ForceReset(ctx); err != nil {
		t.Fatal(err)
	}
	if _, ok := h.ledger.Lookup("ben@school.org"); !ok {
		t.Fatal("partial reset dropped a student")
	}

	h.clock.Set(time.Date(2025, 8, 1, 6, 0, 0, 0, eastern))
	if _, err := h.job.ForceReset(ctx); err != nil {
		t.Fatal(err)
	}
	if _, ok := h.ledger.Lookup("ben@school.org"); ok {
		t.Fatal("full rebuild kept a student missing from the roster")
	}
}

func TestStartRestoresTodayState(t *testing.T) {
	now := wednesday(11, 0)
	day, err := schedule.NewDay(wednesday(0, 0), []schedule.Window{
		{Block: 'A', Nominal: wednesday(9, 0), Start: wednesday(8, 30), End: wednesday(9, 10)},
	})
	if err != nil {
		t.Fatal(err)
	}
	snap := checkin.Snapshot{
		Day:      day,
		Students: []checkin.Student{{Email: "ada@school.org", Eligible: schedule.SetOf('A'), CheckedIn: schedule.SetOf('A')}},
	}
	cfg := DefaultConfig()
	cfg.PollInterval = time.Hour
	h := newHarness(t, now, cfg, WithStore(snapshotStore{snap: snap}))
	if err := h.job.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer h.job.Stop()

	if h.source.count() != 0 {
		t.Fatal("startup reset ran despite restored state")
	}
	if h.holder.Load() != day {
		t.Fatal("restored day not installed")
	}
	ada, ok := h.ledger.Lookup("ada@school.org")
	if !ok || !ada.CheckedIn.Has('A') {
		t.Fatalf("restored student = %+v", ada)
	}
}

func TestStartRunsWhenSnapshotIsStale(t *testing.T) {
	yesterday, _ := schedule.NewDay(wednesday(0, 0).AddDate(0, 0, -1), nil)
	cfg := DefaultConfig()
	cfg.PollInterval = time.Hour
	h := newHarness(t, wednesday(7, 0), cfg, WithStore(snapshotStore{snap: checkin.Snapshot{Day: yesterday}}))
	if err := h.job.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer h.job.Stop()
	if h.source.count() != 1 {
		t.Fatalf("fetched %d times at startup, want 1", h.source.count())
	}
}

func TestRequestResetIsPolled(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SkipInitial = true
	cfg.PollInterval = 10 * time.Millisecond
	h := newHarness(t, wednesday(10, 0), cfg)
	if err := h.job.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer h.job.Stop()
	if h.source.count() != 0 {
		t.Fatal("startup reset ran with SkipInitial")
	}

	h.job.RequestReset()
	deadline := time.Now().Add(2 * time.Second)
	for h.source.count() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("manual reset request never picked up")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestStartRejectsBadSchedule(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SkipInitial = true
	cfg.Spec = "every morning"
	h := newHarness(t, wednesday(10, 0), cfg)
	if err := h.job.Start(context.Background()); err == nil {
		t.Fatal("expected invalid cron spec error")
	}
}

func TestStartKeepsBansAndLogFromEarlierDay(t *testing.T) {
	yesterday, _ := schedule.NewDay(wednesday(0, 0).AddDate(0, 0, -1), nil)
	out := wednesday(10, 0).AddDate(0, 0, -1)
	snap := checkin.Snapshot{
		Day:      yesterday,
		Students: []checkin.Student{{Email: "ben@school.org", ID: "1002", Name: "Ben", Senior: true, Privilege: checkin.PrivilegeCheckedOut}},
		Events:   []checkin.PrivilegeEvent{{ID: "ev-1", Email: "ben@school.org", Name: "Ben", CheckedOutAt: out}},
		Bans:     []string{"ben@school.org"},
	}
	cfg := DefaultConfig()
	cfg.PollInterval = time.Hour
	h := newHarness(t, wednesday(7, 0), cfg, WithStore(snapshotStore{snap: snap}))
	if err := h.job.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer h.job.Stop()

	if h.source.count() != 1 {
		t.Fatalf("fetched %d times at startup, want 1", h.source.count())
	}
	seniors := h.ledger.Seniors()
	if len(seniors) != 1 || seniors[0].HasPrivilege {
		t.Fatalf("seniors = %+v, want ben without privileges", seniors)
	}
	if got := h.ledger.PrivilegeLog(time.Time{}, time.Time{}); len(got) != 1 || got[0].ID != "ev-1" {
		t.Fatalf("privilege log = %+v", got)
	}
	res, err := h.ledger.Attempt(context.Background(), checkin.Request{
		Student: "ben@school.org", Mode: checkin.ModePrivilegeCheckOut, Device: "dev-1",
	})
	if err != nil || res.Kind != checkin.Rejected || res.Reason != checkin.ReasonNotEligible {
		t.Fatalf("banned check-out = %+v, %v", res, err)
	}
	ben, _ := h.ledger.Lookup("1002")
	if ben.Privilege != checkin.PrivilegeAvailable || !ben.Eligible.Has('B') {
		t.Fatalf("ben after reset = %+v", ben)
	}
}

func TestForceResetFollowsScheduleOverride(t *testing.T) {
	h := newHarness(t, wednesday(6, 0), DefaultConfig())
	// The feed's calendar only lists A; the override replaces it for the day.
	h.source.feed.Schedule = []schedule.Entry{{Block: 'A', Start: schedule.MustTime("09:00")}}
	h.job.schedules.SetOverride(wednesday(0, 0), []schedule.Entry{
		{Block: 'E', Start: schedule.MustTime("09:00")},
		{Block: 'G', Start: schedule.MustTime("13:00")},
	})
	if _, err := h.job.ForceReset(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := h.holder.Load().Blocks().String(); got != "EG" {
		t.Fatalf("day blocks = %s, want EG", got)
	}
	ada, _ := h.ledger.Lookup("ada@school.org")
	if ada.Eligible.String() != "E" {
		t.Fatalf("ada eligible = %s, want E", ada.Eligible)
	}
}
