package reset

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/singleflight"

	"freeblock/internal/checkin"
	"freeblock/internal/clock"
	"freeblock/internal/metrics"
	"freeblock/internal/roster"
	"freeblock/internal/schedule"
)

// State is the job's position in its Idle -> Resetting -> Idle cycle.
type State int32

const (
	Idle State = iota
	Resetting
)

func (s State) String() string {
	if s == Resetting {
		return "resetting"
	}
	return "idle"
}

// Config controls when the job runs.
type Config struct {
	// Spec is a standard five-field cron expression in school time.
	Spec string
	// PollInterval is how often the manual reset flag is checked.
	PollInterval time.Duration
	// FetchTimeout bounds the roster fetch.
	FetchTimeout time.Duration
	// SkipInitial disables the run at startup when no state for today
	// could be restored.
	SkipInitial bool
	// SkipMonths are months in which scheduled runs do nothing.
	SkipMonths []time.Month
	// FullRebuildMonth and FullRebuildDay name the yearly date on which
	// students missing from the roster are dropped.
	FullRebuildMonth time.Month
	FullRebuildDay   int
}

// DefaultConfig resets at 06:00 every day, skips June and July and
// rebuilds fully on August 1.
func DefaultConfig() Config {
	return Config{
		Spec:             "0 6 * * *",
		PollInterval:     5 * time.Second,
		FetchTimeout:     30 * time.Second,
		SkipMonths:       []time.Month{time.June, time.July},
		FullRebuildMonth: time.August,
		FullRebuildDay:   1,
	}
}

// Reminders is armed after every successful reset.
type Reminders interface {
	Schedule(day *schedule.Day, students []checkin.Student) int
	Stop()
}

// Job rebuilds the day's schedule and roster.
type Job struct {
	cfg       Config
	roster    roster.Source
	schedules *schedule.Source
	holder    *schedule.Holder
	ledger    *checkin.Ledger
	store     checkin.Store
	clock     clock.Clock
	reminders Reminders
	metrics   *metrics.Metrics
	logger    *slog.Logger

	state     atomic.Int32
	requested atomic.Bool
	group     singleflight.Group
	cron      *cron.Cron
	cancel    context.CancelFunc
	done      chan struct{}
}

// Option customizes a Job.
type Option func(*Job)

// WithReminders arms reminders after each reset.
func WithReminders(r Reminders) Option { return func(j *Job) { j.reminders = r } }

// WithMetrics records run results.
func WithMetrics(m *metrics.Metrics) Option { return func(j *Job) { j.metrics = m } }

// WithStore enables restoring today's state at startup.
func WithStore(s checkin.Store) Option { return func(j *Job) { j.store = s } }

// New creates a job.
func New(cfg Config, src roster.Source, schedules *schedule.Source, holder *schedule.Holder, ledger *checkin.Ledger, clk clock.Clock, logger *slog.Logger, opts ...Option) *Job {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	j := &Job{
		cfg:       cfg,
		roster:    src,
		schedules: schedules,
		holder:    holder,
		ledger:    ledger,
		clock:     clk,
		logger:    logger.With(slog.String("component", "reset")),
	}
	for _, opt := range opts {
		opt(j)
	}
	return j
}

// State reports whether a reset is running.
func (j *Job) State() State { return State(j.state.Load()) }

// RequestReset flags a manual reset for the poll loop to pick up.
func (j *Job) RequestReset() { j.requested.Store(true) }

// Start recovers or rebuilds today's state, then schedules the daily
// tick and the manual request loop. Call Stop to end them.
func (j *Job) Start(ctx context.Context) error {
	if !j.restore(ctx) && !j.cfg.SkipInitial {
		j.tick(ctx, "startup")
	}

	c := cron.New(
		cron.WithLocation(j.clock.Now().Location()),
		cron.WithChain(cron.SkipIfStillRunning(cron.PrintfLogger(slog.NewLogLogger(j.logger.Handler(), slog.LevelDebug)))),
	)
	if _, err := c.AddFunc(j.cfg.Spec, func() { j.tick(ctx, "schedule") }); err != nil {
		return fmt.Errorf("reset schedule %q: %w", j.cfg.Spec, err)
	}
	c.Start()
	j.cron = c

	loopCtx, cancel := context.WithCancel(ctx)
	j.cancel = cancel
	j.done = make(chan struct{})
	go j.poll(loopCtx)

	j.logger.Info("reset job started", slog.String("schedule", j.cfg.Spec))
	return nil
}

// Stop ends the background loops and waits for a running reset.
func (j *Job) Stop() {
	if j.cancel != nil {
		j.cancel()
		<-j.done
	}
	if j.cron != nil {
		<-j.cron.Stop().Done()
	}
	if j.reminders != nil {
		j.reminders.Stop()
	}
}

func (j *Job) poll(ctx context.Context) {
	defer close(j.done)
	t := time.NewTicker(j.cfg.PollInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if j.requested.CompareAndSwap(true, false) {
				if _, err := j.ForceReset(ctx); err != nil {
					j.logger.Error("manual reset failed", slog.Any("error", err))
				}
			}
		}
	}
}

func (j *Job) tick(ctx context.Context, trigger string) {
	now := j.clock.Now()
	for _, m := range j.cfg.SkipMonths {
		if now.Month() == m {
			j.logger.Info("reset skipped for summer", slog.String("trigger", trigger))
			return
		}
	}
	if _, err := j.ForceReset(ctx); err != nil {
		j.logger.Error("reset failed", slog.String("trigger", trigger), slog.Any("error", err))
	}
}

// ForceReset runs a reset now. A call made while another reset is
// running waits for it and shares its result instead of starting a
// second one; shared reports that case.
func (j *Job) ForceReset(ctx context.Context) (shared bool, err error) {
	_, err, shared = j.group.Do("reset", func() (any, error) {
		return nil, j.run(ctx)
	})
	return shared, err
}

func (j *Job) run(ctx context.Context) error {
	j.state.Store(int32(Resetting))
	defer j.state.Store(int32(Idle))

	started := time.Now()
	err := j.rebuild(ctx)
	j.metrics.ObserveReset(err == nil, time.Since(started))
	return err
}

func (j *Job) rebuild(ctx context.Context) error {
	now := j.clock.Now()
	date := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())

	fetchCtx, cancel := context.WithTimeout(ctx, j.cfg.FetchTimeout)
	feed, err := j.roster.Fetch(fetchCtx, date)
	cancel()
	if err != nil {
		return fmt.Errorf("fetch roster: %w", err)
	}
	day, err := j.schedules.Build(date, feed.Schedule)
	if err != nil {
		return fmt.Errorf("build schedule: %w", err)
	}

	// Feeds list the blocks a student is free in across the rotation;
	// only today's count.
	scheduled := day.Blocks()
	entries := make([]checkin.Entry, len(feed.Students))
	for i, e := range feed.Students {
		e.Blocks &= scheduled
		entries[i] = e
	}

	full := now.Month() == j.cfg.FullRebuildMonth && now.Day() == j.cfg.FullRebuildDay

	j.ledger.BeginReset()
	err = j.ledger.Replace(ctx, day, entries, full)
	if err == nil {
		j.holder.Store(day)
	}
	j.ledger.EndReset()
	if err != nil {
		return err
	}

	j.arm(day)
	j.logger.Info("reset complete",
		slog.String("date", date.Format("2006-01-02")),
		slog.String("blocks", scheduled.String()),
		slog.Int("students", len(entries)),
		slog.Bool("full", full))
	return nil
}

func (j *Job) arm(day *schedule.Day) {
	if j.reminders == nil {
		return
	}
	j.metrics.RemindersArmed(j.reminders.Schedule(day, j.ledger.Students()))
}

// restore reinstalls today's persisted state so a restart keeps the
// day's check-ins. A snapshot from an earlier day still carries the bans,
// the privilege log and known identities; those are installed and false
// is returned so the caller rebuilds the day.
func (j *Job) restore(ctx context.Context) bool {
	if j.store == nil {
		return false
	}
	snap, err := j.store.Load(ctx)
	if err != nil {
		j.logger.Error("load persisted state", slog.Any("error", err))
		return false
	}
	if !j.isToday(snap.Day) {
		j.ledger.RestoreHistory(snap)
		j.logger.Info("restored privilege history",
			slog.Int("bans", len(snap.Bans)),
			slog.Int("events", len(snap.Events)))
		return false
	}
	j.ledger.Restore(snap)
	j.holder.Store(snap.Day)
	j.arm(snap.Day)
	j.logger.Info("restored persisted state", slog.Int("students", len(snap.Students)))
	return true
}

func (j *Job) isToday(day *schedule.Day) bool {
	if day == nil {
		return false
	}
	now := j.clock.Now()
	y, m, d := day.Date.In(now.Location()).Date()
	ny, nm, nd := now.Date()
	return y == ny && m == nm && d == nd
}
