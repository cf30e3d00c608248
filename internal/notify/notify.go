package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"freeblock/internal/checkin"
	"freeblock/internal/clock"
	"freeblock/internal/queue"
	"freeblock/internal/schedule"
)

// Reminder asks a student to check in before their window closes.
type Reminder struct {
	Email string         `json:"email"`
	Name  string         `json:"name"`
	Block schedule.Block `json:"-"`
	Label string         `json:"block"`
	Due   time.Time      `json:"due"`
}

// Sink dispatches reminders. Dispatch is fire-and-forget; errors are
// only logged.
type Sink interface {
	Remind(ctx context.Context, r Reminder) error
}

// QueueSink hands reminders to the worker through the queue.
type QueueSink struct {
	Queue queue.Queue
}

func (s QueueSink) Remind(ctx context.Context, r Reminder) error {
	r.Label = r.Block.String()
	msg, err := queue.NewMessage(queue.TypeReminder, r)
	if err != nil {
		return err
	}
	return s.Queue.Publish(ctx, msg)
}

// CheckedIn reports whether email already checked in for block.
type CheckedIn func(email string, block schedule.Block) bool

// Scheduler arms one timer per eligible student and window, firing
// Offset before the window closes. Rescheduling cancels the previous
// day's timers.
type Scheduler struct {
	sink    Sink
	clock   clock.Clock
	offset  time.Duration
	done    CheckedIn
	logger  *slog.Logger
	timeout time.Duration

	mu     sync.Mutex
	timers []*time.Timer
}

// NewScheduler creates a scheduler. done may be nil.
func NewScheduler(sink Sink, clk clock.Clock, offset time.Duration, done CheckedIn, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{sink: sink, clock: clk, offset: offset, done: done, logger: logger, timeout: 5 * time.Second}
}

// Schedule replaces all pending reminders with ones for day. Reminders
// whose fire time has passed are skipped. It returns how many were armed.
func (s *Scheduler) Schedule(day *schedule.Day, students []checkin.Student) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()
	if day == nil {
		return 0
	}
	now := s.clock.Now()
	for _, w := range day.Windows {
		fireAt := w.End.Add(-s.offset)
		delay := fireAt.Sub(now)
		if delay <= 0 {
			continue
		}
		for _, st := range students {
			if !st.Eligible.Has(w.Block) {
				continue
			}
			r := Reminder{Email: st.Email, Name: st.Name, Block: w.Block, Due: w.End}
			s.timers = append(s.timers, time.AfterFunc(delay, func() { s.fire(r) }))
		}
	}
	s.logger.Info("reminders scheduled", slog.Int("count", len(s.timers)))
	return len(s.timers)
}

// Stop cancels pending reminders.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()
}

func (s *Scheduler) stopLocked() {
	for _, t := range s.timers {
		t.Stop()
	}
	s.timers = nil
}

func (s *Scheduler) fire(r Reminder) {
	if s.done != nil && s.done(r.Email, r.Block) {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	if err := s.sink.Remind(ctx, r); err != nil {
		s.logger.Warn("reminder dispatch failed",
			slog.String("student", r.Email),
			slog.String("block", r.Block.String()),
			slog.Any("error", err))
	}
}
