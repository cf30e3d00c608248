package notify

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"freeblock/internal/queue"
)

// Dispatcher drains reminder messages from a queue into a Sink.
type Dispatcher struct {
	Sink     Sink
	Logger   *slog.Logger
	Attempts int
	Backoff  time.Duration
}

// NewDispatcher retries each reminder three times, backing off linearly.
func NewDispatcher(sink Sink, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{Sink: sink, Logger: logger, Attempts: 3, Backoff: 2 * time.Second}
}

// Run consumes q until ctx ends.
func (d *Dispatcher) Run(ctx context.Context, q queue.Queue) error {
	messages, err := q.Consume(ctx)
	if err != nil {
		return err
	}
	for msg := range messages {
		r, err := Decode(msg)
		if err != nil {
			d.Logger.Warn("dropping message", slog.Any("error", err))
			continue
		}
		if err := d.deliver(ctx, r); err != nil {
			d.Logger.Error("reminder not delivered",
				slog.String("student", r.Email),
				slog.String("block", r.Block.String()),
				slog.Any("error", err))
			continue
		}
		d.Logger.Debug("reminder delivered", slog.String("student", r.Email), slog.String("block", r.Block.String()))
	}
	return nil
}

func (d *Dispatcher) deliver(ctx context.Context, r Reminder) error {
	attempts := max(d.Attempts, 1)
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = d.Sink.Remind(ctx, r); err == nil {
			return nil
		}
		if attempt == attempts {
			break
		}
		select {
		case <-ctx.Done():
			return errors.Join(err, ctx.Err())
		case <-time.After(time.Duration(attempt) * d.Backoff):
		}
	}
	return err
}

// LogSink writes reminders to the log. It stands in for a webhook when
// none is configured.
type LogSink struct{ Logger *slog.Logger }

func (s LogSink) Remind(_ context.Context, r Reminder) error {
	s.Logger.Info("reminder",
		slog.String("student", r.Email),
		slog.String("name", r.Name),
		slog.String("block", r.Block.String()),
		slog.Time("due", r.Due))
	return nil
}
