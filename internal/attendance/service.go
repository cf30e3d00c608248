package attendance

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"freeblock/internal/checkin"
	"freeblock/internal/clock"
	"freeblock/internal/metrics"
	"freeblock/internal/schedule"
	"freeblock/internal/tokens"
)

// ErrInvalidSessionToken is returned when a session token is unknown,
// expired or already used. The client must repeat the kiosk handshake.
var ErrInvalidSessionToken = errors.New("invalid or expired session token")

// MediaSink stores an uploaded check-in video and returns a reference to
// it.
type MediaSink interface {
	Put(ctx context.Context, name string, media io.Reader) (string, error)
}

// EventLister reads privilege events from durable storage.
type EventLister interface {
	ListEvents(ctx context.Context, from, to time.Time) ([]checkin.PrivilegeEvent, error)
}

// Resetter triggers roster resets.
type Resetter interface {
	ForceReset(ctx context.Context) (shared bool, err error)
	RequestReset()
}

// Result is a ledger outcome plus a non-fatal media warning.
type Result struct {
	checkin.Outcome
	MediaRef     string
	MediaWarning string
}

// KioskFeed is what a kiosk display shows. Token is empty while no window
// is open; Refresh is when the kiosk should poll again.
type KioskFeed struct {
	Token   string
	Refresh time.Duration
	Window  *schedule.Window
	Next    *schedule.Window
}

// Service is the check-in engine facade used by the HTTP layer.
type Service struct {
	resolver *schedule.Resolver
	rotator  *tokens.Rotator
	pool     *tokens.Pool
	ledger   *checkin.Ledger
	resets   Resetter
	media    MediaSink
	events   EventLister
	clock    clock.Clock
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// Deps groups the collaborators of a Service. Media, Events and Metrics
// may be nil. Without Events the privilege log is read from the ledger.
type Deps struct {
	Resolver *schedule.Resolver
	Rotator  *tokens.Rotator
	Pool     *tokens.Pool
	Ledger   *checkin.Ledger
	Resets   Resetter
	Media    MediaSink
	Events   EventLister
	Clock    clock.Clock
	Metrics  *metrics.Metrics
	Logger   *slog.Logger
}

// NewService wires the engine together.
func NewService(d Deps) *Service {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	s := &Service{
		resolver: d.Resolver,
		rotator:  d.Rotator,
		pool:     d.Pool,
		ledger:   d.Ledger,
		resets:   d.Resets,
		media:    d.Media,
		events:   d.Events,
		clock:    d.Clock,
		metrics:  d.Metrics,
		logger:   d.Logger,
	}
	s.ledger.Observe(s.metrics.ObserveOutcome)
	s.rotator.OnRotate(s.metrics.KioskRotated)
	return s
}

// CurrentWindow returns the open window, if any.
func (s *Service) CurrentWindow() (schedule.Window, bool) { return s.resolver.Current() }

// NextWindow returns the next window to open and the time until it does.
func (s *Service) NextWindow() (schedule.Window, bool, time.Duration) { return s.resolver.Next() }

// Schedule returns today's windows. It is nil before the first reset.
func (s *Service) Schedule() *schedule.Day { return s.resolver.Day() }

// Resetting reports whether check-ins are paused for a roster reset.
func (s *Service) Resetting() bool { return s.ledger.Resetting() }

// KioskToken returns the kiosk feed. While no window is open the token
// is withheld and the kiosk is told to come back one interval after the
// next window opens.
func (s *Service) KioskToken() KioskFeed {
	if w, ok := s.resolver.Current(); ok {
		tok := s.rotator.Get()
		return KioskFeed{Token: tok.Value, Refresh: tok.Refresh, Window: &w}
	}
	feed := KioskFeed{}
	next, ok, until := s.resolver.Next()
	if ok {
		feed.Next = &next
	}
	feed.Refresh = until + s.rotator.Interval()
	return feed
}

// SessionToken exchanges a valid kiosk token for a one-time session
// token.
func (s *Service) SessionToken(kioskToken string) (string, error) {
	if !s.rotator.Validate(kioskToken) {
		s.metrics.SessionToken("rejected")
		return "", tokens.ErrInvalidKioskToken
	}
	s.metrics.SessionToken("issued")
	return s.pool.Issue(), nil
}

// AttemptCheckIn consumes sessionToken and runs the attempt through the
// ledger. The token is handed back when the rejection leaves the client
// free to retry, and burned otherwise.
func (s *Service) AttemptCheckIn(ctx context.Context, sessionToken, student string, mode checkin.Mode, device string) (Result, error) {
	claim, ok := s.pool.Consume(sessionToken)
	if !ok {
		return Result{}, ErrInvalidSessionToken
	}
	out, err := s.ledger.Attempt(ctx, checkin.Request{Student: student, Mode: mode, Device: device})
	if err != nil {
		s.pool.Restore(claim)
		s.logger.Error("check-in not persisted", slog.String("student", student), slog.Any("error", err))
		return Result{}, err
	}
	if out.Kind == checkin.Rejected && out.Reason.Retryable() {
		s.pool.Restore(claim)
	}
	return Result{Outcome: out}, nil
}

// TentativeCheckIn is AttemptCheckIn with a video. The video is stored
// only after the ledger accepted the attempt; a storage failure is
// reported as MediaWarning and the check-in stands.
func (s *Service) TentativeCheckIn(ctx context.Context, sessionToken, student string, mode checkin.Mode, device, name string, media io.Reader) (Result, error) {
	res, err := s.AttemptCheckIn(ctx, sessionToken, student, mode, device)
	if err != nil || res.Kind != checkin.Accepted {
		return res, err
	}
	if s.media == nil {
		res.MediaWarning = "video storage is not configured"
		return res, nil
	}
	ref, err := s.media.Put(ctx, mediaName(res.Outcome, name), media)
	if err != nil {
		s.logger.Warn("media upload failed", slog.String("student", res.Student.Email), slog.Any("error", err))
		res.MediaWarning = checkin.ReasonInvalidMedia.Message()
		return res, nil
	}
	if err := s.ledger.AttachMedia(ctx, res.Outcome, ref); err != nil {
		s.logger.Warn("media not recorded", slog.String("student", res.Student.Email), slog.Any("error", err))
		res.MediaWarning = checkin.ReasonInvalidMedia.Message()
		return res, nil
	}
	res.MediaRef = ref
	return res, nil
}

func mediaName(out checkin.Outcome, name string) string {
	if name == "" {
		name = "video"
	}
	tag := out.Mode.String()
	if out.Block != 0 {
		tag = out.Block.String()
	}
	return fmt.Sprintf("%s_%s_%s", out.Student.Email, tag, name)
}

// ManualCheckIn records a check-in made on a monitored kiosk. Each one
// uses a fresh fingerprint, so device records never conflict. A zero
// block means the window open now.
func (s *Service) ManualCheckIn(ctx context.Context, student string, mode checkin.Mode, block schedule.Block) (Result, error) {
	out, err := s.ledger.Attempt(ctx, checkin.Request{
		Student: student,
		Mode:    mode,
		Device:  "manual-" + uuid.NewString(),
		Block:   block,
	})
	if err != nil {
		return Result{}, err
	}
	return Result{Outcome: out}, nil
}

// ForceReset runs a roster reset now.
func (s *Service) ForceReset(ctx context.Context) (bool, error) { return s.resets.ForceReset(ctx) }

// RequestReset asks the background loop to reset soon.
func (s *Service) RequestReset() { s.resets.RequestReset() }

// StudentExists reports whether emailOrID names a student on the roster.
func (s *Service) StudentExists(emailOrID string) bool {
	_, ok := s.ledger.Lookup(emailOrID)
	return ok
}

// WindowRoster lists the students of one window with their status.
func (s *Service) WindowRoster(b schedule.Block) []checkin.BlockStatus { return s.ledger.WindowRoster(b) }

// Seniors lists seniors and whether they hold privileges.
func (s *Service) Seniors() []checkin.SeniorStatus { return s.ledger.Seniors() }

// Video returns the media stored for a student's tentative check-in in
// block b.
func (s *Service) Video(student string, b schedule.Block) (string, checkin.Reason) {
	return s.ledger.Video(student, b)
}

// PrivilegeLog lists privilege events checked out in [from, to]. With
// both bounds zero it lists today's events. A failed storage read falls
// back to the in-memory log.
func (s *Service) PrivilegeLog(ctx context.Context, from, to time.Time) []checkin.PrivilegeEvent {
	if from.IsZero() && to.IsZero() {
		now := s.clock.Now()
		from = time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
		to = from.AddDate(0, 0, 1).Add(-time.Second)
	}
	if s.events != nil {
		events, err := s.events.ListEvents(ctx, from, to)
		if err == nil {
			return events
		}
		s.logger.Warn("privilege log read failed, using memory", slog.Any("error", err))
	}
	return s.ledger.PrivilegeLog(from, to)
}

// ClearPrivilegeLog drops privilege events from before today.
func (s *Service) ClearPrivilegeLog(ctx context.Context) error {
	now := s.clock.Now()
	return s.ledger.ClearPrivilegeLog(ctx, time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location()))
}

// SetPrivilegeEnabled enables or disables privileges for an email or for
// checkin.EveryoneKeyword.
func (s *Service) SetPrivilegeEnabled(ctx context.Context, target string, enabled bool) (bool, error) {
	return s.ledger.SetPrivilegeEnabled(ctx, target, enabled)
}
