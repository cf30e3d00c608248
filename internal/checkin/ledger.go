package checkin

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"freeblock/internal/clock"
	"freeblock/internal/schedule"
)

// EveryoneKeyword targets every student in privilege ban commands.
const EveryoneKeyword = "everyone"

// DeviceScope decides how strictly privilege sessions are bound to the
// device that opened them. Ordinary check-ins are always scoped per
// window.
type DeviceScope int

const (
	// DeviceScopeWindow lets a student check back in from any device.
	DeviceScopeWindow DeviceScope = iota
	// DeviceScopeSession requires check-in from the check-out device.
	DeviceScopeSession
)

// ParseDeviceScope maps "window" and "session".
func ParseDeviceScope(s string) DeviceScope {
	if s == "session" {
		return DeviceScopeSession
	}
	return DeviceScopeWindow
}

// WindowSource reports the open window at an instant.
type WindowSource interface {
	CurrentAt(now time.Time) (schedule.Window, bool)
	Day() *schedule.Day
}

// Request is one check-in attempt.
type Request struct {
	// Student is an email or a roster ID.
	Student string
	Mode    Mode
	Device  string
	// Block, when set, names the window explicitly instead of using the
	// one open now. It must be scheduled today.
	Block schedule.Block
}

// Ledger decides check-in attempts against today's roster. A single
// lock serializes attempts; request volume is a few hundred per window.
type Ledger struct {
	windows WindowSource
	clock   clock.Clock
	store   Store
	scope   DeviceScope
	logger  *slog.Logger
	observe func(Outcome)

	resetting atomic.Bool

	mu       sync.RWMutex
	students map[string]*Student
	ids      map[string]string
	devices  map[string]*DeviceRecord
	events   []PrivilegeEvent
	bans     map[string]struct{}
}

// New creates an empty ledger. A nil store keeps state in memory only.
func New(windows WindowSource, clk clock.Clock, store Store, scope DeviceScope, logger *slog.Logger) *Ledger {
	if store == nil {
		store = nopStore{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{
		windows:  windows,
		clock:    clk,
		store:    store,
		scope:    scope,
		logger:   logger,
		students: make(map[string]*Student),
		ids:      make(map[string]string),
		devices:  make(map[string]*DeviceRecord),
		bans:     make(map[string]struct{}),
	}
}

// Observe registers a hook called with every outcome.
func (l *Ledger) Observe(fn func(Outcome)) { l.observe = fn }

// Attempt evaluates req and commits its state transition atomically. The
// error is non-nil only when the store failed, in which case nothing was
// committed.
func (l *Ledger) Attempt(ctx context.Context, req Request) (Outcome, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	out, change, err := l.decideLocked(req)
	if err != nil {
		return Outcome{}, err
	}
	if change != nil {
		if err := l.store.SaveChange(ctx, *change); err != nil {
			return Outcome{}, fmt.Errorf("persist check-in for %s: %w", change.Student.Email, err)
		}
		l.commitLocked(*change)
	}
	l.report(req, out)
	return out, nil
}

func (l *Ledger) decideLocked(req Request) (Outcome, *Change, error) {
	if l.resetting.Load() {
		return rejected(ReasonResetting, req.Mode), nil, nil
	}
	st, ok := l.lookupLocked(req.Student)
	if !ok {
		return rejected(ReasonInvalidStudent, req.Mode), nil, nil
	}

	mode := req.Mode
	eligible := l.privilegedLocked(st)
	switch {
	case mode == ModeUnspecified && eligible:
		return rejected(ReasonModeRequired, mode), nil, nil
	case mode == ModeUnspecified:
		mode = ModeOrdinary
	case mode.Privileged() && !eligible:
		return rejected(ReasonNotEligible, mode), nil, nil
	}

	now := l.clock.Now()
	switch mode {
	case ModeOrdinary:
		out, change := l.ordinaryLocked(*st, req)
		return out, change, nil
	case ModePrivilegeCheckOut:
		out, change := l.checkOutLocked(*st, req.Device, now)
		return out, change, nil
	case ModePrivilegeCheckIn:
		out, change := l.checkInLocked(*st, req.Device, now)
		return out, change, nil
	}
	return Outcome{}, nil, fmt.Errorf("checkin: unhandled mode %v", mode)
}

func (l *Ledger) ordinaryLocked(st Student, req Request) (Outcome, *Change) {
	var block schedule.Block
	if req.Block != 0 {
		if _, ok := l.windows.Day().Window(req.Block); !ok {
			return rejected(ReasonInvalidWindow, ModeOrdinary), nil
		}
		block = req.Block
	} else {
		w, ok := l.windows.CurrentAt(l.clock.Now())
		if !ok {
			return rejected(ReasonNoWindowOpen, ModeOrdinary), nil
		}
		block = w.Block
	}
	if !st.Eligible.Has(block) {
		return rejected(ReasonNoWindowOpen, ModeOrdinary), nil
	}
	if st.CheckedIn.Has(block) {
		return Outcome{Kind: AlreadyDone, Mode: ModeOrdinary, Block: block, Student: st}, nil
	}

	dev := l.deviceLocked(req.Device)
	if dev.Blocks.Has(block) {
		out := rejected(ReasonDeviceConflict, ModeOrdinary)
		out.Block = block
		return out, nil
	}
	dev.Blocks = dev.Blocks.Add(block)
	st.CheckedIn = st.CheckedIn.Add(block)
	return Outcome{Kind: Accepted, Mode: ModeOrdinary, Block: block, Student: st},
		&Change{Student: st, Device: &dev}
}

func (l *Ledger) checkOutLocked(st Student, device string, now time.Time) (Outcome, *Change) {
	if st.Privilege != PrivilegeAvailable {
		return rejected(ReasonInvalidState, ModePrivilegeCheckOut), nil
	}
	dev := l.deviceLocked(device)
	if holder := dev.PrivilegeHolder; holder != "" && holder != st.Email {
		if other, ok := l.students[holder]; ok && other.Privilege == PrivilegeCheckedOut {
			return rejected(ReasonDeviceConflict, ModePrivilegeCheckOut), nil
		}
	}
	dev.PrivilegeHolder = st.Email
	st.Privilege = PrivilegeCheckedOut
	st.PrivilegeDevice = device
	ev := PrivilegeEvent{
		ID:           uuid.NewString(),
		Email:        st.Email,
		Name:         st.Name,
		Device:       device,
		CheckedOutAt: now,
	}
	return Outcome{Kind: Accepted, Mode: ModePrivilegeCheckOut, EventID: ev.ID, Student: st},
		&Change{Student: st, Device: &dev, Event: &ev}
}

func (l *Ledger) checkInLocked(st Student, device string, now time.Time) (Outcome, *Change) {
	if st.Privilege != PrivilegeCheckedOut {
		return rejected(ReasonHasNotCheckedOut, ModePrivilegeCheckIn), nil
	}
	if l.scope == DeviceScopeSession && st.PrivilegeDevice != "" && device != st.PrivilegeDevice {
		return rejected(ReasonDeviceConflict, ModePrivilegeCheckIn), nil
	}
	change := &Change{}
	if prev, ok := l.devices[st.PrivilegeDevice]; ok && prev.PrivilegeHolder == st.Email {
		released := *prev
		released.PrivilegeHolder = ""
		change.Device = &released
	}
	st.Privilege = PrivilegeAvailable
	st.PrivilegeDevice = ""
	change.Student = st

	out := Outcome{Kind: Accepted, Mode: ModePrivilegeCheckIn, Student: st}
	if i := l.openEventLocked(st.Email); i >= 0 {
		ev := l.events[i]
		at := now
		ev.CheckedInAt = &at
		change.Event = &ev
		out.EventID = ev.ID
	}
	return out, change
}

// deviceLocked returns a copy of the record for fingerprint, or a fresh
// one.
func (l *Ledger) deviceLocked(fingerprint string) DeviceRecord {
	if d, ok := l.devices[fingerprint]; ok {
		return *d
	}
	return DeviceRecord{Fingerprint: fingerprint}
}

func (l *Ledger) openEventLocked(email string) int {
	for i := len(l.events) - 1; i >= 0; i-- {
		if l.events[i].Email == email && l.events[i].CheckedInAt == nil {
			return i
		}
	}
	return -1
}

func (l *Ledger) commitLocked(c Change) {
	st := c.Student
	l.students[st.Email] = &st
	if st.ID != "" {
		l.ids[st.ID] = st.Email
	}
	if c.Device != nil {
		d := *c.Device
		l.devices[d.Fingerprint] = &d
	}
	if c.Event != nil {
		for i := range l.events {
			if l.events[i].ID == c.Event.ID {
				l.events[i] = *c.Event
				return
			}
		}
		l.events = append(l.events, *c.Event)
	}
}

func (l *Ledger) lookupLocked(emailOrID string) (*Student, bool) {
	key := CanonicalEmail(emailOrID)
	if st, ok := l.students[key]; ok {
		return st, true
	}
	if email, ok := l.ids[key]; ok {
		st, ok := l.students[email]
		return st, ok
	}
	return nil, false
}

func (l *Ledger) privilegedLocked(st *Student) bool {
	if st.Privilege == PrivilegeNotAvailable {
		return false
	}
	if _, all := l.bans[EveryoneKeyword]; all {
		return false
	}
	_, banned := l.bans[st.Email]
	return !banned
}

func (l *Ledger) report(req Request, out Outcome) {
	if l.observe != nil {
		l.observe(out)
	}
	attrs := []any{
		slog.String("student", CanonicalEmail(req.Student)),
		slog.String("mode", out.Mode.String()),
		slog.String("device", req.Device),
		slog.String("outcome", out.Kind.String()),
	}
	if out.Block != 0 {
		attrs = append(attrs, slog.String("block", out.Block.String()))
	}
	switch {
	case out.Kind != Rejected:
		l.logger.Info("check-in", attrs...)
	case out.Reason.Conflict():
		l.logger.Warn("check-in conflict", append(attrs, slog.String("reason", out.Reason.String()))...)
	default:
		l.logger.Debug("check-in rejected", append(attrs, slog.String("reason", out.Reason.String()))...)
	}
}
