package checkin

import (
	"context"
	"fmt"
	"sort"
	"time"

	"freeblock/internal/schedule"
)

// Entry is one student as delivered by the roster feed.
type Entry struct {
	Email  string
	ID     string
	Name   string
	Blocks schedule.BlockSet
	Senior bool
}

// BeginReset makes Attempt reject with ReasonResetting until EndReset.
func (l *Ledger) BeginReset() { l.resetting.Store(true) }

// EndReset re-opens the ledger.
func (l *Ledger) EndReset() { l.resetting.Store(false) }

// Resetting reports whether a reset is in progress.
func (l *Ledger) Resetting() bool { return l.resetting.Load() }

// Replace installs a rebuilt roster for day. Check-ins and device records
// are cleared. Unless full is set, students absent from entries keep
// their identity with no eligibility. The new state is persisted before
// it becomes visible; on error nothing changes.
func (l *Ledger) Replace(ctx context.Context, day *schedule.Day, entries []Entry, full bool) error {
	scheduled := day.Blocks()
	next := make(map[string]*Student, len(entries))

	l.mu.RLock()
	if !full {
		for email, st := range l.students {
			next[email] = &Student{Email: email, ID: st.ID, Name: st.Name}
		}
	}
	l.mu.RUnlock()

	for _, e := range entries {
		email := CanonicalEmail(e.Email)
		if email == "" {
			continue
		}
		if missing := e.Blocks &^ scheduled; missing != 0 {
			return fmt.Errorf("roster: %s has block(s) %s not scheduled today", email, missing)
		}
		st, ok := next[email]
		if !ok {
			st = &Student{Email: email}
			next[email] = st
		}
		if e.ID != "" {
			st.ID = e.ID
		}
		if e.Name != "" {
			st.Name = e.Name
		}
		st.Eligible = st.Eligible.Union(e.Blocks)
		st.Senior = st.Senior || e.Senior
		if st.Senior {
			st.Privilege = PrivilegeAvailable
		}
	}

	students := make([]Student, 0, len(next))
	for _, st := range next {
		students = append(students, *st)
	}
	sort.Slice(students, func(i, j int) bool { return students[i].Email < students[j].Email })

	if err := l.store.ReplaceDay(ctx, day, students, full); err != nil {
		return fmt.Errorf("persist roster: %w", err)
	}

	ids := make(map[string]string)
	for _, st := range next {
		if st.ID != "" {
			ids[st.ID] = st.Email
		}
	}
	l.mu.Lock()
	l.students = next
	l.ids = ids
	l.devices = make(map[string]*DeviceRecord)
	l.mu.Unlock()
	return nil
}

// Restore installs a snapshot loaded from the store without writing it
// back.
func (l *Ledger) Restore(s Snapshot) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.students = make(map[string]*Student, len(s.Students))
	l.ids = make(map[string]string)
	for i := range s.Students {
		st := s.Students[i]
		st.Email = CanonicalEmail(st.Email)
		l.students[st.Email] = &st
		if st.ID != "" {
			l.ids[st.ID] = st.Email
		}
	}
	l.devices = make(map[string]*DeviceRecord, len(s.Devices))
	for i := range s.Devices {
		d := s.Devices[i]
		l.devices[d.Fingerprint] = &d
	}
	l.restoreHistoryLocked(s)
}

// RestoreHistory installs the parts of an older day's snapshot that
// outlive the day: known identities, privilege bans and the privilege
// log. Eligibility, check-ins and device records are dropped, so the
// next Replace starts the day clean.
func (l *Ledger) RestoreHistory(s Snapshot) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.students = make(map[string]*Student, len(s.Students))
	l.ids = make(map[string]string)
	for _, st := range s.Students {
		email := CanonicalEmail(st.Email)
		if email == "" {
			continue
		}
		l.students[email] = &Student{Email: email, ID: st.ID, Name: st.Name}
		if st.ID != "" {
			l.ids[st.ID] = email
		}
	}
	l.devices = make(map[string]*DeviceRecord)
	l.restoreHistoryLocked(s)
}

func (l *Ledger) restoreHistoryLocked(s Snapshot) {
	l.events = append([]PrivilegeEvent(nil), s.Events...)
	l.bans = make(map[string]struct{}, len(s.Bans))
	for _, b := range s.Bans {
		l.bans[CanonicalEmail(b)] = struct{}{}
	}
}

// Lookup finds a student by email or roster ID.
func (l *Ledger) Lookup(emailOrID string) (Student, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	st, ok := l.lookupLocked(emailOrID)
	if !ok {
		return Student{}, false
	}
	return *st, true
}

// Students returns every student, ordered by email.
func (l *Ledger) Students() []Student {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Student, 0, len(l.students))
	for _, st := range l.students {
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Email < out[j].Email })
	return out
}

// BlockStatus is a student's state for one window.
type BlockStatus struct {
	Name   string `json:"name"`
	Email  string `json:"email"`
	Status string `json:"status"`
	Media  string `json:"media,omitempty"`
}

// WindowRoster lists the students eligible for block b with their status:
// "nothing", "tentative" or "checked_in".
func (l *Ledger) WindowRoster(b schedule.Block) []BlockStatus {
	var out []BlockStatus
	for _, st := range l.Students() {
		if !st.Eligible.Has(b) {
			continue
		}
		status := "nothing"
		switch {
		case st.Tentative.Has(b):
			status = "tentative"
		case st.CheckedIn.Has(b):
			status = "checked_in"
		}
		out = append(out, BlockStatus{Name: st.Name, Email: st.Email, Status: status, Media: st.Media.Get(b)})
	}
	return out
}

// Video returns the media stored with a student's tentative check-in for
// block b. The reason is ReasonInvalidStudent or ReasonNoVideoFound when
// there is none.
func (l *Ledger) Video(student string, b schedule.Block) (string, Reason) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	st, ok := l.lookupLocked(student)
	if !ok {
		return "", ReasonInvalidStudent
	}
	ref := st.Media.Get(b)
	if ref == "" {
		return "", ReasonNoVideoFound
	}
	return ref, ReasonNone
}

// SeniorStatus reports whether a senior currently has privileges.
type SeniorStatus struct {
	Name         string `json:"name"`
	Email        string `json:"email"`
	HasPrivilege bool   `json:"has_sp"`
}

// Seniors lists students the roster marks as seniors.
func (l *Ledger) Seniors() []SeniorStatus {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []SeniorStatus
	for _, st := range l.students {
		if !st.Senior {
			continue
		}
		out = append(out, SeniorStatus{Name: st.Name, Email: st.Email, HasPrivilege: l.privilegedLocked(st)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Email < out[j].Email })
	return out
}

// SetPrivilegeEnabled lifts or imposes a privilege ban on target, an
// email or EveryoneKeyword. Enabling everyone clears all bans; disabling
// everyone replaces them with a single blanket ban. It reports whether
// anything changed.
func (l *Ledger) SetPrivilegeEnabled(ctx context.Context, target string, enabled bool) (bool, error) {
	target = CanonicalEmail(target)
	if target == "" {
		target = EveryoneKeyword
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	next := make(map[string]struct{}, len(l.bans)+1)
	for b := range l.bans {
		next[b] = struct{}{}
	}
	switch {
	case enabled && target == EveryoneKeyword:
		next = map[string]struct{}{}
	case enabled:
		if _, ok := next[target]; !ok {
			return false, nil
		}
		delete(next, target)
	case target == EveryoneKeyword:
		next = map[string]struct{}{EveryoneKeyword: {}}
	default:
		next[target] = struct{}{}
	}

	list := make([]string, 0, len(next))
	for b := range next {
		list = append(list, b)
	}
	sort.Strings(list)
	if err := l.store.SaveBans(ctx, list); err != nil {
		return false, fmt.Errorf("persist privilege bans: %w", err)
	}
	l.bans = next
	return true, nil
}

// PrivilegeLog returns privilege events whose check-out falls in
// [from, to]. Zero bounds are open.
func (l *Ledger) PrivilegeLog(from, to time.Time) []PrivilegeEvent {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []PrivilegeEvent
	for _, ev := range l.events {
		if !from.IsZero() && ev.CheckedOutAt.Before(from) {
			continue
		}
		if !to.IsZero() && ev.CheckedOutAt.After(to) {
			continue
		}
		out = append(out, ev)
	}
	return out
}

// ClearPrivilegeLog drops events checked out before the given instant.
func (l *Ledger) ClearPrivilegeLog(ctx context.Context, before time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.store.DeleteEventsBefore(ctx, before); err != nil {
		return fmt.Errorf("clear privilege log: %w", err)
	}
	kept := l.events[:0]
	for _, ev := range l.events {
		if !ev.CheckedOutAt.Before(before) {
			kept = append(kept, ev)
		}
	}
	l.events = kept
	return nil
}

// AttachMedia records a stored media reference against an accepted
// outcome, marking it tentative.
func (l *Ledger) AttachMedia(ctx context.Context, out Outcome, ref string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	cur, ok := l.students[out.Student.Email]
	if !ok {
		return fmt.Errorf("attach media: unknown student %s", out.Student.Email)
	}
	change := Change{Student: *cur}
	if out.Mode.Privileged() {
		found := false
		for _, ev := range l.events {
			if ev.ID == out.EventID {
				ev.Media = ref
				change.Event = &ev
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("attach media: unknown privilege event %s", out.EventID)
		}
	} else {
		change.Student.Tentative = change.Student.Tentative.Add(out.Block)
		change.Student.Media.Set(out.Block, ref)
	}
	if err := l.store.SaveChange(ctx, change); err != nil {
		return fmt.Errorf("persist media for %s: %w", cur.Email, err)
	}
	l.commitLocked(change)
	return nil
}
