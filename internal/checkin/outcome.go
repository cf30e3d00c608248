package checkin

import (
	"fmt"

	"freeblock/internal/schedule"
)

// Mode is the kind of check-in a client asks for.
type Mode int

const (
	// ModeUnspecified lets the ledger pick ordinary mode for students
	// without privileges. Privileged students must choose.
	ModeUnspecified Mode = iota
	ModeOrdinary
	ModePrivilegeCheckOut
	ModePrivilegeCheckIn
)

// ParseMode accepts the wire names used by the kiosk clients.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "":
		return ModeUnspecified, nil
	case "free_period", "ordinary":
		return ModeOrdinary, nil
	case "sp_check_out":
		return ModePrivilegeCheckOut, nil
	case "sp_check_in":
		return ModePrivilegeCheckIn, nil
	}
	return ModeUnspecified, fmt.Errorf("unknown check-in mode %q", s)
}

func (m Mode) String() string {
	switch m {
	case ModeUnspecified:
		return ""
	case ModeOrdinary:
		return "free_period"
	case ModePrivilegeCheckOut:
		return "sp_check_out"
	case ModePrivilegeCheckIn:
		return "sp_check_in"
	}
	return fmt.Sprintf("Mode(%d)", int(m))
}

// Privileged reports whether m drives the privilege state machine.
func (m Mode) Privileged() bool {
	return m == ModePrivilegeCheckOut || m == ModePrivilegeCheckIn
}

// Reason explains a rejection. Codes are stable and shown to clients.
type Reason int

const (
	ReasonNone             Reason = 0
	ReasonNoWindowOpen     Reason = 1
	ReasonModeRequired     Reason = 2
	ReasonDeviceConflict   Reason = 3
	ReasonInvalidStudent   Reason = 4
	ReasonInvalidWindow    Reason = 6
	ReasonNoVideoFound     Reason = 7
	ReasonHasNotCheckedOut Reason = 8
	ReasonInvalidMedia     Reason = 9
	ReasonNotEligible      Reason = 10
	ReasonInvalidState     Reason = 11
	ReasonResetting        Reason = 12
)

var reasonText = map[Reason]struct{ slug, msg string }{
	ReasonNoWindowOpen:     {"no_window_open", "You don't seem to have a free period right now (you could be past the 10 min margin)."},
	ReasonModeRequired:     {"mode_required", "Since this student has senior privileges, the mode must be specified."},
	ReasonDeviceConflict:   {"device_conflict", "This device has already been used to check in for this period."},
	ReasonInvalidStudent:   {"invalid_student", "Invalid student ID/email - are you sure you're entering it correctly?"},
	ReasonInvalidWindow:    {"invalid_window", "Invalid free block."},
	ReasonNoVideoFound:     {"no_video_found", "No video found for student."},
	ReasonHasNotCheckedOut: {"has_not_checked_out", "You're trying to check back in for senior privileges, but you haven't checked out yet."},
	ReasonInvalidMedia:     {"invalid_media", "We couldn't process your video; try checking in again."},
	ReasonNotEligible:      {"not_eligible", "You don't have senior privileges (see the front office, your form is likely missing)."},
	ReasonInvalidState:     {"invalid_state", "You have already checked out for senior privileges."},
	ReasonResetting:        {"resetting", "The roster is being refreshed; try again in a few seconds."},
}

// Code is the stable numeric code.
func (r Reason) Code() int { return int(r) }

func (r Reason) String() string {
	if t, ok := reasonText[r]; ok {
		return t.slug
	}
	if r == ReasonNone {
		return "none"
	}
	return fmt.Sprintf("reason_%d", int(r))
}

// Message is the human readable explanation.
func (r Reason) Message() string { return reasonText[r].msg }

// Conflict reports whether r belongs to the anti-abuse tier.
func (r Reason) Conflict() bool {
	switch r {
	case ReasonDeviceConflict, ReasonInvalidState, ReasonHasNotCheckedOut:
		return true
	}
	return false
}

// Retryable reports whether the session token that gated a rejected
// attempt should be handed back to the client.
func (r Reason) Retryable() bool {
	switch r {
	case ReasonNoWindowOpen, ReasonModeRequired, ReasonInvalidStudent,
		ReasonInvalidWindow, ReasonNotEligible, ReasonResetting:
		return true
	}
	return false
}

// Kind classifies an Outcome.
type Kind int

const (
	Accepted Kind = iota
	AlreadyDone
	Rejected
)

func (k Kind) String() string {
	switch k {
	case Accepted:
		return "accepted"
	case AlreadyDone:
		return "already_done"
	case Rejected:
		return "rejected"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Outcome is the ledger's decision for one attempt.
type Outcome struct {
	Kind   Kind
	Reason Reason
	Mode   Mode
	// Block is set for ordinary check-ins.
	Block schedule.Block
	// EventID identifies the privilege log entry touched by the attempt.
	EventID string
	Student Student
}

func rejected(r Reason, m Mode) Outcome { return Outcome{Kind: Rejected, Reason: r, Mode: m} }

// Message is the text shown to the student.
func (o Outcome) Message() string {
	if o.Kind == Rejected {
		return o.Reason.Message()
	}
	name := o.Student.Name
	switch o.Mode {
	case ModePrivilegeCheckOut:
		return fmt.Sprintf("%s checked out for senior privileges.", name)
	case ModePrivilegeCheckIn:
		return fmt.Sprintf("%s checked back in from senior privileges.", name)
	}
	if o.Kind == AlreadyDone {
		return fmt.Sprintf("%s is already checked in for free block %s.", name, o.Block)
	}
	return fmt.Sprintf("%s checked in for free block %s.", name, o.Block)
}
