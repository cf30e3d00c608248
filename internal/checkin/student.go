package checkin

import (
	"strings"
	"time"

	"freeblock/internal/schedule"
)

// PrivilegeState is a student's position in the senior privilege state
// machine.
type PrivilegeState int

const (
	PrivilegeNotAvailable PrivilegeState = iota
	PrivilegeAvailable
	PrivilegeCheckedOut
)

func (p PrivilegeState) String() string {
	switch p {
	case PrivilegeAvailable:
		return "available"
	case PrivilegeCheckedOut:
		return "checked_out"
	}
	return "not_available"
}

// ParsePrivilegeState is the inverse of String. Unknown values map to
// PrivilegeNotAvailable.
func ParsePrivilegeState(s string) PrivilegeState {
	switch s {
	case "available":
		return PrivilegeAvailable
	case "checked_out":
		return PrivilegeCheckedOut
	}
	return PrivilegeNotAvailable
}

// CanonicalEmail lowercases and trims an email so lookups are
// case-insensitive.
func CanonicalEmail(s string) string { return strings.ToLower(strings.TrimSpace(s)) }

// Student is a roster entry plus today's check-in state.
type Student struct {
	Email string `json:"email"`
	// ID is the roster's numeric identifier, if known.
	ID   string `json:"id,omitempty"`
	Name string `json:"name"`
	// Senior marks privilege eligibility from the roster, before bans.
	Senior    bool              `json:"senior"`
	Eligible  schedule.BlockSet `json:"-"`
	CheckedIn schedule.BlockSet `json:"-"`
	// Tentative blocks are checked in with media awaiting review.
	Tentative       schedule.BlockSet `json:"-"`
	Media           MediaRefs         `json:"-"`
	Privilege       PrivilegeState    `json:"-"`
	PrivilegeDevice string            `json:"-"`
}

// MediaRefs holds one stored media reference per block.
type MediaRefs [len(schedule.Letters)]string

// Get returns the reference for b, or "".
func (m MediaRefs) Get(b schedule.Block) string {
	if !b.Valid() {
		return ""
	}
	return m[b-'A']
}

// Set records ref for b. Invalid blocks are ignored.
func (m *MediaRefs) Set(b schedule.Block, ref string) {
	if b.Valid() {
		m[b-'A'] = ref
	}
}

// DeviceRecord tracks what a device fingerprint has been used for today.
type DeviceRecord struct {
	Fingerprint string
	Blocks      schedule.BlockSet
	// PrivilegeHolder is the student whose privilege session this device
	// opened, cleared when that student checks back in.
	PrivilegeHolder string
}

// PrivilegeEvent is one check-out, closed by the matching check-in.
type PrivilegeEvent struct {
	ID           string     `json:"id"`
	Email        string     `json:"email"`
	Name         string     `json:"name"`
	Device       string     `json:"-"`
	CheckedOutAt time.Time  `json:"check_out_date"`
	CheckedInAt  *time.Time `json:"check_in_date,omitempty"`
	Media        string     `json:"media,omitempty"`
}

// Status renders the admin status, e.g. "tentative_out" or "checked_in".
func (e PrivilegeEvent) Status() string {
	prefix := "checked"
	if e.Media != "" {
		prefix = "tentative"
	}
	if e.CheckedInAt == nil {
		return prefix + "_out"
	}
	return prefix + "_in"
}
