package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"freeblock/internal/checkin"
	"freeblock/internal/reset"
	"freeblock/internal/schedule"
)

// Margins builds the window margin policy.
func (a App) Margins() (schedule.Margins, error) {
	ranges, err := schedule.ParseClockRanges(a.ExtendedRanges)
	if err != nil {
		return schedule.Margins{}, fmt.Errorf("EXTENDED_RANGES: %w", err)
	}
	return schedule.Margins{
		Open:         a.OpenMargin,
		Close:        a.CloseMargin,
		ExtendedOpen: a.ExtendedOpenMargin,
		Extended:     ranges,
	}, nil
}

// Countdown reads COUNTDOWN_TO.
func (a App) Countdown() schedule.Countdown { return schedule.ParseCountdown(a.CountdownTo) }

// Scope reads DEVICE_SCOPE.
func (a App) Scope() checkin.DeviceScope { return checkin.ParseDeviceScope(a.DeviceScope) }

// StartOfSchool parses SCHOOL_START.
func (a App) StartOfSchool() (schedule.TimeOfDay, error) {
	tod, err := schedule.ParseTimeOfDay(a.SchoolStart)
	if err != nil {
		return schedule.TimeOfDay{}, fmt.Errorf("SCHOOL_START: %w", err)
	}
	return tod, nil
}

// Reset builds the reset job configuration.
func (a App) Reset() (reset.Config, error) {
	cfg := reset.DefaultConfig()
	cfg.Spec = a.ResetCron
	cfg.PollInterval = a.ResetPollInterval
	cfg.FetchTimeout = a.RosterTimeout
	cfg.SkipInitial = a.ResetSkipInitial

	months, err := parseMonths(a.ResetSkipMonths)
	if err != nil {
		return cfg, fmt.Errorf("RESET_SKIP_MONTHS: %w", err)
	}
	cfg.SkipMonths = months

	m, d, err := parseMonthDay(a.FullRebuildDate)
	if err != nil {
		return cfg, fmt.Errorf("FULL_REBUILD_DATE: %w", err)
	}
	cfg.FullRebuildMonth, cfg.FullRebuildDay = m, d
	return cfg, nil
}

// parseMonths reads a comma separated list of month numbers.
func parseMonths(s string) ([]time.Month, error) {
	var out []time.Month
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		n, err := strconv.Atoi(part)
		if err != nil || n < 1 || n > 12 {
			return nil, fmt.Errorf("invalid month %q", part)
		}
		out = append(out, time.Month(n))
	}
	return out, nil
}

// parseMonthDay reads "MM-DD".
func parseMonthDay(s string) (time.Month, int, error) {
	t, err := time.Parse("01-02", s)
	if err != nil {
		return 0, 0, fmt.Errorf("want MM-DD, got %q", s)
	}
	return t.Month(), t.Day(), nil
}
