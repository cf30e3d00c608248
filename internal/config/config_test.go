package config

import (
	"log/slog"
	"testing"
	"time"

	"freeblock/internal/checkin"
	"freeblock/internal/schedule"
)

func TestLoadDefaults(t *testing.T) {
	for _, k := range []string{"KIOSK_TOKEN_INTERVAL", "REMINDER_OFFSET", "DEVICE_SCOPE", "COUNTDOWN_TO"} {
		t.Setenv(k, "")
	}
	cfg := Load()
	if cfg.KioskTokenInterval != 5*time.Second || cfg.ReminderOffset != 7*time.Minute {
		t.Fatalf("cfg = %+v", cfg)
	}
	if cfg.Scope() != checkin.DeviceScopeWindow || cfg.Countdown() != schedule.CountdownOpen {
		t.Fatal("unexpected defaults for scope or countdown")
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("APP_ENV", "prod")
	t.Setenv("SESSION_TOKEN_TTL", "2m")
	t.Setenv("RESET_SKIP_INITIAL", "yes")
	t.Setenv("RATE_LIMIT_PER_MIN", "30")
	t.Setenv("DEVICE_SCOPE", "session")
	t.Setenv("OPEN_MARGIN", "soon")
	cfg := Load()
	if !cfg.Production() || cfg.SessionTokenTTL != 2*time.Minute || !cfg.ResetSkipInitial || cfg.RateLimitPerMin != 30 {
		t.Fatalf("cfg = %+v", cfg)
	}
	if cfg.OpenMargin != 10*time.Minute {
		t.Fatalf("invalid duration not replaced by fallback: %v", cfg.OpenMargin)
	}
	if cfg.Scope() != checkin.DeviceScopeSession {
		t.Fatal("DEVICE_SCOPE ignored")
	}
}

func TestResetConfig(t *testing.T) {
	cfg := App{ResetCron: "30 5 * * 1-5", ResetSkipMonths: "6, 7,8", FullRebuildDate: "09-03", RosterTimeout: time.Second}
	rc, err := cfg.Reset()
	if err != nil {
		t.Fatal(err)
	}
	if len(rc.SkipMonths) != 3 || rc.SkipMonths[2] != time.August {
		t.Fatalf("skip months = %v", rc.SkipMonths)
	}
	if rc.FullRebuildMonth != time.September || rc.FullRebuildDay != 3 || rc.Spec != "30 5 * * 1-5" {
		t.Fatalf("reset config = %+v", rc)
	}

	cfg.ResetSkipMonths = "13"
	if _, err := cfg.Reset(); err == nil {
		t.Fatal("month 13 accepted")
	}
	cfg.ResetSkipMonths = ""
	cfg.FullRebuildDate = "August 1"
	if _, err := cfg.Reset(); err == nil {
		t.Fatal("bad rebuild date accepted")
	}
}

func TestMargins(t *testing.T) {
	cfg := App{OpenMargin: 10 * time.Minute, CloseMargin: 10 * time.Minute, ExtendedOpenMargin: 30 * time.Minute, ExtendedRanges: "08:30-09:20"}
	m, err := cfg.Margins()
	if err != nil {
		t.Fatal(err)
	}
	if len(m.Extended) != 1 || m.ExtendedOpen != 30*time.Minute {
		t.Fatalf("margins = %+v", m)
	}
	cfg.ExtendedRanges = "late morning"
	if _, err := cfg.Margins(); err == nil {
		t.Fatal("bad range accepted")
	}
}

func TestParseLevel(t *testing.T) {
	if parseLevel("DEBUG") != slog.LevelDebug || parseLevel("bogus") != slog.LevelInfo {
		t.Fatal("level parsing")
	}
}
