package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"freeblock/internal/attendance"
	"freeblock/internal/auth"
	"freeblock/internal/checkin"
	"freeblock/internal/clock"
	"freeblock/internal/config"
	"freeblock/internal/schedule"
	"freeblock/internal/tokens"
)

var eastern = time.FixedZone("EDT", -4*3600)

type stubResetter struct{ requested int }

func (r *stubResetter) ForceReset(context.Context) (bool, error) { return false, nil }
func (r *stubResetter) RequestReset()                            { r.requested++ }

type stubMedia struct{}

func (stubMedia) Put(_ context.Context, name string, r io.Reader) (string, error) {
	_, _ = io.Copy(io.Discard, r)
	return "https://cdn.example/" + name, nil
}

type testServer struct {
	handler http.Handler
	svc     *attendance.Service
	ledger  *checkin.Ledger
	clock   *clock.FakeClock
	resets  *stubResetter
	cfg     config.App
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	// Wednesday 2025-09-10 09:00, inside the A window.
	c := clock.Fake(time.Date(2025, 9, 10, 9, 0, 0, 0, eastern))
	day, err := schedule.NewSource(nil, schedule.DefaultMargins()).Build(time.Date(2025, 9, 10, 0, 0, 0, 0, eastern), nil)
	if err != nil {
		t.Fatal(err)
	}
	holder := &schedule.Holder{}
	holder.Store(day)
	resolver := schedule.NewResolver(holder, c, schedule.MustTime("08:00"), schedule.CountdownOpen)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ledger := checkin.New(resolver, c, nil, checkin.DeviceScopeWindow, logger)
	if err := ledger.Replace(context.Background(), day, []checkin.Entry{
		{Email: "ada@school.org", ID: "1001", Name: "Ada", Blocks: schedule.SetOf('A', 'E')},
		{Email: "ben@school.org", ID: "1002", Name: "Ben", Blocks: schedule.SetOf('A')},
		{Email: "cy@school.org", Name: "Cy", Senior: true},
	}, true); err != nil {
		t.Fatal(err)
	}

	hash, err := auth.HashPassword("monitor-pw")
	if err != nil {
		t.Fatal(err)
	}
	resets := &stubResetter{}
	svc := attendance.NewService(attendance.Deps{
		Resolver: resolver,
		Rotator:  tokens.NewRotator(c, 5*time.Second),
		Pool:     tokens.NewPool(c, time.Minute),
		Ledger:   ledger,
		Resets:   resets,
		Media:    stubMedia{},
		Clock:    c,
		Logger:   logger,
	})
	cfg := config.App{
		SchoolTZ:      "America/New_York",
		JWTIssuer:     "freeblock-test",
		JWTSigningKey: "test-key",
		AccessTTL:     time.Hour,
	}
	s := &server{
		svc:       svc,
		cfg:       cfg,
		logger:    logger,
		passwords: auth.Passwords{auth.RoleMonitor: hash},
	}
	r := gin.New()
	s.routes(r)
	return &testServer{handler: r, svc: svc, ledger: ledger, clock: c, resets: resets, cfg: cfg}
}

func (ts *testServer) do(t *testing.T, method, path string, body any, bearer string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		rd = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, rd)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	out := map[string]any{}
	if rec.Body.Len() > 0 {
		_ = json.Unmarshal(rec.Body.Bytes(), &out)
	}
	return rec, out
}

func (ts *testServer) staffToken(t *testing.T, role string) string {
	t.Helper()
	tok, _, err := auth.Issue(role, role, ts.cfg.JWTIssuer, ts.cfg.JWTSigningKey, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	return tok
}

func (ts *testServer) sessionToken(t *testing.T) string {
	t.Helper()
	rec, body := ts.do(t, http.MethodGet, "/v1/kiosk/token", nil, ts.staffToken(t, auth.RoleMonitor))
	if rec.Code != http.StatusOK {
		t.Fatalf("kiosk token status = %d", rec.Code)
	}
	kiosk, _ := body["token"].(string)
	rec, body = ts.do(t, http.MethodPost, "/v1/session", map[string]string{"kiosk_token": kiosk}, "")
	if rec.Code != http.StatusCreated {
		t.Fatalf("session status = %d, body = %v", rec.Code, body)
	}
	return body["session_token"].(string)
}

func TestCheckInFlow(t *testing.T) {
	ts := newTestServer(t)

	rec, body := ts.do(t, http.MethodPost, "/v1/checkins", map[string]string{
		"session_token": ts.sessionToken(t),
		"student":       "ada@school.org",
		"device":        "dev-1",
	}, "")
	if rec.Code != http.StatusOK || body["outcome"] != "accepted" || body["block"] != "A" {
		t.Fatalf("status = %d, body = %v", rec.Code, body)
	}

	rec, body = ts.do(t, http.MethodPost, "/v1/checkins", map[string]string{
		"session_token": ts.sessionToken(t),
		"student":       "ben@school.org",
		"device":        "dev-1",
	}, "")
	if rec.Code != http.StatusConflict || body["reason"] != "device_conflict" {
		t.Fatalf("status = %d, body = %v", rec.Code, body)
	}

	rec, body = ts.do(t, http.MethodPost, "/v1/checkins", map[string]string{
		"session_token": ts.sessionToken(t),
		"student":       "nobody@school.org",
		"device":        "dev-2",
	}, "")
	if rec.Code != http.StatusUnprocessableEntity || body["code"] != float64(checkin.ReasonInvalidStudent) {
		t.Fatalf("status = %d, body = %v", rec.Code, body)
	}
}

func TestKioskTokenRequiresStaffLogin(t *testing.T) {
	ts := newTestServer(t)
	rec, body := ts.do(t, http.MethodGet, "/v1/kiosk/token", nil, "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("anonymous kiosk token status = %d", rec.Code)
	}
	if _, leaked := body["token"]; leaked {
		t.Fatalf("token handed to anonymous caller: %v", body)
	}
	rec, _ = ts.do(t, http.MethodGet, "/ws/kiosk", nil, "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("anonymous kiosk stream status = %d", rec.Code)
	}

	rec, body = ts.do(t, http.MethodGet, "/v1/kiosk/token?access_token="+ts.staffToken(t, auth.RoleMonitor), nil, "")
	if rec.Code != http.StatusOK || body["token"] == nil {
		t.Fatalf("query token status = %d, body = %v", rec.Code, body)
	}
}

func TestCheckInRejectsBadTokens(t *testing.T) {
	ts := newTestServer(t)
	rec, _ := ts.do(t, http.MethodPost, "/v1/session", map[string]string{"kiosk_token": "stale"}, "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("session status = %d", rec.Code)
	}
	rec, _ = ts.do(t, http.MethodPost, "/v1/checkins", map[string]string{
		"session_token": "forged",
		"student":       "ada@school.org",
		"device":        "dev-1",
	}, "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("checkin status = %d", rec.Code)
	}
	rec, _ = ts.do(t, http.MethodPost, "/v1/checkins", map[string]string{
		"session_token": ts.sessionToken(t),
		"student":       "ada@school.org",
		"device":        "dev-1",
		"mode":          "teleport",
	}, "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad mode status = %d", rec.Code)
	}
}

func TestVideoCheckIn(t *testing.T) {
	ts := newTestServer(t)
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	_ = mw.WriteField("session_token", ts.sessionToken(t))
	_ = mw.WriteField("student", "1001")
	_ = mw.WriteField("device", "dev-9")
	fw, err := mw.CreateFormFile("video", "clip.webm")
	if err != nil {
		t.Fatal(err)
	}
	_, _ = fw.Write([]byte("frames"))
	_ = mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/v1/checkins/video", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)

	var body map[string]any
	_ = json.Unmarshal(rec.Body.Bytes(), &body)
	if rec.Code != http.StatusOK || body["outcome"] != "accepted" {
		t.Fatalf("status = %d, body = %v", rec.Code, body)
	}
	url, _ := body["media_url"].(string)
	if url == "" {
		t.Fatalf("media_url missing: %v", body)
	}

	monitor := ts.staffToken(t, auth.RoleMonitor)
	rec, _ = ts.do(t, http.MethodGet, "/v1/monitor/windows/A/video?email=ada@school.org", nil, "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("anonymous video status = %d", rec.Code)
	}
	rec, body = ts.do(t, http.MethodGet, "/v1/monitor/windows/A/video?email=ada@school.org", nil, monitor)
	if rec.Code != http.StatusOK || body["media_url"] != url {
		t.Fatalf("video status = %d, body = %v", rec.Code, body)
	}
	rec, body = ts.do(t, http.MethodGet, "/v1/monitor/windows/A/video?email=ben@school.org", nil, monitor)
	if rec.Code != http.StatusNotFound || body["code"] != float64(7) || body["message"] != "No video found for student." {
		t.Fatalf("missing video status = %d, body = %v", rec.Code, body)
	}
	rec, _ = ts.do(t, http.MethodGet, "/v1/monitor/windows/A/video", nil, monitor)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("no email status = %d", rec.Code)
	}
}

func TestWindowAndSchedule(t *testing.T) {
	ts := newTestServer(t)
	rec, body := ts.do(t, http.MethodGet, "/v1/window", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	cur, _ := body["current"].(map[string]any)
	if cur["block"] != "A" {
		t.Fatalf("current = %v", body["current"])
	}
	rec, body = ts.do(t, http.MethodGet, "/v1/schedule", nil, "")
	if rec.Code != http.StatusOK || body["date"] != "2025-09-10" {
		t.Fatalf("status = %d, body = %v", rec.Code, body)
	}
	if ws, _ := body["windows"].([]any); len(ws) == 0 {
		t.Fatal("no windows")
	}
}

func TestStudentExists(t *testing.T) {
	ts := newTestServer(t)
	_, body := ts.do(t, http.MethodGet, "/v1/students/1002/exists", nil, "")
	if body["exists"] != true {
		t.Fatalf("body = %v", body)
	}
	_, body = ts.do(t, http.MethodGet, "/v1/students/nobody/exists", nil, "")
	if body["exists"] != false {
		t.Fatalf("body = %v", body)
	}
}

func TestMonitorRoutesRequireLogin(t *testing.T) {
	ts := newTestServer(t)
	rec, _ := ts.do(t, http.MethodGet, "/v1/monitor/windows/A", nil, "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("anonymous status = %d", rec.Code)
	}

	rec, _ = ts.do(t, http.MethodPost, "/v1/auth/login", map[string]string{"role": "monitor", "password": "wrong"}, "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("bad password status = %d", rec.Code)
	}
	rec, body := ts.do(t, http.MethodPost, "/v1/auth/login", map[string]string{"role": "monitor", "password": "monitor-pw"}, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("login status = %d, body = %v", rec.Code, body)
	}
	tok := body["access_token"].(string)

	rec, body = ts.do(t, http.MethodPost, "/v1/monitor/checkins", map[string]string{"student": "ben@school.org", "block": "A"}, tok)
	if rec.Code != http.StatusOK || body["outcome"] != "accepted" {
		t.Fatalf("manual status = %d, body = %v", rec.Code, body)
	}

	rec, body = ts.do(t, http.MethodGet, "/v1/monitor/windows/A", nil, tok)
	if rec.Code != http.StatusOK {
		t.Fatalf("roster status = %d", rec.Code)
	}
	students, _ := body["students"].([]any)
	if len(students) != 2 {
		t.Fatalf("students = %v", body["students"])
	}

	rec, _ = ts.do(t, http.MethodGet, "/v1/monitor/windows/Z", nil, tok)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad block status = %d", rec.Code)
	}

	// Monitors cannot reach admin routes.
	rec, _ = ts.do(t, http.MethodPost, "/v1/admin/reset?async=1", nil, tok)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("admin status = %d", rec.Code)
	}
}

func TestAdminReset(t *testing.T) {
	ts := newTestServer(t)
	tok, _, err := auth.Issue("admin", auth.RoleAdmin, ts.cfg.JWTIssuer, ts.cfg.JWTSigningKey, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	rec, _ := ts.do(t, http.MethodPost, "/v1/admin/reset?async=1", nil, tok)
	if rec.Code != http.StatusAccepted || ts.resets.requested != 1 {
		t.Fatalf("status = %d, requested = %d", rec.Code, ts.resets.requested)
	}
	rec, body := ts.do(t, http.MethodPost, "/v1/admin/reset", nil, tok)
	if rec.Code != http.StatusOK || body["reset"] != true {
		t.Fatalf("status = %d, body = %v", rec.Code, body)
	}
}

func TestPrivilegeLogRejectsBadDates(t *testing.T) {
	ts := newTestServer(t)
	tok, _, err := auth.Issue("admin", auth.RoleAdmin, ts.cfg.JWTIssuer, ts.cfg.JWTSigningKey, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	rec, _ := ts.do(t, http.MethodGet, "/v1/monitor/privilege-log?from=yesterday", nil, tok)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
	rec, body := ts.do(t, http.MethodGet, "/v1/monitor/privilege-log?from=2025-09-01&to=2025-09-10", nil, tok)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %v", rec.Code, body)
	}
}

func TestPrivilegeLogDefaultsToToday(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()
	attempt := func(mode checkin.Mode) {
		t.Helper()
		out, err := ts.ledger.Attempt(ctx, checkin.Request{Student: "cy@school.org", Mode: mode, Device: "dev-9"})
		if err != nil || out.Kind != checkin.Accepted {
			t.Fatalf("%v = %+v, %v", mode, out, err)
		}
	}
	ts.clock.Set(time.Date(2025, 9, 9, 11, 0, 0, 0, eastern))
	attempt(checkin.ModePrivilegeCheckOut)
	attempt(checkin.ModePrivilegeCheckIn)
	ts.clock.Set(time.Date(2025, 9, 10, 11, 0, 0, 0, eastern))
	attempt(checkin.ModePrivilegeCheckOut)

	tok := ts.staffToken(t, auth.RoleMonitor)
	rec, body := ts.do(t, http.MethodGet, "/v1/monitor/privilege-log", nil, tok)
	events, _ := body["events"].([]any)
	if rec.Code != http.StatusOK || len(events) != 1 {
		t.Fatalf("status = %d, body = %v", rec.Code, body)
	}
	if ev := events[0].(map[string]any); ev["status"] != "checked_out" {
		t.Fatalf("event = %v", ev)
	}

	_, body = ts.do(t, http.MethodGet, "/v1/monitor/privilege-log?from=2025-09-09", nil, tok)
	if events, _ := body["events"].([]any); len(events) != 2 {
		t.Fatalf("ranged body = %v", body)
	}
}
