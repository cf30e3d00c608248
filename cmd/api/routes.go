package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"freeblock/internal/attendance"
	"freeblock/internal/auth"
	"freeblock/internal/checkin"
	"freeblock/internal/config"
	"freeblock/internal/kioskws"
	"freeblock/internal/schedule"
	"freeblock/internal/tokens"
)

const maxVideoBytes = 64 << 20

type server struct {
	svc       *attendance.Service
	cfg       config.App
	passwords auth.Passwords
	logger    *slog.Logger
	health    func(ctx context.Context) gin.H
}

func (s *server) routes(r *gin.Engine) {
	requireMonitor := auth.RequireRole(s.cfg.JWTSigningKey, s.cfg.JWTIssuer, auth.RoleMonitor)

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/healthz", s.healthz)
	// Kiosk displays run under a staff login.
	r.GET("/ws/kiosk", requireMonitor, kioskws.Handler(s.svc, s.logger))

	v1 := r.Group("/v1")
	v1.GET("/status", s.status)
	v1.GET("/window", s.window)
	v1.GET("/schedule", s.schedule)
	v1.GET("/kiosk/token", requireMonitor, s.kioskToken)
	v1.POST("/session", s.session)
	v1.POST("/checkins", s.checkIn)
	v1.POST("/checkins/video", s.videoCheckIn)
	v1.GET("/students/:id/exists", s.studentExists)
	v1.POST("/auth/login", s.login)

	monitor := v1.Group("/monitor", requireMonitor)
	monitor.POST("/checkins", s.manualCheckIn)
	monitor.GET("/windows/:block", s.windowRoster)
	monitor.GET("/windows/:block/video", s.video)
	monitor.GET("/seniors", s.seniors)
	monitor.GET("/privilege-log", s.privilegeLog)

	admin := v1.Group("/admin", auth.RequireRole(s.cfg.JWTSigningKey, s.cfg.JWTIssuer, auth.RoleAdmin))
	admin.POST("/reset", s.forceReset)
	admin.POST("/privileges", s.setPrivileges)
	admin.DELETE("/privilege-log", s.clearPrivilegeLog)
}

func (s *server) healthz(c *gin.Context) {
	// Backends are optional; a failed one degrades the report.
	body := gin.H{"status": "ok", "is_resetting": s.svc.Resetting()}
	if s.health != nil {
		for k, v := range s.health(c.Request.Context()) {
			body[k] = v
			if ok, _ := v.(bool); !ok {
				body["status"] = "degraded"
			}
		}
	}
	c.JSON(http.StatusOK, body)
}

func (s *server) status(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"is_resetting": s.svc.Resetting()})
}

func windowJSON(w schedule.Window) gin.H {
	return gin.H{"block": w.Block.String(), "start": w.Start, "end": w.End, "nominal": w.Nominal}
}

func (s *server) window(c *gin.Context) {
	body := gin.H{"current": nil, "next": nil}
	if w, ok := s.svc.CurrentWindow(); ok {
		body["current"] = windowJSON(w)
	}
	next, ok, until := s.svc.NextWindow()
	if ok {
		body["next"] = windowJSON(next)
	}
	body["seconds_until_next"] = int64(until.Seconds())
	c.JSON(http.StatusOK, body)
}

func (s *server) schedule(c *gin.Context) {
	day := s.svc.Schedule()
	if day == nil {
		c.JSON(http.StatusOK, gin.H{"date": nil, "windows": []gin.H{}})
		return
	}
	windows := make([]gin.H, 0, len(day.Windows))
	for _, w := range day.Windows {
		windows = append(windows, windowJSON(w))
	}
	c.JSON(http.StatusOK, gin.H{"date": day.Date.Format("2006-01-02"), "windows": windows})
}

func (s *server) kioskToken(c *gin.Context) {
	feed := s.svc.KioskToken()
	body := gin.H{"refresh_ms": feed.Refresh.Milliseconds()}
	if feed.Token != "" {
		body["token"] = feed.Token
	}
	if feed.Window != nil {
		body["block"] = feed.Window.Block.String()
	}
	if feed.Next != nil {
		body["next"] = feed.Next.Block.String()
	}
	c.JSON(http.StatusOK, body)
}

func (s *server) session(c *gin.Context) {
	var req struct {
		KioskToken string `json:"kiosk_token" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	tok, err := s.svc.SessionToken(req.KioskToken)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, tokens.ErrInvalidKioskToken) {
			status = http.StatusUnauthorized
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"session_token": tok})
}

type checkInRequest struct {
	SessionToken string `json:"session_token" form:"session_token" binding:"required"`
	Student      string `json:"student" form:"student" binding:"required"`
	Mode         string `json:"mode" form:"mode"`
	Device       string `json:"device" form:"device" binding:"required"`
}

func (s *server) checkIn(c *gin.Context) {
	var req checkInRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	mode, err := checkin.ParseMode(req.Mode)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	res, err := s.svc.AttemptCheckIn(c.Request.Context(), req.SessionToken, req.Student, mode, req.Device)
	s.respond(c, res, err)
}

func (s *server) videoCheckIn(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxVideoBytes)
	var req checkInRequest
	if err := c.ShouldBind(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	mode, err := checkin.ParseMode(req.Mode)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	file, header, err := c.Request.FormFile("video")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "video file required"})
		return
	}
	defer file.Close()
	res, err := s.svc.TentativeCheckIn(c.Request.Context(), req.SessionToken, req.Student, mode, req.Device, header.Filename, file)
	s.respond(c, res, err)
}

func (s *server) manualCheckIn(c *gin.Context) {
	var req struct {
		Student string `json:"student" binding:"required"`
		Mode    string `json:"mode"`
		Block   string `json:"block"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	mode, err := checkin.ParseMode(req.Mode)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	var block schedule.Block
	if req.Block != "" {
		if block, err = schedule.ParseBlock(req.Block); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	res, err := s.svc.ManualCheckIn(c.Request.Context(), req.Student, mode, block)
	s.respond(c, res, err)
}

// respond maps an attempt to HTTP. Rejections carry the reason code and
// message; conflicts get 409 so kiosks can tell them apart.
func (s *server) respond(c *gin.Context, res attendance.Result, err error) {
	switch {
	case errors.Is(err, attendance.ErrInvalidSessionToken):
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
		return
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "check-in could not be saved, try again"})
		return
	}

	body := gin.H{
		"outcome": res.Kind.String(),
		"mode":    res.Mode.String(),
		"message": res.Message(),
	}
	if res.Block != 0 {
		body["block"] = res.Block.String()
	}
	if res.EventID != "" {
		body["event_id"] = res.EventID
	}
	if res.MediaRef != "" {
		body["media_url"] = res.MediaRef
	}
	if res.MediaWarning != "" {
		body["media_warning"] = res.MediaWarning
	}

	status := http.StatusOK
	if res.Kind == checkin.Rejected {
		body["code"] = res.Reason.Code()
		body["reason"] = res.Reason.String()
		switch {
		case res.Reason == checkin.ReasonResetting:
			status = http.StatusServiceUnavailable
			c.Header("Retry-After", "5")
		case res.Reason.Conflict():
			status = http.StatusConflict
		default:
			status = http.StatusUnprocessableEntity
		}
	}
	c.JSON(status, body)
}

func (s *server) studentExists(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"exists": s.svc.StudentExists(c.Param("id"))})
}

func (s *server) login(c *gin.Context) {
	var req struct {
		Role     string `json:"role" binding:"required"`
		Password string `json:"password" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.passwords.Check(req.Role, req.Password); err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
		return
	}
	tok, exp, err := auth.Issue(req.Role, req.Role, s.cfg.JWTIssuer, s.cfg.JWTSigningKey, s.cfg.AccessTTL)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token issue failed"})
		return
	}
	s.logger.Info("staff login", slog.String("role", req.Role), slog.String("ip", c.ClientIP()))
	c.JSON(http.StatusOK, gin.H{"access_token": tok, "expires_at": exp.Unix(), "role": req.Role})
}

func (s *server) windowRoster(c *gin.Context) {
	b, err := schedule.ParseBlock(c.Param("block"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	students := s.svc.WindowRoster(b)
	if students == nil {
		students = []checkin.BlockStatus{}
	}
	c.JSON(http.StatusOK, gin.H{"block": b.String(), "students": students})
}

// video returns the media stored with a tentative check-in.
func (s *server) video(c *gin.Context) {
	b, err := schedule.ParseBlock(c.Param("block"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	email := c.Query("email")
	if email == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "email is required"})
		return
	}
	ref, reason := s.svc.Video(email, b)
	if reason != checkin.ReasonNone {
		c.JSON(http.StatusNotFound, gin.H{"code": reason.Code(), "reason": reason.String(), "message": reason.Message()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"block": b.String(), "email": email, "media_url": ref})
}

func (s *server) seniors(c *gin.Context) {
	seniors := s.svc.Seniors()
	if seniors == nil {
		seniors = []checkin.SeniorStatus{}
	}
	c.JSON(http.StatusOK, gin.H{"seniors": seniors})
}

func (s *server) privilegeLog(c *gin.Context) {
	loc, err := s.cfg.Location()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	var from, to time.Time
	if v := c.Query("from"); v != "" {
		if from, err = time.ParseInLocation("2006-01-02", v, loc); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "from: want YYYY-MM-DD"})
			return
		}
	}
	if v := c.Query("to"); v != "" {
		if to, err = time.ParseInLocation("2006-01-02", v, loc); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "to: want YYYY-MM-DD"})
			return
		}
		to = to.AddDate(0, 0, 1).Add(-time.Nanosecond)
	}
	events := s.svc.PrivilegeLog(c.Request.Context(), from, to)
	out := make([]gin.H, 0, len(events))
	for _, ev := range events {
		out = append(out, gin.H{
			"id":             ev.ID,
			"email":          ev.Email,
			"name":           ev.Name,
			"status":         ev.Status(),
			"check_out_date": ev.CheckedOutAt,
			"check_in_date":  ev.CheckedInAt,
			"media":          ev.Media,
		})
	}
	c.JSON(http.StatusOK, gin.H{"events": out})
}

// audit logs an admin action with the caller's subject.
func (s *server) audit(c *gin.Context, action string, attrs ...any) {
	actor := "unknown"
	if claims, ok := auth.ClaimsFrom(c); ok {
		actor = claims.Subject
	}
	s.logger.Info(action, append([]any{slog.String("actor", actor)}, attrs...)...)
}

func (s *server) forceReset(c *gin.Context) {
	s.audit(c, "reset requested", slog.Bool("async", c.Query("async") == "1"))
	if c.Query("async") == "1" {
		s.svc.RequestReset()
		c.JSON(http.StatusAccepted, gin.H{"requested": true})
		return
	}
	shared, err := s.svc.ForceReset(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"reset": true, "shared": shared})
}

func (s *server) setPrivileges(c *gin.Context) {
	var req struct {
		Target  string `json:"target" binding:"required"`
		Enabled *bool  `json:"enabled" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s.audit(c, "privileges changed", slog.String("target", req.Target), slog.Bool("enabled", *req.Enabled))
	changed, err := s.svc.SetPrivilegeEnabled(c.Request.Context(), req.Target, *req.Enabled)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"changed": changed})
}

func (s *server) clearPrivilegeLog(c *gin.Context) {
	s.audit(c, "privilege log cleared")
	if err := s.svc.ClearPrivilegeLog(c.Request.Context()); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}
