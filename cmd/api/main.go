package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"

	"freeblock/internal/attendance"
	"freeblock/internal/auth"
	"freeblock/internal/checkin"
	"freeblock/internal/clock"
	"freeblock/internal/cloudinary"
	"freeblock/internal/config"
	"freeblock/internal/httpmiddleware"
	"freeblock/internal/metrics"
	"freeblock/internal/notify"
	"freeblock/internal/queue"
	"freeblock/internal/reset"
	"freeblock/internal/roster"
	"freeblock/internal/schedule"
	"freeblock/internal/store"
	"freeblock/internal/tokens"
)

func main() {
	hashPassword := flag.String("hash-password", "", "print a bcrypt hash for a *_PASSWORD_HASH setting and exit")
	flag.Parse()
	if *hashPassword != "" {
		hash, err := auth.HashPassword(*hashPassword)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		fmt.Println(hash)
		return
	}

	cfg := config.Load()
	logger := cfg.Logger()
	slog.SetDefault(logger)

	if cfg.Production() {
		gin.SetMode(gin.ReleaseMode)
	}

	if err := run(cfg, logger); err != nil {
		logger.Error("server failed", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(cfg config.App, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	loc, err := cfg.Location()
	if err != nil {
		return err
	}
	clk := clock.Real(loc)

	var (
		durable checkin.Store
		events  attendance.EventLister
	)
	db, err := store.NewDB(ctx, cfg.DBDriver, cfg.DatabaseURL)
	if err != nil {
		logger.Warn("database not reachable, state is kept in memory only", slog.Any("error", err))
	} else {
		defer db.Close()
		repo := attendance.NewRepository(db.Client, loc)
		if err := repo.Migrate(ctx); err != nil {
			return err
		}
		durable = repo
		events = repo
	}

	redisClient, err := store.NewRedis(cfg.RedisAddr)
	if err != nil {
		return err
	}
	defer redisClient.Close()

	var q queue.Queue
	if cfg.QueueBackend == "memory" {
		mem := queue.NewInMemory(256)
		d := notify.NewDispatcher(reminderSink(cfg, logger), logger.With(slog.String("component", "dispatch")))
		go func() { _ = d.Run(ctx, mem) }()
		q = mem
	} else {
		q = queue.NewRedisQueue(redisClient.Client, queue.ReminderKey)
	}

	margins, err := cfg.Margins()
	if err != nil {
		return err
	}
	schoolStart, err := cfg.StartOfSchool()
	if err != nil {
		return err
	}
	schedules := schedule.NewSource(nil, margins)
	if cfg.ScheduleOverrides != "" {
		if err := loadOverrides(schedules, cfg.ScheduleOverrides, loc); err != nil {
			return err
		}
	}

	holder := &schedule.Holder{}
	resolver := schedule.NewResolver(holder, clk, schoolStart, cfg.Countdown())
	ledger := checkin.New(resolver, clk, durable, cfg.Scope(), logger.With(slog.String("component", "ledger")))
	m := metrics.New(prometheus.DefaultRegisterer)

	reminders := notify.NewScheduler(notify.QueueSink{Queue: q}, clk, cfg.ReminderOffset,
		func(email string, b schedule.Block) bool {
			st, ok := ledger.Lookup(email)
			return ok && st.CheckedIn.Has(b)
		}, logger.With(slog.String("component", "notify")))

	resetCfg, err := cfg.Reset()
	if err != nil {
		return err
	}
	opts := []reset.Option{reset.WithReminders(reminders), reset.WithMetrics(m)}
	if durable != nil {
		opts = append(opts, reset.WithStore(durable))
	}
	job := reset.New(resetCfg, rosterSource(cfg), schedules, holder, ledger, clk, logger, opts...)

	var media attendance.MediaSink
	if cfg.CloudinaryCloudName != "" && cfg.CloudinaryAPIKey != "" && cfg.CloudinaryAPISecret != "" {
		media = cloudinary.New(cfg.CloudinaryCloudName, cfg.CloudinaryAPIKey, cfg.CloudinaryAPISecret, cfg.CloudinaryFolder)
		logger.Info("cloudinary configured", slog.String("cloud", cfg.CloudinaryCloudName))
	} else {
		logger.Info("cloudinary not configured, video check-ins are stored without media")
	}

	svc := attendance.NewService(attendance.Deps{
		Resolver: resolver,
		Rotator:  tokens.NewRotator(clk, cfg.KioskTokenInterval),
		Pool:     tokens.NewPool(clk, cfg.SessionTokenTTL),
		Ledger:   ledger,
		Resets:   job,
		Media:    media,
		Events:   events,
		Clock:    clk,
		Metrics:  m,
		Logger:   logger,
	})

	if err := job.Start(ctx); err != nil {
		return err
	}
	defer job.Stop()

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(gin.LoggerWithConfig(gin.LoggerConfig{
		SkipPaths: []string{"/healthz", "/metrics"},
	}))
	r.Use(cors.New(cors.Config{
		AllowOrigins:  []string{"*"},
		AllowMethods:  []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposeHeaders: []string{"Retry-After"},
		MaxAge:        24 * time.Hour,
	}))
	r.Use(securityHeaders())
	r.Use(httpmiddleware.NewTokenBucket(cfg.RateLimitPerMin, cfg.RateLimitPerMin).GinMiddleware())

	s := &server{
		svc:    svc,
		cfg:    cfg,
		logger: logger,
		passwords: auth.Passwords{
			auth.RoleAdmin:   cfg.AdminPasswordHash,
			auth.RoleMonitor: cfg.MonitorPasswordHash,
		},
		health: func(ctx context.Context) gin.H {
			return gin.H{"db": db.Healthy(ctx), "redis": redisClient.Healthy(ctx)}
		},
	}
	s.routes(r)

	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 2 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting server", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	logger.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("server forced shutdown", slog.Any("error", err))
	}
	return nil
}

func rosterSource(cfg config.App) roster.Source {
	if cfg.RosterSource == "sky" {
		return roster.NewSkyClient(cfg.RosterBaseURL, cfg.RosterAccessToken, cfg.RosterSubscriptionKey,
			cfg.RosterLevelNum, cfg.RosterStudentRole, cfg.RosterTimeout)
	}
	return roster.FileSource{Path: cfg.RosterFile}
}

func reminderSink(cfg config.App, logger *slog.Logger) notify.Sink {
	if cfg.NotifyWebhookURL != "" {
		return notify.NewWebhook(cfg.NotifyWebhookURL)
	}
	return notify.LogSink{Logger: logger}
}

func loadOverrides(src *schedule.Source, path string, loc *time.Location) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("schedule overrides: %w", err)
	}
	defer f.Close()
	return src.LoadOverrides(f, loc)
}

func securityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")
		if gin.Mode() == gin.ReleaseMode {
			c.Header("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}
		c.Next()
	}
}
