package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"freeblock/internal/config"
	"freeblock/internal/notify"
	"freeblock/internal/queue"
	"freeblock/internal/store"
)

// Worker drains the Redis reminder queue and delivers each reminder
// through the configured webhook, or logs it when none is set.
func main() {
	cfg := config.Load()
	logger := cfg.Logger().With(slog.String("component", "worker"))
	slog.SetDefault(logger)

	if cfg.QueueBackend == "memory" {
		logger.Info("memory queue configured, reminders are delivered by the api process")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	redisClient, err := store.NewRedis(cfg.RedisAddr)
	if err != nil {
		logger.Error("redis config invalid", slog.Any("error", err))
		os.Exit(1)
	}
	defer redisClient.Close()
	if !redisClient.Healthy(ctx) {
		logger.Warn("redis not reachable yet, consumer will keep retrying", slog.String("addr", cfg.RedisAddr))
	}

	logger.Info("worker started, waiting for reminders")
	d := notify.NewDispatcher(reminderSink(cfg, logger), logger)
	if err := d.Run(ctx, queue.NewRedisQueue(redisClient.Client, queue.ReminderKey)); err != nil {
		logger.Error("queue consume failed", slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("worker stopped")
}

func reminderSink(cfg config.App, logger *slog.Logger) notify.Sink {
	if cfg.NotifyWebhookURL != "" {
		logger.Info("delivering reminders by webhook")
		return notify.NewWebhook(cfg.NotifyWebhookURL)
	}
	return notify.LogSink{Logger: logger}
}
