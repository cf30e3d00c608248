package config

import (
	"log/slog"
	"os"
	"strings"
)

// Logger builds the process logger: JSON in production, text otherwise.
func (a App) Logger() *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(a.LogLevel)}
	var handler slog.Handler
	if a.Production() {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}
