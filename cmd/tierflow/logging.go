package main

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/mtzanidakis/tierflow/internal/config"
)

// setupLogging installs the default logger and returns its level so config
// reloads can change it.
func setupLogging(cfg config.LogConfig) *slog.LevelVar {
	level := new(slog.LevelVar)
	level.Set(parseLevel(cfg.Level))
	slog.SetDefault(slog.New(newLogHandler(os.Stderr, cfg.Format, level)))
	return level
}

func newLogHandler(w io.Writer, format string, level slog.Leveler) slog.Handler {
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(format, "json") {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
