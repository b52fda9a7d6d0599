// Package logging builds the process slog logger from config.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/agentworkforce/relaysync/internal/config"
)

// New builds the logger, installs it as the slog default and returns it.
func New(cfg *config.Config) *slog.Logger {
	logger := NewWithWriter(os.Stdout, cfg)
	slog.SetDefault(logger)
	return logger
}

// NewWithWriter builds a logger writing to w without touching the default.
func NewWithWriter(w io.Writer, cfg *config.Config) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Logger.Level)}
	var handler slog.Handler
	switch strings.ToUpper(strings.TrimSpace(cfg.Logger.Format)) {
	case "JSON":
		handler = slog.NewJSONHandler(w, opts)
	default:
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler).With(
		slog.String("service", cfg.Service.Name),
		slog.String("env", cfg.Service.Env),
		slog.Int("pid", os.Getpid()),
	)
}

func parseLevel(raw string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(raw)) {
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
