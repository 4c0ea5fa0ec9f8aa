// Package logger provides the structured, levelled logger used across the
// boot migrator, built on log/slog.
//
// The orchestrator takes a *slog.Logger by injection (build one with New),
// so tests can capture or silence output. The package-level helpers write
// through a default logger configured from the environment:
//
//	logger.Info("migrations applied", "app", "shop", "count", 3)
//	// → time=... level=INFO msg="migrations applied" app=shop count=3
package logger

import (
	"io"
	"log/slog"
	"os"

	"github.com/shashiranjanraj/bootmigrate/config"
)

var L *slog.Logger

func init() {
	L = New(os.Stdout, config.Debug())
	slog.SetDefault(L)
}

// New builds a logger writing to w. In production APP_ENV the handler is
// JSON for log aggregators, otherwise human-readable text. debug lowers
// the level from Info to Debug.
func New(w io.Writer, debug bool) *slog.Logger {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}

	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	switch config.AppEnv() {
	case "production", "prod":
		handler = slog.NewJSONHandler(w, opts)
	default:
		handler = slog.NewTextHandler(w, opts)
	}

	return slog.New(handler)
}

// Discard returns a logger that drops everything. Handy for embedders that
// want the migrator fully silent; the functional result is identical.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// Debug logs at DEBUG level through the default logger.
func Debug(msg string, args ...any) { L.Debug(msg, args...) }

// Info logs at INFO level through the default logger.
func Info(msg string, args ...any) { L.Info(msg, args...) }

// Warn logs at WARN level through the default logger.
func Warn(msg string, args ...any) { L.Warn(msg, args...) }

// Error logs at ERROR level through the default logger.
func Error(msg string, args ...any) { L.Error(msg, args...) }
