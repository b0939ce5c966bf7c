// Package logger provides the process-wide structured logger.
//
// It wraps log/slog with a package-level DefaultLogger whose level is taken from
// the LOG_LEVEL environment variable, plus helpers for candidate-scoped loggers
// used by the monitoring loops.
package logger

import (
	"context"
	"log/slog"
	"os"
	"strings"
)

// DefaultLogger is the global structured logger instance. It is safe for concurrent use.
var DefaultLogger *slog.Logger

func init() {
	DefaultLogger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: ParseLevel(os.Getenv("LOG_LEVEL")),
	}))
}

// ParseLevel maps a textual level to slog.Level. Unknown values yield Info.
func ParseLevel(s string) slog.Level {
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

// SetLevel replaces the default logger with one writing at the given level.
func SetLevel(level slog.Level) {
	DefaultLogger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))
}

// SetJSON switches the default logger to JSON output at the given level.
func SetJSON(level slog.Level) {
	DefaultLogger = slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))
}

// Candidate returns a logger carrying the room and candidate attributes.
func Candidate(roomID, candidateID string) *slog.Logger {
	return DefaultLogger.With("room_id", roomID, "candidate_id", candidateID)
}

func Info(msg string, args ...any) {
	DefaultLogger.Info(msg, args...)
}

func InfoContext(ctx context.Context, msg string, args ...any) {
	DefaultLogger.InfoContext(ctx, msg, args...)
}

func Debug(msg string, args ...any) {
	DefaultLogger.Debug(msg, args...)
}

func Warn(msg string, args ...any) {
	DefaultLogger.Warn(msg, args...)
}

func WarnContext(ctx context.Context, msg string, args ...any) {
	DefaultLogger.WarnContext(ctx, msg, args...)
}

func Error(msg string, args ...any) {
	DefaultLogger.Error(msg, args...)
}

func ErrorContext(ctx context.Context, msg string, args ...any) {
	DefaultLogger.ErrorContext(ctx, msg, args...)
}
