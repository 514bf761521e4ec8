// Package logger sets up structured JSON logging with log/slog and carries
// the current task ID through context.Context.
package logger

import (
	"context"
	"log/slog"
	"os"
	"strings"
)

type ctxKey string

const taskIDKey ctxKey = "task_id"

// Init creates a JSON logger for the given service and installs it as the
// slog default.
func Init(service string, level slog.Level) *slog.Logger {
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	})

	logger := slog.New(handler).With(
		slog.String("service", service),
	)
	slog.SetDefault(logger)

	return logger
}

// ParseLevel maps debug|info|warn|error to a slog level. Unknown values
// fall back to info.
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

// WithTaskID stores a task ID in the context for downstream log lines.
func WithTaskID(ctx context.Context, taskID string) context.Context {
	return context.WithValue(ctx, taskIDKey, taskID)
}

// TaskID extracts the task ID from context. Returns "" if not set.
func TaskID(ctx context.Context) string {
	if v, ok := ctx.Value(taskIDKey).(string); ok {
		return v
	}
	return ""
}

// Attrs returns slog attributes carried by ctx.
// Usage: slog.Info("msg", append(logger.Attrs(ctx), "symbol", s)...)
func Attrs(ctx context.Context) []any {
	tid := TaskID(ctx)
	if tid == "" {
		return nil
	}
	return []any{slog.String("task_id", tid)}
}
