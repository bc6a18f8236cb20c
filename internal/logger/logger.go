// Package logger provides structured logging setup using slog.
package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
)

// jobKey is the context key for the job currently being processed.
type jobKey struct{}

type jobFields struct {
	id   int64
	name string
}

// New creates a new structured JSON logger at the given level.
// Unknown levels fall back to info.
func New(level string) *slog.Logger {
	return NewWithWriter(os.Stdout, level)
}

// NewWithWriter is New with an explicit destination.
func NewWithWriter(w io.Writer, level string) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: ParseLevel(level),
	}))
}

// ParseLevel maps debug/info/warn/error to a slog level.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
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

// WithJob returns a new context carrying the job's id and name.
func WithJob(ctx context.Context, id int64, name string) context.Context {
	return context.WithValue(ctx, jobKey{}, jobFields{id: id, name: name})
}

// JobIDFromContext extracts the job id from the context.
func JobIDFromContext(ctx context.Context) (int64, bool) {
	if v, ok := ctx.Value(jobKey{}).(jobFields); ok {
		return v.id, true
	}
	return 0, false
}

// FromContext returns a logger with context fields (job id and name) attached.
func FromContext(ctx context.Context, base *slog.Logger) *slog.Logger {
	if v, ok := ctx.Value(jobKey{}).(jobFields); ok {
		return base.With("job_id", v.id, "job_name", v.name)
	}
	return base
}
