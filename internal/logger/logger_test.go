package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"
)

func TestWithJob_And_JobIDFromContext(t *testing.T) {
	ctx := context.Background()

	// Initially empty
	if _, ok := JobIDFromContext(ctx); ok {
		t.Error("JobIDFromContext() on empty ctx reported a job")
	}

	// After setting
	ctx = WithJob(ctx, 42, "build")
	if got, ok := JobIDFromContext(ctx); !ok || got != 42 {
		t.Errorf("JobIDFromContext() = %v, %v, want 42, true", got, ok)
	}
}

func TestFromContext_AttachesJobFields(t *testing.T) {
	var buf bytes.Buffer
	base := NewWithWriter(&buf, "info")

	ctx := WithJob(context.Background(), 7, "test")
	FromContext(ctx, base).Info("hello")

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("log line is not JSON: %v (%s)", err, buf.String())
	}
	if line["job_id"] != float64(7) {
		t.Errorf("expected job_id 7, got %v", line["job_id"])
	}
	if line["job_name"] != "test" {
		t.Errorf("expected job_name test, got %v", line["job_name"])
	}
}

func TestFromContext_WithoutJobReturnsBase(t *testing.T) {
	base := New("info")
	if got := FromContext(context.Background(), base); got != base {
		t.Error("FromContext() without job should return the base logger")
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"INFO":    slog.LevelInfo,
		"warn":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"bogus":   slog.LevelInfo,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestNew_ReturnsLogger(t *testing.T) {
	logger := New("debug")
	if logger == nil {
		t.Error("New() returned nil")
	}
}
