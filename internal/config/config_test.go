package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// clearEnv isolates tests from the developer's environment.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"CI_SERVER_URL", "RUNNER_TOKEN", "RUNNER_NAME", "RUNNER_EXECUTOR", "RUNNER_SHELL",
		"RUNNER_BUILDS_DIR", "RUNNER_METRICS_ADDR", "OTEL_EXPORTER_OTLP_ENDPOINT",
		"RUNNER_LOG_LEVEL", "RUNNER_DOCKER_CLEANUP_IMAGE", "RUNNER_POLL_INTERVAL",
		"RUNNER_RECONNECT_DELAY", "RUNNER_REQUEST_TIMEOUT",
	} {
		t.Setenv(k, "")
	}
}

func TestLoad_DefaultValues(t *testing.T) {
	clearEnv(t)

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Executor != ExecutorShell {
		t.Errorf("expected Executor shell, got %s", cfg.Executor)
	}
	if cfg.Shell != "sh" {
		t.Errorf("expected Shell sh, got %s", cfg.Shell)
	}
	if cfg.PollInterval != 40*time.Second {
		t.Errorf("expected PollInterval 40s, got %v", cfg.PollInterval)
	}
	if cfg.ReconnectDelay != 10*time.Second {
		t.Errorf("expected ReconnectDelay 10s, got %v", cfg.ReconnectDelay)
	}
	if cfg.BuildsDir != DefaultBuildsDir() {
		t.Errorf("expected BuildsDir %s, got %s", DefaultBuildsDir(), cfg.BuildsDir)
	}
	if cfg.Docker.CleanupImage != "alpine:latest" {
		t.Errorf("expected cleanup image alpine:latest, got %s", cfg.Docker.CleanupImage)
	}
	if !cfg.CleanupFallbackEnabled() {
		t.Error("expected cleanup fallback enabled by default")
	}
}

func TestLoad_FileValues(t *testing.T) {
	clearEnv(t)

	path := filepath.Join(t.TempDir(), "config.toml")
	content := `
url = "https://ci.example.com/"
token = "runner-token"
executor = "docker"
shell = "bash"
builds_dir = "/srv/builds"
poll_interval = "5s"

[docker]
image = "debian:12"
cleanup_fallback = false
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.URL != "https://ci.example.com" {
		t.Errorf("expected trailing slash trimmed, got %s", cfg.URL)
	}
	if cfg.Token != "runner-token" {
		t.Errorf("expected token from file, got %s", cfg.Token)
	}
	if cfg.Executor != ExecutorDocker {
		t.Errorf("expected docker executor, got %s", cfg.Executor)
	}
	if cfg.PollInterval != 5*time.Second {
		t.Errorf("expected PollInterval 5s, got %v", cfg.PollInterval)
	}
	if cfg.Docker.Image != "debian:12" {
		t.Errorf("expected docker image debian:12, got %s", cfg.Docker.Image)
	}
	if cfg.CleanupFallbackEnabled() {
		t.Error("expected cleanup fallback disabled")
	}
}

func TestLoad_EnvVarOverrides(t *testing.T) {
	clearEnv(t)

	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(`url = "https://file"`+"\n"+`token = "file-token"`), 0o600); err != nil {
		t.Fatal(err)
	}

	t.Setenv("CI_SERVER_URL", "https://env")
	t.Setenv("RUNNER_TOKEN", "env-token")
	t.Setenv("RUNNER_POLL_INTERVAL", "2s")
	t.Setenv("RUNNER_BUILDS_DIR", "/tmp/jobs")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.URL != "https://env" {
		t.Errorf("expected URL from env, got %s", cfg.URL)
	}
	if cfg.Token != "env-token" {
		t.Errorf("expected token from env, got %s", cfg.Token)
	}
	if cfg.PollInterval != 2*time.Second {
		t.Errorf("expected PollInterval 2s, got %v", cfg.PollInterval)
	}
	if cfg.BuildsDir != "/tmp/jobs" {
		t.Errorf("expected BuildsDir /tmp/jobs, got %s", cfg.BuildsDir)
	}
}

func TestLoad_InvalidDuration(t *testing.T) {
	clearEnv(t)
	t.Setenv("RUNNER_POLL_INTERVAL", "soon")

	if _, err := Load(""); err == nil {
		t.Error("expected error for invalid RUNNER_POLL_INTERVAL")
	}
}

func TestLoad_UnknownExecutorIsFatal(t *testing.T) {
	clearEnv(t)
	t.Setenv("RUNNER_EXECUTOR", "kubernetes")

	_, err := Load("")
	if !errors.Is(err, ErrUnknownExecutor) {
		t.Fatalf("expected ErrUnknownExecutor, got %v", err)
	}
}

func TestRequireCredentials(t *testing.T) {
	tests := []struct {
		name    string
		cfg     RunnerConfig
		wantErr bool
	}{
		{"complete", RunnerConfig{URL: "https://ci", Token: "t"}, false},
		{"missing url", RunnerConfig{Token: "t"}, true},
		{"missing token", RunnerConfig{URL: "https://ci"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.RequireCredentials()
			if (err != nil) != tt.wantErr {
				t.Errorf("RequireCredentials() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestSave_RoundTrip(t *testing.T) {
	clearEnv(t)

	path := filepath.Join(t.TempDir(), "nested", "config.toml")
	in := RunnerConfig{
		URL:          "https://ci.example.com",
		Token:        "saved-token",
		Executor:     ExecutorShell,
		Shell:        "bash",
		BuildsDir:    "/srv/builds",
		PollInterval: 15 * time.Second,
	}
	if err := Save(path, in); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("expected 0600 permissions, got %o", perm)
	}

	out, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if out.Token != in.Token || out.Shell != in.Shell || out.PollInterval != in.PollInterval {
		t.Errorf("round trip mismatch: got %+v", out)
	}
}
