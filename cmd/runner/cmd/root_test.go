package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"cirunner/internal/config"
	"cirunner/internal/logger"
	"cirunner/pkg/api"

	"github.com/spf13/viper"
)

// resetViper clears viper config between tests for isolation
func resetViper() {
	viper.Reset()
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	resetViper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

// clearRunnerEnv keeps the developer's environment out of config.Load.
func clearRunnerEnv(t *testing.T) {
	for _, k := range []string{"CI_SERVER_URL", "RUNNER_TOKEN", "RUNNER_EXECUTOR", "RUNNER_NAME", "RUNNER_CONFIG"} {
		t.Setenv(k, "")
	}
}

func TestRootCommand_HasSubcommands(t *testing.T) {
	want := map[string]bool{"run": false, "register": false, "unregister": false}
	for _, c := range rootCmd.Commands() {
		if _, ok := want[c.Name()]; ok {
			want[c.Name()] = true
		}
	}
	for name, found := range want {
		if !found {
			t.Errorf("expected %q subcommand to be registered", name)
		}
	}
}

func TestExecute_UnknownCommand(t *testing.T) {
	if _, err := execute(t, "unknown-command-xyz"); err == nil {
		t.Error("expected error for unknown command")
	}
}

func TestRootCommand_FlagsFromEnvironment(t *testing.T) {
	clearRunnerEnv(t)
	t.Setenv("RUNNER_TRACE_HTTP", "true")
	t.Setenv("RUNNER_TRACE_FILE", "/tmp/dump.log")

	resetViper()
	initConfig()

	opts := runnerOptions()
	if !opts.TraceHTTP || opts.TraceFile != "/tmp/dump.log" {
		t.Errorf("expected trace options from env, got %+v", opts)
	}
	if opts.Version != version {
		t.Errorf("expected version %s, got %s", version, opts.Version)
	}
}

func TestRegister_SavesToken(t *testing.T) {
	clearRunnerEnv(t)

	var got api.RegisterRunnerRequest
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v4/runners", func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(api.RegisterRunnerResponse{ID: 1, Token: "runner-token"})
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	path := filepath.Join(t.TempDir(), "config.toml")
	out, err := execute(t, "register",
		"--config", path,
		"--url", server.URL+"/",
		"--registration-token", "reg-token",
		"--description", "build box",
		"--tag-list", "linux,docker",
		"--executor", "docker",
	)
	if err != nil {
		t.Fatalf("register failed: %v\n%s", err, out)
	}
	if got.Token != "reg-token" || got.Description != "build box" || got.TagList != "linux,docker" {
		t.Errorf("unexpected registration request %+v", got)
	}
	if got.Info.Executor != "docker" || !got.Info.Features.Image {
		t.Errorf("expected docker capabilities, got %+v", got.Info)
	}

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Token != "runner-token" || cfg.URL != server.URL || cfg.Executor != "docker" {
		t.Errorf("unexpected saved config %+v", cfg)
	}
	if !strings.Contains(out, "Runner registered") {
		t.Errorf("unexpected output %q", out)
	}
}

func TestRegister_RequiresRegistrationToken(t *testing.T) {
	clearRunnerEnv(t)
	path := filepath.Join(t.TempDir(), "config.toml")

	_, err := execute(t, "register", "--config", path, "--url", "http://ci.invalid", "--registration-token=")
	if err == nil || !strings.Contains(err.Error(), "registration-token") {
		t.Errorf("expected missing token error, got %v", err)
	}
}

func TestUnregister_ClearsToken(t *testing.T) {
	clearRunnerEnv(t)

	var revoked string
	mux := http.NewServeMux()
	mux.HandleFunc("DELETE /api/v4/runners", func(w http.ResponseWriter, r *http.Request) {
		var req api.UnregisterRunnerRequest
		json.NewDecoder(r.Body).Decode(&req)
		revoked = req.Token
		w.WriteHeader(http.StatusNoContent)
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	path := filepath.Join(t.TempDir(), "config.toml")
	if err := config.Save(path, config.RunnerConfig{URL: server.URL, Token: "runner-token", Executor: "shell"}); err != nil {
		t.Fatal(err)
	}

	if out, err := execute(t, "unregister", "--config", path); err != nil {
		t.Fatalf("unregister failed: %v\n%s", err, out)
	}
	if revoked != "runner-token" {
		t.Errorf("expected runner-token to be revoked, got %q", revoked)
	}
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Token != "" {
		t.Errorf("expected token removed, got %q", cfg.Token)
	}
}

func TestRun_RequiresCredentials(t *testing.T) {
	clearRunnerEnv(t)
	path := filepath.Join(t.TempDir(), "missing.toml")

	_, err := execute(t, "run", "--config", path)
	if err == nil || !strings.Contains(err.Error(), "url is required") {
		t.Errorf("expected credentials error, got %v", err)
	}
}

func TestRun_UnknownExecutorIsFatal(t *testing.T) {
	clearRunnerEnv(t)
	t.Setenv("RUNNER_EXECUTOR", "podman")
	path := filepath.Join(t.TempDir(), "missing.toml")

	_, err := execute(t, "run", "--config", path)
	if !errors.Is(err, config.ErrUnknownExecutor) {
		t.Errorf("expected ErrUnknownExecutor, got %v", err)
	}
}

func TestBuildExecutor_Shell(t *testing.T) {
	disabled := false
	cfg := config.RunnerConfig{
		Executor:  config.ExecutorShell,
		Shell:     "sh",
		BuildsDir: t.TempDir(),
		Docker:    config.DockerConfig{CleanupFallback: &disabled},
	}

	exec, release, err := buildExecutor(context.Background(), cfg, logger.NewWithWriter(io.Discard, "error"))
	if err != nil {
		t.Fatalf("buildExecutor failed: %v", err)
	}
	defer release()
	if exec == nil {
		t.Fatal("expected an executor")
	}
}

func TestBuildExecutor_UnknownKind(t *testing.T) {
	_, _, err := buildExecutor(context.Background(), config.RunnerConfig{Executor: "vm"}, logger.NewWithWriter(io.Discard, "error"))
	if !errors.Is(err, config.ErrUnknownExecutor) {
		t.Errorf("expected ErrUnknownExecutor, got %v", err)
	}
}
