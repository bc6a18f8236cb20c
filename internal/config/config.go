// Package config handles the runner identity file and its environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Executor kinds.
const (
	ExecutorShell  = "shell"
	ExecutorDocker = "docker"
)

// ErrUnknownExecutor is fatal at startup.
var ErrUnknownExecutor = errors.New("unknown executor")

// DockerConfig holds settings used only by the docker executor and the container cleanup fallback.
type DockerConfig struct {
	// Default image when the job does not name one.
	Image string `toml:"image"`

	// Image used to force-remove build roots the host cannot delete.
	CleanupImage string `toml:"cleanup_image"`

	// Set to false to never fall back to a container for cleanup.
	CleanupFallback *bool `toml:"cleanup_fallback,omitempty"`
}

// RunnerConfig is the persisted identity of a runner process.
// It is loaded once and treated as immutable afterwards.
type RunnerConfig struct {
	// URL of the CI server (e.g., "https://gitlab.example.com")
	URL string `toml:"url"`

	// Runner authentication token obtained from register
	Token string `toml:"token"`

	// Human readable name reported in the trace header
	Name string `toml:"name"`

	// shell or docker
	Executor string `toml:"executor"`

	// Shell program used to run scripts
	Shell string `toml:"shell"`

	// Root under which every job gets its own build directory
	BuildsDir string `toml:"builds_dir"`

	// Sleep between polls that returned no job
	PollInterval time.Duration `toml:"poll_interval"`

	// Sleep before rebuilding the session after a comms failure
	ReconnectDelay time.Duration `toml:"reconnect_delay"`

	// Timeout for JSON API calls; artifact transfers are unbounded
	RequestTimeout time.Duration `toml:"request_timeout"`

	// Address for the Prometheus /metrics endpoint, empty to disable
	MetricsAddr string `toml:"metrics_addr"`

	// OTLP gRPC collector, empty to disable tracing
	OTELEndpoint string `toml:"otel_endpoint"`

	// debug, info, warn or error
	LogLevel string `toml:"log_level"`

	Docker DockerConfig `toml:"docker"`
}

const (
	defaultPollInterval   = 40 * time.Second
	defaultReconnectDelay = 10 * time.Second
	defaultRequestTimeout = 60 * time.Second
	defaultShell          = "sh"
	defaultDockerImage    = "alpine:latest"
)

// DefaultPath returns the default location of the runner config file.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "config.toml"
	}
	return filepath.Join(home, ".cirunner", "config.toml")
}

// DefaultBuildsDir is used when builds_dir is not set.
func DefaultBuildsDir() string {
	return filepath.Join(os.TempDir(), "cirunner", "builds")
}

// Load reads the config file at path (missing file is not an error),
// applies defaults, then environment overrides.
func Load(path string) (RunnerConfig, error) {
	var cfg RunnerConfig
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if _, err := toml.DecodeFile(path, &cfg); err != nil {
				return RunnerConfig{}, fmt.Errorf("decode %s: %w", path, err)
			}
		}
	}

	if err := applyEnvOverrides(&cfg); err != nil {
		return RunnerConfig{}, err
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return RunnerConfig{}, err
	}
	return cfg, nil
}

func (c *RunnerConfig) applyDefaults() {
	c.URL = strings.TrimRight(c.URL, "/")
	if c.Executor == "" {
		c.Executor = ExecutorShell
	}
	if c.Shell == "" {
		c.Shell = defaultShell
	}
	if c.BuildsDir == "" {
		c.BuildsDir = DefaultBuildsDir()
	}
	if c.PollInterval <= 0 {
		c.PollInterval = defaultPollInterval
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = defaultReconnectDelay
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = defaultRequestTimeout
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Name == "" {
		if host, err := os.Hostname(); err == nil {
			c.Name = host
		}
	}
	if c.Docker.Image == "" {
		c.Docker.Image = defaultDockerImage
	}
	if c.Docker.CleanupImage == "" {
		c.Docker.CleanupImage = defaultDockerImage
	}
}

// Validate rejects configurations the runner cannot start with.
func (c RunnerConfig) Validate() error {
	switch c.Executor {
	case ExecutorShell, ExecutorDocker:
	default:
		return fmt.Errorf("%w: %q (want %s or %s)", ErrUnknownExecutor, c.Executor, ExecutorShell, ExecutorDocker)
	}
	return nil
}

// RequireCredentials is checked before polling; register does not need a token yet.
func (c RunnerConfig) RequireCredentials() error {
	if c.URL == "" {
		return fmt.Errorf("url is required (env: CI_SERVER_URL)")
	}
	if c.Token == "" {
		return fmt.Errorf("token is required (env: RUNNER_TOKEN)")
	}
	return nil
}

// CleanupFallbackEnabled reports whether a container may be used to delete build roots.
func (c RunnerConfig) CleanupFallbackEnabled() bool {
	if c.Docker.CleanupFallback == nil {
		return true
	}
	return *c.Docker.CleanupFallback
}

func applyEnvOverrides(cfg *RunnerConfig) error {
	if v := os.Getenv("CI_SERVER_URL"); v != "" {
		cfg.URL = v
	}
	if v := os.Getenv("RUNNER_TOKEN"); v != "" {
		cfg.Token = v
	}
	if v := os.Getenv("RUNNER_NAME"); v != "" {
		cfg.Name = v
	}
	if v := os.Getenv("RUNNER_EXECUTOR"); v != "" {
		cfg.Executor = v
	}
	if v := os.Getenv("RUNNER_SHELL"); v != "" {
		cfg.Shell = v
	}
	if v := os.Getenv("RUNNER_BUILDS_DIR"); v != "" {
		cfg.BuildsDir = v
	}
	if v := os.Getenv("RUNNER_METRICS_ADDR"); v != "" {
		cfg.MetricsAddr = v
	}
	if v := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); v != "" {
		cfg.OTELEndpoint = v
	}
	if v := os.Getenv("RUNNER_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("RUNNER_DOCKER_CLEANUP_IMAGE"); v != "" {
		cfg.Docker.CleanupImage = v
	}

	durations := []struct {
		env    string
		target *time.Duration
	}{
		{"RUNNER_POLL_INTERVAL", &cfg.PollInterval},
		{"RUNNER_RECONNECT_DELAY", &cfg.ReconnectDelay},
		{"RUNNER_REQUEST_TIMEOUT", &cfg.RequestTimeout},
	}
	for _, d := range durations {
		v := os.Getenv(d.env)
		if v == "" {
			continue
		}
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", d.env, err)
		}
		*d.target = parsed
	}
	return nil
}

// Save writes cfg to path, creating parent directories as needed.
// The file holds the runner token, so permissions are 0600.
func Save(path string, cfg RunnerConfig) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	if err := toml.NewEncoder(f).Encode(cfg); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	return nil
}
