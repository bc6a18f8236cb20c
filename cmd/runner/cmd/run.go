package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"cirunner/internal/config"
	"cirunner/internal/executor"
	"cirunner/internal/logger"
	"cirunner/internal/observability"
	"cirunner/internal/worker"
	"cirunner/internal/worker/runtime"
	"cirunner/internal/workspace"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Poll the CI server and execute jobs",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		viper.BindPFlag("once", cmd.Flags().Lookup("once"))

		cfg, err := config.Load(configPath())
		if err != nil {
			return err
		}
		if err := cfg.RequireCredentials(); err != nil {
			return err
		}

		log := logger.New(cfg.LogLevel)
		slog.SetDefault(log)

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		return runAgent(ctx, cfg, viper.GetBool("once"), log)
	},
}

func init() {
	runCmd.Flags().Bool("once", false, "exit after one job has been processed")
	rootCmd.AddCommand(runCmd)
}

func runAgent(ctx context.Context, cfg config.RunnerConfig, once bool, log *slog.Logger) error {
	if cfg.OTELEndpoint != "" {
		shutdownTracer, err := observability.InitTracer(ctx, observability.RunnerIdentity{
			Name:     cfg.Name,
			Version:  version,
			Executor: cfg.Executor,
		}, cfg.OTELEndpoint)
		if err != nil {
			return err
		}
		defer func() {
			if err := shutdownTracer(context.Background()); err != nil {
				log.Warn("failed to shutdown tracer", "error", err)
			}
		}()
	}

	if cfg.MetricsAddr != "" {
		stopMetrics, err := serveMetrics(cfg.MetricsAddr, log)
		if err != nil {
			return err
		}
		defer stopMetrics()
	}

	metrics, err := observability.NewRunnerMetrics()
	if err != nil {
		return fmt.Errorf("create metrics: %w", err)
	}

	exec, closeRuntime, err := buildExecutor(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeRuntime()

	opts := runnerOptions()
	opts.Logger = log
	opts.Metrics = metrics
	newSession := func() (worker.Session, error) {
		return worker.NewRunner(cfg, opts)
	}

	agent := worker.New(newSession, exec, worker.AgentConfig{
		Once:           once,
		PollInterval:   cfg.PollInterval,
		ReconnectDelay: cfg.ReconnectDelay,
		Logger:         log,
		Metrics:        metrics,
	})

	log.Info("runner started", "name", cfg.Name, "executor", cfg.Executor, "url", cfg.URL, "version", version)
	err = agent.Run(ctx)
	if errors.Is(err, context.Canceled) {
		log.Info("runner stopped")
		return nil
	}
	return err
}

// buildExecutor wires the step runtime for cfg.Executor and the cleanup
// strategies the host supports. The returned func releases the runtime.
func buildExecutor(ctx context.Context, cfg config.RunnerConfig, log *slog.Logger) (*executor.Executor, func(), error) {
	var (
		rt        runtime.Runtime
		docker    *runtime.DockerRuntime
		container bool
		image     string
	)

	switch cfg.Executor {
	case config.ExecutorShell:
		rt = runtime.NewExecRuntime()
		if cfg.CleanupFallbackEnabled() {
			docker = optionalDocker(ctx, log)
		}
	case config.ExecutorDocker:
		d, err := runtime.NewDockerRuntime()
		if err != nil {
			return nil, nil, fmt.Errorf("create docker runtime: %w", err)
		}
		if err := d.Ping(ctx); err != nil {
			d.Close()
			return nil, nil, fmt.Errorf("docker is not reachable: %w", err)
		}
		rt, docker, container, image = d, d, true, cfg.Docker.Image
	default:
		return nil, nil, fmt.Errorf("%w: %q", config.ErrUnknownExecutor, cfg.Executor)
	}

	// A nil *DockerRuntime must not become a non-nil DirRemover.
	var remover workspace.DirRemover
	if docker != nil && cfg.CleanupFallbackEnabled() {
		remover = docker
	}
	cleaner := workspace.NewCleaner(workspace.HostCapabilities(remover, cfg.Docker.CleanupImage), log)

	exec := executor.New(runtime.NewStepRunner(rt, cfg.Shell, image), executor.Options{
		BuildsDir:     cfg.BuildsDir,
		ServerURL:     cfg.URL,
		Container:     container,
		RunnerName:    cfg.Name,
		RunnerVersion: version,
		ExecutorName:  cfg.Executor,
		Cleaner:       cleaner,
		Logger:        log,
	})

	closeRuntime := func() {
		if docker != nil {
			docker.Close()
		}
	}
	return exec, closeRuntime, nil
}

// optionalDocker returns a docker client for the cleanup fallback when a
// daemon is reachable, and nil otherwise.
func optionalDocker(ctx context.Context, log *slog.Logger) *runtime.DockerRuntime {
	d, err := runtime.NewDockerRuntime()
	if err != nil {
		log.Debug("no docker client for cleanup fallback", "error", err)
		return nil
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := d.Ping(pingCtx); err != nil {
		log.Debug("docker daemon unreachable, cleanup fallback disabled", "error", err)
		d.Close()
		return nil
	}
	return d
}

func serveMetrics(addr string, log *slog.Logger) (func(), error) {
	handler, shutdownMetrics, err := observability.InitMetrics()
	if err != nil {
		return nil, err
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", handler)
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		log.Info("metrics listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics server error", "error", err)
		}
	}()

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
		if err := shutdownMetrics(ctx); err != nil {
			log.Warn("failed to shutdown metrics", "error", err)
		}
	}, nil
}
