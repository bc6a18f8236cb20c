// Package worker contains the runner's poll loop and its session with the CI server.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"cirunner/internal/executor"
	"cirunner/internal/logger"
	"cirunner/internal/network"
	"cirunner/internal/observability"
	"cirunner/pkg/api"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Session is what the poll loop needs from a Runner.
type Session interface {
	executor.Server
	Poll(ctx context.Context) (*api.JobResponse, error)
	Success(ctx context.Context, job *api.JobResponse, traceSize int64) error
	Failed(ctx context.Context, job *api.JobResponse, reason api.FailureReason, traceSize int64) error
	Close() error
}

// JobExecutor runs one claimed job.
type JobExecutor interface {
	Run(ctx context.Context, server executor.Server, job *api.JobResponse) executor.Result
}

// AgentConfig holds configuration for the poll loop.
type AgentConfig struct {
	// Once exits after the first job has been processed.
	Once           bool
	PollInterval   time.Duration // Sleep after a poll without work (default: 40s)
	ReconnectDelay time.Duration // Sleep before rebuilding the session (default: 10s)
	Logger         *slog.Logger
	Metrics        *observability.RunnerMetrics
}

// Agent polls for jobs and runs them one at a time.
type Agent struct {
	newSession func() (Session, error)
	exec       JobExecutor
	config     AgentConfig
	logger     *slog.Logger
	done       chan struct{}
}

// New creates an agent. newSession is called at start and again after every
// communication failure so that no connection state survives a fault.
func New(newSession func() (Session, error), exec JobExecutor, config AgentConfig) *Agent {
	if config.PollInterval <= 0 {
		config.PollInterval = 40 * time.Second
	}
	if config.ReconnectDelay <= 0 {
		config.ReconnectDelay = 10 * time.Second
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	return &Agent{
		newSession: newSession,
		exec:       exec,
		config:     config,
		logger:     config.Logger,
		done:       make(chan struct{}),
	}
}

// Run starts the poll loop. It blocks until the context is cancelled, or
// until one job has been processed when Once is set. A running job is not
// interrupted by cancellation; it finishes and is reported first.
func (a *Agent) Run(ctx context.Context) error {
	defer close(a.done)
	a.logger.Info("runner starting", "once", a.config.Once, "poll_interval", a.config.PollInterval)

	for {
		err := a.session(ctx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			a.logger.Info("runner stopping")
			return ctx.Err()
		}

		if a.config.Metrics != nil {
			a.config.Metrics.PollError(ctx)
		}
		if a.config.Once {
			return err
		}
		a.logger.Error("lost connection to the CI server, reconnecting",
			"error", err,
			"retry_in", a.config.ReconnectDelay,
		)
		if err := sleep(ctx, a.config.ReconnectDelay); err != nil {
			return err
		}
	}
}

// Done returns a channel that is closed when the agent has fully stopped.
func (a *Agent) Done() <-chan struct{} {
	return a.done
}

// session runs poll cycles on one Runner until a comms error, cancellation
// or, with Once, the first processed job.
func (a *Agent) session(ctx context.Context) error {
	s, err := a.newSession()
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	defer s.Close()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		job, err := s.Poll(ctx)
		if err != nil {
			return fmt.Errorf("poll: %w", err)
		}
		if job == nil {
			a.logger.Debug("no job available", "retry_in", a.config.PollInterval)
			if err := sleep(ctx, a.config.PollInterval); err != nil {
				return err
			}
			continue
		}

		if err := a.processJob(ctx, s, job); err != nil {
			return err
		}
		if a.config.Once {
			return nil
		}
	}
}

// processJob dispatches job and reports its outcome. It returns an error
// only for comms failures that should rebuild the session.
func (a *Agent) processJob(ctx context.Context, s Session, job *api.JobResponse) error {
	ctx = logger.WithJob(ctx, job.ID, job.JobInfo.Name)
	log := logger.FromContext(ctx, a.logger)

	tracer := otel.Tracer("cirunner-agent")
	spanCtx, span := tracer.Start(ctx, "process_job",
		trace.WithAttributes(
			attribute.Int64("job.id", job.ID),
			attribute.String("job.name", job.JobInfo.Name),
			attribute.String("job.stage", job.JobInfo.Stage),
			attribute.Int64("project.id", job.JobInfo.ProjectID),
		),
		trace.WithSpanKind(trace.SpanKindConsumer),
	)
	defer span.End()

	log.Info("processing job", "stage", job.JobInfo.Stage)
	start := time.Now()

	// The job runs to completion even if ctx is cancelled meanwhile.
	res := a.execute(context.WithoutCancel(spanCtx), s, job)

	span.SetAttributes(attribute.String("job.status", res.Status.String()))
	if res.Err != nil {
		span.RecordError(res.Err)
	}
	if !res.Succeeded() {
		span.SetStatus(codes.Error, res.Status.String())
	}
	if a.config.Metrics != nil {
		a.config.Metrics.JobFinished(ctx, res.Status.String(), time.Since(start))
	}

	switch res.Status {
	case executor.Success:
		log.Info("job succeeded")
	case executor.JobFailed:
		log.Info("job failed", "error", res.Err)
	case executor.SetupFailed:
		log.Warn("job could not start; its trace may not explain why", "phase", "setup", "error", res.Err)
	case executor.TransportError:
		if network.IsForbidden(res.Err) {
			log.Info("job was cancelled by the server")
			return nil
		}
		log.Error("job aborted by a runner error", "error", res.Err)
	}
	if res.ArtifactsErr != nil {
		log.Warn("artifact upload failed", "error", res.ArtifactsErr)
	}

	reportCtx := context.WithoutCancel(spanCtx)
	var err error
	if res.Succeeded() {
		err = s.Success(reportCtx, job, res.TraceSize)
	} else {
		err = s.Failed(reportCtx, job, failureReason(res.Status), res.TraceSize)
	}
	switch {
	case err == nil:
		return nil
	case network.IsForbidden(err):
		log.Info("job was cancelled by the server")
		return nil
	default:
		return fmt.Errorf("report job %d: %w", job.ID, err)
	}
}

// execute runs the executor and turns a panic into a runner-side failure.
func (a *Agent) execute(ctx context.Context, s Session, job *api.JobResponse) (res executor.Result) {
	defer func() {
		if r := recover(); r != nil {
			res = executor.Result{Status: executor.TransportError, Err: fmt.Errorf("executor panic: %v", r)}
		}
	}()
	return a.exec.Run(ctx, s, job)
}

func failureReason(s executor.Status) api.FailureReason {
	if s == executor.JobFailed {
		return api.FailureReasonScript
	}
	return api.FailureReasonSystem
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
