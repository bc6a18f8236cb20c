// Package observability provides OpenTelemetry instrumentation for tracing and metrics.
package observability

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	otelmetric "go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/sdk/metric"
)

// InitMetrics initializes the OpenTelemetry metrics provider with a Prometheus exporter.
// It returns the HTTP handler for the /metrics endpoint and a shutdown function.
// The shutdown function should be called on application exit for graceful cleanup.
func InitMetrics() (http.Handler, func(context.Context) error, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	provider := metric.NewMeterProvider(
		metric.WithReader(exporter),
	)

	otel.SetMeterProvider(provider)

	return promhttp.Handler(), provider.Shutdown, nil
}

// RunnerMetrics holds the instruments recorded by the poll loop and trace pushes.
// A zero RunnerMetrics is not usable; build one with NewRunnerMetrics.
type RunnerMetrics struct {
	jobs        otelmetric.Int64Counter
	pollErrors  otelmetric.Int64Counter
	traceBytes  otelmetric.Int64Counter
	jobDuration otelmetric.Float64Histogram
}

// NewRunnerMetrics creates the runner instruments on the global meter provider.
func NewRunnerMetrics() (*RunnerMetrics, error) {
	meter := otel.Meter("cirunner")

	jobs, err := meter.Int64Counter("runner_jobs",
		otelmetric.WithDescription("Jobs processed, by outcome"))
	if err != nil {
		return nil, err
	}
	pollErrors, err := meter.Int64Counter("runner_poll_errors",
		otelmetric.WithDescription("Communication failures that forced a session rebuild"))
	if err != nil {
		return nil, err
	}
	traceBytes, err := meter.Int64Counter("runner_trace_bytes",
		otelmetric.WithDescription("Bytes appended to job traces"),
		otelmetric.WithUnit("By"))
	if err != nil {
		return nil, err
	}
	jobDuration, err := meter.Float64Histogram("runner_job_duration",
		otelmetric.WithDescription("Wall time from dispatch to report"),
		otelmetric.WithUnit("s"))
	if err != nil {
		return nil, err
	}

	return &RunnerMetrics{
		jobs:        jobs,
		pollErrors:  pollErrors,
		traceBytes:  traceBytes,
		jobDuration: jobDuration,
	}, nil
}

// JobFinished records one processed job.
func (m *RunnerMetrics) JobFinished(ctx context.Context, status string, elapsed time.Duration) {
	attrs := otelmetric.WithAttributes(attribute.String("status", status))
	m.jobs.Add(ctx, 1, attrs)
	m.jobDuration.Record(ctx, elapsed.Seconds(), attrs)
}

// PollError records a comms failure.
func (m *RunnerMetrics) PollError(ctx context.Context) {
	m.pollErrors.Add(ctx, 1)
}

// TraceBytes records bytes accepted by the server's trace endpoint.
func (m *RunnerMetrics) TraceBytes(ctx context.Context, n int) {
	m.traceBytes.Add(ctx, int64(n))
}
