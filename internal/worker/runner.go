package worker

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	goruntime "runtime"
	"strconv"

	"cirunner/internal/archive"
	"cirunner/internal/config"
	"cirunner/internal/network"
	"cirunner/internal/observability"
	"cirunner/pkg/api"

	"github.com/dustin/go-humanize"
)

// RunnerOptions are the process-level knobs that are not part of the
// persisted runner identity.
type RunnerOptions struct {
	Version string
	// TraceHTTP dumps every request/response pair to TraceFile.
	TraceHTTP bool
	TraceFile string

	Metrics *observability.RunnerMetrics
	Logger  *slog.Logger
}

// Runner is one HTTP session with the CI server, bound to an immutable
// RunnerConfig. After a comms failure the Agent drops it and builds a new one.
type Runner struct {
	cfg     config.RunnerConfig
	opts    RunnerOptions
	client  *network.Client
	api     *network.API
	logger  *slog.Logger
	metrics *observability.RunnerMetrics
}

// NewRunner opens a session for cfg.
func NewRunner(cfg config.RunnerConfig, opts RunnerOptions) (*Runner, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Version == "" {
		opts.Version = "dev"
	}

	client, err := network.NewClient(network.ClientOptions{
		UserAgent: fmt.Sprintf("cirunner %s (%s; %s)", opts.Version, goruntime.GOOS, goruntime.GOARCH),
		TraceHTTP: opts.TraceHTTP,
		TraceFile: opts.TraceFile,
		Timeout:   cfg.RequestTimeout,
	})
	if err != nil {
		return nil, err
	}

	return &Runner{
		cfg:     cfg,
		opts:    opts,
		client:  client,
		api:     network.NewAPI(cfg.URL, client, VersionInfo(cfg, opts.Version)),
		logger:  opts.Logger,
		metrics: opts.Metrics,
	}, nil
}

// VersionInfo is the capability descriptor sent with every request. Only the
// docker executor can honor the job image; services are never started.
func VersionInfo(cfg config.RunnerConfig, version string) api.VersionInfo {
	return api.VersionInfo{
		Name:         "cirunner",
		Version:      version,
		Platform:     goruntime.GOOS,
		Architecture: goruntime.GOARCH,
		Executor:     cfg.Executor,
		Shell:        cfg.Shell,
		Features: api.FeaturesInfo{
			Variables:        true,
			Image:            cfg.Executor == config.ExecutorDocker,
			Services:         false,
			Artifacts:        true,
			ArtifactsExclude: true,
			Cache:            false,
			Session:          false,
			Terminal:         false,
		},
	}
}

// Config returns the identity this session was built from.
func (r *Runner) Config() config.RunnerConfig {
	return r.cfg
}

// Register exchanges a registration token for a runner token.
func (r *Runner) Register(ctx context.Context, description, registrationToken string, tags []string) (string, error) {
	return r.api.Register(ctx, description, registrationToken, tags)
}

// Unregister revokes the configured runner token.
func (r *Runner) Unregister(ctx context.Context) error {
	return r.api.Unregister(ctx, r.cfg.Token)
}

// Poll asks for a job. It returns nil, nil when there is no work.
func (r *Runner) Poll(ctx context.Context) (*api.JobResponse, error) {
	return r.api.RequestJob(ctx, r.cfg.Token)
}

// Success reports job as passed.
func (r *Runner) Success(ctx context.Context, job *api.JobResponse, traceSize int64) error {
	return r.api.UpdateJob(ctx, job, api.JobStateSuccess, api.FailureReasonNone, traceSize)
}

// Failed reports job as failed with reason.
func (r *Runner) Failed(ctx context.Context, job *api.JobResponse, reason api.FailureReason, traceSize int64) error {
	return r.api.UpdateJob(ctx, job, api.JobStateFailed, reason, traceSize)
}

// Trace appends content to the job log at offset and returns the new offset.
func (r *Runner) Trace(ctx context.Context, job *api.JobResponse, content []byte, offset int64) (int64, error) {
	next, err := r.api.PatchTrace(ctx, job, content, offset)
	if err != nil {
		return next, err
	}
	if r.metrics != nil && next > offset {
		r.metrics.TraceBytes(ctx, int(next-offset))
	}
	return next, nil
}

// GetDependencies downloads the archive of every dependency that has one
// and unpacks it into dir. Downloads are staged in a temporary directory
// that is removed on every path out.
func (r *Runner) GetDependencies(ctx context.Context, out io.Writer, job *api.JobResponse, dir string) error {
	staging, err := os.MkdirTemp("", "cirunner-deps-")
	if err != nil {
		return fmt.Errorf("create staging dir: %w", err)
	}
	defer os.RemoveAll(staging)

	for _, dep := range job.Dependencies {
		if dep.ArtifactsFile == nil || dep.ArtifactsFile.Filename == "" {
			continue
		}
		fmt.Fprintf(out, "Downloading artifacts for %s (%d)...\n", dep.Name, dep.ID)

		path := filepath.Join(staging, strconv.FormatInt(dep.ID, 10)+".zip")
		size, err := r.download(ctx, dep, path)
		if err != nil {
			return err
		}

		files, err := archive.Extract(path, dir)
		if err != nil {
			return fmt.Errorf("unpack artifacts of job %d: %w", dep.ID, err)
		}
		fmt.Fprintf(out, "Downloaded %s, %d files\n", humanize.Bytes(uint64(size)), files)
		r.logger.Debug("dependency unpacked", "dependency", dep.ID, "bytes", size, "files", files)
	}
	return nil
}

func (r *Runner) download(ctx context.Context, dep api.Dependency, path string) (int64, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return 0, err
	}
	n, err := r.api.DownloadArtifacts(ctx, dep, f)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	return n, err
}

// Upload streams the job's archive to the server.
func (r *Runner) Upload(ctx context.Context, out io.Writer, job *api.JobResponse, archivePath string, spec archive.Spec) error {
	info, err := os.Stat(archivePath)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Uploading artifacts (%s)...\n", humanize.Bytes(uint64(info.Size())))

	if err := r.api.UploadArtifacts(ctx, job, archivePath, network.UploadOptions{ExpireIn: spec.ExpireIn}); err != nil {
		return err
	}
	fmt.Fprintf(out, "Uploading artifacts succeeded\n")
	return nil
}

// Close releases the session.
func (r *Runner) Close() error {
	return r.client.Close()
}
