// Package executor runs one claimed job end to end: it prepares a build
// root, fetches sources and dependencies, resolves the pipeline config,
// hands the job to the step runner, collects artifacts and removes the
// build root again.
package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"cirunner/internal/archive"
	"cirunner/internal/git"
	"cirunner/internal/logger"
	"cirunner/internal/pipeline"
	"cirunner/internal/trace"
	"cirunner/internal/worker/runtime"
	"cirunner/internal/workspace"
	"cirunner/pkg/api"
)

// Server is the part of the runner the executor talks to.
type Server interface {
	trace.Patcher
	// GetDependencies downloads and unpacks the artifacts of the job's
	// dependencies into dir.
	GetDependencies(ctx context.Context, out io.Writer, job *api.JobResponse, dir string) error
	// Upload sends the job's archive.
	Upload(ctx context.Context, out io.Writer, job *api.JobResponse, archivePath string, spec archive.Spec) error
}

// StepRunner executes a resolved plan.
type StepRunner interface {
	Run(ctx context.Context, plan *pipeline.Plan, opts runtime.RunOptions) error
	Abort(ctx context.Context) error
}

// Source fetches a repository into a checkout directory.
type Source interface {
	Clone(ctx context.Context, url string) error
	Checkout(ctx context.Context, ref string) error
}

// Options configures an Executor.
type Options struct {
	BuildsDir string
	ServerURL string
	// Container runs steps in containers; the build root is bind-mounted
	// at the same path.
	Container bool

	RunnerName    string
	RunnerVersion string
	ExecutorName  string

	// NewSource defaults to the git CLI.
	NewSource func(dir string, out io.Writer) Source
	Cleaner   *workspace.Cleaner
	Logger    *slog.Logger
	TraceOpts []trace.Option
}

// Executor runs jobs one at a time.
type Executor struct {
	opts  Options
	steps StepRunner
}

// New creates an Executor.
func New(steps StepRunner, opts Options) *Executor {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.NewSource == nil {
		opts.NewSource = func(dir string, out io.Writer) Source {
			return git.NewRepository(dir, out)
		}
	}
	if opts.Cleaner == nil {
		opts.Cleaner = workspace.NewCleaner(workspace.HostCapabilities(nil, ""), opts.Logger)
	}
	if opts.RunnerName == "" {
		opts.RunnerName = "cirunner"
	}
	return &Executor{opts: opts, steps: steps}
}

// Run executes job and always removes its build root before returning.
func (e *Executor) Run(ctx context.Context, server Server, job *api.JobResponse) Result {
	log := logger.FromContext(ctx, e.opts.Logger)

	ws, err := workspace.Create(e.opts.BuildsDir, job.Variables.Value("CI_PROJECT_PATH"))
	if err != nil {
		log.Warn("failed to create build root", "phase", "setup", "error", err)
		return Result{Status: SetupFailed, Err: err}
	}
	defer func() {
		if err := e.opts.Cleaner.Clean(context.WithoutCancel(ctx), ws.Root); err != nil {
			log.Error("build root left behind", "dir", ws.Root, "error", err)
		}
	}()

	tr := trace.New(ctx, server, job, e.opts.TraceOpts...)
	res := e.run(ctx, log, server, job, ws, tr)

	if err := tr.Close(); err != nil {
		log.Warn("final trace flush failed", "error", err)
		if res.Status == Success || res.Status == JobFailed {
			res.Status, res.Err = TransportError, err
		}
	}
	res.TraceSize = tr.Offset()
	return res
}

func (e *Executor) run(ctx context.Context, log *slog.Logger, server Server, job *api.JobResponse, ws *workspace.Workspace, tr *trace.Trace) Result {
	tr.Printf("Running with %s %s", e.opts.RunnerName, e.opts.RunnerVersion)
	if e.opts.ExecutorName != "" {
		tr.Printf("  using %s executor", e.opts.ExecutorName)
	}

	setupFailed := func(stage string, err error) Result {
		tr.Printf("ERROR: %s: %v", stage, err)
		log.Warn("job setup failed", "phase", "setup", "stage", stage, "error", err)
		return Result{Status: SetupFailed, Err: fmt.Errorf("%s: %w", stage, err)}
	}

	ref := job.GitInfo.CheckoutRef()
	tr.Printf("Fetching changes from %s at %s", redactURL(job.GitInfo.RepoURL), ref)
	src := e.opts.NewSource(ws.ProjectDir, tr)
	if err := src.Clone(ctx, job.GitInfo.RepoURL); err != nil {
		return setupFailed("clone", err)
	}
	if err := src.Checkout(ctx, ref); err != nil {
		return setupFailed("checkout", err)
	}

	cfg, err := e.resolveConfig(log, job, ws, tr)
	if err != nil {
		return setupFailed("pipeline config", err)
	}

	vars, err := ws.MaterializeVariables(job.Variables)
	if err != nil {
		return setupFailed("variables", err)
	}
	for k, v := range vars {
		cfg.SetVariable(k, v)
	}
	for k, v := range e.predefined(job, ws) {
		cfg.SetVariable(k, v)
	}

	plan, err := cfg.Plan(pipeline.JobName(job))
	if err != nil {
		return setupFailed("plan", err)
	}

	if len(job.Dependencies) > 0 {
		tr.Printf("Downloading artifacts")
		if err := server.GetDependencies(ctx, tr, job, ws.ProjectDir); err != nil {
			tr.Printf("ERROR: downloading artifacts: %v", err)
			log.Error("dependency download failed", "error", err)
			return Result{Status: TransportError, Err: fmt.Errorf("dependencies: %w", err)}
		}
	}

	tr.Printf("Executing %q in stage %q", plan.Name, plan.Stage)
	runOpts := runtime.RunOptions{Dir: ws.ProjectDir, Out: tr}
	if e.opts.Container {
		runOpts.Volumes = []string{ws.Root + ":" + ws.Root}
	}

	stepErr := e.steps.Run(ctx, plan, runOpts)
	jobFailed := false
	switch {
	case stepErr == nil:
	case errors.Is(stepErr, runtime.ErrJobFailed):
		e.abort(ctx, log)
		jobFailed = true
	default:
		e.abort(ctx, log)
		tr.Printf("ERROR: %v", stepErr)
		log.Error("step runner failed", "error", stepErr)
		return Result{Status: TransportError, Err: stepErr}
	}

	res := Result{Status: Success}
	if jobFailed {
		res = Result{Status: JobFailed, Err: stepErr}
	}
	res.ArtifactsErr = e.collectArtifacts(ctx, server, job, ws, tr, jobFailed)
	if res.ArtifactsErr != nil {
		tr.Printf("ERROR: uploading artifacts: %v", res.ArtifactsErr)
	}

	if jobFailed {
		tr.Printf("ERROR: Job failed: %v", stepErr)
	} else {
		tr.Printf("Job succeeded")
	}
	return res
}

func (e *Executor) abort(ctx context.Context, log *slog.Logger) {
	if err := e.steps.Abort(context.WithoutCancel(ctx)); err != nil {
		log.Warn("abort step runner", "error", err)
	}
}

// resolveConfig returns the project's pipeline config when the job
// designates one that defines the job, and a synthesized one otherwise.
func (e *Executor) resolveConfig(log *slog.Logger, job *api.JobResponse, ws *workspace.Workspace, tr *trace.Trace) (*pipeline.Config, error) {
	name := pipeline.JobName(job)

	if p := job.Variables.Value("CI_CONFIG_PATH"); p != "" {
		if !filepath.IsAbs(p) {
			p = filepath.Join(ws.ProjectDir, filepath.FromSlash(p))
		}
		cfg, err := pipeline.Load(p)
		switch {
		case err == nil && cfg.HasRunnableJob(name):
			return cfg, nil
		case err == nil && cfg.HasJob(name):
			log.Warn("pipeline config job has no script, using the job steps", "path", p, "job", name)
		case err == nil:
			log.Debug("pipeline config does not define the job", "path", p)
		case errors.Is(err, os.ErrNotExist):
			log.Debug("pipeline config not found", "path", p)
		default:
			log.Warn("pipeline config unreadable", "path", p, "error", err)
		}
	}

	cfg := pipeline.Synthesize(job)
	log.Warn("running from a pipeline config derived from the job steps (experimental)")
	tr.Printf("WARNING: Running from a pipeline config derived from the job steps (experimental)")

	data, err := pipeline.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	path := filepath.Join(ws.TmpDir, "pipeline-"+strconv.FormatInt(job.ID, 10)+".yml")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return nil, fmt.Errorf("write derived pipeline config: %w", err)
	}
	for _, line := range strings.Split(strings.TrimRight(string(data), "\n"), "\n") {
		tr.WriteLine("# " + line)
	}
	return cfg, nil
}

func (e *Executor) predefined(job *api.JobResponse, ws *workspace.Workspace) map[string]string {
	return map[string]string{
		"CI":             "true",
		"CI_BUILDS_DIR":  ws.Root,
		"CI_PROJECT_DIR": ws.ProjectDir,
		"CI_JOB_ID":      strconv.FormatInt(job.ID, 10),
		"CI_JOB_TOKEN":   job.Token,
		"CI_JOB_NAME":    pipeline.JobName(job),
		"CI_JOB_STAGE":   job.JobInfo.Stage,
		"CI_SERVER_URL":  e.opts.ServerURL,
	}
}

// collectArtifacts archives and uploads per the job's artifact policy.
func (e *Executor) collectArtifacts(ctx context.Context, server Server, job *api.JobResponse, ws *workspace.Workspace, tr *trace.Trace, jobFailed bool) error {
	spec, ok := archive.SpecFromJob(job)
	if !ok || !spec.ShouldArchive(jobFailed) {
		return nil
	}

	res, made, err := archive.Create(spec, ws.ProjectDir, ws.ArtifactsDir)
	if err != nil {
		return fmt.Errorf("create archive: %w", err)
	}
	if !made {
		return nil
	}
	if res.Entries == 0 {
		tr.Printf("WARNING: no files matched the artifact paths")
	}
	return server.Upload(ctx, tr, job, res.Path, spec)
}

// redactURL drops credentials from a clone URL.
func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.User == nil {
		return raw
	}
	u.User = nil
	return u.String()
}
