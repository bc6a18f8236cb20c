package runtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"cirunner/internal/pipeline"
)

// ErrJobFailed marks a failure of the job's own scripts, as opposed to a
// runner or transport problem.
var ErrJobFailed = errors.New("job failed")

// StepRunner executes the steps of a plan one after another through a
// Runtime, copying their output to the job log.
type StepRunner struct {
	runtime      Runtime
	shell        string
	defaultImage string

	mu      sync.Mutex
	current Handle
	// lingering is the handle of a step that ended with an error. It is
	// kept open until Abort.
	lingering Handle
}

// NewStepRunner returns a StepRunner that runs scripts with shell. Plans
// without an image use defaultImage; the shell runtime ignores both.
func NewStepRunner(rt Runtime, shell, defaultImage string) *StepRunner {
	if shell == "" {
		shell = "sh"
	}
	return &StepRunner{runtime: rt, shell: shell, defaultImage: defaultImage}
}

// RunOptions describes where a plan runs.
type RunOptions struct {
	Dir     string
	Volumes []string
	Out     io.Writer
}

// Run executes the plan. Once a step fails only Always steps still run, and
// their failures are reported to the log without changing the outcome. A
// failed script returns an error wrapping ErrJobFailed; any other error
// (runtime or log transport) is returned as is.
func (s *StepRunner) Run(ctx context.Context, plan *pipeline.Plan, opts RunOptions) error {
	img := plan.Image
	if img == "" {
		img = s.defaultImage
	}

	var jobErr error
	for _, step := range plan.Steps {
		if jobErr != nil && !step.Always {
			continue
		}
		if len(step.Script) == 0 {
			continue
		}

		fmt.Fprintf(opts.Out, "Running %s\n", step.Name)
		code, err := s.runStep(ctx, StartOptions{
			Image:   img,
			Command: []string{s.shell, "-c", BuildScript(step.Script)},
			Env:     plan.Variables,
			Dir:     opts.Dir,
			Volumes: opts.Volumes,
		}, opts.Out)
		if err != nil {
			return fmt.Errorf("step %s: %w", step.Name, err)
		}
		if code == 0 {
			continue
		}

		if step.Always {
			fmt.Fprintf(opts.Out, "WARNING: %s exited with code %d\n", step.Name, code)
			continue
		}
		if jobErr == nil {
			jobErr = fmt.Errorf("%w: %s exited with code %d", ErrJobFailed, step.Name, code)
		}
	}
	return jobErr
}

func (s *StepRunner) runStep(ctx context.Context, opts StartOptions, out io.Writer) (int, error) {
	handle, err := s.runtime.Start(ctx, opts)
	if err != nil {
		return -1, err
	}
	s.setCurrent(handle)
	finished := false
	defer func() {
		s.mu.Lock()
		s.current = nil
		if !finished {
			s.lingering = handle
		}
		s.mu.Unlock()
		if finished {
			handle.Close(context.WithoutCancel(ctx))
		}
	}()

	logs, err := handle.StreamLogs(ctx)
	if err != nil {
		handle.Stop(ctx)
		return -1, fmt.Errorf("stream output: %w", err)
	}

	copyErr := make(chan error, 1)
	go func() {
		_, err := io.Copy(out, logs)
		if err != nil {
			// keep the process from blocking on a full pipe
			io.Copy(io.Discard, logs)
		}
		copyErr <- err
	}()

	result, err := handle.Wait(ctx)
	if err != nil {
		return -1, err
	}
	if err := <-copyErr; err != nil {
		return -1, fmt.Errorf("write job log: %w", err)
	}
	finished = true
	return result.ExitCode, nil
}

// Abort stops the step currently running and releases the process or
// container of a step that ended with an error. Callers abort after Run
// returns an error.
func (s *StepRunner) Abort(ctx context.Context) error {
	s.mu.Lock()
	running, left := s.current, s.lingering
	s.lingering = nil
	s.mu.Unlock()

	var errs []error
	if running != nil {
		errs = append(errs, running.Stop(ctx))
	}
	if left != nil {
		errs = append(errs, left.Stop(ctx), left.Close(ctx))
	}
	return errors.Join(errs...)
}

func (s *StepRunner) setCurrent(h Handle) {
	s.mu.Lock()
	s.current = h
	s.mu.Unlock()
}

// BuildScript renders script lines as one POSIX shell program that echoes
// each command before running it and stops at the first failure.
func BuildScript(lines []string) string {
	var b strings.Builder
	b.WriteString("set -e\n")
	for _, line := range lines {
		fmt.Fprintf(&b, "printf '%%s\\n' %s\n", shellQuote("$ "+line))
		b.WriteString(line)
		b.WriteString("\n")
	}
	return b.String()
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
