package runtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"syscall"
	"time"
)

// ExecRuntime implements the Runtime interface using raw OS processes.
// It backs the shell executor.
type ExecRuntime struct{}

// NewExecRuntime creates a new process-based runtime.
func NewExecRuntime() *ExecRuntime {
	return &ExecRuntime{}
}

// ExecHandle is a running process.
type ExecHandle struct {
	cmd    *exec.Cmd
	logs   *os.File
	done   chan struct{}
	err    error
	cancel context.CancelFunc
}

// Start implements Runtime.Start using os/exec. The image field is ignored.
func (e *ExecRuntime) Start(ctx context.Context, opts StartOptions) (Handle, error) {
	if len(opts.Command) == 0 {
		return nil, errors.New("command is required")
	}

	if opts.Dir != "" {
		if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create work directory: %w", err)
		}
	}

	// Output goes through an OS pipe so a process with little output can
	// exit before anyone reads it.
	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create output pipe: %w", err)
	}

	var (
		runCtx context.Context
		cancel context.CancelFunc
	)
	if opts.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(context.Background(), time.Duration(opts.Timeout)*time.Second)
	} else {
		runCtx, cancel = context.WithCancel(context.Background())
	}

	cmd := exec.CommandContext(runCtx, opts.Command[0], opts.Command[1:]...)
	cmd.Dir = opts.Dir
	cmd.Stdout = w
	cmd.Stderr = w
	cmd.Env = os.Environ()
	for k, v := range opts.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	if err := cmd.Start(); err != nil {
		cancel()
		r.Close()
		w.Close()
		return nil, fmt.Errorf("failed to start %s: %w", opts.Command[0], err)
	}
	w.Close()

	h := &ExecHandle{
		cmd:    cmd,
		logs:   r,
		done:   make(chan struct{}),
		cancel: cancel,
	}
	go func() {
		h.err = cmd.Wait()
		close(h.done)
	}()
	return h, nil
}

// Wait blocks until the process exits or ctx is done. On ctx expiry the
// process is killed and ExitCode is -1.
func (h *ExecHandle) Wait(ctx context.Context) (ExitResult, error) {
	select {
	case <-h.done:
	case <-ctx.Done():
		h.cancel()
		<-h.done
		return ExitResult{ExitCode: -1, Error: ctx.Err()}, ctx.Err()
	}

	if h.err == nil {
		return ExitResult{ExitCode: 0}, nil
	}
	var exitErr *exec.ExitError
	if errors.As(h.err, &exitErr) {
		code := exitErr.ExitCode()
		if code < 0 {
			// killed by a signal, including our own timeout
			return ExitResult{ExitCode: -1, Error: h.err}, nil
		}
		return ExitResult{ExitCode: code, Error: h.err}, nil
	}
	return ExitResult{ExitCode: -1, Error: h.err}, h.err
}

// Stop sends SIGTERM and kills the process if it has not exited when ctx is done.
func (h *ExecHandle) Stop(ctx context.Context) error {
	select {
	case <-h.done:
		return nil
	default:
	}

	if err := h.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		h.cancel()
	}
	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		h.cancel()
		<-h.done
		return nil
	}
}

// StreamLogs returns the read end of the output pipe.
func (h *ExecHandle) StreamLogs(ctx context.Context) (io.ReadCloser, error) {
	return h.logs, nil
}

// Close releases the output pipe and the timeout context.
func (h *ExecHandle) Close(ctx context.Context) error {
	h.cancel()
	if err := h.logs.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
		return err
	}
	return nil
}
