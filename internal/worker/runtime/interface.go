// Package runtime provides the backends that execute a job's scripts: raw
// processes for the shell executor and containers for the docker executor.
package runtime

import (
	"context"
	"io"
)

// Runtime starts one script process.
type Runtime interface {
	// Start begins execution and returns a handle.
	Start(ctx context.Context, opts StartOptions) (Handle, error)
}

// StartOptions contains the parameters for starting a process.
type StartOptions struct {
	Image   string
	Command []string
	Env     map[string]string
	// Dir is the working directory.
	Dir string
	// Volumes are host:container bind mounts. Ignored by ExecRuntime.
	Volumes []string
	Timeout int // seconds
}

// ExitResult is the outcome of a finished process.
type ExitResult struct {
	ExitCode int
	Error    error
}

// Handle represents a running process.
type Handle interface {
	// Wait blocks until the process completes.
	Wait(ctx context.Context) (ExitResult, error)

	// Stop forcefully terminates the process.
	Stop(ctx context.Context) error

	// StreamLogs returns a reader for the combined stdout/stderr. It reaches
	// EOF once the process has exited.
	StreamLogs(ctx context.Context) (io.ReadCloser, error)

	// Close releases what the handle holds after the process is done.
	Close(ctx context.Context) error
}
