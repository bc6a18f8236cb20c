package executor

// Status is the outcome class of one job run.
type Status int

const (
	// Success means every script step passed.
	Success Status = iota
	// JobFailed means the job's own scripts failed.
	JobFailed
	// SetupFailed means the job never started: workspace, checkout or config
	// resolution failed.
	SetupFailed
	// TransportError means the runner lost its server mid-job or the step
	// runtime broke. Artifacts are not collected.
	TransportError
)

func (s Status) String() string {
	switch s {
	case Success:
		return "success"
	case JobFailed:
		return "job_failed"
	case SetupFailed:
		return "setup_failed"
	case TransportError:
		return "transport_error"
	default:
		return "unknown"
	}
}

// Result is what Run reports back to the runner.
type Result struct {
	Status Status
	// Err is the cause for every status but Success.
	Err error
	// ArtifactsErr is set when archiving or uploading failed. It never
	// changes Status.
	ArtifactsErr error
	// TraceSize is the number of log bytes the server acknowledged.
	TraceSize int64
}

// Succeeded reports whether the job should be reported as success.
func (r Result) Succeeded() bool {
	return r.Status == Success
}
