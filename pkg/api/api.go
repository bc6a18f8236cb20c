// Package api contains the JSON request/response structs of the CI server's runner API.
// This package is shared between the runner process and its tests' fake server.
package api

// JobState is the terminal state reported for a job.
type JobState string

const (
	JobStateRunning JobState = "running"
	JobStateSuccess JobState = "success"
	JobStateFailed  JobState = "failed"
)

// FailureReason tells the server who is to blame for a failed job.
type FailureReason string

const (
	FailureReasonNone         FailureReason = ""
	FailureReasonScript       FailureReason = "script_failure"
	FailureReasonSystem       FailureReason = "runner_system_failure"
	FailureReasonUnknown      FailureReason = "unknown_failure"
	FailureReasonDependencies FailureReason = "missing_dependency_failure"
)

// FeaturesInfo advertises what this runner can do.
type FeaturesInfo struct {
	Variables        bool `json:"variables"`
	Image            bool `json:"image"`
	Services         bool `json:"services"`
	Artifacts        bool `json:"artifacts"`
	Cache            bool `json:"cache"`
	Session          bool `json:"session"`
	Terminal         bool `json:"terminal"`
	ArtifactsExclude bool `json:"artifacts_exclude"`
}

// VersionInfo describes the runner process to the server.
type VersionInfo struct {
	Name         string       `json:"name,omitempty"`
	Version      string       `json:"version,omitempty"`
	Revision     string       `json:"revision,omitempty"`
	Platform     string       `json:"platform,omitempty"`
	Architecture string       `json:"architecture,omitempty"`
	Executor     string       `json:"executor,omitempty"`
	Shell        string       `json:"shell,omitempty"`
	Features     FeaturesInfo `json:"features"`
}

// RegisterRunnerRequest is the body of POST /api/v4/runners.
type RegisterRunnerRequest struct {
	Token       string      `json:"token"`
	Description string      `json:"description,omitempty"`
	TagList     string      `json:"tag_list,omitempty"`
	RunUntagged bool        `json:"run_untagged"`
	Info        VersionInfo `json:"info"`
}

// RegisterRunnerResponse carries the runner authentication token.
type RegisterRunnerResponse struct {
	ID    int64  `json:"id"`
	Token string `json:"token"`
}

// UnregisterRunnerRequest is the body of DELETE /api/v4/runners.
type UnregisterRunnerRequest struct {
	Token string `json:"token"`
}

// JobRequest is the body of POST /api/v4/jobs/request.
type JobRequest struct {
	Info       VersionInfo `json:"info"`
	Token      string      `json:"token"`
	LastUpdate string      `json:"last_update,omitempty"`
}

// JobTraceOutput summarizes the trace the runner sent.
type JobTraceOutput struct {
	Bytesize int64 `json:"bytesize,omitempty"`
}

// UpdateJobRequest is the body of PUT /api/v4/jobs/{id}.
type UpdateJobRequest struct {
	Info          VersionInfo    `json:"info"`
	Token         string         `json:"token"`
	State         JobState       `json:"state"`
	FailureReason FailureReason  `json:"failure_reason,omitempty"`
	Output        JobTraceOutput `json:"output"`
}

// JobVariable is one variable handed to the job.
type JobVariable struct {
	Key    string `json:"key"`
	Value  string `json:"value"`
	Public bool   `json:"public"`
	Masked bool   `json:"masked"`
	File   bool   `json:"file"`
	Raw    bool   `json:"raw"`
}

// JobVariables keeps the server's order.
type JobVariables []JobVariable

// Get returns the last value bound to key.
func (v JobVariables) Get(key string) (string, bool) {
	for i := len(v) - 1; i >= 0; i-- {
		if v[i].Key == key {
			return v[i].Value, true
		}
	}
	return "", false
}

// Value is Get without the presence flag.
func (v JobVariables) Value(key string) string {
	s, _ := v.Get(key)
	return s
}

// GitInfo tells the runner what to check out.
type GitInfo struct {
	RepoURL   string   `json:"repo_url"`
	Ref       string   `json:"ref"`
	Sha       string   `json:"sha"`
	BeforeSha string   `json:"before_sha,omitempty"`
	RefType   string   `json:"ref_type,omitempty"`
	Refspecs  []string `json:"refspecs,omitempty"`
	Depth     int      `json:"depth,omitempty"`
}

// CheckoutRef prefers the exact commit over the symbolic ref.
func (g GitInfo) CheckoutRef() string {
	if g.Sha != "" {
		return g.Sha
	}
	return g.Ref
}

// JobInfo names the job within its pipeline.
type JobInfo struct {
	Name        string `json:"name"`
	Stage       string `json:"stage"`
	ProjectID   int64  `json:"project_id"`
	ProjectName string `json:"project_name"`
}

// Step is one named list of script lines.
type Step struct {
	Name         string   `json:"name"`
	Script       []string `json:"script"`
	Timeout      int      `json:"timeout,omitempty"`
	When         string   `json:"when,omitempty"`
	AllowFailure bool     `json:"allow_failure,omitempty"`
}

// Image is a container image hint for the job or one of its services.
type Image struct {
	Name       string   `json:"name"`
	Alias      string   `json:"alias,omitempty"`
	Command    []string `json:"command,omitempty"`
	Entrypoint []string `json:"entrypoint,omitempty"`
}

// Artifact is the job's declared artifact policy. Pointer and nil-slice
// fields are absent when the server sent nothing (or null) for them.
type Artifact struct {
	Name           *string             `json:"name,omitempty"`
	Untracked      bool                `json:"untracked,omitempty"`
	Paths          []string            `json:"paths,omitempty"`
	Exclude        []string            `json:"exclude,omitempty"`
	When           *string             `json:"when,omitempty"`
	ArtifactType   string              `json:"artifact_type,omitempty"`
	ArtifactFormat string              `json:"artifact_format,omitempty"`
	ExpireIn       *string             `json:"expire_in,omitempty"`
	Reports        map[string][]string `json:"reports,omitempty"`
}

// DependencyArtifactsFile points at a prior job's uploaded archive.
type DependencyArtifactsFile struct {
	Filename string `json:"filename"`
	Size     int64  `json:"size"`
}

// Dependency is a prior job whose artifacts this job wants.
type Dependency struct {
	ID            int64                    `json:"id"`
	Token         string                   `json:"token"`
	Name          string                   `json:"name"`
	ArtifactsFile *DependencyArtifactsFile `json:"artifacts_file,omitempty"`
}

// JobResponse is the job claimed from POST /api/v4/jobs/request.
type JobResponse struct {
	ID            int64        `json:"id"`
	Token         string       `json:"token"`
	AllowGitFetch bool         `json:"allow_git_fetch"`
	JobInfo       JobInfo      `json:"job_info"`
	GitInfo       GitInfo      `json:"git_info"`
	Variables     JobVariables `json:"variables"`
	Steps         []Step       `json:"steps"`
	Image         *Image       `json:"image,omitempty"`
	Services      []Image      `json:"services,omitempty"`
	Artifacts     []Artifact   `json:"artifacts,omitempty"`
	Dependencies  []Dependency `json:"dependencies,omitempty"`
}

// ArchiveArtifact returns the artifact entry describing the zip archive, if any.
func (j *JobResponse) ArchiveArtifact() (*Artifact, bool) {
	for i := range j.Artifacts {
		t := j.Artifacts[i].ArtifactType
		if t == "" || t == "archive" {
			return &j.Artifacts[i], true
		}
	}
	return nil, false
}

// ErrorResponse is the error body the server returns on 4xx.
type ErrorResponse struct {
	Message string `json:"message"`
	Error   string `json:"error,omitempty"`
}
