package pipeline

import (
	"cirunner/pkg/api"
)

// Synthesize builds a one-job pipeline config from the job descriptor alone.
// It does no I/O and returns equal configs for equal jobs. A job without
// steps yields a job entry with only its stage.
func Synthesize(job *api.JobResponse) *Config {
	stage := job.JobInfo.Stage
	if stage == "" {
		stage = DefaultStage
	}

	entry := &Job{Stage: stage}
	if job.Image != nil && job.Image.Name != "" {
		entry.Image = job.Image.Name
	}
	for _, svc := range job.Services {
		if svc.Name != "" {
			entry.Services = append(entry.Services, svc.Name)
		}
	}
	entry.Artifacts = synthesizeArtifacts(job.Artifacts)

	for _, s := range job.Steps {
		name := s.Name
		if name == "" {
			name = StepScript
		}
		entry.Steps = append(entry.Steps, Step{
			Name:   name,
			Script: append([]string{}, s.Script...),
			Always: s.When == "always" || name == StepAfterScript,
		})
	}

	cfg := NewConfig()
	cfg.Stages = []string{stage}
	cfg.Jobs[JobName(job)] = entry
	return cfg
}

// JobName is the key Synthesize stores job under.
func JobName(job *api.JobResponse) string {
	if job.JobInfo.Name != "" {
		return job.JobInfo.Name
	}
	return "job"
}

// synthesizeArtifacts copies the declared fields of the archive entry and
// folds report entries into reports. Returns nil when nothing is declared.
func synthesizeArtifacts(artifacts []api.Artifact) *Artifacts {
	var out *Artifacts
	get := func() *Artifacts {
		if out == nil {
			out = &Artifacts{}
		}
		return out
	}

	archiveSeen := false
	for _, a := range artifacts {
		if a.ArtifactType != "" && a.ArtifactType != "archive" {
			if len(a.Paths) > 0 {
				r := get()
				if r.Reports == nil {
					r.Reports = make(map[string][]string)
				}
				r.Reports[a.ArtifactType] = append(r.Reports[a.ArtifactType], a.Paths...)
			}
			continue
		}
		if archiveSeen {
			continue
		}
		archiveSeen = true

		if a.Name != nil {
			v := *a.Name
			get().Name = &v
		}
		if a.When != nil {
			v := *a.When
			get().When = &v
		}
		if a.Paths != nil {
			get().Paths = append([]string{}, a.Paths...)
		}
		if a.ExpireIn != nil {
			v := *a.ExpireIn
			get().ExpireIn = &v
		}
		if a.Exclude != nil {
			get().Exclude = append([]string{}, a.Exclude...)
		}
		for k, v := range a.Reports {
			r := get()
			if r.Reports == nil {
				r.Reports = make(map[string][]string)
			}
			r.Reports[k] = append(r.Reports[k], v...)
		}
	}
	return out
}
