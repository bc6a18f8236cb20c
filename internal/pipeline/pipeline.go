// Package pipeline models the CI pipeline definition a job runs from: loading
// a project's YAML file, synthesizing a one-job definition from a claimed job,
// and reducing either to the Plan the step runner executes.
package pipeline

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultStage is used when a job does not declare one.
const DefaultStage = "test"

// Step names with special handling.
const (
	StepBeforeScript = "before_script"
	StepScript       = "script"
	StepAfterScript  = "after_script"
)

// ErrJobNotFound is returned by Plan for a job name the config does not define.
var ErrJobNotFound = errors.New("job not defined in pipeline config")

// Artifacts is the artifact section of a job. Nil fields were not declared.
type Artifacts struct {
	Name     *string
	When     *string
	Paths    []string
	Reports  map[string][]string
	ExpireIn *string
	Exclude  []string
}

// Step is a named list of script lines. Always steps run even after an
// earlier step failed.
type Step struct {
	Name   string
	Script []string
	Always bool
}

// Job is one job entry of a pipeline config.
type Job struct {
	Stage     string
	Image     string
	Services  []string
	Artifacts *Artifacts
	Variables map[string]string
	Steps     []Step
}

// Config is a pipeline definition.
type Config struct {
	Stages    []string
	Variables map[string]string
	Jobs      map[string]*Job

	// pinned keys were set by the runner and win over job-level values.
	pinned map[string]bool
}

// NewConfig returns an empty config.
func NewConfig() *Config {
	return &Config{
		Variables: make(map[string]string),
		Jobs:      make(map[string]*Job),
		pinned:    make(map[string]bool),
	}
}

// HasJob reports whether name is a job of the config.
func (c *Config) HasJob(name string) bool {
	_, ok := c.Jobs[name]
	return ok
}

// HasRunnableJob reports whether name is a job with at least one non-empty
// script line. Jobs built from keys the loader does not resolve, such as
// extends, have no steps.
func (c *Config) HasRunnableJob(name string) bool {
	job, ok := c.Jobs[name]
	if !ok {
		return false
	}
	for _, step := range job.Steps {
		for _, line := range step.Script {
			if strings.TrimSpace(line) != "" {
				return true
			}
		}
	}
	return false
}

// SetVariable binds a top-level variable that job-level declarations cannot
// override.
func (c *Config) SetVariable(key, value string) {
	if c.Variables == nil {
		c.Variables = make(map[string]string)
	}
	if c.pinned == nil {
		c.pinned = make(map[string]bool)
	}
	c.Variables[key] = value
	c.pinned[key] = true
}

// Plan is everything the step runner needs to execute one job.
type Plan struct {
	Name      string
	Stage     string
	Image     string
	Services  []string
	Variables map[string]string
	Steps     []Step
}

// Plan resolves the named job. Job-level variables override top-level ones
// except for keys set through SetVariable.
func (c *Config) Plan(name string) (*Plan, error) {
	job, ok := c.Jobs[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, name)
	}

	vars := make(map[string]string, len(c.Variables)+len(job.Variables))
	for k, v := range c.Variables {
		vars[k] = v
	}
	for k, v := range job.Variables {
		if c.pinned[k] {
			continue
		}
		vars[k] = v
	}

	stage := job.Stage
	if stage == "" {
		stage = DefaultStage
	}

	steps := make([]Step, len(job.Steps))
	copy(steps, job.Steps)

	return &Plan{
		Name:      name,
		Stage:     stage,
		Image:     job.Image,
		Services:  append([]string(nil), job.Services...),
		Variables: vars,
		Steps:     steps,
	}, nil
}

// Marshal renders the config as YAML. Output is stable: top-level keys come
// first, jobs and map keys are sorted, steps keep their order.
func Marshal(c *Config) ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(c.node()); err != nil {
		return nil, fmt.Errorf("encode pipeline config: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (c *Config) node() *yaml.Node {
	root := mapping()
	if len(c.Stages) > 0 {
		appendPair(root, "stages", sequence(c.Stages))
	}
	if len(c.Variables) > 0 {
		appendPair(root, "variables", stringMap(c.Variables))
	}

	names := make([]string, 0, len(c.Jobs))
	for name := range c.Jobs {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		appendPair(root, name, c.Jobs[name].node())
	}
	return root
}

func (j *Job) node() *yaml.Node {
	n := mapping()
	appendPair(n, "stage", scalar(j.Stage))
	if j.Image != "" {
		appendPair(n, "image", scalar(j.Image))
	}
	if len(j.Services) > 0 {
		appendPair(n, "services", sequence(j.Services))
	}
	if j.Artifacts != nil {
		appendPair(n, "artifacts", j.Artifacts.node())
	}
	if len(j.Variables) > 0 {
		appendPair(n, "variables", stringMap(j.Variables))
	}
	for _, s := range j.Steps {
		appendPair(n, s.Name, sequence(s.Script))
	}
	return n
}

func (a *Artifacts) node() *yaml.Node {
	n := mapping()
	if a.Name != nil {
		appendPair(n, "name", scalar(*a.Name))
	}
	if a.When != nil {
		appendPair(n, "when", scalar(*a.When))
	}
	if a.Paths != nil {
		appendPair(n, "paths", sequence(a.Paths))
	}
	if a.Reports != nil {
		reports := mapping()
		keys := make([]string, 0, len(a.Reports))
		for k := range a.Reports {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			appendPair(reports, k, sequence(a.Reports[k]))
		}
		appendPair(n, "reports", reports)
	}
	if a.ExpireIn != nil {
		appendPair(n, "expire_in", scalar(*a.ExpireIn))
	}
	if a.Exclude != nil {
		appendPair(n, "exclude", sequence(a.Exclude))
	}
	return n
}

func mapping() *yaml.Node {
	return &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}
}

func scalar(v string) *yaml.Node {
	return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: v}
}

func sequence(items []string) *yaml.Node {
	n := &yaml.Node{Kind: yaml.SequenceNode, Tag: "!!seq"}
	for _, it := range items {
		n.Content = append(n.Content, scalar(it))
	}
	return n
}

func stringMap(m map[string]string) *yaml.Node {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	n := mapping()
	for _, k := range keys {
		appendPair(n, k, scalar(m[k]))
	}
	return n
}

func appendPair(m *yaml.Node, key string, value *yaml.Node) {
	m.Content = append(m.Content, scalar(key), value)
}
