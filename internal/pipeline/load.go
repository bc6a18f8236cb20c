package pipeline

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// reserved top-level keys that are not jobs.
var reserved = map[string]bool{
	"stages":        true,
	"variables":     true,
	"default":       true,
	"image":         true,
	"services":      true,
	"before_script": true,
	"after_script":  true,
	"cache":         true,
	"include":       true,
	"workflow":      true,
}

// Load reads a pipeline config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read pipeline config: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// scriptList accepts a single string or a list of strings.
type scriptList []string

func (s *scriptList) UnmarshalYAML(n *yaml.Node) error {
	if n.Kind == yaml.ScalarNode {
		*s = scriptList{n.Value}
		return nil
	}
	var items []string
	if err := n.Decode(&items); err != nil {
		return err
	}
	*s = items
	return nil
}

// imageRef accepts "name" or {name: ...}.
type imageRef string

func (r *imageRef) UnmarshalYAML(n *yaml.Node) error {
	if n.Kind == yaml.ScalarNode {
		*r = imageRef(n.Value)
		return nil
	}
	var v struct {
		Name string `yaml:"name"`
	}
	if err := n.Decode(&v); err != nil {
		return err
	}
	*r = imageRef(v.Name)
	return nil
}

// variableMap accepts scalar values or {value: ...} mappings.
type variableMap map[string]string

func (m *variableMap) UnmarshalYAML(n *yaml.Node) error {
	if n.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: variables must be a mapping", n.Line)
	}
	out := make(variableMap, len(n.Content)/2)
	for i := 0; i+1 < len(n.Content); i += 2 {
		key, val := n.Content[i].Value, n.Content[i+1]
		switch val.Kind {
		case yaml.ScalarNode:
			if val.Tag == "!!null" {
				out[key] = ""
			} else {
				out[key] = val.Value
			}
		case yaml.MappingNode:
			var v struct {
				Value string `yaml:"value"`
			}
			if err := val.Decode(&v); err != nil {
				return err
			}
			out[key] = v.Value
		default:
			return fmt.Errorf("line %d: variable %s must be a string", val.Line, key)
		}
	}
	*m = out
	return nil
}

type rawArtifacts struct {
	Name     *string               `yaml:"name"`
	When     *string               `yaml:"when"`
	Paths    []string              `yaml:"paths"`
	Reports  map[string]scriptList `yaml:"reports"`
	ExpireIn *string               `yaml:"expire_in"`
	Exclude  []string              `yaml:"exclude"`
}

type rawJob struct {
	Stage        string        `yaml:"stage"`
	Image        imageRef      `yaml:"image"`
	Services     []imageRef    `yaml:"services"`
	Artifacts    *rawArtifacts `yaml:"artifacts"`
	Variables    variableMap   `yaml:"variables"`
	BeforeScript *scriptList   `yaml:"before_script"`
	Script       scriptList    `yaml:"script"`
	AfterScript  *scriptList   `yaml:"after_script"`
}

type rawDefaults struct {
	Image        imageRef    `yaml:"image"`
	Services     []imageRef  `yaml:"services"`
	BeforeScript *scriptList `yaml:"before_script"`
	AfterScript  *scriptList `yaml:"after_script"`
}

// Parse decodes a pipeline config. Hidden jobs (leading dot) and global
// keywords are not jobs. Global and default image, services and
// before/after scripts apply to jobs that do not declare their own.
func Parse(data []byte) (*Config, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse pipeline config: %w", err)
	}

	cfg := NewConfig()
	if len(doc.Content) == 0 {
		return cfg, nil
	}
	root := doc.Content[0]
	if root.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("line %d: pipeline config must be a mapping", root.Line)
	}

	var defaults rawDefaults
	jobNodes := make(map[string]*yaml.Node)

	for i := 0; i+1 < len(root.Content); i += 2 {
		key, val := root.Content[i].Value, root.Content[i+1]
		var err error
		switch key {
		case "stages":
			err = val.Decode(&cfg.Stages)
		case "variables":
			var vars variableMap
			if err = val.Decode(&vars); err == nil {
				cfg.Variables = vars
			}
		case "default":
			err = val.Decode(&defaults)
		case "image":
			err = val.Decode(&defaults.Image)
		case "services":
			err = val.Decode(&defaults.Services)
		case "before_script":
			err = val.Decode(&defaults.BeforeScript)
		case "after_script":
			err = val.Decode(&defaults.AfterScript)
		default:
			if reserved[key] || strings.HasPrefix(key, ".") || val.Kind != yaml.MappingNode {
				continue
			}
			jobNodes[key] = val
		}
		if err != nil {
			return nil, fmt.Errorf("%s: %w", key, err)
		}
	}

	for name, node := range jobNodes {
		var raw rawJob
		if err := node.Decode(&raw); err != nil {
			return nil, fmt.Errorf("job %s: %w", name, err)
		}
		cfg.Jobs[name] = raw.toJob(defaults)
	}
	return cfg, nil
}

func (r rawJob) toJob(d rawDefaults) *Job {
	job := &Job{
		Stage:     r.Stage,
		Image:     string(r.Image),
		Variables: r.Variables,
	}
	if job.Stage == "" {
		job.Stage = DefaultStage
	}
	if job.Image == "" {
		job.Image = string(d.Image)
	}

	services := r.Services
	if services == nil {
		services = d.Services
	}
	for _, s := range services {
		job.Services = append(job.Services, string(s))
	}

	if r.Artifacts != nil {
		a := &Artifacts{
			Name:     r.Artifacts.Name,
			When:     r.Artifacts.When,
			Paths:    r.Artifacts.Paths,
			ExpireIn: r.Artifacts.ExpireIn,
			Exclude:  r.Artifacts.Exclude,
		}
		if r.Artifacts.Reports != nil {
			a.Reports = make(map[string][]string, len(r.Artifacts.Reports))
			for k, v := range r.Artifacts.Reports {
				a.Reports[k] = v
			}
		}
		job.Artifacts = a
	}

	before := r.BeforeScript
	if before == nil {
		before = d.BeforeScript
	}
	var script []string
	if before != nil {
		script = append(script, *before...)
	}
	script = append(script, r.Script...)
	if len(script) > 0 {
		job.Steps = append(job.Steps, Step{Name: StepScript, Script: script})
	}

	after := r.AfterScript
	if after == nil {
		after = d.AfterScript
	}
	if after != nil && len(*after) > 0 {
		job.Steps = append(job.Steps, Step{Name: StepAfterScript, Script: *after, Always: true})
	}
	return job
}
