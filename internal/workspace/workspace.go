// Package workspace owns the per-job build root: its layout on disk, the
// job variables materialized into it and its removal afterwards.
package workspace

import (
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// DefaultProjectPath is the checkout path used when the server sends none.
const DefaultProjectPath = "project"

// ErrInvalidProjectPath is returned for project paths that leave the build root.
var ErrInvalidProjectPath = errors.New("invalid project path")

// Workspace is the directory tree of one job:
//
//	<Root>/<project path>  checkout, also the artifact root
//	<Root>/tmp             file variables and downloads
//	<Root>/artifacts       archives produced by the job
type Workspace struct {
	Root         string
	ProjectDir   string
	TmpDir       string
	ArtifactsDir string
}

// Create makes a uniquely named build root under buildsDir. projectPath is
// the slash-separated path of the project on the server, e.g. group/app.
func Create(buildsDir, projectPath string) (*Workspace, error) {
	rel, err := cleanProjectPath(projectPath)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(buildsDir, 0o755); err != nil {
		return nil, fmt.Errorf("create builds dir: %w", err)
	}
	abs, err := filepath.Abs(buildsDir)
	if err != nil {
		return nil, err
	}

	root := filepath.Join(abs, uuid.NewString())
	ws := &Workspace{
		Root:         root,
		ProjectDir:   filepath.Join(root, filepath.FromSlash(rel)),
		TmpDir:       filepath.Join(root, "tmp"),
		ArtifactsDir: filepath.Join(root, "artifacts"),
	}
	// the checkout directory itself is created by git clone
	for _, dir := range []string{root, filepath.Dir(ws.ProjectDir), ws.TmpDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create build root: %w", err)
		}
	}
	if err := os.Chmod(ws.TmpDir, 0o700); err != nil {
		return nil, err
	}
	return ws, nil
}

func cleanProjectPath(p string) (string, error) {
	p = strings.Trim(filepath.ToSlash(p), "/")
	if p == "" {
		return DefaultProjectPath, nil
	}
	clean := path.Clean(p)
	if clean == "." || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("%w: %q", ErrInvalidProjectPath, p)
	}
	switch strings.SplitN(clean, "/", 2)[0] {
	case "tmp", "artifacts":
		return "", fmt.Errorf("%w: %q collides with the build root layout", ErrInvalidProjectPath, p)
	}
	return clean, nil
}
