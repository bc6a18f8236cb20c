// Package archive packages job artifacts into zip files and unpacks the
// artifacts of prior jobs.
package archive

import (
	"archive/zip"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/klauspost/compress/flate"

	"cirunner/pkg/api"
)

// DefaultName is the archive file name when the job does not set one.
const DefaultName = "archive.zip"

// When decides for which job outcomes artifacts are collected.
type When string

const (
	WhenOnSuccess When = "on_success"
	WhenOnFailure When = "on_failure"
	WhenAlways    When = "always"
)

// Spec is the artifact policy of one job.
type Spec struct {
	Name     string
	When     When
	Paths    []string
	Exclude  []string
	ExpireIn string
}

// SpecFromJob derives the policy from the job's archive artifact.
// ok is false when the job declares no archive artifact.
func SpecFromJob(job *api.JobResponse) (spec Spec, ok bool) {
	artifact, found := job.ArchiveArtifact()
	if !found {
		return Spec{}, false
	}

	spec = Spec{
		Name:    DefaultName,
		When:    WhenOnSuccess,
		Paths:   artifact.Paths,
		Exclude: artifact.Exclude,
	}
	if artifact.Name != nil && *artifact.Name != "" {
		spec.Name = *artifact.Name
		if !strings.HasSuffix(strings.ToLower(spec.Name), ".zip") {
			spec.Name += ".zip"
		}
	}
	if artifact.When != nil && *artifact.When != "" {
		spec.When = When(*artifact.When)
	}
	if artifact.ExpireIn != nil {
		spec.ExpireIn = *artifact.ExpireIn
	}
	return spec, true
}

// ShouldArchive reports whether the policy applies to the job outcome.
// Unknown values behave like on_success.
func (s Spec) ShouldArchive(jobFailed bool) bool {
	switch s.When {
	case WhenAlways:
		return true
	case WhenOnFailure:
		return jobFailed
	default:
		return !jobFailed
	}
}

// Result describes a produced archive.
type Result struct {
	Path    string
	Entries int
	Size    int64
}

// Create zips the files under root matched by spec.Paths and not matched by
// spec.Exclude into destDir/spec.Name. It returns ok=false without error when
// there is nothing to archive because no paths are declared.
func Create(spec Spec, root, destDir string) (res Result, ok bool, err error) {
	if len(spec.Paths) == 0 {
		return Result{}, false, nil
	}

	files, err := collect(spec, root)
	if err != nil {
		return Result{}, false, err
	}

	name := spec.Name
	if name == "" {
		name = DefaultName
	}
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return Result{}, false, fmt.Errorf("create archive dir: %w", err)
	}
	dest := filepath.Join(destDir, filepath.Base(name))

	if err := writeZip(dest, root, files); err != nil {
		os.Remove(dest)
		return Result{}, false, err
	}

	info, err := os.Stat(dest)
	if err != nil {
		return Result{}, false, err
	}
	return Result{Path: dest, Entries: len(files), Size: info.Size()}, true, nil
}

// collect resolves include and exclude globs to a sorted list of
// slash-separated file paths relative to root.
func collect(spec Spec, root string) ([]string, error) {
	fsys := os.DirFS(root)

	excluded := make(map[string]bool)
	for _, pattern := range spec.Exclude {
		matches, err := doublestar.Glob(fsys, cleanPattern(pattern))
		if err != nil {
			return nil, fmt.Errorf("exclude pattern %q: %w", pattern, err)
		}
		for _, m := range matches {
			excluded[m] = true
		}
	}

	seen := make(map[string]bool)
	var files []string
	add := func(rel string) {
		if !seen[rel] {
			seen[rel] = true
			files = append(files, rel)
		}
	}

	for _, pattern := range spec.Paths {
		matches, err := doublestar.Glob(fsys, cleanPattern(pattern))
		if err != nil {
			return nil, fmt.Errorf("path pattern %q: %w", pattern, err)
		}
		for _, m := range matches {
			if excluded[m] {
				continue
			}
			info, err := fs.Stat(fsys, m)
			if err != nil {
				return nil, err
			}
			if !info.IsDir() {
				add(m)
				continue
			}
			err = fs.WalkDir(fsys, m, func(p string, d fs.DirEntry, err error) error {
				if err != nil {
					return err
				}
				if excluded[p] {
					if d.IsDir() {
						return fs.SkipDir
					}
					return nil
				}
				if d.Type().IsRegular() {
					add(p)
				}
				return nil
			})
			if err != nil {
				return nil, fmt.Errorf("walk %s: %w", m, err)
			}
		}
	}

	sort.Strings(files)
	return files, nil
}

// cleanPattern turns a user pattern into one rooted at the fs root.
func cleanPattern(pattern string) string {
	p := filepath.ToSlash(pattern)
	p = strings.TrimPrefix(p, "./")
	p = strings.TrimSuffix(p, "/")
	if p == "" {
		return "."
	}
	return path.Clean(p)
}

func writeZip(dest, root string, files []string) error {
	out, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("create archive: %w", err)
	}
	defer out.Close()

	zw := zip.NewWriter(out)
	zw.RegisterCompressor(zip.Deflate, func(w io.Writer) (io.WriteCloser, error) {
		return flate.NewWriter(w, flate.DefaultCompression)
	})

	for _, rel := range files {
		if err := addFile(zw, root, rel); err != nil {
			zw.Close()
			return err
		}
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("finish archive: %w", err)
	}
	return out.Close()
}

func addFile(zw *zip.Writer, root, rel string) error {
	src := filepath.Join(root, filepath.FromSlash(rel))
	f, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open %s: %w", rel, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}
	header, err := zip.FileInfoHeader(info)
	if err != nil {
		return err
	}
	header.Name = rel
	header.Method = zip.Deflate

	w, err := zw.CreateHeader(header)
	if err != nil {
		return fmt.Errorf("add %s: %w", rel, err)
	}
	if _, err := io.Copy(w, f); err != nil {
		return fmt.Errorf("compress %s: %w", rel, err)
	}
	return nil
}

// ErrUnsafePath is returned for archive entries that would escape the destination.
var ErrUnsafePath = errors.New("archive entry escapes destination")

// Extract unpacks the zip at src into dest and returns the number of files written.
func Extract(src, dest string) (int, error) {
	zr, err := zip.OpenReader(src)
	if err != nil {
		return 0, fmt.Errorf("open archive: %w", err)
	}
	defer zr.Close()
	zr.RegisterDecompressor(zip.Deflate, flate.NewReader)

	count := 0
	for _, entry := range zr.File {
		target, err := safeJoin(dest, entry.Name)
		if err != nil {
			return count, err
		}

		if entry.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return count, err
			}
			continue
		}
		if err := extractFile(entry, target); err != nil {
			return count, err
		}
		count++
	}
	return count, nil
}

func extractFile(entry *zip.File, target string) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}

	rc, err := entry.Open()
	if err != nil {
		return fmt.Errorf("read %s: %w", entry.Name, err)
	}
	defer rc.Close()

	mode := entry.Mode().Perm()
	if mode == 0 {
		mode = 0o644
	}
	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, rc); err != nil {
		out.Close()
		return fmt.Errorf("write %s: %w", entry.Name, err)
	}
	return out.Close()
}

func safeJoin(dest, name string) (string, error) {
	clean := filepath.FromSlash(path.Clean("/" + name))
	target := filepath.Join(dest, clean)
	rel, err := filepath.Rel(dest, target)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrUnsafePath, name)
	}
	return target, nil
}
