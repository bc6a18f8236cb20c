// Package git fetches a job's sources with the git CLI. Every command
// targets an explicit directory through -C; nothing relies on the process
// working directory.
package git

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// Repository is a checkout directory. Command output is copied to out as
// it is produced so it shows up in the job log.
type Repository struct {
	dir string
	out io.Writer
}

// NewRepository returns a Repository rooted at dir. A nil out discards output.
func NewRepository(dir string, out io.Writer) *Repository {
	if out == nil {
		out = io.Discard
	}
	return &Repository{dir: dir, out: out}
}

// Clone clones url into the repository directory, which must not exist or
// be empty.
func (r *Repository) Clone(ctx context.Context, url string) error {
	parent := filepath.Dir(r.dir)
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return fmt.Errorf("create checkout parent: %w", err)
	}
	return r.stream(ctx, parent, "clone", "--no-checkout", url, r.dir)
}

// Checkout forces the working tree to ref, which may be a branch, tag or SHA,
// and reports the resulting commit to out.
func (r *Repository) Checkout(ctx context.Context, ref string) error {
	if ref == "" {
		return fmt.Errorf("git checkout in %s: empty ref", r.dir)
	}
	if err := r.stream(ctx, r.dir, "checkout", "-f", "-q", ref); err != nil {
		return err
	}
	head, err := r.output(ctx, "rev-parse", "HEAD")
	if err != nil {
		return err
	}
	fmt.Fprintf(r.out, "Checked out %s\n", strings.TrimSpace(head))
	return nil
}

// output runs a git command in the repository and returns stdout. Stderr is
// included in the error on failure.
func (r *Repository) output(ctx context.Context, args ...string) (string, error) {
	var stdout, stderr bytes.Buffer
	command := r.command(ctx, r.dir, args...)
	command.Stdout = &stdout
	command.Stderr = &stderr

	if err := command.Run(); err != nil {
		return "", fmt.Errorf("git %s in %s: %w (stderr: %s)",
			strings.Join(args, " "), r.dir, err, strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}

// stream runs git in dir with stdout and stderr both copied to r.out.
func (r *Repository) stream(ctx context.Context, dir string, args ...string) error {
	command := r.command(ctx, dir, args...)
	command.Stdout = r.out
	command.Stderr = r.out

	if err := command.Run(); err != nil {
		return fmt.Errorf("git %s in %s: %w", strings.Join(args, " "), dir, err)
	}
	return nil
}

func (r *Repository) command(ctx context.Context, dir string, args ...string) *exec.Cmd {
	fullArgs := append([]string{"-C", dir}, args...)
	command := exec.CommandContext(ctx, "git", fullArgs...)
	command.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")
	return command
}
