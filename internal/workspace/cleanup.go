package workspace

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	goruntime "runtime"
	"time"
)

// DefaultCleanupAttempts bounds how often Clean tries to remove a build root.
const DefaultCleanupAttempts = 10

// Strategy removes a directory tree.
type Strategy interface {
	Name() string
	Remove(ctx context.Context, dir string) error
}

// DirRemover deletes parent/name out of band, typically from a container.
type DirRemover interface {
	RemoveDir(ctx context.Context, image, parent, name string) error
}

// DirectRemove is a plain recursive delete.
type DirectRemove struct{}

func (DirectRemove) Name() string { return "remove" }

func (DirectRemove) Remove(ctx context.Context, dir string) error {
	return os.RemoveAll(dir)
}

// PermissionReset makes every entry writable before deleting. Needed where
// read-only attributes block deletion.
type PermissionReset struct{}

func (PermissionReset) Name() string { return "reset-permissions" }

func (PermissionReset) Remove(ctx context.Context, dir string) error {
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		if d.Type()&fs.ModeSymlink != 0 {
			return nil
		}
		return os.Chmod(p, info.Mode().Perm()|0o700)
	})
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("reset permissions: %w", err)
	}
	return os.RemoveAll(dir)
}

// ContainerRemove deletes the directory from a container that mounts its parent.
type ContainerRemove struct {
	Remover DirRemover
	Image   string
}

func (ContainerRemove) Name() string { return "container" }

func (c ContainerRemove) Remove(ctx context.Context, dir string) error {
	if _, err := os.Lstat(dir); errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return c.Remover.RemoveDir(ctx, c.Image, filepath.Dir(dir), filepath.Base(dir))
}

// Capabilities describe the host as far as cleanup cares.
type Capabilities struct {
	// HonorsReadOnlyAttributes is true where a read-only file blocks its deletion.
	HonorsReadOnlyAttributes bool
	// ContainerRuntime is nil when no container runtime is available.
	ContainerRuntime DirRemover
	CleanupImage     string
}

// HostCapabilities reports the capabilities of the current platform.
func HostCapabilities(remover DirRemover, cleanupImage string) Capabilities {
	return Capabilities{
		HonorsReadOnlyAttributes: goruntime.GOOS == "windows",
		ContainerRuntime:         remover,
		CleanupImage:             cleanupImage,
	}
}

// Strategies returns the strategies to try in order.
func (c Capabilities) Strategies() []Strategy {
	var s []Strategy
	if c.HonorsReadOnlyAttributes {
		s = append(s, PermissionReset{})
	} else {
		s = append(s, DirectRemove{})
	}
	if c.ContainerRuntime != nil {
		s = append(s, ContainerRemove{Remover: c.ContainerRuntime, Image: c.CleanupImage})
	}
	return s
}

// Cleaner removes build roots, retrying with a linear backoff.
type Cleaner struct {
	Strategies []Strategy
	Attempts   int
	// Backoff returns the pause before the next attempt given how many remain.
	Backoff func(remaining int) time.Duration
	Sleep   func(ctx context.Context, d time.Duration) error
	Logger  *slog.Logger
}

// NewCleaner returns a Cleaner with DefaultCleanupAttempts and a backoff of
// three seconds per remaining attempt.
func NewCleaner(caps Capabilities, logger *slog.Logger) *Cleaner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cleaner{
		Strategies: caps.Strategies(),
		Attempts:   DefaultCleanupAttempts,
		Backoff:    LinearBackoff(3 * time.Second),
		Sleep:      sleepContext,
		Logger:     logger,
	}
}

// LinearBackoff returns a backoff of step times the remaining attempts.
func LinearBackoff(step time.Duration) func(int) time.Duration {
	return func(remaining int) time.Duration {
		return time.Duration(remaining) * step
	}
}

// Clean removes dir. Each attempt tries every strategy in order until one
// succeeds. The last error is returned once all attempts are used up.
func (c *Cleaner) Clean(ctx context.Context, dir string) error {
	attempts := c.Attempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		lastErr = c.tryOnce(ctx, dir)
		if lastErr == nil {
			return nil
		}

		remaining := attempts - attempt
		if remaining == 0 {
			break
		}
		delay := c.Backoff(remaining)
		c.Logger.Warn("build root cleanup failed, retrying",
			"dir", dir,
			"attempt", attempt,
			"remaining", remaining,
			"backoff", delay,
			"error", lastErr,
		)
		if err := c.Sleep(ctx, delay); err != nil {
			return fmt.Errorf("remove %s: %w (last error: %v)", dir, err, lastErr)
		}
	}
	return fmt.Errorf("remove %s after %d attempts: %w", dir, attempts, lastErr)
}

func (c *Cleaner) tryOnce(ctx context.Context, dir string) error {
	var errs []error
	for _, s := range c.Strategies {
		err := s.Remove(ctx, dir)
		if err == nil {
			return nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
	}
	if len(errs) == 0 {
		return errors.New("no cleanup strategy configured")
	}
	return errors.Join(errs...)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
