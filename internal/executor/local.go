package executor

import (
	"bytes"
	"context"
	"errors"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"

	"github.com/kilnci/kiln/pkg/schema"
)

const maxActionOutput = 10 * 1024 * 1024 // 10MB

// LocalConfig configures the host-process backend.
type LocalConfig struct {
	TmpRoot       string // defaults to os.TempDir()
	RunID         string
	KeepWorkspace bool
}

// Local runs jobs as host processes. The run workspace is a uniquely named
// host directory keyed by run identity, created lazily on first use and
// shared by every job of the run; each job gets an isolated subdirectory.
type Local struct {
	cfg    LocalConfig
	logger *slog.Logger

	mu          sync.Mutex
	initialized bool
}

// NewLocal creates a local executor.
func NewLocal(cfg LocalConfig, logger *slog.Logger) *Local {
	if cfg.TmpRoot == "" {
		cfg.TmpRoot = os.TempDir()
	}
	return &Local{cfg: cfg, logger: logger}
}

// Root returns the run workspace directory: <tmpRoot>/<runId>.
func (l *Local) Root() string {
	return filepath.Join(l.cfg.TmpRoot, l.cfg.RunID)
}

// JobDir returns the job workspace: <tmpRoot>/<runId>/jobs/<jobName>.
func (l *Local) JobDir(jobName string) string {
	return filepath.Join(l.Root(), "jobs", jobName)
}

func (l *Local) SetupWorkspace(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.initialized {
		return nil
	}
	if err := os.MkdirAll(l.Root(), 0o755); err != nil {
		return schema.NewErrorf(schema.ErrCodeExecutor, "create run workspace: %v", err).WithCause(err)
	}
	l.initialized = true
	l.logger.DebugContext(ctx, "run workspace created", "path", l.Root())
	return nil
}

func (l *Local) SetupJob(ctx context.Context, jobName string) (string, error) {
	if err := l.SetupWorkspace(ctx); err != nil {
		return "", err
	}
	dir := l.JobDir(jobName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", schema.NewErrorf(schema.ErrCodeExecutor, "create job workspace: %v", err).WithJob(jobName).WithCause(err)
	}
	return dir, nil
}

func (l *Local) RunAction(ctx context.Context, jobName string, action schema.ActionSpec, env []string) error {
	cmd := exec.CommandContext(ctx, action.Command, action.Args...)
	cmd.Dir = l.JobDir(jobName)
	cmd.Env = env

	var out bytes.Buffer
	lw := &limitedWriter{w: &out, limit: maxActionOutput}
	cmd.Stdout = lw
	cmd.Stderr = lw

	err := cmd.Run()
	if out.Len() > 0 {
		l.logger.DebugContext(ctx, "action output", "output", out.String())
	}
	if err == nil {
		return nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return schema.NewErrorf(schema.ErrCodeActionFailed, "action %q exited with code %d", action.Name, exitErr.ExitCode()).
			WithJob(jobName).
			WithDetails(map[string]any{"exit_code": exitErr.ExitCode()}).
			WithCause(err)
	}
	// Non-exit error, e.g. command not found.
	return schema.NewErrorf(schema.ErrCodeActionFailed, "action %q: %v", action.Name, err).WithJob(jobName).WithCause(err)
}

func (l *Local) CopyOut(ctx context.Context, src, hostDst string) error {
	return hostCopy(src, hostDst)
}

func (l *Local) CopyIn(ctx context.Context, hostSrc, dst string) error {
	return hostCopy(hostSrc, dst)
}

func (l *Local) Exists(ctx context.Context, path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, schema.NewErrorf(schema.ErrCodeExecutor, "stat %s: %v", path, err).WithCause(err)
}

func (l *Local) TeardownWorkspace(ctx context.Context, jobName string) error {
	if l.cfg.KeepWorkspace {
		l.logger.DebugContext(ctx, "keeping job workspace", "path", l.JobDir(jobName))
		return nil
	}
	if err := os.RemoveAll(l.JobDir(jobName)); err != nil {
		return schema.NewErrorf(schema.ErrCodeExecutor, "remove job workspace: %v", err).WithJob(jobName).WithCause(err)
	}
	return nil
}

// RemoveRoot deletes the whole run workspace at run end, unless the
// keep-workspace override is set.
func (l *Local) RemoveRoot() error {
	if l.cfg.KeepWorkspace {
		return nil
	}
	return os.RemoveAll(l.Root())
}

// hostCopy copies src to dst on the host filesystem. Directory sources have
// their contents copied into dst; file sources are copied to the dst path.
func hostCopy(src, dst string) error {
	info, err := os.Stat(src)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeExecutor, "copy source %s: %v", src, err).WithCause(err)
	}
	if info.IsDir() {
		if _, err := copyDir(src, dst); err != nil {
			return schema.NewErrorf(schema.ErrCodeExecutor, "copy %s -> %s: %v", src, dst, err).WithCause(err)
		}
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return schema.NewErrorf(schema.ErrCodeExecutor, "create parent of %s: %v", dst, err).WithCause(err)
	}
	if _, err := copyFile(src, dst, info.Mode()); err != nil {
		return schema.NewErrorf(schema.ErrCodeExecutor, "copy %s -> %s: %v", src, dst, err).WithCause(err)
	}
	return nil
}

// copyFile copies a single file from src to dst, preserving the given file mode.
func copyFile(src, dst string, mode os.FileMode) (int64, error) {
	srcFile, err := os.Open(src)
	if err != nil {
		return 0, err
	}
	defer srcFile.Close()

	dstFile, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return 0, err
	}
	defer dstFile.Close()

	n, err := io.Copy(dstFile, srcFile)
	if err != nil {
		return 0, err
	}
	return n, nil
}

// copyDir recursively copies the contents of directory src into dst.
func copyDir(src, dst string) (int64, error) {
	var totalSize int64

	return totalSize, filepath.WalkDir(src, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}

		rel, err := filepath.Rel(src, p)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)

		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}

		info, err := d.Info()
		if err != nil {
			return err
		}

		n, err := copyFile(p, target, info.Mode())
		if err != nil {
			return err
		}
		totalSize += n
		return nil
	})
}

// limitedWriter wraps a writer and silently discards bytes beyond the limit.
// Write always reports the full len(p) consumed to prevent the subprocess
// from blocking on a full pipe.
type limitedWriter struct {
	w       io.Writer
	limit   int64
	written int64
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	total := len(p)
	remaining := lw.limit - lw.written
	if remaining <= 0 {
		return total, nil
	}
	if int64(len(p)) > remaining {
		p = p[:remaining]
	}
	n, err := lw.w.Write(p)
	lw.written += int64(n)
	if err != nil {
		return total, err
	}
	return total, nil
}
