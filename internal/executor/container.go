package executor

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"github.com/kilnci/kiln/pkg/schema"
)

// ExecOptions configures a single in-container command execution.
type ExecOptions struct {
	Env        []string
	WorkingDir string
}

// Runtime is the container engine surface the executor needs. Implemented by
// DockerRuntime; faked in tests.
type Runtime interface {
	// EnsureContainer returns the ID of a running container with the given
	// name, creating and starting it from image if needed.
	EnsureContainer(ctx context.Context, image, name string) (string, error)

	// Exec runs cmd inside the container and returns its exit code and
	// combined output.
	Exec(ctx context.Context, containerID string, cmd []string, opts ExecOptions) (int, string, error)

	// ExecStreamIn runs cmd with stdin connected to the given reader.
	ExecStreamIn(ctx context.Context, containerID string, cmd []string, stdin io.Reader) error

	// ExecStreamOut runs cmd with stdout connected to the given writer.
	ExecStreamOut(ctx context.Context, containerID string, cmd []string, stdout io.Writer) error
}

// Pool tracks running container instances keyed by (image, alias). Jobs
// mapped to the same key share one instance; isolation beyond a job's own
// subdirectory is not assumed. Container teardown is delegated to the
// external provisioning step; only job subdirectories are this package's
// concern.
type Pool struct {
	runtime Runtime
	runID   string

	mu         sync.Mutex
	containers map[string]string // (image, alias) key -> container ID
}

// NewPool creates a container pool for a run.
func NewPool(runtime Runtime, runID string) *Pool {
	return &Pool{
		runtime:    runtime,
		runID:      runID,
		containers: make(map[string]string),
	}
}

// acquire returns the container ID for the (image, alias) key, starting the
// instance on first use.
func (p *Pool) acquire(ctx context.Context, image, alias string) (string, error) {
	key := image + "|" + alias

	p.mu.Lock()
	defer p.mu.Unlock()
	if id, ok := p.containers[key]; ok {
		return id, nil
	}

	name := fmt.Sprintf("kiln-%s-%s", p.runID, sanitizeName(alias))
	id, err := p.runtime.EnsureContainer(ctx, image, name)
	if err != nil {
		return "", schema.NewErrorf(schema.ErrCodeExecutor, "start container %s (%s): %v", alias, image, err).WithCause(err)
	}
	p.containers[key] = id
	return id, nil
}

func sanitizeName(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		default:
			return '-'
		}
	}, s)
}

// ContainerConfig configures the container backend for one (image, alias) key.
type ContainerConfig struct {
	RunID         string
	Image         string
	Alias         string
	KeepWorkspace bool
}

// Container runs jobs inside a container instance shared by every job mapped
// to the same (image, alias) key. Transport crosses the container boundary
// as tar streams over exec.
type Container struct {
	pool   *Pool
	cfg    ContainerConfig
	logger *slog.Logger

	mu sync.Mutex
	id string // resolved container ID, set on first SetupWorkspace
}

// NewContainer creates a container executor bound to one (image, alias) key.
func NewContainer(pool *Pool, cfg ContainerConfig, logger *slog.Logger) *Container {
	if cfg.Alias == "" {
		cfg.Alias = cfg.Image
	}
	return &Container{pool: pool, cfg: cfg, logger: logger}
}

// Root returns the run workspace directory inside the container.
func (c *Container) Root() string {
	return path.Join("/tmp/kiln", c.cfg.RunID)
}

// JobDir returns the job workspace inside the container.
func (c *Container) JobDir(jobName string) string {
	return path.Join(c.Root(), "jobs", jobName)
}

func (c *Container) SetupWorkspace(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.id != "" {
		return nil
	}
	id, err := c.pool.acquire(ctx, c.cfg.Image, c.cfg.Alias)
	if err != nil {
		return err
	}
	if err := c.run(ctx, []string{"mkdir", "-p", c.Root()}); err != nil {
		return err
	}
	c.id = id
	c.logger.DebugContext(ctx, "container workspace ready", "image", c.cfg.Image, "alias", c.cfg.Alias)
	return nil
}

func (c *Container) SetupJob(ctx context.Context, jobName string) (string, error) {
	if err := c.SetupWorkspace(ctx); err != nil {
		return "", err
	}
	dir := c.JobDir(jobName)
	if err := c.run(ctx, []string{"mkdir", "-p", dir}); err != nil {
		return "", schema.NewErrorf(schema.ErrCodeExecutor, "create job workspace: %v", err).WithJob(jobName).WithCause(err)
	}
	return dir, nil
}

func (c *Container) RunAction(ctx context.Context, jobName string, action schema.ActionSpec, env []string) error {
	id, err := c.containerID(ctx)
	if err != nil {
		return err
	}

	cmd := append([]string{action.Command}, action.Args...)
	code, output, err := c.pool.runtime.Exec(ctx, id, cmd, ExecOptions{
		Env:        env,
		WorkingDir: c.JobDir(jobName),
	})
	if output != "" {
		c.logger.DebugContext(ctx, "action output", "output", output)
	}
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeActionFailed, "action %q: %v", action.Name, err).WithJob(jobName).WithCause(err)
	}
	if code != 0 {
		return schema.NewErrorf(schema.ErrCodeActionFailed, "action %q exited with code %d", action.Name, code).
			WithJob(jobName).
			WithDetails(map[string]any{"exit_code": code})
	}
	return nil
}

func (c *Container) CopyIn(ctx context.Context, hostSrc, dst string) error {
	id, err := c.containerID(ctx)
	if err != nil {
		return err
	}

	info, err := os.Stat(hostSrc)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeExecutor, "copy source %s: %v", hostSrc, err).WithCause(err)
	}

	pr, pw := io.Pipe()
	extractDir := dst
	go func() {
		if info.IsDir() {
			pw.CloseWithError(writeDirTar(pw, hostSrc))
		} else {
			pw.CloseWithError(writeFileTar(pw, hostSrc, path.Base(dst)))
		}
	}()
	if !info.IsDir() {
		extractDir = path.Dir(dst)
	}

	if err := c.run(ctx, []string{"mkdir", "-p", extractDir}); err != nil {
		pr.CloseWithError(err)
		return err
	}
	if err := c.pool.runtime.ExecStreamIn(ctx, id, []string{"tar", "-C", extractDir, "-xpf", "-"}, pr); err != nil {
		return schema.NewErrorf(schema.ErrCodeExecutor, "copy into container %s: %v", dst, err).WithCause(err)
	}
	return nil
}

func (c *Container) CopyOut(ctx context.Context, src, hostDst string) error {
	id, err := c.containerID(ctx)
	if err != nil {
		return err
	}

	isDir, err := c.isDir(ctx, src)
	if err != nil {
		return err
	}

	tarCmd := []string{"tar", "-C", src, "-cf", "-", "."}
	extractDir := hostDst
	if !isDir {
		tarCmd = []string{"tar", "-C", path.Dir(src), "-cf", "-", path.Base(src)}
		extractDir = filepath.Dir(hostDst)
	}
	if err := os.MkdirAll(extractDir, 0o755); err != nil {
		return schema.NewErrorf(schema.ErrCodeExecutor, "create %s: %v", extractDir, err).WithCause(err)
	}

	pr, pw := io.Pipe()
	go func() {
		pw.CloseWithError(c.pool.runtime.ExecStreamOut(ctx, id, tarCmd, pw))
	}()
	if err := extractTar(pr, extractDir); err != nil {
		return schema.NewErrorf(schema.ErrCodeExecutor, "copy out of container %s: %v", src, err).WithCause(err)
	}

	// A single-file copy may target a different file name than the source.
	if !isDir {
		extracted := filepath.Join(extractDir, path.Base(src))
		if extracted != hostDst {
			if err := os.Rename(extracted, hostDst); err != nil {
				return schema.NewErrorf(schema.ErrCodeExecutor, "rename %s -> %s: %v", extracted, hostDst, err).WithCause(err)
			}
		}
	}
	return nil
}

func (c *Container) Exists(ctx context.Context, p string) (bool, error) {
	id, err := c.containerID(ctx)
	if err != nil {
		return false, err
	}
	code, _, err := c.pool.runtime.Exec(ctx, id, []string{"test", "-e", p}, ExecOptions{})
	if err != nil {
		return false, schema.NewErrorf(schema.ErrCodeExecutor, "check %s: %v", p, err).WithCause(err)
	}
	return code == 0, nil
}

func (c *Container) TeardownWorkspace(ctx context.Context, jobName string) error {
	if c.cfg.KeepWorkspace {
		c.logger.DebugContext(ctx, "keeping job workspace", "path", c.JobDir(jobName))
		return nil
	}
	if err := c.run(ctx, []string{"rm", "-rf", c.JobDir(jobName)}); err != nil {
		return schema.NewErrorf(schema.ErrCodeExecutor, "remove job workspace: %v", err).WithJob(jobName).WithCause(err)
	}
	return nil
}

func (c *Container) isDir(ctx context.Context, p string) (bool, error) {
	id, err := c.containerID(ctx)
	if err != nil {
		return false, err
	}
	code, _, err := c.pool.runtime.Exec(ctx, id, []string{"test", "-d", p}, ExecOptions{})
	if err != nil {
		return false, schema.NewErrorf(schema.ErrCodeExecutor, "check %s: %v", p, err).WithCause(err)
	}
	return code == 0, nil
}

// containerID resolves the backing container, initializing the workspace if
// a transport primitive is called before SetupWorkspace.
func (c *Container) containerID(ctx context.Context) (string, error) {
	c.mu.Lock()
	id := c.id
	c.mu.Unlock()
	if id != "" {
		return id, nil
	}
	if err := c.SetupWorkspace(ctx); err != nil {
		return "", err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.id, nil
}

// run executes a command and folds a non-zero exit into the error.
func (c *Container) run(ctx context.Context, cmd []string) error {
	id, err := c.pool.acquire(ctx, c.cfg.Image, c.cfg.Alias)
	if err != nil {
		return err
	}
	code, output, err := c.pool.runtime.Exec(ctx, id, cmd, ExecOptions{})
	if err != nil {
		return err
	}
	if code != 0 {
		return fmt.Errorf("%s exited with code %d: %s", cmd[0], code, strings.TrimSpace(output))
	}
	return nil
}
