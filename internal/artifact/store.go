// Package artifact implements the run-scoped artifact store. Artifacts are
// staged on the host under a per-store root and move across the executor
// boundary through the transport primitives, so the same save and restore
// semantics hold for host and container jobs.
package artifact

import (
	"context"
	"log/slog"
	"os"
	"path"
	"path/filepath"

	"github.com/kilnci/kiln/internal/executor"
	"github.com/kilnci/kiln/internal/telemetry"
	"github.com/kilnci/kiln/pkg/schema"
)

// Store persists named artifacts under <root>/<name>/<path-as-saved>.
type Store struct {
	root    string
	logger  *slog.Logger
	metrics *telemetry.Metrics
}

// NewStore creates an artifact store rooted at root.
func NewStore(root string, logger *slog.Logger, metrics *telemetry.Metrics) (*Store, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "create artifact root %s: %v", root, err).WithCause(err)
	}
	return &Store{root: root, logger: logger, metrics: metrics}, nil
}

// Root returns the store's host directory.
func (s *Store) Root() string {
	return s.root
}

// dir returns the host directory holding one named artifact.
func (s *Store) dir(name string) string {
	return filepath.Join(s.root, name)
}

// Exists reports whether a named artifact is present in the store.
func (s *Store) Exists(name string) bool {
	_, err := os.Stat(s.dir(name))
	return err == nil
}

// Save captures a job output into the store. The output path is resolved
// relative to the job workspace and preserved inside the artifact, so a
// restore lands files back at the same relative location. Saving over an
// existing artifact name replaces it entirely.
func (s *Store) Save(ctx context.Context, exec executor.Executor, jobName string, output schema.ArtifactOutput) error {
	src := path.Join(exec.JobDir(jobName), output.Path)

	ok, err := exec.Exists(ctx, src)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "check output %s: %v", output.Path, err).WithJob(jobName).WithCause(err)
	}
	if !ok {
		return schema.NewErrorf(schema.ErrCodeArtifactMissing, "output %q not found at %s", output.Name, output.Path).
			WithJob(jobName).
			WithDetails(map[string]any{"artifact": output.Name, "path": output.Path})
	}

	if err := os.RemoveAll(s.dir(output.Name)); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "replace artifact %q: %v", output.Name, err).WithJob(jobName).WithCause(err)
	}

	dst := filepath.Join(s.dir(output.Name), filepath.FromSlash(output.Path))
	if err := exec.CopyOut(ctx, src, dst); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "save artifact %q: %v", output.Name, err).WithJob(jobName).WithCause(err)
	}

	s.metrics.ArtifactsSaved.Inc()
	s.logger.InfoContext(ctx, "artifact saved", "artifact", output.Name, "path", output.Path)
	return nil
}

// Restore copies a named artifact into the job workspace, placing each saved
// entry back at its preserved relative path. A missing artifact is an error;
// individual entry copy failures are logged and skipped so one bad file does
// not sink the whole restore.
func (s *Store) Restore(ctx context.Context, exec executor.Executor, jobName string, input schema.ArtifactInput) error {
	stored := s.dir(input.Name)
	if _, err := os.Stat(stored); err != nil {
		return schema.NewErrorf(schema.ErrCodeArtifactMissing, "artifact %q not found in store", input.Name).
			WithJob(jobName).
			WithDetails(map[string]any{"artifact": input.Name})
	}

	entries, err := os.ReadDir(stored)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "read artifact %q: %v", input.Name, err).WithJob(jobName).WithCause(err)
	}

	jobDir := exec.JobDir(jobName)
	for _, entry := range entries {
		hostSrc := filepath.Join(stored, entry.Name())
		dst := path.Join(jobDir, entry.Name())
		if err := exec.CopyIn(ctx, hostSrc, dst); err != nil {
			s.logger.WarnContext(ctx, "artifact entry restore failed",
				"artifact", input.Name, "entry", entry.Name(), "error", err)
		}
	}

	s.metrics.ArtifactsRestored.Inc()
	s.logger.InfoContext(ctx, "artifact restored", "artifact", input.Name)
	return nil
}

// List returns the names of all stored artifacts.
func (s *Store) List() ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "list artifacts: %v", err).WithCause(err)
	}
	var names []string
	for _, entry := range entries {
		if entry.IsDir() {
			names = append(names, entry.Name())
		}
	}
	return names, nil
}
