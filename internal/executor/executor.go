// Package executor abstracts where a job runs. Both backends own workspace
// lifecycle and the transport primitives the artifact store is built on; they
// produce identical job-lifecycle behavior and artifact path semantics, only
// the transport mechanism differs.
package executor

import (
	"context"

	"github.com/kilnci/kiln/pkg/schema"
)

// Executor is the execution backend contract. Paths handed to the transport
// primitives are in workspace coordinates: host paths for the local backend,
// container paths for the container backend.
type Executor interface {
	// SetupWorkspace initializes the run workspace. Idempotent: reused if
	// already initialized for this run.
	SetupWorkspace(ctx context.Context) error

	// SetupJob creates the job's isolated subdirectory and returns its path.
	SetupJob(ctx context.Context, jobName string) (string, error)

	// JobDir returns the job's workspace path without creating it.
	JobDir(jobName string) string

	// RunAction executes one attempt of an action command in the job's
	// workspace with the given environment. A non-zero exit is returned as
	// an ACTION_FAILED error. Condition gating and retries belong to the
	// engine, not the backend.
	RunAction(ctx context.Context, jobName string, action schema.ActionSpec, env []string) error

	// CopyOut recursively copies a workspace path to a host destination.
	CopyOut(ctx context.Context, src, hostDst string) error

	// CopyIn recursively copies a host path to a workspace destination.
	CopyIn(ctx context.Context, hostSrc, dst string) error

	// Exists reports whether a workspace path exists.
	Exists(ctx context.Context, path string) (bool, error)

	// TeardownWorkspace removes the job's workspace subdirectory, honoring
	// the keep-workspace override.
	TeardownWorkspace(ctx context.Context, jobName string) error
}
