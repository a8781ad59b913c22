package engine

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/kilnci/kiln/internal/artifact"
	"github.com/kilnci/kiln/internal/executor"
	"github.com/kilnci/kiln/internal/telemetry"
	"github.com/kilnci/kiln/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEngine(t *testing.T, poolSize int) (*Engine, *captureSink, *artifact.Store) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	store, err := artifact.NewStore(filepath.Join(t.TempDir(), "artifacts"), logger, telemetry.NopMetrics())
	require.NoError(t, err)

	factory := executor.NewFactory(executor.LocalConfig{TmpRoot: t.TempDir(), RunID: "run-1"}, nil, logger)
	sink := &captureSink{}
	e := New(Config{RunID: "run-1", PoolSize: poolSize}, factory, store, sink, telemetry.NopMetrics(), logger)
	return e, sink, store
}

func shJob(name, script string) schema.JobSpec {
	return schema.JobSpec{
		Name: name,
		Actions: []schema.ActionSpec{
			{Name: "run", Command: "sh", Args: []string{"-c", script}},
		},
	}
}

func TestEngine_RunSuccess(t *testing.T) {
	e, sink, _ := newTestEngine(t, 4)

	plan := &schema.Plan{
		Name: "ok",
		Levels: []schema.Level{
			{Jobs: []schema.JobSpec{shJob("a", "true"), shJob("b", "true")}},
			{Jobs: []schema.JobSpec{shJob("c", "true")}},
		},
	}

	result, err := e.Run(context.Background(), plan)
	require.NoError(t, err)

	assert.Equal(t, schema.RunStatusCompleted, result.Status)
	assert.Equal(t, schema.ExitOK, result.ExitCode())
	for _, job := range []string{"a", "b", "c"} {
		assert.Equal(t, schema.JobStatusSuccess, result.Jobs[job], job)
	}
	assert.Equal(t, 1, sink.count(schema.EventRunStarted))
	assert.Equal(t, 2, sink.count(schema.EventLevelCompleted))
	assert.Equal(t, 1, sink.count(schema.EventRunCompleted))
}

func TestEngine_DefaultPoolSizeMatchesWidestLevel(t *testing.T) {
	// PoolSize 0 sizes the pool to the widest level, so all three jobs run
	// concurrently. Each job blocks until every sibling has started; a pool
	// narrower than the level would deadlock the barrier into failures.
	e, _, _ := newTestEngine(t, 0)
	dir := t.TempDir()

	barrier := func(name string) schema.JobSpec {
		script := "touch " + filepath.Join(dir, name) + ` && for i in $(seq 1 200); do` +
			` [ -f ` + filepath.Join(dir, "a") + ` ] && [ -f ` + filepath.Join(dir, "b") + ` ] && [ -f ` + filepath.Join(dir, "c") + ` ] && exit 0;` +
			` sleep 0.01; done; exit 1`
		return shJob(name, script)
	}

	plan := &schema.Plan{
		Levels: []schema.Level{
			{Jobs: []schema.JobSpec{barrier("a"), barrier("b"), barrier("c")}},
		},
	}

	result, err := e.Run(context.Background(), plan)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusCompleted, result.Status)
}

func TestEngine_LevelFailureAbortsLaterLevels(t *testing.T) {
	e, sink, _ := newTestEngine(t, 4)
	marker := filepath.Join(t.TempDir(), "slow-finished")

	plan := &schema.Plan{
		Levels: []schema.Level{
			{Jobs: []schema.JobSpec{
				shJob("fails-fast", "exit 1"),
				shJob("slow-sibling", "sleep 0.2 && touch "+marker),
			}},
			{Jobs: []schema.JobSpec{shJob("never-runs", "true")}},
		},
	}

	result, err := e.Run(context.Background(), plan)
	require.Error(t, err)

	var kerr *schema.KilnError
	require.ErrorAs(t, err, &kerr)
	assert.Equal(t, schema.ErrCodeLevelFailed, kerr.Code)

	assert.Equal(t, schema.RunStatusFailed, result.Status)
	assert.Equal(t, schema.ExitFailure, result.ExitCode())
	assert.Equal(t, schema.JobStatusFailure, result.Jobs["fails-fast"])

	// A failing sibling never interrupts jobs already running in the level.
	assert.Equal(t, schema.JobStatusSuccess, result.Jobs["slow-sibling"])
	_, statErr := os.Stat(marker)
	assert.NoError(t, statErr)

	// The next level was never dispatched, but its job still shows up in the
	// summary as pending.
	assert.Equal(t, schema.JobStatusPending, result.Jobs["never-runs"])
	assert.Equal(t, 1, sink.count(schema.EventLevelFailed))
	assert.Equal(t, 1, sink.count(schema.EventRunFailed))
}

func TestEngine_ContinueOnError(t *testing.T) {
	e, _, _ := newTestEngine(t, 4)

	tolerated := shJob("tolerated", "exit 1")
	tolerated.ContinueOnError = true

	cleanup := shJob("cleanup", "true")
	cleanup.Condition = "always()"

	plan := &schema.Plan{
		Levels: []schema.Level{
			{Jobs: []schema.JobSpec{tolerated}},
			{Jobs: []schema.JobSpec{shJob("default-gated", "true"), cleanup}},
		},
	}

	result, err := e.Run(context.Background(), plan)
	require.NoError(t, err)

	// The run completes, but the failure still counts for conditions:
	// success()-gated jobs in later levels skip while always() runs.
	assert.Equal(t, schema.RunStatusCompleted, result.Status)
	assert.Equal(t, schema.ExitOK, result.ExitCode())
	assert.Equal(t, schema.JobStatusFailure, result.Jobs["tolerated"])
	assert.Equal(t, schema.JobStatusSkipped, result.Jobs["default-gated"])
	assert.Equal(t, schema.JobStatusSuccess, result.Jobs["cleanup"])
	assert.Equal(t, []string{"tolerated"}, result.FailedJobs)
}

func TestEngine_FailureGatedCleanupRuns(t *testing.T) {
	e, _, _ := newTestEngine(t, 4)

	failing := shJob("deploy", "exit 1")
	failing.ContinueOnError = true

	rollback := shJob("rollback", "true")
	rollback.Condition = "failure()"

	plan := &schema.Plan{
		Levels: []schema.Level{
			{Jobs: []schema.JobSpec{failing}},
			{Jobs: []schema.JobSpec{rollback}},
		},
	}

	result, err := e.Run(context.Background(), plan)
	require.NoError(t, err)
	assert.Equal(t, schema.JobStatusSuccess, result.Jobs["rollback"])
}

func TestEngine_ArtifactFlowAcrossLevels(t *testing.T) {
	e, sink, _ := newTestEngine(t, 4)

	build := shJob("build", "mkdir -p dist && echo v1 > dist/out.txt")
	build.Outputs = []schema.ArtifactOutput{{Name: "dist", Path: "dist"}}

	verify := shJob("verify", `test "$(cat dist/out.txt)" = v1`)
	verify.Inputs = []schema.ArtifactInput{{Name: "dist"}}

	plan := &schema.Plan{
		Levels: []schema.Level{
			{Jobs: []schema.JobSpec{build}},
			{Jobs: []schema.JobSpec{verify}},
		},
	}

	result, err := e.Run(context.Background(), plan)
	require.NoError(t, err)

	assert.Equal(t, schema.RunStatusCompleted, result.Status)
	assert.Equal(t, 1, sink.count(schema.EventArtifactSaved))
	assert.Equal(t, 1, sink.count(schema.EventArtifactRestored))
}

func TestEngine_MissingInputFailsJobWithoutRunningActions(t *testing.T) {
	e, sink, _ := newTestEngine(t, 4)

	job := shJob("needs-input", "true")
	job.Inputs = []schema.ArtifactInput{{Name: "ghost"}}

	plan := &schema.Plan{Levels: []schema.Level{{Jobs: []schema.JobSpec{job}}}}

	result, err := e.Run(context.Background(), plan)
	require.Error(t, err)

	assert.Equal(t, schema.JobStatusFailure, result.Jobs["needs-input"])
	assert.Zero(t, sink.count(schema.EventActionStarted))
}

func TestEngine_OutputsSavedEvenWhenActionsFail(t *testing.T) {
	e, _, store := newTestEngine(t, 4)

	job := schema.JobSpec{
		Name: "flaky-build",
		Actions: []schema.ActionSpec{
			{Name: "write-log", Command: "sh", Args: []string{"-c", "echo oops > build.log"}},
			{Name: "compile", Command: "sh", Args: []string{"-c", "exit 1"}},
		},
		Outputs: []schema.ArtifactOutput{{Name: "logs", Path: "build.log"}},
	}

	plan := &schema.Plan{Levels: []schema.Level{{Jobs: []schema.JobSpec{job}}}}

	result, err := e.Run(context.Background(), plan)
	require.Error(t, err)

	assert.Equal(t, schema.JobStatusFailure, result.Jobs["flaky-build"])
	assert.True(t, store.Exists("logs"), "partial outputs survive a failed job")
}

func TestEngine_ProviderFailureAbortsBeforeJobs(t *testing.T) {
	e, sink, _ := newTestEngine(t, 4)

	plan := &schema.Plan{
		Providers: []schema.ProviderSpec{
			{Name: "vault", Command: "sh", Args: []string{"-c", "exit 2"}},
		},
		Levels: []schema.Level{{Jobs: []schema.JobSpec{shJob("a", "true")}}},
	}

	result, err := e.Run(context.Background(), plan)
	require.Error(t, err)

	var kerr *schema.KilnError
	require.ErrorAs(t, err, &kerr)
	assert.Equal(t, schema.ErrCodeProviderFailure, kerr.Code)

	assert.Equal(t, schema.RunStatusFailed, result.Status)
	assert.Equal(t, schema.JobStatusPending, result.Jobs["a"])
	assert.Zero(t, sink.count(schema.EventJobStarted))
}

func TestEngine_EnvironmentLayering(t *testing.T) {
	t.Setenv("KILN_TEST_RUNTIME", "runtime")
	e, _, _ := newTestEngine(t, 1)

	job := schema.JobSpec{
		Name: "env-check",
		Env:  map[string]string{"LAYERED": "job", "JOB_ONLY": "job", "SHARED": "job"},
		Actions: []schema.ActionSpec{
			{
				Name:    "assert",
				Command: "sh",
				Env:     map[string]string{"LAYERED": "action"},
				Args: []string{"-c", `
test "$LAYERED" = action &&
test "$JOB_ONLY" = job &&
test "$DEFAULT_ONLY" = default &&
test "$SHARED" = provider &&
test "$KILN_TEST_RUNTIME" = runtime`},
			},
		},
	}

	plan := &schema.Plan{
		Env: map[string]string{
			"LAYERED":           "default",
			"DEFAULT_ONLY":      "default",
			"KILN_TEST_RUNTIME": "declared-should-lose",
		},
		// Providers rank above job vars: SHARED is declared by both and the
		// provider value must win.
		Providers: []schema.ProviderSpec{
			{Name: "p", Command: "sh", Args: []string{"-c", "echo SHARED=provider"}},
		},
		Levels: []schema.Level{{Jobs: []schema.JobSpec{job}}},
	}

	result, err := e.Run(context.Background(), plan)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusCompleted, result.Status)
}

func TestEngine_Interpolation(t *testing.T) {
	e, _, _ := newTestEngine(t, 1)

	job := schema.JobSpec{
		Name: "stamp",
		Actions: []schema.ActionSpec{
			{
				Name:    "check",
				Command: "sh",
				Args:    []string{"-c", `test "${{ run.id }}" = run-1 && test "${{ job.name }}" = stamp`},
			},
		},
	}

	plan := &schema.Plan{Levels: []schema.Level{{Jobs: []schema.JobSpec{job}}}}

	result, err := e.Run(context.Background(), plan)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusCompleted, result.Status)
}

func TestEngine_RetryRecoversFlakyAction(t *testing.T) {
	e, sink, _ := newTestEngine(t, 1)

	job := schema.JobSpec{
		Name: "flaky",
		Actions: []schema.ActionSpec{
			{
				Name:    "usually-fails-once",
				Command: "sh",
				Args:    []string{"-c", `n=$(cat attempts 2>/dev/null || echo 0); n=$((n+1)); echo $n > attempts; [ $n -ge 2 ]`},
				Retry:   &schema.RetryPolicy{MaxAttempts: 3, Backoff: schema.BackoffConstant, MinDelay: "10ms"},
			},
		},
	}

	plan := &schema.Plan{Levels: []schema.Level{{Jobs: []schema.JobSpec{job}}}}

	result, err := e.Run(context.Background(), plan)
	require.NoError(t, err)

	assert.Equal(t, schema.RunStatusCompleted, result.Status)
	assert.Equal(t, 1, sink.count(schema.EventActionRetry))
	assert.Equal(t, 1, sink.count(schema.EventActionSuccess))
}

func TestEngine_RetryExhaustedFailsJob(t *testing.T) {
	e, sink, _ := newTestEngine(t, 1)

	job := schema.JobSpec{
		Name: "doomed",
		Actions: []schema.ActionSpec{
			{
				Name:    "always-fails",
				Command: "sh",
				Args:    []string{"-c", "exit 1"},
				Retry:   &schema.RetryPolicy{MaxAttempts: 3, Backoff: schema.BackoffConstant, MinDelay: "1ms"},
			},
		},
	}

	plan := &schema.Plan{Levels: []schema.Level{{Jobs: []schema.JobSpec{job}}}}

	result, err := e.Run(context.Background(), plan)
	require.Error(t, err)

	assert.Equal(t, schema.JobStatusFailure, result.Jobs["doomed"])
	assert.Equal(t, 3, sink.count(schema.EventActionStarted))
	assert.Equal(t, 2, sink.count(schema.EventActionRetry))
	assert.Equal(t, 1, sink.count(schema.EventActionFailed))
}

func TestEngine_ActionConditionsWithinJob(t *testing.T) {
	e, sink, _ := newTestEngine(t, 1)
	marker := filepath.Join(t.TempDir(), "cleaned")

	job := schema.JobSpec{
		Name: "with-cleanup",
		Actions: []schema.ActionSpec{
			{Name: "fails", Command: "sh", Args: []string{"-c", "exit 1"}},
			{Name: "skipped-by-default", Command: "sh", Args: []string{"-c", "true"}},
			{Name: "on-failure", Command: "sh", Args: []string{"-c", "touch " + marker}, Condition: "failure()"},
		},
	}

	plan := &schema.Plan{Levels: []schema.Level{{Jobs: []schema.JobSpec{job}}}}

	result, err := e.Run(context.Background(), plan)
	require.Error(t, err)

	assert.Equal(t, schema.JobStatusFailure, result.Jobs["with-cleanup"])
	assert.Equal(t, 1, sink.count(schema.EventActionSkipped))
	_, statErr := os.Stat(marker)
	assert.NoError(t, statErr, "failure() action must run after a failed sibling")
}

func TestEngine_UnrecognizedJobConditionSkips(t *testing.T) {
	e, _, _ := newTestEngine(t, 1)

	odd := shJob("odd", "true")
	odd.Condition = "whenever()"

	plan := &schema.Plan{Levels: []schema.Level{{Jobs: []schema.JobSpec{odd, shJob("normal", "true")}}}}

	result, err := e.Run(context.Background(), plan)
	require.NoError(t, err)

	assert.Equal(t, schema.JobStatusSkipped, result.Jobs["odd"])
	assert.Equal(t, schema.JobStatusSuccess, result.Jobs["normal"])
	assert.Equal(t, schema.RunStatusCompleted, result.Status)
}

func TestEngine_CancelledBeforeRunSchedulesNothing(t *testing.T) {
	e, sink, _ := newTestEngine(t, 2)

	plan := &schema.Plan{
		Levels: []schema.Level{
			{Jobs: []schema.JobSpec{shJob("regular", "true")}},
			{Jobs: []schema.JobSpec{shJob("later", "true")}},
		},
	}

	e.Cancel()
	result, err := e.Run(context.Background(), plan)
	require.NoError(t, err)

	// Once the cancel flag is set, no level and no job is scheduled.
	assert.Equal(t, schema.RunStatusCancelled, result.Status)
	assert.Equal(t, schema.ExitCancelled, result.ExitCode())
	assert.Zero(t, sink.count(schema.EventLevelStarted))
	assert.Zero(t, sink.count(schema.EventJobStarted))
	assert.Equal(t, schema.JobStatusPending, result.Jobs["regular"])
	assert.Equal(t, schema.JobStatusPending, result.Jobs["later"])
	assert.Equal(t, 1, sink.count(schema.EventRunCancelled))
}

func TestEngine_CancelMidRunFinishesInFlightOnly(t *testing.T) {
	e, sink, _ := newTestEngine(t, 2)
	started := filepath.Join(t.TempDir(), "started")

	plan := &schema.Plan{
		Levels: []schema.Level{
			{Jobs: []schema.JobSpec{shJob("in-flight", "touch "+started+" && sleep 0.3")}},
			{Jobs: []schema.JobSpec{shJob("never-scheduled", "true")}},
		},
	}

	go func() {
		for {
			if _, err := os.Stat(started); err == nil {
				e.Cancel()
				return
			}
			time.Sleep(5 * time.Millisecond)
		}
	}()

	result, err := e.Run(context.Background(), plan)
	require.NoError(t, err)

	// The running action finished its attempt; the next level was never
	// scheduled.
	assert.Equal(t, schema.RunStatusCancelled, result.Status)
	assert.Equal(t, schema.ExitCancelled, result.ExitCode())
	assert.Equal(t, schema.JobStatusSuccess, result.Jobs["in-flight"])
	assert.Equal(t, schema.JobStatusPending, result.Jobs["never-scheduled"])
	assert.Equal(t, 1, sink.count(schema.EventLevelStarted))
}
