package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/kilnci/kiln/internal/artifact"
	"github.com/kilnci/kiln/internal/condition"
	"github.com/kilnci/kiln/internal/executor"
	"github.com/kilnci/kiln/internal/logging"
	"github.com/kilnci/kiln/internal/streaming"
	"github.com/kilnci/kiln/internal/telemetry"
	"github.com/kilnci/kiln/pkg/schema"
)

// JobResult is the terminal outcome of one job.
type JobResult struct {
	Job           string
	Status        schema.JobStatus
	FailedActions []string
	Err           error
	Duration      time.Duration
}

// JobRunner drives one job through its lifecycle: condition gate, workspace
// setup, input restore, ordered actions with per-action gating and retries,
// output save, and teardown.
type JobRunner struct {
	runID   string
	exec    executor.Executor
	store   *artifact.Store
	sink    streaming.Sink
	metrics *telemetry.Metrics
	logger  *slog.Logger
	interp  *Interpolator
	fsm     *jobFSM
}

// Run executes the job and finalizes its status in the shared run state.
// defaults and providerEnv are separate layers of the precedence order:
// defaults < job vars < providers < action vars < runtime environment.
func (r *JobRunner) Run(ctx context.Context, level int, job schema.JobSpec, state *runState, defaults, providerEnv map[string]string) JobResult {
	ctx = logging.WithJob(ctx, job.Name)
	started := time.Now()

	finish := func(status schema.JobStatus, failedActions []string, err error) JobResult {
		state.SetStatus(job.Name, status)
		r.metrics.JobsTotal.WithLabelValues(string(status)).Inc()
		return JobResult{
			Job:           job.Name,
			Status:        status,
			FailedActions: failedActions,
			Err:           err,
			Duration:      time.Since(started),
		}
	}

	// Job condition gate. An unrecognized condition skips the job and the
	// run carries on.
	cond := condition.Parse(job.Condition)
	ok, condErr := cond.Evaluate(state.View())
	if condErr != nil {
		r.logger.WarnContext(ctx, "job skipped on unrecognized condition", "condition", job.Condition)
		_ = r.fsm.Transition(ctx, level, job.Name, schema.JobStatusPending, schema.JobStatusSkipped,
			map[string]any{"reason": condErr.Error()})
		return finish(schema.JobStatusSkipped, nil, nil)
	}
	if !ok {
		_ = r.fsm.Transition(ctx, level, job.Name, schema.JobStatusPending, schema.JobStatusSkipped,
			map[string]any{"condition": cond.Raw})
		return finish(schema.JobStatusSkipped, nil, nil)
	}

	if err := r.fsm.Transition(ctx, level, job.Name, schema.JobStatusPending, schema.JobStatusRunning, nil); err != nil {
		return finish(schema.JobStatusFailure, nil, err)
	}
	state.SetStatus(job.Name, schema.JobStatusRunning)

	workspace, err := r.exec.SetupJob(ctx, job.Name)
	if err != nil {
		r.logger.ErrorContext(ctx, "job workspace setup failed", "error", err)
		_ = r.fsm.Transition(ctx, level, job.Name, schema.JobStatusRunning, schema.JobStatusFailure,
			map[string]any{"error": err.Error()})
		return finish(schema.JobStatusFailure, nil, err)
	}
	defer r.teardown(ctx, job.Name)

	// Inputs restore before any action; a missing input fails the job
	// without running anything.
	if err := r.restoreInputs(ctx, level, job); err != nil {
		_ = r.fsm.Transition(ctx, level, job.Name, schema.JobStatusRunning, schema.JobStatusFailure,
			map[string]any{"error": err.Error()})
		return finish(schema.JobStatusFailure, nil, err)
	}

	failedActions := r.runActions(ctx, level, job, state, defaults, providerEnv, workspace)

	// Outputs are saved even when actions failed, so partial results such as
	// logs and reports survive.
	saveErr := r.saveOutputs(ctx, level, job)

	if len(failedActions) > 0 || saveErr != nil {
		payload := map[string]any{"failed_actions": failedActions}
		if saveErr != nil {
			payload["error"] = saveErr.Error()
		}
		_ = r.fsm.Transition(ctx, level, job.Name, schema.JobStatusRunning, schema.JobStatusFailure, payload)
		return finish(schema.JobStatusFailure, failedActions, saveErr)
	}

	_ = r.fsm.Transition(ctx, level, job.Name, schema.JobStatusRunning, schema.JobStatusSuccess, nil)
	return finish(schema.JobStatusSuccess, nil, nil)
}

// runActions executes the job's actions strictly in order. Each action is
// gated by its own condition against the job-local failure state, so a
// failed action skips later success-gated siblings while failure() and
// always() cleanup actions still run.
func (r *JobRunner) runActions(ctx context.Context, level int, job schema.JobSpec, state *runState, defaults, providerEnv map[string]string, workspace string) []string {
	var failedActions []string

	for _, action := range job.Actions {
		actionView := condition.RunView{
			AnyFailed: len(failedActions) > 0,
			Cancelled: state.Cancelled(),
		}

		cond := condition.Parse(action.Condition)
		ok, condErr := cond.Evaluate(actionView)
		if condErr != nil || !ok {
			payload := map[string]any{"condition": cond.Raw}
			if condErr != nil {
				payload["reason"] = condErr.Error()
				r.logger.WarnContext(ctx, "action skipped on unrecognized condition",
					"action", action.Name, "condition", action.Condition)
			}
			r.publish(ctx, level, job.Name, action.Name, schema.EventActionSkipped, payload)
			r.metrics.ActionsTotal.WithLabelValues("skipped").Inc()
			continue
		}

		merged := MergeEnv(defaults, job.Env, providerEnv, action.Env)
		scopeEnv := MergeEnv(merged, envToMap(runtimeEnviron()))
		scope := Scope(r.runID, r.store.Root(), job.Name, workspace, scopeEnv)

		resolved, err := r.interp.ResolveAction(action, scope)
		if err != nil {
			r.logger.ErrorContext(ctx, "action interpolation failed", "action", action.Name, "error", err)
			r.publish(ctx, level, job.Name, action.Name, schema.EventActionFailed, map[string]any{"error": err.Error()})
			r.metrics.ActionsTotal.WithLabelValues("failure").Inc()
			failedActions = append(failedActions, action.Name)
			continue
		}
		env := FinalEnv(MergeEnv(merged, resolved.Env), runtimeEnviron())

		if err := r.runWithRetry(ctx, level, job.Name, resolved, env, state); err != nil {
			failedActions = append(failedActions, action.Name)
		}
	}

	return failedActions
}

// runWithRetry executes one action up to its attempt budget. There is no
// backoff wait after the final attempt.
func (r *JobRunner) runWithRetry(ctx context.Context, level int, jobName string, action schema.ActionSpec, env []string, state *runState) error {
	ctx = logging.WithAction(ctx, action.Name)
	attempts := maxAttempts(action.Retry)

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		r.publish(ctx, level, jobName, action.Name, schema.EventActionStarted, map[string]any{"attempt": attempt})

		lastErr = r.exec.RunAction(ctx, jobName, action, env)
		if lastErr == nil {
			r.publish(ctx, level, jobName, action.Name, schema.EventActionSuccess, map[string]any{"attempt": attempt})
			r.metrics.ActionsTotal.WithLabelValues("success").Inc()
			return nil
		}

		r.logger.WarnContext(ctx, "action attempt failed",
			"attempt", attempt, "max_attempts", attempts, "error", lastErr)

		if attempt < attempts {
			delay := ComputeBackoff(action.Retry, attempt)
			r.publish(ctx, level, jobName, action.Name, schema.EventActionRetry,
				map[string]any{"attempt": attempt, "delay": delay.String()})
			r.metrics.ActionRetries.Inc()

			if err := WaitForBackoff(ctx, delay, state.Done()); err != nil {
				lastErr = err
				break
			}
		}
	}

	r.publish(ctx, level, jobName, action.Name, schema.EventActionFailed,
		map[string]any{"error": lastErr.Error(), "attempts": attempts})
	r.metrics.ActionsTotal.WithLabelValues("failure").Inc()
	return lastErr
}

func (r *JobRunner) restoreInputs(ctx context.Context, level int, job schema.JobSpec) error {
	for _, input := range job.Inputs {
		if err := r.store.Restore(ctx, r.exec, job.Name, input); err != nil {
			r.logger.ErrorContext(ctx, "input restore failed", "artifact", input.Name, "error", err)
			return err
		}
		r.publish(ctx, level, job.Name, "", schema.EventArtifactRestored, map[string]any{"artifact": input.Name})
	}
	return nil
}

func (r *JobRunner) saveOutputs(ctx context.Context, level int, job schema.JobSpec) error {
	for _, output := range job.Outputs {
		if err := r.store.Save(ctx, r.exec, job.Name, output); err != nil {
			r.logger.ErrorContext(ctx, "output save failed", "artifact", output.Name, "error", err)
			return err
		}
		r.publish(ctx, level, job.Name, "", schema.EventArtifactSaved,
			map[string]any{"artifact": output.Name, "path": output.Path})
	}
	return nil
}

func (r *JobRunner) teardown(ctx context.Context, jobName string) {
	if err := r.exec.TeardownWorkspace(ctx, jobName); err != nil {
		r.logger.WarnContext(ctx, "job workspace teardown failed", "error", err)
	}
}

func (r *JobRunner) publish(ctx context.Context, level int, job, action, eventType string, payload any) {
	_ = r.sink.Publish(ctx, streaming.Event{
		RunID:     r.runID,
		Level:     level,
		Job:       job,
		Action:    action,
		Type:      eventType,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	})
}
