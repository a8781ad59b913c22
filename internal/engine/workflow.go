// Package engine executes a leveled job plan: levels run strictly in
// sequence, jobs within a level fan out through a bounded worker pool, and
// every lifecycle transition is published to the event sink.
package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/kilnci/kiln/internal/artifact"
	"github.com/kilnci/kiln/internal/executor"
	"github.com/kilnci/kiln/internal/logging"
	"github.com/kilnci/kiln/internal/streaming"
	"github.com/kilnci/kiln/internal/telemetry"
	"github.com/kilnci/kiln/pkg/schema"
)

// ExecutorFactory resolves a job's executor spec to a backend.
type ExecutorFactory interface {
	ForJob(spec schema.ExecutorSpec) (executor.Executor, error)
}

// Config holds the run-scoped engine settings.
type Config struct {
	RunID    string
	PoolSize int // max concurrent jobs within a level
}

// Engine runs one plan to completion.
type Engine struct {
	cfg     Config
	factory ExecutorFactory
	store   *artifact.Store
	sink    streaming.Sink
	metrics *telemetry.Metrics
	logger  *slog.Logger
	interp  *Interpolator
	state   *runState
}

// New creates an engine for a single run.
func New(cfg Config, factory ExecutorFactory, store *artifact.Store, sink streaming.Sink, metrics *telemetry.Metrics, logger *slog.Logger) *Engine {
	return &Engine{
		cfg:     cfg,
		factory: factory,
		store:   store,
		sink:    sink,
		metrics: metrics,
		logger:  logger,
		interp:  NewInterpolator(),
		state:   newRunState(),
	}
}

// Cancel flags the run as cancelled. In-flight actions finish their current
// attempt and retry backoffs abort, but once the flag is set no new level or
// job is scheduled; unscheduled jobs stay pending in the summary.
func (e *Engine) Cancel() {
	e.state.Cancel()
}

// RunResult summarizes a finished run.
type RunResult struct {
	RunID      string
	Status     schema.RunStatus
	Jobs       map[string]schema.JobStatus
	FailedJobs []string
	Duration   time.Duration
}

// ExitCode maps the run outcome to the process exit code contract.
func (r *RunResult) ExitCode() int {
	switch r.Status {
	case schema.RunStatusCompleted:
		return schema.ExitOK
	case schema.RunStatusCancelled:
		return schema.ExitCancelled
	default:
		return schema.ExitFailure
	}
}

// Run executes the plan. The returned error is the fatal setup or abort
// error, if any; per-job failures are reported through the result.
func (e *Engine) Run(ctx context.Context, plan *schema.Plan) (*RunResult, error) {
	ctx = logging.WithRunID(ctx, e.cfg.RunID)
	started := time.Now()

	e.publishRun(ctx, schema.EventRunStarted, map[string]any{"plan": plan.Name, "levels": len(plan.Levels)})
	e.logger.InfoContext(ctx, "run started", "plan", plan.Name, "levels", len(plan.Levels))

	// Every plan job starts out pending so the final summary covers jobs in
	// levels the run never reaches.
	e.state.Register(planJobNames(plan))

	result := func(status schema.RunStatus) *RunResult {
		return &RunResult{
			RunID:      e.cfg.RunID,
			Status:     status,
			Jobs:       e.state.Statuses(),
			FailedJobs: e.state.FailedJobs(),
			Duration:   time.Since(started),
		}
	}

	defaults, err := LoadDefaults(plan)
	if err != nil {
		e.publishRun(ctx, schema.EventRunFailed, map[string]any{"error": err.Error()})
		return result(schema.RunStatusFailed), err
	}

	providers := &providerRunner{runID: e.cfg.RunID, sink: e.sink, metrics: e.metrics, logger: e.logger}
	providerEnv, err := providers.Run(ctx, plan.Providers)
	if err != nil {
		// A failing provider aborts the run before any level starts.
		e.publishRun(ctx, schema.EventRunFailed, map[string]any{"error": err.Error()})
		return result(schema.RunStatusFailed), err
	}

	// The pool defaults to the widest level so within-level parallelism is
	// never capped unless explicitly configured.
	size := e.cfg.PoolSize
	if size <= 0 {
		size = widestLevel(plan)
	}
	pool := NewWorkerPool(size)
	defer pool.Shutdown()

	aborted := false
	var abortErr error
	for i, level := range plan.Levels {
		// Once cancelled, no new level is scheduled. Jobs in unreached levels
		// stay pending.
		if e.state.Cancelled() {
			break
		}
		e.publishRun(ctx, schema.EventLevelStarted, map[string]any{"level": i, "jobs": len(level.Jobs)})

		levelFailed := e.runLevel(ctx, pool, i, level, defaults, providerEnv)
		if levelFailed {
			e.publishRun(ctx, schema.EventLevelFailed, map[string]any{"level": i})
			abortErr = schema.NewErrorf(schema.ErrCodeLevelFailed, "level %d failed, aborting run", i).
				WithDetails(map[string]any{"level": i, "failed_jobs": e.state.FailedJobs()})
			aborted = true
			break
		}
		e.publishRun(ctx, schema.EventLevelCompleted, map[string]any{"level": i})
	}

	switch {
	case e.state.Cancelled():
		e.publishRun(ctx, schema.EventRunCancelled, map[string]any{"jobs": e.state.Statuses()})
		e.logger.InfoContext(ctx, "run cancelled", "duration", time.Since(started))
		return result(schema.RunStatusCancelled), nil
	case aborted:
		e.publishRun(ctx, schema.EventRunFailed, map[string]any{"failed_jobs": e.state.FailedJobs()})
		e.logger.ErrorContext(ctx, "run failed", "failed_jobs", e.state.FailedJobs(), "duration", time.Since(started))
		return result(schema.RunStatusFailed), abortErr
	default:
		e.publishRun(ctx, schema.EventRunCompleted, map[string]any{"jobs": e.state.Statuses()})
		e.logger.InfoContext(ctx, "run completed", "duration", time.Since(started))
		return result(schema.RunStatusCompleted), nil
	}
}

// runLevel fans the level's jobs out through the pool and joins them. The
// level fails when any job fails without continue_on_error; such failures
// still let sibling jobs in the same level run to completion. Provider
// variables are a separate layer because they rank above job vars.
func (e *Engine) runLevel(ctx context.Context, pool *WorkerPool, idx int, level schema.Level, defaults, providerEnv map[string]string) bool {
	var (
		mu          sync.Mutex
		levelFailed bool
	)
	var wg sync.WaitGroup

	for _, job := range level.Jobs {
		// Cancellation stops new job scheduling mid-level; jobs already
		// submitted run to completion.
		if e.state.Cancelled() {
			break
		}

		job := job
		wg.Add(1)

		submit := func(ctx context.Context) error {
			defer wg.Done()
			res := e.runJob(ctx, idx, job, defaults, providerEnv)
			if res.Status == schema.JobStatusFailure && !job.ContinueOnError {
				mu.Lock()
				levelFailed = true
				mu.Unlock()
			}
			return res.Err
		}

		if err := pool.Submit(ctx, submit); err != nil {
			wg.Done()
			e.logger.ErrorContext(ctx, "job submission failed", "job", job.Name, "error", err)
			e.state.SetStatus(job.Name, schema.JobStatusFailure)
			mu.Lock()
			if !job.ContinueOnError {
				levelFailed = true
			}
			mu.Unlock()
		}
	}

	wg.Wait()
	return levelFailed
}

func (e *Engine) runJob(ctx context.Context, level int, job schema.JobSpec, defaults, providerEnv map[string]string) JobResult {
	exec, err := e.factory.ForJob(job.Executor)
	if err != nil {
		e.logger.ErrorContext(ctx, "executor resolution failed", "job", job.Name, "error", err)
		e.state.SetStatus(job.Name, schema.JobStatusFailure)
		e.metrics.JobsTotal.WithLabelValues(string(schema.JobStatusFailure)).Inc()
		_ = e.sink.Publish(ctx, streaming.Event{
			RunID:     e.cfg.RunID,
			Level:     level,
			Job:       job.Name,
			Type:      schema.EventJobFailed,
			Payload:   map[string]any{"error": err.Error()},
			Timestamp: time.Now().UTC(),
		})
		return JobResult{Job: job.Name, Status: schema.JobStatusFailure, Err: err}
	}

	runner := &JobRunner{
		runID:   e.cfg.RunID,
		exec:    exec,
		store:   e.store,
		sink:    e.sink,
		metrics: e.metrics,
		logger:  e.logger,
		interp:  e.interp,
		fsm:     &jobFSM{runID: e.cfg.RunID, sink: e.sink},
	}
	return runner.Run(ctx, level, job, e.state, defaults, providerEnv)
}

// planJobNames flattens the plan's job names in declaration order.
func planJobNames(plan *schema.Plan) []string {
	var names []string
	for _, level := range plan.Levels {
		for _, job := range level.Jobs {
			names = append(names, job.Name)
		}
	}
	return names
}

// widestLevel returns the largest job count of any level, at minimum 1.
func widestLevel(plan *schema.Plan) int {
	widest := 1
	for _, level := range plan.Levels {
		if len(level.Jobs) > widest {
			widest = len(level.Jobs)
		}
	}
	return widest
}

func (e *Engine) publishRun(ctx context.Context, eventType string, payload any) {
	event := streaming.Event{
		RunID:     e.cfg.RunID,
		Type:      eventType,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}
	if m, ok := payload.(map[string]any); ok {
		if lvl, ok := m["level"].(int); ok {
			event.Level = lvl
		}
	}
	_ = e.sink.Publish(ctx, event)
}
