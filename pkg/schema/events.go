package schema

// Event type constants for the lifecycle event stream.
const (
	EventRunStarted   = "run_started"
	EventRunCompleted = "run_completed"
	EventRunFailed    = "run_failed"
	EventRunCancelled = "run_cancelled"

	EventLevelStarted   = "level_started"
	EventLevelCompleted = "level_completed"
	EventLevelFailed    = "level_failed"

	EventJobStarted = "job_started"
	EventJobSuccess = "job_success"
	EventJobFailed  = "job_failed"
	EventJobSkipped = "job_skipped"

	EventActionStarted = "action_started"
	EventActionSuccess = "action_success"
	EventActionFailed  = "action_failed"
	EventActionSkipped = "action_skipped"
	EventActionRetry   = "action_retry"

	EventArtifactSaved    = "artifact_saved"
	EventArtifactRestored = "artifact_restored"

	EventProviderLoaded = "provider_loaded"
	EventProviderFailed = "provider_failed"
)

// JobStatus represents the lifecycle state of a job.
type JobStatus string

const (
	JobStatusPending JobStatus = "pending"
	JobStatusRunning JobStatus = "running"
	JobStatusSuccess JobStatus = "success"
	JobStatusFailure JobStatus = "failure"
	JobStatusSkipped JobStatus = "skipped"
)

// Terminal reports whether the status is final. A finalized JobResult is
// never reverted.
func (s JobStatus) Terminal() bool {
	return s == JobStatusSuccess || s == JobStatusFailure || s == JobStatusSkipped
}

// RunStatus represents the overall outcome of a workflow run.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// Process exit codes reported by the kiln binary.
const (
	ExitOK        = 0
	ExitFailure   = 1
	ExitCancelled = 130
)
