package engine

import (
	"context"
	"time"

	"github.com/kilnci/kiln/internal/streaming"
	"github.com/kilnci/kiln/pkg/schema"
)

// ValidJobTransitions defines the allowed job lifecycle transitions. A job
// either runs to a terminal outcome or is skipped before it ever starts.
var ValidJobTransitions = map[schema.JobStatus][]schema.JobStatus{
	schema.JobStatusPending: {schema.JobStatusRunning, schema.JobStatusSkipped},
	schema.JobStatusRunning: {schema.JobStatusSuccess, schema.JobStatusFailure},
	schema.JobStatusSuccess: {},
	schema.JobStatusFailure: {},
	schema.JobStatusSkipped: {},
}

// jobFSM validates job state transitions and emits the matching lifecycle
// event for each one.
type jobFSM struct {
	runID string
	sink  streaming.Sink
}

// Transition validates and records a job transition, publishing its event.
// Event delivery is best effort and never blocks the transition itself.
func (f *jobFSM) Transition(ctx context.Context, level int, job string, from, to schema.JobStatus, payload any) error {
	if !isValidJobTransition(from, to) {
		return schema.NewErrorf(schema.ErrCodeValidation, "invalid job transition: %s -> %s", from, to).
			WithJob(job).
			WithDetails(map[string]any{"from": string(from), "to": string(to)})
	}

	if eventType := jobEventType(to); eventType != "" {
		_ = f.sink.Publish(ctx, streaming.Event{
			RunID:     f.runID,
			Level:     level,
			Job:       job,
			Type:      eventType,
			Payload:   payload,
			Timestamp: time.Now().UTC(),
		})
	}
	return nil
}

func isValidJobTransition(from, to schema.JobStatus) bool {
	for _, allowed := range ValidJobTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

func jobEventType(to schema.JobStatus) string {
	switch to {
	case schema.JobStatusRunning:
		return schema.EventJobStarted
	case schema.JobStatusSuccess:
		return schema.EventJobSuccess
	case schema.JobStatusFailure:
		return schema.EventJobFailed
	case schema.JobStatusSkipped:
		return schema.EventJobSkipped
	default:
		return ""
	}
}
