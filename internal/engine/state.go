package engine

import (
	"sync"

	"github.com/kilnci/kiln/internal/condition"
	"github.com/kilnci/kiln/pkg/schema"
)

// runState is the shared mutable state of one run: per-job statuses, the
// failure flag conditions read, and the cancellation flag. Jobs in the same
// level mutate it concurrently.
type runState struct {
	mu       sync.Mutex
	statuses map[string]schema.JobStatus

	anyFailed bool
	cancelled bool
	cancelCh  chan struct{}
}

func newRunState() *runState {
	return &runState{
		statuses: make(map[string]schema.JobStatus),
		cancelCh: make(chan struct{}),
	}
}

// Register records every plan job as pending before any level runs, so the
// final summary enumerates jobs in levels the run never reached.
func (s *runState) Register(jobNames []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, name := range jobNames {
		if _, ok := s.statuses[name]; !ok {
			s.statuses[name] = schema.JobStatusPending
		}
	}
}

// SetStatus finalizes a job's status. Terminal statuses are never reverted;
// a later write against a terminal status is ignored.
func (s *runState) SetStatus(job string, status schema.JobStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if current, ok := s.statuses[job]; ok && current.Terminal() {
		return
	}
	s.statuses[job] = status
	if status == schema.JobStatusFailure {
		s.anyFailed = true
	}
}

// Status returns the recorded status for a job, defaulting to pending.
func (s *runState) Status(job string) schema.JobStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	if status, ok := s.statuses[job]; ok {
		return status
	}
	return schema.JobStatusPending
}

// Statuses returns a copy of all recorded job statuses.
func (s *runState) Statuses() map[string]schema.JobStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]schema.JobStatus, len(s.statuses))
	for job, status := range s.statuses {
		out[job] = status
	}
	return out
}

// FailedJobs returns the names of jobs that finished in failure.
func (s *runState) FailedJobs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var failed []string
	for job, status := range s.statuses {
		if status == schema.JobStatusFailure {
			failed = append(failed, job)
		}
	}
	return failed
}

// Cancel flips the run into the cancelled state. Idempotent.
func (s *runState) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancelled {
		return
	}
	s.cancelled = true
	close(s.cancelCh)
}

// Cancelled reports whether the run has been cancelled.
func (s *runState) Cancelled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelled
}

// Done returns a channel closed when the run is cancelled.
func (s *runState) Done() <-chan struct{} {
	return s.cancelCh
}

// View snapshots the state for condition evaluation. The snapshot may race
// with sibling jobs still finishing in the same level; that window is
// accepted behavior.
func (s *runState) View() condition.RunView {
	s.mu.Lock()
	defer s.mu.Unlock()
	return condition.RunView{AnyFailed: s.anyFailed, Cancelled: s.cancelled}
}
