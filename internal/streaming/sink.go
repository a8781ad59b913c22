// Package streaming delivers lifecycle events to sinks. Rendering and
// formatting of events is the sink's concern, not the engine's.
package streaming

import (
	"context"
	"log/slog"
	"time"
)

// Event is a single lifecycle transition emitted during a run.
type Event struct {
	RunID     string    `json:"run_id"`
	Level     int       `json:"level,omitempty"`
	Job       string    `json:"job,omitempty"`
	Action    string    `json:"action,omitempty"`
	Type      string    `json:"type"`
	Payload   any       `json:"payload,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Sink receives lifecycle events. Implementations must be safe for
// concurrent use; jobs within a level publish concurrently.
type Sink interface {
	Publish(ctx context.Context, event Event) error
}

// FanOut delivers each event to every sink in order. Delivery is best
// effort: a failing sink is logged and skipped, never fails the run.
type FanOut struct {
	sinks  []Sink
	logger *slog.Logger
}

// NewFanOut composes sinks into one.
func NewFanOut(logger *slog.Logger, sinks ...Sink) *FanOut {
	return &FanOut{sinks: sinks, logger: logger}
}

func (f *FanOut) Publish(ctx context.Context, event Event) error {
	for _, s := range f.sinks {
		if err := s.Publish(ctx, event); err != nil {
			f.logger.WarnContext(ctx, "event sink publish failed", "event_type", event.Type, "error", err)
		}
	}
	return nil
}

// LogSink renders events to a structured logger.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a sink that logs every event at info level.
func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Publish(ctx context.Context, event Event) error {
	attrs := []any{"event_type", event.Type, "run_id", event.RunID}
	if event.Job != "" {
		attrs = append(attrs, "job", event.Job)
	}
	if event.Action != "" {
		attrs = append(attrs, "action", event.Action)
	}
	if event.Payload != nil {
		attrs = append(attrs, "payload", event.Payload)
	}
	s.logger.InfoContext(ctx, "lifecycle event", attrs...)
	return nil
}
