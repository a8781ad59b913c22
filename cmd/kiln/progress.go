package main

import (
	"fmt"
	"io"

	"github.com/kilnci/kiln/internal/streaming"
	"github.com/kilnci/kiln/pkg/schema"
)

// progressEventTypes are the job transitions rendered as progress lines.
var progressEventTypes = []string{
	schema.EventJobStarted,
	schema.EventJobSuccess,
	schema.EventJobFailed,
	schema.EventJobSkipped,
}

// renderProgress formats one job lifecycle event as a progress line.
func renderProgress(event streaming.Event) string {
	var verb string
	switch event.Type {
	case schema.EventJobStarted:
		verb = "started"
	case schema.EventJobSuccess:
		verb = "succeeded"
	case schema.EventJobFailed:
		verb = "failed"
	case schema.EventJobSkipped:
		verb = "skipped"
	default:
		verb = event.Type
	}
	return fmt.Sprintf("[level %d] %s %s", event.Level, event.Job, verb)
}

// watchProgress subscribes to the hub and writes a progress line per job
// transition until the subscription is cancelled.
func watchProgress(hub *streaming.MemoryHub, w io.Writer) func() {
	events, unsubscribe := hub.Subscribe(streaming.EventFilter{EventTypes: progressEventTypes})
	go func() {
		for event := range events {
			fmt.Fprintln(w, renderProgress(event))
		}
	}()
	return unsubscribe
}
