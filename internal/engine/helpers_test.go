package engine

import (
	"context"
	"sync"

	"github.com/kilnci/kiln/internal/streaming"
)

// captureSink records published events for assertions.
type captureSink struct {
	mu     sync.Mutex
	events []streaming.Event
}

func (s *captureSink) Publish(ctx context.Context, event streaming.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

func (s *captureSink) count(eventType string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.events {
		if e.Type == eventType {
			n++
		}
	}
	return n
}

func (s *captureSink) byType(eventType string) []streaming.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []streaming.Event
	for _, e := range s.events {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

func (s *captureSink) forJob(job string) []streaming.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []streaming.Event
	for _, e := range s.events {
		if e.Job == job {
			out = append(out, e)
		}
	}
	return out
}
