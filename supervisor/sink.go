// Copyright 2026 The Spawnd Authors
// SPDX-License-Identifier: Apache-2.0

package supervisor

import (
	"context"
	"sync"
)

// SessionSink is the queue of termination events for one session.
// Reaping pushes into it without ever blocking: a slow client drains
// its own queue at its own pace and never holds up another session or
// the reaper. Events are queued in the order the session's children
// were reaped, which is the ordering guarantee the protocol makes.
type SessionSink struct {
	mu       sync.Mutex
	queue    []TerminationEvent
	notify   chan struct{}
	detached bool
}

func newSessionSink() *SessionSink {
	return &SessionSink{notify: make(chan struct{}, 1)}
}

// push appends an event and wakes the consumer.
func (s *SessionSink) push(event TerminationEvent) {
	s.mu.Lock()
	if s.detached {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, event)
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// detach marks the sink dead and wakes any blocked consumer. Queued
// but undelivered events are discarded; there is no delivery
// guarantee once the session is gone.
func (s *SessionSink) detach() {
	s.mu.Lock()
	s.detached = true
	s.queue = nil
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Next blocks until an event is available, the sink is detached, or
// ctx is done. The second return is false when no further events will
// ever arrive on this sink.
func (s *SessionSink) Next(ctx context.Context) (TerminationEvent, bool) {
	for {
		s.mu.Lock()
		if len(s.queue) > 0 {
			event := s.queue[0]
			s.queue = s.queue[1:]
			s.mu.Unlock()
			return event, true
		}
		detached := s.detached
		s.mu.Unlock()

		if detached {
			return TerminationEvent{}, false
		}

		select {
		case <-ctx.Done():
			return TerminationEvent{}, false
		case <-s.notify:
		}
	}
}
