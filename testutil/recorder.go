// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package testutil

import (
	"sync"
	"testing"
	"time"

	"github.com/absmach/peermq/events"
	"github.com/stretchr/testify/require"
)

// Recorder is an events.Observer that keeps every event it sees.
type Recorder struct {
	mu     sync.Mutex
	events []events.Event
	notify chan struct{}
}

// NewRecorder creates an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{notify: make(chan struct{}, 1)}
}

// Observe implements events.Observer.
func (r *Recorder) Observe(e events.Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()

	select {
	case r.notify <- struct{}{}:
	default:
	}
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]events.Event, len(r.events))
	copy(out, r.events)
	return out
}

// Filter returns recorded events of type t, optionally for one message.
func (r *Recorder) Filter(t events.Type, messageID string) []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []events.Event
	for _, e := range r.events {
		if e.Type != t {
			continue
		}
		if messageID != "" && e.MessageID != messageID {
			continue
		}
		out = append(out, e)
	}
	return out
}

// Count returns the number of recorded events of type t for messageID.
func (r *Recorder) Count(t events.Type, messageID string) int {
	return len(r.Filter(t, messageID))
}

// WaitFor blocks until an event of type t for messageID is recorded.
func (r *Recorder) WaitFor(tb testing.TB, t events.Type, messageID string, timeout time.Duration) events.Event {
	tb.Helper()

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		if evs := r.Filter(t, messageID); len(evs) > 0 {
			return evs[0]
		}
		select {
		case <-r.notify:
		case <-time.After(10 * time.Millisecond):
		case <-deadline.C:
			require.FailNowf(tb, "event not observed", "type=%s message_id=%s", t, messageID)
			return events.Event{}
		}
	}
}
