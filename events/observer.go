// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package events

import (
	"context"
	"log/slog"
)

// Observer receives events. Observe is called synchronously from the
// goroutine that produced the event and must not block.
type Observer interface {
	Observe(Event)
}

// ObserverFunc adapts a function to the Observer interface.
type ObserverFunc func(Event)

// Observe calls f(e).
func (f ObserverFunc) Observe(e Event) {
	f(e)
}

// Multi fans events out to every non-nil observer.
type Multi []Observer

// Observe forwards e to all observers in order.
func (m Multi) Observe(e Event) {
	for _, o := range m {
		if o != nil {
			o.Observe(e)
		}
	}
}

// Nop discards events.
var Nop Observer = ObserverFunc(func(Event) {})

// LogObserver logs events with slog. Failures are logged at warn level,
// everything else at debug.
type LogObserver struct {
	logger *slog.Logger
}

// NewLogObserver creates a LogObserver; a nil logger uses slog.Default().
func NewLogObserver(logger *slog.Logger) *LogObserver {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogObserver{logger: logger}
}

// Observe logs e.
func (o *LogObserver) Observe(e Event) {
	level := slog.LevelDebug
	if e.Err != nil || e.Type == TypeTimedOut {
		level = slog.LevelWarn
	}
	if !o.logger.Enabled(context.Background(), level) {
		return
	}

	attrs := []slog.Attr{
		slog.String("event", string(e.Type)),
		slog.String("message_id", e.MessageID),
	}
	if e.SequenceID != 0 {
		attrs = append(attrs, slog.Uint64("sequence_id", e.SequenceID))
	}
	if e.Destination != "" {
		attrs = append(attrs, slog.String("destination", e.Destination))
	}
	if e.RetryCount > 0 {
		attrs = append(attrs, slog.Int("retry_count", e.RetryCount))
	}
	if e.Err != nil {
		attrs = append(attrs,
			slog.String("code", string(e.Code())),
			slog.String("error", e.Err.Error()))
	}
	o.logger.LogAttrs(context.Background(), level, "transport event", attrs...)
}
