// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package sender

import (
	"log/slog"

	"github.com/absmach/peermq/directory"
	"github.com/absmach/peermq/events"
	"github.com/absmach/peermq/pool"
	"go.opentelemetry.io/otel/trace"
)

// Option configures a Sender.
type Option func(*Sender)

// WithLogger sets the logger used by the sender and its engine and pool.
func WithLogger(l *slog.Logger) Option {
	return func(s *Sender) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithObserver adds an observer that receives every sender event.
func WithObserver(o events.Observer) Option {
	return func(s *Sender) {
		if o != nil {
			s.observers = append(s.observers, o)
		}
	}
}

// WithResolver sets the directory used by SendTo.
func WithResolver(r directory.Resolver) Option {
	return func(s *Sender) {
		s.resolver = r
	}
}

// WithTracer enables a span around every Send.
func WithTracer(t trace.Tracer) Option {
	return func(s *Sender) {
		s.tracer = t
	}
}

// WithDialer replaces the network dialer used to open connections.
func WithDialer(d pool.Dialer) Option {
	return func(s *Sender) {
		s.dialer = d
	}
}
