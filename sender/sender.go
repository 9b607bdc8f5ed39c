// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package sender is the outbound side of a node: it sends messages to peer
// receivers and tracks them until they are acknowledged, time out, or are
// stopped.
package sender

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/absmach/peermq/directory"
	"github.com/absmach/peermq/events"
	"github.com/absmach/peermq/pool"
	"github.com/absmach/peermq/retry"
	"github.com/absmach/peermq/transport"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Config holds sender settings.
type Config struct {
	NodeID                     string
	AttemptTimeout             time.Duration
	TotalTimeout               time.Duration
	MaxConcurrentPerConnection int
	MaxOpenSockets             int
	MaxMessageSize             int // 0 disables the outbound size check
	DialTimeout                time.Duration
	WriteTimeout               time.Duration
	TLSConfig                  *tls.Config
	BreakerFailures            uint32
	BreakerReset               time.Duration
}

// Sender delivers messages to peers with bounded retries.
type Sender struct {
	cfg       Config
	logger    *slog.Logger
	observers []events.Observer
	resolver  directory.Resolver
	tracer    trace.Tracer
	dialer    pool.Dialer

	engine *retry.Engine
	pool   *pool.Pool
	closed atomic.Bool
}

// New creates a sender. No connections are opened until the first send.
func New(cfg Config, opts ...Option) (*Sender, error) {
	if cfg.NodeID == "" {
		return nil, ErrEmptyNodeID
	}

	s := &Sender{
		cfg:    cfg,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	obs := append(events.Multi{events.NewLogObserver(s.logger)}, s.observers...)

	var engine *retry.Engine
	acks := pool.AckFunc(func(id string) bool {
		return engine.Ack(id)
	})
	lost := func(id string, err error) {
		ev := events.New(events.TypeConnectionError, id)
		ev.Err = err
		obs.Observe(ev)
	}

	p, err := pool.New(pool.Config{
		SenderID:                   cfg.NodeID,
		MaxConcurrentPerConnection: cfg.MaxConcurrentPerConnection,
		MaxOpenSockets:             cfg.MaxOpenSockets,
		DialTimeout:                cfg.DialTimeout,
		WriteTimeout:               cfg.WriteTimeout,
		TLSConfig:                  cfg.TLSConfig,
		BreakerFailures:            cfg.BreakerFailures,
		BreakerReset:               cfg.BreakerReset,
		Dialer:                     s.dialer,
		Logger:                     s.logger,
	}, acks, lost)
	if err != nil {
		return nil, err
	}

	engine, err = retry.New(retry.Config{
		AttemptTimeout: cfg.AttemptTimeout,
		TotalTimeout:   cfg.TotalTimeout,
		Logger:         s.logger,
		Observer:       obs,
	}, p)
	if err != nil {
		p.Close()
		return nil, err
	}

	s.engine = engine
	s.pool = p
	return s, nil
}

// Send starts delivery of payload to dest and returns the message id,
// generating one when messageID is empty. It does not wait for the ack.
func (s *Sender) Send(dest transport.Destination, payload []byte, messageID string) (string, error) {
	_, span := s.startSpan(context.Background(), dest, payload, messageID)
	id, err := s.send(dest, payload, messageID)
	endSpan(span, id, err)
	return id, err
}

// SendWait sends and blocks until the message is acknowledged, times out,
// or ctx is done. A done ctx stops the send.
func (s *Sender) SendWait(ctx context.Context, dest transport.Destination, payload []byte, messageID string) error {
	ctx, span := s.startSpan(ctx, dest, payload, messageID)
	if err := s.check(payload, messageID); err != nil {
		endSpan(span, messageID, err)
		return err
	}
	err := s.engine.SendWait(ctx, dest, payload, messageID)
	endSpan(span, messageID, err)
	return err
}

// SendTo resolves nodeID through the directory and sends to it.
func (s *Sender) SendTo(ctx context.Context, nodeID string, payload []byte, messageID string) (string, error) {
	if s.resolver == nil {
		return "", ErrNoResolver
	}
	dest, err := s.resolver.GetAddress(ctx, nodeID)
	if err != nil {
		return "", err
	}
	return s.Send(dest, payload, messageID)
}

// Wait blocks until the message terminates or ctx is done.
func (s *Sender) Wait(ctx context.Context, messageID string) error {
	return s.engine.Wait(ctx, messageID)
}

// StopSend cancels all future attempts of a message. It reports whether the
// message was still pending.
func (s *Sender) StopSend(messageID string) bool {
	return s.engine.Cancel(messageID)
}

// Status returns a snapshot of a pending message.
func (s *Sender) Status(messageID string) (retry.Status, bool) {
	return s.engine.Status(messageID)
}

// CloseAll closes every open connection and returns how many were closed.
// Messages keep retrying on new connections.
func (s *Sender) CloseAll() int {
	return s.pool.CloseAll()
}

// Close cancels pending messages and closes all connections.
func (s *Sender) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.engine.Close()
	return s.pool.Close()
}

// Open returns the number of open connections.
func (s *Sender) Open() int {
	return s.pool.Open()
}

// Pending returns the number of messages awaiting an ack.
func (s *Sender) Pending() int {
	return s.engine.Pending()
}

// InFlight returns the number of attempts occupying connection slots.
func (s *Sender) InFlight() int {
	return s.pool.InFlight()
}

func (s *Sender) send(dest transport.Destination, payload []byte, messageID string) (string, error) {
	if err := s.check(payload, messageID); err != nil {
		return messageID, err
	}
	return s.engine.Send(dest, payload, messageID)
}

func (s *Sender) check(payload []byte, messageID string) error {
	if s.closed.Load() {
		return ErrClosed
	}
	if s.cfg.MaxMessageSize > 0 && len(payload) > s.cfg.MaxMessageSize {
		return transport.NewError(messageID, transport.ErrMessageTooLarge)
	}
	return nil
}

func (s *Sender) startSpan(ctx context.Context, dest transport.Destination, payload []byte, messageID string) (context.Context, trace.Span) {
	if s.tracer == nil {
		return ctx, nil
	}
	return s.tracer.Start(ctx, "peermq.send",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("peermq.node_id", s.cfg.NodeID),
			attribute.String("peermq.destination", dest.Key()),
			attribute.String("peermq.message_id", messageID),
			attribute.Int("peermq.payload_size", len(payload)),
		))
}

func endSpan(span trace.Span, messageID string, err error) {
	if span == nil {
		return
	}
	if messageID != "" {
		span.SetAttributes(attribute.String("peermq.message_id", messageID))
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(transport.CodeOf(err)))
	}
	span.End()
}
