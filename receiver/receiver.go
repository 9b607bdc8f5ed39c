// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package receiver accepts inbound peer connections, delivers each new
// message to the application once, and sends its ack only when the
// application confirms it.
package receiver

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/absmach/peermq/codec"
	"github.com/absmach/peermq/events"
	"github.com/absmach/peermq/transport"
	"golang.org/x/net/netutil"
)

const (
	// DefaultMaxMessageSize is the payload limit used when none is set.
	DefaultMaxMessageSize = 4 << 20

	// envelopeHeadroom is the frame space allowed beyond the payload for
	// ids and field tags.
	envelopeHeadroom = 1 << 10
)

// ConnLimiter decides whether a new connection may be accepted.
type ConnLimiter interface {
	Allow(addr net.Addr) bool
}

// MessageLimiter decides whether a message from a sender may be accepted.
// Refused messages are dropped without an ack.
type MessageLimiter interface {
	AllowMessage(senderID string) bool
}

// Config holds receiver settings.
type Config struct {
	Address         string
	NodeID          string
	MaxMessageSize  int
	MaxConnections  int
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	TCPKeepAlive    time.Duration
	AckedRetention  time.Duration
	TLSConfig       *tls.Config
	ConnLimiter     ConnLimiter
	MessageLimiter  MessageLimiter
	Observer        events.Observer
	OnError         func(error)
	Logger          *slog.Logger
}

// Receiver is the inbound side of the transport.
type Receiver struct {
	cfg        Config
	logger     *slog.Logger
	observer   events.Observer
	handler    Handler
	frameLimit int

	wg   sync.WaitGroup
	stop chan struct{}

	mu       sync.Mutex
	listener net.Listener
	pending  map[string]*pending
	acked    map[string]time.Time
	conns    map[*transport.Conn]struct{}
	started  bool
	closed   bool
}

// New creates a receiver that delivers messages to h.
func New(cfg Config, h Handler) (*Receiver, error) {
	if cfg.NodeID == "" {
		return nil, ErrEmptyNodeID
	}
	if h == nil {
		return nil, ErrNilHandler
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Observer == nil {
		cfg.Observer = events.Nop
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = DefaultMaxMessageSize
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.TCPKeepAlive == 0 {
		cfg.TCPKeepAlive = 15 * time.Second
	}

	return &Receiver{
		cfg:        cfg,
		logger:     cfg.Logger,
		observer:   cfg.Observer,
		handler:    h,
		frameLimit: cfg.MaxMessageSize + envelopeHeadroom,
		stop:       make(chan struct{}),
		pending:    make(map[string]*pending),
		acked:      make(map[string]time.Time),
		conns:      make(map[*transport.Conn]struct{}),
	}, nil
}

// Listen starts the receiver and blocks until ctx is canceled, then shuts
// down.
func (r *Receiver) Listen(ctx context.Context) error {
	if err := r.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	return r.Close()
}

// Start binds the listener and serves connections in the background.
func (r *Receiver) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return ErrAlreadyStarted
	}

	lc := net.ListenConfig{KeepAlive: r.cfg.TCPKeepAlive}
	ln, err := lc.Listen(ctx, "tcp", r.cfg.Address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", r.cfg.Address, err)
	}
	if r.cfg.MaxConnections > 0 {
		ln = netutil.LimitListener(ln, r.cfg.MaxConnections)
	}
	if r.cfg.TLSConfig != nil {
		ln = tls.NewListener(ln, r.cfg.TLSConfig)
		r.logger.Info("TLS enabled", slog.String("address", r.cfg.Address))
	}
	r.listener = ln
	r.started = true

	r.wg.Add(1)
	go r.acceptLoop(ln)
	if r.cfg.AckedRetention > 0 {
		r.wg.Add(1)
		go r.janitor()
	}

	r.logger.Info("receiver started",
		slog.String("address", r.listener.Addr().String()),
		slog.String("node_id", r.cfg.NodeID))
	return nil
}

// Addr returns the bound address, or nil before Start.
func (r *Receiver) Addr() net.Addr {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.listener == nil {
		return nil
	}
	return r.listener.Addr()
}

// Ready reports whether the receiver is accepting connections.
func (r *Receiver) Ready() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.started && !r.closed
}

// Pending returns the number of messages awaiting acknowledgment.
func (r *Receiver) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// Connections returns the number of open inbound connections.
func (r *Receiver) Connections() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

// Ack sends the ack for a pending message on the connection its latest
// attempt arrived on. Unknown or already acknowledged ids return an error
// matching transport.ErrUnknownMessageID.
func (r *Receiver) Ack(messageID string) error {
	r.mu.Lock()
	p, ok := r.pending[messageID]
	if !ok {
		r.mu.Unlock()
		return transport.NewError(messageID, transport.ErrUnknownMessageID)
	}
	delete(r.pending, messageID)
	if r.cfg.AckedRetention > 0 {
		r.acked[messageID] = time.Now()
	}
	conn, seq := p.conn, p.seq
	r.mu.Unlock()

	if err := r.writeAck(conn, messageID, seq); err != nil {
		return transport.NewError(messageID, fmt.Errorf("%w: %w", transport.ErrSendError, err))
	}
	return nil
}

// Close stops accepting, closes every inbound connection and discards
// unacknowledged messages.
func (r *Receiver) Close() error {
	r.mu.Lock()
	if !r.started {
		r.mu.Unlock()
		return ErrNotStarted
	}
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	close(r.stop)

	var errs []error
	if err := r.listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		errs = append(errs, err)
	}
	for c := range r.conns {
		if err := c.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = append(errs, err)
		}
	}
	dropped := len(r.pending)
	r.pending = make(map[string]*pending)
	r.mu.Unlock()

	r.logger.Info("receiver shutting down", slog.Int("unacked_dropped", dropped))

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(r.cfg.ShutdownTimeout):
		r.logger.Warn("shutdown timeout exceeded")
		errs = append(errs, ErrShutdownTimeout)
	}
	return errors.Join(errs...)
}

func (r *Receiver) acceptLoop(ln net.Listener) {
	defer r.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-r.stop:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			r.logger.Error("failed to accept connection", slog.String("error", err.Error()))
			continue
		}

		if r.cfg.ConnLimiter != nil && !r.cfg.ConnLimiter.Allow(conn.RemoteAddr()) {
			r.logger.Warn("connection rate limited",
				slog.String("remote", conn.RemoteAddr().String()))
			conn.Close()
			continue
		}

		tc := transport.NewConn(conn, r.frameLimit, r.cfg.WriteTimeout)
		r.mu.Lock()
		if r.closed {
			r.mu.Unlock()
			conn.Close()
			return
		}
		r.conns[tc] = struct{}{}
		r.mu.Unlock()

		r.wg.Add(1)
		go r.serve(tc)
	}
}

func (r *Receiver) serve(c *transport.Conn) {
	defer r.wg.Done()
	defer func() {
		c.Close()
		r.mu.Lock()
		delete(r.conns, c)
		r.mu.Unlock()
	}()

	remote := c.RemoteAddr()
	r.logger.Debug("connection established", slog.String("remote", remote.String()))

	if tlsConn, ok := c.Conn.(*tls.Conn); ok {
		if err := tlsConn.Handshake(); err != nil {
			r.logger.Error("TLS handshake failed", slog.String("error", err.Error()))
			return
		}
	}

	for {
		frame, err := c.ReadFrame()
		if err != nil {
			switch {
			case errors.Is(err, transport.ErrMalformedProtocolMessage):
				r.reportError(remote, "", err)
			case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
			default:
				r.logger.Debug("connection read failed",
					slog.String("remote", remote.String()),
					slog.String("error", err.Error()))
			}
			return
		}

		env, err := codec.Decode(frame)
		if err != nil {
			r.reportError(remote, "", err)
			continue
		}
		if len(env.Payload) > r.cfg.MaxMessageSize {
			r.reportError(remote, env.MessageID, fmt.Errorf("%w: payload of %d bytes exceeds limit of %d: %w",
				transport.ErrMalformedProtocolMessage, len(env.Payload), r.cfg.MaxMessageSize, transport.ErrMessageTooLarge))
			continue
		}
		if r.cfg.MessageLimiter != nil && !r.cfg.MessageLimiter.AllowMessage(env.SenderID) {
			r.logger.Debug("message rate limited",
				slog.String("sender_id", env.SenderID),
				slog.String("message_id", env.MessageID))
			continue
		}

		r.dispatch(c, env)
	}
}

// dispatch registers a new message and hands it to the application. Retries
// of a pending message only move its ack target; retries of a recently
// acked message are acked again.
func (r *Receiver) dispatch(c *transport.Conn, env codec.Envelope) {
	r.mu.Lock()
	if p, ok := r.pending[env.MessageID]; ok {
		p.conn = c
		p.seq = env.SequenceID
		r.mu.Unlock()
		r.logger.Debug("retry of pending message",
			slog.String("message_id", env.MessageID),
			slog.Uint64("sequence_id", env.SequenceID))
		return
	}
	if at, ok := r.acked[env.MessageID]; ok && time.Since(at) < r.cfg.AckedRetention {
		r.mu.Unlock()
		if err := r.writeAck(c, env.MessageID, env.SequenceID); err != nil {
			r.logger.Debug("failed to re-ack message",
				slog.String("message_id", env.MessageID),
				slog.String("error", err.Error()))
		}
		return
	}

	msg := &Message{
		SenderID:   env.SenderID,
		MessageID:  env.MessageID,
		SequenceID: env.SequenceID,
		Payload:    env.Payload,
		RemoteAddr: c.RemoteAddr(),
		ReceivedAt: time.Now(),
		r:          r,
	}
	r.pending[env.MessageID] = &pending{msg: msg, conn: c, seq: env.SequenceID}
	r.mu.Unlock()

	ev := events.New(events.TypeMessageReceived, env.MessageID)
	ev.SequenceID = env.SequenceID
	ev.Destination = c.RemoteAddr().String()
	r.observer.Observe(ev)

	r.handler.HandleMessage(msg)
}

func (r *Receiver) writeAck(c *transport.Conn, messageID string, seq uint64) error {
	frame, err := codec.EncodeAck(r.cfg.NodeID, codec.IDs{MessageID: messageID, SequenceID: seq})
	if err != nil {
		return err
	}
	return c.WriteFrame(frame)
}

func (r *Receiver) reportError(remote net.Addr, messageID string, err error) {
	if messageID != "" {
		err = transport.NewError(messageID, err)
	}
	r.logger.Warn("dropping inbound frame",
		slog.String("remote", remote.String()),
		slog.String("code", string(transport.CodeOf(err))),
		slog.String("error", err.Error()))

	ev := events.New(events.TypeReceiverError, messageID)
	ev.Destination = remote.String()
	ev.Err = err
	r.observer.Observe(ev)

	if r.cfg.OnError != nil {
		r.cfg.OnError(err)
	}
}

// janitor forgets acknowledged ids once AckedRetention has passed.
func (r *Receiver) janitor() {
	defer r.wg.Done()

	interval := r.cfg.AckedRetention / 2
	if interval < time.Millisecond {
		interval = time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			threshold := time.Now().Add(-r.cfg.AckedRetention)
			r.mu.Lock()
			for id, at := range r.acked {
				if at.Before(threshold) {
					delete(r.acked, id)
				}
			}
			r.mu.Unlock()
		case <-r.stop:
			return
		}
	}
}
