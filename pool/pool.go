// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package pool multiplexes outbound message attempts over a bounded set of
// TCP connections per destination. A connection carries at most
// MaxConcurrentPerConnection attempts at a time and is closed as soon as its
// last attempt is released.
package pool

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/absmach/peermq/codec"
	"github.com/absmach/peermq/retry"
	"github.com/absmach/peermq/transport"
	"github.com/sony/gobreaker"
)

const (
	defaultDialTimeout     = 5 * time.Second
	defaultWriteTimeout    = 5 * time.Second
	defaultBreakerFailures = 5
	defaultBreakerReset    = 10 * time.Second

	// ackFrameLimit bounds frames read on outbound connections, which only
	// ever carry acks.
	ackFrameLimit = 64 << 10
)

// Dialer opens network connections.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// AckHandler is notified of every ack read from a destination.
type AckHandler interface {
	Ack(messageID string) bool
}

// AckFunc adapts a function to the AckHandler interface.
type AckFunc func(messageID string) bool

// Ack calls f(messageID).
func (f AckFunc) Ack(messageID string) bool {
	return f(messageID)
}

// ErrorHandler is notified when an attempt is lost because its connection
// could not be opened, could not be written, or failed while in flight.
type ErrorHandler func(messageID string, err error)

// Config holds pool settings.
type Config struct {
	SenderID                   string
	MaxConcurrentPerConnection int
	MaxOpenSockets             int // 0 means unlimited
	DialTimeout                time.Duration
	WriteTimeout               time.Duration
	TLSConfig                  *tls.Config
	BreakerFailures            uint32
	BreakerReset               time.Duration
	Dialer                     Dialer
	Logger                     *slog.Logger
}

type destination struct {
	key   string
	conns []*conn
}

// Pool owns all outbound connections. It implements retry.Transmitter.
type Pool struct {
	cfg     Config
	logger  *slog.Logger
	dialer  Dialer
	acks    AckHandler
	onError ErrorHandler

	open   atomic.Int64
	nextID atomic.Uint64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	dests    map[string]*destination
	bySeq    map[uint64]*conn
	byMsg    map[string]map[uint64]struct{}
	breakers map[string]*gobreaker.CircuitBreaker
	closed   bool
}

var _ retry.Transmitter = (*Pool)(nil)

// New creates a pool. acks receives every ack read from a destination and
// onError, if set, is called for attempts lost to a connection failure.
func New(cfg Config, acks AckHandler, onError ErrorHandler) (*Pool, error) {
	if cfg.SenderID == "" {
		return nil, ErrEmptySenderID
	}
	if cfg.MaxConcurrentPerConnection <= 0 {
		return nil, ErrInvalidCapacity
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaultDialTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	if cfg.BreakerFailures == 0 {
		cfg.BreakerFailures = defaultBreakerFailures
	}
	if cfg.BreakerReset <= 0 {
		cfg.BreakerReset = defaultBreakerReset
	}
	if cfg.Dialer == nil {
		cfg.Dialer = &net.Dialer{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if onError == nil {
		onError = func(string, error) {}
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		cfg:      cfg,
		ctx:      ctx,
		cancel:   cancel,
		logger:   cfg.Logger,
		dialer:   cfg.Dialer,
		acks:     acks,
		onError:  onError,
		dests:    make(map[string]*destination),
		bySeq:    make(map[uint64]*conn),
		byMsg:    make(map[string]map[uint64]struct{}),
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}, nil
}

// Transmit reserves a slot for a on a connection to its destination,
// opening a connection when every existing one is at capacity. Dialing and
// writing happen in the background, so only a closed pool or the socket
// ceiling fail here; later failures go to the error handler.
func (p *Pool) Transmit(ctx context.Context, a retry.Attempt) error {
	frame, err := codec.EncodeSend(p.cfg.SenderID, a.Payload, codec.IDs{MessageID: a.MessageID, SequenceID: a.SequenceID})
	if err != nil {
		return err
	}

	c, breaker, err := p.acquire(a)
	if err != nil {
		return err
	}

	go func() {
		defer p.wg.Done()

		ctx, cancel := context.WithCancel(ctx)
		defer cancel()
		stop := context.AfterFunc(p.ctx, cancel)
		defer stop()

		if breaker != nil {
			p.dial(ctx, c, a.Destination, breaker)
		}
		p.deliver(ctx, c, a, frame)
	}()
	return nil
}

// Release forgets every attempt of messageID and closes connections that
// no longer carry any attempt.
func (p *Pool) Release(messageID string) {
	p.mu.Lock()
	seqs := p.byMsg[messageID]
	delete(p.byMsg, messageID)

	var idle []*conn
	for seq := range seqs {
		c, ok := p.bySeq[seq]
		if !ok {
			p.logger.Warn("release of untracked attempt",
				slog.String("message_id", messageID),
				slog.Uint64("sequence_id", seq),
				slog.String("code", string(transport.CodeCleanupError)))
			continue
		}
		delete(p.bySeq, seq)
		if _, ok := c.inflight[seq]; !ok {
			p.logger.Warn("connection lost track of attempt",
				slog.String("message_id", messageID),
				slog.Uint64("sequence_id", seq),
				slog.Uint64("conn_id", c.id),
				slog.String("code", string(transport.CodeCleanupError)))
		}
		delete(c.inflight, seq)
		if len(c.inflight) == 0 && c.ready() && p.detach(c) {
			idle = append(idle, c)
		}
	}
	p.mu.Unlock()

	for _, c := range idle {
		p.logger.Debug("closing idle connection",
			slog.String("destination", c.dest),
			slog.Uint64("conn_id", c.id))
		c.close()
	}
}

// CloseAll closes every open connection. Attempts still in flight are
// reported through the error handler. It returns the number of
// connections closed.
func (p *Pool) CloseAll() int {
	p.mu.Lock()
	var all []*conn
	for _, d := range p.dests {
		for _, c := range d.conns {
			if c.ready() {
				all = append(all, c)
			}
		}
	}
	p.mu.Unlock()

	n := 0
	for _, c := range all {
		if p.drop(c, net.ErrClosed, "") {
			n++
		}
	}
	return n
}

// Close closes all connections, stops pending dials and rejects further
// attempts.
func (p *Pool) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	p.cancel()
	p.CloseAll()
	p.wg.Wait()
	return nil
}

// Open returns the number of open or opening connections.
func (p *Pool) Open() int {
	return int(p.open.Load())
}

// Connections returns the number of connections to dest.
func (p *Pool) Connections(dest transport.Destination) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	d, ok := p.dests[dest.Key()]
	if !ok {
		return 0
	}
	return len(d.conns)
}

// InFlight returns the number of attempts currently tracked.
func (p *Pool) InFlight() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.bySeq)
}

// acquire reserves a slot for a on a connection with spare capacity. When
// a new connection has to be opened it is returned with the breaker its
// dial must go through. A successful acquire is counted in p.wg and the
// caller must start the goroutine that finishes the attempt.
func (p *Pool) acquire(a retry.Attempt) (*conn, *gobreaker.CircuitBreaker, error) {
	key := a.Destination.Key()

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, nil, ErrPoolClosed
	}

	d, ok := p.dests[key]
	if !ok {
		d = &destination{key: key}
		p.dests[key] = d
	}

	for _, c := range d.conns {
		if len(c.inflight) < p.cfg.MaxConcurrentPerConnection {
			p.register(c, a)
			p.wg.Add(1)
			return c, nil, nil
		}
	}

	if !p.reserve() {
		if len(d.conns) == 0 {
			delete(p.dests, key)
		}
		return nil, nil, fmt.Errorf("%w: %d sockets open", transport.ErrResourceExhausted, p.Open())
	}

	c := newConn(p.nextID.Add(1), key)
	d.conns = append(d.conns, c)
	p.register(c, a)
	p.wg.Add(1)
	return c, p.breaker(key), nil
}

// reserve claims a socket against MaxOpenSockets. Caller holds p.mu.
func (p *Pool) reserve() bool {
	limit := int64(p.cfg.MaxOpenSockets)
	for {
		n := p.open.Load()
		if limit > 0 && n >= limit {
			return false
		}
		if p.open.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

// register records a on c. Caller holds p.mu.
func (p *Pool) register(c *conn, a retry.Attempt) {
	c.inflight[a.SequenceID] = a.MessageID
	p.bySeq[a.SequenceID] = c
	seqs, ok := p.byMsg[a.MessageID]
	if !ok {
		seqs = make(map[uint64]struct{})
		p.byMsg[a.MessageID] = seqs
	}
	seqs[a.SequenceID] = struct{}{}
}

// unregister removes a single attempt. Caller holds p.mu.
func (p *Pool) unregister(c *conn, seq uint64, messageID string) {
	delete(c.inflight, seq)
	delete(p.bySeq, seq)
	if seqs, ok := p.byMsg[messageID]; ok {
		delete(seqs, seq)
		if len(seqs) == 0 {
			delete(p.byMsg, messageID)
		}
	}
}

// detach removes c and its attempts from the pool. It reports false if c
// was already detached. Caller holds p.mu.
func (p *Pool) detach(c *conn) bool {
	if c.detached {
		return false
	}
	c.detached = true

	if d, ok := p.dests[c.dest]; ok {
		for i, other := range d.conns {
			if other == c {
				d.conns = append(d.conns[:i], d.conns[i+1:]...)
				break
			}
		}
		if len(d.conns) == 0 {
			delete(p.dests, c.dest)
		}
	}
	for seq, id := range c.inflight {
		p.unregister(c, seq, id)
	}
	p.open.Add(-1)
	return true
}

func (p *Pool) breaker(key string) *gobreaker.CircuitBreaker {
	if cb, ok := p.breakers[key]; ok {
		return cb
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        key,
		MaxRequests: 1,
		Timeout:     p.cfg.BreakerReset,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= p.cfg.BreakerFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			p.logger.Warn("destination circuit breaker state changed",
				slog.String("destination", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()))
		},
	})
	p.breakers[key] = cb
	return cb
}

// dial connects c and starts its read loop. Attempts that reserved a slot
// on c while it was dialing are woken when it is ready.
func (p *Pool) dial(ctx context.Context, c *conn, dest transport.Destination, cb *gobreaker.CircuitBreaker) {
	res, err := cb.Execute(func() (interface{}, error) {
		dctx, cancel := context.WithTimeout(ctx, p.cfg.DialTimeout)
		defer cancel()

		nc, err := p.dialer.DialContext(dctx, "tcp", c.dest)
		if err != nil {
			return nil, err
		}
		if p.cfg.TLSConfig != nil {
			tcfg := p.cfg.TLSConfig.Clone()
			if tcfg.ServerName == "" {
				tcfg.ServerName = dest.Host
			}
			tlsConn := tls.Client(nc, tcfg)
			if err := tlsConn.HandshakeContext(dctx); err != nil {
				nc.Close()
				return nil, err
			}
			nc = tlsConn
		}
		return nc, nil
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			err = fmt.Errorf("destination %s unavailable: %w", c.dest, err)
		}
		p.logger.Warn("failed to connect to destination",
			slog.String("destination", c.dest),
			slog.String("error", err.Error()))

		p.mu.Lock()
		p.detach(c)
		p.mu.Unlock()
		c.fail(fmt.Errorf("%w: %w", transport.ErrSendError, err))
		return
	}

	c.tc = transport.NewConn(res.(net.Conn), ackFrameLimit, p.cfg.WriteTimeout)
	c.setReady()

	p.logger.Debug("connected to destination",
		slog.String("destination", c.dest),
		slog.Uint64("conn_id", c.id))

	p.mu.Lock()
	closed := p.closed
	idle := !closed && len(c.inflight) == 0 && p.detach(c)
	p.mu.Unlock()
	if closed {
		p.drop(c, net.ErrClosed, "")
		return
	}
	if idle {
		c.close()
		return
	}

	go p.readLoop(c)
}

// deliver writes the frame of a once c is connected. Attempts released or
// dropped in the meantime are skipped.
func (p *Pool) deliver(ctx context.Context, c *conn, a retry.Attempt, frame []byte) {
	if err := p.await(ctx, c, a); err != nil {
		if ctx.Err() == nil {
			p.onError(a.MessageID, transport.NewError(a.MessageID, err))
		}
		return
	}
	if !p.tracked(c, a.SequenceID) {
		return
	}

	if err := c.tc.WriteFrame(frame); err != nil {
		if p.drop(c, err, a.MessageID) {
			p.onError(a.MessageID, transport.NewError(a.MessageID, fmt.Errorf("%w: %w", transport.ErrSendError, err)))
		}
	}
}

// tracked reports whether the attempt seq is still carried by c.
func (p *Pool) tracked(c *conn, seq uint64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := c.inflight[seq]
	return ok && !c.detached
}

// await waits until c is connected. On cancellation the slot reserved for
// a is given back.
func (p *Pool) await(ctx context.Context, c *conn, a retry.Attempt) error {
	select {
	case <-c.readyCh:
	case <-ctx.Done():
		p.mu.Lock()
		if !c.detached {
			p.unregister(c, a.SequenceID, a.MessageID)
		}
		p.mu.Unlock()
		return ctx.Err()
	}
	return c.err
}

func (p *Pool) readLoop(c *conn) {
	for {
		frame, err := c.tc.ReadFrame()
		if err != nil {
			p.drop(c, err, "")
			return
		}

		env, err := codec.Decode(frame)
		if err != nil {
			p.logger.Warn("dropping malformed frame from destination",
				slog.String("destination", c.dest),
				slog.String("code", string(transport.CodeOf(err))),
				slog.String("error", err.Error()))
			continue
		}
		if !env.IsAck() {
			p.logger.Debug("ignoring non-ack frame from destination",
				slog.String("destination", c.dest),
				slog.String("message_id", env.MessageID))
			continue
		}

		if p.acks == nil || !p.acks.Ack(env.MessageID) {
			p.logger.Debug("ignoring ack for unknown message",
				slog.String("destination", c.dest),
				slog.String("message_id", env.MessageID),
				slog.Uint64("sequence_id", env.SequenceID))
		}
	}
}

// drop closes c after a failure and reports every in-flight message other
// than except. It reports whether c was still attached.
func (p *Pool) drop(c *conn, cause error, except string) bool {
	p.mu.Lock()
	lost := make(map[string]struct{}, len(c.inflight))
	for _, id := range c.inflight {
		if id != except {
			lost[id] = struct{}{}
		}
	}
	ok := p.detach(c)
	p.mu.Unlock()

	if !ok {
		return false
	}
	c.close()

	if !errors.Is(cause, net.ErrClosed) {
		p.logger.Warn("connection to destination failed",
			slog.String("destination", c.dest),
			slog.Uint64("conn_id", c.id),
			slog.Int("in_flight", len(lost)),
			slog.String("error", cause.Error()))
	}
	for id := range lost {
		p.onError(id, transport.NewError(id, fmt.Errorf("%w: %w", transport.ErrSendError, cause)))
	}
	return true
}
