// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/absmach/peermq/events"
	"github.com/absmach/peermq/transport"
	"github.com/google/uuid"
)

// Attempt is one physical transmission of a message.
type Attempt struct {
	MessageID   string
	SequenceID  uint64
	Destination transport.Destination
	Payload     []byte
	RetryCount  int
}

// Transmitter carries out the side effects the engine requests.
type Transmitter interface {
	// Transmit hands one attempt to the transport. It is called with the
	// message locked, so it must not block on the network or call back into
	// the engine for the same message. Failures after Transmit returns are
	// left to the attempt's deadline.
	Transmit(ctx context.Context, a Attempt) error

	// Release frees every resource held for the message's attempts.
	Release(messageID string)
}

// Config holds retry engine settings.
type Config struct {
	AttemptTimeout time.Duration
	TotalTimeout   time.Duration
	Logger         *slog.Logger
	Observer       events.Observer
}

// MaxRetries returns the number of transmissions a message gets before it
// times out: TotalTimeout / AttemptTimeout, at least one.
func (c Config) MaxRetries() int {
	if c.AttemptTimeout <= 0 {
		return 1
	}
	n := int(c.TotalTimeout / c.AttemptTimeout)
	if n < 1 {
		return 1
	}
	return n
}

// Status is a snapshot of an outbound message.
type Status struct {
	State      State
	RetryCount int
	Attempts   int // attempts with a running deadline
}

// message is the state of one logical send. All fields are guarded by mu;
// every transition goes through Engine.transition.
type message struct {
	mu         sync.Mutex
	id         string
	dest       transport.Destination
	payload    []byte
	state      State
	retryCount int
	timers     map[uint64]*time.Timer
	err        error
	done       chan struct{}
}

type outcome struct {
	changed bool
	attempt *Attempt
	release bool
	events  []events.Event
}

// Engine schedules transmission attempts and resolves messages on ack,
// timeout, or cancellation.
type Engine struct {
	cfg        Config
	maxRetries int
	tx         Transmitter
	logger     *slog.Logger
	observer   events.Observer

	ctx    context.Context
	cancel context.CancelFunc

	seq atomic.Uint64

	mu       sync.RWMutex
	messages map[string]*message
	closed   bool
}

// New creates a retry engine that transmits through tx.
func New(cfg Config, tx Transmitter) (*Engine, error) {
	if tx == nil {
		return nil, ErrNilTransmitter
	}
	if cfg.AttemptTimeout <= 0 || cfg.TotalTimeout < cfg.AttemptTimeout {
		return nil, ErrInvalidTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Observer == nil {
		cfg.Observer = events.Nop
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		cfg:        cfg,
		maxRetries: cfg.MaxRetries(),
		tx:         tx,
		logger:     cfg.Logger,
		observer:   cfg.Observer,
		ctx:        ctx,
		cancel:     cancel,
		messages:   make(map[string]*message),
	}, nil
}

// Send starts delivery of payload to dest and returns the message id. An
// empty messageID is replaced with a generated one. Send returns once the
// first attempt has been handed to the transmitter; the outcome is reported
// through the observer and Wait.
func (e *Engine) Send(dest transport.Destination, payload []byte, messageID string) (string, error) {
	m, err := e.send(dest, payload, messageID)
	if m == nil {
		return messageID, err
	}
	return m.id, err
}

// SendWait sends and blocks until the message is acknowledged, times out,
// or ctx is done. When ctx is done first the send is canceled.
func (e *Engine) SendWait(ctx context.Context, dest transport.Destination, payload []byte, messageID string) error {
	m, err := e.send(dest, payload, messageID)
	if err != nil {
		return err
	}

	select {
	case <-m.done:
		return m.err
	case <-ctx.Done():
		e.Cancel(m.id)
		return ctx.Err()
	}
}

// Wait blocks until the message terminates or ctx is done.
func (e *Engine) Wait(ctx context.Context, messageID string) error {
	m := e.get(messageID)
	if m == nil {
		return transport.NewError(messageID, transport.ErrUnknownMessageID)
	}

	select {
	case <-m.done:
		return m.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Ack resolves the message. Acks for unknown or already resolved messages
// are ignored and reported as false.
func (e *Engine) Ack(messageID string) bool {
	m := e.get(messageID)
	if m == nil {
		e.logger.Debug("ignoring ack for unknown message", slog.String("message_id", messageID))
		return false
	}
	changed, _ := e.fire(m, triggerAck, 0, nil)
	return changed
}

// Cancel stops all future attempts of the message and releases its
// connection state without reporting a timeout.
func (e *Engine) Cancel(messageID string) bool {
	m := e.get(messageID)
	if m == nil {
		return false
	}
	changed, _ := e.fire(m, triggerCancel, 0, nil)
	return changed
}

// Status returns a snapshot of a pending message.
func (e *Engine) Status(messageID string) (Status, bool) {
	m := e.get(messageID)
	if m == nil {
		return Status{}, false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return Status{State: m.state, RetryCount: m.retryCount, Attempts: len(m.timers)}, true
}

// Pending returns the number of messages awaiting resolution.
func (e *Engine) Pending() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.messages)
}

// Close cancels every pending message and rejects new sends.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	pending := make([]*message, 0, len(e.messages))
	for _, m := range e.messages {
		pending = append(pending, m)
	}
	e.mu.Unlock()

	for _, m := range pending {
		e.fire(m, triggerCancel, 0, nil)
	}
	e.cancel()
}

func (e *Engine) send(dest transport.Destination, payload []byte, messageID string) (*message, error) {
	if err := dest.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidDestination, err)
	}
	if messageID == "" {
		messageID = uuid.NewString()
	}

	m := &message{
		id:      messageID,
		dest:    dest,
		payload: payload,
		state:   StatePending,
		timers:  make(map[uint64]*time.Timer),
		done:    make(chan struct{}),
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, ErrEngineClosed
	}
	if _, ok := e.messages[messageID]; ok {
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrMessageInFlight, messageID)
	}
	e.messages[messageID] = m
	e.mu.Unlock()

	_, err := e.fire(m, triggerSend, 0, nil)
	return m, err
}

func (e *Engine) get(messageID string) *message {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.messages[messageID]
}

// fire applies t to m under m's lock and performs the requested
// transmission. Resources are released and events emitted outside the lock,
// before waiters are woken. The returned error is non-nil only when the
// first attempt was rejected.
func (e *Engine) fire(m *message, t trigger, seq uint64, cause error) (bool, error) {
	m.mu.Lock()
	out := e.transition(m, t, seq, cause)

	var rejected error
	if out.attempt != nil {
		a := *out.attempt
		if err := e.tx.Transmit(e.ctx, a); err != nil {
			ev := attemptEvent(events.TypeConnectionError, a)
			ev.Err = transport.NewError(a.MessageID, err)
			out.events = append(out.events, ev)

			// The first attempt fails fast when no connection can be opened;
			// later attempts keep their deadline and try again.
			if t == triggerSend && errors.Is(err, transport.ErrResourceExhausted) {
				rejected = transport.NewError(a.MessageID, err)
				rej := e.transition(m, triggerReject, 0, rejected)
				out.release = rej.release
			}
		} else {
			out.events = append(out.events, attemptEvent(events.TypeAttemptTransmitted, a))
		}
	}
	terminal := out.release
	m.mu.Unlock()

	if terminal {
		// Release before the id can be reused by a new Send.
		e.tx.Release(m.id)

		e.mu.Lock()
		if e.messages[m.id] == m {
			delete(e.messages, m.id)
		}
		e.mu.Unlock()
	}
	for _, ev := range out.events {
		e.observer.Observe(ev)
	}
	if terminal {
		close(m.done)
	}
	return out.changed, rejected
}

// transition is the only place message state changes. Caller holds m.mu.
func (e *Engine) transition(m *message, t trigger, seq uint64, cause error) outcome {
	if m.state.Terminal() {
		return outcome{}
	}

	switch t {
	case triggerSend:
		return outcome{changed: true, attempt: e.arm(m)}

	case triggerDeadline:
		if _, ok := m.timers[seq]; !ok {
			return outcome{}
		}
		delete(m.timers, seq)

		if m.retryCount+1 >= e.maxRetries {
			ev := events.New(events.TypeTimedOut, m.id)
			ev.SequenceID = seq
			ev.Destination = m.dest.Key()
			ev.RetryCount = m.retryCount
			ev.Err = transport.NewError(m.id, transport.ErrSendTimeout)
			return e.finish(m, StateFailed, ev.Err, ev)
		}

		m.retryCount++
		a := e.arm(m)
		return outcome{
			changed: true,
			attempt: a,
			events:  []events.Event{attemptEvent(events.TypeRetryScheduled, *a)},
		}

	case triggerAck:
		ev := events.New(events.TypeAckReceived, m.id)
		ev.Destination = m.dest.Key()
		ev.RetryCount = m.retryCount
		return e.finish(m, StateResolved, nil, ev)

	case triggerCancel:
		ev := events.New(events.TypeCanceled, m.id)
		ev.Destination = m.dest.Key()
		ev.RetryCount = m.retryCount
		return e.finish(m, StateCanceled, transport.NewError(m.id, transport.ErrSendCanceled), ev)

	case triggerReject:
		return e.finish(m, StateFailed, cause)
	}

	e.logger.Error("unhandled retry trigger", slog.String("trigger", t.String()))
	return outcome{}
}

// arm allocates a sequence id for a new attempt and starts its deadline.
func (e *Engine) arm(m *message) *Attempt {
	seq := e.seq.Add(1)
	m.timers[seq] = time.AfterFunc(e.cfg.AttemptTimeout, func() {
		e.fire(m, triggerDeadline, seq, nil)
	})
	return &Attempt{
		MessageID:   m.id,
		SequenceID:  seq,
		Destination: m.dest,
		Payload:     m.payload,
		RetryCount:  m.retryCount,
	}
}

// finish stops every deadline issued for m and moves it to a terminal state.
func (e *Engine) finish(m *message, state State, err error, evs ...events.Event) outcome {
	for _, t := range m.timers {
		t.Stop()
	}
	m.timers = nil
	m.state = state
	m.err = err
	return outcome{changed: true, release: true, events: evs}
}

func attemptEvent(t events.Type, a Attempt) events.Event {
	ev := events.New(t, a.MessageID)
	ev.SequenceID = a.SequenceID
	ev.Destination = a.Destination.Key()
	ev.RetryCount = a.RetryCount
	return ev
}
