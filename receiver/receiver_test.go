// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package receiver

import (
	"context"
	"encoding/binary"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/absmach/peermq/codec"
	"github.com/absmach/peermq/events"
	"github.com/absmach/peermq/testutil"
	"github.com/absmach/peermq/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type inbox struct {
	mu   sync.Mutex
	msgs []*Message
}

func (i *inbox) HandleMessage(m *Message) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.msgs = append(i.msgs, m)
}

func (i *inbox) all() []*Message {
	i.mu.Lock()
	defer i.mu.Unlock()
	return append([]*Message(nil), i.msgs...)
}

type errSink struct {
	mu   sync.Mutex
	errs []error
}

func (s *errSink) add(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errs = append(s.errs, err)
}

func (s *errSink) all() []error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]error(nil), s.errs...)
}

func startReceiver(t *testing.T, cfg Config) (*Receiver, *inbox, *errSink) {
	t.Helper()

	in := &inbox{}
	sink := &errSink{}
	cfg.Address = "127.0.0.1:0"
	if cfg.NodeID == "" {
		cfg.NodeID = "node-b"
	}
	cfg.OnError = sink.add
	cfg.ShutdownTimeout = time.Second

	r, err := New(cfg, in)
	require.NoError(t, err)
	require.NoError(t, r.Start(context.Background()))
	t.Cleanup(func() { r.Close() })
	return r, in, sink
}

func dial(t *testing.T, r *Receiver) *transport.Conn {
	t.Helper()
	nc, err := net.Dial("tcp", r.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { nc.Close() })
	return transport.NewConn(nc, 1<<20, time.Second)
}

func send(t *testing.T, c *transport.Conn, id string, seq uint64, payload []byte) {
	t.Helper()
	frame, err := codec.EncodeSend("node-a", payload, codec.IDs{MessageID: id, SequenceID: seq})
	require.NoError(t, err)
	require.NoError(t, c.WriteFrame(frame))
}

func readAck(t *testing.T, c *transport.Conn, timeout time.Duration) (codec.Envelope, error) {
	t.Helper()
	require.NoError(t, c.SetReadDeadline(time.Now().Add(timeout)))
	defer c.SetReadDeadline(time.Time{})

	frame, err := c.ReadFrame()
	if err != nil {
		return codec.Envelope{}, err
	}
	return codec.Decode(frame)
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func TestNewValidation(t *testing.T) {
	_, err := New(Config{}, HandlerFunc(func(*Message) {}))
	assert.ErrorIs(t, err, ErrEmptyNodeID)

	_, err = New(Config{NodeID: "b"}, nil)
	assert.ErrorIs(t, err, ErrNilHandler)
}

func TestDeferredAck(t *testing.T) {
	rec := testutil.NewRecorder()
	r, in, _ := startReceiver(t, Config{Observer: rec})
	c := dial(t, r)

	send(t, c, "m1", 7, []byte("hello"))
	require.Eventually(t, func() bool { return len(in.all()) == 1 }, time.Second, 5*time.Millisecond)

	msg := in.all()[0]
	assert.Equal(t, "node-a", msg.SenderID)
	assert.Equal(t, "m1", msg.MessageID)
	assert.Equal(t, uint64(7), msg.SequenceID)
	assert.Equal(t, []byte("hello"), msg.Payload)
	assert.Equal(t, 1, r.Pending())
	assert.Equal(t, 1, rec.Count(events.TypeMessageReceived, "m1"))

	_, err := readAck(t, c, 100*time.Millisecond)
	require.True(t, isTimeout(err), "ack sent before the application confirmed: %v", err)

	require.NoError(t, msg.Ack())
	ack, err := readAck(t, c, time.Second)
	require.NoError(t, err)
	assert.True(t, ack.IsAck())
	assert.Equal(t, "m1", ack.MessageID)
	assert.Equal(t, uint64(7), ack.SequenceID)
	assert.Equal(t, "node-b", ack.SenderID)
	assert.Equal(t, 0, r.Pending())

	err = msg.Ack()
	assert.ErrorIs(t, err, transport.ErrUnknownMessageID)
}

func TestAckUnknown(t *testing.T) {
	r, _, _ := startReceiver(t, Config{})

	err := r.Ack("never-seen")
	require.ErrorIs(t, err, transport.ErrUnknownMessageID)
	assert.Equal(t, transport.CodeUnknownMessageID, transport.CodeOf(err))
	assert.Equal(t, 0, r.Pending())
}

func TestOversizedFrameDropsConnection(t *testing.T) {
	rec := testutil.NewRecorder()
	r, in, sink := startReceiver(t, Config{MaxMessageSize: 16, Observer: rec})
	c := dial(t, r)

	var hdr [transport.FrameHeaderLen]byte
	binary.BigEndian.PutUint32(hdr[:], 1<<30)
	_, err := c.Write(hdr[:])
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(sink.all()) == 1 }, time.Second, 5*time.Millisecond)
	got := sink.all()[0]
	assert.ErrorIs(t, got, transport.ErrMalformedProtocolMessage)
	assert.ErrorIs(t, got, transport.ErrMessageTooLarge)
	assert.Equal(t, transport.CodeMalformedProtocolMessage, transport.CodeOf(got))
	assert.Equal(t, 1, rec.Count(events.TypeReceiverError, ""))

	_, err = readAck(t, c, time.Second)
	assert.Error(t, err)
	assert.False(t, isTimeout(err), "connection should have been closed")
	assert.Empty(t, in.all())
}

func TestOversizedPayloadIsDropped(t *testing.T) {
	r, in, sink := startReceiver(t, Config{MaxMessageSize: 16})
	c := dial(t, r)

	send(t, c, "big", 1, make([]byte, 100))
	send(t, c, "small", 2, []byte("ok"))

	require.Eventually(t, func() bool { return len(in.all()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "small", in.all()[0].MessageID)

	errs := sink.all()
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], transport.ErrMessageTooLarge)
	var terr *transport.Error
	require.ErrorAs(t, errs[0], &terr)
	assert.Equal(t, "big", terr.MessageID)
}

func TestMalformedFrameKeepsConnection(t *testing.T) {
	r, in, sink := startReceiver(t, Config{})
	c := dial(t, r)

	require.NoError(t, c.WriteFrame([]byte{0xff, 0xff, 0xff}))
	send(t, c, "m1", 1, nil)

	require.Eventually(t, func() bool { return len(in.all()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []byte{}, in.all()[0].Payload)
	require.Len(t, sink.all(), 1)
	assert.ErrorIs(t, sink.all()[0], transport.ErrMalformedProtocolMessage)
}

func TestRetryOfPendingMessage(t *testing.T) {
	r, in, _ := startReceiver(t, Config{})
	first := dial(t, r)
	second := dial(t, r)

	send(t, first, "m1", 1, []byte("x"))
	require.Eventually(t, func() bool { return len(in.all()) == 1 }, time.Second, 5*time.Millisecond)

	send(t, second, "m1", 2, []byte("x"))
	require.Eventually(t, func() bool {
		r.mu.Lock()
		defer r.mu.Unlock()
		p, ok := r.pending["m1"]
		return ok && p.seq == 2
	}, time.Second, 5*time.Millisecond)
	assert.Len(t, in.all(), 1, "retry must not be delivered again")

	require.NoError(t, r.Ack("m1"))
	ack, err := readAck(t, second, time.Second)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), ack.SequenceID)
}

func TestRetryOfAckedMessageIsReacked(t *testing.T) {
	r, in, _ := startReceiver(t, Config{AckedRetention: time.Minute})
	c := dial(t, r)

	send(t, c, "m1", 1, nil)
	require.Eventually(t, func() bool { return len(in.all()) == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, in.all()[0].Ack())
	_, err := readAck(t, c, time.Second)
	require.NoError(t, err)

	send(t, c, "m1", 2, nil)
	ack, err := readAck(t, c, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "m1", ack.MessageID)
	assert.Equal(t, uint64(2), ack.SequenceID)
	assert.Len(t, in.all(), 1)
	assert.Equal(t, 0, r.Pending())
}

func TestAckedRetentionExpires(t *testing.T) {
	r, in, _ := startReceiver(t, Config{AckedRetention: 20 * time.Millisecond})
	c := dial(t, r)

	send(t, c, "m1", 1, nil)
	require.Eventually(t, func() bool { return len(in.all()) == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, r.Ack("m1"))

	require.Eventually(t, func() bool {
		r.mu.Lock()
		defer r.mu.Unlock()
		return len(r.acked) == 0
	}, time.Second, 5*time.Millisecond)

	send(t, c, "m1", 2, nil)
	require.Eventually(t, func() bool { return len(in.all()) == 2 }, time.Second, 5*time.Millisecond)
}

type denyAll struct{}

func (denyAll) AllowMessage(string) bool { return false }

func TestMessageLimiter(t *testing.T) {
	r, in, _ := startReceiver(t, Config{MessageLimiter: denyAll{}})
	c := dial(t, r)

	send(t, c, "m1", 1, nil)
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, in.all())
	assert.Equal(t, 0, r.Pending())
}

func TestEmptyPayloadIsDelivered(t *testing.T) {
	r, in, sink := startReceiver(t, Config{})
	c := dial(t, r)

	send(t, c, "m1", 1, []byte{})
	send(t, c, "m2", 2, []byte("x"))

	require.Eventually(t, func() bool { return len(in.all()) == 2 }, time.Second, 5*time.Millisecond)
	msg := in.all()[0]
	assert.Equal(t, "m1", msg.MessageID)
	assert.Equal(t, []byte{}, msg.Payload)
	assert.Empty(t, sink.all())

	require.NoError(t, msg.Ack())
	ack, err := readAck(t, c, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "m1", ack.MessageID)
}

func TestManyMessagesOneConnection(t *testing.T) {
	r, in, _ := startReceiver(t, Config{})
	c := dial(t, r)

	const n = 50
	for i := 0; i < n; i++ {
		send(t, c, "m"+string(rune('A'+i)), uint64(i+1), []byte{byte(i)})
	}
	require.Eventually(t, func() bool { return len(in.all()) == n }, time.Second, 5*time.Millisecond)

	for _, m := range in.all() {
		require.NoError(t, m.Ack())
	}
	for i := 0; i < n; i++ {
		_, err := readAck(t, c, time.Second)
		require.NoError(t, err)
	}
	assert.Equal(t, 0, r.Pending())
}

func TestLifecycle(t *testing.T) {
	r, in, _ := startReceiver(t, Config{})
	assert.True(t, r.Ready())
	assert.ErrorIs(t, r.Start(context.Background()), ErrAlreadyStarted)

	c := dial(t, r)
	send(t, c, "m1", 1, nil)
	require.Eventually(t, func() bool { return len(in.all()) == 1 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return r.Connections() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, r.Close())
	assert.False(t, r.Ready())
	assert.Equal(t, 0, r.Pending())
	assert.Equal(t, 0, r.Connections())
	assert.NoError(t, r.Close())

	unstarted, err := New(Config{NodeID: "x"}, HandlerFunc(func(*Message) {}))
	require.NoError(t, err)
	assert.ErrorIs(t, unstarted.Close(), ErrNotStarted)
}

func TestListenStopsOnCancel(t *testing.T) {
	r, err := New(Config{Address: "127.0.0.1:0", NodeID: "b", ShutdownTimeout: time.Second}, HandlerFunc(func(*Message) {}))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Listen(ctx) }()

	require.Eventually(t, r.Ready, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Listen did not return after cancel")
	}
}

func TestMaxConnections(t *testing.T) {
	r, in, _ := startReceiver(t, Config{MaxConnections: 1})

	first := dial(t, r)
	send(t, first, "m1", 1, nil)
	require.Eventually(t, func() bool { return len(in.all()) == 1 }, time.Second, 5*time.Millisecond)

	second := dial(t, r)
	send(t, second, "m2", 2, nil)
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, in.all(), 1, "second connection should wait for a free slot")

	first.Close()
	require.Eventually(t, func() bool { return len(in.all()) == 2 }, time.Second, 5*time.Millisecond)
}
