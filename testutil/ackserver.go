// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package testutil

import (
	"net"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/absmach/peermq/codec"
	"github.com/absmach/peermq/transport"
	"github.com/stretchr/testify/require"
)

// AckServer is a minimal peer that records received frames and, when
// AutoAck is set, acknowledges each one on the connection it arrived on.
type AckServer struct {
	ln      net.Listener
	AutoAck atomic.Bool

	accepted atomic.Int64
	active   atomic.Int64

	mu       sync.Mutex
	received []codec.Envelope
	conns    map[net.Conn]struct{}
	wg       sync.WaitGroup
}

// NewAckServer starts an AckServer on a loopback port. It is closed when
// the test finishes.
func NewAckServer(tb testing.TB, autoAck bool) *AckServer {
	tb.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(tb, err)

	s := &AckServer{ln: ln, conns: make(map[net.Conn]struct{})}
	s.AutoAck.Store(autoAck)

	s.wg.Add(1)
	go s.serve()
	tb.Cleanup(s.Close)
	return s
}

// Destination returns the server's address.
func (s *AckServer) Destination() transport.Destination {
	addr := s.ln.Addr().(*net.TCPAddr)
	return transport.Destination{Host: addr.IP.String(), Port: addr.Port}
}

// Addr returns the server's address as host:port.
func (s *AckServer) Addr() string {
	return s.ln.Addr().String()
}

// Accepted returns the number of connections accepted so far.
func (s *AckServer) Accepted() int {
	return int(s.accepted.Load())
}

// Active returns the number of connections currently open.
func (s *AckServer) Active() int {
	return int(s.active.Load())
}

// Received returns a copy of every envelope read.
func (s *AckServer) Received() []codec.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]codec.Envelope, len(s.received))
	copy(out, s.received)
	return out
}

// DropAll closes every accepted connection.
func (s *AckServer) DropAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.conns {
		c.Close()
	}
}

// Close stops the server.
func (s *AckServer) Close() {
	s.ln.Close()
	s.DropAll()
	s.wg.Wait()
}

func (s *AckServer) serve() {
	defer s.wg.Done()
	for {
		c, err := s.ln.Accept()
		if err != nil {
			return
		}
		s.accepted.Add(1)
		s.active.Add(1)

		s.mu.Lock()
		s.conns[c] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go s.handle(c)
	}
}

func (s *AckServer) handle(nc net.Conn) {
	defer s.wg.Done()
	defer func() {
		nc.Close()
		s.mu.Lock()
		delete(s.conns, nc)
		s.mu.Unlock()
		s.active.Add(-1)
	}()

	c := transport.NewConn(nc, 1<<20, 0)
	for {
		frame, err := c.ReadFrame()
		if err != nil {
			return
		}
		env, err := codec.Decode(frame)
		if err != nil {
			return
		}

		s.mu.Lock()
		s.received = append(s.received, env)
		s.mu.Unlock()

		if !s.AutoAck.Load() {
			continue
		}
		ack, err := codec.EncodeAck("ack-server", codec.IDs{MessageID: env.MessageID, SequenceID: env.SequenceID})
		if err != nil {
			return
		}
		if err := c.WriteFrame(ack); err != nil {
			return
		}
	}
}
