// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package receiver

import (
	"net"
	"time"

	"github.com/absmach/peermq/transport"
)

// Message is an inbound message awaiting acknowledgment by the application.
type Message struct {
	SenderID   string
	MessageID  string
	SequenceID uint64
	Payload    []byte
	RemoteAddr net.Addr
	ReceivedAt time.Time

	r *Receiver
}

// Ack acknowledges the message to its sender. Only the first call succeeds;
// later calls return an error matching transport.ErrUnknownMessageID.
func (m *Message) Ack() error {
	return m.r.Ack(m.MessageID)
}

// Handler is invoked once for every newly received message. It runs on the
// connection's read goroutine and should hand long work off elsewhere.
type Handler interface {
	HandleMessage(*Message)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(*Message)

// HandleMessage calls f(m).
func (f HandlerFunc) HandleMessage(m *Message) {
	f(m)
}

// pending is the ack target of an unacknowledged message. Retries of the
// message move it to the newest connection and sequence id.
type pending struct {
	msg  *Message
	conn *transport.Conn
	seq  uint64
}
