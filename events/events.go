// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package events

import (
	"encoding/json"
	"time"

	"github.com/absmach/peermq/transport"
	"github.com/google/uuid"
)

// Type identifies an event variant.
type Type string

// Sender event types.
const (
	TypeAttemptTransmitted Type = "attempt-transmitted"
	TypeAckReceived        Type = "ack-received"
	TypeRetryScheduled     Type = "retry-scheduled"
	TypeTimedOut           Type = "timed-out"
	TypeConnectionError    Type = "connection-error"
	TypeCanceled           Type = "canceled"
)

// Receiver event types.
const (
	TypeMessageReceived Type = "message-received"
	TypeReceiverError   Type = "receiver-error"
)

// Terminal reports whether t ends the life of a message on the sender side.
func (t Type) Terminal() bool {
	return t == TypeAckReceived || t == TypeTimedOut || t == TypeCanceled
}

// Event describes something that happened to a message.
type Event struct {
	ID          string
	Type        Type
	Time        time.Time
	MessageID   string
	SequenceID  uint64
	Destination string
	RetryCount  int
	Err         error
}

// New creates an event of type t for messageID.
func New(t Type, messageID string) Event {
	return Event{
		ID:        uuid.New().String(),
		Type:      t,
		Time:      time.Now().UTC(),
		MessageID: messageID,
	}
}

// Code returns the transport error code of e.Err, if any.
func (e Event) Code() transport.Code {
	return transport.CodeOf(e.Err)
}

// Envelope is the JSON form of an event, stamped with the emitting node.
type Envelope struct {
	EventType string `json:"event_type"`
	EventID   string `json:"event_id"`
	Timestamp string `json:"timestamp"`
	NodeID    string `json:"node_id"`
	Data      Detail `json:"data"`
}

// Detail holds the event fields included in an Envelope.
type Detail struct {
	MessageID   string         `json:"message_id,omitempty"`
	SequenceID  uint64         `json:"sequence_id,omitempty"`
	Destination string         `json:"destination,omitempty"`
	RetryCount  int            `json:"retry_count,omitempty"`
	Code        transport.Code `json:"code,omitempty"`
	Error       string         `json:"error,omitempty"`
}

// Wrap wraps the event in an envelope for nodeID.
func (e Event) Wrap(nodeID string) *Envelope {
	d := Detail{
		MessageID:   e.MessageID,
		SequenceID:  e.SequenceID,
		Destination: e.Destination,
		RetryCount:  e.RetryCount,
	}
	if e.Err != nil {
		d.Code = e.Code()
		d.Error = e.Err.Error()
	}
	return &Envelope{
		EventType: string(e.Type),
		EventID:   e.ID,
		Timestamp: e.Time.Format(time.RFC3339Nano),
		NodeID:    nodeID,
		Data:      d,
	}
}

// MarshalJSON serializes the envelope to JSON.
func (e *Envelope) MarshalJSON() ([]byte, error) {
	type plain Envelope
	return json.Marshal((*plain)(e))
}
