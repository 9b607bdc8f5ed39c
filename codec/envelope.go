// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package codec encodes and decodes the envelope exchanged between peers.
//
// The envelope uses the protobuf wire format so that peers written in other
// languages can decode it from the schema:
//
//	message Envelope {
//	  string message_id  = 1;
//	  uint64 sequence_id = 2;
//	  bytes  message     = 3;
//	  string sender_id   = 4;
//	}
//
// All functions are stateless and safe for concurrent use.
package codec

import (
	"errors"
	"fmt"

	"github.com/absmach/peermq/transport"
	"google.golang.org/protobuf/encoding/protowire"
)

const (
	fieldMessageID  protowire.Number = 1
	fieldSequenceID protowire.Number = 2
	fieldMessage    protowire.Number = 3
	fieldSenderID   protowire.Number = 4
)

// Encoding errors.
var (
	ErrEmptyMessageID = errors.New("message id cannot be empty")
	ErrEmptySenderID  = errors.New("sender id cannot be empty")
)

// IDs identifies one transmission attempt of a message.
type IDs struct {
	MessageID  string
	SequenceID uint64
}

// Envelope is the decoded wire unit.
type Envelope struct {
	MessageID  string
	SequenceID uint64
	SenderID   string
	Payload    []byte
}

// IsAck reports whether e carries no payload. Only connections opened by a
// sender carry acks; a receiver delivers every envelope as a message.
func (e Envelope) IsAck() bool {
	return len(e.Payload) == 0
}

// EncodeSend encodes a message envelope.
func EncodeSend(senderID string, payload []byte, ids IDs) ([]byte, error) {
	if err := validate(senderID, ids); err != nil {
		return nil, err
	}
	b := make([]byte, 0, size(senderID, payload, ids))
	return appendEnvelope(b, senderID, payload, ids), nil
}

// EncodeAck encodes an acknowledgment for the attempt identified by ids.
func EncodeAck(senderID string, ids IDs) ([]byte, error) {
	return EncodeSend(senderID, nil, ids)
}

// Decode parses an envelope. An absent sequence_id decodes as 0, as proto3
// encoders omit default scalars. Failures wrap
// transport.ErrMalformedProtocolMessage.
func Decode(b []byte) (Envelope, error) {
	var (
		env                      Envelope
		hasID, hasSender bool
	)

	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return Envelope{}, malformed("invalid tag: %v", protowire.ParseError(n))
		}
		b = b[n:]

		switch num {
		case fieldMessageID, fieldSenderID:
			if typ != protowire.BytesType {
				return Envelope{}, malformed("field %d has wire type %d, want bytes", num, typ)
			}
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return Envelope{}, malformed("field %d: %v", num, protowire.ParseError(n))
			}
			b = b[n:]
			if num == fieldMessageID {
				env.MessageID, hasID = v, true
			} else {
				env.SenderID, hasSender = v, true
			}
		case fieldSequenceID:
			if typ != protowire.VarintType {
				return Envelope{}, malformed("field %d has wire type %d, want varint", num, typ)
			}
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return Envelope{}, malformed("field %d: %v", num, protowire.ParseError(n))
			}
			b = b[n:]
			env.SequenceID = v
		case fieldMessage:
			if typ != protowire.BytesType {
				return Envelope{}, malformed("field %d has wire type %d, want bytes", num, typ)
			}
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return Envelope{}, malformed("field %d: %v", num, protowire.ParseError(n))
			}
			b = b[n:]
			env.Payload = append(env.Payload[:0:0], v...)
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return Envelope{}, malformed("unknown field %d: %v", num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}

	switch {
	case !hasID || env.MessageID == "":
		return Envelope{}, malformed("missing message_id")
	case !hasSender || env.SenderID == "":
		return Envelope{}, malformed("missing sender_id")
	}
	if env.Payload == nil {
		env.Payload = []byte{}
	}
	return env, nil
}

func validate(senderID string, ids IDs) error {
	if ids.MessageID == "" {
		return ErrEmptyMessageID
	}
	if senderID == "" {
		return ErrEmptySenderID
	}
	return nil
}

func size(senderID string, payload []byte, ids IDs) int {
	n := protowire.SizeTag(fieldMessageID) + protowire.SizeBytes(len(ids.MessageID))
	n += protowire.SizeTag(fieldSequenceID) + protowire.SizeVarint(ids.SequenceID)
	if len(payload) > 0 {
		n += protowire.SizeTag(fieldMessage) + protowire.SizeBytes(len(payload))
	}
	n += protowire.SizeTag(fieldSenderID) + protowire.SizeBytes(len(senderID))
	return n
}

func appendEnvelope(b []byte, senderID string, payload []byte, ids IDs) []byte {
	b = protowire.AppendTag(b, fieldMessageID, protowire.BytesType)
	b = protowire.AppendString(b, ids.MessageID)
	b = protowire.AppendTag(b, fieldSequenceID, protowire.VarintType)
	b = protowire.AppendVarint(b, ids.SequenceID)
	if len(payload) > 0 {
		b = protowire.AppendTag(b, fieldMessage, protowire.BytesType)
		b = protowire.AppendBytes(b, payload)
	}
	b = protowire.AppendTag(b, fieldSenderID, protowire.BytesType)
	b = protowire.AppendString(b, senderID)
	return b
}

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", transport.ErrMalformedProtocolMessage, fmt.Sprintf(format, args...))
}
