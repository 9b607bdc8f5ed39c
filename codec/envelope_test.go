// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"testing"

	"github.com/absmach/peermq/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"
)

func TestRoundTrip(t *testing.T) {
	tests := []struct {
		name    string
		payload []byte
	}{
		{name: "text", payload: []byte("verify identity 42")},
		{name: "empty", payload: []byte{}},
		{name: "non utf8", payload: []byte{0xff, 0xfe, 0x00, 0x80, 0xc3, 0x28}},
		{name: "large", payload: make([]byte, 256*1024)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, err := EncodeSend("node-a", tt.payload, IDs{MessageID: "m1", SequenceID: 7})
			require.NoError(t, err)

			env, err := Decode(b)
			require.NoError(t, err)
			assert.Equal(t, "node-a", env.SenderID)
			assert.Equal(t, "m1", env.MessageID)
			assert.Equal(t, uint64(7), env.SequenceID)
			assert.Equal(t, tt.payload, env.Payload)
		})
	}
}

func TestEncodeSendWireLayout(t *testing.T) {
	b, err := EncodeSend("n1", []byte("hi"), IDs{MessageID: "m1", SequenceID: 7})
	require.NoError(t, err)

	want := []byte{
		0x0a, 0x02, 'm', '1',
		0x10, 0x07,
		0x1a, 0x02, 'h', 'i',
		0x22, 0x02, 'n', '1',
	}
	assert.Equal(t, want, b)
}

func TestEncodeAck(t *testing.T) {
	b, err := EncodeAck("node-b", IDs{MessageID: "m1", SequenceID: 3})
	require.NoError(t, err)

	env, err := Decode(b)
	require.NoError(t, err)
	assert.True(t, env.IsAck())
	assert.Equal(t, "m1", env.MessageID)
	assert.Equal(t, uint64(3), env.SequenceID)
	assert.Equal(t, "node-b", env.SenderID)
}

func TestEncodeValidation(t *testing.T) {
	_, err := EncodeSend("node-a", []byte("x"), IDs{SequenceID: 1})
	assert.ErrorIs(t, err, ErrEmptyMessageID)

	_, err = EncodeSend("", []byte("x"), IDs{MessageID: "m1", SequenceID: 1})
	assert.ErrorIs(t, err, ErrEmptySenderID)
}

func TestDecodeSkipsUnknownFields(t *testing.T) {
	b, err := EncodeSend("node-a", []byte("p"), IDs{MessageID: "m1", SequenceID: 9})
	require.NoError(t, err)

	b = protowire.AppendTag(b, 15, protowire.VarintType)
	b = protowire.AppendVarint(b, 1234)
	b = protowire.AppendTag(b, 16, protowire.BytesType)
	b = protowire.AppendString(b, "extension")

	env, err := Decode(b)
	require.NoError(t, err)
	assert.Equal(t, []byte("p"), env.Payload)
	assert.Equal(t, uint64(9), env.SequenceID)
}

func TestDecodeMalformed(t *testing.T) {
	valid, err := EncodeSend("node-a", []byte("p"), IDs{MessageID: "m1", SequenceID: 1})
	require.NoError(t, err)

	wrongType := protowire.AppendTag(nil, fieldMessageID, protowire.VarintType)
	wrongType = protowire.AppendVarint(wrongType, 5)

	noSender := protowire.AppendTag(nil, fieldMessageID, protowire.BytesType)
	noSender = protowire.AppendString(noSender, "m1")
	noSender = protowire.AppendTag(noSender, fieldSequenceID, protowire.VarintType)
	noSender = protowire.AppendVarint(noSender, 1)

	tests := []struct {
		name string
		data []byte
	}{
		{name: "empty", data: nil},
		{name: "garbage", data: []byte{0xff, 0xff, 0xff, 0xff}},
		{name: "truncated", data: valid[:len(valid)-3]},
		{name: "wrong wire type", data: wrongType},
		{name: "missing sender id", data: noSender},
		{name: "json", data: []byte(`{"message_id":"m1"}`)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.data)
			require.Error(t, err)
			assert.ErrorIs(t, err, transport.ErrMalformedProtocolMessage)
		})
	}
}

func TestDecodeDefaultSequenceID(t *testing.T) {
	b := protowire.AppendTag(nil, fieldMessageID, protowire.BytesType)
	b = protowire.AppendString(b, "m1")
	b = protowire.AppendTag(b, fieldMessage, protowire.BytesType)
	b = protowire.AppendBytes(b, []byte("p"))
	b = protowire.AppendTag(b, fieldSenderID, protowire.BytesType)
	b = protowire.AppendString(b, "node-a")

	env, err := Decode(b)
	require.NoError(t, err)
	assert.Equal(t, "m1", env.MessageID)
	assert.Equal(t, uint64(0), env.SequenceID)
	assert.Equal(t, []byte("p"), env.Payload)
	assert.Equal(t, "node-a", env.SenderID)
}

func TestDecodeDoesNotAliasInput(t *testing.T) {
	b, err := EncodeSend("node-a", []byte("abc"), IDs{MessageID: "m1", SequenceID: 1})
	require.NoError(t, err)

	env, err := Decode(b)
	require.NoError(t, err)
	for i := range b {
		b[i] = 0
	}
	assert.Equal(t, []byte("abc"), env.Payload)
}

func TestConcurrentEncodeDecode(t *testing.T) {
	done := make(chan struct{})
	for i := 0; i < 16; i++ {
		go func(i int) {
			defer func() { done <- struct{}{} }()
			for j := 0; j < 100; j++ {
				b, err := EncodeSend("node-a", []byte{byte(i), byte(j)}, IDs{MessageID: "m", SequenceID: uint64(j + 1)})
				if err != nil {
					t.Error(err)
					return
				}
				env, err := Decode(b)
				if err != nil {
					t.Error(err)
					return
				}
				if env.Payload[0] != byte(i) || env.Payload[1] != byte(j) {
					t.Errorf("payload mismatch: %v", env.Payload)
					return
				}
			}
		}(i)
	}
	for i := 0; i < 16; i++ {
		<-done
	}
}
