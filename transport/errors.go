// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"errors"
	"fmt"
)

// Transport errors.
var (
	// ErrMalformedProtocolMessage is returned for frames that cannot be decoded
	// or exceed the inbound size limit.
	ErrMalformedProtocolMessage = errors.New("malformed protocol message")
	ErrMessageTooLarge          = errors.New("message exceeds maximum size")

	ErrSendTimeout       = errors.New("send timed out")
	ErrSendError         = errors.New("send failed")
	ErrSendCanceled      = errors.New("send canceled")
	ErrCleanupError      = errors.New("connection cleanup failed")
	ErrUnknownMessageID  = errors.New("unknown message id")
	ErrResourceExhausted = errors.New("open socket limit reached")
)

// Code is the stable identifier reported alongside transport errors.
type Code string

// Error codes.
const (
	CodeMalformedProtocolMessage Code = "MQ_MALFORMED_PROTOCOL_MESSAGE"
	CodeSendTimeout              Code = "MQ_SEND_TIMEOUT"
	CodeSendError                Code = "MQ_SEND_ERROR"
	CodeSendCanceled             Code = "MQ_SEND_CANCELED"
	CodeCleanupError             Code = "MQ_CLEANUP_ERROR"
	CodeUnknownMessageID         Code = "MQ_UNKNOWN_MESSAGE_ID"
	CodeResourceExhausted        Code = "MQ_RESOURCE_EXHAUSTED"
	CodeUnknown                  Code = "MQ_UNKNOWN"
)

var codes = []struct {
	err  error
	code Code
}{
	{ErrMalformedProtocolMessage, CodeMalformedProtocolMessage},
	{ErrMessageTooLarge, CodeMalformedProtocolMessage},
	{ErrSendTimeout, CodeSendTimeout},
	{ErrResourceExhausted, CodeResourceExhausted},
	{ErrCleanupError, CodeCleanupError},
	{ErrUnknownMessageID, CodeUnknownMessageID},
	{ErrSendCanceled, CodeSendCanceled},
	{ErrSendError, CodeSendError},
}

// CodeOf returns the code of the first transport sentinel err wraps.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var te *Error
	if errors.As(err, &te) && te.Code != "" {
		return te.Code
	}
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return CodeUnknown
}

// Error carries a transport error together with the message it concerns.
type Error struct {
	Code      Code
	MessageID string
	Err       error
}

// NewError wraps err for messageID, deriving the code from err.
func NewError(messageID string, err error) *Error {
	return &Error{
		Code:      CodeOf(err),
		MessageID: messageID,
		Err:       err,
	}
}

func (e *Error) Error() string {
	if e.MessageID == "" {
		return fmt.Sprintf("%s: %v", e.Code, e.Err)
	}
	return fmt.Sprintf("%s: message %s: %v", e.Code, e.MessageID, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}
