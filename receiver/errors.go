// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package receiver

import "errors"

var (
	// ErrShutdownTimeout is returned when connections do not finish within
	// the configured shutdown timeout.
	ErrShutdownTimeout = errors.New("shutdown timeout exceeded")

	ErrAlreadyStarted = errors.New("receiver already started")
	ErrNotStarted     = errors.New("receiver not started")
	ErrEmptyNodeID    = errors.New("node id cannot be empty")
	ErrNilHandler     = errors.New("message handler cannot be nil")
)
