// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package retry

import "errors"

// Engine errors.
var (
	ErrMessageInFlight    = errors.New("message id already in flight")
	ErrEngineClosed       = errors.New("retry engine closed")
	ErrInvalidTimeout     = errors.New("attempt timeout must be positive and not exceed total timeout")
	ErrNilTransmitter     = errors.New("transmitter cannot be nil")
	ErrInvalidDestination = errors.New("invalid destination")
)
