// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package pool

import "errors"

var (
	ErrPoolClosed      = errors.New("connection pool closed")
	ErrInvalidCapacity = errors.New("max concurrent messages per connection must be positive")
	ErrEmptySenderID   = errors.New("sender id cannot be empty")
)
