// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package sender

import "errors"

var (
	ErrEmptyNodeID = errors.New("node id cannot be empty")
	ErrNoResolver  = errors.New("no peer directory configured")
	ErrClosed      = errors.New("sender is closed")
)
