// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package retry

// State is the lifecycle state of an outbound message.
type State uint32

// Message states.
const (
	StatePending State = iota
	StateResolved
	StateFailed
	StateCanceled
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateResolved:
		return "resolved"
	case StateFailed:
		return "failed"
	case StateCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transitions are possible from s.
func (s State) Terminal() bool {
	return s != StatePending
}

// trigger is an input to the message state machine.
type trigger int

const (
	triggerSend trigger = iota
	triggerDeadline
	triggerAck
	triggerCancel
	triggerReject
)

func (t trigger) String() string {
	switch t {
	case triggerSend:
		return "send"
	case triggerDeadline:
		return "deadline"
	case triggerAck:
		return "ack"
	case triggerCancel:
		return "cancel"
	case triggerReject:
		return "reject"
	default:
		return "unknown"
	}
}
