package model

import (
	"fmt"
	"strings"
)

// CallState is the lifecycle state of a tracked call.
type CallState int

const (
	// CallStateRinging covers incoming, outgoing and remote-ringing calls.
	CallStateRinging CallState = iota
	// CallStateEstablished means media is flowing.
	CallStateEstablished
	// CallStateClosing is set on termination; the call is removed after a grace delay.
	CallStateClosing
)

// String returns the string representation of the state
func (s CallState) String() string {
	switch s {
	case CallStateRinging:
		return "Ringing"
	case CallStateEstablished:
		return "Established"
	case CallStateClosing:
		return "Closing"
	default:
		return fmt.Sprintf("Unknown(%d)", s)
	}
}

// MarshalText implements encoding.TextMarshaler
func (s CallState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (s *CallState) UnmarshalText(b []byte) error {
	switch strings.ToLower(string(b)) {
	case "ringing":
		*s = CallStateRinging
	case "established":
		*s = CallStateEstablished
	case "closing":
		*s = CallStateClosing
	default:
		return fmt.Errorf("unknown call state %q", b)
	}
	return nil
}

// validTransitions defines which state transitions are allowed
var validTransitions = map[CallState][]CallState{
	CallStateRinging:     {CallStateEstablished, CallStateClosing},
	CallStateEstablished: {CallStateClosing},
	CallStateClosing:     {},
}

// CanTransitionTo checks if a transition from current state to next state is valid
func (s CallState) CanTransitionTo(next CallState) bool {
	for _, state := range validTransitions[s] {
		if state == next {
			return true
		}
	}
	return false
}

// IsTerminal returns true if this is a terminal state
func (s CallState) IsTerminal() bool {
	return s == CallStateClosing
}

// CallStatus is the per-account call summary shown to observers.
type CallStatus string

const (
	CallStatusIdle    CallStatus = "Idle"
	CallStatusRinging CallStatus = "Ringing"
	CallStatusInCall  CallStatus = "In Call"
)

// StatusFor maps a call state to the account-level call status.
func StatusFor(s CallState) CallStatus {
	switch s {
	case CallStateRinging:
		return CallStatusRinging
	case CallStateEstablished:
		return CallStatusInCall
	default:
		return CallStatusIdle
	}
}

// Direction of a call relative to the local account.
type Direction string

const (
	DirectionIncoming Direction = "incoming"
	DirectionOutgoing Direction = "outgoing"
	DirectionUnknown  Direction = "unknown"
)
