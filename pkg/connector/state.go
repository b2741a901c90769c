package connector

import "fmt"

type State int

const (
	StateDisconnected State = iota
	StateConnecting
	// StateOpen means the socket is up but the relay has not yet sent its
	// connected frame.
	StateOpen
	StateActive
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

var transitions = map[State][]State{
	StateDisconnected: {StateConnecting},
	StateConnecting:   {StateOpen, StateDisconnected},
	StateOpen:         {StateActive, StateClosing, StateDisconnected},
	StateActive:       {StateClosing, StateDisconnected},
	StateClosing:      {StateDisconnected},
}

func canTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
