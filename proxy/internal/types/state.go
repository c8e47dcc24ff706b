package types

import (
	"errors"
	"fmt"
)

// State is the lifecycle position of a Flow.
type State int

const (
	StateAccepted State = iota
	StateTLSHandshaking
	StateRequestParsed
	StateDecided
	StateForwarding
	StateResponseReceived
	StateRelayed
	StateClosed
	StateErrored
)

var stateNames = map[State]string{
	StateAccepted:         "accepted",
	StateTLSHandshaking:   "tls_handshaking",
	StateRequestParsed:    "request_parsed",
	StateDecided:          "decided",
	StateForwarding:       "forwarding",
	StateResponseReceived: "response_received",
	StateRelayed:          "relayed",
	StateClosed:           "closed",
	StateErrored:          "errored",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateClosed || s == StateErrored
}

// transitions lists the forward moves of every non-terminal state. StateErrored
// is reachable from all of them and is not repeated here.
var transitions = map[State][]State{
	StateAccepted:         {StateTLSHandshaking, StateRequestParsed, StateClosed},
	StateTLSHandshaking:   {StateRequestParsed, StateClosed},
	StateRequestParsed:    {StateDecided, StateResponseReceived},
	StateDecided:          {StateForwarding},
	StateForwarding:       {StateResponseReceived},
	StateResponseReceived: {StateRelayed},
	StateRelayed:          {StateClosed},
}

// ErrInvalidTransition is wrapped by every rejected state change.
var ErrInvalidTransition = errors.New("invalid flow state transition")

// TransitionError reports a rejected state change.
type TransitionError struct {
	From State
	To   State
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%v: %s -> %s", ErrInvalidTransition, e.From, e.To)
}

func (e *TransitionError) Unwrap() error {
	return ErrInvalidTransition
}

// CanTransition reports whether from may move to to.
func CanTransition(from, to State) bool {
	if from.Terminal() {
		return false
	}
	if to == StateErrored {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
