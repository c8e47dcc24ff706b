package types_test

import (
	"errors"
	"testing"

	qt "github.com/frankban/quicktest"

	"github.com/StarNumber12046/opencards/proxy/internal/types"
)

func TestFlowHappyPathTransitions(t *testing.T) {
	c := qt.New(t)

	flow := types.NewFlow()
	for _, next := range []types.State{
		types.StateTLSHandshaking,
		types.StateRequestParsed,
		types.StateDecided,
		types.StateForwarding,
		types.StateResponseReceived,
		types.StateRelayed,
		types.StateClosed,
	} {
		c.Assert(flow.Transition(next), qt.IsNil, qt.Commentf("to %s", next))
	}
	c.Assert(flow.State(), qt.Equals, types.StateClosed)
}

func TestFlowKeepAliveSkipsHandshake(t *testing.T) {
	c := qt.New(t)

	flow := types.NewFlow()
	c.Assert(flow.Transition(types.StateRequestParsed), qt.IsNil)
}

func TestFlowLocalAnswerSkipsForwarding(t *testing.T) {
	c := qt.New(t)

	flow := types.NewFlow()
	c.Assert(flow.Transition(types.StateRequestParsed), qt.IsNil)
	c.Assert(flow.Transition(types.StateResponseReceived), qt.IsNil)
}

func TestFlowRejectsInvalidTransitions(t *testing.T) {
	tests := []struct {
		name string
		path []types.State
		next types.State
	}{
		{name: "forward before decision", path: []types.State{types.StateRequestParsed}, next: types.StateForwarding},
		{name: "skip to relayed", path: nil, next: types.StateRelayed},
		{name: "backwards", path: []types.State{types.StateRequestParsed, types.StateDecided}, next: types.StateRequestParsed},
		{name: "after closed", path: []types.State{types.StateClosed}, next: types.StateRequestParsed},
		{name: "after errored", path: []types.State{types.StateErrored}, next: types.StateErrored},
		{name: "close while forwarding", path: []types.State{types.StateRequestParsed, types.StateDecided, types.StateForwarding}, next: types.StateClosed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := qt.New(t)
			flow := types.NewFlow()
			for _, s := range tt.path {
				c.Assert(flow.Transition(s), qt.IsNil)
			}
			before := flow.State()

			err := flow.Transition(tt.next)

			c.Assert(errors.Is(err, types.ErrInvalidTransition), qt.IsTrue)
			var te *types.TransitionError
			c.Assert(errors.As(err, &te), qt.IsTrue)
			c.Assert(te.From, qt.Equals, before)
			c.Assert(te.To, qt.Equals, tt.next)
			c.Assert(flow.State(), qt.Equals, before)
		})
	}
}

func TestErroredReachableFromEveryNonTerminalState(t *testing.T) {
	c := qt.New(t)

	for s := types.StateAccepted; s < types.StateClosed; s++ {
		c.Assert(types.CanTransition(s, types.StateErrored), qt.IsTrue, qt.Commentf("from %s", s))
	}
	c.Assert(types.CanTransition(types.StateClosed, types.StateErrored), qt.IsFalse)
}

func TestStateString(t *testing.T) {
	c := qt.New(t)

	c.Assert(types.StateResponseReceived.String(), qt.Equals, "response_received")
	c.Assert(types.State(42).String(), qt.Equals, "state(42)")
}
