// This file contains tests for internal Flow functionality.
//
// Justification:
// - NewFlow: constructor that creates flows with proper initialization
// - Done/Finish: channel-based synchronization mechanism for flow completion
// - state: the unexported lifecycle field, forced here to reach states the public
//   Transition path would take several steps to reach
//
// These are core mechanisms that define how flows are created and lifecycle events
// are managed, requiring whitebox testing.

package types

import (
	"errors"
	"testing"
	"time"

	qt "github.com/frankban/quicktest"
	uuid "github.com/satori/go.uuid"
)

func TestNewFlowCreatesFlowWithID(t *testing.T) {
	c := qt.New(t)

	flow := NewFlow()

	c.Assert(flow, qt.IsNotNil)
	c.Assert(flow.ID, qt.Not(qt.Equals), uuid.UUID{})
	c.Assert(flow.Done(), qt.IsNotNil)
	c.Assert(flow.State(), qt.Equals, StateAccepted)
	c.Assert(flow.Started.IsZero(), qt.IsFalse)
}

func TestFlowFinishClosesChannel(t *testing.T) {
	c := qt.New(t)

	flow := NewFlow()
	done := flow.Done()

	flow.Finish()

	select {
	case <-done:
	case <-time.After(100 * time.Millisecond):
		c.Fatal("Done channel should be closed")
	}
	c.Assert(flow.Finished.IsZero(), qt.IsFalse)
}

func TestFlowDoneChannelRemainsOpenBeforeFinish(t *testing.T) {
	c := qt.New(t)

	flow := NewFlow()
	done := flow.Done()

	select {
	case <-done:
		c.Fatal("Done channel should not be closed before Finish()")
	case <-time.After(10 * time.Millisecond):
	}

	flow.Finish()
}

func TestFlowFinishTwiceDoesNotPanic(t *testing.T) {
	c := qt.New(t)

	flow := NewFlow()
	flow.Finish()
	flow.Finish()

	c.Assert(flow.State(), qt.Equals, StateClosed)
}

func TestFlowFinishFromRelayedCloses(t *testing.T) {
	c := qt.New(t)

	flow := NewFlow()
	flow.state = StateRelayed
	flow.Finish()

	c.Assert(flow.State(), qt.Equals, StateClosed)
}

func TestFlowFinishMidwayMarksErrored(t *testing.T) {
	c := qt.New(t)

	flow := NewFlow()
	flow.state = StateForwarding
	flow.Finish()

	c.Assert(flow.State(), qt.Equals, StateErrored)
}

func TestFlowFailKeepsFirstError(t *testing.T) {
	c := qt.New(t)
	first := errors.New("first")

	flow := NewFlow()
	flow.state = StateDecided
	flow.Fail(first)
	flow.Fail(errors.New("second"))

	c.Assert(flow.Err, qt.Equals, first)
	c.Assert(flow.State(), qt.Equals, StateErrored)
}
