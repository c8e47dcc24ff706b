package types

import (
	"encoding/json"
	"sync"
	"time"

	uuid "github.com/satori/go.uuid"

	"github.com/StarNumber12046/opencards/proxy/internal/conn"
	"github.com/StarNumber12046/opencards/proxy/internal/httpflow"
	"github.com/StarNumber12046/opencards/rule"
)

// Flow is one request/response exchange on a client connection.
type Flow struct {
	ID          uuid.UUID
	ConnContext *conn.Context
	// Request is the request as received from the client.
	Request *httpflow.Request
	// Rewritten is the request actually sent upstream when it differs from Request.
	Rewritten *httpflow.Request
	Response  *httpflow.Response
	Decision  rule.Decision
	// Destination is the host:port the request was forwarded to.
	Destination string

	// If true, Request and Response bodies are not buffered, and will not enter subsequent Addon.Request and Addon.Response
	Stream bool

	Started  time.Time
	Finished time.Time
	Err      error

	mu    sync.Mutex
	state State
	done  chan struct{}
	once  sync.Once
}

// NewFlow creates a new Flow instance in StateAccepted.
func NewFlow() *Flow {
	return &Flow{
		ID:      uuid.NewV4(),
		Started: time.Now(),
		state:   StateAccepted,
		done:    make(chan struct{}),
	}
}

// State returns the current lifecycle state.
func (f *Flow) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// Transition moves the flow to next, returning a *TransitionError when the move
// is not allowed from the current state.
func (f *Flow) Transition(next State) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !CanTransition(f.state, next) {
		return &TransitionError{From: f.state, To: next}
	}
	f.state = next
	return nil
}

// Fail records err and moves the flow to StateErrored. The first error wins.
func (f *Flow) Fail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err == nil {
		f.Err = err
	}
	if !f.state.Terminal() {
		f.state = StateErrored
	}
}

// Redirected reports whether the rule engine sent this flow to the redirect target.
func (f *Flow) Redirected() bool {
	return f.Decision.Redirected()
}

// Done returns a channel that is closed when the flow is finished.
func (f *Flow) Done() <-chan struct{} {
	return f.done
}

// Finish marks the flow as complete. A flow that did not reach a state from which
// it may close is marked errored.
func (f *Flow) Finish() {
	f.once.Do(func() {
		f.mu.Lock()
		switch {
		case f.state.Terminal():
		case CanTransition(f.state, StateClosed) && f.Err == nil:
			f.state = StateClosed
		default:
			f.state = StateErrored
		}
		f.Finished = time.Now()
		f.mu.Unlock()
		close(f.done)
	})
}

// Event summarises the flow for log sinks.
func (f *Flow) Event() *Event {
	e := &Event{
		Time:        f.Started,
		FlowID:      f.ID,
		Destination: f.Destination,
		Err:         f.Err,
		Action:      ActionPassthrough,
	}
	if !f.Finished.IsZero() {
		e.Duration = f.Finished.Sub(f.Started)
	}
	if f.Request != nil {
		e.Method = f.Request.Method
		e.OriginalURL = f.Request.PrettyURL()
	}
	if f.Response != nil {
		e.StatusCode = f.Response.StatusCode
	}
	switch {
	case f.Redirected():
		e.Action = ActionRedirected
	case f.Decision.Action == "" && (f.Request == nil || f.Err != nil):
		e.Action = ActionRejected
	}
	return e
}

func (f *Flow) MarshalJSON() ([]byte, error) {
	j := make(map[string]any)
	j["id"] = f.ID
	j["state"] = f.State().String()
	if f.Request != nil {
		j["request"] = map[string]any{
			"method": f.Request.Method,
			"url":    f.Request.PrettyURL(),
			"proto":  f.Request.Proto,
			"header": f.Request.Header,
		}
	}
	if f.Response != nil {
		j["response"] = map[string]any{
			"statusCode": f.Response.StatusCode,
			"header":     f.Response.Header,
		}
	}
	if f.Destination != "" {
		j["destination"] = f.Destination
	}
	return json.Marshal(j)
}
