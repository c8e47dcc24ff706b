package types

import (
	"encoding/json"
	"time"

	uuid "github.com/satori/go.uuid"
)

// Action is the outcome recorded for a flow.
type Action string

const (
	ActionRedirected  Action = "redirected"
	ActionPassthrough Action = "passthrough"
	// ActionRejected marks a flow that failed before a routing decision was made.
	ActionRejected Action = "rejected"
)

// Event is the structured record emitted once per flow.
type Event struct {
	Time        time.Time
	FlowID      uuid.UUID
	Action      Action
	Method      string
	OriginalURL string
	Destination string
	StatusCode  int
	Duration    time.Duration
	Err         error
}

func (e *Event) MarshalJSON() ([]byte, error) {
	m := map[string]any{
		"timestamp":    e.Time.Format(time.RFC3339Nano),
		"flow_id":      e.FlowID,
		"action":       e.Action,
		"method":       e.Method,
		"original_url": e.OriginalURL,
		"destination":  e.Destination,
		"duration_ms":  e.Duration.Milliseconds(),
	}
	if e.StatusCode != 0 {
		m["status"] = e.StatusCode
	}
	if e.Err != nil {
		m["error"] = e.Err.Error()
	}
	return json.Marshal(m)
}
