package types_test

import (
	"encoding/json"
	"errors"
	"testing"

	qt "github.com/frankban/quicktest"

	"github.com/StarNumber12046/opencards/proxy/internal/httpflow"
	"github.com/StarNumber12046/opencards/proxy/internal/types"
	"github.com/StarNumber12046/opencards/rule"
)

func parsedFlow(c *qt.C, raw string) *types.Flow {
	req, err := httpflow.ParseRequest([]byte(raw))
	c.Assert(err, qt.IsNil)
	req.Scheme = "https"
	flow := types.NewFlow()
	flow.Request = req
	return flow
}

func TestFlowEventRedirected(t *testing.T) {
	c := qt.New(t)

	flow := parsedFlow(c, "GET /v2/flights?date=2024-01-01 HTTP/1.1\r\nHost: api.skycards.oldapes.com\r\n\r\n")
	flow.Decision = rule.Decision{Action: rule.Redirect, Host: "127.0.0.1", Port: 8443}
	flow.Destination = "127.0.0.1:8443"
	flow.Response = httpflow.NewResponse(200, nil, []byte("ok"))
	flow.Finish()

	e := flow.Event()

	c.Assert(e.Action, qt.Equals, types.ActionRedirected)
	c.Assert(e.OriginalURL, qt.Equals, "https://api.skycards.oldapes.com/v2/flights?date=2024-01-01")
	c.Assert(e.Destination, qt.Equals, "127.0.0.1:8443")
	c.Assert(e.Method, qt.Equals, "GET")
	c.Assert(e.StatusCode, qt.Equals, 200)
	c.Assert(e.FlowID, qt.Equals, flow.ID)
	c.Assert(e.Err, qt.IsNil)
}

func TestFlowEventPassthrough(t *testing.T) {
	c := qt.New(t)

	flow := parsedFlow(c, "GET /v2/airports/search HTTP/1.1\r\nHost: api.skycards.oldapes.com\r\n\r\n")
	flow.Decision = rule.Decision{Action: rule.Passthrough}

	c.Assert(flow.Event().Action, qt.Equals, types.ActionPassthrough)
}

func TestFlowEventRejectedWithoutRequest(t *testing.T) {
	c := qt.New(t)

	flow := types.NewFlow()
	flow.Fail(errors.New("parse start line: boom"))

	e := flow.Event()
	c.Assert(e.Action, qt.Equals, types.ActionRejected)
	c.Assert(e.Err, qt.ErrorMatches, "parse start line: boom")
}

func TestEventMarshalJSON(t *testing.T) {
	c := qt.New(t)

	flow := parsedFlow(c, "GET /v1/user HTTP/1.1\r\nHost: api.skycards.oldapes.com\r\n\r\n")
	flow.Decision = rule.Decision{Action: rule.Redirect, Host: "localhost", Port: 443}
	flow.Destination = "localhost:443"
	flow.Fail(errors.New("dial failed"))

	data, err := json.Marshal(flow.Event())
	c.Assert(err, qt.IsNil)

	var m map[string]any
	c.Assert(json.Unmarshal(data, &m), qt.IsNil)
	c.Assert(m["action"], qt.Equals, "redirected")
	c.Assert(m["original_url"], qt.Equals, "https://api.skycards.oldapes.com/v1/user")
	c.Assert(m["destination"], qt.Equals, "localhost:443")
	c.Assert(m["error"], qt.Equals, "dial failed")
	c.Assert(m["timestamp"], qt.Not(qt.Equals), "")
}
