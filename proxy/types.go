package proxy

import (
	"github.com/StarNumber12046/opencards/proxy/internal/conn"
	"github.com/StarNumber12046/opencards/proxy/internal/httpflow"
	"github.com/StarNumber12046/opencards/proxy/internal/types"
	"github.com/StarNumber12046/opencards/proxy/internal/upstream"
)

// Re-export types from internal packages for external use.

type (
	// Flow represents a complete HTTP request/response flow.
	Flow = types.Flow

	// Request represents an HTTP request in the proxy flow.
	Request = httpflow.Request

	// Response represents an HTTP response in the proxy flow.
	Response = httpflow.Response

	// Header is an ordered list of header fields.
	Header = httpflow.Header

	// Field is one header field.
	Field = httpflow.Field

	// ClientConn represents a client connection.
	ClientConn = conn.ClientConn

	// ServerConn represents a server connection.
	ServerConn = conn.ServerConn

	// ConnContext represents the connection context.
	ConnContext = conn.Context

	// ConnMode is how a client reached the proxy.
	ConnMode = conn.Mode

	// Addon defines the interface for proxy addons.
	Addon = types.Addon

	// BaseAddon provides default no-op implementations of all Addon methods.
	BaseAddon = types.BaseAddon

	// Event is the outcome of one flow as delivered to Addon.FlowEvent.
	Event = types.Event

	// EventAction is what the proxy did with a flow.
	EventAction = types.Action

	// State is a flow lifecycle state.
	State = types.State

	// PoolStats is a snapshot of upstream connection reuse.
	PoolStats = upstream.PoolStats
)

const (
	ActionRedirected  = types.ActionRedirected
	ActionPassthrough = types.ActionPassthrough
	ActionRejected    = types.ActionRejected

	ModeTransparent = conn.ModeTransparent
	ModeConnect     = conn.ModeConnect
	ModeHTTP        = conn.ModeHTTP
)

// NewResponse builds a locally generated response, e.g. for an addon answering
// in Requestheaders.
func NewResponse(code int, header Header, body []byte) *Response {
	return httpflow.NewResponse(code, header, body)
}
