package types

import (
	"io"

	"github.com/StarNumber12046/opencards/proxy/internal/conn"
)

// Addon defines the interface for proxy addons.
type Addon interface {
	// A client has connected to the proxy. Note that a connection can correspond to multiple HTTP requests.
	ClientConnected(*conn.ClientConn)

	// A client connection has been closed (either by us or the client).
	ClientDisconnected(*conn.ClientConn)

	// The proxy has connected to a server.
	ServerConnected(*conn.Context)

	// A server connection has been closed or returned to the pool.
	ServerDisconnected(*conn.Context)

	// The TLS handshake with the server has been completed successfully.
	TLSEstablishedServer(*conn.Context)

	// HTTP request headers were successfully read. At this point, the body is empty.
	// Setting f.Response answers the client without forwarding.
	Requestheaders(*Flow)

	// The full HTTP request has been read.
	Request(*Flow)

	// HTTP response headers were successfully read. At this point, the body is empty.
	Responseheaders(*Flow)

	// The full HTTP response has been read.
	Response(*Flow)

	// Stream request body modifier
	StreamRequestModifier(*Flow, io.Reader) io.Reader

	// Stream response body modifier
	StreamResponseModifier(*Flow, io.Reader) io.Reader

	// The flow is finished; the event carries its outcome.
	FlowEvent(*Flow, *Event)
}

// AddonRegistry manages a collection of addons.
type AddonRegistry interface {
	Get() []Addon
}

// BaseAddon provides default no-op implementations of all Addon methods.
type BaseAddon struct{}

func (*BaseAddon) ClientConnected(*conn.ClientConn)                       {}
func (*BaseAddon) ClientDisconnected(*conn.ClientConn)                    {}
func (*BaseAddon) ServerConnected(*conn.Context)                          {}
func (*BaseAddon) ServerDisconnected(*conn.Context)                       {}
func (*BaseAddon) TLSEstablishedServer(*conn.Context)                     {}
func (*BaseAddon) Requestheaders(*Flow)                                   {}
func (*BaseAddon) Request(*Flow)                                          {}
func (*BaseAddon) Responseheaders(*Flow)                                  {}
func (*BaseAddon) Response(*Flow)                                         {}
func (*BaseAddon) StreamRequestModifier(_ *Flow, in io.Reader) io.Reader  { return in }
func (*BaseAddon) StreamResponseModifier(_ *Flow, in io.Reader) io.Reader { return in }
func (*BaseAddon) FlowEvent(*Flow, *Event)                                {}
