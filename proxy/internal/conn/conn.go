package conn

import (
	"crypto/tls"
	"encoding/json"
	"net"

	uuid "github.com/satori/go.uuid"
	"go.uber.org/atomic"
)

// Mode is how a client reached the proxy.
type Mode string

const (
	// ModeTransparent is a client that resolved the API host to the proxy and speaks TLS directly.
	ModeTransparent Mode = "transparent"
	// ModeConnect is a client that opened a CONNECT tunnel.
	ModeConnect Mode = "connect"
	// ModeHTTP is a plaintext client, either a forward-proxy client or transparent HTTP.
	ModeHTTP Mode = "http"
)

// ClientConn represents a client connection.
type ClientConn struct {
	ID   uuid.UUID
	Conn net.Conn
	TLS  bool
	// ServerName is the SNI of the intercepted handshake, or the fallback host when the client sent none.
	ServerName         string
	NegotiatedProtocol string
	ClientHello        *tls.ClientHelloInfo
	CloseChan          chan struct{} // Channel that is closed when the connection is closed
}

// NewClientConn creates a new ClientConn instance.
func NewClientConn(c net.Conn) *ClientConn {
	return &ClientConn{
		ID:   uuid.NewV4(),
		Conn: c,
		TLS:  false,
	}
}

func (c *ClientConn) MarshalJSON() ([]byte, error) {
	m := make(map[string]any)
	m["id"] = c.ID
	m["tls"] = c.TLS
	m["serverName"] = c.ServerName
	address := ""
	if c.Conn != nil {
		address = c.Conn.RemoteAddr().String()
	}
	m["address"] = address
	return json.Marshal(m)
}

// ServerConn represents a server connection.
type ServerConn struct {
	ID uuid.UUID
	// Address is the host:port that was dialled.
	Address    string
	ServerName string
	Conn       net.Conn
	TLSState   *tls.ConnectionState
	// Reused is set when the connection came out of the pool.
	Reused bool
}

// NewServerConn creates a new ServerConn instance.
func NewServerConn() *ServerConn {
	return &ServerConn{
		ID: uuid.NewV4(),
	}
}

func (c *ServerConn) MarshalJSON() ([]byte, error) {
	m := make(map[string]any)
	m["id"] = c.ID
	m["address"] = c.Address
	m["serverName"] = c.ServerName
	m["reused"] = c.Reused
	peername := ""
	if c.Conn != nil {
		peername = c.Conn.RemoteAddr().String()
	}
	m["peername"] = peername
	return json.Marshal(m)
}

// GetTLSState returns the TLS connection state.
func (c *ServerConn) GetTLSState() *tls.ConnectionState {
	return c.TLSState
}

// Context represents the connection context for a proxy connection.
type Context struct {
	ClientConn *ClientConn `json:"clientConn"`
	// ServerConn is the upstream connection serving the current flow, nil between flows.
	ServerConn *ServerConn `json:"serverConn"`
	Mode       Mode        `json:"mode"`
	// ConnectHost is the authority of the CONNECT request that opened the tunnel.
	ConnectHost        string        `json:"connectHost,omitempty"`
	Intercept          bool          `json:"intercept"` // Indicates whether to parse HTTPS
	FlowCount          atomic.Uint32 `json:"-"`         // Number of HTTP requests made on the same connection
	CloseAfterResponse bool          `json:"-"`         // close the client connection once the current response is relayed
}

// NewContext creates a new connection context.
func NewContext(clientConn *ClientConn) *Context {
	return &Context{
		ClientConn: clientConn,
	}
}

// ID returns the connection ID.
func (c *Context) ID() uuid.UUID {
	return c.ClientConn.ID
}
