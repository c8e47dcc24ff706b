package upstream

import (
	"bufio"
	"crypto/tls"
	"net"
	"time"
)

// Key identifies interchangeable upstream connections.
type Key struct {
	Scheme string
	// Addr is host:port.
	Addr string
	// ServerName is the SNI sent on https connections.
	ServerName string
}

func (k Key) String() string {
	return k.Scheme + "|" + k.Addr + "|" + k.ServerName
}

// Conn is an upstream connection checked out for one flow at a time.
type Conn struct {
	net.Conn
	Key Key
	// Reader buffers responses read from Conn; it outlives a single flow.
	Reader   *bufio.Reader
	TLSState *tls.ConnectionState
	// Reused is true when the connection came out of the pool.
	Reused bool

	createdAt time.Time
	lastUsed  time.Time
}

func newConn(c net.Conn, key Key) *Conn {
	now := time.Now()
	uc := &Conn{
		Conn:      c,
		Key:       key,
		Reader:    bufio.NewReader(c),
		createdAt: now,
		lastUsed:  now,
	}
	if tc, ok := c.(*tls.Conn); ok {
		state := tc.ConnectionState()
		uc.TLSState = &state
	}
	return uc
}

// NewConn wraps an already established connection.
func NewConn(c net.Conn, key Key) *Conn {
	return newConn(c, key)
}
