package conn

import (
	"bufio"
	"log/slog"
	"net"
	"sync"
)

// AddonNotifier defines callbacks for addon notifications.
type AddonNotifier interface {
	NotifyClientDisconnected(*ClientConn)
}

// WrapClientConn wraps a net.Conn for remote client connections. All reads go
// through one buffered reader so bytes peeked for protocol detection stay
// available to whichever layer reads next.
type WrapClientConn struct {
	net.Conn
	r             *bufio.Reader
	ConnCtx       *Context
	addonNotifier AddonNotifier

	closeMu   sync.Mutex
	closed    bool
	closeErr  error
	CloseChan chan struct{}
}

// NewWrapClientConn creates a new wrapped client connection.
func NewWrapClientConn(c net.Conn, addonNotifier AddonNotifier) *WrapClientConn {
	return &WrapClientConn{
		Conn:          c,
		r:             bufio.NewReader(c),
		addonNotifier: addonNotifier,
		CloseChan:     make(chan struct{}),
	}
}

// Peek returns the next n bytes without advancing the reader.
func (c *WrapClientConn) Peek(n int) ([]byte, error) {
	return c.r.Peek(n)
}

// Reader returns the buffered reader behind Read.
func (c *WrapClientConn) Reader() *bufio.Reader {
	return c.r
}

// Read reads data from the connection.
func (c *WrapClientConn) Read(data []byte) (int, error) {
	return c.r.Read(data)
}

// Closed reports whether Close was called.
func (c *WrapClientConn) Closed() bool {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	return c.closed
}

// Close closes the connection and notifies addons.
func (c *WrapClientConn) Close() error {
	c.closeMu.Lock()
	if c.closed {
		c.closeMu.Unlock()
		return c.closeErr
	}
	slog.Debug("WrapClientConn close", "remoteAddr", c.Conn.RemoteAddr().String())

	c.closed = true
	c.closeErr = c.Conn.Close()
	c.closeMu.Unlock()
	close(c.CloseChan)

	if c.addonNotifier != nil && c.ConnCtx != nil {
		c.addonNotifier.NotifyClientDisconnected(c.ConnCtx.ClientConn)
	}

	return c.closeErr
}
