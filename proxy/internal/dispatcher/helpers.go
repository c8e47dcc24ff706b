package dispatcher

import (
	"bufio"
	"errors"
	"io"
	"log/slog"
	"net"
	"strings"
)

var normalErrMsgs = []string{
	"read: connection reset by peer",
	"write: broken pipe",
	"i/o timeout",
	"tls: first record does not look like a TLS handshake",
	"io: read/write on closed pipe",
	"connect: connection refused",
	"connect: connection reset by peer",
	"use of closed network connection",
}

// LogErr logs errors, filtering out normal/expected errors.
func LogErr(logger *slog.Logger, err error) {
	msg := err.Error()

	for _, str := range normalErrMsgs {
		if strings.Contains(msg, str) {
			logger.Debug("normal error", "error", err)
			return
		}
	}

	logger.Error("unexpected error", "error", err)
}

// isQuietClose reports whether err is the peer going away between requests.
func isQuietClose(err error) bool {
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// BufferedConn reads through r, which may already hold bytes read from Conn.
type BufferedConn struct {
	net.Conn
	r *bufio.Reader
}

// NewBufferedConn wraps c so reads drain r first.
func NewBufferedConn(c net.Conn, r *bufio.Reader) *BufferedConn {
	return &BufferedConn{Conn: c, r: r}
}

func (c *BufferedConn) Read(p []byte) (int, error) {
	return c.r.Read(p)
}

// CloseWrite half-closes the connection when the transport supports it.
func (c *BufferedConn) CloseWrite() error {
	if cw, ok := c.Conn.(interface{ CloseWrite() error }); ok {
		return cw.CloseWrite()
	}
	return c.Conn.Close()
}

// Transfer copies bytes both ways until either side is done, then closes both.
func Transfer(logger *slog.Logger, server, client io.ReadWriteCloser) {
	errChan := make(chan error, 2)
	go func() {
		_, err := io.Copy(server, client)
		logger.Debug("client copy end", "error", err)
		if cw, ok := server.(interface{ CloseWrite() error }); ok && err == nil {
			_ = cw.CloseWrite()
		} else {
			server.Close()
		}
		errChan <- err
	}()
	go func() {
		_, err := io.Copy(client, server)
		logger.Debug("server copy end", "error", err)
		client.Close()
		server.Close()
		errChan <- err
	}()

	for i := 0; i < 2; i++ {
		if err := <-errChan; err != nil {
			LogErr(logger, err)
		}
	}
}
