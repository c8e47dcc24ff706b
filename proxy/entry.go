package proxy

// This file (entry.go) contains the listener and the per-connection entry logic.
//
// Every accepted connection is peeked once:
//
//   - a TLS record means a transparent client that resolved the API host to the
//     proxy; the handshake is terminated with a leaf for its SNI.
//   - anything else is plaintext HTTP: absolute-form proxy requests, Host-header
//     requests, or a CONNECT that opens a tunnel. An intercepted tunnel is peeked
//     again and served as TLS or plain HTTP; other tunnels are relayed untouched.
//
// Decrypted or plain, requests then go through the dispatcher.

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/StarNumber12046/opencards/internal/helper"
	"github.com/StarNumber12046/opencards/proxy/internal/conn"
	"github.com/StarNumber12046/opencards/proxy/internal/dispatcher"
	"github.com/StarNumber12046/opencards/proxy/internal/proxycontext"
	"github.com/StarNumber12046/opencards/proxy/internal/types"
)

// entry owns the listener and the live client connections.
type entry struct {
	proxy *Proxy

	ctx    context.Context
	cancel context.CancelFunc
	sem    chan struct{}

	mu       sync.Mutex
	listener net.Listener
	conns    map[*conn.WrapClientConn]struct{}
	closed   bool
	wg       sync.WaitGroup
}

func newEntry(proxy *Proxy) *entry {
	ctx, cancel := context.WithCancel(context.Background())
	e := &entry{
		proxy:  proxy,
		ctx:    ctx,
		cancel: cancel,
		conns:  make(map[*conn.WrapClientConn]struct{}),
	}
	if n := proxy.config.MaxConnections; n > 0 {
		e.sem = make(chan struct{}, n)
	}
	return e
}

func (e *entry) addr() net.Addr {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.listener == nil {
		return nil
	}
	return e.listener.Addr()
}

// serve accepts connections on ln until the entry is closed.
func (e *entry) serve(ln net.Listener) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		ln.Close()
		return http.ErrServerClosed
	}
	e.listener = ln
	e.mu.Unlock()

	slog.Info("proxy listening", "addr", ln.Addr().String())
	var tempDelay time.Duration
	for {
		if e.sem != nil {
			select {
			case e.sem <- struct{}{}:
			case <-e.ctx.Done():
				return http.ErrServerClosed
			}
		}

		c, err := ln.Accept()
		if err != nil {
			e.release()
			if e.isClosed() {
				return http.ErrServerClosed
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				if tempDelay == 0 {
					tempDelay = 5 * time.Millisecond
				} else {
					tempDelay = min(2*tempDelay, time.Second)
				}
				slog.Warn("accept error, retrying", "error", err, "delay", tempDelay)
				time.Sleep(tempDelay)
				continue
			}
			return err
		}
		tempDelay = 0

		e.mu.Lock()
		if e.closed {
			e.mu.Unlock()
			c.Close()
			e.release()
			return http.ErrServerClosed
		}
		e.wg.Add(1)
		e.mu.Unlock()

		go func() {
			defer e.wg.Done()
			defer e.release()
			e.serveConn(c)
		}()
	}
}

func (e *entry) release() {
	if e.sem != nil {
		<-e.sem
	}
}

func (e *entry) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

// stopAccepting marks the entry closed and closes the listener once.
func (e *entry) stopAccepting() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	if e.listener == nil {
		return nil
	}
	return e.listener.Close()
}

// close immediately stops the proxy server, aborting live connections.
func (e *entry) close() error {
	err := e.stopAccepting()
	e.cancel()

	e.mu.Lock()
	conns := make([]*conn.WrapClientConn, 0, len(e.conns))
	for wc := range e.conns {
		conns = append(conns, wc)
	}
	e.mu.Unlock()
	for _, wc := range conns {
		wc.Close()
	}
	return err
}

// shutdown stops accepting and waits for live connections, closing them when
// ctx is done first.
func (e *entry) shutdown(ctx context.Context) error {
	err := e.stopAccepting()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		e.cancel()
		return err
	case <-ctx.Done():
		_ = e.close()
		<-done
		return ctx.Err()
	}
}

func (e *entry) track(wc *conn.WrapClientConn) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.conns[wc] = struct{}{}
}

func (e *entry) untrack(wc *conn.WrapClientConn) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.conns, wc)
}

// serveConn handles one client connection from accept to close.
func (e *entry) serveConn(c net.Conn) {
	prx := e.proxy
	logger := slog.Default().With(
		"in", "Proxy.entry.serveConn",
		"remoteAddr", c.RemoteAddr().String(),
	)

	wc := conn.NewWrapClientConn(c, prx)
	clientConn := conn.NewClientConn(wc)
	clientConn.CloseChan = wc.CloseChan // Share the close channel
	connCtx := conn.NewContext(clientConn)
	wc.ConnCtx = connCtx

	e.track(wc)
	defer e.untrack(wc)
	defer wc.Close()

	prx.notify("ClientConnected", func(a Addon) { a.ClientConnected(clientConn) })

	ctx, cancel := context.WithCancel(e.ctx)
	defer cancel()
	ctx = proxycontext.WithConnContext(ctx, connCtx)
	// unblock any read or write once the proxy is closed
	stop := context.AfterFunc(ctx, func() { _ = wc.SetDeadline(time.Unix(1, 0)) })
	defer stop()

	_ = wc.SetReadDeadline(time.Now().Add(prx.config.IdleTimeout))
	peek, err := wc.Peek(3)
	_ = wc.SetReadDeadline(time.Time{})
	if err != nil {
		if !errors.Is(err, io.EOF) {
			dispatcher.LogErr(logger, err)
		}
		return
	}

	if helper.IsTLS(peek) {
		connCtx.Mode = conn.ModeTransparent
		connCtx.Intercept = true
		local := ""
		if addr, ok := wc.LocalAddr().(*net.TCPAddr); ok {
			local = addr.IP.String()
		}
		e.serveTLS(ctx, connCtx, wc, local, "", logger)
		return
	}

	connCtx.Mode = conn.ModeHTTP
	prx.dispatcher.Serve(ctx, &dispatcher.Session{
		ConnCtx:      connCtx,
		Conn:         wc,
		Reader:       wc.Reader(),
		Scheme:       "http",
		AllowConnect: true,
	})
}

// serveTLS terminates the client handshake on raw and serves the decrypted
// requests. fallbackHost names the leaf when the client sends no SNI;
// defaultHost, when set, names the origin of requests without a Host header.
func (e *entry) serveTLS(ctx context.Context, connCtx *ConnContext, raw net.Conn, fallbackHost, defaultHost string, logger *slog.Logger) {
	prx := e.proxy

	f := types.NewFlow()
	f.ConnContext = connCtx
	_ = f.Transition(types.StateTLSHandshaking)

	sess, err := prx.interceptor.Handshake(ctx, raw, fallbackHost)
	if err != nil {
		logger.Warn("client handshake failed", "error", err)
		f.Fail(err)
		prx.dispatcher.Finish(f)
		return
	}
	defer sess.Conn.Close()

	connCtx.ClientConn.TLS = true
	connCtx.ClientConn.ServerName = sess.ServerName
	connCtx.ClientConn.NegotiatedProtocol = sess.NegotiatedProtocol
	connCtx.ClientConn.ClientHello = sess.ClientHello
	if defaultHost == "" {
		defaultHost = sess.ServerName
	}
	logger.Debug("client handshake done", "sni", sess.ServerName, "alpn", sess.NegotiatedProtocol)

	prx.dispatcher.Serve(ctx, &dispatcher.Session{
		ConnCtx:     connCtx,
		Conn:        sess.Conn,
		Reader:      bufio.NewReader(sess.Conn),
		Scheme:      "https",
		DefaultHost: defaultHost,
		Pending:     f,
	})
}

// handleConnect serves the tunnel opened by a CONNECT request.
func (e *entry) handleConnect(ctx context.Context, s *dispatcher.Session, f *types.Flow) error {
	prx := e.proxy
	host := f.Request.Target
	logger := slog.Default().With(
		"in", "Proxy.entry.handleConnect",
		"host", host,
	)

	connCtx := s.ConnCtx
	connCtx.Mode = conn.ModeConnect
	connCtx.ConnectHost = host
	connCtx.Intercept = prx.shouldIntercept == nil || prx.shouldIntercept(host)

	if !connCtx.Intercept {
		logger.Debug("begin transpond")
		return e.directTransfer(ctx, s, f, logger)
	}

	if err := prx.dispatcher.Establish(s, f); err != nil {
		return err
	}
	f.Finish()

	peek, err := s.Reader.Peek(3)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return err
	}

	if helper.IsTLS(peek) {
		logger.Debug("begin intercept")
		e.serveTLS(ctx, connCtx, s.Conn, host, host, logger)
		return nil
	}

	prx.dispatcher.Serve(ctx, &dispatcher.Session{
		ConnCtx:     connCtx,
		Conn:        s.Conn,
		Reader:      s.Reader,
		Scheme:      "http",
		DefaultHost: host,
	})
	return nil
}

// directTransfer relays the tunnel to its target without looking inside.
func (e *entry) directTransfer(ctx context.Context, s *dispatcher.Session, f *types.Flow, logger *slog.Logger) error {
	prx := e.proxy

	server, err := prx.upstreamManager.DialTunnel(ctx, f.Request.Target)
	if err != nil {
		logger.Error("get upstream conn failed", "error", err)
		f.Destination = f.Request.Target
		prx.dispatcher.Reject(s, f, http.StatusBadGateway, err)
		return nil
	}
	defer server.Close()
	f.Destination = f.Request.Target

	if err := prx.dispatcher.Establish(s, f); err != nil {
		return err
	}
	f.Finish()

	stop := context.AfterFunc(ctx, func() { _ = server.SetDeadline(time.Unix(1, 0)) })
	defer stop()
	dispatcher.Transfer(logger, server, dispatcher.NewBufferedConn(s.Conn, s.Reader))
	return nil
}
