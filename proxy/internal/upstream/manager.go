package upstream

import (
	"context"
	"crypto/tls"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/StarNumber12046/opencards/internal/helper"
	"github.com/StarNumber12046/opencards/proxy/internal/proxycontext"
)

// DefaultDialTimeout bounds a single upstream dial including the TLS handshake.
const DefaultDialTimeout = 10 * time.Second

// DialFunc opens a plain connection.
type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// Handshaker upgrades a plain upstream connection to TLS.
type Handshaker interface {
	DialTLS(ctx context.Context, raw net.Conn, serverName string) (*tls.Conn, error)
}

// Options configures a Manager.
type Options struct {
	// Upstream is the upstream proxy address (e.g., "http://proxy:8080").
	// If empty, the manager will use environment variables (HTTP_PROXY, HTTPS_PROXY).
	Upstream string
	// SslInsecure skips verification of an https upstream proxy.
	SslInsecure bool
	// Dial replaces the direct dialer, mostly for tests.
	Dial        DialFunc
	DialTimeout time.Duration
	Handshaker  Handshaker
	Pool        PoolOptions
}

// Manager handles upstream connections: proxy selection, dialing, TLS and pooling.
type Manager struct {
	upstream    string
	sslInsecure bool
	dial        DialFunc
	dialTimeout time.Duration
	handshaker  Handshaker
	pool        *Pool

	upstreamProxy func(*url.URL) (*url.URL, error)
}

// NewManager creates a new Manager with the given configuration.
func NewManager(opts Options) *Manager {
	if opts.Dial == nil {
		opts.Dial = (&net.Dialer{KeepAlive: 30 * time.Second}).DialContext
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = DefaultDialTimeout
	}
	return &Manager{
		upstream:    opts.Upstream,
		sslInsecure: opts.SslInsecure,
		dial:        opts.Dial,
		dialTimeout: opts.DialTimeout,
		handshaker:  opts.Handshaker,
		pool:        NewPool(opts.Pool),
	}
}

// SetUpstreamProxy sets a custom upstream proxy function.
// This function will be called to determine the proxy URL for each target.
// If not set, the manager will use the configured upstream or environment variables.
func (m *Manager) SetUpstreamProxy(fn func(*url.URL) (*url.URL, error)) {
	m.upstreamProxy = fn
}

// GetUpstreamProxyURL returns the upstream proxy URL for a target, nil for a direct dial.
// It checks in order:
// 1. Custom upstream proxy function (if set via SetUpstreamProxy)
// 2. upstream field (if configured)
// 3. Environment variables (HTTP_PROXY, HTTPS_PROXY, etc.)
func (m *Manager) GetUpstreamProxyURL(target *url.URL) (*url.URL, error) {
	if m.upstreamProxy != nil {
		return m.upstreamProxy(target)
	}
	if len(m.upstream) > 0 {
		return url.Parse(m.upstream)
	}
	return http.ProxyFromEnvironment(&http.Request{URL: target})
}

// Pool returns the connection pool.
func (m *Manager) Pool() *Pool {
	return m.pool
}

// Acquire returns an idle pooled connection for key, dialling a fresh one when none is available.
func (m *Manager) Acquire(ctx context.Context, key Key) (*Conn, error) {
	if c, ok := m.pool.Get(key); ok {
		return c, nil
	}
	return m.Dial(ctx, key)
}

// Dial opens a fresh connection for key, bypassing the pool. https keys get a
// verified TLS session for key.ServerName.
func (m *Manager) Dial(ctx context.Context, key Key) (*Conn, error) {
	logger := slog.Default().With("in", "upstream.Manager.Dial", "key", key.String())
	if f, ok := proxycontext.GetFlow(ctx); ok {
		logger = logger.With("flow", f.ID.String())
	}

	ctx, cancel := context.WithTimeout(ctx, m.dialTimeout)
	defer cancel()

	raw, via, err := m.dialRaw(ctx, key.Scheme, key.Addr)
	if err != nil {
		return nil, err
	}

	if key.Scheme == "https" && m.handshaker != nil {
		tlsConn, err := m.handshaker.DialTLS(ctx, raw, key.ServerName)
		if err != nil {
			raw.Close()
			return nil, &ConnectError{Addr: key.Addr, Via: via, Err: err}
		}
		raw = tlsConn
	}
	logger.Debug("upstream connected", "via", via)
	return newConn(raw, key), nil
}

// DialTunnel opens a plain connection to addr for relaying opaque bytes, going
// through the upstream proxy an https request to addr would use.
func (m *Manager) DialTunnel(ctx context.Context, addr string) (net.Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, m.dialTimeout)
	defer cancel()

	raw, _, err := m.dialRaw(ctx, "https", addr)
	return raw, err
}

func (m *Manager) dialRaw(ctx context.Context, scheme, addr string) (net.Conn, string, error) {
	proxyURL, err := m.GetUpstreamProxyURL(&url.URL{Scheme: scheme, Host: addr})
	if err != nil {
		return nil, "", &ConnectError{Addr: addr, Err: err}
	}

	var raw net.Conn
	via := ""
	if proxyURL != nil {
		via = proxyURL.Redacted()
		raw, err = helper.GetProxyConn(ctx, proxyURL, addr, m.sslInsecure)
	} else {
		raw, err = m.dial(ctx, "tcp", addr)
	}
	if err != nil {
		return nil, via, &ConnectError{Addr: addr, Via: via, Err: err}
	}
	return raw, via, nil
}

// Release hands c back to the pool when reusable, closing it otherwise.
func (m *Manager) Release(c *Conn, reusable bool) {
	if c == nil {
		return
	}
	if !reusable {
		m.pool.Discard(c)
		return
	}
	m.pool.Put(c)
}

// Close closes all idle connections.
func (m *Manager) Close() error {
	return m.pool.Close()
}
