// Package proxy implements the intercepting redirect proxy: it accepts client
// connections, terminates TLS with leaves from a CA, and forwards every request
// either to the redirect endpoint or to its original host.
package proxy

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"

	"github.com/StarNumber12046/opencards/cert"
	"github.com/StarNumber12046/opencards/proxy/internal/addonregistry"
	"github.com/StarNumber12046/opencards/proxy/internal/conn"
	"github.com/StarNumber12046/opencards/proxy/internal/dispatcher"
	"github.com/StarNumber12046/opencards/proxy/internal/intercept"
	"github.com/StarNumber12046/opencards/proxy/internal/upstream"
	"github.com/StarNumber12046/opencards/rule"
)

// Proxy is the intercepting proxy server.
type Proxy struct {
	config Config
	rules  *rule.Config
	ca     cert.CA

	addonRegistry   *addonregistry.Registry
	interceptor     *intercept.Interceptor
	upstreamManager *upstream.Manager
	dispatcher      *dispatcher.Dispatcher
	entry           *entry

	shouldIntercept func(host string) bool           // host is the CONNECT authority
	authProxy       func(req *Request) (bool, error) // called for CONNECT and absolute-form requests
}

var _ conn.AddonNotifier = (*Proxy)(nil)

// NewProxy creates a proxy applying rules, issuing client-facing leaves from ca.
func NewProxy(config Config, ca cert.CA, rules *rule.Config) (*Proxy, error) {
	if ca == nil {
		return nil, errors.New("a CA is required")
	}
	if rules == nil {
		return nil, errors.New("redirect rules are required")
	}
	if err := rules.Validate(); err != nil {
		return nil, fmt.Errorf("invalid rules: %w", err)
	}
	config.setDefaults()

	rootCAs := config.RootCAs
	if rootCAs == nil && config.CABundle != "" {
		pool, err := intercept.LoadRootCAs(config.CABundle)
		if err != nil {
			return nil, err
		}
		rootCAs = pool
	}

	prx := &Proxy{
		config:        config,
		rules:         rules,
		ca:            ca,
		addonRegistry: addonregistry.New(),
	}
	prx.interceptor = intercept.New(ca, intercept.Options{
		InsecureSkipVerify: config.SslInsecure,
		RootCAs:            rootCAs,
		HandshakeTimeout:   config.HandshakeTimeout,
	})
	prx.upstreamManager = upstream.NewManager(upstream.Options{
		Upstream:    config.Upstream,
		SslInsecure: config.SslInsecure,
		Dial:        config.DialContext,
		Handshaker:  prx.interceptor,
		Pool:        upstream.PoolOptions{MaxIdlePerKey: config.MaxIdlePerHost},
	})
	prx.entry = newEntry(prx)
	prx.dispatcher = dispatcher.New(dispatcher.Options{
		Rules:             rules,
		Upstream:          prx.upstreamManager,
		Addons:            prx.addonRegistry,
		StreamLargeBodies: config.StreamLargeBodies,
		IdleTimeout:       config.IdleTimeout,
		Authorize:         prx.authorize,
		Connect:           prx.entry.handleConnect,
	})

	slog.Debug("proxy configured",
		"in", "proxy.NewProxy",
		"target", rules.TargetDomain,
		"redirect", rules.RedirectScheme+"://"+rules.RedirectAddr(),
		"exemptions", len(rules.Exemptions),
	)
	return prx, nil
}

// AddAddon registers an addon. Addons are called in registration order.
func (prx *Proxy) AddAddon(addon Addon) {
	prx.addonRegistry.Add(addon)
}

// Rules returns the redirect rules in effect.
func (prx *Proxy) Rules() *rule.Config {
	return prx.rules
}

// Start listens on the configured address and serves until Close or Shutdown.
// It returns http.ErrServerClosed after a close.
func (prx *Proxy) Start() error {
	addr := prx.config.Addr
	if addr == "" {
		addr = ":http"
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return prx.entry.serve(ln)
}

// Serve accepts connections on ln.
func (prx *Proxy) Serve(ln net.Listener) error {
	return prx.entry.serve(ln)
}

// Addr is the address the proxy listens on, nil before it started.
func (prx *Proxy) Addr() net.Addr {
	return prx.entry.addr()
}

// Close stops accepting, aborts every live connection and drops idle upstream connections.
func (prx *Proxy) Close() error {
	err := prx.entry.close()
	if perr := prx.upstreamManager.Close(); err == nil {
		err = perr
	}
	return err
}

// Shutdown stops accepting and waits for live connections to finish, closing
// them when ctx expires first.
func (prx *Proxy) Shutdown(ctx context.Context) error {
	err := prx.entry.shutdown(ctx)
	if perr := prx.upstreamManager.Close(); err == nil {
		err = perr
	}
	return err
}

// GetCertificate returns the root certificate clients must trust.
func (prx *Proxy) GetCertificate() x509.Certificate {
	return *prx.ca.GetRootCA()
}

// GetCertificateByCN returns the leaf presented for commonName.
func (prx *Proxy) GetCertificateByCN(commonName string) (*tls.Certificate, error) {
	return prx.ca.GetCert(commonName)
}

// SetShouldInterceptRule decides per CONNECT authority whether the tunnel is
// intercepted or relayed untouched. Tunnels are intercepted when unset.
func (prx *Proxy) SetShouldInterceptRule(rule func(host string) bool) {
	prx.shouldIntercept = rule
}

// SetUpstreamProxy overrides the upstream proxy chosen for a destination URL.
func (prx *Proxy) SetUpstreamProxy(fn func(target *url.URL) (*url.URL, error)) {
	prx.upstreamManager.SetUpstreamProxy(fn)
}

// SetAuthProxy installs a credential check for proxy clients.
func (prx *Proxy) SetAuthProxy(fn func(req *Request) (bool, error)) {
	prx.authProxy = fn
}

// PoolStats reports upstream connection reuse.
func (prx *Proxy) PoolStats() PoolStats {
	return prx.upstreamManager.Pool().Stats()
}

func (prx *Proxy) authorize(req *Request) (bool, error) {
	if prx.authProxy == nil {
		return true, nil
	}
	return prx.authProxy(req)
}

func (prx *Proxy) notify(hook string, fn func(Addon)) {
	_ = prx.addonRegistry.Each(hook, fn)
}

// NotifyClientDisconnected implements conn.AddonNotifier.
func (prx *Proxy) NotifyClientDisconnected(client *ClientConn) {
	prx.notify("ClientDisconnected", func(a Addon) { a.ClientDisconnected(client) })
}
