// Package intercept terminates client TLS with leaf certificates forged for the
// requested hostname and opens verified TLS sessions to upstream servers.
package intercept

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"time"

	"github.com/StarNumber12046/opencards/internal/helper"
)

// DefaultHandshakeTimeout bounds a handshake when Options leaves it unset.
const DefaultHandshakeTimeout = 10 * time.Second

var errNoServerName = errors.New("client sent no server name and no fallback host is known")

// CA hands out leaf certificates by hostname.
type CA interface {
	GetCert(commonName string) (*tls.Certificate, error)
}

// Options configures an Interceptor.
type Options struct {
	// InsecureSkipVerify disables upstream certificate verification.
	InsecureSkipVerify bool
	// RootCAs verifies upstream certificates; nil means the system pool.
	RootCAs *x509.CertPool
	// KeyLogWriter receives TLS secrets in NSS key log format; defaults to SSLKEYLOGFILE.
	KeyLogWriter     io.Writer
	HandshakeTimeout time.Duration
}

// Interceptor performs both TLS legs of an intercepted connection.
type Interceptor struct {
	ca   CA
	opts Options
}

// Session is an established client-facing TLS session.
type Session struct {
	Conn *tls.Conn
	// ServerName is the SNI sent by the client, or the fallback host when it sent none.
	ServerName         string
	ClientHello        *tls.ClientHelloInfo
	NegotiatedProtocol string
}

// New creates an Interceptor issuing leaves from ca.
func New(ca CA, opts Options) *Interceptor {
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if opts.KeyLogWriter == nil {
		opts.KeyLogWriter = helper.GetTLSKeyLogWriter()
	}
	return &Interceptor{ca: ca, opts: opts}
}

// Handshake runs the server side of a TLS handshake on raw. The leaf is chosen
// from the SNI of the ClientHello; fallbackHost (a CONNECT target or the local
// address the client dialled) is used when the client sent no SNI.
func (i *Interceptor) Handshake(ctx context.Context, raw net.Conn, fallbackHost string) (*Session, error) {
	fallbackHost = hostOnly(fallbackHost)
	sess := &Session{ServerName: fallbackHost}

	tlsConn := tls.Server(raw, &tls.Config{
		SessionTicketsDisabled: true, // Set this to true to ensure GetConfigForClient is called every time
		GetConfigForClient: func(chi *tls.ClientHelloInfo) (*tls.Config, error) {
			sess.ClientHello = chi
			if chi.ServerName != "" {
				sess.ServerName = chi.ServerName
			}
			if sess.ServerName == "" {
				return nil, errNoServerName
			}
			c, err := i.ca.GetCert(sess.ServerName)
			if err != nil {
				return nil, err
			}
			return &tls.Config{
				SessionTicketsDisabled: true,
				MinVersion:             tls.VersionTLS12,
				Certificates:           []tls.Certificate{*c},
				NextProtos:             []string{"http/1.1"}, // only support http/1.1
			}, nil
		},
	})

	ctx, cancel := context.WithTimeout(ctx, i.opts.HandshakeTimeout)
	defer cancel()
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		return nil, &HandshakeError{Host: sess.ServerName, Side: SideClient, Err: err}
	}
	sess.Conn = tlsConn
	sess.NegotiatedProtocol = tlsConn.ConnectionState().NegotiatedProtocol
	return sess, nil
}

// DialTLS runs the client side of a TLS handshake with an upstream server over
// raw, verifying its certificate for serverName unless verification is disabled.
func (i *Interceptor) DialTLS(ctx context.Context, raw net.Conn, serverName string) (*tls.Conn, error) {
	tlsConn := tls.Client(raw, i.ClientConfig(serverName))

	ctx, cancel := context.WithTimeout(ctx, i.opts.HandshakeTimeout)
	defer cancel()
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		return nil, &HandshakeError{Host: serverName, Side: SideServer, Err: err}
	}
	return tlsConn, nil
}

// ClientConfig is the configuration used for upstream handshakes.
func (i *Interceptor) ClientConfig(serverName string) *tls.Config {
	return &tls.Config{
		ServerName:         hostOnly(serverName),
		InsecureSkipVerify: i.opts.InsecureSkipVerify, //nolint:gosec // opt-in via ssl_insecure
		RootCAs:            i.opts.RootCAs,
		KeyLogWriter:       i.opts.KeyLogWriter,
		MinVersion:         tls.VersionTLS12,
		NextProtos:         []string{"http/1.1"},
	}
}

// LoadRootCAs returns the system pool extended with the PEM certificates in
// bundlePath. An empty path returns the system pool alone.
func LoadRootCAs(bundlePath string) (*x509.CertPool, error) {
	pool, err := x509.SystemCertPool()
	if err != nil {
		pool = x509.NewCertPool()
	}
	if bundlePath == "" {
		return pool, nil
	}
	data, err := os.ReadFile(bundlePath)
	if err != nil {
		return nil, fmt.Errorf("read ca bundle: %w", err)
	}
	if !pool.AppendCertsFromPEM(data) {
		return nil, fmt.Errorf("ca bundle %s: no certificates found", bundlePath)
	}
	return pool, nil
}

func hostOnly(hostport string) string {
	if host, _, err := net.SplitHostPort(hostport); err == nil {
		return host
	}
	return strings.TrimSuffix(strings.TrimPrefix(hostport, "["), "]")
}
