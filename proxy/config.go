package proxy

import (
	"context"
	"crypto/x509"
	"net"
	"time"

	"github.com/StarNumber12046/opencards/proxy/internal/upstream"
)

const (
	DefaultStreamLargeBodies = 1024 * 1024 * 5 // 5mb
	DefaultIdleTimeout       = 90 * time.Second
)

// Config holds the proxy configuration settings.
type Config struct {
	Addr string
	// StreamLargeBodies is the body size above which a flow switches to stream mode.
	StreamLargeBodies int64
	// SslInsecure skips verification of upstream certificates.
	SslInsecure bool
	// CABundle is a PEM file with extra roots trusted for upstream servers.
	CABundle string
	// RootCAs replaces the system pool and CABundle when set.
	RootCAs *x509.CertPool
	// Upstream is an upstream proxy URL (http, https or socks5).
	Upstream string
	// MaxConnections caps concurrently served client connections; 0 means unbounded.
	MaxConnections int
	// IdleTimeout bounds the wait for the next request on a keep-alive client connection.
	IdleTimeout      time.Duration
	HandshakeTimeout time.Duration
	// MaxIdlePerHost caps idle upstream connections per destination; negative disables pooling.
	MaxIdlePerHost int
	// DialContext replaces the direct upstream dialer.
	DialContext func(ctx context.Context, network, addr string) (net.Conn, error)
}

// NewConfig creates a new Config with the given address.
// It sets default values for other fields.
func NewConfig(addr string) *Config {
	return &Config{
		Addr:              addr,
		StreamLargeBodies: DefaultStreamLargeBodies,
		IdleTimeout:       DefaultIdleTimeout,
		MaxIdlePerHost:    upstream.DefaultMaxIdlePerKey,
	}
}

func (c *Config) setDefaults() {
	if c.StreamLargeBodies <= 0 {
		c.StreamLargeBodies = DefaultStreamLargeBodies
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = DefaultIdleTimeout
	}
}
