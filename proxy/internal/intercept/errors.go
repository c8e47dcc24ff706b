package intercept

import "fmt"

// Side names the leg of a handshake.
type Side string

const (
	// SideClient is the handshake where the proxy presents a forged leaf to the client.
	SideClient Side = "client"
	// SideServer is the handshake where the proxy connects to the upstream as a client.
	SideServer Side = "server"
)

// HandshakeError is returned when either TLS handshake fails.
type HandshakeError struct {
	Host string
	Side Side
	Err  error
}

func (e *HandshakeError) Error() string {
	if e.Host == "" {
		return fmt.Sprintf("tls handshake with %s: %v", e.Side, e.Err)
	}
	return fmt.Sprintf("tls handshake with %s for %q: %v", e.Side, e.Host, e.Err)
}

func (e *HandshakeError) Unwrap() error {
	return e.Err
}
