package dispatcher

import "errors"

var (
	// ErrProxyAuthRequired is recorded on flows whose credentials were missing or wrong.
	ErrProxyAuthRequired = errors.New("proxy authentication required")

	errConnectNotAllowed = errors.New("CONNECT is not allowed on this connection")
	errNoHost            = errors.New("request names no host")
)
