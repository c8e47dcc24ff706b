package proxy

import (
	"github.com/StarNumber12046/opencards/cert"
	"github.com/StarNumber12046/opencards/proxy/internal/dispatcher"
	"github.com/StarNumber12046/opencards/proxy/internal/httpflow"
	"github.com/StarNumber12046/opencards/proxy/internal/intercept"
	"github.com/StarNumber12046/opencards/proxy/internal/types"
	"github.com/StarNumber12046/opencards/proxy/internal/upstream"
)

type (
	// ParseError is a malformed request or response.
	ParseError = httpflow.ParseError

	// HandshakeError is a failed TLS handshake with the client or the upstream.
	HandshakeError = intercept.HandshakeError

	// CAError is a failure to load the root or issue a leaf.
	CAError = cert.CAError

	// UpstreamConnectError is a failure to reach the destination of a flow.
	UpstreamConnectError = upstream.ConnectError

	// TransitionError is an illegal flow state change.
	TransitionError = types.TransitionError
)

// ErrProxyAuthRequired is recorded on flows rejected by the proxy credential check.
var ErrProxyAuthRequired = dispatcher.ErrProxyAuthRequired
