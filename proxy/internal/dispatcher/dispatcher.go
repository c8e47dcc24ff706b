package dispatcher

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"maps"
	"net"
	"net/http"
	"slices"
	"time"

	"github.com/StarNumber12046/opencards/internal/helper"
	"github.com/StarNumber12046/opencards/proxy/internal/addonregistry"
	"github.com/StarNumber12046/opencards/proxy/internal/conn"
	"github.com/StarNumber12046/opencards/proxy/internal/httpflow"
	"github.com/StarNumber12046/opencards/proxy/internal/proxycontext"
	"github.com/StarNumber12046/opencards/proxy/internal/types"
	"github.com/StarNumber12046/opencards/proxy/internal/upstream"
	"github.com/StarNumber12046/opencards/rule"
)

// maxAttempts bounds how many upstream connections one flow may try.
const maxAttempts = 2

// hop-by-hop headers that only concern the client-proxy leg
var proxyOnlyHeaders = []string{"Proxy-Connection", "Proxy-Authorization", "Keep-Alive", "Expect"}

// ConnectFunc takes over a client connection after a CONNECT request. It owns
// the connection until it returns.
type ConnectFunc func(ctx context.Context, s *Session, f *types.Flow) error

// AuthFunc validates the proxy credentials of a request.
type AuthFunc func(req *httpflow.Request) (bool, error)

// Options configure a Dispatcher.
type Options struct {
	Rules    *rule.Config
	Upstream *upstream.Manager
	Addons   *addonregistry.Registry
	// StreamLargeBodies is the size above which bodies are streamed instead of buffered.
	StreamLargeBodies int64
	// IdleTimeout bounds the wait for the next request on a keep-alive connection.
	IdleTimeout time.Duration
	Authorize   AuthFunc
	Connect     ConnectFunc
}

// Session is one client connection as seen by the dispatcher.
type Session struct {
	ConnCtx *conn.Context
	// Conn is the connection responses are written to, the TLS session when intercepted.
	Conn   net.Conn
	Reader *bufio.Reader
	// Scheme is the scheme the client used, "http" or "https".
	Scheme string
	// DefaultHost names the origin when a request carries no Host, usually the SNI.
	DefaultHost string
	// AllowConnect accepts CONNECT requests; only plain proxy connections set it.
	AllowConnect bool
	// Pending is used as the first flow instead of a new one, so that flows
	// created before the first request, e.g. during a TLS handshake, carry on.
	Pending *types.Flow
}

// Dispatcher reads requests from a client session, decides where each goes,
// forwards it and relays the answer.
type Dispatcher struct {
	rules             *rule.Config
	upstream          *upstream.Manager
	addons            *addonregistry.Registry
	streamLargeBodies int64
	idleTimeout       time.Duration
	authorize         AuthFunc
	connect           ConnectFunc
}

// New creates a Dispatcher.
func New(opts Options) *Dispatcher {
	addons := opts.Addons
	if addons == nil {
		addons = addonregistry.New()
	}
	return &Dispatcher{
		rules:             opts.Rules,
		upstream:          opts.Upstream,
		addons:            addons,
		streamLargeBodies: opts.StreamLargeBodies,
		idleTimeout:       opts.IdleTimeout,
		authorize:         opts.Authorize,
		connect:           opts.Connect,
	}
}

// Serve handles requests on s until the client goes away, a flow requires the
// connection to close or ctx is cancelled.
func (d *Dispatcher) Serve(ctx context.Context, s *Session) {
	for ctx.Err() == nil {
		f := s.Pending
		s.Pending = nil
		if f == nil {
			f = types.NewFlow()
		}
		f.ConnContext = s.ConnCtx
		if !d.serveFlow(ctx, s, f) {
			return
		}
	}
}

// Establish answers a CONNECT request with 200 once the tunnel can be served.
func (d *Dispatcher) Establish(s *Session, f *types.Flow) error {
	f.Response = &httpflow.Response{
		Proto:         "HTTP/1.1",
		StatusCode:    http.StatusOK,
		Reason:        "Connection Established",
		ContentLength: -1,
	}
	_ = f.Transition(types.StateResponseReceived)
	d.notify("Responseheaders", func(a types.Addon) { a.Responseheaders(f) })
	if _, err := io.WriteString(s.Conn, "HTTP/1.1 200 Connection Established\r\n\r\n"); err != nil {
		return err
	}
	return f.Transition(types.StateRelayed)
}

// Reject answers the client with an error status, records err on the flow and
// finishes it. The connection must be closed afterwards.
func (d *Dispatcher) Reject(s *Session, f *types.Flow, code int, err error, extra ...httpflow.Field) {
	header := httpflow.Header{
		{Name: "Content-Type", Value: "text/plain; charset=utf-8"},
		{Name: "Connection", Value: "close"},
	}
	header = append(header, extra...)
	f.Response = httpflow.NewResponse(code, header, []byte(http.StatusText(code)+"\n"))
	f.Fail(err)
	if werr := f.Response.Write(s.Conn); werr != nil {
		slog.Debug("write error response failed", "in", "Dispatcher.Reject", "error", werr)
	}
	d.Finish(f)
}

// Finish ends f and reports its outcome to the addons.
func (d *Dispatcher) Finish(f *types.Flow) {
	f.Finish()
	event := f.Event()
	d.notify("FlowEvent", func(a types.Addon) { a.FlowEvent(f, event) })
}

// serveFlow handles one request. It returns whether the connection can carry another.
func (d *Dispatcher) serveFlow(ctx context.Context, s *Session, f *types.Flow) (keepAlive bool) {
	logger := slog.Default().With("in", "Dispatcher.serveFlow", "remoteAddr", s.Conn.RemoteAddr().String(), "flow", f.ID.String())

	defer func() {
		if err := recover(); err != nil {
			logger.Error("Recovered from panic in Dispatcher.serveFlow", "error", err)
			select {
			case <-f.Done():
			default:
				f.Fail(errors.New("internal error"))
				d.Finish(f)
			}
			keepAlive = false
		}
	}()

	if d.idleTimeout > 0 {
		_ = s.Conn.SetReadDeadline(time.Now().Add(d.idleTimeout))
	}
	req, err := httpflow.ReadRequest(s.Reader)
	_ = s.Conn.SetReadDeadline(time.Time{})
	if err != nil {
		var perr *httpflow.ParseError
		if !errors.As(err, &perr) {
			if !isQuietClose(err) {
				LogErr(logger, err)
			}
			f.Finish()
			return false
		}
		logger.Warn("malformed request", "error", err)
		d.Reject(s, f, http.StatusBadRequest, err)
		return false
	}

	s.ConnCtx.FlowCount.Inc()
	req.Scheme = s.Scheme
	req.DefaultHost = s.DefaultHost
	f.Request = req
	_ = f.Transition(types.StateRequestParsed)
	ctx = proxycontext.WithFlow(ctx, f)
	logger = logger.With("method", req.Method, "target", req.Target)

	if d.authorize != nil && (req.Method == http.MethodConnect || req.IsAbsoluteForm()) {
		ok, err := d.authorize(req)
		if !ok {
			if err == nil {
				err = ErrProxyAuthRequired
			}
			logger.Error("Proxy authentication failed", "error", err)
			d.Reject(s, f, http.StatusProxyAuthRequired, err, httpflow.Field{Name: "Proxy-Authenticate", Value: `Basic realm="proxy"`})
			return false
		}
	}

	if req.Method == http.MethodConnect {
		return d.serveConnect(ctx, s, f, logger)
	}

	if req.Host() == "" {
		d.Reject(s, f, http.StatusBadRequest, errNoHost)
		return false
	}

	d.notify("Requestheaders", func(a types.Addon) { a.Requestheaders(f) })
	if f.Response != nil {
		return d.answerLocally(s, f, logger)
	}

	if req.Body != nil && req.Header.HasToken("Expect", "100-continue") {
		if _, err := io.WriteString(s.Conn, "HTTP/1.1 100 Continue\r\n\r\n"); err != nil {
			LogErr(logger, err)
			f.Fail(err)
			d.Finish(f)
			return false
		}
	}

	if !f.Stream {
		buf, err := req.Buffer(d.streamLargeBodies)
		if err != nil {
			logger.Warn("read request body failed", "error", err)
			var perr *httpflow.ParseError
			if errors.As(err, &perr) {
				d.Reject(s, f, http.StatusBadRequest, err)
			} else {
				f.Fail(err)
				d.Finish(f)
			}
			return false
		}
		if buf == nil && req.Body != nil {
			logger.Warn("request body is large, switching to stream", "threshold", d.streamLargeBodies)
			f.Stream = true
		}
	}
	if !f.Stream {
		d.notify("Request", func(a types.Addon) { a.Request(f) })
		if f.Response != nil {
			return d.answerLocally(s, f, logger)
		}
	}

	f.Decision = rule.Decide(rule.Target{
		Host:  req.Host(),
		Path:  req.Path(),
		Query: req.Query(),
		URL:   req.PrettyURL(),
	}, d.rules)
	_ = f.Transition(types.StateDecided)

	out, key := d.rewrite(req, f.Decision)
	if f.Decision.Redirected() {
		f.Rewritten = out
	}
	f.Destination = key.Addr
	logger = logger.With("action", string(f.Decision.Action), "destination", key.Addr)
	logger.Debug("request decided")

	_ = f.Transition(types.StateForwarding)
	resp, uc, err := d.forward(ctx, s, f, out, key, logger)
	if err != nil {
		logger.Warn("forward failed", "error", err)
		d.Reject(s, f, http.StatusBadGateway, err)
		return false
	}
	return d.relay(ctx, s, f, resp, uc, logger)
}

// serveConnect hands a CONNECT request to the tunnel handler.
func (d *Dispatcher) serveConnect(ctx context.Context, s *Session, f *types.Flow, logger *slog.Logger) bool {
	if !s.AllowConnect || d.connect == nil {
		d.Reject(s, f, http.StatusMethodNotAllowed, errConnectNotAllowed)
		return false
	}
	d.notify("Requestheaders", func(a types.Addon) { a.Requestheaders(f) })
	if f.Response != nil {
		d.answerLocally(s, f, logger)
		return false
	}
	if err := d.connect(ctx, s, f); err != nil {
		LogErr(logger, err)
		f.Fail(err)
	}
	f.Finish()
	return false
}

// answerLocally writes the response an addon put on f without contacting any upstream.
func (d *Dispatcher) answerLocally(s *Session, f *types.Flow, logger *slog.Logger) bool {
	resp := f.Response
	if resp.Proto == "" {
		resp.Proto = "HTTP/1.1"
	}
	if resp.Reason == "" {
		resp.Reason = http.StatusText(resp.StatusCode)
	}
	if resp.Body == nil && !resp.Chunked && !resp.Header.Has("Content-Length") {
		resp.SetBody(nil)
	}
	_ = f.Transition(types.StateResponseReceived)
	if err := resp.Write(s.Conn); err != nil {
		LogErr(logger, err)
		f.Fail(err)
		d.Finish(f)
		return false
	}
	_ = f.Transition(types.StateRelayed)
	d.Finish(f)

	// an unread request body leaves the connection out of step
	drained := f.Request.Body == nil || f.Request.Buffered() != nil
	return drained && !clientWantsClose(f.Request) && !s.ConnCtx.CloseAfterResponse
}

// rewrite builds the request sent upstream and the connection it needs.
func (d *Dispatcher) rewrite(req *httpflow.Request, dec rule.Decision) (*httpflow.Request, upstream.Key) {
	out := req.Clone()
	out.Target = req.RequestURI()
	out.Header.Del(proxyOnlyHeaders...)
	if !out.Header.Has("Host") {
		out.Header.Set("Host", req.Host())
	}
	for _, name := range slices.Sorted(maps.Keys(dec.HeaderOverrides)) {
		out.Header.Set(name, dec.HeaderOverrides[name])
	}

	if dec.Redirected() {
		return out, upstream.Key{
			Scheme:     d.rules.RedirectScheme,
			Addr:       d.rules.RedirectAddr(),
			ServerName: d.rules.ServerName(),
		}
	}

	u := req.URL()
	key := upstream.Key{Scheme: u.Scheme, Addr: helper.CanonicalAddr(u)}
	if u.Scheme == "https" {
		key.ServerName = u.Hostname()
	}
	return out, key
}

// forward sends out over a pooled or fresh connection. A failed dial is retried
// once on a fresh connection, and so is a pooled connection that breaks before
// answering when out can safely be sent twice.
func (d *Dispatcher) forward(ctx context.Context, s *Session, f *types.Flow, out *httpflow.Request, key upstream.Key, logger *slog.Logger) (*httpflow.Response, *upstream.Conn, error) {
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			if !out.Rewind() {
				break
			}
			logger.Debug("retrying on a fresh connection", "error", lastErr)
		}

		var uc *upstream.Conn
		var err error
		if attempt == 0 {
			uc, err = d.upstream.Acquire(ctx, key)
		} else {
			uc, err = d.upstream.Dial(ctx, key)
		}
		if err != nil {
			lastErr = err
			continue
		}
		d.serverConnected(s, uc)

		resp, err := d.roundTrip(ctx, s, f, out, uc)
		if err == nil {
			return resp, uc, nil
		}
		d.upstream.Release(uc, false)
		d.serverDisconnected(s)
		lastErr = err
		if !uc.Reused || !isStale(err) || !replayable(out) {
			break
		}
	}
	return nil, nil, lastErr
}

// isStale reports whether err looks like a pooled connection the server already dropped.
func isStale(err error) bool {
	var perr *httpflow.ParseError
	if errors.As(err, &perr) {
		return false
	}
	var ne net.Error
	return !errors.As(err, &ne) || !ne.Timeout()
}

// replayable reports whether req may be sent again after the upstream possibly
// acted on it.
func replayable(req *httpflow.Request) bool {
	switch req.Method {
	case http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodTrace, http.MethodPut, http.MethodDelete:
		return true
	}
	return req.Header.Has("Idempotency-Key") || req.Header.Has("X-Idempotency-Key")
}

// roundTrip writes out to uc and reads the final response head. Interim 1xx
// responses other than 101 are passed on to the client.
func (d *Dispatcher) roundTrip(ctx context.Context, s *Session, f *types.Flow, out *httpflow.Request, uc *upstream.Conn) (*httpflow.Response, error) {
	stop := context.AfterFunc(ctx, func() { _ = uc.SetDeadline(time.Unix(1, 0)) })
	defer stop()

	send := *out
	body := out.Body
	if body != nil {
		d.notify("StreamRequestModifier", func(a types.Addon) { body = a.StreamRequestModifier(f, body) })
	}
	send.Body = body
	if err := send.Write(uc); err != nil {
		return nil, err
	}

	for {
		resp, err := httpflow.ReadResponse(uc.Reader, out.Method)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode >= 200 || resp.StatusCode == http.StatusSwitchingProtocols {
			return resp, nil
		}
		if err := resp.Write(s.Conn); err != nil {
			return nil, err
		}
	}
}

// relay passes the upstream response back to the client and returns the
// connection to the pool when its framing allows.
func (d *Dispatcher) relay(ctx context.Context, s *Session, f *types.Flow, resp *httpflow.Response, uc *upstream.Conn, logger *slog.Logger) bool {
	stop := context.AfterFunc(ctx, func() { _ = uc.SetDeadline(time.Unix(1, 0)) })
	defer stop()

	f.Response = resp
	_ = f.Transition(types.StateResponseReceived)
	logger = logger.With("status", resp.StatusCode)
	d.notify("Responseheaders", func(a types.Addon) { a.Responseheaders(f) })

	if resp.StatusCode == http.StatusSwitchingProtocols {
		if err := resp.Write(s.Conn); err != nil {
			LogErr(logger, err)
			f.Fail(err)
			d.upstream.Release(uc, false)
			d.serverDisconnected(s)
			d.Finish(f)
			return false
		}
		_ = f.Transition(types.StateRelayed)
		d.Finish(f)
		logger.Debug("protocol switched, relaying raw bytes")
		Transfer(logger, NewBufferedConn(uc.Conn, uc.Reader), NewBufferedConn(s.Conn, s.Reader))
		d.serverDisconnected(s)
		return false
	}

	if !f.Stream {
		buf, err := resp.Buffer(d.streamLargeBodies)
		if err != nil {
			logger.Warn("read response body failed", "error", err)
			d.upstream.Release(uc, false)
			d.serverDisconnected(s)
			d.Reject(s, f, http.StatusBadGateway, err)
			return false
		}
		switch {
		case buf == nil && resp.Body != nil:
			logger.Warn("response body is large, switching to stream", "threshold", d.streamLargeBodies)
			f.Stream = true
		case buf != nil && resp.Close && !resp.Chunked && resp.ContentLength < 0:
			// the body ran until close; give the client a length instead
			resp.SetBody(buf)
		}
	}
	if !f.Stream {
		d.notify("Response", func(a types.Addon) { a.Response(f) })
	}

	out := f.Response
	if out.Body != nil && out.Buffered() == nil && !out.Chunked && out.ContentLength < 0 {
		out.Header.Set("Connection", "close")
		s.ConnCtx.CloseAfterResponse = true
	}
	send := *out
	body := out.Body
	if body != nil {
		d.notify("StreamResponseModifier", func(a types.Addon) { body = a.StreamResponseModifier(f, body) })
	}
	send.Body = body
	if err := send.Write(s.Conn); err != nil {
		LogErr(logger, err)
		f.Fail(err)
		d.upstream.Release(uc, false)
		d.serverDisconnected(s)
		d.Finish(f)
		return false
	}
	_ = f.Transition(types.StateRelayed)

	// the upstream body is fully read unless an addon answered in its place while streaming
	drained := out == resp || resp.Body == nil || resp.Buffered() != nil
	d.upstream.Release(uc, drained && !resp.Close && ctx.Err() == nil)
	d.serverDisconnected(s)
	d.Finish(f)

	return !s.ConnCtx.CloseAfterResponse &&
		!clientWantsClose(f.Request) &&
		!out.Header.HasToken("Connection", "close")
}

// notify runs hook on every addon; panics are logged by the registry.
func (d *Dispatcher) notify(hook string, fn func(types.Addon)) {
	_ = d.addons.Each(hook, fn)
}

func (d *Dispatcher) serverConnected(s *Session, uc *upstream.Conn) {
	sc := conn.NewServerConn()
	sc.Address = uc.Key.Addr
	sc.ServerName = uc.Key.ServerName
	sc.Conn = uc.Conn
	sc.TLSState = uc.TLSState
	sc.Reused = uc.Reused
	s.ConnCtx.ServerConn = sc

	if uc.Reused {
		return
	}
	d.notify("ServerConnected", func(a types.Addon) { a.ServerConnected(s.ConnCtx) })
	if uc.TLSState != nil {
		d.notify("TLSEstablishedServer", func(a types.Addon) { a.TLSEstablishedServer(s.ConnCtx) })
	}
}

func (d *Dispatcher) serverDisconnected(s *Session) {
	if s.ConnCtx.ServerConn == nil {
		return
	}
	d.notify("ServerDisconnected", func(a types.Addon) { a.ServerDisconnected(s.ConnCtx) })
	s.ConnCtx.ServerConn = nil
}

// clientWantsClose reports whether the client asked to close after this exchange.
func clientWantsClose(req *httpflow.Request) bool {
	if req.Header.HasToken("Connection", "close") || req.Header.HasToken("Proxy-Connection", "close") {
		return true
	}
	return req.Proto == "HTTP/1.0" && !req.Header.HasToken("Connection", "keep-alive")
}
