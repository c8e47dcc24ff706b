package addons

import (
	"log/slog"

	"github.com/StarNumber12046/opencards/proxy"
)

// LogAddon logs connection and flow events using the global slog logger.
type LogAddon struct {
	proxy.BaseAddon
}

func (*LogAddon) ClientConnected(client *proxy.ClientConn) {
	slog.Info("client connected", "remoteAddr", client.Conn.RemoteAddr().String())
}

func (*LogAddon) ClientDisconnected(client *proxy.ClientConn) {
	slog.Info("client disconnected", "remoteAddr", client.Conn.RemoteAddr().String())
}

func (*LogAddon) ServerConnected(connCtx *proxy.ConnContext) {
	slog.Debug("server connected", serverAttrs(connCtx)...)
}

func (*LogAddon) ServerDisconnected(connCtx *proxy.ConnContext) {
	slog.Debug("server disconnected", append(serverAttrs(connCtx), "flowCount", connCtx.FlowCount.Load())...)
}

// FlowEvent prints one console line per flow, then the structured record.
func (*LogAddon) FlowEvent(_ *proxy.Flow, e *proxy.Event) {
	url := e.OriginalURL
	if url == "" {
		url = "-"
	}
	args := []any{
		"flowId", e.FlowID.String(),
		"method", e.Method,
		"destination", e.Destination,
		"status", e.StatusCode,
		"durationMs", e.Duration.Milliseconds(),
	}

	switch {
	case e.Err != nil:
		slog.Warn(consoleLine(e.Action, url), append(args, "error", e.Err)...)
	default:
		slog.Info(consoleLine(e.Action, url), args...)
	}
}

func consoleLine(action proxy.EventAction, url string) string {
	switch action {
	case proxy.ActionRedirected:
		return "[MITM] Redirecting " + url
	case proxy.ActionRejected:
		return "[MITM] Rejected " + url
	default:
		return "[MITM] Not redirecting " + url
	}
}

func serverAttrs(connCtx *proxy.ConnContext) []any {
	args := []any{"clientAddr", connCtx.ClientConn.Conn.RemoteAddr().String()}
	sc := connCtx.ServerConn
	if sc == nil {
		return args
	}
	args = append(args, "serverAddr", sc.Address, "reused", sc.Reused)
	if sc.Conn != nil {
		args = append(args,
			"localAddr", sc.Conn.LocalAddr().String(),
			"remoteAddr", sc.Conn.RemoteAddr().String(),
		)
	}
	return args
}
