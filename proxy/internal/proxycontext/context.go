package proxycontext

import (
	"context"

	"github.com/StarNumber12046/opencards/proxy/internal/conn"
	"github.com/StarNumber12046/opencards/proxy/internal/types"
)

type proxyContextKey string

// Private context keys.
var (
	connContextKey proxyContextKey = "connContext"
	flowCtxKey     proxyContextKey = "flow"
)

// WithConnContext adds a connection context to the given context.
func WithConnContext(ctx context.Context, connCtx *conn.Context) context.Context {
	return context.WithValue(ctx, connContextKey, connCtx)
}

// GetConnContext retrieves the connection context from the given context.
func GetConnContext(ctx context.Context) (*conn.Context, bool) {
	connCtx, ok := ctx.Value(connContextKey).(*conn.Context)
	return connCtx, ok
}

// WithFlow adds the flow being served to the given context.
func WithFlow(ctx context.Context, f *types.Flow) context.Context {
	return context.WithValue(ctx, flowCtxKey, f)
}

// GetFlow retrieves the flow being served from the given context.
func GetFlow(ctx context.Context) (*types.Flow, bool) {
	f, ok := ctx.Value(flowCtxKey).(*types.Flow)
	return f, ok
}
