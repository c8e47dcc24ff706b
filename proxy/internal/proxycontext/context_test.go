package proxycontext_test

import (
	"context"
	"testing"

	qt "github.com/frankban/quicktest"

	"github.com/StarNumber12046/opencards/proxy/internal/conn"
	"github.com/StarNumber12046/opencards/proxy/internal/proxycontext"
	"github.com/StarNumber12046/opencards/proxy/internal/types"
)

func TestWithConnContextAndGetConnContext(t *testing.T) {
	c := qt.New(t)

	ctx := context.Background()
	connCtx := conn.NewContext(conn.NewClientConn(nil))

	newCtx := proxycontext.WithConnContext(ctx, connCtx)
	retrieved, ok := proxycontext.GetConnContext(newCtx)

	c.Assert(ok, qt.IsTrue)
	c.Assert(retrieved, qt.Equals, connCtx)
}

func TestGetConnContextReturnsFalseWhenNotPresent(t *testing.T) {
	c := qt.New(t)

	ctx := context.Background()
	_, ok := proxycontext.GetConnContext(ctx)

	c.Assert(ok, qt.IsFalse)
}

func TestWithFlowAndGetFlow(t *testing.T) {
	c := qt.New(t)

	ctx := context.Background()
	flow := types.NewFlow()

	newCtx := proxycontext.WithFlow(ctx, flow)
	retrieved, ok := proxycontext.GetFlow(newCtx)

	c.Assert(ok, qt.IsTrue)
	c.Assert(retrieved, qt.Equals, flow)
}

func TestGetFlowReturnsFalseWhenNotPresent(t *testing.T) {
	c := qt.New(t)

	ctx := context.Background()
	_, ok := proxycontext.GetFlow(ctx)

	c.Assert(ok, qt.IsFalse)
}
