package addons_test

import (
	"bytes"
	"errors"
	"log/slog"
	"net"
	"testing"
	"time"

	qt "github.com/frankban/quicktest"

	"github.com/StarNumber12046/opencards/proxy"
	"github.com/StarNumber12046/opencards/proxy/addons"
)

type mockAddr struct {
	addr string
}

func (mockAddr) Network() string  { return "tcp" }
func (m mockAddr) String() string { return m.addr }

type mockConn struct {
	net.Conn
	remoteAddr net.Addr
	localAddr  net.Addr
}

func (m *mockConn) RemoteAddr() net.Addr { return m.remoteAddr }
func (m *mockConn) LocalAddr() net.Addr  { return m.localAddr }
func (*mockConn) Close() error           { return nil }

func captureLog(level slog.Level, fn func()) string {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: level}))
	oldLogger := slog.Default()
	slog.SetDefault(logger)
	defer slog.SetDefault(oldLogger)

	fn()
	return buf.String()
}

func TestLogAddonClientConnectedWritesLogWithRemoteAddr(t *testing.T) {
	c := qt.New(t)

	addon := &addons.LogAddon{}
	client := &proxy.ClientConn{
		Conn: &mockConn{remoteAddr: mockAddr{"192.168.1.50:54321"}},
	}

	output := captureLog(slog.LevelInfo, func() {
		addon.ClientConnected(client)
	})

	c.Assert(output, qt.Contains, "client connected")
	c.Assert(output, qt.Contains, "192.168.1.50:54321")
}

func TestLogAddonClientDisconnectedWritesLogWithRemoteAddr(t *testing.T) {
	c := qt.New(t)

	addon := &addons.LogAddon{}
	client := &proxy.ClientConn{
		Conn: &mockConn{remoteAddr: mockAddr{"10.0.0.100:12345"}},
	}

	output := captureLog(slog.LevelInfo, func() {
		addon.ClientDisconnected(client)
	})

	c.Assert(output, qt.Contains, "client disconnected")
	c.Assert(output, qt.Contains, "10.0.0.100:12345")
}

func TestLogAddonServerConnectedWritesDebugLogWithAddresses(t *testing.T) {
	c := qt.New(t)

	addon := &addons.LogAddon{}
	connCtx := &proxy.ConnContext{
		ClientConn: &proxy.ClientConn{
			Conn: &mockConn{remoteAddr: mockAddr{"127.0.0.1:9999"}},
		},
		ServerConn: &proxy.ServerConn{
			Address: "127.0.0.1:8443",
			Conn: &mockConn{
				remoteAddr: mockAddr{"127.0.0.1:8443"},
				localAddr:  mockAddr{"127.0.0.1:55555"},
			},
		},
	}

	output := captureLog(slog.LevelDebug, func() {
		addon.ServerConnected(connCtx)
	})

	c.Assert(output, qt.Contains, "server connected")
	c.Assert(output, qt.Contains, "clientAddr=127.0.0.1:9999")
	c.Assert(output, qt.Contains, "serverAddr=127.0.0.1:8443")
	c.Assert(output, qt.Contains, "localAddr=127.0.0.1:55555")
}

func TestLogAddonServerConnectedIsQuietAtInfo(t *testing.T) {
	c := qt.New(t)

	addon := &addons.LogAddon{}
	connCtx := &proxy.ConnContext{
		ClientConn: &proxy.ClientConn{
			Conn: &mockConn{remoteAddr: mockAddr{"127.0.0.1:9999"}},
		},
		ServerConn: &proxy.ServerConn{Address: "127.0.0.1:8443"},
	}

	output := captureLog(slog.LevelInfo, func() {
		addon.ServerConnected(connCtx)
	})

	c.Assert(output, qt.Equals, "")
}

func TestLogAddonServerDisconnectedWritesLogWithFlowCount(t *testing.T) {
	c := qt.New(t)

	addon := &addons.LogAddon{}
	connCtx := &proxy.ConnContext{
		ClientConn: &proxy.ClientConn{
			Conn: &mockConn{remoteAddr: mockAddr{"172.16.0.1:8080"}},
		},
		ServerConn: &proxy.ServerConn{
			Address: "cdn.example.org:80",
			Conn: &mockConn{
				remoteAddr: mockAddr{"151.101.1.195:80"},
				localAddr:  mockAddr{"172.16.0.1:44444"},
			},
		},
	}
	connCtx.FlowCount.Store(15)

	output := captureLog(slog.LevelDebug, func() {
		addon.ServerDisconnected(connCtx)
	})

	c.Assert(output, qt.Contains, "server disconnected")
	c.Assert(output, qt.Contains, "flowCount=15")
	c.Assert(output, qt.Contains, "172.16.0.1:8080")
	c.Assert(output, qt.Contains, "cdn.example.org:80")
}

func TestLogAddonFlowEventConsoleLines(t *testing.T) {
	tests := []struct {
		name      string
		event     *proxy.Event
		wantLine  string
		wantLevel string
	}{
		{
			name: "redirected",
			event: &proxy.Event{
				Action:      proxy.ActionRedirected,
				Method:      "GET",
				OriginalURL: "https://api.skycards.oldapes.com/users/me",
				Destination: "127.0.0.1:8443",
				StatusCode:  200,
				Duration:    15 * time.Millisecond,
			},
			wantLine:  `"[MITM] Redirecting https://api.skycards.oldapes.com/users/me"`,
			wantLevel: "level=INFO",
		},
		{
			name: "passthrough",
			event: &proxy.Event{
				Action:      proxy.ActionPassthrough,
				Method:      "GET",
				OriginalURL: "https://api.skycards.oldapes.com/models/v2",
				Destination: "api.skycards.oldapes.com:443",
				StatusCode:  200,
			},
			wantLine:  `"[MITM] Not redirecting https://api.skycards.oldapes.com/models/v2"`,
			wantLevel: "level=INFO",
		},
		{
			name: "rejected",
			event: &proxy.Event{
				Action: proxy.ActionRejected,
				Err:    errors.New("tls handshake with client: EOF"),
			},
			wantLine:  `"[MITM] Rejected -"`,
			wantLevel: "level=WARN",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := qt.New(t)
			addon := &addons.LogAddon{}

			output := captureLog(slog.LevelInfo, func() {
				addon.FlowEvent(nil, tt.event)
			})

			c.Assert(output, qt.Contains, tt.wantLine)
			c.Assert(output, qt.Contains, tt.wantLevel)
			if tt.event.Err != nil {
				c.Assert(output, qt.Contains, "error=")
			}
		})
	}
}

func TestLogAddonFlowEventIncludesDestinationAndStatus(t *testing.T) {
	c := qt.New(t)

	addon := &addons.LogAddon{}
	output := captureLog(slog.LevelInfo, func() {
		addon.FlowEvent(nil, &proxy.Event{
			Action:      proxy.ActionRedirected,
			Method:      "POST",
			OriginalURL: "https://api.skycards.oldapes.com/cards",
			Destination: "127.0.0.1:8443",
			StatusCode:  201,
		})
	})

	c.Assert(output, qt.Contains, "method=POST")
	c.Assert(output, qt.Contains, "destination=127.0.0.1:8443")
	c.Assert(output, qt.Contains, "status=201")
}
