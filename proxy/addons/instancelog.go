package addons

import (
	"github.com/StarNumber12046/opencards/proxy"
)

// InstanceLogAddon logs with instance identification.
type InstanceLogAddon struct {
	proxy.BaseAddon
	logger *proxy.InstanceLogger
}

// NewInstanceLogAddon writes through an existing instance logger.
func NewInstanceLogAddon(logger *proxy.InstanceLogger) *InstanceLogAddon {
	return &InstanceLogAddon{logger: logger}
}

// NewInstanceLogAddonWithFile creates a new instance-aware log addon with file output.
func NewInstanceLogAddonWithFile(addr, instanceName, logFilePath string) *InstanceLogAddon {
	return &InstanceLogAddon{
		logger: proxy.NewInstanceLoggerWithFile(addr, instanceName, logFilePath),
	}
}

// SetLogger allows setting a custom instance logger.
func (adn *InstanceLogAddon) SetLogger(logger *proxy.InstanceLogger) {
	adn.logger = logger
}

// Close closes the log file of the current logger.
func (adn *InstanceLogAddon) Close() error {
	return adn.logger.Close()
}

func (adn *InstanceLogAddon) ClientConnected(client *proxy.ClientConn) {
	adn.logger.WithFields(
		"client_addr", client.Conn.RemoteAddr().String(),
		"event", "client_connected",
	).Info("Client connected")
}

func (adn *InstanceLogAddon) ClientDisconnected(client *proxy.ClientConn) {
	adn.logger.WithFields(
		"client_addr", client.Conn.RemoteAddr().String(),
		"event", "client_disconnected",
	).Info("Client disconnected")
}

func (adn *InstanceLogAddon) ServerConnected(connCtx *proxy.ConnContext) {
	adn.logger.WithFields(
		"client_addr", connCtx.ClientConn.Conn.RemoteAddr().String(),
		"server_addr", connCtx.ServerConn.Address,
		"server_name", connCtx.ServerConn.ServerName,
		"event", "server_connected",
	).Debug("Server connected")
}

func (adn *InstanceLogAddon) TLSEstablishedServer(connCtx *proxy.ConnContext) {
	adn.logger.WithFields(
		"client_addr", connCtx.ClientConn.Conn.RemoteAddr().String(),
		"server_addr", connCtx.ServerConn.Address,
		"event", "tls_established",
	).Debug("TLS connection established with server")
}

// FlowEvent writes the flow record as one JSON line.
func (adn *InstanceLogAddon) FlowEvent(_ *proxy.Flow, e *proxy.Event) {
	adn.logger.LogEvent(e)
}
