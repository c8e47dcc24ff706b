package proxy

import (
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"

	uuid "github.com/satori/go.uuid"
)

// InstanceLogger is a slog logger bound to one proxy instance, optionally
// writing JSON lines to its own file.
type InstanceLogger struct {
	InstanceID   string
	InstanceName string
	Port         string
	LogFilePath  string
	logger       *slog.Logger
	file         io.Closer
}

// NewInstanceLogger creates a logger with instance identification.
func NewInstanceLogger(addr, instanceName string) *InstanceLogger {
	return NewInstanceLoggerWithFile(addr, instanceName, "")
}

// NewInstanceLoggerWithFile creates a logger with instance identification and optional file output.
func NewInstanceLoggerWithFile(addr, instanceName, logFilePath string) *InstanceLogger {
	port := addr
	if _, p, err := net.SplitHostPort(addr); err == nil {
		port = p
	}

	if instanceName == "" {
		instanceName = fmt.Sprintf("opencards-%s", port)
	}

	il := &InstanceLogger{
		InstanceID:   uuid.NewV4().String()[:8],
		InstanceName: instanceName,
		Port:         port,
		LogFilePath:  logFilePath,
	}

	if logFilePath != "" {
		file, err := os.OpenFile(logFilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			slog.Error("Failed to open log file", "file", logFilePath, "error", err)
		} else {
			il.file = file
			il.logger = slog.New(slog.NewJSONHandler(file, &slog.HandlerOptions{})).With(il.attrs()...)
			return il
		}
	}

	// Default: use global slog logger with bound fields
	il.logger = slog.Default().With(il.attrs()...)
	return il
}

func (il *InstanceLogger) attrs() []any {
	return []any{
		"instance_id", il.InstanceID,
		"instance_name", il.InstanceName,
		"port", il.Port,
	}
}

// WithFields adds additional fields to the logger.
func (il *InstanceLogger) WithFields(args ...any) *slog.Logger {
	return il.logger.With(args...)
}

// GetLogger returns the underlying slog logger.
func (il *InstanceLogger) GetLogger() *slog.Logger {
	return il.logger
}

// LogEvent writes one flow outcome. Failed flows are logged at Warn.
func (il *InstanceLogger) LogEvent(e *Event) {
	args := []any{
		slog.Time("timestamp", e.Time),
		slog.String("flow_id", e.FlowID.String()),
		slog.String("action", string(e.Action)),
		slog.String("method", e.Method),
		slog.String("original_url", e.OriginalURL),
		slog.String("destination", e.Destination),
		slog.Int64("duration_ms", e.Duration.Milliseconds()),
	}
	if e.StatusCode != 0 {
		args = append(args, slog.Int("status", e.StatusCode))
	}
	if e.Err != nil {
		args = append(args, slog.String("error", e.Err.Error()))
		il.logger.Warn("flow", args...)
		return
	}
	il.logger.Info("flow", args...)
}

// Close closes the log file, if any.
func (il *InstanceLogger) Close() error {
	if il.file == nil {
		return nil
	}
	return il.file.Close()
}
