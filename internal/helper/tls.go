package helper

import (
	"io"
	"log/slog"
	"os"
	"sync"
)

// Wireshark HTTPS parsing configuration
var (
	tlsKeyLogWriter io.Writer
	tlsKeyLogOnce   sync.Once
)

// GetTLSKeyLogWriter returns a writer for the file named by SSLKEYLOGFILE, or nil
// when the variable is unset or the file cannot be opened.
func GetTLSKeyLogWriter() io.Writer {
	tlsKeyLogOnce.Do(func() {
		logfile := os.Getenv("SSLKEYLOGFILE")
		if logfile == "" {
			return
		}

		writer, err := os.OpenFile(logfile, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o600)
		if err != nil {
			slog.Debug("open SSLKEYLOGFILE failed", "file", logfile, "error", err)
			return
		}

		tlsKeyLogWriter = writer
	})
	return tlsKeyLogWriter
}
