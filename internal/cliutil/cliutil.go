// Package cliutil provides the logging and signal setup shared by the binaries.
package cliutil

import (
	"context"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/xlog"
)

// LogLevels are the accepted values of --log-level
var LogLevels = []string{"DEBUG", "INFO", "WARNING", "ERROR"}

// SetupLogging sends the logs to w with the level.
// Providers served over stdio must pass stderr, stdout is the protocol channel.
func SetupLogging(w io.Writer, level string) error {
	switch strings.ToUpper(level) {
	case "DEBUG":
		xlog.SetGlobalLogLevel(xlog.DEBUG)
	case "INFO":
		xlog.SetGlobalLogLevel(xlog.INFO)
	case "WARNING", "WARN":
		xlog.SetGlobalLogLevel(xlog.WARNING)
	case "ERROR":
		xlog.SetGlobalLogLevel(xlog.ERROR)
	default:
		return errors.Errorf("unsupported log level: %q, expected one of %s", level, strings.Join(LogLevels, ", "))
	}
	xlog.SetFormatter(xlog.NewStringFormatter(w))
	return nil
}

// SignalContext returns a context canceled on SIGINT or SIGTERM
func SignalContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
}
