// Command mathserver serves the add and multiply tools over stdio.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/mcpagent/internal/cliutil"
	"github.com/effective-security/mcpagent/mcp"
	"github.com/effective-security/mcpagent/mcp/transport/stdio"
	"github.com/effective-security/mcpagent/tools"
	"github.com/effective-security/mcpagent/tools/calculator"
	"github.com/effective-security/xlog"
	"github.com/spf13/cobra"
)

var logger = xlog.NewPackageLogger("github.com/effective-security/mcpagent", "mathserver")

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%+v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var logLevel string
	cmd := &cobra.Command{
		Use:           "mathserver",
		Short:         "Serves the add and multiply tools over stdio",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			// stdout is the protocol channel
			if err := cliutil.SetupLogging(os.Stderr, logLevel); err != nil {
				return err
			}
			ctx, cancel := cliutil.SignalContext(cmd.Context())
			defer cancel()
			return serve(ctx)
		},
	}
	cmd.Flags().StringVar(&logLevel, "log-level", "INFO", "log level: DEBUG, INFO, WARNING, ERROR")
	return cmd
}

func serve(ctx context.Context) error {
	server := mcp.NewServer(stdio.NewServerTransport(),
		mcp.WithName("Math"),
		mcp.WithInstructions("Arithmetic on integers"),
	)
	if err := tools.RegisterMCP(server, calculator.Tools()...); err != nil {
		return err
	}
	if err := server.Serve(); err != nil {
		return errors.WithMessage(err, "failed to serve")
	}
	logger.KV(xlog.INFO, "status", "serving", "transport", "stdio")

	select {
	case <-server.Done():
		logger.KV(xlog.INFO, "status", "stdin_closed")
	case <-ctx.Done():
		logger.KV(xlog.INFO, "status", "stopping")
		if err := server.Close(); err != nil {
			return err
		}
	}
	return nil
}
