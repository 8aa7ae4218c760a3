// Command weatherserver serves the get_weather tool over streamable HTTP.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/mcpagent/internal/cliutil"
	"github.com/effective-security/mcpagent/mcp"
	"github.com/effective-security/mcpagent/mcp/transport/httptransport"
	"github.com/effective-security/mcpagent/tools/weather"
	"github.com/effective-security/xlog"
	"github.com/spf13/cobra"
)

var logger = xlog.NewPackageLogger("github.com/effective-security/mcpagent", "weatherserver")

type options struct {
	addr     string
	path     string
	logLevel string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%+v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var o options
	cmd := &cobra.Command{
		Use:           "weatherserver",
		Short:         "Serves the get_weather tool over streamable HTTP",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := cliutil.SetupLogging(os.Stderr, o.logLevel); err != nil {
				return err
			}
			ctx, cancel := cliutil.SignalContext(cmd.Context())
			defer cancel()
			return serve(ctx, &o)
		},
	}
	f := cmd.Flags()
	f.StringVar(&o.addr, "addr", ":8000", "address to listen on")
	f.StringVar(&o.path, "path", "/mcp/", "path of the MCP endpoint")
	f.StringVar(&o.logLevel, "log-level", "INFO", "log level: DEBUG, INFO, WARNING, ERROR")
	return cmd
}

func newServer(path string) (*mcp.Server, *httptransport.HTTPTransport, error) {
	tool, err := weather.New()
	if err != nil {
		return nil, nil, err
	}

	tr := httptransport.NewHTTPTransport(path)
	server := mcp.NewServer(tr, mcp.WithName("Weather"))
	if err = tool.RegisterMCP(server); err != nil {
		return nil, nil, err
	}
	return server, tr, nil
}

func serve(ctx context.Context, o *options) error {
	server, tr, err := newServer(o.path)
	if err != nil {
		return err
	}
	tr.WithAddr(o.addr)

	if err = server.Serve(); err != nil {
		return errors.WithMessage(err, "failed to serve")
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- tr.ListenAndServe()
	}()

	select {
	case err = <-errCh:
		_ = server.Close()
		return err
	case <-ctx.Done():
		logger.KV(xlog.INFO, "status", "stopping", "addr", o.addr)
	}
	if err = server.Close(); err != nil {
		return err
	}
	return <-errCh
}
