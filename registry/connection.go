package registry

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/mcpagent/chatmodel"
	"github.com/effective-security/mcpagent/mcp"
	"github.com/effective-security/mcpagent/mcp/transport"
	"github.com/effective-security/mcpagent/mcp/transport/httptransport"
	"github.com/effective-security/mcpagent/mcp/transport/stdio"
	"github.com/effective-security/xlog"
)

// DefaultTimeout is the request deadline used when a provider does not specify one
const DefaultTimeout = 30 * time.Second

//go:generate mockgen -source=connection.go -destination=../mocks/mockregistry/connection_mock.gen.go -package mockregistry

// Connection is a live connection to a tool provider
type Connection interface {
	// Name returns the provider name
	Name() string
	// ListTools returns the tools exposed by the provider, in provider order
	ListTools(ctx context.Context) ([]mcp.ToolDescriptor, error)
	// CallTool invokes the tool with JSON object arguments
	CallTool(ctx context.Context, name string, arguments json.RawMessage) (*mcp.ToolResponse, error)
	// Close releases the connection, a pending call fails with ErrConnectionClosed
	Close() error
}

// Dialer opens a connection for the provider configuration
type Dialer func(ctx context.Context, cfg *ProviderConfig) (Connection, error)

type mcpConnection struct {
	name   string
	client *mcp.Client
}

// Dial creates the transport for cfg and performs the MCP handshake
func Dial(ctx context.Context, cfg *ProviderConfig) (Connection, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Mark(err, chatmodel.ErrConnection)
	}

	timeout := time.Duration(cfg.Timeout)
	if timeout == 0 {
		timeout = DefaultTimeout
	}

	var tr transport.Transport
	switch cfg.Transport.Normalize() {
	case TransportStdio:
		var env []string
		keys := make([]string, 0, len(cfg.Env))
		for k := range cfg.Env {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			env = append(env, k+"="+cfg.Env[k])
		}
		tr = stdio.NewClientTransport(cfg.Command, cfg.Args, env)
	case TransportHTTP:
		tr = httptransport.NewHTTPClientTransport(cfg.URL).
			WithHeaders(cfg.Headers).
			WithTimeout(timeout)
	}

	client := mcp.NewClient(tr,
		mcp.WithClientInfo("mcpagent", "1.0.0"),
		mcp.WithRequestTimeout(timeout),
		mcp.WithOnToolsChanged(func() {
			logger.KV(xlog.INFO, "provider", cfg.Name, "status", "tools_changed")
		}),
	)

	res, err := client.Initialize(ctx)
	if err != nil {
		_ = client.Close()
		return nil, errors.WithMessagef(err, "provider %s", cfg.Name)
	}

	logger.ContextKV(ctx, xlog.INFO,
		"provider", cfg.Name,
		"transport", cfg.Transport.Normalize(),
		"server", res.ServerInfo.Name,
		"server_version", res.ServerInfo.Version,
	)

	return &mcpConnection{
		name:   cfg.Name,
		client: client,
	}, nil
}

func (c *mcpConnection) Name() string {
	return c.name
}

func (c *mcpConnection) ListTools(ctx context.Context) ([]mcp.ToolDescriptor, error) {
	return c.client.ListAllTools(ctx)
}

func (c *mcpConnection) CallTool(ctx context.Context, name string, arguments json.RawMessage) (*mcp.ToolResponse, error) {
	return c.client.CallTool(ctx, name, arguments)
}

func (c *mcpConnection) Close() error {
	return c.client.Close()
}
