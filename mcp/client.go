package mcp

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/mcpagent/chatmodel"
	"github.com/effective-security/mcpagent/mcp/internal/protocol"
	"github.com/effective-security/mcpagent/mcp/transport"
	"github.com/effective-security/xlog"
)

// Client is an MCP client speaking to a single server
type Client struct {
	transport      transport.Transport
	protocol       *protocol.Protocol
	info           Implementation
	requestTimeout time.Duration
	onToolsChanged func()

	mu           sync.RWMutex
	initialized  bool
	capabilities *ServerCapabilities
	serverInfo   *Implementation
}

// ClientOption configures the Client
type ClientOption func(*Client)

// WithClientInfo sets the client name and version sent on initialize
func WithClientInfo(name, version string) ClientOption {
	return func(c *Client) {
		c.info = Implementation{Name: name, Version: version}
	}
}

// WithRequestTimeout sets the deadline for each request
func WithRequestTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		c.requestTimeout = timeout
	}
}

// WithOnToolsChanged sets a callback invoked when the server reports tools/list_changed
func WithOnToolsChanged(fn func()) ClientOption {
	return func(c *Client) {
		c.onToolsChanged = fn
	}
}

// NewClient returns a client over the transport,
// Initialize must be called before any other request.
func NewClient(tr transport.Transport, opts ...ClientOption) *Client {
	c := &Client{
		transport: tr,
		protocol:  protocol.NewProtocol(),
		info: Implementation{
			Name:    "mcpagent",
			Version: "1.0.0",
		},
	}
	for _, opt := range opts {
		opt(c)
	}

	c.protocol.SetNotificationHandler("notifications/tools/list_changed", func(*transport.BaseJSONRPCNotification) error {
		logger.KV(xlog.DEBUG, "status", "tools_changed", "server", c.serverName())
		if c.onToolsChanged != nil {
			c.onToolsChanged()
		}
		return nil
	})
	return c
}

// Initialize connects the transport and performs the handshake.
// Failures before the handshake completes are reported as connection errors.
func (c *Client) Initialize(ctx context.Context) (*InitializeResponse, error) {
	if err := c.protocol.Connect(ctx, c.transport); err != nil {
		return nil, errors.Mark(errors.Newf("failed to connect: %s", err.Error()), chatmodel.ErrConnection)
	}

	raw, err := c.protocol.Request(ctx, "initialize", InitializeRequest{
		ProtocolVersion: ProtocolVersion,
		Capabilities:    map[string]any{},
		ClientInfo:      c.info,
	}, c.requestOptions())
	if err != nil {
		if errors.Is(err, chatmodel.ErrTimeout) {
			return nil, errors.WithMessage(err, "failed to initialize")
		}
		return nil, errors.Mark(errors.Newf("failed to initialize: %s", err.Error()), chatmodel.ErrConnection)
	}

	var res InitializeResponse
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, errors.Mark(errors.Wrap(err, "failed to unmarshal initialize response"), chatmodel.ErrConnection)
	}

	c.mu.Lock()
	c.initialized = true
	c.capabilities = &res.Capabilities
	c.serverInfo = &res.ServerInfo
	c.mu.Unlock()

	if err := c.protocol.Notification("notifications/initialized", nil); err != nil {
		return nil, errors.Mark(errors.Newf("failed to send initialized notification: %s", err.Error()), chatmodel.ErrConnection)
	}

	logger.ContextKV(ctx, xlog.DEBUG,
		"server", res.ServerInfo.Name,
		"server_version", res.ServerInfo.Version,
		"protocol", res.ProtocolVersion,
	)
	return &res, nil
}

// ServerInfo returns the server implementation reported on initialize
func (c *Client) ServerInfo() *Implementation {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.serverInfo
}

// ServerCapabilities returns the server capabilities reported on initialize
func (c *Client) ServerCapabilities() *ServerCapabilities {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.capabilities
}

func (c *Client) serverName() string {
	if si := c.ServerInfo(); si != nil {
		return si.Name
	}
	return ""
}

func (c *Client) requestOptions() *protocol.RequestOptions {
	return &protocol.RequestOptions{Timeout: c.requestTimeout}
}

func (c *Client) checkInitialized() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.initialized {
		return errors.Mark(errors.New("client is not initialized"), chatmodel.ErrConnection)
	}
	return nil
}

// ListTools returns one page of tools, starting at the cursor
func (c *Client) ListTools(ctx context.Context, cursor *string) (*ToolsResponse, error) {
	if err := c.checkInitialized(); err != nil {
		return nil, err
	}

	raw, err := c.protocol.Request(ctx, "tools/list", baseListToolsRequestParams{Cursor: cursor}, c.requestOptions())
	if err != nil {
		return nil, errors.WithMessage(err, "failed to list tools")
	}

	var res ToolsResponse
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal tools response")
	}
	return &res, nil
}

// ListAllTools follows the pagination cursors and returns every tool
// in the order the server returned them
func (c *Client) ListAllTools(ctx context.Context) ([]ToolDescriptor, error) {
	var (
		all    []ToolDescriptor
		cursor *string
		seen   = map[string]bool{}
	)
	for {
		page, err := c.ListTools(ctx, cursor)
		if err != nil {
			return nil, err
		}
		all = append(all, page.Tools...)

		if page.NextCursor == nil || *page.NextCursor == "" {
			return all, nil
		}
		if seen[*page.NextCursor] {
			return nil, errors.Errorf("server returned a repeated cursor: %s", *page.NextCursor)
		}
		seen[*page.NextCursor] = true
		cursor = page.NextCursor
	}
}

// CallTool invokes the named tool.
// A tool that reports a failure returns a response with IsError set, not an error,
// RPC level failures are returned as ErrToolExecution unless the transport failed.
func (c *Client) CallTool(ctx context.Context, name string, arguments any) (*ToolResponse, error) {
	if err := c.checkInitialized(); err != nil {
		return nil, err
	}

	params := baseCallToolRequestParams{Name: name}
	switch args := arguments.(type) {
	case nil:
	case json.RawMessage:
		params.Arguments = args
	case []byte:
		params.Arguments = args
	default:
		js, err := json.Marshal(arguments)
		if err != nil {
			return nil, errors.Mark(errors.Wrap(err, "failed to marshal arguments"), chatmodel.ErrInvalidArguments)
		}
		params.Arguments = js
	}

	raw, err := c.protocol.Request(ctx, "tools/call", params, c.requestOptions())
	if err != nil {
		err = errors.WithMessagef(err, "tool %s", name)
		if errors.Is(err, chatmodel.ErrTimeout) ||
			errors.Is(err, chatmodel.ErrConnectionClosed) ||
			errors.Is(err, chatmodel.ErrConnection) ||
			errors.Is(err, context.Canceled) {
			return nil, err
		}
		return nil, errors.Mark(err, chatmodel.ErrToolExecution)
	}

	var res ToolResponse
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, errors.Mark(errors.Wrap(err, "failed to unmarshal tool response"), chatmodel.ErrToolExecution)
	}
	return &res, nil
}

// Ping checks that the server is responsive
func (c *Client) Ping(ctx context.Context) error {
	if err := c.checkInitialized(); err != nil {
		return err
	}
	_, err := c.protocol.Request(ctx, "ping", nil, c.requestOptions())
	return err
}

// Close closes the transport, outstanding requests fail with ErrConnectionClosed
func (c *Client) Close() error {
	return c.protocol.Close()
}
