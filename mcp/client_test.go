package mcp

import (
	"context"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/mcpagent/chatmodel"
	"github.com/effective-security/mcpagent/mcp/transport"
	"github.com/effective-security/mcpagent/mcp/transport/httptransport"
	"github.com/effective-security/mcpagent/mcp/transport/localtransport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type binaryArgs struct {
	A int `json:"a" jsonschema:"description=First operand"`
	B int `json:"b" jsonschema:"description=Second operand"`
}

type sleepArgs struct {
	Duration string `json:"duration"`
}

func newMathServer(t *testing.T, tr transport.Transport, opts ...ServerOptions) *Server {
	t.Helper()

	server := NewServer(tr, append([]ServerOptions{WithName("math")}, opts...)...)
	require.NoError(t, server.RegisterTool("add", "Add two numbers", func(args binaryArgs) (*ToolResponse, error) {
		return NewToolResponse(NewTextContent(strconv.Itoa(args.A + args.B))), nil
	}))
	require.NoError(t, server.RegisterTool("multiply", "Multiply two numbers", func(args binaryArgs) (*ToolResponse, error) {
		return NewToolResponse(NewTextContent(strconv.Itoa(args.A * args.B))), nil
	}))
	require.NoError(t, server.RegisterTool("divide", "Divide two numbers", func(args binaryArgs) (*ToolResponse, error) {
		if args.B == 0 {
			return nil, errors.New("division by zero")
		}
		return NewToolResponse(NewTextContent(strconv.Itoa(args.A / args.B))), nil
	}))
	require.NoError(t, server.RegisterTool("sleep", "Sleep until cancelled", func(ctx context.Context, args sleepArgs) (*ToolResponse, error) {
		d, err := time.ParseDuration(args.Duration)
		if err != nil {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(d):
			return NewToolResponse(NewTextContent("awake")), nil
		}
	}))
	require.NoError(t, server.Serve())
	t.Cleanup(func() { _ = server.Close() })
	return server
}

func TestClientLocal(t *testing.T) {
	srvTransport := localtransport.New()
	newMathServer(t, srvTransport, WithPaginationLimit(2))

	var changed atomic.Int32
	client := NewClient(localtransport.NewLocalClientTransport(srvTransport),
		WithClientInfo("test", "0.0.1"),
		WithOnToolsChanged(func() { changed.Add(1) }),
	)

	ctx := context.Background()

	_, err := client.ListTools(ctx, nil)
	assert.True(t, errors.Is(err, chatmodel.ErrConnection))

	res, err := client.Initialize(ctx)
	require.NoError(t, err)
	assert.Equal(t, ProtocolVersion, res.ProtocolVersion)
	assert.Equal(t, "math", client.ServerInfo().Name)
	require.NotNil(t, client.ServerCapabilities().Tools)

	require.NoError(t, client.Ping(ctx))

	page, err := client.ListTools(ctx, nil)
	require.NoError(t, err)
	require.Len(t, page.Tools, 2)
	require.NotNil(t, page.NextCursor)

	tools, err := client.ListAllTools(ctx)
	require.NoError(t, err)
	var names []string
	for _, tool := range tools {
		names = append(names, tool.Name)
	}
	assert.Equal(t, []string{"add", "divide", "multiply", "sleep"}, names)

	resp, err := client.CallTool(ctx, "add", map[string]any{"a": 3, "b": 5})
	require.NoError(t, err)
	assert.False(t, resp.IsError)
	assert.Equal(t, "8", resp.Text())

	resp, err = client.CallTool(ctx, "multiply", []byte(`{"a":8,"b":12}`))
	require.NoError(t, err)
	assert.Equal(t, "96", resp.Text())

	resp, err = client.CallTool(ctx, "divide", binaryArgs{A: 1})
	require.NoError(t, err)
	assert.True(t, resp.IsError)
	assert.Equal(t, "division by zero", resp.Text())

	_, err = client.CallTool(ctx, "nonexistent", nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, chatmodel.ErrToolExecution))
	assert.Equal(t, "ToolExecutionError", chatmodel.Kind(err))
	assert.Contains(t, err.Error(), "unknown tool: nonexistent")

	_, err = client.CallTool(ctx, "add", func() {})
	assert.True(t, errors.Is(err, chatmodel.ErrInvalidArguments))

	require.NoError(t, client.Close())
	_, err = client.CallTool(ctx, "add", nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, chatmodel.ErrConnectionClosed))
	assert.Equal(t, int32(0), changed.Load())
}

func TestClientLocalTimeout(t *testing.T) {
	srvTransport := localtransport.New()
	newMathServer(t, srvTransport)

	client := NewClient(localtransport.NewLocalClientTransport(srvTransport), WithRequestTimeout(50*time.Millisecond))
	_, err := client.Initialize(context.Background())
	require.NoError(t, err)
	defer client.Close()

	started := time.Now()
	_, err = client.CallTool(context.Background(), "sleep", sleepArgs{Duration: "1m"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, chatmodel.ErrTimeout))
	assert.Equal(t, "TimeoutError", chatmodel.Kind(err))
	assert.Less(t, time.Since(started), 10*time.Second)
}

func TestClientHTTP(t *testing.T) {
	srvTransport := httptransport.NewHTTPTransport("/mcp")
	newMathServer(t, srvTransport)

	ts := httptest.NewServer(srvTransport.Handler())
	defer ts.Close()

	clientTransport := httptransport.NewHTTPClientTransport(ts.URL + "/mcp")
	client := NewClient(clientTransport)

	ctx := context.Background()
	_, err := client.Initialize(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, clientTransport.SessionID())

	resp, err := client.CallTool(ctx, "add", binaryArgs{A: 40, B: 2})
	require.NoError(t, err)
	assert.Equal(t, "42", resp.Text())

	require.NoError(t, client.Close())
}

func TestClientInitializeFails(t *testing.T) {
	ts := httptest.NewServer(nil)
	url := ts.URL
	ts.Close()

	client := NewClient(httptransport.NewHTTPClientTransport(url + "/mcp"))
	_, err := client.Initialize(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, chatmodel.ErrConnection))
	assert.Equal(t, "ConnectionError", chatmodel.Kind(err))
}
