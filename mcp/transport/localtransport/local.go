// Package localtransport pairs an MCP client with an MCP server in the same process.
package localtransport

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/effective-security/mcpagent/mcp/transport"
)

// Transport is the server side of the in-process transport.
// It implements Handler, so it can be passed to NewLocalClientTransport directly.
type Transport struct {
	*transport.ServerBase
}

// New returns a server side transport
func New() *Transport {
	return &Transport{
		ServerBase: transport.NewServerBase(),
	}
}

// HandleMCP implements Handler
func (s *Transport) HandleMCP(ctx context.Context, req *McpProxyRequest) (*McpProxyResponse, error) {
	headers := http.Header{}
	for k, v := range req.Headers {
		headers.Set(k, v)
	}
	ctx = transport.WithHeaders(ctx, headers)

	msg, err := s.HandleMessage(ctx, req.Body)
	if err != nil {
		return nil, err
	}
	if msg == nil {
		return &McpProxyResponse{Status: http.StatusAccepted}, nil
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}
	return &McpProxyResponse{
		Type:   msg.Type,
		Status: http.StatusOK,
		Body:   body,
	}, nil
}
