package localtransport

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/mcpagent/chatmodel"
	"github.com/effective-security/mcpagent/mcp/transport"
)

type McpProxyRequest struct {
	Body    []byte            `json:"body"`
	Headers map[string]string `json:"headers"`
}

type McpProxyResponse struct {
	Type    transport.BaseMessageType `json:"type"`
	Status  int                       `json:"status"`
	Body    []byte                    `json:"body"`
	Headers map[string]string         `json:"headers"`
}

// Handler is an interface for handling MCP requests using local transport or proxy
type Handler interface {
	HandleMCP(ctx context.Context, req *McpProxyRequest) (*McpProxyResponse, error)
}

// LocalMcpClientTransport is the client side of the in-process transport
type LocalMcpClientTransport struct {
	messageHandler func(ctx context.Context, message *transport.BaseJsonRpcMessage)
	errorHandler   func(error)
	closeHandler   func()
	mu             sync.RWMutex
	handler        Handler
	headers        map[string]string
	closed         bool
}

// NewLocalClientTransport creates a new client transport that sends messages to handler
func NewLocalClientTransport(handler Handler) *LocalMcpClientTransport {
	return &LocalMcpClientTransport{
		handler: handler,
		headers: make(map[string]string),
	}
}

// WithHeader adds a header to every request
func (t *LocalMcpClientTransport) WithHeader(key, value string) *LocalMcpClientTransport {
	t.headers[key] = value
	return t
}

// Start implements Transport.Start
func (t *LocalMcpClientTransport) Start(ctx context.Context) error {
	return nil
}

// Send implements Transport.Send
func (t *LocalMcpClientTransport) Send(ctx context.Context, message *transport.BaseJsonRpcMessage) error {
	t.mu.RLock()
	closed := t.closed
	handler := t.messageHandler
	t.mu.RUnlock()
	if closed {
		return errors.Mark(errors.New("local transport is closed"), chatmodel.ErrConnectionClosed)
	}

	jsonData, err := json.Marshal(message)
	if err != nil {
		return errors.Wrap(err, "failed to marshal message")
	}

	resp, err := t.handler.HandleMCP(ctx, &McpProxyRequest{
		Body:    jsonData,
		Headers: t.headers,
	})
	if err != nil {
		return errors.Mark(err, chatmodel.ErrConnection)
	}

	switch resp.Status {
	case http.StatusOK:
	case http.StatusAccepted, http.StatusNoContent:
		return nil
	default:
		return errors.Mark(errors.Errorf("server returned error: %d", resp.Status), chatmodel.ErrConnection)
	}

	if len(resp.Body) == 0 {
		return nil
	}
	msg, err := transport.ParseMessage(resp.Body)
	if err != nil {
		return errors.WithMessage(err, "received invalid response")
	}
	if handler != nil {
		handler(ctx, msg)
	}
	return nil
}

// Close implements Transport.Close
func (t *LocalMcpClientTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	h := t.closeHandler
	t.mu.Unlock()

	if h != nil {
		h()
	}
	return nil
}

// SetCloseHandler implements Transport.SetCloseHandler
func (t *LocalMcpClientTransport) SetCloseHandler(handler func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closeHandler = handler
}

// SetErrorHandler implements Transport.SetErrorHandler
func (t *LocalMcpClientTransport) SetErrorHandler(handler func(error)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.errorHandler = handler
}

// SetMessageHandler implements Transport.SetMessageHandler
func (t *LocalMcpClientTransport) SetMessageHandler(handler func(ctx context.Context, message *transport.BaseJsonRpcMessage)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.messageHandler = handler
}
