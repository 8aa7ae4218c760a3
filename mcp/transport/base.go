package transport

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/xlog"
)

var logger = xlog.NewPackageLogger("github.com/effective-security/mcpagent/mcp", "transport")

// ServerBase implements request/response correlation for stateless
// server transports, where every inbound request is answered on the same exchange.
// Request IDs are remapped to a transport-local key, so concurrent exchanges
// from different clients never collide.
type ServerBase struct {
	messageHandler func(ctx context.Context, message *BaseJsonRpcMessage)
	errorHandler   func(error)
	closeHandler   func()
	mu             sync.RWMutex
	responseMap    map[int64]chan *BaseJsonRpcMessage
	atomicCounter  int64
}

// NewServerBase returns a new ServerBase
func NewServerBase() *ServerBase {
	return &ServerBase{
		responseMap: make(map[int64]chan *BaseJsonRpcMessage),
	}
}

// Start does nothing for stateless transports
func (t *ServerBase) Start(ctx context.Context) error {
	return nil
}

// Send routes a response to the exchange waiting for it.
// Server initiated notifications have no exchange to ride on and are dropped.
func (t *ServerBase) Send(ctx context.Context, message *BaseJsonRpcMessage) error {
	if message.Type == BaseMessageTypeJSONRPCNotificationType ||
		message.Type == BaseMessageTypeJSONRPCRequestType {
		logger.ContextKV(ctx, xlog.DEBUG,
			"reason", "dropped",
			"type", message.Type,
		)
		return nil
	}

	key := int64(message.MessageID())

	t.mu.RLock()
	ch := t.responseMap[key]
	t.mu.RUnlock()

	if ch == nil {
		return errors.Errorf("no response channel found for key: %d", key)
	}
	select {
	case ch <- message:
	default:
		return errors.Errorf("response already sent for key: %d", key)
	}
	return nil
}

// Close invokes the close handler
func (t *ServerBase) Close() error {
	t.mu.RLock()
	h := t.closeHandler
	t.mu.RUnlock()
	if h != nil {
		h()
	}
	return nil
}

// SetCloseHandler implements Transport.SetCloseHandler
func (t *ServerBase) SetCloseHandler(handler func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closeHandler = handler
}

// SetErrorHandler implements Transport.SetErrorHandler
func (t *ServerBase) SetErrorHandler(handler func(error)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.errorHandler = handler
}

// SetMessageHandler implements Transport.SetMessageHandler
func (t *ServerBase) SetMessageHandler(handler func(ctx context.Context, message *BaseJsonRpcMessage)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.messageHandler = handler
}

// ReportError passes err to the error handler, if any
func (t *ServerBase) ReportError(err error) {
	t.mu.RLock()
	h := t.errorHandler
	t.mu.RUnlock()
	if h != nil {
		h(err)
	}
}

// HandleMessage dispatches one inbound message and, for requests,
// blocks until the response is sent or ctx is done.
// Returns nil message for notifications and responses.
func (t *ServerBase) HandleMessage(ctx context.Context, body []byte) (*BaseJsonRpcMessage, error) {
	msg, err := ParseMessage(body)
	if err != nil {
		return nil, err
	}
	return t.DispatchMessage(ctx, msg)
}

// DispatchMessage is HandleMessage for an already parsed message
func (t *ServerBase) DispatchMessage(ctx context.Context, msg *BaseJsonRpcMessage) (*BaseJsonRpcMessage, error) {
	t.mu.RLock()
	handler := t.messageHandler
	t.mu.RUnlock()
	if handler == nil {
		return nil, errors.New("transport is not connected")
	}

	if msg.Type != BaseMessageTypeJSONRPCRequestType {
		handler(ctx, msg)
		return nil, nil
	}

	key := atomic.AddInt64(&t.atomicCounter, 1)
	ch := make(chan *BaseJsonRpcMessage, 1)

	t.mu.Lock()
	t.responseMap[key] = ch
	t.mu.Unlock()

	defer func() {
		t.mu.Lock()
		delete(t.responseMap, key)
		t.mu.Unlock()
	}()

	prevID := msg.JsonRpcRequest.Id
	msg.JsonRpcRequest.Id = RequestId(key)
	handler(ctx, msg)

	select {
	case response := <-ch:
		response.SetMessageID(prevID)
		return response, nil
	case <-ctx.Done():
		return nil, errors.WithStack(ctx.Err())
	}
}
