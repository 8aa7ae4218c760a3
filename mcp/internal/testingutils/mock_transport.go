package testingutils

import (
	"context"
	"sync"

	"github.com/effective-security/mcpagent/mcp/transport"
)

// MockTransport records sent messages and lets tests inject inbound ones
type MockTransport struct {
	mu sync.RWMutex

	// Callbacks
	onClose   func()
	onError   func(error)
	onMessage func(ctx context.Context, message *transport.BaseJsonRpcMessage)

	// Test helpers
	messages []*transport.BaseJsonRpcMessage
	closed   bool
	started  bool

	// OnSend, if set, is invoked for every sent message
	OnSend func(message *transport.BaseJsonRpcMessage)
}

func NewMockTransport() *MockTransport {
	return &MockTransport{}
}

func (t *MockTransport) Start(ctx context.Context) error {
	t.mu.Lock()
	t.started = true
	t.mu.Unlock()
	return nil
}

func (t *MockTransport) Send(ctx context.Context, message *transport.BaseJsonRpcMessage) error {
	t.mu.Lock()
	t.messages = append(t.messages, message)
	onSend := t.OnSend
	t.mu.Unlock()

	if onSend != nil {
		onSend(message)
	}
	return nil
}

func (t *MockTransport) Close() error {
	t.mu.Lock()
	t.closed = true
	onClose := t.onClose
	t.mu.Unlock()

	if onClose != nil {
		onClose()
	}
	return nil
}

func (t *MockTransport) SetCloseHandler(handler func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onClose = handler
}

func (t *MockTransport) SetErrorHandler(handler func(error)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onError = handler
}

func (t *MockTransport) SetMessageHandler(handler func(ctx context.Context, message *transport.BaseJsonRpcMessage)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onMessage = handler
}

// Test helper methods

// SimulateMessage delivers message as if it was received from the remote side
func (t *MockTransport) SimulateMessage(msg *transport.BaseJsonRpcMessage) {
	t.mu.RLock()
	handler := t.onMessage
	t.mu.RUnlock()
	if handler != nil {
		handler(context.Background(), msg)
	}
}

// SimulateError reports err as if the transport failed
func (t *MockTransport) SimulateError(err error) {
	t.mu.RLock()
	handler := t.onError
	t.mu.RUnlock()
	if handler != nil {
		handler(err)
	}
}

// GetMessages returns a copy of the sent messages
func (t *MockTransport) GetMessages() []*transport.BaseJsonRpcMessage {
	t.mu.RLock()
	defer t.mu.RUnlock()
	msgs := make([]*transport.BaseJsonRpcMessage, len(t.messages))
	copy(msgs, t.messages)
	return msgs
}

func (t *MockTransport) IsClosed() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.closed
}

func (t *MockTransport) IsStarted() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.started
}
