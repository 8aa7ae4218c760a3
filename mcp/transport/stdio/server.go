package stdio

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/mcpagent/chatmodel"
	"github.com/effective-security/mcpagent/mcp/transport"
)

// ServerTransport serves MCP over a reader and a writer, by default the
// process stdin and stdout. Anything else the process prints must go to stderr.
type ServerTransport struct {
	reader io.Reader
	writer io.Writer

	mu             sync.RWMutex
	writeMu        sync.Mutex
	messageHandler func(ctx context.Context, message *transport.BaseJsonRpcMessage)
	errorHandler   func(error)
	closeHandler   func()
	started        bool
	closed         bool
	closeOnce      sync.Once
}

// NewServerTransport returns a transport over os.Stdin and os.Stdout
func NewServerTransport() *ServerTransport {
	return NewServerTransportWithIO(os.Stdin, os.Stdout)
}

// NewServerTransportWithIO returns a transport over the given streams
func NewServerTransportWithIO(r io.Reader, w io.Writer) *ServerTransport {
	return &ServerTransport{
		reader: r,
		writer: w,
	}
}

// Start begins reading messages in the background.
// The close handler is called when the input is exhausted.
func (t *ServerTransport) Start(ctx context.Context) error {
	t.mu.Lock()
	if t.started {
		t.mu.Unlock()
		return errors.New("transport already started")
	}
	t.started = true
	t.mu.Unlock()

	go func() {
		readMessages(ctx, t.reader, t.dispatch, t.reportError)
		_ = t.Close()
	}()
	return nil
}

// Send writes one message followed by a newline
func (t *ServerTransport) Send(ctx context.Context, message *transport.BaseJsonRpcMessage) error {
	t.mu.RLock()
	closed := t.closed
	t.mu.RUnlock()
	if closed {
		return errors.Mark(errors.New("stdio transport is closed"), chatmodel.ErrConnectionClosed)
	}

	data, err := json.Marshal(message)
	if err != nil {
		return errors.Wrap(err, "failed to marshal message")
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if _, err = t.writer.Write(append(data, '\n')); err != nil {
		return errors.Mark(errors.Wrap(err, "write failed"), chatmodel.ErrConnection)
	}
	return nil
}

// Close marks the transport closed and invokes the close handler once
func (t *ServerTransport) Close() error {
	t.closeOnce.Do(func() {
		t.mu.Lock()
		t.closed = true
		h := t.closeHandler
		t.mu.Unlock()

		if c, ok := t.reader.(io.Closer); ok && t.reader != os.Stdin {
			_ = c.Close()
		}
		if h != nil {
			h()
		}
	})
	return nil
}

// SetCloseHandler implements Transport.SetCloseHandler
func (t *ServerTransport) SetCloseHandler(handler func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closeHandler = handler
}

// SetErrorHandler implements Transport.SetErrorHandler
func (t *ServerTransport) SetErrorHandler(handler func(error)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.errorHandler = handler
}

// SetMessageHandler implements Transport.SetMessageHandler
func (t *ServerTransport) SetMessageHandler(handler func(ctx context.Context, message *transport.BaseJsonRpcMessage)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.messageHandler = handler
}

func (t *ServerTransport) dispatch(ctx context.Context, msg *transport.BaseJsonRpcMessage) {
	t.mu.RLock()
	h := t.messageHandler
	t.mu.RUnlock()
	if h != nil {
		h(ctx, msg)
	}
}

func (t *ServerTransport) reportError(err error) {
	t.mu.RLock()
	h := t.errorHandler
	t.mu.RUnlock()
	if h != nil {
		h(err)
	}
}
