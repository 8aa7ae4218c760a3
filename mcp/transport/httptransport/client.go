package httptransport

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/mcpagent/chatmodel"
	"github.com/effective-security/mcpagent/mcp/transport"
	"github.com/effective-security/x/slices"
	"github.com/effective-security/xlog"
)

// DefaultTimeout is the default deadline for a single HTTP exchange
const DefaultTimeout = 30 * time.Second

// HTTPClientTransport implements a client-side HTTP transport for MCP.
// Each message is sent as one POST, the response message, if any,
// is read from the response body as JSON or as an event stream.
type HTTPClientTransport struct {
	baseURL string
	headers map[string]string
	client  *http.Client

	mu             sync.RWMutex
	sessionID      string
	messageHandler func(ctx context.Context, message *transport.BaseJsonRpcMessage)
	errorHandler   func(error)
	closeHandler   func()

	closeCtx  context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// NewHTTPClientTransport creates a new HTTP client transport for baseURL
func NewHTTPClientTransport(baseURL string) *HTTPClientTransport {
	ctx, cancel := context.WithCancel(context.Background())
	return &HTTPClientTransport{
		baseURL:  baseURL,
		headers:  make(map[string]string),
		client:   &http.Client{Timeout: DefaultTimeout},
		closeCtx: ctx,
		cancel:   cancel,
	}
}

// WithHeader adds a header sent verbatim with every request
func (t *HTTPClientTransport) WithHeader(key, value string) *HTTPClientTransport {
	t.headers[key] = value
	return t
}

// WithHeaders adds headers sent verbatim with every request
func (t *HTTPClientTransport) WithHeaders(headers map[string]string) *HTTPClientTransport {
	for k, v := range headers {
		t.headers[k] = v
	}
	return t
}

// WithTimeout sets the deadline for a single HTTP exchange
func (t *HTTPClientTransport) WithTimeout(timeout time.Duration) *HTTPClientTransport {
	if timeout > 0 {
		c := *t.client
		c.Timeout = timeout
		t.client = &c
	}
	return t
}

// WithHTTPClient sets the HTTP client, its Timeout is kept as configured
func (t *HTTPClientTransport) WithHTTPClient(client *http.Client) *HTTPClientTransport {
	if client != nil {
		t.client = client
	}
	return t
}

// Start implements Transport.Start
func (t *HTTPClientTransport) Start(ctx context.Context) error {
	if t.closeCtx.Err() != nil {
		return errors.Mark(errors.New("transport is closed"), chatmodel.ErrConnectionClosed)
	}
	return nil
}

// SessionID returns the session ID assigned by the server
func (t *HTTPClientTransport) SessionID() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.sessionID
}

// Send implements Transport.Send
func (t *HTTPClientTransport) Send(ctx context.Context, message *transport.BaseJsonRpcMessage) error {
	if t.closeCtx.Err() != nil {
		return errors.Mark(errors.New("transport is closed"), chatmodel.ErrConnectionClosed)
	}

	jsonData, err := json.Marshal(message)
	if err != nil {
		return errors.Wrap(err, "failed to marshal message")
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(t.closeCtx, cancel)
	defer stop()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL, bytes.NewReader(jsonData))
	if err != nil {
		return errors.Mark(errors.Wrap(err, "failed to create request"), chatmodel.ErrConnection)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	for key, value := range t.headers {
		req.Header.Set(key, value)
	}
	if sid := t.SessionID(); sid != "" {
		req.Header.Set(HeaderSessionID, sid)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return t.classify(ctx, err, "request to "+t.baseURL)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxBodySize))
		_ = resp.Body.Close()
	}()

	if sid := resp.Header.Get(HeaderSessionID); sid != "" {
		t.mu.Lock()
		t.sessionID = sid
		t.mu.Unlock()
	}

	logger.ContextKV(ctx, xlog.DEBUG,
		"url", t.baseURL,
		"type", message.Type,
		"status", resp.StatusCode,
	)

	switch {
	case resp.StatusCode == http.StatusAccepted || resp.StatusCode == http.StatusNoContent:
		return nil
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return errors.Mark(
			errors.Newf("server returned %d: %s", resp.StatusCode, slices.StringUpto(strings.TrimSpace(string(body)), 256)),
			chatmodel.ErrConnection)
	}

	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if mediaType == "text/event-stream" {
		if err = t.readEvents(ctx, resp.Body); err != nil {
			return t.classify(ctx, err, "read event stream")
		}
		return nil
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return t.classify(ctx, err, "read response body")
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return nil
	}
	msg, err := transport.ParseMessage(body)
	if err != nil {
		return errors.WithMessage(err, "received invalid response")
	}
	t.dispatch(ctx, msg)
	return nil
}

// readEvents dispatches every data event of a server-sent event stream
func (t *HTTPClientTransport) readEvents(ctx context.Context, r io.Reader) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxBodySize)

	var data bytes.Buffer
	flush := func() {
		if data.Len() == 0 {
			return
		}
		msg, err := transport.ParseMessage(data.Bytes())
		data.Reset()
		if err != nil {
			t.reportError(errors.WithMessage(err, "invalid event data"))
			return
		}
		t.dispatch(ctx, msg)
	}

	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			flush()
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	flush()
	return errors.WithStack(scanner.Err())
}

func (t *HTTPClientTransport) classify(ctx context.Context, err error, msg string) error {
	if t.closeCtx.Err() != nil {
		return errors.Mark(errors.Wrap(err, msg), chatmodel.ErrConnectionClosed)
	}
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) ||
		(errors.As(err, &netErr) && netErr.Timeout()) {
		return errors.Mark(errors.Wrap(err, msg), chatmodel.ErrTimeout)
	}
	if errors.Is(err, context.Canceled) {
		return errors.Wrap(err, msg)
	}
	return errors.Mark(errors.Wrap(err, msg), chatmodel.ErrConnection)
}

// Close cancels in-flight requests and invokes the close handler once
func (t *HTTPClientTransport) Close() error {
	t.closeOnce.Do(func() {
		t.cancel()
		t.client.CloseIdleConnections()

		t.mu.RLock()
		h := t.closeHandler
		t.mu.RUnlock()
		if h != nil {
			h()
		}
	})
	return nil
}

// SetCloseHandler implements Transport.SetCloseHandler
func (t *HTTPClientTransport) SetCloseHandler(handler func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closeHandler = handler
}

// SetErrorHandler implements Transport.SetErrorHandler
func (t *HTTPClientTransport) SetErrorHandler(handler func(error)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.errorHandler = handler
}

// SetMessageHandler implements Transport.SetMessageHandler
func (t *HTTPClientTransport) SetMessageHandler(handler func(ctx context.Context, message *transport.BaseJsonRpcMessage)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.messageHandler = handler
}

func (t *HTTPClientTransport) dispatch(ctx context.Context, msg *transport.BaseJsonRpcMessage) {
	t.mu.RLock()
	h := t.messageHandler
	t.mu.RUnlock()
	if h != nil {
		h(ctx, msg)
	}
}

func (t *HTTPClientTransport) reportError(err error) {
	t.mu.RLock()
	h := t.errorHandler
	t.mu.RUnlock()
	if h != nil {
		h(err)
	}
}
