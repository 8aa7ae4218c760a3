package httptransport

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/mcpagent/mcp/transport"
	"github.com/effective-security/xlog"
	"github.com/google/uuid"
)

var logger = xlog.NewPackageLogger("github.com/effective-security/mcpagent/mcp/transport", "httptransport")

const (
	// HeaderSessionID is the MCP session header
	HeaderSessionID = "Mcp-Session-Id"

	maxBodySize = 10 << 20
)

// HTTPTransport implements a stateless HTTP server transport for MCP.
// Every POST carries one message, requests are answered in the HTTP response.
// Request headers are available to handlers via transport.HeadersFromContext.
type HTTPTransport struct {
	*transport.ServerBase

	server   *http.Server
	endpoint string
	addr     string
}

// NewHTTPTransport creates a new HTTP transport that serves the specified endpoint
func NewHTTPTransport(endpoint string) *HTTPTransport {
	return &HTTPTransport{
		ServerBase: transport.NewServerBase(),
		endpoint:   endpoint,
		addr:       ":8080",
	}
}

// WithAddr sets the address to listen on
func (t *HTTPTransport) WithAddr(addr string) *HTTPTransport {
	t.addr = addr
	return t
}

// Endpoint returns the path the transport serves
func (t *HTTPTransport) Endpoint() string {
	return t.endpoint
}

// Handler returns a handler that serves the endpoint
func (t *HTTPTransport) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle(t.endpoint, t)
	return mux
}

// ListenAndServe listens on the configured address until Close is called
func (t *HTTPTransport) ListenAndServe() error {
	t.server = &http.Server{
		Addr:              t.addr,
		Handler:           t.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.KV(xlog.INFO, "status", "listening", "addr", t.addr, "endpoint", t.endpoint)

	err := t.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return errors.WithStack(err)
}

// Close stops the listener, if any
func (t *HTTPTransport) Close() error {
	if t.server != nil {
		if err := t.server.Close(); err != nil {
			return errors.WithStack(err)
		}
	}
	return t.ServerBase.Close()
}

// ServeHTTP implements http.Handler
func (t *HTTPTransport) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "Only POST method is supported", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err != nil {
		t.ReportError(errors.Wrap(err, "failed to read request body"))
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}

	msg, err := transport.ParseMessage(body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, transport.NewBaseMessageError(&transport.BaseJSONRPCError{
			Jsonrpc: transport.JSONRPCVersion,
			Error: transport.BaseJSONRPCErrorInner{
				Code:    transport.ErrCodeParseError,
				Message: err.Error(),
			},
		}))
		return
	}

	ctx := transport.WithHeaders(r.Context(), r.Header.Clone())

	if msg.Type == transport.BaseMessageTypeJSONRPCRequestType && msg.JsonRpcRequest.Method == "initialize" {
		w.Header().Set(HeaderSessionID, uuid.NewString())
	} else if sid := r.Header.Get(HeaderSessionID); sid != "" {
		w.Header().Set(HeaderSessionID, sid)
	}

	logger.ContextKV(ctx, xlog.DEBUG,
		"type", msg.Type,
		"user_agent", r.UserAgent(),
	)

	response, err := t.DispatchMessage(ctx, msg)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if response == nil {
		w.WriteHeader(http.StatusAccepted)
		return
	}
	writeJSON(w, http.StatusOK, response)
}

func writeJSON(w http.ResponseWriter, status int, msg *transport.BaseJsonRpcMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		http.Error(w, "failed to marshal response", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

var (
	_ transport.Transport = (*HTTPTransport)(nil)
	_ transport.Transport = (*HTTPClientTransport)(nil)
)
