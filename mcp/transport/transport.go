// Package transport defines the JSON-RPC 2.0 message model and the
// Transport interface shared by the MCP client and server.
package transport

import (
	"context"
	"net/http"
)

// Transport describes the minimal contract for a MCP transport that a client or server can communicate over.
type Transport interface {
	// Start starts processing messages on the transport, including any connection steps that might need to be taken.
	//
	// This method should only be called after callbacks are installed, or else messages may be lost.
	Start(ctx context.Context) error

	// Send sends a JSON-RPC message (request, notification or response).
	Send(ctx context.Context, message *BaseJsonRpcMessage) error

	// Close closes the connection.
	Close() error

	// SetCloseHandler sets the callback for when the connection is closed for any reason.
	// This should be invoked when Close() is called as well.
	SetCloseHandler(handler func())

	// SetErrorHandler sets the callback for when an error occurs.
	// Note that errors are not necessarily fatal; they are used for reporting any kind of exceptional condition out of band.
	SetErrorHandler(handler func(error))

	// SetMessageHandler sets the callback for when a message (request, notification or response) is received over the connection.
	SetMessageHandler(handler func(ctx context.Context, message *BaseJsonRpcMessage))
}

type contextKey int

const (
	keyHeaders contextKey = iota
)

// WithHeaders returns a context carrying the headers of the inbound request
func WithHeaders(ctx context.Context, headers http.Header) context.Context {
	return context.WithValue(ctx, keyHeaders, headers)
}

// HeadersFromContext returns the headers of the inbound request,
// or an empty header set when the message did not arrive over HTTP.
func HeadersFromContext(ctx context.Context) http.Header {
	if h, ok := ctx.Value(keyHeaders).(http.Header); ok && h != nil {
		return h
	}
	return http.Header{}
}
