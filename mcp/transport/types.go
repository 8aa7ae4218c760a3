package transport

import (
	"encoding/json"

	"github.com/cockroachdb/errors"
)

// JSONRPCVersion is the only supported JSON-RPC version
const JSONRPCVersion = "2.0"

// Standard JSON-RPC error codes
const (
	ErrCodeParseError     = -32700
	ErrCodeInvalidRequest = -32600
	ErrCodeMethodNotFound = -32601
	ErrCodeInvalidParams  = -32602
	ErrCodeInternalError  = -32603
	ErrCodeServerError    = -32000
)

// RequestId is a uniquely identifying ID for a request in JSON-RPC.
type RequestId int64

// JsonRpcBody is the result of a request handler, it is serialized as JSON
type JsonRpcBody any

// BaseJSONRPCRequest is a request that expects a response.
type BaseJSONRPCRequest struct {
	// Jsonrpc corresponds to the JSON schema field "jsonrpc".
	Jsonrpc string `json:"jsonrpc"`
	// Method corresponds to the JSON schema field "method".
	Method string `json:"method"`
	// Params corresponds to the JSON schema field "params".
	Params json.RawMessage `json:"params,omitempty"`
	// Id corresponds to the JSON schema field "id".
	Id RequestId `json:"id"`
}

// BaseJSONRPCNotification is a notification which does not expect a response.
type BaseJSONRPCNotification struct {
	Jsonrpc string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// BaseJSONRPCResponse is a successful (non-error) response to a request.
type BaseJSONRPCResponse struct {
	Jsonrpc string          `json:"jsonrpc"`
	Id      RequestId       `json:"id"`
	Result  json.RawMessage `json:"result"`
}

// BaseJSONRPCErrorInner describes the error
type BaseJSONRPCErrorInner struct {
	// The error type that occurred.
	Code int `json:"code"`
	// A short description of the error. The message SHOULD be limited to a concise
	// single sentence.
	Message string `json:"message"`
	// Additional information about the error.
	Data any `json:"data,omitempty"`
}

// BaseJSONRPCError is a response to a request that indicates an error occurred.
type BaseJSONRPCError struct {
	Jsonrpc string                `json:"jsonrpc"`
	Id      RequestId             `json:"id"`
	Error   BaseJSONRPCErrorInner `json:"error"`
}

// BaseMessageType describes the kind of JSON-RPC message
type BaseMessageType string

const (
	BaseMessageTypeJSONRPCRequestType      BaseMessageType = "request"
	BaseMessageTypeJSONRPCNotificationType BaseMessageType = "notification"
	BaseMessageTypeJSONRPCResponseType     BaseMessageType = "response"
	BaseMessageTypeJSONRPCErrorType        BaseMessageType = "error"
)

// BaseJsonRpcMessage is a union of the JSON-RPC message kinds,
// exactly one of the pointers is set according to Type.
type BaseJsonRpcMessage struct {
	Type                BaseMessageType
	JsonRpcRequest      *BaseJSONRPCRequest
	JsonRpcNotification *BaseJSONRPCNotification
	JsonRpcResponse     *BaseJSONRPCResponse
	JsonRpcError        *BaseJSONRPCError
}

// MarshalJSON encodes the wrapped message only
func (m *BaseJsonRpcMessage) MarshalJSON() ([]byte, error) {
	switch m.Type {
	case BaseMessageTypeJSONRPCRequestType:
		return json.Marshal(m.JsonRpcRequest)
	case BaseMessageTypeJSONRPCNotificationType:
		return json.Marshal(m.JsonRpcNotification)
	case BaseMessageTypeJSONRPCResponseType:
		return json.Marshal(m.JsonRpcResponse)
	case BaseMessageTypeJSONRPCErrorType:
		return json.Marshal(m.JsonRpcError)
	default:
		return nil, errors.Errorf("unknown message type: %q", m.Type)
	}
}

// MessageID returns the ID of a request, response or error message,
// and zero for notifications.
func (m *BaseJsonRpcMessage) MessageID() RequestId {
	switch m.Type {
	case BaseMessageTypeJSONRPCRequestType:
		return m.JsonRpcRequest.Id
	case BaseMessageTypeJSONRPCResponseType:
		return m.JsonRpcResponse.Id
	case BaseMessageTypeJSONRPCErrorType:
		return m.JsonRpcError.Id
	}
	return 0
}

// SetMessageID replaces the ID of a request, response or error message
func (m *BaseJsonRpcMessage) SetMessageID(id RequestId) {
	switch m.Type {
	case BaseMessageTypeJSONRPCRequestType:
		m.JsonRpcRequest.Id = id
	case BaseMessageTypeJSONRPCResponseType:
		m.JsonRpcResponse.Id = id
	case BaseMessageTypeJSONRPCErrorType:
		m.JsonRpcError.Id = id
	}
}

func NewBaseMessageRequest(request *BaseJSONRPCRequest) *BaseJsonRpcMessage {
	return &BaseJsonRpcMessage{
		Type:           BaseMessageTypeJSONRPCRequestType,
		JsonRpcRequest: request,
	}
}

func NewBaseMessageNotification(notification *BaseJSONRPCNotification) *BaseJsonRpcMessage {
	return &BaseJsonRpcMessage{
		Type:                BaseMessageTypeJSONRPCNotificationType,
		JsonRpcNotification: notification,
	}
}

func NewBaseMessageResponse(response *BaseJSONRPCResponse) *BaseJsonRpcMessage {
	return &BaseJsonRpcMessage{
		Type:            BaseMessageTypeJSONRPCResponseType,
		JsonRpcResponse: response,
	}
}

func NewBaseMessageError(response *BaseJSONRPCError) *BaseJsonRpcMessage {
	return &BaseJsonRpcMessage{
		Type:         BaseMessageTypeJSONRPCErrorType,
		JsonRpcError: response,
	}
}

type messageKind struct {
	Jsonrpc string           `json:"jsonrpc"`
	Method  string           `json:"method"`
	Id      *json.RawMessage `json:"id"`
	Error   *json.RawMessage `json:"error"`
}

// ParseMessage decodes a single JSON-RPC message
func ParseMessage(data []byte) (*BaseJsonRpcMessage, error) {
	var p messageKind
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, errors.Wrap(err, "failed to parse JSON-RPC message")
	}
	if p.Jsonrpc != JSONRPCVersion {
		return nil, errors.Errorf("unsupported JSON-RPC version: %q", p.Jsonrpc)
	}

	switch {
	case p.Method != "" && p.Id != nil:
		var req BaseJSONRPCRequest
		if err := json.Unmarshal(data, &req); err != nil {
			return nil, errors.Wrap(err, "failed to parse request")
		}
		return NewBaseMessageRequest(&req), nil
	case p.Method != "":
		var n BaseJSONRPCNotification
		if err := json.Unmarshal(data, &n); err != nil {
			return nil, errors.Wrap(err, "failed to parse notification")
		}
		return NewBaseMessageNotification(&n), nil
	case p.Error != nil:
		var e BaseJSONRPCError
		if err := json.Unmarshal(data, &e); err != nil {
			return nil, errors.Wrap(err, "failed to parse error response")
		}
		return NewBaseMessageError(&e), nil
	case p.Id != nil:
		var r BaseJSONRPCResponse
		if err := json.Unmarshal(data, &r); err != nil {
			return nil, errors.Wrap(err, "failed to parse response")
		}
		return NewBaseMessageResponse(&r), nil
	}
	return nil, errors.New("invalid JSON-RPC message: no method or id")
}
