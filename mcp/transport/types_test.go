package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMessage(t *testing.T) {
	tcases := []struct {
		name string
		data string
		typ  BaseMessageType
		id   RequestId
	}{
		{"request", `{"jsonrpc":"2.0","id":3,"method":"tools/list","params":{}}`, BaseMessageTypeJSONRPCRequestType, 3},
		{"request without params", `{"jsonrpc":"2.0","id":0,"method":"ping"}`, BaseMessageTypeJSONRPCRequestType, 0},
		{"notification", `{"jsonrpc":"2.0","method":"notifications/initialized"}`, BaseMessageTypeJSONRPCNotificationType, 0},
		{"response", `{"jsonrpc":"2.0","id":5,"result":{"tools":[]}}`, BaseMessageTypeJSONRPCResponseType, 5},
		{"error", `{"jsonrpc":"2.0","id":6,"error":{"code":-32601,"message":"method not found"}}`, BaseMessageTypeJSONRPCErrorType, 6},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			msg, err := ParseMessage([]byte(tc.data))
			require.NoError(t, err)
			assert.Equal(t, tc.typ, msg.Type)
			assert.Equal(t, tc.id, msg.MessageID())

			// round trip keeps the wire form
			data, err := json.Marshal(msg)
			require.NoError(t, err)
			msg2, err := ParseMessage(data)
			require.NoError(t, err)
			assert.Equal(t, msg.Type, msg2.Type)
			assert.Equal(t, msg.MessageID(), msg2.MessageID())
		})
	}

	_, err := ParseMessage([]byte(`not json`))
	assert.Error(t, err)
	_, err = ParseMessage([]byte(`{"jsonrpc":"1.0","id":1,"method":"x"}`))
	assert.EqualError(t, err, `unsupported JSON-RPC version: "1.0"`)
	_, err = ParseMessage([]byte(`{"jsonrpc":"2.0"}`))
	assert.EqualError(t, err, "invalid JSON-RPC message: no method or id")

	_, err = json.Marshal(&BaseJsonRpcMessage{Type: "bogus"})
	assert.Error(t, err)
}

func TestSetMessageID(t *testing.T) {
	msg := NewBaseMessageError(&BaseJSONRPCError{Id: 1})
	msg.SetMessageID(7)
	assert.Equal(t, RequestId(7), msg.JsonRpcError.Id)

	n := NewBaseMessageNotification(&BaseJSONRPCNotification{Method: "x"})
	n.SetMessageID(7)
	assert.Equal(t, RequestId(0), n.MessageID())
}

func TestHeadersFromContext(t *testing.T) {
	assert.Empty(t, HeadersFromContext(context.Background()))

	h := http.Header{}
	h.Set("Authorization", "Bearer T")
	ctx := WithHeaders(context.Background(), h)
	assert.Equal(t, "Bearer T", HeadersFromContext(ctx).Get("authorization"))
}

func TestServerBaseRemapsIDs(t *testing.T) {
	b := NewServerBase()
	require.NoError(t, b.Start(context.Background()))

	var seen RequestId
	b.SetMessageHandler(func(ctx context.Context, msg *BaseJsonRpcMessage) {
		seen = msg.JsonRpcRequest.Id
		go func() {
			_ = b.Send(ctx, NewBaseMessageResponse(&BaseJSONRPCResponse{
				Jsonrpc: JSONRPCVersion,
				Id:      msg.JsonRpcRequest.Id,
				Result:  json.RawMessage(`{}`),
			}))
		}()
	})

	resp, err := b.HandleMessage(context.Background(), []byte(`{"jsonrpc":"2.0","id":100,"method":"ping"}`))
	require.NoError(t, err)
	assert.Equal(t, RequestId(1), seen)
	assert.Equal(t, RequestId(100), resp.MessageID())
}

func TestServerBaseContextDone(t *testing.T) {
	b := NewServerBase()
	b.SetMessageHandler(func(ctx context.Context, msg *BaseJsonRpcMessage) {})

	var reported error
	b.SetErrorHandler(func(err error) { reported = err })
	b.ReportError(context.Canceled)
	assert.Equal(t, context.Canceled, reported)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := b.HandleMessage(ctx, []byte(`{"jsonrpc":"2.0","id":1,"method":"never"}`))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
