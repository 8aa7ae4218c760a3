package localtransport_test

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"sync"
	"testing"

	"github.com/effective-security/mcpagent/mcp/transport"
	"github.com/effective-security/mcpagent/mcp/transport/localtransport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// echoServer answers every request on the server transport with its params
func echoServer(t *testing.T) *localtransport.Transport {
	srv := localtransport.New()
	srv.SetMessageHandler(func(ctx context.Context, message *transport.BaseJsonRpcMessage) {
		if message.Type != transport.BaseMessageTypeJSONRPCRequestType {
			return
		}
		req := message.JsonRpcRequest
		go func() {
			result, _ := json.Marshal(map[string]any{
				"params": req.Params,
				"auth":   transport.HeadersFromContext(ctx).Get("Authorization"),
			})
			err := srv.Send(ctx, transport.NewBaseMessageResponse(&transport.BaseJSONRPCResponse{
				Jsonrpc: transport.JSONRPCVersion,
				Id:      req.Id,
				Result:  result,
			}))
			assert.NoError(t, err)
		}()
	})
	return srv
}

func TestTransport_Close(t *testing.T) {
	t.Run("close with handler", func(t *testing.T) {
		tr := localtransport.New()
		closeCount := 0
		tr.SetCloseHandler(func() {
			closeCount++
		})

		assert.NoError(t, tr.Close())
		assert.NoError(t, tr.Close())
		assert.Equal(t, 2, closeCount)
	})

	t.Run("close without handler", func(t *testing.T) {
		tr := localtransport.New()
		assert.NoError(t, tr.Start(context.Background()))
		assert.NoError(t, tr.Close())
	})
}

func TestTransport_HandleMCP(t *testing.T) {
	srv := echoServer(t)
	client := localtransport.NewLocalClientTransport(srv).
		WithHeader("Authorization", "Bearer T")

	var mu sync.Mutex
	responses := map[transport.RequestId]*transport.BaseJSONRPCResponse{}
	client.SetMessageHandler(func(ctx context.Context, message *transport.BaseJsonRpcMessage) {
		mu.Lock()
		responses[message.JsonRpcResponse.Id] = message.JsonRpcResponse
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for i := 1; i <= 10; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			err := client.Send(context.Background(), transport.NewBaseMessageRequest(&transport.BaseJSONRPCRequest{
				Jsonrpc: transport.JSONRPCVersion,
				Id:      transport.RequestId(id),
				Method:  "echo",
				Params:  json.RawMessage(`{"n":` + strconv.Itoa(id) + `}`),
			}))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	require.Len(t, responses, 10)
	for i := 1; i <= 10; i++ {
		r := responses[transport.RequestId(i)]
		require.NotNil(t, r, "response %d", i)
		assert.JSONEq(t, `{"params":{"n":`+strconv.Itoa(i)+`},"auth":"Bearer T"}`, string(r.Result))
	}
}

func TestTransport_HandleNotification(t *testing.T) {
	srv := localtransport.New()
	got := make(chan string, 1)
	srv.SetMessageHandler(func(ctx context.Context, message *transport.BaseJsonRpcMessage) {
		got <- message.JsonRpcNotification.Method
	})

	resp, err := srv.HandleMCP(context.Background(), &localtransport.McpProxyRequest{
		Body: []byte(`{"jsonrpc":"2.0","method":"notifications/initialized"}`),
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusAccepted, resp.Status)
	assert.Equal(t, "notifications/initialized", <-got)
}

func TestTransport_HandleInvalid(t *testing.T) {
	srv := localtransport.New()
	_, err := srv.HandleMCP(context.Background(), &localtransport.McpProxyRequest{
		Body: []byte(`{"jsonrpc":"2.0","method":"x","id":1}`),
	})
	assert.EqualError(t, err, "transport is not connected")

	_, err = srv.HandleMCP(context.Background(), &localtransport.McpProxyRequest{
		Body: []byte(`not json`),
	})
	assert.Error(t, err)

	err = srv.Send(context.Background(), transport.NewBaseMessageResponse(&transport.BaseJSONRPCResponse{Id: 99}))
	assert.EqualError(t, err, "no response channel found for key: 99")

	// server notifications have no exchange and are dropped
	err = srv.Send(context.Background(), transport.NewBaseMessageNotification(&transport.BaseJSONRPCNotification{Method: "x"}))
	assert.NoError(t, err)
}
