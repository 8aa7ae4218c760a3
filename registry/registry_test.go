package registry

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/mcpagent/chatmodel"
	"github.com/effective-security/mcpagent/mcp"
	"github.com/effective-security/mcpagent/mocks/mockregistry"
	"github.com/effective-security/mcpagent/pkg/schema"
	"github.com/effective-security/mcpagent/tools"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

const binarySchema = `{"type":"object","properties":{"a":{"type":"integer"},"b":{"type":"integer"}},"required":["a","b"]}`

func descriptor(name string) mcp.ToolDescriptor {
	return mcp.ToolDescriptor{
		Name:        name,
		Description: name + " tool",
		InputSchema: json.RawMessage(binarySchema),
	}
}

func mockConn(ctrl *gomock.Controller, name string, toolNames ...string) *mockregistry.MockConnection {
	conn := mockregistry.NewMockConnection(ctrl)
	conn.EXPECT().Name().Return(name).AnyTimes()
	var list []mcp.ToolDescriptor
	for _, n := range toolNames {
		list = append(list, descriptor(n))
	}
	conn.EXPECT().ListTools(gomock.Any()).Return(list, nil).AnyTimes()
	return conn
}

func toolNames(list []Entry) []string {
	var names []string
	for _, e := range list {
		names = append(names, e.Provider+"/"+e.Tool.Name)
	}
	return names
}

func TestRegistryUnion(t *testing.T) {
	ctrl := gomock.NewController(t)
	ctx := context.Background()

	r := New()
	require.NoError(t, r.Register(ctx, mockConn(ctrl, "math", "add", "multiply")))
	require.NoError(t, r.Register(ctx, mockConn(ctrl, "weather", "get_weather")))

	exp := []string{"math/add", "math/multiply", "weather/get_weather"}
	if diff := cmp.Diff(exp, toolNames(r.ListAll())); diff != "" {
		t.Errorf("ListAll() mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, []string{"math", "weather"}, r.Providers())

	e, ok := r.Lookup("get_weather")
	require.True(t, ok)
	assert.Equal(t, "weather", e.Provider)
	_, ok = r.Lookup("nope")
	assert.False(t, ok)

	list := r.Tools()
	assert.Equal(t, []string{"add", "multiply", "get_weather"}, tools.Names(list...))
	assert.Equal(t, "add tool", list[0].Description())
	assert.Equal(t, []string{"a", "b"}, schema.Properties(list[0].Parameters()))
}

func TestRegistryDuplicate(t *testing.T) {
	ctrl := gomock.NewController(t)
	ctx := context.Background()

	r := New()
	require.NoError(t, r.Register(ctx, mockConn(ctrl, "math", "add", "multiply")))

	err := r.Register(ctx, mockConn(ctrl, "calc", "subtract", "add"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, chatmodel.ErrDuplicateTool))
	assert.Equal(t, "DuplicateToolError", chatmodel.Kind(err))
	assert.Equal(t, `tool "add" is provided by both math and calc`, err.Error())

	// nothing from the rejected provider is registered
	assert.Equal(t, []string{"math/add", "math/multiply"}, toolNames(r.ListAll()))
	assert.Equal(t, []string{"math"}, r.Providers())

	err = r.Register(ctx, mockConn(ctrl, "twice", "x", "x"))
	assert.True(t, errors.Is(err, chatmodel.ErrDuplicateTool))
}

func TestRegistryDuplicateIgnoresCase(t *testing.T) {
	ctrl := gomock.NewController(t)
	ctx := context.Background()

	r := New()
	require.NoError(t, r.Register(ctx, mockConn(ctrl, "p1", "Add")))

	err := r.Register(ctx, mockConn(ctrl, "p2", "add"))
	require.Error(t, err)
	assert.Equal(t, "DuplicateToolError", chatmodel.Kind(err))
	assert.Equal(t, `tool "add" of p2 conflicts with "Add" of p1`, err.Error())
	assert.Equal(t, []string{"p1/Add"}, toolNames(r.ListAll()))
	assert.Equal(t, []string{"p1"}, r.Providers())

	err = r.Register(ctx, mockConn(ctrl, "p3", "mul", "MUL"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, chatmodel.ErrDuplicateTool))
	assert.Equal(t, `tools "mul" and "MUL" in provider p3 differ only in case`, err.Error())
}

func TestRegistryListFails(t *testing.T) {
	ctrl := gomock.NewController(t)

	conn := mockregistry.NewMockConnection(ctrl)
	conn.EXPECT().Name().Return("broken").AnyTimes()
	conn.EXPECT().ListTools(gomock.Any()).Return(nil, errors.Mark(errors.New("refused"), chatmodel.ErrConnection))

	err := New().Register(context.Background(), conn)
	require.Error(t, err)
	assert.Equal(t, "provider broken: failed to list tools: refused", err.Error())
	assert.Equal(t, "ConnectionError", chatmodel.Kind(err))
}

func TestUnknownTool(t *testing.T) {
	ctrl := gomock.NewController(t)
	ctx := context.Background()

	empty := New()
	_, err := empty.Call(ctx, "add", nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, chatmodel.ErrUnknownTool))

	r := New()
	require.NoError(t, r.Register(ctx, mockConn(ctrl, "math", "add", "multiply")))
	_, err = r.Call(ctx, "divide", json.RawMessage(`{"a":1,"b":2}`))
	require.Error(t, err)
	assert.Equal(t, "UnknownToolError", chatmodel.Kind(err))
	assert.Equal(t, "unknown tool: divide", err.Error())
	assert.Equal(t, "UnknownToolError: unknown tool: divide", chatmodel.Describe(err))
}

func TestCall(t *testing.T) {
	ctrl := gomock.NewController(t)
	ctx := context.Background()

	conn := mockConn(ctrl, "math", "add", "multiply")
	r := New()
	require.NoError(t, r.Register(ctx, conn))

	conn.EXPECT().CallTool(gomock.Any(), "add", json.RawMessage(`{"a":3,"b":5}`)).
		Return(mcp.NewToolResponse(mcp.NewTextContent("8")), nil)
	res, err := r.Call(ctx, "add", json.RawMessage(` {"a":3,"b":5} `))
	require.NoError(t, err)
	assert.Equal(t, "math", res.Provider)
	assert.Equal(t, "8", res.Text)
	require.Len(t, res.Content, 1)

	conn.EXPECT().CallTool(gomock.Any(), "multiply", gomock.Any()).
		Return(mcp.NewToolErrorResponse("overflow"), nil)
	_, err = r.Call(ctx, "multiply", json.RawMessage(`{"a":3,"b":5}`))
	require.Error(t, err)
	assert.True(t, errors.Is(err, chatmodel.ErrToolExecution))
	assert.Equal(t, "tool multiply failed: overflow", err.Error())

	conn.EXPECT().CallTool(gomock.Any(), "multiply", gomock.Any()).
		Return(nil, errors.Mark(errors.New("deadline"), chatmodel.ErrTimeout))
	_, err = r.Call(ctx, "multiply", json.RawMessage(`{"a":3,"b":5}`))
	require.Error(t, err)
	assert.Equal(t, "TimeoutError", chatmodel.Kind(err))
	assert.Equal(t, "provider math: deadline", err.Error())

	// rejected before reaching the provider
	_, err = r.Call(ctx, "add", json.RawMessage(`{"a":"three","b":5}`))
	require.Error(t, err)
	assert.True(t, errors.Is(err, chatmodel.ErrInvalidArguments))
	assert.Contains(t, err.Error(), "tool add: invalid arguments")

	_, err = r.Call(ctx, "add", json.RawMessage(`{"a":3}`))
	require.Error(t, err)
	assert.True(t, errors.Is(err, chatmodel.ErrInvalidArguments))

	_, err = r.Call(ctx, "add", json.RawMessage(`[1,2]`))
	require.Error(t, err)
	assert.Equal(t, "InvalidArguments", chatmodel.Kind(err))
}

func TestRegistryToolCall(t *testing.T) {
	ctrl := gomock.NewController(t)
	ctx := context.Background()

	conn := mockConn(ctrl, "math", "add")
	r := New()
	require.NoError(t, r.Register(ctx, conn))

	conn.EXPECT().CallTool(gomock.Any(), "add", json.RawMessage(`{"a":1,"b":2}`)).
		Return(mcp.NewToolResponse(mcp.NewTextContent("3")), nil)

	add := r.Tools()[0]
	out, err := add.Call(ctx, "Here you go: {\"a\":1,\"b\":2}")
	require.NoError(t, err)
	assert.Equal(t, "3", out)

	_, err = add.Call(ctx, `{"a":1}`)
	assert.Equal(t, "InvalidArguments", chatmodel.Kind(err))
}

func TestClose(t *testing.T) {
	ctrl := gomock.NewController(t)
	ctx := context.Background()

	c1 := mockConn(ctrl, "one", "a")
	c2 := mockConn(ctrl, "two", "b")
	c3 := mockConn(ctrl, "three", "c")
	c1.EXPECT().Close().Return(nil).Times(1)
	c2.EXPECT().Close().Return(errors.New("stuck")).Times(1)
	c3.EXPECT().Close().Return(nil).Times(1)

	r := New()
	for _, c := range []Connection{c1, c2, c3} {
		require.NoError(t, r.Register(ctx, c))
	}

	err := r.Close()
	require.Error(t, err)
	assert.Equal(t, "provider two: stuck", err.Error())

	// second close is a no-op
	require.NoError(t, r.Close())

	_, err = r.Call(ctx, "a", nil)
	assert.True(t, errors.Is(err, chatmodel.ErrConnectionClosed))

	err = r.Register(ctx, mockConn(ctrl, "four", "d"))
	assert.True(t, errors.Is(err, chatmodel.ErrConnectionClosed))
}

func TestConnectCleanup(t *testing.T) {
	ctrl := gomock.NewController(t)
	ctx := context.Background()

	providers := []*ProviderConfig{
		{Name: "math", Transport: TransportStdio, Command: "math"},
		{Name: "weather", Transport: TransportHTTP, URL: "http://localhost:8000/mcp/"},
		{Name: "search", Transport: TransportHTTP, URL: "http://localhost:8001/mcp/"},
	}

	t.Run("dial fails", func(t *testing.T) {
		math := mockConn(ctrl, "math", "add")
		math.EXPECT().Close().Return(nil).Times(1)
		weather := mockConn(ctrl, "weather", "get_weather")
		weather.EXPECT().Close().Return(nil).Times(1)

		dial := func(_ context.Context, cfg *ProviderConfig) (Connection, error) {
			switch cfg.Name {
			case "math":
				return math, nil
			case "weather":
				return weather, nil
			}
			return nil, errors.Mark(errors.Newf("provider %s: unreachable", cfg.Name), chatmodel.ErrConnection)
		}

		r, err := Connect(ctx, providers, dial)
		require.Error(t, err)
		assert.Nil(t, r)
		assert.Equal(t, "ConnectionError", chatmodel.Kind(err))
		assert.Equal(t, "provider search: unreachable", err.Error())
	})

	t.Run("duplicate", func(t *testing.T) {
		math := mockConn(ctrl, "math", "add")
		math.EXPECT().Close().Return(nil).Times(1)
		dup := mockConn(ctrl, "weather", "add")
		dup.EXPECT().Close().Return(nil).Times(1)

		dial := func(_ context.Context, cfg *ProviderConfig) (Connection, error) {
			if cfg.Name == "math" {
				return math, nil
			}
			return dup, nil
		}

		r, err := Connect(ctx, providers[:2], dial)
		require.Error(t, err)
		assert.Nil(t, r)
		assert.Equal(t, "DuplicateToolError", chatmodel.Kind(err))
	})

	t.Run("all connected", func(t *testing.T) {
		dial := func(_ context.Context, cfg *ProviderConfig) (Connection, error) {
			return mockConn(ctrl, cfg.Name, cfg.Name+"_tool"), nil
		}
		r, err := Connect(ctx, providers, dial)
		require.NoError(t, err)
		assert.Equal(t, []string{"math", "weather", "search"}, r.Providers())
		assert.Len(t, r.ListAll(), 3)
	})
}

func TestNormalizeArguments(t *testing.T) {
	tcases := []struct {
		in  string
		exp string
		err bool
	}{
		{in: "", exp: "{}"},
		{in: "null", exp: "{}"},
		{in: "  ", exp: "{}"},
		{in: `{"a":1}`, exp: `{"a":1}`},
		{in: " {\"a\":1}\n", exp: `{"a":1}`},
		{in: "```json\n{\"a\":1}\n```", exp: `{"a":1}`},
		{in: `Sure: {"a":1} done`, exp: `{"a":1}`},
		{in: `[1,2]`, err: true},
		{in: `"text"`, err: true},
		{in: `{"a":`, err: true},
	}

	for _, tc := range tcases {
		t.Run(tc.in, func(t *testing.T) {
			out, err := normalizeArguments(json.RawMessage(tc.in))
			if tc.err {
				require.Error(t, err)
				assert.True(t, errors.Is(err, chatmodel.ErrInvalidArguments))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.exp, string(out))
		})
	}
}
