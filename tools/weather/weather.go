// Package weather provides the get_weather tool served by the weather provider.
package weather

import (
	"context"
	"reflect"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/mcpagent/mcp"
	"github.com/effective-security/mcpagent/mcp/transport"
	"github.com/effective-security/mcpagent/pkg/schema"
	"github.com/effective-security/mcpagent/tools"
	"github.com/effective-security/x/values"
	"github.com/effective-security/xlog"
	"github.com/invopop/jsonschema"
)

var logger = xlog.NewPackageLogger("github.com/effective-security/mcpagent/tools", "weather")

const (
	ToolName = "get_weather"

	// Forecast is the answer for every location
	Forecast = "It's always sunny in New York"

	unknown = "Unknown"
)

// Request represents the tool input.
type Request struct {
	Location string `json:"location" yaml:"location" jsonschema:"title=location,description=The location to get the weather for."`
}

// RequestHeaders are the headers of the inbound MCP request seen by the tool
type RequestHeaders struct {
	UserAgent     string
	Authorization string
	CustomHeader  string
}

// Tool reports the weather for a location
type Tool struct {
	name        string
	description string
	params      *jsonschema.Schema
	observer    func(ctx context.Context, h RequestHeaders)
}

var _ tools.IMCPTool = (*Tool)(nil)

// New returns the weather tool
func New() (*Tool, error) {
	sc, err := schema.New(reflect.TypeOf(Request{}))
	if err != nil {
		return nil, errors.WithMessage(err, "failed to create schema")
	}
	return &Tool{
		name:        ToolName,
		description: "Get weather for location.",
		params:      sc.Parameters,
	}, nil
}

// WithObserver sets a function that receives the request headers of every call
func (t *Tool) WithObserver(fn func(ctx context.Context, h RequestHeaders)) *Tool {
	t.observer = fn
	return t
}

func (t *Tool) Name() string {
	return t.name
}

func (t *Tool) Description() string {
	return t.description
}

func (t *Tool) Parameters() *jsonschema.Schema {
	return t.params
}

// Run returns the forecast and logs the headers of the inbound request
func (t *Tool) Run(ctx context.Context, req *Request) (string, error) {
	h := transport.HeadersFromContext(ctx)
	headers := RequestHeaders{
		UserAgent:     values.StringsCoalesce(h.Get("User-Agent"), unknown),
		Authorization: values.StringsCoalesce(h.Get("Authorization"), unknown),
		CustomHeader:  values.StringsCoalesce(h.Get("X-Custom-Header"), unknown),
	}

	logger.ContextKV(ctx, xlog.INFO,
		"tool", t.name,
		"location", req.Location,
		"user_agent", headers.UserAgent,
		"authorization", headers.Authorization,
		"x_custom_header", headers.CustomHeader,
	)

	if t.observer != nil {
		t.observer(ctx, headers)
	}
	return Forecast, nil
}

func (t *Tool) Call(ctx context.Context, input string) (string, error) {
	var req Request
	if err := tools.DecodeArguments(input, &req); err != nil {
		return "", errors.WithMessagef(err, "tool %s", t.name)
	}
	return t.Run(ctx, &req)
}

// RegisterMCP registers the tool with an MCP server
func (t *Tool) RegisterMCP(registrator tools.McpServerRegistrator) error {
	return registrator.RegisterTool(t.name, t.description, func(ctx context.Context, req Request) (*mcp.ToolResponse, error) {
		out, err := t.Run(ctx, &req)
		if err != nil {
			return nil, err
		}
		return mcp.NewToolResponse(mcp.NewTextContent(out)), nil
	})
}
